// Package directory looks up org-chart metadata (department, manager) for
// a user from the identity service, with a Redis-backed cache in front.
// Lookups are best-effort: an unreachable directory degrades directives to
// unenriched, it never blocks them.
package directory

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"

	"telemetry-service/internal/client"
	"telemetry-service/internal/config"
	"telemetry-service/internal/util"
)

const cachePrefix = "dir:"

// UserInfo is the org-chart record for one user.
type UserInfo struct {
	UserID     string `json:"user_id"`
	Department string `json:"department"`
	ManagerID  string `json:"manager_id"`
}

// Client resolves users against the directory service.
type Client struct {
	baseURL  string
	http     *http.Client
	cache    *client.RedisClient
	cacheTTL time.Duration
}

func NewClient(cfg *config.DirectoryConfig, cache *client.RedisClient) *Client {
	return &Client{
		baseURL:  cfg.BaseURL,
		http:     &http.Client{Timeout: cfg.Timeout},
		cache:    cache,
		cacheTTL: cfg.CacheTTL,
	}
}

// Lookup returns the user's directory record, from cache when possible.
func (c *Client) Lookup(ctx context.Context, orgID, userID string) (*UserInfo, error) {
	key := cachePrefix + orgID + ":" + userID

	if c.cache != nil {
		if cached, err := c.cache.Get(ctx, key); err == nil {
			var info UserInfo
			if err := json.Unmarshal([]byte(cached), &info); err == nil {
				return &info, nil
			}
		}
	}

	info, err := c.fetch(ctx, orgID, userID)
	if err != nil {
		return nil, err
	}

	if c.cache != nil {
		if payload, err := json.Marshal(info); err == nil {
			if err := c.cache.Set(ctx, key, payload, c.cacheTTL); err != nil {
				util.Warn("Failed to cache directory record",
					zap.String("user_id", userID),
					zap.Error(err))
			}
		}
	}

	return info, nil
}

func (c *Client) fetch(ctx context.Context, orgID, userID string) (*UserInfo, error) {
	endpoint := fmt.Sprintf("%s/v1/orgs/%s/users/%s",
		c.baseURL, url.PathEscape(orgID), url.PathEscape(userID))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build directory request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("directory request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("user %s not found in directory", userID)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("directory returned status %d", resp.StatusCode)
	}

	var info UserInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, fmt.Errorf("failed to decode directory response: %w", err)
	}
	return &info, nil
}
