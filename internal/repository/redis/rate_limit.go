package redis

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"telemetry-service/internal/client"
	"telemetry-service/internal/util"
)

const (
	ingestRatePrefix = "ingest_rate:"
	repCachePrefix   = "ip_rep:"
)

// RateLimitCache enforces the per-tenant ingest rate limit with an atomic
// sliding window, and caches IP reputation verdicts for the bot filter.
type RateLimitCache struct {
	client *client.RedisClient
}

func NewRateLimitCache(client *client.RedisClient) *RateLimitCache {
	return &RateLimitCache{client: client}
}

// slidingWindowScript trims expired entries, counts the remainder and
// admits atomically; a request either lands inside the window or not,
// regardless of concurrent callers.
const slidingWindowScript = `
    local key = KEYS[1]
    local now = tonumber(ARGV[1])
    local window_start = tonumber(ARGV[2])
    local limit = tonumber(ARGV[3])

    redis.call('ZREMRANGEBYSCORE', key, '-inf', window_start)

    local current_count = redis.call('ZCARD', key)

    if current_count < limit then
        redis.call('ZADD', key, now, now .. '-' .. ARGV[5])
        redis.call('EXPIRE', key, math.ceil(tonumber(ARGV[4])))
        return {1, current_count + 1}
    else
        return {0, current_count}
    end
`

// AllowIngest checks the org's sliding-window budget. Returns whether the
// request is admitted and the current window count.
func (c *RateLimitCache) AllowIngest(ctx context.Context, orgID string, limit int, window time.Duration) (bool, int, error) {
	now := time.Now().UnixMicro()
	windowStart := now - window.Microseconds()

	result, err := c.client.Eval(ctx, slidingWindowScript,
		[]string{ingestRatePrefix + orgID},
		now, windowStart, limit, int(window.Seconds()), now)
	if err != nil {
		util.Error("Failed to execute ingest rate limit",
			zap.String("org_id", orgID),
			zap.Int("limit", limit),
			zap.Error(err))
		return false, 0, fmt.Errorf("failed to execute ingest rate limit: %w", err)
	}

	resultSlice, ok := result.([]interface{})
	if !ok || len(resultSlice) != 2 {
		return false, 0, fmt.Errorf("unexpected result format from sliding window script")
	}

	allowed := resultSlice[0].(int64) == 1
	currentCount := int(resultSlice[1].(int64))

	util.Debug("Ingest rate limit check",
		zap.String("org_id", orgID),
		zap.Bool("allowed", allowed),
		zap.Int("current_count", currentCount))

	return allowed, currentCount, nil
}

// CacheReputation stores an IP reputation verdict.
func (c *RateLimitCache) CacheReputation(ctx context.Context, ip string, isScanner bool, ttl time.Duration) error {
	val := "clean"
	if isScanner {
		val = "scanner"
	}
	if err := c.client.Set(ctx, repCachePrefix+ip, val, ttl); err != nil {
		return fmt.Errorf("failed to cache reputation verdict: %w", err)
	}
	return nil
}

// GetReputation returns the cached verdict. found is false on a miss.
func (c *RateLimitCache) GetReputation(ctx context.Context, ip string) (isScanner, found bool, err error) {
	val, err := c.client.Get(ctx, repCachePrefix+ip)
	if err != nil {
		if err == client.ErrKeyNotFound {
			return false, false, nil
		}
		return false, false, fmt.Errorf("failed to get reputation verdict: %w", err)
	}
	return val == "scanner", true, nil
}
