package botfilter

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
)

// HTTPReputationProvider queries an external IP reputation service. The
// caller's context bounds the request; the provider itself imposes no
// deadline.
type HTTPReputationProvider struct {
	baseURL string
	client  *http.Client
}

func NewHTTPReputationProvider(baseURL string) *HTTPReputationProvider {
	return &HTTPReputationProvider{
		baseURL: baseURL,
		client:  &http.Client{},
	}
}

type reputationResponse struct {
	IsScanner bool   `json:"is_scanner"`
	Category  string `json:"category"`
}

// Lookup asks the reputation service about ip.
func (p *HTTPReputationProvider) Lookup(ctx context.Context, ip string) (bool, error) {
	endpoint := fmt.Sprintf("%s/v1/reputation/%s", p.baseURL, url.PathEscape(ip))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return false, fmt.Errorf("failed to build reputation request: %w", err)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("reputation request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		// Unknown IPs are clean.
		return false, nil
	}
	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("reputation service returned status %d", resp.StatusCode)
	}

	var body reputationResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return false, fmt.Errorf("failed to decode reputation response: %w", err)
	}

	return body.IsScanner, nil
}
