package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/holiman/uint256"
)

// HTTPFeed polls a JSON endpoint of the form
// GET {endpoint}/{asset} -> {"answer":"<integer>","decimals":8,"updated_at":<unix>}.
type HTTPFeed struct {
	name     string
	endpoint string
	apiKey   string
	symbols  map[string]string
	client   *http.Client
}

type httpAnswer struct {
	Answer    string `json:"answer"`
	Decimals  uint8  `json:"decimals"`
	UpdatedAt int64  `json:"updated_at"`
}

// NewHTTPFeed constructs an HTTP feed. symbols optionally maps local asset
// names onto the identifiers understood by the upstream endpoint.
func NewHTTPFeed(client *http.Client, name, endpoint, apiKey string, symbols map[string]string) *HTTPFeed {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	mapped := make(map[string]string, len(symbols))
	for k, v := range symbols {
		mapped[normalizeAsset(k)] = strings.TrimSpace(v)
	}
	if strings.TrimSpace(name) == "" {
		name = "http"
	}
	return &HTTPFeed{
		name:     strings.TrimSpace(name),
		endpoint: strings.TrimRight(strings.TrimSpace(endpoint), "/"),
		apiKey:   apiKey,
		symbols:  mapped,
		client:   client,
	}
}

// Name implements Feed.
func (f *HTTPFeed) Name() string { return f.name }

// LatestPrice implements Feed.
func (f *HTTPFeed) LatestPrice(ctx context.Context, asset string) (Answer, error) {
	symbol := normalizeAsset(asset)
	if mapped, ok := f.symbols[symbol]; ok && mapped != "" {
		symbol = mapped
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.endpoint+"/"+url.PathEscape(symbol), nil)
	if err != nil {
		return Answer{}, err
	}
	req.Header.Set("Accept", "application/json")
	if f.apiKey != "" {
		req.Header.Set("X-API-Key", f.apiKey)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return Answer{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Answer{}, fmt.Errorf("oracle: %s returned %d: %s", f.name, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	var payload httpAnswer
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&payload); err != nil {
		return Answer{}, fmt.Errorf("oracle: decode %s response: %w", f.name, err)
	}
	value, err := uint256.FromDecimal(strings.TrimSpace(payload.Answer))
	if err != nil {
		return Answer{}, fmt.Errorf("%w: %s answer %q", ErrInvalidPrice, f.name, payload.Answer)
	}
	return Answer{Value: value, Decimals: payload.Decimals, UpdatedAt: time.Unix(payload.UpdatedAt, 0)}, nil
}
