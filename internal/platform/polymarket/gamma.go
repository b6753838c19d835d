package polymarket

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/alanyoungcy/updownbot/internal/domain"
)

// GammaClient is the REST client for the Gamma API, used for market
// discovery by slug.
type GammaClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewGammaClient creates a Gamma API client.
func NewGammaClient(baseURL string) *GammaClient {
	return &GammaClient{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// FindMarket looks up the up/down market for an asset and slot by its
// deterministic slug. Returns domain.ErrNotFound when the slot has no
// market.
func (g *GammaClient) FindMarket(ctx context.Context, asset string, slotStart int64) (domain.Market, error) {
	slug := domain.SlotSlug(asset, slotStart)

	params := url.Values{}
	params.Set("slug", slug)

	body, err := g.doGet(ctx, "/markets?"+params.Encode())
	if err != nil {
		return domain.Market{}, fmt.Errorf("polymarket/gamma: find market %s: %w", slug, err)
	}

	var apiMarkets []apiMarket
	if err := json.Unmarshal(body, &apiMarkets); err != nil {
		return domain.Market{}, fmt.Errorf("polymarket/gamma: decode markets: %w", err)
	}

	for _, m := range apiMarkets {
		if m.Closed || !m.Active {
			continue
		}
		if market, ok := m.toDomain(asset); ok {
			return market, nil
		}
	}
	return domain.Market{}, fmt.Errorf("polymarket/gamma: market %s: %w", slug, domain.ErrNotFound)
}

func (g *GammaClient) doGet(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if err := checkHTTPStatus(resp.StatusCode, body); err != nil {
		return nil, err
	}
	return body, nil
}
