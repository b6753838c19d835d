package polymarket

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"github.com/alanyoungcy/updownbot/internal/crypto"
	"github.com/alanyoungcy/updownbot/internal/domain"
)

// ClobClient is the REST client for the CLOB API: order placement,
// cancellation, book snapshots, and balances. Requests are rate-limited and
// authenticated with HMAC headers.
type ClobClient struct {
	baseURL    string
	address    string
	httpClient *http.Client
	auth       *crypto.HMACAuth
	limiter    *rate.Limiter
}

// NewClobClient creates a CLOB REST client. requestsPerSecond bounds the call
// rate; zero disables limiting.
func NewClobClient(baseURL, address string, auth *crypto.HMACAuth, requestsPerSecond float64) *ClobClient {
	limit := rate.Inf
	if requestsPerSecond > 0 {
		limit = rate.Limit(requestsPerSecond)
	}
	return &ClobClient{
		baseURL: baseURL,
		address: address,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		auth:    auth,
		limiter: rate.NewLimiter(limit, 2),
	}
}

// PostOrder submits an order and returns its outcome. The order's limit
// price and size are encoded exactly as given; no re-pricing happens here.
func (c *ClobClient) PostOrder(ctx context.Context, order domain.Order) (domain.OrderOutcome, error) {
	body := map[string]any{
		"order": map[string]any{
			"tokenID": order.TokenID,
			"price":   strconv.FormatFloat(order.Price, 'f', 2, 64),
			"size":    strconv.FormatFloat(order.Size, 'f', 2, 64),
			"side":    string(order.Side),
		},
		"orderType": string(order.Type),
	}

	respBody, err := c.doRequest(ctx, http.MethodPost, "/order", body)
	if err != nil {
		return domain.OrderOutcome{}, fmt.Errorf("polymarket/clob: post order: %w", err)
	}

	var result apiOrderResult
	if err := json.Unmarshal(respBody, &result); err != nil {
		return domain.OrderOutcome{}, fmt.Errorf("polymarket/clob: decode order result: %w", err)
	}

	return result.toOutcome(order), nil
}

// CancelOrder cancels a single resting order by its ID.
func (c *ClobClient) CancelOrder(ctx context.Context, orderID string) error {
	body := map[string]any{"orderID": orderID}

	respBody, err := c.doRequest(ctx, http.MethodDelete, "/order", body)
	if err != nil {
		return fmt.Errorf("polymarket/clob: cancel order %s: %w", orderID, err)
	}

	var result struct {
		Success  bool   `json:"success"`
		ErrorMsg string `json:"errorMsg"`
	}
	if err := json.Unmarshal(respBody, &result); err != nil {
		return fmt.Errorf("polymarket/clob: decode cancel response: %w", err)
	}
	if !result.Success {
		return fmt.Errorf("polymarket/clob: cancel failed: %s", result.ErrorMsg)
	}
	return nil
}

// GetBook returns the current orderbook snapshot for a token.
func (c *ClobClient) GetBook(ctx context.Context, tokenID string) (domain.Book, error) {
	params := url.Values{}
	params.Set("token_id", tokenID)

	respBody, err := c.doRequest(ctx, http.MethodGet, "/book?"+params.Encode(), nil)
	if err != nil {
		return domain.Book{}, fmt.Errorf("polymarket/clob: get book: %w", err)
	}

	var book apiBook
	if err := json.Unmarshal(respBody, &book); err != nil {
		return domain.Book{}, fmt.Errorf("polymarket/clob: decode book: %w", err)
	}
	return book.toDomain(), nil
}

// GetBalance returns the collateral balance and allowance for the wallet.
func (c *ClobClient) GetBalance(ctx context.Context) (domain.Balance, error) {
	respBody, err := c.doRequest(ctx, http.MethodGet, "/balance-allowance?asset_type=COLLATERAL", nil)
	if err != nil {
		return domain.Balance{}, fmt.Errorf("polymarket/clob: get balance: %w", err)
	}

	var bal apiBalance
	if err := json.Unmarshal(respBody, &bal); err != nil {
		return domain.Balance{}, fmt.Errorf("polymarket/clob: decode balance: %w", err)
	}
	return bal.toDomain(), nil
}

// doRequest builds, authenticates, rate-limits, and sends one HTTP request,
// returning the raw response body.
func (c *ClobClient) doRequest(ctx context.Context, method, path string, body any) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	var bodyReader io.Reader
	var bodyStr string
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		bodyStr = string(jsonBody)
		bodyReader = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	if c.auth.Configured() {
		for k, v := range c.auth.Headers(c.address, method, path, bodyStr, time.Now().Unix()) {
			req.Header.Set(k, v)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if err := checkHTTPStatus(resp.StatusCode, respBody); err != nil {
		return nil, err
	}
	return respBody, nil
}

// checkHTTPStatus maps non-2xx status codes to domain errors.
func checkHTTPStatus(statusCode int, body []byte) error {
	if statusCode >= 200 && statusCode < 300 {
		return nil
	}

	bodyStr := string(body)
	switch statusCode {
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", domain.ErrNotFound, bodyStr)
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: %s", domain.ErrUnauthorized, bodyStr)
	case http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s", domain.ErrRateLimited, bodyStr)
	default:
		return fmt.Errorf("HTTP %d: %s", statusCode, bodyStr)
	}
}
