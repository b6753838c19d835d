package polymarket

import (
	"context"

	"github.com/alanyoungcy/updownbot/internal/crypto"
	"github.com/alanyoungcy/updownbot/internal/domain"
)

// Client implements domain.Exchange over the CLOB REST API, the Gamma API,
// and the market-channel WebSocket.
type Client struct {
	clob  *ClobClient
	gamma *GammaClient
	wsURL string
}

// Config holds the connection parameters for the exchange adapter.
type Config struct {
	ClobHost          string
	GammaHost         string
	WsHost            string
	Address           string
	ApiKey            string
	ApiSecret         string
	ApiPassphrase     string
	RequestsPerSecond float64
}

// New creates the exchange adapter.
func New(cfg Config) *Client {
	auth := &crypto.HMACAuth{
		Key:        cfg.ApiKey,
		Secret:     cfg.ApiSecret,
		Passphrase: cfg.ApiPassphrase,
	}
	return &Client{
		clob:  NewClobClient(cfg.ClobHost, cfg.Address, auth, cfg.RequestsPerSecond),
		gamma: NewGammaClient(cfg.GammaHost),
		wsURL: cfg.WsHost,
	}
}

var _ domain.Exchange = (*Client)(nil)

// GetBook returns a snapshot of the token's orderbook.
func (c *Client) GetBook(ctx context.Context, tokenID string) (domain.Book, error) {
	return c.clob.GetBook(ctx, tokenID)
}

// SubscribeBook streams book updates for the tokens until ctx is cancelled
// or the connection drops. Each call uses a fresh connection so the caller's
// resubscription restores the full set.
func (c *Client) SubscribeBook(ctx context.Context, tokenIDs []string, handler func(domain.BookUpdate)) error {
	ws := NewWSClient(c.wsURL)
	return ws.Stream(ctx, tokenIDs, handler)
}

// PlaceOrder submits the order with its limit price unchanged.
func (c *Client) PlaceOrder(ctx context.Context, order domain.Order) (domain.OrderOutcome, error) {
	return c.clob.PostOrder(ctx, order)
}

// CancelOrder cancels a resting order.
func (c *Client) CancelOrder(ctx context.Context, orderID string) error {
	return c.clob.CancelOrder(ctx, orderID)
}

// GetBalance returns available collateral.
func (c *Client) GetBalance(ctx context.Context) (domain.Balance, error) {
	return c.clob.GetBalance(ctx)
}

// FindMarket looks up the up/down market for an asset and slot.
func (c *Client) FindMarket(ctx context.Context, asset string, slotStart int64) (domain.Market, error) {
	return c.gamma.FindMarket(ctx, asset, slotStart)
}
