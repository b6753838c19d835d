package domain

import "context"

// Balance is the tradeable collateral available on the exchange.
type Balance struct {
	Balance   float64
	Allowance float64
}

// Exchange is the venue boundary consumed by the core. Implementations
// convert wire JSON to domain types here; untyped payloads never leak inward.
//
// PlaceOrder must submit the caller's limit price unchanged: no re-fetching
// the book to substitute a price, no implicit slippage.
type Exchange interface {
	// GetBook returns a snapshot of the token's orderbook.
	GetBook(ctx context.Context, tokenID string) (Book, error)

	// SubscribeBook streams book updates for the given token IDs, invoking
	// handler for each. It blocks until ctx is cancelled or the connection
	// fails; the caller resubscribes on failure.
	SubscribeBook(ctx context.Context, tokenIDs []string, handler func(BookUpdate)) error

	// PlaceOrder submits an order and reports its terminal outcome. A non-nil
	// error means the placement itself could not be performed (transport
	// failure); callers on the execution hot path convert it to an
	// Exception outcome.
	PlaceOrder(ctx context.Context, order Order) (OrderOutcome, error)

	// CancelOrder cancels a resting order by ID.
	CancelOrder(ctx context.Context, orderID string) error

	// GetBalance returns available collateral.
	GetBalance(ctx context.Context) (Balance, error)

	// FindMarket looks up the up/down market for an asset and slot start.
	// Returns ErrNotFound if the slot has no market.
	FindMarket(ctx context.Context, asset string, slotStart int64) (Market, error)
}
