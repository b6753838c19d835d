package domain

import (
	"context"
	"time"
)

// Store is the durable persistence boundary consumed by the core. In-memory
// state must be reconstructable from it plus an orderbook snapshot.
type Store interface {
	// SaveTrade persists a trade record, idempotent on trade ID.
	SaveTrade(ctx context.Context, trade TradeRecord) error

	// SaveTradeAndSettlements persists the trade and appends its settlement
	// rows in one transaction.
	SaveTradeAndSettlements(ctx context.Context, trade TradeRecord, entries []SettlementEntry) error

	// EnqueueSettlement appends one settlement row, unique on
	// (trade_id, token_id).
	EnqueueSettlement(ctx context.Context, entry SettlementEntry) error

	// GetUnclaimedSettlements returns every row with claimed = false.
	GetUnclaimedSettlements(ctx context.Context) ([]SettlementEntry, error)

	// GetClaimable returns unclaimed rows whose market ended at least wait
	// ago, with fewer than maxAttempts claim attempts, and whose retry
	// backoff has elapsed.
	GetClaimable(ctx context.Context, now time.Time, wait time.Duration, maxAttempts int) ([]SettlementEntry, error)

	// MarkClaimed finalizes a row with its sale proceeds and profit.
	MarkClaimed(ctx context.Context, id int64, proceeds, profit float64) error

	// RecordClaimAttempt increments a row's attempt counter and schedules the
	// next retry.
	RecordClaimAttempt(ctx context.Context, id int64, claimErr string, nextAttemptAt time.Time) error

	// UpsertMarket persists discovered market metadata.
	UpsertMarket(ctx context.Context, market Market) error

	// RecordPnL appends a realized profit-and-loss row.
	RecordPnL(ctx context.Context, tradeID, source string, amount float64, at time.Time) error

	// SaveCircuitBreaker / LoadCircuitBreaker persist the daily breaker
	// counters so a restart within a day preserves the level.
	SaveCircuitBreaker(ctx context.Context, state BreakerState) error
	LoadCircuitBreaker(ctx context.Context) (BreakerState, error)

	// ListRecentTrades returns the newest trade records for diagnostics.
	ListRecentTrades(ctx context.Context, limit int) ([]TradeRecord, error)
}
