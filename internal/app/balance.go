package app

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/alanyoungcy/updownbot/internal/cache/redis"
	"github.com/alanyoungcy/updownbot/internal/domain"
	"github.com/alanyoungcy/updownbot/internal/events"
)

// BalanceTracker periodically refreshes the exchange balance that sizing
// budgets derive from. It implements risk.BalanceSource.
type BalanceTracker struct {
	exch     domain.Exchange
	emitter  *events.Emitter
	cache    *redis.BalanceCache
	interval time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	balance domain.Balance
}

// NewBalanceTracker creates a tracker. cache may be nil.
func NewBalanceTracker(
	exch domain.Exchange,
	emitter *events.Emitter,
	cache *redis.BalanceCache,
	interval time.Duration,
	logger *slog.Logger,
) *BalanceTracker {
	return &BalanceTracker{
		exch:     exch,
		emitter:  emitter,
		cache:    cache,
		interval: interval,
		logger:   logger.With(slog.String("component", "balance_tracker")),
	}
}

// Balance returns the most recently observed collateral balance.
func (b *BalanceTracker) Balance() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.balance.Balance
}

// Refresh fetches the balance once. Failures keep the previous value.
func (b *BalanceTracker) Refresh(ctx context.Context) {
	bal, err := b.exch.GetBalance(ctx)
	if err != nil {
		b.logger.Warn("balance refresh failed", slog.String("error", err.Error()))
		return
	}

	b.mu.Lock()
	changed := bal.Balance != b.balance.Balance
	b.balance = bal
	b.mu.Unlock()

	if changed {
		b.emitter.Emit(domain.EventBalanceUpdated, "", "", map[string]any{
			"balance":   bal.Balance,
			"allowance": bal.Allowance,
		})
	}
	if b.cache != nil {
		if err := b.cache.Set(ctx, bal); err != nil {
			b.logger.Debug("balance cache update failed", slog.String("error", err.Error()))
		}
	}
}

// Run refreshes on a fixed interval, once immediately on start.
func (b *BalanceTracker) Run(ctx context.Context) error {
	b.Refresh(ctx)

	interval := b.interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			b.Refresh(ctx)
		}
	}
}
