// Package monitor implements market discovery, orderbook tracking, and
// arbitrage opportunity detection for slot-aligned up/down markets.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alanyoungcy/updownbot/internal/clock"
	"github.com/alanyoungcy/updownbot/internal/domain"
	"github.com/alanyoungcy/updownbot/internal/events"
)

// MarketPersister is the slice of the store the finder needs. It is optional;
// a nil persister disables market persistence.
type MarketPersister interface {
	UpsertMarket(ctx context.Context, market domain.Market) error
}

// Finder enumerates the currently-tradeable 15-minute markets for each
// configured asset. Lookups are memoized per (asset, slot) so a market is
// queried at most once; expired markets are dropped on refresh.
type Finder struct {
	exch    domain.Exchange
	store   MarketPersister
	emitter *events.Emitter
	clk     clock.Clock
	assets  []string
	logger  *slog.Logger

	refreshInterval time.Duration

	mu    sync.Mutex
	cache map[string]domain.Market // asset:slotStart -> market
	// misses remembers (asset, slot) lookups that returned not-found so a
	// slot without a market is not re-queried every refresh.
	misses map[string]bool

	onFound func(domain.Market)
}

// NewFinder creates a market finder for the given assets.
func NewFinder(
	exch domain.Exchange,
	store MarketPersister,
	emitter *events.Emitter,
	clk clock.Clock,
	assets []string,
	refreshInterval time.Duration,
	logger *slog.Logger,
) *Finder {
	return &Finder{
		exch:            exch,
		store:           store,
		emitter:         emitter,
		clk:             clk,
		assets:          assets,
		refreshInterval: refreshInterval,
		cache:           make(map[string]domain.Market),
		misses:          make(map[string]bool),
		logger:          logger.With(slog.String("component", "market_finder")),
	}
}

// OnMarketFound registers a callback invoked once per newly discovered
// market. Must be set before Run.
func (f *Finder) OnMarketFound(fn func(domain.Market)) {
	f.onFound = fn
}

// Refresh enumerates the current slot for every configured asset and returns
// all cached, still-tradeable markets. Lookup failures are soft: the previous
// market set stays intact and a warning is logged.
func (f *Finder) Refresh(ctx context.Context) []domain.Market {
	now := f.clk.Now()
	slot := domain.SlotStart(now)

	for _, asset := range f.assets {
		key := fmt.Sprintf("%s:%d", asset, slot)

		f.mu.Lock()
		_, cached := f.cache[key]
		missed := f.misses[key]
		f.mu.Unlock()
		if cached || missed {
			continue
		}

		market, err := f.exch.FindMarket(ctx, asset, slot)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				f.mu.Lock()
				f.misses[key] = true
				f.mu.Unlock()
				f.logger.Debug("no market for slot",
					slog.String("asset", asset),
					slog.Int64("slot", slot),
				)
			} else {
				f.logger.Warn("market lookup failed",
					slog.String("asset", asset),
					slog.Int64("slot", slot),
					slog.String("error", err.Error()),
				)
			}
			continue
		}

		f.mu.Lock()
		f.cache[key] = market
		f.mu.Unlock()

		f.logger.Info("market found",
			slog.String("asset", market.Asset),
			slog.String("slug", market.Slug),
			slog.Time("end_time", market.EndTime),
		)
		f.emitter.Emit(domain.EventMarketFound, market.ConditionID, market.Asset, map[string]any{
			"slug": market.Slug,
			"end":  market.EndTime,
		})

		if f.store != nil {
			if err := f.store.UpsertMarket(ctx, market); err != nil {
				f.logger.Warn("market persist failed",
					slog.String("slug", market.Slug),
					slog.String("error", err.Error()),
				)
			}
		}
		if f.onFound != nil {
			f.onFound(market)
		}
	}

	f.prune(now)
	return f.Active(now)
}

// Active returns the cached markets that have not yet expired.
func (f *Finder) Active(now time.Time) []domain.Market {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.Market, 0, len(f.cache))
	for _, m := range f.cache {
		if !m.Expired(now) {
			out = append(out, m)
		}
	}
	return out
}

// prune drops expired markets and stale miss records from the cache.
func (f *Finder) prune(now time.Time) {
	slot := domain.SlotStart(now)
	f.mu.Lock()
	defer f.mu.Unlock()
	for key, m := range f.cache {
		if m.Expired(now) {
			delete(f.cache, key)
			f.emitter.Emit(domain.EventMarketExpired, m.ConditionID, m.Asset, nil)
		}
	}
	// A miss for an earlier slot can never become a hit; keep only the
	// current slot's misses.
	for key := range f.misses {
		if !hasSlotSuffix(key, slot) {
			delete(f.misses, key)
		}
	}
}

func hasSlotSuffix(key string, slot int64) bool {
	suffix := fmt.Sprintf(":%d", slot)
	return len(key) > len(suffix) && key[len(key)-len(suffix):] == suffix
}

// Run refreshes on a fixed interval until ctx is cancelled. One refresh runs
// immediately on start.
func (f *Finder) Run(ctx context.Context) error {
	f.logger.Info("market finder started", slog.Any("assets", f.assets))
	defer f.logger.Info("market finder stopped")

	f.Refresh(ctx)

	ticker := time.NewTicker(f.refreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			f.Refresh(ctx)
		}
	}
}
