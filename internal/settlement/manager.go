// Package settlement claims resolved positions. The venue exposes no native
// redemption primitive, so a claim is a GTC sell of the held shares at a
// price near par; the winning side fills immediately against resolution
// buyers, the losing side never fills and stays queued until abandoned.
package settlement

import (
	"context"
	"log/slog"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/alanyoungcy/updownbot/internal/clock"
	"github.com/alanyoungcy/updownbot/internal/domain"
	"github.com/alanyoungcy/updownbot/internal/events"
	"github.com/alanyoungcy/updownbot/internal/risk"
)

// PositionReleaser is notified when every settlement row of a trade has been
// claimed, closing the position.
type PositionReleaser interface {
	Release(tradeID string)
}

// Config holds the claim-loop parameters.
type Config struct {
	ResolutionWait     time.Duration
	ClaimSellPrice     float64
	BaseRetry          time.Duration
	MaxRetry           time.Duration
	MaxClaimAttempts   int
	AlertAfterFailures int
	SweepInterval      time.Duration
}

// Manager drives the settlement queue: a periodic sweep fetches claimable
// rows from the store, submits sell-backs, and schedules retries with
// exponential backoff. All mutation goes through the store; the loop resumes
// exactly where it left off after a restart.
type Manager struct {
	exch      domain.Exchange
	store     domain.Store
	positions PositionReleaser
	breaker   *risk.CircuitBreaker
	emitter   *events.Emitter
	clk       clock.Clock
	cfg       Config
	logger    *slog.Logger

	mu        sync.Mutex
	processed int
	failed    int
	// jitter randomizes retry delays; replaceable for deterministic tests.
	jitter func() float64
}

// NewManager creates a settlement manager.
func NewManager(
	exch domain.Exchange,
	store domain.Store,
	positions PositionReleaser,
	breaker *risk.CircuitBreaker,
	emitter *events.Emitter,
	clk clock.Clock,
	cfg Config,
	logger *slog.Logger,
) *Manager {
	return &Manager{
		exch:      exch,
		store:     store,
		positions: positions,
		breaker:   breaker,
		emitter:   emitter,
		clk:       clk,
		cfg:       cfg,
		jitter:    rand.Float64,
		logger:    logger.With(slog.String("component", "settlement_manager")),
	}
}

// Run drives the claim sweep until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) error {
	m.logger.Info("settlement manager started",
		slog.Duration("sweep_interval", m.cfg.SweepInterval),
		slog.Float64("claim_sell_price", m.cfg.ClaimSellPrice),
	)
	defer func() {
		m.mu.Lock()
		processed, failed := m.processed, m.failed
		m.mu.Unlock()
		m.logger.Info("settlement manager stopped",
			slog.Int("claims_processed", processed),
			slog.Int("claims_failed", failed),
		)
	}()

	interval := m.cfg.SweepInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := m.Sweep(ctx); err != nil {
				m.logger.Error("settlement sweep failed", slog.String("error", err.Error()))
			}
		}
	}
}

// Sweep processes every currently claimable row once. It returns the number
// of successful claims.
func (m *Manager) Sweep(ctx context.Context) (int, error) {
	// All exchange-mutating operations are blocked at HALT.
	if m.breaker.Level() == domain.BreakerHalt {
		return 0, nil
	}

	now := m.clk.Now()
	rows, err := m.store.GetClaimable(ctx, now, m.cfg.ResolutionWait, m.cfg.MaxClaimAttempts)
	if err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		return 0, nil
	}

	m.logger.Info("checking settlements", slog.Int("claimable", len(rows)))

	claimed := 0
	for _, row := range rows {
		if ctx.Err() != nil {
			return claimed, ctx.Err()
		}
		if m.claim(ctx, row) {
			claimed++
		}
	}
	return claimed, nil
}

// claim attempts one sell-back. Returns true on success.
func (m *Manager) claim(ctx context.Context, row domain.SettlementEntry) bool {
	log := m.logger.With(
		slog.String("trade_id", row.TradeID),
		slog.String("side", row.Side),
		slog.String("asset", row.Asset),
	)

	order := domain.Order{
		TokenID: row.TokenID,
		Side:    domain.OrderSideSell,
		Type:    domain.OrderTypeGTC,
		Price:   m.cfg.ClaimSellPrice,
		Size:    row.Shares,
	}

	outcome, err := m.exch.PlaceOrder(ctx, order)
	if err != nil {
		outcome = domain.Exceptional(err)
	}

	if outcome.Status != domain.OutcomeMatched {
		reason := string(outcome.Status)
		if outcome.Err != nil {
			reason = outcome.Err.Error()
		} else if outcome.Reason != "" {
			reason = outcome.Reason
		}
		m.recordFailure(ctx, row, reason, log)
		return false
	}

	proceeds := outcome.FilledCost
	profit := proceeds - row.EntryCost

	if err := m.store.MarkClaimed(ctx, row.ID, proceeds, profit); err != nil {
		// The sale went through but the row is still unclaimed; the next
		// sweep will retry and the sell of already-sold shares will fail,
		// landing in the ordinary retry path.
		log.Error("mark claimed failed after fill", slog.String("error", err.Error()))
		return false
	}

	if m.store != nil {
		if err := m.store.RecordPnL(ctx, row.TradeID, "settlement", profit, m.clk.Now()); err != nil {
			log.Warn("settlement pnl persist failed", slog.String("error", err.Error()))
		}
	}
	m.breaker.RecordPnL(ctx, profit)

	m.mu.Lock()
	m.processed++
	m.mu.Unlock()

	log.Info("settlement claimed",
		slog.Float64("shares", row.Shares),
		slog.Float64("proceeds", proceeds),
		slog.Float64("profit", profit),
	)
	m.emitter.Emit(domain.EventSettlementClaimed, row.ConditionID, row.Asset, map[string]any{
		"trade_id": row.TradeID,
		"side":     row.Side,
		"proceeds": proceeds,
		"profit":   profit,
	})

	m.maybeRelease(ctx, row.TradeID)
	return true
}

// recordFailure persists the attempt, schedules the retry, and emits the
// degradation events.
func (m *Manager) recordFailure(ctx context.Context, row domain.SettlementEntry, reason string, log *slog.Logger) {
	attempts := row.ClaimAttempts + 1
	next := m.clk.Now().Add(m.retryDelay(attempts))

	if err := m.store.RecordClaimAttempt(ctx, row.ID, reason, next); err != nil {
		log.Error("record claim attempt failed", slog.String("error", err.Error()))
	}

	m.mu.Lock()
	m.failed++
	m.mu.Unlock()

	log.Warn("claim attempt failed",
		slog.Int("attempts", attempts),
		slog.String("reason", reason),
		slog.Time("next_attempt", next),
	)

	if attempts >= m.cfg.MaxClaimAttempts {
		// Permanent failure; the claimable filter excludes the row from now
		// on and the position is given up.
		log.Error("settlement abandoned", slog.Int("attempts", attempts))
		m.emitter.Emit(domain.EventSettlementAbandoned, row.ConditionID, row.Asset, map[string]any{
			"trade_id": row.TradeID,
			"side":     row.Side,
			"attempts": attempts,
			"reason":   reason,
		})
		m.maybeRelease(ctx, row.TradeID)
		return
	}

	if attempts >= m.cfg.AlertAfterFailures {
		m.emitter.Emit(domain.EventSettlementDegraded, row.ConditionID, row.Asset, map[string]any{
			"trade_id": row.TradeID,
			"side":     row.Side,
			"attempts": attempts,
			"reason":   reason,
		})
	}
}

// retryDelay computes the exponential backoff for the given attempt count
// with ±25% jitter: min(base × 2^(attempt−1), max).
func (m *Manager) retryDelay(attempt int) time.Duration {
	base := m.cfg.BaseRetry.Seconds()
	delay := base * math.Pow(2, float64(attempt-1))
	if max := m.cfg.MaxRetry.Seconds(); delay > max {
		delay = max
	}
	factor := 0.75 + 0.5*m.jitter()
	return time.Duration(delay * factor * float64(time.Second))
}

// maybeRelease closes the trade's position when no unclaimed, still-pending
// rows remain for it.
func (m *Manager) maybeRelease(ctx context.Context, tradeID string) {
	if m.positions == nil {
		return
	}
	rows, err := m.store.GetUnclaimedSettlements(ctx)
	if err != nil {
		m.logger.Warn("unclaimed query failed", slog.String("error", err.Error()))
		return
	}
	for _, row := range rows {
		if row.TradeID == tradeID && row.ClaimAttempts < m.cfg.MaxClaimAttempts {
			return
		}
	}
	m.positions.Release(tradeID)
}
