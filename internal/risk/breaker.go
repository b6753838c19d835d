// Package risk implements the safety controls in front of order placement:
// the multi-level circuit breaker, the blackout window, per-window exposure
// caps, the admission gate, and position sizing.
package risk

import (
	"context"
	"log/slog"
	"sync"

	"github.com/alanyoungcy/updownbot/internal/clock"
	"github.com/alanyoungcy/updownbot/internal/domain"
	"github.com/alanyoungcy/updownbot/internal/events"
)

// BreakerThresholds are the escalation triggers. Either a consecutive-failure
// count or a daily loss reaching a threshold escalates to that level.
type BreakerThresholds struct {
	WarnFailures    int
	CautionFailures int
	HaltFailures    int
	WarnLossUSD     float64
	CautionLossUSD  float64
	HaltLossUSD     float64
}

// BreakerPersister is the slice of the store the breaker uses. Optional; nil
// disables persistence.
type BreakerPersister interface {
	SaveCircuitBreaker(ctx context.Context, state domain.BreakerState) error
}

// CircuitBreaker accumulates execution failures and realized losses and
// exposes a safety level read by the admission gate. Within a day bucket the
// level only escalates; it resets to NORMAL when the UTC day rolls over.
type CircuitBreaker struct {
	mu    sync.Mutex
	state domain.BreakerState

	thresholds BreakerThresholds
	store      BreakerPersister
	emitter    *events.Emitter
	clk        clock.Clock
	logger     *slog.Logger
}

// NewCircuitBreaker creates a breaker starting at NORMAL for the current day.
func NewCircuitBreaker(
	thresholds BreakerThresholds,
	store BreakerPersister,
	emitter *events.Emitter,
	clk clock.Clock,
	logger *slog.Logger,
) *CircuitBreaker {
	return &CircuitBreaker{
		thresholds: thresholds,
		store:      store,
		emitter:    emitter,
		clk:        clk,
		state:      domain.BreakerState{Day: clk.Now().Format("2006-01-02")},
		logger:     logger.With(slog.String("component", "circuit_breaker")),
	}
}

// Restore seeds the breaker from persisted state, keeping it only if the day
// bucket matches today.
func (b *CircuitBreaker) Restore(state domain.BreakerState) {
	b.mu.Lock()
	defer b.mu.Unlock()
	today := b.clk.Now().Format("2006-01-02")
	if state.Day != today {
		return
	}
	b.state = state
	b.logger.Info("circuit breaker restored",
		slog.String("level", state.Level.String()),
		slog.Int("consecutive_failures", state.ConsecutiveFailures),
		slog.Float64("daily_pnl", state.DailyPnL),
	)
}

// Level returns the current safety level, rolling the day bucket first.
func (b *CircuitBreaker) Level() domain.BreakerLevel {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rollDayLocked(context.Background())
	return b.state.Level
}

// State returns a copy of the current state.
func (b *CircuitBreaker) State() domain.BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rollDayLocked(context.Background())
	return b.state
}

// SizeMultiplier returns the attenuation the gate applies to budgets.
func (b *CircuitBreaker) SizeMultiplier() float64 {
	return b.Level().SizeMultiplier()
}

// RecordFailure registers one failed execution and escalates if a failure
// threshold is crossed.
func (b *CircuitBreaker) RecordFailure(ctx context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rollDayLocked(ctx)

	b.state.ConsecutiveFailures++
	n := b.state.ConsecutiveFailures
	switch {
	case n >= b.thresholds.HaltFailures:
		b.escalateLocked(ctx, domain.BreakerHalt, "consecutive failures", n)
	case n >= b.thresholds.CautionFailures:
		b.escalateLocked(ctx, domain.BreakerCaution, "consecutive failures", n)
	case n >= b.thresholds.WarnFailures:
		b.escalateLocked(ctx, domain.BreakerWarning, "consecutive failures", n)
	default:
		b.persistLocked(ctx)
	}
}

// RecordSuccess resets the consecutive-failure counter. It does not
// de-escalate the level.
func (b *CircuitBreaker) RecordSuccess(ctx context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rollDayLocked(ctx)

	if b.state.ConsecutiveFailures == 0 {
		return
	}
	b.state.ConsecutiveFailures = 0
	b.persistLocked(ctx)
}

// RecordPnL applies a realized profit (positive) or loss (negative) to the
// daily total and escalates if a loss threshold is crossed.
func (b *CircuitBreaker) RecordPnL(ctx context.Context, amount float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rollDayLocked(ctx)

	b.state.DailyPnL += amount
	pnl := b.state.DailyPnL
	switch {
	case pnl <= -b.thresholds.HaltLossUSD:
		b.escalateLocked(ctx, domain.BreakerHalt, "daily loss", pnl)
	case pnl <= -b.thresholds.CautionLossUSD:
		b.escalateLocked(ctx, domain.BreakerCaution, "daily loss", pnl)
	case pnl <= -b.thresholds.WarnLossUSD:
		b.escalateLocked(ctx, domain.BreakerWarning, "daily loss", pnl)
	default:
		b.persistLocked(ctx)
	}
}

// escalateLocked raises the level. Levels never improve within a day bucket.
func (b *CircuitBreaker) escalateLocked(ctx context.Context, level domain.BreakerLevel, cause string, value any) {
	if level <= b.state.Level {
		b.persistLocked(ctx)
		return
	}
	prev := b.state.Level
	b.state.Level = level
	b.persistLocked(ctx)

	b.logger.Warn("circuit breaker escalated",
		slog.String("from", prev.String()),
		slog.String("to", level.String()),
		slog.String("cause", cause),
		slog.Any("value", value),
	)
	b.emitter.Emit(domain.EventCircuitBreakerChanged, "", "", map[string]any{
		"from":  prev.String(),
		"to":    level.String(),
		"cause": cause,
		"value": value,
	})
}

// rollDayLocked resets counters when the UTC day changes.
func (b *CircuitBreaker) rollDayLocked(ctx context.Context) {
	today := b.clk.Now().Format("2006-01-02")
	if b.state.Day == today {
		return
	}
	prev := b.state
	b.state = domain.BreakerState{Day: today}
	b.persistLocked(ctx)

	b.logger.Info("circuit breaker daily reset",
		slog.String("previous_day", prev.Day),
		slog.String("previous_level", prev.Level.String()),
		slog.Float64("previous_pnl", prev.DailyPnL),
	)
	if prev.Level != domain.BreakerNormal {
		b.emitter.Emit(domain.EventCircuitBreakerChanged, "", "", map[string]any{
			"from":  prev.Level.String(),
			"to":    domain.BreakerNormal.String(),
			"cause": "daily reset",
		})
	}
}

func (b *CircuitBreaker) persistLocked(ctx context.Context) {
	if b.store == nil {
		return
	}
	if err := b.store.SaveCircuitBreaker(ctx, b.state); err != nil {
		b.logger.Warn("circuit breaker persist failed", slog.String("error", err.Error()))
	}
}
