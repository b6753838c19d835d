package risk

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/alanyoungcy/updownbot/internal/clock"
	"github.com/alanyoungcy/updownbot/internal/domain"
	"github.com/alanyoungcy/updownbot/internal/events"
)

func defaultThresholds() BreakerThresholds {
	return BreakerThresholds{
		WarnFailures:    3,
		CautionFailures: 4,
		HaltFailures:    5,
		WarnLossUSD:     50,
		CautionLossUSD:  75,
		HaltLossUSD:     100,
	}
}

func newTestBreaker(clk clock.Clock) *CircuitBreaker {
	sink := events.NewSink(slog.Default())
	em := events.NewEmitter(sink, clk.Now)
	return NewCircuitBreaker(defaultThresholds(), nil, em, clk, slog.Default())
}

func TestBreakerFailureEscalation(t *testing.T) {
	clk := clock.NewFake(time.Unix(1765432800, 0).UTC())
	b := newTestBreaker(clk)
	ctx := context.Background()

	b.RecordFailure(ctx)
	b.RecordFailure(ctx)
	assert.Equal(t, domain.BreakerNormal, b.Level())

	b.RecordFailure(ctx)
	assert.Equal(t, domain.BreakerWarning, b.Level())
	assert.Equal(t, 0.5, b.SizeMultiplier())

	b.RecordFailure(ctx)
	assert.Equal(t, domain.BreakerCaution, b.Level())

	b.RecordFailure(ctx)
	assert.Equal(t, domain.BreakerHalt, b.Level())
}

func TestBreakerSuccessResetsCounterNotLevel(t *testing.T) {
	clk := clock.NewFake(time.Unix(1765432800, 0).UTC())
	b := newTestBreaker(clk)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		b.RecordFailure(ctx)
	}
	assert.Equal(t, domain.BreakerWarning, b.Level())

	b.RecordSuccess(ctx)
	assert.Equal(t, 0, b.State().ConsecutiveFailures)
	assert.Equal(t, domain.BreakerWarning, b.Level(), "success does not de-escalate")

	// Counter restarts from zero: three more failures to re-trip WARNING.
	b.RecordFailure(ctx)
	b.RecordFailure(ctx)
	assert.Equal(t, 2, b.State().ConsecutiveFailures)
}

func TestBreakerLossEscalation(t *testing.T) {
	clk := clock.NewFake(time.Unix(1765432800, 0).UTC())
	b := newTestBreaker(clk)
	ctx := context.Background()

	b.RecordPnL(ctx, -49.5)
	assert.Equal(t, domain.BreakerNormal, b.Level())

	b.RecordPnL(ctx, -1)
	assert.Equal(t, domain.BreakerWarning, b.Level())

	b.RecordPnL(ctx, -50)
	assert.Equal(t, domain.BreakerHalt, b.Level())

	// A profit later does not improve the level within the day.
	b.RecordPnL(ctx, 500)
	assert.Equal(t, domain.BreakerHalt, b.Level())
}

func TestBreakerDailyReset(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 8, 6, 23, 0, 0, 0, time.UTC))
	b := newTestBreaker(clk)
	ctx := context.Background()

	b.RecordPnL(ctx, -120)
	assert.Equal(t, domain.BreakerHalt, b.Level())

	clk.Advance(2 * time.Hour) // crosses 00:00 UTC
	assert.Equal(t, domain.BreakerNormal, b.Level())
	assert.Zero(t, b.State().DailyPnL)
}

func TestBreakerRestoreSameDayOnly(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 8, 6, 12, 0, 0, 0, time.UTC))
	b := newTestBreaker(clk)

	b.Restore(domain.BreakerState{
		Level: domain.BreakerCaution, ConsecutiveFailures: 4,
		DailyPnL: -80, Day: "2026-08-06",
	})
	assert.Equal(t, domain.BreakerCaution, b.Level())

	b2 := newTestBreaker(clk)
	b2.Restore(domain.BreakerState{Level: domain.BreakerHalt, Day: "2026-08-05"})
	assert.Equal(t, domain.BreakerNormal, b2.Level(), "stale day is discarded")
}
