package risk

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/updownbot/internal/clock"
	"github.com/alanyoungcy/updownbot/internal/domain"
	"github.com/alanyoungcy/updownbot/internal/events"
)

type stubPositions struct{ open map[string]bool }

func (s stubPositions) HasOpen(cid string) bool { return s.open[cid] }

type stubBalance struct{ v float64 }

func (s stubBalance) Balance() float64 { return s.v }

func gateFixture(t *testing.T, clk clock.Clock, breaker *CircuitBreaker, positions PositionIndex, balance float64) (*Gate, *WindowLedger) {
	t.Helper()
	sink := events.NewSink(slog.Default())
	em := events.NewEmitter(sink, clk.Now)
	blackout, err := NewBlackout(true, 5, 0, 5, 29, "America/Chicago")
	require.NoError(t, err)
	ledger := NewWindowLedger()
	gate := NewGate(
		GateConfig{
			BalanceSizingPct: 0.25,
			MaxTradeSizeUSD:  25,
			MinTradeSizeUSD:  3,
			MaxPerWindowUSD:  50,
		},
		blackout, breaker, ledger, positions, stubBalance{v: balance}, clk, em, slog.Default(),
	)
	return gate, ledger
}

func gateOpp(clk clock.Clock, yes, no float64) domain.Opportunity {
	slot := domain.SlotStart(clk.Now())
	start := time.Unix(slot, 0).UTC()
	return domain.Opportunity{
		Market: domain.Market{
			ConditionID: "0xgate",
			Asset:       "BTC",
			YesTokenID:  "yes-token",
			NoTokenID:   "no-token",
			StartTime:   start,
			EndTime:     start.Add(15 * time.Minute),
		},
		YesAsk:      yes,
		NoAsk:       no,
		SpreadCents: (1 - yes - no) * 100,
		DetectedAt:  clk.Now(),
	}
}

// noonUTC is comfortably outside the 05:00–05:29 America/Chicago blackout.
func noonUTC() *clock.Fake {
	return clock.NewFake(time.Date(2026, 8, 6, 17, 0, 0, 0, time.UTC))
}

func TestGateAdmits(t *testing.T) {
	clk := noonUTC()
	gate, _ := gateFixture(t, clk, newTestBreaker(clk), stubPositions{}, 100)

	adm, _, ok := gate.Admit(gateOpp(clk, 0.48, 0.49))
	require.True(t, ok)
	assert.Equal(t, 25.0, adm.Budget, "balance*pct capped at max trade size")
	assert.True(t, gate.InFlight("0xgate"))

	gate.Release("0xgate")
	assert.False(t, gate.InFlight("0xgate"))
}

func TestGateBlackout(t *testing.T) {
	// 10:15 UTC == 05:15 America/Chicago (CDT) — inside the window.
	clk := clock.NewFake(time.Date(2026, 8, 6, 10, 15, 0, 0, time.UTC))
	gate, _ := gateFixture(t, clk, newTestBreaker(clk), stubPositions{}, 100)

	_, reason, ok := gate.Admit(gateOpp(clk, 0.48, 0.49))
	assert.False(t, ok)
	assert.Equal(t, RejectBlackout, reason)
}

func TestGateBreakerLevels(t *testing.T) {
	clk := noonUTC()
	breaker := newTestBreaker(clk)
	gate, _ := gateFixture(t, clk, breaker, stubPositions{}, 100)

	for i := 0; i < 4; i++ {
		breaker.RecordFailure(context.Background())
	}
	_, reason, ok := gate.Admit(gateOpp(clk, 0.48, 0.49))
	assert.False(t, ok)
	assert.Equal(t, RejectCaution, reason)

	breaker.RecordFailure(context.Background())
	_, reason, ok = gate.Admit(gateOpp(clk, 0.48, 0.49))
	assert.False(t, ok)
	assert.Equal(t, RejectHalted, reason)
}

func TestGateWarningHalvesBudget(t *testing.T) {
	clk := noonUTC()
	breaker := newTestBreaker(clk)
	gate, _ := gateFixture(t, clk, breaker, stubPositions{}, 100)

	for i := 0; i < 3; i++ {
		breaker.RecordFailure(context.Background())
	}
	adm, _, ok := gate.Admit(gateOpp(clk, 0.48, 0.49))
	require.True(t, ok)
	assert.Equal(t, 12.5, adm.Budget)
}

func TestGateDuplicate(t *testing.T) {
	clk := noonUTC()

	// Open position on the market.
	gate, _ := gateFixture(t, clk, newTestBreaker(clk), stubPositions{open: map[string]bool{"0xgate": true}}, 100)
	_, reason, ok := gate.Admit(gateOpp(clk, 0.48, 0.49))
	assert.False(t, ok)
	assert.Equal(t, RejectDuplicate, reason)

	// In-flight execution on the market.
	gate2, _ := gateFixture(t, clk, newTestBreaker(clk), stubPositions{}, 100)
	_, _, ok = gate2.Admit(gateOpp(clk, 0.48, 0.49))
	require.True(t, ok)
	_, reason, ok = gate2.Admit(gateOpp(clk, 0.48, 0.49))
	assert.False(t, ok)
	assert.Equal(t, RejectDuplicate, reason)
}

func TestGateWindowBudget(t *testing.T) {
	clk := noonUTC()
	gate, ledger := gateFixture(t, clk, newTestBreaker(clk), stubPositions{}, 100)
	end := clk.Now().Add(10 * time.Minute)

	ledger.Add("0xgate", 50, end)
	_, reason, ok := gate.Admit(gateOpp(clk, 0.48, 0.49))
	assert.False(t, ok)
	assert.Equal(t, RejectWindowFull, reason)
}

func TestGateBudgetCappedByWindowRemainder(t *testing.T) {
	clk := noonUTC()
	gate, ledger := gateFixture(t, clk, newTestBreaker(clk), stubPositions{}, 100)
	end := clk.Now().Add(10 * time.Minute)

	ledger.Add("0xgate", 40, end)
	adm, _, ok := gate.Admit(gateOpp(clk, 0.48, 0.49))
	require.True(t, ok)
	assert.Equal(t, 10.0, adm.Budget)
	gate.Release("0xgate")

	ledger.Add("0xgate", 5, end) // remaining $5 < 2 × min_trade_size
	_, reason, ok := gate.Admit(gateOpp(clk, 0.48, 0.49))
	assert.False(t, ok)
	assert.Equal(t, RejectBudgetTooSmall, reason)
}

func TestGateInvalidSpread(t *testing.T) {
	clk := noonUTC()
	gate, _ := gateFixture(t, clk, newTestBreaker(clk), stubPositions{}, 100)

	_, reason, ok := gate.Admit(gateOpp(clk, 0.52, 0.50))
	assert.False(t, ok)
	assert.Equal(t, RejectInvalidSpread, reason)
	assert.False(t, gate.InFlight("0xgate"), "rejection releases the reservation")
}

func TestWindowLedgerPrune(t *testing.T) {
	ledger := NewWindowLedger()
	now := time.Unix(1765432800, 0).UTC()

	ledger.Add("0xa", 20, now.Add(5*time.Minute))
	ledger.Add("0xb", 10, now.Add(-time.Minute))
	assert.Equal(t, 20.0, ledger.Spent("0xa"))

	ledger.Prune(now)
	assert.Equal(t, 20.0, ledger.Spent("0xa"))
	assert.Zero(t, ledger.Spent("0xb"))
}

func TestBlackoutBoundaries(t *testing.T) {
	b, err := NewBlackout(true, 5, 0, 5, 29, "America/Chicago")
	require.NoError(t, err)
	chicago, err := time.LoadLocation("America/Chicago")
	require.NoError(t, err)

	at := func(h, m int) time.Time {
		return time.Date(2026, 8, 6, h, m, 0, 0, chicago)
	}

	assert.False(t, b.Within(at(4, 59)))
	assert.True(t, b.Within(at(5, 0)))
	assert.True(t, b.Within(at(5, 29)))
	assert.False(t, b.Within(at(5, 30)))

	off, err := NewBlackout(false, 5, 0, 5, 29, "America/Chicago")
	require.NoError(t, err)
	assert.False(t, off.Within(at(5, 15)))
}
