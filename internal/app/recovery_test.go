package app

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
	"github.com/alanyoungcy/updownbot/internal/monitor"
	"github.com/alanyoungcy/updownbot/internal/position"
	"github.com/alanyoungcy/updownbot/internal/risk"
)

// recoveryStore serves canned settlement rows and breaker state.
type recoveryStore struct {
	domain.Store // nil-panics on anything not overridden
	rows         []domain.SettlementEntry
	breaker      domain.BreakerState
}

func (s *recoveryStore) GetUnclaimedSettlements(context.Context) ([]domain.SettlementEntry, error) {
	return s.rows, nil
}

func (s *recoveryStore) LoadCircuitBreaker(context.Context) (domain.BreakerState, error) {
	return s.breaker, nil
}

type nullExchange struct{}

func (nullExchange) GetBook(context.Context, string) (domain.Book, error) {
	return domain.Book{}, nil
}
func (nullExchange) SubscribeBook(ctx context.Context, _ []string, _ func(domain.BookUpdate)) error {
	<-ctx.Done()
	return ctx.Err()
}
func (nullExchange) PlaceOrder(context.Context, domain.Order) (domain.OrderOutcome, error) {
	return domain.Failed("null"), nil
}
func (nullExchange) CancelOrder(context.Context, string) error { return nil }
func (nullExchange) GetBalance(context.Context) (domain.Balance, error) {
	return domain.Balance{}, nil
}
func (nullExchange) FindMarket(context.Context, string, int64) (domain.Market, error) {
	return domain.Market{}, domain.ErrNotFound
}

func TestRecoverRestoresPositionsAndBreaker(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 8, 6, 17, 0, 0, 0, time.UTC))
	sink := events.NewSink(slog.Default())
	em := events.NewEmitter(sink, clk.Now)

	end := clk.Now().Add(10 * time.Minute) // still live, gets re-tracked
	pastEnd := clk.Now().Add(-time.Hour)   // already ended, positions only

	store := &recoveryStore{
		rows: []domain.SettlementEntry{
			{
				ID: 1, TradeID: "trade-a", ConditionID: "0xa", TokenID: "a-yes",
				Side: "YES", Asset: "BTC", Shares: 20, EntryPrice: 0.48,
				EntryCost: 9.60, MarketEndTime: end, CreatedAt: clk.Now(),
			},
			{
				ID: 2, TradeID: "trade-a", ConditionID: "0xa", TokenID: "a-no",
				Side: "NO", Asset: "BTC", Shares: 20, EntryPrice: 0.49,
				EntryCost: 9.80, MarketEndTime: end, CreatedAt: clk.Now(),
			},
			{
				ID: 3, TradeID: "trade-b", ConditionID: "0xb", TokenID: "b-yes",
				Side: "YES", Asset: "ETH", Shares: 10, EntryPrice: 0.40,
				EntryCost: 4.0, MarketEndTime: pastEnd, CreatedAt: clk.Now(),
			},
		},
		breaker: domain.BreakerState{
			Level: domain.BreakerWarning, ConsecutiveFailures: 3,
			DailyPnL: -55, Day: clk.Now().Format("2006-01-02"),
		},
	}

	breaker := risk.NewCircuitBreaker(risk.BreakerThresholds{
		WarnFailures: 3, CautionFailures: 4, HaltFailures: 5,
		WarnLossUSD: 50, CautionLossUSD: 75, HaltLossUSD: 100,
	}, nil, em, clk, slog.Default())

	tracker := monitor.NewBookTracker(nullExchange{}, em, clk, 10*time.Second, slog.Default())
	positions := position.NewManager(nullExchange{}, tracker, nil, breaker, em, clk, position.Config{
		Threshold: 0.80, MinProfitPerShare: 0.02, MaxAttempts: 5,
	}, slog.Default())

	err := Recover(context.Background(), store, breaker, positions, tracker, clk, slog.Default())
	require.NoError(t, err)

	// Breaker level carried over within the same day.
	assert.Equal(t, domain.BreakerWarning, breaker.Level())
	assert.Equal(t, 3, breaker.State().ConsecutiveFailures)

	// Both trades become positions with their shares and costs.
	require.True(t, positions.HasOpen("0xa"))
	require.True(t, positions.HasOpen("0xb"))

	posA, _ := positions.Get("0xa")
	assert.Equal(t, 20.0, posA.YesShares)
	assert.Equal(t, 20.0, posA.NoShares)
	assert.Equal(t, 0.48, posA.YesAvgCost)
	assert.Equal(t, 0.49, posA.NoAvgCost)
	assert.Equal(t, "a-yes", posA.Market.YesTokenID)

	posB, _ := positions.Get("0xb")
	assert.Equal(t, 10.0, posB.YesShares)
	assert.Zero(t, posB.NoShares)

	// Only the live market is re-tracked for book updates.
	_, trackedA := tracker.State("0xa")
	_, trackedB := tracker.State("0xb")
	assert.True(t, trackedA)
	assert.False(t, trackedB)
}

func TestRecoverNilStore(t *testing.T) {
	clk := clock.NewFake(time.Unix(1765432800, 0).UTC())
	err := Recover(context.Background(), nil, nil, nil, nil, clk, slog.Default())
	assert.NoError(t, err)
}
