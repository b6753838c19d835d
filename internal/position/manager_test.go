package position

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/updownbot/internal/clock"
	"github.com/alanyoungcy/updownbot/internal/domain"
	"github.com/alanyoungcy/updownbot/internal/events"
	"github.com/alanyoungcy/updownbot/internal/risk"
)

type fakeExchange struct {
	mu       sync.Mutex
	outcomes map[string]domain.OrderOutcome
	placed   []domain.Order
}

func newFakeExchange() *fakeExchange {
	return &fakeExchange{outcomes: make(map[string]domain.OrderOutcome)}
}

func (f *fakeExchange) PlaceOrder(_ context.Context, order domain.Order) (domain.OrderOutcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.placed = append(f.placed, order)
	if o, ok := f.outcomes[order.TokenID]; ok {
		return o, nil
	}
	return domain.Failed("unscripted"), nil
}

func (f *fakeExchange) CancelOrder(context.Context, string) error { return nil }
func (f *fakeExchange) GetBook(context.Context, string) (domain.Book, error) {
	return domain.Book{}, nil
}
func (f *fakeExchange) SubscribeBook(ctx context.Context, _ []string, _ func(domain.BookUpdate)) error {
	<-ctx.Done()
	return ctx.Err()
}
func (f *fakeExchange) GetBalance(context.Context) (domain.Balance, error) {
	return domain.Balance{}, nil
}
func (f *fakeExchange) FindMarket(context.Context, string, int64) (domain.Market, error) {
	return domain.Market{}, domain.ErrNotFound
}

type fakeBooks struct {
	mu     sync.Mutex
	states map[string]domain.MarketState
}

func (f *fakeBooks) State(cid string) (domain.MarketState, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.states[cid]
	return s, ok
}

type fakePnL struct {
	mu      sync.Mutex
	entries []float64
}

func (f *fakePnL) RecordPnL(_ context.Context, _, _ string, amount float64, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, amount)
	return nil
}

type fixture struct {
	mgr   *Manager
	exch  *fakeExchange
	books *fakeBooks
	pnl   *fakePnL
	clk   *clock.Fake
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clk := clock.NewFake(time.Date(2026, 8, 6, 17, 0, 0, 0, time.UTC))
	sink := events.NewSink(slog.Default())
	em := events.NewEmitter(sink, clk.Now)
	exch := newFakeExchange()
	books := &fakeBooks{states: make(map[string]domain.MarketState)}
	pnl := &fakePnL{}
	breaker := risk.NewCircuitBreaker(risk.BreakerThresholds{
		WarnFailures: 3, CautionFailures: 4, HaltFailures: 5,
		WarnLossUSD: 50, CautionLossUSD: 75, HaltLossUSD: 100,
	}, nil, em, clk, slog.Default())

	mgr := NewManager(exch, books, pnl, breaker, em, clk, Config{
		Threshold:         0.80,
		MinProfitPerShare: 0.02,
		SpreadFloor:       0.02,
		MaxAttempts:       5,
		NoGoBeforeEnd:     60 * time.Second,
		SweepInterval:     5 * time.Second,
	}, slog.Default())

	return &fixture{mgr: mgr, exch: exch, books: books, pnl: pnl, clk: clk}
}

func (f *fixture) market() domain.Market {
	start := f.clk.Now()
	return domain.Market{
		ConditionID: "0xpos",
		Asset:       "BTC",
		YesTokenID:  "yes-token",
		NoTokenID:   "no-token",
		StartTime:   start,
		EndTime:     start.Add(15 * time.Minute),
	}
}

func (f *fixture) registerImbalanced() domain.Market {
	m := f.market()
	f.mgr.Register(domain.TradeRecord{
		ID:              "trade-1",
		ConditionID:     m.ConditionID,
		Asset:           m.Asset,
		YesPrice:        0.40,
		NoPrice:         0.58,
		YesShares:       20,
		NoShares:        0,
		YesCost:         8.0,
		IntendedYesCost: 8.0,
		IntendedNoCost:  11.6,
		CreatedAt:       f.clk.Now(),
	}, m)
	return m
}

func TestRegisterAndDedup(t *testing.T) {
	f := newFixture(t)
	m := f.registerImbalanced()

	assert.True(t, f.mgr.HasOpen(m.ConditionID))
	assert.False(t, f.mgr.HasOpen("0xother"))

	imb := f.mgr.GetImbalanced()
	require.Len(t, imb, 1)
	assert.Zero(t, imb[0].HedgeRatio())

	f.mgr.Release("trade-1")
	assert.False(t, f.mgr.HasOpen(m.ConditionID))
}

func TestBalancedPositionNotRebalanced(t *testing.T) {
	f := newFixture(t)
	m := f.market()
	f.mgr.Register(domain.TradeRecord{
		ID: "trade-2", ConditionID: m.ConditionID, Asset: m.Asset,
		YesPrice: 0.48, NoPrice: 0.49,
		YesShares: 20, NoShares: 16, // exactly at the 0.80 threshold
		CreatedAt: f.clk.Now(),
	}, m)

	assert.Empty(t, f.mgr.GetImbalanced(), "a position at exactly the threshold is balanced")
}

func TestSweepSellsExcess(t *testing.T) {
	f := newFixture(t)
	m := f.registerImbalanced()

	// YES bid 0.45 is 5¢ above the 0.40 average cost: sell the excess.
	f.books.states[m.ConditionID] = domain.MarketState{
		Market:     m,
		YesBids:    domain.BookSide{{Price: 0.45, Size: 100}},
		YesAsks:    domain.BookSide{{Price: 0.46, Size: 100}},
		NoBids:     domain.BookSide{{Price: 0.53, Size: 100}},
		NoAsks:     domain.BookSide{{Price: 0.58, Size: 100}},
		LastUpdate: f.clk.Now(),
	}
	f.exch.outcomes["yes-token"] = domain.Matched(20, 9.0)

	f.mgr.Sweep(context.Background())

	require.Len(t, f.exch.placed, 1)
	order := f.exch.placed[0]
	assert.Equal(t, domain.OrderSideSell, order.Side)
	assert.Equal(t, "yes-token", order.TokenID)
	assert.Equal(t, 0.45, order.Price)
	assert.Equal(t, 20.0, order.Size)

	pos, ok := f.mgr.Get(m.ConditionID)
	require.True(t, ok)
	assert.Zero(t, pos.YesShares)
	assert.Equal(t, 1, pos.RebalanceAttempts)

	// Realized profit (0.45−0.40)×20 = $1.00 recorded.
	require.Len(t, f.pnl.entries, 1)
	assert.InDelta(t, 1.0, f.pnl.entries[0], 1e-9)
}

func TestSweepBuysDeficitWhenSellNotViable(t *testing.T) {
	f := newFixture(t)
	m := f.registerImbalanced()

	// YES bid below avg cost rules out selling; NO ask 0.55 keeps the pair
	// profitable (0.40 + 0.55 < 1) so buy the deficit.
	f.books.states[m.ConditionID] = domain.MarketState{
		Market:     m,
		YesBids:    domain.BookSide{{Price: 0.39, Size: 100}},
		NoAsks:     domain.BookSide{{Price: 0.55, Size: 100}},
		LastUpdate: f.clk.Now(),
	}
	f.exch.outcomes["no-token"] = domain.Matched(20, 11.0)

	f.mgr.Sweep(context.Background())

	require.Len(t, f.exch.placed, 1)
	order := f.exch.placed[0]
	assert.Equal(t, domain.OrderSideBuy, order.Side)
	assert.Equal(t, "no-token", order.TokenID)
	assert.Equal(t, 0.55, order.Price)

	pos, ok := f.mgr.Get(m.ConditionID)
	require.True(t, ok)
	assert.Equal(t, 20.0, pos.NoShares)
	assert.InDelta(t, 1.0, pos.HedgeRatio(), 1e-9)
}

func TestSweepPrefersSellOverBuy(t *testing.T) {
	f := newFixture(t)
	m := f.registerImbalanced()

	// Both actions viable; sell wins even if buy profit is larger.
	f.books.states[m.ConditionID] = domain.MarketState{
		Market:     m,
		YesBids:    domain.BookSide{{Price: 0.45, Size: 100}},
		NoAsks:     domain.BookSide{{Price: 0.40, Size: 100}},
		LastUpdate: f.clk.Now(),
	}
	f.exch.outcomes["yes-token"] = domain.Matched(20, 9.0)
	f.exch.outcomes["no-token"] = domain.Matched(20, 8.0)

	f.mgr.Sweep(context.Background())

	require.Len(t, f.exch.placed, 1)
	assert.Equal(t, domain.OrderSideSell, f.exch.placed[0].Side)
}

func TestSweepRespectsProfitFloor(t *testing.T) {
	f := newFixture(t)
	m := f.registerImbalanced()

	// Bid only 1¢ above average cost: below the 2¢ floor, no action.
	f.books.states[m.ConditionID] = domain.MarketState{
		Market:     m,
		YesBids:    domain.BookSide{{Price: 0.41, Size: 100}},
		LastUpdate: f.clk.Now(),
	}

	f.mgr.Sweep(context.Background())
	assert.Empty(t, f.exch.placed)
}

func TestSweepLockoutNearResolution(t *testing.T) {
	f := newFixture(t)
	m := f.registerImbalanced()

	f.books.states[m.ConditionID] = domain.MarketState{
		Market:     m,
		YesBids:    domain.BookSide{{Price: 0.45, Size: 100}},
		LastUpdate: f.clk.Now(),
	}

	// Move to 30 s before market end: inside the no-go window.
	f.clk.Set(m.EndTime.Add(-30 * time.Second))
	f.mgr.Sweep(context.Background())
	assert.Empty(t, f.exch.placed)
}

func TestSweepAttemptCap(t *testing.T) {
	f := newFixture(t)
	m := f.registerImbalanced()

	// Unfillable sells: every attempt fails but is counted.
	f.books.states[m.ConditionID] = domain.MarketState{
		Market:     m,
		YesBids:    domain.BookSide{{Price: 0.45, Size: 100}},
		LastUpdate: f.clk.Now(),
	}
	f.exch.outcomes["yes-token"] = domain.Failed("no liquidity")

	for i := 0; i < 8; i++ {
		f.mgr.Sweep(context.Background())
	}

	assert.Len(t, f.exch.placed, 5, "attempts stop at the cap")
}

func TestBuyGuardsBlendedSpread(t *testing.T) {
	f := newFixture(t)
	m := f.market()
	// Average YES cost 0.50; buying NO at 0.49 would leave a blended spread
	// of 1 − 0.50 − 0.49 = 0.01, below the 2¢ floor.
	f.mgr.Register(domain.TradeRecord{
		ID: "trade-3", ConditionID: m.ConditionID, Asset: m.Asset,
		YesPrice: 0.50, NoPrice: 0.48,
		YesShares: 20, NoShares: 0, YesCost: 10,
		IntendedYesCost: 10, IntendedNoCost: 9.6,
		CreatedAt: f.clk.Now(),
	}, m)

	f.books.states[m.ConditionID] = domain.MarketState{
		Market:     m,
		NoAsks:     domain.BookSide{{Price: 0.49, Size: 100}},
		LastUpdate: f.clk.Now(),
	}

	f.mgr.Sweep(context.Background())
	assert.Empty(t, f.exch.placed)
}
