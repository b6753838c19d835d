package settlement

import (
	"context"
	"fmt"
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

// memStore is an in-memory settlement queue with the same claimable filter
// semantics as the SQL implementation.
type memStore struct {
	mu     sync.Mutex
	nextID int64
	rows   map[int64]*domain.SettlementEntry
	pnl    []float64
}

func newMemStore() *memStore {
	return &memStore{rows: make(map[int64]*domain.SettlementEntry)}
}

func (s *memStore) add(entry domain.SettlementEntry) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	entry.ID = s.nextID
	s.rows[entry.ID] = &entry
	return entry.ID
}

func (s *memStore) SaveTrade(context.Context, domain.TradeRecord) error { return nil }

func (s *memStore) SaveTradeAndSettlements(_ context.Context, _ domain.TradeRecord, entries []domain.SettlementEntry) error {
	for _, e := range entries {
		s.add(e)
	}
	return nil
}

func (s *memStore) EnqueueSettlement(_ context.Context, entry domain.SettlementEntry) error {
	s.add(entry)
	return nil
}

func (s *memStore) GetUnclaimedSettlements(context.Context) ([]domain.SettlementEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.SettlementEntry
	for _, r := range s.rows {
		if !r.Claimed {
			out = append(out, *r)
		}
	}
	return out, nil
}

func (s *memStore) GetClaimable(_ context.Context, now time.Time, wait time.Duration, maxAttempts int) ([]domain.SettlementEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.SettlementEntry
	for _, r := range s.rows {
		if r.Claimed || r.ClaimAttempts >= maxAttempts {
			continue
		}
		if now.Before(r.MarketEndTime.Add(wait)) {
			continue
		}
		if !r.NextAttemptAt.IsZero() && now.Before(r.NextAttemptAt) {
			continue
		}
		out = append(out, *r)
	}
	return out, nil
}

func (s *memStore) MarkClaimed(_ context.Context, id int64, proceeds, profit float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rows[id]
	if !ok {
		return domain.ErrNotFound
	}
	now := time.Now().UTC()
	r.Claimed = true
	r.ClaimedAt = &now
	r.ClaimProceeds = proceeds
	r.ClaimProfit = profit
	return nil
}

func (s *memStore) RecordClaimAttempt(_ context.Context, id int64, claimErr string, next time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rows[id]
	if !ok {
		return domain.ErrNotFound
	}
	r.ClaimAttempts++
	r.LastError = claimErr
	r.NextAttemptAt = next
	return nil
}

func (s *memStore) UpsertMarket(context.Context, domain.Market) error { return nil }

func (s *memStore) RecordPnL(_ context.Context, _, _ string, amount float64, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pnl = append(s.pnl, amount)
	return nil
}

func (s *memStore) SaveCircuitBreaker(context.Context, domain.BreakerState) error { return nil }

func (s *memStore) LoadCircuitBreaker(context.Context) (domain.BreakerState, error) {
	return domain.BreakerState{}, nil
}

func (s *memStore) ListRecentTrades(context.Context, int) ([]domain.TradeRecord, error) {
	return nil, nil
}

func (s *memStore) row(id int64) domain.SettlementEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.rows[id]
}

type sellExchange struct {
	mu      sync.Mutex
	outcome domain.OrderOutcome
	err     error
	placed  []domain.Order
}

func (f *sellExchange) PlaceOrder(_ context.Context, order domain.Order) (domain.OrderOutcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.placed = append(f.placed, order)
	if f.err != nil {
		return domain.OrderOutcome{}, f.err
	}
	if f.outcome.Status == domain.OutcomeMatched && f.outcome.FilledSize == 0 {
		// Fill with the order's own size at its limit price.
		return domain.Matched(order.Size, order.Size*order.Price), nil
	}
	return f.outcome, nil
}

func (f *sellExchange) CancelOrder(context.Context, string) error { return nil }
func (f *sellExchange) GetBook(context.Context, string) (domain.Book, error) {
	return domain.Book{}, nil
}
func (f *sellExchange) SubscribeBook(ctx context.Context, _ []string, _ func(domain.BookUpdate)) error {
	<-ctx.Done()
	return ctx.Err()
}
func (f *sellExchange) GetBalance(context.Context) (domain.Balance, error) {
	return domain.Balance{}, nil
}
func (f *sellExchange) FindMarket(context.Context, string, int64) (domain.Market, error) {
	return domain.Market{}, domain.ErrNotFound
}

type releaser struct {
	mu       sync.Mutex
	released []string
}

func (r *releaser) Release(tradeID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.released = append(r.released, tradeID)
}

type fixture struct {
	mgr   *Manager
	exch  *sellExchange
	store *memStore
	rel   *releaser
	clk   *clock.Fake
	sink  *events.Sink
	ch    <-chan domain.Event
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clk := clock.NewFake(time.Date(2026, 8, 6, 17, 0, 0, 0, time.UTC))
	sink := events.NewSink(slog.Default())
	ch := sink.Subscribe(64)
	em := events.NewEmitter(sink, clk.Now)
	exch := &sellExchange{outcome: domain.OrderOutcome{Status: domain.OutcomeMatched}}
	store := newMemStore()
	rel := &releaser{}
	breaker := risk.NewCircuitBreaker(risk.BreakerThresholds{
		WarnFailures: 3, CautionFailures: 4, HaltFailures: 5,
		WarnLossUSD: 50, CautionLossUSD: 75, HaltLossUSD: 100,
	}, nil, em, clk, slog.Default())

	mgr := NewManager(exch, store, rel, breaker, em, clk, Config{
		ResolutionWait:     10 * time.Minute,
		ClaimSellPrice:     0.99,
		BaseRetry:          time.Minute,
		MaxRetry:           time.Hour,
		MaxClaimAttempts:   5,
		AlertAfterFailures: 3,
		SweepInterval:      time.Minute,
	}, slog.Default())
	mgr.jitter = func() float64 { return 0.5 } // no jitter in tests

	return &fixture{mgr: mgr, exch: exch, store: store, rel: rel, clk: clk, sink: sink, ch: ch}
}

func (f *fixture) entry(tradeID, side string, shares, entryCost float64, endedAgo time.Duration) int64 {
	return f.store.add(domain.SettlementEntry{
		TradeID:       tradeID,
		ConditionID:   "0xsettle",
		TokenID:       side + "-token",
		Side:          side,
		Asset:         "BTC",
		Shares:        shares,
		EntryPrice:    entryCost / shares,
		EntryCost:     entryCost,
		MarketEndTime: f.clk.Now().Add(-endedAgo),
	})
}

func (f *fixture) eventsOfType(typ domain.EventType) int {
	n := 0
	for len(f.ch) > 0 {
		if (<-f.ch).Type == typ {
			n++
		}
	}
	return n
}

func TestClaimSuccess(t *testing.T) {
	f := newFixture(t)
	id := f.entry("trade-1", "YES", 20, 9.60, 11*time.Minute)

	claimed, err := f.mgr.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, claimed)

	// GTC SELL of 20 shares at $0.99.
	require.Len(t, f.exch.placed, 1)
	order := f.exch.placed[0]
	assert.Equal(t, domain.OrderSideSell, order.Side)
	assert.Equal(t, domain.OrderTypeGTC, order.Type)
	assert.Equal(t, 0.99, order.Price)
	assert.Equal(t, 20.0, order.Size)

	row := f.store.row(id)
	assert.True(t, row.Claimed)
	assert.InDelta(t, 19.80, row.ClaimProceeds, 1e-9)
	assert.InDelta(t, 10.20, row.ClaimProfit, 1e-9)

	// Realized PnL recorded; position released (no rows left for trade).
	require.Len(t, f.store.pnl, 1)
	assert.InDelta(t, 10.20, f.store.pnl[0], 1e-9)
	assert.Equal(t, []string{"trade-1"}, f.rel.released)

	// Subsequent sweeps do not re-attempt.
	claimed, err = f.mgr.Sweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, claimed)
	assert.Len(t, f.exch.placed, 1)
}

func TestNotClaimableBeforeWait(t *testing.T) {
	f := newFixture(t)
	f.entry("trade-1", "YES", 20, 9.60, 5*time.Minute) // ended only 5 min ago

	claimed, err := f.mgr.Sweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, claimed)
	assert.Empty(t, f.exch.placed)

	f.clk.Advance(6 * time.Minute)
	claimed, err = f.mgr.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, claimed)
}

func TestClaimFailureSchedulesBackoff(t *testing.T) {
	f := newFixture(t)
	id := f.entry("trade-1", "NO", 20, 9.80, 11*time.Minute)
	f.exch.outcome = domain.Failed("not resolved yet")

	_, err := f.mgr.Sweep(context.Background())
	require.NoError(t, err)

	row := f.store.row(id)
	assert.Equal(t, 1, row.ClaimAttempts)
	assert.Equal(t, "not resolved yet", row.LastError)
	// Attempt 1, no jitter: exactly the base retry.
	assert.Equal(t, f.clk.Now().Add(time.Minute), row.NextAttemptAt)

	// Within the backoff window nothing is retried.
	f.clk.Advance(30 * time.Second)
	_, err = f.mgr.Sweep(context.Background())
	require.NoError(t, err)
	assert.Len(t, f.exch.placed, 1)

	// Past it, the retry fires and the delay doubles.
	f.clk.Advance(31 * time.Second)
	_, err = f.mgr.Sweep(context.Background())
	require.NoError(t, err)
	assert.Len(t, f.exch.placed, 2)
	row = f.store.row(id)
	assert.Equal(t, 2, row.ClaimAttempts)
	assert.Equal(t, f.clk.Now().Add(2*time.Minute), row.NextAttemptAt)
}

func TestRetryDelayCapAndJitterBounds(t *testing.T) {
	f := newFixture(t)

	f.mgr.jitter = func() float64 { return 0 } // -25%
	assert.Equal(t, 45*time.Second, f.mgr.retryDelay(1))
	f.mgr.jitter = func() float64 { return 1 } // +25%
	assert.Equal(t, 75*time.Second, f.mgr.retryDelay(1))

	// Attempt 10 would be 512 min; capped at 1 h before jitter.
	f.mgr.jitter = func() float64 { return 0.5 }
	assert.Equal(t, time.Hour, f.mgr.retryDelay(10))
}

func TestDegradedAndAbandonedEvents(t *testing.T) {
	f := newFixture(t)
	id := f.entry("trade-1", "NO", 20, 9.80, 11*time.Minute)
	f.exch.outcome = domain.Failed("rejected")

	for i := 0; i < 10; i++ {
		_, err := f.mgr.Sweep(context.Background())
		require.NoError(t, err)
		f.clk.Advance(2 * time.Hour) // beyond any backoff
	}

	row := f.store.row(id)
	assert.Equal(t, 5, row.ClaimAttempts, "attempts stop at max_claim_attempts")
	assert.False(t, row.Claimed)

	// Degraded fires at attempts 3 and 4; abandoned exactly once at 5.
	assert.Equal(t, 2, f.eventsOfType(domain.EventSettlementDegraded))
	assert.Equal(t, []string{"trade-1"}, f.rel.released, "abandoned trade releases its position")
}

func TestExceptionCountsAsFailure(t *testing.T) {
	f := newFixture(t)
	id := f.entry("trade-1", "YES", 20, 9.60, 11*time.Minute)
	f.exch.err = fmt.Errorf("connection reset")

	_, err := f.mgr.Sweep(context.Background())
	require.NoError(t, err)

	row := f.store.row(id)
	assert.Equal(t, 1, row.ClaimAttempts)
	assert.Contains(t, row.LastError, "connection reset")
}

func TestReleaseWaitsForAllRows(t *testing.T) {
	f := newFixture(t)
	f.entry("trade-1", "YES", 20, 9.60, 11*time.Minute)
	noID := f.entry("trade-1", "NO", 20, 9.80, 11*time.Minute)

	// YES claims, NO fails: position stays open.
	seq := &sequencedExchange{outcomes: map[string]domain.OrderOutcome{
		"YES-token": {Status: domain.OutcomeMatched, FilledSize: 20, FilledCost: 19.80},
		"NO-token":  domain.Failed("no fill"),
	}}
	f.mgr.exch = seq

	_, err := f.mgr.Sweep(context.Background())
	require.NoError(t, err)
	assert.Empty(t, f.rel.released)

	// NO claims on retry: now the position is released.
	seq.set("NO-token", domain.OrderOutcome{Status: domain.OutcomeMatched, FilledSize: 20, FilledCost: 19.80})
	f.clk.Advance(2 * time.Minute)
	_, err = f.mgr.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"trade-1"}, f.rel.released)

	assert.True(t, f.store.row(noID).Claimed)
}

// sequencedExchange scripts outcomes per token.
type sequencedExchange struct {
	mu       sync.Mutex
	outcomes map[string]domain.OrderOutcome
}

func (s *sequencedExchange) set(token string, o domain.OrderOutcome) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outcomes[token] = o
}

func (s *sequencedExchange) PlaceOrder(_ context.Context, order domain.Order) (domain.OrderOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.outcomes[order.TokenID], nil
}

func (s *sequencedExchange) CancelOrder(context.Context, string) error { return nil }
func (s *sequencedExchange) GetBook(context.Context, string) (domain.Book, error) {
	return domain.Book{}, nil
}
func (s *sequencedExchange) SubscribeBook(ctx context.Context, _ []string, _ func(domain.BookUpdate)) error {
	<-ctx.Done()
	return ctx.Err()
}
func (s *sequencedExchange) GetBalance(context.Context) (domain.Balance, error) {
	return domain.Balance{}, nil
}
func (s *sequencedExchange) FindMarket(context.Context, string, int64) (domain.Market, error) {
	return domain.Market{}, domain.ErrNotFound
}
