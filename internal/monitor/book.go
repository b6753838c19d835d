package monitor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/alanyoungcy/updownbot/internal/clock"
	"github.com/alanyoungcy/updownbot/internal/domain"
	"github.com/alanyoungcy/updownbot/internal/events"
)

// reconnectDelay is the base delay before re-subscribing after a stream
// failure.
const reconnectDelay = 2 * time.Second

// maxReconnectDelay caps the exponential backoff for re-subscription.
const maxReconnectDelay = 60 * time.Second

// BookTracker maintains the latest MarketState per tracked market from the
// streaming book feed. It owns all mutation of MarketState; consumers read
// copies. It keeps its own subscription set so a reconnect restores every
// subscription.
type BookTracker struct {
	exch           domain.Exchange
	emitter        *events.Emitter
	clk            clock.Clock
	staleThreshold time.Duration
	logger         *slog.Logger

	mu         sync.RWMutex
	states     map[string]*domain.MarketState // condition_id -> state
	tokenIndex map[string]tokenRef            // token_id -> market + side
	staleFlag  map[string]bool                // condition_id -> currently stale
	generation int                            // bumped on Track/Untrack to force resubscribe

	onUpdate func(domain.MarketState)
}

type tokenRef struct {
	conditionID string
	yes         bool
}

// NewBookTracker creates a tracker with the given staleness threshold.
func NewBookTracker(
	exch domain.Exchange,
	emitter *events.Emitter,
	clk clock.Clock,
	staleThreshold time.Duration,
	logger *slog.Logger,
) *BookTracker {
	return &BookTracker{
		exch:           exch,
		emitter:        emitter,
		clk:            clk,
		staleThreshold: staleThreshold,
		states:         make(map[string]*domain.MarketState),
		tokenIndex:     make(map[string]tokenRef),
		staleFlag:      make(map[string]bool),
		logger:         logger.With(slog.String("component", "book_tracker")),
	}
}

// OnBookUpdate registers the downstream consumer invoked with a state copy on
// every applied update. Must be set before Run.
func (t *BookTracker) OnBookUpdate(fn func(domain.MarketState)) {
	t.onUpdate = fn
}

// Track starts maintaining state for a market. The stream subscription is
// refreshed on the next (re)connect.
func (t *BookTracker) Track(market domain.Market) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.states[market.ConditionID]; ok {
		return
	}
	t.states[market.ConditionID] = &domain.MarketState{Market: market}
	t.tokenIndex[market.YesTokenID] = tokenRef{conditionID: market.ConditionID, yes: true}
	t.tokenIndex[market.NoTokenID] = tokenRef{conditionID: market.ConditionID, yes: false}
	t.generation++

	t.logger.Info("tracking market",
		slog.String("condition_id", market.ConditionID),
		slog.String("asset", market.Asset),
		slog.String("slug", market.Slug),
	)
}

// Untrack stops maintaining state for a market.
func (t *BookTracker) Untrack(conditionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	state, ok := t.states[conditionID]
	if !ok {
		return
	}
	delete(t.tokenIndex, state.Market.YesTokenID)
	delete(t.tokenIndex, state.Market.NoTokenID)
	delete(t.states, conditionID)
	delete(t.staleFlag, conditionID)
	t.generation++

	t.logger.Info("stopped tracking market", slog.String("condition_id", conditionID))
}

// State returns a copy of the current state for a market.
func (t *BookTracker) State(conditionID string) (domain.MarketState, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	state, ok := t.states[conditionID]
	if !ok {
		return domain.MarketState{}, false
	}
	return t.snapshotLocked(state), true
}

// TrackedTokens returns the token IDs of every tracked market.
func (t *BookTracker) TrackedTokens() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, 0, len(t.tokenIndex))
	for tokenID := range t.tokenIndex {
		out = append(out, tokenID)
	}
	return out
}

// snapshotLocked copies a state including its book slices. Callers hold at
// least the read lock.
func (t *BookTracker) snapshotLocked(state *domain.MarketState) domain.MarketState {
	out := *state
	out.YesBids = state.YesBids.Clone()
	out.YesAsks = state.YesAsks.Clone()
	out.NoBids = state.NoBids.Clone()
	out.NoAsks = state.NoAsks.Clone()
	return out
}

// Apply ingests one book update. Exposed for the stream handler and tests.
func (t *BookTracker) Apply(update domain.BookUpdate) {
	t.mu.Lock()
	ref, ok := t.tokenIndex[update.TokenID]
	if !ok {
		t.mu.Unlock()
		return
	}
	state := t.states[ref.conditionID]
	if state == nil {
		t.mu.Unlock()
		return
	}

	// Replace side slices atomically; readers always see a consistent book.
	if ref.yes {
		state.YesBids = update.Bids.Clone()
		state.YesAsks = update.Asks.Clone()
	} else {
		state.NoBids = update.Bids.Clone()
		state.NoAsks = update.Asks.Clone()
	}
	state.LastUpdate = t.clk.Now()
	state.Revision++
	wasStale := t.staleFlag[ref.conditionID]
	t.staleFlag[ref.conditionID] = false
	snap := t.snapshotLocked(state)
	t.mu.Unlock()

	if wasStale {
		t.logger.Info("market feed recovered",
			slog.String("condition_id", ref.conditionID),
			slog.String("asset", snap.Market.Asset),
		)
	}
	if t.onUpdate != nil {
		t.onUpdate(snap)
	}
}

// SweepStale marks markets whose feed went silent beyond the threshold,
// emitting MarketStale once per stale transition.
func (t *BookTracker) SweepStale() {
	now := t.clk.Now()

	t.mu.Lock()
	var turned []domain.Market
	for cid, state := range t.states {
		if state.Stale(now, t.staleThreshold) && !t.staleFlag[cid] {
			t.staleFlag[cid] = true
			turned = append(turned, state.Market)
		}
	}
	t.mu.Unlock()

	for _, m := range turned {
		t.logger.Warn("market book stale",
			slog.String("condition_id", m.ConditionID),
			slog.String("asset", m.Asset),
		)
		t.emitter.Emit(domain.EventMarketStale, m.ConditionID, m.Asset, nil)
	}
}

// Run drives the streaming subscription and the staleness sweep until ctx is
// cancelled. The subscription is re-established with exponential backoff on
// failure and whenever the tracked set changes.
func (t *BookTracker) Run(ctx context.Context) error {
	t.logger.Info("book tracker started")
	defer t.logger.Info("book tracker stopped")

	sweepDone := make(chan struct{})
	go func() {
		defer close(sweepDone)
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				t.SweepStale()
			}
		}
	}()
	defer func() { <-sweepDone }()

	delay := reconnectDelay
	reconnects := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		t.mu.RLock()
		gen := t.generation
		t.mu.RUnlock()
		tokens := t.TrackedTokens()

		if len(tokens) == 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
			continue
		}

		subCtx, cancel := context.WithCancel(ctx)
		go t.watchGeneration(subCtx, cancel, gen)

		err := t.exch.SubscribeBook(subCtx, tokens, t.Apply)
		cancel()

		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err == nil || subCtx.Err() != nil {
			// Subscription set changed; resubscribe immediately.
			delay = reconnectDelay
			continue
		}

		reconnects++
		t.logger.Warn("book stream disconnected, reconnecting",
			slog.String("error", err.Error()),
			slog.Duration("delay", delay),
		)
		t.emitter.Emit(domain.EventWebsocketReconnected, "", "", map[string]any{
			"reconnects": reconnects,
			"error":      err.Error(),
		})

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > maxReconnectDelay {
			delay = maxReconnectDelay
		}
	}
}

// watchGeneration cancels the current subscription when the tracked set
// changes so Run can resubscribe with the new token list.
func (t *BookTracker) watchGeneration(ctx context.Context, cancel context.CancelFunc, gen int) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.mu.RLock()
			changed := t.generation != gen
			t.mu.RUnlock()
			if changed {
				cancel()
				return
			}
		}
	}
}
