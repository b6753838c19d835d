package monitor

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alanyoungcy/updownbot/internal/clock"
	"github.com/alanyoungcy/updownbot/internal/domain"
	"github.com/alanyoungcy/updownbot/internal/events"
)

// Detector consumes book updates and emits arbitrage candidates onto a
// bounded queue. It is stateless across markets apart from a per-market
// revision watermark that bounds emission to one per book revision. The queue
// drops on full so the book stream is never blocked.
type Detector struct {
	minSpread      float64
	staleThreshold time.Duration
	clk            clock.Clock
	emitter        *events.Emitter
	logger         *slog.Logger

	queue chan domain.Opportunity

	mu           sync.Mutex
	lastRevision map[string]uint64

	drops atomic.Int64
}

// NewDetector creates a detector emitting opportunities with spread at or
// above minSpread (dollars) into a queue of the given capacity.
func NewDetector(
	minSpread float64,
	staleThreshold time.Duration,
	queueSize int,
	clk clock.Clock,
	emitter *events.Emitter,
	logger *slog.Logger,
) *Detector {
	if queueSize <= 0 {
		queueSize = 100
	}
	return &Detector{
		minSpread:      minSpread,
		staleThreshold: staleThreshold,
		clk:            clk,
		emitter:        emitter,
		queue:          make(chan domain.Opportunity, queueSize),
		lastRevision:   make(map[string]uint64),
		logger:         logger.With(slog.String("component", "opportunity_detector")),
	}
}

// Opportunities returns the candidate queue consumed by the processor.
func (d *Detector) Opportunities() <-chan domain.Opportunity {
	return d.queue
}

// Drops returns the number of candidates discarded because the queue was
// full.
func (d *Detector) Drops() int64 {
	return d.drops.Load()
}

// OnBookUpdate evaluates one market state. Suitable as a BookTracker
// callback.
func (d *Detector) OnBookUpdate(state domain.MarketState) {
	now := d.clk.Now()
	if state.Stale(now, d.staleThreshold) {
		return
	}
	if !state.Market.Tradeable(now) {
		return
	}

	yesAsk, okY := state.YesAsk()
	noAsk, okN := state.NoAsk()
	if !okY || !okN {
		return
	}
	if yesAsk <= 0 || noAsk <= 0 {
		return
	}

	spread := 1.0 - yesAsk - noAsk
	if spread < d.minSpread {
		return
	}

	cid := state.Market.ConditionID
	d.mu.Lock()
	if d.lastRevision[cid] >= state.Revision {
		d.mu.Unlock()
		return
	}
	d.lastRevision[cid] = state.Revision
	d.mu.Unlock()

	opp := domain.Opportunity{
		Market:      state.Market,
		YesAsk:      yesAsk,
		NoAsk:       noAsk,
		SpreadCents: spread * 100,
		DetectedAt:  now,
		Revision:    state.Revision,
	}

	select {
	case d.queue <- opp:
		d.logger.Info("opportunity detected",
			slog.String("asset", opp.Market.Asset),
			slog.Float64("yes_ask", yesAsk),
			slog.Float64("no_ask", noAsk),
			slog.Float64("spread_cents", opp.SpreadCents),
		)
		d.emitter.Emit(domain.EventOpportunityDetected, cid, opp.Market.Asset, map[string]any{
			"yes_ask":      yesAsk,
			"no_ask":       noAsk,
			"spread_cents": opp.SpreadCents,
		})
	default:
		d.drops.Add(1)
		d.logger.Warn("opportunity queue full, dropping",
			slog.String("asset", opp.Market.Asset),
			slog.Int64("drops", d.drops.Load()),
		)
		d.emitter.Emit(domain.EventOpportunityDropped, cid, opp.Market.Asset, map[string]any{
			"drops": d.drops.Load(),
		})
	}
}

// Forget clears the revision watermark for a market, typically after it is
// untracked.
func (d *Detector) Forget(conditionID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.lastRevision, conditionID)
}
