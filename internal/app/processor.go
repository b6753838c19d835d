package app

import (
	"context"
	"log/slog"
	"time"

	"github.com/alanyoungcy/updownbot/internal/clock"
	"github.com/alanyoungcy/updownbot/internal/domain"
	"github.com/alanyoungcy/updownbot/internal/executor"
	"github.com/alanyoungcy/updownbot/internal/monitor"
	"github.com/alanyoungcy/updownbot/internal/risk"
)

// Processor consumes detected opportunities and drives them through
// admission, sizing, and execution. It is the only writer on the execution
// path, so stopping it stops all new entries.
type Processor struct {
	detector *monitor.Detector
	tracker  *monitor.BookTracker
	gate     *risk.Gate
	sizer    *risk.Sizer
	exec     *executor.Executor
	clk      clock.Clock
	logger   *slog.Logger

	minSpread      float64
	staleThreshold time.Duration
}

// NewProcessor creates the opportunity processor.
func NewProcessor(
	detector *monitor.Detector,
	tracker *monitor.BookTracker,
	gate *risk.Gate,
	sizer *risk.Sizer,
	exec *executor.Executor,
	clk clock.Clock,
	minSpread float64,
	staleThreshold time.Duration,
	logger *slog.Logger,
) *Processor {
	return &Processor{
		detector:       detector,
		tracker:        tracker,
		gate:           gate,
		sizer:          sizer,
		exec:           exec,
		clk:            clk,
		minSpread:      minSpread,
		staleThreshold: staleThreshold,
		logger:         logger.With(slog.String("component", "opportunity_processor")),
	}
}

// Run consumes the candidate queue until ctx is cancelled. In-flight
// executions are allowed to finish; the per-leg timeout bounds how long that
// takes.
func (p *Processor) Run(ctx context.Context) error {
	p.logger.Info("opportunity processor started")
	defer p.logger.Info("opportunity processor stopped")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case opp, ok := <-p.detector.Opportunities():
			if !ok {
				return nil
			}
			p.process(ctx, opp)
		}
	}
}

// process runs one candidate through the pipeline. Any rejection is final
// for this candidate; the next book update produces a fresh one.
func (p *Processor) process(ctx context.Context, opp domain.Opportunity) {
	cid := opp.Market.ConditionID

	state, ok := p.tracker.State(cid)
	if !ok || state.Stale(p.clk.Now(), p.staleThreshold) {
		return
	}

	// Admission validates against the book as it is NOW, not as it was at
	// detection. A candidate that soured in the queue is rejected here.
	fresh := opp
	if yes, ok := state.YesAsk(); ok {
		fresh.YesAsk = yes
	}
	if no, ok := state.NoAsk(); ok {
		fresh.NoAsk = no
	}
	fresh.SpreadCents = fresh.Spread() * 100

	adm, reason, ok := p.gate.Admit(fresh)
	if !ok {
		p.logger.Debug("candidate rejected",
			slog.String("asset", opp.Market.Asset),
			slog.String("reason", string(reason)),
		)
		return
	}
	defer p.gate.Release(cid)

	pair, skip, ok := p.sizer.Size(opp, adm.Budget, state.YesAsks, state.NoAsks)
	if !ok {
		p.logger.Info("candidate skipped by sizer",
			slog.String("asset", opp.Market.Asset),
			slog.String("reason", string(skip)),
		)
		return
	}

	if pair.Tranches > 1 {
		p.executeTranches(ctx, opp, pair, state)
		return
	}

	// Let an in-flight execution finish cleanly on shutdown; the leg timeout
	// bounds it.
	if _, err := p.exec.Execute(context.WithoutCancel(ctx), opp, pair, state); err != nil {
		p.logger.Error("execution error",
			slog.String("asset", opp.Market.Asset),
			slog.String("error", err.Error()),
		)
	}
}

// executeTranches runs a gradual entry: the pair is split into slices placed
// sequentially, each re-validated against fresh book state.
func (p *Processor) executeTranches(ctx context.Context, opp domain.Opportunity, pair risk.OrderPair, state domain.MarketState) {
	trancheSize := p.sizer.TrancheSize(pair)
	remaining := pair.Pairs

	for i := 0; i < pair.Tranches && remaining > 0; i++ {
		size := trancheSize
		if i == pair.Tranches-1 || size > remaining {
			size = remaining
		}

		tranche := pair
		tranche.Pairs = size
		tranche.Yes.Size = size
		tranche.No.Size = size
		tranche.ExpectedProfit = size * opp.Spread()
		tranche.Tranches = 1

		if _, err := p.exec.Execute(context.WithoutCancel(ctx), opp, tranche, state); err != nil {
			p.logger.Error("tranche execution error",
				slog.String("asset", opp.Market.Asset),
				slog.Int("tranche", i+1),
				slog.String("error", err.Error()),
			)
			return
		}
		remaining -= size

		if remaining <= 0 || i == pair.Tranches-1 {
			break
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(pair.TrancheDelay):
		}

		// Re-validate the spread before the next slice.
		next, ok := p.tracker.State(opp.Market.ConditionID)
		if !ok || next.Stale(p.clk.Now(), p.staleThreshold) {
			p.logger.Info("gradual entry stopped: book stale",
				slog.String("asset", opp.Market.Asset),
				slog.Int("tranches_done", i+1),
			)
			return
		}
		spread, ok := next.Spread()
		if !ok || spread < p.minSpread {
			p.logger.Info("gradual entry stopped: spread gone",
				slog.String("asset", opp.Market.Asset),
				slog.Float64("spread", spread),
				slog.Int("tranches_done", i+1),
			)
			return
		}
		state = next
	}
}
