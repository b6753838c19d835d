// Package executor places dual-leg fill-or-kill order pairs and classifies
// the outcome. Both legs are dispatched in parallel and awaited jointly under
// a bounded timeout; every exchange failure is converted to an outcome value
// so the joint await always resolves.
package executor

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/updownbot/internal/clock"
	"github.com/alanyoungcy/updownbot/internal/domain"
	"github.com/alanyoungcy/updownbot/internal/events"
	"github.com/alanyoungcy/updownbot/internal/risk"
)

// cancelTimeout bounds the cancel call issued for a stray resting order.
const cancelTimeout = 5 * time.Second

// PositionRegistrar receives positions created by fills. Implemented by the
// position manager.
type PositionRegistrar interface {
	Register(trade domain.TradeRecord, market domain.Market)
}

// Config holds the executor parameters.
type Config struct {
	FillTimeout time.Duration
	DryRun      bool
}

// Result is the classified outcome of one dual-leg execution.
type Result struct {
	Trade domain.TradeRecord
	Yes   domain.OrderOutcome
	No    domain.OrderOutcome
}

// Filled reports whether any leg produced shares.
func (r Result) Filled() bool {
	return r.Yes.Filled() || r.No.Filled()
}

// Executor submits order pairs against the exchange. It never re-derives
// prices (the pair's limit prices are submitted verbatim), never unwinds a
// matched leg, and durably records every fill before publishing the result.
type Executor struct {
	exch      domain.Exchange
	store     domain.Store
	positions PositionRegistrar
	breaker   *risk.CircuitBreaker
	ledger    *risk.WindowLedger
	emitter   *events.Emitter
	clk       clock.Clock
	cfg       Config
	logger    *slog.Logger

	// Per-market lock: at most one execution in flight per condition ID.
	mu    sync.Mutex
	inUse map[string]bool
}

// New creates an executor. store may be nil only in dry-run mode.
func New(
	exch domain.Exchange,
	store domain.Store,
	positions PositionRegistrar,
	breaker *risk.CircuitBreaker,
	ledger *risk.WindowLedger,
	emitter *events.Emitter,
	clk clock.Clock,
	cfg Config,
	logger *slog.Logger,
) *Executor {
	return &Executor{
		exch:      exch,
		store:     store,
		positions: positions,
		breaker:   breaker,
		ledger:    ledger,
		emitter:   emitter,
		clk:       clk,
		cfg:       cfg,
		inUse:     make(map[string]bool),
		logger:    logger.With(slog.String("component", "executor")),
	}
}

// Execute places the pair's two legs in parallel and classifies the result.
// snap is the book state the sizer worked from; its depth is attached to the
// trade record for post-trade analysis.
func (e *Executor) Execute(ctx context.Context, opp domain.Opportunity, pair risk.OrderPair, snap domain.MarketState) (Result, error) {
	cid := opp.Market.ConditionID

	e.mu.Lock()
	if e.inUse[cid] {
		e.mu.Unlock()
		return Result{}, fmt.Errorf("executor: execution already in flight for %s", cid)
	}
	e.inUse[cid] = true
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.inUse, cid)
		e.mu.Unlock()
	}()

	trade := e.newTrade(opp, pair, snap)

	if e.cfg.DryRun {
		return e.simulate(ctx, opp, pair, trade)
	}

	e.emitter.Emit(domain.EventOrderPlaced, cid, opp.Market.Asset, map[string]any{
		"trade_id":  trade.ID,
		"yes_price": pair.Yes.Price,
		"no_price":  pair.No.Price,
		"pairs":     pair.Pairs,
	})

	yesOutcome, noOutcome := e.placeBothLegs(ctx, pair)

	trade.YesOrderStatus = statusLabel(yesOutcome)
	trade.NoOrderStatus = statusLabel(noOutcome)
	if yesOutcome.Filled() {
		trade.YesShares = yesOutcome.FilledSize
		trade.YesCost = yesOutcome.FilledCost
	}
	if noOutcome.Filled() {
		trade.NoShares = noOutcome.FilledSize
		trade.NoCost = noOutcome.FilledCost
	}
	trade.HedgeRatio = domain.ComputeHedgeRatio(trade.YesShares, trade.NoShares)

	switch {
	case yesOutcome.Filled() && noOutcome.Filled():
		trade.Status = domain.ExecutionFullFill
	case yesOutcome.Filled() || noOutcome.Filled():
		trade.Status = domain.ExecutionOneLegOnly
	default:
		trade.Status = domain.ExecutionFailed
	}

	result := Result{Trade: trade, Yes: yesOutcome, No: noOutcome}

	if trade.Status == domain.ExecutionFailed {
		e.logger.Warn("execution failed on both legs",
			slog.String("asset", opp.Market.Asset),
			slog.String("yes_status", trade.YesOrderStatus),
			slog.String("no_status", trade.NoOrderStatus),
		)
		e.breaker.RecordFailure(ctx)
		return result, nil
	}

	// Durably record the trade and its settlement rows before anything else
	// sees the fill. A store failure here must not silently discard a known
	// fill: surface it and raise the breaker.
	entries := e.settlementEntries(trade, opp.Market)
	if err := e.store.SaveTradeAndSettlements(ctx, trade, entries); err != nil {
		e.logger.Error("trade record write failed; fill is NOT registered",
			slog.String("trade_id", trade.ID),
			slog.String("asset", opp.Market.Asset),
			slog.Float64("yes_shares", trade.YesShares),
			slog.Float64("no_shares", trade.NoShares),
			slog.String("error", err.Error()),
		)
		e.breaker.RecordFailure(ctx)
		return result, fmt.Errorf("executor: save trade %s: %w", trade.ID, err)
	}

	e.ledger.Add(cid, trade.TotalCost(), opp.Market.EndTime)
	e.positions.Register(trade, opp.Market)

	if trade.Status == domain.ExecutionFullFill {
		e.breaker.RecordSuccess(ctx)
		e.emitter.Emit(domain.EventOrderMatched, cid, opp.Market.Asset, map[string]any{
			"trade_id": trade.ID,
			"pairs":    trade.YesShares,
		})
	} else {
		// A one-sided fill is not a success; the rebalancer takes over.
		e.breaker.RecordFailure(ctx)
	}

	e.emitter.Emit(domain.EventTradeRecorded, cid, opp.Market.Asset, map[string]any{
		"trade_id":    trade.ID,
		"status":      string(trade.Status),
		"hedge_ratio": trade.HedgeRatio,
		"total_cost":  trade.TotalCost(),
	})

	e.logger.Info("execution complete",
		slog.String("trade_id", trade.ID),
		slog.String("asset", opp.Market.Asset),
		slog.String("status", string(trade.Status)),
		slog.Float64("yes_shares", trade.YesShares),
		slog.Float64("no_shares", trade.NoShares),
		slog.Float64("hedge_ratio", trade.HedgeRatio),
	)

	return result, nil
}

// placeBothLegs dispatches the two legs concurrently and waits for both under
// the joint fill timeout.
func (e *Executor) placeBothLegs(ctx context.Context, pair risk.OrderPair) (domain.OrderOutcome, domain.OrderOutcome) {
	legCtx, cancel := context.WithTimeout(ctx, e.cfg.FillTimeout)
	defer cancel()

	var wg sync.WaitGroup
	var yesOutcome, noOutcome domain.OrderOutcome

	wg.Add(2)
	go func() {
		defer wg.Done()
		yesOutcome = e.placeLeg(legCtx, pair.Yes)
	}()
	go func() {
		defer wg.Done()
		noOutcome = e.placeLeg(legCtx, pair.No)
	}()
	wg.Wait()

	return yesOutcome, noOutcome
}

// placeLeg submits one order and normalizes every failure mode to an outcome
// value. Nothing escapes: client errors, panics, and stray resting orders all
// resolve so the joint await completes.
func (e *Executor) placeLeg(ctx context.Context, order domain.Order) (outcome domain.OrderOutcome) {
	defer func() {
		if r := recover(); r != nil {
			outcome = domain.Exceptional(fmt.Errorf("order placement panic: %v", r))
		}
	}()

	result, err := e.exch.PlaceOrder(ctx, order)
	if err != nil {
		return domain.Exceptional(err)
	}

	if result.Status == domain.OutcomeLive {
		// Should not happen under FOK. Cancel immediately and treat the leg
		// as unfilled; use a fresh context so the cancel survives the fill
		// timeout expiring.
		e.logger.Warn("FOK order went live, cancelling",
			slog.String("token_id", order.TokenID),
			slog.String("order_id", result.OrderID),
		)
		cancelCtx, cancel := context.WithTimeout(context.Background(), cancelTimeout)
		defer cancel()
		if err := e.exch.CancelOrder(cancelCtx, result.OrderID); err != nil {
			e.logger.Error("cancel of live FOK order failed",
				slog.String("order_id", result.OrderID),
				slog.String("error", err.Error()),
			)
		}
		return domain.Failed("FOK order rested on book, cancelled")
	}

	return result
}

// simulate records a dry-run trade without touching the exchange. No
// settlement rows are enqueued since no real shares exist.
func (e *Executor) simulate(ctx context.Context, opp domain.Opportunity, pair risk.OrderPair, trade domain.TradeRecord) (Result, error) {
	yesOutcome := domain.Simulated(pair.Yes.Size, pair.Yes.Notional())
	noOutcome := domain.Simulated(pair.No.Size, pair.No.Notional())

	trade.DryRun = true
	trade.Status = domain.ExecutionFullFill
	trade.YesOrderStatus = "SIMULATED"
	trade.NoOrderStatus = "SIMULATED"
	trade.YesShares = yesOutcome.FilledSize
	trade.NoShares = noOutcome.FilledSize
	trade.YesCost = yesOutcome.FilledCost
	trade.NoCost = noOutcome.FilledCost
	trade.HedgeRatio = domain.ComputeHedgeRatio(trade.YesShares, trade.NoShares)

	if e.store != nil {
		if err := e.store.SaveTrade(ctx, trade); err != nil {
			e.logger.Warn("dry-run trade record write failed",
				slog.String("trade_id", trade.ID),
				slog.String("error", err.Error()),
			)
		}
	}

	e.ledger.Add(opp.Market.ConditionID, trade.TotalCost(), opp.Market.EndTime)
	e.emitter.Emit(domain.EventTradeRecorded, opp.Market.ConditionID, opp.Market.Asset, map[string]any{
		"trade_id": trade.ID,
		"status":   string(trade.Status),
		"dry_run":  true,
	})

	e.logger.Info("dry run: simulated execution",
		slog.String("trade_id", trade.ID),
		slog.String("asset", opp.Market.Asset),
		slog.Float64("pairs", pair.Pairs),
		slog.Float64("expected_profit", pair.ExpectedProfit),
	)

	return Result{Trade: trade, Yes: yesOutcome, No: noOutcome}, nil
}

// newTrade builds the base trade record with intended sizes and the depth
// snapshots captured pre-placement.
func (e *Executor) newTrade(opp domain.Opportunity, pair risk.OrderPair, snap domain.MarketState) domain.TradeRecord {
	return domain.TradeRecord{
		ID:                uuid.New().String(),
		CreatedAt:         e.clk.Now(),
		ConditionID:       opp.Market.ConditionID,
		Asset:             opp.Market.Asset,
		Slug:              opp.Market.Slug,
		YesPrice:          pair.Yes.Price,
		NoPrice:           pair.No.Price,
		IntendedYesShares: pair.Yes.Size,
		IntendedNoShares:  pair.No.Size,
		IntendedYesCost:   pair.Yes.Notional(),
		IntendedNoCost:    pair.No.Notional(),
		SpreadCents:       opp.SpreadCents,
		ExpectedProfit:    pair.ExpectedProfit,
		YesDepth: domain.DepthSnapshot{
			AtLimit: snap.YesAsks.DepthAtOrBelow(pair.Yes.Price),
			Total:   snap.YesAsks.TotalDepth(),
		},
		NoDepth: domain.DepthSnapshot{
			AtLimit: snap.NoAsks.DepthAtOrBelow(pair.No.Price),
			Total:   snap.NoAsks.TotalDepth(),
		},
		MarketEndTime: opp.Market.EndTime,
	}
}

// settlementEntries builds a queue row per filled side.
func (e *Executor) settlementEntries(trade domain.TradeRecord, market domain.Market) []domain.SettlementEntry {
	var entries []domain.SettlementEntry
	now := e.clk.Now()
	if trade.YesShares > 0 {
		entries = append(entries, domain.SettlementEntry{
			CreatedAt:     now,
			TradeID:       trade.ID,
			ConditionID:   market.ConditionID,
			TokenID:       market.YesTokenID,
			Side:          "YES",
			Asset:         market.Asset,
			Shares:        trade.YesShares,
			EntryPrice:    trade.YesPrice,
			EntryCost:     trade.YesCost,
			MarketEndTime: market.EndTime,
		})
	}
	if trade.NoShares > 0 {
		entries = append(entries, domain.SettlementEntry{
			CreatedAt:     now,
			TradeID:       trade.ID,
			ConditionID:   market.ConditionID,
			TokenID:       market.NoTokenID,
			Side:          "NO",
			Asset:         market.Asset,
			Shares:        trade.NoShares,
			EntryPrice:    trade.NoPrice,
			EntryCost:     trade.NoCost,
			MarketEndTime: market.EndTime,
		})
	}
	return entries
}

// statusLabel renders an outcome status for the trade record.
func statusLabel(o domain.OrderOutcome) string {
	return strings.ToUpper(string(o.Status))
}
