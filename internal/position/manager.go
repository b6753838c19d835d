// Package position owns open positions and drives rebalancing of imbalanced
// ones. All position mutation happens here; the executor only registers
// fills, and the settlement manager releases positions once fully claimed.
package position

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/alanyoungcy/updownbot/internal/clock"
	"github.com/alanyoungcy/updownbot/internal/domain"
	"github.com/alanyoungcy/updownbot/internal/events"
	"github.com/alanyoungcy/updownbot/internal/risk"
)

// BookSource supplies current market state for rebalance evaluation.
// Implemented by the book tracker.
type BookSource interface {
	State(conditionID string) (domain.MarketState, bool)
}

// PnLRecorder is the slice of the store used to persist realized rebalance
// profit.
type PnLRecorder interface {
	RecordPnL(ctx context.Context, tradeID, source string, amount float64, at time.Time) error
}

// Config holds the rebalancing parameters.
type Config struct {
	Threshold         float64 // hedge ratio below which rebalancing is sought
	MinProfitPerShare float64
	SpreadFloor       float64 // blended spread a buy must preserve
	MaxAttempts       int
	NoGoBeforeEnd     time.Duration
	SweepInterval     time.Duration
}

// Manager tracks open positions keyed by condition ID and periodically
// attempts to restore the hedge on imbalanced ones.
type Manager struct {
	exch    domain.Exchange
	books   BookSource
	store   PnLRecorder
	breaker *risk.CircuitBreaker
	emitter *events.Emitter
	clk     clock.Clock
	cfg     Config
	logger  *slog.Logger

	mu          sync.Mutex
	byCondition map[string]*domain.Position
	byTrade     map[string]string // trade_id -> condition_id
}

// NewManager creates a position manager.
func NewManager(
	exch domain.Exchange,
	books BookSource,
	store PnLRecorder,
	breaker *risk.CircuitBreaker,
	emitter *events.Emitter,
	clk clock.Clock,
	cfg Config,
	logger *slog.Logger,
) *Manager {
	return &Manager{
		exch:        exch,
		books:       books,
		store:       store,
		breaker:     breaker,
		emitter:     emitter,
		clk:         clk,
		cfg:         cfg,
		byCondition: make(map[string]*domain.Position),
		byTrade:     make(map[string]string),
		logger:      logger.With(slog.String("component", "position_manager")),
	}
}

// Register creates a position from an executed trade. Called by the executor
// after the trade record is durably written.
func (m *Manager) Register(trade domain.TradeRecord, market domain.Market) {
	pos := domain.Position{
		TradeID:     trade.ID,
		ConditionID: trade.ConditionID,
		Asset:       trade.Asset,
		Market:      market,
		YesShares:   trade.YesShares,
		NoShares:    trade.NoShares,
		YesAvgCost:  trade.YesPrice,
		NoAvgCost:   trade.NoPrice,
		Budget:      trade.IntendedYesCost + trade.IntendedNoCost,
		CreatedAt:   trade.CreatedAt,
	}
	m.Restore(pos)

	m.logger.Info("position registered",
		slog.String("trade_id", trade.ID),
		slog.String("asset", trade.Asset),
		slog.Float64("yes_shares", pos.YesShares),
		slog.Float64("no_shares", pos.NoShares),
		slog.Float64("hedge_ratio", pos.HedgeRatio()),
	)
}

// Restore inserts a reconstituted position, used by the recovery loader.
func (m *Manager) Restore(pos domain.Position) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := pos
	m.byCondition[pos.ConditionID] = &p
	m.byTrade[pos.TradeID] = pos.ConditionID
}

// Release removes the position belonging to a trade, once every settlement
// row for it has been claimed or abandoned.
func (m *Manager) Release(tradeID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cid, ok := m.byTrade[tradeID]
	if !ok {
		return
	}
	delete(m.byTrade, tradeID)
	delete(m.byCondition, cid)
	m.logger.Info("position released", slog.String("trade_id", tradeID))
}

// HasOpen reports whether the market holds an open position. Used by the
// risk gate's dedup rule.
func (m *Manager) HasOpen(conditionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.byCondition[conditionID]
	return ok
}

// Get returns a copy of the position for a market.
func (m *Manager) Get(conditionID string) (domain.Position, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.byCondition[conditionID]
	if !ok {
		return domain.Position{}, false
	}
	return *p, true
}

// Open returns copies of all open positions.
func (m *Manager) Open() []domain.Position {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.Position, 0, len(m.byCondition))
	for _, p := range m.byCondition {
		out = append(out, *p)
	}
	return out
}

// GetImbalanced returns copies of positions whose hedge ratio is below the
// rebalance threshold.
func (m *Manager) GetImbalanced() []domain.Position {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Position
	for _, p := range m.byCondition {
		if !p.Balanced(m.cfg.Threshold) {
			out = append(out, *p)
		}
	}
	return out
}

// Run drives the rebalance sweep until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) error {
	m.logger.Info("position manager started")
	defer m.logger.Info("position manager stopped")

	interval := m.cfg.SweepInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.Sweep(ctx)
		}
	}
}

// Sweep evaluates every imbalanced position once against current book state.
func (m *Manager) Sweep(ctx context.Context) {
	// HALT blocks everything including closing flows; CAUTION still allows
	// rebalancing since it reduces risk.
	if m.breaker.Level() == domain.BreakerHalt {
		return
	}

	for _, pos := range m.GetImbalanced() {
		state, ok := m.books.State(pos.ConditionID)
		if !ok {
			continue
		}
		m.evaluate(ctx, pos.ConditionID, state)
	}
}

// evaluate inspects one position against the market state and executes the
// best viable rebalance action, if any.
func (m *Manager) evaluate(ctx context.Context, conditionID string, state domain.MarketState) {
	m.mu.Lock()
	pos, ok := m.byCondition[conditionID]
	if !ok {
		m.mu.Unlock()
		return
	}
	snapshot := *pos
	m.mu.Unlock()

	now := m.clk.Now()
	if snapshot.Market.EndTime.Sub(now) < m.cfg.NoGoBeforeEnd {
		return
	}
	if snapshot.RebalanceAttempts >= m.cfg.MaxAttempts {
		return
	}

	action, ok := m.chooseAction(snapshot, state)
	if !ok {
		return
	}

	m.execute(ctx, conditionID, snapshot, action)
}

// RebalanceAction is one proposed rebalancing order.
type RebalanceAction struct {
	Kind   string // SELL_YES, SELL_NO, BUY_YES, BUY_NO
	Side   string // "YES" or "NO"
	Sell   bool
	Token  string
	Shares float64
	Price  float64
	Profit float64
}

// ProfitPerShare returns the expected profit per rebalanced share.
func (a RebalanceAction) ProfitPerShare() float64 {
	if a.Shares <= 0 {
		return 0
	}
	return a.Profit / a.Shares
}

// chooseAction builds the viable sell-excess and buy-deficit options and
// picks one, preferring sell (capital-efficient) when both clear the profit
// floor.
func (m *Manager) chooseAction(pos domain.Position, state domain.MarketState) (RebalanceAction, bool) {
	var options []RebalanceAction
	excess := pos.ExcessShares()
	if excess <= 0 {
		return RebalanceAction{}, false
	}

	if pos.YesShares > pos.NoShares {
		if bid, ok := state.YesBid(); ok && bid-pos.YesAvgCost >= m.cfg.MinProfitPerShare {
			options = append(options, RebalanceAction{
				Kind: "SELL_YES", Side: "YES", Sell: true,
				Token: pos.Market.YesTokenID, Shares: excess, Price: bid,
				Profit: excess * (bid - pos.YesAvgCost),
			})
		}
		if ask, ok := state.NoAsk(); ok && ask > 0 && ask < 1.0 {
			if opt, ok := m.buyOption(pos, "NO", pos.Market.NoTokenID, ask, excess); ok {
				options = append(options, opt)
			}
		}
	} else {
		if bid, ok := state.NoBid(); ok && bid-pos.NoAvgCost >= m.cfg.MinProfitPerShare {
			options = append(options, RebalanceAction{
				Kind: "SELL_NO", Side: "NO", Sell: true,
				Token: pos.Market.NoTokenID, Shares: excess, Price: bid,
				Profit: excess * (bid - pos.NoAvgCost),
			})
		}
		if ask, ok := state.YesAsk(); ok && ask > 0 && ask < 1.0 {
			if opt, ok := m.buyOption(pos, "YES", pos.Market.YesTokenID, ask, excess); ok {
				options = append(options, opt)
			}
		}
	}

	var viable []RebalanceAction
	for _, o := range options {
		if o.ProfitPerShare() >= m.cfg.MinProfitPerShare {
			viable = append(viable, o)
		}
	}
	if len(viable) == 0 {
		return RebalanceAction{}, false
	}

	best := viable[0]
	for _, o := range viable[1:] {
		if best.Sell && !o.Sell {
			continue
		}
		if o.Sell && !best.Sell {
			best = o
			continue
		}
		if o.Profit > best.Profit {
			best = o
		}
	}
	return best, true
}

// buyOption proposes filling the deficit side at the ask, bounded by the
// remaining trade budget. The buy must increase locked-in profit and keep the
// blended entry spread above the floor.
func (m *Manager) buyOption(pos domain.Position, side, token string, ask, excess float64) (RebalanceAction, bool) {
	maxAffordable := pos.RemainingBudget() / ask
	shares := excess
	if shares > maxAffordable {
		shares = maxAffordable
	}
	if shares <= 0 {
		return RebalanceAction{}, false
	}

	after := pos
	after.ApplyBuy(side, shares, ask)
	profit := after.ExpectedProfit() - pos.ExpectedProfit()
	if profit <= 0 {
		return RebalanceAction{}, false
	}
	if 1.0-after.YesAvgCost-after.NoAvgCost < m.cfg.SpreadFloor {
		return RebalanceAction{}, false
	}

	kind := "BUY_NO"
	if side == "YES" {
		kind = "BUY_YES"
	}
	return RebalanceAction{
		Kind: kind, Side: side,
		Token: token, Shares: shares, Price: ask,
		Profit: profit,
	}, true
}

// execute submits the rebalance order and applies the fill. The attempt is
// counted whatever the outcome.
func (m *Manager) execute(ctx context.Context, conditionID string, pos domain.Position, action RebalanceAction) {
	side := domain.OrderSideBuy
	if action.Sell {
		side = domain.OrderSideSell
	}
	order := domain.Order{
		TokenID: action.Token,
		Side:    side,
		Type:    domain.OrderTypeFOK,
		Price:   action.Price,
		Size:    action.Shares,
	}

	m.logger.Info("executing rebalance",
		slog.String("trade_id", pos.TradeID),
		slog.String("asset", pos.Asset),
		slog.String("action", action.Kind),
		slog.Float64("shares", action.Shares),
		slog.Float64("price", action.Price),
		slog.Float64("expected_profit", action.Profit),
	)

	outcome, err := m.exch.PlaceOrder(ctx, order)
	if err != nil {
		outcome = domain.Exceptional(err)
	}
	if outcome.Status == domain.OutcomeLive {
		cancelCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if cErr := m.exch.CancelOrder(cancelCtx, outcome.OrderID); cErr != nil {
			m.logger.Error("cancel of live rebalance order failed",
				slog.String("order_id", outcome.OrderID),
				slog.String("error", cErr.Error()),
			)
		}
		cancel()
		outcome = domain.Failed("rebalance order rested on book, cancelled")
	}

	m.mu.Lock()
	live, ok := m.byCondition[conditionID]
	if !ok {
		m.mu.Unlock()
		return
	}
	live.RebalanceAttempts++

	var realized float64
	applied := false
	if outcome.Status == domain.OutcomeMatched && outcome.FilledSize > 0 {
		if action.Sell {
			realized = live.ApplySell(action.Side, outcome.FilledSize, action.Price)
		} else {
			live.ApplyBuy(action.Side, outcome.FilledSize, action.Price)
		}
		applied = true
	}
	after := *live
	m.mu.Unlock()

	if !applied {
		m.logger.Warn("rebalance attempt failed",
			slog.String("trade_id", pos.TradeID),
			slog.String("action", action.Kind),
			slog.String("status", string(outcome.Status)),
			slog.Int("attempts", after.RebalanceAttempts),
		)
		return
	}

	if action.Sell {
		if m.store != nil {
			if err := m.store.RecordPnL(ctx, pos.TradeID, "rebalance", realized, m.clk.Now()); err != nil {
				m.logger.Warn("rebalance pnl persist failed", slog.String("error", err.Error()))
			}
		}
		m.breaker.RecordPnL(ctx, realized)
	}

	m.emitter.Emit(domain.EventRebalanced, conditionID, pos.Asset, map[string]any{
		"trade_id":    pos.TradeID,
		"action":      action.Kind,
		"shares":      outcome.FilledSize,
		"price":       action.Price,
		"realized":    realized,
		"hedge_ratio": after.HedgeRatio(),
	})

	m.logger.Info("rebalance applied",
		slog.String("trade_id", pos.TradeID),
		slog.String("action", action.Kind),
		slog.Float64("filled", outcome.FilledSize),
		slog.Float64("hedge_ratio", after.HedgeRatio()),
		slog.Bool("balanced", after.Balanced(m.cfg.Threshold)),
	)
}
