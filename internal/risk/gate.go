package risk

import (
	"log/slog"
	"sync"

	"github.com/alanyoungcy/updownbot/internal/clock"
	"github.com/alanyoungcy/updownbot/internal/domain"
	"github.com/alanyoungcy/updownbot/internal/events"
)

// RejectReason classifies why an opportunity was not admitted.
type RejectReason string

const (
	RejectBlackout       RejectReason = "BLACKOUT"
	RejectHalted         RejectReason = "HALTED"
	RejectCaution        RejectReason = "CAUTION"
	RejectDuplicate      RejectReason = "DUPLICATE"
	RejectWindowFull     RejectReason = "WINDOW_FULL"
	RejectInvalidSpread  RejectReason = "INVALID_SPREAD"
	RejectBudgetTooSmall RejectReason = "BUDGET_TOO_SMALL"
)

// Admission is a successful gate decision: the USD budget granted to the
// trade.
type Admission struct {
	Budget float64
}

// PositionIndex answers whether a market already holds an open position.
type PositionIndex interface {
	HasOpen(conditionID string) bool
}

// BalanceSource supplies the most recently observed exchange balance.
type BalanceSource interface {
	Balance() float64
}

// GateConfig holds the budget parameters of the admission gate.
type GateConfig struct {
	BalanceSizingPct float64
	MaxTradeSizeUSD  float64
	MinTradeSizeUSD  float64
	MaxPerWindowUSD  float64
}

// Gate applies the admission rules in order — blackout, circuit breaker,
// per-market dedup, per-window budget, spread validity — and computes the
// trade budget. It also owns the per-market in-flight execution lock.
type Gate struct {
	cfg       GateConfig
	blackout  *Blackout
	breaker   *CircuitBreaker
	ledger    *WindowLedger
	positions PositionIndex
	balance   BalanceSource
	clk       clock.Clock
	emitter   *events.Emitter
	logger    *slog.Logger

	mu       sync.Mutex
	inflight map[string]bool
}

// NewGate creates an admission gate.
func NewGate(
	cfg GateConfig,
	blackout *Blackout,
	breaker *CircuitBreaker,
	ledger *WindowLedger,
	positions PositionIndex,
	balance BalanceSource,
	clk clock.Clock,
	emitter *events.Emitter,
	logger *slog.Logger,
) *Gate {
	return &Gate{
		cfg:       cfg,
		blackout:  blackout,
		breaker:   breaker,
		ledger:    ledger,
		positions: positions,
		balance:   balance,
		clk:       clk,
		emitter:   emitter,
		inflight:  make(map[string]bool),
		logger:    logger.With(slog.String("component", "risk_gate")),
	}
}

// Admit evaluates an opportunity against the admission rules, first match
// wins. On success it returns the granted budget and marks the market
// in-flight; the caller must invoke Release when the execution finishes.
func (g *Gate) Admit(opp domain.Opportunity) (Admission, RejectReason, bool) {
	now := g.clk.Now()

	if g.blackout.Within(now) {
		return g.reject(opp, RejectBlackout)
	}

	switch g.breaker.Level() {
	case domain.BreakerHalt:
		return g.reject(opp, RejectHalted)
	case domain.BreakerCaution:
		// Close-only flow: entries blocked, settlement and rebalancing
		// continue elsewhere.
		return g.reject(opp, RejectCaution)
	}

	cid := opp.Market.ConditionID

	g.mu.Lock()
	if g.inflight[cid] || g.positions.HasOpen(cid) {
		g.mu.Unlock()
		return g.reject(opp, RejectDuplicate)
	}
	// Reserve the market before releasing the lock so concurrent admissions
	// of the same market cannot both pass.
	g.inflight[cid] = true
	g.mu.Unlock()

	used := g.ledger.Spent(cid)
	if used >= g.cfg.MaxPerWindowUSD {
		g.Release(cid)
		return g.reject(opp, RejectWindowFull)
	}

	if opp.YesAsk+opp.NoAsk >= 1.0 {
		g.Release(cid)
		return g.reject(opp, RejectInvalidSpread)
	}

	budget := g.balance.Balance() * g.cfg.BalanceSizingPct
	if budget > g.cfg.MaxTradeSizeUSD {
		budget = g.cfg.MaxTradeSizeUSD
	}
	budget *= g.breaker.SizeMultiplier()
	if remaining := g.cfg.MaxPerWindowUSD - used; budget > remaining {
		budget = remaining
	}

	if budget < 2*g.cfg.MinTradeSizeUSD {
		g.Release(cid)
		return g.reject(opp, RejectBudgetTooSmall)
	}

	return Admission{Budget: budget}, "", true
}

// Release clears the in-flight mark for a market.
func (g *Gate) Release(conditionID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.inflight, conditionID)
}

// InFlight reports whether a market has an execution in flight.
func (g *Gate) InFlight(conditionID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.inflight[conditionID]
}

func (g *Gate) reject(opp domain.Opportunity, reason RejectReason) (Admission, RejectReason, bool) {
	g.logger.Debug("opportunity rejected",
		slog.String("asset", opp.Market.Asset),
		slog.String("reason", string(reason)),
		slog.Float64("spread_cents", opp.SpreadCents),
	)
	g.emitter.Emit(domain.EventAdmissionRejected, opp.Market.ConditionID, opp.Market.Asset, map[string]any{
		"reason":       string(reason),
		"spread_cents": opp.SpreadCents,
	})
	return Admission{}, reason, false
}
