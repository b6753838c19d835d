package domain

import "time"

// ExecutionStatus classifies a dual-leg execution.
type ExecutionStatus string

const (
	ExecutionFullFill   ExecutionStatus = "full_fill"
	ExecutionOneLegOnly ExecutionStatus = "one_leg_only"
	ExecutionFailed     ExecutionStatus = "failed"
)

// DepthSnapshot captures orderbook depth for one side just before placement.
type DepthSnapshot struct {
	AtLimit float64 // shares available at or below the limit price
	Total   float64 // total shares across the whole side
}

// TradeRecord is the durable record of one dual-leg execution, written before
// the execution result is published. Partial fills are first-class: a record
// exists for every execution that filled any shares.
type TradeRecord struct {
	ID          string
	CreatedAt   time.Time
	ConditionID string
	Asset       string
	Slug        string

	// Limit prices taken verbatim from the originating opportunity.
	YesPrice float64
	NoPrice  float64

	// Intended vs actual fills.
	IntendedYesShares float64
	IntendedNoShares  float64
	YesShares         float64
	NoShares          float64
	IntendedYesCost   float64
	IntendedNoCost    float64
	YesCost           float64
	NoCost            float64

	SpreadCents    float64
	ExpectedProfit float64

	Status         ExecutionStatus
	YesOrderStatus string
	NoOrderStatus  string
	HedgeRatio     float64

	// Pre-placement depth snapshots for post-trade analysis.
	YesDepth DepthSnapshot
	NoDepth  DepthSnapshot

	MarketEndTime time.Time
	DryRun        bool
}

// TotalCost returns the actual USD spent across both legs.
func (t TradeRecord) TotalCost() float64 {
	return t.YesCost + t.NoCost
}

// ComputeHedgeRatio returns min(yes,no)/max(yes,no), the fraction of the
// position that is hedged. 1.0 is fully hedged; 0 means one side is empty.
func ComputeHedgeRatio(yesShares, noShares float64) float64 {
	max := yesShares
	min := noShares
	if noShares > yesShares {
		max, min = noShares, yesShares
	}
	if max <= 0 {
		return 0
	}
	return min / max
}
