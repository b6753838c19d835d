package domain

import "time"

// Opportunity is a detected two-sided arbitrage candidate: the YES and NO
// best asks summed to strictly less than $1.00 at detection time. It is
// ephemeral and never persisted.
type Opportunity struct {
	Market      Market
	YesAsk      float64
	NoAsk       float64
	SpreadCents float64
	DetectedAt  time.Time

	// Revision is the book revision the prices were read from.
	Revision uint64
}

// Spread returns 1 − yes_ask − no_ask in dollars.
func (o Opportunity) Spread() float64 {
	return 1.0 - o.YesAsk - o.NoAsk
}

// CostPerPair returns the cost of one YES+NO share pair.
func (o Opportunity) CostPerPair() float64 {
	return o.YesAsk + o.NoAsk
}
