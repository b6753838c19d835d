package domain

import "time"

// Position is a pair of outcome holdings bound to one market. The position
// manager exclusively owns mutation; rebalance fills are applied through it.
type Position struct {
	TradeID     string
	ConditionID string
	Asset       string
	Market      Market

	YesShares  float64
	NoShares   float64
	YesAvgCost float64
	NoAvgCost  float64

	// Budget is the USD granted to the originating trade; the remainder
	// bounds buy-side rebalancing.
	Budget float64

	CreatedAt         time.Time
	RebalanceAttempts int
}

// RemainingBudget returns the unspent portion of the original trade budget.
func (p Position) RemainingBudget() float64 {
	rem := p.Budget - p.TotalCost()
	if rem < 0 {
		return 0
	}
	return rem
}

// HedgeRatio returns min(yes,no)/max(yes,no) for the position's holdings.
func (p Position) HedgeRatio() float64 {
	return ComputeHedgeRatio(p.YesShares, p.NoShares)
}

// Balanced reports whether the hedge ratio meets threshold. A position at
// exactly the threshold counts as balanced.
func (p Position) Balanced(threshold float64) bool {
	return p.HedgeRatio() >= threshold
}

// ExcessSide returns the side holding more shares, "YES" or "NO".
func (p Position) ExcessSide() string {
	if p.YesShares > p.NoShares {
		return "YES"
	}
	return "NO"
}

// ExcessShares returns the unhedged share count.
func (p Position) ExcessShares() float64 {
	d := p.YesShares - p.NoShares
	if d < 0 {
		return -d
	}
	return d
}

// TotalCost returns the cost basis of the whole position.
func (p Position) TotalCost() float64 {
	return p.YesShares*p.YesAvgCost + p.NoShares*p.NoAvgCost
}

// GuaranteedReturn returns the payout locked in at resolution: each hedged
// pair pays $1.00 regardless of outcome.
func (p Position) GuaranteedReturn() float64 {
	if p.YesShares < p.NoShares {
		return p.YesShares
	}
	return p.NoShares
}

// ExpectedProfit returns the guaranteed return minus cost basis.
func (p Position) ExpectedProfit() float64 {
	return p.GuaranteedReturn() - p.TotalCost()
}

// ApplySell reduces the given side by the filled shares and returns the
// realized profit against that side's average cost.
func (p *Position) ApplySell(side string, shares, price float64) float64 {
	if side == "YES" {
		p.YesShares -= shares
		return (price - p.YesAvgCost) * shares
	}
	p.NoShares -= shares
	return (price - p.NoAvgCost) * shares
}

// ApplyBuy adds filled shares to the given side and reweights its average
// cost.
func (p *Position) ApplyBuy(side string, shares, price float64) {
	if side == "YES" {
		total := p.YesShares*p.YesAvgCost + shares*price
		p.YesShares += shares
		if p.YesShares > 0 {
			p.YesAvgCost = total / p.YesShares
		}
		return
	}
	total := p.NoShares*p.NoAvgCost + shares*price
	p.NoShares += shares
	if p.NoShares > 0 {
		p.NoAvgCost = total / p.NoShares
	}
}
