package domain

import "time"

// PriceLevel is a single price+size entry in an orderbook.
type PriceLevel struct {
	Price float64
	Size  float64
}

// BookSide is an ordered sequence of price levels: bids descending by price,
// asks ascending.
type BookSide []PriceLevel

// Best returns the top-of-book level, if any.
func (s BookSide) Best() (PriceLevel, bool) {
	if len(s) == 0 {
		return PriceLevel{}, false
	}
	return s[0], true
}

// DepthAtOrBelow sums the size of ask levels priced at or below limit.
func (s BookSide) DepthAtOrBelow(limit float64) float64 {
	var depth float64
	for _, lvl := range s {
		if lvl.Price > limit {
			break
		}
		depth += lvl.Size
	}
	return depth
}

// TotalDepth sums the size across every level of the side.
func (s BookSide) TotalDepth() float64 {
	var depth float64
	for _, lvl := range s {
		depth += lvl.Size
	}
	return depth
}

// Clone returns an independent copy of the side.
func (s BookSide) Clone() BookSide {
	if s == nil {
		return nil
	}
	out := make(BookSide, len(s))
	copy(out, s)
	return out
}

// Book is a point-in-time snapshot of one token's orderbook.
type Book struct {
	Bids      BookSide
	Asks      BookSide
	Timestamp time.Time
}

// BookUpdate is a full book snapshot delivered by the streaming feed for a
// single token.
type BookUpdate struct {
	TokenID   string
	Bids      BookSide
	Asks      BookSide
	Timestamp time.Time
}

// MarketState is the latest orderbook state for both sides of a market.
// BookTracker owns mutation; everyone else reads copies.
type MarketState struct {
	Market     Market
	YesBids    BookSide
	YesAsks    BookSide
	NoBids     BookSide
	NoAsks     BookSide
	LastUpdate time.Time

	// Revision increments on every applied book update. The detector uses it
	// to emit at most one opportunity per book revision.
	Revision uint64
}

// YesAsk returns the best YES ask price, if the side has any depth.
func (s MarketState) YesAsk() (float64, bool) {
	lvl, ok := s.YesAsks.Best()
	return lvl.Price, ok
}

// NoAsk returns the best NO ask price, if the side has any depth.
func (s MarketState) NoAsk() (float64, bool) {
	lvl, ok := s.NoAsks.Best()
	return lvl.Price, ok
}

// YesBid returns the best YES bid price, if the side has any depth.
func (s MarketState) YesBid() (float64, bool) {
	lvl, ok := s.YesBids.Best()
	return lvl.Price, ok
}

// NoBid returns the best NO bid price, if the side has any depth.
func (s MarketState) NoBid() (float64, bool) {
	lvl, ok := s.NoBids.Best()
	return lvl.Price, ok
}

// Spread returns 1 − yes_ask − no_ask and whether both asks exist. A positive
// spread is a guaranteed-profit pair.
func (s MarketState) Spread() (float64, bool) {
	yes, okY := s.YesAsk()
	no, okN := s.NoAsk()
	if !okY || !okN {
		return 0, false
	}
	return 1.0 - yes - no, true
}

// Stale reports whether the state has not been refreshed within threshold.
func (s MarketState) Stale(now time.Time, threshold time.Duration) bool {
	if s.LastUpdate.IsZero() {
		return true
	}
	return now.Sub(s.LastUpdate) > threshold
}
