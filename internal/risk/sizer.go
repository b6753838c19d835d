package risk

import (
	"log/slog"
	"math"
	"time"

	"github.com/alanyoungcy/updownbot/internal/domain"
)

// SkipReason classifies why the sizer produced no order pair.
type SkipReason string

const (
	SkipInsufficientLiquidity SkipReason = "INSUFFICIENT_LIQUIDITY"
	SkipNonPositiveProfit     SkipReason = "NON_POSITIVE_PROFIT"
)

// OrderPair is a sized dual-leg entry: equal share counts on both sides at
// the opportunity's exact ask prices.
type OrderPair struct {
	Yes   domain.Order
	No    domain.Order
	Pairs float64 // shares per side

	ExpectedProfit float64

	// Tranches > 1 means gradual entry: the executor runs the pair in
	// Tranches sequential slices separated by TrancheDelay, re-validating
	// each against fresh book state.
	Tranches     int
	TrancheDelay time.Duration
}

// SizerConfig holds the sizing parameters.
type SizerConfig struct {
	MinTradeSizeUSD            float64
	MaxLiquidityConsumptionPct float64
	ShareDecimals              int

	GradualEnabled        bool
	GradualTranches       int
	GradualDelay          time.Duration
	GradualMinSpreadCents float64
}

// Sizer computes equal-share order pairs from an opportunity, the granted
// budget, and current book depth.
type Sizer struct {
	cfg    SizerConfig
	logger *slog.Logger
}

// NewSizer creates a sizer.
func NewSizer(cfg SizerConfig, logger *slog.Logger) *Sizer {
	if cfg.ShareDecimals <= 0 {
		cfg.ShareDecimals = 2
	}
	return &Sizer{
		cfg:    cfg,
		logger: logger.With(slog.String("component", "sizer")),
	}
}

// Size produces an order pair for the opportunity, or a skip reason. yesAsks
// and noAsks are the current ask sides used for the liquidity cap.
func (s *Sizer) Size(opp domain.Opportunity, budget float64, yesAsks, noAsks domain.BookSide) (OrderPair, SkipReason, bool) {
	costPerPair := opp.CostPerPair()
	if costPerPair <= 0 || costPerPair >= 1.0 {
		return OrderPair{}, SkipNonPositiveProfit, false
	}

	pairs := s.truncate(budget / costPerPair)

	// Cap consumption to a fraction of the displayed depth at the limit on
	// each side.
	yesDepth := yesAsks.DepthAtOrBelow(opp.YesAsk)
	noDepth := noAsks.DepthAtOrBelow(opp.NoAsk)
	maxYes := yesDepth * s.cfg.MaxLiquidityConsumptionPct
	maxNo := noDepth * s.cfg.MaxLiquidityConsumptionPct
	if pairs > maxYes {
		pairs = s.truncate(maxYes)
	}
	if pairs > maxNo {
		pairs = s.truncate(maxNo)
	}

	if pairs <= 0 {
		return s.skip(opp, SkipInsufficientLiquidity)
	}

	yesAmount := pairs * opp.YesAsk
	noAmount := pairs * opp.NoAsk
	if yesAmount < s.cfg.MinTradeSizeUSD || noAmount < s.cfg.MinTradeSizeUSD {
		return s.skip(opp, SkipInsufficientLiquidity)
	}

	expectedProfit := pairs * opp.Spread()
	if expectedProfit <= 0 {
		return s.skip(opp, SkipNonPositiveProfit)
	}

	pair := OrderPair{
		Yes: domain.Order{
			TokenID: opp.Market.YesTokenID,
			Side:    domain.OrderSideBuy,
			Type:    domain.OrderTypeFOK,
			Price:   opp.YesAsk,
			Size:    pairs,
		},
		No: domain.Order{
			TokenID: opp.Market.NoTokenID,
			Side:    domain.OrderSideBuy,
			Type:    domain.OrderTypeFOK,
			Price:   opp.NoAsk,
			Size:    pairs,
		},
		Pairs:          pairs,
		ExpectedProfit: expectedProfit,
		Tranches:       1,
	}

	if s.cfg.GradualEnabled && opp.SpreadCents >= s.cfg.GradualMinSpreadCents && s.cfg.GradualTranches > 1 {
		pair.Tranches = s.cfg.GradualTranches
		pair.TrancheDelay = s.cfg.GradualDelay
	}

	return pair, "", true
}

// TrancheSize returns the per-tranche share count for a pair, truncated to
// the share grid. The final tranche absorbs the remainder.
func (s *Sizer) TrancheSize(pair OrderPair) float64 {
	if pair.Tranches <= 1 {
		return pair.Pairs
	}
	return s.truncate(pair.Pairs / float64(pair.Tranches))
}

func (s *Sizer) skip(opp domain.Opportunity, reason SkipReason) (OrderPair, SkipReason, bool) {
	s.logger.Debug("sizing skipped",
		slog.String("asset", opp.Market.Asset),
		slog.String("reason", string(reason)),
	)
	return OrderPair{}, reason, false
}

// truncate floors a share count onto the venue's quantization grid.
func (s *Sizer) truncate(v float64) float64 {
	scale := math.Pow10(s.cfg.ShareDecimals)
	return math.Floor(v*scale) / scale
}
