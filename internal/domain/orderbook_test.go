package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBookSideDepth(t *testing.T) {
	asks := BookSide{
		{Price: 0.48, Size: 100},
		{Price: 0.49, Size: 50},
		{Price: 0.52, Size: 200},
	}

	assert.Equal(t, 150.0, asks.DepthAtOrBelow(0.49))
	assert.Equal(t, 100.0, asks.DepthAtOrBelow(0.48))
	assert.Equal(t, 0.0, asks.DepthAtOrBelow(0.40))
	assert.Equal(t, 350.0, asks.TotalDepth())

	best, ok := asks.Best()
	assert.True(t, ok)
	assert.Equal(t, 0.48, best.Price)

	_, ok = BookSide{}.Best()
	assert.False(t, ok)
}

func TestMarketStateSpread(t *testing.T) {
	state := MarketState{
		YesAsks: BookSide{{Price: 0.48, Size: 100}},
		NoAsks:  BookSide{{Price: 0.49, Size: 100}},
	}

	spread, ok := state.Spread()
	assert.True(t, ok)
	assert.InDelta(t, 0.03, spread, 1e-9)

	state.NoAsks = nil
	_, ok = state.Spread()
	assert.False(t, ok, "spread undefined with a missing side")
}

func TestMarketStateStale(t *testing.T) {
	now := time.Unix(1765432800, 0).UTC()
	state := MarketState{LastUpdate: now.Add(-11 * time.Second)}

	assert.True(t, state.Stale(now, 10*time.Second))

	state.LastUpdate = now.Add(-10 * time.Second)
	assert.False(t, state.Stale(now, 10*time.Second), "exactly at threshold is fresh")

	assert.True(t, MarketState{}.Stale(now, 10*time.Second), "never-updated state is stale")
}

func TestComputeHedgeRatio(t *testing.T) {
	assert.Equal(t, 1.0, ComputeHedgeRatio(20, 20))
	assert.Equal(t, 0.5, ComputeHedgeRatio(10, 20))
	assert.Equal(t, 0.5, ComputeHedgeRatio(20, 10))
	assert.Equal(t, 0.0, ComputeHedgeRatio(20, 0))
	assert.Equal(t, 0.0, ComputeHedgeRatio(0, 0))
}
