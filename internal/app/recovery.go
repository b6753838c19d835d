package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/alanyoungcy/updownbot/internal/clock"
	"github.com/alanyoungcy/updownbot/internal/domain"
	"github.com/alanyoungcy/updownbot/internal/monitor"
	"github.com/alanyoungcy/updownbot/internal/position"
	"github.com/alanyoungcy/updownbot/internal/risk"
)

// Recover reconstitutes in-memory state from the store on startup: the
// circuit breaker's daily counters and the open positions implied by
// unclaimed settlement rows. Markets referenced by restored positions are
// re-tracked so the rebalancer sees their books again. The settlement queue
// itself needs no restoration; every sweep reads the durable rows.
func Recover(
	ctx context.Context,
	store domain.Store,
	breaker *risk.CircuitBreaker,
	positions *position.Manager,
	tracker *monitor.BookTracker,
	clk clock.Clock,
	logger *slog.Logger,
) error {
	if store == nil {
		return nil
	}
	log := logger.With(slog.String("component", "recovery"))

	state, err := store.LoadCircuitBreaker(ctx)
	if err != nil {
		return fmt.Errorf("recovery: load circuit breaker: %w", err)
	}
	if state.Day != "" {
		breaker.Restore(state)
	}

	rows, err := store.GetUnclaimedSettlements(ctx)
	if err != nil {
		return fmt.Errorf("recovery: load settlement queue: %w", err)
	}
	if len(rows) == 0 {
		log.Info("recovery complete, no open positions")
		return nil
	}

	restored := 0
	for _, pos := range rebuildPositions(rows) {
		positions.Restore(pos)
		restored++
		if !pos.Market.Expired(clk.Now()) {
			tracker.Track(pos.Market)
		}
	}

	log.Info("recovery complete",
		slog.Int("settlement_rows", len(rows)),
		slog.Int("positions_restored", restored),
	)
	return nil
}

// rebuildPositions groups unclaimed settlement rows by trade and rebuilds
// the position each trade represents.
func rebuildPositions(rows []domain.SettlementEntry) []domain.Position {
	byTrade := make(map[string][]domain.SettlementEntry)
	order := make([]string, 0)
	for _, row := range rows {
		if _, ok := byTrade[row.TradeID]; !ok {
			order = append(order, row.TradeID)
		}
		byTrade[row.TradeID] = append(byTrade[row.TradeID], row)
	}

	positions := make([]domain.Position, 0, len(byTrade))
	for _, tradeID := range order {
		entries := byTrade[tradeID]
		pos := domain.Position{
			TradeID:     tradeID,
			ConditionID: entries[0].ConditionID,
			Asset:       entries[0].Asset,
			Market: domain.Market{
				ConditionID: entries[0].ConditionID,
				Asset:       entries[0].Asset,
				EndTime:     entries[0].MarketEndTime,
			},
			CreatedAt: entries[0].CreatedAt,
		}
		for _, e := range entries {
			if e.Side == "YES" {
				pos.YesShares = e.Shares
				pos.YesAvgCost = e.EntryPrice
				pos.Market.YesTokenID = e.TokenID
			} else {
				pos.NoShares = e.Shares
				pos.NoAvgCost = e.EntryPrice
				pos.Market.NoTokenID = e.TokenID
			}
		}
		pos.Budget = pos.TotalCost()
		positions = append(positions, pos)
	}
	return positions
}
