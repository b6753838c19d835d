package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/updownbot/internal/domain"
)

// Store implements domain.Store on a pgx connection pool.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a Store backed by the given pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

var _ domain.Store = (*Store)(nil)

const tradeInsert = `
	INSERT INTO trades (
		trade_id, created_at, condition_id, asset, slug,
		yes_price, no_price,
		intended_yes_shares, intended_no_shares, yes_shares, no_shares,
		intended_yes_cost, intended_no_cost, yes_cost, no_cost,
		spread_cents, expected_profit,
		execution_status, yes_order_status, no_order_status, hedge_ratio,
		yes_depth_at_limit, yes_depth_total, no_depth_at_limit, no_depth_total,
		market_end_time, dry_run
	) VALUES (
		$1, $2, $3, $4, $5,
		$6, $7,
		$8, $9, $10, $11,
		$12, $13, $14, $15,
		$16, $17,
		$18, $19, $20, $21,
		$22, $23, $24, $25,
		$26, $27
	) ON CONFLICT (trade_id) DO NOTHING`

func tradeArgs(t domain.TradeRecord) []any {
	return []any{
		t.ID, t.CreatedAt, t.ConditionID, t.Asset, t.Slug,
		t.YesPrice, t.NoPrice,
		t.IntendedYesShares, t.IntendedNoShares, t.YesShares, t.NoShares,
		t.IntendedYesCost, t.IntendedNoCost, t.YesCost, t.NoCost,
		t.SpreadCents, t.ExpectedProfit,
		string(t.Status), t.YesOrderStatus, t.NoOrderStatus, t.HedgeRatio,
		t.YesDepth.AtLimit, t.YesDepth.Total, t.NoDepth.AtLimit, t.NoDepth.Total,
		t.MarketEndTime, t.DryRun,
	}
}

const settlementInsert = `
	INSERT INTO settlement_queue (
		created_at, trade_id, condition_id, token_id, side, asset,
		shares, entry_price, entry_cost, market_end_time
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	ON CONFLICT (trade_id, token_id) DO NOTHING`

func settlementArgs(e domain.SettlementEntry) []any {
	return []any{
		e.CreatedAt, e.TradeID, e.ConditionID, e.TokenID, e.Side, e.Asset,
		e.Shares, e.EntryPrice, e.EntryCost, e.MarketEndTime,
	}
}

// SaveTrade persists a trade record, idempotent on trade ID.
func (s *Store) SaveTrade(ctx context.Context, trade domain.TradeRecord) error {
	if _, err := s.pool.Exec(ctx, tradeInsert, tradeArgs(trade)...); err != nil {
		return fmt.Errorf("postgres: save trade %s: %w", trade.ID, err)
	}
	return nil
}

// SaveTradeAndSettlements writes the trade and its settlement rows in one
// transaction so a crash cannot separate a fill from its claim entries.
func (s *Store) SaveTradeAndSettlements(ctx context.Context, trade domain.TradeRecord, entries []domain.SettlementEntry) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin trade tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, tradeInsert, tradeArgs(trade)...); err != nil {
		return fmt.Errorf("postgres: save trade %s: %w", trade.ID, err)
	}
	for _, entry := range entries {
		if _, err := tx.Exec(ctx, settlementInsert, settlementArgs(entry)...); err != nil {
			return fmt.Errorf("postgres: enqueue settlement %s/%s: %w", entry.TradeID, entry.TokenID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit trade tx: %w", err)
	}
	return nil
}

// EnqueueSettlement appends one settlement row, unique on (trade_id, token_id).
func (s *Store) EnqueueSettlement(ctx context.Context, entry domain.SettlementEntry) error {
	if _, err := s.pool.Exec(ctx, settlementInsert, settlementArgs(entry)...); err != nil {
		return fmt.Errorf("postgres: enqueue settlement %s/%s: %w", entry.TradeID, entry.TokenID, err)
	}
	return nil
}

const settlementSelect = `
	SELECT id, created_at, trade_id, condition_id, token_id, side, asset,
		shares, entry_price, entry_cost, market_end_time,
		claimed, claimed_at, COALESCE(claim_proceeds, 0), COALESCE(claim_profit, 0),
		claim_attempts, COALESCE(last_error, ''), COALESCE(next_attempt_at, 'epoch'::timestamptz)
	FROM settlement_queue`

func scanSettlementRows(rows pgx.Rows) ([]domain.SettlementEntry, error) {
	var entries []domain.SettlementEntry
	for rows.Next() {
		var e domain.SettlementEntry
		if err := rows.Scan(
			&e.ID, &e.CreatedAt, &e.TradeID, &e.ConditionID, &e.TokenID, &e.Side, &e.Asset,
			&e.Shares, &e.EntryPrice, &e.EntryCost, &e.MarketEndTime,
			&e.Claimed, &e.ClaimedAt, &e.ClaimProceeds, &e.ClaimProfit,
			&e.ClaimAttempts, &e.LastError, &e.NextAttemptAt,
		); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// GetUnclaimedSettlements returns every row with claimed = false.
func (s *Store) GetUnclaimedSettlements(ctx context.Context) ([]domain.SettlementEntry, error) {
	rows, err := s.pool.Query(ctx, settlementSelect+` WHERE claimed = FALSE ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("postgres: get unclaimed settlements: %w", err)
	}
	defer rows.Close()

	entries, err := scanSettlementRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan unclaimed settlements: %w", err)
	}
	return entries, nil
}

// GetClaimable returns unclaimed rows past the resolution wait, under the
// attempt cap, and past their retry backoff.
func (s *Store) GetClaimable(ctx context.Context, now time.Time, wait time.Duration, maxAttempts int) ([]domain.SettlementEntry, error) {
	cutoff := now.Add(-wait)
	rows, err := s.pool.Query(ctx, settlementSelect+`
		WHERE claimed = FALSE
		  AND claim_attempts < $1
		  AND market_end_time <= $2
		  AND (next_attempt_at IS NULL OR next_attempt_at <= $3)
		ORDER BY market_end_time`,
		maxAttempts, cutoff, now,
	)
	if err != nil {
		return nil, fmt.Errorf("postgres: get claimable settlements: %w", err)
	}
	defer rows.Close()

	entries, err := scanSettlementRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan claimable settlements: %w", err)
	}
	return entries, nil
}

// MarkClaimed finalizes a row with its sale proceeds and profit.
func (s *Store) MarkClaimed(ctx context.Context, id int64, proceeds, profit float64) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE settlement_queue
		SET claimed = TRUE, claimed_at = NOW(),
			claim_proceeds = $2, claim_profit = $3
		WHERE id = $1 AND claimed = FALSE`,
		id, proceeds, profit,
	)
	if err != nil {
		return fmt.Errorf("postgres: mark claimed %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: mark claimed %d: %w", id, domain.ErrNotFound)
	}
	return nil
}

// RecordClaimAttempt increments a row's attempt counter and schedules the
// next retry.
func (s *Store) RecordClaimAttempt(ctx context.Context, id int64, claimErr string, nextAttemptAt time.Time) error {
	if _, err := s.pool.Exec(ctx, `
		UPDATE settlement_queue
		SET claim_attempts = claim_attempts + 1,
			last_error = $2, next_attempt_at = $3
		WHERE id = $1`,
		id, claimErr, nextAttemptAt,
	); err != nil {
		return fmt.Errorf("postgres: record claim attempt %d: %w", id, err)
	}
	return nil
}

// UpsertMarket persists discovered market metadata.
func (s *Store) UpsertMarket(ctx context.Context, m domain.Market) error {
	if _, err := s.pool.Exec(ctx, `
		INSERT INTO markets (
			condition_id, slug, asset, question,
			yes_token_id, no_token_id, start_time, end_time
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (condition_id) DO NOTHING`,
		m.ConditionID, m.Slug, m.Asset, m.Question,
		m.YesTokenID, m.NoTokenID, m.StartTime, m.EndTime,
	); err != nil {
		return fmt.Errorf("postgres: upsert market %s: %w", m.Slug, err)
	}
	return nil
}

// RecordPnL appends a realized profit-and-loss row.
func (s *Store) RecordPnL(ctx context.Context, tradeID, source string, amount float64, at time.Time) error {
	if _, err := s.pool.Exec(ctx, `
		INSERT INTO pnl_history (trade_id, source, amount, at)
		VALUES ($1, $2, $3, $4)`,
		tradeID, source, amount, at,
	); err != nil {
		return fmt.Errorf("postgres: record pnl for %s: %w", tradeID, err)
	}
	return nil
}

// SaveCircuitBreaker upserts the single daily-counter row.
func (s *Store) SaveCircuitBreaker(ctx context.Context, state domain.BreakerState) error {
	if _, err := s.pool.Exec(ctx, `
		INSERT INTO circuit_breaker_state (id, level, consecutive_failures, daily_pnl, day, updated_at)
		VALUES (1, $1, $2, $3, $4, NOW())
		ON CONFLICT (id) DO UPDATE SET
			level = EXCLUDED.level,
			consecutive_failures = EXCLUDED.consecutive_failures,
			daily_pnl = EXCLUDED.daily_pnl,
			day = EXCLUDED.day,
			updated_at = NOW()`,
		int(state.Level), state.ConsecutiveFailures, state.DailyPnL, state.Day,
	); err != nil {
		return fmt.Errorf("postgres: save circuit breaker: %w", err)
	}
	return nil
}

// LoadCircuitBreaker returns the persisted breaker state, or a zero state if
// none has been saved yet.
func (s *Store) LoadCircuitBreaker(ctx context.Context) (domain.BreakerState, error) {
	var state domain.BreakerState
	var level int
	err := s.pool.QueryRow(ctx, `
		SELECT level, consecutive_failures, daily_pnl, day
		FROM circuit_breaker_state WHERE id = 1`,
	).Scan(&level, &state.ConsecutiveFailures, &state.DailyPnL, &state.Day)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.BreakerState{}, nil
	}
	if err != nil {
		return domain.BreakerState{}, fmt.Errorf("postgres: load circuit breaker: %w", err)
	}
	state.Level = domain.BreakerLevel(level)
	return state, nil
}

// ListRecentTrades returns the newest trade records for diagnostics.
func (s *Store) ListRecentTrades(ctx context.Context, limit int) ([]domain.TradeRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
		SELECT trade_id, created_at, condition_id, asset, COALESCE(slug, ''),
			yes_price, no_price,
			intended_yes_shares, intended_no_shares, yes_shares, no_shares,
			intended_yes_cost, intended_no_cost, yes_cost, no_cost,
			spread_cents, expected_profit,
			execution_status, COALESCE(yes_order_status, ''), COALESCE(no_order_status, ''), hedge_ratio,
			yes_depth_at_limit, yes_depth_total, no_depth_at_limit, no_depth_total,
			market_end_time, dry_run
		FROM trades ORDER BY created_at DESC LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("postgres: list recent trades: %w", err)
	}
	defer rows.Close()

	var trades []domain.TradeRecord
	for rows.Next() {
		var t domain.TradeRecord
		var status string
		if err := rows.Scan(
			&t.ID, &t.CreatedAt, &t.ConditionID, &t.Asset, &t.Slug,
			&t.YesPrice, &t.NoPrice,
			&t.IntendedYesShares, &t.IntendedNoShares, &t.YesShares, &t.NoShares,
			&t.IntendedYesCost, &t.IntendedNoCost, &t.YesCost, &t.NoCost,
			&t.SpreadCents, &t.ExpectedProfit,
			&status, &t.YesOrderStatus, &t.NoOrderStatus, &t.HedgeRatio,
			&t.YesDepth.AtLimit, &t.YesDepth.Total, &t.NoDepth.AtLimit, &t.NoDepth.Total,
			&t.MarketEndTime, &t.DryRun,
		); err != nil {
			return nil, fmt.Errorf("postgres: scan trade: %w", err)
		}
		t.Status = domain.ExecutionStatus(status)
		trades = append(trades, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterate trades: %w", err)
	}
	return trades, nil
}
