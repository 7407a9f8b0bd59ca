package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"

	"upbit-trading-bot/internal/settlement"
	"upbit-trading-bot/internal/strategy"
)

// Repository is the PostgreSQL Store. Numeric columns travel as text so
// decimals keep full precision in both directions.
type Repository struct {
	db *DB
}

// NewRepository creates a new repository
func NewRepository(db *DB) *Repository {
	return &Repository{db: db}
}

// Compile-time interface check
var _ Store = (*Repository)(nil)

// HealthCheck performs a database health check
func (r *Repository) HealthCheck(ctx context.Context) error {
	return r.db.Pool.Ping(ctx)
}

// execer is satisfied by both the pool and a transaction
type execer interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

// ============================================================================
// ASSET STATES
// ============================================================================

const selectStateColumns = `
	SELECT market, capital::text, position_status, task,
	       avg_entry_price::text, total_position_size::text, trade_capital::text,
	       main_force_signal_active, trailing_stop_active, supertrend_stop_price::text, is_take_profit_ready,
	       pending_order_uuid, pending_order_type, pending_order_data, pending_order_timestamp, pending_warning_sent,
	       today_date, today_pnl::text, trading_enabled, halted, halt_reason,
	       entry_date, main_force_entry_date, entry_ai_reasons, last_briefing, updated_at
	FROM asset_states`

// LoadState returns the stored state or ErrStateNotFound
func (r *Repository) LoadState(ctx context.Context, market string) (strategy.AssetState, error) {
	row := r.db.Pool.QueryRow(ctx, selectStateColumns+` WHERE market = $1`, market)
	state, err := scanState(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return strategy.AssetState{}, ErrStateNotFound
	}
	if err != nil {
		return strategy.AssetState{}, fmt.Errorf("failed to load state for %s: %w", market, err)
	}
	return state, nil
}

// ListStates returns every stored state ordered by market
func (r *Repository) ListStates(ctx context.Context) ([]strategy.AssetState, error) {
	rows, err := r.db.Pool.Query(ctx, selectStateColumns+` ORDER BY market`)
	if err != nil {
		return nil, fmt.Errorf("failed to list states: %w", err)
	}
	defer rows.Close()

	var states []strategy.AssetState
	for rows.Next() {
		state, err := scanState(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan state: %w", err)
		}
		states = append(states, state)
	}
	return states, rows.Err()
}

// SaveState upserts the full record
func (r *Repository) SaveState(ctx context.Context, state strategy.AssetState) error {
	if err := upsertState(ctx, r.db.Pool, state); err != nil {
		return fmt.Errorf("failed to save state for %s: %w", state.Market, err)
	}
	return nil
}

// SaveSettlement commits the settled state and its trade record together, so
// a crash between the two can never replay a settlement
func (r *Repository) SaveSettlement(ctx context.Context, state strategy.AssetState, trade *settlement.TradeLogEntry) error {
	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin settlement transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if trade != nil {
		// A duplicate means the trade was logged by an earlier attempt
		if err := insertTrade(ctx, tx, trade); err != nil && !errors.Is(err, ErrDuplicateTrade) {
			return err
		}
	}
	if err := upsertState(ctx, tx, state); err != nil {
		return fmt.Errorf("failed to save settled state for %s: %w", state.Market, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit settlement: %w", err)
	}
	return nil
}

func upsertState(ctx context.Context, db execer, s strategy.AssetState) error {
	var (
		pendingUUID, pendingType *string
		pendingData              []byte
		pendingAt                *time.Time
		pendingWarned            *bool
	)
	if s.Pending != nil {
		p := s.Pending
		orderType := string(p.Type)
		pendingUUID, pendingType = &p.UUID, &orderType
		pendingAt, pendingWarned = &p.SubmittedAt, &p.WarningSent

		data, err := json.Marshal(pendingOrderData{Reason: p.Reason, Fraction: p.Fraction, Requested: p.Requested})
		if err != nil {
			return fmt.Errorf("failed to marshal pending order data: %w", err)
		}
		pendingData = data
	}

	reasons, err := marshalNullable(s.EntryAIReasons, len(s.EntryAIReasons) > 0)
	if err != nil {
		return err
	}
	briefing, err := marshalNullable(s.LastBriefing, s.LastBriefing != nil)
	if err != nil {
		return err
	}

	updatedAt := s.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}

	query := `
		INSERT INTO asset_states (
			market, capital, position_status, task,
			avg_entry_price, total_position_size, trade_capital,
			main_force_signal_active, trailing_stop_active, supertrend_stop_price, is_take_profit_ready,
			pending_order_uuid, pending_order_type, pending_order_data, pending_order_timestamp, pending_warning_sent,
			today_date, today_pnl, trading_enabled, halted, halt_reason,
			entry_date, main_force_entry_date, entry_ai_reasons, last_briefing, updated_at
		) VALUES (
			$1, $2::text::numeric, $3, $4,
			$5::text::numeric, $6::text::numeric, $7::text::numeric,
			$8, $9, $10::text::numeric, $11,
			$12, $13, $14, $15, $16,
			$17, $18::text::numeric, $19, $20, $21,
			$22, $23, $24, $25, $26
		)
		ON CONFLICT (market) DO UPDATE SET
			capital = EXCLUDED.capital,
			position_status = EXCLUDED.position_status,
			task = EXCLUDED.task,
			avg_entry_price = EXCLUDED.avg_entry_price,
			total_position_size = EXCLUDED.total_position_size,
			trade_capital = EXCLUDED.trade_capital,
			main_force_signal_active = EXCLUDED.main_force_signal_active,
			trailing_stop_active = EXCLUDED.trailing_stop_active,
			supertrend_stop_price = EXCLUDED.supertrend_stop_price,
			is_take_profit_ready = EXCLUDED.is_take_profit_ready,
			pending_order_uuid = EXCLUDED.pending_order_uuid,
			pending_order_type = EXCLUDED.pending_order_type,
			pending_order_data = EXCLUDED.pending_order_data,
			pending_order_timestamp = EXCLUDED.pending_order_timestamp,
			pending_warning_sent = EXCLUDED.pending_warning_sent,
			today_date = EXCLUDED.today_date,
			today_pnl = EXCLUDED.today_pnl,
			trading_enabled = EXCLUDED.trading_enabled,
			halted = EXCLUDED.halted,
			halt_reason = EXCLUDED.halt_reason,
			entry_date = EXCLUDED.entry_date,
			main_force_entry_date = EXCLUDED.main_force_entry_date,
			entry_ai_reasons = EXCLUDED.entry_ai_reasons,
			last_briefing = EXCLUDED.last_briefing,
			updated_at = EXCLUDED.updated_at`

	_, err = db.Exec(ctx, query,
		s.Market, s.Capital.String(), string(s.PositionStatus), string(s.Task),
		s.AvgEntryPrice.String(), s.TotalPositionSize.String(), s.TradeCapital.String(),
		s.MainForceSignalActive, s.TrailingStopActive, s.SupertrendStopPrice.String(), s.IsTakeProfitReady,
		pendingUUID, pendingType, pendingData, pendingAt, pendingWarned,
		s.TodayDate, s.TodayPnL.String(), s.TradingEnabled, s.Halted, s.HaltReason,
		s.EntryDate, s.MainForceEntryDate, reasons, briefing, updatedAt,
	)
	return err
}

// pendingOrderData is the pending_order_data JSON column
type pendingOrderData struct {
	Reason    string          `json:"reason,omitempty"`
	Fraction  decimal.Decimal `json:"fraction"`
	Requested decimal.Decimal `json:"requested"`
}

func marshalNullable(v any, present bool) ([]byte, error) {
	if !present {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %T: %w", v, err)
	}
	return data, nil
}

func scanState(row pgx.Row) (strategy.AssetState, error) {
	var (
		s                                           strategy.AssetState
		capital, avg, size, tradeCapital, stop, pnl string
		status, task                                string
		pendingUUID, pendingType                    *string
		pendingData, reasons, briefing              []byte
		pendingAt                                   *time.Time
		pendingWarned                               *bool
	)

	err := row.Scan(
		&s.Market, &capital, &status, &task,
		&avg, &size, &tradeCapital,
		&s.MainForceSignalActive, &s.TrailingStopActive, &stop, &s.IsTakeProfitReady,
		&pendingUUID, &pendingType, &pendingData, &pendingAt, &pendingWarned,
		&s.TodayDate, &pnl, &s.TradingEnabled, &s.Halted, &s.HaltReason,
		&s.EntryDate, &s.MainForceEntryDate, &reasons, &briefing, &s.UpdatedAt,
	)
	if err != nil {
		return s, err
	}

	s.PositionStatus = strategy.PositionStatus(status)
	s.Task = strategy.Task(task)

	for _, f := range []struct {
		dst *decimal.Decimal
		src string
	}{
		{&s.Capital, capital},
		{&s.AvgEntryPrice, avg},
		{&s.TotalPositionSize, size},
		{&s.TradeCapital, tradeCapital},
		{&s.SupertrendStopPrice, stop},
		{&s.TodayPnL, pnl},
	} {
		v, err := decimal.NewFromString(f.src)
		if err != nil {
			return s, fmt.Errorf("invalid numeric %q: %w", f.src, err)
		}
		*f.dst = v
	}

	if pendingUUID != nil && pendingType != nil && pendingAt != nil {
		p := &strategy.PendingOrder{
			UUID:        *pendingUUID,
			Type:        strategy.OrderType(*pendingType),
			SubmittedAt: *pendingAt,
		}
		if pendingWarned != nil {
			p.WarningSent = *pendingWarned
		}
		if len(pendingData) > 0 {
			var data pendingOrderData
			if err := json.Unmarshal(pendingData, &data); err != nil {
				return s, fmt.Errorf("invalid pending_order_data: %w", err)
			}
			p.Reason, p.Fraction, p.Requested = data.Reason, data.Fraction, data.Requested
		}
		s.Pending = p
	}

	if len(reasons) > 0 {
		if err := json.Unmarshal(reasons, &s.EntryAIReasons); err != nil {
			return s, fmt.Errorf("invalid entry_ai_reasons: %w", err)
		}
	}
	if len(briefing) > 0 {
		var b strategy.Briefing
		if err := json.Unmarshal(briefing, &b); err != nil {
			return s, fmt.Errorf("invalid last_briefing: %w", err)
		}
		s.LastBriefing = &b
	}

	return s, nil
}

// ============================================================================
// TRADE LOG
// ============================================================================

// AppendTrade inserts a trade record. A second record for the same order
// returns ErrDuplicateTrade.
func (r *Repository) AppendTrade(ctx context.Context, trade *settlement.TradeLogEntry) error {
	return insertTrade(ctx, r.db.Pool, trade)
}

type queryRower interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func insertTrade(ctx context.Context, db queryRower, trade *settlement.TradeLogEntry) error {
	query := `
		INSERT INTO trade_log (
			market, order_uuid, order_type, entry_time, exit_time,
			entry_price, exit_price, quantity, realized_pnl, pnl_percent, fee,
			exit_reason, rationale, created_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6::text::numeric, $7::text::numeric, $8::text::numeric, $9::text::numeric, $10::text::numeric, $11::text::numeric,
			$12, $13, $14
		)
		ON CONFLICT (order_uuid) DO NOTHING
		RETURNING id`

	createdAt := trade.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	err := db.QueryRow(ctx, query,
		trade.Market, trade.OrderUUID, trade.OrderType, trade.EntryTime, trade.ExitTime,
		trade.EntryPrice.String(), trade.ExitPrice.String(), trade.Quantity.String(),
		trade.RealizedPnL.String(), trade.PnLPercent.Round(4).String(), trade.Fee.String(),
		trade.ExitReason, trade.Rationale, createdAt,
	).Scan(&trade.ID)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrDuplicateTrade
	}
	if err != nil {
		return fmt.Errorf("failed to append trade for %s: %w", trade.Market, err)
	}
	return nil
}

// ListTrades returns trades that exited at or after since, newest first.
// limit <= 0 returns all.
func (r *Repository) ListTrades(ctx context.Context, since time.Time, limit int) ([]settlement.TradeLogEntry, error) {
	query := `
		SELECT id, market, order_uuid, order_type, entry_time, exit_time,
		       entry_price::text, exit_price::text, quantity::text, realized_pnl::text, pnl_percent::text, fee::text,
		       exit_reason, rationale, created_at
		FROM trade_log
		WHERE exit_time >= $1
		ORDER BY exit_time DESC`
	args := []any{since}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := r.db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list trades: %w", err)
	}
	defer rows.Close()

	var trades []settlement.TradeLogEntry
	for rows.Next() {
		var (
			t                                    settlement.TradeLogEntry
			entry, exit, qty, realized, pct, fee string
		)
		if err := rows.Scan(
			&t.ID, &t.Market, &t.OrderUUID, &t.OrderType, &t.EntryTime, &t.ExitTime,
			&entry, &exit, &qty, &realized, &pct, &fee,
			&t.ExitReason, &t.Rationale, &t.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan trade: %w", err)
		}
		t.EntryPrice = decimal.RequireFromString(entry)
		t.ExitPrice = decimal.RequireFromString(exit)
		t.Quantity = decimal.RequireFromString(qty)
		t.RealizedPnL = decimal.RequireFromString(realized)
		t.PnLPercent = decimal.RequireFromString(pct)
		t.Fee = decimal.RequireFromString(fee)
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

// ============================================================================
// CAPITAL LOG
// ============================================================================

// AppendCapital inserts an equity snapshot
func (r *Repository) AppendCapital(ctx context.Context, snapshot *CapitalSnapshot) error {
	query := `
		INSERT INTO capital_log (timestamp, total_equity, realized_capital, unrealized_pnl, open_positions)
		VALUES ($1, $2::text::numeric, $3::text::numeric, $4::text::numeric, $5)
		RETURNING id`
	err := r.db.Pool.QueryRow(ctx, query,
		snapshot.Timestamp, snapshot.TotalEquity.String(), snapshot.RealizedCapital.String(),
		snapshot.UnrealizedPnL.String(), snapshot.OpenPositions,
	).Scan(&snapshot.ID)
	if err != nil {
		return fmt.Errorf("failed to append capital snapshot: %w", err)
	}
	return nil
}

// ListCapital returns snapshots taken at or after since, oldest first
func (r *Repository) ListCapital(ctx context.Context, since time.Time, limit int) ([]CapitalSnapshot, error) {
	query := `
		SELECT id, timestamp, total_equity::text, realized_capital::text, unrealized_pnl::text, open_positions
		FROM capital_log
		WHERE timestamp >= $1
		ORDER BY timestamp ASC`
	args := []any{since}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := r.db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list capital snapshots: %w", err)
	}
	defer rows.Close()

	var snapshots []CapitalSnapshot
	for rows.Next() {
		var (
			c                        CapitalSnapshot
			equity, realized, unreal string
		)
		if err := rows.Scan(&c.ID, &c.Timestamp, &equity, &realized, &unreal, &c.OpenPositions); err != nil {
			return nil, fmt.Errorf("failed to scan capital snapshot: %w", err)
		}
		c.TotalEquity = decimal.RequireFromString(equity)
		c.RealizedCapital = decimal.RequireFromString(realized)
		c.UnrealizedPnL = decimal.RequireFromString(unreal)
		snapshots = append(snapshots, c)
	}
	return snapshots, rows.Err()
}
