package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"tradecore/internal/core"
	apperrors "tradecore/pkg/errors"
)

const tradeColumns = `id, strategy_id, exchange_id, symbol, side, type, amount, price, cost, fee,
	status, exchange_order_id, correlation_id, realized_pnl, reconciled, created_at, updated_at, closed_at`

func scanTrade(row scanner) (core.Trade, error) {
	var (
		t                              core.Trade
		amount, price, cost, fee, rpnl string
		side, otype, status            string
		exchangeOrderN, closedN        sql.NullString
		reconciled                     int
		createdS, updatedS             string
	)
	if err := row.Scan(&t.ID, &t.StrategyID, &t.ExchangeID, &t.Symbol, &side, &otype,
		&amount, &price, &cost, &fee, &status, &exchangeOrderN, &t.CorrelationID,
		&rpnl, &reconciled, &createdS, &updatedS, &closedN); err != nil {
		return core.Trade{}, err
	}

	t.Side = core.Side(side)
	t.Type = core.OrderType(otype)
	t.Status = core.TradeStatus(status)
	t.ExchangeOrderID = exchangeOrderN.String
	t.Reconciled = reconciled != 0

	var err error
	for _, f := range []struct {
		dst *decimal.Decimal
		src string
	}{
		{&t.Amount, amount}, {&t.Price, price}, {&t.Cost, cost}, {&t.Fee, fee}, {&t.RealizedPnL, rpnl},
	} {
		if *f.dst, err = parseDecimal(f.src); err != nil {
			return core.Trade{}, fmt.Errorf("trade %s: %w", t.ID, err)
		}
	}
	if t.CreatedAt, err = parseTime(createdS); err != nil {
		return core.Trade{}, err
	}
	if t.UpdatedAt, err = parseTime(updatedS); err != nil {
		return core.Trade{}, err
	}
	if t.ClosedAt, err = parseNullTime(closedN); err != nil {
		return core.Trade{}, err
	}
	return t, nil
}

func (s *Store) InsertTrade(ctx context.Context, t core.Trade) error {
	now := time.Now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	if t.UpdatedAt.IsZero() {
		t.UpdatedAt = now
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO trades (`+tradeColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.StrategyID, t.ExchangeID, t.Symbol, string(t.Side), string(t.Type),
		t.Amount.String(), t.Price.String(), t.Cost.String(), t.Fee.String(),
		string(t.Status), nullString(t.ExchangeOrderID), t.CorrelationID,
		t.RealizedPnL.String(), boolToInt(t.Reconciled),
		formatTime(t.CreatedAt), formatTime(t.UpdatedAt), formatNullTime(t.ClosedAt))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return fmt.Errorf("%w: trade for correlation %s already exists", apperrors.ErrDuplicateOrder, t.CorrelationID)
		}
		return fmt.Errorf("failed to insert trade %s: %w", t.ID, err)
	}
	return nil
}

func (s *Store) GetTrade(ctx context.Context, id string) (core.Trade, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+tradeColumns+` FROM trades WHERE id = ?`, id)
	t, err := scanTrade(row)
	if errors.Is(err, sql.ErrNoRows) {
		return core.Trade{}, fmt.Errorf("%w: trade %s", apperrors.ErrNotFound, id)
	}
	return t, err
}

func (s *Store) GetTradeByCorrelationID(ctx context.Context, correlationID string) (core.Trade, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+tradeColumns+` FROM trades WHERE correlation_id = ?`, correlationID)
	t, err := scanTrade(row)
	if errors.Is(err, sql.ErrNoRows) {
		return core.Trade{}, fmt.Errorf("%w: trade for correlation %s", apperrors.ErrNotFound, correlationID)
	}
	return t, err
}

// UpdateTradeStatus moves a trade along the monotone status machine and
// applies fill figures in the same transaction. Illegal transitions fail
// with ErrConflict; closed_at is written once, on the first terminal
// transition, and never moves on redelivered events.
func (s *Store) UpdateTradeStatus(ctx context.Context, id string, status core.TradeStatus, fill *core.FillDetails) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	row := tx.QueryRowContext(ctx, `SELECT `+tradeColumns+` FROM trades WHERE id = ?`, id)
	t, err := scanTrade(row)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: trade %s", apperrors.ErrNotFound, id)
	}
	if err != nil {
		return err
	}

	if !core.CanTransition(t.Status, status) {
		return fmt.Errorf("%w: trade %s cannot move %s -> %s",
			apperrors.ErrConflict, id, t.Status, status)
	}

	if fill != nil {
		if status == core.TradeOpen {
			// While a trade is open its amount and price mirror the
			// cumulative fill figures, zero included: the fill applier
			// reads them back to convert cumulative updates into deltas.
			t.Amount = fill.FilledAmount
			t.Price = fill.AvgFillPrice
		} else {
			if fill.FilledAmount.IsPositive() {
				t.Amount = fill.FilledAmount
			}
			if fill.AvgFillPrice.IsPositive() {
				t.Price = fill.AvgFillPrice
			}
		}
		if t.Amount.IsPositive() && t.Price.IsPositive() {
			t.Cost = t.Amount.Mul(t.Price)
		}
		t.Fee = fill.Fee
		t.RealizedPnL = fill.RealizedPnL
		if fill.ExchangeOrderID != "" {
			t.ExchangeOrderID = fill.ExchangeOrderID
		}
	}

	now := time.Now().UTC()
	closedAt := formatNullTime(t.ClosedAt)
	if status.IsTerminal() && t.ClosedAt == nil {
		closedAt = formatTime(now)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE trades SET
			status = ?, amount = ?, price = ?, cost = ?, fee = ?,
			exchange_order_id = ?, realized_pnl = ?, updated_at = ?, closed_at = ?
		WHERE id = ?`,
		string(status), t.Amount.String(), t.Price.String(), t.Cost.String(), t.Fee.String(),
		nullString(t.ExchangeOrderID), t.RealizedPnL.String(), formatTime(now), closedAt, id); err != nil {
		return fmt.Errorf("failed to update trade %s: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit trade update: %w", err)
	}
	return nil
}

func (s *Store) ListOpenTrades(ctx context.Context, portfolioID string) ([]core.Trade, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+tradeCols("t")+`
		FROM trades t
		JOIN strategies st ON st.id = t.strategy_id
		WHERE st.portfolio_id = ? AND t.status IN ('pending', 'open')
		ORDER BY t.created_at`, portfolioID)
	if err != nil {
		return nil, fmt.Errorf("failed to list open trades: %w", err)
	}
	defer rows.Close()

	var out []core.Trade
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// RealizedPnLSince sums the realized P&L of trades that reached a terminal
// status at or after the cutoff. Stored timestamps are fixed-width UTC, so
// string comparison orders chronologically.
func (s *Store) RealizedPnLSince(ctx context.Context, portfolioID string, since time.Time) (decimal.Decimal, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT t.realized_pnl
		FROM trades t
		JOIN strategies st ON st.id = t.strategy_id
		WHERE st.portfolio_id = ? AND t.closed_at IS NOT NULL AND t.closed_at >= ?`,
		portfolioID, formatTime(since))
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to sum realized pnl: %w", err)
	}
	defer rows.Close()

	sum := decimal.Zero
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return decimal.Zero, err
		}
		d, err := parseDecimal(raw)
		if err != nil {
			return decimal.Zero, err
		}
		sum = sum.Add(d)
	}
	return sum, rows.Err()
}

// tradeCols prefixes every trade column with a table alias for joins.
func tradeCols(alias string) string {
	return prefixColumns(tradeColumns, alias)
}
