package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"tradecore/internal/core"
	apperrors "tradecore/pkg/errors"
)

const positionColumns = `id, strategy_id, symbol, side, entry_price, current_size, average_entry,
	stop_loss, take_profit, unrealized_pnl, realized_pnl, total_fees, lots, open, opened_at, closed_at`

func scanPosition(row scanner) (core.Position, error) {
	var (
		p                                        core.Position
		side                                     string
		entry, size, avg, upnl, rpnl, fees, lots string
		stopN, takeN, closedN                    sql.NullString
		open                                     int
		openedS                                  string
	)
	if err := row.Scan(&p.ID, &p.StrategyID, &p.Symbol, &side, &entry, &size, &avg,
		&stopN, &takeN, &upnl, &rpnl, &fees, &lots, &open, &openedS, &closedN); err != nil {
		return core.Position{}, err
	}

	p.Side = core.PositionSide(side)
	p.Open = open != 0

	var err error
	for _, f := range []struct {
		dst *decimal.Decimal
		src string
	}{
		{&p.EntryPrice, entry}, {&p.CurrentSize, size}, {&p.AverageEntry, avg},
		{&p.UnrealizedPnL, upnl}, {&p.RealizedPnL, rpnl}, {&p.TotalFees, fees},
	} {
		if *f.dst, err = parseDecimal(f.src); err != nil {
			return core.Position{}, fmt.Errorf("position %s: %w", p.ID, err)
		}
	}
	if p.StopLoss, err = parseNullDecimal(stopN); err != nil {
		return core.Position{}, err
	}
	if p.TakeProfit, err = parseNullDecimal(takeN); err != nil {
		return core.Position{}, err
	}
	if err = json.Unmarshal([]byte(lots), &p.Lots); err != nil {
		return core.Position{}, fmt.Errorf("position %s lots: %w", p.ID, err)
	}
	if p.OpenedAt, err = parseTime(openedS); err != nil {
		return core.Position{}, err
	}
	if p.ClosedAt, err = parseNullTime(closedN); err != nil {
		return core.Position{}, err
	}
	return p, nil
}

func (s *Store) GetPosition(ctx context.Context, id string) (core.Position, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+positionColumns+` FROM positions WHERE id = ?`, id)
	p, err := scanPosition(row)
	if errors.Is(err, sql.ErrNoRows) {
		return core.Position{}, fmt.Errorf("%w: position %s", apperrors.ErrNotFound, id)
	}
	return p, err
}

func (s *Store) ListOpenPositions(ctx context.Context, portfolioID string) ([]core.Position, error) {
	return s.listPositions(ctx, `
		SELECT `+positionCols("p")+`
		FROM positions p
		JOIN strategies st ON st.id = p.strategy_id
		WHERE st.portfolio_id = ? AND p.open = 1
		ORDER BY p.opened_at`, portfolioID)
}

func (s *Store) ListOpenPositionsBySymbol(ctx context.Context, portfolioID, symbol string) ([]core.Position, error) {
	return s.listPositions(ctx, `
		SELECT `+positionCols("p")+`
		FROM positions p
		JOIN strategies st ON st.id = p.strategy_id
		WHERE st.portfolio_id = ? AND p.symbol = ? AND p.open = 1
		ORDER BY p.opened_at`, portfolioID, symbol)
}

func (s *Store) listPositions(ctx context.Context, query string, args ...interface{}) ([]core.Position, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list positions: %w", err)
	}
	defer rows.Close()

	var out []core.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Store) SavePosition(ctx context.Context, p core.Position) error {
	lots, err := json.Marshal(p.Lots)
	if err != nil {
		return fmt.Errorf("failed to marshal lots: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO positions (`+positionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			side = excluded.side,
			entry_price = excluded.entry_price,
			current_size = excluded.current_size,
			average_entry = excluded.average_entry,
			stop_loss = excluded.stop_loss,
			take_profit = excluded.take_profit,
			unrealized_pnl = excluded.unrealized_pnl,
			realized_pnl = excluded.realized_pnl,
			total_fees = excluded.total_fees,
			lots = excluded.lots,
			open = excluded.open,
			closed_at = excluded.closed_at`,
		p.ID, p.StrategyID, p.Symbol, string(p.Side),
		p.EntryPrice.String(), p.CurrentSize.String(), p.AverageEntry.String(),
		formatNullDecimal(p.StopLoss), formatNullDecimal(p.TakeProfit),
		p.UnrealizedPnL.String(), p.RealizedPnL.String(), p.TotalFees.String(),
		string(lots), boolToInt(p.Open), formatTime(p.OpenedAt), formatNullTime(p.ClosedAt))
	if err != nil {
		return fmt.Errorf("failed to save position %s: %w", p.ID, err)
	}
	return nil
}

// positionCols prefixes every position column with a table alias for joins.
func positionCols(alias string) string {
	return prefixColumns(positionColumns, alias)
}
