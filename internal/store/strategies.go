package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"tradecore/internal/core"
	apperrors "tradecore/pkg/errors"
)

const strategyColumns = `id, type, exchange_id, symbol, params, sizing, active, portfolio_id`

func scanStrategy(row scanner) (core.Strategy, error) {
	var (
		st             core.Strategy
		params, sizing string
		active         int
	)
	if err := row.Scan(&st.ID, &st.Type, &st.ExchangeID, &st.Symbol, &params, &sizing, &active, &st.PortfolioID); err != nil {
		return core.Strategy{}, err
	}
	if err := json.Unmarshal([]byte(params), &st.Params); err != nil {
		return core.Strategy{}, fmt.Errorf("strategy %s params: %w", st.ID, err)
	}
	if err := json.Unmarshal([]byte(sizing), &st.Sizing); err != nil {
		return core.Strategy{}, fmt.Errorf("strategy %s sizing: %w", st.ID, err)
	}
	st.Active = active != 0
	return st, nil
}

func (s *Store) GetStrategy(ctx context.Context, id string) (core.Strategy, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+strategyColumns+` FROM strategies WHERE id = ?`, id)
	st, err := scanStrategy(row)
	if errors.Is(err, sql.ErrNoRows) {
		return core.Strategy{}, fmt.Errorf("%w: strategy %s", apperrors.ErrNotFound, id)
	}
	return st, err
}

func (s *Store) ListActiveStrategies(ctx context.Context) ([]core.Strategy, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+strategyColumns+` FROM strategies WHERE active = 1 ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list strategies: %w", err)
	}
	defer rows.Close()

	var out []core.Strategy
	for rows.Next() {
		st, err := scanStrategy(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func (s *Store) SaveStrategy(ctx context.Context, st core.Strategy) error {
	params, err := json.Marshal(st.Params)
	if err != nil {
		return fmt.Errorf("failed to marshal strategy params: %w", err)
	}
	sizing, err := json.Marshal(st.Sizing)
	if err != nil {
		return fmt.Errorf("failed to marshal sizing config: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO strategies (`+strategyColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			type = excluded.type,
			exchange_id = excluded.exchange_id,
			symbol = excluded.symbol,
			params = excluded.params,
			sizing = excluded.sizing,
			active = excluded.active,
			portfolio_id = excluded.portfolio_id`,
		st.ID, st.Type, st.ExchangeID, st.Symbol,
		string(params), string(sizing), boolToInt(st.Active), st.PortfolioID)
	if err != nil {
		return fmt.Errorf("failed to save strategy %s: %w", st.ID, err)
	}
	return nil
}

func (s *Store) SetStrategyActive(ctx context.Context, id string, active bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE strategies SET active = ? WHERE id = ?`, boolToInt(active), id)
	if err != nil {
		return fmt.Errorf("failed to update strategy %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: strategy %s", apperrors.ErrNotFound, id)
	}
	return nil
}

func (s *Store) SaveStrategyState(ctx context.Context, st core.StrategyState) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO strategy_state (strategy_id, last_processed_bar_ts, last_fingerprint, open_position_id, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(strategy_id) DO UPDATE SET
			last_processed_bar_ts = excluded.last_processed_bar_ts,
			last_fingerprint = excluded.last_fingerprint,
			open_position_id = excluded.open_position_id,
			updated_at = excluded.updated_at`,
		st.StrategyID, formatTime(st.LastProcessedBarTS), st.LastFingerprint,
		nullString(st.OpenPositionID), formatTime(time.Now().UTC()))
	if err != nil {
		return fmt.Errorf("failed to save state for strategy %s: %w", st.StrategyID, err)
	}
	return nil
}

func (s *Store) LoadStrategyState(ctx context.Context, strategyID string) (core.StrategyState, error) {
	var (
		st            core.StrategyState
		barS, updS    string
		openPositionN sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT strategy_id, last_processed_bar_ts, last_fingerprint, open_position_id, updated_at
		FROM strategy_state WHERE strategy_id = ?`, strategyID).
		Scan(&st.StrategyID, &barS, &st.LastFingerprint, &openPositionN, &updS)
	if errors.Is(err, sql.ErrNoRows) {
		return core.StrategyState{}, fmt.Errorf("%w: state for strategy %s", apperrors.ErrNotFound, strategyID)
	}
	if err != nil {
		return core.StrategyState{}, fmt.Errorf("failed to load state for strategy %s: %w", strategyID, err)
	}
	if st.LastProcessedBarTS, err = parseTime(barS); err != nil {
		return core.StrategyState{}, err
	}
	if st.UpdatedAt, err = parseTime(updS); err != nil {
		return core.StrategyState{}, err
	}
	st.OpenPositionID = openPositionN.String
	return st, nil
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
