package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"tradecore/internal/core"
	apperrors "tradecore/pkg/errors"
)

const portfolioColumns = `id, name, base_currency, total_capital, available_capital, active, created_at, updated_at`

func scanPortfolio(row scanner) (core.Portfolio, error) {
	var (
		p                  core.Portfolio
		total, avail       string
		active             int
		createdS, updatedS string
	)
	if err := row.Scan(&p.ID, &p.Name, &p.BaseCurrency, &total, &avail, &active, &createdS, &updatedS); err != nil {
		return core.Portfolio{}, err
	}

	var err error
	if p.TotalCapital, err = parseDecimal(total); err != nil {
		return core.Portfolio{}, fmt.Errorf("portfolio %s total_capital: %w", p.ID, err)
	}
	if p.AvailableCapital, err = parseDecimal(avail); err != nil {
		return core.Portfolio{}, fmt.Errorf("portfolio %s available_capital: %w", p.ID, err)
	}
	if p.CreatedAt, err = parseTime(createdS); err != nil {
		return core.Portfolio{}, err
	}
	if p.UpdatedAt, err = parseTime(updatedS); err != nil {
		return core.Portfolio{}, err
	}
	p.Active = active != 0
	return p, nil
}

func (s *Store) GetPortfolio(ctx context.Context, id string) (core.Portfolio, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+portfolioColumns+` FROM portfolios WHERE id = ?`, id)
	p, err := scanPortfolio(row)
	if errors.Is(err, sql.ErrNoRows) {
		return core.Portfolio{}, fmt.Errorf("%w: portfolio %s", apperrors.ErrNotFound, id)
	}
	return p, err
}

func (s *Store) ListActivePortfolios(ctx context.Context) ([]core.Portfolio, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+portfolioColumns+` FROM portfolios WHERE active = 1 ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list portfolios: %w", err)
	}
	defer rows.Close()

	var out []core.Portfolio
	for rows.Next() {
		p, err := scanPortfolio(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Store) SavePortfolio(ctx context.Context, p core.Portfolio) error {
	now := time.Now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO portfolios (`+portfolioColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			base_currency = excluded.base_currency,
			total_capital = excluded.total_capital,
			available_capital = excluded.available_capital,
			active = excluded.active,
			updated_at = excluded.updated_at`,
		p.ID, p.Name, p.BaseCurrency,
		p.TotalCapital.String(), p.AvailableCapital.String(),
		boolToInt(p.Active), formatTime(p.CreatedAt), formatTime(now))
	if err != nil {
		return fmt.Errorf("failed to save portfolio %s: %w", p.ID, err)
	}
	return nil
}

// AdjustAvailableCapital applies delta to available_capital inside a
// serializable transaction so concurrent reservations never interleave.
// The result must stay within [0, total_capital].
func (s *Store) AdjustAvailableCapital(ctx context.Context, portfolioID string, delta decimal.Decimal) (core.Portfolio, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return core.Portfolio{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	row := tx.QueryRowContext(ctx,
		`SELECT `+portfolioColumns+` FROM portfolios WHERE id = ?`, portfolioID)
	p, err := scanPortfolio(row)
	if errors.Is(err, sql.ErrNoRows) {
		return core.Portfolio{}, fmt.Errorf("%w: portfolio %s", apperrors.ErrNotFound, portfolioID)
	}
	if err != nil {
		return core.Portfolio{}, err
	}

	newAvail := p.AvailableCapital.Add(delta)
	if newAvail.IsNegative() || newAvail.GreaterThan(p.TotalCapital) {
		return core.Portfolio{}, fmt.Errorf(
			"%w: portfolio %s available %s + delta %s outside [0, %s]",
			apperrors.ErrInsufficientCapital, portfolioID,
			p.AvailableCapital, delta, p.TotalCapital)
	}

	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx,
		`UPDATE portfolios SET available_capital = ?, updated_at = ? WHERE id = ?`,
		newAvail.String(), formatTime(now), portfolioID); err != nil {
		return core.Portfolio{}, fmt.Errorf("failed to adjust capital for %s: %w", portfolioID, err)
	}
	if err := tx.Commit(); err != nil {
		return core.Portfolio{}, fmt.Errorf("failed to commit capital adjustment: %w", err)
	}

	p.AvailableCapital = newAvail
	p.UpdatedAt = now
	return p, nil
}

// SettleRealized books a closing fill against the portfolio in one
// serializable transaction: cashDelta moves available_capital and realized
// moves total_capital, so a profitable exit grows the book instead of
// tripping the available <= total bound. The result must keep
// 0 <= available <= total.
func (s *Store) SettleRealized(ctx context.Context, portfolioID string, cashDelta, realized decimal.Decimal) (core.Portfolio, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return core.Portfolio{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	row := tx.QueryRowContext(ctx,
		`SELECT `+portfolioColumns+` FROM portfolios WHERE id = ?`, portfolioID)
	p, err := scanPortfolio(row)
	if errors.Is(err, sql.ErrNoRows) {
		return core.Portfolio{}, fmt.Errorf("%w: portfolio %s", apperrors.ErrNotFound, portfolioID)
	}
	if err != nil {
		return core.Portfolio{}, err
	}

	newTotal := p.TotalCapital.Add(realized)
	newAvail := p.AvailableCapital.Add(cashDelta)
	if newAvail.IsNegative() || newAvail.GreaterThan(newTotal) {
		return core.Portfolio{}, fmt.Errorf(
			"%w: portfolio %s settlement leaves available %s outside [0, %s]",
			apperrors.ErrInsufficientCapital, portfolioID, newAvail, newTotal)
	}

	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx,
		`UPDATE portfolios SET total_capital = ?, available_capital = ?, updated_at = ? WHERE id = ?`,
		newTotal.String(), newAvail.String(), formatTime(now), portfolioID); err != nil {
		return core.Portfolio{}, fmt.Errorf("failed to settle realized pnl for %s: %w", portfolioID, err)
	}
	if err := tx.Commit(); err != nil {
		return core.Portfolio{}, fmt.Errorf("failed to commit settlement: %w", err)
	}

	p.TotalCapital = newTotal
	p.AvailableCapital = newAvail
	p.UpdatedAt = now
	return p, nil
}
