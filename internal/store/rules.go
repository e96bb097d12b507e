package store

import (
	"context"
	"fmt"

	"tradecore/internal/core"
)

func (s *Store) ListRules(ctx context.Context, portfolioID string) ([]core.PortfolioRule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, portfolio_id, kind, value
		FROM portfolio_rules WHERE portfolio_id = ? ORDER BY kind`, portfolioID)
	if err != nil {
		return nil, fmt.Errorf("failed to list rules: %w", err)
	}
	defer rows.Close()

	var out []core.PortfolioRule
	for rows.Next() {
		var r core.PortfolioRule
		var kind string
		if err := rows.Scan(&r.ID, &r.PortfolioID, &kind, &r.Value); err != nil {
			return nil, err
		}
		r.Kind = core.RuleKind(kind)
		out = append(out, r)
	}
	return out, rows.Err()
}

// SaveRule upserts by (portfolio_id, kind): one value per rule kind.
func (s *Store) SaveRule(ctx context.Context, r core.PortfolioRule) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO portfolio_rules (id, portfolio_id, kind, value)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(portfolio_id, kind) DO UPDATE SET value = excluded.value`,
		r.ID, r.PortfolioID, string(r.Kind), r.Value)
	if err != nil {
		return fmt.Errorf("failed to save rule %s/%s: %w", r.PortfolioID, r.Kind, err)
	}
	return nil
}
