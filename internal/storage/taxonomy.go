package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/orcabot-dev/orcabot/internal/domain"
)

// TaxonomyStore reads the valid categories and accounts from the budget
// tables. Categories are the distinct budget lines for the current year;
// accounts are discovered from committed ledger rows. This store never
// writes to either table.
type TaxonomyStore struct {
	db *DB
}

// NewTaxonomyStore creates a taxonomy source over the shared database.
func NewTaxonomyStore(db *DB) *TaxonomyStore {
	return &TaxonomyStore{db: db}
}

// Snapshot reads a fresh taxonomy for the given instant.
func (t *TaxonomyStore) Snapshot(ctx context.Context, now time.Time) (domain.Taxonomy, error) {
	return snapshotTaxonomy(ctx, t.db.DB, now)
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// snapshotTaxonomy is shared with the ledger gateway, which re-reads the
// taxonomy inside the commit transaction.
func snapshotTaxonomy(ctx context.Context, q querier, now time.Time) (domain.Taxonomy, error) {
	categories, err := queryStrings(ctx, q, `
		SELECT DISTINCT categoria FROM orcamento
		WHERE ano = ? AND categoria IS NOT NULL AND categoria <> ''
		ORDER BY categoria`, now.Year())
	if err != nil {
		return domain.Taxonomy{}, fmt.Errorf("loading categories: %w", err)
	}

	accounts, err := queryStrings(ctx, q, `
		SELECT DISTINCT conta FROM transacoes
		WHERE conta IS NOT NULL AND conta <> ''
		ORDER BY conta`)
	if err != nil {
		return domain.Taxonomy{}, fmt.Errorf("loading accounts: %w", err)
	}

	return domain.Taxonomy{
		Categories: categories,
		Accounts:   accounts,
		FetchedAt:  now,
	}, nil
}

func queryStrings(ctx context.Context, q querier, query string, args ...any) ([]string, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
