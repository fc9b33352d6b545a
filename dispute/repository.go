package dispute

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"escrowflow/arbitrator"
	"escrowflow/ledger"
)

// Querier is the read surface of pgxpool.Pool used by the repository.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

var _ Querier = (*pgxpool.Pool)(nil)

type Repository struct {
	pool Querier
}

func NewRepository(pool Querier) *Repository {
	return &Repository{pool: pool}
}

// List returns the disputes of every transaction the party is part of,
// newest first. An empty transactionID lists all of them.
func (r *Repository) List(ctx context.Context, party ledger.Address, transactionID string) ([]Summary, error) {
	query := `
		SELECT d.id, d.transaction_id::text, d.status::text, d.ruling, d.round_count, d.created_at, d.resolved_at
		FROM disputes d
		JOIN escrow_transactions t ON t.id = d.transaction_id
		WHERE (t.party_a = $1 OR t.party_b = $1)
	`
	args := []any{string(party)}
	if transactionID != "" {
		query += " AND d.transaction_id = $2"
		args = append(args, transactionID)
	}
	query += " ORDER BY d.created_at DESC"

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("dispute: list: %w", err)
	}
	defer rows.Close()

	out := make([]Summary, 0, 8)
	for rows.Next() {
		var (
			s      Summary
			id     int64
			ruling int32
		)
		if err := rows.Scan(&id, &s.TransactionID, &s.Status, &ruling, &s.RoundCount, &s.CreatedAt, &s.ResolvedAt); err != nil {
			return nil, fmt.Errorf("dispute: scan: %w", err)
		}
		s.ID = ledger.DisputeID(id)
		s.Ruling = arbitrator.Ruling(ruling)
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("dispute: iterate: %w", err)
	}
	return out, nil
}
