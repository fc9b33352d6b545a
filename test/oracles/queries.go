package oracles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Oracle struct {
	Name string
	SQL  string
}

func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_value_out_bounded",
			SQL:  `SELECT id, value_in, value_out FROM escrow_transactions WHERE value_out > value_in`,
		},
		{
			Name: "O2_event_seq_contiguous",
			SQL: `WITH seqs AS (
                      SELECT transaction_id, seq,
                             ROW_NUMBER() OVER (PARTITION BY transaction_id ORDER BY seq) AS expected
                      FROM timeline_events)
                  SELECT * FROM seqs WHERE seq <> expected`,
		},
		{
			Name: "O3_outbox_per_event",
			SQL: `SELECT t.id FROM escrow_transactions t
                  WHERE (SELECT COUNT(*) FROM timeline_events e WHERE e.transaction_id = t.id)
                     <> (SELECT COUNT(*) FROM outbox o WHERE o.payload->>'transaction_id' = t.id::text)`,
		},
		{
			Name: "O4_round_paid_matches_contributions",
			SQL: `SELECT r.dispute_id, r.round, r.paid_a, r.paid_b
                  FROM appeal_rounds r
                  LEFT JOIN appeal_contributions c ON c.dispute_id = r.dispute_id AND c.round = r.round
                  GROUP BY r.dispute_id, r.round, r.paid_a, r.paid_b
                  HAVING r.paid_a <> COALESCE(SUM(c.side_a), 0) OR r.paid_b <> COALESCE(SUM(c.side_b), 0)`,
		},
		{
			Name: "O5_dispute_follows_transaction",
			SQL: `SELECT d.id, t.status FROM disputes d
                  JOIN escrow_transactions t ON t.id = d.transaction_id
                  WHERE (d.status = 'resolved' AND t.status <> 'resolved')
                     OR (d.status = 'under_review' AND t.status <> 'dispute_created')`,
		},
		{
			Name: "O6_withdrawal_after_resolution",
			SQL: `SELECT c.dispute_id, c.round, c.contributor FROM appeal_contributions c
                  JOIN disputes d ON d.id = c.dispute_id
                  WHERE c.withdrawn AND d.status <> 'resolved'`,
		},
		{
			Name: "O7_disputed_fee_forwarded",
			SQL:  `SELECT id FROM escrow_transactions WHERE status = 'dispute_created' AND arbitration_paid = 0`,
		},
		{
			Name: "O8_outbox_not_stale",
			SQL: `SELECT id, topic, attempts FROM outbox
                  WHERE status = 'pending' AND now() - created_at > interval '5 minutes'`,
		},
		{
			Name: "O9_pending_dispute_not_created",
			SQL: `SELECT id, status, arbitration_paid FROM escrow_transactions
                  WHERE pending->>'kind' = 'create_dispute'
                    AND (arbitration_paid = 0 OR status = 'dispute_created')`,
		},
	}
}

// Run executes all oracles and returns the first failure (name and sample row text) or empty name if all pass.
func Run(ctx context.Context, pool *pgxpool.Pool) (string, string, error) {
	for _, o := range All() {
		rows, err := pool.Query(ctx, o.SQL)
		if err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
		has := rows.Next()
		if has {
			vals, err := rows.Values()
			rows.Close()
			if err != nil {
				return o.Name, "", err
			}
			return o.Name, fmt.Sprintf("%v", vals), nil
		}
		rows.Close()
	}
	return "", "", nil
}
