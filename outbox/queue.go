// Package outbox publishes the messages the escrow store enqueues in the
// same database transaction as each state change.
package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// ErrNotFound signals an ack or failure for a message that is not pending.
var ErrNotFound = errors.New("outbox: message not found")

// Message is one outbox row leased for publishing.
type Message struct {
	ID        string
	Topic     string
	Payload   json.RawMessage
	Attempts  int
	CreatedAt time.Time
}

// Key returns the partitioning key of the message, the transaction it
// belongs to.
func (m Message) Key() []byte {
	var head struct {
		TransactionID string `json:"transaction_id"`
	}
	if err := json.Unmarshal(m.Payload, &head); err != nil || head.TransactionID == "" {
		return nil
	}
	return []byte(head.TransactionID)
}

// Pool is the subset of pgxpool.Pool the queue needs.
type Pool interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PGQueue leases pending outbox rows. A claimed row stays pending with its
// availability pushed out by the lease so a crashed relay's rows are
// retried by another.
type PGQueue struct {
	pool  Pool
	lease time.Duration
}

func NewPGQueue(pool Pool, lease time.Duration) *PGQueue {
	if lease <= 0 {
		lease = 30 * time.Second
	}
	return &PGQueue{pool: pool, lease: lease}
}

// Claim leases up to limit pending messages in creation order.
func (q *PGQueue) Claim(ctx context.Context, limit int) ([]Message, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	const query = `
		UPDATE outbox
		SET attempts = attempts + 1,
		    available_at = now() + $2 * interval '1 millisecond'
		WHERE id IN (
			SELECT id FROM outbox
			WHERE status = 'pending' AND available_at <= now()
			ORDER BY created_at
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id::text, topic, payload, attempts, created_at
	`
	rows, err := q.pool.Query(ctx, query, limit, q.lease.Milliseconds())
	if err != nil {
		return nil, fmt.Errorf("outbox: claim: %w", err)
	}
	defer rows.Close()

	messages := make([]Message, 0, limit)
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.Topic, &m.Payload, &m.Attempts, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("outbox: scan message: %w", err)
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("outbox: iterate messages: %w", err)
	}
	return messages, nil
}

// Ack marks a message as published.
func (q *PGQueue) Ack(ctx context.Context, id string) error {
	tag, err := q.pool.Exec(ctx, `
		UPDATE outbox
		SET status = 'published', published_at = now(), last_error = NULL
		WHERE id = $1::uuid AND status = 'pending'
	`, id)
	if err != nil {
		return fmt.Errorf("outbox: ack: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Fail records a publish failure. The message is retried after retryAfter
// unless it already used maxAttempts, in which case it is parked as failed.
func (q *PGQueue) Fail(ctx context.Context, id string, cause error, retryAfter time.Duration, maxAttempts int) error {
	tag, err := q.pool.Exec(ctx, `
		UPDATE outbox
		SET last_error = $2,
		    status = CASE WHEN attempts >= $3 THEN 'failed' ELSE 'pending' END,
		    available_at = now() + $4 * interval '1 millisecond'
		WHERE id = $1::uuid AND status = 'pending'
	`, id, cause.Error(), maxAttempts, retryAfter.Milliseconds())
	if err != nil {
		return fmt.Errorf("outbox: fail: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
