package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

func TestPGQueue_ClaimScansLeasedRows(t *testing.T) {
	created := time.Date(2026, 4, 2, 10, 0, 0, 0, time.UTC)
	pool := &fakePool{rows: [][]any{
		{"3f1c", "escrow.ruling", json.RawMessage(`{"transaction_id":"tx-1"}`), 2, created},
	}}
	queue := NewPGQueue(pool, 15*time.Second)

	messages, err := queue.Claim(context.Background(), 0)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(messages) != 1 {
		t.Fatalf("expected 1 message got %d", len(messages))
	}
	m := messages[0]
	if m.ID != "3f1c" || m.Topic != "escrow.ruling" || m.Attempts != 2 || !m.CreatedAt.Equal(created) {
		t.Fatalf("unexpected message %+v", m)
	}
	if !strings.Contains(pool.sql, "FOR UPDATE SKIP LOCKED") {
		t.Errorf("expected claim to skip locked rows")
	}
	if pool.args[0] != 100 || pool.args[1] != int64(15000) {
		t.Errorf("unexpected claim args %v", pool.args)
	}
}

func TestPGQueue_AckMissingMessage(t *testing.T) {
	queue := NewPGQueue(&fakePool{tag: pgconn.NewCommandTag("UPDATE 0")}, 0)
	if err := queue.Ack(context.Background(), "gone"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound got %v", err)
	}
}

func TestPGQueue_FailRecordsCause(t *testing.T) {
	pool := &fakePool{tag: pgconn.NewCommandTag("UPDATE 1")}
	queue := NewPGQueue(pool, 0)

	if err := queue.Fail(context.Background(), "m1", errors.New("broker down"), 2*time.Second, 5); err != nil {
		t.Fatalf("fail: %v", err)
	}
	if pool.args[1] != "broker down" || pool.args[2] != 5 || pool.args[3] != int64(2000) {
		t.Fatalf("unexpected fail args %v", pool.args)
	}
	if !strings.Contains(pool.sql, "'failed'") {
		t.Errorf("expected exhausted messages to be parked as failed")
	}
}

func TestPGQueue_PropagatesErrors(t *testing.T) {
	boom := errors.New("boom")
	queue := NewPGQueue(&fakePool{err: boom}, 0)
	if _, err := queue.Claim(context.Background(), 10); !errors.Is(err, boom) {
		t.Fatalf("expected wrapped claim error got %v", err)
	}
	if err := queue.Ack(context.Background(), "m1"); !errors.Is(err, boom) {
		t.Fatalf("expected wrapped ack error got %v", err)
	}
}

type fakePool struct {
	rows [][]any
	tag  pgconn.CommandTag
	err  error
	sql  string
	args []any
}

func (f *fakePool) Query(_ context.Context, sql string, args ...any) (pgx.Rows, error) {
	f.sql = sql
	f.args = args
	if f.err != nil {
		return nil, f.err
	}
	return &fakeRows{data: f.rows, idx: -1}, nil
}

func (f *fakePool) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.sql = sql
	f.args = args
	return f.tag, f.err
}

type fakeRows struct {
	data [][]any
	idx  int
}

func (r *fakeRows) Close()                                       {}
func (r *fakeRows) Err() error                                   { return nil }
func (r *fakeRows) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (r *fakeRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *fakeRows) RawValues() [][]byte                          { return nil }
func (r *fakeRows) Conn() *pgx.Conn                              { return nil }
func (r *fakeRows) Values() ([]any, error)                       { return r.data[r.idx], nil }

func (r *fakeRows) Next() bool {
	r.idx++
	return r.idx < len(r.data)
}

func (r *fakeRows) Scan(dest ...any) error {
	row := r.data[r.idx]
	if len(dest) != len(row) {
		return fmt.Errorf("scan: %d columns into %d targets", len(row), len(dest))
	}
	for i, d := range dest {
		switch p := d.(type) {
		case *int:
			*p = row[i].(int)
		case *string:
			*p = row[i].(string)
		case *json.RawMessage:
			*p = row[i].(json.RawMessage)
		case *time.Time:
			*p = row[i].(time.Time)
		default:
			return fmt.Errorf("scan: unsupported target %T", d)
		}
	}
	return nil
}
