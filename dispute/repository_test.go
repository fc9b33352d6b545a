package dispute

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

func TestRepository_ListFiltersByTransaction(t *testing.T) {
	created := time.Date(2026, 4, 2, 10, 0, 0, 0, time.UTC)
	q := &fakeQuerier{rows: [][]any{
		{int64(9), "tx-9", "resolved", int32(2), 3, created, &created},
	}}
	svc := NewService(NewRepository(q))

	out, err := svc.List(context.Background(), "alice", "tx-9")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(out) != 1 {
		t.Fatalf("expected 1 dispute got %d", len(out))
	}
	got := out[0]
	if got.ID != 9 || got.TransactionID != "tx-9" || got.Status != StatusResolved || got.Ruling != 2 || got.RoundCount != 3 {
		t.Fatalf("unexpected summary %+v", got)
	}
	if !strings.Contains(q.sql, "d.transaction_id = $2") {
		t.Errorf("expected transaction filter in query")
	}
	if len(q.args) != 2 || q.args[0] != "alice" || q.args[1] != "tx-9" {
		t.Errorf("unexpected args %v", q.args)
	}
}

func TestRepository_ListPropagatesErrors(t *testing.T) {
	boom := errors.New("boom")
	repo := NewRepository(&fakeQuerier{err: boom})
	if _, err := repo.List(context.Background(), "alice", ""); !errors.Is(err, boom) {
		t.Fatalf("expected wrapped query error got %v", err)
	}
}

type fakeQuerier struct {
	rows [][]any
	err  error
	sql  string
	args []any
}

func (f *fakeQuerier) Query(_ context.Context, sql string, args ...any) (pgx.Rows, error) {
	f.sql = sql
	f.args = args
	if f.err != nil {
		return nil, f.err
	}
	return &fakeRows{data: f.rows, idx: -1}, nil
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
		case *int64:
			*p = row[i].(int64)
		case *int32:
			*p = row[i].(int32)
		case *int:
			*p = row[i].(int)
		case *string:
			*p = row[i].(string)
		case *Status:
			*p = Status(row[i].(string))
		case *time.Time:
			*p = row[i].(time.Time)
		case **time.Time:
			*p = row[i].(*time.Time)
		default:
			return fmt.Errorf("scan: unsupported target %T", d)
		}
	}
	return nil
}
