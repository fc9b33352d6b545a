package escrow

import (
	"context"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingTx answers the event sequence query and records every
// statement. Methods appendEvents does not use panic through the nil
// embedded interface.
type recordingTx struct {
	pgx.Tx
	seq   int
	execs []string
}

type seqRow struct{ seq int }

func (r seqRow) Scan(dest ...any) error {
	*dest[0].(*int) = r.seq
	return nil
}

func (t *recordingTx) QueryRow(context.Context, string, ...any) pgx.Row {
	return seqRow{seq: t.seq}
}

func (t *recordingTx) Exec(_ context.Context, sql string, _ ...any) (pgconn.CommandTag, error) {
	t.execs = append(t.execs, strings.TrimSpace(sql))
	return pgconn.CommandTag{}, nil
}

func TestAppendEvents_WritesTimelineAndOutbox(t *testing.T) {
	tx := &recordingTx{seq: 3}
	now := time.Date(2026, 4, 2, 12, 0, 0, 0, time.UTC)
	err := appendEvents(context.Background(), tx, "tx-1", []Event{
		{Type: EventFeePaid, Actor: alice, Payload: map[string]any{"side": "a"}, CreatedAt: now},
		{Type: EventHasToPayFee, CreatedAt: now},
	})
	require.NoError(t, err)
	require.Len(t, tx.execs, 4)
	assert.True(t, strings.HasPrefix(tx.execs[0], "INSERT INTO timeline_events"))
	assert.True(t, strings.HasPrefix(tx.execs[1], "INSERT INTO outbox"))
}

func TestAppendEvents_UnencodablePayloadFailsUnit(t *testing.T) {
	tx := &recordingTx{}
	err := appendEvents(context.Background(), tx, "tx-1", []Event{
		{Type: EventEvidence, Payload: map[string]any{"score": math.Inf(1)}},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "encode EVIDENCE payload")
	assert.Empty(t, tx.execs, "nothing is written for an unencodable event")
}

func TestEncodePending(t *testing.T) {
	out, err := encodePending(nil)
	require.NoError(t, err)
	assert.Nil(t, out)

	out, err = encodePending(&Pending{Kind: PendingDispute, Key: "tx-1/dispute", Fee: 20})
	require.NoError(t, err)
	require.NotNil(t, out)
	assert.Contains(t, *out, `"key":"tx-1/dispute"`)
}
