package escrow

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"escrowflow/arbitrator/arbitratortest"
	"escrowflow/ledger"
)

func TestPebbleStore_DisputeLifecycle(t *testing.T) {
	store, err := NewPebbleStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	arb := arbitratortest.NewFixedPrice(20, 100)
	payer := NewAccountPayer()
	engine, err := NewEngine(store, arb, payer, Config{ArbitratorIdentity: court, FeeTimeout: time.Hour, PaymentTimeout: time.Hour})
	require.NoError(t, err)
	now := time.Date(2026, 4, 2, 12, 0, 0, 0, time.UTC)
	engine.WithClock(func() time.Time { return now })
	ctx := context.Background()

	tx, err := engine.Create(ctx, CreateParams{PartyA: alice, PartyB: bob, Value: 1000})
	require.NoError(t, err)
	_, err = engine.PayArbitrationFee(ctx, tx.ID, alice, ledger.SideA, 20)
	require.NoError(t, err)
	tx, err = engine.PayArbitrationFee(ctx, tx.ID, bob, ledger.SideB, 20)
	require.NoError(t, err)
	id := tx.DisputeID()

	arb.SetRuling(id, 1, now, now.Add(4*time.Hour))
	_, err = engine.FundAppeal(ctx, tx.ID, carol, ledger.SideB, 120)
	require.NoError(t, err)

	found, err := store.FindByDispute(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, tx.ID, found)

	loaded, err := store.Get(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusDisputeCreated, loaded.Status)
	contribution, err := loaded.Rounds.ContributionOf(ledger.RoundKey{DisputeID: id}, ledger.SideB, carol)
	require.NoError(t, err)
	assert.Equal(t, ledger.Amount(120), contribution)
	assert.Equal(t, int64(3), loaded.Version)

	require.NoError(t, engine.RuleOnDispute(ctx, id, court, 1))
	loaded, err = store.Get(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusResolved, loaded.Status)
	assert.Equal(t, ledger.Amount(1020), payer.Balance(alice))
	assert.Equal(t, ledger.Amount(120), loaded.Held())

	events, err := store.Events(ctx, tx.ID)
	require.NoError(t, err)
	require.NotEmpty(t, events)
	for i, ev := range events {
		assert.Equal(t, i+1, ev.Seq)
		assert.Equal(t, tx.ID, ev.TransactionID)
	}
	assert.Equal(t, EventRuling, events[len(events)-1].Type)

	list, err := store.List(ctx, alice, "")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, id, list[0].ID)

	_, err = store.Get(ctx, "missing")
	require.ErrorIs(t, err, ErrNotFound)
	_, err = store.FindByDispute(ctx, id+1)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestPebbleStore_FailedUpdateLeavesNoTrace(t *testing.T) {
	store, err := NewPebbleStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	ctx := context.Background()

	tx := &Transaction{ID: "tx-1", PartyA: alice, PartyB: bob, Balance: 10, Locked: 10, In: 10, Status: StatusNoDispute, Rounds: ledger.NewBook()}
	require.NoError(t, store.Create(ctx, tx, []Event{{Type: EventTransactionCreated}}))
	require.Error(t, store.Create(ctx, tx, nil))

	_, err = store.Update(ctx, tx.ID, func(tx *Transaction) ([]Event, error) {
		tx.Balance = 0
		return nil, ErrInvalidState
	})
	require.ErrorIs(t, err, ErrInvalidState)

	loaded, err := store.Get(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.Amount(10), loaded.Balance)
	assert.Zero(t, loaded.Version)

	events, err := store.Events(ctx, tx.ID)
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestPebbleStore_UpdatesOnOtherTransactionsProceed(t *testing.T) {
	store, err := NewPebbleStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	ctx := context.Background()

	for _, id := range []string{"tx-1", "tx-2"} {
		tx := &Transaction{ID: id, PartyA: alice, PartyB: bob, Balance: 10, Locked: 10, In: 10, Status: StatusNoDispute, Rounds: ledger.NewBook()}
		require.NoError(t, store.Create(ctx, tx, nil))
	}

	entered := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		_, err := store.Update(ctx, "tx-1", func(tx *Transaction) ([]Event, error) {
			close(entered)
			<-release
			return nil, nil
		})
		done <- err
	}()
	<-entered

	updated, err := store.Update(ctx, "tx-2", func(tx *Transaction) ([]Event, error) {
		tx.Balance = 4
		return []Event{{Type: EventEvidence}}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, ledger.Amount(4), updated.Balance)

	held, err := store.Get(ctx, "tx-1")
	require.NoError(t, err)
	assert.Zero(t, held.Version)

	close(release)
	require.NoError(t, <-done)
	held, err = store.Get(ctx, "tx-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), held.Version)
}
