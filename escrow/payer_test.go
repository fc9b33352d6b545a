package escrow

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"escrowflow/arbitrator/arbitratortest"
	"escrowflow/ledger"
)

// stubToken refuses transfers to the addresses in refused by returning
// false without an error.
type stubToken struct {
	mu       sync.Mutex
	refused  map[ledger.Address]bool
	balances map[ledger.Address]ledger.Amount
	err      error
}

func newStubToken() *stubToken {
	return &stubToken{refused: make(map[ledger.Address]bool), balances: make(map[ledger.Address]ledger.Amount)}
}

func (s *stubToken) Refuse(addr ledger.Address, refuse bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refused[addr] = refuse
}

func (s *stubToken) Balance(addr ledger.Address) ledger.Amount {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.balances[addr]
}

func (s *stubToken) Transfer(_ context.Context, to ledger.Address, amount ledger.Amount) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return false, s.err
	}
	if s.refused[to] {
		return false, nil
	}
	s.balances[to] += amount
	return true, nil
}

func TestTokenPayer_Transfer(t *testing.T) {
	ctx := context.Background()
	token := newStubToken()
	payer := TokenPayer{Token: token}

	require.NoError(t, payer.Transfer(ctx, alice, 5))
	assert.Equal(t, ledger.Amount(5), token.Balance(alice))

	token.Refuse(bob, true)
	require.ErrorIs(t, payer.Transfer(ctx, bob, 5), ErrTransferFailed)
	assert.Zero(t, token.Balance(bob))

	errDown := errors.New("token node down")
	token.err = errDown
	err := payer.Transfer(ctx, alice, 5)
	require.ErrorIs(t, err, ErrTransferFailed)
	require.ErrorIs(t, err, errDown)
}

func TestTokenPayer_RefusalIsCompensated(t *testing.T) {
	token := newStubToken()
	engine, err := NewEngine(NewMemoryStore(), arbitratortest.NewFixedPrice(20, 100), TokenPayer{Token: token}, Config{
		ArbitratorIdentity: court,
		FeeTimeout:         time.Hour,
		PaymentTimeout:     time.Hour,
	})
	require.NoError(t, err)
	ctx := context.Background()

	tx, err := engine.Create(ctx, CreateParams{PartyA: alice, PartyB: bob, Value: 1000})
	require.NoError(t, err)

	token.Refuse(bob, true)
	_, err = engine.Pay(ctx, tx.ID, alice, 400)
	require.ErrorIs(t, err, ErrTransferFailed)
	tx, err = engine.Get(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.Amount(1000), tx.Balance, "refused payment restores the balance")
	assert.Zero(t, tx.Out)
	token.Refuse(bob, false)

	_, err = engine.PayArbitrationFee(ctx, tx.ID, alice, ledger.SideA, 20)
	require.NoError(t, err)
	tx, err = engine.PayArbitrationFee(ctx, tx.ID, bob, ledger.SideB, 20)
	require.NoError(t, err)
	require.Equal(t, StatusDisputeCreated, tx.Status)

	token.Refuse(alice, true)
	require.NoError(t, engine.RuleOnDispute(ctx, tx.DisputeID(), court, 1))
	tx, err = engine.Get(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusResolved, tx.Status)
	assert.Equal(t, ledger.Amount(1020), tx.Unclaimed[alice])
	assert.Zero(t, token.Balance(alice))

	token.Refuse(alice, false)
	paid, err := engine.ClaimUnclaimed(ctx, tx.ID, alice)
	require.NoError(t, err)
	assert.Equal(t, ledger.Amount(1020), paid)
	assert.Equal(t, ledger.Amount(1020), token.Balance(alice))
}
