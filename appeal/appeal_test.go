package appeal

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"escrowflow/ledger"
)

func TestRequiredFee(t *testing.T) {
	tests := []struct {
		name       string
		cost       ledger.Amount
		multiplier ledger.Amount
		divisor    ledger.Amount
		want       ledger.Amount
		wantErr    error
	}{
		{name: "winner", cost: 100, multiplier: 10_000, divisor: 10_000, want: 200},
		{name: "loser", cost: 100, multiplier: 20_000, divisor: 10_000, want: 300},
		{name: "rounds up", cost: 1, multiplier: 1, divisor: 10_000, want: 2},
		{name: "zero multiplier", cost: 7, multiplier: 0, divisor: 10_000, want: 7},
		{name: "zero cost", cost: 0, multiplier: 10_000, divisor: 10_000, wantErr: ErrZeroFee},
		{name: "zero divisor", cost: 1, multiplier: 1, divisor: 0, wantErr: ledger.ErrArithmeticOverflow},
		{name: "overflow", cost: ^ledger.Amount(0), multiplier: 2, divisor: 1, wantErr: ledger.ErrArithmeticOverflow},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := RequiredFee(tt.cost, tt.multiplier, tt.divisor)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestMultipliers_For(t *testing.T) {
	m := Multipliers{Shared: 1, Winner: 2, Loser: 3, Divisor: 10}
	assert.Equal(t, ledger.Amount(1), m.For(ledger.SideA, ledger.SideNone))
	assert.Equal(t, ledger.Amount(2), m.For(ledger.SideB, ledger.SideB))
	assert.Equal(t, ledger.Amount(3), m.For(ledger.SideA, ledger.SideB))
	require.ErrorIs(t, Multipliers{}.Validate(), ErrInvalidMultipliers)
	_, err := NewManager(Multipliers{Winner: 1})
	require.ErrorIs(t, err, ErrInvalidMultipliers)
}

func TestWindow_CanFund(t *testing.T) {
	start := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	w := Window{Start: start, End: start.Add(10 * time.Hour)}

	assert.False(t, w.CanFund(ledger.SideA, ledger.SideA, start.Add(-time.Second)))
	assert.True(t, w.CanFund(ledger.SideA, ledger.SideA, start))
	assert.True(t, w.CanFund(ledger.SideA, ledger.SideA, start.Add(9*time.Hour)))
	assert.False(t, w.CanFund(ledger.SideA, ledger.SideA, start.Add(10*time.Hour)))

	// loser only during the first half
	assert.True(t, w.CanFund(ledger.SideB, ledger.SideA, start.Add(5*time.Hour-time.Second)))
	assert.False(t, w.CanFund(ledger.SideB, ledger.SideA, start.Add(5*time.Hour)))

	// refused ruling: both sides for the full window
	assert.True(t, w.CanFund(ledger.SideB, ledger.SideNone, start.Add(9*time.Hour)))

	assert.False(t, Window{}.CanFund(ledger.SideA, ledger.SideNone, start))
}

func newBook(t *testing.T) (*ledger.Book, ledger.RoundKey) {
	t.Helper()
	b := ledger.NewBook()
	r := b.Open(1)
	return b, r.Key
}

func TestManager_Fund_Boundaries(t *testing.T) {
	m, err := NewManager(DefaultMultipliers)
	require.NoError(t, err)

	t.Run("exact fee completes", func(t *testing.T) {
		b, key := newBook(t)
		c, err := m.Fund(b, key, ledger.SideA, "alice", 200, 200)
		require.NoError(t, err)
		assert.Equal(t, Contribution{Recorded: 200, Completed: true}, c)
		r, _ := b.Round(key)
		assert.True(t, r.Funded[ledger.SideA])
		assert.Equal(t, ledger.Amount(200), r.RewardPool)
	})

	t.Run("one unit short does not complete", func(t *testing.T) {
		b, key := newBook(t)
		c, err := m.Fund(b, key, ledger.SideA, "alice", 199, 200)
		require.NoError(t, err)
		assert.Equal(t, Contribution{Recorded: 199}, c)
		r, _ := b.Round(key)
		assert.False(t, r.Funded[ledger.SideA])
		assert.Zero(t, r.RewardPool)
	})

	t.Run("overfunding refunds the excess", func(t *testing.T) {
		b, key := newBook(t)
		_, err := m.Fund(b, key, ledger.SideB, "carol", 150, 300)
		require.NoError(t, err)
		c, err := m.Fund(b, key, ledger.SideB, "dave", 500, 300)
		require.NoError(t, err)
		assert.Equal(t, Contribution{Recorded: 150, Refund: 350, Completed: true}, c)
		paid, err := b.TotalPaid(key, ledger.SideB)
		require.NoError(t, err)
		assert.Equal(t, ledger.Amount(300), paid)
		dave, err := b.ContributionOf(key, ledger.SideB, "dave")
		require.NoError(t, err)
		assert.Equal(t, ledger.Amount(150), dave)
	})

	t.Run("funded side rejects further funding", func(t *testing.T) {
		b, key := newBook(t)
		_, err := m.Fund(b, key, ledger.SideA, "alice", 200, 200)
		require.NoError(t, err)
		_, err = m.Fund(b, key, ledger.SideA, "bob", 1, 200)
		require.ErrorIs(t, err, ErrAlreadyFunded)
	})

	t.Run("zero value", func(t *testing.T) {
		b, key := newBook(t)
		_, err := m.Fund(b, key, ledger.SideA, "alice", 0, 200)
		require.ErrorIs(t, err, ErrNoContribution)
	})

	t.Run("unknown round", func(t *testing.T) {
		b, _ := newBook(t)
		_, err := m.Fund(b, ledger.RoundKey{DisputeID: 1, Number: 4}, ledger.SideA, "alice", 1, 200)
		require.ErrorIs(t, err, ledger.ErrInvalidRound)
	})
}

func TestManager_Raise(t *testing.T) {
	m, err := NewManager(DefaultMultipliers)
	require.NoError(t, err)
	b, key := newBook(t)

	_, err = m.Fund(b, key, ledger.SideA, "alice", 200, 200)
	require.NoError(t, err)
	_, err = m.Raise(b, key, 100)
	require.ErrorIs(t, err, ErrRoundNotFullyFunded)

	_, err = m.Fund(b, key, ledger.SideB, "bob", 300, 300)
	require.NoError(t, err)
	next, err := m.Raise(b, key, 100)
	require.NoError(t, err)

	r, _ := b.Round(key)
	assert.True(t, r.Appealed)
	assert.Equal(t, ledger.Amount(400), r.RewardPool)
	assert.Equal(t, 1, next.Key.Number)
	assert.Equal(t, 2, b.Count(1))
	require.NoError(t, b.Check())
}
