package dispute

import (
	"errors"
	"testing"
	"time"

	"escrowflow/arbitrator"
	"escrowflow/ledger"
)

func TestFinalRuling(t *testing.T) {
	round := func(a, b bool) *ledger.Round {
		r := &ledger.Round{}
		r.Funded[ledger.SideA] = a
		r.Funded[ledger.SideB] = b
		return r
	}
	tests := []struct {
		name string
		raw  arbitrator.Ruling
		last *ledger.Round
		want arbitrator.Ruling
	}{
		{name: "no rounds", raw: 2, last: nil, want: 2},
		{name: "nobody funded", raw: 2, last: round(false, false), want: 2},
		{name: "only a funded overrides", raw: 2, last: round(true, false), want: 1},
		{name: "only b funded overrides refusal", raw: 0, last: round(false, true), want: 2},
		{name: "both funded keeps raw", raw: 1, last: round(true, true), want: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := FinalRuling(tt.raw, tt.last); got != tt.want {
				t.Fatalf("expected ruling %d got %d", tt.want, got)
			}
		})
	}
}

func TestDistribute(t *testing.T) {
	tests := []struct {
		pool   ledger.Amount
		ruling arbitrator.Ruling
		want   Payout
	}{
		{pool: 100, ruling: 1, want: Payout{A: 100}},
		{pool: 100, ruling: 2, want: Payout{B: 100}},
		{pool: 100, ruling: 0, want: Payout{A: 50, B: 50}},
		{pool: 101, ruling: 0, want: Payout{A: 51, B: 50}},
		{pool: 0, ruling: 0, want: Payout{}},
	}
	for _, tt := range tests {
		got, err := Distribute(tt.pool, tt.ruling)
		if err != nil {
			t.Fatalf("distribute %d/%d: %v", tt.pool, tt.ruling, err)
		}
		if got != tt.want {
			t.Fatalf("distribute %d/%d: expected %+v got %+v", tt.pool, tt.ruling, tt.want, got)
		}
		if got.A+got.B != tt.pool {
			t.Fatalf("distribute %d/%d: payouts do not sum to pool", tt.pool, tt.ruling)
		}
	}

	if _, err := Distribute(10, 3); !errors.Is(err, ErrInvalidRuling) {
		t.Fatalf("expected ErrInvalidRuling got %v", err)
	}
}

func TestDispute_Resolve(t *testing.T) {
	now := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	d := New(7, "tx-1", now)

	if _, err := d.Resolve(3, nil, 1, now); !errors.Is(err, ErrInvalidRuling) {
		t.Fatalf("expected ErrInvalidRuling got %v", err)
	}
	if d.Resolved() {
		t.Fatal("rejected ruling must not resolve the dispute")
	}

	last := &ledger.Round{}
	last.Funded[ledger.SideA] = true
	final, err := d.Resolve(2, last, 3, now.Add(time.Hour))
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if final != 1 || d.Ruling != 1 {
		t.Fatalf("expected overridden ruling 1 got %d", final)
	}
	if len(d.Rulings) != 1 || d.Rulings[0] != 2 {
		t.Fatalf("expected raw ruling history [2] got %v", d.Rulings)
	}
	if d.RoundCount != 3 || d.ResolvedAt == nil {
		t.Fatalf("unexpected resolved record %+v", d)
	}

	if _, err := d.Resolve(1, nil, 3, now); !errors.Is(err, ErrAlreadyResolved) {
		t.Fatalf("expected ErrAlreadyResolved got %v", err)
	}

	c := d.Clone()
	c.Rulings[0] = 0
	if d.Rulings[0] != 2 {
		t.Fatal("clone aliases rulings")
	}
}
