package dispute

import (
	"errors"
	"fmt"
	"time"

	"escrowflow/arbitrator"
	"escrowflow/ledger"
)

var (
	ErrAlreadyResolved = errors.New("dispute: already resolved")
	ErrInvalidRuling   = errors.New("dispute: ruling out of range")
)

// FinalRuling applies the appeal override: when exactly one side funded the
// last round the other side forfeited, so the funded side wins regardless
// of the arbitrator's ruling.
func FinalRuling(raw arbitrator.Ruling, last *ledger.Round) arbitrator.Ruling {
	if last == nil {
		return raw
	}
	a, b := last.Funded[ledger.SideA], last.Funded[ledger.SideB]
	switch {
	case a && !b:
		return arbitrator.RulingFor(ledger.SideA)
	case b && !a:
		return arbitrator.RulingFor(ledger.SideB)
	default:
		return raw
	}
}

// Payout is what each party receives from the disputed pool.
type Payout struct {
	A ledger.Amount
	B ledger.Amount
}

// Distribute splits the pool: the winner takes all, a refusal splits it
// equally with the odd unit going to party A.
func Distribute(pool ledger.Amount, ruling arbitrator.Ruling) (Payout, error) {
	switch ruling.Side() {
	case ledger.SideA:
		return Payout{A: pool}, nil
	case ledger.SideB:
		return Payout{B: pool}, nil
	}
	if ruling != arbitrator.RefusedToRule {
		return Payout{}, fmt.Errorf("%w: %d", ErrInvalidRuling, ruling)
	}
	half := pool / 2
	return Payout{A: pool - half, B: half}, nil
}

// Resolve records the arbitrator's raw ruling and the final ruling after
// the appeal override.
func (d *Dispute) Resolve(raw arbitrator.Ruling, last *ledger.Round, rounds int, now time.Time) (arbitrator.Ruling, error) {
	if d.Resolved() {
		return 0, ErrAlreadyResolved
	}
	if uint(raw) > d.Choices {
		return 0, fmt.Errorf("%w: %d of %d choices", ErrInvalidRuling, raw, d.Choices)
	}
	final := FinalRuling(raw, last)
	d.Rulings = append(d.Rulings, raw)
	d.Ruling = final
	d.Status = StatusResolved
	d.RoundCount = rounds
	d.ResolvedAt = &now
	return final, nil
}
