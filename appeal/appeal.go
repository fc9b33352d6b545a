// Package appeal computes appeal stakes and records crowdfunded
// contributions into the round ledger.
package appeal

import (
	"errors"
	"fmt"
	"time"

	"escrowflow/ledger"
)

var (
	ErrZeroFee             = errors.New("appeal: zero arbitration fee")
	ErrInvalidMultipliers  = errors.New("appeal: invalid multipliers")
	ErrAlreadyFunded       = errors.New("appeal: side already funded")
	ErrNoContribution      = errors.New("appeal: zero contribution")
	ErrWindowClosed        = errors.New("appeal: funding window closed")
	ErrRoundNotFullyFunded = errors.New("appeal: round not funded by both sides")
)

// Multipliers scale the appeal cost into each side's stake. Stake for a
// side is cost + cost*multiplier/Divisor.
type Multipliers struct {
	Shared  ledger.Amount `json:"shared"`
	Winner  ledger.Amount `json:"winner"`
	Loser   ledger.Amount `json:"loser"`
	Divisor ledger.Amount `json:"divisor"`
}

// DefaultMultipliers are in basis points.
var DefaultMultipliers = Multipliers{Shared: 10_000, Winner: 10_000, Loser: 20_000, Divisor: 10_000}

func (m Multipliers) Validate() error {
	if m.Divisor == 0 {
		return fmt.Errorf("%w: zero divisor", ErrInvalidMultipliers)
	}
	return nil
}

// For picks the multiplier that applies to side given the current ruling's
// winner. A refused ruling (winner SideNone) uses the shared multiplier.
func (m Multipliers) For(side, winner ledger.Side) ledger.Amount {
	switch {
	case winner == ledger.SideNone:
		return m.Shared
	case side == winner:
		return m.Winner
	default:
		return m.Loser
	}
}

// Required returns the stake side must raise in the current round.
func (m Multipliers) Required(cost ledger.Amount, side, winner ledger.Side) (ledger.Amount, error) {
	return RequiredFee(cost, m.For(side, winner), m.Divisor)
}

// RequiredFee returns cost + ceil(cost*multiplier/divisor).
func RequiredFee(cost, multiplier, divisor ledger.Amount) (ledger.Amount, error) {
	if cost == 0 {
		return 0, ErrZeroFee
	}
	extra, err := cost.MulDivCeil(multiplier, divisor)
	if err != nil {
		return 0, err
	}
	return cost.Add(extra)
}

// Window is the arbitrator's appeal period for the current ruling.
type Window struct {
	Start time.Time
	End   time.Time
}

// Open reports whether the arbitrator published a non-empty period.
func (w Window) Open() bool {
	return !w.Start.IsZero() && w.End.After(w.Start)
}

// CanFund reports whether side may be funded at now. The loser of a
// non-refused ruling may only fund during the first half of the window.
func (w Window) CanFund(side, winner ledger.Side, now time.Time) bool {
	if !w.Open() || now.Before(w.Start) || !now.Before(w.End) {
		return false
	}
	if winner == ledger.SideNone || side == winner {
		return true
	}
	half := w.Start.Add(w.End.Sub(w.Start) / 2)
	return now.Before(half)
}

// Contribution is the outcome of a single Fund call.
type Contribution struct {
	Recorded  ledger.Amount
	Refund    ledger.Amount
	Completed bool
}

// Manager records contributions into the round book. It holds no state of
// its own; the book is owned by the caller's transaction.
type Manager struct {
	Multipliers Multipliers
}

func NewManager(m Multipliers) (*Manager, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &Manager{Multipliers: m}, nil
}

// Fund records min(value, required-paid) for side and refunds the rest.
// The first time a side reaches required it is flagged funded and its
// total is added to the round's reward pool.
func (m *Manager) Fund(book *ledger.Book, key ledger.RoundKey, side ledger.Side, contributor ledger.Address, value, required ledger.Amount) (Contribution, error) {
	if !side.Valid() {
		return Contribution{}, ledger.ErrInvalidSide
	}
	if value == 0 {
		return Contribution{}, ErrNoContribution
	}
	round, err := book.Round(key)
	if err != nil {
		return Contribution{}, err
	}
	if round.Funded[side] {
		return Contribution{}, fmt.Errorf("%w: side %s round %s", ErrAlreadyFunded, side, key)
	}

	var remaining ledger.Amount
	if round.Paid[side] < required {
		remaining = required - round.Paid[side]
	}
	recorded := ledger.Min(value, remaining)
	refund := value - recorded
	if recorded > 0 {
		if err := book.Record(key, side, contributor, recorded); err != nil {
			return Contribution{}, err
		}
	}

	out := Contribution{Recorded: recorded, Refund: refund}
	if round.Paid[side] >= required {
		pool, err := round.RewardPool.Add(round.Paid[side])
		if err != nil {
			return Contribution{}, err
		}
		round.RewardPool = pool
		round.Funded[side] = true
		out.Completed = true
	}
	return out, nil
}

// Raise closes a fully funded round: the appeal cost leaves the reward
// pool and the next round is opened.
func (m *Manager) Raise(book *ledger.Book, key ledger.RoundKey, cost ledger.Amount) (*ledger.Round, error) {
	round, err := book.Round(key)
	if err != nil {
		return nil, err
	}
	if !round.FullyFunded() {
		return nil, ErrRoundNotFullyFunded
	}
	pool, err := round.RewardPool.Sub(cost)
	if err != nil {
		return nil, err
	}
	round.RewardPool = pool
	round.Appealed = true
	return book.Open(key.DisputeID), nil
}
