// Package ledger keeps the per-round appeal accounting of every dispute:
// how much each side paid, who contributed it, and whether the side
// completed its required fee. It never moves value itself.
package ledger

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
)

var ErrInvalidSide = errors.New("ledger: invalid side")

// Address identifies a party, crowdfunder or arbitrator.
type Address string

// DisputeID is assigned by the arbitrator when a dispute is created.
type DisputeID uint64

// Side is one of the two contestable outcomes. Its numeric value matches
// the arbitrator's ruling choice for that side.
type Side uint8

const (
	SideNone Side = iota
	SideA
	SideB
)

func (s Side) Valid() bool {
	return s == SideA || s == SideB
}

// Opposite returns the other contestable side, or SideNone.
func (s Side) Opposite() Side {
	switch s {
	case SideA:
		return SideB
	case SideB:
		return SideA
	default:
		return SideNone
	}
}

func (s Side) String() string {
	switch s {
	case SideA:
		return "a"
	case SideB:
		return "b"
	default:
		return "none"
	}
}

// RoundKey indexes a round in the Book arena.
type RoundKey struct {
	DisputeID DisputeID `json:"dispute_id"`
	Number    int       `json:"number"`
}

func (k RoundKey) String() string {
	return fmt.Sprintf("%d/%d", k.DisputeID, k.Number)
}

// Round is one appeal funding window. Paid, Funded and the contribution
// arrays are indexed by Side.
type Round struct {
	Key           RoundKey              `json:"key"`
	Paid          [3]Amount             `json:"paid"`
	Funded        [3]bool               `json:"funded"`
	RewardPool    Amount                `json:"reward_pool"`
	Appealed      bool                  `json:"appealed"`
	Contributions map[Address][3]Amount `json:"contributions"`
	Withdrawn     map[Address]bool      `json:"withdrawn"`
}

func newRound(key RoundKey) *Round {
	return &Round{
		Key:           key,
		Contributions: make(map[Address][3]Amount),
		Withdrawn:     make(map[Address]bool),
	}
}

// FullyFunded reports whether both sides completed their required fee.
func (r *Round) FullyFunded() bool {
	return r.Funded[SideA] && r.Funded[SideB]
}

// Contributors returns the contributor addresses in a stable order.
func (r *Round) Contributors() []Address {
	out := make([]Address, 0, len(r.Contributions))
	for addr := range r.Contributions {
		out = append(out, addr)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (r *Round) clone() *Round {
	c := *r
	c.Contributions = make(map[Address][3]Amount, len(r.Contributions))
	for k, v := range r.Contributions {
		c.Contributions[k] = v
	}
	c.Withdrawn = make(map[Address]bool, len(r.Withdrawn))
	for k, v := range r.Withdrawn {
		c.Withdrawn[k] = v
	}
	return &c
}

// Book is the arena of rounds indexed by (dispute, round number). Each
// round owns its contributor map so disputes never alias each other.
type Book struct {
	rounds map[RoundKey]*Round
	counts map[DisputeID]int
}

func NewBook() *Book {
	return &Book{
		rounds: make(map[RoundKey]*Round),
		counts: make(map[DisputeID]int),
	}
}

// Open appends the next round for the dispute and returns it.
func (b *Book) Open(id DisputeID) *Round {
	key := RoundKey{DisputeID: id, Number: b.counts[id]}
	r := newRound(key)
	b.rounds[key] = r
	b.counts[id]++
	return r
}

// Count returns how many rounds the dispute has.
func (b *Book) Count(id DisputeID) int {
	return b.counts[id]
}

func (b *Book) Round(key RoundKey) (*Round, error) {
	r, ok := b.rounds[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrInvalidRound, key)
	}
	return r, nil
}

// Current returns the highest-numbered round of the dispute.
func (b *Book) Current(id DisputeID) (*Round, error) {
	n := b.counts[id]
	if n == 0 {
		return nil, fmt.Errorf("%w: dispute %d has no rounds", ErrInvalidRound, id)
	}
	return b.Round(RoundKey{DisputeID: id, Number: n - 1})
}

// Rounds returns the dispute's rounds ordered by number.
func (b *Book) Rounds(id DisputeID) []*Round {
	n := b.counts[id]
	out := make([]*Round, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, b.rounds[RoundKey{DisputeID: id, Number: i}])
	}
	return out
}

// Record adds a contribution for side in the round.
func (b *Book) Record(key RoundKey, side Side, contributor Address, amount Amount) error {
	if !side.Valid() {
		return ErrInvalidSide
	}
	r, err := b.Round(key)
	if err != nil {
		return err
	}
	paid, err := r.Paid[side].Add(amount)
	if err != nil {
		return err
	}
	c := r.Contributions[contributor]
	if c[side], err = c[side].Add(amount); err != nil {
		return err
	}
	r.Paid[side] = paid
	r.Contributions[contributor] = c
	return nil
}

// Unrecord removes a contribution previously recorded for side. A
// contributor left with nothing in the round is dropped from it.
func (b *Book) Unrecord(key RoundKey, side Side, contributor Address, amount Amount) error {
	if !side.Valid() {
		return ErrInvalidSide
	}
	r, err := b.Round(key)
	if err != nil {
		return err
	}
	c, ok := r.Contributions[contributor]
	if !ok {
		return fmt.Errorf("ledger: round %s: no contribution from %s", key, contributor)
	}
	if c[side], err = c[side].Sub(amount); err != nil {
		return err
	}
	paid, err := r.Paid[side].Sub(amount)
	if err != nil {
		return err
	}
	r.Paid[side] = paid
	if c[SideA] == 0 && c[SideB] == 0 {
		delete(r.Contributions, contributor)
		return nil
	}
	r.Contributions[contributor] = c
	return nil
}

func (b *Book) TotalPaid(key RoundKey, side Side) (Amount, error) {
	if !side.Valid() {
		return 0, ErrInvalidSide
	}
	r, err := b.Round(key)
	if err != nil {
		return 0, err
	}
	return r.Paid[side], nil
}

func (b *Book) ContributionOf(key RoundKey, side Side, contributor Address) (Amount, error) {
	if !side.Valid() {
		return 0, ErrInvalidSide
	}
	r, err := b.Round(key)
	if err != nil {
		return 0, err
	}
	return r.Contributions[contributor][side], nil
}

// Check verifies that every round's paid totals equal the sum of its
// contributions.
func (b *Book) Check() error {
	for key, r := range b.rounds {
		for _, side := range []Side{SideA, SideB} {
			var sum Amount
			for _, c := range r.Contributions {
				var err error
				if sum, err = sum.Add(c[side]); err != nil {
					return err
				}
			}
			if sum != r.Paid[side] {
				return fmt.Errorf("ledger: round %s side %s paid %s but contributions sum to %s", key, side, r.Paid[side], sum)
			}
		}
	}
	return nil
}

func (b *Book) Clone() *Book {
	c := NewBook()
	for k, r := range b.rounds {
		c.rounds[k] = r.clone()
	}
	for k, n := range b.counts {
		c.counts[k] = n
	}
	return c
}

// Put inserts a round loaded from storage.
func (b *Book) Put(r *Round) {
	if r.Contributions == nil {
		r.Contributions = make(map[Address][3]Amount)
	}
	if r.Withdrawn == nil {
		r.Withdrawn = make(map[Address]bool)
	}
	b.rounds[r.Key] = r
	if r.Key.Number+1 > b.counts[r.Key.DisputeID] {
		b.counts[r.Key.DisputeID] = r.Key.Number + 1
	}
}

func (b *Book) all() []*Round {
	out := make([]*Round, 0, len(b.rounds))
	for _, r := range b.rounds {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Key.DisputeID != out[j].Key.DisputeID {
			return out[i].Key.DisputeID < out[j].Key.DisputeID
		}
		return out[i].Key.Number < out[j].Key.Number
	})
	return out
}

func (b *Book) MarshalJSON() ([]byte, error) {
	return json.Marshal(b.all())
}

func (b *Book) UnmarshalJSON(data []byte) error {
	var rounds []*Round
	if err := json.Unmarshal(data, &rounds); err != nil {
		return err
	}
	*b = *NewBook()
	for _, r := range rounds {
		b.Put(r)
	}
	return nil
}
