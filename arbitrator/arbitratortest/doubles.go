// Package arbitratortest provides arbitrator doubles for engine tests.
package arbitratortest

import (
	"context"
	"errors"
	"sync"
	"time"

	"escrowflow/arbitrator"
	"escrowflow/ledger"
)

// FixedPrice quotes constant costs and lets the test script rulings and
// appeal periods directly.
type FixedPrice struct {
	mu         sync.Mutex
	Cost       ledger.Amount
	AppealFee  ledger.Amount
	FailCreate error
	FailAppeal error

	nextID   ledger.DisputeID
	rulings  map[ledger.DisputeID]arbitrator.Ruling
	periods  map[ledger.DisputeID][2]time.Time
	created  []ledger.Amount
	appealed map[ledger.DisputeID][]ledger.Amount
	keys     map[string]ledger.DisputeID
	appeals  map[string]bool
}

var _ arbitrator.Arbitrator = (*FixedPrice)(nil)

func NewFixedPrice(cost, appealFee ledger.Amount) *FixedPrice {
	return &FixedPrice{
		Cost:      cost,
		AppealFee: appealFee,
		nextID:    1,
		rulings:   make(map[ledger.DisputeID]arbitrator.Ruling),
		periods:   make(map[ledger.DisputeID][2]time.Time),
		appealed:  make(map[ledger.DisputeID][]ledger.Amount),
		keys:      make(map[string]ledger.DisputeID),
		appeals:   make(map[string]bool),
	}
}

func (f *FixedPrice) ArbitrationCost(context.Context, []byte) (ledger.Amount, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Cost, nil
}

func (f *FixedPrice) CreateDispute(_ context.Context, key string, _ uint, _ []byte, fee ledger.Amount) (ledger.DisputeID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailCreate != nil {
		return 0, f.FailCreate
	}
	if fee < f.Cost {
		return 0, arbitrator.ErrInsufficientFee
	}
	return f.create(key, fee), nil
}

// create records a paid dispute once per key. Callers hold f.mu.
func (f *FixedPrice) create(key string, fee ledger.Amount) ledger.DisputeID {
	if id, ok := f.keys[key]; ok {
		return id
	}
	id := f.nextID
	f.nextID++
	f.created = append(f.created, fee)
	f.keys[key] = id
	return id
}

func (f *FixedPrice) AppealCost(context.Context, ledger.DisputeID, []byte) (ledger.Amount, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.AppealFee, nil
}

func (f *FixedPrice) Appeal(_ context.Context, key string, id ledger.DisputeID, _ []byte, fee ledger.Amount) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailAppeal != nil {
		return f.FailAppeal
	}
	if f.appeals[key] {
		return nil
	}
	if fee < f.AppealFee {
		return arbitrator.ErrInsufficientFee
	}
	f.appeals[key] = true
	f.appealed[id] = append(f.appealed[id], fee)
	f.periods[id] = [2]time.Time{}
	return nil
}

func (f *FixedPrice) AppealPeriod(_ context.Context, id ledger.DisputeID) (time.Time, time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p := f.periods[id]
	return p[0], p[1], nil
}

func (f *FixedPrice) CurrentRuling(_ context.Context, id ledger.DisputeID) (arbitrator.Ruling, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rulings[id], nil
}

// SetCost changes the arbitration quote.
func (f *FixedPrice) SetCost(cost ledger.Amount) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Cost = cost
}

// SetRuling scripts the current ruling and its appeal period.
func (f *FixedPrice) SetRuling(id ledger.DisputeID, ruling arbitrator.Ruling, start, end time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rulings[id] = ruling
	f.periods[id] = [2]time.Time{start, end}
}

// Created returns the fees paid for each created dispute.
func (f *FixedPrice) Created() []ledger.Amount {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]ledger.Amount(nil), f.created...)
}

// Appeals returns the fees paid for each appeal of the dispute.
func (f *FixedPrice) Appeals(id ledger.DisputeID) []ledger.Amount {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]ledger.Amount(nil), f.appealed[id]...)
}

// Escalating raises its arbitration quote by Step after every quote.
type Escalating struct {
	*FixedPrice
	Step      ledger.Amount
	lastQuote ledger.Amount
}

func NewEscalating(start, step, appealFee ledger.Amount) *Escalating {
	return &Escalating{FixedPrice: NewFixedPrice(start, appealFee), Step: step}
}

func (e *Escalating) ArbitrationCost(ctx context.Context, extraData []byte) (ledger.Amount, error) {
	cost, err := e.FixedPrice.ArbitrationCost(ctx, extraData)
	if err != nil {
		return 0, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	next, err := e.Cost.Add(e.Step)
	if err != nil {
		return 0, err
	}
	e.Cost = next
	e.lastQuote = cost
	return cost, nil
}

// SetStep changes how much the quote rises after each quote.
func (e *Escalating) SetStep(step ledger.Amount) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.Step = step
}

// CreateDispute accepts the fee quoted just before the raise.
func (e *Escalating) CreateDispute(_ context.Context, key string, _ uint, _ []byte, fee ledger.Amount) (ledger.DisputeID, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.FailCreate != nil {
		return 0, e.FailCreate
	}
	if fee < e.lastQuote {
		return 0, arbitrator.ErrInsufficientFee
	}
	return e.create(key, fee), nil
}

// Appealable wraps arbitrator.Local with a settable clock.
type Appealable struct {
	*arbitrator.Local
	mu  sync.Mutex
	now time.Time
}

func NewAppealable(identity ledger.Address, cost, appealCost ledger.Amount, window time.Duration, start time.Time) *Appealable {
	a := &Appealable{now: start}
	a.Local = arbitrator.NewLocal(arbitrator.LocalConfig{
		Identity:     identity,
		Cost:         cost,
		AppealCost:   appealCost,
		AppealWindow: window,
		Now:          a.Now,
	})
	return a
}

func (a *Appealable) Now() time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.now
}

func (a *Appealable) Advance(d time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.now = a.now.Add(d)
}

// ErrUnreachable simulates a network failure towards the arbitrator.
var ErrUnreachable = errors.New("arbitratortest: arbitrator unreachable")
