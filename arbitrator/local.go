package arbitrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"escrowflow/ledger"
)

type localStatus int

const (
	localWaiting localStatus = iota
	localAppealable
	localSolved
)

type localDispute struct {
	choices     uint
	ruling      Ruling
	status      localStatus
	periodStart time.Time
	periodEnd   time.Time
	appeals     int
	fees        ledger.Amount
}

// LocalConfig parameterises an in-process arbitrator.
type LocalConfig struct {
	Identity     ledger.Address
	Cost         ledger.Amount
	AppealCost   ledger.Amount
	AppealWindow time.Duration
	Now          func() time.Time
}

// Local is an in-process appealable arbitrator operated by a trusted
// party: the operator gives a ruling, the ruling stays appealable for
// AppealWindow, and Finalize delivers it to the arbitrable.
type Local struct {
	mu         sync.Mutex
	cfg        LocalConfig
	disputes   map[ledger.DisputeID]*localDispute
	created    map[string]ledger.DisputeID
	appealed   map[string]bool
	nextID     ledger.DisputeID
	arbitrable Arbitrable
}

func NewLocal(cfg LocalConfig) *Local {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Local{
		cfg:      cfg,
		disputes: make(map[ledger.DisputeID]*localDispute),
		created:  make(map[string]ledger.DisputeID),
		appealed: make(map[string]bool),
		nextID:   1,
	}
}

// Bind sets the contract receiving final rulings.
func (l *Local) Bind(a Arbitrable) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.arbitrable = a
}

func (l *Local) Identity() ledger.Address {
	return l.cfg.Identity
}

// SetCost changes the arbitration cost quoted to new disputes.
func (l *Local) SetCost(cost ledger.Amount) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cfg.Cost = cost
}

func (l *Local) SetAppealCost(cost ledger.Amount) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cfg.AppealCost = cost
}

func (l *Local) ArbitrationCost(context.Context, []byte) (ledger.Amount, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cfg.Cost, nil
}

func (l *Local) CreateDispute(_ context.Context, key string, choices uint, _ []byte, fee ledger.Amount) (ledger.DisputeID, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if id, ok := l.created[key]; ok && key != "" {
		return id, nil
	}
	if fee < l.cfg.Cost {
		return 0, fmt.Errorf("%w: paid %s, cost %s", ErrInsufficientFee, fee, l.cfg.Cost)
	}
	id := l.nextID
	l.nextID++
	l.disputes[id] = &localDispute{choices: choices, fees: fee}
	if key != "" {
		l.created[key] = id
	}
	return id, nil
}

func (l *Local) AppealCost(_ context.Context, id ledger.DisputeID, _ []byte) (ledger.Amount, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	d, ok := l.disputes[id]
	if !ok {
		return 0, ErrUnknownDispute
	}
	if d.status != localAppealable {
		return 0, ErrNotAppealable
	}
	return l.cfg.AppealCost, nil
}

func (l *Local) Appeal(_ context.Context, key string, id ledger.DisputeID, _ []byte, fee ledger.Amount) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	d, ok := l.disputes[id]
	if !ok {
		return ErrUnknownDispute
	}
	if key != "" && l.appealed[key] {
		return nil
	}
	now := l.cfg.Now()
	if d.status != localAppealable || now.Before(d.periodStart) || !now.Before(d.periodEnd) {
		return ErrNotAppealable
	}
	if fee < l.cfg.AppealCost {
		return fmt.Errorf("%w: paid %s, appeal cost %s", ErrInsufficientFee, fee, l.cfg.AppealCost)
	}
	fees, err := d.fees.Add(fee)
	if err != nil {
		return err
	}
	d.status = localWaiting
	d.periodStart, d.periodEnd = time.Time{}, time.Time{}
	d.appeals++
	d.fees = fees
	if key != "" {
		l.appealed[key] = true
	}
	return nil
}

func (l *Local) AppealPeriod(_ context.Context, id ledger.DisputeID) (time.Time, time.Time, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	d, ok := l.disputes[id]
	if !ok {
		return time.Time{}, time.Time{}, ErrUnknownDispute
	}
	return d.periodStart, d.periodEnd, nil
}

func (l *Local) CurrentRuling(_ context.Context, id ledger.DisputeID) (Ruling, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	d, ok := l.disputes[id]
	if !ok {
		return 0, ErrUnknownDispute
	}
	return d.ruling, nil
}

// Appeals returns how many appeals the dispute received.
func (l *Local) Appeals(id ledger.DisputeID) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if d, ok := l.disputes[id]; ok {
		return d.appeals
	}
	return 0
}

// GiveRuling records the operator's decision and opens the appeal window.
func (l *Local) GiveRuling(_ context.Context, id ledger.DisputeID, ruling Ruling) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	d, ok := l.disputes[id]
	if !ok {
		return ErrUnknownDispute
	}
	if d.status != localWaiting {
		return fmt.Errorf("%w: dispute %d already ruled", ErrInvalidRuling, id)
	}
	if uint(ruling) > d.choices {
		return fmt.Errorf("%w: %d of %d choices", ErrInvalidRuling, ruling, d.choices)
	}
	now := l.cfg.Now()
	d.ruling = ruling
	d.status = localAppealable
	d.periodStart = now
	d.periodEnd = now.Add(l.cfg.AppealWindow)
	return nil
}

// Finalize delivers the standing ruling once the appeal window elapsed.
func (l *Local) Finalize(ctx context.Context, id ledger.DisputeID) error {
	l.mu.Lock()
	d, ok := l.disputes[id]
	if !ok {
		l.mu.Unlock()
		return ErrUnknownDispute
	}
	if d.status != localAppealable || l.cfg.Now().Before(d.periodEnd) {
		l.mu.Unlock()
		return fmt.Errorf("%w: appeal window of dispute %d still open", ErrNotAppealable, id)
	}
	target := l.arbitrable
	if target == nil {
		l.mu.Unlock()
		return fmt.Errorf("arbitrator: no arbitrable bound")
	}
	d.status = localSolved
	ruling := d.ruling
	l.mu.Unlock()

	if err := target.RuleOnDispute(ctx, id, l.cfg.Identity, ruling); err != nil {
		l.mu.Lock()
		d.status = localAppealable
		l.mu.Unlock()
		return err
	}
	return nil
}
