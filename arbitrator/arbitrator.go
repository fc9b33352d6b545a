// Package arbitrator defines the capability the escrow consumes from an
// external arbitration service, plus the implementations wired by the API.
package arbitrator

import (
	"context"
	"errors"
	"time"

	"escrowflow/ledger"
)

var (
	ErrUnknownDispute  = errors.New("arbitrator: unknown dispute")
	ErrInsufficientFee = errors.New("arbitrator: insufficient fee")
	ErrNotAppealable   = errors.New("arbitrator: dispute not appealable")
	ErrInvalidRuling   = errors.New("arbitrator: invalid ruling")
)

// Ruling is a choice among a dispute's options. Zero is reserved for
// "refuse to rule".
type Ruling uint

const RefusedToRule Ruling = 0

// Side maps a ruling onto the side it favours.
func (r Ruling) Side() ledger.Side {
	switch ledger.Side(r) {
	case ledger.SideA:
		return ledger.SideA
	case ledger.SideB:
		return ledger.SideB
	default:
		return ledger.SideNone
	}
}

// RulingFor is the inverse of Ruling.Side.
func RulingFor(side ledger.Side) Ruling {
	if !side.Valid() {
		return RefusedToRule
	}
	return Ruling(side)
}

// Arbitrator is the external service rendering rulings. Payable calls
// receive the fee they are paid with and an idempotency key: repeating a
// call with a key the arbitrator already accepted returns the first result
// without charging again.
type Arbitrator interface {
	ArbitrationCost(ctx context.Context, extraData []byte) (ledger.Amount, error)
	CreateDispute(ctx context.Context, key string, choices uint, extraData []byte, fee ledger.Amount) (ledger.DisputeID, error)
	AppealCost(ctx context.Context, id ledger.DisputeID, extraData []byte) (ledger.Amount, error)
	Appeal(ctx context.Context, key string, id ledger.DisputeID, extraData []byte, fee ledger.Amount) error
	AppealPeriod(ctx context.Context, id ledger.DisputeID) (start, end time.Time, err error)
	CurrentRuling(ctx context.Context, id ledger.DisputeID) (Ruling, error)
}

// Rejected reports whether err is a definitive refusal by the arbitrator,
// as opposed to a failure that leaves the outcome of the call unknown.
func Rejected(err error) bool {
	return errors.Is(err, ErrInsufficientFee) || errors.Is(err, ErrNotAppealable) ||
		errors.Is(err, ErrUnknownDispute) || errors.Is(err, ErrInvalidRuling)
}

// Arbitrable receives final rulings from an arbitrator.
type Arbitrable interface {
	RuleOnDispute(ctx context.Context, id ledger.DisputeID, caller ledger.Address, ruling Ruling) error
}
