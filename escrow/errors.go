package escrow

import "errors"

var (
	ErrInvalidState        = errors.New("escrow: invalid state")
	ErrInsufficientPayment = errors.New("escrow: insufficient payment")
	ErrInsufficientBalance = errors.New("escrow: insufficient balance")
	ErrUnauthorized        = errors.New("escrow: unauthorized")
	ErrNotFound            = errors.New("escrow: not found")
	ErrTransferFailed      = errors.New("escrow: transfer failed")
	ErrValueInvariant      = errors.New("escrow: value out exceeds value in")
	ErrArbitratorPending   = errors.New("escrow: arbitrator call pending")
)
