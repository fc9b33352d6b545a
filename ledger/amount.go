package ledger

import (
	"errors"
	"fmt"
	"math/bits"
	"strconv"
)

var (
	// ErrArithmeticOverflow signals an amount computation that would wrap,
	// go negative or divide by zero.
	ErrArithmeticOverflow = errors.New("ledger: arithmetic overflow")
	// ErrInvalidRound signals a round number outside the dispute's rounds.
	ErrInvalidRound = errors.New("ledger: invalid round")
)

// Amount is a value in the smallest unit of the escrowed asset.
type Amount uint64

func (a Amount) String() string {
	return strconv.FormatUint(uint64(a), 10)
}

func (a Amount) IsZero() bool {
	return a == 0
}

func (a Amount) Add(b Amount) (Amount, error) {
	sum, carry := bits.Add64(uint64(a), uint64(b), 0)
	if carry != 0 {
		return 0, fmt.Errorf("%w: %s + %s", ErrArithmeticOverflow, a, b)
	}
	return Amount(sum), nil
}

func (a Amount) Sub(b Amount) (Amount, error) {
	diff, borrow := bits.Sub64(uint64(a), uint64(b), 0)
	if borrow != 0 {
		return 0, fmt.Errorf("%w: %s - %s", ErrArithmeticOverflow, a, b)
	}
	return Amount(diff), nil
}

func (a Amount) Mul(b Amount) (Amount, error) {
	hi, lo := bits.Mul64(uint64(a), uint64(b))
	if hi != 0 {
		return 0, fmt.Errorf("%w: %s * %s", ErrArithmeticOverflow, a, b)
	}
	return Amount(lo), nil
}

// MulDiv returns floor(a*num/den) using a 128-bit intermediate product.
func (a Amount) MulDiv(num, den Amount) (Amount, error) {
	q, _, err := a.mulDiv(num, den)
	return q, err
}

// MulDivCeil returns ceil(a*num/den). Used where truncation must never
// round a required fee down.
func (a Amount) MulDivCeil(num, den Amount) (Amount, error) {
	q, rem, err := a.mulDiv(num, den)
	if err != nil {
		return 0, err
	}
	if rem == 0 {
		return q, nil
	}
	return q.Add(1)
}

func (a Amount) mulDiv(num, den Amount) (Amount, uint64, error) {
	if den == 0 {
		return 0, 0, fmt.Errorf("%w: division by zero", ErrArithmeticOverflow)
	}
	hi, lo := bits.Mul64(uint64(a), uint64(num))
	if hi >= uint64(den) {
		return 0, 0, fmt.Errorf("%w: %s * %s / %s", ErrArithmeticOverflow, a, num, den)
	}
	q, rem := bits.Div64(hi, lo, uint64(den))
	return Amount(q), rem, nil
}

// Min returns the smaller of a and b.
func Min(a, b Amount) Amount {
	if a < b {
		return a
	}
	return b
}

// Sum adds all amounts, failing on overflow.
func Sum(amounts ...Amount) (Amount, error) {
	var total Amount
	for _, v := range amounts {
		var err error
		if total, err = total.Add(v); err != nil {
			return 0, err
		}
	}
	return total, nil
}
