// Package fixed implements the fixed-point primitives shared by the vault
// engine: checked 128-bit arithmetic, exponent/decimal rebasing and the
// token <-> USD conversions built on top of it.
//
// Every settled quantity stays an integer. Values are held in
// holiman/uint256 words but are never allowed to grow past 128 bits, so an
// overflow here means the same thing it would on the original u128 ledger.
package fixed

import (
	"errors"
	"math/bits"

	"github.com/holiman/uint256"
)

const (
	// BasisPointsDivisor is the denominator of every bps quantity.
	BasisPointsDivisor = 10_000

	// QuoteTokenDecimals is the decimal count of the USD quote token.
	QuoteTokenDecimals int32 = 6

	// OraclePriceTargetExponent is the exponent every oracle price is
	// normalized to. It is large so that very small prices keep precision.
	OraclePriceTargetExponent int32 = -10

	// USDConversionTargetExponent is the exponent of a USD amount produced by
	// TokenToUSD.
	USDConversionTargetExponent int32 = 0
)

var (
	// ErrArithmeticOverflow is returned when a result does not fit in 128 bits.
	ErrArithmeticOverflow = errors.New("fixed: arithmetic overflow")

	// ErrArithmeticUnderflow is returned when a subtraction would go below zero.
	ErrArithmeticUnderflow = errors.New("fixed: arithmetic underflow")

	// ErrDivideByZero is returned for a zero divisor.
	ErrDivideByZero = errors.New("fixed: division by zero")

	// ErrInvalidAveragePrice is returned when a weighted average price does
	// not fit in 64 bits.
	ErrInvalidAveragePrice = errors.New("fixed: resulting average price is invalid")

	// ErrInvalidPrice is returned for NaN, infinite or negative float prices.
	ErrInvalidPrice = errors.New("fixed: price must be a finite non-negative value")
)

// maxBits is the width of every stored quantity.
const maxBits = 128

// U64 lifts a uint64 into a 128-bit word.
func U64(v uint64) uint256.Int {
	var z uint256.Int
	z.SetUint64(v)
	return z
}

// Parse reads a base-10 string into a 128-bit word.
func Parse(s string) (uint256.Int, error) {
	z, err := uint256.FromDecimal(s)
	if err != nil {
		return uint256.Int{}, err
	}
	if z.BitLen() > maxBits {
		return uint256.Int{}, ErrArithmeticOverflow
	}
	return *z, nil
}

// Add returns x + y.
func Add(x, y uint256.Int) (uint256.Int, error) {
	var z uint256.Int
	if _, overflow := z.AddOverflow(&x, &y); overflow || z.BitLen() > maxBits {
		return uint256.Int{}, ErrArithmeticOverflow
	}
	return z, nil
}

// Sub returns x - y. Going below zero is an error, never a clamp.
func Sub(x, y uint256.Int) (uint256.Int, error) {
	var z uint256.Int
	if _, underflow := z.SubOverflow(&x, &y); underflow {
		return uint256.Int{}, ErrArithmeticUnderflow
	}
	return z, nil
}

// Mul returns x * y.
func Mul(x, y uint256.Int) (uint256.Int, error) {
	var z uint256.Int
	if _, overflow := z.MulOverflow(&x, &y); overflow || z.BitLen() > maxBits {
		return uint256.Int{}, ErrArithmeticOverflow
	}
	return z, nil
}

// Add64 returns x + y for settled token amounts, which live in 64 bits.
func Add64(x, y uint64) (uint64, error) {
	sum, carry := bits.Add64(x, y, 0)
	if carry != 0 {
		return 0, ErrArithmeticOverflow
	}
	return sum, nil
}

// Div returns the floor of x / y.
func Div(x, y uint256.Int) (uint256.Int, error) {
	if y.IsZero() {
		return uint256.Int{}, ErrDivideByZero
	}
	var z uint256.Int
	z.Div(&x, &y)
	return z, nil
}

// MulDiv returns floor(x * y / d) with the product checked against 128 bits.
func MulDiv(x, y, d uint256.Int) (uint256.Int, error) {
	p, err := Mul(x, y)
	if err != nil {
		return uint256.Int{}, err
	}
	return Div(p, d)
}

// ToUint64 narrows a word to 64 bits.
func ToUint64(x uint256.Int) (uint64, error) {
	if !x.IsUint64() {
		return 0, ErrArithmeticOverflow
	}
	return x.Uint64(), nil
}

// Min returns the smaller of x and y.
func Min(x, y uint256.Int) uint256.Int {
	if x.Lt(&y) {
		return x
	}
	return y
}

// pow10 returns 10^n. Anything past 10^77 does not fit in 256 bits and is
// reported as not ok.
func pow10(n int32) (uint256.Int, bool) {
	if n < 0 || n > 77 {
		return uint256.Int{}, false
	}
	z := U64(1)
	ten := U64(10)
	for i := int32(0); i < n; i++ {
		z.Mul(&z, &ten)
	}
	return z, true
}
