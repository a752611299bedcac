package math

import (
	"math/big"
	"sync"
)

// PercentScale is the fixed-point scale of a percentage factor (100 = 1.00)
const PercentScale = 100

// Int128 is a pooled big.Int for intermediate calculations
var int128Pool = &sync.Pool{
	New: func() interface{} {
		return new(big.Int)
	},
}

func getInt128() *big.Int {
	return int128Pool.Get().(*big.Int)
}

func putInt128(v *big.Int) {
	v.SetInt64(0) // Clear before returning to pool
	int128Pool.Put(v)
}

type RoundingMode int

const (
	RoundDown RoundingMode = iota // Truncation (default for payouts)
	RoundHalfEven
)

// MulDiv computes a * b * c / denominator with a wide intermediate so the
// product never overflows. The division is applied once, after every
// multiplication. ok is false if the result does not fit in uint64.
func MulDiv(a, b, c, denominator uint64, roundingMode RoundingMode) (result uint64, ok bool) {
	if denominator == 0 {
		return 0, false
	}

	product := getInt128()
	factor := getInt128()
	quotient := getInt128()
	remainder := getInt128()
	defer func() {
		putInt128(product)
		putInt128(factor)
		putInt128(quotient)
		putInt128(remainder)
	}()

	product.SetUint64(a)
	product.Mul(product, factor.SetUint64(b))
	product.Mul(product, factor.SetUint64(c))

	denom := factor.SetUint64(denominator)
	quotient.QuoRem(product, denom, remainder)

	if roundingMode == RoundHalfEven && remainder.Sign() != 0 {
		// Banker's rounding: compare 2*remainder against the denominator
		remainder.Lsh(remainder, 1)
		cmp := remainder.Cmp(denom)
		if cmp > 0 || (cmp == 0 && quotient.Bit(0) == 1) {
			quotient.Add(quotient, big.NewInt(1))
		}
	}

	if !quotient.IsUint64() {
		return 0, false
	}
	return quotient.Uint64(), true
}
