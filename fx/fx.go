// Package fx implements the multi-precision fixed-point arithmetic shared by
// every other package in the module: ray (27 decimals) for indexes, rates and
// utilization; wad (18 decimals) for prices and USD values; bps (4 decimals,
// 10 000 = 100%) for risk parameters. All arithmetic is integer-backed and
// rescaling rounds half away from zero, following the scaled-index pattern in
// the teacher's native/lending/math.go (rayMul/rayDiv/halfUp), generalized
// across precisions instead of being hard-coded to ray.
package fx

import (
	"errors"
	"math/big"
)

// Precision names a fixed-point decimal scale.
type Precision int

const (
	// Ray is the 27-decimal precision used for indexes, rates and utilization.
	Ray Precision = 27
	// Wad is the 18-decimal precision used for prices and USD values.
	Wad Precision = 18
	// Bps is the 4-decimal precision used for risk parameters (10_000 = 100%).
	Bps Precision = 4
)

// ErrDivideByZero is returned whenever a division or rescale would divide by
// zero.
var ErrDivideByZero = errors.New("fx: divide by zero")

// ErrOverflow names the overflow failure of the Math error category. No
// function in this module returns it: big.Int is arbitrary-precision and
// cannot overflow.
var ErrOverflow = errors.New("fx: overflow")

var units = map[Precision]*big.Int{
	Ray: pow10(27),
	Wad: pow10(18),
	Bps: pow10(4),
}

func pow10(n int) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(n)), nil)
}

// Unit returns 10^p as a big.Int, i.e. the value representing 1.0 at
// precision p. Arbitrary precisions outside the three named scales are
// supported for RescaleHalfUp's benefit.
func (p Precision) Unit() *big.Int {
	if u, ok := units[p]; ok {
		return new(big.Int).Set(u)
	}
	return pow10(int(p))
}

// One returns the integer representation of 1.0 at precision p.
func One(p Precision) *big.Int { return p.Unit() }

// MulHalfUp computes round_half_away_from_zero(a*b / 10^p).
func MulHalfUp(a, b *big.Int, p Precision) *big.Int {
	if a == nil || b == nil {
		return big.NewInt(0)
	}
	product := new(big.Int).Mul(a, b)
	out, err := divHalfAwayFromZero(product, p.Unit())
	if err != nil {
		// p.Unit() is always non-zero; unreachable.
		return big.NewInt(0)
	}
	return out
}

// DivHalfUp computes round_half_away_from_zero(a * 10^p / b).
func DivHalfUp(a, b *big.Int, p Precision) (*big.Int, error) {
	if a == nil {
		a = big.NewInt(0)
	}
	if b == nil || b.Sign() == 0 {
		return nil, ErrDivideByZero
	}
	numerator := new(big.Int).Mul(a, p.Unit())
	return divHalfAwayFromZero(numerator, b)
}

// RescaleHalfUp converts x from precision "from" to precision "to", rounding
// half away from zero when narrowing.
func RescaleHalfUp(x *big.Int, from, to Precision) *big.Int {
	if x == nil {
		return big.NewInt(0)
	}
	if from == to {
		return new(big.Int).Set(x)
	}
	if to > from {
		scale := pow10(int(to) - int(from))
		return new(big.Int).Mul(x, scale)
	}
	scale := pow10(int(from) - int(to))
	out, err := divHalfAwayFromZero(x, scale)
	if err != nil {
		return big.NewInt(0)
	}
	return out
}

// DivScalarHalfUp divides x by the plain integer n, rounding half away from
// zero. Used where the divisor is a small scalar (e.g. a Taylor-series
// factorial) rather than a fixed-point value at some precision.
func DivScalarHalfUp(x *big.Int, n int64) *big.Int {
	out, err := divHalfAwayFromZero(x, big.NewInt(n))
	if err != nil {
		return big.NewInt(0)
	}
	return out
}

// divHalfAwayFromZero computes round_half_away_from_zero(num/den) using
// truncating big.Int.QuoRem (which already truncates toward zero) and then
// nudging the quotient outward by one when the remainder is at least half of
// the divisor in magnitude. -1.5 rounds to -2, matching the signed variant
// spec.md §4.1 requires.
func divHalfAwayFromZero(num, den *big.Int) (*big.Int, error) {
	if den.Sign() == 0 {
		return nil, ErrDivideByZero
	}
	q, r := new(big.Int).QuoRem(num, den, new(big.Int))
	if r.Sign() == 0 {
		return q, nil
	}
	twiceR := new(big.Int).Abs(r)
	twiceR.Lsh(twiceR, 1)
	absDen := new(big.Int).Abs(den)
	if twiceR.Cmp(absDen) >= 0 {
		if (num.Sign() < 0) != (den.Sign() < 0) {
			q.Sub(q, big.NewInt(1))
		} else {
			q.Add(q, big.NewInt(1))
		}
	}
	return q, nil
}

// taylorDivisors holds the incremental divisor applied at each of the 5
// Taylor steps: term_{i+1} = term_i * x / (i+1), which builds up x^n/n!
// without computing factorials directly.
var taylorDivisors = [5]int64{1, 2, 3, 4, 5}

// ExpTaylor returns the fixed 5-term Taylor expansion of e^x at precision p:
// 1 + x + x^2/2! + x^3/3! + x^4/4! + x^5/5!. The caller must guarantee x is
// non-negative and small enough that the truncation error at 5 terms is
// acceptable (spec.md §4.1 and §9 document the bound: the per-transaction
// x = rate_per_ms * elapsed_ms stays small because protocol rates and the
// accrual cadence are bounded; callers with unboundedly large elapsed time
// must split Δt into capped chunks and call ExpTaylor repeatedly).
func ExpTaylor(x *big.Int, p Precision) *big.Int {
	unit := p.Unit()
	if x == nil || x.Sign() < 0 {
		return new(big.Int).Set(unit)
	}
	sum := new(big.Int).Set(unit)
	term := new(big.Int).Set(unit) // x^0/0! = 1
	for i := 0; i < 5; i++ {
		term = MulHalfUp(term, x, p)
		term = DivScalarHalfUp(term, taylorDivisors[i])
		sum.Add(sum, term)
	}
	return sum
}
