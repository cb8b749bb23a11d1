// Package rate implements the three-segment piecewise-linear borrow rate
// model and its deposit-rate derivation (spec.md §4.2). It generalizes the
// teacher's two-segment kinked InterestModel (native/lending/interest.go) to
// the three-segment curve the spec requires, while keeping the same
// "utilization drives an annualized rate, which is then converted to a
// per-step factor" shape.
package rate

import (
	"math/big"

	"lendcore/fx"
)

// MsPerYear is the number of milliseconds in the reference year used to
// annualize rates, per spec.md §4.2.
const MsPerYear = 31_556_926_000

// Model holds the three-segment curve parameters, all expressed in ray.
type Model struct {
	MaxBorrowRate      *big.Int
	BaseBorrowRate     *big.Int
	Slope1             *big.Int
	Slope2             *big.Int
	Slope3             *big.Int
	MidUtilization     *big.Int
	OptimalUtilization *big.Int
}

// Utilization computes u = totalScaledBorrowed*borrowIndex /
// (totalScaledSupplied*supplyIndex), returning 0 (ray) when supplied or
// borrowed is zero.
func Utilization(totalScaledBorrowed, borrowIndex, totalScaledSupplied, supplyIndex *big.Int) *big.Int {
	if totalScaledBorrowed == nil || totalScaledBorrowed.Sign() == 0 {
		return big.NewInt(0)
	}
	if totalScaledSupplied == nil || totalScaledSupplied.Sign() == 0 {
		return big.NewInt(0)
	}
	borrowed := fx.MulHalfUp(totalScaledBorrowed, borrowIndex, fx.Ray)
	supplied := fx.MulHalfUp(totalScaledSupplied, supplyIndex, fx.Ray)
	if supplied.Sign() == 0 {
		return big.NewInt(0)
	}
	u, err := fx.DivHalfUp(borrowed, supplied, fx.Ray)
	if err != nil {
		return big.NewInt(0)
	}
	return u
}

// BorrowRateAnnual evaluates the three-segment piecewise-linear curve at
// utilization u and clamps the result to MaxBorrowRate.
func (m Model) BorrowRateAnnual(u *big.Int) *big.Int {
	rate := new(big.Int).Set(m.BaseBorrowRate)

	switch {
	case u.Cmp(m.MidUtilization) < 0:
		// base + u*slope1/mid
		incr, _ := fx.DivHalfUp(fx.MulHalfUp(u, m.Slope1, fx.Ray), m.MidUtilization, fx.Ray)
		rate.Add(rate, incr)
	case u.Cmp(m.OptimalUtilization) < 0:
		// base + slope1 + (u-mid)*slope2/(optimal-mid)
		rate.Add(rate, m.Slope1)
		span := new(big.Int).Sub(m.OptimalUtilization, m.MidUtilization)
		delta := new(big.Int).Sub(u, m.MidUtilization)
		incr, _ := fx.DivHalfUp(fx.MulHalfUp(delta, m.Slope2, fx.Ray), span, fx.Ray)
		rate.Add(rate, incr)
	default:
		// base + slope1 + slope2 + (u-optimal)*slope3/(1-optimal)
		rate.Add(rate, m.Slope1)
		rate.Add(rate, m.Slope2)
		one := fx.Ray.Unit()
		span := new(big.Int).Sub(one, m.OptimalUtilization)
		delta := new(big.Int).Sub(u, m.OptimalUtilization)
		if span.Sign() > 0 {
			incr, _ := fx.DivHalfUp(fx.MulHalfUp(delta, m.Slope3, fx.Ray), span, fx.Ray)
			rate.Add(rate, incr)
		}
	}

	if rate.Cmp(m.MaxBorrowRate) > 0 {
		return new(big.Int).Set(m.MaxBorrowRate)
	}
	return rate
}

// BorrowRatePerMs converts an annualized ray rate into a per-millisecond ray
// rate.
func BorrowRatePerMs(annual *big.Int) *big.Int {
	out, err := fx.DivHalfUp(annual, big.NewInt(MsPerYear), fx.Ray)
	if err != nil {
		return big.NewInt(0)
	}
	return out
}

// DepositRatePerMs derives the per-millisecond supplier rate:
// u * borrowRatePerMs * (1 - reserveFactor). Returns 0 when u is 0.
func DepositRatePerMs(u, borrowRatePerMs *big.Int, reserveFactorBps uint64) *big.Int {
	if u == nil || u.Sign() == 0 {
		return big.NewInt(0)
	}
	reserveFactorRay := fx.RescaleHalfUp(big.NewInt(int64(reserveFactorBps)), fx.Bps, fx.Ray)
	oneMinusReserve := new(big.Int).Sub(fx.Ray.Unit(), reserveFactorRay)
	if oneMinusReserve.Sign() < 0 {
		oneMinusReserve.SetInt64(0)
	}
	depositRate := fx.MulHalfUp(u, borrowRatePerMs, fx.Ray)
	depositRate = fx.MulHalfUp(depositRate, oneMinusReserve, fx.Ray)
	return depositRate
}
