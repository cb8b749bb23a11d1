// Package market implements the per-market liquidity pool: interest accrual
// over scaled balances, the snapshot-and-commit cache discipline, and the
// controller-privileged operations that mutate a market (supply, withdraw,
// borrow, repay, flash loan, rewards, seizure, revenue claim). It generalizes
// the teacher's native/lending.Engine (a single hard-coded NHB/ZNHB market)
// into a multi-asset, multi-market engine driven by the three-segment rate
// model in rate and the fixed-point primitives in fx.
package market

import (
	"fmt"
	"math/big"

	lendcoreerrors "lendcore/core/errors"
	"lendcore/fx"
)

// Params is the immutable-between-updates configuration of a market
// (spec.md §3 MarketParams).
type Params struct {
	Asset              string
	AssetDecimals      uint8
	MaxBorrowRate      *big.Int // ray
	BaseBorrowRate     *big.Int // ray
	Slope1             *big.Int // ray
	Slope2             *big.Int // ray
	Slope3             *big.Int // ray
	MidUtilization     *big.Int // ray
	OptimalUtilization *big.Int // ray
	ReserveFactorBps   uint64
	FlashLoanFeeBps    uint64
	FlashLoanEnabled   bool
	// MaxOriginationFeeBps bounds the optional borrow origination fee
	// (supplemental feature grounded in the teacher's developer-fee stream,
	// SPEC_FULL.md §4).
	MaxOriginationFeeBps uint64
}

// Clone returns a deep copy of Params.
func (p Params) Clone() Params {
	clone := p
	clone.MaxBorrowRate = cloneInt(p.MaxBorrowRate)
	clone.BaseBorrowRate = cloneInt(p.BaseBorrowRate)
	clone.Slope1 = cloneInt(p.Slope1)
	clone.Slope2 = cloneInt(p.Slope2)
	clone.Slope3 = cloneInt(p.Slope3)
	clone.MidUtilization = cloneInt(p.MidUtilization)
	clone.OptimalUtilization = cloneInt(p.OptimalUtilization)
	return clone
}

func cloneInt(x *big.Int) *big.Int {
	if x == nil {
		return nil
	}
	return new(big.Int).Set(x)
}

// Validate checks the bound invariants of spec.md §3: base ≤ max,
// 0 < mid < optimal < 1 ray, reserve_factor < 1 bps-equivalent.
func (p Params) Validate() error {
	one := fx.Ray.Unit()
	if p.BaseBorrowRate == nil || p.MaxBorrowRate == nil || p.BaseBorrowRate.Cmp(p.MaxBorrowRate) > 0 {
		return errInvalidParamf("base_borrow_rate must be <= max_borrow_rate")
	}
	if p.MidUtilization == nil || p.OptimalUtilization == nil {
		return errInvalidParamf("mid/optimal utilization required")
	}
	if p.MidUtilization.Sign() <= 0 || p.MidUtilization.Cmp(p.OptimalUtilization) >= 0 {
		return errInvalidParamf("0 < mid_utilization < optimal_utilization required")
	}
	if p.OptimalUtilization.Cmp(one) >= 0 {
		return errInvalidParamf("optimal_utilization must be < 1 ray")
	}
	if p.ReserveFactorBps >= uint64(fx.Bps.Unit().Int64()) {
		return errInvalidParamf("reserve_factor must be < 1")
	}
	return nil
}

// State is the mutable per-market ledger (spec.md §3 MarketState). The
// flash-loan reentrancy flag is transaction-scoped controller state, not
// part of this persisted record (spec.md §5).
type State struct {
	BorrowIndex            *big.Int // ray, >= 1 ray, monotone non-decreasing
	SupplyIndex            *big.Int // ray, >= epsilon
	TotalScaledSupplied    *big.Int // ray
	TotalScaledBorrowed    *big.Int // ray
	Reserves               *big.Int // asset units
	ProtocolRevenueScaled  *big.Int // ray (scaled supply units)
	DeveloperRevenueScaled *big.Int // ray (scaled supply units, supplemental)
	LastTimestampMs        uint64
}

// NewState returns a freshly initialized market state with both indexes at
// 1 ray, per spec.md §3.
func NewState() *State {
	return &State{
		BorrowIndex:            fx.Ray.Unit(),
		SupplyIndex:            fx.Ray.Unit(),
		TotalScaledSupplied:    big.NewInt(0),
		TotalScaledBorrowed:    big.NewInt(0),
		Reserves:               big.NewInt(0),
		ProtocolRevenueScaled:  big.NewInt(0),
		DeveloperRevenueScaled: big.NewInt(0),
	}
}

// Clone returns a deep copy of State.
func (s *State) Clone() *State {
	if s == nil {
		return nil
	}
	return &State{
		BorrowIndex:            cloneInt(s.BorrowIndex),
		SupplyIndex:            cloneInt(s.SupplyIndex),
		TotalScaledSupplied:    cloneInt(s.TotalScaledSupplied),
		TotalScaledBorrowed:    cloneInt(s.TotalScaledBorrowed),
		Reserves:               cloneInt(s.Reserves),
		ProtocolRevenueScaled:  cloneInt(s.ProtocolRevenueScaled),
		DeveloperRevenueScaled: cloneInt(s.DeveloperRevenueScaled),
		LastTimestampMs:        s.LastTimestampMs,
	}
}

// EpsilonRay is the floor documented in spec.md §4.4 seize(): supply_index
// is clamped to never fall below this value during bad-debt socialization.
var EpsilonRay = big.NewInt(1)

func errInvalidParamf(msg string) error {
	return fmt.Errorf("%w: %s", lendcoreerrors.ErrInvalidParam, msg)
}
