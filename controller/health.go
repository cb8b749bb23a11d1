package controller

import (
	"math/big"

	"lendcore/core/types"
	"lendcore/fx"
)

// HealthFactor represents hf_wad = Σ(deposit_value_usd × threshold_bps) /
// Σ(borrow_value_usd), spec.md §4.7. Infinite is true when there is no debt,
// in which case the account passes any health check that does not itself
// create debt.
type HealthFactor struct {
	ValueWad *big.Int
	Infinite bool
}

// Ge reports whether hf >= threshold (wad). An infinite HealthFactor is
// always >= any finite threshold.
func (h HealthFactor) Ge(thresholdWad *big.Int) bool {
	if h.Infinite {
		return true
	}
	return h.ValueWad.Cmp(thresholdWad) >= 0
}

// Lt reports whether hf < threshold (wad). An infinite HealthFactor is never
// less than any threshold.
func (h HealthFactor) Lt(thresholdWad *big.Int) bool {
	if h.Infinite {
		return false
	}
	return h.ValueWad.Cmp(thresholdWad) < 0
}

// WeightedCollateral is one deposit position's contribution to the health
// factor numerator: value (wad) and liquidation_threshold_bps snapshot.
type WeightedCollateral struct {
	ValueUSDWad             *big.Int
	LiquidationThresholdBps uint64
	LTVBps                  uint64
}

// ComputeHealthFactor implements spec.md §4.8 step 1's W/D ratio, generalized
// for use by both the borrow/withdraw gate (§4.7) and the liquidation engine
// (§4.8).
func ComputeHealthFactor(deposits []WeightedCollateral, totalBorrowUSDWad *big.Int) HealthFactor {
	if totalBorrowUSDWad == nil || totalBorrowUSDWad.Sign() == 0 {
		return HealthFactor{Infinite: true}
	}
	w := big.NewInt(0)
	for _, d := range deposits {
		if d.ValueUSDWad == nil || d.ValueUSDWad.Sign() == 0 {
			continue
		}
		thresholdRay := fx.RescaleHalfUp(big.NewInt(int64(d.LiquidationThresholdBps)), fx.Bps, fx.Wad)
		contribution := fx.MulHalfUp(d.ValueUSDWad, thresholdRay, fx.Wad)
		w = new(big.Int).Add(w, contribution)
	}
	hf, err := fx.DivHalfUp(w, totalBorrowUSDWad, fx.Wad)
	if err != nil {
		return HealthFactor{Infinite: true}
	}
	return HealthFactor{ValueWad: hf}
}

// IsolatedDebtTracker maps asset -> cumulative isolated-borrow debt in USD
// wad (spec.md §3). Mutated only by isolated borrow/repay.
type IsolatedDebtTracker struct {
	debt map[types.AssetID]*big.Int
}

// NewIsolatedDebtTracker constructs an empty tracker.
func NewIsolatedDebtTracker() *IsolatedDebtTracker {
	return &IsolatedDebtTracker{debt: make(map[types.AssetID]*big.Int)}
}

// Get returns the cumulative debt for asset (0 if untracked).
func (t *IsolatedDebtTracker) Get(asset types.AssetID) *big.Int {
	if v, ok := t.debt[asset]; ok {
		return new(big.Int).Set(v)
	}
	return big.NewInt(0)
}

// Add increases tracked debt for asset by deltaUSDWad (may be negative on
// repay, clamped at zero).
func (t *IsolatedDebtTracker) Add(asset types.AssetID, deltaUSDWad *big.Int) {
	cur := t.Get(asset)
	next := new(big.Int).Add(cur, deltaUSDWad)
	if next.Sign() < 0 {
		next = big.NewInt(0)
	}
	t.debt[asset] = next
}
