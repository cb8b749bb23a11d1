// Package controller implements the user-facing orchestration layer of
// spec.md §4.7: supply/withdraw/borrow/repay/flash_loan/liquidate entry
// points, isolation-mode and e-mode bookkeeping, and health-factor
// evaluation. It plays the role of the teacher's native/lending.Engine, but
// generalized from a single hard-coded NHB/ZNHB market into a multi-asset
// controller that delegates accrual and ledger mutation to market.Engine and
// position.Store rather than holding that state itself.
package controller

import (
	"math/big"

	lendcoreerrors "lendcore/core/errors"
	"lendcore/core/types"
)

// MaxBonusBps is the liquidation bonus ceiling (spec.md §3, §4.8).
const MaxBonusBps = 1500

// AssetConfig is the controller-side, per-asset risk and eligibility
// configuration (spec.md §3).
type AssetConfig struct {
	Asset                      types.AssetID
	AssetDecimals              uint8
	LTVBps                     uint64
	LiquidationThresholdBps    uint64
	LiquidationBonusBps        uint64
	LiquidationFeeBps          uint64
	Collateralizable           bool
	Borrowable                 bool
	Isolated                   bool
	Siloed                     bool
	Flashloanable              bool
	IsolationBorrowEnabled     bool
	IsolationDebtCeilingUSDWad *big.Int
	BorrowCap                  *big.Int
	SupplyCap                  *big.Int
	FlashloanFeeBps            uint64
}

// Validate checks spec.md §3's AssetConfig invariants: ltv < threshold <= 1
// bps-unit, and bonus <= MaxBonusBps.
func (c AssetConfig) Validate() error {
	if c.LTVBps >= c.LiquidationThresholdBps {
		return errInvalidConfig("ltv_bps must be < liquidation_threshold_bps")
	}
	if c.LiquidationThresholdBps > 10_000 {
		return errInvalidConfig("liquidation_threshold_bps must be <= 10000")
	}
	if c.LiquidationBonusBps > MaxBonusBps {
		return errInvalidConfig("liquidation_bonus_bps exceeds MAX_BONUS")
	}
	return nil
}

// EModeCategory overrides LTV/threshold/bonus for member assets (spec.md §3).
type EModeCategory struct {
	ID                      uint8
	LTVBps                  uint64
	LiquidationThresholdBps uint64
	LiquidationBonusBps     uint64
	Deprecated              bool
}

// EModeAsset flags an (asset, category) pair's eligibility within an e-mode
// category (spec.md §3).
type EModeAsset struct {
	Collateralizable bool
	Borrowable       bool
}

// AccountAttributes is the account-NFT-level record of isolation/e-mode
// state (spec.md §3). Invariant: Isolated XOR (EModeID != 0).
type AccountAttributes struct {
	Isolated      bool
	EModeID       uint8
	Mode          types.AccountMode
	IsolatedAsset types.AssetID
}

// Validate enforces the Isolated XOR e-mode invariant.
func (a AccountAttributes) Validate() error {
	if a.Isolated && a.EModeID != 0 {
		return lendcoreerrors.ErrEModeWithIsolated
	}
	return nil
}

func errInvalidConfig(msg string) error {
	return &configError{msg: msg}
}

type configError struct{ msg string }

func (e *configError) Error() string { return "lendcore: invalid asset config: " + e.msg }

func (e *configError) Unwrap() error { return lendcoreerrors.ErrInvalidParam }
