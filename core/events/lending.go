package events

import "math/big"

// MarketStateChanged describes a market's state after a mutation (spec.md
// §6). market.Engine has no emitter and does not emit it; nothing in this
// module emits it.
type MarketStateChanged struct {
	TsMs                  uint64
	Asset                 string
	SupplyIndex           *big.Int
	BorrowIndex           *big.Int
	Reserves              *big.Int
	TotalScaledSupplied   *big.Int
	TotalScaledBorrowed   *big.Int
	ProtocolRevenueScaled *big.Int
	Price                 *big.Int
}

// EventType implements Event.
func (MarketStateChanged) EventType() string { return "market.state_changed" }

// PositionUpdated is emitted whenever a Position's scaled amount changes.
type PositionUpdated struct {
	AccountNonce uint64
	Kind         string
	Asset        string
	DeltaScaled  *big.Int
	NewScaled    *big.Int
	Price        *big.Int
	Caller       string
}

// EventType implements Event.
func (PositionUpdated) EventType() string { return "position.updated" }

// EModeCategoryChanged describes a change to an EModeCategory's parameters
// or deprecated flag. The controller has no e-mode admin path, and nothing
// in this module emits it.
type EModeCategoryChanged struct {
	CategoryID uint8
}

// EventType implements Event.
func (EModeCategoryChanged) EventType() string { return "config.e_mode_category_changed" }

// AssetConfigChanged is emitted when an AssetConfig is created or updated.
type AssetConfigChanged struct {
	Asset string
}

// EventType implements Event.
func (AssetConfigChanged) EventType() string { return "config.asset_config_changed" }

// DebtCeilingChanged is emitted when an isolated asset's debt ceiling
// configuration changes.
type DebtCeilingChanged struct {
	Asset            string
	NewCeilingUSDWad *big.Int
}

// EventType implements Event.
func (DebtCeilingChanged) EventType() string { return "config.debt_ceiling_changed" }

// OracleConfigChanged is emitted when an asset's OracleConfig changes.
type OracleConfigChanged struct {
	Asset string
}

// EventType implements Event.
func (OracleConfigChanged) EventType() string { return "config.oracle_config_changed" }

// BadDebtCleaned is emitted by the liquidation engine when a residual debt
// position is socialized via market.seize (spec.md §4.8 step 7).
type BadDebtCleaned struct {
	AccountNonce uint64
	Asset        string
	DebtAmount   *big.Int
}

// EventType implements Event.
func (BadDebtCleaned) EventType() string { return "liquidation.bad_debt_cleaned" }

// OriginationFeeCharged is emitted once per Borrow leg that carries a
// non-zero developer origination fee (SPEC_FULL.md §4's developer fee
// stream supplement). Collector is the bech32 address (crypto.Address,
// stringified) the fee is earmarked for; empty when the host has not
// configured a developer fee collector.
type OriginationFeeCharged struct {
	AccountNonce uint64
	Asset        string
	FeeAmount    *big.Int
	Collector    string
}

// EventType implements Event.
func (OriginationFeeCharged) EventType() string { return "market.origination_fee_charged" }

// FlashLoanExecuted is emitted once a flash_loan call settles (spec.md
// §4.7). CallID is a per-call idempotency key a host can use to dedupe
// retried submissions of the same logical call (spec.md §5's "one
// controller instance serves one transaction" boundary does not, by
// itself, protect a host's outer retry layer from resubmission).
type FlashLoanExecuted struct {
	CallID string
	Asset  string
	Amount *big.Int
	FeeBps uint64
}

// EventType implements Event.
func (FlashLoanExecuted) EventType() string { return "market.flash_loan_executed" }

// LiquidationExecuted is emitted once liquidation.Engine.Liquidate settles
// (spec.md §4.8). CallID is a per-call idempotency key, same purpose as
// FlashLoanExecuted.CallID. Liquidator is the bech32 address (crypto.Address,
// stringified) of the caller who executed the liquidation, for indexers that
// attribute liquidation volume per address; empty when the host did not pass
// one.
type LiquidationExecuted struct {
	CallID          string
	AccountNonce    uint64
	Liquidator      string
	BonusBpsApplied uint64
	BadDebtUSDWad   *big.Int
	FullLiquidation bool
}

// EventType implements Event.
func (LiquidationExecuted) EventType() string { return "liquidation.executed" }
