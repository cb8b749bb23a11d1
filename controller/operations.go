package controller

import (
	"log/slog"
	"math/big"

	"github.com/google/uuid"

	lendcoreerrors "lendcore/core/errors"
	"lendcore/core/events"
	"lendcore/core/types"
	"lendcore/fx"
	"lendcore/market"
	"lendcore/oracle"
	"lendcore/position"
)

// The Action* constants are the Guard action keys checked by each Controller
// operation, and ActionLiquidate by liquidation.Engine.Liquidate
// (SPEC_FULL.md §4's circuit-breaker supplement).
const (
	ActionSupply    = "supply"
	ActionWithdraw  = "withdraw"
	ActionBorrow    = "borrow"
	ActionRepay     = "repay"
	ActionLiquidate = "liquidate"
	ActionFlashLoan = "flash_loan"
)

func (c *Controller) requireAllowed(action string) error {
	if !c.Guard.Allowed(action) {
		slog.Warn("controller: action blocked by guard", "action", action)
		return lendcoreerrors.ErrNotController
	}
	return nil
}

// Supply implements spec.md §4.7 supply(account?, payments, e_mode?). A nil
// nonce mints a fresh account; a non-nil nonce reuses existing attributes.
func (c *Controller) Supply(nonce *uint64, payments []Payment, emodeID uint8) (uint64, error) {
	if err := c.requireAllowed(ActionSupply); err != nil {
		return 0, err
	}
	var accNonce uint64
	var attrs AccountAttributes
	if nonce == nil {
		accNonce = c.Accounts.MintNonce()
	} else {
		accNonce = *nonce
		if existing, ok := c.Accounts.GetAttributes(accNonce); ok {
			attrs = existing
		}
	}
	if emodeID > 0 {
		cat, ok := c.Configs.EModeCategory(emodeID)
		if !ok {
			return 0, lendcoreerrors.ErrUnknownEModeCategory
		}
		if cat.Deprecated {
			return 0, lendcoreerrors.ErrUnknownEModeCategory
		}
		if attrs.Isolated {
			return 0, lendcoreerrors.ErrEModeWithIsolated
		}
		attrs.EModeID = emodeID
	}

	if len(payments) > 1 {
		for _, p := range payments {
			cfg, err := c.Configs.Get(p.Asset)
			if err != nil {
				return 0, err
			}
			if cfg.Isolated {
				return 0, lendcoreerrors.ErrMixIsolatedCollateral
			}
		}
	}

	for _, p := range payments {
		cfg, err := c.Configs.Get(p.Asset)
		if err != nil {
			return 0, err
		}
		if !cfg.Collateralizable {
			return 0, lendcoreerrors.ErrUnsupportedAsset
		}
		if attrs.EModeID != 0 {
			ea, ok := c.Configs.EModeAsset(p.Asset, attrs.EModeID)
			if !ok || !ea.Collateralizable {
				return 0, lendcoreerrors.ErrUnsupportedAsset
			}
		}

		cache, err := c.Market.Open(string(p.Asset), c.Now())
		if err != nil {
			return 0, err
		}
		scaledDelta, err := c.Market.Supply(cache, p.Amount)
		if err != nil {
			_ = cache.Release()
			return 0, err
		}
		if cfg.SupplyCap != nil && cfg.SupplyCap.Sign() > 0 {
			totalValue := fx.MulHalfUp(cache.State.TotalScaledSupplied, cache.State.SupplyIndex, fx.Ray)
			if totalValue.Cmp(cfg.SupplyCap) > 0 {
				_ = cache.Release()
				return 0, lendcoreerrors.ErrSupplyCap
			}
		}
		if err := cache.Release(); err != nil {
			return 0, err
		}

		existing, hadExisting := c.Positions.Get(accNonce, types.Deposit, p.Asset)
		newScaled := scaledDelta
		if hadExisting {
			newScaled = new(big.Int).Add(existing.ScaledAmount, scaledDelta)
		}
		pos := position.Position{
			Kind:         types.Deposit,
			Asset:        p.Asset,
			ScaledAmount: newScaled,
			Risk:         c.snapshotRisk(cfg, attrs),
		}
		if cfg.Isolated {
			attrs.Isolated = true
			attrs.IsolatedAsset = p.Asset
		}
		if err := c.Positions.Put(accNonce, pos); err != nil {
			return 0, err
		}
		c.Emitter.Emit(events.PositionUpdated{AccountNonce: accNonce, Kind: types.Deposit.String(), Asset: string(p.Asset), DeltaScaled: scaledDelta, NewScaled: newScaled})
	}

	c.Accounts.PutAttributes(accNonce, attrs)
	return accNonce, nil
}

// Withdraw implements spec.md §4.7 withdraw(nft, requests).
func (c *Controller) Withdraw(nonce uint64, requests []Payment) error {
	if err := c.requireAllowed(ActionWithdraw); err != nil {
		return err
	}
	attrs, _ := c.Accounts.GetAttributes(nonce)

	for _, r := range requests {
		existing, ok := c.Positions.Get(nonce, types.Deposit, r.Asset)
		if !ok {
			return lendcoreerrors.ErrPositionNotFound
		}
		allowUnsafe := c.allowUnsafePrice(nonce)
		if c.Positions.HasAnyBorrow(nonce) {
			if _, err := c.Prices.Price(string(r.Asset), allowUnsafe); err != nil {
				return err
			}
		}

		cache, err := c.Market.Open(string(r.Asset), c.Now())
		if err != nil {
			return err
		}
		newScaled, _, err := c.Market.Withdraw(cache, existing.ScaledAmount, r.Amount, false, nil)
		if err != nil {
			_ = cache.Release()
			return err
		}
		if err := cache.Release(); err != nil {
			return err
		}

		if newScaled.Sign() == 0 {
			c.Positions.Remove(nonce, types.Deposit, r.Asset)
			if attrs.Isolated && attrs.IsolatedAsset == r.Asset {
				if c.IsolatedDebt.Get(r.Asset).Sign() == 0 {
					attrs.Isolated = false
					attrs.IsolatedAsset = ""
				}
			}
		} else {
			existing.ScaledAmount = newScaled
			if err := c.Positions.Put(nonce, existing); err != nil {
				return err
			}
		}
		c.Emitter.Emit(events.PositionUpdated{AccountNonce: nonce, Kind: types.Deposit.String(), Asset: string(r.Asset), NewScaled: newScaled})
	}

	c.Accounts.PutAttributes(nonce, attrs)
	if c.Positions.CountByKind(nonce, types.Borrow) > 0 {
		return c.requireHealthy(nonce)
	}
	return nil
}

// Borrow implements spec.md §4.7 borrow(nft, requests).
func (c *Controller) Borrow(nonce uint64, requests []Payment) error {
	if err := c.requireAllowed(ActionBorrow); err != nil {
		return err
	}
	attrs, _ := c.Accounts.GetAttributes(nonce)

	existingBorrows := c.Positions.IterByKind(nonce, types.Borrow)
	siloedAsset := types.AssetID("")
	for _, b := range existingBorrows {
		cfg, err := c.Configs.Get(b.Asset)
		if err == nil && cfg.Siloed {
			siloedAsset = b.Asset
		}
	}

	for _, r := range requests {
		cfg, err := c.Configs.Get(r.Asset)
		if err != nil {
			return err
		}
		if !cfg.Borrowable {
			return lendcoreerrors.ErrUnsupportedAsset
		}
		if attrs.EModeID != 0 {
			ea, ok := c.Configs.EModeAsset(r.Asset, attrs.EModeID)
			if !ok || !ea.Borrowable {
				return lendcoreerrors.ErrUnsupportedAsset
			}
		}
		if cfg.Siloed && siloedAsset != "" && siloedAsset != r.Asset {
			return lendcoreerrors.ErrUnsupportedAsset
		}
		if cfg.Siloed {
			siloedAsset = r.Asset
		} else if siloedAsset != "" {
			return lendcoreerrors.ErrUnsupportedAsset
		}

		allowUnsafe := c.allowUnsafePrice(nonce)
		resolved, err := c.Prices.Price(string(r.Asset), allowUnsafe)
		if err != nil {
			return err
		}
		if resolved.Class == oracle.Unsafe {
			return oracle.ErrUnsafePriceNotAllowed
		}
		reqValue := valueUSDWad(r.Amount, cfg.AssetDecimals, resolved.Price)

		if attrs.Isolated {
			if !cfg.IsolationBorrowEnabled {
				return lendcoreerrors.ErrDebtCeilingReached
			}
			projected := new(big.Int).Add(c.IsolatedDebt.Get(r.Asset), reqValue)
			if cfg.IsolationDebtCeilingUSDWad != nil && projected.Cmp(cfg.IsolationDebtCeilingUSDWad) > 0 {
				return lendcoreerrors.ErrDebtCeilingReached
			}
		}

		hf, err := c.healthFactor(nonce, true)
		if err != nil {
			return err
		}
		deposits, err := c.weightedDeposits(nonce, true)
		if err != nil {
			return err
		}
		borrowTotal, err := c.totalBorrowUSDWad(nonce, true)
		if err != nil {
			return err
		}
		ltvCapacity := ltvWeightedCapacity(deposits)
		remaining := new(big.Int).Sub(ltvCapacity, borrowTotal)
		if !hf.Infinite && remaining.Sign() < 0 {
			remaining = big.NewInt(0)
		}
		if reqValue.Cmp(remaining) > 0 {
			return lendcoreerrors.ErrHealthFactorTooLow
		}

		cache, err := c.Market.Open(string(r.Asset), c.Now())
		if err != nil {
			return err
		}
		if cfg.BorrowCap != nil && cfg.BorrowCap.Sign() > 0 {
			projectedScaled := fx.MulHalfUp(cache.State.TotalScaledBorrowed, cache.State.BorrowIndex, fx.Ray)
			if projectedScaled.Cmp(cfg.BorrowCap) > 0 {
				_ = cache.Release()
				return lendcoreerrors.ErrBorrowCap
			}
		}
		existing, _ := c.Positions.Get(nonce, types.Borrow, r.Asset)
		newScaled, feeAmount, err := c.Market.Borrow(cache, existing.ScaledAmount, r.Amount, cache.Params.MaxOriginationFeeBps)
		if err != nil {
			_ = cache.Release()
			return err
		}
		if cfg.BorrowCap != nil && cfg.BorrowCap.Sign() > 0 {
			totalValue := fx.MulHalfUp(cache.State.TotalScaledBorrowed, cache.State.BorrowIndex, fx.Ray)
			if totalValue.Cmp(cfg.BorrowCap) > 0 {
				_ = cache.Release()
				return lendcoreerrors.ErrBorrowCap
			}
		}
		if err := cache.Release(); err != nil {
			return err
		}

		pos := position.Position{Kind: types.Borrow, Asset: r.Asset, ScaledAmount: newScaled, Risk: c.snapshotRisk(cfg, attrs)}
		if err := c.Positions.Put(nonce, pos); err != nil {
			return err
		}
		if attrs.Isolated {
			c.IsolatedDebt.Add(r.Asset, reqValue)
		}
		c.Emitter.Emit(events.PositionUpdated{AccountNonce: nonce, Kind: types.Borrow.String(), Asset: string(r.Asset), NewScaled: newScaled})
		if feeAmount.Sign() > 0 {
			c.Emitter.Emit(events.OriginationFeeCharged{
				AccountNonce: nonce, Asset: string(r.Asset),
				FeeAmount: feeAmount, Collector: c.DevFeeCollector.String(),
			})
		}
	}

	return c.requireHealthy(nonce)
}

// ltvWeightedCapacity sums deposit_value * ltv_bps (as opposed to the
// liquidation-threshold weighting used for health factor), per spec.md §4.7
// "remaining LTV capacity".
func ltvWeightedCapacity(deposits []WeightedCollateral) *big.Int {
	total := big.NewInt(0)
	for _, d := range deposits {
		ltvRay := fx.RescaleHalfUp(big.NewInt(int64(d.LTVBps)), fx.Bps, fx.Wad)
		contribution := fx.MulHalfUp(d.ValueUSDWad, ltvRay, fx.Wad)
		total = new(big.Int).Add(total, contribution)
	}
	return total
}

// Repay implements spec.md §4.7 repay(account_nonce, payments).
func (c *Controller) Repay(nonce uint64, payments []Payment) ([]Payment, error) {
	if err := c.requireAllowed(ActionRepay); err != nil {
		return nil, err
	}
	attrs, _ := c.Accounts.GetAttributes(nonce)
	refunds := make([]Payment, 0, len(payments))

	for _, p := range payments {
		existing, ok := c.Positions.Get(nonce, types.Borrow, p.Asset)
		if !ok {
			return refunds, lendcoreerrors.ErrPositionNotFound
		}

		cache, err := c.Market.Open(string(p.Asset), c.Now())
		if err != nil {
			return refunds, err
		}
		newScaled, overpay, err := c.Market.Repay(cache, existing.ScaledAmount, p.Amount)
		if err != nil {
			_ = cache.Release()
			return refunds, err
		}
		if err := cache.Release(); err != nil {
			return refunds, err
		}

		if attrs.Isolated && attrs.IsolatedAsset != "" {
			cfg, cerr := c.Configs.Get(p.Asset)
			if cerr == nil {
				resolved, perr := c.Prices.Price(string(p.Asset), true)
				if perr == nil {
					applied := new(big.Int).Sub(p.Amount, overpay)
					repaidValue := valueUSDWad(applied, cfg.AssetDecimals, resolved.Price)
					c.IsolatedDebt.Add(p.Asset, new(big.Int).Neg(repaidValue))
				}
			}
		}

		if newScaled.Sign() == 0 {
			c.Positions.Remove(nonce, types.Borrow, p.Asset)
		} else {
			existing.ScaledAmount = newScaled
			if err := c.Positions.Put(nonce, existing); err != nil {
				return refunds, err
			}
		}
		if overpay.Sign() > 0 {
			refunds = append(refunds, Payment{Asset: p.Asset, Amount: overpay})
		}
		c.Emitter.Emit(events.PositionUpdated{AccountNonce: nonce, Kind: types.Borrow.String(), Asset: string(p.Asset), NewScaled: newScaled})
	}
	return refunds, nil
}

// FlashLoan implements spec.md §4.7 flash_loan(asset, amount, callee,
// endpoint, args). Only one flash loan may be in flight per controller
// instance at a time (one instance serves one transaction), per spec.md §5.
func (c *Controller) FlashLoan(asset types.AssetID, amount *big.Int, feeBps uint64, callee market.FlashLoanCallee, endpoint string, args []byte) error {
	if err := c.requireAllowed(ActionFlashLoan); err != nil {
		return err
	}
	if c.flashLoanOngoing {
		return lendcoreerrors.ErrFlashLoanAlreadyOngoing
	}
	if endpoint == "" || isSystemEndpoint(endpoint) {
		return lendcoreerrors.ErrInvalidEndpoint
	}
	if c.Limiter != nil && !c.Limiter.Allow(ActionFlashLoan+":"+string(asset)) {
		slog.Warn("controller: flash loan rate limited", "asset", string(asset))
		return lendcoreerrors.ErrCallerRateLimited
	}

	c.flashLoanOngoing = true
	defer func() { c.flashLoanOngoing = false }()

	cache, err := c.Market.Open(string(asset), c.Now())
	if err != nil {
		return err
	}
	err = c.Market.FlashLoan(cache, amount, feeBps, callee, endpoint, args)
	// The callee may have moved prices; drop any cached resolution.
	if clearer, ok := c.Prices.(interface{ Clear() }); ok {
		clearer.Clear()
	}
	if err != nil {
		return err
	}
	c.Emitter.Emit(events.FlashLoanExecuted{
		CallID: uuid.NewString(), Asset: string(asset), Amount: amount, FeeBps: feeBps,
	})
	return nil
}

func isSystemEndpoint(endpoint string) bool {
	return len(endpoint) > 0 && endpoint[0] == '_'
}

// UpdateIndexes implements spec.md §4.7 update_indexes(assets): an
// admin-triggered sync over a set of markets with no other state change.
func (c *Controller) UpdateIndexes(assets []types.AssetID) error {
	for _, asset := range assets {
		cache, err := c.Market.Open(string(asset), c.Now())
		if err != nil {
			return err
		}
		if err := cache.Release(); err != nil {
			return err
		}
	}
	return nil
}

// UpdateAccountThreshold implements spec.md §4.7's owner-only admin path:
// re-snapshot the given accounts' positions against current AssetConfig (or
// e-mode) parameters. Accounts not named keep their existing snapshot.
func (c *Controller) UpdateAccountThreshold(assets []types.AssetID, nonces []uint64) error {
	assetSet := make(map[types.AssetID]struct{}, len(assets))
	for _, a := range assets {
		assetSet[a] = struct{}{}
	}
	for _, nonce := range nonces {
		attrs, _ := c.Accounts.GetAttributes(nonce)
		for _, kind := range []types.PositionKind{types.Deposit, types.Borrow} {
			for _, pos := range c.Positions.IterByKind(nonce, kind) {
				if _, touched := assetSet[pos.Asset]; !touched {
					continue
				}
				cfg, err := c.Configs.Get(pos.Asset)
				if err != nil {
					return err
				}
				pos.Risk = c.snapshotRisk(cfg, attrs)
				if err := c.Positions.Put(nonce, pos); err != nil {
					return err
				}
			}
		}
	}
	return nil
}
