package market

import (
	"log/slog"
	"math/big"

	lendcoreerrors "lendcore/core/errors"
	"lendcore/fx"
	"lendcore/observability/metrics"
	"lendcore/rate"
)

// FlashLoanCallee is the foreign call target of a flash loan: the only
// permitted reentrancy path in the system (spec.md §5, §9). Engine releases
// its cache before invoking Call and reopens a fresh one after it returns.
type FlashLoanCallee interface {
	Call(endpoint string, args []byte) (repaid *big.Int, err error)
}

// Engine implements the market operations of spec.md §4.4: supply,
// withdraw, borrow, repay, flash_loan, seize, add_rewards, claim_revenue,
// update_params (update_indexes is an Open followed by Release, driven by
// controller.UpdateIndexes). Every method is controller-privileged: the
// controller package is the only caller. Engine never fetches prices, none
// of its methods takes a price argument, and it emits no events.
type Engine struct {
	manager  *CacheManager
	telemetry *metrics.LendingMetrics
}

// NewEngine constructs a market Engine over the given cache manager.
func NewEngine(manager *CacheManager) *Engine {
	return &Engine{manager: manager, telemetry: metrics.Lending()}
}

// Open acquires the per-market cache, applying global_sync before returning
// it so every operation observes accrued indexes.
func (e *Engine) Open(asset string, nowMs uint64) (*Cache, error) {
	c, err := e.manager.Open(asset, nowMs)
	if err != nil {
		return nil, err
	}
	if e.globalSync(c) {
		c.MarkDirty()
	}
	return c, nil
}

// globalSync implements spec.md §4.3 global_sync(cache). Returns true if it
// mutated cache state.
func (e *Engine) globalSync(c *Cache) bool {
	if c.NowMs <= c.State.LastTimestampMs {
		return false
	}
	deltaMs := c.NowMs - c.State.LastTimestampMs
	if c.State.LastTimestampMs == 0 && c.State.TotalScaledBorrowed.Sign() == 0 {
		// First sync after market creation with nothing borrowed: nothing
		// has accrued yet, just record the starting clock.
		c.State.LastTimestampMs = c.NowMs
		return true
	}

	u := rate.Utilization(c.State.TotalScaledBorrowed, c.State.BorrowIndex, c.State.TotalScaledSupplied, c.State.SupplyIndex)
	model := rate.Model{
		MaxBorrowRate:      c.Params.MaxBorrowRate,
		BaseBorrowRate:     c.Params.BaseBorrowRate,
		Slope1:             c.Params.Slope1,
		Slope2:             c.Params.Slope2,
		Slope3:             c.Params.Slope3,
		MidUtilization:     c.Params.MidUtilization,
		OptimalUtilization: c.Params.OptimalUtilization,
	}
	annual := model.BorrowRateAnnual(u)
	perMs := rate.BorrowRatePerMs(annual)

	oldBorrowIndex := new(big.Int).Set(c.State.BorrowIndex)
	if c.State.TotalScaledBorrowed.Sign() > 0 {
		x := fx.MulHalfUp(perMs, big.NewInt(int64(deltaMs)), fx.Ray)
		factor := fx.ExpTaylor(x, fx.Ray)
		c.State.BorrowIndex = fx.MulHalfUp(c.State.BorrowIndex, factor, fx.Ray)
	}

	accrued := fx.MulHalfUp(c.State.TotalScaledBorrowed, new(big.Int).Sub(c.State.BorrowIndex, oldBorrowIndex), fx.Ray)
	if accrued.Sign() > 0 {
		reserveFactorRay := fx.RescaleHalfUp(big.NewInt(int64(c.Params.ReserveFactorBps)), fx.Bps, fx.Ray)
		protocolCut := fx.MulHalfUp(accrued, reserveFactorRay, fx.Ray)
		supplierCut := new(big.Int).Sub(accrued, protocolCut)

		if c.State.TotalScaledSupplied.Sign() > 0 && supplierCut.Sign() > 0 {
			base := fx.MulHalfUp(c.State.TotalScaledSupplied, c.State.SupplyIndex, fx.Ray)
			if base.Sign() > 0 {
				rewardsRatio, err := fx.DivHalfUp(supplierCut, base, fx.Ray)
				if err == nil {
					onePlusRatio := new(big.Int).Add(fx.Ray.Unit(), rewardsRatio)
					c.State.SupplyIndex = fx.MulHalfUp(c.State.SupplyIndex, onePlusRatio, fx.Ray)
				}
			}
		}
		if c.State.SupplyIndex.Sign() > 0 {
			protocolCutScaled, err := fx.DivHalfUp(protocolCut, c.State.SupplyIndex, fx.Ray)
			if err == nil {
				c.State.ProtocolRevenueScaled = new(big.Int).Add(c.State.ProtocolRevenueScaled, protocolCutScaled)
			}
		}
	}

	c.State.LastTimestampMs = c.NowMs

	e.telemetry.SetUtilization(c.Asset, metrics.RayToFloat(u.String()))
	e.telemetry.SetBorrowRate(c.Asset, metrics.RayToFloat(annual.String()))
	e.telemetry.SetIndexes(c.Asset, metrics.RayToFloat(c.State.SupplyIndex.String()), metrics.RayToFloat(c.State.BorrowIndex.String()))
	reservesFloat, _ := new(big.Float).SetInt(c.State.Reserves).Float64()
	e.telemetry.SetReserves(c.Asset, reservesFloat)
	slog.Debug("market: accrual tick", "asset", c.Asset, "delta_ms", deltaMs, "utilization_ray", u.String(), "borrow_index_ray", c.State.BorrowIndex.String())

	return true
}

// Supply implements spec.md §4.4 supply(position, payment_amount): it
// returns the scaled amount to credit to the caller's Deposit position.
func (e *Engine) Supply(c *Cache, paymentAmount *big.Int) (*big.Int, error) {
	if paymentAmount == nil || paymentAmount.Sign() <= 0 {
		return nil, lendcoreerrors.ErrInvalidAmount
	}
	scaled, err := fx.DivHalfUp(paymentAmount, c.State.SupplyIndex, fx.Ray)
	if err != nil {
		return nil, err
	}
	c.State.TotalScaledSupplied = new(big.Int).Add(c.State.TotalScaledSupplied, scaled)
	c.State.Reserves = new(big.Int).Add(c.State.Reserves, paymentAmount)
	c.MarkDirty()
	e.telemetry.IncSupply(c.Asset)
	return scaled, nil
}

// Withdraw implements spec.md §4.4 withdraw(position, req_amount,
// is_liquidation, fee). positionScaled is the caller's current scaled
// Deposit balance; reqAmount of 0 means full withdrawal. Returns the
// updated positionScaled and the net amount released (gross minus the
// liquidation fee, if any).
func (e *Engine) Withdraw(c *Cache, positionScaled, reqAmount *big.Int, isLiquidation bool, fee *big.Int) (newPositionScaled, netOut *big.Int, err error) {
	if positionScaled == nil || positionScaled.Sign() <= 0 {
		return nil, nil, lendcoreerrors.ErrPositionNotFound
	}
	current := fx.MulHalfUp(positionScaled, c.State.SupplyIndex, fx.Ray)

	var scaledBurn, gross *big.Int
	if reqAmount == nil || reqAmount.Sign() == 0 || reqAmount.Cmp(current) >= 0 {
		scaledBurn = new(big.Int).Set(positionScaled)
		gross = current
	} else {
		scaledBurn, err = fx.DivHalfUp(reqAmount, c.State.SupplyIndex, fx.Ray)
		if err != nil {
			return nil, nil, err
		}
		gross = new(big.Int).Set(reqAmount)
	}

	net := new(big.Int).Set(gross)
	if isLiquidation && fee != nil && fee.Sign() > 0 {
		net = new(big.Int).Sub(net, fee)
		if net.Sign() < 0 {
			net = big.NewInt(0)
		}
		feeScaled, ferr := fx.DivHalfUp(fee, c.State.SupplyIndex, fx.Ray)
		if ferr == nil {
			c.State.ProtocolRevenueScaled = new(big.Int).Add(c.State.ProtocolRevenueScaled, feeScaled)
		}
	}

	required := new(big.Int).Sub(gross, func() *big.Int {
		if isLiquidation && fee != nil {
			return fee
		}
		return big.NewInt(0)
	}())
	if c.State.Reserves.Cmp(required) < 0 {
		return nil, nil, lendcoreerrors.ErrReservesExhausted
	}

	c.State.TotalScaledSupplied = new(big.Int).Sub(c.State.TotalScaledSupplied, scaledBurn)
	c.State.Reserves = new(big.Int).Sub(c.State.Reserves, required)
	c.MarkDirty()

	newPositionScaled = new(big.Int).Sub(positionScaled, scaledBurn)
	if newPositionScaled.Sign() < 0 {
		newPositionScaled = big.NewInt(0)
	}
	e.telemetry.IncWithdraw(c.Asset)
	return newPositionScaled, net, nil
}

// Borrow implements spec.md §4.4 borrow(position, amount), plus the
// developer fee stream supplement (SPEC_FULL.md §4): originationFeeBps,
// capped at c.Params.MaxOriginationFeeBps, is charged on top of amount and
// credited to DeveloperRevenueScaled, following the teacher's
// native/lending.Engine.Borrow pattern of inflating the borrower's debt by
// a fee routed to a developer collector rather than disbursing it from
// reserves. The borrower still only receives amount; the fee is carried as
// extra scaled debt that backs DeveloperRevenueScaled's claim once repaid.
func (e *Engine) Borrow(c *Cache, positionScaled, amount *big.Int, originationFeeBps uint64) (newPositionScaled, feeAmount *big.Int, err error) {
	if amount == nil || amount.Sign() <= 0 {
		return nil, nil, lendcoreerrors.ErrInvalidAmount
	}
	if originationFeeBps > c.Params.MaxOriginationFeeBps {
		return nil, nil, lendcoreerrors.ErrInvalidParam
	}
	if c.State.Reserves.Cmp(amount) < 0 {
		return nil, nil, lendcoreerrors.ErrReservesExhausted
	}

	feeAmount = big.NewInt(0)
	if originationFeeBps > 0 {
		feeAmount = fx.MulHalfUp(amount, fx.RescaleHalfUp(big.NewInt(int64(originationFeeBps)), fx.Bps, fx.Ray), fx.Ray)
	}
	totalDebt := new(big.Int).Add(amount, feeAmount)

	scaled, err := fx.DivHalfUp(totalDebt, c.State.BorrowIndex, fx.Ray)
	if err != nil {
		return nil, nil, err
	}
	if positionScaled == nil {
		positionScaled = big.NewInt(0)
	}
	newPositionScaled = new(big.Int).Add(positionScaled, scaled)
	c.State.TotalScaledBorrowed = new(big.Int).Add(c.State.TotalScaledBorrowed, scaled)
	c.State.Reserves = new(big.Int).Sub(c.State.Reserves, amount)

	if feeAmount.Sign() > 0 && c.State.SupplyIndex.Sign() > 0 {
		feeScaled, ferr := fx.DivHalfUp(feeAmount, c.State.SupplyIndex, fx.Ray)
		if ferr == nil {
			c.State.DeveloperRevenueScaled = new(big.Int).Add(c.State.DeveloperRevenueScaled, feeScaled)
		}
	}
	c.MarkDirty()
	e.telemetry.IncBorrow(c.Asset)
	if feeAmount.Sign() > 0 {
		slog.Info("market: origination fee charged", "asset", c.Asset, "fee_amount", feeAmount.String())
	}
	return newPositionScaled, feeAmount, nil
}

// Repay implements spec.md §4.4 repay(position, payment_amount). Returns
// the updated positionScaled and the amount to refund the payer (overpay).
func (e *Engine) Repay(c *Cache, positionScaled, paymentAmount *big.Int) (newPositionScaled, overpay *big.Int, err error) {
	if paymentAmount == nil || paymentAmount.Sign() <= 0 {
		return nil, nil, lendcoreerrors.ErrInvalidAmount
	}
	if positionScaled == nil {
		positionScaled = big.NewInt(0)
	}
	debt := fx.MulHalfUp(positionScaled, c.State.BorrowIndex, fx.Ray)

	var scaledBurn, applied *big.Int
	if paymentAmount.Cmp(debt) >= 0 {
		scaledBurn = new(big.Int).Set(positionScaled)
		applied = debt
		overpay = new(big.Int).Sub(paymentAmount, debt)
	} else {
		scaledBurn, err = fx.DivHalfUp(paymentAmount, c.State.BorrowIndex, fx.Ray)
		if err != nil {
			return nil, nil, err
		}
		applied = new(big.Int).Set(paymentAmount)
		overpay = big.NewInt(0)
	}

	c.State.TotalScaledBorrowed = new(big.Int).Sub(c.State.TotalScaledBorrowed, scaledBurn)
	c.State.Reserves = new(big.Int).Add(c.State.Reserves, applied)
	c.MarkDirty()

	newPositionScaled = new(big.Int).Sub(positionScaled, scaledBurn)
	if newPositionScaled.Sign() < 0 {
		newPositionScaled = big.NewInt(0)
	}
	e.telemetry.IncRepay(c.Asset)
	return newPositionScaled, overpay, nil
}

// FlashLoan implements spec.md §4.4 flash_loan. It releases c's cache
// before invoking callee (the only permitted reentrancy point) and reopens
// a fresh cache afterward to validate repayment, per spec.md §5 and §9.
// The caller must treat c as consumed after this call returns; c.Release
// must not be called again.
func (e *Engine) FlashLoan(c *Cache, amount *big.Int, feeBps uint64, callee FlashLoanCallee, endpoint string, args []byte) (err error) {
	if !c.Params.FlashLoanEnabled {
		_ = c.Release()
		return lendcoreerrors.ErrFlashLoanNotEnabled
	}
	if amount == nil || amount.Sign() <= 0 {
		_ = c.Release()
		return lendcoreerrors.ErrInvalidAmount
	}
	if c.State.Reserves.Cmp(amount) < 0 {
		_ = c.Release()
		return lendcoreerrors.ErrReservesExhausted
	}
	feeBpsInt := big.NewInt(int64(feeBps))
	fee := fx.MulHalfUp(amount, fx.RescaleHalfUp(feeBpsInt, fx.Bps, fx.Ray), fx.Ray)
	required := new(big.Int).Add(amount, fee)

	asset := c.Asset
	nowMs := c.NowMs
	c.State.Reserves = new(big.Int).Sub(c.State.Reserves, amount)
	c.MarkDirty()
	if err := c.Release(); err != nil {
		return err
	}

	repaid, callErr := callee.Call(endpoint, args)

	fresh, openErr := e.manager.Open(asset, nowMs)
	if openErr != nil {
		return openErr
	}
	defer func() {
		if derr := fresh.Release(); derr != nil && err == nil {
			err = derr
		}
	}()

	if callErr != nil {
		return callErr
	}
	if repaid == nil || repaid.Cmp(required) < 0 {
		return lendcoreerrors.ErrFlashLoanUnderpaid
	}

	surplus := new(big.Int).Sub(repaid, amount)
	if fresh.State.SupplyIndex.Sign() > 0 && surplus.Sign() > 0 {
		surplusScaled, serr := fx.DivHalfUp(surplus, fresh.State.SupplyIndex, fx.Ray)
		if serr == nil {
			fresh.State.ProtocolRevenueScaled = new(big.Int).Add(fresh.State.ProtocolRevenueScaled, surplusScaled)
		}
	}
	fresh.State.Reserves = new(big.Int).Add(fresh.State.Reserves, amount)
	fresh.MarkDirty()
	e.telemetry.IncFlashLoan(asset)
	slog.Info("market: flash loan settled", "asset", asset, "amount", amount.String(), "fee", fee.String())
	return nil
}

// SeizeBorrow implements spec.md §4.4 seize(position, mode) for bad-debt
// Borrow positions: the debt is socialized by scaling down supply_index
// (floored at EpsilonRay) and the scaled debt is removed from totals.
// Deposit positions are handled by SeizeDeposit.
func (e *Engine) SeizeBorrow(c *Cache, positionScaled *big.Int) error {
	if positionScaled == nil || positionScaled.Sign() <= 0 {
		return nil
	}
	debt := fx.MulHalfUp(positionScaled, c.State.BorrowIndex, fx.Ray)
	suppliedValue := fx.MulHalfUp(c.State.TotalScaledSupplied, c.State.SupplyIndex, fx.Ray)
	if suppliedValue.Sign() > 0 {
		ratio, err := fx.DivHalfUp(debt, suppliedValue, fx.Ray)
		if err != nil {
			return err
		}
		factor := new(big.Int).Sub(fx.Ray.Unit(), ratio)
		if factor.Cmp(EpsilonRay) < 0 {
			factor = new(big.Int).Set(EpsilonRay)
		}
		c.State.SupplyIndex = fx.MulHalfUp(c.State.SupplyIndex, factor, fx.Ray)
		if c.State.SupplyIndex.Cmp(EpsilonRay) < 0 {
			c.State.SupplyIndex = new(big.Int).Set(EpsilonRay)
		}
	}
	c.State.TotalScaledBorrowed = new(big.Int).Sub(c.State.TotalScaledBorrowed, positionScaled)
	if c.State.TotalScaledBorrowed.Sign() < 0 {
		c.State.TotalScaledBorrowed = big.NewInt(0)
	}
	c.MarkDirty()
	return nil
}

// SeizeDeposit implements spec.md §4.4 seize(position, mode) for dust
// Deposit positions: the current value is credited to protocol revenue and
// totals reduced.
func (e *Engine) SeizeDeposit(c *Cache, positionScaled *big.Int) error {
	if positionScaled == nil || positionScaled.Sign() <= 0 {
		return nil
	}
	c.State.TotalScaledSupplied = new(big.Int).Sub(c.State.TotalScaledSupplied, positionScaled)
	if c.State.TotalScaledSupplied.Sign() < 0 {
		c.State.TotalScaledSupplied = big.NewInt(0)
	}
	c.State.ProtocolRevenueScaled = new(big.Int).Add(c.State.ProtocolRevenueScaled, positionScaled)
	c.MarkDirty()
	return nil
}

// AddRewards implements spec.md §4.4 add_rewards(payment_amount).
func (e *Engine) AddRewards(c *Cache, paymentAmount *big.Int) error {
	if paymentAmount == nil || paymentAmount.Sign() <= 0 {
		return lendcoreerrors.ErrInvalidAmount
	}
	base := fx.MulHalfUp(c.State.TotalScaledSupplied, c.State.SupplyIndex, fx.Ray)
	if base.Sign() > 0 {
		increment, err := fx.DivHalfUp(paymentAmount, base, fx.Ray)
		if err != nil {
			return err
		}
		onePlus := new(big.Int).Add(fx.Ray.Unit(), increment)
		c.State.SupplyIndex = fx.MulHalfUp(c.State.SupplyIndex, onePlus, fx.Ray)
	}
	c.State.Reserves = new(big.Int).Add(c.State.Reserves, paymentAmount)
	c.MarkDirty()
	return nil
}

// ClaimRevenue implements spec.md §4.4 claim_revenue(). Returns the asset
// amount transferred to the protocol. developerShareBps optionally routes a
// portion of the claimed revenue to DeveloperRevenueScaled (the
// collateral/fee-routing supplement, SPEC_FULL.md §4) rather than paying it
// all to the protocol; that portion stays in reserves for
// ClaimDeveloperRevenue.
func (e *Engine) ClaimRevenue(c *Cache, developerShareBps uint64) (transferred *big.Int, err error) {
	amount := fx.MulHalfUp(c.State.ProtocolRevenueScaled, c.State.SupplyIndex, fx.Ray)
	transferred = amount
	if c.State.Reserves.Cmp(amount) < 0 {
		transferred = new(big.Int).Set(c.State.Reserves)
	}
	if transferred.Sign() <= 0 {
		return big.NewInt(0), nil
	}
	scaledReduction, err := fx.DivHalfUp(transferred, c.State.SupplyIndex, fx.Ray)
	if err != nil {
		return nil, err
	}
	if scaledReduction.Cmp(c.State.ProtocolRevenueScaled) > 0 {
		scaledReduction = new(big.Int).Set(c.State.ProtocolRevenueScaled)
	}

	if developerShareBps > 0 {
		devScaled := fx.MulHalfUp(scaledReduction, fx.RescaleHalfUp(big.NewInt(int64(developerShareBps)), fx.Bps, fx.Ray), fx.Ray)
		c.State.DeveloperRevenueScaled = new(big.Int).Add(c.State.DeveloperRevenueScaled, devScaled)
		transferred = fx.MulHalfUp(new(big.Int).Sub(scaledReduction, devScaled), c.State.SupplyIndex, fx.Ray)
	}

	c.State.ProtocolRevenueScaled = new(big.Int).Sub(c.State.ProtocolRevenueScaled, scaledReduction)
	c.State.Reserves = new(big.Int).Sub(c.State.Reserves, transferred)
	c.MarkDirty()
	return transferred, nil
}

// ClaimDeveloperRevenue pays out the developer's share of origination fees
// accrued in DeveloperRevenueScaled (the Borrow fee-stream supplement,
// SPEC_FULL.md §4), mirroring ClaimRevenue's protocol-share withdrawal leg
// so the developer fee stream Borrow credits has a matching claim path.
func (e *Engine) ClaimDeveloperRevenue(c *Cache) (transferred *big.Int, err error) {
	amount := fx.MulHalfUp(c.State.DeveloperRevenueScaled, c.State.SupplyIndex, fx.Ray)
	transferred = amount
	if c.State.Reserves.Cmp(amount) < 0 {
		transferred = new(big.Int).Set(c.State.Reserves)
	}
	if transferred.Sign() <= 0 {
		return big.NewInt(0), nil
	}
	scaledReduction, err := fx.DivHalfUp(transferred, c.State.SupplyIndex, fx.Ray)
	if err != nil {
		return nil, err
	}
	if scaledReduction.Cmp(c.State.DeveloperRevenueScaled) > 0 {
		scaledReduction = new(big.Int).Set(c.State.DeveloperRevenueScaled)
	}

	c.State.DeveloperRevenueScaled = new(big.Int).Sub(c.State.DeveloperRevenueScaled, scaledReduction)
	c.State.Reserves = new(big.Int).Sub(c.State.Reserves, transferred)
	c.MarkDirty()
	return transferred, nil
}

// UpdateParams implements spec.md §4.4 update_params(new_params): syncs
// with the OLD params first (the cache is already opened with old Params),
// validates, then the caller is responsible for persisting new Params via
// Store (Params live outside the State snapshot this cache commits).
func (e *Engine) UpdateParams(c *Cache, newParams Params) error {
	if err := newParams.Validate(); err != nil {
		return err
	}
	// global_sync already ran against old params when c was opened.
	return nil
}
