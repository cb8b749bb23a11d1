// Package liquidation implements spec.md §4.8: the Dutch-auction liquidation
// engine that lets a liquidator repay part of an unhealthy account's debt in
// exchange for a dynamically-sized share of its collateral, topped up by a
// bonus that widens as the account's health factor falls further below 1.
//
// It is grounded on the teacher's native/lending.Engine liquidation path
// (proportional seizure across collateral, bad-debt write-off via a
// supply_index haircut) generalized to the spec's target-health-factor solve
// and value-weighted per-position bonus.
package liquidation

import (
	"log/slog"
	"math/big"

	"github.com/google/uuid"

	"lendcore/controller"
	lendcoreerrors "lendcore/core/errors"
	"lendcore/core/events"
	"lendcore/core/types"
	"lendcore/crypto"
	"lendcore/fx"
	"lendcore/observability/logging"
	"lendcore/observability/metrics"
	"lendcore/oracle"
)

// MaxBonusBps is the liquidation bonus ceiling, shared with controller's
// AssetConfig.Validate bound.
const MaxBonusBps = controller.MaxBonusBps

var (
	wadUnit = fx.Wad.Unit()

	// targetHFPrimaryWad and targetHFSecondaryWad are spec.md §4.8's
	// TARGET_HF_PRIMARY (1.02) and TARGET_HF_SECONDARY (1.01).
	targetHFPrimaryWad   = big.NewInt(1_020_000_000_000_000_000)
	targetHFSecondaryWad = big.NewInt(1_010_000_000_000_000_000)

	// kWad is the dynamic-bonus slope constant K = 2.0 (spec.md §4.8 step 2).
	kWad = big.NewInt(2_000_000_000_000_000_000)

	// DefaultDustThresholdUSDWad resolves spec.md §9's "make the $5 dust
	// threshold a parameter" open question: New's caller may override it per
	// deployment; this matches the documented example value.
	DefaultDustThresholdUSDWad = big.NewInt(5_000_000_000_000_000_000)
)

// collateral is one deposit position's liquidation-relevant snapshot. Risk
// fields come from the position's own snapshot (spec.md §4.7's "parameter
// snapshotting"), not the live AssetConfig.
type collateral struct {
	asset        types.AssetID
	decimals     uint8
	priceWad     *big.Int
	valueUSD     *big.Int
	thresholdBps uint64
	bonusBps     uint64
	feeBps       uint64
}

// debtLeg is one borrow position's snapshot.
type debtLeg struct {
	asset    types.AssetID
	decimals uint8
	priceWad *big.Int
	valueUSD *big.Int
}

// Engine orchestrates spec.md §4.8 against the same Controller a host wires
// for supply/withdraw/borrow/repay.
type Engine struct {
	Controller          *controller.Controller
	DustThresholdUSDWad *big.Int
	telemetry           *metrics.LendingMetrics
}

// New constructs a liquidation Engine. A nil dustThresholdUSDWad defaults to
// DefaultDustThresholdUSDWad.
func New(c *controller.Controller, dustThresholdUSDWad *big.Int) *Engine {
	if dustThresholdUSDWad == nil {
		dustThresholdUSDWad = DefaultDustThresholdUSDWad
	}
	return &Engine{Controller: c, DustThresholdUSDWad: dustThresholdUSDWad, telemetry: metrics.Lending()}
}

// Result reports what Liquidate did, in USD-wad and per-asset raw amounts,
// for the caller to settle external token transfers against.
type Result struct {
	CallID          string // idempotency key, see events.LiquidationExecuted
	Liquidator      crypto.Address
	RepaidByAsset   map[types.AssetID]*big.Int
	RefundByAsset   map[types.AssetID]*big.Int
	SeizedByAsset   map[types.AssetID]*big.Int
	BonusBpsApplied uint64
	BadDebtUSDWad   *big.Int
	TargetUsed      *big.Int // 1.02 or 1.01 wad; nil when treated as full liquidation
	FullLiquidation bool
}

// usdWadToFloat approximates a USD-wad *big.Int value as a float64, for
// metric emission only; settlement math never uses it.
func usdWadToFloat(v *big.Int) float64 {
	f, _ := new(big.Float).Quo(new(big.Float).SetInt(v), new(big.Float).SetInt(wadUnit)).Float64()
	return f
}

func (e *Engine) priceOf(asset types.AssetID) (*big.Int, error) {
	resolved, err := e.Controller.Prices.Price(string(asset), false)
	if err != nil {
		return nil, err
	}
	if resolved.Class == oracle.Unsafe {
		return nil, oracle.ErrUnsafePriceNotAllowed
	}
	return resolved.Price, nil
}

func (e *Engine) supplyIndexOf(asset types.AssetID) (*big.Int, error) {
	cache, err := e.Controller.Market.Open(string(asset), e.Controller.Now())
	if err != nil {
		return nil, err
	}
	idx := new(big.Int).Set(cache.State.SupplyIndex)
	if rerr := cache.Release(); rerr != nil {
		return nil, rerr
	}
	return idx, nil
}

func (e *Engine) borrowIndexOf(asset types.AssetID) (*big.Int, error) {
	cache, err := e.Controller.Market.Open(string(asset), e.Controller.Now())
	if err != nil {
		return nil, err
	}
	idx := new(big.Int).Set(cache.State.BorrowIndex)
	if rerr := cache.Release(); rerr != nil {
		return nil, rerr
	}
	return idx, nil
}

// snapshot reads every Deposit and Borrow position for nonce, resolving the
// current price and index for each. Every asset touched must price Safe or
// Average (spec.md §4.8 failure semantics); w is Σ value×threshold, v is
// Σ deposit value, d is Σ borrow value, all USD wad.
func (e *Engine) snapshot(nonce uint64) (cols []collateral, debts []debtLeg, w, v, d *big.Int, err error) {
	w, v, d = big.NewInt(0), big.NewInt(0), big.NewInt(0)

	for _, p := range e.Controller.Positions.IterByKind(nonce, types.Deposit) {
		cfg, cerr := e.Controller.Configs.Get(p.Asset)
		if cerr != nil {
			return nil, nil, nil, nil, nil, cerr
		}
		price, perr := e.priceOf(p.Asset)
		if perr != nil {
			return nil, nil, nil, nil, nil, perr
		}
		idx, ierr := e.supplyIndexOf(p.Asset)
		if ierr != nil {
			return nil, nil, nil, nil, nil, ierr
		}
		amountAssetUnits := fx.MulHalfUp(p.ScaledAmount, idx, fx.Ray)
		value := controller.ValueUSDWad(amountAssetUnits, cfg.AssetDecimals, price)

		c := collateral{
			asset: p.Asset, decimals: cfg.AssetDecimals, priceWad: price, valueUSD: value,
			thresholdBps: p.Risk.LiquidationThresholdBps,
			bonusBps:     p.Risk.LiquidationBonusBps,
			feeBps:       p.Risk.LiquidationFeeBps,
		}
		cols = append(cols, c)
		v = new(big.Int).Add(v, value)
		thresholdWad := fx.RescaleHalfUp(big.NewInt(int64(c.thresholdBps)), fx.Bps, fx.Wad)
		w = new(big.Int).Add(w, fx.MulHalfUp(value, thresholdWad, fx.Wad))
	}

	for _, p := range e.Controller.Positions.IterByKind(nonce, types.Borrow) {
		cfg, cerr := e.Controller.Configs.Get(p.Asset)
		if cerr != nil {
			return nil, nil, nil, nil, nil, cerr
		}
		price, perr := e.priceOf(p.Asset)
		if perr != nil {
			return nil, nil, nil, nil, nil, perr
		}
		idx, ierr := e.borrowIndexOf(p.Asset)
		if ierr != nil {
			return nil, nil, nil, nil, nil, ierr
		}
		amountAssetUnits := fx.MulHalfUp(p.ScaledAmount, idx, fx.Ray)
		value := controller.ValueUSDWad(amountAssetUnits, cfg.AssetDecimals, price)

		debts = append(debts, debtLeg{asset: p.Asset, decimals: cfg.AssetDecimals, priceWad: price, valueUSD: value})
		d = new(big.Int).Add(d, value)
	}

	return cols, debts, w, v, d, nil
}

// weightedBonusBps computes spec.md §4.8 step 2's account-level base_bonus:
// the value-weighted average of every collateral position's bonus_bps.
func weightedBonusBps(cols []collateral, v *big.Int) uint64 {
	if v.Sign() == 0 {
		return 0
	}
	acc := big.NewInt(0)
	for _, c := range cols {
		acc = new(big.Int).Add(acc, new(big.Int).Mul(c.valueUSD, big.NewInt(int64(c.bonusBps))))
	}
	return new(big.Int).Div(acc, v).Uint64()
}

// dynamicBonusBps implements spec.md §4.8 step 2: gap = max(0, (target-hf)/target);
// bonus = min(base + (max-base)*min(K*gap,1), MAX_BONUS).
func dynamicBonusBps(hfWad, targetWad *big.Int, baseBonusBps uint64) uint64 {
	gapWad, err := fx.DivHalfUp(new(big.Int).Sub(targetWad, hfWad), targetWad, fx.Wad)
	if err != nil || gapWad.Sign() < 0 {
		gapWad = big.NewInt(0)
	}
	kGapWad := fx.MulHalfUp(kWad, gapWad, fx.Wad)
	if kGapWad.Cmp(wadUnit) > 0 {
		kGapWad = new(big.Int).Set(wadUnit)
	}
	spreadBps := int64(MaxBonusBps) - int64(baseBonusBps)
	if spreadBps < 0 {
		spreadBps = 0
	}
	spreadWad := fx.RescaleHalfUp(big.NewInt(spreadBps), fx.Bps, fx.Wad)
	addWad := fx.MulHalfUp(spreadWad, kGapWad, fx.Wad)
	addBps := fx.RescaleHalfUp(addWad, fx.Wad, fx.Bps)
	bonus := baseBonusBps + addBps.Uint64()
	if bonus > MaxBonusBps {
		bonus = MaxBonusBps
	}
	return bonus
}

// solve implements spec.md §4.8 step 3: solve
// (w - d(1+bonus)avgThreshold) / (d_total-d) = target for d, using
// avgThreshold = w/v_total (the account-weighted threshold on
// proportionally seized collateral). Returns ok=false when no feasible
// 0 < d < d_total exists at this target.
func solve(w, vTotal, dTotal *big.Int, bonusBps uint64, targetWad *big.Int) (d *big.Int, ok bool) {
	if vTotal.Sign() == 0 {
		return nil, false
	}
	avgThresholdWad, err := fx.DivHalfUp(w, vTotal, fx.Wad)
	if err != nil {
		return nil, false
	}
	onePlusBonusWad := new(big.Int).Add(wadUnit, fx.RescaleHalfUp(big.NewInt(int64(bonusBps)), fx.Bps, fx.Wad))
	slopeWad := fx.MulHalfUp(onePlusBonusWad, avgThresholdWad, fx.Wad)
	denomWad := new(big.Int).Sub(slopeWad, targetWad)
	numerWad := new(big.Int).Sub(w, fx.MulHalfUp(targetWad, dTotal, fx.Wad))

	if denomWad.Sign() >= 0 || numerWad.Sign() >= 0 {
		return nil, false
	}
	dWad, err := fx.DivHalfUp(numerWad, denomWad, fx.Wad)
	if err != nil || dWad.Sign() <= 0 || dWad.Cmp(dTotal) >= 0 {
		return nil, false
	}
	return dWad, true
}

// proportionalShare returns total*part/whole, all USD wad.
func proportionalShare(total, part, whole *big.Int) *big.Int {
	if whole == nil || whole.Sign() == 0 {
		return big.NewInt(0)
	}
	ratio, err := fx.DivHalfUp(part, whole, fx.Wad)
	if err != nil {
		return big.NewInt(0)
	}
	return fx.MulHalfUp(total, ratio, fx.Wad)
}

func usdToAssetUnits(valueUSDWad *big.Int, decimals uint8, priceWad *big.Int) *big.Int {
	if priceWad == nil || priceWad.Sign() == 0 {
		return big.NewInt(0)
	}
	amountWad, err := fx.DivHalfUp(valueUSDWad, priceWad, fx.Wad)
	if err != nil {
		return big.NewInt(0)
	}
	return fx.RescaleHalfUp(amountWad, fx.Wad, fx.Precision(decimals))
}

func findDebt(debts []debtLeg, asset types.AssetID) *debtLeg {
	for i := range debts {
		if debts[i].asset == asset {
			return &debts[i]
		}
	}
	return nil
}

func toWeighted(cols []collateral) []controller.WeightedCollateral {
	out := make([]controller.WeightedCollateral, 0, len(cols))
	for _, c := range cols {
		out = append(out, controller.WeightedCollateral{ValueUSDWad: c.valueUSD, LiquidationThresholdBps: c.thresholdBps})
	}
	return out
}

// Liquidate implements spec.md §4.8 end to end. payments are the
// liquidator's debt-token legs; each payment's Asset must match an existing
// Borrow position on nonce. liquidator labels the caller in the emitted
// LiquidationExecuted event and Result; the zero crypto.Address is accepted
// for hosts that do not track caller identity.
func (e *Engine) Liquidate(nonce uint64, payments []controller.Payment, liquidator crypto.Address) (*Result, error) {
	if !e.Controller.Guard.Allowed(controller.ActionLiquidate) {
		return nil, lendcoreerrors.ErrNotController
	}
	cols, debts, w, v, d, err := e.snapshot(nonce)
	if err != nil {
		return nil, err
	}
	if d.Sign() == 0 {
		return nil, lendcoreerrors.ErrHealthFactorTooHigh
	}
	hf := controller.ComputeHealthFactor(toWeighted(cols), d)
	if hf.Infinite || !hf.Lt(wadUnit) {
		return nil, lendcoreerrors.ErrHealthFactorTooHigh
	}

	baseBonusBps := weightedBonusBps(cols, v)
	bonusBps := dynamicBonusBps(hf.ValueWad, targetHFPrimaryWad, baseBonusBps)
	dWad, ok := solve(w, v, d, bonusBps, targetHFPrimaryWad)
	target := targetHFPrimaryWad
	if !ok {
		bonusBps = dynamicBonusBps(hf.ValueWad, targetHFSecondaryWad, baseBonusBps)
		dWad, ok = solve(w, v, d, bonusBps, targetHFSecondaryWad)
		target = targetHFSecondaryWad
	}
	fullLiquidation := !ok
	if fullLiquidation {
		dWad = new(big.Int).Set(d)
		target = nil
	}

	// Step 4: cap by payment value and by D.
	paymentValueByAsset := make(map[types.AssetID]*big.Int, len(payments))
	totalPaymentValue := big.NewInt(0)
	for _, p := range payments {
		leg := findDebt(debts, p.Asset)
		if leg == nil {
			return nil, lendcoreerrors.ErrPositionNotFound
		}
		value := controller.ValueUSDWad(p.Amount, leg.decimals, leg.priceWad)
		paymentValueByAsset[p.Asset] = value
		totalPaymentValue = new(big.Int).Add(totalPaymentValue, value)
	}
	if dWad.Cmp(d) > 0 {
		dWad = new(big.Int).Set(d)
	}
	if dWad.Cmp(totalPaymentValue) > 0 {
		dWad = new(big.Int).Set(totalPaymentValue)
	}

	// Step 5: total seizure value, capped at total deposit value. When the
	// bonus-inflated seizure would exceed available collateral, d is pulled
	// back to what that collateral can actually cover so the repay and
	// seizure legs (step 8) stay consistent with each other.
	onePlusBonusWad := new(big.Int).Add(wadUnit, fx.RescaleHalfUp(big.NewInt(int64(bonusBps)), fx.Bps, fx.Wad))
	sWad := fx.MulHalfUp(dWad, onePlusBonusWad, fx.Wad)
	if sWad.Cmp(v) > 0 {
		sWad = new(big.Int).Set(v)
		dWad, err = fx.DivHalfUp(sWad, onePlusBonusWad, fx.Wad)
		if err != nil {
			return nil, err
		}
	}

	result := &Result{
		CallID:          uuid.NewString(),
		Liquidator:      liquidator,
		RepaidByAsset:   make(map[types.AssetID]*big.Int),
		RefundByAsset:   make(map[types.AssetID]*big.Int),
		SeizedByAsset:   make(map[types.AssetID]*big.Int),
		BonusBpsApplied: bonusBps,
		TargetUsed:      target,
		FullLiquidation: fullLiquidation,
	}

	// Step 8a: apply payments proportionally to dWad, across whichever debt
	// legs the liquidator actually paid.
	for _, p := range payments {
		leg := findDebt(debts, p.Asset)
		share := proportionalShare(dWad, paymentValueByAsset[p.Asset], totalPaymentValue)
		if share.Cmp(leg.valueUSD) > 0 {
			share = new(big.Int).Set(leg.valueUSD)
		}
		applyAssetUnits := usdToAssetUnits(share, leg.decimals, leg.priceWad)
		if applyAssetUnits.Cmp(p.Amount) > 0 {
			applyAssetUnits = new(big.Int).Set(p.Amount)
		}

		pos, posOk := e.Controller.Positions.Get(nonce, types.Borrow, p.Asset)
		if !posOk {
			return nil, lendcoreerrors.ErrPositionNotFound
		}
		cache, oerr := e.Controller.Market.Open(string(p.Asset), e.Controller.Now())
		if oerr != nil {
			return nil, oerr
		}
		newScaled, overpay, rerr := e.Controller.Market.Repay(cache, pos.ScaledAmount, applyAssetUnits)
		if rerr != nil {
			_ = cache.Release()
			return nil, rerr
		}
		if crerr := cache.Release(); crerr != nil {
			return nil, crerr
		}
		if newScaled.Sign() == 0 {
			e.Controller.Positions.Remove(nonce, types.Borrow, p.Asset)
		} else {
			pos.ScaledAmount = newScaled
			_ = e.Controller.Positions.Put(nonce, pos)
		}
		result.RepaidByAsset[p.Asset] = applyAssetUnits
		refund := new(big.Int).Add(new(big.Int).Sub(p.Amount, applyAssetUnits), overpay)
		if refund.Sign() > 0 {
			result.RefundByAsset[p.Asset] = refund
		}
		e.Controller.Emitter.Emit(events.PositionUpdated{
			AccountNonce: nonce, Kind: "borrow", Asset: string(p.Asset),
			NewScaled: newScaled, Price: leg.priceWad, Caller: "liquidation",
		})
		e.telemetry.IncLiquidation(string(p.Asset))
	}

	// Step 6: proportional seizure across every deposit position.
	for _, c := range cols {
		seizeUSD := proportionalShare(sWad, c.valueUSD, v)
		seizeAssetUnits := usdToAssetUnits(seizeUSD, c.decimals, c.priceWad)
		if seizeAssetUnits.Sign() == 0 {
			continue
		}
		feeUnitsRaw := fx.MulHalfUp(seizeAssetUnits, fx.RescaleHalfUp(big.NewInt(int64(c.feeBps)), fx.Bps, fx.Precision(c.decimals)), fx.Precision(c.decimals))

		pos, posOk := e.Controller.Positions.Get(nonce, types.Deposit, c.asset)
		if !posOk {
			continue
		}
		cache, oerr := e.Controller.Market.Open(string(c.asset), e.Controller.Now())
		if oerr != nil {
			return nil, oerr
		}
		newScaled, net, werr := e.Controller.Market.Withdraw(cache, pos.ScaledAmount, seizeAssetUnits, true, feeUnitsRaw)
		if werr != nil {
			_ = cache.Release()
			return nil, werr
		}
		if crerr := cache.Release(); crerr != nil {
			return nil, crerr
		}
		if newScaled.Sign() == 0 {
			e.Controller.Positions.Remove(nonce, types.Deposit, c.asset)
		} else {
			pos.ScaledAmount = newScaled
			_ = e.Controller.Positions.Put(nonce, pos)
		}
		result.SeizedByAsset[c.asset] = net
		e.Controller.Emitter.Emit(events.PositionUpdated{
			AccountNonce: nonce, Kind: "deposit", Asset: string(c.asset),
			NewScaled: newScaled, Price: c.priceWad, Caller: "liquidation",
		})
	}

	// Step 7: bad-debt socialization.
	remainingDebtUSD := new(big.Int).Sub(d, dWad)
	remainingCollateralUSD := new(big.Int).Sub(v, sWad)
	if remainingDebtUSD.Sign() > 0 && (remainingDebtUSD.Cmp(e.DustThresholdUSDWad) < 0 || remainingCollateralUSD.Cmp(remainingDebtUSD) < 0) {
		for _, c := range cols {
			pos, ok := e.Controller.Positions.Get(nonce, types.Deposit, c.asset)
			if !ok || pos.ScaledAmount.Sign() == 0 {
				continue
			}
			cache, oerr := e.Controller.Market.Open(string(c.asset), e.Controller.Now())
			if oerr != nil {
				return nil, oerr
			}
			if serr := e.Controller.Market.SeizeDeposit(cache, pos.ScaledAmount); serr != nil {
				_ = cache.Release()
				return nil, serr
			}
			if crerr := cache.Release(); crerr != nil {
				return nil, crerr
			}
			e.Controller.Positions.Remove(nonce, types.Deposit, c.asset)
		}
		for _, leg := range debts {
			pos, ok := e.Controller.Positions.Get(nonce, types.Borrow, leg.asset)
			if !ok || pos.ScaledAmount.Sign() == 0 {
				continue
			}
			cache, oerr := e.Controller.Market.Open(string(leg.asset), e.Controller.Now())
			if oerr != nil {
				return nil, oerr
			}
			if serr := e.Controller.Market.SeizeBorrow(cache, pos.ScaledAmount); serr != nil {
				_ = cache.Release()
				return nil, serr
			}
			if crerr := cache.Release(); crerr != nil {
				return nil, crerr
			}
			debtAmount := pos.ScaledAmount
			e.Controller.Positions.Remove(nonce, types.Borrow, leg.asset)
			e.Controller.Emitter.Emit(events.BadDebtCleaned{AccountNonce: nonce, Asset: string(leg.asset), DebtAmount: debtAmount})
			e.telemetry.AddBadDebt(string(leg.asset), usdWadToFloat(leg.valueUSD))
		}
		result.BadDebtUSDWad = remainingDebtUSD
	}

	e.Controller.Emitter.Emit(events.LiquidationExecuted{
		CallID: result.CallID, AccountNonce: nonce, Liquidator: liquidator.String(),
		BonusBpsApplied: result.BonusBpsApplied, BadDebtUSDWad: result.BadDebtUSDWad,
		FullLiquidation: result.FullLiquidation,
	})
	slog.Info("liquidation: executed", "account_nonce", nonce,
		logging.MaskField("liquidator", liquidator.String()),
		"bonus_bps", result.BonusBpsApplied, "full_liquidation", result.FullLiquidation)
	return result, nil
}
