package controller

import (
	"math/big"

	"lendcore/crypto"

	lendcoreerrors "lendcore/core/errors"
	"lendcore/core/events"
	"lendcore/core/types"
	"lendcore/fx"
	"lendcore/market"
	"lendcore/oracle"
	"lendcore/position"
)

// Payment is one (asset, amount) leg of a multi-asset request, following the
// teacher's pattern of passing raw token amounts rather than a generic
// "coin" abstraction (native/lending.Engine.Supply et al take a single
// *big.Int amount per call).
type Payment struct {
	Asset  types.AssetID
	Amount *big.Int
}

// AssetConfigs resolves per-asset risk configuration and e-mode tables. A
// concrete host implementation is backed by config.Load (ambient TOML
// config); Controller only depends on this narrow read interface.
type AssetConfigs interface {
	Get(asset types.AssetID) (AssetConfig, error)
	EModeCategory(id uint8) (EModeCategory, bool)
	EModeAsset(asset types.AssetID, id uint8) (EModeAsset, bool)
}

// Accounts resolves and persists per-nonce AccountAttributes, and mints
// fresh nonces for first-time suppliers.
type Accounts interface {
	GetAttributes(nonce uint64) (AccountAttributes, bool)
	PutAttributes(nonce uint64, attrs AccountAttributes)
	MintNonce() uint64
}

// Prices resolves a current wad price for an asset, gated by the oracle
// tolerance rules of spec.md §4.5. A *oracle.Cache is the production
// implementation (per-transaction memoized).
type Prices interface {
	Price(asset string, allowUnsafe bool) (oracle.Resolved, error)
}

// Guard models the circuit-breaker / pause switches supplemental feature
// (SPEC_FULL.md §4, grounded on the teacher's native/common.Guard): a
// blanket per-action kill switch independent of any one asset's config.
type Guard interface {
	Allowed(action string) bool
}

// AllowAllGuard is the zero-value Guard: every action is permitted. Hosts
// that do not need circuit breakers can use this instead of nil-checking.
type AllowAllGuard struct{}

// Allowed implements Guard.
func (AllowAllGuard) Allowed(string) bool { return true }

// RateLimiter throttles actions by key (Controller.FlashLoan uses
// "flash_loan:<asset>"), satisfied structurally by
// native/common.ActionLimiter's token-bucket implementation. A nil
// Controller.Limiter performs no throttling.
type RateLimiter interface {
	Allow(key string) bool
}

// Controller orchestrates the user-facing flows of spec.md §4.7, delegating
// ledger mutation to market.Engine and position bookkeeping to
// position.Store. It never mutates MarketState directly, matching the
// spec's "controller-privileged" boundary (§4.4).
type Controller struct {
	Market       *market.Engine
	Positions    *position.Store
	Prices       Prices
	Configs      AssetConfigs
	Accounts     Accounts
	IsolatedDebt *IsolatedDebtTracker
	Guard        Guard
	Emitter      events.Emitter
	Limiter      RateLimiter // optional; nil performs no rate limiting
	Now          func() uint64 // current time in ms, host-supplied

	// DevFeeCollector labels the recipient of Borrow's origination-fee
	// accrual (SPEC_FULL.md §4) in emitted events; it does not itself move
	// funds (DeveloperRevenueScaled is claimed separately through
	// market.Engine.ClaimDeveloperRevenue). Zero value renders as "" and is
	// safe to leave unset.
	DevFeeCollector crypto.Address

	flashLoanOngoing bool
}

// New constructs a Controller. emitter may be events.NoopEmitter{} if the
// host does not wire an event sink.
func New(me *market.Engine, positions *position.Store, prices Prices, configs AssetConfigs, accounts Accounts, isolated *IsolatedDebtTracker, guard Guard, emitter events.Emitter, now func() uint64) *Controller {
	if guard == nil {
		guard = AllowAllGuard{}
	}
	if emitter == nil {
		emitter = events.NoopEmitter{}
	}
	return &Controller{
		Market:       me,
		Positions:    positions,
		Prices:       prices,
		Configs:      configs,
		Accounts:     accounts,
		IsolatedDebt: isolated,
		Guard:        guard,
		Emitter:      emitter,
		Now:          now,
	}
}

// allowUnsafePrice implements spec.md §4.5's permit rule: a caller with any
// open Borrow position must not accept Unsafe-class prices.
func (c *Controller) allowUnsafePrice(nonce uint64) bool {
	return !c.Positions.HasAnyBorrow(nonce)
}

func valueUSDWad(amountRaw *big.Int, decimals uint8, priceWad *big.Int) *big.Int {
	amountWad := fx.RescaleHalfUp(amountRaw, fx.Precision(decimals), fx.Wad)
	return fx.MulHalfUp(amountWad, priceWad, fx.Wad)
}

// ValueUSDWad exports valueUSDWad for the liquidation engine, which needs
// the same raw-amount-to-USD conversion outside this package.
func ValueUSDWad(amountRaw *big.Int, decimals uint8, priceWad *big.Int) *big.Int {
	return valueUSDWad(amountRaw, decimals, priceWad)
}

// snapshotRisk builds the RiskSnapshot for a newly created position, taking
// e-mode overrides into account when attrs.EModeID != 0.
func (c *Controller) snapshotRisk(cfg AssetConfig, attrs AccountAttributes) position.RiskSnapshot {
	snap := position.RiskSnapshot{
		LTVBps:                  cfg.LTVBps,
		LiquidationThresholdBps: cfg.LiquidationThresholdBps,
		LiquidationBonusBps:     cfg.LiquidationBonusBps,
		LiquidationFeeBps:       cfg.LiquidationFeeBps,
	}
	if attrs.EModeID != 0 {
		if cat, ok := c.Configs.EModeCategory(attrs.EModeID); ok {
			snap.LTVBps = cat.LTVBps
			snap.LiquidationThresholdBps = cat.LiquidationThresholdBps
			snap.LiquidationBonusBps = cat.LiquidationBonusBps
		}
	}
	return snap
}

// weightedDeposits gathers every Deposit position's USD value and threshold
// snapshot for health-factor computation (spec.md §4.7, §4.8). When
// strictClass is set (Borrow/Withdraw/Liquidate per spec.md §4.5), any
// Unsafe-class price aborts the whole computation.
func (c *Controller) weightedDeposits(nonce uint64, strictClass bool) ([]WeightedCollateral, error) {
	deposits := c.Positions.IterByKind(nonce, types.Deposit)
	out := make([]WeightedCollateral, 0, len(deposits))
	allowUnsafe := c.allowUnsafePrice(nonce)
	for _, p := range deposits {
		cfg, err := c.Configs.Get(p.Asset)
		if err != nil {
			return nil, err
		}
		resolved, err := c.Prices.Price(string(p.Asset), allowUnsafe)
		if err != nil {
			return nil, err
		}
		if strictClass && resolved.Class == oracle.Unsafe {
			return nil, oracle.ErrUnsafePriceNotAllowed
		}
		// MulHalfUp with fx.Ray as the shared precision for both the
		// scale-down (market.Supply's DivHalfUp) and scale-up here recovers
		// the original raw asset-decimal amount directly; no further rescale
		// is needed (the ray precision only ever served as the round-trip
		// medium, not the amount's own decimal scale).
		amountAssetUnits := fx.MulHalfUp(p.ScaledAmount, c.supplyIndexOf(p.Asset), fx.Ray)
		value := valueUSDWad(amountAssetUnits, cfg.AssetDecimals, resolved.Price)
		out = append(out, WeightedCollateral{ValueUSDWad: value, LiquidationThresholdBps: p.Risk.LiquidationThresholdBps, LTVBps: p.Risk.LTVBps})
	}
	return out, nil
}

// totalBorrowUSDWad sums every Borrow position's USD value, applying the
// same strict oracle-class gate as weightedDeposits.
func (c *Controller) totalBorrowUSDWad(nonce uint64, strictClass bool) (*big.Int, error) {
	borrows := c.Positions.IterByKind(nonce, types.Borrow)
	total := big.NewInt(0)
	allowUnsafe := c.allowUnsafePrice(nonce)
	for _, p := range borrows {
		cfg, err := c.Configs.Get(p.Asset)
		if err != nil {
			return nil, err
		}
		resolved, err := c.Prices.Price(string(p.Asset), allowUnsafe)
		if err != nil {
			return nil, err
		}
		if strictClass && resolved.Class == oracle.Unsafe {
			return nil, oracle.ErrUnsafePriceNotAllowed
		}
		amountAssetUnits := fx.MulHalfUp(p.ScaledAmount, c.borrowIndexOf(p.Asset), fx.Ray)
		value := valueUSDWad(amountAssetUnits, cfg.AssetDecimals, resolved.Price)
		total = new(big.Int).Add(total, value)
	}
	return total, nil
}

// HealthFactor computes spec.md §4.7/§4.8's hf for nonce as an
// informational read: it always uses strictClass=false, so Unsafe-class
// prices do not abort it. The Borrow/Withdraw gates call healthFactor with
// strictClass=true directly.
func (c *Controller) HealthFactor(nonce uint64) (HealthFactor, error) {
	return c.healthFactor(nonce, false)
}

func (c *Controller) healthFactor(nonce uint64, strictClass bool) (HealthFactor, error) {
	deposits, err := c.weightedDeposits(nonce, strictClass)
	if err != nil {
		return HealthFactor{}, err
	}
	borrowTotal, err := c.totalBorrowUSDWad(nonce, strictClass)
	if err != nil {
		return HealthFactor{}, err
	}
	return ComputeHealthFactor(deposits, borrowTotal), nil
}

func (c *Controller) requireHealthy(nonce uint64) error {
	hf, err := c.healthFactor(nonce, true)
	if err != nil {
		return err
	}
	if hf.Lt(fx.Wad.Unit()) {
		return lendcoreerrors.ErrHealthFactorTooLow
	}
	return nil
}

// supplyIndexOf/borrowIndexOf peek a market's current index without holding
// its cache open, by opening and immediately releasing (global_sync still
// runs, so values reflect the latest accrual). Used only for read paths
// (health factor, valuation) outside the mutating operation's own cache
// scope.
func (c *Controller) supplyIndexOf(asset types.AssetID) *big.Int {
	cache, err := c.Market.Open(string(asset), c.Now())
	if err != nil {
		return fx.Ray.Unit()
	}
	idx := new(big.Int).Set(cache.State.SupplyIndex)
	_ = cache.Release()
	return idx
}

func (c *Controller) borrowIndexOf(asset types.AssetID) *big.Int {
	cache, err := c.Market.Open(string(asset), c.Now())
	if err != nil {
		return fx.Ray.Unit()
	}
	idx := new(big.Int).Set(cache.State.BorrowIndex)
	_ = cache.Release()
	return idx
}
