package controller

import (
	"errors"
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"

	"lendcore/core/events"
	"lendcore/core/types"
	"lendcore/fx"
	"lendcore/market"
	"lendcore/oracle"
	"lendcore/position"
)

var errUnknownAsset = errors.New("controller test: unknown asset")

type fakeMarketStore struct {
	params map[string]market.Params
	states map[string]*market.State
}

func newFakeMarketStore() *fakeMarketStore {
	return &fakeMarketStore{params: make(map[string]market.Params), states: make(map[string]*market.State)}
}

func (s *fakeMarketStore) GetParams(asset string) (market.Params, error) { return s.params[asset], nil }
func (s *fakeMarketStore) GetState(asset string) (*market.State, error) { return s.states[asset], nil }
func (s *fakeMarketStore) PutState(asset string, state *market.State) error {
	s.states[asset] = state
	return nil
}

func rayPct(pct int64) *big.Int { return fx.RescaleHalfUp(big.NewInt(pct), fx.Bps, fx.Ray) }

func marketParams(asset string) market.Params {
	return market.Params{
		Asset:                asset,
		MaxBorrowRate:        rayPct(10000),
		BaseBorrowRate:       rayPct(100),
		Slope1:               rayPct(400),
		Slope2:               rayPct(2500),
		Slope3:               rayPct(10000),
		MidUtilization:       rayPct(4000),
		OptimalUtilization:   rayPct(8000),
		ReserveFactorBps:     1000,
		FlashLoanEnabled:     true,
		FlashLoanFeeBps:      9,
		MaxOriginationFeeBps: 100,
	}
}

type fakeAccounts struct {
	next  uint64
	attrs map[uint64]AccountAttributes
}

func newFakeAccounts() *fakeAccounts {
	return &fakeAccounts{attrs: make(map[uint64]AccountAttributes)}
}

func (a *fakeAccounts) GetAttributes(nonce uint64) (AccountAttributes, bool) {
	v, ok := a.attrs[nonce]
	return v, ok
}
func (a *fakeAccounts) PutAttributes(nonce uint64, attrs AccountAttributes) { a.attrs[nonce] = attrs }
func (a *fakeAccounts) MintNonce() uint64 {
	a.next++
	return a.next
}

type fakeAssetConfigs struct {
	cfgs map[types.AssetID]AssetConfig
	cats map[uint8]EModeCategory
}

func newFakeAssetConfigs() *fakeAssetConfigs {
	return &fakeAssetConfigs{cfgs: make(map[types.AssetID]AssetConfig), cats: make(map[uint8]EModeCategory)}
}

func (c *fakeAssetConfigs) Get(asset types.AssetID) (AssetConfig, error) {
	cfg, ok := c.cfgs[asset]
	if !ok {
		return AssetConfig{}, errUnknownAsset
	}
	return cfg, nil
}
func (c *fakeAssetConfigs) EModeCategory(id uint8) (EModeCategory, bool) {
	cat, ok := c.cats[id]
	return cat, ok
}
func (c *fakeAssetConfigs) EModeAsset(asset types.AssetID, id uint8) (EModeAsset, bool) {
	return EModeAsset{Collateralizable: true, Borrowable: true}, true
}

type fakePrices struct {
	prices map[types.AssetID]*big.Int
	class  map[types.AssetID]oracle.Class
}

func newFakePrices() *fakePrices {
	return &fakePrices{prices: make(map[types.AssetID]*big.Int), class: make(map[types.AssetID]oracle.Class)}
}

func (p *fakePrices) set(asset types.AssetID, priceWad int64, class oracle.Class) {
	p.prices[asset] = big.NewInt(priceWad)
	p.class[asset] = class
}

func (p *fakePrices) Price(asset string, allowUnsafe bool) (oracle.Resolved, error) {
	price, ok := p.prices[types.AssetID(asset)]
	if !ok {
		return oracle.Resolved{}, oracle.ErrOracleTokenNotFound
	}
	class := p.class[types.AssetID(asset)]
	if class == oracle.Unsafe && !allowUnsafe {
		return oracle.Resolved{}, oracle.ErrUnsafePriceNotAllowed
	}
	return oracle.Resolved{Price: price, Class: class}, nil
}

func wadUnits(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), fx.Wad.Unit())
}

type harness struct {
	c        *Controller
	store    *fakeMarketStore
	accounts *fakeAccounts
	configs  *fakeAssetConfigs
	prices   *fakePrices
	nowMs    uint64
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store := newFakeMarketStore()
	store.params["USDC"] = marketParams("USDC")
	store.states["USDC"] = market.NewState()
	store.params["ETH"] = marketParams("ETH")
	store.states["ETH"] = market.NewState()

	me := market.NewEngine(market.NewCacheManager(store))
	positions := position.NewStore()
	accounts := newFakeAccounts()
	configs := newFakeAssetConfigs()
	configs.cfgs["USDC"] = AssetConfig{
		Asset: "USDC", AssetDecimals: 6,
		LTVBps: 8000, LiquidationThresholdBps: 8500, LiquidationBonusBps: 500,
		Collateralizable: true, Borrowable: true,
	}
	configs.cfgs["ETH"] = AssetConfig{
		Asset: "ETH", AssetDecimals: 18,
		LTVBps: 7500, LiquidationThresholdBps: 8000, LiquidationBonusBps: 500,
		Collateralizable: true, Borrowable: true,
	}
	prices := newFakePrices()
	prices.set("USDC", 1, oracle.Safe)
	prices.set("ETH", 2000, oracle.Safe)

	h := &harness{store: store, accounts: accounts, configs: configs, prices: prices, nowMs: 1000}
	now := func() uint64 { return h.nowMs }
	h.c = New(me, positions, prices, configs, accounts, NewIsolatedDebtTracker(), nil, events.NoopEmitter{}, now)
	return h
}

func TestSupplyMintsNonceAndCreatesPosition(t *testing.T) {
	h := newHarness(t)
	nonce, err := h.c.Supply(nil, []Payment{{Asset: "USDC", Amount: big.NewInt(1_000_000)}}, 0)
	require.NoError(t, err)
	require.Equal(t, uint64(1), nonce)

	pos, ok := h.c.Positions.Get(nonce, types.Deposit, "USDC")
	require.True(t, ok)
	require.True(t, pos.ScaledAmount.Sign() > 0)
}

func TestSupplyRejectsNonCollateralizableAsset(t *testing.T) {
	h := newHarness(t)
	h.configs.cfgs["USDC"] = AssetConfig{Asset: "USDC", AssetDecimals: 6, Collateralizable: false}
	_, err := h.c.Supply(nil, []Payment{{Asset: "USDC", Amount: big.NewInt(1)}}, 0)
	require.Error(t, err)
}

func TestBorrowRequiresHealthFactor(t *testing.T) {
	h := newHarness(t)
	nonce, err := h.c.Supply(nil, []Payment{{Asset: "ETH", Amount: wadUnits(1)}}, 0)
	require.NoError(t, err)

	// Seed USDC liquidity so the market has reserves to lend from.
	_, err = h.c.Supply(&[]uint64{99}[0], []Payment{{Asset: "USDC", Amount: big.NewInt(1_000_000_000_000)}}, 0)
	require.NoError(t, err)

	// 1 ETH at $2000, LTV 75% => up to $1500 borrowable.
	err = h.c.Borrow(nonce, []Payment{{Asset: "USDC", Amount: big.NewInt(1_400_000_000)}})
	require.NoError(t, err)

	err = h.c.Borrow(nonce, []Payment{{Asset: "USDC", Amount: big.NewInt(1_000_000_000)}})
	require.Error(t, err)
}

func TestSupplyWithdrawRoundTripNoTimeElapsed(t *testing.T) {
	h := newHarness(t)
	nonce, err := h.c.Supply(nil, []Payment{{Asset: "USDC", Amount: big.NewInt(100_000_000)}}, 0)
	require.NoError(t, err)

	err = h.c.Withdraw(nonce, []Payment{{Asset: "USDC", Amount: big.NewInt(0)}})
	require.NoError(t, err)

	_, ok := h.c.Positions.Get(nonce, types.Deposit, "USDC")
	require.False(t, ok)
}

func TestBorrowRepayRoundTrip(t *testing.T) {
	h := newHarness(t)
	_, err := h.c.Supply(&[]uint64{99}[0], []Payment{{Asset: "USDC", Amount: big.NewInt(1_000_000_000_000)}}, 0)
	require.NoError(t, err)
	nonce, err := h.c.Supply(nil, []Payment{{Asset: "ETH", Amount: wadUnits(1)}}, 0)
	require.NoError(t, err)

	require.NoError(t, h.c.Borrow(nonce, []Payment{{Asset: "USDC", Amount: big.NewInt(500_000_000)}}))
	// The harness market's 1% origination fee is part of the debt: 505 USDC.
	refunds, err := h.c.Repay(nonce, []Payment{{Asset: "USDC", Amount: big.NewInt(505_000_000)}})
	require.NoError(t, err)
	require.Empty(t, refunds)

	_, ok := h.c.Positions.Get(nonce, types.Borrow, "USDC")
	require.False(t, ok)
}

func TestFlashLoanGuardRejectsReentry(t *testing.T) {
	h := newHarness(t)
	_, err := h.c.Supply(&[]uint64{1}[0], []Payment{{Asset: "USDC", Amount: big.NewInt(1_000_000)}}, 0)
	require.NoError(t, err)

	h.c.flashLoanOngoing = true
	err = h.c.FlashLoan("USDC", big.NewInt(1000), 9, nil, "repay", nil)
	require.Error(t, err)
}
