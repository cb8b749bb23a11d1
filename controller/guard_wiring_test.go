package controller

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"

	lendcoreerrors "lendcore/core/errors"
	"lendcore/core/events"
	"lendcore/market"
	"lendcore/oracle"
	"lendcore/position"
)

type fakePauseView struct {
	paused map[string]bool
}

func (p fakePauseView) IsPaused(module string) bool { return p.paused[module] }

func newGuardedHarness(t *testing.T, pause fakePauseView, ratePerSecond float64, burst int) *harness {
	t.Helper()
	store := newFakeMarketStore()
	store.params["USDC"] = marketParams("USDC")
	store.states["USDC"] = market.NewState()

	me := market.NewEngine(market.NewCacheManager(store))
	positions := position.NewStore()
	accounts := newFakeAccounts()
	configs := newFakeAssetConfigs()
	configs.cfgs["USDC"] = AssetConfig{
		Asset: "USDC", AssetDecimals: 6,
		LTVBps: 8000, LiquidationThresholdBps: 8500, LiquidationBonusBps: 500,
		Collateralizable: true, Borrowable: true,
	}
	prices := newFakePrices()
	prices.set("USDC", 1, oracle.Safe)

	h := &harness{store: store, accounts: accounts, configs: configs, prices: prices, nowMs: 1000}
	now := func() uint64 { return h.nowMs }
	h.c = NewGuarded(me, positions, prices, configs, accounts, NewIsolatedDebtTracker(), pause, events.NoopEmitter{}, now, ratePerSecond, burst)
	return h
}

// TestNewGuardedBlocksPausedModule exercises the native/common.ModuleGuard
// composition path: a module the host's PauseView reports as paused rejects
// every Controller action against it, instead of the permissive
// AllowAllGuard a plain New gives.
func TestNewGuardedBlocksPausedModule(t *testing.T) {
	h := newGuardedHarness(t, fakePauseView{paused: map[string]bool{ActionSupply: true}}, 100, 10)
	_, err := h.c.Supply(nil, []Payment{{Asset: "USDC", Amount: big.NewInt(1_000_000)}}, 0)
	require.Error(t, err)
}

// TestNewGuardedRateLimitsFlashLoan exercises the native/common.ActionLimiter
// composition path: a single-token bucket throttles FlashLoan after its
// burst is exhausted.
func TestNewGuardedRateLimitsFlashLoan(t *testing.T) {
	h := newGuardedHarness(t, fakePauseView{}, 0, 1)
	_, err := h.c.Supply(nil, []Payment{{Asset: "USDC", Amount: big.NewInt(1_000_000_000)}}, 0)
	require.NoError(t, err)

	callee := noopFlashLoanCallee{}
	require.NoError(t, h.c.FlashLoan("USDC", big.NewInt(1000), 9, callee, "repay", nil))
	err = h.c.FlashLoan("USDC", big.NewInt(1000), 9, callee, "repay", nil)
	require.ErrorIs(t, err, lendcoreerrors.ErrCallerRateLimited)
}

type noopFlashLoanCallee struct{}

func (noopFlashLoanCallee) Call(endpoint string, args []byte) (*big.Int, error) {
	return big.NewInt(1009), nil
}
