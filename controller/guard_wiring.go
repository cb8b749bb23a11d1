package controller

import (
	"lendcore/core/events"
	"lendcore/market"
	"lendcore/native/common"
	"lendcore/position"
)

// NewGuarded constructs a Controller the same way New does, but installs the
// concrete native/common pause-switch and per-action rate limiter instead of
// the permissive AllowAllGuard/nil-Limiter defaults (SPEC_FULL.md §4's
// circuit-breaker and flash-loan/liquidate anti-spam supplements). pause may
// be nil, in which case no module is ever treated as paused, matching
// common.Guard's nil-PauseView behavior. flashLoanRatePerSecond/burst size
// the common.ActionLimiter token bucket guarding FlashLoan.
func NewGuarded(me *market.Engine, positions *position.Store, prices Prices, configs AssetConfigs, accounts Accounts, isolated *IsolatedDebtTracker, pause common.PauseView, emitter events.Emitter, now func() uint64, flashLoanRatePerSecond float64, flashLoanBurst int) *Controller {
	c := New(me, positions, prices, configs, accounts, isolated, common.ModuleGuard{Pause: pause}, emitter, now)
	c.Limiter = common.NewActionLimiter(flashLoanRatePerSecond, flashLoanBurst)
	return c
}
