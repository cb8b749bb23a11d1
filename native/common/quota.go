package common

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

var (
	// ErrQuotaRequestsExceeded is returned when an address's per-epoch
	// operation count would exceed its configured limit.
	ErrQuotaRequestsExceeded = errors.New("lendcore: quota requests exceeded")
	// ErrQuotaNotionalCapExceeded is returned when an address's per-epoch
	// notional volume (e.g. cumulative flash loan amount) would exceed its
	// configured cap.
	ErrQuotaNotionalCapExceeded = errors.New("lendcore: quota notional cap exceeded")
	ErrQuotaCounterOverflow     = errors.New("lendcore: quota counter overflow")
)

// Store provides persistence for quota counters, keyed by module, epoch, and
// caller address.
type Store interface {
	Load(module string, epoch uint64, addr []byte) (QuotaNow, bool, error)
	Save(module string, epoch uint64, addr []byte, counters QuotaNow) error
}

// QuotaNow captures the current quota usage counters for an address.
type QuotaNow struct {
	ReqCount     uint32
	NotionalUsed uint64
	EpochID      uint64
}

// Quota defines the per-epoch limits enforced for a caller's interaction
// with a module (spec.md §4 flash_loan/liquidate anti-spam supplemental
// feature).
type Quota struct {
	MaxRequestsPerMin   uint32
	MaxNotionalPerEpoch uint64
	EpochSeconds        uint32
}

// CheckQuota verifies whether the additional request and notional usage fit
// within the configured quota. The returned QuotaNow reflects the updated
// counters when the quota is not exceeded.
func CheckQuota(q Quota, nowEpoch uint64, prev QuotaNow, addReq uint32, addNotional uint64) (QuotaNow, error) {
	next := prev
	if prev.EpochID != nowEpoch {
		next = QuotaNow{EpochID: nowEpoch}
	}

	if addReq > 0 {
		if next.ReqCount > math.MaxUint32-addReq {
			return prev, ErrQuotaCounterOverflow
		}
		next.ReqCount += addReq
	}
	if q.MaxRequestsPerMin > 0 && next.ReqCount > q.MaxRequestsPerMin {
		return prev, ErrQuotaRequestsExceeded
	}

	if addNotional > 0 {
		if next.NotionalUsed > math.MaxUint64-addNotional {
			return prev, ErrQuotaCounterOverflow
		}
		next.NotionalUsed += addNotional
	}
	if q.MaxNotionalPerEpoch > 0 && next.NotionalUsed > q.MaxNotionalPerEpoch {
		return prev, ErrQuotaNotionalCapExceeded
	}

	return next, nil
}

// Apply loads the persisted counters for the provided address and updates
// them with the supplied increments when within quota limits. The updated
// counters are stored back to the underlying persistence layer. When the
// quota is exceeded the original counters are returned alongside the error.
func Apply(store Store, module string, nowEpoch uint64, addr []byte, q Quota, addReq uint32, addNotional uint64) (QuotaNow, error) {
	if store == nil {
		return QuotaNow{}, fmt.Errorf("quota: store unavailable")
	}
	if len(addr) == 0 {
		return QuotaNow{}, fmt.Errorf("quota: address required")
	}
	prev, _, err := store.Load(module, nowEpoch, addr)
	if err != nil {
		return QuotaNow{}, err
	}
	next, err := CheckQuota(q, nowEpoch, prev, addReq, addNotional)
	if err != nil {
		return prev, err
	}
	if err := store.Save(module, nowEpoch, addr, next); err != nil {
		return QuotaNow{}, err
	}
	return next, nil
}

// ErrRateLimited names an exhausted ActionLimiter bucket. ActionLimiter.Allow
// itself reports exhaustion by returning false, not this error.
var ErrRateLimited = errors.New("lendcore: action rate limited")

// ActionLimiter throttles call frequency per string key (an action joined
// with a caller or an asset) using a token bucket per key, independent of the epoch/notional quota
// above: flash loans and liquidations are cheap to call and expensive to
// process (each opens a market cache and runs interest accrual), so a
// smooth per-second limiter guards against call storms that CheckQuota's
// per-minute counter reacts to too slowly.
type ActionLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	r        rate.Limit
	burst    int
}

// NewActionLimiter constructs an ActionLimiter allowing ratePerSecond calls
// per key on average, with up to burst calls admitted instantaneously.
func NewActionLimiter(ratePerSecond float64, burst int) *ActionLimiter {
	return &ActionLimiter{
		limiters: make(map[string]*rate.Limiter),
		r:        rate.Limit(ratePerSecond),
		burst:    burst,
	}
}

// Allow reports whether key (e.g. "flash_loan:USDC", as Controller.FlashLoan builds it) may
// proceed now, consuming a token if so.
func (a *ActionLimiter) Allow(key string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	lim, ok := a.limiters[key]
	if !ok {
		lim = rate.NewLimiter(a.r, a.burst)
		a.limiters[key] = lim
	}
	return lim.Allow()
}

// AllowAt is Allow evaluated against an explicit time, for deterministic
// tests.
func (a *ActionLimiter) AllowAt(key string, now time.Time) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	lim, ok := a.limiters[key]
	if !ok {
		lim = rate.NewLimiter(a.r, a.burst)
		a.limiters[key] = lim
	}
	return lim.AllowN(now, 1)
}
