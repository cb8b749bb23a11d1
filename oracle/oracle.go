// Package oracle implements the price gate (spec.md §4.5): it takes raw
// aggregator and TWAP quotes supplied by the host's price-aggregator service
// (out of scope, see spec.md §1) and turns them into a wad price plus a
// tolerance classification the rest of the module can gate operations on.
// It generalizes the teacher's core/pricing.DefaultPriceFeed (a single
// hard-coded ZNHB/USD deviation check) into a per-asset, per-oracle-type
// gate, and borrows the aggregator/TWAP sourcing shape from
// native/swap/oracle.go's OracleAggregator without any of its HTTP
// transport concerns (those belong to the external aggregator service).
package oracle

import (
	"errors"
	"fmt"
	"math/big"
	"time"

	"lendcore/fx"
)

// Type selects how an asset's price is derived.
type Type int

const (
	Normal Type = iota
	Derived
	Lp
)

func (t Type) String() string {
	switch t {
	case Normal:
		return "normal"
	case Derived:
		return "derived"
	case Lp:
		return "lp"
	default:
		return "unknown"
	}
}

// Class is the tolerance classification assigned to a resolved price.
type Class int

const (
	Safe Class = iota
	Average
	Unsafe
)

func (c Class) String() string {
	switch c {
	case Safe:
		return "safe"
	case Average:
		return "average"
	case Unsafe:
		return "unsafe"
	default:
		return "unknown"
	}
}

// Permits reports whether a class is acceptable under the given unsafe-price
// allowance.
func (c Class) Permits(allowUnsafe bool) bool {
	switch c {
	case Safe, Average:
		return true
	case Unsafe:
		return allowUnsafe
	default:
		return false
	}
}

// Tolerance bounds the allowed deviation (in bps) between the aggregator
// price and the safe TWAP, for both the Safe and Average tiers.
type Tolerance struct {
	FirstUpperBps uint64
	FirstLowerBps uint64
	LastUpperBps  uint64
	LastLowerBps  uint64
}

// Bounds the configurable tolerance values must fall within, per spec.md §4.5.
const (
	MinFirstTolBps = 50
	MaxFirstTolBps = 5000
	MinLastTolBps  = 150
	MaxLastTolBps  = 10000
)

// ErrInvalidTolerance is returned when a Tolerance's bps values fall outside
// the configured bounds.
var ErrInvalidTolerance = errors.New("oracle: tolerance bps out of bounds")

// Validate checks the tolerance's bps values against MinFirstTolBps..MaxLastTolBps.
func (t Tolerance) Validate() error {
	if t.FirstUpperBps < MinFirstTolBps || t.FirstUpperBps > MaxFirstTolBps {
		return fmt.Errorf("%w: first_upper_bps=%d", ErrInvalidTolerance, t.FirstUpperBps)
	}
	if t.FirstLowerBps < MinFirstTolBps || t.FirstLowerBps > MaxFirstTolBps {
		return fmt.Errorf("%w: first_lower_bps=%d", ErrInvalidTolerance, t.FirstLowerBps)
	}
	if t.LastUpperBps < MinLastTolBps || t.LastUpperBps > MaxLastTolBps {
		return fmt.Errorf("%w: last_upper_bps=%d", ErrInvalidTolerance, t.LastUpperBps)
	}
	if t.LastLowerBps < MinLastTolBps || t.LastLowerBps > MaxLastTolBps {
		return fmt.Errorf("%w: last_lower_bps=%d", ErrInvalidTolerance, t.LastLowerBps)
	}
	return nil
}

// Config is the per-asset oracle configuration (spec.md §4.5).
type Config struct {
	Type           Type
	Source         string
	BaseAsset      string
	QuoteAsset     string
	MaxStalenessS  int64
	Tolerance      Tolerance
	// DerivedTolerance optionally bounds the deviation between a Derived
	// asset's computed price and market spot. Left nil, no comparison is
	// performed, per the Open Question in spec.md §9 on configurability of
	// derived-token tolerance.
	DerivedTolerance *Tolerance
}

// maxSafeTwapAge is the hard bound on TWAP staleness for every resolution
// class, regardless of MaxStalenessS, per spec.md §4.5.
const maxSafeTwapAge = 15 * time.Minute

// Quote is a raw timestamped price observation, denominated in wad (quote
// units per one asset unit).
type Quote struct {
	Price     *big.Int
	Timestamp time.Time
}

// Sentinel errors for price resolution failures (spec.md §7 Oracle category).
var (
	ErrPriceFeedStale        = errors.New("oracle: price feed stale")
	ErrUnsafePriceNotAllowed = errors.New("oracle: unsafe price not allowed")
	ErrNoLastPrice           = errors.New("oracle: no last price available")
	ErrOracleTokenNotFound   = errors.New("oracle: token not configured")
)

// Sources supplies the raw aggregator/TWAP quotes and LP pair reserves that
// back price resolution. The host's price-aggregator service and oracle
// aggregator implement this; the gate only consumes it.
type Sources interface {
	// Aggregator returns the latest signed aggregator quote for an asset.
	Aggregator(asset string) (Quote, error)
	// SafeTWAP returns the latest time-weighted average quote for an asset.
	SafeTWAP(asset string) (Quote, error)
	// ExchangeRate returns a derived-token's wad exchange rate against its
	// base asset, from the named source.
	ExchangeRate(source string) (*big.Int, error)
	// LpReserves returns an LP pair's token reserves and total supply.
	LpReserves(asset string) (reserveA, reserveB, totalSupply *big.Int, err error)
}

// Gate resolves per-asset prices and classifies them, per spec.md §4.5.
type Gate struct {
	configs map[string]Config
	sources Sources
	now     func() time.Time
}

// NewGate constructs a price gate over the given per-asset configs.
func NewGate(configs map[string]Config, sources Sources) *Gate {
	cloned := make(map[string]Config, len(configs))
	for k, v := range configs {
		cloned[k] = v
	}
	return &Gate{configs: cloned, sources: sources, now: time.Now}
}

// SetClock overrides the gate's time source; used by tests.
func (g *Gate) SetClock(now func() time.Time) {
	if now == nil {
		now = time.Now
	}
	g.now = now
}

// Resolved is the outcome of resolving a single asset's price.
type Resolved struct {
	Price *big.Int // wad
	Class Class
}

// Price resolves an asset's wad price and tolerance class, per spec.md §4.5.
// allowUnsafe gates whether an Unsafe classification is returned or rejected
// with ErrUnsafePriceNotAllowed.
func (g *Gate) Price(asset string, allowUnsafe bool) (Resolved, error) {
	cfg, ok := g.configs[asset]
	if !ok {
		return Resolved{}, fmt.Errorf("%w: %s", ErrOracleTokenNotFound, asset)
	}
	switch cfg.Type {
	case Normal:
		return g.priceNormal(asset, cfg, allowUnsafe)
	case Derived:
		return g.priceDerived(asset, cfg, allowUnsafe)
	case Lp:
		return g.priceLp(asset, cfg)
	default:
		return Resolved{}, fmt.Errorf("oracle: unknown type for %s", asset)
	}
}

func (g *Gate) priceNormal(asset string, cfg Config, allowUnsafe bool) (Resolved, error) {
	agg, err := g.sources.Aggregator(asset)
	if err != nil {
		return Resolved{}, fmt.Errorf("%w: %v", ErrNoLastPrice, err)
	}
	safe, err := g.sources.SafeTWAP(asset)
	if err != nil {
		return Resolved{}, fmt.Errorf("%w: %v", ErrNoLastPrice, err)
	}
	now := g.now()
	if cfg.MaxStalenessS > 0 {
		if now.Sub(agg.Timestamp) > time.Duration(cfg.MaxStalenessS)*time.Second {
			return Resolved{}, ErrPriceFeedStale
		}
	}
	if now.Sub(safe.Timestamp) > maxSafeTwapAge {
		return Resolved{}, ErrPriceFeedStale
	}
	if agg.Price == nil || agg.Price.Sign() <= 0 || safe.Price == nil || safe.Price.Sign() <= 0 {
		return Resolved{}, ErrNoLastPrice
	}

	deviationBps, signed := deviationBps(agg.Price, safe.Price)

	var upperFirst, lowerFirst, upperLast, lowerLast uint64 = cfg.Tolerance.FirstUpperBps, cfg.Tolerance.FirstLowerBps, cfg.Tolerance.LastUpperBps, cfg.Tolerance.LastLowerBps
	withinFirst := (signed >= 0 && deviationBps <= upperFirst) || (signed < 0 && deviationBps <= lowerFirst)
	if withinFirst {
		return Resolved{Price: new(big.Int).Set(safe.Price), Class: Safe}, nil
	}
	withinLast := (signed >= 0 && deviationBps <= upperLast) || (signed < 0 && deviationBps <= lowerLast)
	if withinLast {
		avg := new(big.Int).Add(agg.Price, safe.Price)
		avg = fx.DivScalarHalfUp(avg, 2)
		return Resolved{Price: avg, Class: Average}, nil
	}
	if !allowUnsafe {
		return Resolved{}, ErrUnsafePriceNotAllowed
	}
	return Resolved{Price: new(big.Int).Set(safe.Price), Class: Unsafe}, nil
}

// deviationBps returns |a-s|/s in bps and the sign of (a-s).
func deviationBps(a, s *big.Int) (magnitude uint64, sign int) {
	diff := new(big.Int).Sub(a, s)
	sign = diff.Sign()
	abs := new(big.Int).Abs(diff)
	ratio, err := fx.DivHalfUp(abs, s, fx.Bps)
	if err != nil {
		return 0, sign
	}
	if !ratio.IsInt64() || ratio.Sign() < 0 {
		return ^uint64(0), sign
	}
	return uint64(ratio.Int64()), sign
}

func (g *Gate) priceDerived(asset string, cfg Config, allowUnsafe bool) (Resolved, error) {
	base, err := g.Price(cfg.BaseAsset, allowUnsafe)
	if err != nil {
		return Resolved{}, err
	}
	xrate, err := g.sources.ExchangeRate(cfg.Source)
	if err != nil {
		return Resolved{}, fmt.Errorf("%w: %v", ErrNoLastPrice, err)
	}
	price := fx.MulHalfUp(base.Price, xrate, fx.Wad)

	class := base.Class
	if cfg.DerivedTolerance != nil {
		spot, err := g.sources.Aggregator(asset)
		if err == nil && spot.Price != nil && spot.Price.Sign() > 0 {
			deviationBps, signed := deviationBps(spot.Price, price)
			t := *cfg.DerivedTolerance
			withinFirst := (signed >= 0 && deviationBps <= t.FirstUpperBps) || (signed < 0 && deviationBps <= t.FirstLowerBps)
			withinLast := (signed >= 0 && deviationBps <= t.LastUpperBps) || (signed < 0 && deviationBps <= t.LastLowerBps)
			switch {
			case withinFirst:
			case withinLast:
				if class == Safe {
					class = Average
				}
			default:
				if !allowUnsafe {
					return Resolved{}, ErrUnsafePriceNotAllowed
				}
				class = Unsafe
			}
		}
	}
	return Resolved{Price: price, Class: class}, nil
}

// priceLp implements the Arda formula (spec.md §4.5) for LP token pricing.
// Given reserves Ra, Rb and constituent prices Pa, Pb, it computes the
// no-arbitrage fair value of one LP share.
func (g *Gate) priceLp(asset string, cfg Config) (Resolved, error) {
	ra, rb, totalSupply, err := g.sources.LpReserves(asset)
	if err != nil {
		return Resolved{}, fmt.Errorf("%w: %v", ErrNoLastPrice, err)
	}
	if totalSupply == nil || totalSupply.Sign() <= 0 {
		return Resolved{}, ErrNoLastPrice
	}
	priceA, err := g.Price(cfg.BaseAsset, false)
	if err != nil {
		return Resolved{}, err
	}
	priceB, err := g.Price(cfg.QuoteAsset, false)
	if err != nil {
		return Resolved{}, err
	}

	k := fx.MulHalfUp(ra, rb, fx.Wad)
	// X' = sqrt(K * Pb / Pa), Y' = sqrt(K * Pa / Pb), all in wad.
	kPb := fx.MulHalfUp(k, priceB.Price, fx.Wad)
	xPrimeSq, err := fx.DivHalfUp(kPb, priceA.Price, fx.Wad)
	if err != nil {
		return Resolved{}, fmt.Errorf("oracle: lp price division: %w", err)
	}
	kPa := fx.MulHalfUp(k, priceA.Price, fx.Wad)
	yPrimeSq, err := fx.DivHalfUp(kPa, priceB.Price, fx.Wad)
	if err != nil {
		return Resolved{}, fmt.Errorf("oracle: lp price division: %w", err)
	}

	xPrime := sqrtWad(xPrimeSq)
	yPrime := sqrtWad(yPrimeSq)

	lpValue := new(big.Int).Add(
		fx.MulHalfUp(xPrime, priceA.Price, fx.Wad),
		fx.MulHalfUp(yPrime, priceB.Price, fx.Wad),
	)
	lpPrice, err := fx.DivHalfUp(lpValue, totalSupply, fx.Wad)
	if err != nil {
		return Resolved{}, fmt.Errorf("oracle: lp price division: %w", err)
	}

	class := Safe
	if priceA.Class > class {
		class = priceA.Class
	}
	if priceB.Class > class {
		class = priceB.Class
	}
	return Resolved{Price: lpPrice, Class: class}, nil
}

// sqrtWad computes the integer square root of a wad value, scaled back into
// wad: sqrt(x * 10^18) rounded down, matching the "half-precision sqrt with
// scaling recovery" the spec calls for.
func sqrtWad(x *big.Int) *big.Int {
	if x == nil || x.Sign() <= 0 {
		return big.NewInt(0)
	}
	scaled := new(big.Int).Mul(x, fx.Wad.Unit())
	return new(big.Int).Sqrt(scaled)
}

// Cache is a per-transaction price cache keyed by asset, per spec.md §4.5.
// It must be cleared after any operation that could change oracle-relevant
// state (e.g. executing an external swap during a flash loan).
type Cache struct {
	gate    *Gate
	entries map[string]Resolved
}

// NewCache constructs an empty per-transaction price cache over gate.
func NewCache(gate *Gate) *Cache {
	return &Cache{gate: gate, entries: make(map[string]Resolved)}
}

// Price returns the cached resolution for asset, resolving and caching it on
// first access within this transaction.
func (c *Cache) Price(asset string, allowUnsafe bool) (Resolved, error) {
	if r, ok := c.entries[asset]; ok {
		return r, nil
	}
	r, err := c.gate.Price(asset, allowUnsafe)
	if err != nil {
		return Resolved{}, err
	}
	c.entries[asset] = r
	return r, nil
}

// Clear discards every cached price, forcing the next Price call per asset
// to re-resolve. Called after any operation that could invalidate cached
// prices (e.g. a flash loan's external callee swapping on-chain liquidity).
func (c *Cache) Clear() {
	c.entries = make(map[string]Resolved)
}
