package oracle

import (
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeSources struct {
	agg      map[string]Quote
	twap     map[string]Quote
	xrate    map[string]*big.Int
	lpA      map[string]*big.Int
	lpB      map[string]*big.Int
	lpSupply map[string]*big.Int
}

func newFakeSources() *fakeSources {
	return &fakeSources{
		agg:      make(map[string]Quote),
		twap:     make(map[string]Quote),
		xrate:    make(map[string]*big.Int),
		lpA:      make(map[string]*big.Int),
		lpB:      make(map[string]*big.Int),
		lpSupply: make(map[string]*big.Int),
	}
}

func (f *fakeSources) Aggregator(asset string) (Quote, error) {
	q, ok := f.agg[asset]
	if !ok {
		return Quote{}, ErrNoLastPrice
	}
	return q, nil
}

func (f *fakeSources) SafeTWAP(asset string) (Quote, error) {
	q, ok := f.twap[asset]
	if !ok {
		return Quote{}, ErrNoLastPrice
	}
	return q, nil
}

func (f *fakeSources) ExchangeRate(source string) (*big.Int, error) {
	r, ok := f.xrate[source]
	if !ok {
		return nil, ErrNoLastPrice
	}
	return r, nil
}

func (f *fakeSources) LpReserves(asset string) (*big.Int, *big.Int, *big.Int, error) {
	a, ok1 := f.lpA[asset]
	b, ok2 := f.lpB[asset]
	s, ok3 := f.lpSupply[asset]
	if !ok1 || !ok2 || !ok3 {
		return nil, nil, nil, ErrNoLastPrice
	}
	return a, b, s, nil
}

func wad(n int64) *big.Int { return new(big.Int).Mul(big.NewInt(n), big.NewInt(1e18)) }

func normalConfig() Config {
	return Config{
		Type:          Normal,
		MaxStalenessS: 300,
		Tolerance: Tolerance{
			FirstUpperBps: 200,
			FirstLowerBps: 200,
			LastUpperBps:  500,
			LastLowerBps:  500,
		},
	}
}

func TestPriceNormalSafeWithinFirstBand(t *testing.T) {
	src := newFakeSources()
	now := time.Now()
	src.agg["ETH"] = Quote{Price: wad(1001), Timestamp: now}
	src.twap["ETH"] = Quote{Price: wad(1000), Timestamp: now}
	g := NewGate(map[string]Config{"ETH": normalConfig()}, src)

	got, err := g.Price("ETH", false)
	require.NoError(t, err)
	require.Equal(t, Safe, got.Class)
	require.Equal(t, wad(1000), got.Price)
}

func TestPriceNormalAverageWithinLastBand(t *testing.T) {
	src := newFakeSources()
	now := time.Now()
	src.agg["ETH"] = Quote{Price: wad(1030), Timestamp: now} // 3% deviation
	src.twap["ETH"] = Quote{Price: wad(1000), Timestamp: now}
	g := NewGate(map[string]Config{"ETH": normalConfig()}, src)

	got, err := g.Price("ETH", false)
	require.NoError(t, err)
	require.Equal(t, Average, got.Class)
}

func TestPriceNormalUnsafeRejectedByDefault(t *testing.T) {
	src := newFakeSources()
	now := time.Now()
	src.agg["ETH"] = Quote{Price: wad(1060), Timestamp: now} // 6% deviation
	src.twap["ETH"] = Quote{Price: wad(1000), Timestamp: now}
	g := NewGate(map[string]Config{"ETH": normalConfig()}, src)

	_, err := g.Price("ETH", false)
	require.ErrorIs(t, err, ErrUnsafePriceNotAllowed)

	got, err := g.Price("ETH", true)
	require.NoError(t, err)
	require.Equal(t, Unsafe, got.Class)
}

func TestPriceNormalStaleAggregator(t *testing.T) {
	src := newFakeSources()
	now := time.Now()
	src.agg["ETH"] = Quote{Price: wad(1000), Timestamp: now.Add(-10 * time.Minute)}
	src.twap["ETH"] = Quote{Price: wad(1000), Timestamp: now}
	g := NewGate(map[string]Config{"ETH": normalConfig()}, src)
	g.SetClock(func() time.Time { return now })

	_, err := g.Price("ETH", false)
	require.ErrorIs(t, err, ErrPriceFeedStale)
}

func TestPriceUnknownAsset(t *testing.T) {
	src := newFakeSources()
	g := NewGate(map[string]Config{}, src)
	_, err := g.Price("DOGE", false)
	require.ErrorIs(t, err, ErrOracleTokenNotFound)
}

func TestToleranceValidateBounds(t *testing.T) {
	ok := Tolerance{FirstUpperBps: 100, FirstLowerBps: 100, LastUpperBps: 300, LastLowerBps: 300}
	require.NoError(t, ok.Validate())

	bad := Tolerance{FirstUpperBps: 10, FirstLowerBps: 100, LastUpperBps: 300, LastLowerBps: 300}
	require.ErrorIs(t, bad.Validate(), ErrInvalidTolerance)
}

func TestPriceLpArdaFormulaBalancedPool(t *testing.T) {
	src := newFakeSources()
	now := time.Now()
	src.agg["A"] = Quote{Price: wad(1), Timestamp: now}
	src.twap["A"] = Quote{Price: wad(1), Timestamp: now}
	src.agg["B"] = Quote{Price: wad(1), Timestamp: now}
	src.twap["B"] = Quote{Price: wad(1), Timestamp: now}
	src.lpA["LP"] = wad(1000)
	src.lpB["LP"] = wad(1000)
	src.lpSupply["LP"] = wad(2000)

	cfg := map[string]Config{
		"A":  normalConfig(),
		"B":  normalConfig(),
		"LP": {Type: Lp, BaseAsset: "A", QuoteAsset: "B"},
	}
	g := NewGate(cfg, src)
	got, err := g.Price("LP", false)
	require.NoError(t, err)
	require.Equal(t, Safe, got.Class)
	// Balanced 1:1 pool at equal prices: LP value ~= 2000, 2000 shares -> price ~= 1.
	diff := new(big.Int).Sub(got.Price, wad(1))
	diff.Abs(diff)
	require.True(t, diff.Cmp(big.NewInt(1e12)) <= 0)
}

func TestCacheReusesResolvedPrice(t *testing.T) {
	src := newFakeSources()
	now := time.Now()
	src.agg["ETH"] = Quote{Price: wad(1000), Timestamp: now}
	src.twap["ETH"] = Quote{Price: wad(1000), Timestamp: now}
	g := NewGate(map[string]Config{"ETH": normalConfig()}, src)
	cache := NewCache(g)

	first, err := cache.Price("ETH", false)
	require.NoError(t, err)

	// Mutate the underlying source; cached value must not change until Clear.
	src.agg["ETH"] = Quote{Price: wad(2000), Timestamp: now}
	second, err := cache.Price("ETH", false)
	require.NoError(t, err)
	require.Equal(t, first.Price, second.Price)

	cache.Clear()
	third, err := cache.Price("ETH", false)
	require.NoError(t, err)
	require.NotEqual(t, first.Price, third.Price)
}
