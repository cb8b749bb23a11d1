package oracle

import (
	"fmt"
	"math/big"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// FixtureManifest is a YAML-decoded set of static price quotes for seeding a
// Gate's Sources in tests or local dry runs, following the teacher's
// services/lendingd/config.Load pattern of a yaml.v3-decoded settings file.
type FixtureManifest struct {
	Aggregator    map[string]FixtureQuote `yaml:"aggregator"`
	SafeTWAP      map[string]FixtureQuote `yaml:"safe_twap"`
	ExchangeRates map[string]string       `yaml:"exchange_rates"` // wad decimal strings
}

// FixtureQuote is one manifest entry: a decimal wad price string and an age
// in seconds relative to the now passed to NewFixtureSources (fixtures are static files, so ages are
// expressed relative rather than as absolute timestamps).
type FixtureQuote struct {
	PriceWad string `yaml:"price_wad"`
	AgeS     int64  `yaml:"age_s"`
}

// LoadFixtureManifest reads and parses a YAML fixture file at path.
func LoadFixtureManifest(path string) (*FixtureManifest, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("oracle: open fixture manifest: %w", err)
	}
	defer f.Close()

	m := &FixtureManifest{}
	if err := yaml.NewDecoder(f).Decode(m); err != nil {
		return nil, fmt.Errorf("oracle: decode fixture manifest: %w", err)
	}
	return m, nil
}

// FixtureSources implements Sources directly from a loaded manifest,
// resolving every quote relative to the instant it was built rather than to
// wall-clock time, so fixtures stay valid regardless of when a test runs.
type FixtureSources struct {
	agg   map[string]Quote
	twap  map[string]Quote
	xrate map[string]*big.Int
}

// NewFixtureSources builds a FixtureSources from m, anchoring every age_s
// offset to now.
func NewFixtureSources(m *FixtureManifest, now time.Time) (*FixtureSources, error) {
	fs := &FixtureSources{
		agg:   make(map[string]Quote, len(m.Aggregator)),
		twap:  make(map[string]Quote, len(m.SafeTWAP)),
		xrate: make(map[string]*big.Int, len(m.ExchangeRates)),
	}
	for asset, q := range m.Aggregator {
		price, ok := new(big.Int).SetString(q.PriceWad, 10)
		if !ok {
			return nil, fmt.Errorf("oracle: invalid aggregator price for %s: %q", asset, q.PriceWad)
		}
		fs.agg[asset] = Quote{Price: price, Timestamp: now.Add(-time.Duration(q.AgeS) * time.Second)}
	}
	for asset, q := range m.SafeTWAP {
		price, ok := new(big.Int).SetString(q.PriceWad, 10)
		if !ok {
			return nil, fmt.Errorf("oracle: invalid safe_twap price for %s: %q", asset, q.PriceWad)
		}
		fs.twap[asset] = Quote{Price: price, Timestamp: now.Add(-time.Duration(q.AgeS) * time.Second)}
	}
	for source, rateStr := range m.ExchangeRates {
		rate, ok := new(big.Int).SetString(rateStr, 10)
		if !ok {
			return nil, fmt.Errorf("oracle: invalid exchange rate for %s: %q", source, rateStr)
		}
		fs.xrate[source] = rate
	}
	return fs, nil
}

// Aggregator implements Sources.
func (fs *FixtureSources) Aggregator(asset string) (Quote, error) {
	q, ok := fs.agg[asset]
	if !ok {
		return Quote{}, fmt.Errorf("%w: %s", ErrNoLastPrice, asset)
	}
	return q, nil
}

// SafeTWAP implements Sources.
func (fs *FixtureSources) SafeTWAP(asset string) (Quote, error) {
	q, ok := fs.twap[asset]
	if !ok {
		return Quote{}, fmt.Errorf("%w: %s", ErrNoLastPrice, asset)
	}
	return q, nil
}

// ExchangeRate implements Sources.
func (fs *FixtureSources) ExchangeRate(source string) (*big.Int, error) {
	r, ok := fs.xrate[source]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoLastPrice, source)
	}
	return r, nil
}

// LpReserves implements Sources. Fixture manifests do not model LP pools;
// callers exercising Lp-type assets should supply their own Sources.
func (fs *FixtureSources) LpReserves(asset string) (*big.Int, *big.Int, *big.Int, error) {
	return nil, nil, nil, fmt.Errorf("%w: %s (fixtures do not model LP reserves)", ErrNoLastPrice, asset)
}
