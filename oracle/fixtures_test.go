package oracle

import (
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const fixtureYAML = `
aggregator:
  ETH:
    price_wad: "1001000000000000000000"
    age_s: 5
safe_twap:
  ETH:
    price_wad: "1000000000000000000000"
    age_s: 5
exchange_rates:
  steth_exchange: "1050000000000000000"
`

func TestLoadFixtureManifestAndSources(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "fixtures.yaml")
	require.NoError(t, os.WriteFile(path, []byte(fixtureYAML), 0o600))

	manifest, err := LoadFixtureManifest(path)
	require.NoError(t, err)

	now := time.Now()
	src, err := NewFixtureSources(manifest, now)
	require.NoError(t, err)

	g := NewGate(map[string]Config{"ETH": normalConfig()}, src)
	resolved, err := g.Price("ETH", false)
	require.NoError(t, err)
	require.Equal(t, Safe, resolved.Class)

	rate, err := src.ExchangeRate("steth_exchange")
	require.NoError(t, err)
	want, _ := new(big.Int).SetString("1050000000000000000", 10)
	require.Equal(t, want, rate)
}
