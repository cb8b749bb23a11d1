// Package config loads the host-level deployment configuration: listen
// addresses, per-market risk and rate parameters, per-asset oracle
// configuration, and e-mode categories. It follows the teacher's
// config.Load pattern (BurntSushi/toml, write-default-if-missing) but
// generalizes a single hard-coded market file into the table-driven layout
// spec.md §3 describes.
package config

import (
	"fmt"
	"math/big"
	"os"

	"github.com/BurntSushi/toml"

	"lendcore/controller"
	"lendcore/core/types"
	"lendcore/fx"
	"lendcore/market"
	"lendcore/oracle"
	"lendcore/observability/logging"
)

// Config is the full host deployment configuration.
type Config struct {
	ListenAddress string `toml:"ListenAddress"`
	RPCAddress    string `toml:"RPCAddress"`
	DataDir       string `toml:"DataDir"`

	// ServiceName/Environment feed observability/logging.Setup, matching the
	// teacher's services/*/main.go pattern of naming and environment-tagging
	// every JSON log line from the host's own config rather than a flag.
	ServiceName string `toml:"ServiceName"`
	Environment string `toml:"Environment"`

	// DustThresholdUSDWad is the liquidation engine's bad-debt dust cutoff
	// (spec.md §9 Open Question: made a deployment parameter). Nil defaults
	// to liquidation.DefaultDustThresholdUSDWad.
	DustThresholdUSDWad *big.Int `toml:"DustThresholdUSDWad"`

	Markets []MarketConfig        `toml:"market"`
	Oracles []OracleConfig        `toml:"oracle"`
	EModes  []EModeCategoryConfig `toml:"emode"`
}

// MarketConfig is one [[market]] table: the rate-model and risk parameters
// for a single asset, expressed in bps so the file stays human-editable
// (ray/wad conversion happens on load, not at rest).
type MarketConfig struct {
	Asset         string `toml:"Asset"`
	AssetDecimals uint8  `toml:"AssetDecimals"`

	MaxBorrowRateBps      uint64 `toml:"MaxBorrowRateBps"`
	BaseBorrowRateBps     uint64 `toml:"BaseBorrowRateBps"`
	Slope1Bps             uint64 `toml:"Slope1Bps"`
	Slope2Bps             uint64 `toml:"Slope2Bps"`
	Slope3Bps             uint64 `toml:"Slope3Bps"`
	MidUtilizationBps     uint64 `toml:"MidUtilizationBps"`
	OptimalUtilizationBps uint64 `toml:"OptimalUtilizationBps"`
	ReserveFactorBps      uint64 `toml:"ReserveFactorBps"`
	FlashLoanEnabled      bool   `toml:"FlashLoanEnabled"`
	FlashLoanFeeBps       uint64 `toml:"FlashLoanFeeBps"`
	MaxOriginationFeeBps  uint64 `toml:"MaxOriginationFeeBps"`

	LTVBps                  uint64 `toml:"LTVBps"`
	LiquidationThresholdBps uint64 `toml:"LiquidationThresholdBps"`
	LiquidationBonusBps     uint64 `toml:"LiquidationBonusBps"`
	LiquidationFeeBps       uint64 `toml:"LiquidationFeeBps"`
	Collateralizable        bool   `toml:"Collateralizable"`
	Borrowable              bool   `toml:"Borrowable"`
	Isolated                bool   `toml:"Isolated"`
	Siloed                  bool   `toml:"Siloed"`
	Flashloanable           bool   `toml:"Flashloanable"`
	IsolationBorrowEnabled  bool   `toml:"IsolationBorrowEnabled"`

	IsolationDebtCeilingUSDWad *big.Int `toml:"IsolationDebtCeilingUSDWad"`
	BorrowCap                  *big.Int `toml:"BorrowCap"`
	SupplyCap                  *big.Int `toml:"SupplyCap"`
}

func bpsToRay(bps uint64) *big.Int {
	return fx.RescaleHalfUp(new(big.Int).SetUint64(bps), fx.Bps, fx.Ray)
}

// MarketParams converts the table into market.Params.
func (m MarketConfig) MarketParams() market.Params {
	return market.Params{
		Asset:                m.Asset,
		AssetDecimals:        m.AssetDecimals,
		MaxBorrowRate:        bpsToRay(m.MaxBorrowRateBps),
		BaseBorrowRate:       bpsToRay(m.BaseBorrowRateBps),
		Slope1:               bpsToRay(m.Slope1Bps),
		Slope2:               bpsToRay(m.Slope2Bps),
		Slope3:               bpsToRay(m.Slope3Bps),
		MidUtilization:       bpsToRay(m.MidUtilizationBps),
		OptimalUtilization:   bpsToRay(m.OptimalUtilizationBps),
		ReserveFactorBps:     m.ReserveFactorBps,
		FlashLoanEnabled:     m.FlashLoanEnabled,
		FlashLoanFeeBps:      m.FlashLoanFeeBps,
		MaxOriginationFeeBps: m.MaxOriginationFeeBps,
	}
}

// AssetConfig converts the table into controller.AssetConfig.
func (m MarketConfig) AssetConfig() controller.AssetConfig {
	return controller.AssetConfig{
		Asset:                      types.AssetID(m.Asset),
		AssetDecimals:              m.AssetDecimals,
		LTVBps:                     m.LTVBps,
		LiquidationThresholdBps:    m.LiquidationThresholdBps,
		LiquidationBonusBps:        m.LiquidationBonusBps,
		LiquidationFeeBps:          m.LiquidationFeeBps,
		Collateralizable:           m.Collateralizable,
		Borrowable:                 m.Borrowable,
		Isolated:                   m.Isolated,
		Siloed:                     m.Siloed,
		Flashloanable:              m.Flashloanable,
		IsolationBorrowEnabled:     m.IsolationBorrowEnabled,
		IsolationDebtCeilingUSDWad: m.IsolationDebtCeilingUSDWad,
		BorrowCap:                  m.BorrowCap,
		SupplyCap:                  m.SupplyCap,
		FlashloanFeeBps:            m.FlashLoanFeeBps,
	}
}

// ToleranceConfig mirrors oracle.Tolerance for TOML decoding.
type ToleranceConfig struct {
	FirstUpperBps uint64 `toml:"FirstUpperBps"`
	FirstLowerBps uint64 `toml:"FirstLowerBps"`
	LastUpperBps  uint64 `toml:"LastUpperBps"`
	LastLowerBps  uint64 `toml:"LastLowerBps"`
}

func (t ToleranceConfig) toTolerance() oracle.Tolerance {
	return oracle.Tolerance{
		FirstUpperBps: t.FirstUpperBps, FirstLowerBps: t.FirstLowerBps,
		LastUpperBps: t.LastUpperBps, LastLowerBps: t.LastLowerBps,
	}
}

// OracleConfig is one [[oracle]] table (spec.md §4.5).
type OracleConfig struct {
	Asset         string          `toml:"Asset"`
	Type          string          `toml:"Type"` // "normal", "derived", or "lp"
	Source        string          `toml:"Source"`
	BaseAsset     string          `toml:"BaseAsset"`
	QuoteAsset    string          `toml:"QuoteAsset"`
	MaxStalenessS int64           `toml:"MaxStalenessS"`
	Tolerance     ToleranceConfig `toml:"tolerance"`

	// DerivedTolerance resolves spec.md §9's Open Question on making the
	// derived-token spot/computed-price tolerance configurable per asset;
	// omitted tables leave it nil (no comparison performed).
	DerivedTolerance *ToleranceConfig `toml:"derived_tolerance"`
}

// OracleAssetConfig converts the table into an oracle.Config, keyed by Asset.
func (o OracleConfig) OracleAssetConfig() (string, oracle.Config, error) {
	var typ oracle.Type
	switch o.Type {
	case "normal", "":
		typ = oracle.Normal
	case "derived":
		typ = oracle.Derived
	case "lp":
		typ = oracle.Lp
	default:
		return "", oracle.Config{}, fmt.Errorf("config: unknown oracle type %q for %s", o.Type, o.Asset)
	}
	cfg := oracle.Config{
		Type:          typ,
		Source:        o.Source,
		BaseAsset:     o.BaseAsset,
		QuoteAsset:    o.QuoteAsset,
		MaxStalenessS: o.MaxStalenessS,
		Tolerance:     o.Tolerance.toTolerance(),
	}
	if o.DerivedTolerance != nil {
		dt := o.DerivedTolerance.toTolerance()
		cfg.DerivedTolerance = &dt
	}
	return o.Asset, cfg, nil
}

// EModeCategoryConfig is one [[emode]] table (spec.md §3).
type EModeCategoryConfig struct {
	ID                      uint8  `toml:"ID"`
	LTVBps                  uint64 `toml:"LTVBps"`
	LiquidationThresholdBps uint64 `toml:"LiquidationThresholdBps"`
	LiquidationBonusBps     uint64 `toml:"LiquidationBonusBps"`
	Deprecated              bool   `toml:"Deprecated"`
}

func (e EModeCategoryConfig) EModeCategory() controller.EModeCategory {
	return controller.EModeCategory{
		ID: e.ID, LTVBps: e.LTVBps,
		LiquidationThresholdBps: e.LiquidationThresholdBps,
		LiquidationBonusBps:     e.LiquidationBonusBps,
		Deprecated:              e.Deprecated,
	}
}

// Load reads path, or writes and returns a default config if it does not
// yet exist, matching the teacher's config.Load behavior.
func Load(path string) (*Config, error) {
	var cfg *Config
	if _, err := os.Stat(path); os.IsNotExist(err) {
		var err error
		cfg, err = createDefault(path)
		if err != nil {
			return nil, err
		}
	} else {
		cfg = &Config{}
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, err
		}
	}
	logging.Setup(cfg.ServiceName, cfg.Environment)
	return cfg, nil
}

func createDefault(path string) (*Config, error) {
	cfg := &Config{
		ListenAddress: ":6001",
		RPCAddress:    ":8080",
		DataDir:       "./lendcore-data",
		ServiceName:   "lendcored",
		Environment:   "production",
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	if err := toml.NewEncoder(f).Encode(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
