package metrics

import (
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// LendingMetrics exposes the Prometheus series the lending core emits:
// operation counters, per-market utilization and rate gauges, liquidation
// and bad-debt tracking, and oracle gate outcomes.
type LendingMetrics struct {
	suppliesTotal      *prometheus.CounterVec
	withdrawalsTotal   *prometheus.CounterVec
	borrowsTotal       *prometheus.CounterVec
	repaysTotal        *prometheus.CounterVec
	flashLoansTotal    *prometheus.CounterVec
	liquidationsTotal  *prometheus.CounterVec
	badDebtSocialized  *prometheus.CounterVec
	oracleClassTotal   *prometheus.CounterVec
	utilizationRatio   *prometheus.GaugeVec
	borrowRateRay      *prometheus.GaugeVec
	supplyIndexRay     *prometheus.GaugeVec
	borrowIndexRay     *prometheus.GaugeVec
	reservesAssetUnits *prometheus.GaugeVec
}

var (
	lendingOnce     sync.Once
	lendingRegistry *LendingMetrics
)

// Lending returns the process-wide LendingMetrics singleton, registering its
// series with the default Prometheus registry on first use.
func Lending() *LendingMetrics {
	lendingOnce.Do(func() {
		lendingRegistry = &LendingMetrics{
			suppliesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "lendcore_supplies_total",
				Help: "Count of accepted supply operations by asset.",
			}, []string{"asset"}),
			withdrawalsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "lendcore_withdrawals_total",
				Help: "Count of accepted withdraw operations by asset.",
			}, []string{"asset"}),
			borrowsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "lendcore_borrows_total",
				Help: "Count of accepted borrow operations by asset.",
			}, []string{"asset"}),
			repaysTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "lendcore_repays_total",
				Help: "Count of accepted repay operations by asset.",
			}, []string{"asset"}),
			flashLoansTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "lendcore_flash_loans_total",
				Help: "Count of settled flash loans by asset.",
			}, []string{"asset"}),
			liquidationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "lendcore_liquidations_total",
				Help: "Count of executed liquidations by debt asset.",
			}, []string{"asset"}),
			badDebtSocialized: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "lendcore_bad_debt_socialized_usd_wad_total",
				Help: "Cumulative USD-wad debt written off to suppliers via seize, by asset.",
			}, []string{"asset"}),
			oracleClassTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "lendcore_oracle_resolution_total",
				Help: "Count of price resolutions by asset and tolerance class.",
			}, []string{"asset", "class"}),
			utilizationRatio: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Name: "lendcore_utilization_ratio",
				Help: "Current borrowed/supplied ratio (ray, as float) by asset.",
			}, []string{"asset"}),
			borrowRateRay: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Name: "lendcore_borrow_rate_annual",
				Help: "Current annualized borrow rate (ray, as float) by asset.",
			}, []string{"asset"}),
			supplyIndexRay: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Name: "lendcore_supply_index",
				Help: "Current supply index (ray, as float) by asset.",
			}, []string{"asset"}),
			borrowIndexRay: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Name: "lendcore_borrow_index",
				Help: "Current borrow index (ray, as float) by asset.",
			}, []string{"asset"}),
			reservesAssetUnits: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Name: "lendcore_reserves_asset_units",
				Help: "Current protocol reserves, in native asset units as float, by asset.",
			}, []string{"asset"}),
		}
		prometheus.MustRegister(
			lendingRegistry.suppliesTotal,
			lendingRegistry.withdrawalsTotal,
			lendingRegistry.borrowsTotal,
			lendingRegistry.repaysTotal,
			lendingRegistry.flashLoansTotal,
			lendingRegistry.liquidationsTotal,
			lendingRegistry.badDebtSocialized,
			lendingRegistry.oracleClassTotal,
			lendingRegistry.utilizationRatio,
			lendingRegistry.borrowRateRay,
			lendingRegistry.supplyIndexRay,
			lendingRegistry.borrowIndexRay,
			lendingRegistry.reservesAssetUnits,
		)
	})
	return lendingRegistry
}

func (m *LendingMetrics) IncSupply(asset string) {
	if m == nil {
		return
	}
	m.suppliesTotal.WithLabelValues(normalizeAsset(asset)).Inc()
}

func (m *LendingMetrics) IncWithdraw(asset string) {
	if m == nil {
		return
	}
	m.withdrawalsTotal.WithLabelValues(normalizeAsset(asset)).Inc()
}

func (m *LendingMetrics) IncBorrow(asset string) {
	if m == nil {
		return
	}
	m.borrowsTotal.WithLabelValues(normalizeAsset(asset)).Inc()
}

func (m *LendingMetrics) IncRepay(asset string) {
	if m == nil {
		return
	}
	m.repaysTotal.WithLabelValues(normalizeAsset(asset)).Inc()
}

func (m *LendingMetrics) IncFlashLoan(asset string) {
	if m == nil {
		return
	}
	m.flashLoansTotal.WithLabelValues(normalizeAsset(asset)).Inc()
}

func (m *LendingMetrics) IncLiquidation(asset string) {
	if m == nil {
		return
	}
	m.liquidationsTotal.WithLabelValues(normalizeAsset(asset)).Inc()
}

// AddBadDebt records a USD-wad amount socialized onto suppliers, as a float
// approximation (the ledger of record stays the *big.Int wad value in the
// liquidation.Result the caller already persisted).
func (m *LendingMetrics) AddBadDebt(asset string, usdWadFloat float64) {
	if m == nil {
		return
	}
	m.badDebtSocialized.WithLabelValues(normalizeAsset(asset)).Add(usdWadFloat)
}

func (m *LendingMetrics) IncOracleClass(asset, class string) {
	if m == nil {
		return
	}
	m.oracleClassTotal.WithLabelValues(normalizeAsset(asset), class).Inc()
}

func (m *LendingMetrics) SetUtilization(asset string, ratio float64) {
	if m == nil {
		return
	}
	m.utilizationRatio.WithLabelValues(normalizeAsset(asset)).Set(ratio)
}

func (m *LendingMetrics) SetBorrowRate(asset string, annualRate float64) {
	if m == nil {
		return
	}
	m.borrowRateRay.WithLabelValues(normalizeAsset(asset)).Set(annualRate)
}

func (m *LendingMetrics) SetIndexes(asset string, supplyIndex, borrowIndex float64) {
	if m == nil {
		return
	}
	m.supplyIndexRay.WithLabelValues(normalizeAsset(asset)).Set(supplyIndex)
	m.borrowIndexRay.WithLabelValues(normalizeAsset(asset)).Set(borrowIndex)
}

func (m *LendingMetrics) SetReserves(asset string, amount float64) {
	if m == nil {
		return
	}
	m.reservesAssetUnits.WithLabelValues(normalizeAsset(asset)).Set(amount)
}

func normalizeAsset(asset string) string {
	if asset == "" {
		return "unknown"
	}
	return asset
}

// RayToFloat converts a ray-precision *big.Int-backed string into an
// approximate float64, for gauge emission only (never for settlement math).
func RayToFloat(rayStr string) float64 {
	f, err := strconv.ParseFloat(rayStr, 64)
	if err != nil {
		return 0
	}
	return f / 1e27
}
