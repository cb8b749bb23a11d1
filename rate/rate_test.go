package rate

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"

	"lendcore/fx"
)

func rayPct(pct int64) *big.Int {
	// pct is in basis points (1 = 0.01%).
	return fx.RescaleHalfUp(big.NewInt(pct), fx.Bps, fx.Ray)
}

func testModel() Model {
	return Model{
		MaxBorrowRate:      rayPct(10000), // 100%
		BaseBorrowRate:     rayPct(100),   // 1%
		Slope1:             rayPct(400),   // 4%
		Slope2:             rayPct(2500),  // 25%
		Slope3:             rayPct(10000), // 100%
		MidUtilization:     rayPct(4000),  // 40%
		OptimalUtilization: rayPct(8000),  // 80%
	}
}

func TestUtilizationZeroWhenNoSupply(t *testing.T) {
	u := Utilization(big.NewInt(0), fx.Ray.Unit(), big.NewInt(0), fx.Ray.Unit())
	require.Equal(t, big.NewInt(0), u)
}

func TestUtilizationHalf(t *testing.T) {
	u := Utilization(big.NewInt(50), fx.Ray.Unit(), big.NewInt(100), fx.Ray.Unit())
	require.Equal(t, rayPct(5000), u)
}

func TestBorrowRateAnnualFirstSegment(t *testing.T) {
	m := testModel()
	u := rayPct(2000) // 20%, below mid (40%)
	got := m.BorrowRateAnnual(u)
	// base(1%) + u/mid * slope1 = 1% + 0.5*4% = 3%
	want := rayPct(300)
	require.Equal(t, want, got)
}

func TestBorrowRateAnnualSecondSegment(t *testing.T) {
	m := testModel()
	u := rayPct(6000) // 60%, between mid and optimal
	got := m.BorrowRateAnnual(u)
	// base(1%) + slope1(4%) + (60-40)/(80-40) * slope2(25%) = 5% + 0.5*25% = 17.5%
	want := rayPct(1750)
	require.Equal(t, want, got)
}

func TestBorrowRateAnnualThirdSegmentClampedAtMax(t *testing.T) {
	m := testModel()
	u := rayPct(9500) // 95%, above optimal
	got := m.BorrowRateAnnual(u)
	require.Equal(t, m.MaxBorrowRate, got)
}

func TestBorrowRateAnnualNeverExceedsMax(t *testing.T) {
	m := testModel()
	m.BaseBorrowRate = rayPct(9000)
	m.Slope1 = rayPct(9000)
	m.Slope2 = rayPct(9000)
	m.Slope3 = rayPct(9000)
	got := m.BorrowRateAnnual(rayPct(9900))
	require.Equal(t, m.MaxBorrowRate, got)
}

func TestBorrowRatePerMsDividesByMsPerYear(t *testing.T) {
	annual := rayPct(10000) // 100%
	perMs := BorrowRatePerMs(annual)
	require.True(t, perMs.Sign() > 0)
	require.True(t, perMs.Cmp(annual) < 0)
}

func TestDepositRatePerMsZeroWhenNoUtilization(t *testing.T) {
	got := DepositRatePerMs(big.NewInt(0), rayPct(500), 1000)
	require.Equal(t, big.NewInt(0), got)
}

func TestDepositRatePerMsAppliesReserveFactor(t *testing.T) {
	u := fx.Ray.Unit() // 100% utilization
	borrowPerMs := rayPct(1000)
	noReserve := DepositRatePerMs(u, borrowPerMs, 0)
	require.Equal(t, borrowPerMs, noReserve)

	withReserve := DepositRatePerMs(u, borrowPerMs, 5000) // 50% reserve factor
	require.True(t, withReserve.Cmp(noReserve) < 0)
}
