package cascade

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/risk-engine/internal/config"
	"github.com/atmx/risk-engine/internal/correlation"
	"github.com/atmx/risk-engine/internal/model"
)

func d(f float64) decimal.Decimal { return decimal.NewFromFloat(f) }

func long(id string, size, liq float64) Exposure {
	return Exposure{PositionID: id, IsLong: true, Size: d(size), LiquidationPrice: d(liq)}
}

func detector(t *testing.T) *Detector {
	t.Helper()
	det, err := NewDetector(config.DefaultPolicy().Cascade)
	require.NoError(t, err)
	return det
}

func TestAnalyze_FiveOfFiveTrips(t *testing.T) {
	exposures := []Exposure{
		long("p1", 1, 495000),
		long("p2", 1, 496000),
		long("p3", 1, 497000),
		long("p4", 1, 498000),
		long("p5", 1, 499000),
	}
	a, err := detector(t).Analyze(exposures, d(500000), d(490000))
	require.NoError(t, err)

	assert.Equal(t, 5, a.FirstWave)
	assert.Equal(t, 0, a.SecondWave)
	assert.Equal(t, int64(10000), a.RateBps)
	assert.True(t, a.Tripped)
	assert.True(t, a.FirstWaveVolume.Equal(d(2450000)))
	assert.Equal(t, []string{"p1", "p2", "p3", "p4", "p5"}, a.AtRiskIDs)

	b := NewBreaker()
	trip, ok := b.Trip("BTC-USD-PERP", ReasonCascade, 42, a.AtRiskIDs)
	require.True(t, ok)
	assert.Equal(t, int64(42), trip.Cycle)
	assert.True(t, b.IsHalted("BTC-USD-PERP"))
	assert.False(t, b.IsHalted("ETH-USD-PERP"))
	assert.Equal(t, model.TradingPaused, b.States()[0].State)
}

func TestAnalyze_SecondWaveFromImpact(t *testing.T) {
	cfg := config.DefaultPolicy().Cascade
	cfg.ImpactBpsPerUnit = d(0.01)
	det, err := NewDetector(cfg)
	require.NoError(t, err)

	exposures := []Exposure{
		long("a", 10, 95),  // first wave at 94
		long("b", 1, 93.5), // second wave once impact lands
		long("c", 1, 50),   // never
	}
	// First wave volume 10 × 94 = 940 → 9.4 bps → cascade price ≈ 93.91.
	a, err := det.Analyze(exposures, d(100), d(94))
	require.NoError(t, err)
	assert.Equal(t, 1, a.FirstWave)
	assert.Equal(t, 0, a.SecondWave)

	exposures[1] = long("b", 1, 93.95)
	a, err = det.Analyze(exposures, d(100), d(94))
	require.NoError(t, err)
	assert.Equal(t, 1, a.SecondWave)
	assert.True(t, a.CascadePrice.LessThan(d(94)))
	assert.Equal(t, int64(6666), a.RateBps)
}

func TestAnalyze_AlreadyBreachedNotCounted(t *testing.T) {
	exposures := []Exposure{long("gone", 1, 510000), long("p", 1, 495000)}
	a, err := detector(t).Analyze(exposures, d(500000), d(490000))
	require.NoError(t, err)
	assert.Equal(t, 1, a.AlreadyBreached)
	assert.Equal(t, 1, a.FirstWave)
	assert.Equal(t, int64(5000), a.RateBps)
	assert.Contains(t, a.AtRiskIDs, "gone")
}

func TestAnalyze_ShortsBuyBack(t *testing.T) {
	exposures := []Exposure{
		{PositionID: "s1", IsLong: false, Size: d(100), LiquidationPrice: d(105)},
		{PositionID: "s2", IsLong: false, Size: d(1), LiquidationPrice: d(106.2)},
	}
	cfg := config.DefaultPolicy().Cascade
	cfg.ImpactBpsPerUnit = d(0.01)
	det, err := NewDetector(cfg)
	require.NoError(t, err)

	a, err := det.Analyze(exposures, d(100), d(106))
	require.NoError(t, err)
	assert.Equal(t, 1, a.FirstWave)
	assert.True(t, a.CascadePrice.GreaterThan(d(106)))
	assert.Equal(t, 1, a.SecondWave)
}

func TestAnalyze_LargerFirstWaveNeverShrinksSecondWave(t *testing.T) {
	cfg := config.DefaultPolicy().Cascade
	cfg.ImpactBpsPerUnit = d(0.001)
	det, err := NewDetector(cfg)
	require.NoError(t, err)

	survivors := make([]Exposure, 0, 50)
	for i := 0; i < 50; i++ {
		survivors = append(survivors, long(fmt.Sprintf("s%02d", i), 1, 89.9-float64(i)*0.2))
	}

	prev := -1
	for scale := 1; scale <= 40; scale++ {
		exposures := append([]Exposure{long("first", float64(scale*100), 95)}, survivors...)
		a, err := det.Analyze(exposures, d(100), d(90))
		require.NoError(t, err)
		require.Equal(t, 1, a.FirstWave)
		assert.GreaterOrEqual(t, a.SecondWave, prev, "scale %d", scale)
		prev = a.SecondWave
	}
	assert.Positive(t, prev)
}

func TestAnalyze_InvalidPrices(t *testing.T) {
	_, err := detector(t).Analyze(nil, decimal.Zero, d(1))
	require.Error(t, err)
}

func TestBreaker_RecoveryResolvesAtThreshold(t *testing.T) {
	cfg := config.DefaultPolicy().Cascade
	b := NewBreaker()

	var ids []string
	var exposures []Exposure
	for i := 0; i < 9; i++ {
		id := fmt.Sprintf("p%d", i)
		ids = append(ids, id)
		exposures = append(exposures, long(id, 1, 90))
	}
	ids = append(ids, "stuck")
	exposures = append(exposures, long("stuck", 1, 105))
	exposures = append(exposures, long("unrelated", 1, 150))

	_, ok := b.Trip("BTC-USD-PERP", ReasonCascade, 10, ids)
	require.True(t, ok)

	// Still cooling down.
	_, ok = b.CheckRecovery("BTC-USD-PERP", cfg, exposures, d(100), 14)
	assert.False(t, ok)
	assert.True(t, b.IsHalted("BTC-USD-PERP"))

	res, ok := b.CheckRecovery("BTC-USD-PERP", cfg, exposures, d(100), 15)
	require.True(t, ok)
	assert.Equal(t, 1, res.RemainingAtRisk)
	assert.Equal(t, 10, res.Recorded)
	assert.True(t, res.RecoveryPrice.Equal(d(100)))
	assert.False(t, b.IsHalted("BTC-USD-PERP"))
	assert.Equal(t, model.TradingActive, res.ActiveState(time.Now()).State)
}

func TestBreaker_RecoveryWaitsWhileResidualHigh(t *testing.T) {
	cfg := config.DefaultPolicy().Cascade
	b := NewBreaker()
	exposures := []Exposure{long("a", 1, 105), long("b", 1, 105), long("c", 1, 90)}
	b.Trip("ETH-USD-PERP", ReasonCascade, 1, []string{"a", "b", "c"})

	_, ok := b.CheckRecovery("ETH-USD-PERP", cfg, exposures, d(100), 100)
	assert.False(t, ok)

	// Closed positions drop out of the exposure set and count as recovered.
	res, ok := b.CheckRecovery("ETH-USD-PERP", cfg, exposures[2:], d(100), 101)
	require.True(t, ok)
	assert.Equal(t, 0, res.RemainingAtRisk)
}

func TestBreaker_VenueHaltsEveryMarket(t *testing.T) {
	b := NewBreaker()
	_, ok := b.Trip(model.VenueScope, ReasonSystemic, 3, nil)
	require.True(t, ok)

	assert.True(t, b.IsHalted("ANY-USD-PERP"))
	err := b.Guard("ANY-USD-PERP")
	assert.True(t, errors.Is(err, ErrCircuitBreakerTripped))

	_, again := b.Trip(model.VenueScope, ReasonManual, 4, nil)
	assert.False(t, again)

	_, ok = b.Resolve(model.VenueScope, 5)
	require.True(t, ok)
	assert.NoError(t, b.Guard("ANY-USD-PERP"))
}

func TestBreaker_VenueRecoveryUsesOwnMarks(t *testing.T) {
	cfg := config.DefaultPolicy().Cascade
	b := NewBreaker()
	b.Trip(model.VenueScope, ReasonSystemic, 1, []string{"btc", "eth"})

	exposures := []Exposure{
		{PositionID: "btc", IsLong: true, Size: d(1), LiquidationPrice: d(90), Mark: d(100)},
		{PositionID: "eth", IsLong: true, Size: d(1), LiquidationPrice: d(9), Mark: d(8)},
	}
	_, ok := b.CheckRecovery(model.VenueScope, cfg, exposures, decimal.Zero, 10)
	assert.False(t, ok, "1 of 2 still breached is above the resume threshold")

	exposures[1].Mark = d(10)
	_, ok = b.CheckRecovery(model.VenueScope, cfg, exposures, decimal.Zero, 10)
	assert.True(t, ok)
}

func TestBreaker_Restore(t *testing.T) {
	b := NewBreaker()
	b.Restore([]model.ScopeState{
		{Scope: "BTC-USD-PERP", State: model.TradingPaused, Reason: string(ReasonCascade), Cycle: 7, AtRiskIDs: []string{"x"}},
		{Scope: "ETH-USD-PERP", State: model.TradingActive},
	})
	assert.True(t, b.IsHalted("BTC-USD-PERP"))
	assert.False(t, b.IsHalted("ETH-USD-PERP"))
	trip, ok := b.Halted("BTC-USD-PERP")
	require.True(t, ok)
	assert.Equal(t, ReasonCascade, trip.Reason)
	assert.Equal(t, []string{"x"}, trip.AtRiskIDs)
}

func TestWindow_RollsOff(t *testing.T) {
	w := NewWindow(3)
	w.Record(2, 10)
	w.Record(2, 10)
	assert.Equal(t, int64(4000), w.RateBps())
	w.Record(2, 10)
	assert.True(t, w.Exceeds(5000))
	w.Record(0, 10)
	assert.Equal(t, 4, w.Total())
	assert.False(t, w.Exceeds(5000))

	w.Reset()
	assert.Equal(t, 0, w.Total())
	assert.Equal(t, int64(0), w.RateBps())
}

func TestWindow_RateWithMatchesRecord(t *testing.T) {
	w := NewWindow(2)
	w.Record(3, 10)
	w.Record(1, 10)

	// The oldest entry (3) rolls off.
	projected := w.RateWithBps(5, 10)
	assert.Equal(t, int64(6000), projected)
	assert.Equal(t, 4, w.Total(), "projection must not record")

	w.Record(5, 10)
	assert.Equal(t, projected, w.RateBps())
	assert.Equal(t, int64(0), w.RateWithBps(1, 0))
}

func TestAnalyzeVenue_CorrelatedShockTrips(t *testing.T) {
	cfg := config.DefaultPolicy().Cascade
	corr, err := correlation.ParseMatrix("BTC-USD-PERP|ETH-USD-PERP=0.8", d(0))
	require.NoError(t, err)
	det := detector(t)

	// Each market loses 2 of 10 positions under its own shock (20%), which
	// is below the 30% local trip threshold.
	mk := func(prefix string, price float64, liqs ...float64) MarketExposure {
		var es []Exposure
		for i := 0; i < 10; i++ {
			liq := price * 0.5
			if i < len(liqs) {
				liq = liqs[i]
			}
			es = append(es, long(fmt.Sprintf("%s-%d", prefix, i), 1, liq))
		}
		return MarketExposure{MarketID: prefix, Price: d(price), Exposures: es, Detector: det}
	}
	markets := []MarketExposure{
		mk("BTC-USD-PERP", 100, 95, 96),
		mk("ETH-USD-PERP", 10, 9.5, 9.6),
		mk("SOL-USD-PERP", 1, 0.99, 0.98, 0.97),
	}

	va, err := AnalyzeVenue(corr, cfg, "BTC-USD-PERP", 1000, markets)
	require.NoError(t, err)
	require.Len(t, va.Markets, 2)
	for _, m := range va.Markets {
		assert.False(t, m.Analysis.Tripped, m.MarketID)
	}
	assert.Equal(t, int64(800), va.Markets[1].ShockBps)
	// (1.0 × 2 + 0.8 × 2) × 10000 / 30 = 1200 bps: under the 2000 system threshold.
	assert.Equal(t, int64(1200), va.WeightedRateBps)
	assert.False(t, va.Tripped)

	cfg.SystemThresholdBps = 1000
	va, err = AnalyzeVenue(corr, cfg, "BTC-USD-PERP", 1000, markets)
	require.NoError(t, err)
	assert.True(t, va.Tripped)
	assert.Len(t, va.AtRiskIDs, 4)

	// The same losses confined to one market are local.
	va, err = AnalyzeVenue(corr, cfg, "SOL-USD-PERP", 1000, markets)
	require.NoError(t, err)
	require.Len(t, va.Markets, 1)
	assert.False(t, va.Tripped)
}
