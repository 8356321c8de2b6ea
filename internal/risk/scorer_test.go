package risk

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/risk-engine/internal/model"
)

func d(f float64) decimal.Decimal { return decimal.NewFromFloat(f) }

func TestLiquidationPrice(t *testing.T) {
	liq, err := LiquidationPrice(d(100), d(10), true)
	require.NoError(t, err)
	assert.True(t, liq.Equal(d(90)), "long: %s", liq)

	liq, err = LiquidationPrice(d(100), d(10), false)
	require.NoError(t, err)
	assert.True(t, liq.Equal(d(110)), "short: %s", liq)

	_, err = LiquidationPrice(d(100), decimal.Zero, true)
	assert.ErrorIs(t, err, ErrInputInvalid)
}

func TestScore_Buckets(t *testing.T) {
	tests := []struct {
		name   string
		mark   float64
		long   bool
		score  int
		health int64
	}{
		{"at entry", 100, true, ScoreSafe, 10000},
		{"above entry", 120, true, ScoreSafe, 10000},
		{"linear band", 91, true, 74, 1000},
		{"critical", 90.4, true, ScoreCritical, 400},
		{"at liquidation", 90, true, ScoreLiquidated, 0},
		{"past liquidation", 85, true, ScoreLiquidated, 0},
		{"short linear band", 109, false, 74, 1000},
		{"short breached", 110, false, ScoreLiquidated, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			score, health := Score(d(tt.mark), d(100), d(10), tt.long)
			assert.Equal(t, tt.score, score)
			assert.Equal(t, tt.health, health)
		})
	}
}

func TestScore_MonotonicAsPriceFalls(t *testing.T) {
	prev := 0
	for mark := 100.0; mark >= 89; mark -= 0.25 {
		score, _ := Score(d(mark), d(100), d(10), true)
		assert.GreaterOrEqual(t, score, prev, "mark %v", mark)
		prev = score
	}
}

func TestDistanceToLiquidation(t *testing.T) {
	assert.True(t, DistanceToLiquidation(d(100), d(90), true).Equal(d(0.1)))
	assert.True(t, DistanceToLiquidation(d(80), d(90), true).IsNegative())
	assert.True(t, DistanceToLiquidation(d(100), d(110), false).Equal(d(0.1)))
}

func TestAssess(t *testing.T) {
	p := model.Position{
		ID:         "p1",
		OwnerID:    "alice",
		MarketID:   "BTC-USD-PERP",
		Side:       model.SideLong,
		Size:       d(2),
		EntryPrice: d(100),
		MarkPrice:  d(91),
		Leverage:   d(10),
		Margin:     d(45.5),
	}
	a, err := Assess(p, model.OwnerProfile{OwnerID: "alice", StakingTier: model.TierSilver, BootstrapPriority: 3}, 4)
	require.NoError(t, err)
	assert.Equal(t, 74, a.RiskScore)
	assert.Equal(t, int64(1000), a.HealthBps)
	assert.True(t, a.EffectiveLeverage.Equal(d(4)), "notional/margin: %s", a.EffectiveLeverage)
	assert.Equal(t, model.TierSilver, a.StakingTier)
	assert.Equal(t, 3, a.BootstrapPriority)
	assert.Equal(t, int64(4), a.TimeAtRisk)

	// An explicit liquidation price wins over leverage.
	p.LiquidationPrice = d(95)
	a, err = Assess(p, model.OwnerProfile{StakingTier: 42}, 0)
	require.NoError(t, err)
	assert.Equal(t, ScoreLiquidated, a.RiskScore)
	assert.Equal(t, model.TierNone, a.StakingTier, "unknown tier falls back to none")
}

func TestAssess_RejectsInvalid(t *testing.T) {
	base := model.Position{
		ID: "p1", Side: model.SideShort, Size: d(1),
		EntryPrice: d(100), MarkPrice: d(100), Leverage: d(5),
	}
	for name, mutate := range map[string]func(*model.Position){
		"missing id":   func(p *model.Position) { p.ID = "" },
		"bad side":     func(p *model.Position) { p.Side = "FLAT" },
		"zero mark":    func(p *model.Position) { p.MarkPrice = decimal.Zero },
		"zero entry":   func(p *model.Position) { p.EntryPrice = decimal.Zero },
		"zero size":    func(p *model.Position) { p.Size = decimal.Zero },
		"no leverage":  func(p *model.Position) { p.Leverage = decimal.Zero },
		"negative liq": func(p *model.Position) { p.LiquidationPrice = d(-1) },
	} {
		t.Run(name, func(t *testing.T) {
			p := base
			mutate(&p)
			_, err := Assess(p, model.OwnerProfile{}, 0)
			assert.ErrorIs(t, err, ErrInputInvalid)
		})
	}
}
