package config

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultPolicyValidates(t *testing.T) {
	require.NoError(t, DefaultPolicy().Validate())
}

func TestValidate_Rejects(t *testing.T) {
	tests := map[string]func(*Policy){
		"zero cap":             func(p *Policy) { p.Liquidation.MaxLiquidationPerCycleBps = 0 },
		"fees over 100%":       func(p *Policy) { p.Liquidation.LiquidationPenaltyBps = 9000; p.Liquidation.InsuranceFeeBps = 2000 },
		"decreasing boosts":    func(p *Policy) { p.Liquidation.StakingBoostBps[2] = 100 },
		"empty ladder":         func(p *Policy) { p.Graduated.Levels = nil },
		"non-escalating":       func(p *Policy) { p.Graduated.Levels[1].DangerBps = 9500 },
		"partial terminal":     func(p *Policy) { p.Graduated.Levels[3].FractionBps = 9000 },
		"resume above trip":    func(p *Policy) { p.Cascade.ResumeThresholdBps = 4000 },
		"zero window":          func(p *Policy) { p.Cascade.WindowCycles = 0 },
		"negative min tracked": func(p *Policy) { p.Cascade.WindowMinTracked = -1 },
		"unknown impact model": func(p *Policy) { p.Cascade.ImpactModel = "quadratic" },
		"lmsr without b": func(p *Policy) {
			p.Cascade.ImpactModel = ImpactLMSR
			p.Cascade.LMSRLiquidity = decimal.Zero
		},
	}
	for name, mutate := range tests {
		t.Run(name, func(t *testing.T) {
			p := DefaultPolicy()
			mutate(&p)
			assert.ErrorIs(t, p.Validate(), ErrInvalidPolicy)
		})
	}
}

func TestRegistry_OverridesAreIsolated(t *testing.T) {
	reg, err := NewRegistry(DefaultPolicy())
	require.NoError(t, err)

	p := DefaultPolicy()
	p.Liquidation.MaxLiquidationPerCycleBps = 1500
	require.NoError(t, reg.SetOverride("ETH-USD-PERP", p))

	bad := DefaultPolicy()
	bad.Cascade.WindowCycles = 0
	assert.ErrorIs(t, reg.SetOverride("SOL-USD-PERP", bad), ErrInvalidPolicy)

	assert.Equal(t, int64(1500), reg.Policy("ETH-USD-PERP").Liquidation.MaxLiquidationPerCycleBps)
	assert.Equal(t, int64(800), reg.Policy("BTC-USD-PERP").Liquidation.MaxLiquidationPerCycleBps)
	assert.Equal(t, []string{"ETH-USD-PERP"}, reg.Overridden())

	// Callers get copies.
	got := reg.Policy("ETH-USD-PERP")
	got.Graduated.Levels[0].FractionBps = 1
	assert.Equal(t, int64(1000), reg.Policy("ETH-USD-PERP").Graduated.Levels[0].FractionBps)

	reg.ClearOverride("ETH-USD-PERP")
	assert.Equal(t, int64(800), reg.Policy("ETH-USD-PERP").Liquidation.MaxLiquidationPerCycleBps)
	assert.Empty(t, reg.Overridden())
}

func TestLoad_FromEnv(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("ENGINE_SCORING_WORKERS", "0")
	t.Setenv("ENGINE_MARKETS", "BTC-USD-PERP,ETH-USD-PERP")
	t.Setenv("ENGINE_KEEPER_REWARD_BUDGET", "250.5")
	t.Setenv("KAFKA_BROKERS", "kafka-1:9092,kafka-2:9092")
	t.Setenv("WS_ALLOWED_ORIGINS", "https://ops.atmx.io")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "9090", cfg.App.Port)
	assert.Equal(t, 1, cfg.Engine.ScoringWorkers, "clamped to at least one worker")
	assert.Equal(t, []string{"BTC-USD-PERP", "ETH-USD-PERP"}, cfg.Engine.Markets)
	assert.True(t, cfg.Engine.KeeperRewardBudget.Equal(decimal.RequireFromString("250.5")))
	assert.Equal(t, []string{"kafka-1:9092", "kafka-2:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, "risk.mark-prices", cfg.Kafka.PricesTopic)
	assert.Equal(t, 60, cfg.Engine.ManualCyclesPerMinute)
	assert.Equal(t, []string{"https://ops.atmx.io"}, cfg.App.AllowedOrigins)
}
