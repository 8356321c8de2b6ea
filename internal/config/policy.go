package config

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/atmx/risk-engine/internal/model"
)

// ErrInvalidPolicy is returned when a policy fails validation at load time.
var ErrInvalidPolicy = errors.New("config: invalid policy")

// LiquidationConfig governs the priority queue. Governance-mutable, read-only
// while a cycle is processing.
type LiquidationConfig struct {
	// MinLiquidationSize is the smallest partial close worth sending.
	MinLiquidationSize decimal.Decimal `json:"min_liquidation_size"`

	// MaxLiquidationPerCycleBps caps liquidated value per cycle as a fraction
	// of liquidatable notional (systemic throttle). Default 800 (8%).
	MaxLiquidationPerCycleBps int64 `json:"max_liquidation_per_cycle_bps"`

	// LiquidationPenaltyBps is the keeper's reward on liquidated value. Default 50.
	LiquidationPenaltyBps int64 `json:"liquidation_penalty_bps"`

	// InsuranceFeeBps is the insurance pool's cut of liquidated value. Default 50.
	InsuranceFeeBps int64 `json:"insurance_fee_bps"`

	// GracePeriodCycles is the minimum gap between two escalations. Default 10.
	GracePeriodCycles int64 `json:"grace_period_cycles"`

	// StakingBoostBps reduces priority per staking tier, indexed by tier ordinal.
	StakingBoostBps [model.NumStakingTiers]int64 `json:"staking_boost_bps"`

	// BootstrapProtectionBps reduces priority per bootstrap level.
	BootstrapProtectionBps int64 `json:"bootstrap_protection_bps"`
	// MaxBootstrapReductionBps caps the total bootstrap reduction.
	MaxBootstrapReductionBps int64 `json:"max_bootstrap_reduction_bps"`

	// ChainDepthBoostBps is added per chain level, scaled by proximity.
	ChainDepthBoostBps int64 `json:"chain_depth_boost_bps"`
	// ChainProximityWindowBps is the distance band in which chain boosts apply.
	ChainProximityWindowBps int64 `json:"chain_proximity_window_bps"`

	// InitialRewardPool seeds a market queue's keeper-reward pool.
	InitialRewardPool decimal.Decimal `json:"initial_reward_pool"`
}

// PenaltyBps is the flat liquidation penalty: keeper reward plus insurance fee.
func (c LiquidationConfig) PenaltyBps() int64 {
	return c.LiquidationPenaltyBps + c.InsuranceFeeBps
}

// Level is one step of the graduated liquidation ladder.
type Level struct {
	// DangerBps triggers the level once 10000 − health reaches it.
	DangerBps int64 `json:"danger_bps"`
	// FractionBps of remaining size to close at this level.
	FractionBps int64 `json:"fraction_bps"`
}

// GraduatedConfig is the escalation ladder. The last level is terminal.
type GraduatedConfig struct {
	Levels []Level `json:"levels"`
}

// CascadeConfig governs detection and the circuit breaker.
type CascadeConfig struct {
	TripThresholdBps   int64 `json:"trip_threshold_bps"`   // default 3000
	ResumeThresholdBps int64 `json:"resume_threshold_bps"` // default 1000
	SystemThresholdBps int64 `json:"system_threshold_bps"` // default 2000
	CooldownCycles     int64 `json:"cooldown_cycles"`

	// WindowCycles is the rolling window length for the liquidation-rate check.
	WindowCycles int `json:"window_cycles"`
	// WindowThresholdBps trips when windowed liquidations / tracked exceeds it.
	WindowThresholdBps int64 `json:"window_threshold_bps"`
	// WindowMinTracked is the smallest population the window check applies to.
	WindowMinTracked int `json:"window_min_tracked"`

	// ImpactModel is "linear" or "lmsr".
	ImpactModel string `json:"impact_model"`
	// ImpactBpsPerUnit is the linear model's price impact per unit of
	// liquidated notional, in bps.
	ImpactBpsPerUnit decimal.Decimal `json:"impact_bps_per_unit"`
	// LMSRLiquidity is the b parameter for outcome markets.
	LMSRLiquidity decimal.Decimal `json:"lmsr_liquidity"`
	// StressShockBps is the default shock of an operator venue stress test.
	StressShockBps int64 `json:"stress_shock_bps"`
}

// Policy is the full set of per-market policy parameters.
type Policy struct {
	Liquidation LiquidationConfig `json:"liquidation"`
	Graduated   GraduatedConfig   `json:"graduated"`
	Cascade     CascadeConfig     `json:"cascade"`
}

// DefaultPolicy returns the venue defaults.
func DefaultPolicy() Policy {
	return Policy{
		Liquidation: LiquidationConfig{
			MinLiquidationSize:        decimal.NewFromFloat(0.0001),
			MaxLiquidationPerCycleBps: 800,
			LiquidationPenaltyBps:     50,
			InsuranceFeeBps:           50,
			GracePeriodCycles:         10,
			StakingBoostBps:           [model.NumStakingTiers]int64{0, 500, 1000, 2000, 3000},
			BootstrapProtectionBps:    1000,
			MaxBootstrapReductionBps:  5000,
			ChainDepthBoostBps:        2500,
			ChainProximityWindowBps:   500,
			InitialRewardPool:         decimal.NewFromInt(1_000_000),
		},
		Graduated: GraduatedConfig{
			Levels: []Level{
				{DangerBps: 9500, FractionBps: 1000},
				{DangerBps: 9750, FractionBps: 2500},
				{DangerBps: 9900, FractionBps: 5000},
				{DangerBps: 10000, FractionBps: 10000},
			},
		},
		Cascade: CascadeConfig{
			TripThresholdBps:   3000,
			ResumeThresholdBps: 1000,
			SystemThresholdBps: 2000,
			CooldownCycles:     5,
			WindowCycles:       10,
			WindowThresholdBps: 5000,
			WindowMinTracked:   10,
			ImpactModel:        ImpactLinear,
			ImpactBpsPerUnit:   decimal.NewFromFloat(0.0001),
			LMSRLiquidity:      decimal.NewFromInt(100),
			StressShockBps:     1000,
		},
	}
}

// Impact model names.
const (
	ImpactLinear = "linear"
	ImpactLMSR   = "lmsr"
)

// Validate checks every bound once so lookups never need to.
func (p Policy) Validate() error {
	l := p.Liquidation
	if l.MinLiquidationSize.IsNegative() {
		return fmt.Errorf("%w: min_liquidation_size %s", ErrInvalidPolicy, l.MinLiquidationSize)
	}
	if l.MaxLiquidationPerCycleBps <= 0 || l.MaxLiquidationPerCycleBps > model.BpsScale {
		return fmt.Errorf("%w: max_liquidation_per_cycle_bps %d", ErrInvalidPolicy, l.MaxLiquidationPerCycleBps)
	}
	if l.LiquidationPenaltyBps < 0 || l.InsuranceFeeBps < 0 || l.PenaltyBps() > model.BpsScale {
		return fmt.Errorf("%w: penalty bps keeper=%d insurance=%d", ErrInvalidPolicy,
			l.LiquidationPenaltyBps, l.InsuranceFeeBps)
	}
	if l.GracePeriodCycles < 0 {
		return fmt.Errorf("%w: grace_period_cycles %d", ErrInvalidPolicy, l.GracePeriodCycles)
	}
	prev := int64(-1)
	for i, boost := range l.StakingBoostBps {
		if boost < 0 || boost > model.BpsScale || boost < prev {
			return fmt.Errorf("%w: staking_boost_bps[%d]=%d must be within [0,10000] and non-decreasing",
				ErrInvalidPolicy, i, boost)
		}
		prev = boost
	}
	if l.BootstrapProtectionBps < 0 || l.MaxBootstrapReductionBps < 0 || l.MaxBootstrapReductionBps > model.BpsScale {
		return fmt.Errorf("%w: bootstrap protection", ErrInvalidPolicy)
	}
	if l.ChainDepthBoostBps < 0 || l.ChainProximityWindowBps <= 0 {
		return fmt.Errorf("%w: chain boost", ErrInvalidPolicy)
	}
	if l.InitialRewardPool.IsNegative() {
		return fmt.Errorf("%w: initial_reward_pool %s", ErrInvalidPolicy, l.InitialRewardPool)
	}

	levels := p.Graduated.Levels
	if len(levels) == 0 {
		return fmt.Errorf("%w: graduated ladder is empty", ErrInvalidPolicy)
	}
	for i, lvl := range levels {
		if lvl.FractionBps <= 0 || lvl.FractionBps > model.BpsScale || lvl.DangerBps <= 0 || lvl.DangerBps > model.BpsScale {
			return fmt.Errorf("%w: level %d out of range", ErrInvalidPolicy, i)
		}
		if i > 0 && (lvl.DangerBps <= levels[i-1].DangerBps || lvl.FractionBps < levels[i-1].FractionBps) {
			return fmt.Errorf("%w: level %d must escalate", ErrInvalidPolicy, i)
		}
	}
	if last := levels[len(levels)-1]; last.FractionBps != model.BpsScale || last.DangerBps != model.BpsScale {
		return fmt.Errorf("%w: terminal level must close 100%% at 100%% danger", ErrInvalidPolicy)
	}

	c := p.Cascade
	for name, v := range map[string]int64{
		"trip_threshold_bps":   c.TripThresholdBps,
		"resume_threshold_bps": c.ResumeThresholdBps,
		"system_threshold_bps": c.SystemThresholdBps,
		"window_threshold_bps": c.WindowThresholdBps,
	} {
		if v < 0 || v > model.BpsScale {
			return fmt.Errorf("%w: %s %d", ErrInvalidPolicy, name, v)
		}
	}
	if c.ResumeThresholdBps > c.TripThresholdBps {
		return fmt.Errorf("%w: resume threshold above trip threshold", ErrInvalidPolicy)
	}
	if c.CooldownCycles < 0 || c.WindowCycles <= 0 || c.WindowMinTracked < 0 {
		return fmt.Errorf("%w: cooldown/window", ErrInvalidPolicy)
	}
	if c.StressShockBps < 0 || c.StressShockBps >= model.BpsScale {
		return fmt.Errorf("%w: stress_shock_bps %d", ErrInvalidPolicy, c.StressShockBps)
	}
	switch c.ImpactModel {
	case ImpactLinear:
		if c.ImpactBpsPerUnit.IsNegative() {
			return fmt.Errorf("%w: impact_bps_per_unit %s", ErrInvalidPolicy, c.ImpactBpsPerUnit)
		}
	case ImpactLMSR:
		if !c.LMSRLiquidity.IsPositive() {
			return fmt.Errorf("%w: lmsr_liquidity %s", ErrInvalidPolicy, c.LMSRLiquidity)
		}
	default:
		return fmt.Errorf("%w: unknown impact model %q", ErrInvalidPolicy, c.ImpactModel)
	}
	return nil
}
