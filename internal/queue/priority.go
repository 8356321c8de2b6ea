package queue

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/atmx/risk-engine/internal/config"
	"github.com/atmx/risk-engine/internal/model"
)

// maxChainDepth bounds the chain multiplier so boosts stay in int64 range.
const maxChainDepth = 100

var bpsDec = decimal.NewFromInt(model.BpsScale)

// Priority computes the fairness-adjusted liquidation priority of p.
//
// Base priority is the risk score in bps. Staking tier and bootstrap level
// reduce it proportionally. Chained positions get a boost scaled by chain
// depth and by how close they are to liquidation, so a deep chain near its
// liquidation price outranks staking protection.
func Priority(p *model.AtRiskPosition, cfg config.LiquidationConfig) int64 {
	priority := int64(p.RiskScore) * 100

	tier := p.StakingTier
	if !tier.Valid() {
		tier = model.TierNone
	}
	priority = priority * (model.BpsScale - cfg.StakingBoostBps[tier]) / model.BpsScale

	if p.BootstrapPriority > 0 {
		reduction := int64(p.BootstrapPriority) * cfg.BootstrapProtectionBps
		if reduction > cfg.MaxBootstrapReductionBps {
			reduction = cfg.MaxBootstrapReductionBps
		}
		priority = priority * (model.BpsScale - reduction) / model.BpsScale
	}

	if p.ChainDepth > 0 {
		depth := int64(p.ChainDepth)
		if depth > maxChainDepth {
			depth = maxChainDepth
		}
		priority += depth * cfg.ChainDepthBoostBps * proximityBps(p.DistanceToLiquidation, cfg.ChainProximityWindowBps) / model.BpsScale
	}
	return priority
}

// proximityBps is 10000 at (or past) liquidation, falling linearly to 0 at
// the edge of the window.
func proximityBps(distance decimal.Decimal, windowBps int64) int64 {
	if !distance.IsPositive() {
		return model.BpsScale
	}
	if windowBps <= 0 {
		return 0
	}
	distBps := distance.Mul(bpsDec).Floor().IntPart()
	if distBps >= windowBps {
		return 0
	}
	return model.BpsScale - distBps*model.BpsScale/windowBps
}

// Less is the queue's total order: priority descending, then distance to
// liquidation ascending, then position ID ascending.
func Less(a, b *model.AtRiskPosition) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if c := a.DistanceToLiquidation.Cmp(b.DistanceToLiquidation); c != 0 {
		return c < 0
	}
	return a.ID < b.ID
}

// Sort orders positions in place by Less.
func Sort(ps []*model.AtRiskPosition) {
	sort.SliceStable(ps, func(i, j int) bool { return Less(ps[i], ps[j]) })
}
