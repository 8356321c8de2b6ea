// Package queue implements the per-market liquidation priority queue: it
// tracks at-risk positions, ranks them by fairness-adjusted priority and emits
// a throughput-bounded batch of liquidation orders each cycle.
package queue

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/risk-engine/internal/config"
	"github.com/atmx/risk-engine/internal/model"
	"github.com/atmx/risk-engine/internal/settlement"
)

// ErrCapacityExceeded marks a cycle stopped by its throughput cap. Not a
// failure: remaining positions roll forward to the next cycle.
var ErrCapacityExceeded = errors.New("queue: per-cycle liquidation capacity reached")

// SizeScale is the number of decimal places a liquidation amount carries.
const SizeScale int32 = 8

// Plan is what a Planner wants liquidated from one position this cycle.
type Plan struct {
	Level  int
	Amount decimal.Decimal
}

// Planner decides per-position liquidation amounts and records executions.
// The engine plugs in the graduated executor; FullClose is the default.
type Planner interface {
	Plan(p *model.AtRiskPosition) (Plan, bool)
	// Record is called once an order for p is built. executed may be smaller
	// than plan.Amount when the cycle cap throttled it.
	Record(p *model.AtRiskPosition, plan Plan, executed decimal.Decimal) error
}

// FullClose plans closing every remaining contract of a position at terminal level.
type FullClose struct{}

// TerminalLevel is the level index FullClose reports.
const TerminalLevel = 3

func (FullClose) Plan(p *model.AtRiskPosition) (Plan, bool) {
	if p.Closed || !p.Size.IsPositive() {
		return Plan{}, false
	}
	return Plan{Level: TerminalLevel, Amount: p.Size}, true
}

func (FullClose) Record(*model.AtRiskPosition, Plan, decimal.Decimal) error { return nil }

// Metrics are the queue's rolling liquidation statistics.
type Metrics struct {
	TotalLiquidations  int64           `json:"total_liquidations"`
	TotalVolume        decimal.Decimal `json:"total_volume"`
	AverageSize        decimal.Decimal `json:"average_size"`
	KeeperRewardsPaid  decimal.Decimal `json:"keeper_rewards_paid"`
	InsuranceCollected decimal.Decimal `json:"insurance_collected"`
}

func (m *Metrics) record(o *model.LiquidationOrder) {
	m.TotalLiquidations++
	m.TotalVolume = m.TotalVolume.Add(o.LiquidationValue)
	m.AverageSize = m.TotalVolume.Div(decimal.NewFromInt(m.TotalLiquidations))
	m.KeeperRewardsPaid = m.KeeperRewardsPaid.Add(o.KeeperReward)
	m.InsuranceCollected = m.InsuranceCollected.Add(o.InsuranceContribution)
}

// CycleStats describes the last ProcessQueue call.
type CycleStats struct {
	Eligible      int             `json:"eligible"`
	Executed      int             `json:"executed"`
	Skipped       int             `json:"skipped"`
	Deferred      int             `json:"deferred"`
	CapNotional   decimal.Decimal `json:"cap_notional"`
	UsedNotional  decimal.Decimal `json:"used_notional"`
	StoppedByCap  bool            `json:"stopped_by_cap"`
	StopReason    string          `json:"stop_reason,omitempty"`
	RewardsBudget decimal.Decimal `json:"rewards_budget"`
}

// LiquidationQueue is one market's liquidation state. It is owned by a single
// writer (the market's cycle) and is not safe for concurrent use.
type LiquidationQueue struct {
	MarketID   string
	Config     config.LiquidationConfig
	Metrics    Metrics
	RewardPool decimal.Decimal
	Planner    Planner
	Last       CycleStats

	cycle     int64
	positions map[string]*model.AtRiskPosition
	inFlight  map[string]bool
	now       func() time.Time
}

// NewQueue creates an empty queue seeded with the config's reward pool.
func NewQueue(marketID string, cfg config.LiquidationConfig) *LiquidationQueue {
	return &LiquidationQueue{
		MarketID:   marketID,
		Config:     cfg,
		RewardPool: cfg.InitialRewardPool,
		Planner:    FullClose{},
		positions:  make(map[string]*model.AtRiskPosition),
		inFlight:   make(map[string]bool),
		now:        time.Now,
	}
}

// Cycle is the cycle the current at-risk set was computed for.
func (q *LiquidationQueue) Cycle() int64 { return q.cycle }

// Checkpoint is the queue's accounting at a point in time.
type Checkpoint struct {
	rewardPool decimal.Decimal
	metrics    Metrics
	last       CycleStats
	inFlight   map[string]bool
}

// Checkpoint captures the accounting ProcessQueue mutates.
func (q *LiquidationQueue) Checkpoint() Checkpoint {
	inFlight := make(map[string]bool, len(q.inFlight))
	for id := range q.inFlight {
		inFlight[id] = true
	}
	return Checkpoint{
		rewardPool: q.RewardPool,
		metrics:    q.Metrics,
		last:       q.Last,
		inFlight:   inFlight,
	}
}

// Rollback restores a checkpoint, undoing a discarded batch.
func (q *LiquidationQueue) Rollback(c Checkpoint) {
	q.RewardPool = c.rewardPool
	q.Metrics = c.metrics
	q.Last = c.last
	q.inFlight = c.inFlight
}

// Refresh replaces the at-risk set for a new cycle. TimeAtRisk carries over
// for positions that were already queued, and in-flight marks are cleared.
// Closed positions are rejected and left out.
func (q *LiquidationQueue) Refresh(cycle int64, atRisk []model.AtRiskPosition) {
	next := make(map[string]*model.AtRiskPosition, len(atRisk))
	for i := range atRisk {
		p := atRisk[i]
		if p.Closed {
			continue
		}
		if prev, ok := q.positions[p.ID]; ok {
			p.TimeAtRisk = prev.TimeAtRisk + 1
		} else if p.TimeAtRisk < 1 {
			p.TimeAtRisk = 1
		}
		p.Priority = Priority(&p, q.Config)
		next[p.ID] = &p
	}
	q.cycle = cycle
	q.positions = next
	q.inFlight = make(map[string]bool)
}

// Remove drops a position from the queue, e.g. once its owner closes it.
func (q *LiquidationQueue) Remove(id string) {
	delete(q.positions, id)
	delete(q.inFlight, id)
}

// Len returns the number of queued positions.
func (q *LiquidationQueue) Len() int { return len(q.positions) }

// InFlight reports whether the position already has an order this cycle.
func (q *LiquidationQueue) InFlight(id string) bool { return q.inFlight[id] }

// Snapshot returns copies of the queued positions in priority order.
func (q *LiquidationQueue) Snapshot() []model.AtRiskPosition {
	ranked := q.ranked(true)
	out := make([]model.AtRiskPosition, len(ranked))
	for i, p := range ranked {
		out[i] = *p
	}
	return out
}

func (q *LiquidationQueue) ranked(includeInFlight bool) []*model.AtRiskPosition {
	ps := make([]*model.AtRiskPosition, 0, len(q.positions))
	for id, p := range q.positions {
		if p.Closed || (!includeInFlight && q.inFlight[id]) {
			continue
		}
		ps = append(ps, p)
	}
	Sort(ps)
	return ps
}

type candidate struct {
	pos  *model.AtRiskPosition
	plan Plan
}

// ProcessQueue emits this cycle's liquidation batch in priority order.
//
// Total liquidated value is capped at MaxLiquidationPerCycleBps of the
// liquidatable notional; keeper rewards are capped by the smaller of
// keeperRewardBudget and the queue's reward pool. When either cap or
// maxPositionsPerCycle is reached the batch stops and the rest rolls forward,
// so a higher-priority position is never passed over for a lower one. The
// returned error then wraps ErrCapacityExceeded alongside the valid orders.
func ProcessQueue(q *LiquidationQueue, maxPositionsPerCycle int, keeperRewardBudget decimal.Decimal) ([]model.LiquidationOrder, error) {
	planner := q.Planner
	if planner == nil {
		planner = FullClose{}
	}
	cfg := q.Config

	var candidates []candidate
	liquidatable := decimal.Zero
	for _, p := range q.ranked(false) {
		plan, ok := planner.Plan(p)
		if !ok || !plan.Amount.IsPositive() {
			continue
		}
		candidates = append(candidates, candidate{pos: p, plan: plan})
		liquidatable = liquidatable.Add(p.Notional())
	}

	capNotional := liquidatable.Mul(decimal.NewFromInt(cfg.MaxLiquidationPerCycleBps)).Div(bpsDec)
	budget := keeperRewardBudget
	if q.RewardPool.LessThan(budget) {
		budget = q.RewardPool
	}
	stats := CycleStats{
		Eligible:      len(candidates),
		CapNotional:   capNotional,
		UsedNotional:  decimal.Zero,
		RewardsBudget: budget,
	}

	var orders []model.LiquidationOrder
	stop := func(i int, reason string) {
		stats.StoppedByCap = true
		stats.StopReason = reason
		stats.Deferred = len(candidates) - i
	}

	for i, c := range candidates {
		if maxPositionsPerCycle > 0 && len(orders) >= maxPositionsPerCycle {
			stop(i, "max positions per cycle")
			break
		}
		p := c.pos
		capLeft := capNotional.Sub(stats.UsedNotional)
		maxAmount := capLeft.Div(p.MarkPrice).RoundDown(SizeScale)

		amount := c.plan.Amount
		if amount.GreaterThan(p.Size) {
			amount = p.Size
		}
		if amount.LessThan(p.Size) && amount.LessThan(cfg.MinLiquidationSize) {
			amount = decimal.Min(cfg.MinLiquidationSize, p.Size)
		}
		if amount.GreaterThan(maxAmount) {
			amount = maxAmount
		}
		if !amount.IsPositive() || (amount.LessThan(p.Size) && amount.LessThan(cfg.MinLiquidationSize)) {
			stop(i, "throughput cap")
			break
		}

		value, err := settlement.Value(amount, p.MarkPrice)
		var split settlement.Split
		if err == nil {
			split, err = settlement.Compute(value, cfg.LiquidationPenaltyBps, cfg.InsuranceFeeBps)
		}
		if err != nil {
			slog.Error("liquidation skipped",
				"market", q.MarketID,
				"position", p.ID,
				"amount", amount.String(),
				"err", err,
			)
			stats.Skipped++
			continue
		}
		if split.Keeper.GreaterThan(budget) {
			stop(i, "keeper reward budget")
			break
		}
		if err := planner.Record(p, c.plan, amount); err != nil {
			slog.Error("liquidation not recorded",
				"market", q.MarketID,
				"position", p.ID,
				"err", err,
			)
			stats.Skipped++
			continue
		}

		order := model.LiquidationOrder{
			ID:                    uuid.New().String(),
			PositionID:            p.ID,
			OwnerID:               p.OwnerID,
			MarketID:              p.MarketID,
			Level:                 c.plan.Level,
			AmountLiquidated:      amount,
			IsFullClose:           amount.Equal(p.Size),
			Price:                 p.MarkPrice,
			LiquidationValue:      split.Value,
			KeeperReward:          split.Keeper,
			InsuranceContribution: split.Insurance,
			OwnerPayout:           split.Owner,
			Cycle:                 q.cycle,
			CreatedAt:             q.now().UTC(),
		}
		orders = append(orders, order)

		stats.UsedNotional = stats.UsedNotional.Add(value)
		stats.Executed++
		budget = budget.Sub(split.Keeper)
		q.RewardPool = q.RewardPool.Sub(split.Keeper)
		q.Metrics.record(&order)
		q.inFlight[p.ID] = true
	}

	q.Last = stats
	if stats.StoppedByCap {
		slog.Info("liquidation batch capped",
			"market", q.MarketID,
			"cycle", q.cycle,
			"reason", stats.StopReason,
			"executed", stats.Executed,
			"deferred", stats.Deferred,
			"cap_notional", capNotional.String(),
		)
		return orders, fmt.Errorf("%w: %s, %d deferred", ErrCapacityExceeded, stats.StopReason, stats.Deferred)
	}
	return orders, nil
}
