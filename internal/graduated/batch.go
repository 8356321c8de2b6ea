package graduated

import (
	"log/slog"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/atmx/risk-engine/internal/config"
	"github.com/atmx/risk-engine/internal/model"
	"github.com/atmx/risk-engine/internal/queue"
)

var _ queue.Planner = (*Batch)(nil)

// Batch stages one cycle's escalations. Nothing reaches the executor until
// Commit; dropping the batch discards every staged change.
type Batch struct {
	e      *Executor
	policy config.Policy
	cycle  int64

	states    map[string]*State
	positions map[string]model.Position
}

// Begin opens a batch for cycle using the executor's current policy.
func (e *Executor) Begin(cycle int64) *Batch {
	e.mu.RLock()
	policy := e.policy.Clone()
	e.mu.RUnlock()
	return &Batch{
		e:         e,
		policy:    policy,
		cycle:     cycle,
		states:    make(map[string]*State),
		positions: make(map[string]model.Position),
	}
}

func (b *Batch) state(id string) *State {
	if st, ok := b.states[id]; ok {
		return st
	}
	b.e.mu.RLock()
	defer b.e.mu.RUnlock()
	if st, ok := b.e.states[id]; ok {
		c := *st
		return &c
	}
	return nil
}

// Check classifies a position against staged state.
func (b *Batch) Check(p model.Position) (Decision, error) {
	if staged, ok := b.positions[p.ID]; ok {
		p = staged
	}
	return check(b.policy, b.state(p.ID), p, p.MarkPrice, b.cycle)
}

// Plan implements queue.Planner.
func (b *Batch) Plan(p *model.AtRiskPosition) (queue.Plan, bool) {
	dec, err := b.Check(p.Position)
	if err != nil {
		slog.Warn("graduated check failed",
			"market", p.MarketID,
			"position", p.ID,
			"err", err,
		)
		return queue.Plan{}, false
	}
	if dec.Kind != DecisionLiquidate {
		return queue.Plan{}, false
	}
	return queue.Plan{Level: dec.Level, Amount: dec.Amount}, true
}

// Record implements queue.Planner. It stages the escalation and the updated
// position for executed contracts at the position's mark price.
func (b *Batch) Record(p *model.AtRiskPosition, plan queue.Plan, executed decimal.Decimal) error {
	pos := p.Position
	if staged, ok := b.positions[p.ID]; ok {
		pos = staged
	}
	dec := Decision{
		Kind:     DecisionLiquidate,
		Level:    plan.Level,
		Amount:   plan.Amount,
		Terminal: plan.Level == len(b.policy.Graduated.Levels)-1,
	}
	_, next, st, err := settle(b.policy, b.state(p.ID), pos, dec, executed, pos.MarkPrice, b.cycle)
	if err != nil {
		return err
	}
	b.states[p.ID] = st
	b.positions[p.ID] = next
	return nil
}

// Positions returns the staged position updates ordered by ID.
func (b *Batch) Positions() []model.Position {
	out := make([]model.Position, 0, len(b.positions))
	for _, p := range b.positions {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of staged positions.
func (b *Batch) Len() int { return len(b.positions) }

// Commit publishes the staged state to the executor.
func (b *Batch) Commit() {
	b.e.mu.Lock()
	defer b.e.mu.Unlock()
	for id, st := range b.states {
		b.e.store(st, b.positions[id].Closed)
	}
	b.states = make(map[string]*State)
	b.positions = make(map[string]model.Position)
}
