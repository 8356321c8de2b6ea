// Package graduated implements the per-position escalation state machine:
// positions are liquidated in growing fractions of their remaining size with
// a mandatory cooldown between escalations, and fully closed at the terminal
// level.
package graduated

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/risk-engine/internal/config"
	"github.com/atmx/risk-engine/internal/model"
	"github.com/atmx/risk-engine/internal/risk"
	"github.com/atmx/risk-engine/internal/settlement"
)

var (
	// ErrGracePeriodActive means the position escalated too recently.
	ErrGracePeriodActive = errors.New("graduated: grace period active")
	// ErrPositionHealthy means no level is crossed or the position is closed.
	ErrPositionHealthy = errors.New("graduated: position does not need liquidation")
)

// SizeScale is the decimal precision of liquidation amounts.
const SizeScale int32 = 8

var bpsDec = decimal.NewFromInt(model.BpsScale)

// Executor holds escalation state for one market.
type Executor struct {
	mu     sync.RWMutex
	policy config.Policy
	states map[string]*State
}

// NewExecutor creates an executor for a validated policy.
func NewExecutor(policy config.Policy) *Executor {
	return &Executor{
		policy: policy.Clone(),
		states: make(map[string]*State),
	}
}

// SetPolicy replaces the policy used from the next check on.
func (e *Executor) SetPolicy(policy config.Policy) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.policy = policy.Clone()
}

// State returns a copy of a position's escalation state.
func (e *Executor) State(positionID string) (State, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	st, ok := e.states[positionID]
	if !ok {
		return State{}, false
	}
	return *st, true
}

// Len returns the number of positions with live escalation state.
func (e *Executor) Len() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.states)
}

// Forget drops state for a position no longer tracked.
func (e *Executor) Forget(positionID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.states, positionID)
}

// Retain drops state for every position not in open and returns the dropped
// IDs. A position that left the book without a liquidation close starts over
// at level 0 if it reappears.
func (e *Executor) Retain(open []model.Position) []string {
	keep := make(map[string]bool, len(open))
	for _, p := range open {
		keep[p.ID] = true
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	var dropped []string
	for id := range e.states {
		if !keep[id] {
			delete(e.states, id)
			dropped = append(dropped, id)
		}
	}
	sort.Strings(dropped)
	return dropped
}

// CheckLiquidationNeeded classifies a position at price for the given cycle.
func (e *Executor) CheckLiquidationNeeded(p model.Position, price decimal.Decimal, cycle int64) (Decision, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return check(e.policy, e.states[p.ID], p, price, cycle)
}

func check(policy config.Policy, st *State, p model.Position, price decimal.Decimal, cycle int64) (Decision, error) {
	if p.Closed || !p.Size.IsPositive() {
		return Decision{Kind: DecisionNone, Reason: ReasonClosed}, nil
	}
	if !price.IsPositive() {
		return Decision{}, fmt.Errorf("%w: position %s price %s", risk.ErrInputInvalid, p.ID, price)
	}
	liq, err := risk.ResolveLiquidationPrice(&p)
	if err != nil {
		return Decision{}, err
	}
	isLong := p.Side.IsLong()
	health := risk.HealthBps(price, p.EntryPrice, liq, isLong)
	levels := policy.Graduated.Levels
	terminal := len(levels) - 1

	if st != nil && st.PendingAmount.IsPositive() {
		amount := decimal.Min(st.PendingAmount, p.Size)
		if st.PendingLevel == terminal {
			amount = p.Size
		}
		return Decision{
			Kind:      DecisionLiquidate,
			Level:     st.PendingLevel,
			Amount:    amount,
			Terminal:  st.PendingLevel == terminal,
			Resumed:   true,
			HealthBps: health,
		}, nil
	}

	if st != nil && st.Escalated {
		ends := st.LastEscalationCycle + policy.Liquidation.GracePeriodCycles
		if cycle < ends {
			return Decision{Kind: DecisionGracePeriod, HealthBps: health, GraceEndsCycle: ends}, nil
		}
	}

	next := 0
	if st != nil {
		next = st.NextLevel()
	}
	if risk.Breached(price, liq, isLong) || health <= 0 {
		next = terminal
	} else {
		danger := model.BpsScale - health
		if next > terminal || danger < levels[next].DangerBps {
			return Decision{Kind: DecisionNone, Reason: ReasonHealthy, HealthBps: health}, nil
		}
	}

	amount := p.Size
	if next != terminal {
		amount = p.Size.Mul(decimal.NewFromInt(levels[next].FractionBps)).Div(bpsDec).RoundDown(SizeScale)
		if !amount.IsPositive() {
			// Dust: nothing smaller than the size scale remains to split off.
			amount = p.Size
		}
	}
	return Decision{
		Kind:      DecisionLiquidate,
		Level:     next,
		Amount:    amount,
		Terminal:  next == terminal,
		HealthBps: health,
	}, nil
}

// Execute settles a Liquidate decision against p at price and commits the
// resulting state. On any error neither p nor the executor changes.
func (e *Executor) Execute(p *model.Position, dec Decision, price decimal.Decimal, cycle int64) (model.LiquidationOrder, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	order, pos, st, err := settle(e.policy, e.states[p.ID], *p, dec, dec.Amount, price, cycle)
	if err != nil {
		return model.LiquidationOrder{}, err
	}
	e.store(st, pos.Closed)
	*p = pos
	return order, nil
}

func (e *Executor) store(st *State, closed bool) {
	if closed {
		delete(e.states, st.PositionID)
		return
	}
	e.states[st.PositionID] = st
}

// settle computes the order, the updated position and the next state without
// touching shared state. executed may be less than dec.Amount when throttled.
func settle(policy config.Policy, prev *State, p model.Position, dec Decision, executed, price decimal.Decimal, cycle int64) (model.LiquidationOrder, model.Position, *State, error) {
	switch dec.Kind {
	case DecisionLiquidate:
	case DecisionGracePeriod:
		return model.LiquidationOrder{}, p, nil, fmt.Errorf("%w: position %s until cycle %d",
			ErrGracePeriodActive, p.ID, dec.GraceEndsCycle)
	default:
		return model.LiquidationOrder{}, p, nil, fmt.Errorf("%w: position %s", ErrPositionHealthy, p.ID)
	}
	if p.Closed || !p.Size.IsPositive() {
		return model.LiquidationOrder{}, p, nil, fmt.Errorf("%w: position %s is closed", ErrPositionHealthy, p.ID)
	}
	if !executed.IsPositive() {
		return model.LiquidationOrder{}, p, nil, fmt.Errorf("%w: amount %s", risk.ErrInputInvalid, executed)
	}
	if executed.GreaterThan(p.Size) {
		executed = p.Size
	}

	lc := policy.Liquidation
	value, err := settlement.Value(executed, price)
	if err != nil {
		return model.LiquidationOrder{}, p, nil, err
	}
	split, err := settlement.Compute(value, lc.LiquidationPenaltyBps, lc.InsuranceFeeBps)
	if err != nil {
		return model.LiquidationOrder{}, p, nil, err
	}

	var st State
	if prev != nil {
		st = *prev
	} else {
		st = State{
			PositionID:   p.ID,
			CurrentLevel: -1,
			OriginalSize: p.Size.Add(p.LiquidatedSize),
		}
	}

	planned := dec.Amount
	if planned.GreaterThan(p.Size) {
		planned = p.Size
	}
	remaining := p.Size.Sub(executed)
	// Raising a step to the minimum order size still completes it.
	stepDone := executed.GreaterThanOrEqual(planned) || remaining.IsZero()

	if stepDone {
		st.CurrentLevel = dec.Level
		st.Escalated = true
		st.LastEscalationCycle = cycle
		st.InGracePeriod = lc.GracePeriodCycles > 0
		st.PendingAmount = decimal.Zero
	} else {
		st.PendingLevel = dec.Level
		st.PendingAmount = decimal.Max(planned.Sub(executed), decimal.Zero)
	}

	// A terminal step always plans the whole remaining size, so it closes.
	closed := remaining.IsZero()
	liquidated := p.LiquidatedSize.Add(executed)
	st.LiquidatedBps = cumulativeBps(st.LiquidatedBps, liquidated, st.OriginalSize)
	if closed {
		st.LiquidatedBps = model.BpsScale
	}

	p.Size = remaining
	p.LiquidatedSize = liquidated
	p.Closed = closed

	order := model.LiquidationOrder{
		ID:                    uuid.New().String(),
		PositionID:            p.ID,
		OwnerID:               p.OwnerID,
		MarketID:              p.MarketID,
		Level:                 dec.Level,
		AmountLiquidated:      executed,
		IsFullClose:           closed,
		Price:                 price,
		LiquidationValue:      split.Value,
		KeeperReward:          split.Keeper,
		InsuranceContribution: split.Insurance,
		OwnerPayout:           split.Owner,
		Cycle:                 cycle,
		CreatedAt:             time.Now().UTC(),
	}
	return order, p, &st, nil
}

func cumulativeBps(prev int64, liquidated, original decimal.Decimal) int64 {
	if !original.IsPositive() {
		return prev
	}
	bps := liquidated.Mul(bpsDec).Div(original).Floor().IntPart()
	if bps > model.BpsScale {
		bps = model.BpsScale
	}
	if bps < prev {
		return prev
	}
	return bps
}
