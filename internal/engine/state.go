package engine

import (
	"sync"

	"github.com/shopspring/decimal"

	"github.com/atmx/risk-engine/internal/cascade"
	"github.com/atmx/risk-engine/internal/config"
	"github.com/atmx/risk-engine/internal/graduated"
	"github.com/atmx/risk-engine/internal/model"
	"github.com/atmx/risk-engine/internal/queue"
)

// marketState is everything the engine keeps for one market between cycles.
// mu serializes the market's cycle with operator reads.
type marketState struct {
	mu sync.Mutex
	id string

	queue  *queue.LiquidationQueue
	exec   *graduated.Executor
	window *cascade.Window

	// price is the mark of the last priced cycle.
	price decimal.Decimal

	// positions are the open positions as of the last cycle, after commit.
	positions []model.Position
	report    MarketReport
}

func (e *Engine) market(id string) *marketState {
	e.mu.RLock()
	ms, ok := e.markets[id]
	e.mu.RUnlock()
	if ok {
		return ms
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if ms, ok := e.markets[id]; ok {
		return ms
	}
	policy := e.registry.Policy(id)
	ms = &marketState{
		id:     id,
		queue:  queue.NewQueue(id, policy.Liquidation),
		exec:   graduated.NewExecutor(policy),
		window: cascade.NewWindow(policy.Cascade.WindowCycles),
	}
	e.markets[id] = ms
	return ms
}

// Track registers markets ahead of their first position so they are
// visible to operators and venue stress from startup.
func (e *Engine) Track(ids ...string) {
	for _, id := range ids {
		e.market(id)
	}
}

func (e *Engine) lookup(id string) (*marketState, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ms, ok := e.markets[id]
	return ms, ok
}

func (e *Engine) snapshot() []*marketState {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*marketState, 0, len(e.markets))
	for _, ms := range e.markets {
		out = append(out, ms)
	}
	return out
}

// configure applies the market's current policy before a cycle.
func (ms *marketState) configure(p config.Policy) {
	ms.queue.Config = p.Liquidation
	ms.exec.SetPolicy(p)
	if ms.window.Len() != p.Cascade.WindowCycles {
		ms.window = cascade.NewWindow(p.Cascade.WindowCycles)
	}
}

// merge replaces cached positions with their committed versions.
func (ms *marketState) merge(updated []model.Position) {
	if len(updated) == 0 {
		return
	}
	byID := make(map[string]model.Position, len(updated))
	for _, p := range updated {
		byID[p.ID] = p
	}
	for i := range ms.positions {
		if p, ok := byID[ms.positions[i].ID]; ok {
			ms.positions[i] = p
		}
	}
}
