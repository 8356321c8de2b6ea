package engine

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/atmx/risk-engine/internal/cascade"
	"github.com/atmx/risk-engine/internal/model"
	"github.com/atmx/risk-engine/internal/queue"
	"github.com/atmx/risk-engine/internal/risk"
)

// QueueView is a read-only snapshot of a market's liquidation state.
type QueueView struct {
	MarketID   string                 `json:"market_id"`
	Cycle      int64                  `json:"cycle"`
	Price      decimal.Decimal        `json:"price"`
	Halted     bool                   `json:"halted"`
	Positions  []model.AtRiskPosition `json:"positions"`
	// InFlight lists queued positions that already have an order this cycle.
	InFlight   []string               `json:"in_flight"`
	Metrics    queue.Metrics          `json:"metrics"`
	RewardPool decimal.Decimal        `json:"reward_pool"`
	Last       queue.CycleStats       `json:"last"`
	Report     MarketReport           `json:"report"`
}

// Queue returns the market's queue as of its last cycle.
func (e *Engine) Queue(marketID string) (QueueView, error) {
	ms, ok := e.lookup(marketID)
	if !ok {
		return QueueView{}, fmt.Errorf("%w: %s", ErrUnknownMarket, marketID)
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()
	positions := ms.queue.Snapshot()
	inFlight := []string{}
	for _, p := range positions {
		if ms.queue.InFlight(p.ID) {
			inFlight = append(inFlight, p.ID)
		}
	}
	return QueueView{
		MarketID:   marketID,
		Cycle:      ms.queue.Cycle(),
		Price:      ms.price,
		Halted:     e.breaker.IsHalted(marketID),
		Positions:  positions,
		InFlight:   inFlight,
		Metrics:    ms.queue.Metrics,
		RewardPool: ms.queue.RewardPool,
		Last:       ms.queue.Last,
		Report:     ms.report,
	}, nil
}

// TradingState is the order-entry gate for scope, read through the store so
// it reflects halts persisted by other instances.
func (e *Engine) TradingState(ctx context.Context, scope string) (model.ScopeState, error) {
	return e.store.GetTradingState(ctx, scope)
}

// SubmitPositions records position updates from position management. Updates
// for a halted market are refused. A position closed by its owner leaves its
// market's queue and escalation state at once.
func (e *Engine) SubmitPositions(ctx context.Context, positions []model.Position) error {
	for _, p := range positions {
		if p.ID == "" || p.MarketID == "" || !p.Side.Valid() {
			return fmt.Errorf("%w: position %q missing id, market or side", risk.ErrInputInvalid, p.ID)
		}
		if err := e.breaker.Guard(p.MarketID); err != nil {
			return err
		}
	}
	if err := e.store.SavePositions(ctx, positions); err != nil {
		return err
	}
	for _, p := range positions {
		if !p.Closed && p.Size.IsPositive() {
			continue
		}
		ms, ok := e.lookup(p.MarketID)
		if !ok {
			continue
		}
		ms.mu.Lock()
		ms.queue.Remove(p.ID)
		ms.exec.Forget(p.ID)
		ms.mu.Unlock()
	}
	return nil
}

// StressVenue shocks reference by shockBps at current prices. With trip set,
// a result over the system threshold halts the venue.
func (e *Engine) StressVenue(ctx context.Context, reference string, shockBps int64, trip bool) (VenueReport, error) {
	e.cycleMu.Lock()
	defer e.cycleMu.Unlock()

	if _, ok := e.lookup(reference); !ok {
		return VenueReport{}, fmt.Errorf("%w: %s", ErrUnknownMarket, reference)
	}
	va, err := e.analyzeVenue(e.registry.Defaults().Cascade, reference, shockBps, nil)
	if err != nil {
		return VenueReport{}, err
	}
	rep := VenueReport{Analysis: &va, Halted: e.breaker.IsHalted(model.VenueScope)}
	if trip && va.Tripped {
		t := e.trip(ctx, model.VenueScope, cascade.ReasonSystemic, e.LastCycle(), va.AtRiskIDs, &va)
		rep.Halted = true
		rep.Trip = &t
	}
	return rep, nil
}

// Halt trips scope by operator action. Positions breached at their last mark
// are recorded for the recovery check.
func (e *Engine) Halt(ctx context.Context, scope string) cascade.Trip {
	e.cycleMu.Lock()
	defer e.cycleMu.Unlock()

	var exposures []cascade.Exposure
	if scope == model.VenueScope {
		exposures = e.exposures()
	} else if ms, ok := e.lookup(scope); ok {
		ms.mu.Lock()
		exposures = cascade.ExposuresFrom(ms.positions)
		ms.mu.Unlock()
	}
	var ids []string
	for _, x := range exposures {
		if x.Mark.IsPositive() && x.Breached(x.Mark) {
			ids = append(ids, x.PositionID)
		}
	}
	return e.trip(ctx, scope, cascade.ReasonManual, e.LastCycle(), ids, nil)
}

// Resume clears scope by operator action, bypassing the recovery check.
func (e *Engine) Resume(ctx context.Context, scope string) (cascade.Resolution, bool) {
	e.cycleMu.Lock()
	defer e.cycleMu.Unlock()

	res, ok := e.breaker.Resolve(scope, e.LastCycle())
	if !ok {
		return cascade.Resolution{}, false
	}
	if ms, found := e.lookup(scope); found {
		ms.mu.Lock()
		ms.window.Reset()
		ms.mu.Unlock()
	}
	e.resolved(ctx, res)
	return res, true
}
