package engine

import (
	"context"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/atmx/risk-engine/internal/cascade"
	"github.com/atmx/risk-engine/internal/config"
	"github.com/atmx/risk-engine/internal/model"
)

// venueStress runs a correlated stress of the cycle's largest observed move
// before any market settles. A trip halts the venue, so every market then
// reports halted for this cycle and no order is applied.
func (e *Engine) venueStress(ctx context.Context, cycle int64, ids []string, inputs []marketInput) (VenueReport, error) {
	cfg := e.registry.Defaults().Cascade
	e.Track(ids...)

	incoming := make(map[string]marketInput, len(ids))
	for i, id := range ids {
		if inputs[i].priced && inputs[i].price.IsPositive() {
			incoming[id] = inputs[i]
		}
	}
	ref, shock := e.largestMove(incoming)
	if shock == 0 {
		return VenueReport{}, nil
	}
	va, err := e.analyzeVenue(cfg, ref, shock, incoming)
	if err != nil {
		return VenueReport{}, fmt.Errorf("venue stress: %w", err)
	}
	rep := VenueReport{Analysis: &va}
	if !va.Tripped {
		return rep, nil
	}
	t := e.trip(ctx, model.VenueScope, cascade.ReasonSystemic, cycle, va.AtRiskIDs, &va)
	rep.Halted = true
	rep.Trip = &t
	return rep, fmt.Errorf("%w: venue on %s move of %d bps at cycle %d",
		cascade.ErrCircuitBreakerTripped, ref, shock, cycle)
}

// venueRecovery checks a halted venue once every market has run.
func (e *Engine) venueRecovery(ctx context.Context, cycle int64) VenueReport {
	cfg := e.registry.Defaults().Cascade
	res, ok := e.breaker.CheckRecovery(model.VenueScope, cfg, e.exposures(), decimal.Zero, cycle)
	if !ok {
		return VenueReport{Halted: true}
	}
	e.resolved(ctx, res)
	return VenueReport{Resolution: &res}
}

// largestMove returns the market with the largest absolute move from its
// last mark to its incoming price, in bps (positive is a drop). Ties go to
// the smaller market ID.
func (e *Engine) largestMove(incoming map[string]marketInput) (string, int64) {
	var ref string
	var best int64
	for _, ms := range e.snapshot() {
		in, ok := incoming[ms.id]
		if !ok {
			continue
		}
		ms.mu.Lock()
		prev := ms.price
		ms.mu.Unlock()
		if !prev.IsPositive() {
			continue
		}
		move := prev.Sub(in.price).Mul(decimal.NewFromInt(model.BpsScale)).Div(prev).IntPart()
		abs, bestAbs := move, best
		if abs < 0 {
			abs = -abs
		}
		if bestAbs < 0 {
			bestAbs = -bestAbs
		}
		if abs > bestAbs || (abs == bestAbs && abs > 0 && ms.id < ref) {
			ref, best = ms.id, move
		}
	}
	return ref, best
}

// analyzeVenue shocks reference by shockBps across every priced market at its
// last mark. Markets in incoming are stressed with their freshly loaded
// positions; a market seen for the first time is stressed at its incoming
// price.
func (e *Engine) analyzeVenue(cfg config.CascadeConfig, reference string, shockBps int64, incoming map[string]marketInput) (cascade.VenueAnalysis, error) {
	var markets []cascade.MarketExposure
	for _, ms := range e.snapshot() {
		ms.mu.Lock()
		id, price, positions := ms.id, ms.price, ms.positions
		ms.mu.Unlock()
		if in, ok := incoming[id]; ok {
			positions = in.positions
			if !price.IsPositive() {
				price = in.price
			}
		}
		if !price.IsPositive() {
			continue
		}
		det, err := newDetector(id, e.registry.Policy(id).Cascade)
		if err != nil {
			return cascade.VenueAnalysis{}, fmt.Errorf("market %s: %w", id, err)
		}
		markets = append(markets, cascade.MarketExposure{
			MarketID:  id,
			Price:     price,
			Exposures: cascade.ExposuresFrom(positions),
			Detector:  det,
		})
	}
	sort.Slice(markets, func(i, j int) bool { return markets[i].MarketID < markets[j].MarketID })
	return cascade.AnalyzeVenue(e.corr, cfg, reference, shockBps, markets)
}

// exposures is every market's open exposure at its own last mark.
func (e *Engine) exposures() []cascade.Exposure {
	var out []cascade.Exposure
	for _, ms := range e.snapshot() {
		ms.mu.Lock()
		out = append(out, cascade.ExposuresFrom(ms.positions)...)
		ms.mu.Unlock()
	}
	return out
}
