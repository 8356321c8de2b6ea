package cascade

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/risk-engine/internal/config"
	"github.com/atmx/risk-engine/internal/model"
)

// Reason names why a scope was halted.
type Reason string

const (
	ReasonCascade         Reason = "CASCADE_DETECTED"
	ReasonLiquidationRate Reason = "LIQUIDATION_RATE"
	ReasonSystemic        Reason = "SYSTEMIC_CORRELATION"
	ReasonManual          Reason = "MANUAL"
)

// Trip is an active halt.
type Trip struct {
	Scope     string    `json:"scope"`
	Reason    Reason    `json:"reason"`
	Cycle     int64     `json:"cycle"`
	AtRiskIDs []string  `json:"at_risk_ids"`
	TrippedAt time.Time `json:"tripped_at"`
}

// Resolution is the record of a scope returning to Active.
type Resolution struct {
	Scope           string          `json:"scope"`
	Reason          Reason          `json:"reason"`
	TripCycle       int64           `json:"trip_cycle"`
	Cycle           int64           `json:"cycle"`
	RecoveryPrice   decimal.Decimal `json:"recovery_price"`
	RemainingAtRisk int             `json:"remaining_at_risk"`
	Recorded        int             `json:"recorded_at_risk"`
}

// Breaker tracks halted scopes: market IDs and model.VenueScope. Every method
// is safe for concurrent use; a Trip happens-before any IsHalted that
// observes it.
type Breaker struct {
	mu    sync.RWMutex
	trips map[string]*Trip
	now   func() time.Time
}

// NewBreaker creates a breaker with every scope active.
func NewBreaker() *Breaker {
	return &Breaker{
		trips: make(map[string]*Trip),
		now:   time.Now,
	}
}

// Trip halts scope. Tripping an already halted scope keeps the original trip
// and returns false.
func (b *Breaker) Trip(scope string, reason Reason, cycle int64, atRiskIDs []string) (Trip, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if t, ok := b.trips[scope]; ok {
		return *t, false
	}
	ids := append([]string(nil), atRiskIDs...)
	sort.Strings(ids)
	t := &Trip{
		Scope:     scope,
		Reason:    reason,
		Cycle:     cycle,
		AtRiskIDs: ids,
		TrippedAt: b.now().UTC(),
	}
	b.trips[scope] = t
	return *t, true
}

// IsHalted reports whether the market or the whole venue is halted.
func (b *Breaker) IsHalted(marketID string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, market := b.trips[marketID]
	_, venue := b.trips[model.VenueScope]
	return market || venue
}

// Guard returns ErrCircuitBreakerTripped when the market may not trade.
func (b *Breaker) Guard(marketID string) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if t, ok := b.trips[marketID]; ok {
		return fmt.Errorf("%w: market %s since cycle %d (%s)", ErrCircuitBreakerTripped, marketID, t.Cycle, t.Reason)
	}
	if t, ok := b.trips[model.VenueScope]; ok {
		return fmt.Errorf("%w: venue since cycle %d (%s)", ErrCircuitBreakerTripped, t.Cycle, t.Reason)
	}
	return nil
}

// Halted returns the active trip for exactly scope.
func (b *Breaker) Halted(scope string) (Trip, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	t, ok := b.trips[scope]
	if !ok {
		return Trip{}, false
	}
	return *t, true
}

// CheckRecovery resolves scope once the cooldown has passed and the share of
// recorded at-risk positions still breached is at or below the resume
// threshold. Exposures are judged at price, or at their own Mark when price
// is zero (venue scope spans markets). Positions no longer present count as
// recovered.
func (b *Breaker) CheckRecovery(scope string, cfg config.CascadeConfig, exposures []Exposure, price decimal.Decimal, cycle int64) (Resolution, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.trips[scope]
	if !ok || cycle < t.Cycle+cfg.CooldownCycles {
		return Resolution{}, false
	}

	recorded := make(map[string]bool, len(t.AtRiskIDs))
	for _, id := range t.AtRiskIDs {
		recorded[id] = true
	}
	residual := 0
	for _, e := range exposures {
		if !recorded[e.PositionID] {
			continue
		}
		at := price
		if !at.IsPositive() {
			at = e.Mark
		}
		if at.IsPositive() && e.Breached(at) {
			residual++
		}
	}

	if n := len(t.AtRiskIDs); n > 0 && int64(residual)*model.BpsScale/int64(n) > cfg.ResumeThresholdBps {
		return Resolution{}, false
	}
	delete(b.trips, scope)
	return Resolution{
		Scope:           scope,
		Reason:          t.Reason,
		TripCycle:       t.Cycle,
		Cycle:           cycle,
		RecoveryPrice:   price,
		RemainingAtRisk: residual,
		Recorded:        len(t.AtRiskIDs),
	}, true
}

// Resolve clears scope unconditionally (operator override).
func (b *Breaker) Resolve(scope string, cycle int64) (Resolution, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.trips[scope]
	if !ok {
		return Resolution{}, false
	}
	delete(b.trips, scope)
	return Resolution{
		Scope:         scope,
		Reason:        t.Reason,
		TripCycle:     t.Cycle,
		Cycle:         cycle,
		RecoveryPrice: decimal.Zero,
		Recorded:      len(t.AtRiskIDs),
	}, true
}

// States lists every halted scope as persisted trading state, sorted by scope.
func (b *Breaker) States() []model.ScopeState {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]model.ScopeState, 0, len(b.trips))
	for _, t := range b.trips {
		out = append(out, t.State())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Scope < out[j].Scope })
	return out
}

// Restore reinstalls halts loaded from storage. Active states are ignored.
func (b *Breaker) Restore(states []model.ScopeState) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, s := range states {
		if s.State != model.TradingPaused {
			continue
		}
		b.trips[s.Scope] = &Trip{
			Scope:     s.Scope,
			Reason:    Reason(s.Reason),
			Cycle:     s.Cycle,
			AtRiskIDs: append([]string(nil), s.AtRiskIDs...),
			TrippedAt: s.UpdatedAt,
		}
	}
}

// State converts the trip into its persisted form.
func (t Trip) State() model.ScopeState {
	return model.ScopeState{
		Scope:     t.Scope,
		State:     model.TradingPaused,
		Reason:    string(t.Reason),
		Cycle:     t.Cycle,
		AtRiskIDs: append([]string(nil), t.AtRiskIDs...),
		UpdatedAt: t.TrippedAt,
	}
}

// ActiveState is the persisted form of a resolved scope.
func (r Resolution) ActiveState(at time.Time) model.ScopeState {
	return model.ScopeState{
		Scope:     r.Scope,
		State:     model.TradingActive,
		Cycle:     r.Cycle,
		UpdatedAt: at.UTC(),
	}
}
