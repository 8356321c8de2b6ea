package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/atmx/risk-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu        sync.RWMutex
	positions map[string]model.Position
	profiles  map[string]model.OwnerProfile
	orders    map[string][]model.LiquidationOrder
	states    map[string]model.ScopeState

	// FailApply makes the next ApplyLiquidations fail, for tests.
	FailApply error
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		positions: make(map[string]model.Position),
		profiles:  make(map[string]model.OwnerProfile),
		orders:    make(map[string][]model.LiquidationOrder),
		states:    make(map[string]model.ScopeState),
	}
}

func (s *MemoryStore) ListMarkets(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]bool)
	var markets []string
	for _, p := range s.positions {
		if p.Closed || seen[p.MarketID] {
			continue
		}
		seen[p.MarketID] = true
		markets = append(markets, p.MarketID)
	}
	sort.Strings(markets)
	return markets, nil
}

func (s *MemoryStore) ListOpenPositions(_ context.Context, marketID string) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Position
	for _, p := range s.positions {
		if p.MarketID == marketID && !p.Closed {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) SavePositions(_ context.Context, positions []model.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range positions {
		if p.ID == "" {
			return fmt.Errorf("save position: missing id")
		}
		s.positions[p.ID] = p
	}
	return nil
}

// Position returns one stored position, for tests and diagnostics.
func (s *MemoryStore) Position(id string) (model.Position, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.positions[id]
	return p, ok
}

func (s *MemoryStore) OwnerProfiles(_ context.Context, ownerIDs []string) (map[string]model.OwnerProfile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]model.OwnerProfile, len(ownerIDs))
	for _, id := range ownerIDs {
		if p, ok := s.profiles[id]; ok {
			out[id] = p
		}
	}
	return out, nil
}

func (s *MemoryStore) SaveOwnerProfile(_ context.Context, p model.OwnerProfile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profiles[p.OwnerID] = p
	return nil
}

func (s *MemoryStore) ApplyLiquidations(_ context.Context, marketID string, orders []model.LiquidationOrder, positions []model.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.FailApply; err != nil {
		s.FailApply = nil
		return err
	}
	for _, p := range positions {
		if _, ok := s.positions[p.ID]; !ok {
			return fmt.Errorf("apply liquidations: position %s: %w", p.ID, ErrNotFound)
		}
	}
	for _, p := range positions {
		s.positions[p.ID] = p
	}
	s.orders[marketID] = append(s.orders[marketID], orders...)
	return nil
}

func (s *MemoryStore) ListOrders(_ context.Context, marketID string, limit int) ([]model.LiquidationOrder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := s.orders[marketID]
	out := make([]model.LiquidationOrder, 0, len(all))
	for i := len(all) - 1; i >= 0; i-- {
		if limit > 0 && len(out) >= limit {
			break
		}
		out = append(out, all[i])
	}
	return out, nil
}

func (s *MemoryStore) GetTradingState(_ context.Context, scope string) (model.ScopeState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if st, ok := s.states[scope]; ok {
		return st, nil
	}
	return activeState(scope), nil
}

func (s *MemoryStore) SaveTradingState(_ context.Context, st model.ScopeState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[st.Scope] = st
	return nil
}

func (s *MemoryStore) ListTradingStates(_ context.Context) ([]model.ScopeState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.ScopeState, 0, len(s.states))
	for _, st := range s.states {
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Scope < out[j].Scope })
	return out, nil
}
