package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atmx/risk-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for the records read on every request: trading state and owner
// profiles. Writes go to the primary store first, then refresh the cache.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

var _ Store = (*CachedStore)(nil)

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, then cache) ---

func (s *CachedStore) SaveTradingState(ctx context.Context, st model.ScopeState) error {
	if err := s.primary.SaveTradingState(ctx, st); err != nil {
		return err
	}
	s.cacheJSON(ctx, tradingKey(st.Scope), st)
	return nil
}

func (s *CachedStore) SaveOwnerProfile(ctx context.Context, p model.OwnerProfile) error {
	if err := s.primary.SaveOwnerProfile(ctx, p); err != nil {
		return err
	}
	s.cacheJSON(ctx, ownerKey(p.OwnerID), p)
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetTradingState(ctx context.Context, scope string) (model.ScopeState, error) {
	data, err := s.rdb.Get(ctx, tradingKey(scope)).Bytes()
	if err == nil {
		var st model.ScopeState
		if json.Unmarshal(data, &st) == nil {
			return st, nil
		}
	}

	st, err := s.primary.GetTradingState(ctx, scope)
	if err != nil {
		return model.ScopeState{}, err
	}
	s.cacheJSON(ctx, tradingKey(scope), st)
	return st, nil
}

func (s *CachedStore) OwnerProfiles(ctx context.Context, ownerIDs []string) (map[string]model.OwnerProfile, error) {
	out := make(map[string]model.OwnerProfile, len(ownerIDs))
	if len(ownerIDs) == 0 {
		return out, nil
	}

	keys := make([]string, len(ownerIDs))
	for i, id := range ownerIDs {
		keys[i] = ownerKey(id)
	}

	var missing []string
	vals, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		missing = ownerIDs
	} else {
		for i, v := range vals {
			raw, ok := v.(string)
			var p model.OwnerProfile
			if !ok || json.Unmarshal([]byte(raw), &p) != nil {
				missing = append(missing, ownerIDs[i])
				continue
			}
			out[ownerIDs[i]] = p
		}
	}
	if len(missing) == 0 {
		return out, nil
	}

	// Cache miss: read the rest from primary.
	fetched, err := s.primary.OwnerProfiles(ctx, missing)
	if err != nil {
		return nil, err
	}
	for id, p := range fetched {
		out[id] = p
		s.cacheJSON(ctx, ownerKey(id), p)
	}
	return out, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListMarkets(ctx context.Context) ([]string, error) {
	return s.primary.ListMarkets(ctx)
}

func (s *CachedStore) ListOpenPositions(ctx context.Context, marketID string) ([]model.Position, error) {
	return s.primary.ListOpenPositions(ctx, marketID)
}

func (s *CachedStore) SavePositions(ctx context.Context, positions []model.Position) error {
	return s.primary.SavePositions(ctx, positions)
}

func (s *CachedStore) ApplyLiquidations(ctx context.Context, marketID string, orders []model.LiquidationOrder, positions []model.Position) error {
	return s.primary.ApplyLiquidations(ctx, marketID, orders, positions)
}

func (s *CachedStore) ListOrders(ctx context.Context, marketID string, limit int) ([]model.LiquidationOrder, error) {
	return s.primary.ListOrders(ctx, marketID, limit)
}

func (s *CachedStore) ListTradingStates(ctx context.Context) ([]model.ScopeState, error) {
	return s.primary.ListTradingStates(ctx)
}

// --- Cache helpers ---

func (s *CachedStore) cacheJSON(ctx context.Context, key string, v any) {
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
}

func tradingKey(scope string) string { return fmt.Sprintf("trading:%s", scope) }
func ownerKey(id string) string      { return fmt.Sprintf("owner:%s", id) }
