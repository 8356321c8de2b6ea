// Package store defines the persistence interface for the risk engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache for trading state and owner profiles), and in-memory (for testing).
package store

import (
	"context"
	"errors"

	"github.com/atmx/risk-engine/internal/model"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("store: not found")

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	// --- Positions ---

	// ListMarkets returns every market with at least one open position.
	ListMarkets(ctx context.Context) ([]string, error)

	// ListOpenPositions returns the open positions of a market.
	ListOpenPositions(ctx context.Context, marketID string) ([]model.Position, error)

	// SavePositions upserts position records.
	SavePositions(ctx context.Context, positions []model.Position) error

	// --- Owner profiles ---

	// OwnerProfiles returns staking profiles for the given owners. Owners
	// without a profile are absent from the result.
	OwnerProfiles(ctx context.Context, ownerIDs []string) (map[string]model.OwnerProfile, error)

	// SaveOwnerProfile upserts one profile.
	SaveOwnerProfile(ctx context.Context, p model.OwnerProfile) error

	// --- Liquidations ---

	// ApplyLiquidations records a cycle's orders and the resulting position
	// updates in one transaction: either all of it is stored or none.
	ApplyLiquidations(ctx context.Context, marketID string, orders []model.LiquidationOrder, positions []model.Position) error

	// ListOrders returns a market's most recent liquidation orders, newest first.
	ListOrders(ctx context.Context, marketID string, limit int) ([]model.LiquidationOrder, error)

	// --- Trading state ---

	// GetTradingState returns a scope's state; unknown scopes are Active.
	GetTradingState(ctx context.Context, scope string) (model.ScopeState, error)

	// SaveTradingState upserts a scope's state.
	SaveTradingState(ctx context.Context, s model.ScopeState) error

	// ListTradingStates returns every persisted scope state.
	ListTradingStates(ctx context.Context) ([]model.ScopeState, error)
}

// activeState is the implicit state of a scope never halted.
func activeState(scope string) model.ScopeState {
	return model.ScopeState{Scope: scope, State: model.TradingActive}
}
