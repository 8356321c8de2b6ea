// Package model defines the core domain types shared across the risk engine.
// All monetary values use shopspring/decimal, never float64 for money.
// Ratios are int64 basis points where 10000 = 100%.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// BpsScale is the basis-point denominator.
const BpsScale int64 = 10000

// VenueScope is the breaker scope covering every market on the venue.
const VenueScope = "*"

// Side is the direction of a leveraged position.
type Side string

const (
	SideLong  Side = "LONG"
	SideShort Side = "SHORT"
)

// IsLong reports whether the side is long. Anything else is treated as short
// by callers only after Valid has been checked.
func (s Side) IsLong() bool { return s == SideLong }

// Valid reports whether s is a known side.
func (s Side) Valid() bool { return s == SideLong || s == SideShort }

// StakingTier is the owner's staking classification. Its ordinal indexes the
// staking boost table in the liquidation config.
type StakingTier int

const (
	TierNone StakingTier = iota
	TierBronze
	TierSilver
	TierGold
	TierPlatinum

	// NumStakingTiers is the size of any per-tier table.
	NumStakingTiers = 5
)

func (t StakingTier) String() string {
	switch t {
	case TierNone:
		return "none"
	case TierBronze:
		return "bronze"
	case TierSilver:
		return "silver"
	case TierGold:
		return "gold"
	case TierPlatinum:
		return "platinum"
	default:
		return "unknown"
	}
}

// Valid reports whether t can index a per-tier table.
func (t StakingTier) Valid() bool { return t >= TierNone && t < NumStakingTiers }

// Position is the engine's mutable per-cycle view of a leveraged position.
// Owned by position management; the engine writes back Size, LiquidatedSize
// and Closed after a committed liquidation.
type Position struct {
	ID         string          `json:"id" db:"id"`
	OwnerID    string          `json:"owner_id" db:"owner_id"`
	MarketID   string          `json:"market_id" db:"market_id"`
	Side       Side            `json:"side" db:"side"`
	Size       decimal.Decimal `json:"size" db:"size"` // remaining contracts
	EntryPrice decimal.Decimal `json:"entry_price" db:"entry_price"`
	MarkPrice  decimal.Decimal `json:"mark_price" db:"mark_price"`
	Leverage   decimal.Decimal `json:"leverage" db:"leverage"`
	Margin     decimal.Decimal `json:"margin" db:"margin"`
	// LiquidationPrice is optional. Zero means derive it from entry and leverage.
	LiquidationPrice decimal.Decimal `json:"liquidation_price" db:"liquidation_price"`
	LiquidatedSize   decimal.Decimal `json:"liquidated_size" db:"liquidated_size"`
	Closed           bool            `json:"closed" db:"closed"`
	ChainDepth       int             `json:"chain_depth" db:"chain_depth"`
}

// Notional is the position's current exposure at its mark price.
func (p *Position) Notional() decimal.Decimal {
	return p.Size.Mul(p.MarkPrice)
}

// OwnerProfile is the staking/rewards snapshot for one owner, read at cycle start.
type OwnerProfile struct {
	OwnerID           string      `json:"owner_id"`
	StakingTier       StakingTier `json:"staking_tier"`
	BootstrapPriority int         `json:"bootstrap_priority"`
}

// AtRiskPosition is the per-cycle projection of a Position used for ranking.
// Recomputed every cycle and never persisted.
type AtRiskPosition struct {
	Position
	RiskScore             int             `json:"risk_score"`
	HealthBps             int64           `json:"health_bps"`
	DistanceToLiquidation decimal.Decimal `json:"distance_to_liquidation"` // negative = breached
	EffectiveLeverage     decimal.Decimal `json:"effective_leverage"`
	StakingTier           StakingTier     `json:"staking_tier"`
	BootstrapPriority     int             `json:"bootstrap_priority"`
	TimeAtRisk            int64           `json:"time_at_risk"` // consecutive cycles
	Priority              int64           `json:"priority"`
}

// LiquidationOrder is one settled liquidation step handed to the settlement
// collaborator. LiquidationValue == OwnerPayout + KeeperReward + InsuranceContribution.
type LiquidationOrder struct {
	ID                    string          `json:"id"`
	PositionID            string          `json:"position_id"`
	OwnerID               string          `json:"owner_id"`
	MarketID              string          `json:"market_id"`
	Level                 int             `json:"level"`
	AmountLiquidated      decimal.Decimal `json:"amount_liquidated"`
	IsFullClose           bool            `json:"is_full_close"`
	Price                 decimal.Decimal `json:"price"`
	LiquidationValue      decimal.Decimal `json:"liquidation_value"`
	KeeperReward          decimal.Decimal `json:"keeper_reward"`
	InsuranceContribution decimal.Decimal `json:"insurance_contribution"`
	OwnerPayout           decimal.Decimal `json:"owner_payout"`
	Cycle                 int64           `json:"cycle"`
	CreatedAt             time.Time       `json:"created_at"`
}

// TradingState is the order-entry gate for a market or the whole venue.
type TradingState string

const (
	TradingActive TradingState = "ACTIVE"
	TradingPaused TradingState = "PAUSED"
)

// ScopeState is the persisted trading state of one breaker scope.
type ScopeState struct {
	Scope  string       `json:"scope" db:"scope"`
	State  TradingState `json:"state" db:"state"`
	Reason string       `json:"reason,omitempty" db:"reason"`
	Cycle  int64        `json:"cycle" db:"cycle"`

	// AtRiskIDs are the positions recorded at trip time; recovery is judged
	// against them.
	AtRiskIDs []string  `json:"at_risk_ids,omitempty" db:"at_risk_ids"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}
