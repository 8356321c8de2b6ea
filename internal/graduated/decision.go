package graduated

import (
	"github.com/shopspring/decimal"
)

// DecisionKind is the outcome of a liquidation check.
type DecisionKind int

const (
	DecisionNone DecisionKind = iota
	DecisionGracePeriod
	DecisionLiquidate
)

func (k DecisionKind) String() string {
	switch k {
	case DecisionNone:
		return "none"
	case DecisionGracePeriod:
		return "grace_period"
	case DecisionLiquidate:
		return "liquidate"
	default:
		return "unknown"
	}
}

// Reason qualifies a DecisionNone.
type Reason string

const (
	ReasonClosed  Reason = "closed"
	ReasonHealthy Reason = "healthy"
)

// Decision is what CheckLiquidationNeeded wants done with a position this cycle.
type Decision struct {
	Kind   DecisionKind
	Reason Reason

	// Set for DecisionLiquidate.
	Level    int
	Amount   decimal.Decimal
	Terminal bool
	// Resumed marks the remainder of a step a previous cycle's cap throttled.
	Resumed bool

	HealthBps int64
	// GraceEndsCycle is the first cycle the position may escalate again.
	GraceEndsCycle int64
}

// State is the per-position escalation record. Created on first
// liquidation, dropped when the position closes.
type State struct {
	PositionID string `json:"position_id"`
	// CurrentLevel is the highest completed level, -1 before the first one.
	CurrentLevel int `json:"current_level"`
	// LiquidatedBps is the cumulative liquidated share of the original size.
	// Never decreases; capped at 10000.
	LiquidatedBps       int64           `json:"liquidated_bps"`
	OriginalSize        decimal.Decimal `json:"original_size"`
	LastEscalationCycle int64           `json:"last_escalation_cycle"`
	Escalated           bool            `json:"escalated"`
	InGracePeriod       bool            `json:"in_grace_period"`

	// PendingLevel and PendingAmount hold a step the cycle cap cut short.
	PendingLevel  int             `json:"pending_level"`
	PendingAmount decimal.Decimal `json:"pending_amount"`
}

// NextLevel is the first level not yet completed.
func (s *State) NextLevel() int { return s.CurrentLevel + 1 }
