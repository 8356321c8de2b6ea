// Package impact models the price move caused by forced liquidation flow.
//
// Every model is deterministic and monotonic: a larger net volume never
// moves the price less. The cascade detector relies on this to bound
// second-wave liquidations.
package impact

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/atmx/risk-engine/internal/config"
	"github.com/atmx/risk-engine/internal/model"
)

var (
	// ErrInvalidPrice is returned for a non-positive starting price.
	ErrInvalidPrice = errors.New("impact: price must be positive")

	// PriceScale is the number of decimal places an impacted price carries.
	PriceScale int32 = 8

	// MaxImpactBps caps a single downward move so the price stays positive.
	MaxImpactBps = decimal.NewFromInt(model.BpsScale - 1)

	bps = decimal.NewFromInt(model.BpsScale)
)

// Model maps liquidated notional to a post-impact price.
type Model interface {
	// Apply returns the price after absorbing netVolume of liquidation flow.
	// Positive volume is net selling (long positions closed), negative is
	// net buying (shorts closed).
	Apply(price, netVolume decimal.Decimal) (decimal.Decimal, error)
}

// Linear moves price by a fixed number of bps per unit of liquidated notional.
type Linear struct {
	BpsPerUnit decimal.Decimal
}

// NewLinear creates a linear model. A negative slope is rejected.
func NewLinear(bpsPerUnit decimal.Decimal) (*Linear, error) {
	if bpsPerUnit.IsNegative() {
		return nil, fmt.Errorf("impact: negative bps per unit %s", bpsPerUnit)
	}
	return &Linear{BpsPerUnit: bpsPerUnit}, nil
}

// ImpactBps returns the move in bps for volume, before direction.
func (l *Linear) ImpactBps(volume decimal.Decimal) decimal.Decimal {
	return volume.Abs().Mul(l.BpsPerUnit)
}

func (l *Linear) Apply(price, netVolume decimal.Decimal) (decimal.Decimal, error) {
	if !price.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrInvalidPrice, price)
	}
	move := l.ImpactBps(netVolume)
	if netVolume.IsPositive() {
		move = decimal.Min(move, MaxImpactBps)
		return price.Mul(bps.Sub(move)).Div(bps).Round(PriceScale), nil
	}
	return price.Mul(bps.Add(move)).Div(bps).Round(PriceScale), nil
}

// New builds the model a cascade policy names.
func New(cfg config.CascadeConfig) (Model, error) {
	switch cfg.ImpactModel {
	case config.ImpactLinear, "":
		return NewLinear(cfg.ImpactBpsPerUnit)
	case config.ImpactLMSR:
		return NewLMSR(cfg.LMSRLiquidity)
	default:
		return nil, fmt.Errorf("%w: impact model %q", config.ErrInvalidPolicy, cfg.ImpactModel)
	}
}
