// Package risk implements the pure risk scorer: it maps a position's prices,
// leverage and side to a 0–100 risk score and a normalized health ratio.
//
// Health is the fraction of the entry→liquidation distance still remaining,
// in basis points (10000 = fully healthy, 0 = at or past liquidation).
// The score buckets the complement:
//
//	past/at liquidation → 100
//	health < 5%         → 90
//	health > 30%        → 10
//	otherwise           → linear between 90 and 10
package risk

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/atmx/risk-engine/internal/model"
)

var (
	// ErrInputInvalid is returned for malformed or missing position/price data.
	// The caller skips the position for the cycle.
	ErrInputInvalid = errors.New("risk: invalid position or price input")
)

const (
	ScoreLiquidated = 100
	ScoreCritical   = 90
	ScoreSafe       = 10

	// CriticalHealthBps is the health below which a position scores ScoreCritical.
	CriticalHealthBps int64 = 500
	// SafeHealthBps is the health above which a position scores ScoreSafe.
	SafeHealthBps int64 = 3000
)

var (
	one = decimal.NewFromInt(1)
	bps = decimal.NewFromInt(model.BpsScale)
)

// LiquidationPrice derives the liquidation price from entry and leverage:
// entry × (1 − 1/leverage) for longs, entry × (1 + 1/leverage) for shorts.
func LiquidationPrice(entry, leverage decimal.Decimal, isLong bool) (decimal.Decimal, error) {
	if !entry.IsPositive() || !leverage.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: entry=%s leverage=%s", ErrInputInvalid, entry, leverage)
	}
	step := entry.Div(leverage)
	if isLong {
		return entry.Sub(step), nil
	}
	return entry.Add(step), nil
}

// Score returns the risk score and health ratio for a position whose
// liquidation price is implied by its leverage. Invalid inputs score as
// liquidated; use Assess to get an error instead.
func Score(mark, entry, leverage decimal.Decimal, isLong bool) (int, int64) {
	liq, err := LiquidationPrice(entry, leverage, isLong)
	if err != nil {
		return ScoreLiquidated, 0
	}
	return ScoreWithLiquidationPrice(mark, entry, liq, isLong)
}

// ScoreWithLiquidationPrice is Score with an explicit liquidation price.
func ScoreWithLiquidationPrice(mark, entry, liq decimal.Decimal, isLong bool) (int, int64) {
	health := HealthBps(mark, entry, liq, isLong)
	return scoreFromHealth(health, breached(mark, liq, isLong)), health
}

// HealthBps returns (mark − liq)/(entry − liq) for longs, mirrored for shorts,
// clamped to [0, 10000] and floored. A degenerate liq == entry yields 0.
func HealthBps(mark, entry, liq decimal.Decimal, isLong bool) int64 {
	var num, den decimal.Decimal
	if isLong {
		num, den = mark.Sub(liq), entry.Sub(liq)
	} else {
		num, den = liq.Sub(mark), liq.Sub(entry)
	}
	if !den.IsPositive() || !num.IsPositive() {
		return 0
	}
	ratio := num.Div(den)
	if ratio.GreaterThanOrEqual(one) {
		return model.BpsScale
	}
	return ratio.Mul(bps).Floor().IntPart()
}

// DistanceToLiquidation is the signed fractional gap between mark and the
// liquidation price, relative to mark. Negative means already breached.
func DistanceToLiquidation(mark, liq decimal.Decimal, isLong bool) decimal.Decimal {
	if !mark.IsPositive() {
		return decimal.Zero
	}
	if isLong {
		return mark.Sub(liq).Div(mark)
	}
	return liq.Sub(mark).Div(mark)
}

// Breached reports whether mark is at or past the liquidation price.
func Breached(mark, liq decimal.Decimal, isLong bool) bool {
	return breached(mark, liq, isLong)
}

func breached(mark, liq decimal.Decimal, isLong bool) bool {
	if isLong {
		return mark.LessThanOrEqual(liq)
	}
	return mark.GreaterThanOrEqual(liq)
}

func scoreFromHealth(health int64, isBreached bool) int {
	switch {
	case isBreached || health <= 0:
		return ScoreLiquidated
	case health < CriticalHealthBps:
		return ScoreCritical
	case health > SafeHealthBps:
		return ScoreSafe
	}
	span := SafeHealthBps - CriticalHealthBps
	drop := (health - CriticalHealthBps) * int64(ScoreCritical-ScoreSafe) / span
	return ScoreCritical - int(drop)
}

// ResolveLiquidationPrice returns the position's explicit liquidation price,
// or derives one from its entry price and leverage.
func ResolveLiquidationPrice(p *model.Position) (decimal.Decimal, error) {
	if p.LiquidationPrice.IsPositive() {
		return p.LiquidationPrice, nil
	}
	return LiquidationPrice(p.EntryPrice, p.Leverage, p.Side.IsLong())
}

// Assess projects a position into an AtRiskPosition at its current mark price.
func Assess(p model.Position, profile model.OwnerProfile, timeAtRisk int64) (model.AtRiskPosition, error) {
	if err := validate(&p); err != nil {
		return model.AtRiskPosition{}, err
	}
	liq, err := ResolveLiquidationPrice(&p)
	if err != nil {
		return model.AtRiskPosition{}, err
	}
	isLong := p.Side.IsLong()
	score, health := ScoreWithLiquidationPrice(p.MarkPrice, p.EntryPrice, liq, isLong)

	effLev := p.Leverage
	if p.Margin.IsPositive() {
		effLev = p.Notional().Div(p.Margin)
	}

	tier := profile.StakingTier
	if !tier.Valid() {
		tier = model.TierNone
	}

	return model.AtRiskPosition{
		Position:              p,
		RiskScore:             score,
		HealthBps:             health,
		DistanceToLiquidation: DistanceToLiquidation(p.MarkPrice, liq, isLong),
		EffectiveLeverage:     effLev,
		StakingTier:           tier,
		BootstrapPriority:     profile.BootstrapPriority,
		TimeAtRisk:            timeAtRisk,
	}, nil
}

func validate(p *model.Position) error {
	switch {
	case p.ID == "":
		return fmt.Errorf("%w: missing position id", ErrInputInvalid)
	case !p.Side.Valid():
		return fmt.Errorf("%w: position %s has side %q", ErrInputInvalid, p.ID, p.Side)
	case !p.MarkPrice.IsPositive():
		return fmt.Errorf("%w: position %s mark price %s", ErrInputInvalid, p.ID, p.MarkPrice)
	case !p.EntryPrice.IsPositive():
		return fmt.Errorf("%w: position %s entry price %s", ErrInputInvalid, p.ID, p.EntryPrice)
	case !p.Size.IsPositive():
		return fmt.Errorf("%w: position %s size %s", ErrInputInvalid, p.ID, p.Size)
	case !p.LiquidationPrice.IsPositive() && !p.Leverage.IsPositive():
		return fmt.Errorf("%w: position %s has neither leverage nor liquidation price", ErrInputInvalid, p.ID)
	case p.LiquidationPrice.IsNegative():
		return fmt.Errorf("%w: position %s liquidation price %s", ErrInputInvalid, p.ID, p.LiquidationPrice)
	}
	return nil
}
