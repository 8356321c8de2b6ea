// Package cascade detects self-reinforcing liquidation waves and runs the
// circuit breaker that halts a market (or the whole venue) until the at-risk
// population recovers.
package cascade

import (
	"errors"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/atmx/risk-engine/internal/config"
	"github.com/atmx/risk-engine/internal/impact"
	"github.com/atmx/risk-engine/internal/model"
	"github.com/atmx/risk-engine/internal/risk"
)

// ErrCircuitBreakerTripped is returned for work against a halted scope.
var ErrCircuitBreakerTripped = errors.New("cascade: circuit breaker tripped")

var bps = decimal.NewFromInt(model.BpsScale)

// Exposure is the slice of a position the detector needs.
type Exposure struct {
	PositionID       string
	IsLong           bool
	Size             decimal.Decimal
	LiquidationPrice decimal.Decimal
	// Mark is the position's own mark price, used when no scope-wide price applies.
	Mark decimal.Decimal
}

// Breached reports whether the exposure is at or past liquidation at price.
func (e Exposure) Breached(price decimal.Decimal) bool {
	return risk.Breached(price, e.LiquidationPrice, e.IsLong)
}

// ExposuresFrom projects open positions. Closed positions and positions whose
// liquidation price cannot be resolved are left out.
func ExposuresFrom(ps []model.Position) []Exposure {
	out := make([]Exposure, 0, len(ps))
	for i := range ps {
		p := &ps[i]
		if p.Closed || !p.Size.IsPositive() || !p.Side.Valid() {
			continue
		}
		liq, err := risk.ResolveLiquidationPrice(p)
		if err != nil {
			continue
		}
		out = append(out, Exposure{
			PositionID:       p.ID,
			IsLong:           p.Side.IsLong(),
			Size:             p.Size,
			LiquidationPrice: liq,
			Mark:             p.MarkPrice,
		})
	}
	return out
}

// Analysis is the two-phase outcome of a price shock.
type Analysis struct {
	ReferencePrice decimal.Decimal `json:"reference_price"`
	ShockPrice     decimal.Decimal `json:"shock_price"`
	CascadePrice   decimal.Decimal `json:"cascade_price"`

	Tracked         int `json:"tracked"`
	AlreadyBreached int `json:"already_breached"`

	FirstWave        int             `json:"first_wave"`
	FirstWaveVolume  decimal.Decimal `json:"first_wave_volume"`
	SecondWave       int             `json:"second_wave"`
	SecondWaveVolume decimal.Decimal `json:"second_wave_volume"`

	// RateBps is (first + second wave) × 10000 / tracked.
	RateBps int64 `json:"rate_bps"`
	Tripped bool  `json:"tripped"`

	// AtRiskIDs are every position breached at the cascade price, sorted.
	AtRiskIDs []string `json:"at_risk_ids"`
}

// Liquidated is the combined wave count.
func (a Analysis) Liquidated() int { return a.FirstWave + a.SecondWave }

// Detector runs cascade analysis for one market.
type Detector struct {
	Config config.CascadeConfig
	Impact impact.Model
}

// NewDetector builds a detector with the impact model the config names.
func NewDetector(cfg config.CascadeConfig) (*Detector, error) {
	m, err := impact.New(cfg)
	if err != nil {
		return nil, err
	}
	return &Detector{Config: cfg, Impact: m}, nil
}

// Analyze projects a move from referencePrice to shockPrice.
//
// Phase 1 counts positions that newly cross liquidation at the shock price
// and their volume (size × shock price). Phase 2 feeds the first wave's net
// flow through the impact model to get a cascade price and counts the
// additional positions crossing there.
func (d *Detector) Analyze(exposures []Exposure, referencePrice, shockPrice decimal.Decimal) (Analysis, error) {
	if !referencePrice.IsPositive() || !shockPrice.IsPositive() {
		return Analysis{}, fmt.Errorf("%w: reference=%s shock=%s", risk.ErrInputInvalid, referencePrice, shockPrice)
	}
	a := Analysis{
		ReferencePrice:   referencePrice,
		ShockPrice:       shockPrice,
		Tracked:          len(exposures),
		FirstWaveVolume:  decimal.Zero,
		SecondWaveVolume: decimal.Zero,
	}

	net := decimal.Zero
	var atRisk []string
	survivors := make([]Exposure, 0, len(exposures))
	for _, e := range exposures {
		switch {
		case e.Breached(referencePrice):
			a.AlreadyBreached++
			atRisk = append(atRisk, e.PositionID)
		case e.Breached(shockPrice):
			a.FirstWave++
			vol := e.Size.Mul(shockPrice)
			a.FirstWaveVolume = a.FirstWaveVolume.Add(vol)
			net = net.Add(signed(vol, e.IsLong))
			atRisk = append(atRisk, e.PositionID)
		default:
			survivors = append(survivors, e)
		}
	}

	cascadePrice, err := d.Impact.Apply(shockPrice, net)
	if err != nil {
		return Analysis{}, err
	}
	a.CascadePrice = cascadePrice

	for _, e := range survivors {
		if e.Breached(cascadePrice) {
			a.SecondWave++
			a.SecondWaveVolume = a.SecondWaveVolume.Add(e.Size.Mul(cascadePrice))
			atRisk = append(atRisk, e.PositionID)
		}
	}

	if a.Tracked > 0 {
		a.RateBps = int64(a.Liquidated()) * model.BpsScale / int64(a.Tracked)
	}
	a.Tripped = a.RateBps > d.Config.TripThresholdBps
	sort.Strings(atRisk)
	a.AtRiskIDs = atRisk
	return a, nil
}

// ShockPrice moves price down by shockBps (up when negative).
func ShockPrice(price decimal.Decimal, shockBps int64) decimal.Decimal {
	if shockBps >= model.BpsScale {
		shockBps = model.BpsScale - 1
	}
	return price.Mul(decimal.NewFromInt(model.BpsScale - shockBps)).Div(bps).Round(impact.PriceScale)
}

// Long liquidations sell into the market, short liquidations buy.
func signed(vol decimal.Decimal, isLong bool) decimal.Decimal {
	if isLong {
		return vol
	}
	return vol.Neg()
}
