package cascade

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/atmx/risk-engine/internal/config"
	"github.com/atmx/risk-engine/internal/correlation"
)

// MarketExposure is one market's input to a venue-wide stress run.
type MarketExposure struct {
	MarketID  string
	Price     decimal.Decimal
	Exposures []Exposure
	Detector  *Detector
}

// MarketStress is one market's share of a venue-wide stress run.
type MarketStress struct {
	MarketID string   `json:"market_id"`
	ShockBps int64    `json:"shock_bps"`
	Analysis Analysis `json:"analysis"`
}

// VenueAnalysis is the correlation-weighted outcome of a reference shock.
type VenueAnalysis struct {
	Reference string         `json:"reference"`
	ShockBps  int64          `json:"shock_bps"`
	Markets   []MarketStress `json:"markets"`
	Tracked   int            `json:"tracked"`
	// WeightedRateBps is Σ |coef| × liquidated × 10000 / Σ tracked.
	WeightedRateBps int64    `json:"weighted_rate_bps"`
	Tripped         bool     `json:"tripped"`
	AtRiskIDs       []string `json:"at_risk_ids"`
}

// AnalyzeVenue shocks reference by shockBps, propagates the shock through
// the correlation model and runs each affected market's detector. The venue
// trips when the correlation-weighted liquidation rate exceeds the system
// threshold, even if no single market crosses its own trip threshold. A
// shock that reaches only one market is that market's breaker's concern and
// never trips the venue.
func AnalyzeVenue(corr correlation.Model, cfg config.CascadeConfig, reference string, shockBps int64, markets []MarketExposure) (VenueAnalysis, error) {
	ids := make([]string, len(markets))
	for i, m := range markets {
		ids[i] = m.MarketID
	}
	shocks := corr.CorrelatedImpact(reference, shockBps, ids)

	va := VenueAnalysis{Reference: reference, ShockBps: shockBps}
	weighted := decimal.Zero
	absRef := decimal.NewFromInt(shockBps).Abs()

	for _, m := range markets {
		va.Tracked += len(m.Exposures)
		shock, ok := shocks[m.MarketID]
		if !ok || shock == 0 || !m.Price.IsPositive() || m.Detector == nil {
			continue
		}
		a, err := m.Detector.Analyze(m.Exposures, m.Price, ShockPrice(m.Price, shock))
		if err != nil {
			return VenueAnalysis{}, err
		}
		va.Markets = append(va.Markets, MarketStress{MarketID: m.MarketID, ShockBps: shock, Analysis: a})
		va.AtRiskIDs = append(va.AtRiskIDs, a.AtRiskIDs...)

		if absRef.IsPositive() {
			coef := decimal.NewFromInt(shock).Abs().Div(absRef)
			weighted = weighted.Add(coef.Mul(decimal.NewFromInt(int64(a.Liquidated()))))
		}
	}

	if va.Tracked > 0 {
		va.WeightedRateBps = weighted.Mul(bps).Div(decimal.NewFromInt(int64(va.Tracked))).Floor().IntPart()
	}
	va.Tripped = len(va.Markets) > 1 && va.WeightedRateBps > cfg.SystemThresholdBps
	sort.Slice(va.Markets, func(i, j int) bool { return va.Markets[i].MarketID < va.Markets[j].MarketID })
	sort.Strings(va.AtRiskIDs)
	return va, nil
}
