// Package market parses and validates market symbols.
//
// Symbol format: {BASE}-{QUOTE}-{KIND}[-{YYYYMMDD}]
//
//	BTC-USD-PERP            perpetual
//	ETH-USD-FUT-20261225    dated future
//	BTC-USD-OUT-20261231    binary outcome, priced as a probability
package market

import (
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/atmx/risk-engine/internal/config"
)

// Market kinds.
const (
	KindPerp    = "PERP"
	KindFuture  = "FUT"
	KindOutcome = "OUT"
)

var symbolRegex = regexp.MustCompile(`^([A-Z0-9]{2,10})-([A-Z]{3,5})-([A-Z]+)(?:-(\d{8}))?$`)

var (
	ErrInvalidSymbol = errors.New("market: invalid symbol format")
	ErrInvalidKind   = errors.New("market: unsupported market kind")
)

// Market is a parsed symbol.
type Market struct {
	Symbol string    `json:"symbol"`
	Base   string    `json:"base"`
	Quote  string    `json:"quote"`
	Kind   string    `json:"kind"`
	Expiry time.Time `json:"expiry,omitempty"`
}

// Parse validates a market symbol. Dated kinds require an expiry and
// perpetuals must not carry one.
func Parse(symbol string) (*Market, error) {
	m := symbolRegex.FindStringSubmatch(symbol)
	if m == nil {
		return nil, fmt.Errorf("%w: %s (expected {BASE}-{QUOTE}-{KIND}[-{YYYYMMDD}])",
			ErrInvalidSymbol, symbol)
	}
	base, quote, kind, date := m[1], m[2], m[3], m[4]

	switch kind {
	case KindPerp:
		if date != "" {
			return nil, fmt.Errorf("%w: perpetual %s has an expiry", ErrInvalidSymbol, symbol)
		}
	case KindFuture, KindOutcome:
		if date == "" {
			return nil, fmt.Errorf("%w: %s needs an expiry date", ErrInvalidSymbol, symbol)
		}
	default:
		return nil, fmt.Errorf("%w: %s", ErrInvalidKind, kind)
	}

	mk := &Market{Symbol: symbol, Base: base, Quote: quote, Kind: kind}
	if date != "" {
		expiry, err := time.Parse("20060102", date)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid date %s", ErrInvalidSymbol, date)
		}
		mk.Expiry = expiry
	}
	return mk, nil
}

// IsOutcome reports whether prices are probabilities in (0, 1).
func (m *Market) IsOutcome() bool { return m.Kind == KindOutcome }

// ImpactModel returns the impact model the market should use. Outcome
// markets are always priced by LMSR regardless of the configured model.
func (m *Market) ImpactModel(configured string) string {
	if m.IsOutcome() {
		return config.ImpactLMSR
	}
	return configured
}

// SharesBase reports whether two symbols trade the same base asset.
// Unparseable symbols share nothing.
func SharesBase(a, b string) bool {
	ma, err := Parse(a)
	if err != nil {
		return false
	}
	mb, err := Parse(b)
	if err != nil {
		return false
	}
	return ma.Base == mb.Base
}
