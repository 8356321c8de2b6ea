// Package correlation propagates a price shock in one market to correlated
// markets.
//
// Two markets trading the same base asset move together even when nobody has
// configured their pair, so the static matrix falls back to a shared-base
// coefficient the way symbol-prefix matching groups related instruments.
package correlation

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/atmx/risk-engine/internal/market"
)

var (
	// ErrInvalidCoefficient is returned for coefficients outside [-1, 1].
	ErrInvalidCoefficient = errors.New("correlation: coefficient must be within [-1, 1]")

	// ErrInvalidPair is returned for malformed "A|B=c" entries.
	ErrInvalidPair = errors.New("correlation: invalid pair specification")

	one = decimal.NewFromInt(1)
)

// Model derives per-market shocks from a shock to a reference market.
// Shocks are in bps of price; positive is a drop.
type Model interface {
	CorrelatedImpact(reference string, shockBps int64, markets []string) map[string]int64
}

// StaticMatrix is a fixed table of pairwise coefficients.
type StaticMatrix struct {
	pairs map[[2]string]decimal.Decimal

	// SharedBase applies to unconfigured pairs trading the same base asset.
	SharedBase decimal.Decimal
}

// NewStaticMatrix creates an empty matrix with a shared-base default.
func NewStaticMatrix(sharedBase decimal.Decimal) (*StaticMatrix, error) {
	if err := checkCoefficient(sharedBase); err != nil {
		return nil, err
	}
	return &StaticMatrix{
		pairs:      make(map[[2]string]decimal.Decimal),
		SharedBase: sharedBase,
	}, nil
}

// ParseMatrix builds a matrix from "A|B=0.8,A|C=0.5".
func ParseMatrix(pairs string, sharedBase decimal.Decimal) (*StaticMatrix, error) {
	m, err := NewStaticMatrix(sharedBase)
	if err != nil {
		return nil, err
	}
	for _, entry := range strings.Split(pairs, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		pair, coef, ok := strings.Cut(entry, "=")
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrInvalidPair, entry)
		}
		a, b, ok := strings.Cut(pair, "|")
		if !ok || a == "" || b == "" {
			return nil, fmt.Errorf("%w: %q", ErrInvalidPair, entry)
		}
		c, err := decimal.NewFromString(strings.TrimSpace(coef))
		if err != nil {
			return nil, fmt.Errorf("%w: %q: %v", ErrInvalidPair, entry, err)
		}
		if err := m.Set(strings.TrimSpace(a), strings.TrimSpace(b), c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Set records a symmetric coefficient between two markets.
func (m *StaticMatrix) Set(a, b string, coef decimal.Decimal) error {
	if err := checkCoefficient(coef); err != nil {
		return err
	}
	m.pairs[key(a, b)] = coef
	return nil
}

// Coefficient returns the correlation between two markets: 1 for the same
// market, the configured pair, the shared-base default, or 0.
func (m *StaticMatrix) Coefficient(a, b string) decimal.Decimal {
	if a == b {
		return one
	}
	if c, ok := m.pairs[key(a, b)]; ok {
		return c
	}
	if market.SharesBase(a, b) {
		return m.SharedBase
	}
	return decimal.Zero
}

// CorrelatedImpact scales the reference shock by each market's coefficient.
// Uncorrelated markets are left out of the result.
func (m *StaticMatrix) CorrelatedImpact(reference string, shockBps int64, markets []string) map[string]int64 {
	out := make(map[string]int64, len(markets))
	shock := decimal.NewFromInt(shockBps)
	for _, id := range markets {
		c := m.Coefficient(reference, id)
		if c.IsZero() {
			continue
		}
		out[id] = shock.Mul(c).Truncate(0).IntPart()
	}
	return out
}

// Pairs lists the configured pairs as "A|B" sorted, for diagnostics.
func (m *StaticMatrix) Pairs() []string {
	out := make([]string, 0, len(m.pairs))
	for k := range m.pairs {
		out = append(out, k[0]+"|"+k[1])
	}
	sort.Strings(out)
	return out
}

func key(a, b string) [2]string {
	if a > b {
		a, b = b, a
	}
	return [2]string{a, b}
}

func checkCoefficient(c decimal.Decimal) error {
	if c.Abs().GreaterThan(one) {
		return fmt.Errorf("%w: %s", ErrInvalidCoefficient, c)
	}
	return nil
}
