package impact

import (
	"errors"
	"math"

	"github.com/shopspring/decimal"
)

var (
	// ErrInvalidLiquidity is returned when b <= 0.
	ErrInvalidLiquidity = errors.New("impact: lmsr liquidity parameter b must be positive")

	// MinPrice is the lowest probability an outcome market is priced at.
	MinPrice = decimal.NewFromFloat(0.001)

	// MaxPrice is the highest probability an outcome market is priced at.
	MaxPrice = decimal.NewFromFloat(0.999)
)

// LMSR models impact in binary outcome markets priced by a logarithmic
// market scoring rule. Prices are YES probabilities in (0, 1); liquidating a
// long sells YES shares into the market maker.
//
// The model is stateless: the current price implies the quantity spread
// qYes − qNo = b·ln(p/(1−p)), and the flow shifts qYes by the share count.
type LMSR struct {
	b decimal.Decimal
}

// NewLMSR creates an LMSR model with liquidity parameter b. Higher b means
// deeper liquidity and less impact per share.
func NewLMSR(b decimal.Decimal) (*LMSR, error) {
	if !b.IsPositive() {
		return nil, ErrInvalidLiquidity
	}
	return &LMSR{b: b}, nil
}

// B returns the liquidity parameter.
func (m *LMSR) B() decimal.Decimal {
	return m.b
}

// Price is the YES price for quantities qYes, qNo:
//
//	p_yes = exp(qYes/b) / (exp(qYes/b) + exp(qNo/b))
//
// Computed with max-subtraction so large quantities never overflow, and
// clamped to [MinPrice, MaxPrice].
func (m *LMSR) Price(qYes, qNo decimal.Decimal) decimal.Decimal {
	bf := m.b.InexactFloat64()
	yOverB := qYes.InexactFloat64() / bf
	nOverB := qNo.InexactFloat64() / bf
	maxVal := math.Max(yOverB, nOverB)

	expYes := math.Exp(yOverB - maxVal)
	expNo := math.Exp(nOverB - maxVal)
	return clamp(decimal.NewFromFloat(expYes / (expYes + expNo)).Round(PriceScale))
}

// Spread returns the qYes − qNo implied by a YES price.
func (m *LMSR) Spread(price decimal.Decimal) decimal.Decimal {
	p := clamp(price).InexactFloat64()
	return decimal.NewFromFloat(m.b.InexactFloat64() * math.Log(p/(1-p)))
}

func (m *LMSR) Apply(price, netVolume decimal.Decimal) (decimal.Decimal, error) {
	if !price.IsPositive() {
		return decimal.Zero, ErrInvalidPrice
	}
	p := clamp(price)
	// Flow is notional; the market maker trades shares.
	shares := netVolume.Div(p)
	return m.Price(m.Spread(p).Sub(shares), decimal.Zero), nil
}

func clamp(p decimal.Decimal) decimal.Decimal {
	if p.LessThan(MinPrice) {
		return MinPrice
	}
	if p.GreaterThan(MaxPrice) {
		return MaxPrice
	}
	return p
}
