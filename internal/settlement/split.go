// Package settlement computes the three-way payout split of a liquidation:
// owner payout, keeper reward and insurance contribution. The split is exact:
// the three parts always sum to the liquidation value with no remainder.
package settlement

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/atmx/risk-engine/internal/model"
)

var (
	// ErrInsufficientFunds is returned when the computed payouts exceed what
	// the liquidated slice can fund. Indicates an upstream accounting bug;
	// never clamp.
	ErrInsufficientFunds = errors.New("settlement: payout exceeds available collateral")

	// ErrOverflow is returned when a monetary value leaves the range the
	// settlement ledger can represent. Fails closed for the single position.
	ErrOverflow = errors.New("settlement: monetary value out of range")
)

// Scale is the number of decimal places settled amounts carry. Fee parts are
// rounded down to it and the owner payout absorbs the remainder.
const Scale int32 = 8

// MaxValue is the largest absolute amount the settlement ledger accepts
// (int128 base units at Scale).
var MaxValue = decimal.RequireFromString("1701411834604692317316873037.15884105727")

var bpsDen = decimal.NewFromInt(model.BpsScale)

// Split is the result of dividing a liquidation value.
type Split struct {
	Value     decimal.Decimal
	Keeper    decimal.Decimal
	Insurance decimal.Decimal
	Owner     decimal.Decimal
}

// Total returns Owner + Keeper + Insurance.
func (s Split) Total() decimal.Decimal {
	return s.Owner.Add(s.Keeper).Add(s.Insurance)
}

// Value returns amount × price, failing closed when out of range.
func Value(amount, price decimal.Decimal) (decimal.Decimal, error) {
	v := amount.Mul(price)
	if err := CheckRange(v); err != nil {
		return decimal.Zero, err
	}
	return v, nil
}

// CheckRange returns ErrOverflow when v is outside [-MaxValue, MaxValue].
func CheckRange(v decimal.Decimal) error {
	if v.Abs().GreaterThan(MaxValue) {
		return fmt.Errorf("%w: %s", ErrOverflow, v)
	}
	return nil
}

// Compute splits value into keeperBps and insuranceBps fees with the owner
// receiving the rest. Both fee parts are rounded down to Scale.
func Compute(value decimal.Decimal, keeperBps, insuranceBps int64) (Split, error) {
	if err := CheckRange(value); err != nil {
		return Split{}, err
	}
	if value.IsNegative() {
		return Split{}, fmt.Errorf("%w: negative liquidation value %s", ErrInsufficientFunds, value)
	}
	if keeperBps < 0 || insuranceBps < 0 {
		return Split{}, fmt.Errorf("%w: negative fee bps keeper=%d insurance=%d",
			ErrInsufficientFunds, keeperBps, insuranceBps)
	}

	keeper := fee(value, keeperBps)
	insurance := fee(value, insuranceBps)
	owner := value.Sub(keeper).Sub(insurance)
	if owner.IsNegative() {
		return Split{}, fmt.Errorf("%w: fees %s+%s exceed value %s",
			ErrInsufficientFunds, keeper, insurance, value)
	}

	s := Split{Value: value, Keeper: keeper, Insurance: insurance, Owner: owner}
	if !s.Total().Equal(value) {
		// Exact decimal arithmetic makes this unreachable; fail closed anyway.
		return Split{}, fmt.Errorf("%w: split %s != value %s", ErrOverflow, s.Total(), value)
	}
	return s, nil
}

func fee(value decimal.Decimal, feeBps int64) decimal.Decimal {
	return value.Mul(decimal.NewFromInt(feeBps)).Div(bpsDen).RoundDown(Scale)
}
