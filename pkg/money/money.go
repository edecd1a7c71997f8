// Package money implements the fixed-point monetary scalar of spec.md §4.1:
// currency-tagged, 8 fractional digits, never float, explicit rounding.
package money

import (
	"fmt"

	"github.com/shopspring/decimal"
	apperrors "tradegateway/pkg/errors"
)

// Scale is the fixed number of fractional digits every Money value carries.
const Scale = 8

// RoundingPolicy names how a Money value is rounded to a tick size.
type RoundingPolicy int

const (
	RoundDown RoundingPolicy = iota
	RoundUp
	RoundNearestEven
)

// Money is an exact, currency-tagged fixed-point scalar. The zero value is
// not valid except as an explicit, currency-less placeholder (e.g. an
// absent limit price on a market order); use Zero(currency) for arithmetic.
type Money struct {
	currency string
	value    decimal.Decimal
}

// Zero returns the additive identity for currency.
func Zero(currency string) Money {
	return Money{currency: currency, value: decimal.Zero}
}

// NewFromString parses an exact decimal string. This is the only entry
// point for numeric literals: no constructor accepts a float.
func NewFromString(currency, s string) (Money, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Money{}, fmt.Errorf("%w: %s: %v", apperrors.ErrPrecisionLoss, s, err)
	}
	return Money{currency: currency, value: d.Truncate(Scale)}, nil
}

// NewFromInt builds a Money value from an integer number of minor-est units
// is not implied; this takes a whole-unit integer (e.g. 5 USDT).
func NewFromInt(currency string, v int64) Money {
	return Money{currency: currency, value: decimal.NewFromInt(v)}
}

// Currency returns the currency tag.
func (m Money) Currency() string { return m.currency }

// IsZero reports whether the value is exactly zero, ignoring currency.
func (m Money) IsZero() bool { return m.value.IsZero() }

// Sign returns -1, 0, or 1.
func (m Money) Sign() int { return m.value.Sign() }

// String renders the exact decimal value (currency is not included; callers
// that need it should format Currency() alongside).
func (m Money) String() string { return m.value.Truncate(Scale).String() }

// Decimal exposes the underlying decimal.Decimal for callers (e.g.
// persistence encoders) that need the exact scalar without re-deriving it
// through string parsing.
func (m Money) Decimal() decimal.Decimal { return m.value }

func (m Money) requireSameCurrency(o Money) error {
	if m.currency != o.currency {
		return fmt.Errorf("%w: %s vs %s", apperrors.ErrCurrencyMismatch, m.currency, o.currency)
	}
	return nil
}

// Add returns m+o. Currencies must match.
func (m Money) Add(o Money) (Money, error) {
	if err := m.requireSameCurrency(o); err != nil {
		return Money{}, err
	}
	return Money{currency: m.currency, value: m.value.Add(o.value).Truncate(Scale)}, nil
}

// Sub returns m-o. Currencies must match.
func (m Money) Sub(o Money) (Money, error) {
	if err := m.requireSameCurrency(o); err != nil {
		return Money{}, err
	}
	return Money{currency: m.currency, value: m.value.Sub(o.value).Truncate(Scale)}, nil
}

// MulRat multiplies by a unit-less exact rational given as a decimal string
// (e.g. a fee rate "0.001"). Rejects float input at the type level by only
// accepting a string, matching spec.md §9's "Float contamination" note.
func (m Money) MulRat(rat string) (Money, error) {
	r, err := decimal.NewFromString(rat)
	if err != nil {
		return Money{}, fmt.Errorf("%w: %s: %v", apperrors.ErrPrecisionLoss, rat, err)
	}
	return Money{currency: m.currency, value: m.value.Mul(r).Truncate(Scale)}, nil
}

// DivRat divides by a unit-less exact rational given as a decimal string.
func (m Money) DivRat(rat string) (Money, error) {
	r, err := decimal.NewFromString(rat)
	if err != nil {
		return Money{}, fmt.Errorf("%w: %s: %v", apperrors.ErrPrecisionLoss, rat, err)
	}
	if r.IsZero() {
		return Money{}, fmt.Errorf("%w: division by zero", apperrors.ErrPrecisionLoss)
	}
	return Money{currency: m.currency, value: m.value.DivRound(r, Scale)}, nil
}

// Cmp compares m to o; currencies must match. Returns -1, 0, 1.
func (m Money) Cmp(o Money) (int, error) {
	if err := m.requireSameCurrency(o); err != nil {
		return 0, err
	}
	return m.value.Cmp(o.value), nil
}

// GreaterThanOrEqual reports m >= o for same-currency values.
func (m Money) GreaterThanOrEqual(o Money) (bool, error) {
	c, err := m.Cmp(o)
	return c >= 0, err
}

// Neg returns the additive inverse.
func (m Money) Neg() Money {
	return Money{currency: m.currency, value: m.value.Neg()}
}

// RoundToTick rounds m to the nearest multiple of tick under policy. tick
// must be expressed in the same currency.
func (m Money) RoundToTick(tick Money, policy RoundingPolicy) (Money, error) {
	if err := m.requireSameCurrency(tick); err != nil {
		return Money{}, err
	}
	if tick.value.IsZero() {
		return m, nil
	}
	units := m.value.Div(tick.value)
	var rounded decimal.Decimal
	switch policy {
	case RoundDown:
		rounded = units.Floor()
	case RoundUp:
		rounded = units.Ceil()
	case RoundNearestEven:
		rounded = units.RoundBank(0)
	default:
		return Money{}, fmt.Errorf("%w: unknown rounding policy %d", apperrors.ErrPrecisionLoss, policy)
	}
	return Money{currency: m.currency, value: rounded.Mul(tick.value).Truncate(Scale)}, nil
}
