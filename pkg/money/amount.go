// Package money provides a fixed-point monetary amount stored as integer
// minor units (cents) and rendered as a two-digit decimal string.
package money

import (
	"encoding/json"
	"errors"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

const scale = 2

var ErrInvalidAmount = errors.New("invalid_amount")

// Amount is a monetary value in minor units. It never goes through float64.
type Amount int64

// Zero is the zero amount.
const Zero Amount = 0

// FromCents wraps a minor-unit value.
func FromCents(cents int64) Amount { return Amount(cents) }

// FromDecimal converts a decimal with at most two fractional digits.
func FromDecimal(d decimal.Decimal) (Amount, error) {
	if !d.Equal(d.Truncate(scale)) {
		return 0, ErrInvalidAmount
	}
	return Amount(d.Shift(scale).IntPart()), nil
}

// Parse reads "100", "100.5" or "100.50". More than two significant
// fractional digits is rejected.
func Parse(raw string) (Amount, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, ErrInvalidAmount
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return 0, ErrInvalidAmount
	}
	return FromDecimal(d)
}

// MustParse is Parse for literals in tests and fixtures.
func MustParse(raw string) Amount {
	a, err := Parse(raw)
	if err != nil {
		panic(err)
	}
	return a
}

func (a Amount) Cents() int64 { return int64(a) }

func (a Amount) Decimal() decimal.Decimal { return decimal.New(int64(a), -scale) }

// String renders the amount with exactly two fractional digits.
func (a Amount) String() string { return a.Decimal().StringFixed(scale) }

// Display renders the amount for human-facing messages, e.g. "$150.00".
func (a Amount) Display() string {
	if a < 0 {
		return "-$" + (-a).String()
	}
	return "$" + a.String()
}

func (a Amount) Add(b Amount) Amount { return a + b }
func (a Amount) Sub(b Amount) Amount { return a - b }

func (a Amount) IsZero() bool     { return a == 0 }
func (a Amount) IsPositive() bool { return a > 0 }
func (a Amount) IsNegative() bool { return a < 0 }

// Min returns the smallest of the given amounts.
func Min(first Amount, rest ...Amount) Amount {
	out := first
	for _, v := range rest {
		if v < out {
			out = v
		}
	}
	return out
}

// Sum adds all amounts.
func Sum(values ...Amount) Amount {
	var total Amount
	for _, v := range values {
		total += v
	}
	return total
}

// MulRatio returns round(a * num / den) to the cent, rounding half away from
// zero. den must be non-zero.
func (a Amount) MulRatio(num, den Amount) Amount {
	if den == 0 {
		return 0
	}
	weighted := decimal.NewFromInt(int64(a)).
		Mul(decimal.NewFromInt(int64(num))).
		Div(decimal.NewFromInt(int64(den)))
	return Amount(weighted.Round(0).IntPart())
}

// SplitFloor returns floor(a / n) to the cent.
func (a Amount) SplitFloor(n int) Amount {
	if n <= 0 {
		return 0
	}
	share := decimal.NewFromInt(int64(a)).Div(decimal.NewFromInt(int64(n)))
	return Amount(share.Floor().IntPart())
}

// MarshalJSON renders the amount as a quoted decimal string.
func (a Amount) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.String())
}

// UnmarshalJSON accepts a decimal string or a JSON number.
func (a *Amount) UnmarshalJSON(data []byte) error {
	raw := strings.TrimSpace(string(data))
	if raw == "null" {
		return nil
	}
	if unquoted, err := strconv.Unquote(raw); err == nil {
		raw = unquoted
	}
	parsed, err := Parse(raw)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}
