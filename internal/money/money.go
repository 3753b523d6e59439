package money

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	ErrInvalidCurrency = errors.New("money: invalid currency")
	ErrNegativeAmount  = errors.New("money: negative amount")
	ErrInexactAmount   = errors.New("money: amount not representable in minor units")
)

// Currency is an upper-case ISO 4217 code.
type Currency string

// minor-unit exponents of the currencies the platform accepts.
var exponents = map[Currency]int32{
	"USD": 2,
	"EUR": 2,
	"GBP": 2,
	"KZT": 2,
	"AED": 2,
	"SAR": 2,
	"PKR": 2,
	"JPY": 0,
	"KRW": 0,
}

// ParseCurrency normalizes a code ("usd" -> "USD") and checks that it is known.
func ParseCurrency(code string) (Currency, error) {
	c := Currency(strings.ToUpper(strings.TrimSpace(code)))
	if _, ok := exponents[c]; !ok {
		return "", fmt.Errorf("%w: %q", ErrInvalidCurrency, code)
	}
	return c, nil
}

// Exponent returns the number of minor-unit digits of the currency.
func (c Currency) Exponent() int32 { return exponents[c] }

func (c Currency) String() string { return string(c) }

// Lower returns the code in the lower-case form payment processors expect.
func (c Currency) Lower() string { return strings.ToLower(string(c)) }

// Money is an amount in minor units of a single currency.
// The zero value is invalid; use New, Signed or Zero.
type Money struct {
	minor    int64
	currency Currency
}

// New builds a non-negative amount.
func New(minor int64, code string) (Money, error) {
	if minor < 0 {
		return Money{}, fmt.Errorf("%w: %d", ErrNegativeAmount, minor)
	}
	return Signed(minor, code)
}

// Signed builds an amount that may be negative. Only balances use it.
func Signed(minor int64, code string) (Money, error) {
	c, err := ParseCurrency(code)
	if err != nil {
		return Money{}, err
	}
	return Money{minor: minor, currency: c}, nil
}

// MustNew is New for constants and tests.
func MustNew(minor int64, code string) Money {
	m, err := New(minor, code)
	if err != nil {
		panic(err)
	}
	return m
}

// Zero returns 0 in the given currency.
func Zero(c Currency) Money { return Money{currency: c} }

func (m Money) Minor() int64       { return m.minor }
func (m Money) Currency() Currency { return m.currency }
func (m Money) IsZero() bool       { return m.minor == 0 }
func (m Money) IsPositive() bool   { return m.minor > 0 }
func (m Money) IsNegative() bool   { return m.minor < 0 }

func (m Money) valid() bool {
	_, ok := exponents[m.currency]
	return ok
}

func (m Money) sameCurrency(o Money) error {
	if !m.valid() || !o.valid() || m.currency != o.currency {
		return fmt.Errorf("%w: %s vs %s", ErrInvalidCurrency, m.currency, o.currency)
	}
	return nil
}

// Add returns m+o.
func (m Money) Add(o Money) (Money, error) {
	if err := m.sameCurrency(o); err != nil {
		return Money{}, err
	}
	return Money{minor: m.minor + o.minor, currency: m.currency}, nil
}

// Sub returns m-o. The result may be negative.
func (m Money) Sub(o Money) (Money, error) {
	if err := m.sameCurrency(o); err != nil {
		return Money{}, err
	}
	return Money{minor: m.minor - o.minor, currency: m.currency}, nil
}

// Cmp returns -1, 0 or 1.
func (m Money) Cmp(o Money) (int, error) {
	if err := m.sameCurrency(o); err != nil {
		return 0, err
	}
	switch {
	case m.minor < o.minor:
		return -1, nil
	case m.minor > o.minor:
		return 1, nil
	}
	return 0, nil
}

// Equal compares amount and currency.
func (m Money) Equal(o Money) bool {
	return m.minor == o.minor && m.currency == o.currency
}

// Min returns the smaller of m and o.
func (m Money) Min(o Money) (Money, error) {
	c, err := m.Cmp(o)
	if err != nil {
		return Money{}, err
	}
	if c <= 0 {
		return m, nil
	}
	return o, nil
}

var (
	maxMinor = decimal.NewFromInt(math.MaxInt64)
	minMinor = decimal.NewFromInt(math.MinInt64)
)

// FromMajor converts a major-unit value (19.99 USD) into minor units (1999).
// Values with more fractional digits than the currency allows are rejected.
func FromMajor(major decimal.Decimal, code string) (Money, error) {
	c, err := ParseCurrency(code)
	if err != nil {
		return Money{}, err
	}
	scaled := major.Shift(c.Exponent())
	if !scaled.IsInteger() {
		return Money{}, fmt.Errorf("%w: %s %s", ErrInexactAmount, major.String(), c)
	}
	if scaled.GreaterThan(maxMinor) || scaled.LessThan(minMinor) {
		return Money{}, fmt.Errorf("%w: %s %s overflows minor units", ErrInexactAmount, major.String(), c)
	}
	return New(scaled.IntPart(), string(c))
}

// ParseMajor parses "19.99" and converts it with FromMajor.
func ParseMajor(s, code string) (Money, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return Money{}, fmt.Errorf("money: parse %q: %w", s, err)
	}
	return FromMajor(d, code)
}

// ToMajor converts minor units back into the major unit.
func (m Money) ToMajor() decimal.Decimal {
	return decimal.New(m.minor, -m.currency.Exponent())
}

// String renders "50.00 USD".
func (m Money) String() string {
	return m.ToMajor().StringFixed(m.currency.Exponent()) + " " + string(m.currency)
}

type moneyJSON struct {
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
}

func (m Money) MarshalJSON() ([]byte, error) {
	return json.Marshal(moneyJSON{Amount: m.minor, Currency: string(m.currency)})
}

func (m *Money) UnmarshalJSON(data []byte) error {
	var raw moneyJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	v, err := Signed(raw.Amount, raw.Currency)
	if err != nil {
		return err
	}
	*m = v
	return nil
}
