// Package money provides the fixed-point amount type used everywhere on the
// path from ingest to ledger. No binary floating-point ever represents a
// monetary value; every amount carries exactly two fractional digits.
package money

import (
	"database/sql/driver"
	"fmt"

	"github.com/shopspring/decimal"
)

// Amount is a fixed-point monetary value with two fractional digits.
type Amount struct {
	d decimal.Decimal
}

// Zero is the additive identity.
var Zero = Amount{d: decimal.Zero}

// Parse reads a decimal string ("1234.50", "-12.00") into an Amount,
// rounding to two fractional digits. It is the single edge-of-system entry
// point for turning client input into fixed-point money.
func Parse(s string) (Amount, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Amount{}, fmt.Errorf("parsing amount %q: %w", s, err)
	}

	return Amount{d: d.Round(2)}, nil
}

// FromCents builds an Amount from an integer number of cents, useful when
// adapting legacy integer-cents data (e.g. imported ledgers).
func FromCents(cents int64) Amount {
	return Amount{d: decimal.New(cents, -2)}
}

// String formats the amount as a string with exactly two fractional digits,
// the wire format required by spec: "1234.50", never a binary float.
func (a Amount) String() string {
	return a.d.StringFixed(2)
}

// MarshalJSON renders the amount as a JSON string, never a JSON number, to
// avoid float round-tripping through client JSON parsers.
func (a Amount) MarshalJSON() ([]byte, error) {
	return []byte(`"` + a.String() + `"`), nil
}

// UnmarshalJSON accepts a JSON string only.
func (a *Amount) UnmarshalJSON(b []byte) error {
	s := string(b)
	if len(s) < 2 || s[0] != '"' || s[len(s)-1] != '"' {
		return fmt.Errorf("amount must be a JSON string, got %s", s)
	}

	parsed, err := Parse(s[1 : len(s)-1])
	if err != nil {
		return err
	}

	*a = parsed

	return nil
}

// Value implements driver.Valuer so an Amount can be written directly by
// database/sql as a numeric column.
func (a Amount) Value() (driver.Value, error) {
	return a.d.StringFixed(2), nil
}

// Scan implements sql.Scanner, reading a NUMERIC column back into an Amount.
func (a *Amount) Scan(src any) error {
	var d decimal.Decimal
	if err := d.Scan(src); err != nil {
		return fmt.Errorf("scanning amount: %w", err)
	}

	a.d = d.Round(2)

	return nil
}

// Add returns a + b.
func (a Amount) Add(b Amount) Amount { return Amount{d: a.d.Add(b.d).Round(2)} }

// Sub returns a - b.
func (a Amount) Sub(b Amount) Amount { return Amount{d: a.d.Sub(b.d).Round(2)} }

// Cmp returns -1, 0, or 1 comparing a to b.
func (a Amount) Cmp(b Amount) int { return a.d.Cmp(b.d) }

// Equal reports whether a and b represent the same value.
func (a Amount) Equal(b Amount) bool { return a.d.Equal(b.d) }

// IsZero reports whether the amount is exactly zero.
func (a Amount) IsZero() bool { return a.d.IsZero() }

// Abs returns the absolute value.
func (a Amount) Abs() Amount { return Amount{d: a.d.Abs()} }

// WithinTolerance reports whether |a-b| <= max(absTolerance, relTolerance*|a|),
// the amount-tolerance rule used by R2_BILL_HINT and the OCR total-match
// check: the greater of an absolute and a relative bound.
func (a Amount) WithinTolerance(b Amount, absTolerance Amount, relTolerance decimal.Decimal) bool {
	diff := a.Sub(b).Abs()

	relBound := Amount{d: a.Abs().d.Mul(relTolerance)}

	bound := absTolerance
	if relBound.Cmp(bound) > 0 {
		bound = relBound
	}

	return diff.Cmp(bound) <= 0
}

// Decimal exposes the underlying decimal.Decimal for callers that need to
// feed a shopspring-aware API (e.g. further rounding in reconciliation math).
func (a Amount) Decimal() decimal.Decimal { return a.d }
