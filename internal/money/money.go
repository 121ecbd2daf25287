// Package money provides the integer-only currency type used for every price
// and total in the register.
package money

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"strconv"
)

// Cents is an amount in the smallest currency unit.
//
// The amount is unexported so a Cents value can only be built from an
// integer via New. Floating point never enters cents arithmetic.
type Cents struct {
	amount int64
}

// Zero is the zero amount.
var Zero Cents

// New creates a Cents value from an integer number of cents.
func New(cents int64) Cents { return Cents{amount: cents} }

// Int64 returns the raw number of cents.
func (c Cents) Int64() int64 { return c.amount }

// Add returns c + other.
func (c Cents) Add(other Cents) Cents { return Cents{amount: c.amount + other.amount} }

// Sub returns c - other.
func (c Cents) Sub(other Cents) Cents { return Cents{amount: c.amount - other.amount} }

// Mul multiplies the amount by an integer quantity.
func (c Cents) Mul(qty int) Cents { return Cents{amount: c.amount * int64(qty)} }

// IsZero reports whether the amount is zero.
func (c Cents) IsZero() bool { return c.amount == 0 }

// IsNegative reports whether the amount is below zero.
func (c Cents) IsNegative() bool { return c.amount < 0 }

// String formats the amount as dollars, e.g. "$12.05" or "-$0.40".
func (c Cents) String() string {
	amount := c.amount
	sign := ""
	if amount < 0 {
		sign = "-"
		amount = -amount
	}
	return fmt.Sprintf("%s$%d.%02d", sign, amount/100, amount%100)
}

// MarshalJSON encodes the amount as a bare integer number of cents.
func (c Cents) MarshalJSON() ([]byte, error) {
	return []byte(strconv.FormatInt(c.amount, 10)), nil
}

// UnmarshalJSON accepts only integer JSON numbers.
func (c *Cents) UnmarshalJSON(data []byte) error {
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("money: %w", err)
	}
	v, err := strconv.ParseInt(n.String(), 10, 64)
	if err != nil {
		return fmt.Errorf("money: amount must be an integer number of cents: %q", n.String())
	}
	c.amount = v
	return nil
}

// MarshalYAML encodes the amount as an integer.
func (c Cents) MarshalYAML() (any, error) { return c.amount, nil }

// UnmarshalYAML accepts only integer values.
func (c *Cents) UnmarshalYAML(unmarshal func(any) error) error {
	var v int64
	if err := unmarshal(&v); err != nil {
		return fmt.Errorf("money: amount must be an integer number of cents: %w", err)
	}
	c.amount = v
	return nil
}

// Value implements driver.Valuer.
func (c Cents) Value() (driver.Value, error) { return c.amount, nil }

// Scan implements sql.Scanner.
func (c *Cents) Scan(src any) error {
	switch v := src.(type) {
	case int64:
		c.amount = v
		return nil
	case nil:
		c.amount = 0
		return nil
	default:
		return fmt.Errorf("money: cannot scan %T into Cents", src)
	}
}
