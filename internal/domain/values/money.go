package values

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
)

// Money is a USD amount with two fractional digits. All bid and price
// arithmetic goes through this type; float64 appears only at the JSON edge.
type Money struct {
	amount decimal.Decimal
}

// NewMoney creates Money from a decimal, rounded to cents.
func NewMoney(amount decimal.Decimal) Money {
	return Money{amount: amount.Round(2)}
}

// NewMoneyFromString parses a decimal string ("123.45").
func NewMoneyFromString(s string) (Money, error) {
	dec, err := decimal.NewFromString(s)
	if err != nil {
		return Money{}, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	return NewMoney(dec), nil
}

// NewMoneyFromFloat creates Money from a float64 request field.
func NewMoneyFromFloat(amount float64) Money {
	return NewMoney(decimal.NewFromFloat(amount))
}

// MustMoney parses a decimal string and panics on error. For tests and
// constants only.
func MustMoney(s string) Money {
	m, err := NewMoneyFromString(s)
	if err != nil {
		panic(err)
	}
	return m
}

// Zero is the zero amount.
func Zero() Money {
	return Money{amount: decimal.Zero}
}

func (m Money) Amount() decimal.Decimal { return m.amount }

// String returns the fixed two-digit representation without a symbol.
func (m Money) String() string { return m.amount.StringFixed(2) }

// Display returns "$123.45" for user-facing messages.
func (m Money) Display() string { return "$" + m.amount.StringFixed(2) }

func (m Money) IsZero() bool     { return m.amount.IsZero() }
func (m Money) IsPositive() bool { return m.amount.IsPositive() }
func (m Money) IsNegative() bool { return m.amount.IsNegative() }

func (m Money) Equal(other Money) bool { return m.amount.Equal(other.amount) }

// Compare returns -1, 0 or 1.
func (m Money) Compare(other Money) int { return m.amount.Cmp(other.amount) }

func (m Money) LessThan(other Money) bool    { return m.amount.Cmp(other.amount) < 0 }
func (m Money) GreaterThan(other Money) bool { return m.amount.Cmp(other.amount) > 0 }

func (m Money) Add(other Money) Money {
	return Money{amount: m.amount.Add(other.amount)}
}

func (m Money) Sub(other Money) Money {
	return Money{amount: m.amount.Sub(other.amount)}
}

// ToFloat64 converts for wire payloads. Precision is bounded by two
// fractional digits so the conversion is exact for realistic amounts.
func (m Money) ToFloat64() float64 {
	f, _ := m.amount.Float64()
	return f
}

func (m Money) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.ToFloat64())
}

func (m *Money) UnmarshalJSON(data []byte) error {
	var f float64
	if err := json.Unmarshal(data, &f); err == nil {
		*m = NewMoneyFromFloat(f)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("invalid money value: %s", data)
	}
	parsed, err := NewMoneyFromString(s)
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// Scan implements sql.Scanner for NUMERIC columns.
func (m *Money) Scan(value interface{}) error {
	if value == nil {
		*m = Money{}
		return nil
	}
	switch v := value.(type) {
	case []byte:
		parsed, err := NewMoneyFromString(string(v))
		if err != nil {
			return err
		}
		*m = parsed
	case string:
		parsed, err := NewMoneyFromString(v)
		if err != nil {
			return err
		}
		*m = parsed
	case float64:
		*m = NewMoneyFromFloat(v)
	default:
		return fmt.Errorf("cannot scan %T into Money", value)
	}
	return nil
}

// Value implements driver.Valuer.
func (m Money) Value() (driver.Value, error) {
	return m.String(), nil
}
