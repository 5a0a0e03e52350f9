package models

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Money est un montant exprimé en centimes (unité mineure de la devise).
// Jamais de float pour l'argent.
type Money int64

// ParseMoney convertit "13.00" ou "13" en centimes, arrondi au centime le plus proche.
func ParseMoney(s string) (Money, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("montant invalide %q: %w", s, err)
	}
	return MoneyFromDecimal(d), nil
}

// MoneyFromDecimal arrondit un décimal (en unités de devise) au centime.
func MoneyFromDecimal(d decimal.Decimal) Money {
	return Money(d.Shift(2).Round(0).IntPart())
}

// Decimal retourne le montant en unités de devise.
func (m Money) Decimal() decimal.Decimal {
	return decimal.New(int64(m), -2)
}

func (m Money) String() string {
	return m.Decimal().StringFixed(2)
}

func (m Money) MarshalJSON() ([]byte, error) {
	return []byte(`"` + m.String() + `"`), nil
}

// UnmarshalJSON accepte "5.00" comme 5.00.
func (m *Money) UnmarshalJSON(data []byte) error {
	raw := string(bytes.Trim(data, `"`))
	if raw == "" || raw == "null" {
		*m = 0
		return nil
	}
	v, err := ParseMoney(raw)
	if err != nil {
		return err
	}
	*m = v
	return nil
}

// Min retourne le plus petit des deux montants.
func Min(a, b Money) Money {
	if a < b {
		return a
	}
	return b
}
