package domain

import (
	"strings"

	"github.com/shopspring/decimal"
)

type PizzaType string

const (
	PizzaMargherita PizzaType = "Margherita"
	PizzaPepperoni  PizzaType = "Pepperoni"
	PizzaVegetarian PizzaType = "Vegetarian"
	PizzaHawaiian   PizzaType = "Hawaiian"
	PizzaSupreme    PizzaType = "Supreme"
)

type Size string

const (
	SizeSmall  Size = "Small"
	SizeMedium Size = "Medium"
	SizeLarge  Size = "Large"
)

var basePrices = map[PizzaType]decimal.Decimal{
	PizzaMargherita: decimal.RequireFromString("8.99"),
	PizzaPepperoni:  decimal.RequireFromString("10.99"),
	PizzaVegetarian: decimal.RequireFromString("9.99"),
	PizzaHawaiian:   decimal.RequireFromString("11.99"),
	PizzaSupreme:    decimal.RequireFromString("12.99"),
}

var sizeMultipliers = map[Size]decimal.Decimal{
	SizeSmall:  decimal.NewFromInt(1),
	SizeMedium: decimal.RequireFromString("1.5"),
	SizeLarge:  decimal.NewFromInt(2),
}

func (p PizzaType) Valid() bool {
	_, ok := basePrices[p]
	return ok
}

func (p PizzaType) BasePrice() decimal.Decimal {
	return basePrices[p]
}

func (s Size) Valid() bool {
	_, ok := sizeMultipliers[s]
	return ok
}

func (s Size) Multiplier() decimal.Decimal {
	return sizeMultipliers[s]
}

// ParsePizzaType maps any casing of a catalog name to its canonical value.
// Unknown names are returned unchanged so validation can report them.
func ParsePizzaType(raw string) PizzaType {
	raw = strings.TrimSpace(raw)
	for p := range basePrices {
		if strings.EqualFold(string(p), raw) {
			return p
		}
	}
	return PizzaType(raw)
}

func ParseSize(raw string) Size {
	raw = strings.TrimSpace(raw)
	for s := range sizeMultipliers {
		if strings.EqualFold(string(s), raw) {
			return s
		}
	}
	return Size(raw)
}
