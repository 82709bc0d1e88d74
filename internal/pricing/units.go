package pricing

import (
	"errors"
	"fmt"
	"strings"

	"github.com/metalvault/settlement-service/internal/domain"
	"github.com/shopspring/decimal"
)

const (
	// GramsPerTroyOunce is the exact mass of one troy ounce.
	GramsPerTroyOunce = 31.1034768
	// WeightTolerance absorbs floating-point drift in balance comparisons.
	WeightTolerance = 1e-4

	weightScale = 8
)

var (
	ErrUnsupportedUnit  = errors.New("unsupported weight unit")
	ErrUnsupportedMetal = errors.New("unsupported metal")
	ErrPriceUnavailable = errors.New("metal price unavailable")
)

var gramsPerUnit = map[domain.WeightUnit]decimal.Decimal{
	domain.UnitGram:     decimal.NewFromInt(1),
	domain.UnitKilogram: decimal.NewFromInt(1000),
	domain.UnitOunce:    decimal.RequireFromString("31.1034768"),
}

// zero-decimal currencies have no minor unit.
var zeroDecimalCurrencies = map[string]struct{}{
	"bif": {}, "clp": {}, "djf": {}, "gnf": {}, "jpy": {}, "kmf": {}, "krw": {}, "mga": {},
	"pyg": {}, "rwf": {}, "ugx": {}, "vnd": {}, "vuv": {}, "xaf": {}, "xof": {}, "xpf": {},
}

// ParseUnit normalizes user and feed spellings of a weight unit.
func ParseUnit(raw string) (domain.WeightUnit, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "g", "gram", "grams":
		return domain.UnitGram, nil
	case "kg", "kilogram", "kilograms":
		return domain.UnitKilogram, nil
	case "oz", "ozt", "troy_oz", "troy_ounce", "troy_ounces", "ounce", "ounces":
		return domain.UnitOunce, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedUnit, raw)
}

func unitFactor(u domain.WeightUnit) (decimal.Decimal, error) {
	f, ok := gramsPerUnit[u]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %q", ErrUnsupportedUnit, u)
	}
	return f, nil
}

// Convert expresses weight w given in unit from as a weight in unit to.
func Convert(w float64, from, to domain.WeightUnit) (float64, error) {
	fromFactor, err := unitFactor(from)
	if err != nil {
		return 0, err
	}
	toFactor, err := unitFactor(to)
	if err != nil {
		return 0, err
	}
	if from == to {
		return w, nil
	}
	return decimal.NewFromFloat(w).Mul(fromFactor).DivRound(toFactor, weightScale).InexactFloat64(), nil
}

// ToGrams is Convert with grams as the target.
func ToGrams(w float64, u domain.WeightUnit) (float64, error) {
	return Convert(w, u, domain.UnitGram)
}

// BaseUnit is the unit a metal is priced in: grams for gold, troy ounces for silver.
func BaseUnit(metal domain.Metal) (domain.WeightUnit, error) {
	switch metal {
	case domain.MetalGold:
		return domain.UnitGram, nil
	case domain.MetalSilver:
		return domain.UnitOunce, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedMetal, metal)
}

// ReportingUnit is the unit user withdrawn totals are kept in. It matches BaseUnit.
func ReportingUnit(metal domain.Metal) (domain.WeightUnit, error) {
	return BaseUnit(metal)
}

// PricePerUnit re-expresses a quoted price as the price of one unit.
func PricePerUnit(price domain.MetalPrice, unit domain.WeightUnit) (float64, error) {
	if price.PricePerUnit <= 0 {
		return 0, ErrPriceUnavailable
	}
	quoteFactor, err := unitFactor(price.Unit)
	if err != nil {
		return 0, err
	}
	targetFactor, err := unitFactor(unit)
	if err != nil {
		return 0, err
	}
	return decimal.NewFromFloat(price.PricePerUnit).Mul(targetFactor).Div(quoteFactor).InexactFloat64(), nil
}

// WeightForAmount converts a monetary amount into metal weight in unit at price.
func WeightForAmount(amount float64, price domain.MetalPrice, unit domain.WeightUnit) (float64, error) {
	perUnit, err := PricePerUnit(price, unit)
	if err != nil {
		return 0, err
	}
	if perUnit <= 0 {
		return 0, ErrPriceUnavailable
	}
	return decimal.NewFromFloat(amount).DivRound(decimal.NewFromFloat(perUnit), weightScale).InexactFloat64(), nil
}

// ValueForWeight is the inverse of WeightForAmount, rounded to cents.
func ValueForWeight(weight float64, unit domain.WeightUnit, price domain.MetalPrice) (float64, error) {
	perUnit, err := PricePerUnit(price, unit)
	if err != nil {
		return 0, err
	}
	return decimal.NewFromFloat(weight).Mul(decimal.NewFromFloat(perUnit)).Round(2).InexactFloat64(), nil
}

// AtLeast reports a >= b within WeightTolerance.
func AtLeast(a, b float64) bool {
	return a+WeightTolerance >= b
}

// MinorToMajor converts a processor minor-unit amount into major units.
func MinorToMajor(minor int64, currency string) float64 {
	if isZeroDecimal(currency) {
		return float64(minor)
	}
	return decimal.New(minor, -2).InexactFloat64()
}

// MajorToMinor converts a major-unit amount into processor minor units.
func MajorToMinor(major float64, currency string) int64 {
	d := decimal.NewFromFloat(major)
	if !isZeroDecimal(currency) {
		d = d.Shift(2)
	}
	return d.Round(0).IntPart()
}

func isZeroDecimal(currency string) bool {
	_, ok := zeroDecimalCurrencies[strings.ToLower(strings.TrimSpace(currency))]
	return ok
}
