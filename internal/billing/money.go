package billing

import (
	"github.com/shopspring/decimal"
)

// FormatCents renders an amount of minor units as "$X.YZ" for user-facing
// reason strings and invoice descriptions.
func FormatCents(cents int64) string {
	return "$" + decimal.NewFromInt(cents).Div(decimal.NewFromInt(100)).StringFixed(2)
}

// DollarsToCents converts the voice provider's dollar-denominated cost to
// integer cents. Decimal arithmetic avoids binary float drift on amounts
// like 0.07.
func DollarsToCents(dollars float64) int64 {
	return decimal.NewFromFloat(dollars).Mul(decimal.NewFromInt(100)).Round(0).IntPart()
}
