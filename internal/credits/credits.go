// Package credits maps a verified payment amount (INR) to credits.
package credits

import "github.com/shopspring/decimal"

// Package is a published price point.
type Package struct {
	Price   decimal.Decimal `json:"price"`
	Credits int             `json:"credits"`
}

var (
	tier99 = decimal.NewFromInt(99)
	tier49 = decimal.NewFromInt(49)
	tier10 = decimal.NewFromInt(10)
)

// Packages lists the advertised tiers, cheapest first.
var Packages = []Package{
	{Price: tier10, Credits: 1000},
	{Price: tier49, Credits: 7000},
	{Price: tier99, Credits: 13000},
}

// Calculate returns the credits awarded for amount. Amounts at or above a
// published price get that tier; smaller amounts earn 100 credits per rupee,
// rounded down. Non-positive amounts earn nothing.
func Calculate(amount decimal.Decimal) int {
	switch {
	case amount.GreaterThanOrEqual(tier99):
		return 13000
	case amount.GreaterThanOrEqual(tier49):
		return 7000
	case amount.GreaterThanOrEqual(tier10):
		return 1000
	case !amount.IsPositive():
		return 0
	default:
		return int(amount.Mul(decimal.NewFromInt(100)).Floor().IntPart())
	}
}
