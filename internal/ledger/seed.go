package ledger

import (
	"math/rand"

	"github.com/shopspring/decimal"
)

// RandomSeed returns a faucet-style starting balance in [1, 10) asset
// units, rounded to six fractional digits.
func RandomSeed() decimal.Decimal {
	return decimal.NewFromFloat(1 + rand.Float64()*9).Round(6)
}

// FixedSeed returns a SeedFunc that always seeds the given balance.
// Used by tests and deterministic environments.
func FixedSeed(balance decimal.Decimal) SeedFunc {
	return func() decimal.Decimal {
		return balance
	}
}
