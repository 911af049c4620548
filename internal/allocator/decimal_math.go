package allocator

import (
	"math"

	"github.com/shopspring/decimal"
)

// Cap math runs on decimals so accumulated float error can't flip a limit
// comparison; the API boundary stays float64.

func decFromFloat(val float64) decimal.Decimal {
	if math.IsNaN(val) || math.IsInf(val, 0) {
		return decimal.Zero
	}
	return decimal.NewFromFloat(val)
}

func decToFloat(val decimal.Decimal) float64 {
	f, _ := val.Float64()
	return f
}

func decimalCompare(a, b float64) int {
	return decFromFloat(a).Cmp(decFromFloat(b))
}

func decimalLT(a, b float64) bool { return decimalCompare(a, b) < 0 }
func decimalGT(a, b float64) bool { return decimalCompare(a, b) > 0 }

func mulDec(a, b float64) float64 {
	return decToFloat(decFromFloat(a).Mul(decFromFloat(b)))
}

func addDec(a, b float64) float64 {
	return decToFloat(decFromFloat(a).Add(decFromFloat(b)))
}

func subDec(a, b float64) float64 {
	return decToFloat(decFromFloat(a).Sub(decFromFloat(b)))
}

func minDec(a, b float64) float64 {
	return decToFloat(decimal.Min(decFromFloat(a), decFromFloat(b)))
}
