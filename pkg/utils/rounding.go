package utils

import "math"

// RoundTo rounds a value to the given number of decimal places. Prices and
// percentages are rounded to 2 places before they leave a stage, scores to
// 3 or 4 so audit rows stay stable across runs.
func RoundTo(value float64, places int) float64 {
	factor := math.Pow10(places)
	return math.Round(value*factor) / factor
}
