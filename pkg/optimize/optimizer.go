// Package optimize implements the bounded local search over discount
// adjustments. The search is a pure function of the proposal, the unit
// cost and the configuration: no randomness, no external calls, so the
// same inputs always select the same iteration.
package optimize

import (
	"fmt"
	"math"
	"strings"

	"repricer/pkg/proto"
	"repricer/pkg/utils"
)

// Objective names selectable via configuration. An unrecognized name
// scores like profit maximization but is reported verbatim.
const (
	ObjectiveInventoryReduction      = "inventory_reduction"
	ObjectiveRevenueLift             = "revenue_lift"
	ObjectiveSellThroughAcceleration = "sell_through_acceleration"
	ObjectiveProfitMaximization      = "profit_maximization"
)

// Iteration budget bounds.
const (
	MinIterations = 1
	MaxIterations = 10
)

// infeasiblePenalty pushes constraint violators below every feasible
// candidate while preserving their relative order.
const infeasiblePenalty = 1_000_000

// deltas is the preference-ordered sequence of discount adjustments in
// percentage points. The budget truncates it; indexes past the end try
// the unmodified discount again.
var deltas = []float64{0, 2, -2, 4, -4, 6, -6, 8, -8, 10}

// Config carries the constraint bounds and the objective selection.
type Config struct {
	MaxIterations      int
	Objective          string
	MinMarginPercent   float64
	MaxDiscountPercent float64
}

// Evaluation scores one candidate offer against the objective.
type Evaluation struct {
	Objective     string
	Score         float64
	Constraints   map[string]bool
	ExpectedUnits int
	Revenue       float64
	MarginPercent float64
}

// Feasible reports whether every hard constraint holds.
func (e Evaluation) Feasible() bool {
	for _, ok := range e.Constraints {
		if !ok {
			return false
		}
	}
	return true
}

// Result bundles the winning offer with the audit summary.
type Result struct {
	Design  proto.PromotionDesign
	Summary proto.OptimizationResult
}

// Run searches the fixed delta sequence for the best-scoring feasible
// offer. The unmodified proposal is the implicit baseline: a candidate
// replaces it only on a strictly higher score, so ties keep the original
// design (with its designer-computed margin and units) untouched.
func Run(promotion proto.PromotionDesign, baseCost float64, cfg Config) Result {
	iterations := cfg.MaxIterations
	if iterations < MinIterations {
		iterations = MinIterations
	}
	if iterations > MaxIterations {
		iterations = MaxIterations
	}

	originalPrice := promotion.OriginalPrice
	if originalPrice == 0 {
		originalPrice = 0.01
	}
	baseDiscount := promotion.DiscountValue

	best := promotion
	bestEval := Evaluate(best, baseCost, cfg)
	bestIndex := 0

	trail := make([]proto.OptimizationIteration, 0, iterations)
	for i := 0; i < iterations; i++ {
		delta := 0.0
		if i < len(deltas) {
			delta = deltas[i]
		}
		discount := clamp(baseDiscount+delta, 0, cfg.MaxDiscountPercent)

		candidate := promotion
		candidate.DiscountValue = utils.RoundTo(discount, 2)
		candidate.PromotionalPrice = utils.RoundTo(originalPrice*(1-discount/100), 2)

		eval := Evaluate(candidate, baseCost, cfg)
		candidate.MarginPercent = eval.MarginPercent
		candidate.ExpectedUnitsSold = eval.ExpectedUnits
		candidate.ExpectedRevenue = eval.Revenue

		trail = append(trail, proto.OptimizationIteration{
			Index:                i,
			Objective:            eval.Objective,
			Score:                eval.Score,
			Candidate:            candidate,
			ConstraintsSatisfied: eval.Constraints,
		})

		if eval.Score > bestEval.Score {
			bestEval = eval
			best = candidate
			bestIndex = i
		}
	}
	trail[bestIndex].Selected = true

	best.Reason = strings.TrimSpace(fmt.Sprintf(
		"%s | optimized in %d iterations (selected iteration %d, objective score %.2f)",
		best.Reason, iterations, bestIndex, bestEval.Score,
	))

	return Result{
		Design: best,
		Summary: proto.OptimizationResult{
			Enabled:           true,
			Iterations:        iterations,
			SelectedIteration: bestIndex,
			SelectedScore:     bestEval.Score,
			Objective:         bestEval.Objective,
			Trail:             trail,
		},
	}
}

// Evaluate recomputes the candidate's economics and scores it. A zero
// cost or price falls back to one cent so ratios stay defined; expected
// units respond to the discount through a fixed 1.25 demand multiplier
// applied to the proposal's baseline.
func Evaluate(candidate proto.PromotionDesign, baseCost float64, cfg Config) Evaluation {
	cost := baseCost
	if cost == 0 {
		cost = 0.01
	}
	price := candidate.PromotionalPrice
	if price == 0 {
		price = 0.01
	}
	discount := candidate.DiscountValue

	margin := 0.0
	if price > 0 {
		margin = (price - cost) / price * 100
	}

	baseline := candidate.ExpectedUnitsSold
	if baseline == 0 {
		baseline = 1
	}
	multiplier := 1 + (discount/100)*1.25
	units := int(math.Round(float64(baseline) * multiplier))
	if units < 1 {
		units = 1
	}
	profit := (price - cost) * float64(units)
	revenue := price * float64(units)

	constraints := map[string]bool{
		"margin_ok":             margin >= cfg.MinMarginPercent,
		"discount_ok":           discount <= cfg.MaxDiscountPercent,
		"non_negative_discount": discount >= 0,
	}

	var score float64
	switch cfg.Objective {
	case ObjectiveInventoryReduction:
		score = float64(units)*5 + profit*0.1
	case ObjectiveRevenueLift:
		score = revenue
	case ObjectiveSellThroughAcceleration:
		score = float64(units) * (1 + discount/100)
	default:
		score = profit
	}
	feasible := true
	for _, ok := range constraints {
		if !ok {
			feasible = false
			break
		}
	}
	if !feasible {
		score -= infeasiblePenalty
	}

	return Evaluation{
		Objective:     cfg.Objective,
		Score:         utils.RoundTo(score, 4),
		Constraints:   constraints,
		ExpectedUnits: units,
		Revenue:       utils.RoundTo(revenue, 2),
		MarginPercent: utils.RoundTo(margin, 2),
	}
}

func clamp(value, lower, upper float64) float64 {
	if value < lower {
		return lower
	}
	if value > upper {
		return upper
	}
	return value
}
