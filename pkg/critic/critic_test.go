package critic

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"repricer/pkg/proto"
)

func defaultConfig() Config {
	return Config{
		MinMarginPercent:   10,
		MaxDiscountPercent: 40,
		ReviseThreshold:    65,
		RejectThreshold:    45,
	}
}

func healthyDesign() proto.PromotionDesign {
	return proto.PromotionDesign{
		PromotionType:     proto.PromotionDiscount,
		DiscountType:      proto.DiscountTypePercentage,
		DiscountValue:     20,
		OriginalPrice:     10.00,
		PromotionalPrice:  8.00,
		MarginPercent:     30,
		ExpectedUnitsSold: 25,
		Reason:            "DISCOUNT: Clearance push",
	}
}

func evalsWith(scores []float64, recommendations []string) []proto.CriticEvaluation {
	evals := make([]proto.CriticEvaluation, len(scores))
	for i := range scores {
		evals[i] = proto.CriticEvaluation{
			Evaluator:      "Evaluator",
			Score:          scores[i],
			Recommendation: recommendations[i],
		}
	}
	return evals
}

func TestArbitrateBranchTable(t *testing.T) {
	cfg := defaultConfig()
	approve := proto.RecommendApprove

	cases := []struct {
		name            string
		scores          []float64
		recommendations []string
		want            string
	}{
		{
			name:            "all approve high scores",
			scores:          []float64{90, 90, 90},
			recommendations: []string{approve, approve, approve},
			want:            proto.RecommendApprove,
		},
		{
			name:            "single reject wins regardless of mean",
			scores:          []float64{30, 90, 90},
			recommendations: []string{proto.RecommendReject, approve, approve},
			want:            proto.RecommendReject,
		},
		{
			name:            "single revise wins despite mean above threshold",
			scores:          []float64{70, 55, 72},
			recommendations: []string{approve, proto.RecommendRevise, approve},
			want:            proto.RecommendRevise,
		},
		{
			name:            "mean below revise threshold without any revise vote",
			scores:          []float64{64, 64, 64},
			recommendations: []string{approve, approve, approve},
			want:            proto.RecommendRevise,
		},
		{
			name:            "mean below reject threshold without any reject vote",
			scores:          []float64{44, 44, 44},
			recommendations: []string{approve, approve, approve},
			want:            proto.RecommendReject,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			decision := Arbitrate(evalsWith(tc.scores, tc.recommendations), cfg)
			assert.Equal(t, tc.want, decision.Action)
			assert.Contains(t, decision.Reason, "Arbitration="+tc.want)
		})
	}
}

func TestArbitrateEmptyEvaluations(t *testing.T) {
	decision := Arbitrate(nil, defaultConfig())
	assert.Equal(t, proto.RecommendApprove, decision.Action)
	assert.Equal(t, "No evaluator outputs available.", decision.Reason)
	assert.Zero(t, decision.AverageScore)
}

func TestReviewApprovesHealthyDesign(t *testing.T) {
	result := Review(healthyDesign(), Inputs{BaseCost: 5.00, BaselineUnits: 10}, defaultConfig())

	require.Len(t, result.Evaluations, 3)
	assert.Equal(t, EvaluatorProfit, result.Evaluations[0].Evaluator)
	assert.Equal(t, EvaluatorGrowth, result.Evaluations[1].Evaluator)
	assert.Equal(t, EvaluatorBrand, result.Evaluations[2].Evaluator)

	// Margin 30 and profit 75: 30*3 + 75*0.05 = 93.75.
	assert.InDelta(t, 93.75, result.Evaluations[0].Score, 0.0001)
	// Uplift 2.5x and discount 20: 87.5 + 24 clamps at 100.
	assert.InDelta(t, 100.0, result.Evaluations[1].Score, 0.0001)
	// 100 - 20*2, no flash penalty.
	assert.InDelta(t, 60.0, result.Evaluations[2].Score, 0.0001)

	assert.Equal(t, proto.RecommendApprove, result.Decision.Action)
	assert.True(t, result.Decision.Enabled)
	assert.InDelta(t, 84.583, result.Decision.AverageScore, 0.0001)
	assert.False(t, result.Revised)
	assert.Equal(t, healthyDesign(), result.Design, "approval leaves the design untouched")
}

func TestReviewRevisesNearFloorMargin(t *testing.T) {
	design := healthyDesign()
	design.MarginPercent = 11 // inside the floor+2 band

	result := Review(design, Inputs{BaseCost: 7.12, BaselineUnits: 10}, defaultConfig())

	profit := result.Evaluations[0]
	assert.Equal(t, proto.RecommendRevise, profit.Recommendation)
	assert.Contains(t, profit.RiskFlags, "margin_near_floor")

	assert.Equal(t, proto.RecommendRevise, result.Decision.Action)
	assert.True(t, result.Revised)
	assert.InDelta(t, 18.0, result.Design.DiscountValue, 0.0001)
	assert.InDelta(t, 8.20, result.Design.PromotionalPrice, 0.0001)
	assert.Contains(t, result.Design.Reason, "revised by multi-critic arbitration to reduce risk.")
}

func TestReviewRejectsMarginBelowFloor(t *testing.T) {
	design := healthyDesign()
	design.MarginPercent = 5

	result := Review(design, Inputs{BaseCost: 7.60, BaselineUnits: 10}, defaultConfig())

	profit := result.Evaluations[0]
	assert.Equal(t, proto.RecommendReject, profit.Recommendation)
	assert.Contains(t, profit.RiskFlags, "margin_below_floor")

	assert.Equal(t, proto.RecommendReject, result.Decision.Action)
	assert.False(t, result.Revised)
	assert.Equal(t, design, result.Design, "rejection leaves the design untouched")
}

func TestBrandGuardianFlashSalePenalty(t *testing.T) {
	cfg := defaultConfig()

	discount := healthyDesign()
	flash := healthyDesign()
	flash.PromotionType = proto.PromotionFlashSale

	plain := brandGuardian(discount, cfg)
	penalized := brandGuardian(flash, cfg)

	assert.InDelta(t, 12.0, plain.Score-penalized.Score, 0.0001)
	assert.Contains(t, penalized.Rationale, "promotion_type=flash_sale")
}

func TestBrandGuardianBoundaryFlags(t *testing.T) {
	design := healthyDesign()
	design.DiscountValue = 40 // equals the cap

	eval := brandGuardian(design, defaultConfig())

	assert.Contains(t, eval.RiskFlags, "max_discount_boundary")
	assert.Contains(t, eval.RiskFlags, "brand_dilution_risk")
	// 100 - 80 = 20: under the reject line.
	assert.InDelta(t, 20.0, eval.Score, 0.0001)
	assert.Equal(t, proto.RecommendReject, eval.Recommendation)
}

func TestGrowthHackerLowUpliftRevises(t *testing.T) {
	design := healthyDesign()
	design.DiscountValue = 0
	design.ExpectedUnitsSold = 5 // uplift 0.5x against baseline 10

	eval := growthHacker(design, 10)

	// The revise branch fires first even when the uplift is below 1.0.
	assert.Equal(t, proto.RecommendRevise, eval.Recommendation)
	assert.Contains(t, eval.RiskFlags, "limited_growth_uplift")
	assert.NotContains(t, eval.RiskFlags, "low_stimulation")
}

func TestReviseClampsDiscountAtZero(t *testing.T) {
	design := healthyDesign()
	design.DiscountValue = 1

	revised := Revise(design, defaultConfig())

	assert.Zero(t, revised.DiscountValue)
	assert.InDelta(t, 10.00, revised.PromotionalPrice, 0.0001, "zero discount restores the original price")
}

func TestReviseKeepsPriceWithoutOriginal(t *testing.T) {
	design := healthyDesign()
	design.OriginalPrice = 0
	design.PromotionalPrice = 7.77

	revised := Revise(design, defaultConfig())

	assert.InDelta(t, 18.0, revised.DiscountValue, 0.0001)
	assert.InDelta(t, 7.77, revised.PromotionalPrice, 0.0001)
}
