// Package critic runs three independent scoring evaluators over a
// promotion proposal and arbitrates them into one approve/revise/reject
// action. Everything here is deterministic: the same proposal, inputs and
// thresholds always produce the same decision.
package critic

import (
	"fmt"
	"math"
	"strings"

	"repricer/pkg/proto"
	"repricer/pkg/utils"
)

// Evaluator display names, used in audit rows.
const (
	EvaluatorProfit = "Profit Guardian"
	EvaluatorGrowth = "Growth Hacker"
	EvaluatorBrand  = "Brand Guardian"
)

// flashSalePenalty is the fixed brand-fatigue deduction for flash sales.
const flashSalePenalty = 12

// Config carries the margin/discount bounds and arbitration thresholds.
type Config struct {
	MinMarginPercent   float64
	MaxDiscountPercent float64
	ReviseThreshold    float64
	RejectThreshold    float64
}

// Inputs is the observation context the evaluators read alongside the
// proposal itself.
type Inputs struct {
	BaseCost      float64 // unit cost from the inventory snapshot
	BaselineUnits float64 // average daily sales from the sell-through rate
}

// Result bundles the evaluations, the arbitrated decision and the design,
// revised when arbitration said revise.
type Result struct {
	Evaluations []proto.CriticEvaluation
	Decision    proto.CriticDecision
	Design      proto.PromotionDesign
	Revised     bool
}

// Review scores the proposal with all three evaluators and arbitrates.
func Review(design proto.PromotionDesign, in Inputs, cfg Config) Result {
	evaluations := []proto.CriticEvaluation{
		profitGuardian(design, in.BaseCost, cfg),
		growthHacker(design, in.BaselineUnits),
		brandGuardian(design, cfg),
	}

	decision := Arbitrate(evaluations, cfg)
	decision.Enabled = true

	result := Result{Evaluations: evaluations, Decision: decision, Design: design}
	if decision.Action == proto.RecommendRevise {
		result.Design = Revise(design, cfg)
		result.Revised = true
	}
	return result
}

// Arbitrate combines evaluator outputs: any reject or a mean under the
// reject threshold rejects; any revise or a mean under the revise
// threshold revises; otherwise approve.
func Arbitrate(evaluations []proto.CriticEvaluation, cfg Config) proto.CriticDecision {
	if len(evaluations) == 0 {
		return proto.CriticDecision{
			Action:       proto.RecommendApprove,
			Reason:       "No evaluator outputs available.",
			AverageScore: 0.0,
		}
	}

	var sum float64
	hasRevise, hasReject := false, false
	for _, e := range evaluations {
		sum += e.Score
		switch e.Recommendation {
		case proto.RecommendRevise:
			hasRevise = true
		case proto.RecommendReject:
			hasReject = true
		}
	}
	avg := sum / float64(len(evaluations))

	var action string
	switch {
	case hasReject || avg < cfg.RejectThreshold:
		action = proto.RecommendReject
	case hasRevise || avg < cfg.ReviseThreshold:
		action = proto.RecommendRevise
	default:
		action = proto.RecommendApprove
	}

	return proto.CriticDecision{
		Action:       action,
		AverageScore: utils.RoundTo(avg, 3),
		Reason: fmt.Sprintf("Arbitration=%s. avg_score=%.2f, has_revise=%t, has_reject=%t",
			action, avg, hasRevise, hasReject),
	}
}

// Revise applies the fixed 2 point discount reduction, clamped to
// [0, max], and recomputes the price from the original. The step size is
// deliberately constant regardless of how far below threshold the scores
// landed.
func Revise(design proto.PromotionDesign, cfg Config) proto.PromotionDesign {
	revised := design
	newDiscount := math.Min(design.DiscountValue-2, cfg.MaxDiscountPercent)
	if newDiscount < 0 {
		newDiscount = 0
	}
	revised.DiscountValue = utils.RoundTo(newDiscount, 2)
	if design.OriginalPrice > 0 {
		revised.PromotionalPrice = utils.RoundTo(design.OriginalPrice*(1-newDiscount/100), 2)
	}
	revised.Reason = strings.TrimSpace(design.Reason + " | revised by multi-critic arbitration to reduce risk.")
	return revised
}

// profitGuardian scores margin safety: rises with margin and expected
// profit, rejects below the margin floor and revises within 2 points of it.
func profitGuardian(design proto.PromotionDesign, baseCost float64, cfg Config) proto.CriticEvaluation {
	margin := design.MarginPercent
	profit := (design.PromotionalPrice - baseCost) * float64(design.ExpectedUnitsSold)

	score := clampScore(margin*3.0 + profit*0.05)

	risks := make([]string, 0, 1)
	var recommendation string
	switch {
	case margin < cfg.MinMarginPercent:
		risks = append(risks, "margin_below_floor")
		recommendation = proto.RecommendReject
	case margin < cfg.MinMarginPercent+2:
		risks = append(risks, "margin_near_floor")
		recommendation = proto.RecommendRevise
	default:
		recommendation = proto.RecommendApprove
	}

	return proto.CriticEvaluation{
		Evaluator: EvaluatorProfit,
		Score:     utils.RoundTo(score, 3),
		Rationale: fmt.Sprintf("Margin=%.2f%% vs floor=%.2f%%. Expected profit=%.2f.",
			margin, cfg.MinMarginPercent, profit),
		RiskFlags:      risks,
		Recommendation: recommendation,
	}
}

// growthHacker scores demand stimulation: expected unit uplift over the
// baseline daily sales plus a small discount bonus.
func growthHacker(design proto.PromotionDesign, baselineUnits float64) proto.CriticEvaluation {
	discount := design.DiscountValue
	uplift := float64(design.ExpectedUnitsSold) / math.Max(baselineUnits, 1.0)

	score := clampScore(uplift*35.0 + discount*1.2)

	risks := make([]string, 0, 1)
	var recommendation string
	switch {
	case uplift < 1.1:
		risks = append(risks, "limited_growth_uplift")
		recommendation = proto.RecommendRevise
	case discount < 1 && uplift < 1.0:
		risks = append(risks, "low_stimulation")
		recommendation = proto.RecommendReject
	default:
		recommendation = proto.RecommendApprove
	}

	return proto.CriticEvaluation{
		Evaluator: EvaluatorGrowth,
		Score:     utils.RoundTo(score, 3),
		Rationale: fmt.Sprintf("Expected unit uplift=%.2fx baseline. Discount=%.2f%%.",
			uplift, discount),
		RiskFlags:      risks,
		Recommendation: recommendation,
	}
}

// brandGuardian scores brand impact: penalizes discount depth and flash
// sales, and flags proposals near the max-discount boundary.
func brandGuardian(design proto.PromotionDesign, cfg Config) proto.CriticEvaluation {
	discount := design.DiscountValue
	promotionType := string(design.PromotionType)
	if promotionType == "" {
		promotionType = string(proto.PromotionDiscount)
	}

	penalty := 0.0
	if design.PromotionType == proto.PromotionFlashSale {
		penalty = flashSalePenalty
	}
	score := clampScore(100 - discount*2.0 - penalty)

	risks := make([]string, 0, 2)
	if discount >= cfg.MaxDiscountPercent {
		risks = append(risks, "max_discount_boundary")
	}
	if discount > cfg.MaxDiscountPercent*0.8 {
		risks = append(risks, "brand_dilution_risk")
	}

	var recommendation string
	switch {
	case score < 40:
		recommendation = proto.RecommendReject
	case score < 60:
		recommendation = proto.RecommendRevise
	default:
		recommendation = proto.RecommendApprove
	}

	return proto.CriticEvaluation{
		Evaluator: EvaluatorBrand,
		Score:     utils.RoundTo(score, 3),
		Rationale: fmt.Sprintf("Discount=%.2f%% with promotion_type=%s. Brand score penalized for discount intensity/frequency.",
			discount, promotionType),
		RiskFlags:      risks,
		Recommendation: recommendation,
	}
}

func clampScore(score float64) float64 {
	return math.Max(0, math.Min(100, score))
}
