package proto

import (
	"fmt"
	"time"
)

// Recommendation values produced by evaluators and arbitration.
const (
	RecommendApprove = "approve"
	RecommendRevise  = "revise"
	RecommendReject  = "reject"
)

// DecisionPrior sources.
const (
	PriorSourceCache     = "cache"     // Redis hit
	PriorSourceCached    = "cached"    // stored prior from the audit store
	PriorSourceGenerated = "generated" // freshly derived from history
)

// CriticEvaluation is one evaluator's verdict on a promotion design.
// Immutable once produced.
type CriticEvaluation struct {
	Evaluator      string   `json:"evaluator"`
	Score          float64  `json:"score"`
	Rationale      string   `json:"rationale"`
	RiskFlags      []string `json:"risk_flags"`
	Recommendation string   `json:"recommendation"`
}

// CriticDecision is the arbitrated outcome across all evaluators.
type CriticDecision struct {
	Enabled      bool    `json:"enabled"`
	Action       string  `json:"action"`
	AverageScore float64 `json:"average_score"`
	Reason       string  `json:"reason"`
}

// OptimizationIteration records one scored candidate offer.
type OptimizationIteration struct {
	Index                int             `json:"iteration_index"`
	Objective            string          `json:"objective_name"`
	Score                float64         `json:"objective_score"`
	Candidate            PromotionDesign `json:"candidate_offer"`
	ConstraintsSatisfied map[string]bool `json:"constraints_checked"`
	Selected             bool            `json:"is_selected"`
}

// OptimizationResult summarizes one optimizer run, including the full
// iteration trail for auditability.
type OptimizationResult struct {
	Enabled           bool                    `json:"enabled"`
	Iterations        int                     `json:"iterations"`
	SelectedIteration int                     `json:"selected_iteration"`
	SelectedScore     float64                 `json:"selected_objective_score,omitempty"`
	Objective         string                  `json:"objective,omitempty"`
	Note              string                  `json:"note,omitempty"`
	Trail             []OptimizationIteration `json:"iteration_trail,omitempty"`
}

// DiscountRange bounds a recommended discount in percent.
type DiscountRange struct {
	MinPercent float64 `json:"min_percent"`
	MaxPercent float64 `json:"max_percent"`
}

// PriorEvidence carries the inputs a decision prior was derived from.
type PriorEvidence struct {
	HistoricalCases         int      `json:"historical_cases"`
	SuccessfulCases         int      `json:"successful_cases"`
	ApprovalFeedbackSignals int      `json:"approval_feedback_signals"`
	ApprovalRate            *float64 `json:"approval_rate"`
	AverageMarginPercent    float64  `json:"average_margin_percent"`
	AverageDiscountPercent  float64  `json:"average_discount_percent"`
	AveragePerformanceRatio float64  `json:"average_performance_ratio"`
}

// DecisionPrior is a learned bias derived from historical promotion
// outcomes and human approval feedback.
type DecisionPrior struct {
	SuccessProbability       float64       `json:"success_probability"`
	ConfidenceScore          float64       `json:"confidence_score"`
	ExpectedROIBand          string        `json:"expected_roi_band"`
	RiskFlags                []string      `json:"risk_flags"`
	RecommendedDiscountRange DiscountRange `json:"recommended_discount_range"`
	Evidence                 PriorEvidence `json:"evidence"`
	Source                   string        `json:"source"`
	GeneratedAt              string        `json:"generated_at"`
	PriorID                  int64         `json:"prior_id,omitempty"`
}

// PipelineState carries one pricing run through the graph. Stages write
// only the field groups they own; a later stage never clears an earlier
// stage's fields. Identifiers are immutable after construction.
type PipelineState struct {
	SKUID     int       `json:"sku_id"`
	StoreID   int       `json:"store_id"`
	RunID     string    `json:"run_id,omitempty"`
	StartedAt time.Time `json:"started_at"`

	Inventory   map[string]any   `json:"inventory_data,omitempty"`
	SellThrough map[string]any   `json:"sell_through_rate,omitempty"`
	Weather     map[string]any   `json:"weather_data,omitempty"`
	Competitors []map[string]any `json:"competitor_data,omitempty"`
	Social      map[string]any   `json:"social_data,omitempty"`

	Priors            *DecisionPrior      `json:"decision_priors,omitempty"`
	Analysis          *MarketAnalysis     `json:"analysis_result,omitempty"`
	Strategy          *PricingStrategy    `json:"pricing_strategy,omitempty"`
	Design            *PromotionDesign    `json:"promotion_design,omitempty"`
	Optimization      *OptimizationResult `json:"optimization_result,omitempty"`
	CriticEvaluations []CriticEvaluation  `json:"critic_evaluations,omitempty"`
	CriticDecision    *CriticDecision     `json:"critic_decision,omitempty"`
	Execution         *ExecutionResult    `json:"execution_result,omitempty"`
	PromotionID       int64               `json:"promotion_id,omitempty"`

	Err string `json:"error,omitempty"`
}

// NewPipelineState validates identifiers at construction time so a typo'd
// target can never be misread downstream as "field absent".
func NewPipelineState(skuID, storeID int) (*PipelineState, error) {
	if skuID <= 0 {
		return nil, fmt.Errorf("invalid sku_id %d: must be positive", skuID)
	}
	if storeID <= 0 {
		return nil, fmt.Errorf("invalid store_id %d: must be positive", storeID)
	}
	return &PipelineState{SKUID: skuID, StoreID: storeID}, nil
}

// Target returns the (SKU, store) pair this state belongs to.
func (s *PipelineState) Target() Target {
	return Target{SKUID: s.SKUID, StoreID: s.StoreID}
}

// ShouldAct reports whether market analysis recommended acting.
func (s *PipelineState) ShouldAct() bool {
	return s.Analysis != nil && s.Analysis.ShouldAct
}

// RecordErr captures a stage-local failure. Last writer wins; the graph
// run continues regardless.
func (s *PipelineState) RecordErr(err error) {
	if err != nil {
		s.Err = err.Error()
	}
}

// MonitorState carries one active promotion through the monitoring graph.
type MonitorState struct {
	PromotionID int64 `json:"promotion_id"`
	SKUID       int   `json:"sku_id"`
	StoreID     int   `json:"store_id"`

	Promotion        map[string]any `json:"promotion,omitempty"`
	UnitsSold        int            `json:"units_sold"`
	RevenueSoFar     float64        `json:"revenue_so_far"`
	ExpectedUnits    int            `json:"expected_units"`
	PerformanceRatio float64        `json:"performance_ratio"`
	ShouldRetract    bool           `json:"should_retract"`
	Retracted        bool           `json:"retracted"`

	Err string `json:"error,omitempty"`
}
