package proto

import "time"

// PromotionType classifies how a promotion is delivered.
type PromotionType string

const (
	PromotionFlashSale PromotionType = "flash_sale"
	PromotionDiscount  PromotionType = "discount"
	PromotionCoupon    PromotionType = "coupon"
)

// DiscountTypePercentage is the only discount mechanism the designer emits.
const DiscountTypePercentage = "percentage"

// ExecutionStatus reports how the executor disposed of a promotion design.
type ExecutionStatus string

const (
	// ExecutionStatusActive indicates the promotion was created and is live.
	ExecutionStatusActive ExecutionStatus = "active"

	// ExecutionStatusPendingApproval indicates the promotion was queued for
	// human review instead of being created directly.
	ExecutionStatusPendingApproval ExecutionStatus = "pending_approval"
)

// MarketAnalysis is the analyzer's verdict on whether a target warrants a
// promotion. ParseFailed marks verdicts that fell back to no-action because
// the model response could not be decoded.
type MarketAnalysis struct {
	ShouldAct        bool     `json:"should_act"`
	Reasoning        string   `json:"reasoning"`
	OpportunityScore float64  `json:"opportunity_score"`
	KeyFactors       []string `json:"key_factors"`
	ParseFailed      bool     `json:"parse_failed,omitempty"`
}

// PricingStrategy carries the computed price point for a target.
type PricingStrategy struct {
	OriginalPrice    float64 `json:"original_price"`
	PromotionalPrice float64 `json:"promotional_price"`
	DiscountPercent  float64 `json:"discount_percent"`
	MarginPercent    float64 `json:"margin_percent"`
	Reasoning        string  `json:"reasoning"`
}

// PromotionDesign is the full promotion offer sent to the store platform.
// The optimizer and critic revision may adjust the discount fields before
// execution; everything else is written once by the designer.
type PromotionDesign struct {
	PromotionType     PromotionType `json:"promotion_type"`
	DiscountType      string        `json:"discount_type"`
	DiscountValue     float64       `json:"discount_value"`
	OriginalPrice     float64       `json:"original_price"`
	PromotionalPrice  float64       `json:"promotional_price"`
	MarginPercent     float64       `json:"margin_percent"`
	ValidFrom         time.Time     `json:"valid_from"`
	ValidUntil        time.Time     `json:"valid_until"`
	TargetRadiusKM    float64       `json:"target_radius_km"`
	ExpectedUnitsSold int           `json:"expected_units_sold"`
	ExpectedRevenue   float64       `json:"expected_revenue"`
	Reason            string        `json:"reason"`
}

// ExecutionResult records the outcome of the execution stage.
type ExecutionResult struct {
	Status             ExecutionStatus `json:"status"`
	Message            string          `json:"message,omitempty"`
	PromotionCode      string          `json:"promotion_code,omitempty"`
	PromotionID        int64           `json:"promotion_id,omitempty"`
	PendingPromotionID int64           `json:"pending_promotion_id,omitempty"`
}
