// Package proto defines the value types shared across the pricing pipeline:
// targets, feature flags, and the records the stages produce.
package proto

import "fmt"

// Target identifies one SKU at one store. The scheduler walks a fixed
// rotation of targets each cycle.
type Target struct {
	SKUID   int `json:"sku_id"`
	StoreID int `json:"store_id"`
}

func (t Target) String() string {
	return fmt.Sprintf("sku=%d store=%d", t.SKUID, t.StoreID)
}

// FeatureFlags gate the enhanced pipeline stages. All flags default to the
// legacy single-pass behavior when off.
type FeatureFlags struct {
	DecisionLearning bool `json:"enable_decision_learning" yaml:"enable_decision_learning"`
	OptimizationLoop bool `json:"enable_optimization_loop" yaml:"enable_optimization_loop"`
	MultiCritic      bool `json:"enable_multi_critic" yaml:"enable_multi_critic"`
	ApprovalLearning bool `json:"enable_approval_learning" yaml:"enable_approval_learning"`
	RAGSimilarity    bool `json:"enable_rag_similarity" yaml:"enable_rag_similarity"`
}
