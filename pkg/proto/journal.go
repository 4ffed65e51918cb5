package proto

import "time"

// Graph names used in journal records and metric labels.
const (
	GraphPricing    = "pricing"
	GraphMonitoring = "monitoring"
)

// RunRecord is one completed graph run in the local journal.
type RunRecord struct {
	RunID       string    `json:"run_id"`
	Graph       string    `json:"graph"`
	Cycle       int       `json:"cycle"`
	SKUID       int       `json:"sku_id"`
	StoreID     int       `json:"store_id"`
	PromotionID int64     `json:"promotion_id,omitempty"`
	Outcome     string    `json:"outcome"`
	Err         string    `json:"error,omitempty"`
	StartedAt   time.Time `json:"started_at"`
	DurationMS  int64     `json:"duration_ms"`
}

// CycleRecord summarizes one completed scheduler cycle.
type CycleRecord struct {
	Cycle       int       `json:"cycle"`
	Targets     int       `json:"targets"`
	Promotions  int       `json:"promotions_checked"`
	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at"`
	DurationMS  int64     `json:"duration_ms"`
}
