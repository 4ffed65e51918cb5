// Package ledger journals per-call LLM token usage to the audit store and
// keeps running totals for the status API.
package ledger

import (
	"context"
	"math"
	"sync"

	"repricer/pkg/config"
	"repricer/pkg/logx"
	"repricer/pkg/tools"
)

// Entry describes one LLM call's token usage.
type Entry struct {
	AgentName        string
	Operation        string
	PromptTokens     int
	CompletionTokens int
	SKUID            int   // 0 when the call is not tied to a SKU
	PromotionID      int64 // 0 when the call is not tied to a promotion
	Context          map[string]any
}

// Totals aggregates usage since process start.
type Totals struct {
	Requests         int64   `json:"requests"`
	PromptTokens     int64   `json:"prompt_tokens"`
	CompletionTokens int64   `json:"completion_tokens"`
	TotalTokens      int64   `json:"total_tokens"`
	EstimatedCost    float64 `json:"estimated_cost_usd"`
}

// Ledger writes log_token_usage rows through the store facade. Write
// failures are logged and swallowed; usage accounting must never fail a
// pipeline run.
type Ledger struct {
	invoker tools.Invoker
	model   string
	logger  *logx.Logger

	mu     sync.Mutex
	totals Totals
}

// New creates a ledger journaling usage for the given model.
func New(invoker tools.Invoker, model string) *Ledger {
	return &Ledger{
		invoker: invoker,
		model:   model,
		logger:  logx.NewLogger("ledger"),
	}
}

// Record journals one usage entry and updates the in-memory totals.
func (l *Ledger) Record(ctx context.Context, e Entry) {
	totalTokens := e.PromptTokens + e.CompletionTokens
	cost := round6(config.CalculateCost(l.model, e.PromptTokens, e.CompletionTokens))

	l.mu.Lock()
	l.totals.Requests++
	l.totals.PromptTokens += int64(e.PromptTokens)
	l.totals.CompletionTokens += int64(e.CompletionTokens)
	l.totals.TotalTokens += int64(totalTokens)
	l.totals.EstimatedCost += cost
	l.mu.Unlock()

	var skuID any
	if e.SKUID > 0 {
		skuID = e.SKUID
	}
	var promotionID any
	if e.PromotionID > 0 {
		promotionID = e.PromotionID
	}
	callContext := e.Context
	if callContext == nil {
		callContext = map[string]any{}
	}

	_, err := l.invoker.Invoke(ctx, "postgres", "log_token_usage", map[string]any{
		"agent_name":        e.AgentName,
		"operation":         e.Operation,
		"model":             l.model,
		"prompt_tokens":     e.PromptTokens,
		"completion_tokens": e.CompletionTokens,
		"total_tokens":      totalTokens,
		"estimated_cost":    cost,
		"sku_id":            skuID,
		"promotion_id":      promotionID,
		"context":           callContext,
	})
	if err != nil {
		l.logger.Error("Error logging token usage: %v", err)
	}
}

// Snapshot returns a copy of the running totals.
func (l *Ledger) Snapshot() Totals {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.totals
}

func round6(v float64) float64 {
	return math.Round(v*1e6) / 1e6
}
