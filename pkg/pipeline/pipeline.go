// Package pipeline implements the pricing decision pipeline: the stage
// functions that collect market data, analyze it, design and review an
// offer, and execute or retract promotions, plus the graph wiring that
// sequences them. Stages record recoverable failures in the state and let
// the run continue; only broken wiring aborts a run.
package pipeline

import (
	"context"

	"repricer/pkg/config"
	"repricer/pkg/ledger"
	"repricer/pkg/llm"
	"repricer/pkg/logx"
	"repricer/pkg/proto"
	"repricer/pkg/tools"
)

// Agent names used in audit records and the runtime tracker. The store
// schema keys decision rows by these names, so they are part of the wire
// contract.
const (
	AgentCollector  = "Data Collector Agent"
	AgentAnalyst    = "Market Analysis Agent"
	AgentLearning   = "Decision Learning Agent"
	AgentPricing    = "Pricing Strategy Agent"
	AgentDesigner   = "Promotion Design Agent"
	AgentOptimizer  = "Offer Optimization Agent"
	AgentCritic     = "Multi-Critic Review Agent"
	AgentExecutor   = "Execution Agent"
	AgentMonitor    = "Monitoring Agent"
	AgentRetraction = "Monitoring Agent (Retraction)"
)

// PriorLoader supplies decision priors for a target. Implemented by
// learning.Service; tests substitute a stub.
type PriorLoader interface {
	LoadPriors(ctx context.Context, target proto.Target, flags proto.FeatureFlags) *proto.DecisionPrior
}

// Stages bundles the dependencies the stage functions share. One Stages
// value serves both the pricing and the monitoring graph and is safe for
// concurrent runs.
type Stages struct {
	invoker tools.Invoker
	llm     llm.Client
	priors  PriorLoader
	usage   *ledger.Ledger
	cfg     *config.Config
	logger  *logx.Logger
}

// NewStages wires the stage functions to their dependencies.
func NewStages(invoker tools.Invoker, client llm.Client, priors PriorLoader, usage *ledger.Ledger, cfg *config.Config) *Stages {
	return &Stages{
		invoker: invoker,
		llm:     client,
		priors:  priors,
		usage:   usage,
		cfg:     cfg,
		logger:  logx.NewLogger("pipeline"),
	}
}

// decisionLog is one row for the agent decision audit table.
type decisionLog struct {
	agent        string
	skuID        int
	storeID      int
	decisionType string
	reasoning    string
	data         any
	outcome      string
	promotionID  int64
}

// recordDecision writes an audit row through the store facade. Audit
// failures are logged and swallowed; they must never fail a run.
func (s *Stages) recordDecision(ctx context.Context, rec decisionLog) {
	params := map[string]any{
		"agent_name":       rec.agent,
		"sku_id":           rec.skuID,
		"store_id":         rec.storeID,
		"decision_type":    rec.decisionType,
		"prompt_fed":       nil,
		"reasoning":        rec.reasoning,
		"data_used":        rec.data,
		"decision_outcome": rec.outcome,
	}
	if rec.promotionID != 0 {
		params["promotion_id"] = rec.promotionID
	}
	if _, err := s.invoker.Invoke(ctx, "postgres", "log_agent_decision", params); err != nil {
		s.logger.Warn("%s decision log failed: %v", rec.agent, err)
	}
}

// truncate limits audit strings to the store's column width.
func truncate(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit])
}
