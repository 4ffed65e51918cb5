package pipeline

import (
	"time"

	"repricer/pkg/graph"
	"repricer/pkg/metrics"
	"repricer/pkg/tracker"
)

// nodeAgents maps graph nodes to the agent names shown in status output
// and audit records.
var nodeAgents = map[string]string{
	NodeCollectData:     AgentCollector,
	NodeAnalyzeMarket:   AgentAnalyst,
	NodeLoadPriors:      AgentLearning,
	NodeDesignPricing:   AgentPricing,
	NodeDesignPromotion: AgentDesigner,
	NodeOptimizeOffer:   AgentOptimizer,
	NodeCriticReview:    AgentCritic,
	NodeExecute:         AgentExecutor,
	NodeMonitor:         AgentMonitor,
	NodeRetract:         AgentRetraction,
}

// AgentForNode returns the agent name for a graph node. Unknown nodes map
// to their own name so new nodes stay visible in status output.
func AgentForNode(node string) string {
	if agent, ok := nodeAgents[node]; ok {
		return agent
	}
	return node
}

// RunObserver feeds the runtime tracker and stage metrics as graph nodes
// execute. The scheduler clears the tracker when the whole run finishes.
type RunObserver struct {
	graphName string
	tracker   *tracker.RuntimeTracker
	metrics   *metrics.StageMetrics
}

// NewRunObserver creates an observer for one graph. Either sink may be nil.
func NewRunObserver(graphName string, trk *tracker.RuntimeTracker, m *metrics.StageMetrics) *RunObserver {
	return &RunObserver{graphName: graphName, tracker: trk, metrics: m}
}

// NodeStarted registers the executing agent for status readers.
func (o *RunObserver) NodeStarted(node string, rc graph.RunContext) {
	if o.tracker != nil {
		o.tracker.Set(AgentForNode(node), rc.SKUID, rc.StoreID, rc.PromotionID)
	}
}

// NodeFinished records the stage duration.
func (o *RunObserver) NodeFinished(node string, _ graph.RunContext, elapsed time.Duration, err error) {
	if o.metrics != nil {
		o.metrics.ObserveStage(o.graphName, node, err, elapsed)
	}
}
