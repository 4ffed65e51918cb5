package pipeline

import (
	"repricer/pkg/graph"
	"repricer/pkg/proto"
)

// Node names in the pricing and monitoring graphs. The topology is fixed;
// feature flags change reachability through the routers only.
const (
	NodeCollectData     = "collect_data"
	NodeAnalyzeMarket   = "analyze_market"
	NodeLoadPriors      = "load_decision_priors"
	NodeDesignPricing   = "design_pricing"
	NodeDesignPromotion = "design_promotion"
	NodeOptimizeOffer   = "optimize_offer"
	NodeCriticReview    = "multi_critic_review"
	NodeExecute         = "execute_promotion"
	NodeMonitor         = "monitor"
	NodeRetract         = "retract"
)

// BuildPricingGraph compiles the pricing pipeline over the stage set.
func BuildPricingGraph(s *Stages, obs graph.Observer) (*graph.Compiled[*proto.PipelineState], error) {
	e := graph.New[*proto.PipelineState]()

	e.RegisterNode(NodeCollectData, s.CollectData)
	e.RegisterNode(NodeAnalyzeMarket, s.AnalyzeMarket)
	e.RegisterNode(NodeLoadPriors, s.LoadDecisionPriors)
	e.RegisterNode(NodeDesignPricing, s.DesignPricing)
	e.RegisterNode(NodeDesignPromotion, s.DesignPromotion)
	e.RegisterNode(NodeOptimizeOffer, s.OptimizeOffer)
	e.RegisterNode(NodeCriticReview, s.MultiCriticReview)
	e.RegisterNode(NodeExecute, s.ExecutePromotion)

	e.SetEntry(NodeCollectData)
	e.AddEdge(NodeCollectData, NodeAnalyzeMarket)
	e.AddConditionalEdge(NodeAnalyzeMarket, routeAfterAnalysis)
	e.AddEdge(NodeLoadPriors, NodeDesignPricing)
	e.AddEdge(NodeDesignPricing, NodeDesignPromotion)
	e.AddConditionalEdge(NodeDesignPromotion, routeAfterDesign)
	e.AddConditionalEdge(NodeOptimizeOffer, routeAfterOptimization)
	e.AddConditionalEdge(NodeCriticReview, routeAfterCritic)
	e.AddEdge(NodeExecute, graph.End)

	if obs != nil {
		e.SetObserver(obs)
	}
	return e.Compile()
}

// BuildMonitoringGraph compiles the performance monitoring graph.
func BuildMonitoringGraph(s *Stages, obs graph.Observer) (*graph.Compiled[*proto.MonitorState], error) {
	e := graph.New[*proto.MonitorState]()

	e.RegisterNode(NodeMonitor, s.Monitor)
	e.RegisterNode(NodeRetract, s.Retract)

	e.SetEntry(NodeMonitor)
	e.AddConditionalEdge(NodeMonitor, routeAfterMonitor)
	e.AddEdge(NodeRetract, graph.End)

	if obs != nil {
		e.SetObserver(obs)
	}
	return e.Compile()
}

// routeAfterAnalysis ends the run on a no-action verdict.
func routeAfterAnalysis(state *proto.PipelineState, _ graph.RunContext) string {
	if state.ShouldAct() {
		return NodeLoadPriors
	}
	return graph.End
}

// routeAfterDesign picks the review path from the feature flags. A run
// that produced no design ends here instead of failing downstream.
func routeAfterDesign(state *proto.PipelineState, rc graph.RunContext) string {
	if state.Design == nil {
		return graph.End
	}
	switch {
	case rc.Flags.OptimizationLoop:
		return NodeOptimizeOffer
	case rc.Flags.MultiCritic:
		return NodeCriticReview
	default:
		return NodeExecute
	}
}

func routeAfterOptimization(_ *proto.PipelineState, rc graph.RunContext) string {
	if rc.Flags.MultiCritic {
		return NodeCriticReview
	}
	return NodeExecute
}

// routeAfterCritic ends the run when arbitration rejected the offer.
func routeAfterCritic(state *proto.PipelineState, _ graph.RunContext) string {
	if state.CriticDecision != nil && state.CriticDecision.Action == proto.RecommendReject {
		return graph.End
	}
	return NodeExecute
}

func routeAfterMonitor(state *proto.MonitorState, _ graph.RunContext) string {
	if state.ShouldRetract {
		return NodeRetract
	}
	return graph.End
}
