package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"repricer/pkg/critic"
	"repricer/pkg/optimize"
	"repricer/pkg/proto"
	"repricer/pkg/utils"
)

// OptimizeOffer runs the bounded discount search over the designed offer
// and adopts the best candidate. Every iteration is journaled for audit,
// with the winner journaled once more as selected.
func (s *Stages) OptimizeOffer(ctx context.Context, state *proto.PipelineState) (*proto.PipelineState, error) {
	if state.Design == nil {
		return state, nil
	}
	s.logger.Info("Optimizing offer toward %s...", s.cfg.Agent.OptimizationObjective)

	result := optimize.Run(*state.Design, utils.GetNumberOr(state.Inventory, "base_cost", 0), optimize.Config{
		MaxIterations:      s.cfg.Agent.OptimizationMaxIterations,
		Objective:          s.cfg.Agent.OptimizationObjective,
		MinMarginPercent:   s.cfg.Agent.MinMarginPercent,
		MaxDiscountPercent: s.cfg.Agent.MaxDiscountPercent,
	})

	for _, iteration := range result.Summary.Trail {
		s.logIteration(ctx, state, iteration, false)
	}
	selected := result.Summary.Trail[result.Summary.SelectedIteration]
	s.logIteration(ctx, state, selected, true)

	design := result.Design
	state.Design = &design
	summary := result.Summary
	state.Optimization = &summary

	s.recordDecision(ctx, decisionLog{
		agent:        AgentOptimizer,
		skuID:        state.SKUID,
		storeID:      state.StoreID,
		decisionType: "offer_optimization",
		reasoning: fmt.Sprintf(
			"Completed %d optimization iterations. Selected iteration %d with objective score %.2f.",
			summary.Iterations, summary.SelectedIteration, summary.SelectedScore,
		),
		data: map[string]any{
			"objective":          s.cfg.Agent.OptimizationObjective,
			"iterations":         summary.Iterations,
			"selected_iteration": summary.SelectedIteration,
		},
		outcome: "optimized",
	})
	return state, nil
}

// logIteration journals one optimization iteration. Failures never fail
// the run.
func (s *Stages) logIteration(ctx context.Context, state *proto.PipelineState, iteration proto.OptimizationIteration, selected bool) {
	_, err := s.invoker.Invoke(ctx, "postgres", "log_optimization_iteration", map[string]any{
		"iteration_index":     iteration.Index,
		"objective_name":      iteration.Objective,
		"objective_score":     iteration.Score,
		"candidate_offer":     iteration.Candidate,
		"constraints_checked": iteration.ConstraintsSatisfied,
		"sku_id":              state.SKUID,
		"store_id":            state.StoreID,
		"is_selected":         selected,
	})
	if err != nil {
		s.logger.Warn("Iteration logging failed: %v", err)
	}
}

// MultiCriticReview scores the offer with the three critics and applies
// the arbitration outcome. A revise verdict adjusts the design in place;
// the router terminates the run on reject.
func (s *Stages) MultiCriticReview(ctx context.Context, state *proto.PipelineState) (*proto.PipelineState, error) {
	if state.Design == nil {
		state.CriticDecision = &proto.CriticDecision{
			Enabled: true,
			Action:  proto.RecommendReject,
			Reason:  "No promotion design available for review.",
		}
		state.CriticEvaluations = []proto.CriticEvaluation{}
		return state, nil
	}

	s.logger.Info("Evaluating proposal with Profit/Growth/Brand critics...")
	result := critic.Review(*state.Design, critic.Inputs{
		BaseCost:      utils.GetNumberOr(state.Inventory, "base_cost", 0),
		BaselineUnits: utils.GetNumberOr(state.SellThrough, "avg_daily_sales", 1),
	}, critic.Config{
		MinMarginPercent:   s.cfg.Agent.MinMarginPercent,
		MaxDiscountPercent: s.cfg.Agent.MaxDiscountPercent,
		ReviseThreshold:    s.cfg.Critic.ReviseThreshold,
		RejectThreshold:    s.cfg.Critic.RejectThreshold,
	})

	state.CriticEvaluations = result.Evaluations
	decision := result.Decision
	state.CriticDecision = &decision
	if result.Revised {
		design := result.Design
		state.Design = &design
	}

	for _, evaluation := range result.Evaluations {
		_, err := s.invoker.Invoke(ctx, "postgres", "log_evaluator_score", map[string]any{
			"sku_id":               state.SKUID,
			"store_id":             state.StoreID,
			"evaluator_name":       evaluation.Evaluator,
			"score":                evaluation.Score,
			"rationale":            evaluation.Rationale,
			"risk_flags":           map[string]any{"flags": evaluation.RiskFlags},
			"recommendation":       evaluation.Recommendation,
			"arbitration_decision": decision.Action,
		})
		if err != nil {
			s.logger.Warn("Evaluator score logging failed: %v", err)
		}
	}

	s.recordDecision(ctx, decisionLog{
		agent:        AgentCritic,
		skuID:        state.SKUID,
		storeID:      state.StoreID,
		decisionType: "multi_critic_review",
		reasoning:    decision.Reason,
		data: map[string]any{
			"evaluations":   result.Evaluations,
			"average_score": decision.AverageScore,
		},
		outcome: decision.Action,
	})
	return state, nil
}

// ExecutePromotion deploys the offer: directly when running autonomously,
// or into the pending queue when manual approval is required.
func (s *Stages) ExecutePromotion(ctx context.Context, state *proto.PipelineState) (*proto.PipelineState, error) {
	if state.Design == nil {
		state.RecordErr(errors.New("no promotion design to execute"))
		return state, nil
	}
	design := state.Design
	s.logger.Info("Deploying promotion...")

	if s.cfg.Agent.RequireManualApproval {
		s.logger.Info("Manual approval required, queueing pending promotion")

		reasoning := design.Reason
		if reasoning == "" {
			reasoning = "Agent recommends this promotion"
		}
		raw, err := s.invoker.Invoke(ctx, "postgres", "create_pending_promotion", map[string]any{
			"sku_id":               state.SKUID,
			"store_id":             state.StoreID,
			"promotion_type":       design.PromotionType,
			"discount_type":        design.DiscountType,
			"discount_value":       design.DiscountValue,
			"original_price":       design.OriginalPrice,
			"promotional_price":    design.PromotionalPrice,
			"margin_percent":       design.MarginPercent,
			"proposed_valid_from":  design.ValidFrom.Format(time.RFC3339),
			"proposed_valid_until": design.ValidUntil.Format(time.RFC3339),
			"target_radius_km":     design.TargetRadiusKM,
			"expected_units_sold":  design.ExpectedUnitsSold,
			"expected_revenue":     design.ExpectedRevenue,
			"agent_reasoning":      reasoning,
			"market_data": map[string]any{
				"inventory":   state.Inventory,
				"weather":     state.Weather,
				"competitors": state.Competitors,
				"social":      state.Social,
			},
		})
		if err != nil {
			s.logger.Warn("Pending promotion failed: %v", err)
			state.RecordErr(err)
			return state, nil
		}
		pending, ok := utils.SafeAssert[map[string]any](raw)
		if !ok || len(pending) == 0 {
			err := errors.New("create pending promotion returned no row")
			s.logger.Warn("%v", err)
			state.RecordErr(err)
			return state, nil
		}

		pendingID := int64(utils.GetNumberOr(pending, "id", 0))
		state.Execution = &proto.ExecutionResult{
			Status:             proto.ExecutionStatusPendingApproval,
			Message:            "Promotion requires manual approval",
			PendingPromotionID: pendingID,
		}
		s.logger.Info("Promotion pending approval (ID %d)", pendingID)

		s.recordDecision(ctx, decisionLog{
			agent:        AgentExecutor,
			skuID:        state.SKUID,
			storeID:      state.StoreID,
			decisionType: "create_promotion",
			reasoning:    truncate(reasoning, 500),
			data:         design,
			outcome:      "pending_approval",
		})
		return state, nil
	}

	raw, err := s.invoker.Invoke(ctx, "postgres", "create_promotion", map[string]any{
		"sku_id":              state.SKUID,
		"store_id":            state.StoreID,
		"promotion_type":      design.PromotionType,
		"discount_type":       design.DiscountType,
		"discount_value":      design.DiscountValue,
		"original_price":      design.OriginalPrice,
		"promotional_price":   design.PromotionalPrice,
		"margin_percent":      design.MarginPercent,
		"valid_from":          design.ValidFrom.Format(time.RFC3339),
		"valid_until":         design.ValidUntil.Format(time.RFC3339),
		"target_radius_km":    design.TargetRadiusKM,
		"expected_units_sold": design.ExpectedUnitsSold,
		"expected_revenue":    design.ExpectedRevenue,
		"reason":              design.Reason,
	})
	if err != nil {
		s.logger.Warn("Promotion creation failed: %v", err)
		state.RecordErr(err)
		return state, nil
	}
	created, ok := utils.SafeAssert[map[string]any](raw)
	if !ok || len(created) == 0 {
		err := errors.New("create promotion returned no row")
		s.logger.Warn("%v", err)
		state.RecordErr(err)
		return state, nil
	}

	promotionID := int64(utils.GetNumberOr(created, "id", 0))
	state.PromotionID = promotionID
	state.Execution = &proto.ExecutionResult{
		Status:        proto.ExecutionStatusActive,
		PromotionCode: utils.GetMapFieldOr(created, "promotion_code", ""),
		PromotionID:   promotionID,
	}

	reasoning := design.Reason
	if reasoning == "" {
		reasoning = "Promotion executed"
	}
	s.recordDecision(ctx, decisionLog{
		agent:        AgentExecutor,
		skuID:        state.SKUID,
		storeID:      state.StoreID,
		decisionType: "create_promotion",
		reasoning:    truncate(reasoning, 500),
		data:         design,
		outcome:      "executed",
		promotionID:  promotionID,
	})

	s.logger.Info("Promotion %s ACTIVE", state.Execution.PromotionCode)
	return state, nil
}
