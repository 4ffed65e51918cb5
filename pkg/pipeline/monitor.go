package pipeline

import (
	"context"

	"repricer/pkg/proto"
	"repricer/pkg/utils"
)

// Monitor compares a live promotion's sales against its expectation and
// decides whether it should be retracted. A failed performance lookup
// leaves the promotion running; retraction needs positive evidence.
func (s *Stages) Monitor(ctx context.Context, state *proto.MonitorState) (*proto.MonitorState, error) {
	if state.PromotionID == 0 {
		return state, nil
	}

	expected := state.ExpectedUnits
	if expected == 0 {
		expected = utils.GetIntOr(state.Promotion, "expected_units_sold", 0)
	}
	if expected < 1 {
		expected = 1
	}
	state.ExpectedUnits = expected

	raw, err := s.invoker.Invoke(ctx, "postgres", "get_promotion_performance", map[string]any{
		"promotion_id": state.PromotionID,
	})
	if err != nil {
		s.logger.Warn("Performance lookup failed for promotion %d: %v", state.PromotionID, err)
		state.Err = err.Error()
		return state, nil
	}
	perf, _ := utils.SafeAssert[map[string]any](raw)

	state.UnitsSold = utils.GetIntOr(perf, "units_sold", 0)
	state.RevenueSoFar = utils.GetNumberOr(perf, "revenue", 0)
	ratio := float64(state.UnitsSold) / float64(expected)
	state.PerformanceRatio = utils.RoundTo(ratio, 4)
	state.ShouldRetract = ratio < s.cfg.Agent.AutoRetractThreshold

	marginPercent := utils.GetNumberOr(state.Promotion, "margin_percent", 0)
	if _, err := s.invoker.Invoke(ctx, "postgres", "log_performance_metric", map[string]any{
		"promotion_id":      state.PromotionID,
		"units_sold_so_far": state.UnitsSold,
		"revenue_so_far":    state.RevenueSoFar,
		"performance_ratio": state.PerformanceRatio,
		"is_profitable":     marginPercent > 0,
		"margin_maintained": marginPercent >= s.cfg.Agent.MinMarginPercent,
		"notes":             "Monitoring check performed",
	}); err != nil {
		s.logger.Warn("Performance metric log failed: %v", err)
	}

	if state.ShouldRetract {
		s.logger.Info("Promotion %d underperforming (ratio %.2f, threshold %.2f)",
			state.PromotionID, state.PerformanceRatio, s.cfg.Agent.AutoRetractThreshold)
	}
	return state, nil
}

// Retract pulls an underperforming promotion.
func (s *Stages) Retract(ctx context.Context, state *proto.MonitorState) (*proto.MonitorState, error) {
	_, err := s.invoker.Invoke(ctx, "postgres", "retract_promotion", map[string]any{
		"promotion_id": state.PromotionID,
		"reason":       "Performance below threshold or margin compromised",
	})
	if err != nil {
		s.logger.Warn("Retraction failed for promotion %d: %v", state.PromotionID, err)
		state.Err = err.Error()
		return state, nil
	}
	state.Retracted = true
	s.logger.Info("Promotion %d RETRACTED", state.PromotionID)

	s.recordDecision(ctx, decisionLog{
		agent:        AgentMonitor,
		skuID:        state.SKUID,
		storeID:      state.StoreID,
		decisionType: "retract_promotion",
		reasoning:    "Performance monitoring triggered retraction",
		data: map[string]any{
			"units_sold":        state.UnitsSold,
			"revenue_so_far":    state.RevenueSoFar,
			"performance_ratio": state.PerformanceRatio,
			"expected_units":    state.ExpectedUnits,
		},
		outcome:     "retracted",
		promotionID: state.PromotionID,
	})
	return state, nil
}
