// Package learning derives decision priors from historical promotion
// outcomes and human approval feedback. Priors bias later runs toward
// discounts that worked before; they are advisory and every lookup path
// degrades to "no prior" rather than failing the pipeline.
package learning

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"repricer/pkg/logx"
	"repricer/pkg/proto"
	"repricer/pkg/tools"
	"repricer/pkg/utils"
)

// generatedBy tags audit rows written by this service.
const generatedBy = "decision_learning_service"

// Config bounds the evidence queries and carries the pricing limits the
// risk flags compare against.
type Config struct {
	PriorMaxAge        time.Duration
	HistoryLimit       int
	FeedbackDays       int
	FeedbackLimit      int
	MinMarginPercent   float64
	MaxDiscountPercent float64
}

// Service loads or generates decision priors for a target. Lookup
// precedence: Redis cache, stored prior younger than the max age, fresh
// generation from history. Only freshly generated priors are cached; a
// stored prior's remaining freshness is unknown, so re-caching it could
// serve it past its age limit.
type Service struct {
	invoker tools.Invoker
	cache   PriorCache
	cfg     Config
	logger  *logx.Logger
}

// New creates the service. cache may be nil when no Redis is configured.
func New(invoker tools.Invoker, cache PriorCache, cfg Config) *Service {
	return &Service{
		invoker: invoker,
		cache:   cache,
		cfg:     cfg,
		logger:  logx.NewLogger("learning"),
	}
}

// LoadPriors returns the best available prior for the target, or nil when
// learning is disabled or no evidence exists. Never returns an error:
// every failure path logs and falls through to the next source.
func (s *Service) LoadPriors(ctx context.Context, target proto.Target, flags proto.FeatureFlags) *proto.DecisionPrior {
	if !flags.DecisionLearning {
		return nil
	}

	key := cacheKey(target)
	if s.cache != nil {
		if prior, ok := s.cache.Get(ctx, key); ok {
			return prior
		}
	}

	if prior := s.storedPrior(ctx, target); prior != nil {
		return prior
	}

	prior := s.generate(ctx, target, flags.ApprovalLearning)
	if prior == nil {
		return nil
	}
	s.persist(ctx, target, prior)
	if s.cache != nil {
		s.cache.Set(ctx, key, prior, s.cfg.PriorMaxAge)
	}
	return prior
}

// storedPrior fetches the most recent persisted prior within the max age.
func (s *Service) storedPrior(ctx context.Context, target proto.Target) *proto.DecisionPrior {
	raw, err := s.invoker.Invoke(ctx, "postgres", "get_latest_decision_prior", map[string]any{
		"sku_id":        target.SKUID,
		"store_id":      target.StoreID,
		"max_age_hours": int(s.cfg.PriorMaxAge.Hours()),
	})
	if err != nil {
		s.logger.Warn("Could not fetch cached priors: %v", err)
		return nil
	}

	latest, ok := utils.SafeAssert[map[string]any](raw)
	if !ok || len(latest) == 0 {
		return nil
	}

	payload, _ := utils.SafeAssert[map[string]any](latest["prior_payload"])
	prior := decodePrior(payload)
	if prior == nil {
		return nil
	}

	prior.Source = proto.PriorSourceCached
	prior.PriorID = int64(utils.GetNumberOr(latest, "id", 0))
	if prior.GeneratedAt == "" {
		prior.GeneratedAt = utils.GetMapFieldOr(latest, "generated_at", "")
	}
	return prior
}

// generate derives a fresh prior from historical promotion cases and,
// when approval learning is on, human review feedback.
func (s *Service) generate(ctx context.Context, target proto.Target, approvalLearning bool) *proto.DecisionPrior {
	cases := s.fetchCases(ctx, target)

	var feedback []map[string]any
	if approvalLearning {
		feedback = s.fetchFeedback(ctx, target)
	}

	if len(cases) == 0 && len(feedback) == 0 {
		return nil
	}

	successful := 0
	for _, c := range cases {
		if utils.GetNumberOr(c, "avg_performance_ratio", 0) >= 1.0 {
			successful++
		}
	}
	successProbability := 0.5
	if len(cases) > 0 {
		successProbability = float64(successful) / float64(len(cases))
	}

	approved, rejected := 0, 0
	for _, f := range feedback {
		switch utils.GetMapFieldOr(f, "reviewer_outcome", "") {
		case "approved":
			approved++
		case "rejected":
			rejected++
		}
	}
	totalFeedback := approved + rejected
	approvalRate := 0.0
	hasApprovalRate := totalFeedback > 0
	if hasApprovalRate {
		approvalRate = float64(approved) / float64(totalFeedback)
	}

	avgDiscount := average(cases, "discount_value")
	avgMargin := average(cases, "margin_percent")
	avgRatio := average(cases, "avg_performance_ratio")

	riskFlags := make([]string, 0, 4)
	if successProbability < 0.40 {
		riskFlags = append(riskFlags, "historically_low_success")
	}
	if hasApprovalRate && approvalRate < 0.50 {
		riskFlags = append(riskFlags, "low_human_approval_rate")
	}
	if avgMargin != 0 && avgMargin < s.cfg.MinMarginPercent+2 {
		riskFlags = append(riskFlags, "margin_pressure")
	}
	if avgDiscount != 0 && avgDiscount > s.cfg.MaxDiscountPercent*0.8 {
		riskFlags = append(riskFlags, "discount_intensity_high")
	}

	confidence := 0.20 + float64(len(cases))*0.03 + float64(totalFeedback)*0.02
	if confidence > 0.95 {
		confidence = 0.95
	}

	var ratePtr *float64
	if hasApprovalRate {
		rounded := utils.RoundTo(approvalRate, 4)
		ratePtr = &rounded
	}

	return &proto.DecisionPrior{
		SuccessProbability: utils.RoundTo(successProbability, 4),
		ConfidenceScore:    utils.RoundTo(confidence, 4),
		ExpectedROIBand:    roiBand(avgRatio),
		RiskFlags:          riskFlags,
		RecommendedDiscountRange: proto.DiscountRange{
			MinPercent: utils.RoundTo(math.Max(0, avgDiscount-5), 2),
			MaxPercent: utils.RoundTo(math.Min(s.cfg.MaxDiscountPercent, avgDiscount+5), 2),
		},
		Evidence: proto.PriorEvidence{
			HistoricalCases:         len(cases),
			SuccessfulCases:         successful,
			ApprovalFeedbackSignals: totalFeedback,
			ApprovalRate:            ratePtr,
			AverageMarginPercent:    utils.RoundTo(avgMargin, 4),
			AverageDiscountPercent:  utils.RoundTo(avgDiscount, 4),
			AveragePerformanceRatio: utils.RoundTo(avgRatio, 4),
		},
		Source:      proto.PriorSourceGenerated,
		GeneratedAt: time.Now().Format(time.RFC3339),
	}
}

func (s *Service) fetchCases(ctx context.Context, target proto.Target) []map[string]any {
	raw, err := s.invoker.Invoke(ctx, "postgres", "get_historical_promotion_cases", map[string]any{
		"sku_id":   target.SKUID,
		"store_id": target.StoreID,
		"limit":    s.cfg.HistoryLimit,
	})
	if err != nil {
		s.logger.Warn("Failed historical case fetch: %v", err)
		return nil
	}
	return utils.GetListOfMaps(raw)
}

func (s *Service) fetchFeedback(ctx context.Context, target proto.Target) []map[string]any {
	raw, err := s.invoker.Invoke(ctx, "postgres", "get_approval_feedback", map[string]any{
		"sku_id":   target.SKUID,
		"store_id": target.StoreID,
		"days":     s.cfg.FeedbackDays,
		"limit":    s.cfg.FeedbackLimit,
	})
	if err != nil {
		s.logger.Warn("Failed approval feedback fetch: %v", err)
		return nil
	}
	return utils.GetListOfMaps(raw)
}

// persist writes the generated prior back to the audit store so later
// runs can reuse it without recomputation.
func (s *Service) persist(ctx context.Context, target proto.Target, prior *proto.DecisionPrior) {
	_, err := s.invoker.Invoke(ctx, "postgres", "create_decision_prior", map[string]any{
		"sku_id":              target.SKUID,
		"store_id":            target.StoreID,
		"success_probability": prior.SuccessProbability,
		"confidence_score":    prior.ConfidenceScore,
		"expected_roi_band":   prior.ExpectedROIBand,
		"risk_flags":          map[string]any{"flags": prior.RiskFlags},
		"prior_payload":       prior,
		"generated_by":        generatedBy,
	})
	if err != nil {
		s.logger.Warn("Failed to persist priors: %v", err)
	}
}

func cacheKey(target proto.Target) string {
	return fmt.Sprintf("repricer:prior:%d:%d", target.SKUID, target.StoreID)
}

// decodePrior converts a prior payload map back into the typed form via a
// JSON round trip.
func decodePrior(payload map[string]any) *proto.DecisionPrior {
	if len(payload) == 0 {
		return nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil
	}
	var prior proto.DecisionPrior
	if err := json.Unmarshal(raw, &prior); err != nil {
		return nil
	}
	return &prior
}

func average(rows []map[string]any, key string) float64 {
	if len(rows) == 0 {
		return 0
	}
	var sum float64
	for _, row := range rows {
		sum += utils.GetNumberOr(row, key, 0)
	}
	return sum / float64(len(rows))
}

func roiBand(ratio float64) string {
	switch {
	case ratio >= 1.2:
		return "high"
	case ratio >= 0.9:
		return "medium"
	default:
		return "low"
	}
}
