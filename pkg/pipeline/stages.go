package pipeline

import (
	"context"
	"strings"
	"time"

	"repricer/pkg/ledger"
	"repricer/pkg/llm"
	"repricer/pkg/proto"
	"repricer/pkg/utils"
)

// CollectData gathers inventory, sales velocity, weather, competitor and
// social signals for the target. Each source failure is recorded in the
// state and the remaining sources are still collected.
func (s *Stages) CollectData(ctx context.Context, state *proto.PipelineState) (*proto.PipelineState, error) {
	s.logger.Info("Gathering data for SKU %d at store %d", state.SKUID, state.StoreID)

	state.Inventory = map[string]any{}
	if raw, err := s.invoker.Invoke(ctx, "postgres", "query_inventory_levels", map[string]any{
		"sku_id":   state.SKUID,
		"store_id": state.StoreID,
	}); err != nil {
		s.logger.Warn("Inventory query failed: %v", err)
		state.RecordErr(err)
	} else if rows := utils.GetListOfMaps(raw); len(rows) > 0 {
		state.Inventory = rows[0]
	}

	state.SellThrough = map[string]any{}
	if raw, err := s.invoker.Invoke(ctx, "postgres", "calculate_sell_through_rate", map[string]any{
		"sku_id":   state.SKUID,
		"store_id": state.StoreID,
		"days":     7,
	}); err != nil {
		s.logger.Warn("Sell-through query failed: %v", err)
		state.RecordErr(err)
	} else if m, ok := utils.SafeAssert[map[string]any](raw); ok {
		state.SellThrough = m
	}

	state.Weather = map[string]any{}
	if raw, err := s.invoker.Invoke(ctx, "weather", "get_current_weather", map[string]any{
		"location_id": state.StoreID,
	}); err != nil {
		s.logger.Warn("Weather lookup failed: %v", err)
		state.RecordErr(err)
	} else if m, ok := utils.SafeAssert[map[string]any](raw); ok {
		state.Weather = m
	}

	state.Competitors = []map[string]any{}
	if raw, err := s.invoker.Invoke(ctx, "competitor", "get_competitor_prices", map[string]any{
		"sku_id":      state.SKUID,
		"location_id": state.StoreID,
	}); err != nil {
		s.logger.Warn("Competitor lookup failed: %v", err)
		state.RecordErr(err)
	} else if rows := utils.GetListOfMaps(raw); rows != nil {
		state.Competitors = rows
	}

	// Social sentiment is keyed by category, so it needs inventory data.
	state.Social = map[string]any{}
	if len(state.Inventory) > 0 {
		category := utils.GetMapFieldOr(state.Inventory, "category", "food")
		if raw, err := s.invoker.Invoke(ctx, "social", "check_sku_sentiment", map[string]any{
			"sku_category": category,
		}); err != nil {
			s.logger.Warn("Social sentiment lookup failed: %v", err)
			state.RecordErr(err)
		} else if m, ok := utils.SafeAssert[map[string]any](raw); ok {
			state.Social = m
		}
	}

	s.recordDecision(ctx, decisionLog{
		agent:        AgentCollector,
		skuID:        state.SKUID,
		storeID:      state.StoreID,
		decisionType: "Collect Data",
		reasoning:    "Data collection completed",
		data: map[string]any{
			"inventory":  state.Inventory,
			"weather":    state.Weather,
			"competitor": state.Competitors,
			"social":     state.Social,
		},
		outcome: "no_action",
	})
	return state, nil
}

// AnalyzeMarket asks the model whether the collected data warrants a
// promotion. A reply that fails JSON validation is downgraded to a
// no-action verdict and flagged, never guessed at.
func (s *Stages) AnalyzeMarket(ctx context.Context, state *proto.PipelineState) (*proto.PipelineState, error) {
	s.logger.Info("Analyzing market conditions...")

	resp, err := s.llm.Complete(llm.WithStage(ctx, "market_analysis"), llm.Request{
		System:      analysisSystemPrompt,
		User:        analysisPrompt(state),
		MaxTokens:   s.cfg.LLM.MaxTokens,
		Temperature: s.cfg.LLM.Temperature,
	})
	if err != nil {
		s.logger.Warn("Market analysis failed: %v", err)
		state.RecordErr(err)
		return state, nil
	}

	s.usage.Record(ctx, ledger.Entry{
		AgentName:        AgentAnalyst,
		Operation:        "analyze_market_conditions",
		PromptTokens:     resp.PromptTokens,
		CompletionTokens: resp.CompletionTokens,
		SKUID:            state.SKUID,
		Context:          map[string]any{"store_id": state.StoreID},
	})

	analysis, parseErr := parseAnalysis(resp.Text)
	if parseErr != nil {
		s.logger.Warn("Analysis reply rejected: %v", parseErr)
		analysis = &proto.MarketAnalysis{
			ShouldAct:   false,
			Reasoning:   resp.Text,
			ParseFailed: true,
		}
	}
	state.Analysis = analysis

	outcome := "no_action"
	if analysis.ShouldAct {
		outcome = "act"
	}
	if analysis.ParseFailed {
		outcome = "analysis_parse_failure"
	}

	s.recordDecision(ctx, decisionLog{
		agent:        AgentAnalyst,
		skuID:        state.SKUID,
		storeID:      state.StoreID,
		decisionType: "market_analysis",
		reasoning:    truncate(resp.Text, 500),
		data: map[string]any{
			"inventory_status": state.Inventory["stock_status"],
			"temperature":      state.Weather["temperature_celsius"],
			"competitor_count": len(state.Competitors),
		},
		outcome: outcome,
	})

	if analysis.ShouldAct {
		s.logger.Info("Decision: ACT")
	} else {
		s.logger.Info("Decision: NO ACTION")
	}
	return state, nil
}

// LoadDecisionPriors injects reusable behavioral priors into the run. With
// learning disabled or no evidence available the run proceeds without
// priors.
func (s *Stages) LoadDecisionPriors(ctx context.Context, state *proto.PipelineState) (*proto.PipelineState, error) {
	flags := s.cfg.Features
	if !flags.DecisionLearning {
		return state, nil
	}

	s.logger.Info("Loading behavioral priors...")
	state.Priors = s.priors.LoadPriors(ctx, state.Target(), flags)

	reasoning := "No priors available; fallback to baseline strategy."
	outcome := "fallback_no_priors"
	source := "none"
	riskFlags := []string{}
	if state.Priors != nil {
		reasoning = "Loaded decision priors from behavioral memory."
		outcome = "priors_loaded"
		source = state.Priors.Source
		riskFlags = state.Priors.RiskFlags
	}

	s.recordDecision(ctx, decisionLog{
		agent:        AgentLearning,
		skuID:        state.SKUID,
		storeID:      state.StoreID,
		decisionType: "decision_priors",
		reasoning:    reasoning,
		data: map[string]any{
			"priors_available": state.Priors != nil,
			"prior_source":     source,
			"risk_flags":       riskFlags,
		},
		outcome: outcome,
	})
	return state, nil
}

// DesignPricing computes the promotional price point. The model supplies
// the rationale; the price itself comes from a deterministic rule so a
// creative reply can never break the margin floor.
func (s *Stages) DesignPricing(ctx context.Context, state *proto.PipelineState) (*proto.PipelineState, error) {
	s.logger.Info("Designing pricing strategy...")

	basePrice := utils.GetNumberOr(state.Inventory, "base_price", 5.99)
	if basePrice == 0 {
		basePrice = 5.99
	}
	baseCost := utils.GetNumberOr(state.Inventory, "base_cost", 3.50)

	lowest := basePrice
	if len(state.Competitors) > 0 {
		lowest = utils.GetNumberOr(state.Competitors[0], "price", 999)
		for _, comp := range state.Competitors[1:] {
			if p := utils.GetNumberOr(comp, "price", 999); p < lowest {
				lowest = p
			}
		}
	}

	reasoning := ""
	if state.Analysis != nil {
		reasoning = state.Analysis.Reasoning
	}
	minMargin := s.cfg.Agent.MinMarginPercent
	prompt := pricingPrompt(basePrice, baseCost, lowest, minMargin, s.cfg.Agent.MaxDiscountPercent, reasoning)

	resp, err := s.llm.Complete(llm.WithStage(ctx, "pricing_strategy"), llm.Request{
		System:      pricingSystemPrompt,
		User:        prompt,
		MaxTokens:   s.cfg.LLM.MaxTokens,
		Temperature: s.cfg.LLM.Temperature,
	})
	if err != nil {
		s.logger.Warn("Pricing strategy failed: %v", err)
		state.RecordErr(err)
		return state, nil
	}

	s.usage.Record(ctx, ledger.Entry{
		AgentName:        AgentPricing,
		Operation:        "calculate_optimal_price",
		PromptTokens:     resp.PromptTokens,
		CompletionTokens: resp.CompletionTokens,
		SKUID:            state.SKUID,
	})

	// Undercut the cheapest competitor slightly, then enforce the floor.
	target := lowest * 0.95
	margin := (target - baseCost) / target * 100
	if margin < minMargin {
		target = baseCost / (1 - minMargin/100)
		margin = minMargin
	}
	discount := (basePrice - target) / basePrice * 100

	state.Strategy = &proto.PricingStrategy{
		OriginalPrice:    basePrice,
		PromotionalPrice: utils.RoundTo(target, 2),
		DiscountPercent:  utils.RoundTo(discount, 1),
		MarginPercent:    utils.RoundTo(margin, 2),
		Reasoning:        truncate(resp.Text, 300),
	}

	s.logger.Info("Price: $%.2f (margin %.1f%%)", target, margin)
	return state, nil
}

// DesignPromotion assembles the full offer around the price point: type,
// validity window, expected volume and revenue.
func (s *Stages) DesignPromotion(ctx context.Context, state *proto.PipelineState) (*proto.PipelineState, error) {
	s.logger.Info("Designing promotion...")

	isExtremeWeather := utils.GetMapFieldOr(state.Weather, "is_extreme", false)
	hasSocialBuzz := utils.GetMapFieldOr(state.Social, "has_buzz", false)

	promoType := proto.PromotionDiscount
	if isExtremeWeather || hasSocialBuzz {
		promoType = proto.PromotionFlashSale
	}
	duration := s.cfg.Promotion.DurationFor(promoType)
	validFrom := time.Now()
	validUntil := validFrom.Add(duration)

	avgDaily := utils.GetNumberOr(state.SellThrough, "avg_daily_sales", 10)
	multiplier := 1.5
	if promoType == proto.PromotionFlashSale {
		multiplier = 2.5
	}
	expectedUnits := int(avgDaily * multiplier * (duration.Hours() / 24))

	discountValue := 20.0
	originalPrice := 6.99
	promoPrice := 5.99
	marginPercent := 15.0
	reasoning := "Market opportunity detected"
	if state.Strategy != nil {
		discountValue = state.Strategy.DiscountPercent
		originalPrice = state.Strategy.OriginalPrice
		promoPrice = state.Strategy.PromotionalPrice
		marginPercent = state.Strategy.MarginPercent
		reasoning = state.Strategy.Reasoning
	}

	state.Design = &proto.PromotionDesign{
		PromotionType:     promoType,
		DiscountType:      proto.DiscountTypePercentage,
		DiscountValue:     discountValue,
		OriginalPrice:     originalPrice,
		PromotionalPrice:  promoPrice,
		MarginPercent:     marginPercent,
		ValidFrom:         validFrom,
		ValidUntil:        validUntil,
		TargetRadiusKM:    s.cfg.Promotion.TargetRadiusKM,
		ExpectedUnitsSold: expectedUnits,
		ExpectedRevenue:   utils.RoundTo(float64(expectedUnits)*promoPrice, 2),
		Reason:            strings.ToUpper(string(promoType)) + ": " + reasoning,
	}

	s.logger.Info("%s for %.0fh, expect %d units",
		strings.ToUpper(string(promoType)), duration.Hours(), expectedUnits)

	s.recordDecision(ctx, decisionLog{
		agent:        AgentDesigner,
		skuID:        state.SKUID,
		storeID:      state.StoreID,
		decisionType: "promotion_design",
		reasoning:    "Promotion designed based on pricing strategy",
		data: map[string]any{
			"pricing_strategy": state.Strategy,
			"weather_data":     state.Weather,
			"social_data":      state.Social,
		},
		outcome: "no_action",
	})
	return state, nil
}
