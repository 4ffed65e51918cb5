package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"repricer/pkg/config"
	"repricer/pkg/ledger"
	"repricer/pkg/llm"
	"repricer/pkg/proto"
	"repricer/pkg/tools"
)

// stubPriors is a canned PriorLoader.
type stubPriors struct {
	prior     *proto.DecisionPrior
	calls     int
	lastFlags proto.FeatureFlags
}

func (s *stubPriors) LoadPriors(_ context.Context, _ proto.Target, flags proto.FeatureFlags) *proto.DecisionPrior {
	s.calls++
	s.lastFlags = flags
	return s.prior
}

// stageFixture wires a Stages value over scripted dependencies. The audit
// sinks are pre-scripted so tests only script the data-bearing calls.
type stageFixture struct {
	stages  *Stages
	invoker *tools.FakeInvoker
	llm     *llm.MockClient
	priors  *stubPriors
	cfg     *config.Config
}

func newFixture() *stageFixture {
	invoker := tools.NewFakeInvoker()
	invoker.Script("postgres", "log_agent_decision", map[string]any{"id": 1})
	invoker.Script("postgres", "log_token_usage", map[string]any{"id": 1})

	client := llm.NewMockClient()
	priors := &stubPriors{}
	cfg := config.DefaultConfig()
	usage := ledger.New(invoker, cfg.LLM.Model)

	return &stageFixture{
		stages:  NewStages(invoker, client, priors, usage, cfg),
		invoker: invoker,
		llm:     client,
		priors:  priors,
		cfg:     cfg,
	}
}

func newRunState(t *testing.T) *proto.PipelineState {
	t.Helper()
	state, err := proto.NewPipelineState(4, 2)
	require.NoError(t, err)
	return state
}

func decisionRows(f *stageFixture) []tools.FakeCall {
	return f.invoker.CallsTo("postgres", "log_agent_decision")
}

func TestCollectDataGathersAllSources(t *testing.T) {
	f := newFixture()
	f.invoker.Script("postgres", "query_inventory_levels", []any{map[string]any{
		"category":     "beverages",
		"quantity":     480.0,
		"stock_status": "overstock",
		"base_price":   6.99,
		"base_cost":    3.10,
	}})
	f.invoker.Script("postgres", "calculate_sell_through_rate", map[string]any{"avg_daily_sales": 12.5})
	f.invoker.Script("weather", "get_current_weather", map[string]any{
		"temperature_celsius": 34.0, "condition": "heatwave", "is_extreme": true,
	})
	f.invoker.Script("competitor", "get_competitor_prices", []any{map[string]any{
		"competitor_name": "FreshMart", "price": 6.49, "promotion": true,
	}})
	f.invoker.Script("social", "check_sku_sentiment", map[string]any{
		"has_buzz": true, "overall_sentiment": 72.0,
	})

	state, err := f.stages.CollectData(context.Background(), newRunState(t))
	require.NoError(t, err)

	assert.Equal(t, "overstock", state.Inventory["stock_status"])
	assert.Equal(t, 12.5, state.SellThrough["avg_daily_sales"])
	assert.Equal(t, true, state.Weather["is_extreme"])
	require.Len(t, state.Competitors, 1)
	assert.Equal(t, "FreshMart", state.Competitors[0]["competitor_name"])
	assert.Equal(t, true, state.Social["has_buzz"])
	assert.Empty(t, state.Err)

	// Sentiment is looked up under the inventory row's category.
	social := f.invoker.CallsTo("social", "check_sku_sentiment")
	require.Len(t, social, 1)
	assert.Equal(t, "beverages", social[0].Params["sku_category"])

	rows := decisionRows(f)
	require.Len(t, rows, 1)
	assert.Equal(t, AgentCollector, rows[0].Params["agent_name"])
	assert.Equal(t, "Collect Data", rows[0].Params["decision_type"])
	assert.Equal(t, "no_action", rows[0].Params["decision_outcome"])
	assert.Equal(t, 4, rows[0].Params["sku_id"])
	assert.Equal(t, 2, rows[0].Params["store_id"])
}

func TestCollectDataToleratesSourceFailures(t *testing.T) {
	f := newFixture()
	f.invoker.Script("postgres", "query_inventory_levels", []any{map[string]any{
		"category": "snacks", "stock_status": "normal",
	}})
	f.invoker.Script("postgres", "calculate_sell_through_rate", map[string]any{"avg_daily_sales": 4.0})
	f.invoker.ScriptError("weather", "get_current_weather", errors.New("weather service down"))
	f.invoker.Script("competitor", "get_competitor_prices", []any{})
	f.invoker.Script("social", "check_sku_sentiment", map[string]any{"has_buzz": false})

	state, err := f.stages.CollectData(context.Background(), newRunState(t))
	require.NoError(t, err)

	assert.Equal(t, "normal", state.Inventory["stock_status"])
	assert.Empty(t, state.Weather)
	assert.Equal(t, "weather service down", state.Err)
	// The remaining sources were still collected.
	assert.Equal(t, false, state.Social["has_buzz"])
	assert.Len(t, decisionRows(f), 1)
}

func TestCollectDataSkipsSocialWithoutInventory(t *testing.T) {
	f := newFixture()
	f.invoker.Script("postgres", "query_inventory_levels", []any{})
	f.invoker.Script("postgres", "calculate_sell_through_rate", map[string]any{"avg_daily_sales": 4.0})
	f.invoker.Script("weather", "get_current_weather", map[string]any{"condition": "clear"})
	f.invoker.Script("competitor", "get_competitor_prices", []any{})
	f.invoker.Script("social", "check_sku_sentiment", map[string]any{"has_buzz": true})

	state, err := f.stages.CollectData(context.Background(), newRunState(t))
	require.NoError(t, err)

	assert.Empty(t, f.invoker.CallsTo("social", "check_sku_sentiment"))
	assert.NotNil(t, state.Social)
	assert.Empty(t, state.Social)
}

func TestAnalyzeMarketActVerdict(t *testing.T) {
	f := newFixture()
	f.llm.Enqueue(validAnalysisReply)

	state := newRunState(t)
	state.Inventory = map[string]any{"quantity": 480.0, "stock_status": "overstock"}
	state.Weather = map[string]any{"temperature_celsius": 34.0}

	state, err := f.stages.AnalyzeMarket(context.Background(), state)
	require.NoError(t, err)

	require.NotNil(t, state.Analysis)
	assert.True(t, state.Analysis.ShouldAct)
	assert.False(t, state.Analysis.ParseFailed)
	assert.InDelta(t, 85.0, state.Analysis.OpportunityScore, 0.0001)

	require.Len(t, f.llm.Requests, 1)
	assert.Equal(t, analysisSystemPrompt, f.llm.Requests[0].System)
	assert.Contains(t, f.llm.Requests[0].User, "Stock Status: overstock")
	assert.Contains(t, f.llm.Requests[0].User, "Decision Criteria")
	assert.Equal(t, f.cfg.LLM.MaxTokens, f.llm.Requests[0].MaxTokens)

	usage := f.invoker.CallsTo("postgres", "log_token_usage")
	require.Len(t, usage, 1)
	assert.Equal(t, AgentAnalyst, usage[0].Params["agent_name"])
	assert.Equal(t, "analyze_market_conditions", usage[0].Params["operation"])

	rows := decisionRows(f)
	require.Len(t, rows, 1)
	assert.Equal(t, "act", rows[0].Params["decision_outcome"])
}

func TestAnalyzeMarketParseFailureNeverActs(t *testing.T) {
	f := newFixture()
	f.llm.Enqueue("The market looks great, you should definitely run a promotion!")

	state, err := f.stages.AnalyzeMarket(context.Background(), newRunState(t))
	require.NoError(t, err)

	require.NotNil(t, state.Analysis)
	assert.False(t, state.Analysis.ShouldAct)
	assert.True(t, state.Analysis.ParseFailed)
	assert.Equal(t, "The market looks great, you should definitely run a promotion!", state.Analysis.Reasoning)

	rows := decisionRows(f)
	require.Len(t, rows, 1)
	assert.Equal(t, "analysis_parse_failure", rows[0].Params["decision_outcome"])
	// The reply still cost tokens and is still accounted for.
	assert.Len(t, f.invoker.CallsTo("postgres", "log_token_usage"), 1)
}

func TestAnalyzeMarketModelFailure(t *testing.T) {
	f := newFixture()
	f.llm.EnqueueError(errors.New("rate limited"))

	state, err := f.stages.AnalyzeMarket(context.Background(), newRunState(t))
	require.NoError(t, err)

	assert.Nil(t, state.Analysis)
	assert.Equal(t, "rate limited", state.Err)
	assert.Empty(t, f.invoker.CallsTo("postgres", "log_token_usage"))
	assert.Empty(t, decisionRows(f))
}

func TestLoadDecisionPriorsDisabled(t *testing.T) {
	f := newFixture()
	f.cfg.Features.DecisionLearning = false

	state, err := f.stages.LoadDecisionPriors(context.Background(), newRunState(t))
	require.NoError(t, err)

	assert.Zero(t, f.priors.calls)
	assert.Nil(t, state.Priors)
	assert.Empty(t, decisionRows(f))
}

func TestLoadDecisionPriorsOutcomes(t *testing.T) {
	prior := &proto.DecisionPrior{
		SuccessProbability: 0.72,
		Source:             proto.PriorSourceCached,
		RiskFlags:          []string{"low_sample_size"},
	}

	cases := []struct {
		name        string
		prior       *proto.DecisionPrior
		wantOutcome string
		wantSource  string
	}{
		{name: "priors loaded", prior: prior, wantOutcome: "priors_loaded", wantSource: proto.PriorSourceCached},
		{name: "no priors available", prior: nil, wantOutcome: "fallback_no_priors", wantSource: "none"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture()
			f.priors.prior = tc.prior

			state, err := f.stages.LoadDecisionPriors(context.Background(), newRunState(t))
			require.NoError(t, err)

			assert.Equal(t, 1, f.priors.calls)
			assert.Equal(t, f.cfg.Features, f.priors.lastFlags)
			assert.Equal(t, tc.prior, state.Priors)

			rows := decisionRows(f)
			require.Len(t, rows, 1)
			assert.Equal(t, AgentLearning, rows[0].Params["agent_name"])
			assert.Equal(t, tc.wantOutcome, rows[0].Params["decision_outcome"])

			data, ok := rows[0].Params["data_used"].(map[string]any)
			require.True(t, ok)
			assert.Equal(t, tc.prior != nil, data["priors_available"])
			assert.Equal(t, tc.wantSource, data["prior_source"])
		})
	}
}

func TestDesignPricingUndercutsCheapestCompetitor(t *testing.T) {
	f := newFixture()
	f.llm.Enqueue("Price at $7.60 to undercut FreshMart while holding margin.")

	state := newRunState(t)
	state.Inventory = map[string]any{"base_price": 10.0, "base_cost": 4.0}
	state.Competitors = []map[string]any{
		{"competitor_name": "MegaMart", "price": 9.0},
		{"competitor_name": "FreshMart", "price": 8.0},
	}

	state, err := f.stages.DesignPricing(context.Background(), state)
	require.NoError(t, err)

	require.NotNil(t, state.Strategy)
	// 95% of the cheapest competitor: 8.00 * 0.95.
	assert.InDelta(t, 7.60, state.Strategy.PromotionalPrice, 0.0001)
	assert.InDelta(t, 24.0, state.Strategy.DiscountPercent, 0.0001)
	assert.InDelta(t, 47.37, state.Strategy.MarginPercent, 0.0001)
	assert.InDelta(t, 10.0, state.Strategy.OriginalPrice, 0.0001)
	assert.Equal(t, "Price at $7.60 to undercut FreshMart while holding margin.", state.Strategy.Reasoning)

	require.Len(t, f.llm.Requests, 1)
	assert.Equal(t, pricingSystemPrompt, f.llm.Requests[0].System)
	assert.Contains(t, f.llm.Requests[0].User, "Lowest Competitor: $8.00")

	usage := f.invoker.CallsTo("postgres", "log_token_usage")
	require.Len(t, usage, 1)
	assert.Equal(t, "calculate_optimal_price", usage[0].Params["operation"])
}

func TestDesignPricingEnforcesMarginFloor(t *testing.T) {
	f := newFixture()
	f.llm.Enqueue("Competitors are selling below our cost.")

	state := newRunState(t)
	state.Inventory = map[string]any{"base_price": 10.0, "base_cost": 3.5}
	state.Competitors = []map[string]any{{"competitor_name": "Discounter", "price": 3.0}}

	state, err := f.stages.DesignPricing(context.Background(), state)
	require.NoError(t, err)

	require.NotNil(t, state.Strategy)
	// Undercutting 3.00 would sell below cost; the floor price wins.
	assert.InDelta(t, 3.89, state.Strategy.PromotionalPrice, 0.0001)
	assert.InDelta(t, 10.0, state.Strategy.MarginPercent, 0.0001)
	assert.InDelta(t, 61.1, state.Strategy.DiscountPercent, 0.0001)
}

func TestDesignPricingDefaultsWithoutMarketData(t *testing.T) {
	f := newFixture()
	f.llm.Enqueue("No market data; conservative discount.")

	state, err := f.stages.DesignPricing(context.Background(), newRunState(t))
	require.NoError(t, err)

	require.NotNil(t, state.Strategy)
	assert.InDelta(t, 5.99, state.Strategy.OriginalPrice, 0.0001)
	assert.InDelta(t, 5.69, state.Strategy.PromotionalPrice, 0.0001)
	assert.InDelta(t, 5.0, state.Strategy.DiscountPercent, 0.0001)
}

func TestDesignPricingModelFailureLeavesNoStrategy(t *testing.T) {
	f := newFixture()
	f.llm.EnqueueError(errors.New("model unavailable"))

	state, err := f.stages.DesignPricing(context.Background(), newRunState(t))
	require.NoError(t, err)

	assert.Nil(t, state.Strategy)
	assert.Equal(t, "model unavailable", state.Err)
	assert.Empty(t, f.invoker.CallsTo("postgres", "log_token_usage"))
}

func TestDesignPromotionFlashSaleOnExtremeWeather(t *testing.T) {
	f := newFixture()

	state := newRunState(t)
	state.Weather = map[string]any{"is_extreme": true}
	state.SellThrough = map[string]any{"avg_daily_sales": 12.0}
	state.Strategy = &proto.PricingStrategy{
		OriginalPrice:    10.0,
		PromotionalPrice: 7.60,
		DiscountPercent:  24.0,
		MarginPercent:    47.37,
		Reasoning:        "Undercut rationale",
	}

	state, err := f.stages.DesignPromotion(context.Background(), state)
	require.NoError(t, err)

	design := state.Design
	require.NotNil(t, design)
	assert.Equal(t, proto.PromotionFlashSale, design.PromotionType)
	assert.Equal(t, proto.DiscountTypePercentage, design.DiscountType)
	assert.Equal(t, 2*time.Hour, design.ValidUntil.Sub(design.ValidFrom))
	// 12 units/day at the 2.5x flash multiplier over a 2h window.
	assert.Equal(t, 2, design.ExpectedUnitsSold)
	assert.InDelta(t, 15.20, design.ExpectedRevenue, 0.0001)
	assert.InDelta(t, 24.0, design.DiscountValue, 0.0001)
	assert.InDelta(t, f.cfg.Promotion.TargetRadiusKM, design.TargetRadiusKM, 0.0001)
	assert.Equal(t, "FLASH_SALE: Undercut rationale", design.Reason)

	rows := decisionRows(f)
	require.Len(t, rows, 1)
	assert.Equal(t, AgentDesigner, rows[0].Params["agent_name"])
	assert.Equal(t, "promotion_design", rows[0].Params["decision_type"])
}

func TestDesignPromotionDefaultsWithoutStrategy(t *testing.T) {
	f := newFixture()

	state, err := f.stages.DesignPromotion(context.Background(), newRunState(t))
	require.NoError(t, err)

	design := state.Design
	require.NotNil(t, design)
	assert.Equal(t, proto.PromotionDiscount, design.PromotionType)
	assert.Equal(t, 24*time.Hour, design.ValidUntil.Sub(design.ValidFrom))
	assert.InDelta(t, 20.0, design.DiscountValue, 0.0001)
	assert.InDelta(t, 6.99, design.OriginalPrice, 0.0001)
	assert.InDelta(t, 5.99, design.PromotionalPrice, 0.0001)
	// 10 units/day default at the 1.5x multiplier over 24h.
	assert.Equal(t, 15, design.ExpectedUnitsSold)
	assert.InDelta(t, 89.85, design.ExpectedRevenue, 0.0001)
	assert.Equal(t, "DISCOUNT: Market opportunity detected", design.Reason)
}
