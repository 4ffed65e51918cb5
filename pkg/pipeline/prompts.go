package pipeline

import (
	"fmt"
	"strings"

	"repricer/pkg/proto"
	"repricer/pkg/utils"
)

const (
	analysisSystemPrompt = "You are an expert market analyst for retail pricing. Analyze data and make decisions."
	pricingSystemPrompt  = "You are a pricing strategy expert. Calculate optimal prices with margin safety."
)

const analysisPromptTemplate = `Analyze the following market data and determine if we should take action (create a promotion):

**Inventory Status:**
- Current Stock: %v units
- Stock Status: %s
- 7-Day Sell-Through: %v units/day

**Weather Conditions:**
- Temperature: %v°C
- Condition: %s
- Extreme Weather: %t

**Competitor Pricing:**
%s

**Social Trends:**
- Has Buzz: %t
- Sentiment Score: %v/100
- Trending Topics: %v

**Decision Criteria:**
1. Excess inventory (>80%% capacity) + demand opportunity = CREATE PROMOTION
2. Low sell-through + favorable conditions = CREATE PROMOTION
3. Competitor promotion + we're overpriced = CREATE PROMOTION
4. Otherwise = NO ACTION

Respond with JSON:
{
    "should_act": true/false,
    "reasoning": "explanation",
    "opportunity_score": 0-100,
    "key_factors": ["factor1", "factor2"]
}`

const pricingPromptTemplate = `Design an optimal pricing strategy:

**Current Situation:**
- Our Base Price: $%.2f
- Our Cost: $%.2f
- Lowest Competitor: $%.2f
- Min Margin Required: %v%%
- Max Discount Allowed: %v%%

**Market Analysis:**
%s

Calculate the optimal promotional price that:
1. Maintains minimum margin of %v%%
2. Is competitive with market
3. Maximizes both volume and profit

Respond with JSON:
{
    "promotional_price": 0.00,
    "discount_percent": 0,
    "expected_margin": 0,
    "reasoning": "explanation"
}`

// analysisPrompt renders the market snapshot the analyst model decides on.
func analysisPrompt(state *proto.PipelineState) string {
	return fmt.Sprintf(analysisPromptTemplate,
		utils.GetNumberOr(state.Inventory, "quantity", 0),
		utils.GetMapFieldOr(state.Inventory, "stock_status", "unknown"),
		utils.GetNumberOr(state.SellThrough, "avg_daily_sales", 0),
		utils.GetNumberOr(state.Weather, "temperature_celsius", 0),
		utils.GetMapFieldOr(state.Weather, "condition", "unknown"),
		utils.GetMapFieldOr(state.Weather, "is_extreme", false),
		formatCompetitors(state.Competitors),
		utils.GetMapFieldOr(state.Social, "has_buzz", false),
		utils.GetNumberOr(state.Social, "overall_sentiment", 50),
		utils.GetMapFieldOr(state.Social, "trending_topics", []any{}),
	)
}

// pricingPrompt renders the pricing situation for the strategy model.
// analysisReasoning is the analyst's free-text rationale.
func pricingPrompt(basePrice, baseCost, lowestCompetitor, minMargin, maxDiscount float64, analysisReasoning string) string {
	if analysisReasoning == "" {
		analysisReasoning = "Action recommended"
	}
	return fmt.Sprintf(pricingPromptTemplate,
		basePrice, baseCost, lowestCompetitor,
		minMargin, maxDiscount,
		analysisReasoning,
		minMargin,
	)
}

// formatCompetitors lists up to three competitor prices for the prompt.
func formatCompetitors(competitors []map[string]any) string {
	if len(competitors) == 0 {
		return "No competitor data available"
	}
	top := competitors
	if len(top) > 3 {
		top = top[:3]
	}
	lines := make([]string, 0, len(top))
	for _, comp := range top {
		tag := "Regular"
		if p, ok := comp["promotion"]; ok && p != nil && p != false {
			tag = "PROMO"
		}
		lines = append(lines, fmt.Sprintf("- %v: $%.2f (%s)",
			comp["competitor_name"], utils.GetNumberOr(comp, "price", 0), tag))
	}
	return strings.Join(lines, "\n")
}
