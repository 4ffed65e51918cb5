package pipeline

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"repricer/pkg/proto"
)

// analysisReplySchema is the contract the analyst model must satisfy before
// its reply is trusted to drive routing.
const analysisReplySchema = `{
	"type": "object",
	"required": ["should_act", "reasoning", "opportunity_score", "key_factors"],
	"properties": {
		"should_act": {"type": "boolean"},
		"reasoning": {"type": "string"},
		"opportunity_score": {"type": "number", "minimum": 0, "maximum": 100},
		"key_factors": {"type": "array", "items": {"type": "string"}}
	}
}`

var analysisSchema = jsonschema.MustCompileString("analysis.json", analysisReplySchema)

// parseAnalysis decodes and validates the analyst reply. Callers treat a
// non-nil error as "do not act": an unparsable reply never creates a
// promotion.
func parseAnalysis(text string) (*proto.MarketAnalysis, error) {
	raw := extractJSON(text)

	var doc any
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return nil, fmt.Errorf("analysis reply is not JSON: %w", err)
	}
	if err := analysisSchema.Validate(doc); err != nil {
		return nil, fmt.Errorf("analysis reply failed validation: %w", err)
	}

	var analysis proto.MarketAnalysis
	if err := json.Unmarshal([]byte(raw), &analysis); err != nil {
		return nil, fmt.Errorf("analysis reply did not decode: %w", err)
	}
	return &analysis, nil
}

// extractJSON returns the JSON object embedded in a model reply, stripping
// a markdown code fence and any surrounding prose.
func extractJSON(text string) string {
	trimmed := strings.TrimSpace(text)
	if strings.HasPrefix(trimmed, "```") {
		trimmed = strings.TrimPrefix(trimmed, "```json")
		trimmed = strings.TrimPrefix(trimmed, "```")
		if end := strings.LastIndex(trimmed, "```"); end >= 0 {
			trimmed = trimmed[:end]
		}
		trimmed = strings.TrimSpace(trimmed)
	}
	if !strings.HasPrefix(trimmed, "{") {
		start := strings.Index(trimmed, "{")
		end := strings.LastIndex(trimmed, "}")
		if start >= 0 && end > start {
			trimmed = trimmed[start : end+1]
		}
	}
	return trimmed
}
