package llm

import (
	"fmt"

	"repricer/pkg/config"
	"repricer/pkg/logx"
	"repricer/pkg/metrics"
)

// NewForModel creates a raw provider client for the given model name.
// The API key is resolved from stored secrets or environment variables
// based on the model's provider.
func NewForModel(model string) (Client, error) {
	provider, err := config.GetModelProvider(model)
	if err != nil {
		return nil, fmt.Errorf("failed to determine provider for model %s: %w", model, err)
	}

	apiKey, err := config.GetAPIKey(provider)
	if err != nil {
		return nil, fmt.Errorf("failed to get API key for provider %s: %w", provider, err)
	}

	switch provider {
	case config.ProviderAnthropic:
		return NewAnthropicClient(apiKey, model), nil
	case config.ProviderOpenAI:
		return NewOpenAIClient(apiKey, model), nil
	case config.ProviderGoogle:
		return NewGeminiClient(apiKey, model), nil
	case config.ProviderOllama:
		return NewOllamaClient(apiKey, model)
	default:
		return nil, fmt.Errorf("unsupported provider: %s", provider)
	}
}

// New creates a provider client for cfg.Model wrapped with the standard
// middleware chain:
//
//	Metrics -> RateLimit -> RawClient
func New(cfg config.LLMConfig, recorder metrics.Recorder, logger *logx.Logger) (Client, error) {
	raw, err := NewForModel(cfg.Model)
	if err != nil {
		return nil, err
	}

	return Chain(raw,
		WithMetrics(recorder, logger),
		WithRateLimit(cfg.RequestsPerMinute, recorder),
	), nil
}
