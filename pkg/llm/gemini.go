package llm

import (
	"context"
	"fmt"

	"google.golang.org/genai"
)

// GeminiClient implements Client against the Google GenAI API.
// Client creation requires a context, so it is deferred to the first call.
type GeminiClient struct {
	client *genai.Client
	apiKey string
	model  string
}

// NewGeminiClient creates a new Gemini client for the given model.
func NewGeminiClient(apiKey, model string) *GeminiClient {
	return &GeminiClient{
		client: nil, // Created on first use
		apiKey: apiKey,
		model:  model,
	}
}

// ModelName returns the configured model.
func (g *GeminiClient) ModelName() string {
	return g.model
}

// Complete implements the Client interface.
func (g *GeminiClient) Complete(ctx context.Context, req Request) (Response, error) {
	if g.client == nil {
		client, err := genai.NewClient(ctx, &genai.ClientConfig{
			APIKey:  g.apiKey,
			Backend: genai.BackendGeminiAPI,
		})
		if err != nil {
			return Response{}, fmt.Errorf("failed to create Gemini client: %w", err)
		}
		g.client = client
	}

	temperature := float32(req.Temperature)
	//nolint:gosec // MaxTokens is validated by config, overflow not reachable
	maxTokens := int32(req.MaxTokens)
	config := &genai.GenerateContentConfig{
		Temperature:     &temperature,
		MaxOutputTokens: maxTokens,
	}

	if req.System != "" {
		config.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: req.System}},
		}
	}

	contents := []*genai.Content{{
		Role:  "user",
		Parts: []*genai.Part{{Text: req.User}},
	}}

	result, err := g.client.Models.GenerateContent(ctx, g.model, contents, config)
	if err != nil {
		return Response{}, fmt.Errorf("gemini completion failed: %w", err)
	}

	if result == nil {
		return Response{}, ErrEmptyResponse
	}

	text := result.Text()
	if text == "" {
		return Response{}, ErrEmptyResponse
	}

	resp := Response{Text: text}
	if result.UsageMetadata != nil {
		resp.PromptTokens = int(result.UsageMetadata.PromptTokenCount)
		resp.CompletionTokens = int(result.UsageMetadata.CandidatesTokenCount)
	}

	return resp, nil
}
