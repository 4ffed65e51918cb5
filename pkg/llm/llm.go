// Package llm provides the language model clients used by the analysis and
// pricing stages. A client answers one system+user prompt pair per call and
// reports token usage for cost accounting.
package llm

import (
	"context"
	"errors"
)

// Request is a single completion request. System may be empty.
type Request struct {
	System      string
	User        string
	MaxTokens   int
	Temperature float64
}

// Response carries the completion text and the token usage the provider
// reported. Providers that do not report usage leave the counts at zero and
// the metrics middleware estimates them.
type Response struct {
	Text             string
	PromptTokens     int
	CompletionTokens int
}

// Client is the completion interface the pipeline stages depend on.
type Client interface {
	Complete(ctx context.Context, req Request) (Response, error)
	ModelName() string
}

// ErrEmptyResponse indicates the provider returned no usable text.
var ErrEmptyResponse = errors.New("llm: empty response")

type stageKey struct{}

// WithStage tags a context with the pipeline stage making the call, so the
// metrics middleware can label the request.
func WithStage(ctx context.Context, stage string) context.Context {
	return context.WithValue(ctx, stageKey{}, stage)
}

// StageFromContext returns the stage label for a request, or "unknown".
func StageFromContext(ctx context.Context) string {
	if stage, ok := ctx.Value(stageKey{}).(string); ok && stage != "" {
		return stage
	}
	return "unknown"
}
