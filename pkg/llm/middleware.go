package llm

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	"repricer/pkg/config"
	"repricer/pkg/logx"
	"repricer/pkg/metrics"
	"repricer/pkg/utils"
)

const (
	statusSuccess = "success"
	statusError   = "error"
)

// WithMetrics returns a middleware that records latency, token usage and
// estimated cost for every completion. Providers that do not report usage
// get a tokenizer-based estimate patched into the response so downstream
// accounting always sees non-zero counts for non-empty text.
func WithMetrics(recorder metrics.Recorder, logger *logx.Logger) Middleware {
	if recorder == nil {
		recorder = metrics.Nop()
	}

	return func(next Client) Client {
		return WrapClient(
			func(ctx context.Context, req Request) (Response, error) {
				start := time.Now()
				resp, err := next.Complete(ctx, req)
				duration := time.Since(start)

				model := next.ModelName()
				stage := StageFromContext(ctx)

				if err == nil && resp.PromptTokens == 0 && resp.CompletionTokens == 0 {
					resp.PromptTokens = utils.CountTokensSimple(req.System + "\n" + req.User)
					resp.CompletionTokens = utils.CountTokensSimple(resp.Text)
				}

				cost := 0.0
				if err == nil {
					cost = config.CalculateCost(model, resp.PromptTokens, resp.CompletionTokens)
				}

				recorder.ObserveRequest(model, stage, resp.PromptTokens, resp.CompletionTokens, cost, err == nil, duration)

				if logger != nil {
					status := statusSuccess
					if err != nil {
						status = statusError
					}
					logger.Info("LLM request: model=%s stage=%s tokens=%d+%d=%d status=%s duration=%dms",
						model, stage, resp.PromptTokens, resp.CompletionTokens,
						resp.PromptTokens+resp.CompletionTokens, status, duration.Milliseconds())
				}

				return resp, err //nolint:wrapcheck // Middleware passes through errors unchanged
			},
			next.ModelName,
		)
	}
}

// WithRateLimit returns a middleware that throttles completions to at most
// requestsPerMinute. Waiting respects context cancellation.
func WithRateLimit(requestsPerMinute int, recorder metrics.Recorder) Middleware {
	if recorder == nil {
		recorder = metrics.Nop()
	}

	var limiter *rate.Limiter
	if requestsPerMinute > 0 {
		limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(requestsPerMinute)), 1)
	}

	return func(next Client) Client {
		return WrapClient(
			func(ctx context.Context, req Request) (Response, error) {
				if limiter != nil {
					waitStart := time.Now()
					if err := limiter.Wait(ctx); err != nil {
						recorder.IncThrottle(next.ModelName(), "rate_limit")
						return Response{}, err //nolint:wrapcheck // Middleware passes through errors unchanged
					}
					recorder.ObserveQueueWait(next.ModelName(), time.Since(waitStart))
				}
				return next.Complete(ctx, req)
			},
			next.ModelName,
		)
	}
}
