package llm

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// captureRecorder records observations for assertions.
type captureRecorder struct {
	mu        sync.Mutex
	requests  []capturedRequest
	throttles []string
	waits     int
}

type capturedRequest struct {
	model            string
	stage            string
	promptTokens     int
	completionTokens int
	cost             float64
	success          bool
}

func (c *captureRecorder) ObserveRequest(model, stage string, promptTokens, completionTokens int, cost float64, success bool, _ time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requests = append(c.requests, capturedRequest{
		model:            model,
		stage:            stage,
		promptTokens:     promptTokens,
		completionTokens: completionTokens,
		cost:             cost,
		success:          success,
	})
}

func (c *captureRecorder) IncThrottle(_, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.throttles = append(c.throttles, reason)
}

func (c *captureRecorder) ObserveQueueWait(_ string, _ time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.waits++
}

func TestWithMetricsRecordsUsage(t *testing.T) {
	mock := NewMockClient()
	mock.EnqueueResponse(Response{Text: "analysis", PromptTokens: 120, CompletionTokens: 30})

	recorder := &captureRecorder{}
	client := Chain(mock, WithMetrics(recorder, nil))

	ctx := WithStage(context.Background(), "market_analysis")
	resp, err := client.Complete(ctx, Request{System: "sys", User: "user"})
	require.NoError(t, err)
	assert.Equal(t, "analysis", resp.Text)

	require.Len(t, recorder.requests, 1)
	got := recorder.requests[0]
	assert.Equal(t, "mock-model", got.model)
	assert.Equal(t, "market_analysis", got.stage)
	assert.Equal(t, 120, got.promptTokens)
	assert.Equal(t, 30, got.completionTokens)
	assert.True(t, got.success)
}

func TestWithMetricsEstimatesMissingUsage(t *testing.T) {
	// A provider that reports no usage still yields non-zero counts.
	mock := NewMockClient()
	mock.EnqueueResponse(Response{Text: "a reply long enough to count a few tokens from"})

	recorder := &captureRecorder{}
	client := Chain(mock, WithMetrics(recorder, nil))

	resp, err := client.Complete(context.Background(), Request{System: "system prompt", User: "user prompt"})
	require.NoError(t, err)

	assert.Positive(t, resp.PromptTokens)
	assert.Positive(t, resp.CompletionTokens)

	require.Len(t, recorder.requests, 1)
	assert.Equal(t, resp.PromptTokens, recorder.requests[0].promptTokens)
	assert.Equal(t, resp.CompletionTokens, recorder.requests[0].completionTokens)
	assert.Equal(t, "unknown", recorder.requests[0].stage)
}

func TestWithMetricsRecordsFailure(t *testing.T) {
	wantErr := errors.New("provider down")
	mock := NewMockClient()
	mock.EnqueueError(wantErr)

	recorder := &captureRecorder{}
	client := Chain(mock, WithMetrics(recorder, nil))

	_, err := client.Complete(context.Background(), Request{User: "hi"})
	assert.ErrorIs(t, err, wantErr)

	require.Len(t, recorder.requests, 1)
	got := recorder.requests[0]
	assert.False(t, got.success)
	assert.Zero(t, got.cost)
}

func TestWithRateLimitAllowsFirstRequest(t *testing.T) {
	mock := NewMockClient()
	mock.Enqueue("ok")

	recorder := &captureRecorder{}
	client := Chain(mock, WithRateLimit(60, recorder))

	start := time.Now()
	_, err := client.Complete(context.Background(), Request{})
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.Equal(t, 1, recorder.waits)
}

func TestWithRateLimitHonorsCancellation(t *testing.T) {
	mock := NewMockClient()
	mock.Enqueue("first").Enqueue("second")

	recorder := &captureRecorder{}
	// One request per minute: the second call must wait ~60s, so a short
	// deadline cancels it.
	client := Chain(mock, WithRateLimit(1, recorder))

	_, err := client.Complete(context.Background(), Request{})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err = client.Complete(ctx, Request{})
	assert.Error(t, err)
	assert.Equal(t, []string{"rate_limit"}, recorder.throttles)
}

func TestWithRateLimitDisabled(t *testing.T) {
	mock := NewMockClient()
	mock.Enqueue("ok")

	client := Chain(mock, WithRateLimit(0, nil))
	_, err := client.Complete(context.Background(), Request{})
	assert.NoError(t, err)
}
