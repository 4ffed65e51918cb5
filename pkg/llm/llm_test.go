package llm

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStageContext(t *testing.T) {
	ctx := context.Background()
	assert.Equal(t, "unknown", StageFromContext(ctx))

	ctx = WithStage(ctx, "market_analysis")
	assert.Equal(t, "market_analysis", StageFromContext(ctx))

	// Inner stage shadows the outer one.
	inner := WithStage(ctx, "pricing_strategy")
	assert.Equal(t, "pricing_strategy", StageFromContext(inner))
	assert.Equal(t, "market_analysis", StageFromContext(ctx))
}

func TestMockClientQueue(t *testing.T) {
	mock := NewMockClient()
	mock.Enqueue("first").Enqueue("second")

	resp, err := mock.Complete(context.Background(), Request{User: "hello"})
	require.NoError(t, err)
	assert.Equal(t, "first", resp.Text)
	assert.Positive(t, resp.PromptTokens)

	resp, err = mock.Complete(context.Background(), Request{User: "again"})
	require.NoError(t, err)
	assert.Equal(t, "second", resp.Text)

	// Queue exhausted.
	_, err = mock.Complete(context.Background(), Request{User: "third"})
	assert.Error(t, err)

	require.Len(t, mock.Requests, 3)
	assert.Equal(t, "hello", mock.Requests[0].User)
}

func TestMockClientError(t *testing.T) {
	wantErr := errors.New("boom")
	mock := NewMockClient()
	mock.EnqueueError(wantErr).Enqueue("after")

	_, err := mock.Complete(context.Background(), Request{})
	assert.ErrorIs(t, err, wantErr)

	resp, err := mock.Complete(context.Background(), Request{})
	require.NoError(t, err)
	assert.Equal(t, "after", resp.Text)
}

func TestChainOrdering(t *testing.T) {
	var order []string

	tag := func(name string) Middleware {
		return func(next Client) Client {
			return WrapClient(
				func(ctx context.Context, req Request) (Response, error) {
					order = append(order, name)
					return next.Complete(ctx, req)
				},
				next.ModelName,
			)
		}
	}

	mock := NewMockClient()
	mock.Enqueue("ok")

	client := Chain(mock, tag("outer"), tag("inner"))
	_, err := client.Complete(context.Background(), Request{})
	require.NoError(t, err)

	assert.Equal(t, []string{"outer", "inner"}, order)
	assert.Equal(t, "mock-model", client.ModelName())
}
