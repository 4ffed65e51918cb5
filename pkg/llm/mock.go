package llm

import (
	"context"
	"fmt"
	"sync"
)

// MockClient provides a controllable implementation of Client for testing.
// Responses are returned in the order they were enqueued; every request is
// recorded so tests can assert on prompts.
type MockClient struct {
	mu       sync.Mutex
	queue    []mockReply
	Requests []Request
	Model    string
}

type mockReply struct {
	resp Response
	err  error
}

// NewMockClient creates a mock client with no queued responses.
func NewMockClient() *MockClient {
	return &MockClient{Model: "mock-model"}
}

// Enqueue appends a successful text response to the reply queue. Token
// counts are derived from text lengths so accounting paths see real values.
func (m *MockClient) Enqueue(text string) *MockClient {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queue = append(m.queue, mockReply{resp: Response{
		Text:             text,
		PromptTokens:     50,
		CompletionTokens: len(text) / 4,
	}})
	return m
}

// EnqueueResponse appends a full response to the reply queue.
func (m *MockClient) EnqueueResponse(resp Response) *MockClient {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queue = append(m.queue, mockReply{resp: resp})
	return m
}

// EnqueueError appends an error to the reply queue.
func (m *MockClient) EnqueueError(err error) *MockClient {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queue = append(m.queue, mockReply{err: err})
	return m
}

// Complete returns the next queued reply.
func (m *MockClient) Complete(_ context.Context, req Request) (Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Requests = append(m.Requests, req)

	if len(m.queue) == 0 {
		return Response{}, fmt.Errorf("mock client: no more responses")
	}

	reply := m.queue[0]
	m.queue = m.queue[1:]
	if reply.err != nil {
		return Response{}, reply.err
	}
	return reply.resp, nil
}

// ModelName returns the configured mock model name.
func (m *MockClient) ModelName() string {
	return m.Model
}
