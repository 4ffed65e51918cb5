package llm

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/ollama/ollama/api"
)

// OllamaClient implements Client against a local Ollama server.
type OllamaClient struct {
	client *api.Client
	model  string
}

// NewOllamaClient creates an Ollama client. host may be empty, in which
// case the default local endpoint is used.
func NewOllamaClient(host, model string) (*OllamaClient, error) {
	if host == "" {
		host = "http://localhost:11434"
	}
	if !strings.HasPrefix(host, "http://") && !strings.HasPrefix(host, "https://") {
		host = "http://" + host
	}

	parsed, err := url.Parse(host)
	if err != nil {
		return nil, fmt.Errorf("invalid ollama host %q: %w", host, err)
	}

	return &OllamaClient{
		client: api.NewClient(parsed, http.DefaultClient),
		model:  model,
	}, nil
}

// ModelName returns the configured model.
func (o *OllamaClient) ModelName() string {
	return o.model
}

// Complete implements the Client interface.
func (o *OllamaClient) Complete(ctx context.Context, req Request) (Response, error) {
	messages := make([]api.Message, 0, 2)
	if req.System != "" {
		messages = append(messages, api.Message{Role: "system", Content: req.System})
	}
	messages = append(messages, api.Message{Role: "user", Content: req.User})

	stream := false
	chatReq := &api.ChatRequest{
		Model:    o.model,
		Messages: messages,
		Stream:   &stream,
		Options: map[string]any{
			"temperature": req.Temperature,
			"num_predict": req.MaxTokens,
		},
	}

	var response api.ChatResponse
	err := o.client.Chat(ctx, chatReq, func(resp api.ChatResponse) error {
		response = resp
		return nil
	})
	if err != nil {
		return Response{}, fmt.Errorf("ollama completion failed: %w", err)
	}

	if response.Message.Content == "" {
		return Response{}, ErrEmptyResponse
	}

	return Response{
		Text:             response.Message.Content,
		PromptTokens:     response.Metrics.PromptEvalCount,
		CompletionTokens: response.Metrics.EvalCount,
	}, nil
}
