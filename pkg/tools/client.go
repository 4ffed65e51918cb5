// Package tools provides the HTTP client for the external tool services:
// the store platform, weather, competitor pricing, and social sentiment.
// Every interaction the pipeline has with the outside world goes through
// this client.
package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"repricer/pkg/logx"
)

// Invoker is the interface the pipeline stages use to call tools.
type Invoker interface {
	Invoke(ctx context.Context, service, tool string, params map[string]any) (any, error)
}

// UnknownServiceError indicates a call to a service with no configured endpoint.
type UnknownServiceError struct {
	Service string
}

func (e *UnknownServiceError) Error() string {
	return fmt.Sprintf("unknown tool service: %s", e.Service)
}

// ToolError indicates the service handled the request but the tool reported
// failure.
type ToolError struct {
	Service string
	Tool    string
	Message string
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("tool %s/%s failed: %s", e.Service, e.Tool, e.Message)
}

// TransportError indicates the request never produced a usable tool response:
// connection failures, timeouts, non-2xx statuses, or undecodable bodies.
type TransportError struct {
	Service string
	Tool    string
	Err     error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("tool service %s unreachable for %s: %v", e.Service, e.Tool, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Client calls tool services over HTTP. One service hosts many tools; a call
// posts {"tool_name", "parameters"} to {base}/tool and unwraps the
// {"success", "data", "error"} envelope.
type Client struct {
	endpoints  map[string]string
	httpClient *http.Client
	logger     *logx.Logger
}

// NewClient creates a tool client for the given service endpoint map.
func NewClient(endpoints map[string]string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		endpoints: endpoints,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		logger: logx.NewLogger("tools"),
	}
}

type toolRequest struct {
	ToolName   string         `json:"tool_name"`
	Parameters map[string]any `json:"parameters"`
}

type toolEnvelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
}

// Invoke calls one tool and returns the decoded data payload. The result is
// whatever JSON value the tool produced: object, array, or nil.
func (c *Client) Invoke(ctx context.Context, service, tool string, params map[string]any) (any, error) {
	base, ok := c.endpoints[service]
	if !ok || base == "" {
		return nil, &UnknownServiceError{Service: service}
	}

	if params == nil {
		params = map[string]any{}
	}

	payload, err := json.Marshal(toolRequest{ToolName: tool, Parameters: params})
	if err != nil {
		return nil, &TransportError{Service: service, Tool: tool, Err: fmt.Errorf("encode request: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/tool", bytes.NewReader(payload))
	if err != nil {
		return nil, &TransportError{Service: service, Tool: tool, Err: fmt.Errorf("create request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &TransportError{Service: service, Tool: tool, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransportError{Service: service, Tool: tool, Err: fmt.Errorf("read response: %w", err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &TransportError{
			Service: service,
			Tool:    tool,
			Err:     fmt.Errorf("unexpected status %d: %s", resp.StatusCode, truncateBody(body)),
		}
	}

	var envelope toolEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, &TransportError{Service: service, Tool: tool, Err: fmt.Errorf("parse response: %w", err)}
	}

	if !envelope.Success {
		c.logger.Debug("tool %s/%s reported failure: %s", service, tool, envelope.Error)
		return nil, &ToolError{Service: service, Tool: tool, Message: envelope.Error}
	}

	if len(envelope.Data) == 0 || string(envelope.Data) == "null" {
		return nil, nil
	}

	var data any
	if err := json.Unmarshal(envelope.Data, &data); err != nil {
		return nil, &TransportError{Service: service, Tool: tool, Err: fmt.Errorf("parse data: %w", err)}
	}

	return data, nil
}

func truncateBody(body []byte) string {
	const maxLen = 200
	if len(body) > maxLen {
		return string(body[:maxLen]) + "..."
	}
	return string(body)
}
