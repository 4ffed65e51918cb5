package tools

import (
	"context"
	"fmt"
	"sync"
)

// FakeInvoker is a scripted Invoker for tests. Results are keyed by
// "service/tool"; unscripted calls return an error so tests notice
// unexpected traffic.
type FakeInvoker struct {
	mu      sync.Mutex
	results map[string]any
	errors  map[string]error
	Calls   []FakeCall
}

// FakeCall records one Invoke for assertion.
type FakeCall struct {
	Service string
	Tool    string
	Params  map[string]any
}

// NewFakeInvoker creates an empty scripted invoker.
func NewFakeInvoker() *FakeInvoker {
	return &FakeInvoker{
		results: make(map[string]any),
		errors:  make(map[string]error),
	}
}

// Script sets the result returned for a service/tool pair.
func (f *FakeInvoker) Script(service, tool string, result any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results[service+"/"+tool] = result
}

// ScriptError makes a service/tool pair fail with err.
func (f *FakeInvoker) ScriptError(service, tool string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errors[service+"/"+tool] = err
}

// Invoke returns the scripted result for the call and records it.
func (f *FakeInvoker) Invoke(_ context.Context, service, tool string, params map[string]any) (any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.Calls = append(f.Calls, FakeCall{Service: service, Tool: tool, Params: params})

	key := service + "/" + tool
	if err, ok := f.errors[key]; ok {
		return nil, err
	}
	if result, ok := f.results[key]; ok {
		return result, nil
	}
	return nil, fmt.Errorf("unscripted tool call: %s", key)
}

// CallsTo returns the recorded calls for a service/tool pair.
func (f *FakeInvoker) CallsTo(service, tool string) []FakeCall {
	f.mu.Lock()
	defer f.mu.Unlock()

	var matched []FakeCall
	for _, call := range f.Calls {
		if call.Service == service && call.Tool == tool {
			matched = append(matched, call)
		}
	}
	return matched
}
