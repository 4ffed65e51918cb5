// Package graph implements a small sequential executor for directed
// decision graphs. Stages register as named nodes; transitions are either
// static edges or routers resolved at run time from the state and the run
// context. A compiled graph is immutable and safe for concurrent runs.
package graph

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"repricer/pkg/proto"
)

// End is the terminal sentinel. Routers return it to stop the run; a node
// with no outgoing edge terminates the same way.
const End = "END"

var (
	// ErrEntryNotSet indicates Compile was called before SetEntry.
	ErrEntryNotSet = errors.New("graph entry not set")

	// ErrUnknownNode indicates an edge, router or entry references a node
	// that was never registered.
	ErrUnknownNode = errors.New("unknown graph node")

	// ErrConflictingEdges indicates a node carries both a static edge and
	// a router.
	ErrConflictingEdges = errors.New("node has both a static edge and a router")

	// ErrStepBudget indicates a run exceeded its step budget, which only
	// happens when routing forms a cycle.
	ErrStepBudget = errors.New("graph step budget exhausted")
)

// NodeFunc transforms the state at one node. Implementations record their
// own failures in the state and return a nil error; a non-nil error aborts
// the whole run and is reserved for unrecoverable conditions.
type NodeFunc[S any] func(ctx context.Context, state S) (S, error)

// Router picks the next node name (or End) after its node ran. Routers
// must be pure functions of the state and the run context.
type Router[S any] func(state S, rc RunContext) string

// RunContext carries per-run inputs that are not part of the state:
// identifiers for audit records, the run's target, and the feature flags
// that drive routing. Flags are captured once per run so a concurrent
// config change cannot flip a route mid-run.
type RunContext struct {
	RunID           string
	Cycle           int
	SKUID           int
	StoreID         int
	PromotionID     int64
	Flags           proto.FeatureFlags
	RequireApproval bool
}

// Observer receives node lifecycle callbacks during a run. Callbacks fire
// on the run's goroutine; implementations must not block.
type Observer interface {
	NodeStarted(node string, rc RunContext)
	NodeFinished(node string, rc RunContext, elapsed time.Duration, err error)
}

// Engine accumulates nodes and edges before compilation. Building methods
// record problems instead of failing fast; Compile reports them all.
type Engine[S any] struct {
	nodes    map[string]NodeFunc[S]
	edges    map[string]string
	routers  map[string]Router[S]
	entry    string
	observer Observer
	problems []string
}

// New returns an empty engine for the given state type.
func New[S any]() *Engine[S] {
	return &Engine[S]{
		nodes:   make(map[string]NodeFunc[S]),
		edges:   make(map[string]string),
		routers: make(map[string]Router[S]),
	}
}

// RegisterNode adds a named stage function.
func (e *Engine[S]) RegisterNode(name string, fn NodeFunc[S]) {
	switch {
	case name == "":
		e.problems = append(e.problems, "node name must not be empty")
	case name == End:
		e.problems = append(e.problems, fmt.Sprintf("node name %q is reserved", End))
	case fn == nil:
		e.problems = append(e.problems, fmt.Sprintf("node %q has a nil function", name))
	default:
		if _, dup := e.nodes[name]; dup {
			e.problems = append(e.problems, fmt.Sprintf("node %q registered twice", name))
			return
		}
		e.nodes[name] = fn
	}
}

// AddEdge wires an unconditional transition from one node to another
// (or to End).
func (e *Engine[S]) AddEdge(from, to string) {
	if _, dup := e.edges[from]; dup {
		e.problems = append(e.problems, fmt.Sprintf("node %q has multiple static edges", from))
		return
	}
	e.edges[from] = to
}

// AddConditionalEdge wires a router that picks the successor at run time.
func (e *Engine[S]) AddConditionalEdge(from string, router Router[S]) {
	if router == nil {
		e.problems = append(e.problems, fmt.Sprintf("node %q has a nil router", from))
		return
	}
	if _, dup := e.routers[from]; dup {
		e.problems = append(e.problems, fmt.Sprintf("node %q has multiple routers", from))
		return
	}
	e.routers[from] = router
}

// SetEntry names the node a run starts at.
func (e *Engine[S]) SetEntry(name string) {
	e.entry = name
}

// SetObserver attaches a lifecycle observer carried into the compiled graph.
func (e *Engine[S]) SetObserver(o Observer) {
	e.observer = o
}

// Compile validates the graph and freezes it for execution. Validation
// catches every wiring mistake at once: unset entry, unregistered edge or
// router endpoints, and nodes with conflicting outgoing transitions.
func (e *Engine[S]) Compile() (*Compiled[S], error) {
	problems := append([]string(nil), e.problems...)

	if e.entry == "" {
		problems = append(problems, ErrEntryNotSet.Error())
	} else if _, ok := e.nodes[e.entry]; !ok {
		problems = append(problems, fmt.Sprintf("entry %q: %s", e.entry, ErrUnknownNode))
	}

	for from, to := range e.edges {
		if _, ok := e.nodes[from]; !ok {
			problems = append(problems, fmt.Sprintf("edge source %q: %s", from, ErrUnknownNode))
		}
		if to != End {
			if _, ok := e.nodes[to]; !ok {
				problems = append(problems, fmt.Sprintf("edge target %q: %s", to, ErrUnknownNode))
			}
		}
		if _, ok := e.routers[from]; ok {
			problems = append(problems, fmt.Sprintf("node %q: %s", from, ErrConflictingEdges))
		}
	}
	for from := range e.routers {
		if _, ok := e.nodes[from]; !ok {
			problems = append(problems, fmt.Sprintf("router source %q: %s", from, ErrUnknownNode))
		}
	}

	if len(problems) > 0 {
		return nil, fmt.Errorf("invalid graph: %s", strings.Join(problems, "; "))
	}

	return &Compiled[S]{
		entry:    e.entry,
		nodes:    e.nodes,
		edges:    e.edges,
		routers:  e.routers,
		budget:   len(e.nodes)*2 + 8,
		observer: e.observer,
	}, nil
}

// Compiled is an immutable, runnable graph.
type Compiled[S any] struct {
	entry    string
	nodes    map[string]NodeFunc[S]
	edges    map[string]string
	routers  map[string]Router[S]
	budget   int
	observer Observer
}

// Run executes the graph from the entry node over the initial state and
// returns the final state. Execution is strictly sequential. Context
// cancellation is honored between nodes; the state produced so far is
// returned alongside the error.
func (c *Compiled[S]) Run(ctx context.Context, state S, rc RunContext) (S, error) {
	current := c.entry
	for steps := 0; ; steps++ {
		if steps >= c.budget {
			return state, fmt.Errorf("%w after %d steps at node %q", ErrStepBudget, steps, current)
		}

		select {
		case <-ctx.Done():
			return state, fmt.Errorf("graph run cancelled before node %q: %w", current, ctx.Err())
		default:
		}

		fn := c.nodes[current]
		started := time.Now()
		if c.observer != nil {
			c.observer.NodeStarted(current, rc)
		}
		next, err := fn(ctx, state)
		if c.observer != nil {
			c.observer.NodeFinished(current, rc, time.Since(started), err)
		}
		if err != nil {
			return state, fmt.Errorf("node %q: %w", current, err)
		}
		state = next

		if router, ok := c.routers[current]; ok {
			target := router(state, rc)
			if target == End {
				return state, nil
			}
			if _, ok := c.nodes[target]; !ok {
				return state, fmt.Errorf("router at %q chose %q: %w", current, target, ErrUnknownNode)
			}
			current = target
			continue
		}
		if to, ok := c.edges[current]; ok {
			if to == End {
				return state, nil
			}
			current = to
			continue
		}
		// No outgoing edge: terminal node.
		return state, nil
	}
}
