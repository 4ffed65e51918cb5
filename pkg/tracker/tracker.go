// Package tracker records which pipeline agent is currently executing and
// for which target. Stages write it as they run; the status API reads it.
package tracker

import (
	"sync"
	"time"
)

// State is a point-in-time copy of the tracker. A zero CurrentAgent means
// nothing is executing.
type State struct {
	CurrentAgent string
	SKUID        int
	StoreID      int
	PromotionID  int64
	UpdatedAt    time.Time
}

// RuntimeTracker is safe for concurrent use.
type RuntimeTracker struct {
	mu    sync.Mutex
	state State
}

// New creates an empty tracker.
func New() *RuntimeTracker {
	return &RuntimeTracker{}
}

// Set records the currently running agent and its target context.
// Zero IDs mean the agent is not operating on that entity.
func (t *RuntimeTracker) Set(agent string, skuID, storeID int, promotionID int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state = State{
		CurrentAgent: agent,
		SKUID:        skuID,
		StoreID:      storeID,
		PromotionID:  promotionID,
		UpdatedAt:    time.Now(),
	}
}

// Clear resets the agent context, keeping the update timestamp fresh so
// readers can tell when the last transition happened.
func (t *RuntimeTracker) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state = State{UpdatedAt: time.Now()}
}

// Snapshot returns a copy of the current state.
func (t *RuntimeTracker) Snapshot() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}
