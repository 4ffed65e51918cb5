package scheduler

import (
	"time"

	"repricer/pkg/proto"
)

// ErrorEntry is one recorded scheduler failure. The target identifiers are
// set when the failure belongs to a specific pricing run.
type ErrorEntry struct {
	SKUID     int       `json:"sku_id,omitempty"`
	StoreID   int       `json:"store_id,omitempty"`
	Error     string    `json:"error"`
	Timestamp time.Time `json:"timestamp"`
}

// Status is a read-only snapshot of the scheduler, shaped for the status
// endpoint and the dashboards polling it.
type Status struct {
	Running       bool   `json:"running"`
	WorkerRunning bool   `json:"worker_running"`
	State         string `json:"state"`

	LastRun         *time.Time `json:"last_run"`
	CyclesCompleted int        `json:"cycles_completed"`

	NextTargetIndex     int           `json:"next_target_index"`
	TargetsInCycle      int           `json:"targets_in_cycle"`
	NextTarget          *proto.Target `json:"next_target"`
	CurrentTarget       *proto.Target `json:"current_target_effective"`
	NextAfterCurrent    *proto.Target `json:"next_target_after_current"`
	LastProcessedTarget *proto.Target `json:"last_processed_target"`
	InProgressTarget    *proto.Target `json:"in_progress_target"`
	CycleStartedAt      *time.Time    `json:"cycle_started_at"`

	CurrentAgent          string     `json:"current_agent,omitempty"`
	CurrentSKUID          int        `json:"current_sku_id,omitempty"`
	CurrentStoreID        int        `json:"current_store_id,omitempty"`
	CurrentPromotionID    int64      `json:"current_promotion_id,omitempty"`
	CurrentAgentUpdatedAt *time.Time `json:"current_agent_updated_at,omitempty"`

	Errors []ErrorEntry `json:"errors"`
}

// statusTargets resolves the derived target fields of the status payload.
//
// next is the plain cursor target. current prefers the in-progress target
// and falls back to the runtime tracker's last-known run. While a target
// is in progress the cursor still points at it, so nextAfterCurrent is the
// cursor successor; otherwise it equals next.
func statusTargets(targets []proto.Target, nextIndex int, inProgress *proto.Target, trackerSKU, trackerStore int) (next, current, nextAfterCurrent *proto.Target) {
	next = targetAt(targets, nextIndex)

	switch {
	case inProgress != nil:
		current = copyTarget(inProgress)
	case trackerSKU > 0 && trackerStore > 0:
		current = &proto.Target{SKUID: trackerSKU, StoreID: trackerStore}
	}

	if inProgress != nil {
		nextAfterCurrent = targetAt(targets, nextIndex+1)
	} else {
		nextAfterCurrent = next
	}
	return next, current, nextAfterCurrent
}

// targetAt returns a copy of targets[i], or nil when i is out of range.
func targetAt(targets []proto.Target, i int) *proto.Target {
	if i < 0 || i >= len(targets) {
		return nil
	}
	t := targets[i]
	return &t
}

func copyTarget(t *proto.Target) *proto.Target {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
