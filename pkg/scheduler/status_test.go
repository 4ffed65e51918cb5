package scheduler

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"repricer/pkg/proto"
)

func tgt(sku, store int) *proto.Target {
	return &proto.Target{SKUID: sku, StoreID: store}
}

func TestStatusTargetResolution(t *testing.T) {
	three := []proto.Target{{SKUID: 1, StoreID: 1}, {SKUID: 2, StoreID: 1}, {SKUID: 3, StoreID: 1}}

	tests := []struct {
		name         string
		targets      []proto.Target
		nextIndex    int
		inProgress   *proto.Target
		trackerSKU   int
		trackerStore int
		wantNext     *proto.Target
		wantCurrent  *proto.Target
		wantAfter    *proto.Target
	}{
		{
			name:      "idle cursor at start",
			targets:   three,
			nextIndex: 0,
			wantNext:  tgt(1, 1),
			wantAfter: tgt(1, 1),
		},
		{
			name:        "first target in progress",
			targets:     three,
			nextIndex:   0,
			inProgress:  tgt(1, 1),
			trackerSKU:  1, trackerStore: 1,
			wantNext:    tgt(1, 1),
			wantCurrent: tgt(1, 1),
			wantAfter:   tgt(2, 1),
		},
		{
			name:        "last target in progress",
			targets:     three,
			nextIndex:   2,
			inProgress:  tgt(3, 1),
			trackerSKU:  3, trackerStore: 1,
			wantNext:    tgt(3, 1),
			wantCurrent: tgt(3, 1),
			wantAfter:   nil,
		},
		{
			name:       "runtime tracker fallback for current",
			targets:    []proto.Target{{SKUID: 10, StoreID: 2}, {SKUID: 11, StoreID: 2}},
			nextIndex:  1,
			trackerSKU: 10, trackerStore: 2,
			wantNext:    tgt(11, 2),
			wantCurrent: tgt(10, 2),
			wantAfter:   tgt(11, 2),
		},
		{
			name:    "empty targets",
			targets: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			next, current, after := statusTargets(tt.targets, tt.nextIndex, tt.inProgress, tt.trackerSKU, tt.trackerStore)
			assert.Equal(t, tt.wantNext, next)
			assert.Equal(t, tt.wantCurrent, current)
			assert.Equal(t, tt.wantAfter, after)
		})
	}
}

func TestStatusTargetsCursorPastEnd(t *testing.T) {
	targets := []proto.Target{{SKUID: 1, StoreID: 1}}

	next, current, after := statusTargets(targets, 1, nil, 0, 0)
	assert.Nil(t, next, "cursor at the end has no next target")
	assert.Nil(t, current)
	assert.Nil(t, after)
}

func TestStatusTargetsCopiesInProgress(t *testing.T) {
	targets := []proto.Target{{SKUID: 1, StoreID: 1}, {SKUID: 2, StoreID: 1}}
	inProgress := tgt(1, 1)

	_, current, _ := statusTargets(targets, 0, inProgress, 0, 0)
	current.SKUID = 99
	assert.Equal(t, 1, inProgress.SKUID, "snapshot must not alias scheduler state")
}
