package persistence

import (
	"testing"
	"time"

	"repricer/pkg/proto"
)

func TestPersistHelpersAreNilSafe(t *testing.T) {
	ch := make(chan *Request, 1)

	PersistRun(nil, ch)
	PersistCycle(nil, ch)
	if len(ch) != 0 {
		t.Errorf("Nil records must not be queued, found %d requests", len(ch))
	}

	// A nil channel must not block or panic.
	PersistRun(&proto.RunRecord{RunID: "run-1"}, nil)
	PersistCycle(&proto.CycleRecord{Cycle: 1}, nil)
}

func TestChannelJournalQueuesRecords(t *testing.T) {
	ch := make(chan *Request, 4)
	journal := NewChannelJournal(ch)

	journal.RecordRun(proto.RunRecord{
		RunID:     "run-1",
		Graph:     proto.GraphPricing,
		SKUID:     4,
		StoreID:   2,
		Outcome:   "executed",
		StartedAt: time.Now().UTC(),
	})
	journal.RecordCycle(proto.CycleRecord{Cycle: 7, Targets: 100})

	req := <-ch
	if req.Operation != OpInsertRun {
		t.Fatalf("Expected %q, got %q", OpInsertRun, req.Operation)
	}
	run, ok := req.Data.(*proto.RunRecord)
	if !ok {
		t.Fatalf("Expected *proto.RunRecord payload, got %T", req.Data)
	}
	if run.RunID != "run-1" || run.SKUID != 4 || run.Outcome != "executed" {
		t.Errorf("Run payload mismatch: %+v", run)
	}
	if req.Response != nil {
		t.Error("Journal writes are fire-and-forget; no response channel expected")
	}

	req = <-ch
	if req.Operation != OpInsertCycle {
		t.Fatalf("Expected %q, got %q", OpInsertCycle, req.Operation)
	}
	cycle, ok := req.Data.(*proto.CycleRecord)
	if !ok {
		t.Fatalf("Expected *proto.CycleRecord payload, got %T", req.Data)
	}
	if cycle.Cycle != 7 || cycle.Targets != 100 {
		t.Errorf("Cycle payload mismatch: %+v", cycle)
	}
}
