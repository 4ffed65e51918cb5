package persistence

import (
	"repricer/pkg/proto"
)

// PersistRun sends a run record to the journal worker. This is a
// fire-and-forget operation; a nil channel or record is a no-op.
func PersistRun(rec *proto.RunRecord, journalChannel chan<- *Request) {
	if journalChannel == nil || rec == nil {
		return
	}

	journalChannel <- &Request{
		Operation: OpInsertRun,
		Data:      rec,
		Response:  nil, // Fire-and-forget
	}
}

// PersistCycle sends a completed-cycle record to the journal worker.
func PersistCycle(rec *proto.CycleRecord, journalChannel chan<- *Request) {
	if journalChannel == nil || rec == nil {
		return
	}

	journalChannel <- &Request{
		Operation: OpInsertCycle,
		Data:      rec,
		Response:  nil, // Fire-and-forget
	}
}

// ChannelJournal adapts the journal request channel to the scheduler's
// record sink. The kernel shuts the scheduler down before draining the
// channel, so sends never race the close.
type ChannelJournal struct {
	ch chan<- *Request
}

// NewChannelJournal wraps a journal request channel.
func NewChannelJournal(ch chan<- *Request) *ChannelJournal {
	return &ChannelJournal{ch: ch}
}

// RecordRun queues one graph run record.
func (j *ChannelJournal) RecordRun(rec proto.RunRecord) {
	PersistRun(&rec, j.ch)
}

// RecordCycle queues one completed-cycle record.
func (j *ChannelJournal) RecordCycle(rec proto.CycleRecord) {
	PersistCycle(&rec, j.ch)
}
