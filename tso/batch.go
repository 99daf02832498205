package tso

import (
	"github.com/treble-h/tsoracle/core"
)

type persistEventType uint8

const (
	commitEvent persistEventType = iota
	abortEvent
	retryEvent
)

func (t persistEventType) String() string {
	switch t {
	case commitEvent:
		return "commit"
	case abortEvent:
		return "abort"
	case retryEvent:
		return "retry"
	default:
		return "unknown"
	}
}

// PersistEvent is one decision waiting in a batch for its durable write.
type PersistEvent struct {
	Type            persistEventType
	StartTimestamp  int64
	CommitTimestamp int64
	Conn            core.ReplyConn
}

// Batch accumulates the decisions of one worker until it is full or flushed.
// It is owned by the dispatcher while open and by a single handler once handed over.
type Batch struct {
	id      int
	maxSize int
	events  []PersistEvent

	lowWatermark    int64
	hasLowWatermark bool
}

func newBatch(id, maxSize int) *Batch {
	return &Batch{
		id:      id,
		maxSize: maxSize,
		events:  make([]PersistEvent, 0, maxSize),
	}
}

func (b *Batch) ID() int {
	return b.id
}

func (b *Batch) Len() int {
	return len(b.events)
}

func (b *Batch) IsFull() bool {
	return len(b.events) >= b.maxSize
}

// IsEmpty reports whether flushing the batch would write nothing.
func (b *Batch) IsEmpty() bool {
	return len(b.events) == 0 && !b.hasLowWatermark
}

func (b *Batch) Events() []PersistEvent {
	return b.events
}

func (b *Batch) LowWatermark() (int64, bool) {
	return b.lowWatermark, b.hasLowWatermark
}

func (b *Batch) addCommit(startTimestamp, commitTimestamp int64, conn core.ReplyConn) {
	b.events = append(b.events, PersistEvent{
		Type:            commitEvent,
		StartTimestamp:  startTimestamp,
		CommitTimestamp: commitTimestamp,
		Conn:            conn,
	})
}

func (b *Batch) addAbort(startTimestamp int64, conn core.ReplyConn) {
	b.events = append(b.events, PersistEvent{
		Type:           abortEvent,
		StartTimestamp: startTimestamp,
		Conn:           conn,
	})
}

func (b *Batch) addRetry(startTimestamp int64, conn core.ReplyConn) {
	b.events = append(b.events, PersistEvent{
		Type:           retryEvent,
		StartTimestamp: startTimestamp,
		Conn:           conn,
	})
}

// setLowWatermark keeps only the latest value.
func (b *Batch) setLowWatermark(lowWatermark int64) {
	b.lowWatermark = lowWatermark
	b.hasLowWatermark = true
}

func (b *Batch) clear() {
	for i := range b.events {
		b.events[i] = PersistEvent{}
	}
	b.events = b.events[:0]
	b.lowWatermark = 0
	b.hasLowWatermark = false
}
