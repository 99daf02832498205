// Package committable stores the outcome of every transaction the TSO decided:
// the commit timestamp of committed transactions, an invalid marker for aborted
// ones, and the low watermark below which the TSO no longer remembers conflicts.
package committable

import (
	"errors"
)

// InvalidTransactionMarker is stored as the commit timestamp of aborted or
// invalidated transactions.
const InvalidTransactionMarker int64 = -1

var (
	// ErrDirectoryLocked is returned when another process holds the data directory.
	ErrDirectoryLocked = errors.New("commit table directory is locked by another process")

	// ErrTimestampConflict is returned when the stored max timestamp is not the
	// value the caller expected to replace.
	ErrTimestampConflict = errors.New("max timestamp was changed concurrently")
)

// Writer buffers decisions and makes them durable on Flush. A Writer is used by
// a single goroutine.
type Writer interface {
	AddCommittedTransaction(startTimestamp, commitTimestamp int64) error
	AddAbortedTransaction(startTimestamp int64) error
	UpdateLowWatermark(lowWatermark int64) error
	// Flush durably writes everything buffered since the previous Flush.
	Flush() error
	// ClearWriteBuffer drops everything buffered since the previous Flush.
	ClearWriteBuffer()
}

// Client reads decisions back.
type Client interface {
	// GetCommitTimestamp returns the stored commit timestamp of the transaction
	// started at startTimestamp. Aborted transactions return InvalidTransactionMarker.
	GetCommitTimestamp(startTimestamp int64) (int64, bool, error)
	ReadLowWatermark() (int64, error)
}

// TimestampStorage persists the upper bound of the timestamps handed out.
type TimestampStorage interface {
	UpdateMaxTimestamp(previous, next int64) error
	GetMaxTimestamp() (int64, error)
}

// CommitTable hands out writers and a reader over the same storage.
type CommitTable interface {
	NewWriter() Writer
	Client() Client
}

type record struct {
	startTimestamp  int64
	commitTimestamp int64
}

// writeBuffer holds what a writer accumulated since its last flush.
type writeBuffer struct {
	records      []record
	lowWatermark int64
	hasWatermark bool
}

func (b *writeBuffer) addCommitted(startTimestamp, commitTimestamp int64) {
	b.records = append(b.records, record{startTimestamp, commitTimestamp})
}

func (b *writeBuffer) addAborted(startTimestamp int64) {
	b.records = append(b.records, record{startTimestamp, InvalidTransactionMarker})
}

func (b *writeBuffer) updateLowWatermark(lowWatermark int64) {
	b.lowWatermark = lowWatermark
	b.hasWatermark = true
}

func (b *writeBuffer) empty() bool {
	return len(b.records) == 0 && !b.hasWatermark
}

func (b *writeBuffer) clear() {
	b.records = b.records[:0]
	b.lowWatermark = 0
	b.hasWatermark = false
}
