package committable

import (
	"sync"
)

// MemoryCommitTable is a volatile commit table and timestamp storage.
type MemoryCommitTable struct {
	lock         sync.RWMutex
	commits      map[int64]int64
	lowWatermark int64
	maxTimestamp int64
}

func NewMemoryCommitTable() *MemoryCommitTable {
	return &MemoryCommitTable{commits: make(map[int64]int64)}
}

func (t *MemoryCommitTable) NewWriter() Writer {
	return &memoryWriter{table: t}
}

func (t *MemoryCommitTable) Client() Client {
	return t
}

func (t *MemoryCommitTable) GetCommitTimestamp(startTimestamp int64) (int64, bool, error) {
	t.lock.RLock()
	defer t.lock.RUnlock()
	commitTimestamp, ok := t.commits[startTimestamp]
	return commitTimestamp, ok, nil
}

func (t *MemoryCommitTable) ReadLowWatermark() (int64, error) {
	t.lock.RLock()
	defer t.lock.RUnlock()
	return t.lowWatermark, nil
}

func (t *MemoryCommitTable) GetMaxTimestamp() (int64, error) {
	t.lock.RLock()
	defer t.lock.RUnlock()
	return t.maxTimestamp, nil
}

func (t *MemoryCommitTable) UpdateMaxTimestamp(previous, next int64) error {
	t.lock.Lock()
	defer t.lock.Unlock()
	if t.maxTimestamp != previous {
		return ErrTimestampConflict
	}
	t.maxTimestamp = next
	return nil
}

func (t *MemoryCommitTable) apply(buf *writeBuffer) {
	t.lock.Lock()
	defer t.lock.Unlock()
	for _, r := range buf.records {
		t.commits[r.startTimestamp] = r.commitTimestamp
	}
	if buf.hasWatermark && buf.lowWatermark > t.lowWatermark {
		t.lowWatermark = buf.lowWatermark
	}
}

type memoryWriter struct {
	table *MemoryCommitTable
	buf   writeBuffer
}

func (w *memoryWriter) AddCommittedTransaction(startTimestamp, commitTimestamp int64) error {
	w.buf.addCommitted(startTimestamp, commitTimestamp)
	return nil
}

func (w *memoryWriter) AddAbortedTransaction(startTimestamp int64) error {
	w.buf.addAborted(startTimestamp)
	return nil
}

func (w *memoryWriter) UpdateLowWatermark(lowWatermark int64) error {
	w.buf.updateLowWatermark(lowWatermark)
	return nil
}

func (w *memoryWriter) Flush() error {
	w.table.apply(&w.buf)
	w.buf.clear()
	return nil
}

func (w *memoryWriter) ClearWriteBuffer() {
	w.buf.clear()
}
