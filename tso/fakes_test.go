package tso

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/require"

	"github.com/treble-h/tsoracle/committable"
)

var testLogger = hclog.NewNullLogger()

// recordingConn captures the replies sent to one client.
type recordingConn struct {
	lock sync.Mutex
	msgs []interface{}
	ch   chan interface{}
}

func newRecordingConn() *recordingConn {
	return &recordingConn{ch: make(chan interface{}, 128)}
}

func (c *recordingConn) Send(msg interface{}) error {
	c.lock.Lock()
	c.msgs = append(c.msgs, msg)
	c.lock.Unlock()
	c.ch <- msg
	return nil
}

func (c *recordingConn) RemoteAddr() string {
	return "recording"
}

func (c *recordingConn) next(t *testing.T) interface{} {
	t.Helper()
	select {
	case msg := <-c.ch:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("no reply received")
		return nil
	}
}

func (c *recordingConn) count() int {
	c.lock.Lock()
	defer c.lock.Unlock()
	return len(c.msgs)
}

// countingPool counts the batches taken from the pool.
type countingPool struct {
	BatchPool
	acquisitions int64
}

func (p *countingPool) NextEmptyBatch(ctx context.Context) (*Batch, error) {
	atomic.AddInt64(&p.acquisitions, 1)
	return p.BatchPool.NextEmptyBatch(ctx)
}

func (p *countingPool) count() int {
	return int(atomic.LoadInt64(&p.acquisitions))
}

// fakeCommitTable is an in-memory table whose writers can be told to fail.
type fakeCommitTable struct {
	*committable.MemoryCommitTable

	adds    int64
	flushes int64

	flushErr   error
	panicOnAdd bool
}

func newFakeCommitTable() *fakeCommitTable {
	return &fakeCommitTable{MemoryCommitTable: committable.NewMemoryCommitTable()}
}

func (t *fakeCommitTable) NewWriter() committable.Writer {
	return &fakeWriter{Writer: t.MemoryCommitTable.NewWriter(), table: t}
}

func (t *fakeCommitTable) addCount() int {
	return int(atomic.LoadInt64(&t.adds))
}

func (t *fakeCommitTable) flushCount() int {
	return int(atomic.LoadInt64(&t.flushes))
}

type fakeWriter struct {
	committable.Writer
	table *fakeCommitTable
}

func (w *fakeWriter) AddCommittedTransaction(startTimestamp, commitTimestamp int64) error {
	if w.table.panicOnAdd {
		panic("kaboom")
	}
	atomic.AddInt64(&w.table.adds, 1)
	return w.Writer.AddCommittedTransaction(startTimestamp, commitTimestamp)
}

func (w *fakeWriter) Flush() error {
	atomic.AddInt64(&w.table.flushes, 1)
	if w.table.flushErr != nil {
		return w.table.flushErr
	}
	return w.Writer.Flush()
}

// scriptedLease answers from a script; the last answer repeats.
type scriptedLease struct {
	lock    sync.Mutex
	answers []bool
	calls   int
}

func newScriptedLease(answers ...bool) *scriptedLease {
	return &scriptedLease{answers: answers}
}

func (l *scriptedLease) Start() error { return nil }
func (l *scriptedLease) Stop()        {}

func (l *scriptedLease) StillInLeasePeriod() bool {
	l.lock.Lock()
	defer l.lock.Unlock()
	l.calls++
	answer := l.answers[0]
	if len(l.answers) > 1 {
		l.answers = l.answers[1:]
	}
	return answer
}

func (l *scriptedLease) callCount() int {
	l.lock.Lock()
	defer l.lock.Unlock()
	return l.calls
}

type recordingPanicker struct {
	ch chan error
}

func newRecordingPanicker() *recordingPanicker {
	return &recordingPanicker{ch: make(chan error, 16)}
}

func (p *recordingPanicker) Panic(msg string, err error) {
	select {
	case p.ch <- err:
	default:
	}
}

func (p *recordingPanicker) wait(t *testing.T) error {
	t.Helper()
	select {
	case err := <-p.ch:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("panicker was not called")
		return nil
	}
}

type processorSetup struct {
	workers   int
	batchSize int
	poolSize  int
	lease     LeaseManagement
	table     *fakeCommitTable
	panicker  Panicker
}

func newTestProcessor(t *testing.T, s processorSetup) (*PersistenceProcessor, *countingPool) {
	if s.lease == nil {
		s.lease = VoidLeaseManager{}
	}
	if s.table == nil {
		s.table = newFakeCommitTable()
	}
	if s.panicker == nil {
		s.panicker = newRecordingPanicker()
	}
	if s.poolSize == 0 {
		s.poolSize = s.workers
	}

	retry, reply := NewRetryProcessor(s.table.Client(), s.panicker, testLogger)
	handlers := make([]*PersistenceHandler, s.workers)
	for i := range handlers {
		handlers[i] = NewPersistenceHandler(i, HandlerDeps{
			Lease:       s.lease,
			CommitTable: s.table,
			Reply:       reply,
			Retry:       retry,
			Panicker:    s.panicker,
			Logger:      testLogger,
		})
	}

	pool := &countingPool{BatchPool: NewBatchPool(s.poolSize, s.batchSize)}
	proc, err := NewPersistenceProcessor(pool, handlers, testLogger)
	require.NoError(t, err)
	t.Cleanup(proc.Close)
	return proc, pool
}

// startsFor returns n start timestamps, from the given one upwards, that are
// routed to worker.
func startsFor(p *PersistenceProcessor, worker, n int, from int64) []int64 {
	var out []int64
	for ts := from; len(out) < n; ts++ {
		if p.workerFor(ts) == worker {
			out = append(out, ts)
		}
	}
	return out
}
