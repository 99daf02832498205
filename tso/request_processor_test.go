package tso

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/treble-h/tsoracle/core"
)

type requestFixture struct {
	proc     *PersistenceProcessor
	requests *RequestProcessor
	table    *fakeCommitTable
}

func newRequestFixture(t *testing.T, conflictMapSize int) *requestFixture {
	table := newFakeCommitTable()
	panicker := newRecordingPanicker()
	proc, _ := newTestProcessor(t, processorSetup{workers: 2, batchSize: 16, table: table, panicker: panicker})

	oracle, err := NewTimestampOracle(table, 1000, testLogger)
	require.NoError(t, err)
	_, reply := NewRetryProcessor(table.Client(), panicker, testLogger)
	requests, err := NewRequestProcessor(oracle, conflictMapSize, proc, reply, panicker, testLogger)
	require.NoError(t, err)
	return &requestFixture{proc: proc, requests: requests, table: table}
}

func (f *requestFixture) timestamp(t *testing.T) int64 {
	conn := newRecordingConn()
	f.requests.Handle(core.Envelope{Command: &core.TimestampRequest{}, Conn: conn})
	return conn.next(t).(*core.TimestampResponse).StartTimestamp
}

func (f *requestFixture) commit(t *testing.T, req *core.CommitRequest) *core.CommitResponse {
	conn := newRecordingConn()
	f.requests.Handle(core.Envelope{Command: req, Conn: conn})
	require.NoError(t, f.proc.TriggerCurrentBatchFlush())
	return conn.next(t).(*core.CommitResponse)
}

func TestTimestampsIncrease(t *testing.T) {
	f := newRequestFixture(t, 1000)
	var last int64
	for i := 0; i < 10; i++ {
		ts := f.timestamp(t)
		assert.Greater(t, ts, last)
		last = ts
	}
}

func TestCommitWithoutConflict(t *testing.T) {
	f := newRequestFixture(t, 1000)
	start := f.timestamp(t)

	resp := f.commit(t, &core.CommitRequest{StartTimestamp: start, CellIDs: []int64{1, 2}})
	assert.False(t, resp.Aborted)
	assert.Equal(t, start, resp.StartTimestamp)
	assert.Greater(t, resp.CommitTimestamp, start)

	ts, found, err := f.table.GetCommitTimestamp(start)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, resp.CommitTimestamp, ts)
}

func TestWriteWriteConflictAborts(t *testing.T) {
	f := newRequestFixture(t, 1000)
	startA := f.timestamp(t)
	startB := f.timestamp(t)

	respA := f.commit(t, &core.CommitRequest{StartTimestamp: startA, CellIDs: []int64{7}})
	require.False(t, respA.Aborted)

	respB := f.commit(t, &core.CommitRequest{StartTimestamp: startB, CellIDs: []int64{7, 8}})
	assert.True(t, respB.Aborted, "cell 7 was committed after B started")

	startC := f.timestamp(t)
	respC := f.commit(t, &core.CommitRequest{StartTimestamp: startC, CellIDs: []int64{7}})
	assert.False(t, respC.Aborted)
}

func TestCommitBelowLowWatermarkAborts(t *testing.T) {
	f := newRequestFixture(t, 1)
	first := f.timestamp(t)
	second := f.timestamp(t)
	late := f.timestamp(t)

	resp := f.commit(t, &core.CommitRequest{StartTimestamp: first, CellIDs: []int64{1}})
	require.False(t, resp.Aborted)
	resp = f.commit(t, &core.CommitRequest{StartTimestamp: second, CellIDs: []int64{2}})
	require.False(t, resp.Aborted)
	assert.Greater(t, f.requests.LowWatermark(), late, "evicting cell 1 raised the low watermark")

	resp = f.commit(t, &core.CommitRequest{StartTimestamp: late, CellIDs: []int64{3}})
	assert.True(t, resp.Aborted)

	require.Eventually(t, func() bool {
		lwm, _ := f.table.ReadLowWatermark()
		return lwm == f.requests.LowWatermark()
	}, 2*time.Second, 5*time.Millisecond)
}

func TestRetriedCommitAnsweredFromCommitTable(t *testing.T) {
	f := newRequestFixture(t, 1000)
	start := f.timestamp(t)

	resp := f.commit(t, &core.CommitRequest{StartTimestamp: start, CellIDs: []int64{1}})
	require.False(t, resp.Aborted)

	retry := f.commit(t, &core.CommitRequest{StartTimestamp: start, CellIDs: []int64{1}, IsRetry: true})
	assert.False(t, retry.Aborted, "a retry is not checked for conflicts against itself")
	assert.Equal(t, resp.CommitTimestamp, retry.CommitTimestamp)

	unknown := f.commit(t, &core.CommitRequest{StartTimestamp: start + 500, IsRetry: true})
	assert.True(t, unknown.Aborted)
}

func TestStartBelowRestartWatermarkAborts(t *testing.T) {
	f := newRequestFixture(t, 1000)
	resp := f.commit(t, &core.CommitRequest{StartTimestamp: 0, CellIDs: []int64{1}})
	assert.True(t, resp.Aborted)
}

func TestDecisionLatencyUsesReceiveTime(t *testing.T) {
	f := newRequestFixture(t, 1000)
	var kinds []string
	var waited []time.Duration
	f.requests.latency = func(kind string, d time.Duration) {
		kinds = append(kinds, kind)
		waited = append(waited, d)
	}

	received := time.Now().Add(-time.Second).UnixNano()
	conn := newRecordingConn()
	f.requests.Handle(core.Envelope{Command: &core.TimestampRequest{}, Conn: conn, Timestamp: received})
	start := conn.next(t).(*core.TimestampResponse).StartTimestamp

	f.requests.Handle(core.Envelope{
		Command:   &core.CommitRequest{StartTimestamp: start, CellIDs: []int64{1}, IsRetry: true},
		Conn:      conn,
		Timestamp: received,
	})

	assert.Equal(t, []string{"timestamp", "commit_retry"}, kinds)
	for _, d := range waited {
		assert.GreaterOrEqual(t, d, time.Second)
	}
}
