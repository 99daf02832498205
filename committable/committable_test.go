package committable

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openBolt(t *testing.T, dir string) *BoltCommitTable {
	table, err := OpenBoltCommitTable(dir, nil)
	require.NoError(t, err)
	return table
}

func exerciseWriter(t *testing.T, table CommitTable) {
	w := table.NewWriter()
	require.NoError(t, w.AddCommittedTransaction(1, 2))
	require.NoError(t, w.AddAbortedTransaction(3))

	// Nothing is visible before the flush.
	_, found, err := table.Client().GetCommitTimestamp(1)
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, w.Flush())

	ts, found, err := table.Client().GetCommitTimestamp(1)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, int64(2), ts)

	ts, found, err = table.Client().GetCommitTimestamp(3)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, InvalidTransactionMarker, ts)

	require.NoError(t, w.AddCommittedTransaction(10, 11))
	w.ClearWriteBuffer()
	require.NoError(t, w.Flush())
	_, found, err = table.Client().GetCommitTimestamp(10)
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, w.UpdateLowWatermark(5))
	require.NoError(t, w.Flush())
	require.NoError(t, w.UpdateLowWatermark(4))
	require.NoError(t, w.Flush())
	lw, err := table.Client().ReadLowWatermark()
	require.NoError(t, err)
	assert.Equal(t, int64(5), lw, "low watermark never moves backwards")
}

func exerciseTimestampStorage(t *testing.T, storage TimestampStorage) {
	max, err := storage.GetMaxTimestamp()
	require.NoError(t, err)
	assert.Equal(t, int64(0), max)

	require.NoError(t, storage.UpdateMaxTimestamp(0, 100))
	err = storage.UpdateMaxTimestamp(0, 200)
	assert.ErrorIs(t, err, ErrTimestampConflict)

	max, err = storage.GetMaxTimestamp()
	require.NoError(t, err)
	assert.Equal(t, int64(100), max)
}

func TestMemoryCommitTable(t *testing.T) {
	table := NewMemoryCommitTable()
	exerciseWriter(t, table)
	exerciseTimestampStorage(t, table)
}

func TestBoltCommitTable(t *testing.T) {
	table := openBolt(t, t.TempDir())
	defer table.Close()
	exerciseWriter(t, table)
	exerciseTimestampStorage(t, table)
}

func TestBoltCommitTableSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	table := openBolt(t, dir)
	w := table.NewWriter()
	require.NoError(t, w.AddCommittedTransaction(7, 9))
	require.NoError(t, w.Flush())
	require.NoError(t, table.UpdateMaxTimestamp(0, 1000))
	require.NoError(t, table.Close())

	table = openBolt(t, dir)
	defer table.Close()
	ts, found, err := table.GetCommitTimestamp(7)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, int64(9), ts)

	max, err := table.GetMaxTimestamp()
	require.NoError(t, err)
	assert.Equal(t, int64(1000), max)
}

func TestBoltCommitTableDirectoryLock(t *testing.T) {
	dir := t.TempDir()
	table := openBolt(t, dir)
	defer table.Close()

	_, err := OpenBoltCommitTable(dir, nil)
	assert.Equal(t, ErrDirectoryLocked, err)
}
