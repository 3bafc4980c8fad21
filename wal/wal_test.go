package wal

import (
	"context"
	"testing"
	"time"

	"github.com/kwdbts2/kwdbts2/core"
	"github.com/stretchr/testify/require"
)

func openTestWAL(t *testing.T, dir string) *WAL {
	t.Helper()
	w, _, err := Open(Options{Dir: dir, SyncMode: SyncAlways})
	require.NoError(t, err)
	t.Cleanup(func() { w.Close() })
	return w
}

func TestWAL_AppendAndRecover(t *testing.T) {
	dir := t.TempDir()
	w := openTestWAL(t, dir)

	lsns, err := w.AppendBatch([]core.WALEntry{
		{Kind: core.RecordInsertMetrics, Key: []byte("e1"), Value: []byte("row1")},
		{Kind: core.RecordInsertMetrics, Key: []byte("e1"), Value: []byte("row2")},
	})
	require.NoError(t, err)
	require.Len(t, lsns, 2)
	require.Less(t, lsns[0], lsns[1])
	require.NoError(t, w.Close())

	_, recovered, err := Open(Options{Dir: dir})
	require.NoError(t, err)
	require.Len(t, recovered, 2)
	require.Equal(t, []byte("row1"), recovered[0].Value)
	require.Equal(t, []byte("row2"), recovered[1].Value)
}

func TestWAL_RecoverySkipsCheckpointedSegments(t *testing.T) {
	dir := t.TempDir()
	w := openTestWAL(t, dir)
	_, err := w.AppendBatch([]core.WALEntry{{Kind: core.RecordInsertMetrics, Value: []byte("a")}})
	require.NoError(t, err)
	require.NoError(t, w.Rotate())
	_, err = w.AppendBatch([]core.WALEntry{{Kind: core.RecordInsertMetrics, Value: []byte("b")}})
	require.NoError(t, err)
	lastIndex := w.ActiveSegmentIndex()
	require.NoError(t, w.Close())

	_, recovered, err := Open(Options{Dir: dir, StartRecoveryIndex: lastIndex - 1})
	require.NoError(t, err)
	require.Len(t, recovered, 1)
	require.Equal(t, []byte("b"), recovered[0].Value)
}

func TestWAL_RotateOnSize(t *testing.T) {
	dir := t.TempDir()
	w, _, err := Open(Options{Dir: dir, SyncMode: SyncAlways, MaxSegmentSize: 128})
	require.NoError(t, err)
	defer w.Close()

	startIndex := w.ActiveSegmentIndex()
	for i := 0; i < 20; i++ {
		_, err := w.AppendBatch([]core.WALEntry{{Kind: core.RecordInsertMetrics, Value: make([]byte, 32)}})
		require.NoError(t, err)
	}
	require.Greater(t, w.ActiveSegmentIndex(), startIndex)
}

func TestWAL_Purge(t *testing.T) {
	dir := t.TempDir()
	w := openTestWAL(t, dir)
	_, err := w.AppendBatch([]core.WALEntry{{Kind: core.RecordInsertMetrics, Value: []byte("a")}})
	require.NoError(t, err)
	require.NoError(t, w.Rotate())
	oldIndex := w.ActiveSegmentIndex() - 1
	require.NoError(t, w.Purge(oldIndex))
}

func TestWAL_StreamReaderCatchesUpThenTails(t *testing.T) {
	dir := t.TempDir()
	w := openTestWAL(t, dir)

	_, err := w.AppendBatch([]core.WALEntry{{Kind: core.RecordInsertMetrics, Value: []byte("first")}})
	require.NoError(t, err)
	require.NoError(t, w.Rotate())

	sr, err := w.NewStreamReader(0)
	require.NoError(t, err)
	defer sr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	entry, err := sr.Next(ctx)
	require.NoError(t, err)
	require.Equal(t, []byte("first"), entry.Value)

	go func() {
		time.Sleep(50 * time.Millisecond)
		w.AppendBatch([]core.WALEntry{{Kind: core.RecordInsertMetrics, Value: []byte("second")}})
	}()

	entry, err = sr.Next(ctx)
	require.NoError(t, err)
	require.Equal(t, []byte("second"), entry.Value)
}

func TestWAL_MTRLifecycleRecordsRoundTrip(t *testing.T) {
	dir := t.TempDir()
	w := openTestWAL(t, dir)

	const mtrID = uint64(7)
	_, err := w.AppendBatch([]core.WALEntry{{Kind: core.RecordMTRBegin, MTRID: mtrID}})
	require.NoError(t, err)
	_, err = w.AppendBatch([]core.WALEntry{
		{Kind: core.RecordInsertMetrics, MTRID: mtrID, Value: []byte("row")},
	})
	require.NoError(t, err)
	_, err = w.AppendBatch([]core.WALEntry{{Kind: core.RecordMTRCommit, MTRID: mtrID}})
	require.NoError(t, err)
	require.NoError(t, w.Close())

	_, recovered, err := Open(Options{Dir: dir})
	require.NoError(t, err)
	require.Len(t, recovered, 3)
	require.Equal(t, core.RecordMTRBegin, recovered[0].Kind)
	require.Equal(t, core.RecordMTRCommit, recovered[2].Kind)
}
