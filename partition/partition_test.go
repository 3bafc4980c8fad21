package partition

import (
	"testing"

	"github.com/kwdbts2/kwdbts2/core"
	"github.com/kwdbts2/kwdbts2/segment"
	"github.com/stretchr/testify/require"
)

func testSchema() *core.Schema {
	return &core.Schema{
		Version: 1,
		Columns: []core.Column{
			{ID: 0, Name: "ts", Type: core.DataTypeTimestampLSN},
			{ID: 1, Name: "v", Type: core.DataTypeInt32},
		},
	}
}

func packInt32(vs ...int32) []byte {
	out := make([]byte, len(vs)*4)
	for i, v := range vs {
		out[i*4] = byte(v)
		out[i*4+1] = byte(v >> 8)
		out[i*4+2] = byte(v >> 16)
		out[i*4+3] = byte(v >> 24)
	}
	return out
}

func writeReq(entityID uint32, ts []int64, vs []int32) WriteRequest {
	nulls := make([]bool, len(ts))
	return WriteRequest{
		EntityID:   entityID,
		Timestamps: ts,
		Columns: map[uint32]segment.ColumnData{
			1: {FixedCells: packInt32(vs...), Nulls: nulls},
		},
	}
}

func TestPartition_WriteAndGetAllBlockItems(t *testing.T) {
	dir := t.TempDir()
	p, err := Create(dir, 0, 3600, testSchema(), 4, core.DedupKeep, Options{})
	require.NoError(t, err)
	defer p.Close()

	out, err := p.Write(writeReq(7, []int64{1000, 2000}, []int32{1, 2}))
	require.NoError(t, err)
	require.Len(t, out.WrittenRowIDs, 2)

	items := p.GetAllBlockItems(7, false)
	require.Len(t, items, 1)
	require.Equal(t, int64(1000), items[0].MinTS)

	stats, ok := p.EntityStats(7)
	require.True(t, ok)
	require.Equal(t, uint64(2), stats.RowWritten)
}

func TestPartition_DedupKeepDropsCollision(t *testing.T) {
	dir := t.TempDir()
	p, err := Create(dir, 0, 3600, testSchema(), 4, core.DedupKeep, Options{})
	require.NoError(t, err)
	defer p.Close()

	_, err = p.Write(writeReq(1, []int64{1000}, []int32{10}))
	require.NoError(t, err)

	out, err := p.Write(writeReq(1, []int64{1000}, []int32{99}))
	require.NoError(t, err)
	require.Empty(t, out.WrittenRowIDs)

	stats, _ := p.EntityStats(1)
	require.Equal(t, uint64(1), stats.RowWritten)
}

func TestPartition_DedupOverrideTombstonesOld(t *testing.T) {
	dir := t.TempDir()
	p, err := Create(dir, 0, 3600, testSchema(), 4, core.DedupOverride, Options{})
	require.NoError(t, err)
	defer p.Close()

	_, err = p.Write(writeReq(1, []int64{1000}, []int32{10}))
	require.NoError(t, err)

	out, err := p.Write(writeReq(1, []int64{1000}, []int32{99}))
	require.NoError(t, err)
	require.Len(t, out.WrittenRowIDs, 1)
	require.Len(t, out.TombstonedRowIDs, 1)

	items := p.GetAllBlockItems(1, false)
	require.Len(t, items, 1)
	require.True(t, items[0].IsDeleted(out.TombstonedRowIDs[0].RowOffset))
}

func TestPartition_DedupRejectMarksDiscardBitmap(t *testing.T) {
	dir := t.TempDir()
	p, err := Create(dir, 0, 3600, testSchema(), 4, core.DedupReject, Options{})
	require.NoError(t, err)
	defer p.Close()

	_, err = p.Write(writeReq(1, []int64{1000}, []int32{10}))
	require.NoError(t, err)

	out, err := p.Write(writeReq(1, []int64{1000}, []int32{99}))
	require.NoError(t, err)
	require.Empty(t, out.WrittenRowIDs)
	require.Equal(t, 1, out.RejectedCount)

	items := p.GetAllBlockItems(1, false)
	require.True(t, items[0].DiscardBitmap.Contains(0))
}
