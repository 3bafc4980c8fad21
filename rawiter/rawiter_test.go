package rawiter

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kwdbts2/kwdbts2/core"
	"github.com/kwdbts2/kwdbts2/partition"
	"github.com/kwdbts2/kwdbts2/segment"
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

func writeReq(entityID uint32, ts []int64, vs []int32) partition.WriteRequest {
	nulls := make([]bool, len(ts))
	return partition.WriteRequest{
		EntityID:   entityID,
		Timestamps: ts,
		Columns: map[uint32]segment.ColumnData{
			1: {FixedCells: packInt32(vs...), Nulls: nulls},
		},
	}
}

func newTestPartition(t *testing.T) *partition.Partition {
	t.Helper()
	dir := t.TempDir()
	p, err := partition.Create(dir, 0, 3600, testSchema(), 4, core.DedupKeep, partition.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })
	return p
}

func TestRawIterator_FastPathReturnsWholeBlock(t *testing.T) {
	p := newTestPartition(t)
	_, err := p.Write(writeReq(1, []int64{100, 200, 300, 400}, []int32{1, 2, 3, 4}))
	require.NoError(t, err)

	valueCol := testSchema().Columns[1]
	it := New([]*partition.Partition{p}, []uint32{1}, []core.TsSpan{{Start: 0, End: 1000}}, []core.Column{valueCol}, false)

	batch, finished, err := it.Next(0, false)
	require.NoError(t, err)
	require.False(t, finished)
	require.Equal(t, []int64{100, 200, 300, 400}, batch.Timestamps)
	require.Equal(t, int32(1), decodeInt32(batch.Columns[1].Values[0]))
	require.Equal(t, int32(4), decodeInt32(batch.Columns[1].Values[3]))

	_, finished, err = it.Next(0, false)
	require.NoError(t, err)
	require.True(t, finished)
}

func TestRawIterator_FastPathBoundaryIsInclusive(t *testing.T) {
	p := newTestPartition(t)
	_, err := p.Write(writeReq(1, []int64{100, 200}, []int32{1, 2}))
	require.NoError(t, err)

	valueCol := testSchema().Columns[1]
	// span exactly matches the block's [min_ts,max_ts] — must still qualify
	// for the fast path (spec.md §9 "the source code uses inclusive
	// comparisons").
	it := New([]*partition.Partition{p}, []uint32{1}, []core.TsSpan{{Start: 100, End: 200}}, []core.Column{valueCol}, false)

	batch, finished, err := it.Next(0, false)
	require.NoError(t, err)
	require.False(t, finished)
	require.Len(t, batch.Timestamps, 2)
}

func TestRawIterator_SlowPathSkipsTombstonedAndOutOfSpanRows(t *testing.T) {
	p := newTestPartition(t)
	_, err := p.Write(writeReq(1, []int64{100, 200, 300, 400}, []int32{1, 2, 3, 4}))
	require.NoError(t, err)

	items := p.GetAllBlockItems(1, false)
	require.Len(t, items, 1)
	items[0].MarkDeleted(1) // tombstone ts=200

	valueCol := testSchema().Columns[1]
	// span excludes ts=400, and the tombstone excludes ts=200.
	it := New([]*partition.Partition{p}, []uint32{1}, []core.TsSpan{{Start: 0, End: 350}}, []core.Column{valueCol}, false)

	batch, finished, err := it.Next(0, false)
	require.NoError(t, err)
	require.False(t, finished)
	require.Equal(t, []int64{100, 300}, batch.Timestamps)
}

func TestRawIterator_ReverseOrdersDescending(t *testing.T) {
	p := newTestPartition(t)
	_, err := p.Write(writeReq(1, []int64{100, 200, 300}, []int32{1, 2, 3}))
	require.NoError(t, err)

	valueCol := testSchema().Columns[1]
	it := New([]*partition.Partition{p}, []uint32{1}, nil, []core.Column{valueCol}, true)

	batch, finished, err := it.Next(0, false)
	require.NoError(t, err)
	require.False(t, finished)
	require.Equal(t, []int64{300, 200, 100}, batch.Timestamps)
}

func TestRawIterator_MultipleEntitiesExhaustSequentially(t *testing.T) {
	p := newTestPartition(t)
	_, err := p.Write(writeReq(1, []int64{100}, []int32{1}))
	require.NoError(t, err)
	_, err = p.Write(writeReq(2, []int64{200}, []int32{2}))
	require.NoError(t, err)

	valueCol := testSchema().Columns[1]
	it := New([]*partition.Partition{p}, []uint32{1, 2}, nil, []core.Column{valueCol}, false)

	first, finished, err := it.Next(0, false)
	require.NoError(t, err)
	require.False(t, finished)
	require.EqualValues(t, 1, first.EntityID)

	second, finished, err := it.Next(0, false)
	require.NoError(t, err)
	require.False(t, finished)
	require.EqualValues(t, 2, second.EntityID)

	_, finished, err = it.Next(0, false)
	require.NoError(t, err)
	require.True(t, finished)
}

func decodeInt32(b []byte) int32 {
	return int32(uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24)
}
