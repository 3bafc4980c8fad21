package segment

import (
	"testing"

	"github.com/kwdbts2/kwdbts2/core"
	"github.com/stretchr/testify/require"
)

func testSchema() *core.Schema {
	return &core.Schema{
		Version: 1,
		Columns: []core.Column{
			{ID: 0, Name: "ts", Type: core.DataTypeTimestampLSN},
			{ID: 1, Name: "v", Type: core.DataTypeInt32},
			{ID: 2, Name: "tag", Type: core.DataTypeVarString},
		},
	}
}

func TestSegment_WriteRowsAndAggregates(t *testing.T) {
	dir := t.TempDir()
	seg, err := Create(dir, 1, testSchema(), 4, Options{})
	require.NoError(t, err)
	defer seg.Close()

	rows := RowSet{
		Timestamps: []int64{1000, 2000, 3000},
		Columns: map[uint32]ColumnData{
			1: {FixedCells: packInt32(10, 20, 30), Nulls: []bool{false, false, false}},
			2: {VarValues: [][]byte{[]byte("a"), []byte("b"), []byte("c")}, Nulls: []bool{false, false, false}},
		},
	}
	result, err := seg.WriteRows(42, rows)
	require.NoError(t, err)
	require.Len(t, result.RowIDs, 3)
	require.Equal(t, uint32(0), result.RowIDs[0].BlockID)

	item, ok := seg.BlockItem(0)
	require.True(t, ok)
	require.Equal(t, uint32(3), item.PublishRowCount)
	require.True(t, item.IsAggResAvailable)
	require.Equal(t, int64(1000), item.MinTS)
	require.Equal(t, int64(3000), item.MaxTS)
}

func TestSegment_WriteSplitsAcrossBlocks(t *testing.T) {
	dir := t.TempDir()
	seg, err := Create(dir, 1, testSchema(), 2, Options{})
	require.NoError(t, err)
	defer seg.Close()

	rows := RowSet{
		Timestamps: []int64{1000, 2000, 3000},
		Columns: map[uint32]ColumnData{
			1: {FixedCells: packInt32(10, 20, 30), Nulls: []bool{false, false, false}},
			2: {VarValues: [][]byte{[]byte("a"), []byte("b"), []byte("c")}, Nulls: []bool{false, false, false}},
		},
	}
	result, err := seg.WriteRows(42, rows)
	require.NoError(t, err)
	require.Len(t, result.RowIDs, 3)
	require.NotEqual(t, result.RowIDs[0].BlockID, result.RowIDs[2].BlockID)
}

func TestSegment_MarkDeletedClearsAggAvailable(t *testing.T) {
	dir := t.TempDir()
	seg, err := Create(dir, 1, testSchema(), 4, Options{})
	require.NoError(t, err)
	defer seg.Close()

	rows := RowSet{
		Timestamps: []int64{1000},
		Columns: map[uint32]ColumnData{
			1: {FixedCells: packInt32(10), Nulls: []bool{false}},
			2: {VarValues: [][]byte{[]byte("a")}, Nulls: []bool{false}},
		},
	}
	_, err = seg.WriteRows(42, rows)
	require.NoError(t, err)

	require.NoError(t, seg.MarkDeleted(0, 0))
	item, _ := seg.BlockItem(0)
	require.True(t, item.IsDeleted(0))
	require.False(t, item.IsAggResAvailable)
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
