package subgroup

import (
	"testing"

	"github.com/kwdbts2/kwdbts2/core"
	"github.com/kwdbts2/kwdbts2/partition"
	"github.com/kwdbts2/kwdbts2/segment"
	"github.com/stretchr/testify/require"
)

func TestPartitionTime(t *testing.T) {
	require.Equal(t, int64(0), PartitionTime(999, 1000))
	require.Equal(t, int64(1000), PartitionTime(1000, 1000))
	require.Equal(t, int64(1000), PartitionTime(1999, 1000))
	require.Equal(t, int64(-1000), PartitionTime(-1, 1000))
}

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

func TestGroup_GetPartitionTableSharesSameInterval(t *testing.T) {
	dir := t.TempDir()
	g := New(dir, testSchema(), 3600, 4, core.DedupKeep, Options{})

	p1, release1, err := g.GetPartitionTable(100)
	require.NoError(t, err)
	p2, release2, err := g.GetPartitionTable(200)
	require.NoError(t, err)
	require.Same(t, p1, p2)

	release1()
	release2()

	p3, release3, err := g.GetPartitionTable(5000)
	require.NoError(t, err)
	require.NotSame(t, p1, p3)
	release3()
}

func TestGroup_CompactMergesSegments(t *testing.T) {
	dir := t.TempDir()
	g := New(dir, testSchema(), 3600, 2, core.DedupKeep, Options{})

	p, release, err := g.GetPartitionTable(0)
	require.NoError(t, err)
	defer release()

	req := partition.WriteRequest{
		EntityID:   1,
		Timestamps: []int64{100, 200, 300},
		Columns: map[uint32]segment.ColumnData{
			1: {FixedCells: packInt32(1, 2, 3), Nulls: []bool{false, false, false}},
		},
	}
	_, err = p.Write(req)
	require.NoError(t, err)

	require.NoError(t, g.CompactInterval(0))

	items := p.GetAllBlockItems(1, false)
	var total uint32
	for _, it := range items {
		total += it.PublishRowCount
	}
	require.Equal(t, uint32(3), total)
}
