package aggiter

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

func writeReq(entityID uint32, ts []int64, vs []int32, nulls []bool) partition.WriteRequest {
	if nulls == nil {
		nulls = make([]bool, len(ts))
	}
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

func valueColumn() core.Column {
	return testSchema().Columns[1]
}

func TestAggiter_FirstLastShortCircuit(t *testing.T) {
	p := newTestPartition(t)
	_, err := p.Write(writeReq(1, []int64{100, 200, 300, 400}, []int32{10, 20, 30, 40}, nil))
	require.NoError(t, err)

	req := ColumnRequest{Column: valueColumn(), Kinds: []core.AggregationKind{core.AggFirst, core.AggLast, core.AggFirstTs, core.AggLastTs}}
	results, err := Compute([]*partition.Partition{p}, []uint32{1}, nil, []ColumnRequest{req})
	require.NoError(t, err)
	require.Len(t, results, 1)

	res := results[0].Columns[1]
	require.True(t, res.FirstSet)
	require.True(t, res.LastSet)
	require.EqualValues(t, 100, res.FirstTs)
	require.EqualValues(t, 400, res.LastTs)
	require.Equal(t, int32(10), decodeInt32(res.First))
	require.Equal(t, int32(40), decodeInt32(res.Last))
}

func TestAggiter_BasicGeneralUsesStoredPreAggregate(t *testing.T) {
	p := newTestPartition(t)
	_, err := p.Write(writeReq(1, []int64{100, 200, 300, 400}, []int32{1, 2, 3, 4}, nil))
	require.NoError(t, err)

	req := ColumnRequest{Column: valueColumn(), Kinds: []core.AggregationKind{core.AggMin, core.AggMax, core.AggSum, core.AggCount}}
	results, err := Compute([]*partition.Partition{p}, []uint32{1}, nil, []ColumnRequest{req})
	require.NoError(t, err)

	res := results[0].Columns[1]
	require.EqualValues(t, 4, res.Count)
	require.Equal(t, int32(1), decodeInt32(res.Min))
	require.Equal(t, int32(4), decodeInt32(res.Max))
	require.EqualValues(t, 10, res.SumInt)
	require.False(t, res.SumIsFloat)
}

func TestAggiter_BasicGeneralFallsBackOnTombstone(t *testing.T) {
	p := newTestPartition(t)
	_, err := p.Write(writeReq(1, []int64{100, 200, 300, 400}, []int32{1, 2, 3, 4}, nil))
	require.NoError(t, err)

	items := p.GetAllBlockItems(1, false)
	require.Len(t, items, 1)
	items[0].MarkDeleted(1) // tombstone ts=200, value 2

	req := ColumnRequest{Column: valueColumn(), Kinds: []core.AggregationKind{core.AggMin, core.AggMax, core.AggSum, core.AggCount}}
	results, err := Compute([]*partition.Partition{p}, []uint32{1}, nil, []ColumnRequest{req})
	require.NoError(t, err)

	res := results[0].Columns[1]
	require.EqualValues(t, 3, res.Count)
	require.Equal(t, int32(1), decodeInt32(res.Min))
	require.Equal(t, int32(4), decodeInt32(res.Max))
	require.EqualValues(t, 8, res.SumInt) // 1+3+4, excludes tombstoned 2
}

func TestAggiter_BasicGeneralRespectsPartialSpanOverlap(t *testing.T) {
	p := newTestPartition(t)
	_, err := p.Write(writeReq(1, []int64{100, 200, 300, 400}, []int32{1, 2, 3, 4}, nil))
	require.NoError(t, err)

	req := ColumnRequest{Column: valueColumn(), Kinds: []core.AggregationKind{core.AggSum, core.AggCount}}
	spans := []core.TsSpan{{Start: 150, End: 350}}
	results, err := Compute([]*partition.Partition{p}, []uint32{1}, spans, []ColumnRequest{req})
	require.NoError(t, err)

	res := results[0].Columns[1]
	require.EqualValues(t, 2, res.Count) // ts=200,300 only
	require.EqualValues(t, 5, res.SumInt)
}

func TestAggiter_MixedKindRawScan(t *testing.T) {
	p := newTestPartition(t)
	_, err := p.Write(writeReq(1, []int64{100, 200, 300}, []int32{5, 15, 25}, nil))
	require.NoError(t, err)

	req := ColumnRequest{Column: valueColumn(), Kinds: []core.AggregationKind{core.AggSum, core.AggFirst, core.AggLast}}
	results, err := Compute([]*partition.Partition{p}, []uint32{1}, nil, []ColumnRequest{req})
	require.NoError(t, err)

	res := results[0].Columns[1]
	require.EqualValues(t, 45, res.SumInt)
	require.Equal(t, int32(5), decodeInt32(res.First))
	require.Equal(t, int32(25), decodeInt32(res.Last))
}

func decodeInt32(b []byte) int32 {
	return int32(uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24)
}
