package aggregate

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/kwdbts2/kwdbts2/block"
	"github.com/kwdbts2/kwdbts2/core"
	"github.com/stretchr/testify/require"
)

func buildInt32Block(t *testing.T, values []int32, nulls []uint32) (block.Layout, []byte, []byte) {
	t.Helper()
	col := core.Column{ID: 1, Type: core.DataTypeInt32}
	layout, err := block.NewLayout(col, uint32(len(values)))
	require.NoError(t, err)

	data := make([]byte, layout.CellSize*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint32(data[i*layout.CellSize:], uint32(v))
	}
	nullBitmap := make([]byte, layout.BitmapBytes)
	for _, n := range nulls {
		block.SetNull(nullBitmap, n)
	}
	return layout, data, nullBitmap
}

func TestExtend_MinMaxSumCount(t *testing.T) {
	col := core.Column{ID: 1, Type: core.DataTypeInt32}
	layout, data, nullBitmap := buildInt32Block(t, []int32{10, 20, 30}, nil)
	// layout.ValueOffset expects values living after a header; shift data so
	// ValueOffset(0) lines up with our raw slice.
	full := make([]byte, layout.ValuesOffset+len(data))
	copy(full[layout.ValuesOffset:], data)

	result, err := Extend(nil, col, layout, full, nullBitmap, 0, 3, nil)
	require.NoError(t, err)
	require.Equal(t, uint64(3), result.Count)
	require.Equal(t, int32(10), int32(binary.LittleEndian.Uint32(result.Min)))
	require.Equal(t, int32(30), int32(binary.LittleEndian.Uint32(result.Max)))
	require.Equal(t, int64(60), result.SumInt)
	require.False(t, result.SumIsFloat)
}

func TestExtend_SkipsNulls(t *testing.T) {
	col := core.Column{ID: 1, Type: core.DataTypeInt32}
	layout, data, nullBitmap := buildInt32Block(t, []int32{10, 999, 30}, []uint32{1})
	full := make([]byte, layout.ValuesOffset+len(data))
	copy(full[layout.ValuesOffset:], data)

	result, err := Extend(nil, col, layout, full, nullBitmap, 0, 3, nil)
	require.NoError(t, err)
	require.Equal(t, uint64(2), result.Count)
	require.Equal(t, int64(40), result.SumInt)
}

func TestExtend_SumOverflowPromotesToFloat(t *testing.T) {
	col := core.Column{ID: 1, Type: core.DataTypeInt32}
	layout, data, nullBitmap := buildInt32Block(t, []int32{math.MaxInt32, 1}, nil)
	full := make([]byte, layout.ValuesOffset+len(data))
	copy(full[layout.ValuesOffset:], data)

	base := &core.AggregateResult{SumInt: math.MaxInt32}
	result, err := Extend(base, col, layout, full, nullBitmap, 1, 1, nil)
	require.NoError(t, err)
	require.True(t, result.SumIsFloat)
	require.True(t, result.Overflowed)
	require.Equal(t, float64(math.MaxInt32)+1.0, result.SumFloat)
}

type fakeHeap struct {
	entries map[uint64][]byte
}

func (h *fakeHeap) Read(offset uint64) ([]byte, error) {
	return h.entries[offset], nil
}

func TestExtend_VarStringLexicographicCompare(t *testing.T) {
	col := core.Column{ID: 2, Type: core.DataTypeVarString}
	layout, err := block.NewLayout(col, 2)
	require.NoError(t, err)

	heap := &fakeHeap{entries: map[uint64][]byte{100: []byte("banana"), 200: []byte("apple")}}
	full := make([]byte, layout.ValuesOffset+2*layout.CellSize)
	binary.LittleEndian.PutUint64(full[layout.ValueOffset(0):], 100)
	binary.LittleEndian.PutUint64(full[layout.ValueOffset(1):], 200)
	nullBitmap := make([]byte, layout.BitmapBytes)

	result, err := Extend(nil, col, layout, full, nullBitmap, 0, 2, heap)
	require.NoError(t, err)
	require.Equal(t, "apple", string(result.Min))
	require.Equal(t, "banana", string(result.Max))
}
