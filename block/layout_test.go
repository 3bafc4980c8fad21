package block

import (
	"testing"

	"github.com/kwdbts2/kwdbts2/core"
	"github.com/stretchr/testify/require"
)

func TestNewLayout_NumericColumn(t *testing.T) {
	col := core.Column{ID: 1, Type: core.DataTypeInt32}
	l, err := NewLayout(col, 1000)
	require.NoError(t, err)

	require.Equal(t, 125, l.BitmapBytes) // ceil(1000/8)
	require.True(t, l.HasSum)
	require.Equal(t, 8, l.SumSize) // i32 sums promote to i64
	require.Equal(t, l.ValuesOffset+1000*4, l.BlockSize())
}

func TestNewLayout_VarStringColumn(t *testing.T) {
	col := core.Column{ID: 2, Type: core.DataTypeVarString}
	l, err := NewLayout(col, 1000)
	require.NoError(t, err)

	require.False(t, l.HasSum)
	require.True(t, l.IsVarLen)
	require.Equal(t, 8, l.CellSize) // stores a heap offset inline
}

func TestNewLayout_NonNumericFixed(t *testing.T) {
	col := core.Column{ID: 3, Type: core.DataTypeBool}
	l, err := NewLayout(col, 8)
	require.NoError(t, err)
	require.False(t, l.HasSum)
	require.Equal(t, -1, l.SumOffset)
}

func TestNullBitmap_SetIsNullCount(t *testing.T) {
	bitmap := make([]byte, 2)
	SetNull(bitmap, 0)
	SetNull(bitmap, 5)
	require.True(t, IsNull(bitmap, 0))
	require.True(t, IsNull(bitmap, 5))
	require.False(t, IsNull(bitmap, 1))

	require.Equal(t, uint32(14), CountNonNull(bitmap, 16))
	ClearNull(bitmap, 0)
	require.Equal(t, uint32(15), CountNonNull(bitmap, 16))
}

func TestItem_PublishAndDelete(t *testing.T) {
	it := NewItem(1, 1, 42)
	it.Publish(10, 1000, 2000)
	require.Equal(t, uint32(10), it.PublishRowCount)
	require.Equal(t, int64(1000), it.MinTS)
	require.Equal(t, int64(2000), it.MaxTS)

	it.SetAggAvailable(true)
	it.MarkDeleted(3)
	require.True(t, it.IsDeleted(3))
	require.False(t, it.IsAggResAvailable)
	require.Equal(t, uint32(9), it.LiveRowCount())
}

func TestItem_Rewind(t *testing.T) {
	it := NewItem(1, 1, 42)
	it.Publish(10, 1000, 2000)
	it.SetAggAvailable(true)
	it.Rewind(5)
	require.Equal(t, uint32(5), it.PublishRowCount)
	require.False(t, it.IsAggResAvailable)
}
