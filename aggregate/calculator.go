// Package aggregate implements the block-level aggregate calculator
// (spec.md §4.7): min/max/sum/count over a contiguous run of one column,
// honoring null bits, with the incremental variant used by the aggregate
// iterator to stitch results across blocks.
package aggregate

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/kwdbts2/kwdbts2/block"
	"github.com/kwdbts2/kwdbts2/core"
)

// HeapReader dereferences a string-heap offset, as implemented by
// stringheap.Heap.
type HeapReader interface {
	Read(offset uint64) ([]byte, error)
}

// Extend computes min/max/sum/count over rows [firstRow, firstRow+count) of
// one column's block region and folds the result into base (base may be
// nil to start a fresh aggregate). This is the "incremental variant" of
// spec.md §4.7, used by the aggregate iterator when stitching results
// across blocks.
func Extend(base *core.AggregateResult, col core.Column, layout block.Layout, cellData []byte, nullBitmap []byte, firstRow, count uint32, heap HeapReader) (*core.AggregateResult, error) {
	if base == nil {
		base = &core.AggregateResult{}
	}
	if count == 0 {
		return base, nil
	}

	nonNull := block.CountNonNull(nullBitmap, firstRow+count) - block.CountNonNull(nullBitmap, firstRow)
	base.Count += uint64(nonNull)

	isNumeric := col.Type.IsNumeric()

	for row := firstRow; row < firstRow+count; row++ {
		if block.IsNull(nullBitmap, row) {
			continue
		}
		cell := cellData[layout.ValueOffset(row) : layout.ValueOffset(row)+layout.CellSize]

		value, err := dereference(col, cell, heap)
		if err != nil {
			return nil, fmt.Errorf("aggregate: dereference row %d: %w", row, err)
		}

		if !base.MinSet || compareValues(col.Type, value, base.Min) < 0 {
			base.MinSet = true
			base.Min = append([]byte(nil), value...)
		}
		if !base.MaxSet || compareValues(col.Type, value, base.Max) > 0 {
			base.MaxSet = true
			base.Max = append([]byte(nil), value...)
		}

		if isNumeric {
			mergeSum(base, col.Type, cell)
		}
	}

	return base, nil
}

// Combine merges two already-computed aggregates for the same column,
// promoting the sum to float64 on overflow exactly as Extend does. Used by
// the aggregate iterator to fold per-block pre-aggregates and per-block
// raw-cell results into one running entity-level total (spec.md §4.9 "4.
// Accumulate across blocks").
func Combine(base, add *core.AggregateResult, t core.DataType) *core.AggregateResult {
	if base == nil {
		base = &core.AggregateResult{}
	}
	if add == nil {
		return base
	}
	base.Count += add.Count

	if add.MinSet && (!base.MinSet || compareValues(t, add.Min, base.Min) < 0) {
		base.MinSet = true
		base.Min = add.Min
	}
	if add.MaxSet && (!base.MaxSet || compareValues(t, add.Max, base.Max) > 0) {
		base.MaxSet = true
		base.Max = add.Max
	}

	if !t.IsNumeric() {
		return base
	}
	if base.SumIsFloat || add.SumIsFloat {
		baseF := base.SumFloat
		if !base.SumIsFloat {
			baseF = float64(base.SumInt)
		}
		addF := add.SumFloat
		if !add.SumIsFloat {
			addF = float64(add.SumInt)
		}
		base.SumFloat = baseF + addF
		base.SumIsFloat = true
		base.Overflowed = base.Overflowed || add.Overflowed
		return base
	}
	next := base.SumInt + add.SumInt
	var overflowed bool
	if min, max, bounded := t.NativeIntBounds(); bounded {
		overflowed = next < min || next > max
	} else {
		overflowed = (base.SumInt >= 0) == (add.SumInt >= 0) && (next >= 0) != (base.SumInt >= 0)
	}
	if overflowed {
		base.SumIsFloat = true
		base.Overflowed = true
		base.SumFloat = float64(base.SumInt) + float64(add.SumInt)
		return base
	}
	base.SumInt = next
	return base
}

// dereference returns the comparable bytes for a cell: the cell itself for
// fixed-width types, or the string-heap payload for varstring/varbinary.
func dereference(col core.Column, cell []byte, heap HeapReader) ([]byte, error) {
	if !col.Type.IsVarLen() {
		return cell, nil
	}
	offset := binary.LittleEndian.Uint64(cell)
	if heap == nil {
		return nil, fmt.Errorf("%w: varlen column %d requires a string heap", core.ErrInternal, col.ID)
	}
	return heap.Read(offset)
}

// compareValues orders two dereferenced values of the same column type.
func compareValues(t core.DataType, a, b []byte) int {
	switch t {
	case core.DataTypeInt8:
		return compareInt64(int64(int8(a[0])), int64(int8(b[0])))
	case core.DataTypeInt16:
		return compareInt64(int64(int16(binary.LittleEndian.Uint16(a))), int64(int16(binary.LittleEndian.Uint16(b))))
	case core.DataTypeInt32:
		return compareInt64(int64(int32(binary.LittleEndian.Uint32(a))), int64(int32(binary.LittleEndian.Uint32(b))))
	case core.DataTypeInt64, core.DataTypeTimestamp:
		return compareInt64(int64(binary.LittleEndian.Uint64(a)), int64(binary.LittleEndian.Uint64(b)))
	case core.DataTypeFloat32:
		return compareFloat64(float64(math.Float32frombits(binary.LittleEndian.Uint32(a))), float64(math.Float32frombits(binary.LittleEndian.Uint32(b))))
	case core.DataTypeFloat64:
		return compareFloat64(math.Float64frombits(binary.LittleEndian.Uint64(a)), math.Float64frombits(binary.LittleEndian.Uint64(b)))
	case core.DataTypeBool:
		if a[0] == b[0] {
			return 0
		}
		if a[0] == 0 {
			return -1
		}
		return 1
	default:
		// char(n)/binary(n)/varstring/varbinary: lexicographic byte compare.
		return bytes.Compare(a, b)
	}
}

func compareInt64(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func compareFloat64(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// mergeSum folds one cell's numeric value into base's running sum,
// promoting to float64 on overflow at the column's own native width
// (spec.md §4.7, §8 scenario (d)).
func mergeSum(base *core.AggregateResult, t core.DataType, cell []byte) {
	switch t {
	case core.DataTypeInt8:
		base.MergeSumInt(int64(int8(cell[0])), t)
	case core.DataTypeInt16:
		base.MergeSumInt(int64(int16(binary.LittleEndian.Uint16(cell))), t)
	case core.DataTypeInt32:
		base.MergeSumInt(int64(int32(binary.LittleEndian.Uint32(cell))), t)
	case core.DataTypeInt64:
		base.MergeSumInt(int64(binary.LittleEndian.Uint64(cell)), t)
	case core.DataTypeFloat32:
		base.MergeSumFloat(float64(math.Float32frombits(binary.LittleEndian.Uint32(cell))))
	case core.DataTypeFloat64:
		base.MergeSumFloat(math.Float64frombits(binary.LittleEndian.Uint64(cell)))
	}
}

// DecodeInt64 decodes a fixed-width integer cell as an int64, used by
// readers materializing block-level pre-aggregates (min/max/sum slots
// stored in a block's header region).
func DecodeInt64(t core.DataType, cell []byte) int64 {
	switch t {
	case core.DataTypeInt8:
		return int64(int8(cell[0]))
	case core.DataTypeInt16:
		return int64(int16(binary.LittleEndian.Uint16(cell)))
	case core.DataTypeInt32:
		return int64(int32(binary.LittleEndian.Uint32(cell)))
	default:
		return int64(binary.LittleEndian.Uint64(cell))
	}
}

// DecodeFloat64 decodes a fixed-width float cell as a float64.
func DecodeFloat64(t core.DataType, cell []byte) float64 {
	if t == core.DataTypeFloat32 {
		return float64(math.Float32frombits(binary.LittleEndian.Uint32(cell)))
	}
	return math.Float64frombits(binary.LittleEndian.Uint64(cell))
}
