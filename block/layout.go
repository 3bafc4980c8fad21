// Package block describes the fixed-row-capacity, per-column on-disk layout
// shared by every block in a segment (spec.md §3 "Block"), plus the
// in-memory block-item directory entry (spec.md §3 "Block item") used by
// partition and subgroup to track live blocks.
package block

import (
	"fmt"

	"github.com/kwdbts2/kwdbts2/core"
)

// Layout describes the byte offsets of one column's per-block region:
//
//	[ null bitmap : ceil(R/8) bytes ]
//	[ count       : 2 bytes ]
//	[ max         : sizeof(fixed type) ]
//	[ min         : sizeof(fixed type) ]
//	[ sum         : sizeof(sum type) ]        // absent for non-numeric
//	[ values      : R * sizeof(fixed type) ]  // offsets for var-length
//
// (spec.md §3, §4.2 "block_size(c) = header(c) + R * cell(c)").
type Layout struct {
	Capacity uint32
	CellSize int

	BitmapBytes  int
	CountOffset  int
	MaxOffset    int
	MinOffset    int
	SumOffset    int // -1 when the column carries no sum slot
	SumSize      int
	ValuesOffset int

	HasSum  bool
	IsVarLen bool
}

// NewLayout computes the block layout for col at row capacity R.
func NewLayout(col core.Column, capacity uint32) (Layout, error) {
	cellSize, err := col.Size()
	if err != nil {
		return Layout{}, fmt.Errorf("block: layout for column %d: %w", col.ID, err)
	}

	l := Layout{
		Capacity: capacity,
		CellSize: cellSize,
		SumOffset: -1,
		IsVarLen: col.Type.IsVarLen(),
	}
	l.BitmapBytes = int((capacity + 7) / 8)

	offset := l.BitmapBytes
	l.CountOffset = offset
	offset += 2

	aggWidth := cellSize
	if l.IsVarLen {
		// min/max hold the string-heap offset of the extremum value, not
		// the inline cell (spec.md §4.1 "min/max hold the offset").
		aggWidth = 8
	}
	l.MaxOffset = offset
	offset += aggWidth
	l.MinOffset = offset
	offset += aggWidth

	if !l.IsVarLen && col.Type.IsNumeric() {
		sumType := col.Type.SumAccumulatorType()
		sumSize, err := sumType.FixedSize(0)
		if err != nil {
			return Layout{}, fmt.Errorf("block: sum layout for column %d: %w", col.ID, err)
		}
		l.HasSum = true
		l.SumOffset = offset
		l.SumSize = sumSize
		offset += sumSize
	}

	l.ValuesOffset = offset
	return l, nil
}

// HeaderSize is the per-block, per-column header region preceding values.
func (l Layout) HeaderSize() int {
	return l.ValuesOffset
}

// BlockSize is the full per-column, per-block region including values.
func (l Layout) BlockSize() int {
	return l.ValuesOffset + int(l.Capacity)*l.CellSize
}

// ValueOffset returns the byte offset of row within the values region.
func (l Layout) ValueOffset(row uint32) int {
	return l.ValuesOffset + int(row)*l.CellSize
}
