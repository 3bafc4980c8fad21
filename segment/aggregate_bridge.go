package segment

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/kwdbts2/kwdbts2/aggregate"
	"github.com/kwdbts2/kwdbts2/block"
	"github.com/kwdbts2/kwdbts2/core"
)

// BlockAggregate reads the pre-aggregate stored in blockID's header region
// for col. Only meaningful when the block item's IsAggResAvailable is true
// (spec.md §4.3 steps 4-5, reused by rawiter/aggiter's fast paths per
// spec.md §4.8/§4.9).
func (s *Segment) BlockAggregate(blockID uint32, col core.Column) (*core.AggregateResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateCompressed {
		if err := s.ensureOpenLocked(); err != nil {
			return nil, err
		}
	}

	cf, ok := s.columnFiles[col.ID]
	if !ok {
		return nil, fmt.Errorf("%w: segment %d has no column file for column %d", core.ErrInternal, s.ID, col.ID)
	}
	layout := cf.Layout()
	blockBytes, err := cf.BlockBytes(blockID)
	if err != nil {
		return nil, err
	}

	count := binary.LittleEndian.Uint16(blockBytes[layout.CountOffset : layout.CountOffset+2])
	result := &core.AggregateResult{Count: uint64(count)}
	if count > 0 {
		result.MinSet = true
		result.Min = append([]byte(nil), blockBytes[layout.MinOffset:layout.MinOffset+cellAggWidth(layout)]...)
		result.MaxSet = true
		result.Max = append([]byte(nil), blockBytes[layout.MaxOffset:layout.MaxOffset+cellAggWidth(layout)]...)
		if layout.HasSum {
			loadSum(result, col.Type, blockBytes[layout.SumOffset:layout.SumOffset+layout.SumSize])
		}
	}
	return result, nil
}

// ReadColumnRows returns raw cell bytes and null flags for rows
// [firstRow, firstRow+count) of col within blockID, dereferencing the
// string heap for varlen columns. Used by rawiter to materialize batches
// from raw cells (spec.md §4.8 "slow path").
func (s *Segment) ReadColumnRows(blockID uint32, col core.Column, firstRow, count uint32) (fixed [][]byte, nulls []bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateCompressed {
		if err := s.ensureOpenLocked(); err != nil {
			return nil, nil, err
		}
	}

	cf, ok := s.columnFiles[col.ID]
	if !ok {
		return nil, nil, fmt.Errorf("%w: segment %d has no column file for column %d", core.ErrInternal, s.ID, col.ID)
	}
	layout := cf.Layout()
	blockBytes, err := cf.BlockBytes(blockID)
	if err != nil {
		return nil, nil, err
	}
	nullBitmap := blockBytes[0:layout.BitmapBytes]

	fixed = make([][]byte, count)
	nulls = make([]bool, count)
	for i := uint32(0); i < count; i++ {
		row := firstRow + i
		if block.IsNull(nullBitmap, row) {
			nulls[i] = true
			continue
		}
		off := layout.ValueOffset(row)
		cell := blockBytes[off : off+layout.CellSize]
		if col.Type.IsVarLen() {
			heapOffset := binary.LittleEndian.Uint64(cell)
			v, err := s.heap.Read(heapOffset)
			if err != nil {
				return nil, nil, fmt.Errorf("segment %d: read var value: %w", s.ID, err)
			}
			fixed[i] = v
			continue
		}
		fixed[i] = append([]byte(nil), cell...)
	}
	return fixed, nulls, nil
}

// RawBlockRegion exposes col's raw layout, block bytes, and string heap for
// blockID so a caller outside this package (aggiter's general path) can
// drive aggregate.Extend directly over a caller-supplied exclusion bitmap
// (spec.md §4.9 "compute from raw cells with the aggregate calculator").
func (s *Segment) RawBlockRegion(blockID uint32, col core.Column) (block.Layout, []byte, aggregate.HeapReader, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateCompressed {
		if err := s.ensureOpenLocked(); err != nil {
			return block.Layout{}, nil, nil, err
		}
	}

	cf, ok := s.columnFiles[col.ID]
	if !ok {
		return block.Layout{}, nil, nil, fmt.Errorf("%w: segment %d has no column file for column %d", core.ErrInternal, s.ID, col.ID)
	}
	layout := cf.Layout()
	blockBytes, err := cf.BlockBytes(blockID)
	if err != nil {
		return block.Layout{}, nil, nil, err
	}
	return layout, blockBytes, s.heap, nil
}

// BlockTimestamps decodes rows [0,count) of blockID's timestamp column as
// int64, used by iterators needing per-row span/tombstone checks.
func (s *Segment) BlockTimestamps(blockID uint32, count uint32) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateCompressed {
		if err := s.ensureOpenLocked(); err != nil {
			return nil, err
		}
	}

	cf, ok := s.columnFiles[s.tsColID]
	if !ok {
		return nil, fmt.Errorf("%w: segment %d has no timestamp column file", core.ErrInternal, s.ID)
	}
	layout := cf.Layout()
	blockBytes, err := cf.BlockBytes(blockID)
	if err != nil {
		return nil, err
	}
	out := make([]int64, count)
	for row := uint32(0); row < count; row++ {
		off := layout.ValueOffset(row)
		out[row] = int64(binary.LittleEndian.Uint64(blockBytes[off : off+8]))
	}
	return out, nil
}

// extendAggregate folds rows [startRow, startRow+batch) into base using the
// shared block-level aggregate calculator (spec.md §4.7).
func extendAggregate(base *core.AggregateResult, col core.Column, layout block.Layout, blockBytes, nullBitmap []byte, startRow, batch uint32, heap aggregate.HeapReader) (*core.AggregateResult, error) {
	return aggregate.Extend(base, col, layout, blockBytes, nullBitmap, startRow, batch, heap)
}

// loadSum decodes a stored sum slot into an aggregate result so it can be
// extended incrementally.
func loadSum(base *core.AggregateResult, t core.DataType, cell []byte) {
	sumType := t.SumAccumulatorType()
	switch sumType {
	case core.DataTypeFloat64:
		base.SumIsFloat = true
		base.SumFloat = math.Float64frombits(binary.LittleEndian.Uint64(cell))
	case core.DataTypeInt64:
		base.SumInt = int64(binary.LittleEndian.Uint64(cell))
	}
}

// storeSum encodes result's running sum back into the block's sum slot,
// widening to float64 in place if the accumulator has overflowed.
func storeSum(cell []byte, t core.DataType, result *core.AggregateResult) {
	sumType := t.SumAccumulatorType()
	if result.SumIsFloat || sumType == core.DataTypeFloat64 {
		binary.LittleEndian.PutUint64(cell, math.Float64bits(result.SumFloat))
		return
	}
	binary.LittleEndian.PutUint64(cell, uint64(result.SumInt))
}
