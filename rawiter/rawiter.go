// Package rawiter implements the raw row iterator (spec.md §4.8): it walks
// a set of already-open partitions for a set of entities, producing one
// batch per block, taking the fast path (whole block, no per-row checks)
// when the block's pre-aggregates certify full span coverage and no
// tombstones, and falling back to a row-by-row slow path otherwise.
package rawiter

import (
	"fmt"

	"github.com/kwdbts2/kwdbts2/block"
	"github.com/kwdbts2/kwdbts2/core"
	"github.com/kwdbts2/kwdbts2/partition"
	"github.com/kwdbts2/kwdbts2/segment"
)

// ColumnValues holds one projected column's materialized values for a
// batch, already dereferenced through the string heap for varlen columns.
type ColumnValues struct {
	Nulls  []bool
	Values [][]byte
}

// Batch is one iterator step's output: every row comes from a single block
// of a single entity (spec.md §4.8).
type Batch struct {
	EntityID   uint32
	BlockID    uint32
	Timestamps []int64
	Columns    map[uint32]ColumnValues
}

// Iterator is the state machine described by spec.md §4.8:
// (partitions[], cur_p_idx, cur_block_item, cur_row_offset, entity_ids[],
// cur_entity_idx, ts_spans, projected_cols, reverse).
type Iterator struct {
	partitions    []*partition.Partition // ascending StartTs order
	entityIDs     []uint32
	tsSpans       []core.TsSpan
	projectedCols []core.Column
	reverse       bool

	curEntityIdx int
	curPIdxPos   int // position within traversal order (see partitionAt)
	curItems     []*block.Item
	curItemIdx   int
}

// New constructs a raw iterator over already-open partitions. Callers
// (the engine's query path) are responsible for resolving and holding
// partition references for the lifetime of the iterator.
func New(partitions []*partition.Partition, entityIDs []uint32, tsSpans []core.TsSpan, projectedCols []core.Column, reverse bool) *Iterator {
	return &Iterator{
		partitions:    partitions,
		entityIDs:     entityIDs,
		tsSpans:       tsSpans,
		projectedCols: projectedCols,
		reverse:       reverse,
	}
}

// partitionAt maps a 0-based traversal position to a partition, walking
// ascending StartTs order for forward iteration and descending for reverse.
func (it *Iterator) partitionAt(pos int) *partition.Partition {
	if it.reverse {
		return it.partitions[len(it.partitions)-1-pos]
	}
	return it.partitions[pos]
}

// Next produces the next batch, or finished=true once every entity's block
// list is exhausted (spec.md §4.8 "next(out_batch, out_count, out_finished,
// watermark_ts)"). hasWatermark=false disables the early-termination check.
func (it *Iterator) Next(watermarkTS int64, hasWatermark bool) (Batch, bool, error) {
	for {
		if it.curEntityIdx >= len(it.entityIDs) {
			return Batch{}, true, nil
		}
		if it.curItemIdx >= len(it.curItems) {
			if err := it.advance(hasWatermark, watermarkTS); err != nil {
				return Batch{}, false, err
			}
			continue
		}

		item := it.curItems[it.curItemIdx]
		it.curItemIdx++

		batch, empty, err := it.materialize(item)
		if err != nil {
			return Batch{}, false, err
		}
		if empty {
			continue
		}
		return batch, false, nil
	}
}

// advance moves curItems to the next non-empty (partition, entity) block
// list, or to the next entity once the current one's partitions (or the
// watermark) are exhausted.
func (it *Iterator) advance(hasWatermark bool, watermarkTS int64) error {
	entityID := it.entityIDs[it.curEntityIdx]

	for it.curPIdxPos < len(it.partitions) {
		p := it.partitionAt(it.curPIdxPos)

		if hasWatermark && it.partitionOutsideWatermark(p, watermarkTS) {
			break // remaining partitions in this traversal order are also outside
		}
		it.curPIdxPos++

		items := p.GetAllBlockItems(entityID, it.reverse)
		filtered := it.filterBySpanOverlap(items)
		if len(filtered) == 0 {
			continue
		}
		it.curItems = filtered
		it.curItemIdx = 0
		return nil
	}

	it.curEntityIdx++
	it.curPIdxPos = 0
	it.curItems = nil
	it.curItemIdx = 0
	return nil
}

// partitionOutsideWatermark reports whether p lies entirely outside the
// side of watermarkTS that is interesting for this iterator's direction
// (spec.md §4.8: forward `partition_min > watermark_ts`; reverse
// analogously on the partition's max bound).
func (it *Iterator) partitionOutsideWatermark(p *partition.Partition, watermarkTS int64) bool {
	if it.reverse {
		return p.StartTs+p.Interval-1 < watermarkTS
	}
	return p.StartTs > watermarkTS
}

func (it *Iterator) filterBySpanOverlap(items []*block.Item) []*block.Item {
	if len(it.tsSpans) == 0 {
		return items
	}
	out := make([]*block.Item, 0, len(items))
	for _, item := range items {
		if it.overlapsAnySpan(item.MinTS, item.MaxTS) {
			out = append(out, item)
		}
	}
	return out
}

func (it *Iterator) overlapsAnySpan(minTS, maxTS int64) bool {
	for _, span := range it.tsSpans {
		if span.Overlaps(minTS, maxTS) {
			return true
		}
	}
	return false
}

// fullyCoveredByEverySpan reports whether [minTS,maxTS] is inside every
// requested span (spec.md §4.8 fast-path condition, read literally as a
// conjunction across all spans — see DESIGN.md's Open Question decision).
func (it *Iterator) fullyCoveredByEverySpan(minTS, maxTS int64) bool {
	for _, span := range it.tsSpans {
		if !(span.Start <= minTS && maxTS <= span.End) {
			return false
		}
	}
	return true
}

// materialize produces item's batch, taking the fast whole-block path when
// eligible and the row-by-row slow path otherwise (spec.md §4.8).
func (it *Iterator) materialize(item *block.Item) (Batch, bool, error) {
	seg, ok := findSegment(it.partitions, item.SegmentID)
	if !ok {
		return Batch{}, false, fmt.Errorf("%w: block %d references unknown segment %d", core.ErrInternal, item.BlockID, item.SegmentID)
	}

	fastEligible := item.IsAggResAvailable && !item.HasAnyDeleted() &&
		(len(it.tsSpans) == 0 || it.fullyCoveredByEverySpan(item.MinTS, item.MaxTS))

	tsCol, err := seg.Schema().TimestampColumn()
	if err != nil {
		return Batch{}, false, err
	}

	if fastEligible {
		return it.materializeFastPath(seg, item, *tsCol)
	}
	return it.materializeSlowPath(seg, item, *tsCol)
}

func (it *Iterator) materializeFastPath(seg segmentReader, item *block.Item, tsCol core.Column) (Batch, bool, error) {
	count := item.PublishRowCount
	if count == 0 {
		return Batch{}, true, nil
	}

	tsCells, _, err := seg.ReadColumnRows(item.BlockID, tsCol, 0, count)
	if err != nil {
		return Batch{}, false, err
	}
	timestamps := decodeTimestamps(tsCells)

	columns := make(map[uint32]ColumnValues, len(it.projectedCols))
	for _, col := range it.projectedCols {
		values, nulls, err := seg.ReadColumnRows(item.BlockID, col, 0, count)
		if err != nil {
			return Batch{}, false, err
		}
		columns[col.ID] = ColumnValues{Nulls: nulls, Values: values}
	}

	if it.reverse {
		reverseInts(timestamps)
		for id, cv := range columns {
			reverseValues(cv)
			columns[id] = cv
		}
	}

	return Batch{EntityID: item.EntityID, BlockID: item.BlockID, Timestamps: timestamps, Columns: columns}, false, nil
}

func (it *Iterator) materializeSlowPath(seg segmentReader, item *block.Item, tsCol core.Column) (Batch, bool, error) {
	count := item.PublishRowCount
	if count == 0 {
		return Batch{}, true, nil
	}

	tsCells, _, err := seg.ReadColumnRows(item.BlockID, tsCol, 0, count)
	if err != nil {
		return Batch{}, false, err
	}

	colCells := make(map[uint32][][]byte, len(it.projectedCols))
	colNulls := make(map[uint32][]bool, len(it.projectedCols))
	for _, col := range it.projectedCols {
		values, nulls, err := seg.ReadColumnRows(item.BlockID, col, 0, count)
		if err != nil {
			return Batch{}, false, err
		}
		colCells[col.ID] = values
		colNulls[col.ID] = nulls
	}

	rowOrder := make([]uint32, 0, count)
	for r := uint32(0); r < count; r++ {
		row := r
		if it.reverse {
			row = count - 1 - r
		}
		if item.IsDeleted(row) {
			continue
		}
		ts := decodeTimestamp(tsCells[row])
		if len(it.tsSpans) > 0 && !it.tsInAnySpan(ts) {
			continue
		}
		rowOrder = append(rowOrder, row)
	}
	if len(rowOrder) == 0 {
		return Batch{}, true, nil
	}

	timestamps := make([]int64, len(rowOrder))
	columns := make(map[uint32]ColumnValues, len(it.projectedCols))
	for _, col := range it.projectedCols {
		columns[col.ID] = ColumnValues{Nulls: make([]bool, len(rowOrder)), Values: make([][]byte, len(rowOrder))}
	}
	for i, row := range rowOrder {
		timestamps[i] = decodeTimestamp(tsCells[row])
		for _, col := range it.projectedCols {
			cv := columns[col.ID]
			cv.Nulls[i] = colNulls[col.ID][row]
			cv.Values[i] = colCells[col.ID][row]
		}
	}

	return Batch{EntityID: item.EntityID, BlockID: item.BlockID, Timestamps: timestamps, Columns: columns}, false, nil
}

func (it *Iterator) tsInAnySpan(ts int64) bool {
	for _, span := range it.tsSpans {
		if span.Contains(ts) {
			return true
		}
	}
	return false
}

func reverseInts(s []int64) {
	for i, j := 0, len(s)-1; i < j; i, j = i+1, j-1 {
		s[i], s[j] = s[j], s[i]
	}
}

func reverseValues(cv ColumnValues) {
	for i, j := 0, len(cv.Values)-1; i < j; i, j = i+1, j-1 {
		cv.Values[i], cv.Values[j] = cv.Values[j], cv.Values[i]
		cv.Nulls[i], cv.Nulls[j] = cv.Nulls[j], cv.Nulls[i]
	}
}

func decodeTimestamps(cells [][]byte) []int64 {
	out := make([]int64, len(cells))
	for i, c := range cells {
		out[i] = decodeTimestamp(c)
	}
	return out
}

func decodeTimestamp(cell []byte) int64 {
	var v uint64
	for i := 0; i < 8 && i < len(cell); i++ {
		v |= uint64(cell[i]) << (8 * i)
	}
	return int64(v)
}

// segmentReader is the subset of *segment.Segment rawiter needs, kept
// narrow so tests can substitute a fake.
type segmentReader interface {
	Schema() *core.Schema
	ReadColumnRows(blockID uint32, col core.Column, firstRow, count uint32) ([][]byte, []bool, error)
}

// segmentAdapter exposes *segment.Segment's exported Schema field as a
// method so it satisfies segmentReader.
type segmentAdapter struct{ seg *segment.Segment }

func (a segmentAdapter) Schema() *core.Schema { return a.seg.Schema }

func (a segmentAdapter) ReadColumnRows(blockID uint32, col core.Column, firstRow, count uint32) ([][]byte, []bool, error) {
	return a.seg.ReadColumnRows(blockID, col, firstRow, count)
}

func findSegment(partitions []*partition.Partition, segmentID uint32) (segmentReader, bool) {
	for _, p := range partitions {
		if s, ok := p.SegmentByID(segmentID); ok {
			return segmentAdapter{s}, true
		}
	}
	return nil, false
}
