// Package aggiter implements the aggregate iterator (spec.md §4.9): one
// result row per entity over a requested subset of
// {min,max,sum,count,first,last,first_row,last_row,firstts,lastts,
// firstrowts,lastrowts}, with a first/last short-circuit and a general
// path that reuses block-level pre-aggregates when eligible.
package aggiter

import (
	"fmt"

	"github.com/kwdbts2/kwdbts2/aggregate"
	"github.com/kwdbts2/kwdbts2/block"
	"github.com/kwdbts2/kwdbts2/core"
	"github.com/kwdbts2/kwdbts2/partition"
	"github.com/kwdbts2/kwdbts2/segment"
)

// ColumnRequest asks for a subset of aggregation kinds over one column.
type ColumnRequest struct {
	Column core.Column
	Kinds  []core.AggregationKind
}

// EntityResult is one entity's row of aggregate results, keyed by column
// id. Each *core.AggregateResult carries every field the caller requested
// for that column; unrequested fields are left at their zero value.
type EntityResult struct {
	EntityID uint32
	Columns  map[uint32]*core.AggregateResult
}

// Compute produces one EntityResult per entity in entityIDs. partitions
// must be supplied in ascending StartTs order and already open for the
// lifetime of the call.
func Compute(partitions []*partition.Partition, entityIDs []uint32, tsSpans []core.TsSpan, columnReqs []ColumnRequest) ([]EntityResult, error) {
	out := make([]EntityResult, 0, len(entityIDs))
	for _, entityID := range entityIDs {
		er := EntityResult{EntityID: entityID, Columns: make(map[uint32]*core.AggregateResult, len(columnReqs))}
		for _, cr := range columnReqs {
			res, err := computeColumn(partitions, entityID, tsSpans, cr)
			if err != nil {
				return nil, err
			}
			er.Columns[cr.Column.ID] = res
		}
		out = append(out, er)
	}
	return out, nil
}

func classify(kinds []core.AggregationKind) (hasFirstLast, hasBasic bool) {
	for _, k := range kinds {
		if k.IsFirstLastFamily() {
			hasFirstLast = true
		} else {
			hasBasic = true
		}
	}
	return
}

func computeColumn(partitions []*partition.Partition, entityID uint32, spans []core.TsSpan, cr ColumnRequest) (*core.AggregateResult, error) {
	hasFirstLast, hasBasic := classify(cr.Kinds)
	switch {
	case hasFirstLast && !hasBasic:
		return computeFirstLastShortCircuit(partitions, entityID, spans, cr)
	case hasBasic && !hasFirstLast:
		return computeBasicGeneral(partitions, entityID, spans, cr.Column)
	default:
		return computeMixedRawScan(partitions, entityID, spans, cr)
	}
}

func overlapsAnySpan(minTS, maxTS int64, spans []core.TsSpan) bool {
	if len(spans) == 0 {
		return true
	}
	for _, span := range spans {
		if span.Overlaps(minTS, maxTS) {
			return true
		}
	}
	return false
}

func fullyCoveredByEverySpan(minTS, maxTS int64, spans []core.TsSpan) bool {
	for _, span := range spans {
		if !(span.Start <= minTS && maxTS <= span.End) {
			return false
		}
	}
	return true
}

func tsInAnySpan(ts int64, spans []core.TsSpan) bool {
	if len(spans) == 0 {
		return true
	}
	for _, span := range spans {
		if span.Contains(ts) {
			return true
		}
	}
	return false
}

// computeBasicGeneral handles a column request whose kinds are entirely
// {min,max,sum,count} (spec.md §4.9 "General path" steps 1-3).
func computeBasicGeneral(partitions []*partition.Partition, entityID uint32, spans []core.TsSpan, col core.Column) (*core.AggregateResult, error) {
	var base *core.AggregateResult
	for _, p := range partitions {
		for _, item := range p.GetAllBlockItems(entityID, false) {
			if !overlapsAnySpan(item.MinTS, item.MaxTS, spans) {
				continue // step 1: block's min/max cover none of ts_spans
			}
			seg, ok := p.SegmentByID(item.SegmentID)
			if !ok {
				return nil, fmt.Errorf("%w: block %d references unknown segment %d", core.ErrInternal, item.BlockID, item.SegmentID)
			}
			agg, err := blockBasicAggregate(seg, item, col, spans)
			if err != nil {
				return nil, err
			}
			base = aggregate.Combine(base, agg, col.Type)
		}
	}
	if base == nil {
		base = &core.AggregateResult{}
	}
	return base, nil
}

// blockBasicAggregate computes one block's contribution: the stored
// pre-aggregate when the block is fully covered and untouched by deletes
// (spec.md §4.9 step 2), otherwise a raw-cell scan excluding tombstoned
// and out-of-span rows (step 3).
func blockBasicAggregate(seg *segment.Segment, item *block.Item, col core.Column, spans []core.TsSpan) (*core.AggregateResult, error) {
	fullyCovered := len(spans) == 0 || fullyCoveredByEverySpan(item.MinTS, item.MaxTS, spans)
	if item.IsAggResAvailable && !item.HasAnyDeleted() && fullyCovered {
		return seg.BlockAggregate(item.BlockID, col)
	}

	layout, blockBytes, heap, err := seg.RawBlockRegion(item.BlockID, col)
	if err != nil {
		return nil, err
	}
	count := item.PublishRowCount
	if count == 0 {
		return &core.AggregateResult{}, nil
	}

	excludeBitmap := append([]byte(nil), blockBytes[0:layout.BitmapBytes]...)
	if item.HasAnyDeleted() || !fullyCovered {
		timestamps, err := seg.BlockTimestamps(item.BlockID, count)
		if err != nil {
			return nil, err
		}
		for row := uint32(0); row < count; row++ {
			if item.IsDeleted(row) || !tsInAnySpan(timestamps[row], spans) {
				block.SetNull(excludeBitmap, row)
			}
		}
	}

	return aggregate.Extend(nil, col, layout, blockBytes, excludeBitmap, 0, count, heap)
}

// computeFirstLastShortCircuit resolves a column request whose kinds are
// entirely first/last-family by scanning partitions in the direction that
// exposes the earliest (or latest) live row first, stopping as soon as
// every requested candidate is resolved, since block-item traversal is
// monotonic in time: FirstRow/LastRow on the first live, in-span row
// visited, First/Last on the first such row whose column is non-null
// (spec.md §4.9 "First/last short-circuit").
func computeFirstLastShortCircuit(partitions []*partition.Partition, entityID uint32, spans []core.TsSpan, cr ColumnRequest) (*core.AggregateResult, error) {
	wantFirst, wantFirstRow, wantLast, wantLastRow := false, false, false, false
	for _, k := range cr.Kinds {
		switch k {
		case core.AggFirst, core.AggFirstTs:
			wantFirst = true
		case core.AggFirstRow, core.AggFirstRowTs:
			wantFirstRow = true
		case core.AggLast, core.AggLastTs:
			wantLast = true
		case core.AggLastRow, core.AggLastRowTs:
			wantLastRow = true
		}
	}

	result := &core.AggregateResult{}
	if wantFirst || wantFirstRow {
		if err := scanCandidates(partitions, entityID, spans, cr.Column, false, wantFirst, wantFirstRow, result); err != nil {
			return nil, err
		}
	}
	if wantLast || wantLastRow {
		if err := scanCandidates(partitions, entityID, spans, cr.Column, true, wantLast, wantLastRow, result); err != nil {
			return nil, err
		}
	}
	return result, nil
}

// scanCandidates walks blocks in ascending (reverse=false) or descending
// order, updating result's First/FirstRow or Last/LastRow candidates and
// stopping as soon as both requested candidates are resolved.
func scanCandidates(partitions []*partition.Partition, entityID uint32, spans []core.TsSpan, col core.Column, reverse, wantNonNull, wantAny bool, result *core.AggregateResult) error {
	rowSetFlag := func() bool {
		if reverse {
			return result.LastRowSet
		}
		return result.FirstRowSet
	}
	valueSetFlag := func() bool {
		if reverse {
			return result.LastSet
		}
		return result.FirstSet
	}

	pos := 0
	for pos < len(partitions) {
		p := partitionAt(partitions, pos, reverse)
		pos++
		items := p.GetAllBlockItems(entityID, reverse)
		for _, item := range items {
			if !overlapsAnySpan(item.MinTS, item.MaxTS, spans) {
				continue
			}
			seg, ok := p.SegmentByID(item.SegmentID)
			if !ok {
				return fmt.Errorf("%w: block %d references unknown segment %d", core.ErrInternal, item.BlockID, item.SegmentID)
			}
			done, err := scanBlockCandidates(seg, item, col, spans, reverse, wantNonNull, wantAny, result)
			if err != nil {
				return err
			}
			if done {
				return nil
			}
		}
		if (!wantAny || rowSetFlag()) && (!wantNonNull || valueSetFlag()) {
			return nil
		}
	}
	return nil
}

func partitionAt(partitions []*partition.Partition, pos int, reverse bool) *partition.Partition {
	if reverse {
		return partitions[len(partitions)-1-pos]
	}
	return partitions[pos]
}

// scanBlockCandidates visits one block's live, in-span rows in time order
// (respecting reverse) and updates result's candidates, returning
// done=true once every requested candidate for this direction is set.
func scanBlockCandidates(seg *segment.Segment, item *block.Item, col core.Column, spans []core.TsSpan, reverse, wantNonNull, wantAny bool, result *core.AggregateResult) (bool, error) {
	count := item.PublishRowCount
	if count == 0 {
		return false, nil
	}
	timestamps, err := seg.BlockTimestamps(item.BlockID, count)
	if err != nil {
		return false, err
	}
	values, nulls, err := seg.ReadColumnRows(item.BlockID, col, 0, count)
	if err != nil {
		return false, err
	}

	order := make([]uint32, 0, count)
	for r := uint32(0); r < count; r++ {
		row := r
		if reverse {
			row = count - 1 - r
		}
		order = append(order, row)
	}

	for _, row := range order {
		if item.IsDeleted(row) || !tsInAnySpan(timestamps[row], spans) {
			continue
		}
		ts := timestamps[row]

		if wantAny {
			rowSet := result.FirstRowSet
			if reverse {
				rowSet = result.LastRowSet
			}
			if !rowSet {
				setRowCandidate(result, reverse, values[row], nulls[row], ts)
			}
		}
		if wantNonNull && !nulls[row] {
			valueSet := result.FirstSet
			if reverse {
				valueSet = result.LastSet
			}
			if !valueSet {
				setValueCandidate(result, reverse, values[row], ts)
			}
		}

		rowDone := !wantAny || (result.FirstRowSet && !reverse) || (result.LastRowSet && reverse)
		valueDone := !wantNonNull || (result.FirstSet && !reverse) || (result.LastSet && reverse)
		if rowDone && valueDone {
			return true, nil
		}
	}
	return false, nil
}

func setRowCandidate(result *core.AggregateResult, reverse bool, value []byte, isNull bool, ts int64) {
	if reverse {
		result.LastRowSet = true
		result.LastRow = value
		result.LastRowNull = isNull
		result.LastRowTs = ts
		return
	}
	result.FirstRowSet = true
	result.FirstRow = value
	result.FirstRowNull = isNull
	result.FirstRowTs = ts
}

func setValueCandidate(result *core.AggregateResult, reverse bool, value []byte, ts int64) {
	if reverse {
		result.LastSet = true
		result.Last = value
		result.LastTs = ts
		return
	}
	result.FirstSet = true
	result.First = value
	result.FirstTs = ts
}

// computeMixedRawScan handles a column request mixing first/last-family
// kinds with min/max/sum/count kinds. It always visits raw cells (the
// block pre-aggregate reuse optimization only covers min/max/sum/count and
// first/last needs per-row identity anyway), trading the fast-path
// optimization for a single, simple, always-correct pass.
func computeMixedRawScan(partitions []*partition.Partition, entityID uint32, spans []core.TsSpan, cr ColumnRequest) (*core.AggregateResult, error) {
	result := &core.AggregateResult{}
	for _, p := range partitions {
		for _, item := range p.GetAllBlockItems(entityID, false) {
			if !overlapsAnySpan(item.MinTS, item.MaxTS, spans) {
				continue
			}
			seg, ok := p.SegmentByID(item.SegmentID)
			if !ok {
				return nil, fmt.Errorf("%w: block %d references unknown segment %d", core.ErrInternal, item.BlockID, item.SegmentID)
			}
			if err := mixedScanBlock(seg, item, cr.Column, spans, result); err != nil {
				return nil, err
			}
		}
	}
	return result, nil
}

func mixedScanBlock(seg *segment.Segment, item *block.Item, col core.Column, spans []core.TsSpan, result *core.AggregateResult) error {
	count := item.PublishRowCount
	if count == 0 {
		return nil
	}
	timestamps, err := seg.BlockTimestamps(item.BlockID, count)
	if err != nil {
		return err
	}
	values, nulls, err := seg.ReadColumnRows(item.BlockID, col, 0, count)
	if err != nil {
		return err
	}

	for row := uint32(0); row < count; row++ {
		if item.IsDeleted(row) || !tsInAnySpan(timestamps[row], spans) {
			continue
		}
		ts := timestamps[row]

		if !result.FirstRowSet {
			setRowCandidate(result, false, values[row], nulls[row], ts)
		}
		if !result.LastRowSet || ts >= result.LastRowTs {
			setRowCandidate(result, true, values[row], nulls[row], ts)
		}
		if !nulls[row] {
			if !result.FirstSet {
				setValueCandidate(result, false, values[row], ts)
			}
			if !result.LastSet || ts >= result.LastTs {
				setValueCandidate(result, true, values[row], ts)
			}

			result.Count++
			if !result.MinSet || compareBytes(col.Type, values[row], result.Min) < 0 {
				result.MinSet = true
				result.Min = values[row]
			}
			if !result.MaxSet || compareBytes(col.Type, values[row], result.Max) > 0 {
				result.MaxSet = true
				result.Max = values[row]
			}
			mergeSumValue(result, col.Type, values[row])
		}
	}
	return nil
}

func compareBytes(t core.DataType, a, b []byte) int {
	av, bv := decodeComparable(t, a), decodeComparable(t, b)
	switch v := av.(type) {
	case int64:
		bv := bv.(int64)
		switch {
		case v < bv:
			return -1
		case v > bv:
			return 1
		default:
			return 0
		}
	case float64:
		bv := bv.(float64)
		switch {
		case v < bv:
			return -1
		case v > bv:
			return 1
		default:
			return 0
		}
	default:
		as, bs := a, b
		for i := 0; i < len(as) && i < len(bs); i++ {
			if as[i] != bs[i] {
				return int(as[i]) - int(bs[i])
			}
		}
		return len(as) - len(bs)
	}
}

func decodeComparable(t core.DataType, cell []byte) any {
	if t.IsNumeric() {
		if t == core.DataTypeFloat32 || t == core.DataTypeFloat64 {
			return aggregate.DecodeFloat64(t, cell)
		}
		return aggregate.DecodeInt64(t, cell)
	}
	return cell
}

func mergeSumValue(result *core.AggregateResult, t core.DataType, cell []byte) {
	if !t.IsNumeric() {
		return
	}
	if t == core.DataTypeFloat32 || t == core.DataTypeFloat64 {
		result.MergeSumFloat(aggregate.DecodeFloat64(t, cell))
		return
	}
	result.MergeSumInt(aggregate.DecodeInt64(t, cell), t)
}
