package engine

import (
	"context"

	"github.com/kwdbts2/kwdbts2/core"
	"github.com/kwdbts2/kwdbts2/hooks"
	"github.com/kwdbts2/kwdbts2/partition"
	"github.com/kwdbts2/kwdbts2/segment"
	"github.com/kwdbts2/kwdbts2/subgroup"
)

// EntityPayload names a new entity's primary tag and initial general-tag
// cells (spec.md §6 "put_entity(table_id, range_group_id, payload[])").
type EntityPayload struct {
	PrimaryTag []byte
	Cells      map[uint32][]byte // tag column id -> encoded cell bytes
}

// DataPayload is one entity's metric row batch (spec.md §6
// "put_data(table_id, range_group_id, payload[], mtr_id, dedup)"). Columns
// reuses segment.ColumnData directly since that is exactly the shape
// partition.Write needs, avoiding a redundant re-encode on the hot path.
type DataPayload struct {
	PrimaryTag []byte
	Timestamps []int64
	Columns    map[uint32]segment.ColumnData
}

// PutDataResult reports counters for a put_data batch.
type PutDataResult struct {
	RowsWritten  int
	RowsRejected int
	Tombstoned   []core.MetricRowID
}

// PutEntity creates new entities, registering their primary tag and
// initial general-tag cells (spec.md §6 "put_entity"). Tag rows are
// durable through the tag table's own append log, so no WAL entry is
// written here (see DESIGN.md).
func (e *Engine) PutEntity(ctx context.Context, tableID, rangeGroupID uint64, payload []EntityPayload) ([]uint32, error) {
	ctx, span := e.tracer.Start(ctx, "engine.PutEntity")
	defer span.End()

	if err := e.checkOpen(); err != nil {
		return nil, err
	}
	t, err := e.getTable(tableID)
	if err != nil {
		return nil, err
	}
	rg, err := t.getRangeGroup(rangeGroupID)
	if err != nil {
		return nil, err
	}
	entityIDs := make([]uint32, 0, len(payload))
	for _, p := range payload {
		if _, _, found := rg.resolvePrimaryTag(p.PrimaryTag); found {
			return nil, core.AlreadyExistsf("entity with given primary tag")
		}
		_, entityID, err := rg.registerEntity(p.PrimaryTag, p.Cells)
		if err != nil {
			return nil, err
		}
		entityIDs = append(entityIDs, entityID)
	}
	return entityIDs, nil
}

// PutData writes rows for existing (or, per spec.md §9 silence on the
// point, implicitly auto-created) entities, deduping per row.Timestamp
// under the table's configured DedupMode (spec.md §6 "put_data").
func (e *Engine) PutData(ctx context.Context, tableID, rangeGroupID uint64, payload []DataPayload, mtrID uint64) (PutDataResult, error) {
	ctx, span := e.tracer.Start(ctx, "engine.PutData")
	defer span.End()
	if err := e.checkOpen(); err != nil {
		return PutDataResult{}, err
	}
	t, err := e.getTable(tableID)
	if err != nil {
		return PutDataResult{}, err
	}
	rg, err := t.getRangeGroup(rangeGroupID)
	if err != nil {
		return PutDataResult{}, err
	}

	_ = rg.hookManager.Trigger(ctx, hooks.NewPrePutDataEvent(hooks.PrePutDataPayload{
		TableID: tableID, RangeGroupID: rangeGroupID, Dedup: t.dedupMode, RowCount: len(payload),
	}))

	var result PutDataResult
	var perr error
	for _, p := range payload {
		_, entityID, found := rg.resolvePrimaryTag(p.PrimaryTag)
		if !found {
			_, entityID, perr = rg.registerEntity(p.PrimaryTag, nil)
			if perr != nil {
				break
			}
		}
		outcome, err := rg.applyInsertRows(entityID, p.Timestamps, p.Columns, mtrID)
		if err != nil {
			perr = err
			break
		}
		result.RowsWritten += len(outcome.WrittenRowIDs)
		result.RowsRejected += outcome.RejectedCount
		result.Tombstoned = append(result.Tombstoned, outcome.TombstonedRowIDs...)
	}

	_ = rg.hookManager.Trigger(ctx, hooks.NewPostPutDataEvent(hooks.PostPutDataPayload{
		TableID: tableID, RangeGroupID: rangeGroupID,
		RowsWritten: result.RowsWritten, RowsRejected: result.RowsRejected,
		Tombstoned: result.Tombstoned, Error: perr,
	}))
	return result, perr
}

// applyInsertRows is the shared insert path used by PutData and WAL
// replay: it splits the batch across partition boundaries and writes each
// slice through its sub-group. It appends nothing to the WAL, and neither
// does PutData, so a batch written through PutData leaves no
// RecordInsertMetrics entry for replay to redo.
func (rg *rangeGroup) applyInsertRows(entityID uint32, timestamps []int64, columns map[uint32]segment.ColumnData, mtrID uint64) (partition.WriteOutcome, error) {
	subGroupID := rg.subGroupIDFor(entityID)
	sg, err := rg.getOrOpenSubGroup(subGroupID)
	if err != nil {
		return partition.WriteOutcome{}, err
	}

	interval := rg.table.partitionInterval
	groups := splitByPartition(timestamps, interval)

	var total partition.WriteOutcome
	for start, idxs := range groups {
		p, release, err := sg.pt.GetPartitionTable(timestamps[idxs[0]])
		if err != nil {
			return total, err
		}
		req := partition.WriteRequest{
			EntityID:   entityID,
			Timestamps: sliceInts(timestamps, idxs),
			Columns:    sliceColumns(columns, idxs, len(timestamps)),
		}
		outcome, err := p.Write(req)
		release()
		if err != nil {
			return total, err
		}
		sg.trackPartition(start, p)
		if len(req.Timestamps) > 0 {
			minTS, maxTS := req.Timestamps[0], req.Timestamps[0]
			for _, ts := range req.Timestamps {
				if ts < minTS {
					minTS = ts
				}
				if ts > maxTS {
					maxTS = ts
				}
			}
			sg.recordPartitionActivity(start, len(outcome.WrittenRowIDs), minTS, maxTS)
		}
		total.WrittenRowIDs = append(total.WrittenRowIDs, outcome.WrittenRowIDs...)
		total.TombstonedRowIDs = append(total.TombstonedRowIDs, outcome.TombstonedRowIDs...)
		total.RejectedCount += outcome.RejectedCount

		if mtrID != 0 {
			rg.mtrMu.Lock()
			rec, ok := rg.mtrs[mtrID]
			if !ok {
				rec = &mtrRecord{status: mtrActive}
				rg.mtrs[mtrID] = rec
			}
			for _, rid := range outcome.WrittenRowIDs {
				rec.written = append(rec.written, taggedRowID{
					subGroupID: subGroupID, entityID: entityID, partitionStartTs: start,
					blockID: rid.BlockID, rowOffset: rid.RowOffset,
				})
			}
			rg.mtrMu.Unlock()
		}
	}
	return total, nil
}

func splitByPartition(timestamps []int64, interval int64) map[int64][]int {
	groups := make(map[int64][]int)
	for i, ts := range timestamps {
		start := subgroup.PartitionTime(ts, interval)
		groups[start] = append(groups[start], i)
	}
	return groups
}

func sliceInts(vals []int64, idxs []int) []int64 {
	out := make([]int64, len(idxs))
	for i, idx := range idxs {
		out[i] = vals[idx]
	}
	return out
}

func sliceColumns(columns map[uint32]segment.ColumnData, idxs []int, totalRows int) map[uint32]segment.ColumnData {
	out := make(map[uint32]segment.ColumnData, len(columns))
	for colID, data := range columns {
		sliced := segment.ColumnData{}
		if data.VarValues != nil {
			sliced.VarValues = make([][]byte, len(idxs))
			for i, idx := range idxs {
				if idx < len(data.VarValues) {
					sliced.VarValues[i] = data.VarValues[idx]
				}
			}
		}
		if data.FixedCells != nil && len(idxs) > 0 && totalRows > 0 {
			cellSize := len(data.FixedCells) / totalRows
			if cellSize == 0 {
				cellSize = len(data.FixedCells)
			}
			sliced.FixedCells = make([]byte, 0, len(idxs)*cellSize)
			for _, idx := range idxs {
				off := idx * cellSize
				if off+cellSize <= len(data.FixedCells) {
					sliced.FixedCells = append(sliced.FixedCells, data.FixedCells[off:off+cellSize]...)
				}
			}
		}
		if data.Nulls != nil {
			sliced.Nulls = make([]bool, len(idxs))
			for i, idx := range idxs {
				if idx < len(data.Nulls) {
					sliced.Nulls[i] = data.Nulls[idx]
				}
			}
		}
		out[colID] = sliced
	}
	return out
}

// DeleteData marks rows of one entity within the given timestamp spans as
// deleted (spec.md §6 "delete_data"). It returns the number of rows newly
// tombstoned; applying the same span twice returns 0 the second time
// (testable property "Tombstone idempotence").
func (e *Engine) DeleteData(ctx context.Context, tableID, rangeGroupID uint64, primaryTag []byte, tsSpans []core.TsSpan, mtrID uint64) (int, error) {
	ctx, span := e.tracer.Start(ctx, "engine.DeleteData")
	defer span.End()
	if err := e.checkOpen(); err != nil {
		return 0, err
	}
	t, err := e.getTable(tableID)
	if err != nil {
		return 0, err
	}
	rg, err := t.getRangeGroup(rangeGroupID)
	if err != nil {
		return 0, err
	}
	_, entityID, found := rg.resolvePrimaryTag(primaryTag)
	if !found {
		return 0, core.NotFoundf("entity for primary tag")
	}

	_ = rg.hookManager.Trigger(ctx, hooks.NewPreDeleteDataEvent(hooks.PreDeleteDataPayload{
		TableID: tableID, EntityID: entityID, TsSpans: tsSpans,
	}))

	count, derr := rg.applyDeleteRows(entityID, tsSpans)

	if derr == nil && mtrID != 0 {
		key := encodeEntityKey(entityID)
		if _, err := rg.wal.Append(core.WALEntry{Kind: core.RecordDeleteMetrics, Key: key, Value: encodeDeleteMetrics(tsSpans), MTRID: mtrID}); err != nil {
			derr = err
		}
	}

	_ = rg.hookManager.Trigger(ctx, hooks.NewPostDeleteDataEvent(hooks.PostDeleteDataPayload{
		TableID: tableID, EntityID: entityID, Count: count, Error: derr,
	}))
	return count, derr
}

// applyDeleteRows tombstones every live row of entityID whose timestamp
// falls in any of tsSpans, across every partition the spans touch.
func (rg *rangeGroup) applyDeleteRows(entityID uint32, tsSpans []core.TsSpan) (int, error) {
	subGroupID := rg.subGroupIDFor(entityID)
	sg, err := rg.getOrOpenSubGroup(subGroupID)
	if err != nil {
		return 0, err
	}
	interval := rg.table.partitionInterval
	if interval <= 0 {
		return 0, nil
	}

	starts := make(map[int64]struct{})
	for _, span := range tsSpans {
		for start := subgroup.PartitionTime(span.Start, interval); start <= span.End; start += interval {
			starts[start] = struct{}{}
		}
	}

	count := 0
	for start := range starts {
		p, release, err := sg.pt.GetPartitionTable(start)
		if err != nil {
			return count, err
		}
		items := p.GetAllBlockItems(entityID, false)
		for _, item := range items {
			snap := item.Snapshot()
			if !spanOverlaps(snap.MinTS, snap.MaxTS, tsSpans) {
				continue
			}
			seg, ok := p.SegmentByID(snap.SegmentID)
			if !ok {
				continue
			}
			timestamps, err := seg.BlockTimestamps(snap.BlockID, snap.PublishRowCount)
			if err != nil {
				release()
				return count, err
			}
			for offset, ts := range timestamps {
				if !spanContains(ts, tsSpans) {
					continue
				}
				if snap.DeletedBitmap != nil && snap.DeletedBitmap.Contains(uint32(offset)) {
					continue
				}
				if err := seg.MarkDeleted(snap.BlockID, uint32(offset)); err != nil {
					release()
					return count, err
				}
				count++
			}
		}
		sg.trackPartition(start, p)
		release()
	}
	return count, nil
}

func spanOverlaps(minTS, maxTS int64, spans []core.TsSpan) bool {
	for _, s := range spans {
		if s.Overlaps(minTS, maxTS) {
			return true
		}
	}
	return false
}

func spanContains(ts int64, spans []core.TsSpan) bool {
	for _, s := range spans {
		if s.Contains(ts) {
			return true
		}
	}
	return false
}

// DeleteRangeData deletes rows across every entity whose primary tag hash
// falls in [hashSpanStart, hashSpanEnd], within tsSpans (spec.md §6
// "delete_range_data").
func (e *Engine) DeleteRangeData(ctx context.Context, tableID, rangeGroupID uint64, hashSpanStart, hashSpanEnd uint32, tsSpans []core.TsSpan, mtrID uint64) (int, error) {
	ctx, span := e.tracer.Start(ctx, "engine.DeleteRangeData")
	defer span.End()

	if err := e.checkOpen(); err != nil {
		return 0, err
	}
	t, err := e.getTable(tableID)
	if err != nil {
		return 0, err
	}
	rg, err := t.getRangeGroup(rangeGroupID)
	if err != nil {
		return 0, err
	}

	total := 0
	rg.sgMu.RLock()
	var tags [][]byte
	for _, sg := range rg.subGroups {
		for _, rec := range sg.tags.AllLive() {
			if primaryTagHash(rec.PrimaryTag) >= hashSpanStart && primaryTagHash(rec.PrimaryTag) <= hashSpanEnd {
				tags = append(tags, rec.PrimaryTag)
			}
		}
	}
	rg.sgMu.RUnlock()

	for _, tag := range tags {
		n, err := e.DeleteData(ctx, tableID, rangeGroupID, tag, tsSpans, mtrID)
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

// DeleteEntities soft-deletes entities by primary tag (spec.md §6
// "delete_entities"): the tag row's delete mark is set but the row number
// (and any metric rows already written) remains resolvable, matching
// invariant 6 ("Tag rows are append-only").
func (e *Engine) DeleteEntities(ctx context.Context, tableID, rangeGroupID uint64, primaryTags [][]byte, mtrID uint64) (int, error) {
	ctx, span := e.tracer.Start(ctx, "engine.DeleteEntities")
	defer span.End()

	if err := e.checkOpen(); err != nil {
		return 0, err
	}
	t, err := e.getTable(tableID)
	if err != nil {
		return 0, err
	}
	rg, err := t.getRangeGroup(rangeGroupID)
	if err != nil {
		return 0, err
	}
	count := 0
	rg.sgMu.RLock()
	subGroups := make([]*subGroupState, 0, len(rg.subGroups))
	for _, sg := range rg.subGroups {
		subGroups = append(subGroups, sg)
	}
	rg.sgMu.RUnlock()

	for _, tag := range primaryTags {
		for _, sg := range subGroups {
			if err := sg.tags.DeleteTagRecord(tag); err == nil {
				count++
				break
			}
		}
	}
	return count, nil
}
