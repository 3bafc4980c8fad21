// Package partition implements the time-range container that owns one or
// more segments, a block-item directory, and per-entity metadata
// (spec.md §4.4).
package partition

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/kwdbts2/kwdbts2/block"
	"github.com/kwdbts2/kwdbts2/core"
	"github.com/kwdbts2/kwdbts2/hooks"
	"github.com/kwdbts2/kwdbts2/segment"
)

// EntityStats is the per-entity metadata a partition tracks
// (spec.md §4.4 "per-entity {min_ts, max_ts, row_written}").
type EntityStats struct {
	RowWritten uint64
	MinTS      int64
	MaxTS      int64
}

// Options configures Create/Open.
type Options struct {
	Logger      *slog.Logger
	HookManager hooks.HookManager
}

// Partition spans a configurable time interval and owns segments, block
// items, and per-entity write bookkeeping (spec.md §3 "Partition").
type Partition struct {
	StartTs  int64
	Interval int64
	Schema   *core.Schema
	Capacity uint32
	DedupMode core.DedupMode

	dir string

	// allocMu serializes block allocation and publish (spec.md §5
	// "Partition block directory: Mutex around allocation and publish;
	// readers use sequence counter on publish_row_count").
	allocMu sync.Mutex
	dirIdx  *directory
	indexed map[uint32]bool // blockID -> already inserted into dirIdx

	segMu         sync.RWMutex
	segments      map[uint32]*segment.Segment
	activeSegment *segment.Segment
	nextSegmentID uint32

	statsMu     sync.RWMutex
	entityStats map[uint32]*EntityStats
	// lastWrite tracks, per entity, the most recent MetricRowID seen for
	// each timestamp — an in-memory collision index avoiding a raw scan
	// on every write to resolve dedup (spec.md §4.4 "Dedup").
	lastWrite map[uint32]map[int64]core.MetricRowID

	logger      *slog.Logger
	hookManager hooks.HookManager
}

func partitionDir(baseDir string, startTs int64) string {
	return filepath.Join(baseDir, core.FormatPartitionDirName(startTs))
}

// Create opens a brand-new partition directory with a single Active
// segment.
func Create(baseDir string, startTs, interval int64, schema *core.Schema, capacity uint32, dedupMode core.DedupMode, opts Options) (*Partition, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	dir := partitionDir(baseDir, startTs)

	p := &Partition{
		StartTs:     startTs,
		Interval:    interval,
		Schema:      schema,
		Capacity:    capacity,
		DedupMode:   dedupMode,
		dir:         dir,
		dirIdx:      newDirectory(),
		indexed:     make(map[uint32]bool),
		segments:    make(map[uint32]*segment.Segment),
		entityStats: make(map[uint32]*EntityStats),
		lastWrite:   make(map[uint32]map[int64]core.MetricRowID),
		logger:      logger.With("component", "partition", "start_ts", startTs),
		hookManager: opts.HookManager,
	}

	seg, err := segment.Create(dir, 0, schema, capacity, segment.Options{Logger: logger, HookManager: opts.HookManager})
	if err != nil {
		return nil, fmt.Errorf("partition %d: create initial segment: %w", startTs, err)
	}
	p.segments[0] = seg
	p.activeSegment = seg
	p.nextSegmentID = 1
	return p, nil
}

// Open reopens an existing partition directory: it rediscovers segments
// from their timestamp-column files, reconstructs each from its .meta
// sidecar (segment.OpenWithMeta), and rebuilds the block-item directory,
// per-entity stats, and dedup collision index by reading back every live
// block's timestamps (spec.md §6 on-disk layout, §4.4 "Dedup"). The
// highest-numbered segment reopens Active; the rest reopen InActive.
// A directory with no discoverable segments is treated as newly created.
func Open(baseDir string, startTs, interval int64, schema *core.Schema, capacity uint32, dedupMode core.DedupMode, opts Options) (*Partition, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	dir := partitionDir(baseDir, startTs)

	tsCol, err := schema.TimestampColumn()
	if err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return Create(baseDir, startTs, interval, schema, capacity, dedupMode, opts)
		}
		return nil, fmt.Errorf("%w: read partition dir %s: %v", core.ErrIO, dir, err)
	}

	// A segment shows up either as a live <id>.<ts_col> column file or, once
	// Compress has repackaged it, as a lone <id>.sqfs container (spec.md
	// §4.3, §6): both are discovered here so a Compressed segment is not
	// mistaken for a deleted one on reopen.
	suffix := fmt.Sprintf(".%d", tsCol.ID)
	compressedIDs := make(map[uint32]bool)
	seen := make(map[uint32]bool)
	var segIDs []uint32
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if idStr := strings.TrimSuffix(name, suffix); idStr != name {
			if id, err := strconv.ParseUint(idStr, 10, 32); err == nil && !seen[uint32(id)] {
				seen[uint32(id)] = true
				segIDs = append(segIDs, uint32(id))
			}
			continue
		}
		if idStr := strings.TrimSuffix(name, core.SealedSegmentSuffix); idStr != name {
			if id, err := strconv.ParseUint(idStr, 10, 32); err == nil && !seen[uint32(id)] {
				seen[uint32(id)] = true
				compressedIDs[uint32(id)] = true
				segIDs = append(segIDs, uint32(id))
			}
		}
	}
	if len(segIDs) == 0 {
		return Create(baseDir, startTs, interval, schema, capacity, dedupMode, opts)
	}
	sort.Slice(segIDs, func(i, j int) bool { return segIDs[i] < segIDs[j] })

	p := &Partition{
		StartTs:     startTs,
		Interval:    interval,
		Schema:      schema,
		Capacity:    capacity,
		DedupMode:   dedupMode,
		dir:         dir,
		dirIdx:      newDirectory(),
		indexed:     make(map[uint32]bool),
		segments:    make(map[uint32]*segment.Segment),
		entityStats: make(map[uint32]*EntityStats),
		lastWrite:   make(map[uint32]map[int64]core.MetricRowID),
		logger:      logger.With("component", "partition", "start_ts", startTs),
		hookManager: opts.HookManager,
	}

	for i, id := range segIDs {
		state := segment.StateInActive
		switch {
		case i == len(segIDs)-1:
			state = segment.StateActive
		case compressedIDs[id]:
			state = segment.StateCompressed
		}
		seg, err := segment.OpenWithMeta(dir, id, schema, capacity, state, segment.Options{Logger: logger, HookManager: opts.HookManager})
		if err != nil {
			p.Close()
			return nil, fmt.Errorf("partition %d: open segment %d: %w", startTs, id, err)
		}
		p.segments[id] = seg
		if state == segment.StateActive {
			p.activeSegment = seg
		}
		if err := p.reindexSegmentLocked(seg); err != nil {
			p.Close()
			return nil, fmt.Errorf("partition %d: reindex segment %d: %w", startTs, id, err)
		}
	}
	p.nextSegmentID = segIDs[len(segIDs)-1] + 1
	return p, nil
}

// reindexSegmentLocked rebuilds the directory, entity stats, and dedup
// collision index from one already-opened segment's block items. Called
// only during Open, before the partition is visible to other goroutines.
func (p *Partition) reindexSegmentLocked(seg *segment.Segment) error {
	items := seg.AllBlockItems()
	sort.Slice(items, func(i, j int) bool {
		if items[i].EntityID != items[j].EntityID {
			return items[i].EntityID < items[j].EntityID
		}
		return items[i].BlockID < items[j].BlockID
	})

	for _, item := range items {
		p.dirIdx.insert(item)
		p.indexed[item.BlockID] = true

		if item.PublishRowCount == 0 {
			continue
		}
		timestamps, err := seg.BlockTimestamps(item.BlockID, item.PublishRowCount)
		if err != nil {
			return err
		}

		stats, ok := p.entityStats[item.EntityID]
		if !ok {
			stats = &EntityStats{MinTS: item.MinTS, MaxTS: item.MaxTS}
			p.entityStats[item.EntityID] = stats
		}
		stats.RowWritten += uint64(item.PublishRowCount)
		if item.MinTS < stats.MinTS {
			stats.MinTS = item.MinTS
		}
		if item.MaxTS > stats.MaxTS {
			stats.MaxTS = item.MaxTS
		}

		idx, ok := p.lastWrite[item.EntityID]
		if !ok {
			idx = make(map[int64]core.MetricRowID, len(timestamps))
			p.lastWrite[item.EntityID] = idx
		}
		for row, ts := range timestamps {
			idx[ts] = core.MetricRowID{EntityID: item.EntityID, Timestamp: ts, BlockID: item.BlockID, RowOffset: uint32(row)}
		}
	}
	return nil
}

// WriteRequest is a contiguous single-entity batch presented for dedup
// resolution and physical write.
type WriteRequest struct {
	EntityID   uint32
	Timestamps []int64
	Columns    map[uint32]segment.ColumnData
}

// WriteOutcome reports what a Write actually committed, for the caller to
// stamp WAL LSNs and report dedup counters (spec.md §4.4).
type WriteOutcome struct {
	WrittenRowIDs    []core.MetricRowID
	TombstonedRowIDs []core.MetricRowID
	RejectedCount    int
}

// Write resolves (entity, timestamp) collisions per p.DedupMode and then
// appends the surviving rows to the active segment (spec.md §4.4 "Dedup").
// A failing writer's reservation would be released by segment-level
// Rewind; Write itself either commits a request in full or returns an
// error before any row is published.
func (p *Partition) Write(req WriteRequest) (WriteOutcome, error) {
	p.allocMu.Lock()
	defer p.allocMu.Unlock()

	keep, tombstoned, rejected, err := p.resolveDedupLocked(req)
	if err != nil {
		return WriteOutcome{}, err
	}
	if len(keep) == 0 {
		return WriteOutcome{TombstonedRowIDs: tombstoned, RejectedCount: rejected}, nil
	}

	filtered := filterRequest(req, keep)
	result, err := p.activeSegment.WriteRows(req.EntityID, segment.RowSet{
		Timestamps: filtered.Timestamps,
		Columns:    filtered.Columns,
	})
	if err != nil {
		return WriteOutcome{}, err
	}

	p.indexNewBlocksLocked(req.EntityID, result.RowIDs)
	p.updateStatsLocked(req.EntityID, result.RowIDs)
	p.updateLastWriteLocked(req.EntityID, result.RowIDs)

	return WriteOutcome{
		WrittenRowIDs:    result.RowIDs,
		TombstonedRowIDs: tombstoned,
		RejectedCount:    rejected,
	}, nil
}

// resolveDedupLocked classifies each row index in req as kept, and
// separately returns the RowIDs of any previously written rows tombstoned
// by an OVERRIDE, plus a count of rows rejected outright.
func (p *Partition) resolveDedupLocked(req WriteRequest) (keep []int, tombstoned []core.MetricRowID, rejected int, err error) {
	entityIndex := p.lastWrite[req.EntityID]

	for i, ts := range req.Timestamps {
		existing, collides := entityIndex[ts]
		if !collides {
			keep = append(keep, i)
			continue
		}

		switch p.DedupMode {
		case core.DedupKeep:
			// first write wins: drop the incoming row.
			continue
		case core.DedupOverride:
			if err := p.tombstoneRowLocked(existing); err != nil {
				return nil, nil, 0, err
			}
			tombstoned = append(tombstoned, existing)
			keep = append(keep, i)
		case core.DedupReject, core.DedupDiscard:
			p.markDiscardLocked(existing)
			rejected++
		}
	}
	return keep, tombstoned, rejected, nil
}

func (p *Partition) tombstoneRowLocked(id core.MetricRowID) error {
	seg := p.segmentForBlockLocked(id.BlockID)
	if seg == nil {
		return fmt.Errorf("%w: no segment owns block %d", core.ErrInternal, id.BlockID)
	}
	return seg.MarkDeleted(id.BlockID, id.RowOffset)
}

func (p *Partition) markDiscardLocked(id core.MetricRowID) {
	seg := p.segmentForBlockLocked(id.BlockID)
	if seg == nil {
		return
	}
	if item, ok := seg.BlockItem(id.BlockID); ok {
		item.DiscardBitmap.Add(id.RowOffset)
	}
}

func (p *Partition) segmentForBlockLocked(blockID uint32) *segment.Segment {
	p.segMu.RLock()
	defer p.segMu.RUnlock()
	for _, seg := range p.segments {
		if _, ok := seg.BlockItem(blockID); ok {
			return seg
		}
	}
	return nil
}

func filterRequest(req WriteRequest, keep []int) WriteRequest {
	out := WriteRequest{
		EntityID:   req.EntityID,
		Timestamps: make([]int64, len(keep)),
		Columns:    make(map[uint32]segment.ColumnData, len(req.Columns)),
	}
	for colID, data := range req.Columns {
		nd := segment.ColumnData{}
		if data.FixedCells != nil {
			cellSize := len(data.FixedCells) / len(req.Timestamps)
			nd.FixedCells = make([]byte, 0, len(keep)*cellSize)
			for _, idx := range keep {
				nd.FixedCells = append(nd.FixedCells, data.FixedCells[idx*cellSize:(idx+1)*cellSize]...)
			}
		}
		if data.VarValues != nil {
			nd.VarValues = make([][]byte, len(keep))
			for j, idx := range keep {
				nd.VarValues[j] = data.VarValues[idx]
			}
		}
		if data.Nulls != nil {
			nd.Nulls = make([]bool, len(keep))
			for j, idx := range keep {
				nd.Nulls[j] = data.Nulls[idx]
			}
		}
		out.Columns[colID] = nd
	}
	for j, idx := range keep {
		out.Timestamps[j] = req.Timestamps[idx]
	}
	return out
}

func (p *Partition) indexNewBlocksLocked(entityID uint32, rowIDs []core.MetricRowID) {
	for _, id := range rowIDs {
		if p.indexed[id.BlockID] {
			continue
		}
		item, ok := p.activeSegment.BlockItem(id.BlockID)
		if !ok {
			continue
		}
		p.dirIdx.insert(item)
		p.indexed[id.BlockID] = true
	}
}

func (p *Partition) updateStatsLocked(entityID uint32, rowIDs []core.MetricRowID) {
	if len(rowIDs) == 0 {
		return
	}
	p.statsMu.Lock()
	defer p.statsMu.Unlock()
	stats, ok := p.entityStats[entityID]
	if !ok {
		stats = &EntityStats{MinTS: rowIDs[0].Timestamp, MaxTS: rowIDs[0].Timestamp}
		p.entityStats[entityID] = stats
	}
	for _, id := range rowIDs {
		stats.RowWritten++
		if id.Timestamp < stats.MinTS {
			stats.MinTS = id.Timestamp
		}
		if id.Timestamp > stats.MaxTS {
			stats.MaxTS = id.Timestamp
		}
	}
}

func (p *Partition) updateLastWriteLocked(entityID uint32, rowIDs []core.MetricRowID) {
	idx, ok := p.lastWrite[entityID]
	if !ok {
		idx = make(map[int64]core.MetricRowID, len(rowIDs))
		p.lastWrite[entityID] = idx
	}
	for _, id := range rowIDs {
		idx[id.Timestamp] = id
	}
}

// GetAllBlockItems returns entityID's block items in time order (or
// reverse) of their MinTS (spec.md §4.4).
func (p *Partition) GetAllBlockItems(entityID uint32, reverse bool) []*block.Item {
	return p.dirIdx.getAll(entityID, reverse)
}

// EntityStats returns the per-entity {row_written, min_ts, max_ts} tuple.
func (p *Partition) EntityStats(entityID uint32) (EntityStats, bool) {
	p.statsMu.RLock()
	defer p.statsMu.RUnlock()
	s, ok := p.entityStats[entityID]
	if !ok {
		return EntityStats{}, false
	}
	return *s, true
}

// Segments returns every live segment, in id order not guaranteed, for use
// by compaction and iterators.
func (p *Partition) Segments() []*segment.Segment {
	p.segMu.RLock()
	defer p.segMu.RUnlock()
	out := make([]*segment.Segment, 0, len(p.segments))
	for _, s := range p.segments {
		out = append(out, s)
	}
	return out
}

// SegmentByID returns the live segment with the given id, used by iterators
// resolving a block item's SegmentID to the segment holding its column
// files.
func (p *Partition) SegmentByID(id uint32) (*segment.Segment, bool) {
	p.segMu.RLock()
	defer p.segMu.RUnlock()
	s, ok := p.segments[id]
	return s, ok
}

// SealActiveSegment transitions the current active segment to InActive and
// opens a fresh Active segment for subsequent writes, used when
// compaction or a size threshold seals the current one.
func (p *Partition) SealActiveSegment() (*segment.Segment, error) {
	p.allocMu.Lock()
	defer p.allocMu.Unlock()

	sealed := p.activeSegment
	sealed.Seal()
	if err := sealed.SyncMeta(); err != nil {
		return nil, fmt.Errorf("partition %d: persist sealed segment %d meta: %w", p.StartTs, sealed.ID, err)
	}

	p.segMu.Lock()
	defer p.segMu.Unlock()
	id := p.nextSegmentID
	p.nextSegmentID++
	seg, err := segment.Create(p.dir, id, p.Schema, p.Capacity, segment.Options{Logger: p.logger, HookManager: p.hookManager})
	if err != nil {
		return nil, fmt.Errorf("partition %d: seal and open segment %d: %w", p.StartTs, id, err)
	}
	p.segments[id] = seg
	p.activeSegment = seg
	return sealed, nil
}

// CompressInactiveSegments repackages every InActive segment not yet
// compressed into its own .sqfs container, freeing its per-column files
// and string heap from the live file set (spec.md §4.3 "Active -> InActive
// -> Compressed"). The active segment and any already-Compressed segment
// are left untouched.
func (p *Partition) CompressInactiveSegments() error {
	p.segMu.RLock()
	var targets []*segment.Segment
	for _, s := range p.segments {
		if s.State() == segment.StateInActive {
			targets = append(targets, s)
		}
	}
	p.segMu.RUnlock()

	for _, s := range targets {
		if err := s.Compress(nil); err != nil {
			return fmt.Errorf("partition %d: compress segment %d: %w", p.StartTs, s.ID, err)
		}
		if err := s.SyncMeta(); err != nil {
			return fmt.Errorf("partition %d: persist compressed segment %d meta: %w", p.StartTs, s.ID, err)
		}
	}
	return nil
}

// Compact merges every live segment's rows into one freshly written segment
// and atomically swaps the block directory (spec.md §4.5 "merging an
// interval's segments into one new sealed segment, then atomically
// swapping the block directory"). Writes are blocked for the duration.
func (p *Partition) Compact() error {
	p.allocMu.Lock()
	defer p.allocMu.Unlock()
	p.segMu.Lock()
	defer p.segMu.Unlock()

	if len(p.segments) <= 1 {
		return nil
	}

	tsCol, err := p.Schema.TimestampColumn()
	if err != nil {
		return fmt.Errorf("partition %d: compact: %w", p.StartTs, err)
	}

	newID := p.nextSegmentID
	p.nextSegmentID++
	target, err := segment.Create(p.dir, newID, p.Schema, p.Capacity, segment.Options{Logger: p.logger, HookManager: p.hookManager})
	if err != nil {
		return fmt.Errorf("partition %d: compact: create target segment: %w", p.StartTs, err)
	}

	var written []core.MetricRowID
	for _, entityID := range p.dirIdx.entities() {
		items := p.dirIdx.getAll(entityID, false)
		rows, err := p.gatherEntityRows(entityID, tsCol.ID, items)
		if err != nil {
			target.Close()
			return err
		}
		if len(rows.Timestamps) == 0 {
			continue
		}
		result, err := target.WriteRows(entityID, rows)
		if err != nil {
			target.Close()
			return fmt.Errorf("partition %d: compact: write entity %d: %w", p.StartTs, entityID, err)
		}
		written = append(written, result.RowIDs...)
	}

	old := p.segments
	p.segments = map[uint32]*segment.Segment{newID: target}
	p.activeSegment = target
	p.indexed = make(map[uint32]bool)
	p.dirIdx.clear()
	p.indexNewBlocksLocked(0, written)

	for _, s := range old {
		if err := s.Close(); err != nil {
			p.logger.Warn("failed to close superseded segment during compaction", "segment_id", s.ID, "error", err)
		}
	}

	p.logger.Info("compacted partition", "new_segment_id", newID, "superseded_segments", len(old), "rows", len(written))
	return nil
}

// gatherEntityRows decodes every live (non-tombstoned) cell of entityID
// across items, in ascending timestamp order, into a RowSet ready for
// WriteRows into a fresh segment.
func (p *Partition) gatherEntityRows(entityID, tsColID uint32, items []*block.Item) (segment.RowSet, error) {
	cols := p.Schema.LiveColumns()
	out := segment.RowSet{Columns: make(map[uint32]segment.ColumnData, len(cols))}
	colData := make(map[uint32]*segment.ColumnData, len(cols))
	for _, col := range cols {
		cd := &segment.ColumnData{}
		colData[col.ID] = cd
		out.Columns[col.ID] = *cd
	}

	for _, item := range items {
		src, ok := p.segments[item.SegmentID]
		if !ok {
			continue
		}
		for row := uint32(0); row < item.PublishRowCount; row++ {
			if item.IsDeleted(row) {
				continue
			}
			tsCell, _, null, err := decodeCell(src, tsColID, item.BlockID, row)
			if err != nil {
				return segment.RowSet{}, err
			}
			if null {
				return segment.RowSet{}, fmt.Errorf("%w: timestamp column may not be null", core.ErrCorruption)
			}
			out.Timestamps = append(out.Timestamps, int64(binary.LittleEndian.Uint64(tsCell)))

			for _, col := range cols {
				if col.ID == tsColID {
					continue
				}
				cd := colData[col.ID]
				value, isVar, null, err := decodeCell(src, col.ID, item.BlockID, row)
				if err != nil {
					return segment.RowSet{}, err
				}
				cd.Nulls = append(cd.Nulls, null)
				if isVar {
					cd.VarValues = append(cd.VarValues, value)
				} else {
					if value == nil {
						colType, _ := p.Schema.ColumnByID(col.ID)
						size, _ := colType.Size()
						value = make([]byte, size)
					}
					cd.FixedCells = append(cd.FixedCells, value...)
				}
			}
		}
	}

	for id, cd := range colData {
		out.Columns[id] = *cd
	}
	return out, nil
}

// decodeCell reads one column's value for one row of one block of src,
// dereferencing the string heap for varlen columns.
func decodeCell(src *segment.Segment, colID, blockID, row uint32) (value []byte, isVar, isNull bool, err error) {
	cf, ok := src.ColumnFile(colID)
	if !ok {
		return nil, false, false, fmt.Errorf("%w: segment %d has no column %d", core.ErrInternal, src.ID, colID)
	}
	layout := cf.Layout()
	bytes, err := cf.BlockBytes(blockID)
	if err != nil {
		return nil, false, false, err
	}
	nullBitmap := bytes[:layout.BitmapBytes]
	if block.IsNull(nullBitmap, row) {
		return nil, layout.IsVarLen, true, nil
	}

	off := layout.ValueOffset(row)
	if layout.IsVarLen {
		heapOffset := binary.LittleEndian.Uint64(bytes[off : off+8])
		v, err := src.Heap().Read(heapOffset)
		if err != nil {
			return nil, true, false, err
		}
		return v, true, false, nil
	}
	cell := append([]byte(nil), bytes[off:off+layout.CellSize]...)
	return cell, false, false, nil
}

// Close closes every owned segment.
func (p *Partition) Close() error {
	p.segMu.Lock()
	defer p.segMu.Unlock()
	var firstErr error
	for _, s := range p.segments {
		if err := s.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
