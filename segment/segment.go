// Package segment implements the immutable-once-sealed slice of columnar
// blocks inside a partition (spec.md §4.3): it allocates blocks to
// entities, maintains per-block pre-aggregates, and exposes addresses for
// readers.
package segment

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/kwdbts2/kwdbts2/block"
	"github.com/kwdbts2/kwdbts2/columnfile"
	"github.com/kwdbts2/kwdbts2/core"
	"github.com/kwdbts2/kwdbts2/hooks"
	"github.com/kwdbts2/kwdbts2/stringheap"
)

// State is a segment's lifecycle stage (spec.md §3 "Segment").
type State int

const (
	StateActive State = iota
	StateInActive
	StateCompressed
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateInActive:
		return "inactive"
	case StateCompressed:
		return "compressed"
	default:
		return "unknown"
	}
}

// Options configures Create/Open.
type Options struct {
	Logger      *slog.Logger
	HookManager hooks.HookManager
}

// Segment owns contiguous block ids for one time partition's column data.
type Segment struct {
	ID       uint32
	Schema   *core.Schema
	Capacity uint32 // fixed row capacity R per block

	dir string

	tsColID uint32 // schema's TIMESTAMP64_LSN column, filled from rows.Timestamps rather than RowSet.Columns

	mu              sync.RWMutex
	state           State
	columnFiles     map[uint32]*columnfile.File // colID -> file, nil while Compressed and not yet decompressed
	heap            *stringheap.Heap
	unpackedDir     string // set once a Compressed segment's .sqfs has been decompressed for reads
	blockItems      map[uint32]*block.Item // blockID -> item
	entityTailBlock map[uint32]uint32      // entityID -> current tail blockID
	nextBlockID     uint32

	logger      *slog.Logger
	hookManager hooks.HookManager
}

func columnFilePath(dir string, segID, colID uint32) string {
	return filepath.Join(dir, core.FormatColumnFileName(segID, colID))
}

func heapFilePath(dir string, segID uint32) string {
	return filepath.Join(dir, core.FormatStringHeapFileName(segID))
}

// Create allocates a brand-new, empty, Active segment.
func Create(dir string, id uint32, schema *core.Schema, capacity uint32, opts Options) (*Segment, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	columnFiles := make(map[uint32]*columnfile.File, len(schema.LiveColumns()))
	for _, col := range schema.LiveColumns() {
		cf, err := columnfile.Create(columnFilePath(dir, id, col.ID), col, capacity, logger)
		if err != nil {
			closeAll(columnFiles)
			return nil, fmt.Errorf("segment %d: create column %d: %w", id, col.ID, err)
		}
		columnFiles[col.ID] = cf
	}

	heap, err := stringheap.Create(heapFilePath(dir, id), stringheap.Options{Logger: logger})
	if err != nil {
		closeAll(columnFiles)
		return nil, fmt.Errorf("segment %d: create string heap: %w", id, err)
	}

	tsCol, err := schema.TimestampColumn()
	if err != nil {
		closeAll(columnFiles)
		heap.Close()
		return nil, fmt.Errorf("segment %d: %w", id, err)
	}

	return &Segment{
		ID:              id,
		Schema:          schema,
		Capacity:        capacity,
		tsColID:         tsCol.ID,
		dir:             dir,
		state:           StateActive,
		columnFiles:     columnFiles,
		heap:            heap,
		blockItems:      make(map[uint32]*block.Item),
		entityTailBlock: make(map[uint32]uint32),
		logger:          logger.With("component", "segment", "segment_id", id),
		hookManager:     opts.HookManager,
	}, nil
}

// Open reopens an existing segment's column files and string heap. The
// block-item directory itself is rebuilt by the owning partition from its
// own persisted metadata, not reconstructed here. A segment whose state is
// Compressed has no live column files or heap on disk (Compress replaced
// them with a single .sqfs container); Open returns a shell segment that
// lazily decompresses on first ColumnFile/Heap access.
func Open(dir string, id uint32, schema *core.Schema, capacity uint32, state State, opts Options) (*Segment, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	if state == StateCompressed {
		tsCol, err := schema.TimestampColumn()
		if err != nil {
			return nil, fmt.Errorf("segment %d: %w", id, err)
		}
		return &Segment{
			ID:              id,
			Schema:          schema,
			Capacity:        capacity,
			tsColID:         tsCol.ID,
			dir:             dir,
			state:           StateCompressed,
			blockItems:      make(map[uint32]*block.Item),
			entityTailBlock: make(map[uint32]uint32),
			logger:          logger.With("component", "segment", "segment_id", id),
			hookManager:     opts.HookManager,
		}, nil
	}

	columnFiles := make(map[uint32]*columnfile.File, len(schema.LiveColumns()))
	for _, col := range schema.LiveColumns() {
		cf, err := columnfile.Open(columnFilePath(dir, id, col.ID), col, capacity, logger)
		if err != nil {
			closeAll(columnFiles)
			return nil, fmt.Errorf("segment %d: open column %d: %w", id, col.ID, err)
		}
		columnFiles[col.ID] = cf
	}

	heap, err := stringheap.Open(heapFilePath(dir, id), stringheap.Options{Logger: logger})
	if err != nil {
		closeAll(columnFiles)
		return nil, fmt.Errorf("segment %d: open string heap: %w", id, err)
	}

	tsCol, err := schema.TimestampColumn()
	if err != nil {
		closeAll(columnFiles)
		heap.Close()
		return nil, fmt.Errorf("segment %d: %w", id, err)
	}

	return &Segment{
		ID:              id,
		Schema:          schema,
		Capacity:        capacity,
		tsColID:         tsCol.ID,
		dir:             dir,
		state:           state,
		columnFiles:     columnFiles,
		heap:            heap,
		blockItems:      make(map[uint32]*block.Item),
		entityTailBlock: make(map[uint32]uint32),
		logger:          logger.With("component", "segment", "segment_id", id),
		hookManager:     opts.HookManager,
	}, nil
}

func closeAll(files map[uint32]*columnfile.File) {
	for _, f := range files {
		f.Close()
	}
}

// State returns the segment's lifecycle stage.
func (s *Segment) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Seal transitions Active -> InActive, after which the segment's files are
// immutable (spec.md §3 "Segment").
func (s *Segment) Seal() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = StateInActive
}

// BlockItems returns a snapshot slice of every block item belonging to
// entityID, used by the partition's directory to answer
// get_all_block_items.
func (s *Segment) BlockItems(entityID uint32) []*block.Item {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*block.Item
	for _, item := range s.blockItems {
		if item.EntityID == entityID {
			out = append(out, item)
		}
	}
	return out
}

// AllBlockItems returns every block item in the segment, regardless of
// entity, used to rebuild a partition's directory and dedup index on
// reopen (spec.md §6 on-disk layout "<segment_id>.meta").
func (s *Segment) AllBlockItems() []*block.Item {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*block.Item, 0, len(s.blockItems))
	for _, item := range s.blockItems {
		out = append(out, item)
	}
	return out
}

// BlockItem looks up one block item by id.
func (s *Segment) BlockItem(blockID uint32) (*block.Item, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	it, ok := s.blockItems[blockID]
	return it, ok
}

// ColumnFile exposes the mmap'd file for a given live column, used by raw
// and aggregate iterators to read cells directly. For a Compressed segment
// this transparently decompresses its .sqfs container on first access
// (spec.md §4.3, §6).
func (s *Segment) ColumnFile(colID uint32) (*columnfile.File, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateCompressed {
		if err := s.ensureOpenLocked(); err != nil {
			s.logger.Error("decompress sqfs segment for read", "error", err)
			return nil, false
		}
	}
	cf, ok := s.columnFiles[colID]
	return cf, ok
}

// Heap returns the segment's shared string heap, transparently
// decompressing a Compressed segment's .sqfs container first if needed.
func (s *Segment) Heap() *stringheap.Heap {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateCompressed {
		if err := s.ensureOpenLocked(); err != nil {
			s.logger.Error("decompress sqfs segment for read", "error", err)
			return nil
		}
	}
	return s.heap
}

// Sync flushes all column files and the string heap. A no-op for a
// Compressed segment that hasn't been decompressed for reads.
func (s *Segment) Sync() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.columnFiles == nil {
		return nil
	}
	for _, cf := range s.columnFiles {
		if err := cf.Sync(); err != nil {
			return err
		}
	}
	return s.heap.Sync()
}

// Close releases all mmap'd resources, and removes the private working
// directory used to decompress a Compressed segment's .sqfs container, if
// one was created.
func (s *Segment) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var firstErr error
	for _, cf := range s.columnFiles {
		if err := cf.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if s.heap != nil {
		if err := s.heap.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if s.unpackedDir != "" {
		if err := os.RemoveAll(s.unpackedDir); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// tailBlockLocked returns the entity's current tail block item, allocating
// a fresh block (and reserving room for it in every column file) if none
// exists or the current tail is full. Caller must hold s.mu.
func (s *Segment) tailBlockLocked(entityID uint32) (*block.Item, error) {
	if blockID, ok := s.entityTailBlock[entityID]; ok {
		item := s.blockItems[blockID]
		if item.PublishRowCount < s.Capacity {
			return item, nil
		}
	}

	blockID := s.nextBlockID
	s.nextBlockID++
	item := block.NewItem(blockID, s.ID, entityID)
	s.blockItems[blockID] = item
	s.entityTailBlock[entityID] = blockID

	for _, cf := range s.columnFiles {
		if err := cf.Reserve(blockID + 1); err != nil {
			return nil, err
		}
	}
	return item, nil
}

// RowSet is a contiguous, single-entity payload ready to be written into
// column blocks (spec.md §4.3 "Write").
type RowSet struct {
	Timestamps []int64
	// Columns maps column id to the row-major encoded fixed-width cells
	// (len(Timestamps)*cellSize bytes) for that column, or, for
	// varstring/varbinary columns, the raw variable-length bytes per row
	// (len(Timestamps) entries in VarValues).
	Columns map[uint32]ColumnData
}

// ColumnData holds one column's values for a RowSet, plus per-row nullity.
type ColumnData struct {
	FixedCells []byte   // packed cells, present for fixed-width columns
	VarValues  [][]byte // one entry per row, present for varlen columns
	Nulls      []bool
}

// WriteResult reports what a Write produced, for the partition's dedup
// bookkeeping and WAL LSN stamping.
type WriteResult struct {
	RowIDs []core.MetricRowID
}

// WriteRows appends n rows of a single entity, splitting across blocks as
// needed when the current tail block doesn't have room. Steps follow
// spec.md §4.3 "Write": bulk-copy fixed cells, append var-length bytes to
// the heap, update null bitmaps, update count/min/max/sum, and finally
// advance publish_row_count.
func (s *Segment) WriteRows(entityID uint32, rows RowSet) (WriteResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(rows.Timestamps)
	if n == 0 {
		return WriteResult{}, nil
	}
	if s.state != StateActive {
		return WriteResult{}, fmt.Errorf("%w: segment %d is not active", core.ErrInternal, s.ID)
	}

	var rowIDs []core.MetricRowID
	written := 0
	for written < n {
		item, err := s.tailBlockLocked(entityID)
		if err != nil {
			return WriteResult{}, err
		}
		space := int(s.Capacity - item.PublishRowCount)
		batch := n - written
		if batch > space {
			batch = space
		}
		if batch == 0 {
			// Shouldn't happen: tailBlockLocked always returns room, but
			// guard against an infinite loop if Capacity is misconfigured.
			return WriteResult{}, fmt.Errorf("%w: segment %d block %d has no capacity", core.ErrInternal, s.ID, item.BlockID)
		}

		startRow := item.PublishRowCount
		if err := s.writeBatchIntoBlock(item, startRow, rows, written, batch); err != nil {
			return WriteResult{}, err
		}

		minTS, maxTS := rows.Timestamps[written], rows.Timestamps[written]
		for i := written; i < written+batch; i++ {
			if rows.Timestamps[i] < minTS {
				minTS = rows.Timestamps[i]
			}
			if rows.Timestamps[i] > maxTS {
				maxTS = rows.Timestamps[i]
			}
			rowIDs = append(rowIDs, core.MetricRowID{
				EntityID:  entityID,
				Timestamp: rows.Timestamps[i],
				BlockID:   item.BlockID,
				RowOffset: startRow + uint32(i-written),
			})
		}
		item.Publish(startRow+uint32(batch), minTS, maxTS)
		written += batch
	}

	return WriteResult{RowIDs: rowIDs}, nil
}

// writeBatchIntoBlock writes rows[offset:offset+batch] starting at
// item.PublishRowCount == startRow within item's block, for every live
// column. Caller holds s.mu.
func (s *Segment) writeBatchIntoBlock(item *block.Item, startRow uint32, rows RowSet, offset, batch int) error {
	for _, col := range s.Schema.LiveColumns() {
		cf, ok := s.columnFiles[col.ID]
		if !ok {
			continue
		}
		layout := cf.Layout()
		blockBytes, err := cf.BlockBytes(item.BlockID)
		if err != nil {
			return err
		}
		nullBitmap := blockBytes[0:layout.BitmapBytes]
		isTsCol := col.ID == s.tsColID
		data := rows.Columns[col.ID]

		for i := 0; i < batch; i++ {
			row := startRow + uint32(i)
			rowIdx := offset + i
			null := !isTsCol && rowIdx < len(data.Nulls) && data.Nulls[rowIdx]
			if null {
				block.SetNull(nullBitmap, row)
				continue
			}
			block.ClearNull(nullBitmap, row)

			cellOff := layout.ValueOffset(row)
			switch {
			case isTsCol:
				binary.LittleEndian.PutUint64(blockBytes[cellOff:cellOff+layout.CellSize], uint64(rows.Timestamps[rowIdx]))
			case col.Type.IsVarLen():
				value := data.VarValues[rowIdx]
				heapOffset, err := s.heap.Append(value)
				if err != nil {
					return fmt.Errorf("segment %d: append var value: %w", s.ID, err)
				}
				binary.LittleEndian.PutUint64(blockBytes[cellOff:cellOff+8], heapOffset)
			default:
				src := data.FixedCells[rowIdx*layout.CellSize : (rowIdx+1)*layout.CellSize]
				copy(blockBytes[cellOff:cellOff+layout.CellSize], src)
			}
		}

		if err := s.updateAggregatesLocked(item, col, layout, blockBytes, startRow, uint32(batch)); err != nil {
			return err
		}
	}
	return nil
}

// updateAggregatesLocked folds the just-written run into the block's
// stored count/min/max/sum slots (spec.md §4.3 steps 4-5). Overflow of the
// sum accumulator clears IsAggResAvailable so aggregate readers fall back
// to recomputing from raw cells (spec.md §4.3 "Per-block overflow").
func (s *Segment) updateAggregatesLocked(item *block.Item, col core.Column, layout block.Layout, blockBytes []byte, startRow, batch uint32) error {
	nullBitmap := blockBytes[0:layout.BitmapBytes]
	newNonNull := block.CountNonNull(nullBitmap, startRow+batch) - block.CountNonNull(nullBitmap, startRow)

	count := binary.LittleEndian.Uint16(blockBytes[layout.CountOffset : layout.CountOffset+2])
	binary.LittleEndian.PutUint16(blockBytes[layout.CountOffset:layout.CountOffset+2], count+uint16(newNonNull))

	base := &core.AggregateResult{}
	if count > 0 {
		base.MinSet = true
		base.Min = append([]byte(nil), blockBytes[layout.MinOffset:layout.MinOffset+cellAggWidth(layout)]...)
		base.MaxSet = true
		base.Max = append([]byte(nil), blockBytes[layout.MaxOffset:layout.MaxOffset+cellAggWidth(layout)]...)
		if layout.HasSum {
			loadSum(base, col.Type, blockBytes[layout.SumOffset:layout.SumOffset+layout.SumSize])
		}
	}

	extended, err := extendAggregate(base, col, layout, blockBytes, nullBitmap, startRow, batch, s.heap)
	if err != nil {
		return err
	}

	if extended.MinSet {
		copy(blockBytes[layout.MinOffset:layout.MinOffset+cellAggWidth(layout)], extended.Min)
	}
	if extended.MaxSet {
		copy(blockBytes[layout.MaxOffset:layout.MaxOffset+cellAggWidth(layout)], extended.Max)
	}
	if layout.HasSum {
		storeSum(blockBytes[layout.SumOffset:layout.SumOffset+layout.SumSize], col.Type, extended)
		if extended.Overflowed {
			item.IsOverflow = true
			item.SetAggAvailable(false)
			return nil
		}
	}
	item.SetAggAvailable(true)
	return nil
}

func cellAggWidth(layout block.Layout) int {
	if layout.IsVarLen {
		return 8
	}
	return layout.CellSize
}

// MarkDeleted tombstones rowOffset within blockID (spec.md §4.3 "Delete").
func (s *Segment) MarkDeleted(blockID, rowOffset uint32) error {
	s.mu.RLock()
	item, ok := s.blockItems[blockID]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: segment %d has no block %d", core.ErrNotFound, s.ID, blockID)
	}
	item.MarkDeleted(rowOffset)
	return nil
}
