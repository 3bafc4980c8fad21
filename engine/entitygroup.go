package engine

import (
	"context"
	"expvar"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/kwdbts2/kwdbts2/checkpoint"
	"github.com/kwdbts2/kwdbts2/core"
	"github.com/kwdbts2/kwdbts2/hooks"
	"github.com/kwdbts2/kwdbts2/partition"
	"github.com/kwdbts2/kwdbts2/subgroup"
	"github.com/kwdbts2/kwdbts2/tagtable"
	"github.com/kwdbts2/kwdbts2/wal"
)

// rangeGroup is a table's range group: the replication/hash-partitioning
// unit named by spec.md §6's `range_group_id` argument. It owns one WAL
// (mini-transactions are scoped to a range group), a checkpoint, and every
// sub-group of entities whose primary tag hashes into its span
// [hashSpanStart, hashSpanEnd].
type rangeGroup struct {
	table         *table
	id            uint64
	hashSpanStart uint32
	hashSpanEnd   uint32
	dir           string
	checkpointDir string

	sgMu       sync.RWMutex
	subGroups  map[uint32]*subGroupState

	walMu sync.Mutex
	wal   *wal.WAL

	mtrMu sync.Mutex
	mtrs  map[uint64]*mtrRecord

	walBytesWritten   *expvar.Int
	walEntriesWritten *expvar.Int

	logger      *slog.Logger
	hookManager hooks.HookManager
}

// subGroupState is one sub-group's live handle: the tag table that maps
// primary tags to entity ids within this sub-group, and the partition
// manager that owns its time-bucketed segments (spec.md §4.5/§4.6).
type subGroupState struct {
	id   uint32
	dir  string
	tags *tagtable.Table
	pt   *subgroup.Group

	mu               sync.Mutex
	openPartitions   map[int64]*partition.Partition
	partitionRows    map[int64]uint64
	partitionMinTS   map[int64]int64
	partitionMaxTS   map[int64]int64
}

// taggedRowID is a physically-addressable row written under some mtr_id,
// kept so MtrRollback can compensate an uncommitted MTR by tombstoning the
// rows it published (spec.md §4.10 "undoing uncommitted [MTRs]").
type taggedRowID struct {
	subGroupID       uint32
	entityID         uint32
	partitionStartTs int64
	blockID          uint32
	rowOffset        uint32
}

type mtrStatus int

const (
	mtrActive mtrStatus = iota
	mtrCommitted
	mtrRolledBack
)

type mtrRecord struct {
	rangeID      uint64
	appliedIndex uint64
	status       mtrStatus
	written      []taggedRowID
}

func subGroupDir(rgDir string, subGroupID uint32) string {
	return filepath.Join(rgDir, fmt.Sprintf("%d", subGroupID))
}

func openRangeGroup(t *table, rs RangeSpec) (*rangeGroup, error) {
	dir := rangeGroupDir(t.dir, rs.RangeGroupID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("%w: create range group dir: %v", core.ErrIO, err)
	}
	checkpointDir := filepath.Join(dir, "_checkpoint")
	if err := os.MkdirAll(checkpointDir, 0755); err != nil {
		return nil, fmt.Errorf("%w: create checkpoint dir: %v", core.ErrIO, err)
	}

	rg := &rangeGroup{
		table:             t,
		id:                rs.RangeGroupID,
		hashSpanStart:     rs.HashSpanStart,
		hashSpanEnd:       rs.HashSpanEnd,
		dir:               dir,
		checkpointDir:     checkpointDir,
		subGroups:         make(map[uint32]*subGroupState),
		mtrs:              make(map[uint64]*mtrRecord),
		walBytesWritten:   new(expvar.Int),
		walEntriesWritten: new(expvar.Int),
		logger:            t.logger.With("range_group_id", rs.RangeGroupID),
		hookManager:       t.engine.hooks,
	}

	cp, found, err := checkpoint.Read(checkpointDir)
	if err != nil {
		return nil, err
	}
	startRecoveryIndex := uint64(0)
	if found {
		startRecoveryIndex = cp.LastSafeWALIndex
	}

	w, recovered, err := wal.Open(wal.Options{
		Dir:                filepath.Join(dir, "_wal"),
		SyncMode:           t.engine.opts.WALSyncMode,
		StartRecoveryIndex: startRecoveryIndex,
		Logger:             rg.logger,
		HookManager:        rg.hookManager,
		BytesWritten:       rg.walBytesWritten,
		EntriesWritten:     rg.walEntriesWritten,
	})
	if err != nil {
		return nil, err
	}
	rg.wal = w

	// Reopen every sub-group directory already on disk so tag tables (and
	// through them entityOwnerSnapshot) are populated before WAL replay.
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("%w: read range group dir: %v", core.ErrIO, err)
	}
	for _, ent := range entries {
		if !ent.IsDir() || ent.Name() == "_wal" || ent.Name() == "_checkpoint" {
			continue
		}
		var subGroupID uint32
		if _, err := fmt.Sscanf(ent.Name(), "%d", &subGroupID); err != nil {
			continue
		}
		if _, err := rg.getOrOpenSubGroup(subGroupID); err != nil {
			return nil, fmt.Errorf("range group %d: reopen sub-group %d: %w", rs.RangeGroupID, subGroupID, err)
		}
	}

	if err := rg.replay(filterCommittedEntries(recovered)); err != nil {
		return nil, fmt.Errorf("range group %d: replay WAL: %w", rs.RangeGroupID, err)
	}

	return rg, nil
}

func (rg *rangeGroup) close() error {
	rg.sgMu.Lock()
	defer rg.sgMu.Unlock()
	var firstErr error
	for id, sg := range rg.subGroups {
		if err := sg.tags.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("sub-group %d tags: %w", id, err)
		}
		sg.mu.Lock()
		for start, p := range sg.openPartitions {
			if err := p.Close(); err != nil && firstErr == nil {
				firstErr = fmt.Errorf("sub-group %d partition %d: %w", id, start, err)
			}
		}
		sg.mu.Unlock()
	}
	if err := rg.wal.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

func (rg *rangeGroup) subGroupIDFor(entityID uint32) uint32 {
	capacity := rg.table.engine.opts.SubGroupCapacity
	return entityID / capacity
}

func (rg *rangeGroup) getOrOpenSubGroup(subGroupID uint32) (*subGroupState, error) {
	rg.sgMu.RLock()
	sg, ok := rg.subGroups[subGroupID]
	rg.sgMu.RUnlock()
	if ok {
		return sg, nil
	}

	rg.sgMu.Lock()
	defer rg.sgMu.Unlock()
	if sg, ok := rg.subGroups[subGroupID]; ok {
		return sg, nil
	}

	dir := subGroupDir(rg.dir, subGroupID)
	tagsDir := filepath.Join(dir, "_tags")
	if err := os.MkdirAll(tagsDir, 0755); err != nil {
		return nil, fmt.Errorf("%w: create sub-group tags dir: %v", core.ErrIO, err)
	}
	_, metricsSchema, tagsSchema := rg.table.currentSchema()

	tags, err := tagtable.Open(tagsDir, tagsSchema, tagtable.Options{
		Logger:      rg.logger,
		HookManager: rg.hookManager,
		BloomFPRate: rg.table.engine.opts.BloomFPRate,
	})
	if err != nil {
		return nil, fmt.Errorf("open tag table: %w", err)
	}

	pt := subgroup.New(dir, metricsSchema, rg.table.partitionInterval, rg.table.blockCapacity, rg.table.dedupMode, subgroup.Options{
		Logger:      rg.logger,
		HookManager: rg.hookManager,
	})

	sg = &subGroupState{
		id:             subGroupID,
		dir:            dir,
		tags:           tags,
		pt:             pt,
		openPartitions: make(map[int64]*partition.Partition),
		partitionRows:  make(map[int64]uint64),
		partitionMinTS: make(map[int64]int64),
		partitionMaxTS: make(map[int64]int64),
	}
	rg.subGroups[subGroupID] = sg
	return sg, nil
}

// entityOwnerSnapshot returns every entity id already present in this
// range group's sub-groups, gathered from each sub-group's tag table.
func (rg *rangeGroup) entityOwnerSnapshot() map[uint32]struct{} {
	rg.sgMu.RLock()
	defer rg.sgMu.RUnlock()
	out := make(map[uint32]struct{})
	for _, sg := range rg.subGroups {
		for _, rec := range sg.tags.AllLive() {
			out[rec.EntityID] = struct{}{}
		}
	}
	return out
}

// resolvePrimaryTag finds the (sub_group_id, entity_id) owning primaryTag,
// scanning every open sub-group's tag table (spec.md §4.6 "hash index maps
// primary-tag bytes to the tag row number").
func (rg *rangeGroup) resolvePrimaryTag(primaryTag []byte) (subGroupID, entityID uint32, found bool) {
	rg.sgMu.RLock()
	defer rg.sgMu.RUnlock()
	for _, sg := range rg.subGroups {
		if sgID, eid, ok := sg.tags.GetEntityIDGroupID(primaryTag); ok {
			return sgID, eid, true
		}
	}
	return 0, 0, false
}

// registerEntity allocates a fresh entity id and inserts its tag row into
// the sub-group determined by the id (spec.md §6 "put_entity").
func (rg *rangeGroup) registerEntity(primaryTag []byte, cells map[uint32][]byte) (subGroupID, entityID uint32, err error) {
	entityID = rg.table.allocateEntityID(rg.id)
	subGroupID = rg.subGroupIDFor(entityID)
	sg, err := rg.getOrOpenSubGroup(subGroupID)
	if err != nil {
		return 0, 0, err
	}
	if _, err := sg.tags.InsertTagRecord(primaryTag, subGroupID, entityID, cells); err != nil {
		return 0, 0, err
	}
	_ = rg.hookManager.Trigger(context.Background(), hooks.NewOnTagRowCreateEvent(hooks.TagRowCreatePayload{
		PrimaryTag: primaryTag,
		SubGroupID: subGroupID,
		EntityID:   entityID,
	}))
	return subGroupID, entityID, nil
}

func (sg *subGroupState) recordPartitionActivity(start int64, rowsWritten int, minTS, maxTS int64) {
	sg.mu.Lock()
	defer sg.mu.Unlock()
	sg.partitionRows[start] += uint64(rowsWritten)
	if cur, ok := sg.partitionMinTS[start]; !ok || minTS < cur {
		sg.partitionMinTS[start] = minTS
	}
	if cur, ok := sg.partitionMaxTS[start]; !ok || maxTS > cur {
		sg.partitionMaxTS[start] = maxTS
	}
}

func (sg *subGroupState) trackPartition(start int64, p *partition.Partition) {
	sg.mu.Lock()
	sg.openPartitions[start] = p
	sg.mu.Unlock()
}
