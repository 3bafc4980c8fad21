package engine

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/kwdbts2/kwdbts2/core"
)

// table is one table_id's registry: its combined schema (metrics + tags),
// the split views handed to segments and tag tables, and the set of range
// groups that partition its entities by primary-tag hash (spec.md §6
// "create_ts_table(table_id, schema, partition_interval, ranges[])").
//
// Entity ids are allocated from a single counter shared by every range
// group of the table, not per range group, so that get_iterator(table_id,
// entities[]) can resolve an entity id to its owning range group without
// an extra range_group_id argument (spec.md §6 lists none; SPEC_FULL open
// decision, see DESIGN.md).
type table struct {
	engine *Engine
	id     uint64
	dir    string

	mu                sync.RWMutex
	schema            *core.Schema
	metricsSchema     *core.Schema
	tagsSchema        *core.Schema
	partitionInterval int64
	blockCapacity     uint32
	dedupMode         core.DedupMode

	nextEntityID atomic.Uint32

	entityMu    sync.RWMutex
	entityOwner map[uint32]uint64 // entity_id -> range_group_id

	rgMu        sync.RWMutex
	rangeGroups map[uint64]*rangeGroup

	txnMu sync.Mutex
	txns  map[uint64]*txnState

	logger *slog.Logger
}

func rangeGroupDir(tableDir string, rangeGroupID uint64) string {
	return filepath.Join(tableDir, fmt.Sprintf("%d", rangeGroupID))
}

func openTable(e *Engine, desc *tableDescriptor) (*table, error) {
	metrics, tags, err := desc.Schema.SplitTagsAndMetrics()
	if err != nil {
		return nil, err
	}
	t := &table{
		engine:            e,
		id:                desc.TableID,
		dir:               e.tableDir(desc.TableID),
		schema:            desc.Schema,
		metricsSchema:     metrics,
		tagsSchema:        tags,
		partitionInterval: desc.PartitionInterval,
		blockCapacity:     desc.BlockCapacity,
		dedupMode:         desc.DedupMode,
		entityOwner:       make(map[uint32]uint64),
		rangeGroups:       make(map[uint64]*rangeGroup),
		txns:              make(map[uint64]*txnState),
		logger:            e.logger.With("table_id", desc.TableID),
	}

	var maxEntity uint32
	haveEntity := false
	for _, rs := range desc.Ranges {
		rg, err := openRangeGroup(t, rs)
		if err != nil {
			return nil, fmt.Errorf("table %d: open range group %d: %w", desc.TableID, rs.RangeGroupID, err)
		}
		t.rangeGroups[rs.RangeGroupID] = rg
		for id := range rg.entityOwnerSnapshot() {
			t.entityOwner[id] = rs.RangeGroupID
			if !haveEntity || id > maxEntity {
				maxEntity, haveEntity = id, true
			}
		}
	}
	if haveEntity {
		t.nextEntityID.Store(maxEntity + 1)
	}
	return t, nil
}

func (t *table) close() error {
	t.rgMu.Lock()
	defer t.rgMu.Unlock()
	var firstErr error
	for id, rg := range t.rangeGroups {
		if err := rg.close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("range group %d: %w", id, err)
		}
	}
	return firstErr
}

func (t *table) getRangeGroup(id uint64) (*rangeGroup, error) {
	t.rgMu.RLock()
	rg, ok := t.rangeGroups[id]
	t.rgMu.RUnlock()
	if !ok {
		return nil, core.NotFoundf("range group %d", id)
	}
	return rg, nil
}

func (t *table) allRangeGroups() []*rangeGroup {
	t.rgMu.RLock()
	defer t.rgMu.RUnlock()
	out := make([]*rangeGroup, 0, len(t.rangeGroups))
	for _, rg := range t.rangeGroups {
		out = append(out, rg)
	}
	return out
}

// allocateEntityID hands out the next globally-unique entity id for this
// table and records which range group owns it.
func (t *table) allocateEntityID(rangeGroupID uint64) uint32 {
	id := t.nextEntityID.Add(1) - 1
	t.entityMu.Lock()
	t.entityOwner[id] = rangeGroupID
	t.entityMu.Unlock()
	return id
}

func (t *table) ownerOf(entityID uint32) (uint64, bool) {
	t.entityMu.RLock()
	defer t.entityMu.RUnlock()
	rg, ok := t.entityOwner[entityID]
	return rg, ok
}

func (t *table) currentSchema() (*core.Schema, *core.Schema, *core.Schema) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.schema, t.metricsSchema, t.tagsSchema
}

func (t *table) persistDescriptor() error {
	t.mu.RLock()
	desc := &tableDescriptor{
		TableID:           t.id,
		Schema:            t.schema,
		PartitionInterval: t.partitionInterval,
		BlockCapacity:     t.blockCapacity,
		DedupMode:         t.dedupMode,
	}
	t.mu.RUnlock()
	t.rgMu.RLock()
	for id, rg := range t.rangeGroups {
		desc.Ranges = append(desc.Ranges, RangeSpec{RangeGroupID: id, HashSpanStart: rg.hashSpanStart, HashSpanEnd: rg.hashSpanEnd})
	}
	t.rgMu.RUnlock()
	return writeTableDescriptor(filepath.Join(t.dir, "table.json"), desc)
}

// txnState is the engine-local bookkeeping for a distributed transaction
// envelope spanning multiple put_data calls (spec.md §6 "tsx_begin/commit/
// rollback"). It is a thin status machine: the actual writes issued under a
// TSx are ordinary put_data/delete_data calls tagged with an mtr_id.
type txnState struct {
	id     uint64
	status txnStatus
}

type txnStatus int

const (
	txnActive txnStatus = iota
	txnCommitted
	txnRolledBack
)
