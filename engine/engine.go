// Package engine is the root control-API surface (spec.md §6): it wires
// together one table's schema, its range groups, and every range group's
// sub-groups (tag table + partitions + WAL) into a single embeddable
// storage engine, following the teacher's top-level engine.StorageEngine
// lifecycle (Options struct, atomic-bool guards, package-level sentinel
// errors, hook/tracer wiring).
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/kwdbts2/kwdbts2/core"
	"github.com/kwdbts2/kwdbts2/hooks"
	"github.com/kwdbts2/kwdbts2/sys"
	"github.com/kwdbts2/kwdbts2/wal"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

var (
	// ErrEngineClosed is returned by any control-API call made after Close.
	ErrEngineClosed = errors.New("engine: closed")
	// ErrEngineAlreadyStarted is returned by Open on an already-open Engine.
	ErrEngineAlreadyStarted = errors.New("engine: already started")
)

// Options configures an Engine (spec.md §6 Control API, §5 concurrency and
// resource model).
type Options struct {
	// DataDir is the root of the on-disk layout: <DataDir>/<table_id>/....
	DataDir string
	// BlockCapacity is the default fixed row capacity R of a block
	// (spec.md §3), used for any table created without an explicit override.
	BlockCapacity uint32
	// PartitionInterval is the default partition bucket width in the
	// schema's timestamp units (spec.md §4.4/§4.5).
	PartitionInterval int64
	// SubGroupCapacity is the number of entities per sub-group:
	// sub_group_id = entity_id / SubGroupCapacity (spec.md §4.5).
	SubGroupCapacity uint32
	// DefaultDedupMode is applied to every range group unless create_ts_table
	// overrides it (spec.md §4.4 "Dedup", fixed per entity-group at
	// creation, see DESIGN.md open-question decision).
	DefaultDedupMode core.DedupMode
	// WALSyncMode controls fsync behavior for every range group's WAL.
	WALSyncMode wal.SyncMode
	// BloomFPRate is the tag table's primary-tag Bloom pre-check
	// false-positive target; 0 disables the filter.
	BloomFPRate float64

	Logger         *slog.Logger
	HookManager    hooks.HookManager
	TracerProvider trace.TracerProvider
}

func (o *Options) setDefaults() {
	if o.BlockCapacity == 0 {
		o.BlockCapacity = core.DefaultBlockCapacity
	}
	if o.PartitionInterval == 0 {
		o.PartitionInterval = int64(24 * 3600 * 1e9) // 24h in ns, matches config's "24h" default
	}
	if o.SubGroupCapacity == 0 {
		o.SubGroupCapacity = 1024
	}
	if o.WALSyncMode == "" {
		o.WALSyncMode = wal.SyncAlways
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.HookManager == nil {
		o.HookManager = hooks.NewHookManager(o.Logger)
	}
	if o.TracerProvider == nil {
		o.TracerProvider = noop.NewTracerProvider()
	}
}

// Engine is the process-local storage core described by spec.md §6: it
// owns every table's on-disk tree under Options.DataDir and dispatches
// put/delete/query/DDL/durability/snapshot calls to the table that owns
// each table_id.
type Engine struct {
	opts   Options
	logger *slog.Logger
	hooks  hooks.HookManager
	tracer trace.Tracer

	started atomic.Bool
	closed  atomic.Bool

	mu     sync.RWMutex
	tables map[uint64]*table

	releaseLock func() error
}

// tableDescriptor is table.json, the sidecar that lets Open() rediscover a
// table and its range groups after a restart without rescanning payload
// files (spec.md §6 "On-disk layout" names the data files but not the
// bookkeeping needed to reattach to them; this is a SPEC_FULL addition).
type tableDescriptor struct {
	TableID           uint64             `json:"table_id"`
	Schema            *core.Schema       `json:"schema"`
	PartitionInterval int64              `json:"partition_interval"`
	BlockCapacity     uint32             `json:"block_capacity"`
	DedupMode         core.DedupMode     `json:"dedup_mode"`
	Ranges            []RangeSpec        `json:"ranges"`
}

// RangeSpec names one range group's hash-key span at creation time
// (spec.md §6 "create_ts_table(table_id, schema, partition_interval,
// ranges[])").
type RangeSpec struct {
	RangeGroupID  uint64 `json:"range_group_id"`
	HashSpanStart uint32 `json:"hash_span_start"`
	HashSpanEnd   uint32 `json:"hash_span_end"`
}

// New constructs an Engine without touching disk; call Open to attach it.
func New(opts Options) *Engine {
	opts.setDefaults()
	return &Engine{
		opts:   opts,
		logger: opts.Logger.With("component", "engine"),
		hooks:  opts.HookManager,
		tracer: opts.TracerProvider.Tracer("kwdbts2/engine"),
		tables: make(map[uint64]*table),
	}
}

// Open scans Options.DataDir for existing table.json descriptors and
// reattaches to each one (opening its range groups, which in turn replay
// any WAL entries past their last checkpoint). A fresh DataDir opens with
// zero tables.
func (e *Engine) Open() error {
	if !e.started.CompareAndSwap(false, true) {
		return ErrEngineAlreadyStarted
	}
	_ = e.hooks.Trigger(context.Background(), hooks.NewPreStartEngineEvent())

	if err := os.MkdirAll(e.opts.DataDir, 0755); err != nil {
		return fmt.Errorf("%w: create data dir %s: %v", core.ErrIO, e.opts.DataDir, err)
	}

	// Only one process may own a data directory at a time; a lock file left
	// behind by a crashed process is broken after sys.DefaultLockStaleTTL.
	release, err := sys.AcquireFileLock(filepath.Join(e.opts.DataDir, "LOCK"), 0, 0, sys.DefaultLockStaleTTL)
	if err != nil {
		e.started.Store(false)
		return fmt.Errorf("%w: data dir %s is already open by another process: %v", core.ErrInternal, e.opts.DataDir, err)
	}
	e.releaseLock = release

	entries, err := os.ReadDir(e.opts.DataDir)
	if err != nil {
		_ = release()
		return fmt.Errorf("%w: read data dir %s: %v", core.ErrIO, e.opts.DataDir, err)
	}
	for _, ent := range entries {
		if !ent.IsDir() {
			continue
		}
		descPath := filepath.Join(e.opts.DataDir, ent.Name(), "table.json")
		desc, ok, err := readTableDescriptor(descPath)
		if err != nil {
			_ = release()
			return err
		}
		if !ok {
			continue
		}
		t, err := openTable(e, desc)
		if err != nil {
			_ = release()
			return fmt.Errorf("engine: reopen table %d: %w", desc.TableID, err)
		}
		e.mu.Lock()
		e.tables[desc.TableID] = t
		e.mu.Unlock()
	}

	_ = e.hooks.Trigger(context.Background(), hooks.NewPostStartEngineEvent())
	e.logger.Info("engine opened", "data_dir", e.opts.DataDir, "tables", len(e.tables))
	return nil
}

// Close flushes and closes every open table.
func (e *Engine) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	_ = e.hooks.Trigger(context.Background(), hooks.NewPreCloseEngineEvent())

	e.mu.Lock()
	defer e.mu.Unlock()
	var firstErr error
	for id, t := range e.tables {
		if err := t.close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("engine: close table %d: %w", id, err)
		}
	}
	e.tables = make(map[uint64]*table)

	if e.releaseLock != nil {
		if err := e.releaseLock(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("engine: release data dir lock: %w", err)
		}
	}

	_ = e.hooks.Trigger(context.Background(), hooks.NewPostCloseEngineEvent())
	return firstErr
}

func (e *Engine) checkOpen() error {
	if e.closed.Load() {
		return ErrEngineClosed
	}
	if !e.started.Load() {
		return fmt.Errorf("engine: not opened")
	}
	return nil
}

func (e *Engine) getTable(tableID uint64) (*table, error) {
	e.mu.RLock()
	t, ok := e.tables[tableID]
	e.mu.RUnlock()
	if !ok {
		return nil, core.NotFoundf("table %d", tableID)
	}
	return t, nil
}

func (e *Engine) tableDir(tableID uint64) string {
	return filepath.Join(e.opts.DataDir, fmt.Sprintf("%d", tableID))
}

// CreateTsTable creates a new table with the given schema, partition
// interval, and initial hash-range groups (spec.md §6 "create_ts_table").
func (e *Engine) CreateTsTable(tableID uint64, schema *core.Schema, partitionInterval int64, ranges []RangeSpec) error {
	if err := e.checkOpen(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.tables[tableID]; exists {
		return core.AlreadyExistsf("table %d", tableID)
	}
	if partitionInterval == 0 {
		partitionInterval = e.opts.PartitionInterval
	}
	if len(ranges) == 0 {
		ranges = []RangeSpec{{RangeGroupID: 1, HashSpanStart: 0, HashSpanEnd: ^uint32(0)}}
	}
	desc := &tableDescriptor{
		TableID:           tableID,
		Schema:            schema,
		PartitionInterval: partitionInterval,
		BlockCapacity:     e.opts.BlockCapacity,
		DedupMode:         e.opts.DefaultDedupMode,
		Ranges:            ranges,
	}
	dir := e.tableDir(tableID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("%w: create table dir: %v", core.ErrIO, err)
	}
	if err := writeTableDescriptor(filepath.Join(dir, "table.json"), desc); err != nil {
		return err
	}
	t, err := openTable(e, desc)
	if err != nil {
		return err
	}
	e.tables[tableID] = t
	e.logger.Info("created table", "table_id", tableID, "ranges", len(ranges))
	return nil
}

// DropTsTable closes and deletes a table entirely, including its on-disk
// tree (spec.md §6 "drop_ts_table").
func (e *Engine) DropTsTable(tableID uint64) error {
	if err := e.checkOpen(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.tables[tableID]
	if !ok {
		return core.NotFoundf("table %d", tableID)
	}
	if err := t.close(); err != nil {
		return err
	}
	delete(e.tables, tableID)
	if err := os.RemoveAll(e.tableDir(tableID)); err != nil {
		return fmt.Errorf("%w: remove table dir: %v", core.ErrIO, err)
	}
	return nil
}

func readTableDescriptor(path string) (*tableDescriptor, bool, error) {
	f, err := sys.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("%w: open %s: %v", core.ErrIO, path, err)
	}
	defer f.Close()
	var desc tableDescriptor
	if err := json.NewDecoder(f).Decode(&desc); err != nil {
		return nil, true, fmt.Errorf("%w: decode %s: %v", core.ErrCorruption, path, err)
	}
	return &desc, true, nil
}

func writeTableDescriptor(path string, desc *tableDescriptor) error {
	payload, err := json.MarshalIndent(desc, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: marshal table descriptor: %v", core.ErrInternal, err)
	}
	tmp := core.FormatTempFilename(path, "tmp")
	f, err := sys.Create(tmp)
	if err != nil {
		return fmt.Errorf("%w: create %s: %v", core.ErrIO, tmp, err)
	}
	if _, err := f.Write(payload); err != nil {
		f.Close()
		return fmt.Errorf("%w: write table descriptor: %v", core.ErrIO, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("%w: sync table descriptor: %v", core.ErrIO, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("%w: close table descriptor: %v", core.ErrIO, err)
	}
	return sys.Rename(tmp, path)
}
