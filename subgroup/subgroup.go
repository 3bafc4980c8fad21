// Package subgroup implements the on-demand partition manager: it maps a
// timestamp to a partition start time, opens partitions lazily, reference
// counts them for eviction, and compacts an interval's segments into one
// (spec.md §4.5).
package subgroup

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/kwdbts2/kwdbts2/core"
	"github.com/kwdbts2/kwdbts2/hooks"
	"github.com/kwdbts2/kwdbts2/partition"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// PartitionTime buckets ts into the start of the partition interval that
// contains it: floor(ts/interval)*interval (spec.md §4.5).
func PartitionTime(ts, interval int64) int64 {
	if interval <= 0 {
		return ts
	}
	q := ts / interval
	if ts%interval != 0 && (ts < 0) != (interval < 0) {
		q--
	}
	return q * interval
}

// Options configures a Group.
type Options struct {
	Logger      *slog.Logger
	HookManager hooks.HookManager
}

// handle wraps a partition with an open-reference count so the group can
// evict idle partitions from its cache (spec.md §5 "Entity-group ->
// partition: per-partition reference count; zero => eligible for eviction").
type handle struct {
	p        *partition.Partition
	refCount int32
}

// Group owns every partition of one sub-group: same schema, same
// partition_interval, opened on demand and reference counted.
type Group struct {
	Dir              string
	Schema           *core.Schema
	PartitionInterval int64
	BlockCapacity    uint32
	DedupMode        core.DedupMode

	mu         sync.Mutex
	partitions map[int64]*handle
	openFlight singleflight.Group

	logger      *slog.Logger
	hookManager hooks.HookManager
}

// New creates an empty sub-group manager rooted at dir. No partition is
// opened until GetPartitionTable is called for a timestamp.
func New(dir string, schema *core.Schema, partitionInterval int64, blockCapacity uint32, dedupMode core.DedupMode, opts Options) *Group {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Group{
		Dir:               dir,
		Schema:            schema,
		PartitionInterval: partitionInterval,
		BlockCapacity:     blockCapacity,
		DedupMode:         dedupMode,
		partitions:        make(map[int64]*handle),
		logger:            logger.With("component", "subgroup"),
		hookManager:       opts.HookManager,
	}
}

// GetPartitionTable returns the (opening it if necessary) partition owning
// ts, with its reference count incremented. Callers must call the returned
// release function exactly once (spec.md §4.5 "get_partition_table /
// release_partition_table").
func (g *Group) GetPartitionTable(ts int64) (*partition.Partition, func(), error) {
	start := PartitionTime(ts, g.PartitionInterval)

	g.mu.Lock()
	if h, ok := g.partitions[start]; ok {
		h.refCount++
		g.mu.Unlock()
		return h.p, g.releaseFunc(start), nil
	}
	g.mu.Unlock()

	// Concurrent opens of the same interval coalesce into a single
	// partition.Create/Open call.
	v, err, _ := g.openFlight.Do(fmt.Sprintf("%d", start), func() (interface{}, error) {
		g.mu.Lock()
		if h, ok := g.partitions[start]; ok {
			g.mu.Unlock()
			return h, nil
		}
		g.mu.Unlock()

		p, err := partition.Open(g.Dir, start, g.PartitionInterval, g.Schema, g.BlockCapacity, g.DedupMode, partition.Options{
			Logger:      g.logger,
			HookManager: g.hookManager,
		})
		if err != nil {
			return nil, fmt.Errorf("subgroup: open partition %d: %w", start, err)
		}
		h := &handle{p: p}
		g.mu.Lock()
		g.partitions[start] = h
		g.mu.Unlock()
		return h, nil
	})
	if err != nil {
		return nil, nil, err
	}
	h := v.(*handle)

	g.mu.Lock()
	h.refCount++
	g.mu.Unlock()

	return h.p, g.releaseFunc(start), nil
}

func (g *Group) releaseFunc(start int64) func() {
	return func() { g.ReleasePartitionTable(start) }
}

// ReleasePartitionTable decrements the reference count for the partition
// starting at start. A zero refcount makes the partition eligible for
// eviction; it is not evicted eagerly here (an idle sweep is left to the
// caller, per spec.md §5's "LRU cache of open partitions").
func (g *Group) ReleasePartitionTable(start int64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	h, ok := g.partitions[start]
	if !ok {
		return
	}
	if h.refCount > 0 {
		h.refCount--
	}
}

// EvictIdle closes and drops every partition with a zero reference count,
// returning the number evicted.
func (g *Group) EvictIdle() (int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	evicted := 0
	for start, h := range g.partitions {
		if h.refCount != 0 {
			continue
		}
		if err := h.p.Close(); err != nil {
			return evicted, fmt.Errorf("subgroup: evict partition %d: %w", start, err)
		}
		delete(g.partitions, start)
		evicted++
	}
	return evicted, nil
}

// CompactInterval merges every segment of the partition starting at start
// into one new sealed segment, then atomically swaps the block directory
// (spec.md §4.5 "performs compaction: merging an interval's segments into
// one new sealed segment, then atomically swapping the block directory").
func (g *Group) CompactInterval(start int64) error {
	g.mu.Lock()
	h, ok := g.partitions[start]
	g.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: no open partition at %d", core.ErrNotFound, start)
	}

	if _, err := h.p.SealActiveSegment(); err != nil {
		return err
	}

	segs := h.p.Segments()
	// Sync every superseded segment concurrently before the merge reads
	// them back, mirroring the teacher's per-table compaction concurrency.
	var eg errgroup.Group
	for _, s := range segs {
		s := s
		eg.Go(func() error {
			return s.Sync()
		})
	}
	if err := eg.Wait(); err != nil {
		return fmt.Errorf("subgroup: sync segments before compaction: %w", err)
	}

	if err := h.p.Compact(); err != nil {
		return fmt.Errorf("subgroup: compact interval %d: %w", start, err)
	}

	g.logger.Info("compacted partition interval", "start_ts", start, "segments", len(segs))
	return nil
}
