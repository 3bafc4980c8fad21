package engine

import (
	"context"
	"fmt"

	"github.com/kwdbts2/kwdbts2/aggiter"
	"github.com/kwdbts2/kwdbts2/core"
	"github.com/kwdbts2/kwdbts2/hooks"
	"github.com/kwdbts2/kwdbts2/partition"
	"github.com/kwdbts2/kwdbts2/rawiter"
	"github.com/kwdbts2/kwdbts2/subgroup"
)

// RawIterator wraps rawiter.Iterator with the partition reference releases
// that must run once the caller is done (spec.md §5 "Entity-group ->
// partition: per-partition reference count").
type RawIterator struct {
	it       *rawiter.Iterator
	releases []func()
}

// Next advances the iterator (see rawiter.Iterator.Next).
func (ri *RawIterator) Next(watermarkTS int64, hasWatermark bool) (rawiter.Batch, bool, error) {
	return ri.it.Next(watermarkTS, hasWatermark)
}

// Close releases every partition reference this iterator holds. It must be
// called exactly once when the caller is done with the iterator.
func (ri *RawIterator) Close() error {
	for _, release := range ri.releases {
		release()
	}
	ri.releases = nil
	return nil
}

// QueryResult carries either a streaming raw iterator or a computed
// aggregate result set, matching spec.md §6's single
// `get_iterator(..., agg_types[], ...)` call whose return shape depends on
// whether agg_types is empty.
type QueryResult struct {
	Raw *RawIterator
	Agg []aggiter.EntityResult
}

// partitionsForEntities gathers every partition covering any of entities
// across tsSpans, resolving each entity to its owning range group and
// sub-group first. The returned release func must be called once the
// caller is done reading.
func (t *table) partitionsForEntities(entities []uint32, tsSpans []core.TsSpan) ([]*partition.Partition, func(), error) {
	type key struct {
		rg, sg uint32
		start  int64
	}
	seen := make(map[key]bool)
	var partitions []*partition.Partition
	var releases []func()

	release := func() {
		for _, r := range releases {
			r()
		}
	}

	for _, entityID := range entities {
		rgID, ok := t.ownerOf(entityID)
		if !ok {
			continue
		}
		rg, err := t.getRangeGroup(rgID)
		if err != nil {
			continue
		}
		subGroupID := rg.subGroupIDFor(entityID)
		sg, err := rg.getOrOpenSubGroup(subGroupID)
		if err != nil {
			release()
			return nil, func() {}, err
		}
		interval := t.partitionInterval
		if interval <= 0 {
			release()
			return nil, func() {}, fmt.Errorf("%w: table has no partition interval", core.ErrInternal)
		}
		for _, span := range tsSpans {
			for start := subgroup.PartitionTime(span.Start, interval); start <= span.End; start += interval {
				k := key{rg: uint32(rgID), sg: subGroupID, start: start}
				if seen[k] {
					continue
				}
				seen[k] = true
				p, rel, err := sg.pt.GetPartitionTable(start)
				if err != nil {
					release()
					return nil, func() {}, err
				}
				partitions = append(partitions, p)
				releases = append(releases, rel)
			}
		}
	}
	return partitions, release, nil
}

func (t *table) resolveProjection(colIDs []uint32) []core.Column {
	if len(colIDs) == 0 {
		return t.metricsSchema.LiveColumns()
	}
	out := make([]core.Column, 0, len(colIDs))
	for _, id := range colIDs {
		if col, ok := t.metricsSchema.ColumnByID(id); ok {
			out = append(out, *col)
		}
	}
	return out
}

// GetIterator answers spec.md §6's `get_iterator`: with an empty aggTypes
// it returns a streaming raw iterator, otherwise it computes and returns
// per-entity aggregate results.
func (e *Engine) GetIterator(ctx context.Context, tableID uint64, entities []uint32, tsSpans []core.TsSpan, projection []uint32, aggTypes []core.AggregationKind, reverse bool) (*QueryResult, error) {
	ctx, span := e.tracer.Start(ctx, "engine.GetIterator")
	defer span.End()
	if err := e.checkOpen(); err != nil {
		return nil, err
	}
	t, err := e.getTable(tableID)
	if err != nil {
		return nil, err
	}

	params := &hooks.QueryParams{TableID: tableID, Entities: entities, TsSpans: tsSpans, Projection: projection, Reverse: reverse}
	_ = e.hooks.Trigger(ctx, hooks.NewPreQueryEvent(hooks.PreQueryPayload{Params: params}))

	partitions, release, err := t.partitionsForEntities(entities, tsSpans)
	if err != nil {
		_ = e.hooks.Trigger(ctx, hooks.NewPostQueryEvent(hooks.PostQueryPayload{Params: *params, Error: err}))
		return nil, err
	}

	if len(aggTypes) == 0 {
		cols := t.resolveProjection(projection)
		it := rawiter.New(partitions, entities, tsSpans, cols, reverse)
		_ = e.hooks.Trigger(ctx, hooks.NewPostQueryEvent(hooks.PostQueryPayload{Params: *params}))
		return &QueryResult{Raw: &RawIterator{it: it, releases: []func(){release}}}, nil
	}

	defer release()
	cols := t.resolveProjection(projection)
	reqs := make([]aggiter.ColumnRequest, 0, len(cols))
	for _, col := range cols {
		reqs = append(reqs, aggiter.ColumnRequest{Column: col, Kinds: aggTypes})
	}
	results, err := aggiter.Compute(partitions, entities, tsSpans, reqs)
	_ = e.hooks.Trigger(ctx, hooks.NewPostQueryEvent(hooks.PostQueryPayload{Params: *params, Error: err}))
	if err != nil {
		return nil, err
	}
	return &QueryResult{Agg: results}, nil
}

// TagRow is one resolved tag-table row: its identity plus the requested
// general-tag cells.
type TagRow struct {
	SubGroupID uint32
	EntityID   uint32
	PrimaryTag []byte
	Cells      map[uint32][]byte
}

// GetTagIterator answers spec.md §6's `get_tag_iterator`: every live tag
// row across the table, projected to the requested tag columns.
func (e *Engine) GetTagIterator(ctx context.Context, tableID uint64, tagProjection []uint32) ([]TagRow, error) {
	ctx, span := e.tracer.Start(ctx, "engine.GetTagIterator")
	defer span.End()

	if err := e.checkOpen(); err != nil {
		return nil, err
	}
	t, err := e.getTable(tableID)
	if err != nil {
		return nil, err
	}

	var out []TagRow
	for _, rg := range t.allRangeGroups() {
		rg.sgMu.RLock()
		subGroups := make([]*subGroupState, 0, len(rg.subGroups))
		for _, sg := range rg.subGroups {
			subGroups = append(subGroups, sg)
		}
		rg.sgMu.RUnlock()

		for _, sg := range subGroups {
			for _, rec := range sg.tags.AllLive() {
				cells, _, err := sg.tags.GetTagCells(rec.Row)
				if err != nil {
					continue
				}
				filtered := cells
				if len(tagProjection) > 0 {
					filtered = make(map[uint32][]byte, len(tagProjection))
					for _, id := range tagProjection {
						if v, ok := cells[id]; ok {
							filtered[id] = v
						}
					}
				}
				out = append(out, TagRow{
					SubGroupID: rec.SubGroupID, EntityID: rec.EntityID,
					PrimaryTag: rec.PrimaryTag, Cells: filtered,
				})
			}
		}
	}
	return out, nil
}
