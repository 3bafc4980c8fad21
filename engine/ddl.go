package engine

import (
	"context"

	"github.com/kwdbts2/kwdbts2/core"
)

// AddColumn appends a new column to a table's schema (spec.md §6
// "add_column"), bumping the schema version. Existing segments are
// unaffected; only sub-groups opened after this call see the new column in
// their live-column projection.
func (e *Engine) AddColumn(ctx context.Context, tableID uint64, col core.Column) error {
	ctx, span := e.tracer.Start(ctx, "engine.AddColumn")
	defer span.End()

	if err := e.checkOpen(); err != nil {
		return err
	}
	t, err := e.getTable(tableID)
	if err != nil {
		return err
	}
	return t.mutateSchema(func(s *core.Schema) *core.Schema { return s.AddColumn(col) })
}

// DropColumn marks a column dropped (spec.md §6 "drop_column"); it is never
// physically removed so segments written under the old schema still decode
// (core.Schema.DropColumn).
func (e *Engine) DropColumn(ctx context.Context, tableID uint64, columnID uint32) error {
	ctx, span := e.tracer.Start(ctx, "engine.DropColumn")
	defer span.End()

	if err := e.checkOpen(); err != nil {
		return err
	}
	t, err := e.getTable(tableID)
	if err != nil {
		return err
	}
	return t.mutateSchema(func(s *core.Schema) *core.Schema { return s.DropColumn(columnID) })
}

// AlterColumnType changes a column's declared type going forward (spec.md
// §6 "alter_column_type"); existing segments retain their original
// on-disk type and are converted at read time.
func (e *Engine) AlterColumnType(ctx context.Context, tableID uint64, columnID uint32, newType core.DataType, fixedLen uint32) error {
	ctx, span := e.tracer.Start(ctx, "engine.AlterColumnType")
	defer span.End()

	if err := e.checkOpen(); err != nil {
		return err
	}
	t, err := e.getTable(tableID)
	if err != nil {
		return err
	}
	return t.mutateSchema(func(s *core.Schema) *core.Schema { return s.AlterColumnType(columnID, newType, fixedLen) })
}

// AlterPartitionInterval changes the partition bucket width used for
// future writes; existing partitions on disk keep their original span
// (spec.md §6 "alter_partition_interval").
func (e *Engine) AlterPartitionInterval(ctx context.Context, tableID uint64, interval int64) error {
	ctx, span := e.tracer.Start(ctx, "engine.AlterPartitionInterval")
	defer span.End()

	if err := e.checkOpen(); err != nil {
		return err
	}
	t, err := e.getTable(tableID)
	if err != nil {
		return err
	}
	t.mu.Lock()
	t.partitionInterval = interval
	t.mu.Unlock()
	return t.persistDescriptor()
}

// mutateSchema applies fn to the table's current combined schema, re-splits
// it into metric/tag views, and persists the updated descriptor.
func (t *table) mutateSchema(fn func(*core.Schema) *core.Schema) error {
	t.mu.Lock()
	next := fn(t.schema)
	metrics, tags, err := next.SplitTagsAndMetrics()
	if err != nil {
		t.mu.Unlock()
		return err
	}
	t.schema = next
	t.metricsSchema = metrics
	t.tagsSchema = tags
	t.mu.Unlock()
	return t.persistDescriptor()
}
