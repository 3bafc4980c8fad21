package engine

import (
	"context"

	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
)

// TableStats reports one table's write/storage counters (spec.md §6
// "stats").
type TableStats struct {
	TableID           uint64
	RangeGroupCount   int
	SubGroupCount     int
	PartitionCount    int
	RowsWritten       uint64
	WALBytesWritten   int64
	WALEntriesWritten int64
}

// SystemStats mirrors the teacher's SystemCollector sample: host-level
// memory and disk usage for the engine's data directory, gathered on
// demand rather than on a background ticker since Stats() is pull-based.
type SystemStats struct {
	MemUsedPercent  float64
	DiskUsedPercent float64
}

// EngineStats is the full answer to a stats() call: per-table counters
// plus a point-in-time system resource sample.
type EngineStats struct {
	Tables []TableStats
	System SystemStats
}

// Stats aggregates every table's write/storage counters and samples host
// memory/disk usage for Options.DataDir (spec.md §6 "stats",
// following the teacher's server.SystemCollector metrics: mem.VirtualMemory
// and disk.Usage).
func (e *Engine) Stats(ctx context.Context) (EngineStats, error) {
	_, span := e.tracer.Start(ctx, "engine.Stats")
	defer span.End()

	if err := e.checkOpen(); err != nil {
		return EngineStats{}, err
	}

	e.mu.RLock()
	tables := make([]*table, 0, len(e.tables))
	for _, t := range e.tables {
		tables = append(tables, t)
	}
	e.mu.RUnlock()

	stats := EngineStats{}
	for _, t := range tables {
		ts := TableStats{TableID: t.id}
		for _, rg := range t.allRangeGroups() {
			ts.RangeGroupCount++
			ts.WALBytesWritten += rg.walBytesWritten.Value()
			ts.WALEntriesWritten += rg.walEntriesWritten.Value()

			rg.sgMu.RLock()
			for _, sg := range rg.subGroups {
				ts.SubGroupCount++
				sg.mu.Lock()
				ts.PartitionCount += len(sg.partitionRows)
				for _, rows := range sg.partitionRows {
					ts.RowsWritten += rows
				}
				sg.mu.Unlock()
			}
			rg.sgMu.RUnlock()
		}
		stats.Tables = append(stats.Tables, ts)
	}

	if vm, err := mem.VirtualMemory(); err == nil {
		stats.System.MemUsedPercent = vm.UsedPercent
	}
	if du, err := disk.Usage(e.opts.DataDir); err == nil {
		stats.System.DiskUsedPercent = du.UsedPercent
	}
	return stats, nil
}
