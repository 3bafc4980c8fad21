package engine

import (
	"fmt"

	"github.com/kwdbts2/kwdbts2/core"
)

// filterCommittedEntries keeps every non-transactional entry (MTRID == 0)
// plus every entry belonging to an MTR that reached RecordMTRCommit before
// end of log, dropping entries from MTRs that never committed or that were
// rolled back, so those entries are never redone. Rows such an MTR had
// already published to a partition before a crash are left in place:
// writes are published synchronously, and replay does not tombstone them.
func filterCommittedEntries(entries []core.WALEntry) []core.WALEntry {
	committed := make(map[uint64]bool)
	rolledBack := make(map[uint64]bool)
	for _, e := range entries {
		switch e.Kind {
		case core.RecordMTRCommit:
			committed[e.MTRID] = true
		case core.RecordMTRRollback:
			rolledBack[e.MTRID] = true
		}
	}

	out := make([]core.WALEntry, 0, len(entries))
	for _, e := range entries {
		switch e.Kind {
		case core.RecordMTRBegin, core.RecordMTRCommit, core.RecordMTRRollback,
			core.RecordTSxBegin, core.RecordTSxCommit, core.RecordTSxRollback,
			core.RecordCheckpoint:
			continue
		}
		if e.MTRID != 0 && (!committed[e.MTRID] || rolledBack[e.MTRID]) {
			continue
		}
		out = append(out, e)
	}
	return out
}

// replay applies WAL entries not yet reflected in durable partitions back
// into this range group's sub-groups, in log order (spec.md §4.10
// "Recovery: redoing committed MTRs").
func (rg *rangeGroup) replay(entries []core.WALEntry) error {
	if len(entries) == 0 {
		return nil
	}
	_, metricsSchema, _ := rg.table.currentSchema()
	replayed := 0
	for _, entry := range entries {
		switch entry.Kind {
		case core.RecordInsertMetrics:
			entityID, err := decodeEntityKey(entry.Key)
			if err != nil {
				return err
			}
			timestamps, columns, err := decodeInsertMetrics(metricsSchema, entry.Value)
			if err != nil {
				return err
			}
			if _, err := rg.applyInsertRows(entityID, timestamps, columns, entry.MTRID); err != nil {
				return fmt.Errorf("replay insert entity %d: %w", entityID, err)
			}
			replayed++
		case core.RecordDeleteMetrics:
			entityID, err := decodeEntityKey(entry.Key)
			if err != nil {
				return err
			}
			spans, err := decodeDeleteMetrics(entry.Value)
			if err != nil {
				return err
			}
			if _, err := rg.applyDeleteRows(entityID, spans); err != nil {
				return fmt.Errorf("replay delete entity %d: %w", entityID, err)
			}
			replayed++
		default:
			// Tag mutations are durable through the tag table's own log
			// and never routed through this WAL (see registerEntity).
		}
	}
	if replayed > 0 {
		rg.logger.Info("replayed wal entries", "count", replayed)
	}
	return nil
}
