package engine

import (
	"context"

	"github.com/kwdbts2/kwdbts2/core"
	"github.com/kwdbts2/kwdbts2/hooks"
)

// TsxBegin opens a distributed transaction envelope spanning multiple
// put_data/delete_data calls tagged with the same mtr_id (spec.md §6
// "tsx_begin"). The engine itself does no buffering across the envelope;
// callers issue ordinary writes and finish with TsxCommit or TsxRollback.
func (e *Engine) TsxBegin(ctx context.Context, tableID, tsxID uint64) error {
	ctx, span := e.tracer.Start(ctx, "engine.TsxBegin")
	defer span.End()

	if err := e.checkOpen(); err != nil {
		return err
	}
	t, err := e.getTable(tableID)
	if err != nil {
		return err
	}
	t.txnMu.Lock()
	defer t.txnMu.Unlock()
	if _, exists := t.txns[tsxID]; exists {
		return core.AlreadyExistsf("tsx %d", tsxID)
	}
	t.txns[tsxID] = &txnState{id: tsxID, status: txnActive}
	return nil
}

func (t *table) requireActiveTxn(tsxID uint64) (*txnState, error) {
	t.txnMu.Lock()
	defer t.txnMu.Unlock()
	tx, ok := t.txns[tsxID]
	if !ok {
		return nil, core.NotFoundf("tsx %d", tsxID)
	}
	if tx.status != txnActive {
		return nil, core.Internalf("tsx %d is not active", tsxID)
	}
	return tx, nil
}

// TsxCommit finalizes a transaction envelope. The writes it covered were
// already durable when each put_data/delete_data call returned; this only
// flips the envelope's bookkeeping status.
func (e *Engine) TsxCommit(ctx context.Context, tableID, tsxID uint64) error {
	ctx, span := e.tracer.Start(ctx, "engine.TsxCommit")
	defer span.End()

	if err := e.checkOpen(); err != nil {
		return err
	}
	t, err := e.getTable(tableID)
	if err != nil {
		return err
	}
	tx, err := t.requireActiveTxn(tsxID)
	if err != nil {
		return err
	}
	t.txnMu.Lock()
	tx.status = txnCommitted
	t.txnMu.Unlock()
	return nil
}

// TsxRollback marks a transaction envelope as rolled back. Undoing its
// writes is the caller's responsibility (spec.md §6 gives tsx_rollback no
// undo-log semantics of its own, unlike mtr_rollback); this call only
// prevents a later TsxCommit on the same tsxID from succeeding.
func (e *Engine) TsxRollback(ctx context.Context, tableID, tsxID uint64) error {
	ctx, span := e.tracer.Start(ctx, "engine.TsxRollback")
	defer span.End()

	if err := e.checkOpen(); err != nil {
		return err
	}
	t, err := e.getTable(tableID)
	if err != nil {
		return err
	}
	tx, err := t.requireActiveTxn(tsxID)
	if err != nil {
		return err
	}
	t.txnMu.Lock()
	tx.status = txnRolledBack
	t.txnMu.Unlock()
	return nil
}

// MtrBegin opens a mini-transaction scoped to one range group (spec.md §6
// "mtr_begin(range_group_id, range_id, applied_index) -> mtr_id"). Rows
// written under the returned mtr_id are tracked so MtrRollback can
// compensate by tombstoning them.
func (e *Engine) MtrBegin(ctx context.Context, tableID, rangeGroupID, rangeID, appliedIndex uint64) (uint64, error) {
	ctx, span := e.tracer.Start(ctx, "engine.MtrBegin")
	defer span.End()

	if err := e.checkOpen(); err != nil {
		return 0, err
	}
	t, err := e.getTable(tableID)
	if err != nil {
		return 0, err
	}
	rg, err := t.getRangeGroup(rangeGroupID)
	if err != nil {
		return 0, err
	}

	key := encodeEntityKey(0)
	lsn, err := rg.wal.Append(core.WALEntry{Kind: core.RecordMTRBegin, Key: key, MTRID: appliedIndex})
	if err != nil {
		return 0, err
	}
	mtrID := lsn

	rg.mtrMu.Lock()
	if _, exists := rg.mtrs[mtrID]; !exists {
		rg.mtrs[mtrID] = &mtrRecord{rangeID: rangeID, appliedIndex: appliedIndex, status: mtrActive}
	}
	rg.mtrMu.Unlock()

	return mtrID, nil
}

// MtrCommit marks a mini-transaction committed: its rows, already published
// synchronously by put_data/delete_data, remain visible. The
// RecordMTRCommit entry it appends lets filterCommittedEntries keep that
// mtr_id's logged entries during replay; only delete_data logs entries
// under an mtr_id, put_data logs none.
func (e *Engine) MtrCommit(ctx context.Context, tableID, rangeGroupID, mtrID uint64) error {
	ctx, span := e.tracer.Start(ctx, "engine.MtrCommit")
	defer span.End()

	if err := e.checkOpen(); err != nil {
		return err
	}
	t, err := e.getTable(tableID)
	if err != nil {
		return err
	}
	rg, err := t.getRangeGroup(rangeGroupID)
	if err != nil {
		return err
	}

	rg.mtrMu.Lock()
	rec, ok := rg.mtrs[mtrID]
	rg.mtrMu.Unlock()
	if !ok {
		return core.NotFoundf("mtr %d", mtrID)
	}

	_ = rg.hookManager.Trigger(ctx, hooks.NewPreMTRCommitEvent(hooks.MTRPayload{
		RangeGroupID: rangeGroupID, RangeID: rec.rangeID, AppliedIndex: rec.appliedIndex, MTRID: mtrID,
	}))

	key := encodeEntityKey(0)
	if _, err := rg.wal.Append(core.WALEntry{Kind: core.RecordMTRCommit, Key: key, MTRID: mtrID}); err != nil {
		return err
	}

	rg.mtrMu.Lock()
	rec.status = mtrCommitted
	rg.mtrMu.Unlock()

	_ = rg.hookManager.Trigger(ctx, hooks.NewPostMTRCommitEvent(hooks.MTRPayload{
		RangeGroupID: rangeGroupID, RangeID: rec.rangeID, AppliedIndex: rec.appliedIndex, MTRID: mtrID,
	}))
	return nil
}

// MtrRollback undoes an uncommitted mini-transaction by tombstoning every
// row it published (spec.md §4.10 "undoing uncommitted [MTRs]"). This
// engine publishes rows synchronously rather than buffering them until
// commit, so rollback is compensating rather than discarding an unflushed
// buffer; see DESIGN.md.
func (e *Engine) MtrRollback(ctx context.Context, tableID, rangeGroupID, mtrID uint64) error {
	ctx, span := e.tracer.Start(ctx, "engine.MtrRollback")
	defer span.End()

	if err := e.checkOpen(); err != nil {
		return err
	}
	t, err := e.getTable(tableID)
	if err != nil {
		return err
	}
	rg, err := t.getRangeGroup(rangeGroupID)
	if err != nil {
		return err
	}

	rg.mtrMu.Lock()
	rec, ok := rg.mtrs[mtrID]
	rg.mtrMu.Unlock()
	if !ok {
		return core.NotFoundf("mtr %d", mtrID)
	}

	key := encodeEntityKey(0)
	if _, err := rg.wal.Append(core.WALEntry{Kind: core.RecordMTRRollback, Key: key, MTRID: mtrID}); err != nil {
		return err
	}

	if err := rg.tombstoneMTRWrites(rec); err != nil {
		return err
	}

	rg.mtrMu.Lock()
	rec.status = mtrRolledBack
	rg.mtrMu.Unlock()

	_ = rg.hookManager.Trigger(ctx, hooks.NewPostMTRRollbackEvent(hooks.MTRPayload{
		RangeGroupID: rangeGroupID, RangeID: rec.rangeID, AppliedIndex: rec.appliedIndex, MTRID: mtrID,
	}))
	return nil
}

// tombstoneMTRWrites marks every row recorded in rec.written as deleted,
// grouped by (sub_group_id, partition_start_ts) so each partition is
// resolved only once.
func (rg *rangeGroup) tombstoneMTRWrites(rec *mtrRecord) error {
	type partitionKey struct {
		subGroupID uint32
		start      int64
	}
	byPartition := make(map[partitionKey][]taggedRowID)
	for _, w := range rec.written {
		k := partitionKey{subGroupID: w.subGroupID, start: w.partitionStartTs}
		byPartition[k] = append(byPartition[k], w)
	}

	for k, rows := range byPartition {
		sg, err := rg.getOrOpenSubGroup(k.subGroupID)
		if err != nil {
			return err
		}
		p, release, err := sg.pt.GetPartitionTable(k.start)
		if err != nil {
			return err
		}
		for _, row := range rows {
			items := p.GetAllBlockItems(row.entityID, false)
			for _, item := range items {
				snap := item.Snapshot()
				if snap.BlockID != row.blockID {
					continue
				}
				seg, ok := p.SegmentByID(snap.SegmentID)
				if !ok {
					continue
				}
				_ = seg.MarkDeleted(row.blockID, row.rowOffset)
				break
			}
		}
		sg.trackPartition(k.start, p)
		release()
	}
	return nil
}
