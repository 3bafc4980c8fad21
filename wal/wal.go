// Package wal implements the write-ahead log and mini-transaction (MTR)
// protocol an entity-group uses to make writes durable (spec.md §4.10
// "WAL / MTR protocol").
//
// Callers append core.WALEntry records, optionally bracketed by
// MTRBegin/MTRCommit/MTRRollback records that let recovery discard a torn
// write. In this module the engine logs delete_data and the MTR lifecycle
// records; put_data, tag mutations and DDL append nothing here. The LSN
// assigned to a record is monotonic within a WAL instance; it is not
// stamped into block rows.
package wal

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"expvar"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/kwdbts2/kwdbts2/core"
	"github.com/kwdbts2/kwdbts2/hooks"
	"golang.org/x/sync/errgroup"
)

// walRecoveryConcurrency bounds how many sealed WAL segments recover decodes
// in parallel; segments are read-only once rotated past, so decoding them is
// pure CPU/IO work independent of order.
const walRecoveryConcurrency = 4

// SyncMode defines how frequently the WAL is synced to disk.
type SyncMode string

const (
	SyncAlways   SyncMode = "always"   // Sync after every append.
	SyncInterval SyncMode = "interval" // Synced periodically by the caller.
	SyncDisabled SyncMode = "disabled" // No sync; testing/benchmarking only.
)

// MaxSegmentSize is the default maximum size for a WAL segment file.
const MaxSegmentSize = core.WALMaxSegmentSize

// WAL manages a directory of segment files providing durability for an
// entity-group's mutations ahead of their reflection in partition blocks.
type WAL struct {
	dir  string
	mu   sync.Mutex
	cond *sync.Cond
	opts Options

	activeSegment  *SegmentWriter
	segmentIndexes []uint64

	nextLSN atomic.Uint64

	// mtrs tracks mini-transactions seen in appended MTRBegin records, keyed
	// by that record's LSN (rangeID is left 0); a Commit or Rollback record
	// updates every entry whose mtrID equals its MTRID.
	mtrsMu sync.Mutex
	mtrs   map[mtrKey]*mtrState

	streamersMu sync.Mutex
	streamers   map[*streamerRegistration]struct{}
	notifySeq   uint64

	bufPool sync.Pool

	metricsBytesWritten   *expvar.Int
	metricsEntriesWritten *expvar.Int

	logger      *slog.Logger
	hookManager hooks.HookManager

	isClosing atomic.Bool

	testingOnlyInjectCloseError  error
	testingOnlyInjectAppendError error
}

// Options holds configuration for the WAL.
type Options struct {
	Dir            string
	SyncMode       SyncMode
	MaxSegmentSize int64
	BytesWritten   *expvar.Int
	EntriesWritten *expvar.Int
	Logger         *slog.Logger
	// StartRecoveryIndex tells the WAL to only recover entries from segments
	// with an index greater than this value (set from checkpoint.Checkpoint).
	StartRecoveryIndex uint64
	HookManager        hooks.HookManager
}

// mtrKey identifies a mini-transaction by its Raft-style coordinates.
type mtrKey struct {
	rangeID      uint64
	appliedIndex uint64
}

type mtrState struct {
	mtrID  uint64
	status mtrStatus
}

type mtrStatus int

const (
	mtrActive mtrStatus = iota
	mtrCommitted
	mtrAborted
)

// Open creates or opens a WAL directory, replaying any entries not yet
// covered by opts.StartRecoveryIndex, and prepares it for appending.
func Open(opts Options) (*WAL, []core.WALEntry, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default().With("component", "wal")
	} else {
		opts.Logger = opts.Logger.With("component", "wal")
	}
	if opts.MaxSegmentSize == 0 {
		opts.MaxSegmentSize = MaxSegmentSize
	}

	if err := os.MkdirAll(opts.Dir, 0755); err != nil {
		return nil, nil, fmt.Errorf("failed to create WAL directory %s: %w", opts.Dir, err)
	}

	w := &WAL{
		dir:                   opts.Dir,
		opts:                  opts,
		logger:                opts.Logger,
		metricsBytesWritten:   opts.BytesWritten,
		metricsEntriesWritten: opts.EntriesWritten,
		hookManager:           opts.HookManager,
		mtrs:                  make(map[mtrKey]*mtrState),
		streamers:             make(map[*streamerRegistration]struct{}),
	}
	w.cond = sync.NewCond(&w.mu)
	w.bufPool.New = func() any {
		b := make([]byte, 0, 4096)
		return &b
	}

	if err := w.loadSegments(); err != nil {
		return nil, nil, fmt.Errorf("failed to load WAL segments: %w", err)
	}

	recoveredEntries, recoveryErr := w.recover(opts.StartRecoveryIndex)

	if err := w.openForAppend(); err != nil {
		w.Close()
		return nil, nil, fmt.Errorf("failed to open WAL for appending: %w", err)
	}

	var maxLSN uint64
	for _, e := range recoveredEntries {
		if e.LSN > maxLSN {
			maxLSN = e.LSN
		}
	}
	w.nextLSN.Store(maxLSN + 1)

	if w.hookManager != nil {
		w.hookManager.Trigger(context.Background(), hooks.NewPostWALRecoveryEvent(hooks.PostWALRecoveryPayload{
			RecoveredEntriesCount: len(recoveredEntries),
		}))
	}

	if recoveryErr == io.EOF {
		return w, recoveredEntries, nil
	}
	return w, recoveredEntries, recoveryErr
}

func (w *WAL) loadSegments() error {
	files, err := os.ReadDir(w.dir)
	if err != nil {
		return fmt.Errorf("failed to read WAL directory %s: %w", w.dir, err)
	}

	w.segmentIndexes = make([]uint64, 0, len(files))
	for _, file := range files {
		if file.IsDir() {
			continue
		}
		index, err := core.ParseWALFileName(file.Name())
		if err == nil {
			w.segmentIndexes = append(w.segmentIndexes, index)
		}
	}
	sort.Slice(w.segmentIndexes, func(i, j int) bool { return w.segmentIndexes[i] < w.segmentIndexes[j] })
	return nil
}

func (w *WAL) SetTestingOnlyInjectCloseError(err error)  { w.testingOnlyInjectCloseError = err }
func (w *WAL) SetTestingOnlyInjectAppendError(err error) { w.testingOnlyInjectAppendError = err }

// Append writes a single WALEntry to the log, assigning it the next LSN.
func (w *WAL) Append(entry core.WALEntry) (uint64, error) {
	lsns, err := w.AppendBatch([]core.WALEntry{entry})
	if err != nil || len(lsns) == 0 {
		return 0, err
	}
	return lsns[0], nil
}

// AppendBatch writes a slice of WAL entries as a single, atomic record and
// returns the LSN assigned to each entry in order.
func (w *WAL) AppendBatch(entries []core.WALEntry) ([]uint64, error) {
	if len(entries) == 0 {
		return nil, nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.testingOnlyInjectAppendError != nil {
		return nil, w.testingOnlyInjectAppendError
	}
	if w.activeSegment == nil {
		return nil, errors.New("wal is closed or not open for writing")
	}

	lsns := make([]uint64, len(entries))
	for i := range entries {
		entries[i].LSN = w.nextLSN.Add(1) - 1
		lsns[i] = entries[i].LSN
	}

	if w.hookManager != nil {
		payload := hooks.WALAppendPayload{Entries: &entries}
		if err := w.hookManager.Trigger(context.Background(), hooks.NewPreWALAppendEvent(payload)); err != nil {
			return nil, fmt.Errorf("pre-append hook rejected batch: %w", err)
		}
	}

	var buf bytes.Buffer
	if err := encodeBatch(&buf, entries); err != nil {
		return nil, fmt.Errorf("failed to encode WAL batch: %w", err)
	}
	payloadBytes := buf.Bytes()
	newRecordSize := int64(len(payloadBytes) + 8)

	currentSize, err := w.activeSegment.Size()
	if err != nil {
		return nil, fmt.Errorf("could not get active segment size: %w", err)
	}
	headerSize := int64(binary.Size(core.FileHeader{}))
	if currentSize > headerSize && (currentSize+newRecordSize) > w.opts.MaxSegmentSize {
		if err := w.rotateLocked(); err != nil {
			return nil, fmt.Errorf("failed to rotate WAL segment: %w", err)
		}
	}

	if err := w.activeSegment.WriteRecord(payloadBytes); err != nil {
		if w.hookManager != nil {
			w.hookManager.Trigger(context.Background(), hooks.NewPostWALAppendEvent(hooks.PostWALAppendPayload{Entries: entries, Error: err}))
		}
		return nil, err
	}
	if w.opts.SyncMode == SyncAlways {
		if err := w.activeSegment.Sync(); err != nil {
			return nil, err
		}
	}

	if w.metricsBytesWritten != nil {
		w.metricsBytesWritten.Add(newRecordSize)
	}
	if w.metricsEntriesWritten != nil {
		w.metricsEntriesWritten.Add(int64(len(entries)))
	}

	w.applyMTRTransitionsLocked(entries)
	w.notifyStreamersLocked(entries)
	w.cond.Broadcast()

	if w.hookManager != nil {
		w.hookManager.Trigger(context.Background(), hooks.NewPostWALAppendEvent(hooks.PostWALAppendPayload{Entries: entries, LSN: lsns[len(lsns)-1]}))
	}

	return lsns, nil
}

// applyMTRTransitionsLocked updates in-memory MTR bookkeeping as MTR
// lifecycle records pass through the log. Must be called with w.mu held.
func (w *WAL) applyMTRTransitionsLocked(entries []core.WALEntry) {
	w.mtrsMu.Lock()
	defer w.mtrsMu.Unlock()
	for _, e := range entries {
		switch e.Kind {
		case core.RecordMTRBegin:
			w.mtrs[mtrKey{rangeID: 0, appliedIndex: e.LSN}] = &mtrState{mtrID: e.MTRID, status: mtrActive}
		case core.RecordMTRCommit:
			for k, st := range w.mtrs {
				if st.mtrID == e.MTRID {
					st.status = mtrCommitted
					_ = k
				}
			}
		case core.RecordMTRRollback:
			for _, st := range w.mtrs {
				if st.mtrID == e.MTRID {
					st.status = mtrAborted
				}
			}
		}
	}
}

// Sync flushes data to the active segment file.
func (w *WAL) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.activeSegment == nil {
		return errors.New("wal is closed")
	}
	return w.activeSegment.Sync()
}

// Rotate manually triggers a segment rotation.
func (w *WAL) Rotate() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.rotateLocked()
}

// Close closes the WAL file.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.testingOnlyInjectCloseError != nil {
		return w.testingOnlyInjectCloseError
	}
	w.isClosing.Store(true)
	w.cond.Broadcast()

	if w.activeSegment == nil {
		return nil
	}
	closeErr := w.activeSegment.Close()
	w.activeSegment = nil

	if closeErr != nil {
		w.logger.Error("error during WAL close", "error", closeErr)
	} else {
		w.logger.Info("WAL closed")
	}
	return closeErr
}

// Purge deletes segment files with an index less than or equal to upToIndex.
// The active segment is never deleted.
func (w *WAL) Purge(upToIndex uint64) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	var remaining []uint64
	var purged int
	for _, index := range w.segmentIndexes {
		if index <= upToIndex {
			if w.activeSegment != nil && w.activeSegment.index == index {
				w.logger.Warn("skipping purge of active WAL segment", "index", index)
				remaining = append(remaining, index)
				continue
			}
			path := filepath.Join(w.dir, core.FormatWALFileName(index))
			if err := os.Remove(path); err != nil {
				w.logger.Error("failed to purge WAL segment", "path", path, "error", err)
			} else {
				purged++
			}
		} else {
			remaining = append(remaining, index)
		}
	}
	w.segmentIndexes = remaining
	if purged > 0 {
		w.logger.Info("purged WAL segments", "count", purged, "up_to_index", upToIndex)
	}
	return nil
}

// streamerNotification is delivered to a tailing streamReader as new
// entries are appended to the active segment.
type streamerNotification struct {
	entries  []core.WALEntry
	notifyID uint64
}

// streamerRegistration is a tailing StreamReader's subscription slot.
type streamerRegistration struct {
	notifyC chan streamerNotification
}

// NewStreamReader creates a new reader for streaming WAL entries, starting
// from the entry immediately after fromLSN.
func (w *WAL) NewStreamReader(fromLSN uint64) (StreamReader, error) {
	reg := &streamerRegistration{notifyC: make(chan streamerNotification, 64)}
	w.streamersMu.Lock()
	w.streamers[reg] = struct{}{}
	w.streamersMu.Unlock()

	return &streamReader{
		wal:            w,
		lastReadLSN:    fromLSN,
		logger:         w.logger,
		registration:   reg,
	}, nil
}

func (w *WAL) unregisterStreamer(reg *streamerRegistration) {
	w.streamersMu.Lock()
	defer w.streamersMu.Unlock()
	if _, ok := w.streamers[reg]; ok {
		delete(w.streamers, reg)
		close(reg.notifyC)
	}
}

// notifyStreamersLocked fans a freshly appended batch out to tailing
// streamers. Must be called with w.mu held.
func (w *WAL) notifyStreamersLocked(entries []core.WALEntry) {
	w.streamersMu.Lock()
	defer w.streamersMu.Unlock()
	if len(w.streamers) == 0 {
		return
	}
	w.notifySeq++
	notif := streamerNotification{entries: entries, notifyID: w.notifySeq}
	for reg := range w.streamers {
		select {
		case reg.notifyC <- notif:
		default:
			w.logger.Warn("stream reader notification channel full, dropping notification")
		}
	}
}

// Path returns the directory path of the WAL.
func (w *WAL) Path() string { return w.dir }

// ActiveSegmentIndex returns the index of the current active segment file.
func (w *WAL) ActiveSegmentIndex() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.activeSegmentIndexLocked()
}

func (w *WAL) activeSegmentIndexLocked() uint64 {
	if w.activeSegment == nil {
		return 0
	}
	return w.activeSegment.index
}

// rotateLocked creates a new segment file for writing. Must be called with lock held.
func (w *WAL) rotateLocked() error {
	var nextIndex uint64 = 1
	if len(w.segmentIndexes) > 0 {
		nextIndex = w.segmentIndexes[len(w.segmentIndexes)-1] + 1
	}

	newSegment, err := CreateSegment(w.dir, nextIndex)
	if err != nil {
		return err
	}

	var oldIndex uint64
	if w.activeSegment != nil {
		oldIndex = w.activeSegment.index
		if err := w.activeSegment.Close(); err != nil {
			w.logger.Error("failed to close active segment during rotation", "path", w.activeSegment.path, "error", err)
		}
	}

	w.activeSegment = newSegment
	w.segmentIndexes = append(w.segmentIndexes, nextIndex)
	w.logger.Info("rotated to new WAL segment", "index", nextIndex, "path", newSegment.path)

	if w.hookManager != nil && oldIndex > 0 {
		payload := hooks.PostWALRotatePayload{OldSegmentIndex: oldIndex, NewSegmentIndex: newSegment.index, NewSegmentPath: newSegment.path}
		w.hookManager.Trigger(context.Background(), hooks.NewPostWALRotateEvent(payload))
	}
	return nil
}

// encodeEntry serializes a single WALEntry's fields into a writer.
func encodeEntry(w io.Writer, entry *core.WALEntry) error {
	if err := binary.Write(w, binary.LittleEndian, byte(entry.Kind)); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, entry.LSN); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, entry.MTRID); err != nil {
		return err
	}

	var lenBuf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(lenBuf[:], uint64(len(entry.Key)))
	if _, err := w.Write(lenBuf[:n]); err != nil {
		return err
	}
	if _, err := w.Write(entry.Key); err != nil {
		return err
	}

	n = binary.PutUvarint(lenBuf[:], uint64(len(entry.Value)))
	if _, err := w.Write(lenBuf[:n]); err != nil {
		return err
	}
	_, err := w.Write(entry.Value)
	return err
}

// decodeEntry deserializes a single WALEntry's fields from a reader.
func decodeEntry(r io.Reader) (*core.WALEntry, error) {
	entry := &core.WALEntry{}
	var kindByte byte
	if err := binary.Read(r, binary.LittleEndian, &kindByte); err != nil {
		return nil, fmt.Errorf("failed to read entry kind: %w", err)
	}
	entry.Kind = core.RecordKind(kindByte)
	if err := binary.Read(r, binary.LittleEndian, &entry.LSN); err != nil {
		return nil, fmt.Errorf("failed to read LSN: %w", err)
	}
	if err := binary.Read(r, binary.LittleEndian, &entry.MTRID); err != nil {
		return nil, fmt.Errorf("failed to read MTR ID: %w", err)
	}

	br, ok := r.(io.ByteReader)
	if !ok {
		br = bufio.NewReader(r)
	}

	keyLen, err := binary.ReadUvarint(br)
	if err != nil {
		return nil, fmt.Errorf("failed to read key length: %w", err)
	}
	entry.Key = make([]byte, keyLen)
	if _, err := io.ReadFull(r, entry.Key); err != nil {
		return nil, fmt.Errorf("failed to read key: %w", err)
	}

	valLen, err := binary.ReadUvarint(br)
	if err != nil {
		return nil, fmt.Errorf("failed to read value length: %w", err)
	}
	if valLen > 0 {
		entry.Value = make([]byte, valLen)
		if _, err := io.ReadFull(r, entry.Value); err != nil {
			return nil, fmt.Errorf("failed to read value: %w", err)
		}
	}
	return entry, nil
}

// encodeBatch writes a batch marker, entry count, then each entry.
func encodeBatch(w io.Writer, entries []core.WALEntry) error {
	if err := binary.Write(w, binary.LittleEndian, uint32(len(entries))); err != nil {
		return err
	}
	for i := range entries {
		if err := encodeEntry(w, &entries[i]); err != nil {
			return err
		}
	}
	return nil
}

// decodeBatchRecord decodes a batch record payload into its entries.
func decodeBatchRecord(data []byte) ([]core.WALEntry, error) {
	r := bytes.NewReader(data)
	var count uint32
	if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
		return nil, fmt.Errorf("failed to read batch entry count: %w", err)
	}
	entries := make([]core.WALEntry, 0, count)
	for i := uint32(0); i < count; i++ {
		entry, err := decodeEntry(r)
		if err != nil {
			return entries, fmt.Errorf("error decoding entry %d in batch: %w", i, err)
		}
		entries = append(entries, *entry)
	}
	return entries, nil
}

// recover reads all entries from all known segments past startRecoveryIndex.
// Segments are decoded concurrently, bounded by walRecoveryConcurrency,
// since each sealed segment's bytes are immutable and independent to
// decode; results are then stitched back together in segment-index order
// so replay still sees entries in their original LSN order, stopping at the
// first segment (by index, not decode-completion order) that errors.
func (w *WAL) recover(startRecoveryIndex uint64) ([]core.WALEntry, error) {
	type segmentResult struct {
		entries []core.WALEntry
		err     error
	}

	pending := make([]uint64, 0, len(w.segmentIndexes))
	for _, index := range w.segmentIndexes {
		if index > startRecoveryIndex {
			pending = append(pending, index)
		}
	}

	results := make([]segmentResult, len(pending))
	var eg errgroup.Group
	eg.SetLimit(walRecoveryConcurrency)
	for i, index := range pending {
		i, index := i, index
		eg.Go(func() error {
			path := filepath.Join(w.dir, core.FormatWALFileName(index))
			entries, err := recoverFromSegment(path, w.logger)
			results[i] = segmentResult{entries: entries, err: err}
			return nil
		})
	}
	_ = eg.Wait()

	var allEntries []core.WALEntry
	for i, index := range pending {
		res := results[i]
		if len(res.entries) > 0 {
			allEntries = append(allEntries, res.entries...)
		}
		if res.err != nil {
			if res.err == io.EOF {
				continue
			}
			path := filepath.Join(w.dir, core.FormatWALFileName(index))
			w.logger.Warn("recovery stopped on segment due to error", "index", index, "path", path, "error", res.err)
			return allEntries, res.err
		}
	}
	return allEntries, io.EOF
}

func recoverFromSegment(filePath string, logger *slog.Logger) ([]core.WALEntry, error) {
	reader, err := OpenSegmentForRead(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			logger.Info("WAL segment does not exist, nothing to recover", "path", filePath)
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open WAL segment for reading %s: %w", filePath, err)
	}
	defer reader.Close()

	var entries []core.WALEntry
	for {
		recordData, err := reader.ReadRecord()
		if err != nil {
			return entries, err
		}
		batch, err := decodeBatchRecord(recordData)
		if err != nil {
			return entries, err
		}
		entries = append(entries, batch...)
	}
}

func (w *WAL) openForAppend() error {
	if len(w.segmentIndexes) == 0 {
		return w.rotateLocked()
	}

	lastIndex := w.segmentIndexes[len(w.segmentIndexes)-1]
	path := filepath.Join(w.dir, core.FormatWALFileName(lastIndex))

	stat, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("failed to stat last segment %s: %w", path, err)
	}

	if stat.Size() > int64(binary.Size(core.FileHeader{})) {
		return w.rotateLocked()
	}

	if err := os.Remove(path); err != nil {
		return fmt.Errorf("failed to remove incomplete segment %s for reuse: %w", path, err)
	}

	seg, err := CreateSegment(w.dir, lastIndex)
	if err != nil {
		return fmt.Errorf("failed to reuse segment %d: %w", lastIndex, err)
	}
	w.activeSegment = seg
	return nil
}
