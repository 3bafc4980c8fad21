package wal

import (
	"context"

	"github.com/kwdbts2/kwdbts2/core"
)

// StreamReader reads WAL entries as a continuous stream, first catching up
// through closed segments and then tailing the active one. Used to feed a
// replica or a lagging sub-group's recovery.
type StreamReader interface {
	// Next returns the next available WAL entry. It blocks until an entry is
	// available, the reader is closed, or ctx is canceled.
	Next(ctx context.Context) (*core.WALEntry, error)
	Close() error
}

// WALInterface defines the public API for the write-ahead log.
type WALInterface interface {
	// AppendBatch writes a slice of WAL entries as a single, atomic record
	// and returns the LSN assigned to each entry in order.
	AppendBatch(entries []core.WALEntry) ([]uint64, error)
	// Append writes a single WALEntry to the log.
	Append(entry core.WALEntry) (uint64, error)
	Sync() error
	// Purge deletes segment files with an index less than or equal to the given index.
	Purge(upToIndex uint64) error
	Close() error
	Path() string
	SetTestingOnlyInjectCloseError(err error)
	// ActiveSegmentIndex returns the index of the current active segment file.
	ActiveSegmentIndex() uint64
	// Rotate manually triggers a segment rotation.
	Rotate() error
	// NewStreamReader creates a new reader for streaming WAL entries, starting
	// from the entry immediately after the given LSN.
	NewStreamReader(fromLSN uint64) (StreamReader, error)
}

var _ WALInterface = (*WAL)(nil)
