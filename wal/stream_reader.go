package wal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/kwdbts2/kwdbts2/core"
)

// errNoNewEntries is returned internally when catch-up mode reaches the end
// of all closed segments; it is the signal to switch to tailing mode.
var errNoNewEntries = errors.New("no new WAL entries available in closed segments")

// streamReader implements StreamReader: it first replays closed segments
// ("catch-up mode") and then blocks on live notifications from the WAL's
// active segment ("tailing mode").
type streamReader struct {
	wal *WAL

	currentSegmentReader *SegmentReader
	currentSegmentIndex  uint64
	lastReadLSN          uint64

	entryBuffer []core.WALEntry
	bufferIndex int

	logger       *slog.Logger
	registration *streamerRegistration
	isTailing    bool
}

// Next returns the next WAL entry in LSN order.
func (sr *streamReader) Next(ctx context.Context) (*core.WALEntry, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		if sr.bufferIndex < len(sr.entryBuffer) {
			entry := &sr.entryBuffer[sr.bufferIndex]
			sr.bufferIndex++
			if entry.LSN > sr.lastReadLSN {
				sr.lastReadLSN = entry.LSN
				return entry, nil
			}
			continue
		}
		sr.entryBuffer = nil
		sr.bufferIndex = 0

		if sr.isTailing {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case notif, ok := <-sr.registration.notifyC:
				if !ok {
					return nil, io.EOF
				}
				sr.entryBuffer = notif.entries
				continue
			}
		}

		sr.wal.mu.Lock()
		if sr.currentSegmentReader == nil {
			err := sr.openNextAvailableSegmentLocked()
			if err != nil {
				sr.wal.mu.Unlock()
				if errors.Is(err, errNoNewEntries) {
					sr.logger.Debug("stream reader finished catch-up, switching to tailing mode")
					sr.isTailing = true
					continue
				}
				return nil, fmt.Errorf("stream reader failed to open next segment: %w", err)
			}
		}

		recordData, err := sr.currentSegmentReader.ReadRecord()
		sr.wal.mu.Unlock()

		if err != nil {
			if err == io.EOF {
				sr.wal.mu.Lock()
				sr.currentSegmentReader.Close()
				sr.currentSegmentReader = nil
				sr.wal.mu.Unlock()
				continue
			}
			return nil, fmt.Errorf("error reading WAL record from segment %d: %w", sr.currentSegmentIndex, err)
		}

		decoded, err := decodeBatchRecord(recordData)
		if err != nil {
			return nil, fmt.Errorf("error decoding batch record from segment %d: %w", sr.currentSegmentIndex, err)
		}
		sr.entryBuffer = decoded
	}
}

// openNextAvailableSegmentLocked finds and opens the next closed segment.
// Must be called with the WAL lock held.
func (sr *streamReader) openNextAvailableSegmentLocked() error {
	var segmentToOpen uint64

	if sr.currentSegmentIndex == 0 {
		if len(sr.wal.segmentIndexes) > 0 {
			segmentToOpen = sr.wal.segmentIndexes[0]
		} else {
			return errNoNewEntries
		}
	} else {
		nextKnown := sr.findNextSegmentIndexLocked(sr.currentSegmentIndex)
		if nextKnown == 0 {
			return errNoNewEntries
		}
		segmentToOpen = nextKnown
	}

	if segmentToOpen >= sr.wal.activeSegmentIndexLocked() {
		return errNoNewEntries
	}

	path := filepath.Join(sr.wal.dir, core.FormatWALFileName(segmentToOpen))
	reader, err := OpenSegmentForRead(path)
	if err != nil {
		if os.IsNotExist(err) {
			return errNoNewEntries
		}
		return err
	}

	sr.currentSegmentReader = reader
	sr.currentSegmentIndex = segmentToOpen
	return nil
}

func (sr *streamReader) findNextSegmentIndexLocked(currentIndex uint64) uint64 {
	for i, idx := range sr.wal.segmentIndexes {
		if idx == currentIndex && i+1 < len(sr.wal.segmentIndexes) {
			return sr.wal.segmentIndexes[i+1]
		}
	}
	return 0
}

// Close releases resources held by the stream reader and unregisters it.
func (sr *streamReader) Close() error {
	sr.wal.unregisterStreamer(sr.registration)

	sr.wal.mu.Lock()
	defer sr.wal.mu.Unlock()
	if sr.currentSegmentReader != nil {
		return sr.currentSegmentReader.Close()
	}
	return nil
}
