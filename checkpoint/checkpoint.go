// Package checkpoint persists the durable low-water marks an entity-group
// needs to bound WAL replay after a crash: the last WAL index known to be
// fully applied to every sub-group, plus, per partition, the row-count and
// timestamp bounds already reflected on disk (spec.md §4.10 "Recovery").
package checkpoint

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/kwdbts2/kwdbts2/core"
	"github.com/kwdbts2/kwdbts2/sys"
)

// PartitionTail records how far a single partition had been durably
// written as of a checkpoint, so recovery only needs to replay WAL entries
// past this point for that partition.
type PartitionTail struct {
	SubGroupID       uint32 `json:"sub_group_id"`
	PartitionStartTs int64  `json:"partition_start_ts"`
	RowsWritten      uint64 `json:"rows_written"`
	MinTimestamp     int64  `json:"min_timestamp"`
	MaxTimestamp     int64  `json:"max_timestamp"`
}

// Checkpoint is the durable recovery marker for one entity-group: the WAL
// index below which every record is known to be reflected in sealed
// segments or applied MTRs, and the per-partition tails as of that index.
type Checkpoint struct {
	LastSafeWALIndex uint64           `json:"last_safe_wal_index"`
	Partitions       []PartitionTail  `json:"partitions"`
}

// Write atomically writes the checkpoint data to a file in the given directory.
// It implements the "write-and-rename" strategy to ensure atomicity and
// prevent corruption on crash.
func Write(dir string, cp Checkpoint) error {
	payload, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}

	tempPath := filepath.Join(dir, core.FormatTempFilename(core.CheckpointFileName, "tmp"))
	file, err := sys.Create(tempPath)
	if err != nil {
		return fmt.Errorf("failed to create temp checkpoint file: %w", err)
	}

	if err := binary.Write(file, binary.LittleEndian, core.CheckpointMagicNumber); err != nil {
		file.Close()
		return fmt.Errorf("failed to write checkpoint magic number: %w", err)
	}
	if err := binary.Write(file, binary.LittleEndian, uint32(len(payload))); err != nil {
		file.Close()
		return fmt.Errorf("failed to write checkpoint payload length: %w", err)
	}
	if _, err := file.Write(payload); err != nil {
		file.Close()
		return fmt.Errorf("failed to write checkpoint payload: %w", err)
	}

	if err := file.Sync(); err != nil {
		file.Close()
		return fmt.Errorf("failed to sync temp checkpoint file: %w", err)
	}

	// Close the file BEFORE renaming. This is crucial for Windows compatibility.
	if err := file.Close(); err != nil {
		return fmt.Errorf("failed to close temp checkpoint file before rename: %w", err)
	}

	finalPath := filepath.Join(dir, core.CheckpointFileName)
	if err := sys.Rename(tempPath, finalPath); err != nil {
		return fmt.Errorf("failed to rename temp checkpoint file to final name: %w", err)
	}

	return nil
}

// Read reads the checkpoint data from the file in the given directory.
// It returns the checkpoint data and a boolean indicating if the file existed.
// If the file does not exist, it returns a zero-value Checkpoint and no error.
func Read(dir string) (Checkpoint, bool, error) {
	path := filepath.Join(dir, core.CheckpointFileName)
	file, err := sys.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Checkpoint{}, false, nil
		}
		return Checkpoint{}, false, fmt.Errorf("failed to open checkpoint file: %w", err)
	}
	defer file.Close()

	var magic uint32
	if err := binary.Read(file, binary.LittleEndian, &magic); err != nil {
		return Checkpoint{}, true, fmt.Errorf("failed to read checkpoint magic number: %w", err)
	}
	if magic != core.CheckpointMagicNumber {
		return Checkpoint{}, true, fmt.Errorf("invalid checkpoint magic number: got %x, want %x", magic, core.CheckpointMagicNumber)
	}

	var payloadLen uint32
	if err := binary.Read(file, binary.LittleEndian, &payloadLen); err != nil {
		return Checkpoint{}, true, fmt.Errorf("failed to read checkpoint payload length: %w", err)
	}

	payload := make([]byte, payloadLen)
	if _, err := file.Read(payload); err != nil {
		return Checkpoint{}, true, fmt.Errorf("failed to read checkpoint payload: %w", err)
	}

	var cp Checkpoint
	if err := json.Unmarshal(payload, &cp); err != nil {
		return Checkpoint{}, true, fmt.Errorf("failed to unmarshal checkpoint payload: %w", err)
	}

	return cp, true, nil
}
