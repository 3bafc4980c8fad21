package segment

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/kwdbts2/kwdbts2/block"
	"github.com/kwdbts2/kwdbts2/core"
	"github.com/kwdbts2/kwdbts2/sys"
)

// blockMetaRecord is one block item's persisted state, the JSON payload of
// a segment's <segment_id>.meta file (spec.md §6 "On-disk layout").
type blockMetaRecord struct {
	BlockID           uint32  `json:"block_id"`
	EntityID          uint32  `json:"entity_id"`
	PublishRowCount   uint32  `json:"publish_row_count"`
	IsAggResAvailable bool    `json:"is_agg_res_available"`
	IsOverflow        bool    `json:"is_overflow"`
	MinTS             int64   `json:"min_ts"`
	MaxTS             int64   `json:"max_ts"`
	Deleted           []uint32 `json:"deleted,omitempty"`
	Discard           []uint32 `json:"discard,omitempty"`
}

type segmentMetaFile struct {
	NextBlockID uint32            `json:"next_block_id"`
	State       int               `json:"state"`
	Blocks      []blockMetaRecord `json:"blocks"`
}

func metaFilePath(dir string, id uint32) string {
	return filepath.Join(dir, core.FormatSegmentMetaFileName(id))
}

// SyncMeta persists the segment's block-item directory to its .meta file,
// so a reopen can rebuild block bookkeeping (publish counts, aggregate
// availability, tombstones) without rescanning column data.
func (s *Segment) SyncMeta() error {
	s.mu.RLock()
	rec := segmentMetaFile{NextBlockID: s.nextBlockID, State: int(s.state)}
	for _, item := range s.blockItems {
		snap := item.Snapshot()
		rec.Blocks = append(rec.Blocks, blockMetaRecord{
			BlockID:           snap.BlockID,
			EntityID:          snap.EntityID,
			PublishRowCount:   snap.PublishRowCount,
			IsAggResAvailable: snap.IsAggResAvailable,
			IsOverflow:        snap.IsOverflow,
			MinTS:             snap.MinTS,
			MaxTS:             snap.MaxTS,
			Deleted:           snap.DeletedBitmap.ToArray(),
			Discard:           snap.DiscardBitmap.ToArray(),
		})
	}
	s.mu.RUnlock()

	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("%w: marshal segment %d meta: %v", core.ErrInternal, s.ID, err)
	}

	finalPath := metaFilePath(s.dir, s.ID)
	tmpPath := core.FormatTempFilename(finalPath, "tmp")
	f, err := sys.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("%w: create segment meta %s: %v", core.ErrIO, tmpPath, err)
	}
	if err := binary.Write(f, binary.LittleEndian, core.SegmentMetaMagicNumber); err != nil {
		f.Close()
		return fmt.Errorf("%w: write segment meta magic: %v", core.ErrIO, err)
	}
	if err := binary.Write(f, binary.LittleEndian, uint32(len(payload))); err != nil {
		f.Close()
		return fmt.Errorf("%w: write segment meta length: %v", core.ErrIO, err)
	}
	if _, err := f.Write(payload); err != nil {
		f.Close()
		return fmt.Errorf("%w: write segment meta payload: %v", core.ErrIO, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("%w: sync segment meta: %v", core.ErrIO, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("%w: close segment meta: %v", core.ErrIO, err)
	}
	return sys.Rename(tmpPath, finalPath)
}

func loadSegmentMeta(dir string, id uint32) (segmentMetaFile, bool, error) {
	path := metaFilePath(dir, id)
	f, err := sys.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return segmentMetaFile{}, false, nil
		}
		return segmentMetaFile{}, false, fmt.Errorf("%w: open segment meta %s: %v", core.ErrIO, path, err)
	}
	defer f.Close()

	var magic uint32
	if err := binary.Read(f, binary.LittleEndian, &magic); err != nil {
		return segmentMetaFile{}, true, fmt.Errorf("%w: read segment meta magic: %v", core.ErrCorruption, err)
	}
	if magic != core.SegmentMetaMagicNumber {
		return segmentMetaFile{}, true, fmt.Errorf("%w: bad segment meta magic in %s", core.ErrCorruption, path)
	}
	var length uint32
	if err := binary.Read(f, binary.LittleEndian, &length); err != nil {
		return segmentMetaFile{}, true, fmt.Errorf("%w: read segment meta length: %v", core.ErrCorruption, err)
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(f, payload); err != nil {
		return segmentMetaFile{}, true, fmt.Errorf("%w: read segment meta payload: %v", core.ErrCorruption, err)
	}
	var rec segmentMetaFile
	if err := json.Unmarshal(payload, &rec); err != nil {
		return segmentMetaFile{}, true, fmt.Errorf("%w: unmarshal segment meta: %v", core.ErrCorruption, err)
	}
	return rec, true, nil
}

// OpenWithMeta reopens an existing segment and, if a .meta sidecar exists,
// rebuilds its block-item directory from it. A segment with no .meta file
// (never sealed or synced before a crash) reopens with an empty directory;
// the owning partition falls back to treating it as freshly allocated,
// which loses only the tail block's in-flight bookkeeping since column
// bytes past the last durable publish_row_count are never read anyway.
func OpenWithMeta(dir string, id uint32, schema *core.Schema, capacity uint32, state State, opts Options) (*Segment, error) {
	s, err := Open(dir, id, schema, capacity, state, opts)
	if err != nil {
		return nil, err
	}
	rec, found, err := loadSegmentMeta(dir, id)
	if err != nil {
		s.Close()
		return nil, err
	}
	if !found {
		return s, nil
	}

	s.nextBlockID = rec.NextBlockID
	for _, b := range rec.Blocks {
		item := block.NewItem(b.BlockID, id, b.EntityID)
		item.Publish(b.PublishRowCount, b.MinTS, b.MaxTS)
		item.SetAggAvailable(b.IsAggResAvailable)
		item.IsOverflow = b.IsOverflow
		for _, r := range b.Deleted {
			item.DeletedBitmap.Add(r)
		}
		for _, r := range b.Discard {
			item.DiscardBitmap.Add(r)
		}
		s.blockItems[b.BlockID] = item
		if cur, ok := s.entityTailBlock[b.EntityID]; !ok || b.BlockID > cur {
			s.entityTailBlock[b.EntityID] = b.BlockID
		}
	}
	return s, nil
}
