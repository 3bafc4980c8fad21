package block

import (
	"sync"

	"github.com/RoaringBitmap/roaring"
)

// Item is the in-memory directory entry for one block (spec.md §3 "Block
// item"). It is the unit tracked by a partition's block-item directory
// (skiplist ordered by (entity_id, min_ts)) and mutated under the
// partition's block-directory mutex.
type Item struct {
	mu sync.RWMutex

	BlockID   uint32
	EntityID  uint32
	SegmentID uint32

	// PublishRowCount is the number of rows visible to readers. It is
	// monotonically non-decreasing while the block is Active; tombstones
	// never shrink it (spec.md §3 invariant 3).
	PublishRowCount uint32

	// IsAggResAvailable is true when the block's stored per-block
	// aggregates (count/min/max/sum) are consistent with PublishRowCount
	// and no row has been tombstoned (spec.md §3 invariant 4).
	IsAggResAvailable bool

	// IsOverflow marks that this block's SUM accumulator promoted to a
	// wider type (spec.md §4.3 "Per-block overflow").
	IsOverflow bool

	// DeletedBitmap tracks tombstoned row offsets within the block. A set
	// bit means the row at that offset must be skipped by readers
	// (spec.md §4.3 "Delete").
	DeletedBitmap *roaring.Bitmap

	// DiscardBitmap tracks stored rows that a later REJECT/DISCARD write
	// collided with (the incoming row itself is dropped), distinct from
	// post-hoc deletes (spec.md §4.4 "Dedup").
	DiscardBitmap *roaring.Bitmap

	MinTS int64
	MaxTS int64
}

// NewItem allocates a fresh, empty block item for entityID.
func NewItem(blockID, segmentID, entityID uint32) *Item {
	return &Item{
		BlockID:       blockID,
		SegmentID:     segmentID,
		EntityID:      entityID,
		DeletedBitmap: roaring.New(),
		DiscardBitmap: roaring.New(),
		MinTS:         0,
		MaxTS:         0,
	}
}

// MarkDeleted tombstones a row offset and clears the aggregate-availability
// flag (spec.md §4.3 "Delete").
func (it *Item) MarkDeleted(rowOffset uint32) {
	it.mu.Lock()
	defer it.mu.Unlock()
	it.DeletedBitmap.Add(rowOffset)
	it.IsAggResAvailable = false
}

// IsDeleted reports whether rowOffset has been tombstoned.
func (it *Item) IsDeleted(rowOffset uint32) bool {
	it.mu.RLock()
	defer it.mu.RUnlock()
	return it.DeletedBitmap.Contains(rowOffset)
}

// HasAnyDeleted reports whether any row in the block is tombstoned.
func (it *Item) HasAnyDeleted() bool {
	it.mu.RLock()
	defer it.mu.RUnlock()
	return !it.DeletedBitmap.IsEmpty()
}

// LiveRowCount returns PublishRowCount minus the number of tombstoned rows
// within [0, PublishRowCount).
func (it *Item) LiveRowCount() uint32 {
	it.mu.RLock()
	defer it.mu.RUnlock()
	if it.PublishRowCount == 0 {
		return 0
	}
	deleted := it.DeletedBitmap.GetCardinality()
	if uint64(it.PublishRowCount) <= deleted {
		return 0
	}
	return it.PublishRowCount - uint32(deleted)
}

// Publish advances PublishRowCount to newCount, extends [MinTS,MaxTS], and
// is called last with a release fence so readers observing the new count
// see fully written cells (spec.md §4.3 step 6, §5 "Ordering guarantees").
// Go's memory model gives the required happens-before via the caller's
// mutex unlock; PublishRowCount itself is read by concurrent readers
// through the same lock discipline enforced by the owning partition.
func (it *Item) Publish(newCount uint32, minTS, maxTS int64) {
	it.mu.Lock()
	defer it.mu.Unlock()
	if it.PublishRowCount == 0 || minTS < it.MinTS {
		it.MinTS = minTS
	}
	if maxTS > it.MaxTS {
		it.MaxTS = maxTS
	}
	if newCount > it.PublishRowCount {
		it.PublishRowCount = newCount
	}
}

// Rewind undoes a failed reservation (spec.md §4.4 "publish_payload_space
// with the success=false variant"): it rolls PublishRowCount back to
// priorCount and clears aggregate availability, since the aggregates may
// have already observed the rolled-back rows.
func (it *Item) Rewind(priorCount uint32) {
	it.mu.Lock()
	defer it.mu.Unlock()
	it.PublishRowCount = priorCount
	it.IsAggResAvailable = false
}

// SetAggAvailable flips whether the block's stored aggregates are trusted.
func (it *Item) SetAggAvailable(available bool) {
	it.mu.Lock()
	defer it.mu.Unlock()
	it.IsAggResAvailable = available
}

// Snapshot returns a value copy of the item's scalar fields plus cloned
// bitmaps, safe to read without further locking. Used by iterators that
// need a stable view across a batch.
func (it *Item) Snapshot() Item {
	it.mu.RLock()
	defer it.mu.RUnlock()
	return Item{
		BlockID:           it.BlockID,
		SegmentID:         it.SegmentID,
		EntityID:          it.EntityID,
		PublishRowCount:   it.PublishRowCount,
		IsAggResAvailable: it.IsAggResAvailable,
		IsOverflow:        it.IsOverflow,
		DeletedBitmap:     it.DeletedBitmap.Clone(),
		DiscardBitmap:     it.DiscardBitmap.Clone(),
		MinTS:             it.MinTS,
		MaxTS:             it.MaxTS,
	}
}
