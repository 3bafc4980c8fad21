package partition

import (
	"github.com/INLOpen/skiplist"
	"github.com/kwdbts2/kwdbts2/block"
)

// dirKey orders the block-item directory by (entity_id, min_ts, block_id),
// per spec.md §4.4 "Exposes get_all_block_items(entity_id, out_queue,
// reverse) which returns block items of that entity in time order (or
// reverse) of their min_ts."
type dirKey struct {
	EntityID uint32
	MinTS    int64
	BlockID  uint32
}

func dirComparator(a, b dirKey) int {
	if a.EntityID != b.EntityID {
		if a.EntityID < b.EntityID {
			return -1
		}
		return 1
	}
	if a.MinTS != b.MinTS {
		if a.MinTS < b.MinTS {
			return -1
		}
		return 1
	}
	if a.BlockID != b.BlockID {
		if a.BlockID < b.BlockID {
			return -1
		}
		return 1
	}
	return 0
}

// directory is the partition's block-item skiplist, ordered by
// (entity_id, min_ts) as required for get_all_block_items to answer in
// time order without an extra sort.
type directory struct {
	data *skiplist.SkipList[dirKey, *block.Item]
}

func newDirectory() *directory {
	return &directory{data: skiplist.NewWithComparator[dirKey, *block.Item](dirComparator)}
}

// insert (re)places the directory entry for item, keyed by its current
// MinTS. Called once per block, after the write that first puts rows into
// it, and for every block when Open rebuilds the directory.
func (d *directory) insert(item *block.Item) {
	d.data.Insert(dirKey{EntityID: item.EntityID, MinTS: item.MinTS, BlockID: item.BlockID}, item)
}

// reindex removes the entry filed under oldMinTS and reinserts item under
// its current MinTS. Nothing in this package calls it: blocks are indexed
// only after their first write has set MinTS.
func (d *directory) reindex(item *block.Item, oldMinTS int64) {
	d.data.Delete(dirKey{EntityID: item.EntityID, MinTS: oldMinTS, BlockID: item.BlockID})
	d.insert(item)
}

// getAll returns entityID's block items ordered by MinTS ascending, or
// descending when reverse is true (spec.md §4.4).
func (d *directory) getAll(entityID uint32, reverse bool) []*block.Item {
	var opts []skiplist.IteratorOption[dirKey, *block.Item]
	if reverse {
		opts = append(opts, skiplist.WithReverse[dirKey, *block.Item]())
	}
	iter := d.data.NewIterator(opts...)

	var seekKey dirKey
	if reverse {
		seekKey = dirKey{EntityID: entityID, MinTS: 1<<63 - 1, BlockID: 1<<32 - 1}
	} else {
		seekKey = dirKey{EntityID: entityID, MinTS: -(1 << 63), BlockID: 0}
	}

	var out []*block.Item
	if !iter.Seek(seekKey) {
		return out
	}
	for {
		key := iter.Key()
		if key.EntityID != entityID {
			break
		}
		out = append(out, iter.Value())
		if !iter.Next() {
			break
		}
	}
	return out
}

// all returns every block item in the directory, used by compaction to
// enumerate an interval's segments.
func (d *directory) all() []*block.Item {
	var out []*block.Item
	d.data.Range(func(_ dirKey, v *block.Item) bool {
		out = append(out, v)
		return true
	})
	return out
}

// entities returns every distinct entity id present in the directory, used
// by compaction to walk one entity at a time.
func (d *directory) entities() []uint32 {
	var out []uint32
	var last uint32
	first := true
	d.data.Range(func(k dirKey, _ *block.Item) bool {
		if first || k.EntityID != last {
			out = append(out, k.EntityID)
			last = k.EntityID
			first = false
		}
		return true
	})
	return out
}

// clear empties the directory, used when compaction rebuilds it from a
// single compacted segment's block items.
func (d *directory) clear() {
	d.data = skiplist.NewWithComparator[dirKey, *block.Item](dirComparator)
}
