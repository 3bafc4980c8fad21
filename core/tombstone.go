package core

// RangeTombstone marks a timestamp range of one entity as deleted
// (spec.md §4.4 "Delete"). It is recorded in the WAL as a DeleteMetrics
// entry and applied against every block item overlapping the range.
type RangeTombstone struct {
	EntityID     uint32
	MinTimestamp int64
	MaxTimestamp int64
	LSN          uint64
}

// Overlaps reports whether the tombstone covers any part of [minTs, maxTs].
func (t RangeTombstone) Overlaps(minTs, maxTs int64) bool {
	return t.MinTimestamp <= maxTs && minTs <= t.MaxTimestamp
}
