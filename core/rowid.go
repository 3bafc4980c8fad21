package core

import "fmt"

// MetricRowID identifies one physical row within a segment's column blocks.
// It replaces the source's operator-overloaded struct with a plain value
// type plus a Less method (spec.md §9).
type MetricRowID struct {
	EntityID   uint32
	Timestamp  int64
	BlockID    uint32
	RowOffset  uint32
}

// Less orders row ids by (EntityID, Timestamp, BlockID, RowOffset). This is
// the total order used to decide dedup collisions and to report tombstoned
// rows back to the partition in a stable sequence.
func (a MetricRowID) Less(b MetricRowID) bool {
	if a.EntityID != b.EntityID {
		return a.EntityID < b.EntityID
	}
	if a.Timestamp != b.Timestamp {
		return a.Timestamp < b.Timestamp
	}
	if a.BlockID != b.BlockID {
		return a.BlockID < b.BlockID
	}
	return a.RowOffset < b.RowOffset
}

// SameKey reports whether a and b address the same (entity, timestamp),
// i.e. would collide under a dedup policy.
func (a MetricRowID) SameKey(b MetricRowID) bool {
	return a.EntityID == b.EntityID && a.Timestamp == b.Timestamp
}

func (a MetricRowID) String() string {
	return fmt.Sprintf("row{entity=%d ts=%d block=%d off=%d}", a.EntityID, a.Timestamp, a.BlockID, a.RowOffset)
}

// DedupMode selects the collision policy applied when two writes address
// the same (entity, timestamp) (spec.md §4.4).
type DedupMode byte

const (
	// DedupKeep: first write wins, later writes to the same key are dropped.
	DedupKeep DedupMode = iota
	// DedupOverride: last write wins; the previously stored row is tombstoned.
	DedupOverride
	// DedupReject: the new row is dropped; the offset of the stored row it
	// collided with is set in that block's discard bitmap.
	DedupReject
	// DedupDiscard: same as Reject, but the writer also reports dedup counters.
	DedupDiscard
)

func (m DedupMode) String() string {
	switch m {
	case DedupKeep:
		return "KEEP"
	case DedupOverride:
		return "OVERRIDE"
	case DedupReject:
		return "REJECT"
	case DedupDiscard:
		return "DISCARD"
	default:
		return fmt.Sprintf("DedupMode(%d)", byte(m))
	}
}

// ReportsCounters reports whether this mode's caller expects dedup counters
// back (REJECT stays silent; DISCARD and OVERRIDE surface counts).
func (m DedupMode) ReportsCounters() bool {
	return m == DedupDiscard || m == DedupOverride
}

// ParseDedupMode maps a config or DDL string to a DedupMode, defaulting to
// DedupKeep for an empty string.
func ParseDedupMode(s string) (DedupMode, error) {
	switch s {
	case "", "KEEP":
		return DedupKeep, nil
	case "OVERRIDE":
		return DedupOverride, nil
	case "REJECT":
		return DedupReject, nil
	case "DISCARD":
		return DedupDiscard, nil
	default:
		return 0, &ValidationError{Field: "dedup_mode", Value: s, Message: "unknown dedup mode"}
	}
}
