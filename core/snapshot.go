package core

// SnapshotManifest describes a packaged sub-range of entities for
// cross-node data migration (spec.md GLOSSARY "Snapshot"). It is the
// payload produced by create_snapshot and consumed by apply_snapshot.
type SnapshotManifest struct {
	SnapshotID    uint64                `json:"snapshot_id"`
	TableID       uint64                `json:"table_id"`
	RangeGroupID  uint64                `json:"range_group_id"`
	HashSpanStart uint32                `json:"hash_span_start"`
	HashSpanEnd   uint32                `json:"hash_span_end"`
	SchemaVersion uint32                `json:"schema_version"`
	SubGroups     []SnapshotSubGroupRef `json:"sub_groups"`
	Compression   string                `json:"compression,omitempty"`
}

// SnapshotSubGroupRef lists the partitions of one sub-group carried by a
// snapshot.
type SnapshotSubGroupRef struct {
	SubGroupID uint32              `json:"sub_group_id"`
	TagFiles   []string            `json:"tag_files"`
	Partitions []SnapshotPartition `json:"partitions"`
}

// SnapshotPartition lists the sealed segment files of one partition
// included in a snapshot.
type SnapshotPartition struct {
	PartitionStartTs int64             `json:"partition_start_ts"`
	Segments         []SnapshotSegment `json:"segments"`
}

// SnapshotSegment identifies one segment's files within a snapshot package.
type SnapshotSegment struct {
	SegmentID uint32 `json:"segment_id"`
	FileName  string `json:"file_name"` // one file of the partition directory (column, heap, meta or .sqfs), copied as is
	MinTs     int64  `json:"min_ts"`
	MaxTs     int64  `json:"max_ts"`
}
