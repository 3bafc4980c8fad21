package core

import (
	"fmt"
	"strconv"
	"strings"
)

// This file centralizes constants related to file formats, magic numbers,
// and other protocol-level identifiers used across the storage engine
// (spec.md §6 "On-disk layout").

// --- Magic Numbers ---
const (
	// WALMagicNumber identifies a write-ahead log segment file.
	WALMagicNumber uint32 = 0xBAADF00D
	// StringHeapMagicNumber identifies a segment's string-heap file (.s).
	StringHeapMagicNumber uint32 = 0x53485020 // "SHP "
	// ColumnFileMagicNumber identifies a per-column block file.
	ColumnFileMagicNumber uint32 = 0x434F4C46 // "COLF"
	// SegmentMetaMagicNumber identifies a segment .meta file.
	SegmentMetaMagicNumber uint32 = 0x53474D54 // "SGMT"
	// TagTableMagicNumber identifies a tag-table meta file (tag.meta).
	TagTableMagicNumber uint32 = 0x54414758 // "TAGX"
	// SqfsMagicNumber identifies a sealed compressed segment container.
	SqfsMagicNumber uint32 = 0x53514653 // "SQFS"

	CheckpointMagicNumber uint32 = 0x54504B43 // "CKPT" family
)

// --- File Names & Suffixes ---
const (
	// WALFileSuffix is the suffix for WAL segment files.
	WALFileSuffix = ".wal"
	// CheckpointFileName is the name of the file storing checkpoint information.
	CheckpointFileName = "CHECKPOINT"
	// TagMetaFileName is the tag table's fixed-column metadata file.
	TagMetaFileName = "tag.meta"
	// TagPrimaryFileName is reserved for the primary-tag hash index; no
	// file of this name is written, the index is rebuilt from tag.meta.
	TagPrimaryFileName = "tag.pri"
	// TagColumnFilePrefix prefixes a general-tag column's data file, e.g. tag.3
	TagColumnFilePrefix = "tag."
	// TagColumnStringHeapSuffix suffixes a general-tag column's string heap, e.g. tag.3.s
	TagColumnStringHeapSuffix = ".s"
	// SegmentMetaSuffix suffixes a segment's metadata file, e.g. 00000012.meta
	SegmentMetaSuffix = ".meta"
	// StringHeapSuffix suffixes a segment's string-heap file, e.g. 00000012.s
	StringHeapSuffix = ".s"
	// SealedSegmentSuffix suffixes a sealed, compressed segment container.
	SealedSegmentSuffix = ".sqfs"
)

// --- Protocol & Format Versions ---
const (
	// FormatVersion is the current version for all persistent file formats.
	FormatVersion uint8 = 2
)

// --- Default Sizes & Limits ---
const (
	// WALMaxSegmentSize is the default maximum size for a WAL segment file.
	WALMaxSegmentSize = 128 * 1024 * 1024 // 128 MB
	// StringHeapHeaderSize is the reserved header at the start of every
	// string-heap file (spec.md §4.1).
	StringHeapHeaderSize = 32
	// DefaultBlockCapacity is the default fixed row capacity R of a block
	// (spec.md §3 "Block").
	DefaultBlockCapacity = 1000
)

// FormatWALFileName creates a WAL segment file name from its index.
func FormatWALFileName(index uint64) string {
	return fmt.Sprintf("%08d%s", index, WALFileSuffix)
}

// ParseWALFileName extracts the index from a WAL segment file name.
func ParseWALFileName(name string) (uint64, error) {
	if !strings.HasSuffix(name, WALFileSuffix) {
		return 0, fmt.Errorf("file %s is not a WAL segment file", name)
	}
	name = strings.TrimSuffix(name, WALFileSuffix)
	return strconv.ParseUint(name, 10, 64)
}

// FormatColumnFileName builds the on-disk name of a segment's column file:
// <partition_ts>/<segment_id>.<col_id>
func FormatColumnFileName(segmentID uint32, colID uint32) string {
	return fmt.Sprintf("%08d.%d", segmentID, colID)
}

// FormatSegmentMetaFileName builds <segment_id>.meta.
func FormatSegmentMetaFileName(segmentID uint32) string {
	return fmt.Sprintf("%08d%s", segmentID, SegmentMetaSuffix)
}

// FormatStringHeapFileName builds <segment_id>.s.
func FormatStringHeapFileName(segmentID uint32) string {
	return fmt.Sprintf("%08d%s", segmentID, StringHeapSuffix)
}

// FormatSealedSegmentFileName builds <segment_id>.sqfs.
func FormatSealedSegmentFileName(segmentID uint32) string {
	return fmt.Sprintf("%08d%s", segmentID, SealedSegmentSuffix)
}

// FormatPartitionDirName names a partition directory by its start time.
func FormatPartitionDirName(partitionStartTs int64) string {
	return fmt.Sprintf("%d", partitionStartTs)
}

// FormatTagColumnFileName builds tag.<col_id>.
func FormatTagColumnFileName(colID uint32) string {
	return fmt.Sprintf("%s%d", TagColumnFilePrefix, colID)
}

// FormatTagColumnStringHeapFileName builds tag.<col_id>.s.
func FormatTagColumnStringHeapFileName(colID uint32) string {
	return FormatTagColumnFileName(colID) + TagColumnStringHeapSuffix
}

// FormatTempFilename builds a scratch file name for the write-and-rename
// atomicity pattern used by checkpoint and snapshot manifest persistence.
func FormatTempFilename(baseName, suffix string) string {
	return fmt.Sprintf("%s.%s", baseName, suffix)
}
