// Package snapshot packages a hash-span of entities belonging to a table
// into a self-contained directory that can be shipped to another node and
// applied there (spec.md §6 "Snapshots", GLOSSARY "Snapshot").
//
// It deliberately does not know about ranges, Raft, or network transport:
// create_snapshot/apply_snapshot operate on local paths, and the caller is
// responsible for moving the resulting bytes between nodes.
package snapshot

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/kwdbts2/kwdbts2/core"
	"github.com/kwdbts2/kwdbts2/hooks"
	"github.com/kwdbts2/kwdbts2/sys"
)

const manifestFileName = "manifest.json"

// disabledMarkerName is written into a table's snapshot directory to make
// enable_snapshot/drop_snapshot durable without a separate state file.
const disabledMarkerName = ".snapshot_disabled"

// SubGroupSource is the read-only view a sub-group exposes to the snapshot
// manager so it can locate the files that belong to it without the manager
// reaching into subgroup/partition internals.
type SubGroupSource interface {
	SubGroupID() uint32
	TagFiles() []string
	PartitionFiles() (map[int64][]string, error) // partition start ts -> file paths
}

// Manager creates and applies snapshots for the tables under dbPath, each
// laid out as <db_path>/<table_id>/<range_group>/<sub_group>/... (spec.md §6
// "On-disk layout").
type Manager struct {
	dbPath  string
	hooks   hooks.HookManager
	logger  *slog.Logger
}

// NewManager creates a snapshot manager rooted at dbPath.
func NewManager(dbPath string, hookManager hooks.HookManager, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{dbPath: dbPath, hooks: hookManager, logger: logger}
}

func (m *Manager) tableDir(tableID uint64) string {
	return filepath.Join(m.dbPath, fmt.Sprintf("%d", tableID))
}

func (m *Manager) rangeGroupDir(tableID, rangeGroupID uint64) string {
	return filepath.Join(m.tableDir(tableID), fmt.Sprintf("%d", rangeGroupID))
}

// CreateSnapshot walks the sub-groups covered by [hashSpanStart, hashSpanEnd]
// and copies their tag files and partition segment files into destDir,
// returning the manifest describing what was packaged.
func (m *Manager) CreateSnapshot(tableID, rangeGroupID uint64, hashSpanStart, hashSpanEnd uint32, schemaVersion uint32, subGroups []SubGroupSource, destDir string) (*core.SnapshotManifest, error) {
	if err := m.checkEnabled(tableID); err != nil {
		return nil, err
	}
	if m.hooks != nil {
		if err := m.hooks.Trigger(context.Background(), hooks.NewPreCreateSnapshotEvent(hooks.PreCreateSnapshotPayload{SnapshotDir: destDir})); err != nil {
			return nil, fmt.Errorf("pre-create-snapshot hook rejected snapshot: %w", err)
		}
	}

	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: create snapshot dir %s: %v", core.ErrIO, destDir, err)
	}

	manifest := &core.SnapshotManifest{
		TableID:       tableID,
		RangeGroupID:  rangeGroupID,
		HashSpanStart: hashSpanStart,
		HashSpanEnd:   hashSpanEnd,
		SchemaVersion: schemaVersion,
	}

	rgDir := m.rangeGroupDir(tableID, rangeGroupID)
	for _, sg := range subGroups {
		sgID := sg.SubGroupID()
		sgSrcDir := filepath.Join(rgDir, fmt.Sprintf("%d", sgID))
		sgDstDir := filepath.Join(destDir, fmt.Sprintf("%d", sgID))
		if err := os.MkdirAll(sgDstDir, 0o755); err != nil {
			return nil, fmt.Errorf("%w: create sub-group snapshot dir: %v", core.ErrIO, err)
		}

		ref := core.SnapshotSubGroupRef{SubGroupID: sgID}
		for _, tagFile := range sg.TagFiles() {
			src := filepath.Join(sgSrcDir, tagFile)
			dst := filepath.Join(sgDstDir, tagFile)
			if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
				return nil, fmt.Errorf("%w: create tag file snapshot dir: %v", core.ErrIO, err)
			}
			if err := core.CopyFile(src, dst); err != nil {
				return nil, fmt.Errorf("%w: copy tag file %s: %v", core.ErrIO, tagFile, err)
			}
			ref.TagFiles = append(ref.TagFiles, tagFile)
		}

		partitions, err := sg.PartitionFiles()
		if err != nil {
			return nil, err
		}
		for partitionTs, files := range partitions {
			partDirName := core.FormatPartitionDirName(partitionTs)
			if err := os.MkdirAll(filepath.Join(sgDstDir, partDirName), 0o755); err != nil {
				return nil, fmt.Errorf("%w: create partition snapshot dir: %v", core.ErrIO, err)
			}
			snapPart := core.SnapshotPartition{PartitionStartTs: partitionTs}
			for _, f := range files {
				src := filepath.Join(sgSrcDir, partDirName, f)
				dst := filepath.Join(sgDstDir, partDirName, f)
				if err := core.CopyFile(src, dst); err != nil {
					return nil, fmt.Errorf("%w: copy segment file %s: %v", core.ErrIO, f, err)
				}
				snapPart.Segments = append(snapPart.Segments, core.SnapshotSegment{FileName: f})
			}
			ref.Partitions = append(ref.Partitions, snapPart)
		}
		manifest.SubGroups = append(manifest.SubGroups, ref)
	}

	manifestPath := filepath.Join(destDir, manifestFileName)
	if err := writeManifest(manifestPath, manifest); err != nil {
		return nil, err
	}

	if m.hooks != nil {
		m.hooks.Trigger(context.Background(), hooks.NewPostCreateSnapshotEvent(hooks.PostCreateSnapshotPayload{SnapshotDir: destDir, ManifestPath: manifestPath}))
	}
	return manifest, nil
}

// GetSnapshotData reads back the manifest and raw bytes of every file it
// references, for a caller to ship to another node.
func (m *Manager) GetSnapshotData(snapshotDir string) (*core.SnapshotManifest, map[string][]byte, error) {
	manifest, err := readManifest(filepath.Join(snapshotDir, manifestFileName))
	if err != nil {
		return nil, nil, err
	}
	data := make(map[string][]byte)
	for _, sg := range manifest.SubGroups {
		sgDir := filepath.Join(snapshotDir, fmt.Sprintf("%d", sg.SubGroupID))
		for _, tf := range sg.TagFiles {
			b, err := os.ReadFile(filepath.Join(sgDir, tf))
			if err != nil {
				return nil, nil, fmt.Errorf("%w: read snapshot tag file: %v", core.ErrIO, err)
			}
			data[filepath.Join(fmt.Sprintf("%d", sg.SubGroupID), tf)] = b
		}
		for _, p := range sg.Partitions {
			partDirName := core.FormatPartitionDirName(p.PartitionStartTs)
			for _, seg := range p.Segments {
				rel := filepath.Join(fmt.Sprintf("%d", sg.SubGroupID), partDirName, seg.FileName)
				b, err := os.ReadFile(filepath.Join(snapshotDir, rel))
				if err != nil {
					return nil, nil, fmt.Errorf("%w: read snapshot segment file: %v", core.ErrIO, err)
				}
				data[rel] = b
			}
		}
	}
	return manifest, data, nil
}

// WriteSnapshotData materializes a manifest plus the file bytes returned by
// GetSnapshotData into destDir, without touching the live table tree.
func WriteSnapshotData(destDir string, manifest *core.SnapshotManifest, data map[string][]byte) error {
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return fmt.Errorf("%w: %v", core.ErrIO, err)
	}
	for rel, b := range data {
		full := filepath.Join(destDir, rel)
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			return fmt.Errorf("%w: %v", core.ErrIO, err)
		}
		if err := os.WriteFile(full, b, 0o644); err != nil {
			return fmt.Errorf("%w: %v", core.ErrIO, err)
		}
	}
	return writeManifest(filepath.Join(destDir, manifestFileName), manifest)
}

// ApplySnapshot copies a packaged snapshot's files into the live table tree,
// overwriting whatever a sub-group currently has for the covered partitions.
// It is the receiving side of cross-node migration.
func (m *Manager) ApplySnapshot(snapshotDir string) error {
	manifest, err := readManifest(filepath.Join(snapshotDir, manifestFileName))
	if err != nil {
		return err
	}
	rgDir := m.rangeGroupDir(manifest.TableID, manifest.RangeGroupID)
	for _, sg := range manifest.SubGroups {
		sgSrcDir := filepath.Join(snapshotDir, fmt.Sprintf("%d", sg.SubGroupID))
		sgDstDir := filepath.Join(rgDir, fmt.Sprintf("%d", sg.SubGroupID))
		if err := os.MkdirAll(sgDstDir, 0o755); err != nil {
			return fmt.Errorf("%w: %v", core.ErrIO, err)
		}
		for _, tf := range sg.TagFiles {
			dst := filepath.Join(sgDstDir, tf)
			if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
				return fmt.Errorf("%w: %v", core.ErrIO, err)
			}
			if err := core.CopyFile(filepath.Join(sgSrcDir, tf), dst); err != nil {
				return fmt.Errorf("%w: apply tag file %s: %v", core.ErrIO, tf, err)
			}
		}
		for _, p := range sg.Partitions {
			partDirName := core.FormatPartitionDirName(p.PartitionStartTs)
			dstPartDir := filepath.Join(sgDstDir, partDirName)
			if err := os.MkdirAll(dstPartDir, 0o755); err != nil {
				return fmt.Errorf("%w: %v", core.ErrIO, err)
			}
			for _, seg := range p.Segments {
				src := filepath.Join(sgSrcDir, partDirName, seg.FileName)
				dst := filepath.Join(dstPartDir, seg.FileName)
				if err := core.CopyFile(src, dst); err != nil {
					return fmt.Errorf("%w: apply segment file %s: %v", core.ErrIO, seg.FileName, err)
				}
			}
		}
	}
	return nil
}

// EnableSnapshot clears the disabled marker for a table, allowing future
// create_snapshot calls to proceed.
func (m *Manager) EnableSnapshot(tableID uint64) error {
	marker := filepath.Join(m.tableDir(tableID), disabledMarkerName)
	err := sys.Remove(marker)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("%w: %v", core.ErrIO, err)
	}
	return nil
}

// DropSnapshot marks a table as ineligible for snapshotting, e.g. while a
// table is being migrated by another mechanism.
func (m *Manager) DropSnapshot(tableID uint64) error {
	dir := m.tableDir(tableID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("%w: %v", core.ErrIO, err)
	}
	return os.WriteFile(filepath.Join(dir, disabledMarkerName), nil, 0o644)
}

func (m *Manager) checkEnabled(tableID uint64) error {
	_, err := os.Stat(filepath.Join(m.tableDir(tableID), disabledMarkerName))
	if err == nil {
		return fmt.Errorf("%w: snapshotting disabled for table %d", core.ErrInternal, tableID)
	}
	if !os.IsNotExist(err) {
		return fmt.Errorf("%w: %v", core.ErrIO, err)
	}
	return nil
}

func writeManifest(path string, manifest *core.SnapshotManifest) error {
	b, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: marshal snapshot manifest: %v", core.ErrInternal, err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return fmt.Errorf("%w: write manifest: %v", core.ErrIO, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("%w: rename manifest into place: %v", core.ErrIO, err)
	}
	return nil
}

func readManifest(path string) (*core.SnapshotManifest, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: snapshot manifest %s", core.ErrNotFound, path)
		}
		return nil, fmt.Errorf("%w: %v", core.ErrIO, err)
	}
	var manifest core.SnapshotManifest
	if err := json.Unmarshal(b, &manifest); err != nil {
		return nil, fmt.Errorf("%w: unmarshal snapshot manifest: %v", core.ErrCorruption, err)
	}
	return &manifest, nil
}
