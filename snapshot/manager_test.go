package snapshot

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeSubGroup struct {
	id         uint32
	tagFiles   []string
	partitions map[int64][]string
}

func (f *fakeSubGroup) SubGroupID() uint32 { return f.id }
func (f *fakeSubGroup) TagFiles() []string { return f.tagFiles }
func (f *fakeSubGroup) PartitionFiles() (map[int64][]string, error) {
	return f.partitions, nil
}

func setupSourceTree(t *testing.T, dbPath string, tableID, rangeGroupID uint64, sgID uint32) *fakeSubGroup {
	t.Helper()
	sgDir := filepath.Join(dbPath, "1", "1", "7")
	require.NoError(t, os.MkdirAll(filepath.Join(sgDir, "1000"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(sgDir, "tag.meta"), []byte("tagmeta"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(sgDir, "1000", "00000001.meta"), []byte("segmeta"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(sgDir, "1000", "00000001.0"), []byte("col0"), 0o644))
	return &fakeSubGroup{
		id:       sgID,
		tagFiles: []string{"tag.meta"},
		partitions: map[int64][]string{
			1000: {"00000001.meta", "00000001.0"},
		},
	}
}

func TestCreateAndApplySnapshot(t *testing.T) {
	dbPath := t.TempDir()
	src := setupSourceTree(t, dbPath, 1, 1, 7)

	mgr := NewManager(dbPath, nil, nil)
	destDir := filepath.Join(t.TempDir(), "snap1")

	manifest, err := mgr.CreateSnapshot(1, 1, 0, 0xFFFFFFFF, 1, []SubGroupSource{src}, destDir)
	require.NoError(t, err)
	require.Len(t, manifest.SubGroups, 1)
	require.FileExists(t, filepath.Join(destDir, "manifest.json"))
	require.FileExists(t, filepath.Join(destDir, "7", "tag.meta"))
	require.FileExists(t, filepath.Join(destDir, "7", "1000", "00000001.meta"))

	// Apply into a fresh db path.
	dstDbPath := t.TempDir()
	mgr2 := NewManager(dstDbPath, nil, nil)
	require.NoError(t, mgr2.ApplySnapshot(destDir))
	require.FileExists(t, filepath.Join(dstDbPath, "1", "1", "7", "tag.meta"))
	require.FileExists(t, filepath.Join(dstDbPath, "1", "1", "7", "1000", "00000001.0"))
}

func TestSnapshotDisabled(t *testing.T) {
	dbPath := t.TempDir()
	src := setupSourceTree(t, dbPath, 1, 1, 7)
	mgr := NewManager(dbPath, nil, nil)

	require.NoError(t, mgr.DropSnapshot(1))
	_, err := mgr.CreateSnapshot(1, 1, 0, 0xFFFFFFFF, 1, []SubGroupSource{src}, filepath.Join(t.TempDir(), "snap"))
	require.Error(t, err)

	require.NoError(t, mgr.EnableSnapshot(1))
	_, err = mgr.CreateSnapshot(1, 1, 0, 0xFFFFFFFF, 1, []SubGroupSource{src}, filepath.Join(t.TempDir(), "snap2"))
	require.NoError(t, err)
}

func TestGetAndWriteSnapshotData(t *testing.T) {
	dbPath := t.TempDir()
	src := setupSourceTree(t, dbPath, 1, 1, 7)
	mgr := NewManager(dbPath, nil, nil)
	destDir := filepath.Join(t.TempDir(), "snap1")
	_, err := mgr.CreateSnapshot(1, 1, 0, 0xFFFFFFFF, 1, []SubGroupSource{src}, destDir)
	require.NoError(t, err)

	manifest, data, err := mgr.GetSnapshotData(destDir)
	require.NoError(t, err)
	require.NotEmpty(t, data)

	roundTripDir := filepath.Join(t.TempDir(), "roundtrip")
	require.NoError(t, WriteSnapshotData(roundTripDir, manifest, data))
	require.FileExists(t, filepath.Join(roundTripDir, "7", "tag.meta"))
}
