package columnfile

import (
	"encoding/binary"
	"path/filepath"
	"testing"

	"github.com/kwdbts2/kwdbts2/core"
	"github.com/stretchr/testify/require"
)

func TestFile_ReserveAndWriteBlock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "00000001.1")
	col := core.Column{ID: 1, Type: core.DataTypeInt32}

	f, err := Create(path, col, 1000, nil)
	require.NoError(t, err)
	defer f.Close()

	require.NoError(t, f.Reserve(2))

	b0, err := f.BlockBytes(0)
	require.NoError(t, err)
	binary.LittleEndian.PutUint32(b0[f.Layout().ValueOffset(0):], 42)

	b1, err := f.BlockBytes(1)
	require.NoError(t, err)
	require.NotEqual(t, uintptr(0), uintptr(len(b1)))

	_, err = f.BlockBytes(2)
	require.Error(t, err)
}

func TestFile_ReopenPreservesData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "00000001.1")
	col := core.Column{ID: 1, Type: core.DataTypeInt32}

	f, err := Create(path, col, 1000, nil)
	require.NoError(t, err)
	require.NoError(t, f.Reserve(1))
	b0, err := f.BlockBytes(0)
	require.NoError(t, err)
	binary.LittleEndian.PutUint32(b0[f.Layout().ValueOffset(5):], 777)
	require.NoError(t, f.Sync())
	require.NoError(t, f.Close())

	f2, err := Open(path, col, 1000, nil)
	require.NoError(t, err)
	defer f2.Close()

	b0again, err := f2.BlockBytes(0)
	require.NoError(t, err)
	require.Equal(t, uint32(777), binary.LittleEndian.Uint32(b0again[f2.Layout().ValueOffset(5):]))
}
