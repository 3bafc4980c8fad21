package checkpoint

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/kwdbts2/kwdbts2/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckpoint_WriteAndRead_Successful(t *testing.T) {
	tempDir := t.TempDir()
	cp := Checkpoint{
		LastSafeWALIndex: 123,
		Partitions: []PartitionTail{
			{SubGroupID: 1, PartitionStartTs: 1000, RowsWritten: 42, MinTimestamp: 1000, MaxTimestamp: 1999},
		},
	}

	err := Write(tempDir, cp)
	require.NoError(t, err, "Write should succeed")

	checkpointPath := filepath.Join(tempDir, core.CheckpointFileName)
	tempPath := filepath.Join(tempDir, core.FormatTempFilename(core.CheckpointFileName, "tmp"))
	_, err = os.Stat(checkpointPath)
	require.NoError(t, err, "CHECKPOINT file should exist after write")
	_, err = os.Stat(tempPath)
	require.True(t, os.IsNotExist(err), "CHECKPOINT.tmp file should not exist after successful write")

	readCp, found, err := Read(tempDir)
	require.NoError(t, err, "Read should succeed")
	require.True(t, found, "Checkpoint should be found")

	assert.Equal(t, cp.LastSafeWALIndex, readCp.LastSafeWALIndex)
	require.Len(t, readCp.Partitions, 1)
	assert.Equal(t, cp.Partitions[0], readCp.Partitions[0])
}

func TestCheckpoint_Read_NonExistent(t *testing.T) {
	tempDir := t.TempDir()

	cp, found, err := Read(tempDir)
	require.NoError(t, err, "Read from an empty directory should not return an error")
	assert.False(t, found, "found should be false for a non-existent checkpoint")
	assert.Equal(t, uint64(0), cp.LastSafeWALIndex)
}

func TestCheckpoint_Write_Overwrite(t *testing.T) {
	tempDir := t.TempDir()

	cp1 := Checkpoint{LastSafeWALIndex: 10}
	err := Write(tempDir, cp1)
	require.NoError(t, err)

	cp2 := Checkpoint{LastSafeWALIndex: 20}
	err = Write(tempDir, cp2)
	require.NoError(t, err)

	readCp, found, err := Read(tempDir)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, cp2.LastSafeWALIndex, readCp.LastSafeWALIndex, "Read value should be from the second write")
}

func TestCheckpoint_Read_Corrupted(t *testing.T) {
	tempDir := t.TempDir()
	checkpointPath := filepath.Join(tempDir, core.CheckpointFileName)

	t.Run("BadMagicNumber", func(t *testing.T) {
		badData := []byte{0xDE, 0xAD, 0xBE, 0xEF, 0x01, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00}
		err := os.WriteFile(checkpointPath, badData, 0644)
		require.NoError(t, err)

		_, found, err := Read(tempDir)
		require.Error(t, err, "Read should fail with a bad magic number")
		assert.True(t, found, "found should be true as the file exists")
		assert.Contains(t, err.Error(), "invalid checkpoint magic number")
	})

	t.Run("TruncatedFile", func(t *testing.T) {
		truncatedData := []byte{0x43, 0x4B, 0x50, 0x54, 0x01, 0x00}
		err := os.WriteFile(checkpointPath, truncatedData, 0644)
		require.NoError(t, err)

		_, found, err := Read(tempDir)
		require.Error(t, err, "Read should fail with a truncated file")
		assert.True(t, found, "found should be true as the file exists")
	})
}

func TestCheckpoint_Write_AtomicitySimulation(t *testing.T) {
	tempDir := t.TempDir()
	tempPath := filepath.Join(tempDir, core.FormatTempFilename(core.CheckpointFileName, "tmp"))

	oldCp := Checkpoint{LastSafeWALIndex: 99}
	err := Write(tempDir, oldCp)
	require.NoError(t, err)

	// Simulate a crash during a new write, after the .tmp file is created but before rename.
	file, err := os.Create(tempPath)
	require.NoError(t, err)
	require.NoError(t, binary.Write(file, binary.LittleEndian, core.CheckpointMagicNumber))
	require.NoError(t, binary.Write(file, binary.LittleEndian, uint32(0)))
	require.NoError(t, file.Sync())
	file.Close()

	readCp, found, err := Read(tempDir)
	require.NoError(t, err, "Read should succeed even with a dangling .tmp file")
	require.True(t, found, "Should find the old, valid checkpoint")
	assert.Equal(t, oldCp.LastSafeWALIndex, readCp.LastSafeWALIndex, "Should read the value from the old checkpoint")
}
