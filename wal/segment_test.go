package wal

import (
	"os"
	"testing"

	"github.com/kwdbts2/kwdbts2/core"
	"github.com/stretchr/testify/require"
)

func corruptMagic(path string) error {
	f, err := os.OpenFile(path, os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.WriteAt([]byte{0, 0, 0, 0}, 0)
	return err
}

func flipLastByte(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	defer f.Close()
	buf := make([]byte, 1)
	if _, err := f.ReadAt(buf, info.Size()-1); err != nil {
		return err
	}
	buf[0] ^= 0xFF
	_, err = f.WriteAt(buf, info.Size()-1)
	return err
}

func TestSegment_WriteAndReadRecord(t *testing.T) {
	dir := t.TempDir()
	w, err := CreateSegment(dir, 1)
	require.NoError(t, err)

	require.NoError(t, w.WriteRecord([]byte("hello")))
	require.NoError(t, w.WriteRecord([]byte("world")))
	require.NoError(t, w.Close())

	r, err := OpenSegmentForRead(w.path)
	require.NoError(t, err)
	defer r.Close()

	data, err := r.ReadRecord()
	require.NoError(t, err)
	require.Equal(t, "hello", string(data))

	data, err = r.ReadRecord()
	require.NoError(t, err)
	require.Equal(t, "world", string(data))

	_, err = r.ReadRecord()
	require.Error(t, err)
}

func TestSegment_RejectsBadMagic(t *testing.T) {
	dir := t.TempDir()
	w, err := CreateSegment(dir, 1)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	require.NoError(t, corruptMagic(w.path))

	_, err = OpenSegmentForRead(w.path)
	require.Error(t, err)
}

func TestSegment_RejectsChecksumMismatch(t *testing.T) {
	dir := t.TempDir()
	w, err := CreateSegment(dir, 1)
	require.NoError(t, err)
	require.NoError(t, w.WriteRecord([]byte("payload")))
	require.NoError(t, w.Close())

	require.NoError(t, flipLastByte(w.path))

	r, err := OpenSegmentForRead(w.path)
	require.NoError(t, err)
	defer r.Close()

	_, err = r.ReadRecord()
	require.Error(t, err)
	require.ErrorIs(t, err, core.ErrCorruption)
}
