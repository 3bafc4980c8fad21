package stringheap

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHeap_AppendAndRead(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seg.s")
	h, err := Create(path, Options{})
	require.NoError(t, err)
	defer h.Close()

	off1, err := h.Append([]byte("hello"))
	require.NoError(t, err)
	require.NotZero(t, off1)

	off2, err := h.Append([]byte("world!"))
	require.NoError(t, err)
	require.Greater(t, off2, off1)

	v1, err := h.Read(off1)
	require.NoError(t, err)
	require.Equal(t, "hello", string(v1))

	v2, err := h.Read(off2)
	require.NoError(t, err)
	require.Equal(t, "world!", string(v2))
}

func TestHeap_ZeroOffsetIsNoValueSentinel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seg.s")
	h, err := Create(path, Options{})
	require.NoError(t, err)
	defer h.Close()

	v, err := h.Read(0)
	require.NoError(t, err)
	require.Nil(t, v)
}

func TestHeap_GrowsPastInitialSize(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seg.s")
	h, err := Create(path, Options{InitialSizeBytes: 4096})
	require.NoError(t, err)
	defer h.Close()

	initialSize := h.Size()
	big := make([]byte, 3000)
	var lastOffset uint64
	for i := 0; i < 5; i++ {
		off, err := h.Append(big)
		require.NoError(t, err)
		lastOffset = off
	}
	require.Greater(t, h.Size(), initialSize)

	v, err := h.Read(lastOffset)
	require.NoError(t, err)
	require.Len(t, v, len(big))
}

func TestHeap_ReopenPreservesTail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seg.s")
	h, err := Create(path, Options{})
	require.NoError(t, err)

	off1, err := h.Append([]byte("first"))
	require.NoError(t, err)
	require.NoError(t, h.Sync())
	require.NoError(t, h.Close())

	h2, err := Open(path, Options{})
	require.NoError(t, err)
	defer h2.Close()

	v, err := h2.Read(off1)
	require.NoError(t, err)
	require.Equal(t, "first", string(v))

	off2, err := h2.Append([]byte("second"))
	require.NoError(t, err)
	require.Greater(t, off2, off1)
}

func TestHeap_RejectsOversizedEntry(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seg.s")
	h, err := Create(path, Options{})
	require.NoError(t, err)
	defer h.Close()

	_, err = h.Append(make([]byte, maxEntryLen+1))
	require.Error(t, err)
}
