// Package columnfile implements the memory-mapped file holding one
// column's blocks for one segment (spec.md §4.2). Block k of column c
// starts at headerSize + k*block_size(c); the file grows by Reserve, which
// rounds up to the OS page size.
package columnfile

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/kwdbts2/kwdbts2/block"
	"github.com/kwdbts2/kwdbts2/core"
	"github.com/kwdbts2/kwdbts2/sys"
)

// headerSize reserves identification metadata ahead of block 0.
const headerSize = 32

// File is one memory-mapped (segment, column) file.
type File struct {
	handle sys.FileHandle
	data   []byte

	layout block.Layout

	mu           sync.RWMutex
	blockCount   uint32 // number of blocks currently reserved
	logger       *slog.Logger
}

// Create initializes a new column file for col at row capacity R.
func Create(path string, col core.Column, rowCapacity uint32, logger *slog.Logger) (*File, error) {
	layout, err := block.NewLayout(col, rowCapacity)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	f, err := sys.Create(path)
	if err != nil {
		return nil, fmt.Errorf("%w: create column file %s: %v", core.ErrIO, path, err)
	}

	cf := &File{
		handle: f,
		layout: layout,
		logger: logger.With("component", "columnfile", "path", path),
	}
	if err := cf.mapAtLeast(headerSize); err != nil {
		f.Close()
		return nil, err
	}
	cf.writeHeaderLocked()
	return cf, nil
}

// Open maps an existing column file, validating its magic and computing
// the number of fully reserved blocks from its size.
func Open(path string, col core.Column, rowCapacity uint32, logger *slog.Logger) (*File, error) {
	layout, err := block.NewLayout(col, rowCapacity)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	f, err := sys.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: open column file %s: %v", core.ErrIO, path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: stat column file %s: %v", core.ErrIO, path, err)
	}
	if info.Size() < headerSize {
		f.Close()
		return nil, fmt.Errorf("%w: column file %s shorter than header", core.ErrCorruption, path)
	}

	data, err := sys.Mmap(f, int(info.Size()))
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: mmap column file %s: %v", core.ErrIO, path, err)
	}

	magic := binary.LittleEndian.Uint32(data[0:4])
	if magic != core.ColumnFileMagicNumber {
		sys.Munmap(data)
		f.Close()
		return nil, fmt.Errorf("%w: column file %s has bad magic %x", core.ErrCorruption, path, magic)
	}

	cf := &File{
		handle: f,
		data:   data,
		layout: layout,
		logger: logger.With("component", "columnfile", "path", path),
	}
	cf.blockCount = uint32((len(data) - headerSize) / layout.BlockSize())
	return cf, nil
}

func (f *File) writeHeaderLocked() {
	hdr := core.NewFileHeader(core.ColumnFileMagicNumber, core.CompressionNone)
	binary.LittleEndian.PutUint32(f.data[0:4], hdr.Magic)
	f.data[4] = byte(hdr.Version)
	binary.LittleEndian.PutUint64(f.data[5:13], uint64(hdr.CreatedAt))
	f.data[13] = byte(hdr.CompressorType)
}

// Layout returns the column's block layout.
func (f *File) Layout() block.Layout {
	return f.layout
}

// Reserve grows the file to hold at least blockCount blocks, rounded up to
// the OS page size (spec.md §4.2 "reserve(block_count)").
func (f *File) Reserve(blockCount uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if blockCount <= f.blockCount {
		return nil
	}
	need := headerSize + int64(blockCount)*int64(f.layout.BlockSize())
	if err := f.mapAtLeast(need); err != nil {
		return err
	}
	f.blockCount = blockCount
	return nil
}

// mapAtLeast grows the backing file and remaps it if the current mapping
// is smaller than need, rounding the new size up to a page multiple.
func (f *File) mapAtLeast(need int64) error {
	if int64(len(f.data)) >= need {
		return nil
	}
	newSize := roundUpToPage(need)

	if err := f.handle.Truncate(newSize); err != nil {
		return fmt.Errorf("%w: grow column file %s to %d bytes: %v", core.ErrIO, f.handle.Name(), newSize, err)
	}
	if f.data != nil {
		if err := sys.Munmap(f.data); err != nil {
			return fmt.Errorf("%w: unmap column file %s during grow: %v", core.ErrIO, f.handle.Name(), err)
		}
	}
	data, err := sys.Mmap(f.handle, int(newSize))
	if err != nil {
		return fmt.Errorf("%w: remap column file %s to %d bytes: %v", core.ErrIO, f.handle.Name(), newSize, err)
	}
	f.logger.Debug("reserved column file space", "new_size", newSize)
	f.data = data
	return nil
}

// BlockBytes returns the mutable byte region for block index blockIndex.
// The caller must have Reserve'd enough blocks first.
func (f *File) BlockBytes(blockIndex uint32) ([]byte, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if blockIndex >= f.blockCount {
		return nil, fmt.Errorf("%w: block %d not reserved (have %d)", core.ErrInternal, blockIndex, f.blockCount)
	}
	start := headerSize + int64(blockIndex)*int64(f.layout.BlockSize())
	end := start + int64(f.layout.BlockSize())
	return f.data[start:end], nil
}

// Sync flushes pending writes to disk.
func (f *File) Sync() error {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.handle.Sync()
}

// Close unmaps and closes the column file.
func (f *File) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.data != nil {
		if err := sys.Munmap(f.data); err != nil {
			return err
		}
	}
	return f.handle.Close()
}

func roundUpToPage(n int64) int64 {
	page := int64(os.Getpagesize())
	if n <= 0 {
		return page
	}
	return (n + page - 1) / page * page
}
