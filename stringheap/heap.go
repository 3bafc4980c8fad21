// Package stringheap implements the append-only variable-length value store
// backing varstring/varbinary columns (spec.md §4.1). A heap is one
// memory-mapped file per segment (or per tag column); offsets returned by
// Append are stable 64-bit handles that remain valid for the life of the
// file.
package stringheap

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"
	"os"
	"sync"

	"github.com/kwdbts2/kwdbts2/core"
	"github.com/kwdbts2/kwdbts2/sys"
)

// headerSize is the reserved region at the start of every heap file
// (spec.md §4.1: "32-byte reserved header; payload starts at offset 32").
const headerSize = core.StringHeapHeaderSize

// maxEntryLen is the largest value a heap can store: the length prefix is a
// 16-bit unsigned integer (spec.md §4.1 "A 16-bit length prefix precedes the
// bytes").
const maxEntryLen = math.MaxUint16

// initialFileSize is used when creating a heap with no explicit size hint.
const initialFileSize = 64 * 1024

// growthFactor is the default multiplier applied when a heap must be
// remapped larger to fit an append.
const growthFactor = 2.0

// Heap is a memory-mapped, append-only byte store. Offset 0 is never a
// valid entry offset (it falls inside the reserved header) so callers may
// use it as the "no value" sentinel for optional varstring/varbinary cells
// (spec.md §3 invariant 5).
type Heap struct {
	file sys.FileHandle
	data []byte // current mmap window, including the header

	mu   sync.RWMutex
	tail uint64 // next append offset, absolute file offset

	growthFactor float64
	logger       *slog.Logger
}

// Options configures Create.
type Options struct {
	InitialSizeBytes int64
	GrowthFactor     float64
	Logger           *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.InitialSizeBytes <= 0 {
		o.InitialSizeBytes = initialFileSize
	}
	if o.GrowthFactor <= 1.0 {
		o.GrowthFactor = growthFactor
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Create initializes a new heap file at path, sized to opts.InitialSizeBytes
// (rounded up to a page multiple), and maps it.
func Create(path string, opts Options) (*Heap, error) {
	opts = opts.withDefaults()

	f, err := sys.Create(path)
	if err != nil {
		return nil, fmt.Errorf("%w: create string heap %s: %v", core.ErrIO, path, err)
	}

	size := roundUpToPage(opts.InitialSizeBytes)
	if err := f.Truncate(size); err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: truncate string heap %s: %v", core.ErrIO, path, err)
	}

	data, err := sys.Mmap(f, int(size))
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: mmap string heap %s: %v", core.ErrIO, path, err)
	}

	h := &Heap{
		file:         f,
		data:         data,
		tail:         headerSize,
		growthFactor: opts.GrowthFactor,
		logger:       opts.Logger.With("component", "stringheap", "path", path),
	}
	h.writeHeaderLocked()
	return h, nil
}

// Open maps an existing heap file, restoring the append tail from its
// header.
func Open(path string, opts Options) (*Heap, error) {
	opts = opts.withDefaults()

	f, err := sys.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: open string heap %s: %v", core.ErrIO, path, err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: stat string heap %s: %v", core.ErrIO, path, err)
	}
	if info.Size() < headerSize {
		f.Close()
		return nil, fmt.Errorf("%w: string heap %s shorter than header", core.ErrCorruption, path)
	}

	data, err := sys.Mmap(f, int(info.Size()))
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: mmap string heap %s: %v", core.ErrIO, path, err)
	}

	magic := binary.LittleEndian.Uint32(data[0:4])
	if magic != core.StringHeapMagicNumber {
		sys.Munmap(data)
		f.Close()
		return nil, fmt.Errorf("%w: string heap %s has bad magic %x", core.ErrCorruption, path, magic)
	}
	tail := binary.LittleEndian.Uint64(data[14:22])

	h := &Heap{
		file:         f,
		data:         data,
		tail:         tail,
		growthFactor: opts.GrowthFactor,
		logger:       opts.Logger.With("component", "stringheap", "path", path),
	}
	return h, nil
}

func (h *Heap) writeHeaderLocked() {
	hdr := core.NewFileHeader(core.StringHeapMagicNumber, core.CompressionNone)
	binary.LittleEndian.PutUint32(h.data[0:4], hdr.Magic)
	h.data[4] = byte(hdr.Version)
	binary.LittleEndian.PutUint64(h.data[5:13], uint64(hdr.CreatedAt))
	h.data[13] = byte(hdr.CompressorType)
	binary.LittleEndian.PutUint64(h.data[14:22], h.tail)
}

// Append writes bytes to the heap and returns their stable offset. Safe for
// concurrent use with Read; concurrent Appends and grows are serialized.
func (h *Heap) Append(value []byte) (uint64, error) {
	if len(value) > maxEntryLen {
		return 0, fmt.Errorf("%w: string heap entry of %d bytes exceeds max %d", core.ErrInternal, len(value), maxEntryLen)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	need := h.tail + 2 + uint64(len(value))
	if need > uint64(len(h.data)) {
		if err := h.growLocked(need); err != nil {
			return 0, err
		}
	}

	offset := h.tail
	binary.LittleEndian.PutUint16(h.data[offset:offset+2], uint16(len(value)))
	copy(h.data[offset+2:offset+2+uint64(len(value))], value)
	h.tail = offset + 2 + uint64(len(value))
	binary.LittleEndian.PutUint64(h.data[14:22], h.tail)

	return offset, nil
}

// Read dereferences a previously returned offset, returning a byte slice
// borrowed from the heap's mmap window (spec.md §9 "shared pointer to void"
// notes). The slice is only valid until the next call that may trigger a
// remap (Append); callers that must retain the value across such a call
// should copy it.
func (h *Heap) Read(offset uint64) ([]byte, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if offset == 0 {
		return nil, nil
	}
	if offset+2 > uint64(len(h.data)) {
		return nil, fmt.Errorf("%w: string heap offset %d out of range", core.ErrCorruption, offset)
	}
	length := binary.LittleEndian.Uint16(h.data[offset : offset+2])
	end := offset + 2 + uint64(length)
	if end > uint64(len(h.data)) {
		return nil, fmt.Errorf("%w: string heap entry at offset %d truncated", core.ErrCorruption, offset)
	}
	return h.data[offset+2 : end], nil
}

// growLocked remaps the heap large enough to hold `need` bytes. Callers
// must hold h.mu for writing (spec.md §4.1 "may be re-mapped larger under
// an exclusive lock").
func (h *Heap) growLocked(need uint64) error {
	newSize := uint64(math.Ceil(float64(len(h.data)) * h.growthFactor))
	if newSize < need {
		newSize = need
	}
	newSize = uint64(roundUpToPage(int64(newSize)))

	if err := h.file.Truncate(int64(newSize)); err != nil {
		return fmt.Errorf("%w: grow string heap %s to %d bytes: %v", core.ErrIO, h.file.Name(), newSize, err)
	}

	if err := sys.Munmap(h.data); err != nil {
		return fmt.Errorf("%w: unmap string heap %s during grow: %v", core.ErrIO, h.file.Name(), err)
	}

	data, err := sys.Mmap(h.file, int(newSize))
	if err != nil {
		return fmt.Errorf("%w: remap string heap %s to %d bytes: %v", core.ErrIO, h.file.Name(), newSize, err)
	}

	h.logger.Debug("remapped string heap", "old_size", len(h.data), "new_size", newSize)
	h.data = data
	return nil
}

// Sync flushes the header and any pending data to disk.
func (h *Heap) Sync() error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.file.Sync()
}

// Close unmaps and closes the heap file.
func (h *Heap) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := sys.Munmap(h.data); err != nil {
		return err
	}
	return h.file.Close()
}

// Size returns the current mapped size in bytes.
func (h *Heap) Size() int64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return int64(len(h.data))
}

func roundUpToPage(n int64) int64 {
	page := int64(os.Getpagesize())
	if n <= 0 {
		return page
	}
	return (n + page - 1) / page * page
}
