package tagtable

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"os"

	"github.com/kwdbts2/kwdbts2/core"
	"github.com/kwdbts2/kwdbts2/stringheap"
	"github.com/kwdbts2/kwdbts2/sys"
)

const columnHeaderSize = 32

// column is one tag column's flat, row-indexed store: unlike a metric
// column file (which packs rows into fixed-capacity blocks), a tag column
// grows one row at a time as entities are inserted, so each row is a fixed
// [null-flag(1)][cell(cellSize)] stride with no block boundaries to shift
// on growth (spec.md §4.6 "columnar storage").
type column struct {
	Col      core.Column
	handle   sys.FileHandle
	data     []byte
	cellSize int
	stride   int
	rowCap   uint32
	heap     *stringheap.Heap // non-nil for varlen tag columns
	logger   *slog.Logger
}

func createColumn(path string, col core.Column, logger *slog.Logger) (*column, error) {
	cellSize := 8
	if !col.Type.IsVarLen() {
		var err error
		cellSize, err = col.Size()
		if err != nil {
			return nil, err
		}
	}

	f, err := sys.Create(path)
	if err != nil {
		return nil, fmt.Errorf("%w: create tag column %s: %v", core.ErrIO, path, err)
	}
	c := &column{Col: col, handle: f, cellSize: cellSize, stride: 1 + cellSize, logger: logger}
	if err := c.mapAtLeast(columnHeaderSize); err != nil {
		f.Close()
		return nil, err
	}
	hdr := core.NewFileHeader(core.TagTableMagicNumber, core.CompressionNone)
	binary.LittleEndian.PutUint32(c.data[0:4], hdr.Magic)
	c.data[4] = byte(hdr.Version)

	if col.Type.IsVarLen() {
		heap, err := stringheap.Create(path+core.TagColumnStringHeapSuffix, stringheap.Options{Logger: logger})
		if err != nil {
			f.Close()
			return nil, err
		}
		c.heap = heap
	}
	return c, nil
}

func openColumn(path string, col core.Column, logger *slog.Logger) (*column, error) {
	cellSize := 8
	if !col.Type.IsVarLen() {
		var err error
		cellSize, err = col.Size()
		if err != nil {
			return nil, err
		}
	}

	f, err := sys.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: open tag column %s: %v", core.ErrIO, path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	data, err := sys.Mmap(f, int(info.Size()))
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: mmap tag column %s: %v", core.ErrIO, path, err)
	}
	c := &column{Col: col, handle: f, data: data, cellSize: cellSize, stride: 1 + cellSize, logger: logger}
	c.rowCap = uint32((len(data) - columnHeaderSize) / c.stride)

	if col.Type.IsVarLen() {
		heap, err := stringheap.Open(path+core.TagColumnStringHeapSuffix, stringheap.Options{Logger: logger})
		if err != nil {
			sys.Munmap(data)
			f.Close()
			return nil, err
		}
		c.heap = heap
	}
	return c, nil
}

// reserve grows the column to hold at least rowCount rows.
func (c *column) reserve(rowCount uint32) error {
	if rowCount <= c.rowCap {
		return nil
	}
	need := columnHeaderSize + int64(rowCount)*int64(c.stride)
	if err := c.mapAtLeast(need); err != nil {
		return err
	}
	c.rowCap = rowCount
	return nil
}

func (c *column) mapAtLeast(need int64) error {
	if int64(len(c.data)) >= need {
		return nil
	}
	page := int64(os.Getpagesize())
	newSize := (need + page - 1) / page * page

	if err := c.handle.Truncate(newSize); err != nil {
		return fmt.Errorf("%w: grow tag column %s: %v", core.ErrIO, c.handle.Name(), err)
	}
	if c.data != nil {
		if err := sys.Munmap(c.data); err != nil {
			return err
		}
	}
	data, err := sys.Mmap(c.handle, int(newSize))
	if err != nil {
		return fmt.Errorf("%w: remap tag column %s: %v", core.ErrIO, c.handle.Name(), err)
	}
	c.data = data
	return nil
}

func (c *column) offset(row uint32) int {
	return columnHeaderSize + int(row)*c.stride
}

// setNull sets row's null flag; the cell bytes are left as they are.
func (c *column) setNull(row uint32) {
	off := c.offset(row)
	c.data[off] = 1
}

// setValue writes a non-null fixed cell for row.
func (c *column) setValue(row uint32, cell []byte) {
	off := c.offset(row)
	c.data[off] = 0
	copy(c.data[off+1:off+1+c.cellSize], cell)
}

// setVarValue appends value to the column's string heap and stores the
// resulting offset as row's cell.
func (c *column) setVarValue(row uint32, value []byte) error {
	off := c.offset(row)
	if value == nil {
		c.data[off] = 1
		return nil
	}
	heapOffset, err := c.heap.Append(value)
	if err != nil {
		return err
	}
	c.data[off] = 0
	binary.LittleEndian.PutUint64(c.data[off+1:off+9], heapOffset)
	return nil
}

// get reads row's value, returning (nil, true) for a null cell.
func (c *column) get(row uint32) ([]byte, bool, error) {
	off := c.offset(row)
	if c.data[off] == 1 {
		return nil, true, nil
	}
	if c.Col.Type.IsVarLen() {
		heapOffset := binary.LittleEndian.Uint64(c.data[off+1 : off+9])
		v, err := c.heap.Read(heapOffset)
		return v, false, err
	}
	return append([]byte(nil), c.data[off+1:off+1+c.cellSize]...), false, nil
}

func (c *column) sync() error {
	if err := c.handle.Sync(); err != nil {
		return err
	}
	if c.heap != nil {
		return c.heap.Sync()
	}
	return nil
}

func (c *column) close() error {
	var firstErr error
	if c.data != nil {
		if err := sys.Munmap(c.data); err != nil {
			firstErr = err
		}
	}
	if err := c.handle.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if c.heap != nil {
		if err := c.heap.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
