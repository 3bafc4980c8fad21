// Package tagtable implements columnar tag storage with a primary-tag hash
// index (spec.md §4.6). Unlike the teacher's general-purpose secondary tag
// index, this index only ever answers "which (sub_group, entity) owns this
// primary tag" — there is no secondary index over non-primary tag columns.
package tagtable

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/kwdbts2/kwdbts2/core"
	"github.com/kwdbts2/kwdbts2/hooks"
	"github.com/kwdbts2/kwdbts2/sys"
)

// Record is one tag table row: an entity's primary tag and its owning
// sub-group/entity id. The per-column tag values live in the column files
// (see GetTagCells).
type Record struct {
	Row        uint32
	PrimaryTag []byte
	SubGroupID uint32
	EntityID   uint32
	Deleted    bool
}

const (
	recInsert byte = 1
	recUpdate byte = 2
	recDelete byte = 3
)

const defaultBuckets = 256

// Options configures Create/Open.
type Options struct {
	Logger      *slog.Logger
	HookManager hooks.HookManager
	// BloomFPRate is the target false-positive rate of the primary-tag
	// Bloom pre-check; 0 disables the filter.
	BloomFPRate float64
}

// Table is a sub-group's tag storage: one append-only mapping log
// (tag.meta) recording row lifecycle events, one flat column file per tag
// column, and an in-memory primary-tag hash index rebuilt by replaying the
// log at Open (spec.md §4.6, grounded on the teacher's
// SeriesIDStore.LoadFromFile full-log-replay pattern).
type Table struct {
	dir    string
	schema *core.Schema // tag columns only; primary tag is schema.Columns[0]

	metaFile sys.FileHandle

	mu      sync.RWMutex
	rows    []*Record
	index   *hashIndex
	bloom   *bloomFilter
	columns map[uint32]*column

	logger      *slog.Logger
	hookManager hooks.HookManager
}

func metaPath(dir string) string { return filepath.Join(dir, core.TagMetaFileName) }

// Create initializes a brand-new, empty tag table.
func Create(dir string, schema *core.Schema, opts Options) (*Table, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: create tag table dir %s: %v", core.ErrIO, dir, err)
	}

	f, err := sys.Create(metaPath(dir))
	if err != nil {
		return nil, fmt.Errorf("%w: create tag meta %s: %v", core.ErrIO, dir, err)
	}
	hdr := core.NewFileHeader(core.TagTableMagicNumber, core.CompressionNone)
	if err := writeHeader(f, hdr); err != nil {
		f.Close()
		return nil, err
	}

	t := &Table{
		dir:         dir,
		schema:      schema,
		metaFile:    f,
		index:       newHashIndex(defaultBuckets),
		columns:     make(map[uint32]*column),
		logger:      logger.With("component", "tagtable"),
		hookManager: opts.HookManager,
	}
	if opts.BloomFPRate > 0 {
		bf, err := newBloomFilter(1024, opts.BloomFPRate)
		if err != nil {
			f.Close()
			return nil, err
		}
		t.bloom = bf
	}

	for _, col := range schema.LiveColumns() {
		if col.ID == primaryTagColumnID(schema) {
			continue
		}
		cf, err := createColumn(filepath.Join(dir, core.FormatTagColumnFileName(col.ID)), col, logger)
		if err != nil {
			t.Close()
			return nil, err
		}
		t.columns[col.ID] = cf
	}
	return t, nil
}

// Open reopens an existing tag table, rebuilding the in-memory index and
// row directory by replaying tag.meta in full.
func Open(dir string, schema *core.Schema, opts Options) (*Table, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	f, err := sys.OpenFile(metaPath(dir), os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: open tag meta %s: %v", core.ErrIO, dir, err)
	}

	t := &Table{
		dir:         dir,
		schema:      schema,
		metaFile:    f,
		index:       newHashIndex(defaultBuckets),
		columns:     make(map[uint32]*column),
		logger:      logger.With("component", "tagtable"),
		hookManager: opts.HookManager,
	}
	if opts.BloomFPRate > 0 {
		bf, err := newBloomFilter(1024, opts.BloomFPRate)
		if err != nil {
			f.Close()
			return nil, err
		}
		t.bloom = bf
	}

	for _, col := range schema.LiveColumns() {
		if col.ID == primaryTagColumnID(schema) {
			continue
		}
		cf, err := openColumn(filepath.Join(dir, core.FormatTagColumnFileName(col.ID)), col, logger)
		if err != nil {
			t.Close()
			return nil, err
		}
		t.columns[col.ID] = cf
	}

	if err := t.replay(); err != nil {
		t.Close()
		return nil, err
	}
	return t, nil
}

func primaryTagColumnID(schema *core.Schema) uint32 {
	if len(schema.Columns) == 0 {
		return 0
	}
	return schema.Columns[0].ID
}

func writeHeader(f sys.FileHandle, hdr core.FileHeader) error {
	buf := make([]byte, 16)
	binary.LittleEndian.PutUint32(buf[0:4], hdr.Magic)
	buf[4] = byte(hdr.Version)
	binary.LittleEndian.PutUint64(buf[5:13], uint64(hdr.CreatedAt))
	buf[13] = byte(hdr.CompressorType)
	_, err := f.Write(buf)
	return err
}

// InsertTagRecord appends a new row for primaryTag and indexes it
// (spec.md §4.6 "InsertTagRecord(payload, sub_group_id, entity_id)").
func (t *Table) InsertTagRecord(primaryTag []byte, subGroupID, entityID uint32, cells map[uint32][]byte) (uint32, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, found := t.index.get(primaryTag); found {
		return 0, fmt.Errorf("%w: primary tag already registered", core.ErrAlreadyExists)
	}

	row := uint32(len(t.rows))
	if err := t.appendLog(recInsert, row, primaryTag, subGroupID, entityID); err != nil {
		return 0, err
	}
	if err := t.writeCells(row, cells); err != nil {
		return 0, err
	}

	t.rows = append(t.rows, &Record{Row: row, PrimaryTag: append([]byte(nil), primaryTag...), SubGroupID: subGroupID, EntityID: entityID})
	t.index.put(primaryTag, row)
	if t.bloom != nil {
		t.bloom.add(primaryTag)
	}
	t.maybeRehashLocked()
	return row, nil
}

// UpdateTagRecord overwrites the non-primary tag cells of an existing,
// live row (spec.md §4.6 "primary tag is immutable").
func (t *Table) UpdateTagRecord(primaryTag []byte, cells map[uint32][]byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	row, found := t.index.get(primaryTag)
	if !found || t.rows[row].Deleted {
		return fmt.Errorf("%w: primary tag not registered", core.ErrNotFound)
	}
	if err := t.appendLog(recUpdate, row, nil, 0, 0); err != nil {
		return err
	}
	return t.writeCells(row, cells)
}

// DeleteTagRecord sets the delete mark and removes the index entry but
// keeps the row slot (spec.md §4.6).
func (t *Table) DeleteTagRecord(primaryTag []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	row, found := t.index.get(primaryTag)
	if !found {
		return fmt.Errorf("%w: primary tag not registered", core.ErrNotFound)
	}
	if err := t.appendLog(recDelete, row, nil, 0, 0); err != nil {
		return err
	}
	t.rows[row].Deleted = true
	t.index.delete(primaryTag)
	return nil
}

// GetEntityIDGroupID returns the (sub_group_id, entity_id) owning
// primaryTag, or found=false if no live row matches (spec.md §4.6).
func (t *Table) GetEntityIDGroupID(primaryTag []byte) (subGroupID, entityID uint32, found bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if t.bloom != nil && !t.bloom.mayContain(primaryTag) {
		return 0, 0, false
	}
	row, ok := t.index.get(primaryTag)
	if !ok || t.rows[row].Deleted {
		return 0, 0, false
	}
	r := t.rows[row]
	return r.SubGroupID, r.EntityID, true
}

// GetTagCells reads every live tag column's value for row.
func (t *Table) GetTagCells(row uint32) (map[uint32][]byte, map[uint32]bool, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	values := make(map[uint32][]byte, len(t.columns))
	nulls := make(map[uint32]bool, len(t.columns))
	for id, col := range t.columns {
		v, isNull, err := col.get(row)
		if err != nil {
			return nil, nil, err
		}
		values[id] = v
		nulls[id] = isNull
	}
	return values, nulls, nil
}

// AllLive returns every non-deleted row, in insertion order. Used by
// get_tag_iterator to enumerate a sub-group's entities and by
// delete_range_data to find the entities whose primary tag falls within a
// hash span (spec.md §6 "get_tag_iterator", "delete_range_data").
func (t *Table) AllLive() []Record {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Record, 0, len(t.rows))
	for _, r := range t.rows {
		if r == nil || r.Deleted {
			continue
		}
		out = append(out, *r)
	}
	return out
}

func (t *Table) writeCells(row uint32, cells map[uint32][]byte) error {
	for id, col := range t.columns {
		if err := col.reserve(row + 1); err != nil {
			return err
		}
		v, ok := cells[id]
		if !ok || v == nil {
			col.setNull(row)
			continue
		}
		if col.Col.Type.IsVarLen() {
			if err := col.setVarValue(row, v); err != nil {
				return err
			}
			continue
		}
		col.setValue(row, v)
	}
	return nil
}

func (t *Table) maybeRehashLocked() {
	if t.index.loadFactor() < 0.75 {
		return
	}
	newSize := len(t.index.buckets) * 2
	t.index.rehash(newSize)
	t.logger.Debug("rehashed tag table index", "buckets", newSize)
}

// appendLog appends one record to tag.meta, checksummed with crc32 like
// the teacher's series-mapping log.
func (t *Table) appendLog(kind byte, row uint32, primaryTag []byte, subGroupID, entityID uint32) error {
	var payload []byte
	switch kind {
	case recInsert:
		payload = make([]byte, 4+2+len(primaryTag)+4+4)
		off := 0
		binary.LittleEndian.PutUint32(payload[off:], row)
		off += 4
		binary.LittleEndian.PutUint16(payload[off:], uint16(len(primaryTag)))
		off += 2
		copy(payload[off:], primaryTag)
		off += len(primaryTag)
		binary.LittleEndian.PutUint32(payload[off:], subGroupID)
		off += 4
		binary.LittleEndian.PutUint32(payload[off:], entityID)
	case recUpdate, recDelete:
		payload = make([]byte, 4)
		binary.LittleEndian.PutUint32(payload, row)
	}

	rec := make([]byte, 1+4+len(payload)+4)
	rec[0] = kind
	binary.LittleEndian.PutUint32(rec[1:5], uint32(len(payload)))
	copy(rec[5:], payload)
	crc := crc32.ChecksumIEEE(rec[:5+len(payload)])
	binary.LittleEndian.PutUint32(rec[5+len(payload):], crc)

	if _, err := t.metaFile.Write(rec); err != nil {
		return fmt.Errorf("%w: append tag log record: %v", core.ErrIO, err)
	}
	return nil
}

// replay rebuilds rows/index/bloom from tag.meta.
func (t *Table) replay() error {
	if _, err := t.metaFile.Seek(0, 0); err != nil {
		return err
	}
	hdr := make([]byte, 16)
	if _, err := readFull(t.metaFile, hdr); err != nil {
		return fmt.Errorf("%w: tag meta header: %v", core.ErrCorruption, err)
	}
	if binary.LittleEndian.Uint32(hdr[0:4]) != core.TagTableMagicNumber {
		return fmt.Errorf("%w: tag meta bad magic", core.ErrCorruption)
	}

	for {
		head := make([]byte, 5)
		n, err := readFull(t.metaFile, head)
		if n == 0 && err != nil {
			break
		}
		if err != nil {
			return fmt.Errorf("%w: truncated tag log record header", core.ErrCorruption)
		}
		kind := head[0]
		payloadLen := binary.LittleEndian.Uint32(head[1:5])
		payload := make([]byte, payloadLen)
		if _, err := readFull(t.metaFile, payload); err != nil {
			return fmt.Errorf("%w: truncated tag log record payload", core.ErrCorruption)
		}
		crcBuf := make([]byte, 4)
		if _, err := readFull(t.metaFile, crcBuf); err != nil {
			return fmt.Errorf("%w: truncated tag log record checksum", core.ErrCorruption)
		}
		want := binary.LittleEndian.Uint32(crcBuf)
		got := crc32.ChecksumIEEE(append(append([]byte{kind}, head[1:5]...), payload...))
		if got != want {
			return fmt.Errorf("%w: tag log record checksum mismatch", core.ErrCorruption)
		}

		if err := t.applyRecord(kind, payload); err != nil {
			return err
		}
	}
	return nil
}

func (t *Table) applyRecord(kind byte, payload []byte) error {
	switch kind {
	case recInsert:
		off := 0
		row := binary.LittleEndian.Uint32(payload[off:])
		off += 4
		tagLen := binary.LittleEndian.Uint16(payload[off:])
		off += 2
		tag := append([]byte(nil), payload[off:off+int(tagLen)]...)
		off += int(tagLen)
		subGroupID := binary.LittleEndian.Uint32(payload[off:])
		off += 4
		entityID := binary.LittleEndian.Uint32(payload[off:])

		for uint32(len(t.rows)) <= row {
			t.rows = append(t.rows, nil)
		}
		t.rows[row] = &Record{Row: row, PrimaryTag: tag, SubGroupID: subGroupID, EntityID: entityID}
		t.index.put(tag, row)
		if t.bloom != nil {
			t.bloom.add(tag)
		}
	case recDelete:
		row := binary.LittleEndian.Uint32(payload)
		if int(row) < len(t.rows) && t.rows[row] != nil {
			t.rows[row].Deleted = true
			t.index.delete(t.rows[row].PrimaryTag)
		}
	case recUpdate:
		// tag cell values live in the column files themselves, already
		// current on disk; nothing to replay into the row directory.
	default:
		return fmt.Errorf("%w: unknown tag log record kind %d", core.ErrCorruption, kind)
	}
	return nil
}

func readFull(f sys.FileHandle, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := f.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
		if n == 0 {
			return total, fmt.Errorf("eof")
		}
	}
	return total, nil
}

// Sync flushes the mapping log and every tag column to disk.
func (t *Table) Sync() error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if err := t.metaFile.Sync(); err != nil {
		return err
	}
	for _, col := range t.columns {
		if err := col.sync(); err != nil {
			return err
		}
	}
	return nil
}

// Close releases the mapping log and every tag column's resources.
func (t *Table) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	var firstErr error
	for _, col := range t.columns {
		if err := col.close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if t.metaFile != nil {
		if err := t.metaFile.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
