package segment

import (
	"archive/tar"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/kwdbts2/kwdbts2/columnfile"
	"github.com/kwdbts2/kwdbts2/compressors"
	"github.com/kwdbts2/kwdbts2/core"
	"github.com/kwdbts2/kwdbts2/stringheap"
	"github.com/kwdbts2/kwdbts2/sys"
)

const (
	heapEntryName      = "heap"
	sqfsUnpackedSuffix = ".sqfs.d"
)

func sqfsFilePath(dir string, id uint32) string {
	return filepath.Join(dir, core.FormatSealedSegmentFileName(id))
}

func sqfsUnpackedDir(dir string, id uint32) string {
	return filepath.Join(dir, fmt.Sprintf("%08d%s", id, sqfsUnpackedSuffix))
}

func columnEntryName(colID uint32) string {
	return fmt.Sprintf("col.%d", colID)
}

func compressorForType(t core.CompressionType) (core.Compressor, error) {
	switch t {
	case core.CompressionNone:
		return &compressors.NoCompressionCompressor{}, nil
	case core.CompressionSnappy:
		return compressors.NewSnappyCompressor(), nil
	case core.CompressionLZ4:
		return compressors.NewLz4Compressor(), nil
	case core.CompressionZSTD:
		return compressors.NewZstdCompressor(), nil
	default:
		return nil, fmt.Errorf("%w: unknown sqfs compressor type %d", core.ErrCorruption, t)
	}
}

// Compress repackages a sealed segment's column files and string heap into
// a single compressed .sqfs container, replacing the individual on-disk
// files (spec.md §4.3 "Active -> InActive -> Compressed", §6 on-disk
// layout). The segment's .meta sidecar is left untouched so a partition
// can still rebuild its directory and dedup index from a Compressed
// segment without decompressing it; only ColumnFile/Heap access pays the
// cost of transparent decompression, mirroring the original's on-demand
// segment repackaging. compressor defaults to zstd when nil.
func (s *Segment) Compress(compressor core.Compressor) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateInActive {
		return fmt.Errorf("%w: segment %d must be sealed before compression", core.ErrInternal, s.ID)
	}
	if compressor == nil {
		compressor = compressors.NewZstdCompressor()
	}

	colIDs := make([]uint32, 0, len(s.columnFiles))
	for colID := range s.columnFiles {
		colIDs = append(colIDs, colID)
	}
	sort.Slice(colIDs, func(i, j int) bool { return colIDs[i] < colIDs[j] })

	for _, colID := range colIDs {
		if err := s.columnFiles[colID].Sync(); err != nil {
			return fmt.Errorf("segment %d: sync column %d before compress: %w", s.ID, colID, err)
		}
	}
	if err := s.heap.Sync(); err != nil {
		return fmt.Errorf("segment %d: sync heap before compress: %w", s.ID, err)
	}

	var raw bytes.Buffer
	tw := tar.NewWriter(&raw)
	for _, colID := range colIDs {
		if err := addFileToTar(tw, columnFilePath(s.dir, s.ID, colID), columnEntryName(colID)); err != nil {
			return fmt.Errorf("segment %d: tar column %d: %w", s.ID, colID, err)
		}
	}
	if err := addFileToTar(tw, heapFilePath(s.dir, s.ID), heapEntryName); err != nil {
		return fmt.Errorf("segment %d: tar string heap: %w", s.ID, err)
	}
	if err := tw.Close(); err != nil {
		return fmt.Errorf("%w: segment %d: close tar writer: %v", core.ErrInternal, s.ID, err)
	}

	var payload bytes.Buffer
	if err := compressor.CompressTo(&payload, raw.Bytes()); err != nil {
		return fmt.Errorf("segment %d: compress sqfs payload: %w", s.ID, err)
	}

	finalPath := sqfsFilePath(s.dir, s.ID)
	tmpPath := core.FormatTempFilename(finalPath, "tmp")
	if err := writeSqfsFile(tmpPath, compressor.Type(), payload.Bytes()); err != nil {
		return fmt.Errorf("segment %d: %w", s.ID, err)
	}
	if err := sys.Rename(tmpPath, finalPath); err != nil {
		return fmt.Errorf("%w: rename sqfs %s: %v", core.ErrIO, finalPath, err)
	}

	for colID, cf := range s.columnFiles {
		cf.Close()
		sys.SafeRemove(columnFilePath(s.dir, s.ID, colID))
	}
	s.heap.Close()
	sys.SafeRemove(heapFilePath(s.dir, s.ID))

	s.columnFiles = nil
	s.heap = nil
	s.state = StateCompressed
	return nil
}

func addFileToTar(tw *tar.Writer, path, entryName string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := tw.WriteHeader(&tar.Header{Name: entryName, Size: int64(len(data)), Mode: 0o600}); err != nil {
		return err
	}
	_, err = tw.Write(data)
	return err
}

// writeSqfsFile writes a .sqfs container's header (mirroring the
// magic+version+created_at+compressor_type packing columnfile.File uses)
// followed by its length-prefixed compressed payload,
// fsyncing before the caller renames it into place.
func writeSqfsFile(path string, compressorType core.CompressionType, payload []byte) error {
	f, err := sys.Create(path)
	if err != nil {
		return fmt.Errorf("%w: create sqfs %s: %v", core.ErrIO, path, err)
	}
	hdr := core.NewFileHeader(core.SqfsMagicNumber, compressorType)
	fields := []any{hdr.Magic, hdr.Version, hdr.CreatedAt, byte(hdr.CompressorType), uint32(len(payload))}
	for _, field := range fields {
		if err := binary.Write(f, binary.LittleEndian, field); err != nil {
			f.Close()
			return fmt.Errorf("%w: write sqfs header %s: %v", core.ErrIO, path, err)
		}
	}
	if _, err := f.Write(payload); err != nil {
		f.Close()
		return fmt.Errorf("%w: write sqfs payload %s: %v", core.ErrIO, path, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("%w: sync sqfs %s: %v", core.ErrIO, path, err)
	}
	return f.Close()
}

// ensureOpenLocked lazily decompresses a Compressed segment's .sqfs
// container into a private working directory and reopens its column
// files and string heap from there, so ColumnFile/Heap serve reads
// transparently regardless of whether the segment was ever repackaged.
// Caller must hold s.mu for writing.
func (s *Segment) ensureOpenLocked() error {
	if s.columnFiles != nil {
		return nil
	}

	sqfsPath := sqfsFilePath(s.dir, s.ID)
	f, err := sys.Open(sqfsPath)
	if err != nil {
		return fmt.Errorf("%w: open sqfs %s: %v", core.ErrIO, sqfsPath, err)
	}
	defer f.Close()

	var magic uint32
	var version uint8
	var createdAt int64
	var compressorType byte
	var length uint32
	for _, field := range []any{&magic, &version, &createdAt, &compressorType, &length} {
		if err := binary.Read(f, binary.LittleEndian, field); err != nil {
			return fmt.Errorf("%w: read sqfs header %s: %v", core.ErrCorruption, sqfsPath, err)
		}
	}
	if magic != core.SqfsMagicNumber {
		return fmt.Errorf("%w: bad sqfs magic in %s", core.ErrCorruption, sqfsPath)
	}
	compressed := make([]byte, length)
	if _, err := io.ReadFull(f, compressed); err != nil {
		return fmt.Errorf("%w: read sqfs payload %s: %v", core.ErrCorruption, sqfsPath, err)
	}

	compressor, err := compressorForType(core.CompressionType(compressorType))
	if err != nil {
		return err
	}
	rc, err := compressor.Decompress(compressed)
	if err != nil {
		return fmt.Errorf("%w: decompress sqfs %s: %v", core.ErrCorruption, sqfsPath, err)
	}
	defer rc.Close()
	raw, err := io.ReadAll(rc)
	if err != nil {
		return fmt.Errorf("%w: read decompressed sqfs %s: %v", core.ErrCorruption, sqfsPath, err)
	}

	workDir := sqfsUnpackedDir(s.dir, s.ID)
	if err := os.RemoveAll(workDir); err != nil {
		return fmt.Errorf("%w: clear sqfs work dir %s: %v", core.ErrIO, workDir, err)
	}
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return fmt.Errorf("%w: create sqfs work dir %s: %v", core.ErrIO, workDir, err)
	}
	if err := untar(workDir, raw); err != nil {
		return fmt.Errorf("%w: unpack sqfs %s: %v", core.ErrCorruption, sqfsPath, err)
	}

	columnFiles := make(map[uint32]*columnfile.File, len(s.Schema.LiveColumns()))
	for _, col := range s.Schema.LiveColumns() {
		cf, err := columnfile.Open(filepath.Join(workDir, columnEntryName(col.ID)), col, s.Capacity, s.logger)
		if err != nil {
			closeAll(columnFiles)
			return fmt.Errorf("segment %d: reopen column %d from sqfs: %w", s.ID, col.ID, err)
		}
		columnFiles[col.ID] = cf
	}
	heap, err := stringheap.Open(filepath.Join(workDir, heapEntryName), stringheap.Options{Logger: s.logger})
	if err != nil {
		closeAll(columnFiles)
		return fmt.Errorf("segment %d: reopen string heap from sqfs: %w", s.ID, err)
	}

	s.columnFiles = columnFiles
	s.heap = heap
	s.unpackedDir = workDir
	return nil
}

func untar(destDir string, raw []byte) error {
	tr := tar.NewReader(bytes.NewReader(raw))
	for {
		th, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		out, err := os.Create(filepath.Join(destDir, th.Name))
		if err != nil {
			return err
		}
		if _, err := io.Copy(out, tr); err != nil {
			out.Close()
			return err
		}
		if err := out.Close(); err != nil {
			return err
		}
	}
}
