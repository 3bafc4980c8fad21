package segment

import (
	"encoding/binary"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/kwdbts2/kwdbts2/core"
)

// ConvertDataTypeToMem produces the bytes a reader should see for one cell
// when the requesting schema's column type differs from the segment's
// stored type (spec.md §4.3 "Schema evolution inside a segment"). heapRead
// dereferences varlen offsets; it may be nil when neither side is varlen.
// The returned bool reports whether the value should be treated as null
// for this read (e.g. an unparsable varstring->numeric conversion).
func ConvertDataTypeToMem(storedType core.DataType, storedCell []byte, heapRead func(offset uint64) ([]byte, error), targetType, targetFixedLen uint32) ([]byte, bool, error) {
	return convert(storedType, storedCell, heapRead, core.DataType(targetType), targetFixedLen)
}

func convert(storedType core.DataType, storedCell []byte, heapRead func(offset uint64) ([]byte, error), targetType core.DataType, targetFixedLen uint32) ([]byte, bool, error) {
	if storedType == targetType {
		return storedCell, false, nil
	}

	switch {
	case storedType.IsVarLen() && targetType.IsNumeric():
		text, err := dereferenceText(storedType, storedCell, heapRead)
		if err != nil {
			return nil, true, nil
		}
		return ConvertVarLen([]byte(text), targetType)

	case !storedType.IsVarLen() && !targetType.IsVarLen():
		return ConvertToFixedLen(storedType, storedCell, targetType, targetFixedLen)

	case !storedType.IsVarLen() && targetType.IsVarLen():
		text := formatFixed(storedType, storedCell)
		return []byte(text), false, nil

	default:
		return nil, true, fmt.Errorf("%w: unsupported conversion %s -> %s", core.ErrSchemaMismatch, storedType, targetType)
	}
}

func dereferenceText(t core.DataType, cell []byte, heapRead func(uint64) ([]byte, error)) (string, error) {
	if heapRead == nil {
		return "", fmt.Errorf("%w: varlen conversion requires a heap reader", core.ErrInternal)
	}
	offset := binary.LittleEndian.Uint64(cell)
	if offset == 0 {
		return "", nil
	}
	b, err := heapRead(offset)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// ConvertToFixedLen sign-extends/truncates a fixed-width cell of one type
// into another (spec.md §4.3 "fixed -> fixed of different width").
func ConvertToFixedLen(storedType core.DataType, storedCell []byte, targetType core.DataType, targetFixedLen uint32) ([]byte, bool, error) {
	if !storedType.IsNumeric() || !targetType.IsNumeric() {
		// char(n)/binary(n)/bool/timestamp: no numeric widening defined,
		// pass through raw bytes best-effort (same-family evolution only).
		return storedCell, false, nil
	}

	if targetType == core.DataTypeFloat32 || targetType == core.DataTypeFloat64 {
		var f float64
		if storedType == core.DataTypeFloat32 {
			f = float64(math.Float32frombits(binary.LittleEndian.Uint32(storedCell)))
		} else if storedType == core.DataTypeFloat64 {
			f = math.Float64frombits(binary.LittleEndian.Uint64(storedCell))
		} else {
			f = float64(aggregateDecodeInt(storedType, storedCell))
		}
		return encodeFloat(targetType, f), false, nil
	}

	var v int64
	if storedType == core.DataTypeFloat32 || storedType == core.DataTypeFloat64 {
		var f float64
		if storedType == core.DataTypeFloat32 {
			f = float64(math.Float32frombits(binary.LittleEndian.Uint32(storedCell)))
		} else {
			f = math.Float64frombits(binary.LittleEndian.Uint64(storedCell))
		}
		v = int64(f)
	} else {
		v = aggregateDecodeInt(storedType, storedCell)
	}
	return encodeInt(targetType, v), false, nil
}

// ConvertVarLen parses text using the column's numeric grammar; invalid
// input reports the row as null for this read (spec.md §4.3
// "varstring -> numeric: parse with the column's numeric grammar; invalid
// input => row reported null for this read").
func ConvertVarLen(text []byte, targetType core.DataType) ([]byte, bool, error) {
	s := strings.TrimSpace(string(text))
	if targetType == core.DataTypeFloat32 || targetType == core.DataTypeFloat64 {
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, true, nil
		}
		return encodeFloat(targetType, f), false, nil
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return nil, true, nil
	}
	return encodeInt(targetType, v), false, nil
}

func aggregateDecodeInt(t core.DataType, cell []byte) int64 {
	switch t {
	case core.DataTypeInt8:
		return int64(int8(cell[0]))
	case core.DataTypeInt16:
		return int64(int16(binary.LittleEndian.Uint16(cell)))
	case core.DataTypeInt32:
		return int64(int32(binary.LittleEndian.Uint32(cell)))
	default:
		return int64(binary.LittleEndian.Uint64(cell))
	}
}

func encodeInt(t core.DataType, v int64) []byte {
	switch t {
	case core.DataTypeInt8:
		return []byte{byte(int8(v))}
	case core.DataTypeInt16:
		b := make([]byte, 2)
		binary.LittleEndian.PutUint16(b, uint16(int16(v)))
		return b
	case core.DataTypeInt32:
		b := make([]byte, 4)
		binary.LittleEndian.PutUint32(b, uint32(int32(v)))
		return b
	default:
		b := make([]byte, 8)
		binary.LittleEndian.PutUint64(b, uint64(v))
		return b
	}
}

func encodeFloat(t core.DataType, f float64) []byte {
	if t == core.DataTypeFloat32 {
		b := make([]byte, 4)
		binary.LittleEndian.PutUint32(b, math.Float32bits(float32(f)))
		return b
	}
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, math.Float64bits(f))
	return b
}

func formatFixed(t core.DataType, cell []byte) string {
	if t == core.DataTypeFloat32 || t == core.DataTypeFloat64 {
		var f float64
		if t == core.DataTypeFloat32 {
			f = float64(math.Float32frombits(binary.LittleEndian.Uint32(cell)))
		} else {
			f = math.Float64frombits(binary.LittleEndian.Uint64(cell))
		}
		return strconv.FormatFloat(f, 'g', -1, 64)
	}
	return strconv.FormatInt(aggregateDecodeInt(t, cell), 10)
}
