package core

import (
	"fmt"
	"math"
)

// DataType identifies the physical representation of a column cell.
// Column 0 of every schema is always TIMESTAMP64_LSN (spec.md §3).
type DataType byte

const (
	DataTypeUnknown DataType = iota
	DataTypeInt8
	DataTypeInt16
	DataTypeInt32
	DataTypeInt64
	DataTypeFloat32
	DataTypeFloat64
	DataTypeBool
	DataTypeChar     // fixed-length char(n)
	DataTypeBinary   // fixed-length binary(n)
	DataTypeTimestamp
	DataTypeTimestampLSN // column 0 only: microsecond timestamp + 64-bit LSN slot
	DataTypeVarString
	DataTypeVarBinary
)

// IsVarLen reports whether values of this type are stored as an 8-byte
// string-heap offset rather than inline in the block's value area.
func (t DataType) IsVarLen() bool {
	return t == DataTypeVarString || t == DataTypeVarBinary
}

// IsNumeric reports whether the type participates in min/max/sum aggregates
// with a native accumulator (as opposed to lexicographic min/max only).
func (t DataType) IsNumeric() bool {
	switch t {
	case DataTypeInt8, DataTypeInt16, DataTypeInt32, DataTypeInt64,
		DataTypeFloat32, DataTypeFloat64:
		return true
	default:
		return false
	}
}

// FixedSize returns the on-disk cell width for fixed-width types. For
// Char/Binary the width is caller-supplied (Column.FixedLen); for var-length
// types the cell holds an 8-byte string-heap offset.
func (t DataType) FixedSize(fixedLen uint32) (int, error) {
	switch t {
	case DataTypeInt8, DataTypeBool:
		return 1, nil
	case DataTypeInt16:
		return 2, nil
	case DataTypeInt32, DataTypeFloat32:
		return 4, nil
	case DataTypeInt64, DataTypeFloat64, DataTypeTimestamp:
		return 8, nil
	case DataTypeTimestampLSN:
		return 16, nil // 8 bytes timestamp + 8 bytes LSN
	case DataTypeChar, DataTypeBinary:
		if fixedLen == 0 {
			return 0, fmt.Errorf("%w: char/binary column requires a positive fixed length", ErrInternal)
		}
		return int(fixedLen), nil
	case DataTypeVarString, DataTypeVarBinary:
		return 8, nil // string-heap offset
	default:
		return 0, fmt.Errorf("%w: unknown data type %d", ErrInternal, t)
	}
}

// SumAccumulatorType returns the DataType used to accumulate SUM for this
// column, per spec.md §4.7: i8/i16/i32/f32 promote, i64 stays i64 until
// overflow forces promotion to f64.
func (t DataType) SumAccumulatorType() DataType {
	switch t {
	case DataTypeInt8, DataTypeInt16, DataTypeInt32, DataTypeInt64:
		return DataTypeInt64
	case DataTypeFloat32, DataTypeFloat64:
		return DataTypeFloat64
	default:
		return DataTypeUnknown
	}
}

// NativeIntBounds returns the [min, max] range of t's own declared width,
// used to detect SUM overflow at the column's native width rather than the
// accumulator's promoted width (spec.md §8: an int32 column summing
// {INT32_MAX, 1} overflows even though the running total fits easily in an
// int64 accumulator, matching the original's per-type AddAggInteger<T>
// which accumulates and overflow-checks in the column's own width before
// ever promoting to double). bounded is false for i64, which has no
// narrower native width than the accumulator itself; its overflow is
// detected by sign-based int64 wraparound instead.
func (t DataType) NativeIntBounds() (min, max int64, bounded bool) {
	switch t {
	case DataTypeInt8:
		return math.MinInt8, math.MaxInt8, true
	case DataTypeInt16:
		return math.MinInt16, math.MaxInt16, true
	case DataTypeInt32:
		return math.MinInt32, math.MaxInt32, true
	default:
		return 0, 0, false
	}
}

func (t DataType) String() string {
	switch t {
	case DataTypeInt8:
		return "int8"
	case DataTypeInt16:
		return "int16"
	case DataTypeInt32:
		return "int32"
	case DataTypeInt64:
		return "int64"
	case DataTypeFloat32:
		return "float32"
	case DataTypeFloat64:
		return "float64"
	case DataTypeBool:
		return "bool"
	case DataTypeChar:
		return "char"
	case DataTypeBinary:
		return "binary"
	case DataTypeTimestamp:
		return "timestamp"
	case DataTypeTimestampLSN:
		return "timestamp64_lsn"
	case DataTypeVarString:
		return "varstring"
	case DataTypeVarBinary:
		return "varbinary"
	default:
		return "unknown"
	}
}
