package core

import "fmt"

// AggregationKind enumerates the result columns an aggregate iterator can
// produce for one projected column (spec.md §4.9).
type AggregationKind byte

const (
	AggMin AggregationKind = iota
	AggMax
	AggSum
	AggCount
	// AggFirst is the value of the column at the minimum timestamp where the
	// column itself is non-null.
	AggFirst
	// AggLast is symmetric with AggFirst.
	AggLast
	// AggFirstRow is the value of the column at the minimum timestamp over
	// all rows, regardless of whether the column is null there.
	AggFirstRow
	// AggLastRow is symmetric with AggFirstRow.
	AggLastRow
	AggFirstTs
	AggLastTs
	AggFirstRowTs
	AggLastRowTs
)

func (k AggregationKind) String() string {
	switch k {
	case AggMin:
		return "min"
	case AggMax:
		return "max"
	case AggSum:
		return "sum"
	case AggCount:
		return "count"
	case AggFirst:
		return "first"
	case AggLast:
		return "last"
	case AggFirstRow:
		return "first_row"
	case AggLastRow:
		return "last_row"
	case AggFirstTs:
		return "firstts"
	case AggLastTs:
		return "lastts"
	case AggFirstRowTs:
		return "firstrowts"
	case AggLastRowTs:
		return "lastrowts"
	default:
		return fmt.Sprintf("AggregationKind(%d)", byte(k))
	}
}

// IsFirstLastFamily reports whether k belongs to the family eligible for the
// aggregate iterator's first/last short-circuit (spec.md §4.9).
func (k AggregationKind) IsFirstLastFamily() bool {
	switch k {
	case AggFirst, AggLast, AggFirstRow, AggLastRow, AggFirstTs, AggLastTs, AggFirstRowTs, AggLastRowTs:
		return true
	default:
		return false
	}
}

// IsFirstFamily reports whether k resolves by scanning partitions in
// ascending time order (as opposed to the Last family, which scans
// descending).
func (k AggregationKind) IsFirstFamily() bool {
	switch k {
	case AggFirst, AggFirstRow, AggFirstTs, AggFirstRowTs:
		return true
	default:
		return false
	}
}

// UsesRowNullability reports whether k is sensitive to nullness of the
// projected column itself (First/Last) as opposed to considering every row
// regardless of null (FirstRow/LastRow).
func (k AggregationKind) UsesRowNullability() bool {
	switch k {
	case AggFirst, AggLast, AggFirstTs, AggLastTs:
		return true
	default:
		return false
	}
}

// RequiresBlockScan reports whether any kind in kinds can never be satisfied
// by a stored per-block pre-aggregate and always needs raw cell access.
func RequiresBlockScan(kinds []AggregationKind) bool {
	for _, k := range kinds {
		switch k {
		case AggMin, AggMax, AggSum, AggCount:
			continue
		default:
			return true
		}
	}
	return false
}

// AggregateResult holds the accumulated state for one column's requested
// aggregations across a run of blocks (spec.md §4.7 "incremental variant").
type AggregateResult struct {
	Count      uint64
	MinSet     bool
	Min        []byte // raw cell bytes, or string-heap bytes for var-length
	MaxSet     bool
	Max        []byte
	SumInt     int64
	SumFloat   float64
	SumIsFloat bool
	Overflowed bool

	FirstSet     bool
	First        []byte
	FirstTs      int64
	FirstRowSet  bool
	FirstRow     []byte
	FirstRowNull bool
	FirstRowTs   int64

	LastSet     bool
	Last        []byte
	LastTs      int64
	LastRowSet  bool
	LastRow     []byte
	LastRowNull bool
	LastRowTs   int64
}

// MergeSumInt folds delta (already widened to int64 from t's on-disk cell)
// into the running sum, promoting to float64 on overflow at t's *native*
// width per spec.md §4.7/§8: an i8/i16/i32 column overflows its sum as soon
// as the running total leaves that column's own range, not just when it
// leaves int64's range (NativeIntBounds). i64 columns have no narrower
// native bound, so they fall back to detecting genuine int64
// sign-wraparound.
func (r *AggregateResult) MergeSumInt(delta int64, t DataType) {
	if r.SumIsFloat {
		r.SumFloat += float64(delta)
		return
	}
	next := r.SumInt + delta
	var overflowed bool
	if min, max, bounded := t.NativeIntBounds(); bounded {
		overflowed = next < min || next > max
	} else {
		// Overflow if signs of the operands agree but the sign of the result differs.
		overflowed = (r.SumInt >= 0) == (delta >= 0) && (next >= 0) != (r.SumInt >= 0)
	}
	if overflowed {
		r.SumIsFloat = true
		r.Overflowed = true
		r.SumFloat = float64(r.SumInt) + float64(delta)
		return
	}
	r.SumInt = next
}

// MergeSumFloat folds delta into the running float sum.
func (r *AggregateResult) MergeSumFloat(delta float64) {
	r.SumFloat += delta
	r.SumIsFloat = true
}
