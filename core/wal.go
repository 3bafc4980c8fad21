package core

// WALEntry is a decoded write-ahead log record (spec.md §4.10).
type WALEntry struct {
	Kind   RecordKind
	Key    []byte // record-specific key, e.g. encoded MetricRowID or primary tag
	Value  []byte
	LSN    uint64
	MTRID  uint64 // 0 outside a mini-transaction
}
