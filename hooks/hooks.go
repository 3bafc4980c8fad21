package hooks

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/kwdbts2/kwdbts2/core"
)

// EventType defines the type of a hook event.
type EventType string

// --- Event Type Constants ---
const (
	// Data lifecycle events
	EventPrePutData       EventType = "PrePutData"
	EventPostPutData      EventType = "PostPutData"
	EventPreDeleteData    EventType = "PreDeleteData"
	EventPostDeleteData   EventType = "PostDeleteData"
	EventPreDeleteEntity  EventType = "PreDeleteEntity"
	EventPostDeleteEntity EventType = "PostDeleteEntity"

	// Segment/partition lifecycle events
	EventPreSealSegment  EventType = "PreSealSegment"
	EventPostSealSegment EventType = "PostSealSegment"
	EventPreCompaction   EventType = "PreCompaction"
	EventPostCompaction  EventType = "PostCompaction"
	EventPostBlockOverflow EventType = "PostBlockOverflow"

	// Snapshot lifecycle events
	EventPreCreateSnapshot  EventType = "PreCreateSnapshot"
	EventPostCreateSnapshot EventType = "PostCreateSnapshot"

	// WAL / mini-transaction events
	EventPreWALAppend    EventType = "PreWALAppend"
	EventPostWALAppend   EventType = "PostWALAppend"
	EventPostWALRotate   EventType = "PostWALRotate"
	EventPostWALRecovery EventType = "PostWALRecovery"
	EventPreMTRCommit    EventType = "PreMTRCommit"
	EventPostMTRCommit   EventType = "PostMTRCommit"
	EventPostMTRRollback EventType = "PostMTRRollback"

	// Partition cache events
	EventOnPartitionCacheHit      EventType = "OnPartitionCacheHit"
	EventOnPartitionCacheMiss     EventType = "OnPartitionCacheMiss"
	EventOnPartitionCacheEviction EventType = "OnPartitionCacheEviction"

	// Tag table events
	EventOnTagRowCreate EventType = "OnTagRowCreate"

	// Engine lifecycle
	EventPreStartEngine  EventType = "PreStartEngine"
	EventPostStartEngine EventType = "PostStartEngine"
	EventPreCloseEngine  EventType = "PreCloseEngine"
	EventPostCloseEngine EventType = "PostCloseEngine"

	// Query lifecycle
	EventPreQuery  EventType = "PreQuery"
	EventPostQuery EventType = "PostQuery"
)

// --- HookManager Interface and Implementation ---

// HookManager defines the interface for managing and triggering hooks.
type HookManager interface {
	// Register adds a listener for a specific event type.
	Register(eventType EventType, listener HookListener)
	// Trigger fires all registered listeners for a given event.
	// It handles synchronous vs. asynchronous execution based on the event type and listener preference.
	Trigger(ctx context.Context, event HookEvent) error
	// Stop waits for all asynchronous listeners to complete. Useful for graceful shutdown.
	Stop()
}

// HookEvent is the interface that all event objects must implement.
type HookEvent interface {
	Type() EventType
	Payload() interface{}
}

// BaseEvent provides a base implementation for HookEvent.
type BaseEvent struct {
	eventType EventType
	payload   interface{}
}

func (e *BaseEvent) Type() EventType      { return e.eventType }
func (e *BaseEvent) Payload() interface{} { return e.payload }

// --- Data lifecycle payloads ---

// PrePutDataPayload describes a put_data call (table, range group, dedup
// mode and the number of entity payloads) before its rows are resolved
// against the tag table and written into a partition. Fields are plain
// values; the rows themselves are not included.
type PrePutDataPayload struct {
	TableID      uint64
	RangeGroupID uint64
	Dedup        core.DedupMode
	RowCount     int
}

func NewPrePutDataEvent(payload PrePutDataPayload) HookEvent {
	return &BaseEvent{eventType: EventPrePutData, payload: payload}
}

// PostPutDataPayload reports the outcome of a put_data call, including any
// rows that a dedup policy tombstoned.
type PostPutDataPayload struct {
	TableID       uint64
	RangeGroupID  uint64
	RowsWritten   int
	RowsRejected  int
	Tombstoned    []core.MetricRowID
	Error         error
}

func NewPostPutDataEvent(payload PostPutDataPayload) HookEvent {
	return &BaseEvent{eventType: EventPostPutData, payload: payload}
}

// PreDeleteDataPayload contains the range about to be tombstoned.
type PreDeleteDataPayload struct {
	TableID  uint64
	EntityID uint32
	TsSpans  []core.TsSpan
}

func NewPreDeleteDataEvent(payload PreDeleteDataPayload) HookEvent {
	return &BaseEvent{eventType: EventPreDeleteData, payload: payload}
}

// PostDeleteDataPayload reports how many rows a delete_data call tombstoned.
type PostDeleteDataPayload struct {
	TableID  uint64
	EntityID uint32
	Count    int
	Error    error
}

func NewPostDeleteDataEvent(payload PostDeleteDataPayload) HookEvent {
	return &BaseEvent{eventType: EventPostDeleteData, payload: payload}
}

// --- Segment/partition lifecycle payloads ---

// PreSealSegmentPayload fires before an Active segment transitions to
// InActive.
type PreSealSegmentPayload struct {
	SubGroupID uint32
	SegmentID  uint32
}

func NewPreSealSegmentEvent(payload PreSealSegmentPayload) HookEvent {
	return &BaseEvent{eventType: EventPreSealSegment, payload: payload}
}

// PostSealSegmentPayload reports a segment that finished sealing.
type PostSealSegmentPayload struct {
	SubGroupID uint32
	SegmentID  uint32
	RowCount   uint32
}

func NewPostSealSegmentEvent(payload PostSealSegmentPayload) HookEvent {
	return &BaseEvent{eventType: EventPostSealSegment, payload: payload}
}

// PreCompactionPayload fires before a sub-group merges an interval's
// segments into one new sealed segment.
type PreCompactionPayload struct {
	SubGroupID       uint32
	PartitionStartTs int64
	SourceSegments   []uint32
}

func NewPreCompactionEvent(payload PreCompactionPayload) HookEvent {
	return &BaseEvent{eventType: EventPreCompaction, payload: payload}
}

// PostCompactionPayload reports the result of a compaction.
type PostCompactionPayload struct {
	SubGroupID       uint32
	PartitionStartTs int64
	SourceSegments   []uint32
	NewSegmentID     uint32
}

func NewPostCompactionEvent(payload PostCompactionPayload) HookEvent {
	return &BaseEvent{eventType: EventPostCompaction, payload: payload}
}

// BlockOverflowPayload reports a block whose SUM accumulator overflowed and
// was promoted to a float64 accumulator (spec.md §4.3 "Per-block overflow").
type BlockOverflowPayload struct {
	SubGroupID uint32
	SegmentID  uint32
	BlockID    uint32
	ColumnID   uint32
}

func NewPostBlockOverflowEvent(payload BlockOverflowPayload) HookEvent {
	return &BaseEvent{eventType: EventPostBlockOverflow, payload: payload}
}

// --- Snapshot lifecycle payloads ---

type PreCreateSnapshotPayload struct {
	SnapshotDir string
}

func NewPreCreateSnapshotEvent(payload PreCreateSnapshotPayload) HookEvent {
	return &BaseEvent{eventType: EventPreCreateSnapshot, payload: payload}
}

type PostCreateSnapshotPayload struct {
	SnapshotDir  string
	ManifestPath string
}

func NewPostCreateSnapshotEvent(payload PostCreateSnapshotPayload) HookEvent {
	return &BaseEvent{eventType: EventPostCreateSnapshot, payload: payload}
}

// --- WAL / mini-transaction payloads ---

// WALAppendPayload contains the data for a Pre WALAppend event. Entries is a
// pointer to allow modification prior to the physical append.
type WALAppendPayload struct {
	Entries *[]core.WALEntry
}

func NewPreWALAppendEvent(payload WALAppendPayload) HookEvent {
	return &BaseEvent{eventType: EventPreWALAppend, payload: payload}
}

type PostWALAppendPayload struct {
	Entries []core.WALEntry
	LSN     uint64
	Error   error
}

func NewPostWALAppendEvent(payload PostWALAppendPayload) HookEvent {
	return &BaseEvent{eventType: EventPostWALAppend, payload: payload}
}

type PostWALRotatePayload struct {
	OldSegmentIndex uint64
	NewSegmentIndex uint64
	NewSegmentPath  string
}

func NewPostWALRotateEvent(payload PostWALRotatePayload) HookEvent {
	return &BaseEvent{eventType: EventPostWALRotate, payload: payload}
}

type PostWALRecoveryPayload struct {
	RecoveredEntriesCount int
	Duration              time.Duration
}

func NewPostWALRecoveryEvent(payload PostWALRecoveryPayload) HookEvent {
	return &BaseEvent{eventType: EventPostWALRecovery, payload: payload}
}

// MTRPayload describes a mini-transaction boundary.
type MTRPayload struct {
	RangeGroupID  uint64
	RangeID       uint64
	AppliedIndex  uint64
	MTRID         uint64
}

func NewPreMTRCommitEvent(payload MTRPayload) HookEvent {
	return &BaseEvent{eventType: EventPreMTRCommit, payload: payload}
}
func NewPostMTRCommitEvent(payload MTRPayload) HookEvent {
	return &BaseEvent{eventType: EventPostMTRCommit, payload: payload}
}
func NewPostMTRRollbackEvent(payload MTRPayload) HookEvent {
	return &BaseEvent{eventType: EventPostMTRRollback, payload: payload}
}

// --- Partition cache payloads ---

type PartitionCachePayload struct {
	SubGroupID       uint32
	PartitionStartTs int64
}

func NewOnPartitionCacheHitEvent(payload PartitionCachePayload) HookEvent {
	return &BaseEvent{eventType: EventOnPartitionCacheHit, payload: payload}
}
func NewOnPartitionCacheMissEvent(payload PartitionCachePayload) HookEvent {
	return &BaseEvent{eventType: EventOnPartitionCacheMiss, payload: payload}
}
func NewOnPartitionCacheEvictionEvent(payload PartitionCachePayload) HookEvent {
	return &BaseEvent{eventType: EventOnPartitionCacheEviction, payload: payload}
}

// --- Tag table payloads ---

// TagRowCreatePayload reports a newly inserted tag row, resolving a
// primary tag to (sub_group_id, entity_id) for the first time.
type TagRowCreatePayload struct {
	PrimaryTag []byte
	SubGroupID uint32
	EntityID   uint32
}

func NewOnTagRowCreateEvent(payload TagRowCreatePayload) HookEvent {
	return &BaseEvent{eventType: EventOnTagRowCreate, payload: payload}
}

// --- Engine lifecycle payloads ---

type EngineLifecyclePayload struct{}

func NewPreStartEngineEvent() HookEvent {
	return &BaseEvent{eventType: EventPreStartEngine, payload: EngineLifecyclePayload{}}
}
func NewPostStartEngineEvent() HookEvent {
	return &BaseEvent{eventType: EventPostStartEngine, payload: EngineLifecyclePayload{}}
}
func NewPreCloseEngineEvent() HookEvent {
	return &BaseEvent{eventType: EventPreCloseEngine, payload: EngineLifecyclePayload{}}
}
func NewPostCloseEngineEvent() HookEvent {
	return &BaseEvent{eventType: EventPostCloseEngine, payload: EngineLifecyclePayload{}}
}

// --- Query lifecycle payloads ---

// QueryParams describes the shape of a get_iterator/get_tag_iterator call,
// enough for a listener to log or veto it.
type QueryParams struct {
	TableID    uint64
	Entities   []uint32
	TsSpans    []core.TsSpan
	Projection []uint32
	Reverse    bool
}

type PreQueryPayload struct {
	Params *QueryParams
}

func NewPreQueryEvent(payload PreQueryPayload) HookEvent {
	return &BaseEvent{eventType: EventPreQuery, payload: payload}
}

type PostQueryPayload struct {
	Params   QueryParams
	Duration time.Duration
	Error    error
}

func NewPostQueryEvent(payload PostQueryPayload) HookEvent {
	return &BaseEvent{eventType: EventPostQuery, payload: payload}
}

// --- HookListener Interface ---

// HookListener defines the interface for components that want to listen to events.
type HookListener interface {
	// OnEvent is called by the HookManager when a registered event is triggered.
	// Returning an error from a "Pre" hook (e.g., PrePutData) can cancel the operation.
	// Errors from "Post" hooks are typically logged without affecting the main operation.
	OnEvent(ctx context.Context, event HookEvent) error

	// Priority returns the listener's priority. Lower numbers are executed first.
	Priority() int

	// IsAsync indicates if the listener should be called asynchronously for Post-events.
	IsAsync() bool
}

// listenerWithPriority wraps a listener with its priority for sorted insertion.
type listenerWithPriority struct {
	listener HookListener
	priority int
}

// DefaultHookManager is a concrete implementation of HookManager.
type DefaultHookManager struct {
	listeners map[EventType][]*listenerWithPriority
	mu        sync.RWMutex
	wg        sync.WaitGroup
	logger    *slog.Logger
}

// NewHookManager creates a new DefaultHookManager.
func NewHookManager(logger *slog.Logger) HookManager {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &DefaultHookManager{
		listeners: make(map[EventType][]*listenerWithPriority),
		logger:    logger,
	}
}

// Register adds a listener for a specific event type, maintaining priority order.
func (m *DefaultHookManager) Register(eventType EventType, listener HookListener) {
	m.mu.Lock()
	defer m.mu.Unlock()

	item := &listenerWithPriority{listener: listener, priority: listener.Priority()}
	l := m.listeners[eventType]
	idx := sort.Search(len(l), func(i int) bool {
		return l[i].priority >= item.priority
	})
	l = append(l, nil)
	copy(l[idx+1:], l[idx:])
	l[idx] = item
	m.listeners[eventType] = l
}

// Trigger fires all registered listeners for a given event in priority order.
func (m *DefaultHookManager) Trigger(ctx context.Context, event HookEvent) error {
	m.mu.RLock()
	listeners, ok := m.listeners[event.Type()]
	m.mu.RUnlock()

	if !ok || len(listeners) == 0 {
		return nil
	}

	isPreHook := strings.HasPrefix(string(event.Type()), "Pre")

	for _, item := range listeners {
		isListenerAsync := item.listener.IsAsync()

		if isPreHook || !isListenerAsync {
			if isPreHook && isListenerAsync {
				m.logger.Warn("listener for pre-hook requested async execution, but pre-hooks are always synchronous", "event", event.Type(), "priority", item.priority)
			}
			if err := item.listener.OnEvent(ctx, event); err != nil {
				if isPreHook {
					return fmt.Errorf("pre-hook for event %s (priority %d) failed: %w", event.Type(), item.priority, err)
				}
				m.logger.Error("error from synchronous post-hook listener", "event", event.Type(), "priority", item.priority, "error", err)
			}
		} else {
			m.wg.Add(1)
			go func(currentItem *listenerWithPriority) {
				defer m.wg.Done()
				if err := currentItem.listener.OnEvent(ctx, event); err != nil {
					m.logger.Error("error from asynchronous post-hook listener", "event", event.Type(), "priority", currentItem.priority, "error", err)
				}
			}(item)
		}
	}
	return nil
}

// Stop waits for all asynchronous listeners to complete.
func (m *DefaultHookManager) Stop() {
	m.wg.Wait()
}
