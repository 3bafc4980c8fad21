package core

import (
	"errors"
	"fmt"
)

// Error kind sentinels, per spec.md §7. Component errors wrap one of these
// with fmt.Errorf("...: %w", ErrXxx, ...) so callers can classify with
// errors.Is regardless of which package produced the error.
var (
	// ErrNotFound: entity / table / snapshot absent. Returned to caller,
	// not logged at error level.
	ErrNotFound = errors.New("not found")
	// ErrAlreadyExists: create-if-absent violated.
	ErrAlreadyExists = errors.New("already exists")
	// ErrDedupRejected: row rejected by dedup policy. Success with
	// counters; never fatal to the caller's batch.
	ErrDedupRejected = errors.New("row rejected by dedup policy")
	// ErrSchemaMismatch: payload schema version differs from the segment's.
	// Callers should attempt conversion before surfacing this.
	ErrSchemaMismatch = errors.New("schema mismatch")
	// ErrIO: mmap / write / fsync failed. Fails the current MTR and taints
	// the partition until recovery.
	ErrIO = errors.New("io error")
	// ErrCorruption: checksum / magic / length invariant violated. The
	// segment must refuse to open.
	ErrCorruption = errors.New("corruption detected")
	// ErrInternal: an invariant was violated by the code itself.
	ErrInternal = errors.New("internal invariant violation")
)

// IsNotFound reports whether err (or its chain) is ErrNotFound.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsAlreadyExists reports whether err (or its chain) is ErrAlreadyExists.
func IsAlreadyExists(err error) bool { return errors.Is(err, ErrAlreadyExists) }

// IsDedupRejected reports whether err (or its chain) is ErrDedupRejected.
func IsDedupRejected(err error) bool { return errors.Is(err, ErrDedupRejected) }

// IsSchemaMismatch reports whether err (or its chain) is ErrSchemaMismatch.
func IsSchemaMismatch(err error) bool { return errors.Is(err, ErrSchemaMismatch) }

// IsIOError reports whether err (or its chain) is ErrIO.
func IsIOError(err error) bool { return errors.Is(err, ErrIO) }

// IsCorruption reports whether err (or its chain) is ErrCorruption.
func IsCorruption(err error) bool { return errors.Is(err, ErrCorruption) }

// IsInternal reports whether err (or its chain) is ErrInternal.
func IsInternal(err error) bool { return errors.Is(err, ErrInternal) }

// NotFoundf builds an ErrNotFound-wrapping error with context.
func NotFoundf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrNotFound}, args...)...)
}

// AlreadyExistsf builds an ErrAlreadyExists-wrapping error with context.
func AlreadyExistsf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrAlreadyExists}, args...)...)
}

// Internalf builds an ErrInternal-wrapping error with context.
func Internalf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrInternal}, args...)...)
}

// Corruptionf builds an ErrCorruption-wrapping error with context.
func Corruptionf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrCorruption}, args...)...)
}

// IOf builds an ErrIO-wrapping error with context.
func IOf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrIO}, args...)...)
}
