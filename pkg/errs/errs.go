// Package errs provides the kind-tagged error taxonomy the core uses
// to decide how a failure should be surfaced to a client or a peer.
//
// The four kinds mirror the coordination-core error taxonomy: a
// client-facing handler never needs to understand an operation's
// internals, only which of these four buckets a failure falls into.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies a failure the way a caller needs to react to it.
type Kind int

const (
	// Unknown is the zero value; KindOf(err) returns it for errors that
	// never passed through New/Wrap.
	Unknown Kind = iota

	// Transient means the peer was unreachable, timed out, the leader
	// is unknown, or a PBFT quorum has not formed yet. Retryable.
	Transient

	// Conflict means a deadlock was refused, a PBFT digest/tag
	// mismatched, or a conflicting pre-prepare was observed.
	Conflict

	// NotFound means a lock/queue entry/cache key is missing and no
	// fallback applies.
	NotFound

	// InvariantViolation means the code reached a state it believes
	// unreachable. The process must stop serving.
	InvariantViolation
)

func (k Kind) String() string {
	switch k {
	case Transient:
		return "TRANSIENT"
	case Conflict:
		return "CONFLICT"
	case NotFound:
		return "NOT_FOUND"
	case InvariantViolation:
		return "INVARIANT_VIOLATION"
	default:
		return "UNKNOWN"
	}
}

type kindError struct {
	kind Kind
	err  error
}

func (e *kindError) Error() string {
	return fmt.Sprintf("%s: %v", e.kind, e.err)
}

func (e *kindError) Unwrap() error {
	return e.err
}

// New creates an error tagged with kind.
func New(kind Kind, msg string) error {
	return &kindError{kind: kind, err: errors.New(msg)}
}

// Newf creates an error tagged with kind using fmt formatting.
func Newf(kind Kind, format string, args ...interface{}) error {
	return &kindError{kind: kind, err: fmt.Errorf(format, args...)}
}

// Wrap tags an existing error with kind, preserving it for errors.Is/As.
func Wrap(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &kindError{kind: kind, err: err}
}

// KindOf extracts the Kind tagged on err, or Unknown if none was tagged.
func KindOf(err error) Kind {
	var ke *kindError
	if errors.As(err, &ke) {
		return ke.kind
	}
	return Unknown
}

// Is reports whether err (or any error it wraps) was tagged with kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
