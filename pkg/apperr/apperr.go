// Package apperr implements the behavioural error taxonomy the scheduler
// uses to decide retry-vs-give-up (spec §7). Kinds are behavioural, not a
// list of exported type names: lower layers (queue, dispatcher, resolver,
// sync) return one of these, and the scheduler is the single place that
// interprets Kind() into a terminal execution state and a retry decision.
package apperr

import (
	"errors"
	"fmt"
)

// Kind names a behavioural error category from spec §7.
type Kind string

const (
	KindValidation       Kind = "validation"
	KindConflict         Kind = "conflict"
	KindPermission       Kind = "permission"
	KindNotFound         Kind = "not_found"
	KindNodeUnavailable  Kind = "node_unavailable"
	KindQueueUnavailable Kind = "queue_unavailable"
	KindTransport        Kind = "transport"
	KindWorkerRejected   Kind = "worker_rejected"
	KindExecutionTimeout Kind = "execution_timeout"
	KindInterrupted      Kind = "interrupted"
	KindRetryExhausted   Kind = "retry_exhausted"
)

// Retryable reports whether the scheduler should apply the retry policy for
// this kind of failure. NodeUnavailable under fixed/specified strategies and
// WorkerRejected are explicitly non-retryable per spec §7.
func (k Kind) Retryable() bool {
	switch k {
	case KindQueueUnavailable, KindTransport, KindExecutionTimeout:
		return true
	default:
		return false
	}
}

// Error is a typed error carrying a behavioural Kind plus optional subject
// identifiers (node id, task id) used in user-visible error_message text.
type Error struct {
	Kind   Kind
	Msg    string
	NodeID string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an *Error of the given kind.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Wrap builds an *Error of the given kind wrapping a lower-level cause.
func Wrap(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: cause}
}

// NodeUnavailable builds the typed error the resolver raises for
// fixed/specified strategies whose target node is not online (spec §4.6).
func NodeUnavailable(nodeID, msg string) *Error {
	return &Error{Kind: KindNodeUnavailable, Msg: msg, NodeID: nodeID}
}

// KindOf extracts the Kind from err if it (or something it wraps) is an
// *Error; ok is false otherwise.
func KindOf(err error) (Kind, bool) {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind, true
	}
	return "", false
}

// Is reports whether err carries the given Kind.
func Is(err error, kind Kind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}
