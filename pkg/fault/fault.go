// Package fault defines the error taxonomy shared by every medrag component.
//
// Errors are classified by [Kind] rather than by concrete Go type so that the
// tool server can translate any failure into the wire-level
// {ok:false, error:{kind, message}} envelope without knowing which component
// produced it. Components wrap causes with [Wrap] (or create leaf errors with
// [New]) and propagate them unchanged; [KindOf] recovers the classification at
// the boundary.
package fault

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies a failure for callers. The set is part of the external
// contract: the tool server serialises these strings verbatim.
type Kind string

const (
	// InvalidInput marks a malformed request or an argument out of bounds.
	InvalidInput Kind = "InvalidInput"

	// NotFound marks a referenced id that does not exist.
	NotFound Kind = "NotFound"

	// StoreUnavailable marks a transient database failure.
	StoreUnavailable Kind = "StoreUnavailable"

	// SchemaError marks missing tables or a shape mismatch. Fatal until the
	// schema is re-created; the message carries a remediation hint.
	SchemaError Kind = "SchemaError"

	// EmbeddingUnavailable marks an upstream embedder failure after retries.
	EmbeddingUnavailable Kind = "EmbeddingUnavailable"

	// MockEmbedding marks a returned vector with zero magnitude. Writes must
	// be aborted when this is detected.
	MockEmbedding Kind = "MockEmbedding"

	// DeadlineExceeded marks a request whose caller-supplied deadline elapsed.
	DeadlineExceeded Kind = "DeadlineExceeded"

	// PartialResult marks a composite operation where one or more
	// sub-services failed but others succeeded. Surfaced as a warning
	// alongside the degraded result, never as a hard failure.
	PartialResult Kind = "PartialResult"

	// Conflict marks a concurrent-update collision detected during sync.
	Conflict Kind = "Conflict"

	// Internal marks everything that does not fit a more specific kind.
	Internal Kind = "Internal"
)

// Error is a classified error. It satisfies the errors.Unwrap contract so
// wrapped causes stay inspectable with errors.Is / errors.As.
type Error struct {
	Kind    Kind
	Message string
	cause   error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.cause != nil {
		return e.Message + ": " + e.cause.Error()
	}
	return e.Message
}

// Unwrap returns the wrapped cause, which may be nil for leaf errors.
func (e *Error) Unwrap() error { return e.cause }

// New creates a leaf error of the given kind.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies cause under kind while keeping it unwrappable.
// A nil cause returns nil.
func Wrap(kind Kind, cause error, format string, args ...any) error {
	if cause == nil {
		return nil
	}
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), cause: cause}
}

// KindOf extracts the classification of err.
//
// Unclassified errors map to [Internal], except the two context sentinels:
// context.DeadlineExceeded maps to [DeadlineExceeded] and context.Canceled is
// reported as [DeadlineExceeded] too, since the only cancellation source in
// medrag is the per-request deadline. A nil error has no kind and returns "".
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return DeadlineExceeded
	}
	return Internal
}

// IsKind reports whether err is classified as kind.
func IsKind(err error, kind Kind) bool { return KindOf(err) == kind }
