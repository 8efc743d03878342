// Package errkind defines the error taxonomy every failing operation in the
// mesh returns exactly one of (spec §7). Kinds are compared with errors.Is
// against the sentinel errors Of returns; Error additionally carries the wrapped
// cause and, for ConfigInvalid, the full list of violations.
package errkind

import "fmt"

// Kind is one entry in the taxonomy. A Kind is not itself an error: match
// one with errors.Is(err, Of(k)), which Error.Is satisfies for any *Error
// carrying the same Kind.
type Kind string

const (
	IdentityCorrupt          Kind = "IdentityCorrupt"
	IdentityPermissionDenied Kind = "IdentityPermissionDenied"
	IdentityIOError          Kind = "IdentityIOError"
	ConfigInvalid            Kind = "ConfigInvalid"
	Backpressure             Kind = "Backpressure"
	NotFound                 Kind = "NotFound"
	DeadlineExceeded         Kind = "DeadlineExceeded"
	TaskTimeout              Kind = "TaskTimeout"
	TaskFailed               Kind = "TaskFailed"
	PeerUnreachable          Kind = "PeerUnreachable"
	VersionIncompatible      Kind = "VersionIncompatible"
	HandshakeRejected        Kind = "HandshakeRejected"
	RoutingFailed            Kind = "RoutingFailed"
	RoutingLoop              Kind = "RoutingLoop"
	NodeShuttingDown         Kind = "NodeShuttingDown"
	ShutdownForced           Kind = "ShutdownForced"
	StorageUnavailable       Kind = "StorageUnavailable"
	Internal                 Kind = "Internal"
)

// Error wraps an underlying cause with a taxonomy Kind.
type Error struct {
	Kind       Kind
	Err        error
	Violations []string // populated only for ConfigInvalid
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is(err, SomeKind) work by comparing against a bare Kind
// value wrapped as an *Error with no cause.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// New constructs an *Error for kind k with no further detail.
func New(k Kind) *Error { return &Error{Kind: k} }

// Wrap constructs an *Error for kind k wrapping cause.
func Wrap(k Kind, cause error) *Error { return &Error{Kind: k, Err: cause} }

// WithViolations constructs a ConfigInvalid error carrying every violation
// found, per spec §4.C2's "all errors reported together" rule.
func WithViolations(violations []string) *Error {
	return &Error{Kind: ConfigInvalid, Violations: violations}
}

// Of returns a sentinel value usable with errors.Is for kind k.
func Of(k Kind) error { return &Error{Kind: k} }

// As walks err's Unwrap chain looking for an *Error, the way errors.As
// would if callers didn't need the concrete type back for its Kind field.
func As(err error) (*Error, bool) {
	for err != nil {
		if e, ok := err.(*Error); ok {
			return e, true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return nil, false
		}
		err = u.Unwrap()
	}
	return nil, false
}
