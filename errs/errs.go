// Package errs defines the kernel's closed error-kind enumeration. Every
// kernel-level failure is classified into one of these kinds so callers can
// branch on Kind rather than on error string matching.
package errs

import "fmt"

// Kind is one of the kernel's error kinds. It is a closed set — new kinds
// are added here, never invented ad hoc at call sites.
type Kind string

const (
	SpawnFailed          Kind = "SpawnFailed"
	SpawnTimeout         Kind = "SpawnTimeout"
	ResumeUnsupported    Kind = "ResumeUnsupported"
	ClosedSink           Kind = "ClosedSink"
	UnsupportedOperation Kind = "UnsupportedOperation"
	BadArgs              Kind = "BadArgs"
	SessionNotFound      Kind = "SessionNotFound"
	SessionNotLive       Kind = "SessionNotLive"
	StorageError         Kind = "StorageError"
	AuthRequired         Kind = "AuthRequired"
	SlowConsumer         Kind = "SlowConsumer"
	ProtocolError        Kind = "ProtocolError"
)

// Error is a kernel error carrying a closed Kind alongside a message and an
// optional wrapped cause.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	if e.Message == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New creates a kernel error of the given kind.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates a kernel error of the given kind wrapping cause.
func Wrap(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// Is reports whether err is a kernel error of the given kind.
func Is(err error, kind Kind) bool {
	var ke *Error
	for err != nil {
		if e, ok := err.(*Error); ok {
			ke = e
			break
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	return ke != nil && ke.Kind == kind
}
