// Package errs defines the small typed-error vocabulary shared across
// the sender core, so callers can dispatch on failure class with
// errors.As instead of string matching.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies a sender-core error.
type Kind int

const (
	// Protocol means the peer sent syntactically or semantically
	// invalid data. Always fatal; unwinds the session.
	Protocol Kind = iota
	// ChannelIO is a transport write/read failure. Fatal.
	ChannelIO
	// ChannelEOF is the peer closing before the requested bytes
	// arrived. Fatal.
	ChannelEOF
	// FileIO is a local stat/open/read failure on a single file.
	// Recovered: the file is dropped from its segment and reported.
	FileIO
	// Encoding means a pathname could not be encoded in the
	// negotiated charset. The entry is dropped, not fatal.
	Encoding
	// Interrupted is a cooperative cancellation. Unwinds cleanly;
	// the run still reports it as an error.
	Interrupted
)

func (k Kind) String() string {
	switch k {
	case Protocol:
		return "protocol"
	case ChannelIO:
		return "channel_io"
	case ChannelEOF:
		return "channel_eof"
	case FileIO:
		return "file_io"
	case Encoding:
		return "encoding"
	case Interrupted:
		return "interrupted"
	default:
		return "unknown"
	}
}

// Error is the concrete error type returned across internal package
// boundaries. Path and Index are optional context, filled in where the
// failure is attributable to a specific entry.
type Error struct {
	Kind  Kind
	Path  string
	Index int
	Err   error
}

func (e *Error) Error() string {
	switch {
	case e.Path != "":
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Path, e.Err)
	case e.Index != 0:
		return fmt.Sprintf("%s: index %d: %v", e.Kind, e.Index, e.Err)
	default:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// New wraps err with the given Kind.
func New(kind Kind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

// WithPath wraps err with the given Kind and offending path.
func WithPath(kind Kind, path string, err error) *Error {
	return &Error{Kind: kind, Path: path, Err: err}
}

// WithIndex wraps err with the given Kind and offending index.
func WithIndex(kind Kind, index int, err error) *Error {
	return &Error{Kind: kind, Index: index, Err: err}
}

// Is reports whether err carries the given Kind. Callers preferring the
// standard dispatch idiom can use errors.As(err, new(*errs.Error))
// directly; this helper covers the common case.
func Is(err error, kind Kind) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Kind == kind
}
