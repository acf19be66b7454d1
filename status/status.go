// Package status classifies errors by the party responsible for them.
// The invoice retry loop and the HTTP layers branch solely on this
// classification, never on concrete error types.
package status

import (
	"errors"
	"fmt"
)

// Source identifies which side of the gateway caused an error.
type Source uint8

const (
	// SourceDownstream marks caller errors: bad input, missing
	// metadata references, unknown partitions, out-of-range amounts.
	// Never retried.
	SourceDownstream Source = iota

	// SourceUpstream marks dependency failures: node unreachable, RPC
	// error, timeout. Retried under the configured backoff.
	SourceUpstream

	// SourceInternal marks invariant violations, serialization
	// failures and configuration errors. Not retried.
	SourceInternal
)

// String returns the human readable name of the source.
func (s Source) String() string {
	switch s {
	case SourceDownstream:
		return "downstream"
	case SourceUpstream:
		return "upstream"
	case SourceInternal:
		return "internal"
	default:
		return fmt.Sprintf("unknown<%d>", s)
	}
}

// Error is an error with a source classification attached.
type Error struct {
	// Source is the classification of the wrapped error.
	Source Source

	// Err is the underlying error.
	Err error
}

// Error returns the error string of the wrapped error.
//
// NOTE: This is part of the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("%v error: %v", e.Source, e.Err)
}

// Unwrap returns the wrapped error.
func (e *Error) Unwrap() error {
	return e.Err
}

// WithSource wraps err with the given source classification. A nil err
// returns nil.
func WithSource(source Source, err error) error {
	if err == nil {
		return nil
	}

	return &Error{Source: source, Err: err}
}

// Downstreamf creates a new downstream-classified error from the given
// format string.
func Downstreamf(format string, args ...interface{}) error {
	return WithSource(SourceDownstream, fmt.Errorf(format, args...))
}

// Upstreamf creates a new upstream-classified error from the given
// format string.
func Upstreamf(format string, args ...interface{}) error {
	return WithSource(SourceUpstream, fmt.Errorf(format, args...))
}

// Internalf creates a new internal-classified error from the given
// format string.
func Internalf(format string, args ...interface{}) error {
	return WithSource(SourceInternal, fmt.Errorf(format, args...))
}

// SourceOf extracts the classification of err. Errors that carry no
// classification are treated as internal, since they indicate a code
// path that failed without declaring who is at fault.
func SourceOf(err error) Source {
	var classified *Error
	if errors.As(err, &classified) {
		return classified.Source
	}

	return SourceInternal
}
