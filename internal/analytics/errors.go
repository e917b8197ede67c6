package analytics

import (
	"errors"
	"fmt"
)

var (
	// ErrSourceUnavailable marks a source that could not be reached or
	// authenticated during a reconciliation pass.
	ErrSourceUnavailable = errors.New("source unavailable")

	// ErrNoDataAvailable is returned when no source produced data for the
	// requested window.
	ErrNoDataAvailable = errors.New("no data available for requested window")

	// ErrCapabilityUnsupported is returned by a source asked for something it
	// structurally cannot provide, e.g. user-level identity from an aggregate API.
	ErrCapabilityUnsupported = errors.New("capability not supported by this source")

	ErrMalformedRecord     = errors.New("malformed record")
	ErrUnattributedCountry = errors.New("country not set")
)

// AuthorizationError reports a credential that is missing, expired or lacks a
// required scope or permission. It is never retried.
type AuthorizationError struct {
	Source string
	Scope  string
	Reason string
	Err    error
}

func (e *AuthorizationError) Error() string {
	msg := "authorization failed for " + e.Source
	if e.Scope != "" {
		msg += " (scope " + e.Scope + ")"
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *AuthorizationError) Unwrap() error { return e.Err }

// TransientError wraps failures worth retrying: network hiccups, quota and
// rate limiting, 5xx responses.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return "transient: " + e.Err.Error() }

func (e *TransientError) Unwrap() error { return e.Err }

// Transient marks err as retryable. A nil err stays nil.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

func IsAuthorization(err error) bool {
	var ae *AuthorizationError
	return errors.As(err, &ae)
}

// RecordError describes one source row that could not be turned into a Record.
type RecordError struct {
	Source string
	Row    int
	Reason string
	Err    error
}

func (e *RecordError) Error() string {
	msg := fmt.Sprintf("%s row %d", e.Source, e.Row)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *RecordError) Unwrap() error { return e.Err }

func (e *RecordError) Is(target error) bool { return target == ErrMalformedRecord }

// SourceError attaches a source name to its fetch failure.
type SourceError struct {
	Source string
	Err    error
}

func (e *SourceError) Error() string { return e.Source + ": " + e.Err.Error() }

func (e *SourceError) Unwrap() []error { return []error{ErrSourceUnavailable, e.Err} }
