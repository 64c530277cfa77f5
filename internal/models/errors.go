package models

import (
	"errors"
	"fmt"
	"strings"
)

// ValidationError reports a signal that is missing required fields.
type ValidationError struct {
	SignalID string
	Missing  []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid signal %q: missing %s", e.SignalID, strings.Join(e.Missing, ", "))
}

// PersistenceError wraps a store failure for one unit of work.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// ExternalServiceError wraps a failed or timed-out analysis service call.
type ExternalServiceError struct {
	Provider string
	Timeout  bool
	Err      error
}

func (e *ExternalServiceError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("%s analysis call timed out: %v", e.Provider, e.Err)
	}
	return fmt.Sprintf("%s analysis call failed: %v", e.Provider, e.Err)
}

func (e *ExternalServiceError) Unwrap() error {
	return e.Err
}

// ParseError reports an analysis response that could not be decoded.
type ParseError struct {
	Excerpt string
	Err     error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("unparseable analysis response %q: %v", e.Excerpt, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// ErrNotFound is returned by lookups that find no row.
var ErrNotFound = errors.New("not found")

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}
