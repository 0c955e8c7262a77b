// LOCATION: internal/errors/errors.go
//
// This file provides:
// - Sentinel errors for all error conditions
// - Tier failure types (TierError, ExhaustedError)
// - Error category checking functions
// - HTTPStatus mapping for the API surface
// - Error wrapping utilities

package errors

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ============================================================================
// Sentinel errors for common conditions
// ============================================================================

var (
	// Lookup
	ErrNotFound = errors.New("not found")

	// Tier failures
	ErrTransient      = errors.New("transient tier failure")
	ErrTierOffline    = errors.New("tier offline")
	ErrTiersExhausted = errors.New("all tiers exhausted")
	ErrIntegrity      = errors.New("integrity check failed")

	// Validation errors
	ErrInvalidKey    = errors.New("invalid key")
	ErrInvalidValue  = errors.New("invalid value")
	ErrInvalidConfig = errors.New("invalid configuration")
	ErrMissingField  = errors.New("missing required field")

	// State errors
	ErrAlreadyRunning = errors.New("already running")
	ErrNotRunning     = errors.New("not running")
	ErrClosed         = errors.New("closed")
	ErrQueueFull      = errors.New("sync queue full")
)

// ============================================================================
// Tier failure types
// ============================================================================

// TierError reports a failed operation on one tier. It always matches
// ErrTransient so that retry policies can recognise it without knowing
// which backend produced it.
type TierError struct {
	Tier string
	Op   string
	Key  string
	Err  error
}

// NewTierError wraps err as a failure of op on tier. A nil err stays nil.
func NewTierError(tier, op, key string, err error) error {
	if err == nil {
		return nil
	}
	return &TierError{Tier: tier, Op: op, Key: key, Err: err}
}

func (e *TierError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("%s %s: %v", e.Tier, e.Op, e.Err)
	}
	return fmt.Sprintf("%s %s %q: %v", e.Tier, e.Op, e.Key, e.Err)
}

func (e *TierError) Unwrap() error { return e.Err }

// Is reports whether target is ErrTransient.
func (e *TierError) Is(target error) bool { return target == ErrTransient }

// ExhaustedError is returned when every tier in a fallback chain failed a
// single operation. Causes holds one error per tier attempted, in order.
type ExhaustedError struct {
	Op     string
	Key    string
	Causes []error
}

func (e *ExhaustedError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %q: %d tiers failed", e.Op, e.Key, len(e.Causes))
	for _, c := range e.Causes {
		b.WriteString("; ")
		b.WriteString(c.Error())
	}
	return b.String()
}

func (e *ExhaustedError) Unwrap() []error { return e.Causes }

// Is reports whether target is ErrTiersExhausted.
func (e *ExhaustedError) Is(target error) bool { return target == ErrTiersExhausted }

// NewIntegrity builds an integrity error for a record read from source.
func NewIntegrity(key, source, want, got string) error {
	return fmt.Errorf("%s %q: hash %s does not match content %s: %w",
		source, key, short(want), short(got), ErrIntegrity)
}

func short(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}

// ============================================================================
// Helper functions for error checking
// ============================================================================

// Is is a convenience wrapper for errors.Is
var Is = errors.Is

// As is a convenience wrapper for errors.As
var As = errors.As

// Join is a convenience wrapper for errors.Join
var Join = errors.Join

// New is a convenience wrapper for errors.New
var New = errors.New

// IsNotFound returns true if err is a not-found error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsIntegrity returns true if err reports a hash mismatch.
func IsIntegrity(err error) bool {
	return errors.Is(err, ErrIntegrity)
}

// IsExhausted returns true if every tier failed.
func IsExhausted(err error) bool {
	return errors.Is(err, ErrTiersExhausted)
}

// IsValidation returns true if err is a validation error.
func IsValidation(err error) bool {
	return errors.Is(err, ErrInvalidKey) ||
		errors.Is(err, ErrInvalidValue) ||
		errors.Is(err, ErrInvalidConfig) ||
		errors.Is(err, ErrMissingField)
}

// IsStateError returns true if err is a lifecycle error.
func IsStateError(err error) bool {
	return errors.Is(err, ErrAlreadyRunning) ||
		errors.Is(err, ErrNotRunning) ||
		errors.Is(err, ErrClosed)
}

// IsRetriable returns true if the error is potentially retriable.
// Missing keys, corrupt data, invalid input, a closed store and ended
// contexts are final. Any other failure gets another attempt, whether or
// not the backend classified it.
func IsRetriable(err error) bool {
	if err == nil || IsNotFound(err) || IsIntegrity(err) || IsValidation(err) {
		return false
	}
	if errors.Is(err, ErrClosed) {
		return false
	}
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

// ============================================================================
// Error to HTTP status mapping
// ============================================================================

// HTTPStatus maps an error to the status code the API answers with.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case IsNotFound(err):
		return http.StatusNotFound
	case IsValidation(err):
		return http.StatusBadRequest
	case IsExhausted(err), Is(err, ErrClosed), Is(err, ErrQueueFull):
		return http.StatusServiceUnavailable
	case Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// ============================================================================
// Error wrapping utilities
// ============================================================================

// Wrap wraps an error with additional context.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with formatted context.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

// ============================================================================
// Error constructors with context
// ============================================================================

// NewNotFound creates a not-found error with context.
func NewNotFound(entityType, identifier string) error {
	return fmt.Errorf("%s '%s': %w", entityType, identifier, ErrNotFound)
}

// NewValidation creates a validation error with context.
func NewValidation(field, reason string) error {
	return fmt.Errorf("invalid %s: %s: %w", field, reason, ErrInvalidConfig)
}

// NewMissingField creates a missing field error.
func NewMissingField(field string) error {
	return fmt.Errorf("%s: %w", field, ErrMissingField)
}

// NewInvalidValue creates an invalid value error.
func NewInvalidValue(field string, value interface{}, reason string) error {
	return fmt.Errorf("invalid %s '%v': %s: %w", field, value, reason, ErrInvalidConfig)
}

// ============================================================================
// Validation Errors Collection
// ============================================================================

// ValidationErrors collects multiple validation errors.
type ValidationErrors struct {
	Errors []error
}

// NewValidationErrors creates a new ValidationErrors collector.
func NewValidationErrors() *ValidationErrors {
	return &ValidationErrors{}
}

// Add adds an error to the collection.
func (v *ValidationErrors) Add(err error) {
	if err != nil {
		v.Errors = append(v.Errors, err)
	}
}

// AddField adds a field validation error.
func (v *ValidationErrors) AddField(field, reason string) {
	v.Errors = append(v.Errors, NewValidation(field, reason))
}

// AddMissing adds a missing field error.
func (v *ValidationErrors) AddMissing(field string) {
	v.Errors = append(v.Errors, NewMissingField(field))
}

// HasErrors returns true if there are any errors.
func (v *ValidationErrors) HasErrors() bool {
	return len(v.Errors) > 0
}

// Error implements the error interface.
func (v *ValidationErrors) Error() string {
	if len(v.Errors) == 0 {
		return ""
	}
	if len(v.Errors) == 1 {
		return v.Errors[0].Error()
	}

	msg := fmt.Sprintf("validation failed with %d errors:", len(v.Errors))
	for _, err := range v.Errors {
		msg += "\n  - " + err.Error()
	}
	return msg
}

// Err returns nil if no errors, otherwise returns the ValidationErrors.
func (v *ValidationErrors) Err() error {
	if len(v.Errors) == 0 {
		return nil
	}
	return v
}

// Unwrap returns the collected errors for errors.Is/As support.
func (v *ValidationErrors) Unwrap() []error {
	return v.Errors
}
