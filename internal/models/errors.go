package models

import (
	"errors"
	"fmt"
)

// ValidationError represents malformed input detected before any pipeline phase runs.
type ValidationError struct {
	Field   string
	Value   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("invalid %s %q: %s", e.Field, e.Value, e.Message)
}

// IsTransient returns false as validation errors are permanent
func (e *ValidationError) IsTransient() bool {
	return false
}

// TransportError is a network or API failure for one fetch window.
// Re-running the pipeline is the retry strategy.
type TransportError struct {
	Window     FetchWindow
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("transport error for window %s: status %d: %v", e.Window, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("transport error for window %s: %v", e.Window, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// IsTransient returns true; the window can be fetched again.
func (e *TransportError) IsTransient() bool {
	return true
}

// ShapeError means the response did not carry the expected record array.
type ShapeError struct {
	Window  FetchWindow
	Key     string
	Message string
}

func (e *ShapeError) Error() string {
	return fmt.Sprintf("unexpected response shape for window %s (key %q): %s", e.Window, e.Key, e.Message)
}

// IsTransient returns false as the API contract itself was violated
func (e *ShapeError) IsTransient() bool {
	return false
}

// MergeError wraps a staging or upsert failure. The merge transaction has been
// rolled back, so the batch can be merged again.
type MergeError struct {
	Stage string
	Err   error
}

func (e *MergeError) Error() string {
	return fmt.Sprintf("merge failed during %s: %v", e.Stage, e.Err)
}

func (e *MergeError) Unwrap() error { return e.Err }

// IsTransient returns true; merges are idempotent.
func (e *MergeError) IsTransient() bool {
	return true
}

// PartialRecordError marks a single record that was skipped.
type PartialRecordError struct {
	EventID string
	Reason  string
	Err     error
}

func (e *PartialRecordError) Error() string {
	msg := "skipped record"
	if e.EventID != "" {
		msg += " " + e.EventID
	}
	msg += ": " + e.Reason
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *PartialRecordError) Unwrap() error { return e.Err }

// IsTransient returns false as the record itself is malformed
func (e *PartialRecordError) IsTransient() bool {
	return false
}

// IsTransient reports whether err (or anything it wraps) is marked transient.
func IsTransient(err error) bool {
	var t interface{ IsTransient() bool }
	if errors.As(err, &t) {
		return t.IsTransient()
	}
	return false
}
