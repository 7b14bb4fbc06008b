package models

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound is returned for an unknown job, dataset or artifact id
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when the current state forbids the operation
	ErrConflict = errors.New("conflict")
)

// FieldViolation describes one invalid configuration field
type FieldViolation struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError is returned when a job request is rejected before any
// resource is allocated
type ValidationError struct {
	Violations []FieldViolation
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Violations))
	for _, v := range e.Violations {
		parts = append(parts, v.Field+": "+v.Message)
	}
	return "invalid job configuration: " + strings.Join(parts, "; ")
}

// Add records a violation
func (e *ValidationError) Add(field, format string, args ...any) {
	e.Violations = append(e.Violations, FieldViolation{Field: field, Message: fmt.Sprintf(format, args...)})
}

// OrNil returns e when it holds violations
func (e *ValidationError) OrNil() error {
	if len(e.Violations) == 0 {
		return nil
	}
	return e
}

// FatalWorkerError wraps an unrecoverable failure of the training collaborator.
// It moves the job to failed and is never retried.
type FatalWorkerError struct {
	Stage string
	Err   error
}

func (e *FatalWorkerError) Error() string {
	if e.Stage == "" {
		return e.Err.Error()
	}
	return e.Stage + ": " + e.Err.Error()
}

func (e *FatalWorkerError) Unwrap() error { return e.Err }
