package types

import (
	"errors"
	"fmt"
)

// Sentinel errors shared across packages.
var (
	ErrInvalidThresholds   = errors.New("invalid threshold set")
	ErrCaptureFault        = errors.New("audio capture fault")
	ErrInsufficientSamples = errors.New("insufficient samples captured")
	ErrInvalidDevice       = errors.New("invalid audio device")
	ErrLocationLookup      = errors.New("location lookup failed")
)

// CaptureError reports that the audio input stopped producing frames.
// It is fatal to the monitoring loop.
type CaptureError struct {
	Device string
	Err    error
}

func (e *CaptureError) Error() string {
	return fmt.Sprintf("capture from %q: %v", e.Device, e.Err)
}

// Unwrap returns the underlying cause.
func (e *CaptureError) Unwrap() error { return e.Err }

// Is matches ErrCaptureFault.
func (e *CaptureError) Is(target error) bool { return target == ErrCaptureFault }

// CalibrationError reports a failed calibration run.
type CalibrationError struct {
	Readings int
	Err      error
}

func (e *CalibrationError) Error() string {
	return fmt.Sprintf("calibration failed after %d readings: %v", e.Readings, e.Err)
}

// Unwrap returns the underlying cause.
func (e *CalibrationError) Unwrap() error { return e.Err }

// FieldError represents a validation error for a specific field.
type FieldError struct {
	Field   string `json:"field"`   // JSON path to the field (e.g., "thresholds.silence_db")
	Message string `json:"message"` // Human-readable error message
	Value   any    `json:"value"`   // The invalid value that was provided
}

// ValidationError collects multiple field validation errors.
type ValidationError struct {
	Errors []FieldError `json:"errors"`
}

// NewValidationError creates a new empty ValidationError.
func NewValidationError() *ValidationError {
	return &ValidationError{
		Errors: make([]FieldError, 0),
	}
}

// Add adds a field error to the collection.
func (v *ValidationError) Add(field, message string, value any) {
	v.Errors = append(v.Errors, FieldError{
		Field:   field,
		Message: message,
		Value:   value,
	})
}

// HasErrors reports whether any field errors were collected.
func (v *ValidationError) HasErrors() bool {
	return len(v.Errors) > 0
}

func (v *ValidationError) Error() string {
	if len(v.Errors) == 0 {
		return "validation failed"
	}
	first := v.Errors[0]
	if len(v.Errors) == 1 {
		return fmt.Sprintf("invalid %s: %s", first.Field, first.Message)
	}
	return fmt.Sprintf("invalid %s: %s (and %d more)", first.Field, first.Message, len(v.Errors)-1)
}
