package notify

import (
	"errors"
	"fmt"
)

// PermanentError marks a delivery failure that retrying cannot fix, such as
// rejected credentials or an invalid recipient.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return "permanent: " + e.Err.Error() }

// Unwrap returns the underlying cause.
func (e *PermanentError) Unwrap() error { return e.Err }

// TransientError marks a delivery failure that may succeed on retry.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return e.Err.Error() }

// Unwrap returns the underlying cause.
func (e *TransientError) Unwrap() error { return e.Err }

// Permanent wraps err as a *PermanentError.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// Permanentf formats a *PermanentError.
func Permanentf(format string, args ...any) error {
	return &PermanentError{Err: fmt.Errorf(format, args...)}
}

// Transient wraps err as a *TransientError.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// IsPermanent reports whether err should stop the retry loop. Errors that
// are neither permanent nor transient are treated as transient.
func IsPermanent(err error) bool {
	if err == nil {
		return false
	}
	var te *TransientError
	if errors.As(err, &te) {
		return false
	}
	var pe *PermanentError
	return errors.As(err, &pe)
}

