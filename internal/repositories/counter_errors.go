package repositories

import (
	"errors"
	"fmt"
)

// CounterErrorCode classifies sequence allocation failures so callers can map
// them onto HTTP statuses without string matching.
type CounterErrorCode string

const (
	CounterErrorUnknown      CounterErrorCode = "counter_unknown"
	CounterErrorInvalidInput CounterErrorCode = "counter_invalid_input"
	// CounterErrorExhausted means the sequence hit its configured ceiling.
	// Order number ranges are pre-staged per year; hitting this in production
	// means the range was sized too small.
	CounterErrorExhausted CounterErrorCode = "counter_exhausted"
)

// CounterError carries a classified sequence failure.
type CounterError struct {
	Op      string
	Code    CounterErrorCode
	Message string
	Err     error
}

func (e *CounterError) Error() string {
	if e == nil {
		return ""
	}
	if e.Op == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Message)
}

func (e *CounterError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// NewCounterError builds a classified counter error. An empty message falls
// back to the code itself.
func NewCounterError(code CounterErrorCode, message string, err error) *CounterError {
	if message == "" {
		message = string(code)
	}
	return &CounterError{Code: code, Message: message, Err: err}
}

// CounterErrorCodeOf extracts the classification from an error chain,
// returning CounterErrorUnknown when no CounterError is present.
func CounterErrorCodeOf(err error) CounterErrorCode {
	var counterErr *CounterError
	if errors.As(err, &counterErr) {
		return counterErr.Code
	}
	return CounterErrorUnknown
}
