// ABOUTME: Failure taxonomy for the generative backend
// ABOUTME: Classify maps raw client errors to retryable and terminal classes

package inference

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"syscall"
)

// ErrInferenceUnavailable is wrapped by every error Answer returns. The turn
// degrades; the session continues.
var ErrInferenceUnavailable = errors.New("inference unavailable")

// Backend failure sentinels. Timeout, busy and connection reset are
// transient and retried; the rest are surfaced immediately.
var (
	ErrTimeout         = errors.New("backend timeout")
	ErrBusy            = errors.New("backend busy")
	ErrConnectionReset = errors.New("backend connection reset")
	ErrMalformedPrompt = errors.New("malformed prompt")
	ErrEmptyOutput     = errors.New("empty model output")
)

// Class is a backend failure class.
type Class string

const (
	ClassTimeout         Class = "timeout"
	ClassBusy            Class = "busy"
	ClassConnectionReset Class = "connection_reset"
	ClassMalformed       Class = "malformed"
	ClassEmptyOutput     Class = "empty_output"
	ClassCanceled        Class = "canceled"
	ClassUnknown         Class = "unknown"
)

// Transient reports whether failures of class c are worth retrying.
func (c Class) Transient() bool {
	switch c {
	case ClassTimeout, ClassBusy, ClassConnectionReset:
		return true
	}
	return false
}

func (c Class) sentinel() error {
	switch c {
	case ClassTimeout:
		return ErrTimeout
	case ClassBusy:
		return ErrBusy
	case ClassConnectionReset:
		return ErrConnectionReset
	case ClassMalformed:
		return ErrMalformedPrompt
	case ClassEmptyOutput:
		return ErrEmptyOutput
	case ClassCanceled:
		return context.Canceled
	}
	return nil
}

// BackendError is a classified generation failure.
type BackendError struct {
	Class Class
	Err   error
}

// NewBackendError wraps err with an explicit class.
func NewBackendError(class Class, err error) *BackendError {
	return &BackendError{Class: class, Err: err}
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("%s: %v", e.Class, e.Err)
}

func (e *BackendError) Unwrap() []error {
	if s := e.Class.sentinel(); s != nil {
		return []error{s, e.Err}
	}
	return []error{e.Err}
}

// Classify maps an error from a generator to a failure class.
func Classify(err error) Class {
	if err == nil {
		return ""
	}
	var be *BackendError
	if errors.As(err, &be) {
		return be.Class
	}
	switch {
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return ClassTimeout
	case errors.Is(err, ErrBusy):
		return ClassBusy
	case errors.Is(err, ErrConnectionReset),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.EPIPE),
		errors.Is(err, io.ErrUnexpectedEOF):
		return ClassConnectionReset
	case errors.Is(err, ErrMalformedPrompt):
		return ClassMalformed
	case errors.Is(err, ErrEmptyOutput):
		return ClassEmptyOutput
	case errors.Is(err, context.Canceled):
		return ClassCanceled
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ClassTimeout
	}

	// Status text from callers that do not go through statusTransport.
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "429"), strings.Contains(msg, "503"),
		strings.Contains(msg, "too many requests"), strings.Contains(msg, "overloaded"),
		strings.Contains(msg, "server busy"):
		return ClassBusy
	case strings.Contains(msg, "connection reset"), strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "broken pipe"):
		return ClassConnectionReset
	case strings.Contains(msg, "400"), strings.Contains(msg, "bad request"):
		return ClassMalformed
	}
	return ClassUnknown
}

// UnavailableError is the terminal failure of one Answer call.
type UnavailableError struct {
	Class    Class
	Attempts int
	Err      error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("inference unavailable after %d attempt(s) (%s): %v", e.Attempts, e.Class, e.Err)
}

func (e *UnavailableError) Unwrap() []error {
	return []error{ErrInferenceUnavailable, e.Err}
}
