// Package errs provides structured error types and helpers for the send pipeline.
package errs

import (
	"errors"
	"strconv"
	"strings"
)

// Code identifies a delivery-pipeline error category.
type Code string

const (
	// CodeInvalidEvent indicates an event rejected at submission time.
	CodeInvalidEvent Code = "invalid_event"
	// CodeDuplicateEcho indicates a local echo already exists for the transaction/room pair.
	CodeDuplicateEcho Code = "duplicate_echo"
	// CodeCryptoUnknownDevices indicates encryption failed because of unverified devices.
	CodeCryptoUnknownDevices Code = "crypto_unknown_devices"
	// CodeCryptoFailure indicates any other encryption failure.
	CodeCryptoFailure Code = "crypto_failure"
	// CodeNetwork indicates a retryable network transport failure.
	CodeNetwork Code = "network"
	// CodeServerRejected indicates the homeserver rejected the event permanently.
	CodeServerRejected Code = "server_rejected"
	// CodeCancelled indicates the user cancelled the send before completion.
	CodeCancelled Code = "cancelled"
	// CodeNotFound indicates a missing echo or resource.
	CodeNotFound Code = "not_found"
	// CodeConflict indicates a concurrent mutation conflict.
	CodeConflict Code = "conflict"
	// CodeUnavailable indicates a subsystem is temporarily unavailable.
	CodeUnavailable Code = "unavailable"
)

// E captures structured error information produced across the pipeline.
type E struct {
	Component string
	Code      Code
	HTTP      int
	Message   string

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the component and error code.
func New(component string, code Code, opts ...Option) *E {
	e := &E{
		Component: strings.TrimSpace(component),
		Code:      code,
		HTTP:      0,
		Message:   "",
		cause:     nil,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// WithMessage attaches a human-readable message to the error.
func WithMessage(message string) Option {
	trimmed := strings.TrimSpace(message)
	return func(e *E) {
		e.Message = trimmed
	}
}

// WithHTTP records the associated HTTP status code.
func WithHTTP(status int) Option {
	return func(e *E) {
		e.HTTP = status
	}
}

// WithCause sets the underlying cause error.
func WithCause(err error) Option {
	return func(e *E) {
		e.cause = err
	}
}

func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	var parts []string

	component := strings.TrimSpace(e.Component)
	if component == "" {
		component = "unknown"
	}
	parts = append(parts, "component="+component)

	code := strings.TrimSpace(string(e.Code))
	if code == "" {
		code = "unknown"
	}
	parts = append(parts, "code="+code)

	if e.HTTP > 0 {
		parts = append(parts, "http="+strconv.Itoa(e.HTTP))
	}
	if e.Message != "" {
		parts = append(parts, "message="+strconv.Quote(e.Message))
	}
	if e.cause != nil {
		parts = append(parts, "cause="+strconv.Quote(e.cause.Error()))
	}

	return strings.Join(parts, " ")
}

func (e *E) Unwrap() error { return e.cause }

// CodeOf extracts the pipeline error code from err, walking wrapped causes.
func CodeOf(err error) Code {
	var envelope *E
	if errors.As(err, &envelope) && envelope != nil {
		return envelope.Code
	}
	return ""
}

// Retryable reports whether err represents a transient failure worth retrying.
func Retryable(err error) bool {
	switch CodeOf(err) {
	case CodeNetwork, CodeUnavailable:
		return true
	default:
		return false
	}
}

// IsCode reports whether err carries the given pipeline error code.
func IsCode(err error, code Code) bool {
	return CodeOf(err) == code
}
