// SPDX-License-Identifier: Apache-2.0
// Package errors provides typed errors for the runner pipeline.
//
// Every failure that crosses a component boundary carries an ErrorCode. The
// code is the stable discriminator: retry decisions, HTTP status mapping and
// sanitisation all switch on it, never on the message text.
package errors

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
)

// ErrorCode classifies runner errors for recovery and monitoring.
type ErrorCode string

const (
	// CodeInternal indicates an unexpected internal failure.
	CodeInternal ErrorCode = "INTERNAL"

	// CodeInvalidInput indicates a client-caused validation failure.
	CodeInvalidInput ErrorCode = "INVALID_INPUT"

	// CodeNotFound indicates a missing entity.
	CodeNotFound ErrorCode = "NOT_FOUND"

	// CodeConflict indicates a state transition that is no longer allowed.
	CodeConflict ErrorCode = "CONFLICT"

	// CodeTimeout indicates a generic operation exceeded its deadline.
	CodeTimeout ErrorCode = "TIMEOUT"

	// CodeAgentError indicates the agent run failed.
	CodeAgentError ErrorCode = "AGENT_ERROR"

	// CodeAgentTimeout indicates the agent run exceeded its deadline.
	CodeAgentTimeout ErrorCode = "AGENT_TIMEOUT"

	// CodeStorage indicates a non-retryable storage failure.
	CodeStorage ErrorCode = "STORAGE_ERROR"

	// CodeStorageUnavailable indicates a connection-class storage failure.
	CodeStorageUnavailable ErrorCode = "STORAGE_UNAVAILABLE"

	// CodeStorageTimeout indicates a storage query exceeded its deadline.
	CodeStorageTimeout ErrorCode = "STORAGE_TIMEOUT"

	// CodeLLMError indicates the classifier language capability failed.
	CodeLLMError ErrorCode = "LLM_ERROR"

	// CodeSecretUnavailable indicates a secret could not be decrypted.
	CodeSecretUnavailable ErrorCode = "SECRET_UNAVAILABLE"
)

// Error is a typed error with context for observability.
// It implements the error interface and can be unwrapped with errors.As().
type Error struct {
	Code        ErrorCode
	Message     string
	Err         error
	Context     map[string]any
	Recoverable bool
	StatusCode  int
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap implements errors.Unwrap for error chain traversal.
func (e *Error) Unwrap() error {
	return e.Err
}

// MarshalJSON renders the error for structured logs.
func (e *Error) MarshalJSON() ([]byte, error) {
	var cause string
	if e.Err != nil {
		cause = e.Err.Error()
	}
	return json.Marshal(struct {
		Code        string         `json:"code"`
		Message     string         `json:"message"`
		Cause       string         `json:"cause,omitempty"`
		Context     map[string]any `json:"context,omitempty"`
		Recoverable bool           `json:"recoverable"`
	}{
		Code:        string(e.Code),
		Message:     e.Message,
		Cause:       cause,
		Context:     e.Context,
		Recoverable: e.Recoverable,
	})
}

// New creates an Error with the given code, message and cause.
func New(code ErrorCode, msg string, cause error) *Error {
	return &Error{
		Code:        code,
		Message:     msg,
		Err:         cause,
		Context:     make(map[string]any),
		Recoverable: defaultRecoverable(code),
		StatusCode:  codeToStatusCode(code),
	}
}

// Newf creates an Error without a cause using a formatted message.
func Newf(code ErrorCode, format string, args ...any) *Error {
	return New(code, fmt.Sprintf(format, args...), nil)
}

// WithContext adds a key-value pair to the error context.
func (e *Error) WithContext(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// WithRecoverable overrides whether the error can be recovered from.
func (e *Error) WithRecoverable(recoverable bool) *Error {
	e.Recoverable = recoverable
	return e
}

// As returns the first *Error in err's chain.
func As(err error) (*Error, bool) {
	var e *Error
	if stderrors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// CodeOf returns the code of the first *Error in err's chain, or CodeInternal.
func CodeOf(err error) ErrorCode {
	if e, ok := As(err); ok {
		return e.Code
	}
	return CodeInternal
}

// HasCode reports whether err's chain holds an *Error with the given code.
func HasCode(err error, code ErrorCode) bool {
	for err != nil {
		var e *Error
		if !stderrors.As(err, &e) {
			return false
		}
		if e.Code == code {
			return true
		}
		err = e.Err
	}
	return false
}

// IsTransient reports whether err is a storage failure that is safe to retry:
// connection failures and storage query timeouts.
func IsTransient(err error) bool {
	return HasCode(err, CodeStorageUnavailable) || HasCode(err, CodeStorageTimeout)
}

// Is, Unwrap and Join re-export the standard helpers so callers need one import.
var (
	Is     = stderrors.Is
	Unwrap = stderrors.Unwrap
	Join   = stderrors.Join
)

func defaultRecoverable(code ErrorCode) bool {
	switch code {
	case CodeStorageUnavailable, CodeStorageTimeout, CodeTimeout:
		return true
	}
	return false
}

// codeToStatusCode maps error codes to HTTP status codes.
func codeToStatusCode(code ErrorCode) int {
	switch code {
	case CodeInvalidInput:
		return 400
	case CodeNotFound:
		return 404
	case CodeConflict:
		return 409
	case CodeStorageUnavailable:
		return 503
	case CodeAgentTimeout, CodeStorageTimeout, CodeTimeout:
		return 504
	default:
		return 500
	}
}
