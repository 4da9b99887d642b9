// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"os"

	"github.com/jllopis/kairos-runner/pkg/errors"
)

// CLIError wraps an Error with a hint for the operator.
type CLIError struct {
	Err  *errors.Error
	Hint string
}

// NewCLIError creates a new CLI error.
func NewCLIError(e *errors.Error, hint string) *CLIError {
	return &CLIError{Err: e, Hint: hint}
}

// Error returns the message followed by the hint, if any.
func (e *CLIError) Error() string {
	if e.Err == nil {
		return "unknown error"
	}
	msg := e.Err.Error()
	if e.Hint != "" {
		msg += "\n  Hint: " + e.Hint
	}
	return msg
}

func (e *CLIError) Unwrap() error {
	if e.Err == nil {
		return nil
	}
	return e.Err
}

// PrintError prints the error to stderr.
func (e *CLIError) PrintError(asJSON bool) {
	e.write(os.Stderr, asJSON)
}

func (e *CLIError) write(w io.Writer, asJSON bool) {
	if e.Err == nil {
		fmt.Fprintln(w, "Error: unknown error")
		return
	}
	if asJSON {
		body := map[string]any{"error": map[string]string{
			"code":    string(e.Err.Code),
			"message": e.Err.Message,
			"hint":    e.Hint,
		}}
		_ = json.NewEncoder(w).Encode(body)
		return
	}
	fmt.Fprintf(w, "Error [%s]: %s\n", e.Err.Code, e.Err.Message)
	if e.Err.Err != nil {
		fmt.Fprintf(w, "  Cause: %v\n", e.Err.Err)
	}
	if e.Hint != "" {
		fmt.Fprintf(w, "  Hint: %s\n", e.Hint)
	}
}

// toCLIError attaches a hint based on the error code.
func toCLIError(err error) *CLIError {
	var cliErr *CLIError
	if stderrors.As(err, &cliErr) {
		return cliErr
	}
	e, ok := errors.As(err)
	if !ok {
		e = errors.New(errors.CodeInternal, err.Error(), nil)
	}
	var hint string
	switch e.Code {
	case errors.CodeStorage, errors.CodeStorageUnavailable, errors.CodeStorageTimeout:
		hint = "check store.driver and store.dsn"
	case errors.CodeSecretUnavailable:
		hint = "set secrets.master_key (KAIROS_SECRETS_MASTER_KEY)"
	case errors.CodeNotFound:
		hint = "list existing records with 'kairos-runner executions list'"
	case errors.CodeAgentTimeout:
		hint = "raise agent.timeout or simplify the prompt"
	}
	return NewCLIError(e, hint)
}

func wrapConfigError(err error, path string) *CLIError {
	e := errors.New(errors.CodeInvalidInput, "invalid configuration", err)
	if path != "" {
		e = e.WithContext("path", path)
	}
	return NewCLIError(e, "check the config file and KAIROS_* environment variables")
}
