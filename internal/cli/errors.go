// Package cli provides shared configuration and utilities for the dls CLI.
package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/pthm/dls"
)

// Process exit codes.
const (
	ExitSuccess   = 0
	ExitGeneral   = 1
	ExitConfig    = 2
	ExitScopes    = 3
	ExitDBConnect = 4
	// ExitDenied is returned by `dls check` when the action is not allowed.
	ExitDenied = 5
)

// ExitError wraps an error with an exit code.
type ExitError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// ExitWithError prints the error and exits with the appropriate code.
func ExitWithError(err error) {
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		fmt.Fprintln(os.Stderr, "Error:", exitErr.Error())
		os.Exit(exitErr.Code)
	}
	fmt.Fprintln(os.Stderr, "Error:", err)
	os.Exit(ExitGeneral)
}

// ConfigError creates an ExitError with ExitConfig code.
func ConfigError(msg string, err error) *ExitError {
	return &ExitError{Code: ExitConfig, Message: msg, Err: err}
}

// ScopesError creates an ExitError with ExitScopes code.
func ScopesError(msg string, err error) *ExitError {
	return &ExitError{Code: ExitScopes, Message: msg, Err: err}
}

// DBConnectError creates an ExitError with ExitDBConnect code.
func DBConnectError(msg string, err error) *ExitError {
	return &ExitError{Code: ExitDBConnect, Message: msg, Err: err}
}

// GeneralError creates an ExitError with ExitGeneral code.
func GeneralError(msg string, err error) *ExitError {
	return &ExitError{Code: ExitGeneral, Message: msg, Err: err}
}

// DeniedError creates an ExitError with ExitDenied code.
func DeniedError(msg string) *ExitError {
	return &ExitError{Code: ExitDenied, Message: msg}
}

// ServiceError wraps a dls service error. Transient errors map to
// ExitDBConnect, everything else to ExitGeneral.
func ServiceError(msg string, err error) *ExitError {
	if errors.Is(err, dls.ErrTransient) {
		return DBConnectError(msg, err)
	}
	return GeneralError(msg, err)
}
