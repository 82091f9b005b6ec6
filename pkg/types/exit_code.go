// SPDX-License-Identifier: MPL-2.0

package types

import (
	"errors"
	"fmt"
	"strconv"
)

// ErrInvalidExitCode is the sentinel error wrapped by InvalidExitCodeError.
var ErrInvalidExitCode = errors.New("invalid exit code")

const (
	// ExitCodeInterrupted is the conventional exit status of a process
	// terminated by SIGINT (128 + 2).
	ExitCodeInterrupted ExitCode = 130

	// ExitCodeUnknown marks an execution whose exit status could not be
	// determined, e.g. a non-blocking poll that timed out before the shell
	// printed a prompt.
	ExitCodeUnknown ExitCode = -1
)

type (
	// ExitCode represents a process exit status code.
	// Exit codes are in the range 0-255 on POSIX systems; ExitCodeUnknown (-1)
	// is the only out-of-range value with defined meaning.
	// The zero value (0) means success.
	ExitCode int

	// InvalidExitCodeError is returned when an ExitCode is outside the
	// valid range (0-255).
	InvalidExitCodeError struct {
		Value ExitCode
	}
)

// Error implements the error interface.
func (e *InvalidExitCodeError) Error() string {
	return fmt.Sprintf("invalid exit code %d (must be in range 0-255)", e.Value)
}

// Unwrap returns ErrInvalidExitCode so callers can use errors.Is for programmatic detection.
func (e *InvalidExitCodeError) Unwrap() error { return ErrInvalidExitCode }

// Validate returns an error if the ExitCode is outside the valid range (0-255).
// ExitCodeUnknown is accepted.
func (c ExitCode) Validate() error {
	if c == ExitCodeUnknown {
		return nil
	}
	if c < 0 || c > 255 {
		return &InvalidExitCodeError{Value: c}
	}
	return nil
}

// IsSuccess returns true if the exit code indicates successful execution.
func (c ExitCode) IsSuccess() bool { return c == 0 }

// IsInterrupt returns true if the exit code indicates termination by SIGINT.
func (c ExitCode) IsInterrupt() bool { return c == ExitCodeInterrupted }

// String returns the decimal string representation of the ExitCode.
func (c ExitCode) String() string { return strconv.Itoa(int(c)) }
