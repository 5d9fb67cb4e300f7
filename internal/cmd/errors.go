package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/fulmenhq/gofulmen/foundry"

	"github.com/3leaps/labmeta/pkg/filestore"
	"github.com/3leaps/labmeta/pkg/resource"
)

// ExitError carries the process exit code for a failed command.
type ExitError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("%s: %v (exit code %d)", e.Message, e.Err, e.Code)
}

func (e *ExitError) Unwrap() error { return e.Err }

// exitError creates an error that will cause the CLI to exit with the given code.
func exitError(code int, message string, err error) error {
	return &ExitError{Code: code, Message: message, Err: err}
}

// ExitCode returns the exit code for err: 0 for nil, the carried code for
// an ExitError, 1 otherwise.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var ee *ExitError
	if errors.As(err, &ee) {
		return ee.Code
	}
	return 1
}

// storeError picks an exit code from the error category of a store call.
func storeError(message string, err error) error {
	var ee *ExitError
	if errors.As(err, &ee) {
		return err
	}
	switch {
	case errors.Is(err, context.Canceled):
		return exitError(foundry.ExitSignalInt, "Interrupted", err)
	case resource.IsNotFound(err), filestore.IsNotFound(err):
		return exitError(foundry.ExitFileNotFound, message, err)
	case resource.IsInvalidArgument(err), resource.IsAlreadyExists(err), errors.Is(err, filestore.ErrInvalidPath):
		return exitError(foundry.ExitInvalidArgument, message, err)
	case resource.IsCorrupt(err):
		return exitError(foundry.ExitFileReadError, message, err)
	case filestore.IsUnavailable(err), filestore.IsAccessDenied(err):
		return exitError(foundry.ExitExternalServiceUnavailable, message, err)
	default:
		return exitError(foundry.ExitFileWriteError, message, err)
	}
}
