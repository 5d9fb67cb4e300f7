package resource

import (
	"errors"
	"fmt"
)

// Sentinel errors for resource operations.
var (
	// ErrNotFound indicates the resource directory does not exist.
	ErrNotFound = errors.New("resource not found")

	// ErrAlreadyExists indicates create was called for an id that already has metadata.
	ErrAlreadyExists = errors.New("resource already exists")

	// ErrInvalidArgument indicates a malformed id, document, or field value.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrCorruptData indicates persisted metadata that could not be decoded
	// into a JSON object.
	ErrCorruptData = errors.New("corrupt metadata")
)

// Error wraps resource failures with the operation and identity involved.
type Error struct {
	// Op is the operation that failed (e.g., "Create", "WriteDocument").
	Op string

	// Kind is the resource kind name (e.g., "job").
	Kind string

	// ID is the resource id as supplied by the caller.
	ID string

	// Err is the underlying error.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.ID != "" {
		return fmt.Sprintf("%s %s %q: %v", e.Kind, e.Op, e.ID, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Kind, e.Op, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *Error) Unwrap() error {
	return e.Err
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsAlreadyExists returns true if the error indicates a duplicate create.
func IsAlreadyExists(err error) bool {
	return errors.Is(err, ErrAlreadyExists)
}

// IsInvalidArgument returns true if the error indicates bad caller input.
func IsInvalidArgument(err error) bool {
	return errors.Is(err, ErrInvalidArgument)
}

// IsCorrupt returns true if the error indicates undecodable metadata.
func IsCorrupt(err error) bool {
	return errors.Is(err, ErrCorruptData)
}

// InvalidArgument builds an ErrInvalidArgument with a message.
func InvalidArgument(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidArgument, fmt.Sprintf(format, args...))
}
