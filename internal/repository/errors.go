package repository

import "errors"

var (
	// ErrNotFound indicates an entity was not located.
	ErrNotFound = errors.New("repository: not found")
	// ErrConflict indicates a uniqueness constraint would be violated.
	ErrConflict = errors.New("repository: conflict")
	// ErrInvalidArgument indicates malformed input such as a non-uuid identifier.
	ErrInvalidArgument = errors.New("repository: invalid argument")
)
