package repository

import "errors"

var (
	// ErrNotFound means the requested row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict means a write lost a race against a uniqueness
	// constraint, e.g. two callers creating an active session for the
	// same (user, chat) pair or two compaction jobs writing the same
	// summary version.
	ErrConflict = errors.New("conflict")
)
