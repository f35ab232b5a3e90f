package conflict

import "errors"

var (
	// ErrInvariantViolation reports a programming error, such as comparing
	// versions of two different records.
	ErrInvariantViolation = errors.New("invariant violation")
	// ErrNoConflict is returned when classification is asked for a pair that
	// does not differ.
	ErrNoConflict = errors.New("versions do not conflict")
	// ErrDuplicateConflict is returned by Store.Add when the record already
	// has an unresolved conflict.
	ErrDuplicateConflict = errors.New("record already has an unresolved conflict")
	// ErrNotFound is returned for unknown or already resolved conflict ids.
	ErrNotFound = errors.New("conflict not found")
	// ErrInvalidStrategy is returned when the requested strategy cannot be
	// applied to the conflict.
	ErrInvalidStrategy = errors.New("invalid resolution strategy")
	// ErrIncompleteMerge is returned when a merge lacks a choice for a
	// differing field.
	ErrIncompleteMerge = errors.New("incomplete merge")
	// ErrPersistenceFailed wraps failures of the local store collaborator.
	ErrPersistenceFailed = errors.New("persistence failed")
)
