package store

import "errors"

var (
	// ErrNotFound is returned when a referenced entry, episode or knowledge id does not exist.
	ErrNotFound = errors.New("not found")

	// ErrValidation is returned when input is rejected at the write boundary.
	ErrValidation = errors.New("validation failed")

	// ErrConstraint is returned when a write would break a record invariant.
	ErrConstraint = errors.New("constraint violation")

	// ErrConflict is returned when a concurrent writer won a race the caller lost,
	// e.g. two promotions of the same working entries.
	ErrConflict = errors.New("conflict")

	// ErrInvalidState is returned when an operation does not apply to the record's
	// current state, e.g. archiving an archived episode.
	ErrInvalidState = errors.New("invalid state")
)
