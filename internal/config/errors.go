package config

import "errors"

var (
	// ErrNotFound is returned when a requested resource does not exist in the store.
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned when a conditional write lost a race against
	// another writer (e.g. two concurrent rotations of the same key).
	ErrConflict = errors.New("conflict")
)
