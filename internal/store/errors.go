package store

import "errors"

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalidInput is returned when a record is missing its identifier.
	ErrInvalidInput = errors.New("invalid input")
)
