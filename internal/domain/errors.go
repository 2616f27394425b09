package domain

import "errors"

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalidInput is returned for malformed requests.
	ErrInvalidInput = errors.New("invalid input")

	// ErrUnknownAction is returned for actions outside the closed set or without an impact entry.
	ErrUnknownAction = errors.New("unknown action")

	// ErrInvalidConfig is returned when configuration fails validation.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrUserNotFound is returned when analysis is requested for a user the store does not know.
	ErrUserNotFound = errors.New("user not found")

	// ErrStoreUnavailable marks a decision that could not be made because persistence failed.
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrConflict is returned when a versioned write lost to a concurrent writer.
	ErrConflict = errors.New("write conflict")
)
