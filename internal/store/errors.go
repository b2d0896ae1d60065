package store

import "errors"

var (
	// ErrNotFound is returned when a requested record is not found
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned when an operation conflicts with existing data
	ErrConflict = errors.New("conflict")

	// ErrLockHeld is returned when an agent lock is already held
	ErrLockHeld = errors.New("agent lock already held")

	// ErrInvalidTransition is returned when a status update would move a
	// command or replica outside its lifecycle order
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrModeConflict is returned when enabling one of the mutually
	// exclusive agent modes while the other is active
	ErrModeConflict = errors.New("auto-switch and manual-replica modes are mutually exclusive")
)
