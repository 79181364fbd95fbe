package domain

import "errors"

var (
	// ErrNotFound is returned when no row matches the lookup or conditional update.
	ErrNotFound = errors.New("not found")

	// ErrTransitionDenied is returned when a guarded status update finds the job
	// in a status the transition does not start from.
	ErrTransitionDenied = errors.New("status transition denied")
)
