package store

import "errors"

var (
	// ErrNotFound is returned when a job or artifact does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned when a versioned artifact update lost the
	// race against a concurrent writer and the bounded retries ran out.
	ErrConflict = errors.New("conflict: concurrent artifact update")

	// ErrAlreadyProcessed is returned when a separation is attempted on a
	// job that already ran to completion or failure.
	ErrAlreadyProcessed = errors.New("job already processed")

	// ErrCanceled is returned when claiming a job that was canceled
	// before the worker started.
	ErrCanceled = errors.New("job canceled")
)
