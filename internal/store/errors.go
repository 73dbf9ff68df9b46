package store

import "errors"

var (
	// ErrDuplicateID is returned by AddTask when the explicit ID already
	// exists; the store is left untouched.
	ErrDuplicateID = errors.New("task id already exists")

	// ErrQueueFull is returned by AddTask once the queue holds the
	// configured maximum number of tasks.
	ErrQueueFull = errors.New("queue is full")

	// ErrNotFound is returned when a task id does not exist in the store.
	ErrNotFound = errors.New("task not found")

	// ErrCorruptState marks a persisted document that failed validation and
	// could not be recovered from any backup tier.
	ErrCorruptState = errors.New("corrupt queue state")

	// ErrQueuePaused is returned by mutating admission when the queue is
	// administratively paused.
	ErrQueuePaused = errors.New("queue is paused")
)
