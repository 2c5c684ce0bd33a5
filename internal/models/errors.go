package models

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors shared across the transfer services.
var (
	// ErrTaskCancelled means the item is no longer applicable (deleted,
	// already transferred, no longer eligible). Not a failure: the task
	// row is removed without running failure hooks.
	ErrTaskCancelled = errors.New("task no longer applicable")

	// ErrDrainInProgress is returned when a drain is requested while one
	// is already running for the same direction.
	ErrDrainInProgress = errors.New("drain already in progress")

	// ErrAttachmentNotFound is returned by the store for unknown ids.
	ErrAttachmentNotFound = errors.New("attachment not found")

	// ErrTaskNotFound is returned by the store for unknown task keys.
	ErrTaskNotFound = errors.New("task not found")
)

// RetryableError marks a transient per-item failure. The task row is kept
// and its retry metadata updated according to the fields below.
type RetryableError struct {
	Err error

	// RetryAfter is an explicit resume delay (server-provided waits).
	// Zero means the caller's backoff policy applies.
	RetryAfter time.Duration

	// SkipBackoff keeps the retry counter and row untouched, for failures
	// that are expected to clear on their own.
	SkipBackoff bool

	// StopQueue stops the whole drain after this item, for failures that
	// doom every other pending item equally.
	StopQueue bool
}

func (e *RetryableError) Error() string {
	return fmt.Sprintf("retryable: %v", e.Err)
}

func (e *RetryableError) Unwrap() error { return e.Err }

// UnretryableError marks a permanent per-item failure. The task row is
// removed and the failure hook runs.
type UnretryableError struct {
	Err error

	// StopQueue stops the whole drain after this item.
	StopQueue bool
}

func (e *UnretryableError) Error() string {
	return fmt.Sprintf("unretryable: %v", e.Err)
}

func (e *UnretryableError) Unwrap() error { return e.Err }

// StatusError reports that the queue status gate blocked an attempt.
type StatusError struct {
	Status QueueStatus
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("queue blocked: %s", e.Status)
}

// AsRetryable extracts a RetryableError if err carries one.
func AsRetryable(err error) (*RetryableError, bool) {
	var re *RetryableError
	if errors.As(err, &re) {
		return re, true
	}
	return nil, false
}

// AsUnretryable extracts an UnretryableError if err carries one.
func AsUnretryable(err error) (*UnretryableError, bool) {
	var ue *UnretryableError
	if errors.As(err, &ue) {
		return ue, true
	}
	return nil, false
}
