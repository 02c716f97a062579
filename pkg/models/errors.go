package models

import "github.com/pkg/errors"

// Lifecycle rule violations, matched with errors.Is. Store-level failures
// (not found, version conflict, storage trouble) live in pkg/storage.
var (
	// ErrValidation marks malformed input rejected before any store access.
	ErrValidation = errors.New("validation failed")

	// ErrStateConflict marks an illegal status transition, an acquisition
	// race that exhausted its attempt budget, or a failed completion guard.
	ErrStateConflict = errors.New("state conflict")

	// ErrRetryExhausted marks a retry request on a task whose retry_count
	// has already reached max_retries.
	ErrRetryExhausted = errors.New("retry budget exhausted")
)
