// Copyright 2025 Thiago Bauken
// SPDX-License-Identifier: Apache-2.0

package syncengine

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when a record does not exist in the local snapshot
// store.
var ErrNotFound = errors.New("record not found")

// ErrSyncPaused is returned by manual sync triggers while syncing is paused
// (either explicitly or after an authentication failure).
var ErrSyncPaused = errors.New("sync is paused")

// ValidationError reports a malformed mutation or a remote 4xx rejection.
// Mutations failing validation are never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("validation failed: %s", e.Reason)
}

// TransientNetworkError wraps timeouts, connection failures and 5xx responses.
// These are retried with backoff.
type TransientNetworkError struct {
	Op  string
	Err error
}

func (e *TransientNetworkError) Error() string {
	return fmt.Sprintf("transient network error during %s: %v", e.Op, e.Err)
}

func (e *TransientNetworkError) Unwrap() error { return e.Err }

// AuthError reports a 401/403 response or an expired token. Syncing is paused
// and the condition surfaced to the caller; it is not retried automatically.
type AuthError struct {
	StatusCode int
	Reason     string
}

func (e *AuthError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("authentication failed (status %d): %s", e.StatusCode, e.Reason)
	}
	return fmt.Sprintf("authentication failed: %s", e.Reason)
}

// PermanentFailure reports a mutation that exceeded the retry ceiling and was
// moved to the dead-letter set.
type PermanentFailure struct {
	MutationID string
	Reason     string
}

func (e *PermanentFailure) Error() string {
	return fmt.Sprintf("mutation %s failed permanently: %s", e.MutationID, e.Reason)
}

// IsTransient reports whether err should be retried with backoff.
func IsTransient(err error) bool {
	var te *TransientNetworkError
	return errors.As(err, &te)
}

// IsAuth reports whether err is an authentication failure.
func IsAuth(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}

// IsValidation reports whether err marks a payload the server (or the engine)
// rejected as invalid.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
