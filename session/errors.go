package session

import (
	"errors"
	"fmt"
)

// ErrSessionNotFound is returned for unknown ids and for sessions that
// reached the failed state.
var ErrSessionNotFound = errors.New("session: not found")

// ErrSessionClosing is returned when an operation reaches a session
// that is shutting down.
var ErrSessionClosing = errors.New("session: closing")

// ErrContextNotFound is returned for unknown tab context ids.
var ErrContextNotFound = errors.New("session: context not found")

// ErrManagerClosed is returned after the manager shut down.
var ErrManagerClosed = errors.New("session: manager closed")

// CreationError wraps a failure to bring a session to the active state.
type CreationError struct {
	Err error
}

func (e *CreationError) Error() string {
	return fmt.Sprintf("session: create: %v", e.Err)
}

func (e *CreationError) Unwrap() error { return e.Err }
