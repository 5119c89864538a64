// ABOUTME: Sentinel errors for the session lifecycle and registry.
// ABOUTME: Callers discriminate with errors.Is; messages carry the session context.

package session

import "errors"

// ErrConflict indicates a duplicate session name or an operation that
// collides with an in-flight lifecycle change (start while active).
var ErrConflict = errors.New("conflict")

// ErrNotFound indicates the requested session does not exist.
var ErrNotFound = errors.New("session not found")

// ErrForbidden indicates the session exists but is owned by another user.
var ErrForbidden = errors.New("forbidden")

// ErrNotConnected indicates a command was issued while the session is not
// in the CONNECTED state.
var ErrNotConnected = errors.New("session not connected")

// ErrInvalidState indicates the operation is not valid in the session's
// current lifecycle state.
var ErrInvalidState = errors.New("invalid session state")
