// ABOUTME: Package session owns the per-session lifecycle state machine and the registry.
// ABOUTME: One Machine per live session; the Registry is the process-wide map of them.

// Package session implements the session lifecycle core of the gateway.
//
// # Machine
//
// Machine is a finite-state machine over one chat session:
//
//	CREATED → STARTING → SCAN_QR_CODE → CONNECTED ⇄ RECONNECTING → FAILED
//	CONNECTED | RECONNECTING | FAILED → STOPPED
//
// The machine is the sole mutator of its own fields; a single mutex guards
// them and no lock is held across transport I/O. Every state transition
// emits exactly one session.status event on the bus, tagged with a
// per-session monotonically increasing sequence number, and best-effort
// persists a status snapshot to the record store.
//
// Commands issued against a CONNECTED session run through a bounded FIFO
// queue with a single consumer goroutine, preserving the transport's
// single-writer constraint. Callers block until their turn completes;
// teardown fails anything still queued with ErrNotConnected.
//
// Recoverable transport disconnects schedule reconnection with exponential
// backoff up to a configured attempt budget; unrecoverable disconnects and
// an exhausted budget land in FAILED. A session stuck in SCAN_QR_CODE past
// the pairing timeout also fails.
//
// # Registry
//
// Registry maps session id to Machine and enforces the invariant that at
// most one live transport exists per session id. Lookups are ownership
// checked: a session owned by another user yields ErrForbidden, a missing
// one ErrNotFound, and existence is never leaked across owners.
package session
