// ABOUTME: Internal event type and taxonomy shared by sessions and the webhook layer.
// ABOUTME: Events are immutable after creation and carry a per-session sequence number.

// Package event defines the gateway's internal event stream: the Event
// type produced by session machines and the Bus that fans it out to
// subscribers (the webhook dispatcher, live observers). Events are
// transient; nothing in this package persists them.
package event

import "time"

// Type names an event on the bus. The taxonomy is part of the webhook
// contract: subscribers filter on these strings.
type Type string

const (
	// TypeSessionStatus is emitted on every session lifecycle transition.
	TypeSessionStatus Type = "session.status"

	// TypePresenceUpdate is emitted when a chat's reconciled presence
	// record changes.
	TypePresenceUpdate Type = "presence.update"

	// TypeMessage is a pass-through chat message from the transport.
	TypeMessage Type = "message"
)

// KnownTypes lists every event type the gateway emits, for webhook
// subscription validation.
func KnownTypes() []Type {
	return []Type{TypeSessionStatus, TypePresenceUpdate, TypeMessage}
}

// Known reports whether s names an event type the gateway emits.
func Known(s string) bool {
	for _, t := range KnownTypes() {
		if string(t) == s {
			return true
		}
	}
	return false
}

// Event is a single internal notification. Immutable after creation;
// producers hand the same pointer to every subscriber.
type Event struct {
	ID         string
	SessionID  string
	Type       Type
	Seq        uint64 // monotonically increasing per session
	Payload    any
	OccurredAt time.Time
}

// StatusPayload is the payload of a session.status event.
type StatusPayload struct {
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
}
