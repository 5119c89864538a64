// ABOUTME: Transport interface and RawEvent tagged union for the chat-engine boundary.
// ABOUTME: Defines connect/pairing, command execution, and the raw event stream shape.

package transport

import (
	"context"
	"time"

	"github.com/relaymesh/chatgate/internal/store"
)

// PairingArtifact is the credential-exchange material produced when a
// transport connects without stored credentials. The QR payload is rendered
// by the caller; ExpiresAt is advisory.
type PairingArtifact struct {
	QRPayload string
	ExpiresAt time.Time
}

// Transport is a single live connection to the chat network for one session.
// Implementations are not required to be safe for concurrent Execute calls;
// the session layer serializes them.
type Transport interface {
	// Connect establishes the connection and returns a pairing artifact.
	// Engines that already hold credentials may return an artifact and then
	// immediately emit a PairSuccess raw event.
	Connect(ctx context.Context) (*PairingArtifact, error)

	// RequestPairingCode asks the engine for a short numeric pairing code
	// bound to the given phone number, as an alternative to QR scanning.
	RequestPairingCode(ctx context.Context, phoneNumber string) (string, error)

	// Execute runs a single protocol command (send message, react, query
	// presence, ...) and returns its engine-specific result.
	Execute(ctx context.Context, op string, args map[string]any) (any, error)

	// Disconnect tears the connection down. Safe to call more than once.
	Disconnect(ctx context.Context) error
}

// EventFunc receives raw events pushed by the engine. Callbacks must be
// cheap; heavy work is handed off by the session layer.
type EventFunc func(RawEvent)

// Factory creates a Transport for a session. Exactly one Transport is live
// per session id at a time; the session layer enforces that.
type Factory func(cfg store.SessionConfig, onEvent EventFunc) (Transport, error)

// Kind discriminates the RawEvent union.
type Kind int

const (
	KindUnknown Kind = iota
	KindPairSuccess
	KindDisconnected
	KindPresence
	KindChatState
	KindMessage
)

// String returns the wire-ish name of the kind, for logging.
func (k Kind) String() string {
	switch k {
	case KindPairSuccess:
		return "pair_success"
	case KindDisconnected:
		return "disconnected"
	case KindPresence:
		return "presence"
	case KindChatState:
		return "chat_state"
	case KindMessage:
		return "message"
	default:
		return "unknown"
	}
}

// RawEvent is a single notification from the engine. Exactly the field
// matching Kind is set; everything else is nil.
type RawEvent struct {
	Kind         Kind
	PairSuccess  *PairSuccess
	Disconnected *Disconnected
	Presence     *PresenceUpdate
	ChatState    *ChatStateUpdate
	Message      *MessageEvent

	// Raw carries the original payload for KindUnknown, for logging only.
	Raw map[string]any
}

// PairSuccess signals that pairing completed and the session is live.
type PairSuccess struct {
	DeviceID string
}

// Disconnected signals that the connection dropped. Recoverable
// disconnects are retried by the session layer; unrecoverable ones
// (logged out remotely, credentials revoked) are terminal.
type Disconnected struct {
	Reason      string
	Recoverable bool
}

// PresenceUpdate is the plain presence notification shape.
// LastSeen is unix seconds; zero means the contact hides last-seen.
type PresenceUpdate struct {
	From        string
	Unavailable bool
	LastSeen    int64
}

// ChatState enumerates the richer chat-state notification subtypes.
type ChatState string

const (
	ChatStateAvailable   ChatState = "available"
	ChatStateUnavailable ChatState = "unavailable"
	ChatStateComposing   ChatState = "composing"
	ChatStatePaused      ChatState = "paused"
)

// ChatStateUpdate is the richer chat-state notification shape. Participant
// is empty for direct chats, where From identifies both the chat and the
// participant. IsAudio distinguishes voice-note recording from typing.
type ChatStateUpdate struct {
	From        string
	Participant string
	State       ChatState
	IsAudio     bool
}

// MessageEvent is a pass-through chat message from the engine.
type MessageEvent struct {
	ChatID    string
	SenderID  string
	MessageID string
	Text      string
	FromMe    bool
	Timestamp time.Time
}
