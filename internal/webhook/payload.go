// ABOUTME: Webhook payload encoding and HMAC signature computation.
// ABOUTME: Defines the wire shape {event, session, payload, timestamp} and its signing header.

package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/relaymesh/chatgate/internal/event"
)

// Signature and event-type header names on every delivery.
const (
	HeaderSignature = "X-Chatgate-Signature"
	HeaderEvent     = "X-Chatgate-Event"
	HeaderEventID   = "X-Chatgate-Event-Id"
)

// wirePayload is the JSON body POSTed to subscribers.
type wirePayload struct {
	Event     string `json:"event"`
	Session   string `json:"session"`
	Payload   any    `json:"payload"`
	Timestamp string `json:"timestamp"`
}

// encodePayload renders the delivery body for an event.
func encodePayload(ev *event.Event) ([]byte, error) {
	body, err := json.Marshal(wirePayload{
		Event:     string(ev.Type),
		Session:   ev.SessionID,
		Payload:   ev.Payload,
		Timestamp: ev.OccurredAt.UTC().Format(time.RFC3339),
	})
	if err != nil {
		return nil, fmt.Errorf("encoding webhook payload: %w", err)
	}
	return body, nil
}

// Sign computes the signature header value for a body: an HMAC-SHA256 of
// the exact bytes on the wire, keyed by the webhook's shared secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a received signature header against a body.
// Exported for subscriber-side use and tests.
func VerifySignature(secret string, body []byte, header string) bool {
	expected := Sign(secret, body)
	return hmac.Equal([]byte(expected), []byte(header))
}
