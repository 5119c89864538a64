// ABOUTME: Loopback transport: an in-process engine stand-in for development and demos.
// ABOUTME: Pairs after a short delay and echoes executed commands back as message events.

package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/relaymesh/chatgate/internal/store"
)

// loopbackPairDelay is how long the loopback engine waits before reporting
// pairing success, so the SCAN_QR_CODE state is observable.
const loopbackPairDelay = 500 * time.Millisecond

// Loopback is a Transport that never touches a real chat network. Connect
// hands back a synthetic QR payload and schedules a PairSuccess event;
// Execute acknowledges every op and, for sendMessage, echoes the text back
// as an inbound message.
type Loopback struct {
	clock   clockwork.Clock
	onEvent EventFunc

	mu     sync.Mutex
	closed bool
}

// NewLoopbackFactory returns a Factory producing Loopback transports.
// A nil clock means the real clock.
func NewLoopbackFactory(clock clockwork.Clock) Factory {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return func(cfg store.SessionConfig, onEvent EventFunc) (Transport, error) {
		return &Loopback{clock: clock, onEvent: onEvent}, nil
	}
}

// Connect returns a synthetic pairing artifact and schedules pairing
// success after loopbackPairDelay.
func (l *Loopback) Connect(ctx context.Context) (*PairingArtifact, error) {
	artifact := &PairingArtifact{
		QRPayload: "loopback:" + uuid.New().String(),
		ExpiresAt: l.clock.Now().Add(time.Minute),
	}

	go func() {
		select {
		case <-l.clock.After(loopbackPairDelay):
		case <-ctx.Done():
			return
		}
		l.emit(RawEvent{
			Kind:        KindPairSuccess,
			PairSuccess: &PairSuccess{DeviceID: "loopback-device"},
		})
	}()

	return artifact, nil
}

// RequestPairingCode returns a fixed-format code derived from the number.
func (l *Loopback) RequestPairingCode(ctx context.Context, phoneNumber string) (string, error) {
	if phoneNumber == "" {
		return "", fmt.Errorf("phone number is required")
	}
	return "LOOP-0000", nil
}

// Execute acknowledges the op. sendMessage ops are echoed back as an
// inbound message event so downstream delivery can be exercised end to end.
func (l *Loopback) Execute(ctx context.Context, op string, args map[string]any) (any, error) {
	l.mu.Lock()
	closed := l.closed
	l.mu.Unlock()
	if closed {
		return nil, fmt.Errorf("loopback transport is disconnected")
	}

	if op == "sendMessage" {
		chatID, _ := args["chatId"].(string)
		text, _ := args["text"].(string)
		l.emit(RawEvent{
			Kind: KindMessage,
			Message: &MessageEvent{
				ChatID:    chatID,
				SenderID:  chatID,
				MessageID: uuid.New().String(),
				Text:      text,
				FromMe:    false,
				Timestamp: l.clock.Now(),
			},
		})
	}

	return map[string]any{"op": op, "ack": true}, nil
}

// Disconnect marks the transport closed. Idempotent.
func (l *Loopback) Disconnect(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	return nil
}

func (l *Loopback) emit(ev RawEvent) {
	l.mu.Lock()
	closed := l.closed
	cb := l.onEvent
	l.mu.Unlock()

	if closed || cb == nil {
		return
	}
	cb(ev)
}
