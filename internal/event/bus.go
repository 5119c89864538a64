// ABOUTME: In-memory fan-out event bus connecting session machines to subscribers
// ABOUTME: Publishes events to per-session subscribers and firehose subscribers

package event

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

const (
	// subscriberBufferSize is the channel buffer for session-scoped
	// subscribers (live observers).
	subscriberBufferSize = 64

	// firehoseBufferSize is the channel buffer for SubscribeAll
	// subscribers. The webhook dispatcher sits behind one of these, so
	// the buffer is deep: a full channel means events are dropped and
	// never delivered to webhooks.
	firehoseBufferSize = 1024
)

// Bus provides in-memory pub/sub for Events. Producers publish
// synchronously from the session machine's own goroutine, so events from
// one session arrive at each subscriber in emit order. Producers never
// block: events for a full subscriber channel are dropped and logged.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string]map[string]chan *Event // sessionID -> subID -> ch
	firehose    map[string]chan *Event            // subID -> ch
	logger      *slog.Logger
}

// NewBus creates a bus. Pass nil logger for default.
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		subscribers: make(map[string]map[string]chan *Event),
		firehose:    make(map[string]chan *Event),
		logger:      logger.With("component", "bus"),
	}
}

// Subscribe registers a subscriber for one session's events. Returns a
// channel that receives events and a subscription ID. The subscription is
// automatically cleaned up when ctx is cancelled.
func (b *Bus) Subscribe(ctx context.Context, sessionID string) (<-chan *Event, string) {
	subID := uuid.New().String()
	ch := make(chan *Event, subscriberBufferSize)

	b.mu.Lock()
	if _, ok := b.subscribers[sessionID]; !ok {
		b.subscribers[sessionID] = make(map[string]chan *Event)
	}
	b.subscribers[sessionID][subID] = ch
	b.mu.Unlock()

	b.logger.Debug("subscriber added", "session_id", sessionID, "sub_id", subID)

	go func() {
		<-ctx.Done()
		b.Unsubscribe(sessionID, subID)
	}()

	return ch, subID
}

// SubscribeAll registers a firehose subscriber receiving every session's
// events. Cleaned up when ctx is cancelled.
func (b *Bus) SubscribeAll(ctx context.Context) (<-chan *Event, string) {
	subID := uuid.New().String()
	ch := make(chan *Event, firehoseBufferSize)

	b.mu.Lock()
	b.firehose[subID] = ch
	b.mu.Unlock()

	b.logger.Debug("firehose subscriber added", "sub_id", subID)

	go func() {
		<-ctx.Done()
		b.unsubscribeFirehose(subID)
	}()

	return ch, subID
}

// Publish sends an event to all subscribers of its session and to every
// firehose subscriber. Non-blocking: events are dropped for subscribers
// whose channels are full.
func (b *Bus) Publish(ev *Event) {
	b.mu.RLock()
	// Copy subscriber channels under read lock to avoid holding lock during sends
	targets := make([]chan *Event, 0, len(b.firehose)+4)
	for _, ch := range b.firehose {
		targets = append(targets, ch)
	}
	if subs, ok := b.subscribers[ev.SessionID]; ok {
		for _, ch := range subs {
			targets = append(targets, ch)
		}
	}
	b.mu.RUnlock()

	for _, ch := range targets {
		select {
		case ch <- ev:
			// Sent
		default:
			// Subscriber channel full; drop for this subscriber only
			b.logger.Warn("dropped event for slow subscriber",
				"session_id", ev.SessionID,
				"event_type", ev.Type,
				"seq", ev.Seq)
		}
	}
}

// Unsubscribe removes a session-scoped subscription and closes its channel.
func (b *Bus) Unsubscribe(sessionID, subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.subscribers[sessionID]
	if !ok {
		return
	}

	ch, exists := subs[subID]
	if !exists {
		return
	}

	delete(subs, subID)
	close(ch)

	if len(subs) == 0 {
		delete(b.subscribers, sessionID)
	}

	b.logger.Debug("subscriber removed", "session_id", sessionID, "sub_id", subID)
}

func (b *Bus) unsubscribeFirehose(subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch, ok := b.firehose[subID]
	if !ok {
		return
	}
	delete(b.firehose, subID)
	close(ch)

	b.logger.Debug("firehose subscriber removed", "sub_id", subID)
}

// Close shuts down the bus and closes all subscriber channels.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for sessionID, subs := range b.subscribers {
		for subID, ch := range subs {
			close(ch)
			delete(subs, subID)
		}
		delete(b.subscribers, sessionID)
	}
	for subID, ch := range b.firehose {
		close(ch)
		delete(b.firehose, subID)
	}

	b.logger.Debug("bus closed")
}
