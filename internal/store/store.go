// ABOUTME: Store interface and record types for chatgate persistence.
// ABOUTME: Defines SessionRecord, Webhook, DeliveryAttempt and the Store interface.

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// ErrDuplicateSession is returned when creating a session whose
// (owner, name) pair already exists.
var ErrDuplicateSession = errors.New("session already exists")

// ErrUnavailable is returned when the backing store cannot be reached.
// Callers treat it as transient; in-memory session state is unaffected.
var ErrUnavailable = errors.New("store unavailable")

// ProxyConfig holds an optional upstream proxy for the engine connection.
type ProxyConfig struct {
	Server   string `json:"server"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
}

// IgnoreConfig flags event categories the engine should not surface.
type IgnoreConfig struct {
	Groups      bool `json:"groups,omitempty"`
	Broadcasts  bool `json:"broadcasts,omitempty"`
	Newsletters bool `json:"newsletters,omitempty"`
}

// SessionConfig is the per-session engine configuration. It is persisted
// as part of the session record and handed to the transport factory.
type SessionConfig struct {
	DeviceName  string       `json:"deviceName,omitempty"`
	BrowserName string       `json:"browserName,omitempty"`
	Proxy       *ProxyConfig `json:"proxy,omitempty"`
	Ignore      IgnoreConfig `json:"ignore,omitempty"`

	// Engine store flags.
	SyncFullHistory bool `json:"syncFullHistory,omitempty"`
	SyncContacts    bool `json:"syncContacts,omitempty"`
}

// SessionRecord is the durable snapshot of a session. The live state
// machine owns the session while running; this record trails it.
type SessionRecord struct {
	ID              string
	OwnerID         string
	Name            string
	Status          string
	Config          SessionConfig
	CreatedAt       time.Time
	UpdatedAt       time.Time
	LastConnectedAt *time.Time
}

// Webhook is a registered HTTP subscriber for one session's events.
// An empty Events set subscribes to all event types.
type Webhook struct {
	ID          string
	SessionID   string
	URL         string
	Events      []string
	Secret      string
	Active      bool
	MaxAttempts int           // 0 means use the dispatcher default
	BackoffBase time.Duration // 0 means use the dispatcher default
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Subscribed reports whether the webhook wants events of the given type.
func (w *Webhook) Subscribed(eventType string) bool {
	if len(w.Events) == 0 {
		return true
	}
	for _, t := range w.Events {
		if t == eventType {
			return true
		}
	}
	return false
}

// DeliveryAttempt is one row of the append-only webhook delivery log.
// Rows are never mutated after write.
type DeliveryAttempt struct {
	ID         string
	WebhookID  string
	EventType  string
	Payload    []byte
	Attempt    int
	Success    bool
	StatusCode int    // 0 when the request never produced a response
	Error      string // transport error or non-2xx note, empty on success
	Permanent  bool   // non-retryable class (4xx other than 429), for triage
	CreatedAt  time.Time
}

// Store defines the persistence interface for the gateway.
type Store interface {
	// Sessions
	CreateSession(ctx context.Context, rec *SessionRecord) error
	GetSession(ctx context.Context, id string) (*SessionRecord, error)
	GetSessionByName(ctx context.Context, ownerID, name string) (*SessionRecord, error)
	ListSessions(ctx context.Context, ownerID string) ([]*SessionRecord, error)
	ListAllSessions(ctx context.Context) ([]*SessionRecord, error)
	SaveSessionStatus(ctx context.Context, id, status string, lastConnected *time.Time) error
	DeleteSession(ctx context.Context, id string) error

	// Engine credentials (opaque blob owned by the transport layer)
	SaveCredentials(ctx context.Context, sessionID string, creds []byte) error
	GetCredentials(ctx context.Context, sessionID string) ([]byte, error)
	DeleteCredentials(ctx context.Context, sessionID string) error

	// Webhooks
	CreateWebhook(ctx context.Context, hook *Webhook) error
	GetWebhook(ctx context.Context, id string) (*Webhook, error)
	ListWebhooks(ctx context.Context, sessionID string) ([]*Webhook, error)
	SetWebhookActive(ctx context.Context, id string, active bool) error
	DeleteWebhook(ctx context.Context, id string) error

	// Delivery log (append-only)
	AppendDeliveryAttempt(ctx context.Context, attempt *DeliveryAttempt) error
	ListDeliveryAttempts(ctx context.Context, webhookID string, limit int) ([]*DeliveryAttempt, error)

	// Close releases any resources held by the store
	Close() error
}
