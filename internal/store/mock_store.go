// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite

package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu          sync.RWMutex
	sessions    map[string]*SessionRecord    // keyed by session ID
	nameIndex   map[string]string            // keyed by "ownerID:name" -> session ID
	credentials map[string][]byte            // keyed by session ID
	webhooks    map[string]*Webhook          // keyed by webhook ID
	attempts    map[string][]*DeliveryAttempt // keyed by webhook ID, append order

	// Unavailable makes every method fail with ErrUnavailable, for
	// exercising record-store outage paths.
	Unavailable bool
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		sessions:    make(map[string]*SessionRecord),
		nameIndex:   make(map[string]string),
		credentials: make(map[string][]byte),
		webhooks:    make(map[string]*Webhook),
		attempts:    make(map[string][]*DeliveryAttempt),
	}
}

func (m *MockStore) nameKey(ownerID, name string) string {
	return ownerID + ":" + name
}

// CreateSession stores a new session record.
func (m *MockStore) CreateSession(ctx context.Context, rec *SessionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Unavailable {
		return ErrUnavailable
	}

	key := m.nameKey(rec.OwnerID, rec.Name)
	if _, exists := m.nameIndex[key]; exists {
		return ErrDuplicateSession
	}

	// Make a copy to avoid external modification
	r := *rec
	m.sessions[r.ID] = &r
	m.nameIndex[key] = r.ID
	return nil
}

// GetSession retrieves a session by ID.
func (m *MockStore) GetSession(ctx context.Context, id string) (*SessionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.Unavailable {
		return nil, ErrUnavailable
	}

	rec, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	r := *rec
	return &r, nil
}

// GetSessionByName retrieves a session by (owner, name).
func (m *MockStore) GetSessionByName(ctx context.Context, ownerID, name string) (*SessionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.Unavailable {
		return nil, ErrUnavailable
	}

	id, ok := m.nameIndex[m.nameKey(ownerID, name)]
	if !ok {
		return nil, ErrNotFound
	}
	r := *m.sessions[id]
	return &r, nil
}

// ListSessions returns sessions owned by the given user, oldest first.
func (m *MockStore) ListSessions(ctx context.Context, ownerID string) ([]*SessionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.Unavailable {
		return nil, ErrUnavailable
	}

	var recs []*SessionRecord
	for _, rec := range m.sessions {
		if rec.OwnerID == ownerID {
			r := *rec
			recs = append(recs, &r)
		}
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].CreatedAt.Before(recs[j].CreatedAt) })
	return recs, nil
}

// ListAllSessions returns every session, oldest first.
func (m *MockStore) ListAllSessions(ctx context.Context) ([]*SessionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.Unavailable {
		return nil, ErrUnavailable
	}

	var recs []*SessionRecord
	for _, rec := range m.sessions {
		r := *rec
		recs = append(recs, &r)
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].CreatedAt.Before(recs[j].CreatedAt) })
	return recs, nil
}

// SaveSessionStatus updates the status snapshot for a session.
func (m *MockStore) SaveSessionStatus(ctx context.Context, id, status string, lastConnected *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Unavailable {
		return ErrUnavailable
	}

	rec, ok := m.sessions[id]
	if !ok {
		return ErrNotFound
	}
	rec.Status = status
	rec.UpdatedAt = time.Now()
	if lastConnected != nil {
		t := *lastConnected
		rec.LastConnectedAt = &t
	}
	return nil
}

// DeleteSession removes a session and its dependents. Idempotent.
func (m *MockStore) DeleteSession(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Unavailable {
		return ErrUnavailable
	}

	rec, ok := m.sessions[id]
	if !ok {
		return nil
	}
	delete(m.sessions, id)
	delete(m.nameIndex, m.nameKey(rec.OwnerID, rec.Name))
	delete(m.credentials, id)
	for hookID, hook := range m.webhooks {
		if hook.SessionID == id {
			delete(m.webhooks, hookID)
		}
	}
	return nil
}

// SaveCredentials stores the credential blob for a session.
func (m *MockStore) SaveCredentials(ctx context.Context, sessionID string, creds []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Unavailable {
		return ErrUnavailable
	}

	buf := make([]byte, len(creds))
	copy(buf, creds)
	m.credentials[sessionID] = buf
	return nil
}

// GetCredentials returns the stored credential blob.
func (m *MockStore) GetCredentials(ctx context.Context, sessionID string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.Unavailable {
		return nil, ErrUnavailable
	}

	creds, ok := m.credentials[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	buf := make([]byte, len(creds))
	copy(buf, creds)
	return buf, nil
}

// DeleteCredentials removes the credential blob. Idempotent.
func (m *MockStore) DeleteCredentials(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Unavailable {
		return ErrUnavailable
	}

	delete(m.credentials, sessionID)
	return nil
}

// CreateWebhook stores a new webhook.
func (m *MockStore) CreateWebhook(ctx context.Context, hook *Webhook) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Unavailable {
		return ErrUnavailable
	}

	h := *hook
	h.Events = append([]string(nil), hook.Events...)
	m.webhooks[h.ID] = &h
	return nil
}

// GetWebhook retrieves a webhook by ID.
func (m *MockStore) GetWebhook(ctx context.Context, id string) (*Webhook, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.Unavailable {
		return nil, ErrUnavailable
	}

	hook, ok := m.webhooks[id]
	if !ok {
		return nil, ErrNotFound
	}
	h := *hook
	h.Events = append([]string(nil), hook.Events...)
	return &h, nil
}

// ListWebhooks returns webhooks for a session, oldest first.
func (m *MockStore) ListWebhooks(ctx context.Context, sessionID string) ([]*Webhook, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.Unavailable {
		return nil, ErrUnavailable
	}

	var hooks []*Webhook
	for _, hook := range m.webhooks {
		if hook.SessionID == sessionID {
			h := *hook
			h.Events = append([]string(nil), hook.Events...)
			hooks = append(hooks, &h)
		}
	}
	sort.Slice(hooks, func(i, j int) bool { return hooks[i].CreatedAt.Before(hooks[j].CreatedAt) })
	return hooks, nil
}

// SetWebhookActive flips the active flag.
func (m *MockStore) SetWebhookActive(ctx context.Context, id string, active bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Unavailable {
		return ErrUnavailable
	}

	hook, ok := m.webhooks[id]
	if !ok {
		return ErrNotFound
	}
	hook.Active = active
	hook.UpdatedAt = time.Now()
	return nil
}

// DeleteWebhook removes a webhook. The delivery log is retained.
func (m *MockStore) DeleteWebhook(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Unavailable {
		return ErrUnavailable
	}

	delete(m.webhooks, id)
	return nil
}

// AppendDeliveryAttempt records one delivery attempt.
func (m *MockStore) AppendDeliveryAttempt(ctx context.Context, attempt *DeliveryAttempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Unavailable {
		return ErrUnavailable
	}

	a := *attempt
	m.attempts[a.WebhookID] = append(m.attempts[a.WebhookID], &a)
	return nil
}

// ListDeliveryAttempts returns attempts for a webhook, newest first.
func (m *MockStore) ListDeliveryAttempts(ctx context.Context, webhookID string, limit int) ([]*DeliveryAttempt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.Unavailable {
		return nil, ErrUnavailable
	}
	if limit <= 0 {
		limit = 50
	}

	stored := m.attempts[webhookID]
	var attempts []*DeliveryAttempt
	for i := len(stored) - 1; i >= 0 && len(attempts) < limit; i-- {
		a := *stored[i]
		attempts = append(attempts, &a)
	}
	return attempts, nil
}

// Close is a no-op for the mock store.
func (m *MockStore) Close() error {
	return nil
}
