// ABOUTME: Per-session, in-memory presence reconciliation store.
// ABOUTME: Folds raw presence and chat-state notifications into per-chat records.

// Package presence reconciles the two raw notification shapes the
// transport emits — plain presence updates and richer chat-state updates —
// into a canonical per-chat view. The store is best-effort and in-memory:
// it is cleared when its session stops and lost on restart.
//
// No ordering is assumed between the two notification shapes for the same
// participant; the last applied update wins.
package presence

import (
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/relaymesh/chatgate/internal/transport"
)

// Status is a participant's reconciled presence within a chat.
type Status string

const (
	StatusOnline    Status = "online"
	StatusOffline   Status = "offline"
	StatusTyping    Status = "typing"
	StatusRecording Status = "recording"
	StatusPaused    Status = "paused"
)

// Entry is one participant's presence within a chat.
type Entry struct {
	ParticipantID string     `json:"participant"`
	Status        Status     `json:"lastKnownPresence"`
	LastSeen      *time.Time `json:"lastSeen"`
}

// Record is the reconciled presence view of a single chat. Participants
// appear in first-seen order; at most one entry per participant id.
type Record struct {
	ChatID       string  `json:"chatId"`
	Participants []Entry `json:"participants"`
}

// chatRecord is the internal mutable form: an index into an ordered slice
// so merges replace in place and never duplicate a participant.
type chatRecord struct {
	order   []string
	entries map[string]*Entry
}

// Store holds the presence table for one session.
type Store struct {
	mu     sync.RWMutex
	chats  map[string]*chatRecord
	logger *slog.Logger
}

// NewStore creates an empty presence store. Pass nil logger for default.
func NewStore(logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		chats:  make(map[string]*chatRecord),
		logger: logger.With("component", "presence"),
	}
}

// Apply folds a raw event into the store and returns the updated chat
// record. Malformed or irrelevant events are dropped (logged at debug)
// and reported with ok=false; Apply never fails past this boundary.
func (s *Store) Apply(ev transport.RawEvent) (rec *Record, ok bool) {
	switch ev.Kind {
	case transport.KindPresence:
		return s.applyPresence(ev.Presence)
	case transport.KindChatState:
		return s.applyChatState(ev.ChatState)
	default:
		return nil, false
	}
}

func (s *Store) applyPresence(p *transport.PresenceUpdate) (*Record, bool) {
	if p == nil || p.From == "" {
		s.logger.Debug("dropping malformed presence update")
		return nil, false
	}

	chatID := CanonicalChatID(p.From)
	status := StatusOnline
	if p.Unavailable {
		status = StatusOffline
	}

	// LastSeen zero is the "hidden" sentinel: the contact withholds it.
	var lastSeen *time.Time
	if p.LastSeen > 0 {
		t := time.Unix(p.LastSeen, 0).UTC()
		lastSeen = &t
	}

	return s.merge(chatID, chatID, status, lastSeen), true
}

func (s *Store) applyChatState(cs *transport.ChatStateUpdate) (*Record, bool) {
	if cs == nil || cs.From == "" {
		s.logger.Debug("dropping malformed chat-state update")
		return nil, false
	}

	var status Status
	switch cs.State {
	case transport.ChatStateAvailable:
		status = StatusOnline
	case transport.ChatStateUnavailable:
		status = StatusOffline
	case transport.ChatStatePaused:
		status = StatusPaused
	case transport.ChatStateComposing:
		status = StatusTyping
		if cs.IsAudio {
			status = StatusRecording
		}
	default:
		s.logger.Debug("dropping chat-state update with unknown subtype",
			"subtype", string(cs.State))
		return nil, false
	}

	chatID := CanonicalChatID(cs.From)
	participant := cs.Participant
	if participant == "" {
		participant = cs.From
	}
	participant = CanonicalChatID(participant)

	// Chat-state updates never carry a last-seen timestamp.
	return s.merge(chatID, participant, status, nil), true
}

// merge replaces or appends the participant's entry and returns a snapshot
// of the chat record.
func (s *Store) merge(chatID, participantID string, status Status, lastSeen *time.Time) *Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	chat, ok := s.chats[chatID]
	if !ok {
		chat = &chatRecord{entries: make(map[string]*Entry)}
		s.chats[chatID] = chat
	}

	if entry, exists := chat.entries[participantID]; exists {
		entry.Status = status
		entry.LastSeen = lastSeen
	} else {
		chat.order = append(chat.order, participantID)
		chat.entries[participantID] = &Entry{
			ParticipantID: participantID,
			Status:        status,
			LastSeen:      lastSeen,
		}
	}

	return chat.snapshot(chatID)
}

// Get returns the current merged record for a chat, or an empty record if
// the chat is unknown.
func (s *Store) Get(chatID string) *Record {
	chatID = CanonicalChatID(chatID)

	s.mu.RLock()
	defer s.mu.RUnlock()

	chat, ok := s.chats[chatID]
	if !ok {
		return &Record{ChatID: chatID, Participants: []Entry{}}
	}
	return chat.snapshot(chatID)
}

// Reset drops all presence state. Called on session stop.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chats = make(map[string]*chatRecord)
}

// snapshot copies the record. Callers hold at least the read lock.
func (c *chatRecord) snapshot(chatID string) *Record {
	participants := make([]Entry, 0, len(c.order))
	for _, id := range c.order {
		participants = append(participants, *c.entries[id])
	}
	return &Record{ChatID: chatID, Participants: participants}
}

// CanonicalChatID normalizes a raw protocol identifier into the canonical
// chat-identifier format used as the store key: the device suffix and any
// resource part are stripped, and the legacy "c.us" server is rewritten to
// "s.whatsapp.net".
func CanonicalChatID(raw string) string {
	id := raw
	if i := strings.IndexByte(id, '/'); i >= 0 {
		id = id[:i]
	}

	user, server, found := strings.Cut(id, "@")
	if !found {
		return id
	}
	if i := strings.IndexByte(user, ':'); i >= 0 {
		user = user[:i]
	}
	if server == "c.us" {
		server = "s.whatsapp.net"
	}
	return user + "@" + server
}
