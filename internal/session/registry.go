// ABOUTME: Process-wide registry mapping session id to its live state machine.
// ABOUTME: Enforces one machine per session id and ownership-checked lookups.

package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/relaymesh/chatgate/internal/event"
	"github.com/relaymesh/chatgate/internal/store"
	"github.com/relaymesh/chatgate/internal/transport"
)

// RegistryParams bundles the dependencies for NewRegistry.
type RegistryParams struct {
	Config  Config
	Factory transport.Factory
	Bus     *event.Bus
	Store   store.Store
	Clock   clockwork.Clock // nil means real clock
	Logger  *slog.Logger    // nil means slog.Default
}

// Registry is the single source of truth for live sessions. The map is the
// only structure in the session layer mutated from multiple call paths;
// everything inside a Machine is guarded by the machine's own mutex.
type Registry struct {
	cfg     Config
	factory transport.Factory
	bus     *event.Bus
	store   store.Store
	clock   clockwork.Clock
	logger  *slog.Logger

	// baseLogger is untagged; machines add their own component attr.
	baseLogger *slog.Logger

	mu       sync.RWMutex
	sessions map[string]*Machine // session id -> machine
	byName   map[string]string   // "ownerID/name" -> session id
}

// NewRegistry creates an empty registry.
func NewRegistry(p RegistryParams) *Registry {
	if p.Clock == nil {
		p.Clock = clockwork.NewRealClock()
	}
	if p.Logger == nil {
		p.Logger = slog.Default()
	}
	return &Registry{
		cfg:        p.Config.withDefaults(),
		factory:    p.Factory,
		bus:        p.Bus,
		store:      p.Store,
		clock:      p.Clock,
		logger:     p.Logger.With("component", "registry"),
		baseLogger: p.Logger,
		sessions:   make(map[string]*Machine),
		byName:     make(map[string]string),
	}
}

func nameKey(ownerID, name string) string {
	return ownerID + "/" + name
}

// Create registers a new session for the owner, persisting its record.
// Returns ErrConflict if the owner already has a session with that name.
func (r *Registry) Create(ctx context.Context, ownerID, name string, cfg store.SessionConfig) (*Machine, error) {
	if ownerID == "" || name == "" {
		return nil, fmt.Errorf("owner id and name are required")
	}

	key := nameKey(ownerID, name)
	id := uuid.New().String()
	now := r.clock.Now()

	rec := &store.SessionRecord{
		ID:        id,
		OwnerID:   ownerID,
		Name:      name,
		Status:    string(StatusCreated),
		Config:    cfg,
		CreatedAt: now,
		UpdatedAt: now,
	}

	machine := NewMachine(MachineParams{
		ID:            id,
		OwnerID:       ownerID,
		Name:          name,
		SessionConfig: cfg,
		Config:        r.cfg,
		Factory:       r.factory,
		Bus:           r.bus,
		Store:         r.store,
		Clock:         r.clock,
		Logger:        r.baseLogger,
	})

	// Reserve the name in memory first so concurrent creates cannot both
	// reach the store.
	r.mu.Lock()
	if _, exists := r.byName[key]; exists {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: session %q already exists for this owner", ErrConflict, name)
	}
	r.sessions[id] = machine
	r.byName[key] = id
	r.mu.Unlock()

	if err := r.store.CreateSession(ctx, rec); err != nil {
		r.mu.Lock()
		delete(r.sessions, id)
		delete(r.byName, key)
		r.mu.Unlock()

		if errors.Is(err, store.ErrDuplicateSession) {
			return nil, fmt.Errorf("%w: session %q already exists for this owner", ErrConflict, name)
		}
		return nil, fmt.Errorf("persisting session: %w", err)
	}

	r.logger.Info("session created", "session_id", id, "owner_id", ownerID, "name", name)
	return machine, nil
}

// Get returns the machine for a session id, ownership checked. A missing
// session is ErrNotFound; one owned by a different user is ErrForbidden.
// Existence is never leaked across owners beyond that distinction.
func (r *Registry) Get(id, callerID string) (*Machine, error) {
	r.mu.RLock()
	machine, ok := r.sessions[id]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if machine.OwnerID() != callerID {
		return nil, fmt.Errorf("%w: session %s", ErrForbidden, id)
	}
	return machine, nil
}

// List returns the caller's sessions sorted by name.
func (r *Registry) List(ownerID string) []*Machine {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var machines []*Machine
	for _, machine := range r.sessions {
		if machine.OwnerID() == ownerID {
			machines = append(machines, machine)
		}
	}
	sort.Slice(machines, func(i, j int) bool { return machines[i].Name() < machines[j].Name() })
	return machines
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Remove logs the session out, deletes its record, and releases the
// in-memory entry. Removing an unknown id is a no-op; removing another
// owner's session is ErrForbidden.
func (r *Registry) Remove(ctx context.Context, id, callerID string) error {
	r.mu.RLock()
	machine, ok := r.sessions[id]
	r.mu.RUnlock()

	if !ok {
		return nil
	}
	if machine.OwnerID() != callerID {
		return fmt.Errorf("%w: session %s", ErrForbidden, id)
	}

	if err := machine.Logout(ctx); err != nil {
		r.logger.Warn("logout during remove failed", "session_id", id, "error", err)
	}
	if err := r.store.DeleteSession(ctx, id); err != nil {
		r.logger.Warn("deleting session record failed", "session_id", id, "error", err)
	}

	r.mu.Lock()
	delete(r.sessions, id)
	delete(r.byName, nameKey(machine.OwnerID(), machine.Name()))
	r.mu.Unlock()

	r.logger.Info("session removed", "session_id", id)
	return nil
}

// Restore loads persisted session records into the registry at boot.
// Sessions that were live when the process died come back STOPPED: live
// state is in-memory only and a transport is never resurrected implicitly.
func (r *Registry) Restore(ctx context.Context) error {
	recs, err := r.store.ListAllSessions(ctx)
	if err != nil {
		return fmt.Errorf("listing sessions: %w", err)
	}

	for _, rec := range recs {
		initial := StatusStopped
		if rec.Status == string(StatusCreated) {
			initial = StatusCreated
		}

		machine := NewMachine(MachineParams{
			ID:            rec.ID,
			OwnerID:       rec.OwnerID,
			Name:          rec.Name,
			SessionConfig: rec.Config,
			Config:        r.cfg,
			Factory:       r.factory,
			Bus:           r.bus,
			Store:         r.store,
			Clock:         r.clock,
			Logger:        r.baseLogger,
			InitialStatus: initial,
		})

		r.mu.Lock()
		r.sessions[rec.ID] = machine
		r.byName[nameKey(rec.OwnerID, rec.Name)] = rec.ID
		r.mu.Unlock()

		if rec.Status != string(initial) {
			if err := r.store.SaveSessionStatus(ctx, rec.ID, string(initial), nil); err != nil {
				r.logger.Warn("resetting persisted status failed", "session_id", rec.ID, "error", err)
			}
		}
	}

	r.logger.Info("sessions restored", "count", len(recs))
	return nil
}

// Close logs out every live session. Used for graceful shutdown.
func (r *Registry) Close(ctx context.Context) {
	r.mu.RLock()
	machines := make([]*Machine, 0, len(r.sessions))
	for _, machine := range r.sessions {
		machines = append(machines, machine)
	}
	r.mu.RUnlock()

	for _, machine := range machines {
		if err := machine.Logout(ctx); err != nil {
			r.logger.Warn("logout during shutdown failed", "session_id", machine.ID(), "error", err)
		}
	}
}
