// ABOUTME: Gateway orchestrator that wires config, store, registry, bus, and dispatcher.
// ABOUTME: Owns startup/shutdown and the session command surface.

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/relaymesh/chatgate/internal/config"
	"github.com/relaymesh/chatgate/internal/event"
	"github.com/relaymesh/chatgate/internal/presence"
	"github.com/relaymesh/chatgate/internal/session"
	"github.com/relaymesh/chatgate/internal/store"
	"github.com/relaymesh/chatgate/internal/transport"
	"github.com/relaymesh/chatgate/internal/webhook"
)

// ErrServiceUnavailable indicates the record store cannot be reached.
// Transient; in-memory session state is unaffected.
var ErrServiceUnavailable = errors.New("service unavailable")

// Gateway orchestrates the chatgate server components.
type Gateway struct {
	cfg        *config.Config
	logger     *slog.Logger
	store      store.Store
	bus        *event.Bus
	registry   *session.Registry
	dispatcher *webhook.Dispatcher
	httpServer *http.Server
}

// Params bundles the dependencies for New. Store and Clock are optional:
// a nil Store opens SQLite at the configured path, a nil Clock uses the
// real clock.
type Params struct {
	Config  *config.Config
	Factory transport.Factory
	Store   store.Store
	Clock   clockwork.Clock
	Logger  *slog.Logger
}

// New creates a gateway from configuration. The transport factory is the
// caller's bridge to the chat engine; the gateway never constructs one
// itself.
func New(p Params) (*Gateway, error) {
	if p.Config == nil {
		return nil, fmt.Errorf("config is required")
	}
	if p.Factory == nil {
		return nil, fmt.Errorf("transport factory is required")
	}
	if p.Logger == nil {
		p.Logger = slog.Default()
	}
	if p.Clock == nil {
		p.Clock = clockwork.NewRealClock()
	}

	st := p.Store
	if st == nil {
		var err error
		st, err = store.NewSQLiteStore(p.Config.Database.Path)
		if err != nil {
			return nil, fmt.Errorf("initializing store: %w", err)
		}
	}

	bus := event.NewBus(p.Logger)

	registry := session.NewRegistry(session.RegistryParams{
		Config: session.Config{
			PairingTimeout:    p.Config.Session.PairingTimeout,
			ReconnectBase:     p.Config.Session.ReconnectBase,
			ReconnectCap:      p.Config.Session.ReconnectCap,
			ReconnectAttempts: p.Config.Session.ReconnectAttempts,
			CommandQueueSize:  p.Config.Session.CommandQueueSize,
		},
		Factory: p.Factory,
		Bus:     bus,
		Store:   st,
		Clock:   p.Clock,
		Logger:  p.Logger,
	})

	dispatcher := webhook.NewDispatcher(webhook.Params{
		Store:  st,
		Bus:    bus,
		Clock:  p.Clock,
		Logger: p.Logger,
		Config: webhook.Config{
			AttemptTimeout: p.Config.Webhook.AttemptTimeout,
			RetryBase:      p.Config.Webhook.RetryBase,
			RetryCap:       p.Config.Webhook.RetryCap,
			MaxAttempts:    p.Config.Webhook.MaxAttempts,
			QueueSize:      p.Config.Webhook.QueueSize,
		},
	})

	return &Gateway{
		cfg:        p.Config,
		logger:     p.Logger.With("component", "gateway"),
		store:      st,
		bus:        bus,
		registry:   registry,
		dispatcher: dispatcher,
	}, nil
}

// Run starts the gateway and blocks until ctx is cancelled, then shuts
// everything down in dependency order.
func (g *Gateway) Run(ctx context.Context) error {
	if err := g.registry.Restore(ctx); err != nil {
		return fmt.Errorf("restoring sessions: %w", err)
	}

	dispatchCtx, stopDispatch := context.WithCancel(context.Background())
	dispatchDone := make(chan struct{})
	go func() {
		defer close(dispatchDone)
		g.dispatcher.Run(dispatchCtx)
	}()

	mux := http.NewServeMux()
	mux.HandleFunc("/health", g.handleHealth)
	g.httpServer = &http.Server{
		Addr:    g.cfg.Server.HTTPAddr,
		Handler: mux,
	}

	httpErr := make(chan error, 1)
	go func() {
		g.logger.Info("http server listening", "addr", g.cfg.Server.HTTPAddr)
		if err := g.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			httpErr <- err
		}
	}()

	select {
	case err := <-httpErr:
		stopDispatch()
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	g.logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := g.httpServer.Shutdown(shutdownCtx); err != nil {
		g.logger.Warn("http shutdown failed", "error", err)
	}

	// Sessions first so their final STOPPED events reach the dispatcher,
	// then the dispatcher, then the bus and store.
	g.registry.Close(shutdownCtx)
	stopDispatch()
	<-dispatchDone
	g.bus.Close()

	if err := g.store.Close(); err != nil {
		g.logger.Warn("store close failed", "error", err)
	}
	return nil
}

// Health is a snapshot of gateway liveness.
type Health struct {
	Status   string `json:"status"`
	Sessions int    `json:"sessions"`
}

// Healthy returns the current health snapshot.
func (g *Gateway) Healthy() Health {
	return Health{Status: "ok", Sessions: g.registry.Count()}
}

// handleHealth reports process liveness and the live session count.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(g.Healthy())
}

// Bus exposes the event bus for in-process subscribers.
func (g *Gateway) Bus() *event.Bus {
	return g.bus
}

// CreateSession registers a new session for the owner.
func (g *Gateway) CreateSession(ctx context.Context, ownerID, name string, cfg store.SessionConfig) (*session.Machine, error) {
	machine, err := g.registry.Create(ctx, ownerID, name, cfg)
	if err != nil {
		return nil, mapStoreErr(err)
	}
	return machine, nil
}

// ListSessions returns the caller's sessions.
func (g *Gateway) ListSessions(callerID string) []*session.Machine {
	return g.registry.List(callerID)
}

// StartSession begins connecting a session.
func (g *Gateway) StartSession(ctx context.Context, callerID, id string) error {
	machine, err := g.registry.Get(id, callerID)
	if err != nil {
		return err
	}
	return machine.Start(ctx)
}

// RestartSession tears a session down and starts it again.
func (g *Gateway) RestartSession(ctx context.Context, callerID, id string) error {
	machine, err := g.registry.Get(id, callerID)
	if err != nil {
		return err
	}
	return machine.Restart(ctx)
}

// LogoutSession stops a session terminally and clears its credentials.
func (g *Gateway) LogoutSession(ctx context.Context, callerID, id string) error {
	machine, err := g.registry.Get(id, callerID)
	if err != nil {
		return err
	}
	return machine.Logout(ctx)
}

// DeleteSession logs the session out and removes it entirely.
func (g *Gateway) DeleteSession(ctx context.Context, callerID, id string) error {
	return g.registry.Remove(ctx, id, callerID)
}

// SessionStatus returns a session's current lifecycle state.
func (g *Gateway) SessionStatus(callerID, id string) (session.Status, error) {
	machine, err := g.registry.Get(id, callerID)
	if err != nil {
		return "", err
	}
	return machine.Status(), nil
}

// SessionPairingArtifact returns the pending QR payload, if any.
func (g *Gateway) SessionPairingArtifact(callerID, id string) (*transport.PairingArtifact, error) {
	machine, err := g.registry.Get(id, callerID)
	if err != nil {
		return nil, err
	}
	return machine.PairingArtifact(), nil
}

// RequestPairingCode asks the engine for a numeric pairing code.
func (g *Gateway) RequestPairingCode(ctx context.Context, callerID, id, phoneNumber string) (string, error) {
	machine, err := g.registry.Get(id, callerID)
	if err != nil {
		return "", err
	}
	return machine.RequestPairingCode(ctx, phoneNumber)
}

// IssueCommand executes a protocol command against a connected session.
func (g *Gateway) IssueCommand(ctx context.Context, callerID, id, op string, args map[string]any) (any, error) {
	machine, err := g.registry.Get(id, callerID)
	if err != nil {
		return nil, err
	}
	return machine.IssueCommand(ctx, op, args)
}

// SessionPresence returns the reconciled presence record for a chat.
func (g *Gateway) SessionPresence(callerID, id, chatID string) (*presence.Record, error) {
	machine, err := g.registry.Get(id, callerID)
	if err != nil {
		return nil, err
	}
	return machine.Presence(chatID), nil
}

// mapStoreErr translates record-store outage errors into the facade's
// taxonomy; everything else passes through.
func mapStoreErr(err error) error {
	if errors.Is(err, store.ErrUnavailable) {
		return fmt.Errorf("%w: %v", ErrServiceUnavailable, err)
	}
	return err
}
