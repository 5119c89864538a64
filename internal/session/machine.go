// ABOUTME: Per-session finite-state machine driving connect, pairing, reconnect, teardown.
// ABOUTME: Serializes commands through the queue and emits session.status events per transition.

package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/relaymesh/chatgate/internal/event"
	"github.com/relaymesh/chatgate/internal/presence"
	"github.com/relaymesh/chatgate/internal/store"
	"github.com/relaymesh/chatgate/internal/transport"
)

// persistTimeout bounds the status-snapshot write per transition.
const persistTimeout = 5 * time.Second

// Config holds the lifecycle tuning knobs for a session machine.
// Zero values fall back to the stated defaults.
type Config struct {
	PairingTimeout    time.Duration // default 60s
	ReconnectBase     time.Duration // default 2s
	ReconnectCap      time.Duration // default 60s
	ReconnectAttempts int           // default 5
	CommandQueueSize  int           // default 64
}

func (c Config) withDefaults() Config {
	if c.PairingTimeout <= 0 {
		c.PairingTimeout = 60 * time.Second
	}
	if c.ReconnectBase <= 0 {
		c.ReconnectBase = 2 * time.Second
	}
	if c.ReconnectCap <= 0 {
		c.ReconnectCap = 60 * time.Second
	}
	if c.ReconnectAttempts <= 0 {
		c.ReconnectAttempts = 5
	}
	if c.CommandQueueSize <= 0 {
		c.CommandQueueSize = 64
	}
	return c
}

// MachineParams bundles the dependencies for NewMachine.
type MachineParams struct {
	ID            string
	OwnerID       string
	Name          string
	SessionConfig store.SessionConfig
	Config        Config
	Factory       transport.Factory
	Bus           *event.Bus
	Store         store.Store
	Clock         clockwork.Clock // nil means real clock
	Logger        *slog.Logger    // nil means slog.Default
	InitialStatus Status          // zero value means CREATED
}

// Machine owns one session's lifecycle. All mutable fields are guarded by
// mu; the machine is the only writer. No lock is held across transport or
// store I/O.
type Machine struct {
	id         string
	ownerID    string
	name       string
	sessionCfg store.SessionConfig
	cfg        Config
	factory    transport.Factory
	bus        *event.Bus
	store      store.Store
	clock      clockwork.Clock
	logger     *slog.Logger
	presence   *presence.Store

	mu     sync.Mutex
	status Status
	seq    uint64

	// gen identifies the current transport epoch. It increments whenever a
	// new transport is allocated or the session tears down, so callbacks
	// from superseded transports are ignored.
	gen uint64

	transport     transport.Transport
	queue         *commandQueue
	artifact      *transport.PairingArtifact
	reconnects    int
	pairingCancel chan struct{}
	connectCancel context.CancelFunc
}

// NewMachine creates a session machine in its initial state. It does not
// touch the transport until Start.
func NewMachine(p MachineParams) *Machine {
	if p.Clock == nil {
		p.Clock = clockwork.NewRealClock()
	}
	if p.Logger == nil {
		p.Logger = slog.Default()
	}
	if p.InitialStatus == "" {
		p.InitialStatus = StatusCreated
	}
	logger := p.Logger.With("component", "session", "session_id", p.ID)

	return &Machine{
		id:         p.ID,
		ownerID:    p.OwnerID,
		name:       p.Name,
		sessionCfg: p.SessionConfig,
		cfg:        p.Config.withDefaults(),
		factory:    p.Factory,
		bus:        p.Bus,
		store:      p.Store,
		clock:      p.Clock,
		logger:     logger,
		presence:   presence.NewStore(logger),
		status:     p.InitialStatus,
	}
}

// ID returns the session id.
func (m *Machine) ID() string { return m.id }

// OwnerID returns the owning user id.
func (m *Machine) OwnerID() string { return m.ownerID }

// Name returns the session's human name.
func (m *Machine) Name() string { return m.name }

// Status returns the current lifecycle state.
func (m *Machine) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// PairingArtifact returns the current QR payload, or nil outside pairing.
func (m *Machine) PairingArtifact() *transport.PairingArtifact {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.artifact == nil {
		return nil
	}
	a := *m.artifact
	return &a
}

// Presence returns the reconciled presence record for a chat.
func (m *Machine) Presence(chatID string) *presence.Record {
	return m.presence.Get(chatID)
}

// Start allocates a transport and begins connecting. Valid only from
// CREATED or STOPPED; anything else is a conflict, including a start
// racing an in-flight restart.
func (m *Machine) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.status.startable() {
		return fmt.Errorf("%w: session %s is %s", ErrConflict, m.id, m.status)
	}
	return m.startLocked()
}

// startLocked opens a new transport epoch and kicks off the connect.
// Caller holds mu and has already settled the state check.
func (m *Machine) startLocked() error {
	m.gen++
	gen := m.gen
	m.reconnects = 0

	m.setStatusLocked(StatusStarting, "")

	t, err := m.factory(m.sessionCfg, func(ev transport.RawEvent) {
		m.handleRaw(gen, ev)
	})
	if err != nil {
		m.setStatusLocked(StatusFailed, err.Error())
		return fmt.Errorf("allocating transport: %w", err)
	}
	m.transport = t

	cctx, cancel := context.WithCancel(context.Background())
	m.connectCancel = cancel
	go m.connect(cctx, gen, t)
	return nil
}

// connect runs the blocking transport connect off the lock, then moves the
// machine to SCAN_QR_CODE (or handles the failure) if the epoch is still
// current.
func (m *Machine) connect(ctx context.Context, gen uint64, t transport.Transport) {
	artifact, err := t.Connect(ctx)

	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.gen {
		return
	}

	if err != nil {
		m.logger.Warn("transport connect failed", "error", err)
		if m.status == StatusReconnecting {
			// Treat a failed reconnect like another recoverable drop.
			m.handleDisconnectLocked(&transport.Disconnected{Reason: err.Error(), Recoverable: true})
			return
		}
		m.dropTransportLocked()
		m.setStatusLocked(StatusFailed, err.Error())
		return
	}

	// Pairing may already have completed (engine held credentials and
	// emitted PairSuccess before Connect returned).
	if m.status != StatusStarting && m.status != StatusReconnecting {
		return
	}

	m.artifact = artifact
	m.setStatusLocked(StatusScanQRCode, "")
	m.startPairingTimerLocked(gen)
}

// startPairingTimerLocked arms the pairing timeout for the current epoch.
func (m *Machine) startPairingTimerLocked(gen uint64) {
	cancel := make(chan struct{})
	m.pairingCancel = cancel

	go func() {
		select {
		case <-m.clock.After(m.cfg.PairingTimeout):
		case <-cancel:
			return
		}

		m.mu.Lock()
		defer m.mu.Unlock()
		if gen != m.gen || m.status != StatusScanQRCode {
			return
		}
		m.logger.Warn("pairing timed out", "timeout", m.cfg.PairingTimeout)
		m.dropTransportLocked()
		m.setStatusLocked(StatusFailed, "pairing timed out")
	}()
}

func (m *Machine) stopPairingTimerLocked() {
	if m.pairingCancel != nil {
		close(m.pairingCancel)
		m.pairingCancel = nil
	}
}

// handleRaw is the transport event callback for epoch gen.
func (m *Machine) handleRaw(gen uint64, ev transport.RawEvent) {
	switch ev.Kind {
	case transport.KindPairSuccess:
		m.onPaired(gen)

	case transport.KindDisconnected:
		m.mu.Lock()
		defer m.mu.Unlock()
		if gen != m.gen {
			return
		}
		m.handleDisconnectLocked(ev.Disconnected)

	case transport.KindPresence, transport.KindChatState:
		rec, ok := m.presence.Apply(ev)
		if !ok {
			return
		}
		m.mu.Lock()
		defer m.mu.Unlock()
		if gen != m.gen {
			return
		}
		m.emitLocked(event.TypePresenceUpdate, rec)

	case transport.KindMessage:
		m.mu.Lock()
		defer m.mu.Unlock()
		if gen != m.gen || !m.status.live() {
			return
		}
		m.emitLocked(event.TypeMessage, ev.Message)

	default:
		m.logger.Debug("dropping unrecognized transport event", "kind", ev.Kind.String())
	}
}

// onPaired moves the session to CONNECTED and starts the command queue.
func (m *Machine) onPaired(gen uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.gen {
		return
	}

	switch m.status {
	case StatusStarting, StatusScanQRCode, StatusReconnecting:
	default:
		return
	}

	m.stopPairingTimerLocked()
	m.artifact = nil
	m.reconnects = 0

	m.queue = newCommandQueue(m.cfg.CommandQueueSize)
	go m.runCommands(m.queue, m.transport)

	m.setStatusLocked(StatusConnected, "")
}

// handleDisconnectLocked applies the reconnection policy. Caller holds mu
// and has verified the epoch.
func (m *Machine) handleDisconnectLocked(d *transport.Disconnected) {
	if d == nil || !m.status.live() {
		return
	}

	m.stopPairingTimerLocked()
	m.stopQueueLocked()
	m.dropTransportLocked()

	if !d.Recoverable {
		m.logger.Warn("unrecoverable disconnect", "reason", d.Reason)
		m.setStatusLocked(StatusFailed, d.Reason)
		return
	}

	m.reconnects++
	if m.reconnects > m.cfg.ReconnectAttempts {
		m.logger.Warn("reconnect attempts exhausted", "attempts", m.cfg.ReconnectAttempts)
		m.setStatusLocked(StatusFailed, "reconnect attempts exhausted")
		return
	}

	m.setStatusLocked(StatusReconnecting, d.Reason)

	delay := backoffDelay(m.cfg.ReconnectBase, m.cfg.ReconnectCap, m.reconnects)
	gen := m.gen
	m.logger.Info("scheduling reconnect",
		"attempt", m.reconnects,
		"delay", delay,
		"reason", d.Reason,
	)

	go func() {
		<-m.clock.After(delay)
		m.reconnect(gen)
	}()
}

// reconnect allocates a fresh transport for a session still in
// RECONNECTING. Runs off the lock after the backoff delay.
func (m *Machine) reconnect(gen uint64) {
	m.mu.Lock()
	if gen != m.gen || m.status != StatusReconnecting {
		m.mu.Unlock()
		return
	}

	m.gen++
	next := m.gen

	t, err := m.factory(m.sessionCfg, func(ev transport.RawEvent) {
		m.handleRaw(next, ev)
	})
	if err != nil {
		m.logger.Warn("reconnect transport allocation failed", "error", err)
		m.handleDisconnectLocked(&transport.Disconnected{Reason: err.Error(), Recoverable: true})
		m.mu.Unlock()
		return
	}
	m.transport = t

	cctx, cancel := context.WithCancel(context.Background())
	m.connectCancel = cancel
	m.mu.Unlock()

	go m.connect(cctx, next, t)
}

// runCommands is the single consumer for a session's command queue.
func (m *Machine) runCommands(q *commandQueue, t transport.Transport) {
	for {
		select {
		case <-q.done:
			q.drain(m.id)
			return
		case cmd := <-q.ch:
			// Teardown may have closed the queue after this command was
			// buffered; fail it instead of touching a dead transport.
			select {
			case <-q.done:
				cmd.reply <- cmdResult{err: queueClosedErr(m.id)}
				continue
			default:
			}

			value, err := t.Execute(cmd.ctx, cmd.op, cmd.args)
			cmd.reply <- cmdResult{value: value, err: err}
		}
	}
}

// IssueCommand executes a protocol command against a CONNECTED session.
// Commands are serialized per session in FIFO submission order; the caller
// blocks until its turn completes or ctx is cancelled.
func (m *Machine) IssueCommand(ctx context.Context, op string, args map[string]any) (any, error) {
	m.mu.Lock()
	if m.status != StatusConnected || m.queue == nil {
		err := fmt.Errorf("%w: session %s is %s", ErrNotConnected, m.id, m.status)
		m.mu.Unlock()
		return nil, err
	}
	q := m.queue
	m.mu.Unlock()

	cmd := &command{ctx: ctx, op: op, args: args, reply: make(chan cmdResult, 1)}

	select {
	case q.ch <- cmd:
	case <-q.done:
		return nil, queueClosedErr(m.id)
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case res := <-cmd.reply:
		return res.value, res.err
	case <-q.done:
		// Teardown raced our enqueue. The closer's drain may already have
		// answered us; prefer that reply.
		select {
		case res := <-cmd.reply:
			return res.value, res.err
		default:
			return nil, queueClosedErr(m.id)
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// RequestPairingCode asks the engine for a numeric pairing code. Valid
// only while STARTING or SCAN_QR_CODE.
func (m *Machine) RequestPairingCode(ctx context.Context, phoneNumber string) (string, error) {
	m.mu.Lock()
	if m.status != StatusStarting && m.status != StatusScanQRCode {
		err := fmt.Errorf("%w: cannot request pairing code while %s", ErrInvalidState, m.status)
		m.mu.Unlock()
		return "", err
	}
	t := m.transport
	m.mu.Unlock()

	if t == nil {
		return "", fmt.Errorf("%w: transport not yet allocated", ErrInvalidState)
	}
	return t.RequestPairingCode(ctx, phoneNumber)
}

// Restart tears the session down and starts it again. External observers
// see STOPPED followed by STARTING. Teardown and restart happen under one
// critical section, so a Start racing a restart is the call that gets
// ErrConflict, never the restart.
func (m *Machine) Restart(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.status.startable() {
		m.teardownLocked()
		m.setStatusLocked(StatusStopped, "restart")
	}
	return m.startLocked()
}

// Logout tears the session down terminally and clears persisted engine
// credentials. Idempotent: a session already CREATED or STOPPED is left
// alone.
func (m *Machine) Logout(ctx context.Context) error {
	m.mu.Lock()
	if m.status == StatusCreated || m.status == StatusStopped {
		m.mu.Unlock()
		return nil
	}
	m.teardownLocked()
	m.setStatusLocked(StatusStopped, "logout")
	m.mu.Unlock()

	if err := m.store.DeleteCredentials(ctx, m.id); err != nil {
		m.logger.Warn("clearing credentials failed", "error", err)
	}
	return nil
}

// teardownLocked releases the transport, the command queue, and all
// in-memory session state without emitting a status event.
func (m *Machine) teardownLocked() {
	m.stopPairingTimerLocked()
	m.stopQueueLocked()
	m.dropTransportLocked()
	m.reconnects = 0
	m.presence.Reset()
}

// dropTransportLocked ends the current transport epoch and disconnects
// the transport asynchronously. Bumping gen here invalidates every
// callback still tied to the dropped transport, including a cancelled
// connect whose result has not landed yet.
func (m *Machine) dropTransportLocked() {
	m.gen++
	if m.connectCancel != nil {
		m.connectCancel()
		m.connectCancel = nil
	}
	m.artifact = nil
	if m.transport != nil {
		t := m.transport
		m.transport = nil
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := t.Disconnect(ctx); err != nil {
				m.logger.Debug("transport disconnect failed", "error", err)
			}
		}()
	}
}

func (m *Machine) stopQueueLocked() {
	if m.queue != nil {
		q := m.queue
		m.queue = nil
		q.close(m.id)
	}
}

// setStatusLocked applies a transition, emitting exactly one
// session.status event and persisting the snapshot. A no-op when the
// status is unchanged.
func (m *Machine) setStatusLocked(status Status, reason string) {
	if m.status == status {
		return
	}
	m.status = status
	m.logger.Info("session status changed", "status", string(status), "reason", reason)

	m.emitLocked(event.TypeSessionStatus, &event.StatusPayload{
		Status: string(status),
		Reason: reason,
	})

	// Off the lock: a slow store must not block Status or command entry.
	go m.persistStatus(status)
}

// emitLocked publishes an event with the next per-session sequence number.
func (m *Machine) emitLocked(typ event.Type, payload any) {
	m.seq++
	m.bus.Publish(&event.Event{
		ID:         uuid.New().String(),
		SessionID:  m.id,
		Type:       typ,
		Seq:        m.seq,
		Payload:    payload,
		OccurredAt: m.clock.Now(),
	})
}

// persistStatus best-effort writes the status snapshot. Store
// unavailability is logged, never surfaced: the in-memory machine is the
// source of truth while live, and boot-time restore normalizes whatever
// snapshot landed last.
func (m *Machine) persistStatus(status Status) {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	var lastConnected *time.Time
	if status == StatusConnected {
		now := m.clock.Now()
		lastConnected = &now
	}

	if err := m.store.SaveSessionStatus(ctx, m.id, string(status), lastConnected); err != nil {
		m.logger.Warn("persisting session status failed", "status", string(status), "error", err)
	}
}

// backoffDelay computes the exponential delay for the given attempt
// (1-based), capped.
func backoffDelay(base, limit time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= limit {
			return limit
		}
	}
	if d > limit {
		return limit
	}
	return d
}
