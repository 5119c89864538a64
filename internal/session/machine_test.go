// ABOUTME: Tests for the session state machine.
// ABOUTME: Covers start/pairing, timeout, reconnect policy, command queue, restart, logout.

package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaymesh/chatgate/internal/event"
	"github.com/relaymesh/chatgate/internal/store"
	"github.com/relaymesh/chatgate/internal/transport"
)

// fakeTransport is a scriptable Transport driven directly by tests.
type fakeTransport struct {
	mu           sync.Mutex
	onEvent      transport.EventFunc
	connectErr   error
	executed     []string
	disconnected bool

	// One-shot gates. When set, the next Connect/Execute closes entered
	// and parks until release is closed.
	connectEntered chan struct{}
	connectRelease chan struct{}
	executeEntered chan struct{}
	executeRelease chan struct{}
}

func (f *fakeTransport) Connect(ctx context.Context) (*transport.PairingArtifact, error) {
	f.mu.Lock()
	err := f.connectErr
	entered, release := f.connectEntered, f.connectRelease
	f.connectEntered, f.connectRelease = nil, nil
	f.mu.Unlock()
	if entered != nil {
		close(entered)
	}
	if release != nil {
		select {
		case <-release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	return &transport.PairingArtifact{QRPayload: "qr-payload"}, nil
}

func (f *fakeTransport) RequestPairingCode(ctx context.Context, phoneNumber string) (string, error) {
	return "CODE-1234", nil
}

func (f *fakeTransport) Execute(ctx context.Context, op string, args map[string]any) (any, error) {
	f.mu.Lock()
	entered, release := f.executeEntered, f.executeRelease
	f.executeEntered, f.executeRelease = nil, nil
	f.mu.Unlock()
	if entered != nil {
		close(entered)
	}
	if release != nil {
		<-release
	}
	f.mu.Lock()
	f.executed = append(f.executed, op)
	f.mu.Unlock()
	return map[string]any{"op": op}, nil
}

// gateNextExecute parks the next Execute call until release is closed,
// closing entered once the consumer is inside it.
func (f *fakeTransport) gateNextExecute() (entered, release chan struct{}) {
	entered = make(chan struct{})
	release = make(chan struct{})
	f.mu.Lock()
	f.executeEntered, f.executeRelease = entered, release
	f.mu.Unlock()
	return entered, release
}

func (f *fakeTransport) Disconnect(ctx context.Context) error {
	f.mu.Lock()
	f.disconnected = true
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) emit(ev transport.RawEvent) {
	f.mu.Lock()
	cb := f.onEvent
	f.mu.Unlock()
	cb(ev)
}

func (f *fakeTransport) pair() {
	f.emit(transport.RawEvent{
		Kind:        transport.KindPairSuccess,
		PairSuccess: &transport.PairSuccess{DeviceID: "device-1"},
	})
}

func (f *fakeTransport) drop(reason string, recoverable bool) {
	f.emit(transport.RawEvent{
		Kind:         transport.KindDisconnected,
		Disconnected: &transport.Disconnected{Reason: reason, Recoverable: recoverable},
	})
}

func (f *fakeTransport) ops() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.executed...)
}

// fakeFactory tracks every transport it hands out.
type fakeFactory struct {
	mu             sync.Mutex
	transports     []*fakeTransport
	factoryErr     error
	connectErr     error
	beforeAllocate func() // runs before allocating, outside the factory lock
	connectEntered chan struct{}
	connectRelease chan struct{}
}

func (ff *fakeFactory) factory(cfg store.SessionConfig, onEvent transport.EventFunc) (transport.Transport, error) {
	ff.mu.Lock()
	hook := ff.beforeAllocate
	ff.mu.Unlock()
	if hook != nil {
		hook()
	}

	ff.mu.Lock()
	defer ff.mu.Unlock()
	if ff.factoryErr != nil {
		return nil, ff.factoryErr
	}
	ft := &fakeTransport{
		onEvent:        onEvent,
		connectErr:     ff.connectErr,
		connectEntered: ff.connectEntered,
		connectRelease: ff.connectRelease,
	}
	ff.connectEntered, ff.connectRelease = nil, nil
	ff.transports = append(ff.transports, ft)
	return ft, nil
}

// gateNextConnect parks the next allocated transport's Connect until
// release is closed or its ctx is cancelled.
func (ff *fakeFactory) gateNextConnect() (entered, release chan struct{}) {
	entered = make(chan struct{})
	release = make(chan struct{})
	ff.mu.Lock()
	ff.connectEntered, ff.connectRelease = entered, release
	ff.mu.Unlock()
	return entered, release
}

func (ff *fakeFactory) transport(i int) *fakeTransport {
	ff.mu.Lock()
	defer ff.mu.Unlock()
	if i >= len(ff.transports) {
		return nil
	}
	return ff.transports[i]
}

func (ff *fakeFactory) count() int {
	ff.mu.Lock()
	defer ff.mu.Unlock()
	return len(ff.transports)
}

type machineFixture struct {
	machine *Machine
	factory *fakeFactory
	store   *store.MockStore
	bus     *event.Bus
	events  <-chan *event.Event
	clock   *clockwork.FakeClock
}

func newMachineFixture(t *testing.T, cfg Config) *machineFixture {
	t.Helper()

	fc := clockwork.NewFakeClock()
	ff := &fakeFactory{}
	mockStore := store.NewMockStore()
	bus := event.NewBus(nil)
	t.Cleanup(bus.Close)

	now := fc.Now()
	require.NoError(t, mockStore.CreateSession(context.Background(), &store.SessionRecord{
		ID:        "sess-1",
		OwnerID:   "user-1",
		Name:      "primary",
		Status:    string(StatusCreated),
		CreatedAt: now,
		UpdatedAt: now,
	}))

	machine := NewMachine(MachineParams{
		ID:            "sess-1",
		OwnerID:       "user-1",
		Name:          "primary",
		Config:        cfg,
		Factory:       ff.factory,
		Bus:           bus,
		Store:         mockStore,
		Clock:         fc,
	})

	events, _ := bus.Subscribe(context.Background(), "sess-1")

	return &machineFixture{
		machine: machine,
		factory: ff,
		store:   mockStore,
		bus:     bus,
		events:  events,
		clock:   fc,
	}
}

// nextStatus blocks until the next session.status event arrives.
func nextStatus(t *testing.T, ch <-chan *event.Event) *event.StatusPayload {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-ch:
			if ev.Type == event.TypeSessionStatus {
				return ev.Payload.(*event.StatusPayload)
			}
		case <-deadline:
			t.Fatal("timeout waiting for status event")
			return nil
		}
	}
}

func waitForStatus(t *testing.T, m *Machine, want Status) {
	t.Helper()
	require.Eventually(t, func() bool {
		return m.Status() == want
	}, 2*time.Second, 5*time.Millisecond, "expected status %s, got %s", want, m.Status())
}

func TestStartMovesToScanQRCode(t *testing.T) {
	fx := newMachineFixture(t, Config{})

	require.NoError(t, fx.machine.Start(context.Background()))

	assert.Equal(t, "STARTING", nextStatus(t, fx.events).Status)
	assert.Equal(t, "SCAN_QR_CODE", nextStatus(t, fx.events).Status)

	artifact := fx.machine.PairingArtifact()
	require.NotNil(t, artifact)
	assert.Equal(t, "qr-payload", artifact.QRPayload)
}

func TestStartWhileLiveIsConflict(t *testing.T) {
	fx := newMachineFixture(t, Config{})

	require.NoError(t, fx.machine.Start(context.Background()))
	waitForStatus(t, fx.machine, StatusScanQRCode)

	err := fx.machine.Start(context.Background())
	assert.ErrorIs(t, err, ErrConflict)
}

func TestStartFactoryErrorFails(t *testing.T) {
	fx := newMachineFixture(t, Config{})
	fx.factory.factoryErr = errors.New("engine offline")

	err := fx.machine.Start(context.Background())
	require.Error(t, err)
	assert.Equal(t, StatusFailed, fx.machine.Status())
}

func TestStartConnectErrorFails(t *testing.T) {
	fx := newMachineFixture(t, Config{})
	fx.factory.connectErr = errors.New("dial refused")

	require.NoError(t, fx.machine.Start(context.Background()))
	waitForStatus(t, fx.machine, StatusFailed)
}

func TestPairSuccessConnects(t *testing.T) {
	fx := newMachineFixture(t, Config{})

	require.NoError(t, fx.machine.Start(context.Background()))
	waitForStatus(t, fx.machine, StatusScanQRCode)

	fx.factory.transport(0).pair()
	waitForStatus(t, fx.machine, StatusConnected)

	assert.Nil(t, fx.machine.PairingArtifact(), "artifact cleared once paired")

	// Status snapshot persisted with a last-connected timestamp. The write
	// happens off the machine lock, so wait for it.
	require.Eventually(t, func() bool {
		rec, err := fx.store.GetSession(context.Background(), "sess-1")
		return err == nil && rec.Status == "CONNECTED" && rec.LastConnectedAt != nil
	}, 2*time.Second, 5*time.Millisecond)
}

func TestPairingTimeout(t *testing.T) {
	cfg := Config{PairingTimeout: 30 * time.Second}
	fx := newMachineFixture(t, cfg)

	require.NoError(t, fx.machine.Start(context.Background()))
	waitForStatus(t, fx.machine, StatusScanQRCode)

	// Wait for the timer goroutine to arm, then fire it.
	fx.clock.BlockUntil(1)
	fx.clock.Advance(31 * time.Second)

	waitForStatus(t, fx.machine, StatusFailed)

	assert.Equal(t, "STARTING", nextStatus(t, fx.events).Status)
	assert.Equal(t, "SCAN_QR_CODE", nextStatus(t, fx.events).Status)
	failed := nextStatus(t, fx.events)
	assert.Equal(t, "FAILED", failed.Status)
	assert.Equal(t, "pairing timed out", failed.Reason)

	// Exactly one terminal event: nothing further shows up.
	select {
	case ev := <-fx.events:
		t.Fatalf("unexpected extra event %s", ev.Type)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPairingCancelsTimeout(t *testing.T) {
	cfg := Config{PairingTimeout: 30 * time.Second}
	fx := newMachineFixture(t, cfg)

	require.NoError(t, fx.machine.Start(context.Background()))
	waitForStatus(t, fx.machine, StatusScanQRCode)
	fx.clock.BlockUntil(1)

	fx.factory.transport(0).pair()
	waitForStatus(t, fx.machine, StatusConnected)

	// The stale timer must not fire after pairing.
	fx.clock.Advance(31 * time.Second)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, StatusConnected, fx.machine.Status())
}

func TestIssueCommandBeforePairing(t *testing.T) {
	fx := newMachineFixture(t, Config{})

	require.NoError(t, fx.machine.Start(context.Background()))
	waitForStatus(t, fx.machine, StatusScanQRCode)

	_, err := fx.machine.IssueCommand(context.Background(), "sendMessage", nil)
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestIssueCommandsRunInOrder(t *testing.T) {
	fx := newMachineFixture(t, Config{})

	require.NoError(t, fx.machine.Start(context.Background()))
	waitForStatus(t, fx.machine, StatusScanQRCode)
	fx.factory.transport(0).pair()
	waitForStatus(t, fx.machine, StatusConnected)

	for _, op := range []string{"first", "second", "third"} {
		result, err := fx.machine.IssueCommand(context.Background(), op, nil)
		require.NoError(t, err)
		require.NotNil(t, result)
	}

	assert.Equal(t, []string{"first", "second", "third"}, fx.factory.transport(0).ops())
}

func TestConcurrentIssueCommandsFIFO(t *testing.T) {
	fx := newMachineFixture(t, Config{})

	require.NoError(t, fx.machine.Start(context.Background()))
	waitForStatus(t, fx.machine, StatusScanQRCode)
	tr := fx.factory.transport(0)
	tr.pair()
	waitForStatus(t, fx.machine, StatusConnected)

	// Park the consumer inside the first command so the rest stack up
	// behind it.
	entered, release := tr.gateNextExecute()

	results := make(chan error, 6)
	go func() {
		_, err := fx.machine.IssueCommand(context.Background(), "cmd-0", nil)
		results <- err
	}()
	<-entered

	fx.machine.mu.Lock()
	q := fx.machine.queue
	fx.machine.mu.Unlock()

	// Concurrent submitters, each confirmed enqueued before the next one
	// goes in, so the expected execution order is known.
	for i := 1; i <= 5; i++ {
		op := fmt.Sprintf("cmd-%d", i)
		go func() {
			_, err := fx.machine.IssueCommand(context.Background(), op, nil)
			results <- err
		}()
		want := i
		require.Eventually(t, func() bool {
			return len(q.ch) == want
		}, 2*time.Second, time.Millisecond)
	}

	close(release)
	for i := 0; i < 6; i++ {
		require.NoError(t, <-results)
	}

	assert.Equal(t, []string{"cmd-0", "cmd-1", "cmd-2", "cmd-3", "cmd-4", "cmd-5"}, tr.ops())
}

func TestTeardownFailsQueuedCommands(t *testing.T) {
	fx := newMachineFixture(t, Config{})

	require.NoError(t, fx.machine.Start(context.Background()))
	waitForStatus(t, fx.machine, StatusScanQRCode)
	tr := fx.factory.transport(0)
	tr.pair()
	waitForStatus(t, fx.machine, StatusConnected)

	entered, release := tr.gateNextExecute()

	blockerErr := make(chan error, 1)
	go func() {
		_, err := fx.machine.IssueCommand(context.Background(), "blocker", nil)
		blockerErr <- err
	}()
	<-entered

	// Three commands queue behind the in-flight one.
	queued := make(chan error, 3)
	for i := 0; i < 3; i++ {
		go func() {
			_, err := fx.machine.IssueCommand(context.Background(), "queued", nil)
			queued <- err
		}()
	}

	fx.machine.mu.Lock()
	q := fx.machine.queue
	fx.machine.mu.Unlock()
	require.Eventually(t, func() bool {
		return len(q.ch) == 3
	}, 2*time.Second, time.Millisecond)

	require.NoError(t, fx.machine.Logout(context.Background()))

	// Every queued waiter fails right away rather than hanging or being
	// silently dropped.
	for i := 0; i < 3; i++ {
		select {
		case err := <-queued:
			assert.ErrorIs(t, err, ErrNotConnected)
		case <-time.After(2 * time.Second):
			t.Fatal("queued command was never answered")
		}
	}
	assert.ErrorIs(t, <-blockerErr, ErrNotConnected)

	// The queued commands never reached the transport.
	close(release)
	require.Eventually(t, func() bool {
		return len(tr.ops()) == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"blocker"}, tr.ops())
}

func TestIssueCommandAfterLogout(t *testing.T) {
	fx := newMachineFixture(t, Config{})

	require.NoError(t, fx.machine.Start(context.Background()))
	waitForStatus(t, fx.machine, StatusScanQRCode)
	fx.factory.transport(0).pair()
	waitForStatus(t, fx.machine, StatusConnected)

	require.NoError(t, fx.machine.Logout(context.Background()))

	_, err := fx.machine.IssueCommand(context.Background(), "sendMessage", nil)
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestRecoverableDisconnectReconnects(t *testing.T) {
	cfg := Config{ReconnectBase: 2 * time.Second, ReconnectCap: 60 * time.Second}
	fx := newMachineFixture(t, cfg)

	require.NoError(t, fx.machine.Start(context.Background()))
	waitForStatus(t, fx.machine, StatusScanQRCode)
	fx.clock.BlockUntil(1)
	fx.factory.transport(0).pair()
	waitForStatus(t, fx.machine, StatusConnected)

	fx.factory.transport(0).drop("stream error", true)
	waitForStatus(t, fx.machine, StatusReconnecting)

	// Fire the backoff timer; a fresh transport is allocated. The abandoned
	// pairing timer still counts as a fake-clock waiter, hence 2.
	fx.clock.BlockUntil(2)
	fx.clock.Advance(3 * time.Second)
	require.Eventually(t, func() bool {
		return fx.factory.count() == 2
	}, 2*time.Second, 5*time.Millisecond)

	waitForStatus(t, fx.machine, StatusScanQRCode)
	fx.factory.transport(1).pair()
	waitForStatus(t, fx.machine, StatusConnected)

	// The dropped transport was disconnected during teardown.
	require.Eventually(t, func() bool {
		first := fx.factory.transport(0)
		first.mu.Lock()
		defer first.mu.Unlock()
		return first.disconnected
	}, 2*time.Second, 5*time.Millisecond)
}

func TestUnrecoverableDisconnectFails(t *testing.T) {
	fx := newMachineFixture(t, Config{})

	require.NoError(t, fx.machine.Start(context.Background()))
	waitForStatus(t, fx.machine, StatusScanQRCode)
	fx.factory.transport(0).pair()
	waitForStatus(t, fx.machine, StatusConnected)

	fx.factory.transport(0).drop("logged out remotely", false)
	waitForStatus(t, fx.machine, StatusFailed)

	assert.Equal(t, 1, fx.factory.count(), "no reconnect after an unrecoverable drop")
}

func TestReconnectAttemptsExhausted(t *testing.T) {
	cfg := Config{
		ReconnectBase:     time.Second,
		ReconnectCap:      time.Second,
		ReconnectAttempts: 1,
	}
	fx := newMachineFixture(t, cfg)

	require.NoError(t, fx.machine.Start(context.Background()))
	waitForStatus(t, fx.machine, StatusScanQRCode)
	fx.clock.BlockUntil(1)
	fx.factory.transport(0).pair()
	waitForStatus(t, fx.machine, StatusConnected)

	// Every future connect fails, so the single allowed attempt burns out.
	fx.factory.mu.Lock()
	fx.factory.connectErr = errors.New("network down")
	fx.factory.mu.Unlock()

	fx.factory.transport(0).drop("stream error", true)
	waitForStatus(t, fx.machine, StatusReconnecting)

	fx.clock.BlockUntil(2)
	fx.clock.Advance(2 * time.Second)

	waitForStatus(t, fx.machine, StatusFailed)
}

func TestDisconnectDuringReconnectBurnsOneAttempt(t *testing.T) {
	cfg := Config{
		ReconnectBase:     time.Second,
		ReconnectCap:      time.Second,
		ReconnectAttempts: 2,
	}
	fx := newMachineFixture(t, cfg)

	require.NoError(t, fx.machine.Start(context.Background()))
	waitForStatus(t, fx.machine, StatusScanQRCode)
	fx.clock.BlockUntil(1)
	fx.factory.transport(0).pair()
	waitForStatus(t, fx.machine, StatusConnected)

	// Attempt 1: the replacement transport parks inside Connect.
	entered, release := fx.factory.gateNextConnect()
	t.Cleanup(func() { close(release) })

	fx.factory.transport(0).drop("stream error", true)
	waitForStatus(t, fx.machine, StatusReconnecting)

	// The abandoned pairing timer still counts as a fake-clock waiter,
	// hence 2.
	fx.clock.BlockUntil(2)
	fx.clock.Advance(2 * time.Second)
	<-entered

	// A second drop lands while that connect is still in flight. It must
	// cost exactly one attempt: the superseded connect result is stale and
	// may not burn the budget again.
	fx.factory.transport(1).drop("stream error", true)
	waitForStatus(t, fx.machine, StatusReconnecting)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, StatusReconnecting, fx.machine.Status())

	// One attempt is left, so the next backoff still yields a transport.
	fx.clock.BlockUntil(2)
	fx.clock.Advance(2 * time.Second)
	require.Eventually(t, func() bool {
		return fx.factory.count() == 3
	}, 2*time.Second, 5*time.Millisecond)
}

func TestRequestPairingCode(t *testing.T) {
	fx := newMachineFixture(t, Config{})

	// Invalid before start.
	_, err := fx.machine.RequestPairingCode(context.Background(), "15551234567")
	assert.ErrorIs(t, err, ErrInvalidState)

	require.NoError(t, fx.machine.Start(context.Background()))
	waitForStatus(t, fx.machine, StatusScanQRCode)

	code, err := fx.machine.RequestPairingCode(context.Background(), "15551234567")
	require.NoError(t, err)
	assert.Equal(t, "CODE-1234", code)

	// Invalid once connected.
	fx.factory.transport(0).pair()
	waitForStatus(t, fx.machine, StatusConnected)
	_, err = fx.machine.RequestPairingCode(context.Background(), "15551234567")
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestRestartFromConnected(t *testing.T) {
	fx := newMachineFixture(t, Config{})

	require.NoError(t, fx.machine.Start(context.Background()))
	waitForStatus(t, fx.machine, StatusScanQRCode)
	fx.factory.transport(0).pair()
	waitForStatus(t, fx.machine, StatusConnected)

	require.NoError(t, fx.machine.Restart(context.Background()))
	waitForStatus(t, fx.machine, StatusScanQRCode)

	// Observers saw the teardown before the new start.
	var statuses []string
	for len(statuses) < 5 {
		statuses = append(statuses, nextStatus(t, fx.events).Status)
	}
	assert.Equal(t, []string{"STARTING", "SCAN_QR_CODE", "CONNECTED", "STOPPED", "STARTING"}, statuses)

	assert.Equal(t, 2, fx.factory.count(), "restart allocates a fresh transport")
}

func TestRestartFromFailed(t *testing.T) {
	fx := newMachineFixture(t, Config{})

	require.NoError(t, fx.machine.Start(context.Background()))
	waitForStatus(t, fx.machine, StatusScanQRCode)
	fx.factory.transport(0).drop("logged out remotely", false)
	waitForStatus(t, fx.machine, StatusFailed)

	require.NoError(t, fx.machine.Restart(context.Background()))
	waitForStatus(t, fx.machine, StatusScanQRCode)
}

func TestStartDuringRestartIsConflict(t *testing.T) {
	fx := newMachineFixture(t, Config{})

	require.NoError(t, fx.machine.Start(context.Background()))
	waitForStatus(t, fx.machine, StatusScanQRCode)
	fx.factory.transport(0).pair()
	waitForStatus(t, fx.machine, StatusConnected)

	// Hold the restart inside its critical section while it allocates the
	// replacement transport.
	entered := make(chan struct{})
	gate := make(chan struct{})
	fx.factory.mu.Lock()
	fx.factory.beforeAllocate = func() {
		close(entered)
		<-gate
	}
	fx.factory.mu.Unlock()

	restartErr := make(chan error, 1)
	go func() { restartErr <- fx.machine.Restart(context.Background()) }()
	<-entered

	fx.factory.mu.Lock()
	fx.factory.beforeAllocate = nil
	fx.factory.mu.Unlock()

	startErr := make(chan error, 1)
	go func() { startErr <- fx.machine.Start(context.Background()) }()

	close(gate)

	require.NoError(t, <-restartErr, "the restart wins the race")
	assert.ErrorIs(t, <-startErr, ErrConflict, "the racing start is the rejected call")
}

func TestLogoutClearsCredentials(t *testing.T) {
	fx := newMachineFixture(t, Config{})
	ctx := context.Background()

	require.NoError(t, fx.store.SaveCredentials(ctx, "sess-1", []byte("creds")))

	require.NoError(t, fx.machine.Start(context.Background()))
	waitForStatus(t, fx.machine, StatusScanQRCode)
	fx.factory.transport(0).pair()
	waitForStatus(t, fx.machine, StatusConnected)

	require.NoError(t, fx.machine.Logout(context.Background()))
	assert.Equal(t, StatusStopped, fx.machine.Status())

	_, err := fx.store.GetCredentials(ctx, "sess-1")
	assert.ErrorIs(t, err, store.ErrNotFound)

	// Presence state is gone after teardown.
	assert.Empty(t, fx.machine.Presence("1234@s.whatsapp.net").Participants)
}

func TestLogoutIdempotent(t *testing.T) {
	fx := newMachineFixture(t, Config{})

	// Logout before any start is a no-op.
	require.NoError(t, fx.machine.Logout(context.Background()))
	assert.Equal(t, StatusCreated, fx.machine.Status())

	require.NoError(t, fx.machine.Start(context.Background()))
	waitForStatus(t, fx.machine, StatusScanQRCode)

	require.NoError(t, fx.machine.Logout(context.Background()))
	require.NoError(t, fx.machine.Logout(context.Background()))
	assert.Equal(t, StatusStopped, fx.machine.Status())
}

func TestMessageEventsPassThrough(t *testing.T) {
	fx := newMachineFixture(t, Config{})

	require.NoError(t, fx.machine.Start(context.Background()))
	waitForStatus(t, fx.machine, StatusScanQRCode)
	fx.factory.transport(0).pair()
	waitForStatus(t, fx.machine, StatusConnected)

	fx.factory.transport(0).emit(transport.RawEvent{
		Kind: transport.KindMessage,
		Message: &transport.MessageEvent{
			ChatID:    "1234@s.whatsapp.net",
			MessageID: "msg-1",
			Text:      "hello",
		},
	})

	require.Eventually(t, func() bool {
		select {
		case ev := <-fx.events:
			return ev.Type == event.TypeMessage
		default:
			return false
		}
	}, 2*time.Second, 5*time.Millisecond)
}

func TestPresenceEventsUpdateStoreAndEmit(t *testing.T) {
	fx := newMachineFixture(t, Config{})

	require.NoError(t, fx.machine.Start(context.Background()))
	waitForStatus(t, fx.machine, StatusScanQRCode)
	fx.factory.transport(0).pair()
	waitForStatus(t, fx.machine, StatusConnected)

	fx.factory.transport(0).emit(transport.RawEvent{
		Kind: transport.KindPresence,
		Presence: &transport.PresenceUpdate{
			From: "1234@s.whatsapp.net",
		},
	})

	require.Eventually(t, func() bool {
		rec := fx.machine.Presence("1234@s.whatsapp.net")
		return len(rec.Participants) == 1
	}, 2*time.Second, 5*time.Millisecond)
}

func TestEventSequenceNumbersIncrease(t *testing.T) {
	fx := newMachineFixture(t, Config{})

	require.NoError(t, fx.machine.Start(context.Background()))
	waitForStatus(t, fx.machine, StatusScanQRCode)
	fx.factory.transport(0).pair()
	waitForStatus(t, fx.machine, StatusConnected)

	var last uint64
	for i := 0; i < 3; i++ {
		select {
		case ev := <-fx.events:
			assert.Greater(t, ev.Seq, last)
			last = ev.Seq
		case <-time.After(2 * time.Second):
			t.Fatal("timeout waiting for events")
		}
	}
}

func TestStaleTransportEventsIgnored(t *testing.T) {
	fx := newMachineFixture(t, Config{})

	require.NoError(t, fx.machine.Start(context.Background()))
	waitForStatus(t, fx.machine, StatusScanQRCode)
	first := fx.factory.transport(0)
	first.pair()
	waitForStatus(t, fx.machine, StatusConnected)

	require.NoError(t, fx.machine.Restart(context.Background()))
	waitForStatus(t, fx.machine, StatusScanQRCode)

	// A disconnect from the superseded transport must not move the machine.
	first.drop("zombie callback", false)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, StatusScanQRCode, fx.machine.Status())
}

// slowStatusStore parks every status snapshot write until gate closes.
type slowStatusStore struct {
	*store.MockStore
	gate chan struct{}
}

func (s *slowStatusStore) SaveSessionStatus(ctx context.Context, id, status string, lastConnected *time.Time) error {
	<-s.gate
	return s.MockStore.SaveSessionStatus(ctx, id, status, lastConnected)
}

func TestSlowStatusPersistDoesNotBlockState(t *testing.T) {
	fc := clockwork.NewFakeClock()
	ff := &fakeFactory{}
	bus := event.NewBus(nil)
	t.Cleanup(bus.Close)

	gate := make(chan struct{})
	st := &slowStatusStore{MockStore: store.NewMockStore(), gate: gate}
	t.Cleanup(func() { close(gate) })

	now := fc.Now()
	require.NoError(t, st.MockStore.CreateSession(context.Background(), &store.SessionRecord{
		ID:        "sess-1",
		OwnerID:   "user-1",
		Name:      "primary",
		Status:    string(StatusCreated),
		CreatedAt: now,
		UpdatedAt: now,
	}))

	machine := NewMachine(MachineParams{
		ID:      "sess-1",
		OwnerID: "user-1",
		Name:    "primary",
		Factory: ff.factory,
		Bus:     bus,
		Store:   st,
		Clock:   fc,
	})

	started := make(chan error, 1)
	go func() { started <- machine.Start(context.Background()) }()
	select {
	case err := <-started:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("start blocked behind the status snapshot write")
	}

	// State stays readable and the machine keeps moving while every
	// snapshot write is parked.
	waitForStatus(t, machine, StatusScanQRCode)
}

func TestBackoffDelay(t *testing.T) {
	base := 2 * time.Second
	limit := 60 * time.Second

	assert.Equal(t, 2*time.Second, backoffDelay(base, limit, 1))
	assert.Equal(t, 4*time.Second, backoffDelay(base, limit, 2))
	assert.Equal(t, 8*time.Second, backoffDelay(base, limit, 3))
	assert.Equal(t, 60*time.Second, backoffDelay(base, limit, 10))
	assert.Equal(t, 2*time.Second, backoffDelay(base, limit, 0), "attempt below 1 clamps")
}
