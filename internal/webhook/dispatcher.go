// ABOUTME: Webhook dispatcher consuming the event bus and delivering with retry/backoff.
// ABOUTME: One serial worker per webhook; every attempt is appended to the delivery log.

package webhook

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/relaymesh/chatgate/internal/event"
	"github.com/relaymesh/chatgate/internal/store"
)

// Config holds delivery tuning. Zero values fall back to the defaults.
type Config struct {
	AttemptTimeout time.Duration // per-request timeout, default 10s
	RetryBase      time.Duration // default 1s
	RetryCap       time.Duration // default 30s
	MaxAttempts    int           // default 3, overridable per webhook
	QueueSize      int           // per-webhook pending events, default 128
}

func (c Config) withDefaults() Config {
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = 10 * time.Second
	}
	if c.RetryBase <= 0 {
		c.RetryBase = time.Second
	}
	if c.RetryCap <= 0 {
		c.RetryCap = 30 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 128
	}
	return c
}

// Params bundles the dependencies for NewDispatcher.
type Params struct {
	Store  store.Store
	Bus    *event.Bus
	Client *http.Client    // nil means http.DefaultClient
	Clock  clockwork.Clock // nil means real clock
	Logger *slog.Logger    // nil means slog.Default
	Config Config
}

// job is one (webhook, event) delivery unit.
type job struct {
	hook *store.Webhook
	ev   *event.Event
}

// hookQueue is the serial delivery lane for one webhook.
type hookQueue struct {
	jobs   chan job
	ctx    context.Context
	cancel context.CancelFunc
}

// Dispatcher fans bus events out to webhook subscribers. Producers never
// block on delivery: the bus hands events to Run's goroutine, which only
// does map lookups and channel sends.
type Dispatcher struct {
	cfg    Config
	store  store.Store
	bus    *event.Bus
	client *http.Client
	clock  clockwork.Clock
	logger *slog.Logger

	mu     sync.Mutex
	queues map[string]*hookQueue // webhook id -> lane
	wg     sync.WaitGroup
}

// NewDispatcher creates a dispatcher. Call Run to start consuming.
func NewDispatcher(p Params) *Dispatcher {
	if p.Client == nil {
		p.Client = http.DefaultClient
	}
	if p.Clock == nil {
		p.Clock = clockwork.NewRealClock()
	}
	if p.Logger == nil {
		p.Logger = slog.Default()
	}
	return &Dispatcher{
		cfg:    p.Config.withDefaults(),
		store:  p.Store,
		bus:    p.Bus,
		client: p.Client,
		clock:  p.Clock,
		logger: p.Logger.With("component", "dispatcher"),
		queues: make(map[string]*hookQueue),
	}
}

// Run consumes the bus firehose until ctx is cancelled, then stops all
// delivery lanes and waits for in-flight work.
func (d *Dispatcher) Run(ctx context.Context) {
	events, _ := d.bus.SubscribeAll(ctx)
	d.logger.Info("dispatcher started")

	for {
		select {
		case <-ctx.Done():
			d.shutdown()
			return
		case ev, ok := <-events:
			if !ok {
				d.shutdown()
				return
			}
			d.dispatch(ctx, ev)
		}
	}
}

// dispatch resolves a single event's webhooks and enqueues matching jobs.
func (d *Dispatcher) dispatch(ctx context.Context, ev *event.Event) {
	hooks, err := d.store.ListWebhooks(ctx, ev.SessionID)
	if err != nil {
		d.logger.Warn("resolving webhooks failed, dropping event",
			"session_id", ev.SessionID,
			"event_type", ev.Type,
			"error", err)
		return
	}

	for _, hook := range hooks {
		if !hook.Active || !hook.Subscribed(string(ev.Type)) {
			continue
		}

		q := d.lane(ctx, hook.ID)
		if q == nil {
			continue
		}
		select {
		case q.jobs <- job{hook: hook, ev: ev}:
		default:
			// The lane is saturated by a stalled endpoint. Dropping here
			// keeps the producer and other webhooks unaffected.
			d.logger.Warn("webhook queue full, dropping event",
				"webhook_id", hook.ID,
				"event_type", ev.Type,
				"seq", ev.Seq)
		}
	}
}

// lane returns the delivery lane for a webhook, creating it on first use.
func (d *Dispatcher) lane(ctx context.Context, webhookID string) *hookQueue {
	d.mu.Lock()
	defer d.mu.Unlock()

	if q, ok := d.queues[webhookID]; ok {
		return q
	}
	if ctx.Err() != nil {
		return nil
	}

	qctx, cancel := context.WithCancel(ctx)
	q := &hookQueue{
		jobs:   make(chan job, d.cfg.QueueSize),
		ctx:    qctx,
		cancel: cancel,
	}
	d.queues[webhookID] = q

	d.wg.Add(1)
	go d.worker(q)
	return q
}

// worker drains one webhook's lane serially, preserving event order.
func (d *Dispatcher) worker(q *hookQueue) {
	defer d.wg.Done()
	for {
		select {
		case <-q.ctx.Done():
			return
		case jb := <-q.jobs:
			d.deliver(q.ctx, jb)
		}
	}
}

// Cancel stops all pending and future deliveries for a webhook. Called
// when the webhook is deleted or deactivated. An in-flight HTTP attempt is
// allowed to finish; no further retry is scheduled.
func (d *Dispatcher) Cancel(webhookID string) {
	d.mu.Lock()
	q, ok := d.queues[webhookID]
	if ok {
		delete(d.queues, webhookID)
	}
	d.mu.Unlock()

	if ok {
		q.cancel()
		d.logger.Debug("webhook deliveries cancelled", "webhook_id", webhookID)
	}
}

// shutdown cancels every lane and waits for workers to exit.
func (d *Dispatcher) shutdown() {
	d.mu.Lock()
	for id, q := range d.queues {
		q.cancel()
		delete(d.queues, id)
	}
	d.mu.Unlock()

	d.wg.Wait()
	d.logger.Info("dispatcher stopped")
}

// deliver runs the attempt/retry loop for one job. Every attempt is
// appended to the delivery log before the next one is scheduled.
func (d *Dispatcher) deliver(ctx context.Context, jb job) {
	body, err := encodePayload(jb.ev)
	if err != nil {
		d.logger.Error("encoding payload failed, dropping delivery",
			"webhook_id", jb.hook.ID, "error", err)
		return
	}
	signature := Sign(jb.hook.Secret, body)

	// A malformed URL fails immediately: one permanent log entry, no
	// retries, and the webhook stays registered for the operator to fix.
	if err := validateURL(jb.hook.URL); err != nil {
		d.logger.Warn("webhook has invalid URL",
			"webhook_id", jb.hook.ID, "url", jb.hook.URL, "error", err)
		d.record(ctx, jb, body, 1, false, 0, err.Error(), true)
		return
	}

	maxAttempts := jb.hook.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = d.cfg.MaxAttempts
	}
	base := jb.hook.BackoffBase
	if base <= 0 {
		base = d.cfg.RetryBase
	}

	for attempt := 1; ; attempt++ {
		if ctx.Err() != nil {
			return
		}

		statusCode, err := d.post(ctx, jb.hook.URL, jb.ev, body, signature)
		success := err == nil && statusCode >= 200 && statusCode < 300

		var errText string
		permanent := false
		if err != nil {
			errText = err.Error()
		} else if !success {
			errText = fmt.Sprintf("unexpected status %d", statusCode)
			permanent = statusCode >= 400 && statusCode < 500 && statusCode != http.StatusTooManyRequests
		}
		d.record(ctx, jb, body, attempt, success, statusCode, errText, permanent)

		if success {
			d.logger.Debug("webhook delivered",
				"webhook_id", jb.hook.ID,
				"event_type", jb.ev.Type,
				"attempt", attempt)
			return
		}
		if attempt >= maxAttempts {
			d.logger.Warn("webhook delivery exhausted",
				"webhook_id", jb.hook.ID,
				"event_type", jb.ev.Type,
				"attempts", attempt)
			return
		}

		select {
		case <-d.clock.After(retryDelay(base, d.cfg.RetryCap, attempt)):
		case <-ctx.Done():
			return
		}
	}
}

// post performs one HTTP attempt. The request deliberately does not
// inherit lane cancellation: an attempt already on the wire runs to
// completion (bounded by AttemptTimeout) even if the webhook is deleted
// mid-flight.
func (d *Dispatcher) post(ctx context.Context, rawURL string, ev *event.Event, body []byte, signature string) (int, error) {
	reqCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.cfg.AttemptTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, rawURL, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderSignature, signature)
	req.Header.Set(HeaderEvent, string(ev.Type))
	req.Header.Set(HeaderEventID, ev.ID)

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	return resp.StatusCode, nil
}

// record appends one delivery-attempt row. The write survives lane
// cancellation so the audit trail stays complete.
func (d *Dispatcher) record(ctx context.Context, jb job, body []byte, attempt int, success bool, statusCode int, errText string, permanent bool) {
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	entry := &store.DeliveryAttempt{
		ID:         uuid.New().String(),
		WebhookID:  jb.hook.ID,
		EventType:  string(jb.ev.Type),
		Payload:    body,
		Attempt:    attempt,
		Success:    success,
		StatusCode: statusCode,
		Error:      errText,
		Permanent:  permanent,
		CreatedAt:  d.clock.Now(),
	}
	if err := d.store.AppendDeliveryAttempt(writeCtx, entry); err != nil {
		d.logger.Warn("appending delivery attempt failed",
			"webhook_id", jb.hook.ID, "attempt", attempt, "error", err)
	}
}

// validateURL rejects URLs a delivery could never reach.
func validateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid webhook URL: %w", err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("invalid webhook URL %q", raw)
	}
	return nil
}

// retryDelay computes the capped exponential backoff with ±20% jitter.
func retryDelay(base, limit time.Duration, attempt int) time.Duration {
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= limit {
			d = limit
			break
		}
	}
	if d > limit {
		d = limit
	}

	jitter := 1 + (rand.Float64()*0.4 - 0.2)
	return time.Duration(float64(d) * jitter)
}
