// ABOUTME: Package webhook delivers internal events to HTTP subscribers.
// ABOUTME: At-least-once, per-webhook FIFO, exponential backoff, append-only audit log.

// Package webhook contains the dispatcher that turns bus events into
// signed HTTP deliveries.
//
// The dispatcher consumes the bus firehose on a single goroutine, resolves
// each event's active webhooks, and hands matching events to a per-webhook
// delivery worker. Workers are serial per webhook — successive events to
// one webhook never reorder — and independent across webhooks, so one
// stalled endpoint cannot block another's progress.
//
// Delivery is at-least-once: a webhook endpoint must be idempotent.
// Every attempt, success or failure, is appended to the delivery log
// before the next attempt is scheduled, so the log is a complete audit
// trail. Cancelling a webhook stops pending retries; an in-flight HTTP
// call is allowed to finish (and is still logged).
package webhook
