// ABOUTME: Package store persists session, webhook, and delivery-log records.
// ABOUTME: Defines the record types, the Store interface, SQLite and mock implementations.

// Package store is the gateway's record store. It owns the durable
// snapshots of sessions (identity, config, last persisted status), webhook
// subscriptions, per-session engine credentials, and the append-only
// webhook delivery-attempt log.
//
// Live session state (the state machine, command queue, presence table)
// never lives here; the session layer only writes status snapshots and
// credential blobs through this interface. Store unavailability is
// surfaced as ErrUnavailable and is never fatal to in-memory sessions.
package store
