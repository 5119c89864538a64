// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Persists sessions, webhooks, credentials, and the delivery-attempt log.

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist.
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			owner_id TEXT NOT NULL,
			name TEXT NOT NULL,
			status TEXT NOT NULL,
			config TEXT NOT NULL DEFAULT '{}',
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL,
			last_connected_at DATETIME
		);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_sessions_owner_name
			ON sessions(owner_id, name);

		CREATE TABLE IF NOT EXISTS session_credentials (
			session_id TEXT PRIMARY KEY,
			creds BLOB NOT NULL,
			updated_at DATETIME NOT NULL,
			FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
		);

		CREATE TABLE IF NOT EXISTS webhooks (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			url TEXT NOT NULL,
			events TEXT NOT NULL DEFAULT '[]',
			secret TEXT NOT NULL,
			active INTEGER NOT NULL DEFAULT 1,
			max_attempts INTEGER NOT NULL DEFAULT 0,
			backoff_base_ns INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL,
			FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
		);

		CREATE INDEX IF NOT EXISTS idx_webhooks_session
			ON webhooks(session_id);

		CREATE TABLE IF NOT EXISTS delivery_attempts (
			id TEXT PRIMARY KEY,
			webhook_id TEXT NOT NULL,
			event_type TEXT NOT NULL,
			payload BLOB NOT NULL,
			attempt INTEGER NOT NULL,
			success INTEGER NOT NULL,
			status_code INTEGER NOT NULL DEFAULT 0,
			error TEXT NOT NULL DEFAULT '',
			permanent INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_delivery_attempts_webhook
			ON delivery_attempts(webhook_id, created_at);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("executing schema: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// isConstraintViolation checks if the error is a SQLite UNIQUE constraint violation.
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "constraint failed")
}

// CreateSession inserts a new session record.
// Returns ErrDuplicateSession if the (owner, name) pair already exists.
func (s *SQLiteStore) CreateSession(ctx context.Context, rec *SessionRecord) error {
	cfgJSON, err := json.Marshal(rec.Config)
	if err != nil {
		return fmt.Errorf("marshaling session config: %w", err)
	}

	query := `
		INSERT INTO sessions (id, owner_id, name, status, config, created_at, updated_at, last_connected_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = s.db.ExecContext(ctx, query,
		rec.ID,
		rec.OwnerID,
		rec.Name,
		rec.Status,
		string(cfgJSON),
		rec.CreatedAt.UTC().Format(time.RFC3339),
		rec.UpdatedAt.UTC().Format(time.RFC3339),
		nullableTime(rec.LastConnectedAt),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicateSession
		}
		return fmt.Errorf("inserting session: %w", err)
	}

	s.logger.Debug("created session", "id", rec.ID, "owner", rec.OwnerID, "name", rec.Name)
	return nil
}

const sessionColumns = "id, owner_id, name, status, config, created_at, updated_at, last_connected_at"

// GetSession retrieves a session by ID.
// Returns ErrNotFound if the session doesn't exist.
func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*SessionRecord, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+sessionColumns+" FROM sessions WHERE id = ?", id)
	return scanSession(row)
}

// GetSessionByName retrieves a session by its (owner, name) pair.
func (s *SQLiteStore) GetSessionByName(ctx context.Context, ownerID, name string) (*SessionRecord, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+sessionColumns+" FROM sessions WHERE owner_id = ? AND name = ?", ownerID, name)
	return scanSession(row)
}

// ListSessions returns all sessions owned by the given user, oldest first.
func (s *SQLiteStore) ListSessions(ctx context.Context, ownerID string) ([]*SessionRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+sessionColumns+" FROM sessions WHERE owner_id = ? ORDER BY created_at", ownerID)
	if err != nil {
		return nil, fmt.Errorf("querying sessions: %w", err)
	}
	defer rows.Close()
	return scanSessions(rows)
}

// ListAllSessions returns every persisted session, oldest first.
// Used at boot to restore the registry.
func (s *SQLiteStore) ListAllSessions(ctx context.Context) ([]*SessionRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+sessionColumns+" FROM sessions ORDER BY created_at")
	if err != nil {
		return nil, fmt.Errorf("querying sessions: %w", err)
	}
	defer rows.Close()
	return scanSessions(rows)
}

// SaveSessionStatus updates the persisted status snapshot for a session.
// lastConnected, when non-nil, also refreshes the last_connected_at column.
func (s *SQLiteStore) SaveSessionStatus(ctx context.Context, id, status string, lastConnected *time.Time) error {
	now := time.Now().UTC().Format(time.RFC3339)

	var res sql.Result
	var err error
	if lastConnected != nil {
		res, err = s.db.ExecContext(ctx,
			"UPDATE sessions SET status = ?, updated_at = ?, last_connected_at = ? WHERE id = ?",
			status, now, lastConnected.UTC().Format(time.RFC3339), id)
	} else {
		res, err = s.db.ExecContext(ctx,
			"UPDATE sessions SET status = ?, updated_at = ? WHERE id = ?",
			status, now, id)
	}
	if err != nil {
		return fmt.Errorf("updating session status: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteSession removes a session record and, via cascade, its credentials
// and webhooks. Deleting a missing session is not an error.
func (s *SQLiteStore) DeleteSession(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM sessions WHERE id = ?", id); err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}
	return nil
}

// SaveCredentials stores the engine credential blob for a session.
func (s *SQLiteStore) SaveCredentials(ctx context.Context, sessionID string, creds []byte) error {
	query := `
		INSERT INTO session_credentials (session_id, creds, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET creds = excluded.creds, updated_at = excluded.updated_at
	`
	_, err := s.db.ExecContext(ctx, query, sessionID, creds, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("saving credentials: %w", err)
	}
	return nil
}

// GetCredentials returns the stored credential blob, or ErrNotFound.
func (s *SQLiteStore) GetCredentials(ctx context.Context, sessionID string) ([]byte, error) {
	var creds []byte
	err := s.db.QueryRowContext(ctx,
		"SELECT creds FROM session_credentials WHERE session_id = ?", sessionID).Scan(&creds)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying credentials: %w", err)
	}
	return creds, nil
}

// DeleteCredentials removes the credential blob. Idempotent.
func (s *SQLiteStore) DeleteCredentials(ctx context.Context, sessionID string) error {
	if _, err := s.db.ExecContext(ctx,
		"DELETE FROM session_credentials WHERE session_id = ?", sessionID); err != nil {
		return fmt.Errorf("deleting credentials: %w", err)
	}
	return nil
}

// CreateWebhook inserts a new webhook subscription.
func (s *SQLiteStore) CreateWebhook(ctx context.Context, hook *Webhook) error {
	eventsJSON, err := json.Marshal(hook.Events)
	if err != nil {
		return fmt.Errorf("marshaling webhook events: %w", err)
	}

	query := `
		INSERT INTO webhooks (id, session_id, url, events, secret, active, max_attempts, backoff_base_ns, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = s.db.ExecContext(ctx, query,
		hook.ID,
		hook.SessionID,
		hook.URL,
		string(eventsJSON),
		hook.Secret,
		boolToInt(hook.Active),
		hook.MaxAttempts,
		int64(hook.BackoffBase),
		hook.CreatedAt.UTC().Format(time.RFC3339),
		hook.UpdatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("inserting webhook: %w", err)
	}

	s.logger.Debug("created webhook", "id", hook.ID, "session_id", hook.SessionID, "url", hook.URL)
	return nil
}

const webhookColumns = "id, session_id, url, events, secret, active, max_attempts, backoff_base_ns, created_at, updated_at"

// GetWebhook retrieves a webhook by ID. Returns ErrNotFound if absent.
func (s *SQLiteStore) GetWebhook(ctx context.Context, id string) (*Webhook, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+webhookColumns+" FROM webhooks WHERE id = ?", id)
	hook, err := scanWebhook(row)
	if err != nil {
		return nil, err
	}
	return hook, nil
}

// ListWebhooks returns all webhooks registered for a session, oldest first.
func (s *SQLiteStore) ListWebhooks(ctx context.Context, sessionID string) ([]*Webhook, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+webhookColumns+" FROM webhooks WHERE session_id = ? ORDER BY created_at", sessionID)
	if err != nil {
		return nil, fmt.Errorf("querying webhooks: %w", err)
	}
	defer rows.Close()

	var hooks []*Webhook
	for rows.Next() {
		hook, err := scanWebhook(rows)
		if err != nil {
			return nil, err
		}
		hooks = append(hooks, hook)
	}
	return hooks, rows.Err()
}

// SetWebhookActive flips the active flag on a webhook.
func (s *SQLiteStore) SetWebhookActive(ctx context.Context, id string, active bool) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE webhooks SET active = ?, updated_at = ? WHERE id = ?",
		boolToInt(active), time.Now().UTC().Format(time.RFC3339), id)
	if err != nil {
		return fmt.Errorf("updating webhook: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteWebhook removes a webhook. Its delivery log is retained for audit.
func (s *SQLiteStore) DeleteWebhook(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM webhooks WHERE id = ?", id); err != nil {
		return fmt.Errorf("deleting webhook: %w", err)
	}
	return nil
}

// AppendDeliveryAttempt writes one row of the delivery log.
func (s *SQLiteStore) AppendDeliveryAttempt(ctx context.Context, attempt *DeliveryAttempt) error {
	query := `
		INSERT INTO delivery_attempts (id, webhook_id, event_type, payload, attempt, success, status_code, error, permanent, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		attempt.ID,
		attempt.WebhookID,
		attempt.EventType,
		attempt.Payload,
		attempt.Attempt,
		boolToInt(attempt.Success),
		attempt.StatusCode,
		attempt.Error,
		boolToInt(attempt.Permanent),
		attempt.CreatedAt.UTC().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("inserting delivery attempt: %w", err)
	}
	return nil
}

// ListDeliveryAttempts returns the most recent delivery attempts for a
// webhook, newest first. limit <= 0 defaults to 50.
func (s *SQLiteStore) ListDeliveryAttempts(ctx context.Context, webhookID string, limit int) ([]*DeliveryAttempt, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, webhook_id, event_type, payload, attempt, success, status_code, error, permanent, created_at
		FROM delivery_attempts
		WHERE webhook_id = ?
		ORDER BY created_at DESC
		LIMIT ?
	`, webhookID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying delivery attempts: %w", err)
	}
	defer rows.Close()

	var attempts []*DeliveryAttempt
	for rows.Next() {
		var a DeliveryAttempt
		var success, permanent int
		var createdAtNS int64
		if err := rows.Scan(
			&a.ID, &a.WebhookID, &a.EventType, &a.Payload,
			&a.Attempt, &success, &a.StatusCode, &a.Error, &permanent, &createdAtNS,
		); err != nil {
			return nil, fmt.Errorf("scanning delivery attempt: %w", err)
		}
		a.Success = success != 0
		a.Permanent = permanent != 0
		a.CreatedAt = time.Unix(0, createdAtNS).UTC()
		attempts = append(attempts, &a)
	}
	return attempts, rows.Err()
}

// scanner abstracts sql.Row and sql.Rows for the scan helpers.
type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (*SessionRecord, error) {
	var rec SessionRecord
	var cfgJSON, createdAtStr, updatedAtStr string
	var lastConnectedStr sql.NullString

	err := row.Scan(
		&rec.ID, &rec.OwnerID, &rec.Name, &rec.Status,
		&cfgJSON, &createdAtStr, &updatedAtStr, &lastConnectedStr,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning session: %w", err)
	}

	if err := json.Unmarshal([]byte(cfgJSON), &rec.Config); err != nil {
		return nil, fmt.Errorf("parsing session config: %w", err)
	}
	rec.CreatedAt, err = time.Parse(time.RFC3339, createdAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	rec.UpdatedAt, err = time.Parse(time.RFC3339, updatedAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	if lastConnectedStr.Valid {
		t, err := time.Parse(time.RFC3339, lastConnectedStr.String)
		if err != nil {
			return nil, fmt.Errorf("parsing last_connected_at: %w", err)
		}
		rec.LastConnectedAt = &t
	}

	return &rec, nil
}

func scanSessions(rows *sql.Rows) ([]*SessionRecord, error) {
	var recs []*SessionRecord
	for rows.Next() {
		rec, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

func scanWebhook(row scanner) (*Webhook, error) {
	var hook Webhook
	var eventsJSON, createdAtStr, updatedAtStr string
	var active int
	var backoffNS int64

	err := row.Scan(
		&hook.ID, &hook.SessionID, &hook.URL, &eventsJSON, &hook.Secret,
		&active, &hook.MaxAttempts, &backoffNS, &createdAtStr, &updatedAtStr,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning webhook: %w", err)
	}

	if err := json.Unmarshal([]byte(eventsJSON), &hook.Events); err != nil {
		return nil, fmt.Errorf("parsing webhook events: %w", err)
	}
	hook.Active = active != 0
	hook.BackoffBase = time.Duration(backoffNS)
	hook.CreatedAt, err = time.Parse(time.RFC3339, createdAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	hook.UpdatedAt, err = time.Parse(time.RFC3339, updatedAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}

	return &hook, nil
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
