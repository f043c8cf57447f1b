// Package sqlite persists the event cursor and the outbox of mutation
// requests waiting to reach the mail server.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/Martian-dev/mailbox-sync/internal/store"
)

//go:embed schema.sql
var schemaSQL string

// Sync statuses recorded next to the cursor.
const (
	StatusNew     = "NEW"
	StatusSyncing = "SYNCING"
	StatusHooked  = "HOOKED"
	StatusError   = "ERROR"
)

// Store represents a per-user sync state database
type Store struct {
	DB  *sqlx.DB
	Now func() time.Time
}

// CursorState is the persisted sync position of one user.
type CursorState struct {
	Cursor       string
	Status       string
	LastError    string
	RetryCount   int
	LastSyncedAt time.Time
}

// OutboxEntry is one mutation request waiting for delivery
type OutboxEntry struct {
	ID         int64
	UserID     string
	ActionID   string
	Action     string
	Payload    []byte
	MsgID      string
	Bulk       bool
	Idempotent bool
	Retries    int
}

// OpenUserDB opens or creates a per-user sync database
func OpenUserDB(driver, dbPath string) (*Store, error) {
	db, err := store.OpenDB(driver, dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &Store{DB: db, Now: time.Now}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.DB.Close()
}

// LoadCursor returns the last applied event cursor, or "" when none is stored
func (s *Store) LoadCursor(ctx context.Context, userID string) (string, error) {
	st, err := s.CursorState(ctx, userID)
	if err != nil {
		return "", err
	}
	return st.Cursor, nil
}

// CursorState loads the full sync state row for a user
func (s *Store) CursorState(ctx context.Context, userID string) (CursorState, error) {
	var (
		st       CursorState
		syncedAt int64
	)
	err := s.DB.QueryRowContext(ctx, `
		SELECT cursor, status, last_error, retry_count, last_synced_at
		FROM event_cursors WHERE user_id = ?
	`, userID).Scan(&st.Cursor, &st.Status, &st.LastError, &st.RetryCount, &syncedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return CursorState{Status: StatusNew}, nil
	}
	if err != nil {
		return CursorState{}, fmt.Errorf("failed to load cursor: %w", err)
	}
	if syncedAt > 0 {
		st.LastSyncedAt = time.Unix(syncedAt, 0)
	}
	return st, nil
}

// SaveCursor stores the cursor and status, clearing any recorded error
func (s *Store) SaveCursor(ctx context.Context, userID, cursor, status string) error {
	now := s.Now().Unix()
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO event_cursors (user_id, cursor, last_synced_at, status, last_error, retry_count, updated_at)
		VALUES (?, ?, ?, ?, '', 0, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			cursor = excluded.cursor,
			last_synced_at = excluded.last_synced_at,
			status = excluded.status,
			last_error = '',
			retry_count = 0,
			updated_at = excluded.updated_at
	`, userID, cursor, now, status, now)
	if err != nil {
		return fmt.Errorf("failed to save cursor: %w", err)
	}
	return nil
}

// ClearCursor forgets the cursor so the next poll starts with a full reset
func (s *Store) ClearCursor(ctx context.Context, userID string) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE event_cursors SET cursor = '', status = ?, updated_at = ? WHERE user_id = ?
	`, StatusNew, s.Now().Unix(), userID)
	if err != nil {
		return fmt.Errorf("failed to clear cursor: %w", err)
	}
	return nil
}

// UpdateSyncStatus updates sync status with error info
func (s *Store) UpdateSyncStatus(ctx context.Context, userID, status, errorMsg string) error {
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO event_cursors (user_id, status, last_error, retry_count, updated_at)
		VALUES (?, ?, ?, CASE WHEN ? != '' THEN 1 ELSE 0 END, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			status = excluded.status,
			last_error = excluded.last_error,
			retry_count = CASE WHEN excluded.last_error != '' THEN event_cursors.retry_count + 1 ELSE event_cursors.retry_count END,
			updated_at = excluded.updated_at
	`, userID, status, errorMsg, errorMsg, s.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to update sync status: %w", err)
	}
	return nil
}

// EnqueueMutation appends a mutation request to the outbox. A duplicate
// MsgID is ignored and reports id 0.
func (s *Store) EnqueueMutation(ctx context.Context, e OutboxEntry) (int64, error) {
	now := s.Now().Unix()
	res, err := s.DB.ExecContext(ctx, `
		INSERT OR IGNORE INTO outbox (ts, user_id, action_id, action, payload, msg_id, bulk, idempotent, next_attempt_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, now, e.UserID, e.ActionID, e.Action, e.Payload, e.MsgID, e.Bulk, e.Idempotent, now)
	if err != nil {
		return 0, fmt.Errorf("failed to insert outbox entry: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return 0, nil
	}
	return res.LastInsertId()
}

// DequeueOutbox fetches undelivered entries that are due
func (s *Store) DequeueOutbox(ctx context.Context, limit int) ([]OutboxEntry, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT id, user_id, action_id, action, payload, msg_id, bulk, idempotent, retries
		FROM outbox
		WHERE published_at IS NULL
		  AND failed_at IS NULL
		  AND next_attempt_at <= ?
		ORDER BY id
		LIMIT ?
	`, s.Now().Unix(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query outbox: %w", err)
	}
	defer rows.Close()

	var entries []OutboxEntry
	for rows.Next() {
		var e OutboxEntry
		if err := rows.Scan(&e.ID, &e.UserID, &e.ActionID, &e.Action, &e.Payload, &e.MsgID,
			&e.Bulk, &e.Idempotent, &e.Retries); err != nil {
			return nil, fmt.Errorf("failed to scan outbox row: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// MarkPublished marks an outbox entry as delivered
func (s *Store) MarkPublished(ctx context.Context, id int64) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE outbox SET published_at = ? WHERE id = ?
	`, s.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to mark published: %w", err)
	}
	return nil
}

// MarkOutboxRetry updates retry count and next attempt time
func (s *Store) MarkOutboxRetry(ctx context.Context, id int64, backoff time.Duration, errMsg string) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE outbox
		SET retries = retries + 1,
		    next_attempt_at = ?,
		    last_error = ?
		WHERE id = ?
	`, s.Now().Add(backoff).Unix(), errMsg, id)
	if err != nil {
		return fmt.Errorf("failed to mark retry: %w", err)
	}
	return nil
}

// MarkFailed gives up on an entry
func (s *Store) MarkFailed(ctx context.Context, id int64, errMsg string) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE outbox SET failed_at = ?, last_error = ? WHERE id = ?
	`, s.Now().Unix(), errMsg, id)
	if err != nil {
		return fmt.Errorf("failed to mark failed: %w", err)
	}
	return nil
}

// CountPending counts undelivered entries, optionally only bulk ones
func (s *Store) CountPending(ctx context.Context, bulkOnly bool) (int, error) {
	var n int
	err := s.DB.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM outbox
		WHERE published_at IS NULL AND failed_at IS NULL AND (bulk = 1 OR ? = 0)
	`, bulkOnly).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count outbox: %w", err)
	}
	return n, nil
}
