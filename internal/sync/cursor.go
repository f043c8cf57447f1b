package sync

import (
	"context"

	"github.com/Martian-dev/mailbox-sync/internal/eventstore/sqlite"
)

// CursorStore persists event cursors and sync status per user.
type CursorStore interface {
	LoadCursor(ctx context.Context, userID string) (string, error)
	SaveCursor(ctx context.Context, userID, cursor, status string) error
	ClearCursor(ctx context.Context, userID string) error
	UpdateSyncStatus(ctx context.Context, userID, status, errorMsg string) error
}

// EventCursor tracks the last applied server event of one user.
type EventCursor struct {
	store  CursorStore
	userID string
}

func NewEventCursor(store CursorStore, userID string) *EventCursor {
	return &EventCursor{store: store, userID: userID}
}

// Load returns the stored cursor; "" means a full reset is required.
func (c *EventCursor) Load(ctx context.Context) (string, error) {
	return c.store.LoadCursor(ctx, c.userID)
}

// Advance persists cursor as the new resume point.
func (c *EventCursor) Advance(ctx context.Context, cursor string) error {
	return c.store.SaveCursor(ctx, c.userID, cursor, sqlite.StatusHooked)
}

// Invalidate forgets the cursor so the next poll starts over.
func (c *EventCursor) Invalidate(ctx context.Context) error {
	return c.store.ClearCursor(ctx, c.userID)
}

func (c *EventCursor) MarkSyncing(ctx context.Context) error {
	return c.store.UpdateSyncStatus(ctx, c.userID, sqlite.StatusSyncing, "")
}

func (c *EventCursor) MarkError(ctx context.Context, err error) error {
	return c.store.UpdateSyncStatus(ctx, c.userID, sqlite.StatusError, err.Error())
}
