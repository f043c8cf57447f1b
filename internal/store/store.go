// Package store is the local mailbox cache: items, label assignments,
// labels and per label counters, with change observation.
package store

import (
	"context"
	"errors"

	"github.com/Martian-dev/mailbox-sync/internal/mailbox"
)

// ErrNotFound is returned when an item or label is not cached locally.
var ErrNotFound = errors.New("store: not found")

// LocalStore is the read/write/observe boundary used by the sync engine.
type LocalStore interface {
	Get(ctx context.Context, kind mailbox.ItemKind, id mailbox.ItemID) (mailbox.Item, error)
	ListByLabel(ctx context.Context, labelID mailbox.LabelID, kind mailbox.ItemKind, limit int) ([]mailbox.Item, error)
	Labels(ctx context.Context) ([]mailbox.Label, error)
	Counter(ctx context.Context, labelID mailbox.LabelID, kind mailbox.ItemKind) (mailbox.Counter, error)

	Upsert(ctx context.Context, item mailbox.Item) error
	Delete(ctx context.Context, kind mailbox.ItemKind, id mailbox.ItemID) error
	AddLabel(ctx context.Context, kind mailbox.ItemKind, id mailbox.ItemID, labelID mailbox.LabelID, exclusive bool) error
	RemoveLabel(ctx context.Context, kind mailbox.ItemKind, id mailbox.ItemID, labelID mailbox.LabelID) error
	Pin(ctx context.Context, kind mailbox.ItemKind, id mailbox.ItemID, pinned bool) error

	// Update runs fn in one transaction. Observers are notified once after
	// commit with the net effect on every touched label.
	Update(ctx context.Context, fn func(Tx) error) error
	// Reset drops every unpinned item and all counters.
	Reset(ctx context.Context) error

	Observe(labelID mailbox.LabelID, fn func(Change)) (cancel func())
	ObserveAll(fn func(Change)) (cancel func())
}

// Tx is the write side of the store inside Update.
type Tx interface {
	Get(kind mailbox.ItemKind, id mailbox.ItemID) (mailbox.Item, error)
	Upsert(item mailbox.Item) error
	Delete(kind mailbox.ItemKind, id mailbox.ItemID) error
	AddLabel(kind mailbox.ItemKind, id mailbox.ItemID, labelID mailbox.LabelID, exclusive bool) error
	RemoveLabel(kind mailbox.ItemKind, id mailbox.ItemID, labelID mailbox.LabelID) error
	SetUnread(kind mailbox.ItemKind, id mailbox.ItemID, unread bool) error

	Label(id mailbox.LabelID) (mailbox.Label, error)
	UpsertLabel(label mailbox.Label) error
	DeleteLabel(id mailbox.LabelID) error

	SetCounter(c mailbox.Counter) error
	AdjustCounter(d mailbox.CounterDelta) error
}

// Change describes what a committed transaction did to one label view.
type Change struct {
	LabelID  mailbox.LabelID
	Kind     mailbox.ItemKind
	Appeared []mailbox.ItemID
	Removed  []mailbox.ItemID
	Updated  []mailbox.ItemID
	Counter  bool
	Label    bool
	Reset    bool
}

// Empty reports whether c carries no effect.
func (c Change) Empty() bool {
	return len(c.Appeared) == 0 && len(c.Removed) == 0 && len(c.Updated) == 0 &&
		!c.Counter && !c.Label && !c.Reset
}
