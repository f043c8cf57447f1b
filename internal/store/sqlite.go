package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/Martian-dev/mailbox-sync/internal/mailbox"
)

// SQLiteStore implements LocalStore on a per-user SQLite database.
type SQLiteStore struct {
	db  *sqlx.DB
	now func() time.Time

	mu        sync.RWMutex
	nextID    int
	observers map[mailbox.LabelID]map[int]func(Change)
	all       map[int]func(Change)
}

// NewSQLiteStore opens (or creates) the cache database at path using the
// named driver and runs pending migrations.
func NewSQLiteStore(driver, path string) (*SQLiteStore, error) {
	db, err := OpenDB(driver, path)
	if err != nil {
		return nil, err
	}
	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return &SQLiteStore{
		db:        db,
		now:       time.Now,
		observers: make(map[mailbox.LabelID]map[int]func(Change)),
		all:       make(map[int]func(Change)),
	}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type itemRow struct {
	Kind           int    `db:"kind"`
	ID             string `db:"id"`
	ConversationID string `db:"conversation_id"`
	Subject        string `db:"subject"`
	Sender         string `db:"sender"`
	Time           int64  `db:"time"`
	SortOrder      int64  `db:"sort_order"`
	Size           int64  `db:"size"`
	Unread         int    `db:"unread"`
	NumMessages    int    `db:"num_messages"`
	NumAttachments int    `db:"num_attachments"`
}

const itemColumns = `kind, id, conversation_id, subject, sender, time, sort_order, size, unread, num_messages, num_attachments`

func toRow(it mailbox.Item) itemRow {
	switch v := it.(type) {
	case *mailbox.Message:
		return itemRow{
			Kind:           int(mailbox.KindMessage),
			ID:             string(v.ID),
			ConversationID: string(v.ConversationID),
			Subject:        v.Subject,
			Sender:         v.Sender,
			Time:           v.Time,
			SortOrder:      v.Order,
			Size:           v.Size,
			Unread:         boolToInt(v.Unread),
			NumAttachments: v.NumAttachments,
		}
	case *mailbox.Conversation:
		senders, _ := json.Marshal(v.Senders)
		return itemRow{
			Kind:           int(mailbox.KindConversation),
			ID:             string(v.ID),
			Subject:        v.Subject,
			Sender:         string(senders),
			Time:           v.Time,
			SortOrder:      v.Order,
			Size:           v.Size,
			Unread:         v.NumUnread,
			NumMessages:    v.NumMessages,
			NumAttachments: v.NumAttachments,
		}
	}
	return itemRow{}
}

func fromRow(r itemRow, labels []mailbox.LabelID) mailbox.Item {
	if mailbox.ItemKind(r.Kind) == mailbox.KindConversation {
		var senders []string
		if r.Sender != "" {
			_ = json.Unmarshal([]byte(r.Sender), &senders)
		}
		return canonical(&mailbox.Conversation{
			ID:             mailbox.ItemID(r.ID),
			Subject:        r.Subject,
			Senders:        senders,
			Time:           r.Time,
			Order:          r.SortOrder,
			Size:           r.Size,
			NumMessages:    r.NumMessages,
			NumUnread:      r.Unread,
			NumAttachments: r.NumAttachments,
			Labels:         labels,
		})
	}
	return canonical(&mailbox.Message{
		ID:             mailbox.ItemID(r.ID),
		ConversationID: mailbox.ItemID(r.ConversationID),
		Subject:        r.Subject,
		Sender:         r.Sender,
		Time:           r.Time,
		Order:          r.SortOrder,
		Size:           r.Size,
		Unread:         r.Unread != 0,
		NumAttachments: r.NumAttachments,
		Labels:         labels,
	})
}

// canonical normalizes empty slices so equal items compare equal.
func canonical(it mailbox.Item) mailbox.Item {
	labels := mailbox.NormalizeLabels(it.LabelIDs())
	if len(labels) == 0 {
		labels = nil
	}
	mailbox.SetLabels(it, labels)
	if c, ok := it.(*mailbox.Conversation); ok && len(c.Senders) == 0 {
		c.Senders = nil
	}
	return it
}

func getItem(ctx context.Context, q sqlx.QueryerContext, kind mailbox.ItemKind, id mailbox.ItemID) (mailbox.Item, error) {
	var row itemRow
	err := sqlx.GetContext(ctx, q, &row,
		`SELECT `+itemColumns+` FROM items WHERE kind = ? AND id = ?`, int(kind), string(id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading %s %s: %w", kind, id, err)
	}
	labels, err := itemLabels(ctx, q, kind, id)
	if err != nil {
		return nil, err
	}
	return fromRow(row, labels), nil
}

func itemLabels(ctx context.Context, q sqlx.QueryerContext, kind mailbox.ItemKind, id mailbox.ItemID) ([]mailbox.LabelID, error) {
	var labels []mailbox.LabelID
	err := sqlx.SelectContext(ctx, q, &labels,
		`SELECT label_id FROM item_labels WHERE kind = ? AND item_id = ? ORDER BY label_id`, int(kind), string(id))
	if err != nil {
		return nil, fmt.Errorf("loading labels of %s %s: %w", kind, id, err)
	}
	return labels, nil
}

// Get returns one cached item.
func (s *SQLiteStore) Get(ctx context.Context, kind mailbox.ItemKind, id mailbox.ItemID) (mailbox.Item, error) {
	return getItem(ctx, s.db, kind, id)
}

// ListByLabel returns the newest items carrying labelID.
func (s *SQLiteStore) ListByLabel(ctx context.Context, labelID mailbox.LabelID, kind mailbox.ItemKind, limit int) ([]mailbox.Item, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []itemRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT i.kind, i.id, i.conversation_id, i.subject, i.sender, i.time, i.sort_order,
		       i.size, i.unread, i.num_messages, i.num_attachments
		FROM items i
		JOIN item_labels l ON l.kind = i.kind AND l.item_id = i.id
		WHERE l.label_id = ? AND i.kind = ?
		ORDER BY i.time DESC, i.sort_order DESC
		LIMIT ?`, string(labelID), int(kind), limit)
	if err != nil {
		return nil, fmt.Errorf("listing label %s: %w", labelID, err)
	}
	if len(rows) == 0 {
		return nil, nil
	}

	ids := make([]string, len(rows))
	for i, r := range rows {
		ids[i] = r.ID
	}
	query, args, err := sqlx.In(
		`SELECT item_id, label_id FROM item_labels WHERE kind = ? AND item_id IN (?) ORDER BY label_id`, int(kind), ids)
	if err != nil {
		return nil, fmt.Errorf("building label query: %w", err)
	}
	var assignments []struct {
		ItemID  string `db:"item_id"`
		LabelID string `db:"label_id"`
	}
	if err := s.db.SelectContext(ctx, &assignments, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("loading label assignments: %w", err)
	}
	byItem := make(map[string][]mailbox.LabelID, len(rows))
	for _, a := range assignments {
		byItem[a.ItemID] = append(byItem[a.ItemID], mailbox.LabelID(a.LabelID))
	}

	items := make([]mailbox.Item, len(rows))
	for i, r := range rows {
		items[i] = fromRow(r, byItem[r.ID])
	}
	return items, nil
}

// Labels returns every known label ordered by type then order.
func (s *SQLiteStore) Labels(ctx context.Context) ([]mailbox.Label, error) {
	var labels []mailbox.Label
	err := s.db.SelectContext(ctx, &labels,
		`SELECT id, name, type, color, sort_order FROM labels ORDER BY type DESC, sort_order, id`)
	if err != nil {
		return nil, fmt.Errorf("listing labels: %w", err)
	}
	return labels, nil
}

// Counter returns the cached counter for a label. A label without a
// counter row reports zero counts in the stale state.
func (s *SQLiteStore) Counter(ctx context.Context, labelID mailbox.LabelID, kind mailbox.ItemKind) (mailbox.Counter, error) {
	var row struct {
		Total  int `db:"total"`
		Unread int `db:"unread"`
		State  int `db:"state"`
	}
	err := s.db.GetContext(ctx, &row,
		`SELECT total, unread, state FROM counters WHERE label_id = ? AND kind = ?`, string(labelID), int(kind))
	if errors.Is(err, sql.ErrNoRows) {
		return mailbox.Counter{LabelID: labelID, Kind: kind, State: mailbox.CounterStale}, nil
	}
	if err != nil {
		return mailbox.Counter{}, fmt.Errorf("loading counter %s: %w", labelID, err)
	}
	return mailbox.Counter{
		LabelID: labelID,
		Kind:    kind,
		Total:   row.Total,
		Unread:  row.Unread,
		State:   mailbox.CounterState(row.State),
	}, nil
}

func (s *SQLiteStore) Upsert(ctx context.Context, item mailbox.Item) error {
	return s.Update(ctx, func(tx Tx) error { return tx.Upsert(item) })
}

func (s *SQLiteStore) Delete(ctx context.Context, kind mailbox.ItemKind, id mailbox.ItemID) error {
	return s.Update(ctx, func(tx Tx) error { return tx.Delete(kind, id) })
}

func (s *SQLiteStore) AddLabel(ctx context.Context, kind mailbox.ItemKind, id mailbox.ItemID, labelID mailbox.LabelID, exclusive bool) error {
	return s.Update(ctx, func(tx Tx) error { return tx.AddLabel(kind, id, labelID, exclusive) })
}

func (s *SQLiteStore) RemoveLabel(ctx context.Context, kind mailbox.ItemKind, id mailbox.ItemID, labelID mailbox.LabelID) error {
	return s.Update(ctx, func(tx Tx) error { return tx.RemoveLabel(kind, id, labelID) })
}

// Pin marks an item to survive Reset.
func (s *SQLiteStore) Pin(ctx context.Context, kind mailbox.ItemKind, id mailbox.ItemID, pinned bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE items SET pinned = ? WHERE kind = ? AND id = ?`, boolToInt(pinned), int(kind), string(id))
	if err != nil {
		return fmt.Errorf("pinning %s %s: %w", kind, id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Update runs fn in a transaction and notifies observers after commit.
func (s *SQLiteStore) Update(ctx context.Context, fn func(Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	t := &sqliteTx{ctx: ctx, tx: tx, now: s.now, changes: make(map[changeKey]*Change)}
	if err := fn(t); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	s.notify(t.collect())
	return nil
}

// Reset drops every unpinned item and all counters.
func (s *SQLiteStore) Reset(ctx context.Context) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	stmts := []string{
		`DELETE FROM item_labels WHERE NOT EXISTS (
			SELECT 1 FROM items i WHERE i.kind = item_labels.kind AND i.id = item_labels.item_id AND i.pinned = 1)`,
		`DELETE FROM items WHERE pinned = 0`,
		`DELETE FROM counters`,
	}
	for _, q := range stmts {
		if _, err := tx.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("resetting store: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing reset: %w", err)
	}

	s.notify([]Change{{Reset: true}})
	return nil
}

// Observe registers fn for changes touching labelID.
func (s *SQLiteStore) Observe(labelID mailbox.LabelID, fn func(Change)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	id := s.nextID
	if s.observers[labelID] == nil {
		s.observers[labelID] = make(map[int]func(Change))
	}
	s.observers[labelID][id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.observers[labelID], id)
	}
}

// ObserveAll registers fn for every committed change.
func (s *SQLiteStore) ObserveAll(fn func(Change)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	id := s.nextID
	s.all[id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.all, id)
	}
}

func (s *SQLiteStore) notify(changes []Change) {
	if len(changes) == 0 {
		return
	}
	type call struct {
		fn func(Change)
		c  Change
	}
	var calls []call

	s.mu.RLock()
	for _, c := range changes {
		for _, fn := range s.all {
			calls = append(calls, call{fn, c})
		}
		if c.Reset {
			for _, byID := range s.observers {
				for _, fn := range byID {
					calls = append(calls, call{fn, c})
				}
			}
			continue
		}
		for _, fn := range s.observers[c.LabelID] {
			calls = append(calls, call{fn, c})
		}
	}
	s.mu.RUnlock()

	for _, c := range calls {
		c.fn(c.c)
	}
}
