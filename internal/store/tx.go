package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"reflect"
	"slices"
	"sort"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/Martian-dev/mailbox-sync/internal/mailbox"
)

type changeKey struct {
	label mailbox.LabelID
	kind  mailbox.ItemKind
}

type sqliteTx struct {
	ctx     context.Context
	tx      *sqlx.Tx
	now     func() time.Time
	changes map[changeKey]*Change
}

func (t *sqliteTx) change(label mailbox.LabelID, kind mailbox.ItemKind) *Change {
	k := changeKey{label, kind}
	c, ok := t.changes[k]
	if !ok {
		c = &Change{LabelID: label, Kind: kind}
		t.changes[k] = c
	}
	return c
}

// track records the effect of replacing before with after on each label view.
// Either side may be nil.
func (t *sqliteTx) track(kind mailbox.ItemKind, id mailbox.ItemID, before, after mailbox.Item) {
	var oldLabels, newLabels []mailbox.LabelID
	if before != nil {
		oldLabels = before.LabelIDs()
	}
	if after != nil {
		newLabels = after.LabelIDs()
	}
	contentChanged := before != nil && after != nil && !reflect.DeepEqual(before, after)

	for _, l := range newLabels {
		if !slices.Contains(oldLabels, l) {
			addUnique(&t.change(l, kind).Appeared, id)
		} else if contentChanged {
			addUnique(&t.change(l, kind).Updated, id)
		}
	}
	for _, l := range oldLabels {
		if !slices.Contains(newLabels, l) {
			addUnique(&t.change(l, kind).Removed, id)
		}
	}
}

func addUnique(ids *[]mailbox.ItemID, id mailbox.ItemID) {
	if !slices.Contains(*ids, id) {
		*ids = append(*ids, id)
	}
}

// collect returns the non-empty changes in a stable order.
func (t *sqliteTx) collect() []Change {
	out := make([]Change, 0, len(t.changes))
	for _, c := range t.changes {
		if !c.Empty() {
			out = append(out, *c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].LabelID != out[j].LabelID {
			return out[i].LabelID < out[j].LabelID
		}
		return out[i].Kind < out[j].Kind
	})
	return out
}

func (t *sqliteTx) Get(kind mailbox.ItemKind, id mailbox.ItemID) (mailbox.Item, error) {
	return getItem(t.ctx, t.tx, kind, id)
}

func (t *sqliteTx) getOptional(kind mailbox.ItemKind, id mailbox.ItemID) (mailbox.Item, error) {
	it, err := t.Get(kind, id)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return it, err
}

// Upsert replaces the item and its label assignments by ID.
func (t *sqliteTx) Upsert(item mailbox.Item) error {
	item = canonical(item.Clone())
	kind, id := item.Kind(), item.ItemID()

	before, err := t.getOptional(kind, id)
	if err != nil {
		return err
	}
	if before != nil && reflect.DeepEqual(before, item) {
		return nil
	}

	r := toRow(item)
	_, err = t.tx.ExecContext(t.ctx, `
		INSERT INTO items (`+itemColumns+`, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(kind, id) DO UPDATE SET
			conversation_id = excluded.conversation_id,
			subject = excluded.subject,
			sender = excluded.sender,
			time = excluded.time,
			sort_order = excluded.sort_order,
			size = excluded.size,
			unread = excluded.unread,
			num_messages = excluded.num_messages,
			num_attachments = excluded.num_attachments,
			updated_at = excluded.updated_at`,
		r.Kind, r.ID, r.ConversationID, r.Subject, r.Sender, r.Time, r.SortOrder,
		r.Size, r.Unread, r.NumMessages, r.NumAttachments, t.now().Unix())
	if err != nil {
		return fmt.Errorf("upserting %s %s: %w", kind, id, err)
	}

	if _, err := t.tx.ExecContext(t.ctx,
		`DELETE FROM item_labels WHERE kind = ? AND item_id = ?`, int(kind), string(id)); err != nil {
		return fmt.Errorf("clearing labels of %s %s: %w", kind, id, err)
	}
	for _, l := range item.LabelIDs() {
		exclusive, err := t.exclusive(l)
		if err != nil {
			return err
		}
		if err := t.insertLabel(kind, id, l, exclusive); err != nil {
			return err
		}
	}

	t.track(kind, id, before, item)
	return nil
}

// Delete removes the item if present.
func (t *sqliteTx) Delete(kind mailbox.ItemKind, id mailbox.ItemID) error {
	before, err := t.getOptional(kind, id)
	if err != nil || before == nil {
		return err
	}
	if _, err := t.tx.ExecContext(t.ctx,
		`DELETE FROM item_labels WHERE kind = ? AND item_id = ?`, int(kind), string(id)); err != nil {
		return fmt.Errorf("deleting labels of %s %s: %w", kind, id, err)
	}
	if _, err := t.tx.ExecContext(t.ctx,
		`DELETE FROM items WHERE kind = ? AND id = ?`, int(kind), string(id)); err != nil {
		return fmt.Errorf("deleting %s %s: %w", kind, id, err)
	}
	t.track(kind, id, before, nil)
	return nil
}

// AddLabel assigns labelID. An exclusive assignment replaces the item's
// previous exclusive label in the same transaction.
func (t *sqliteTx) AddLabel(kind mailbox.ItemKind, id mailbox.ItemID, labelID mailbox.LabelID, exclusive bool) error {
	before, err := t.Get(kind, id)
	if err != nil {
		return err
	}
	if exclusive {
		_, err := t.tx.ExecContext(t.ctx,
			`DELETE FROM item_labels WHERE kind = ? AND item_id = ? AND exclusive = 1 AND label_id != ?`,
			int(kind), string(id), string(labelID))
		if err != nil {
			return fmt.Errorf("dropping previous folder of %s %s: %w", kind, id, err)
		}
	}
	if err := t.insertLabel(kind, id, labelID, exclusive); err != nil {
		return err
	}
	return t.retrack(kind, id, before)
}

// RemoveLabel drops labelID from the item if assigned.
func (t *sqliteTx) RemoveLabel(kind mailbox.ItemKind, id mailbox.ItemID, labelID mailbox.LabelID) error {
	before, err := t.Get(kind, id)
	if err != nil {
		return err
	}
	_, err = t.tx.ExecContext(t.ctx,
		`DELETE FROM item_labels WHERE kind = ? AND item_id = ? AND label_id = ?`,
		int(kind), string(id), string(labelID))
	if err != nil {
		return fmt.Errorf("removing label %s from %s %s: %w", labelID, kind, id, err)
	}
	return t.retrack(kind, id, before)
}

// SetUnread updates the read state of an item.
func (t *sqliteTx) SetUnread(kind mailbox.ItemKind, id mailbox.ItemID, unread bool) error {
	before, err := t.Get(kind, id)
	if err != nil {
		return err
	}
	after := before.Clone()
	mailbox.SetUnread(after, unread)
	r := toRow(after)
	_, err = t.tx.ExecContext(t.ctx,
		`UPDATE items SET unread = ?, updated_at = ? WHERE kind = ? AND id = ?`,
		r.Unread, t.now().Unix(), int(kind), string(id))
	if err != nil {
		return fmt.Errorf("updating read state of %s %s: %w", kind, id, err)
	}
	t.track(kind, id, before, after)
	return nil
}

func (t *sqliteTx) retrack(kind mailbox.ItemKind, id mailbox.ItemID, before mailbox.Item) error {
	after, err := t.Get(kind, id)
	if err != nil {
		return err
	}
	t.track(kind, id, before, after)
	return nil
}

func (t *sqliteTx) insertLabel(kind mailbox.ItemKind, id mailbox.ItemID, labelID mailbox.LabelID, exclusive bool) error {
	_, err := t.tx.ExecContext(t.ctx, `
		INSERT INTO item_labels (kind, item_id, label_id, exclusive) VALUES (?, ?, ?, ?)
		ON CONFLICT(kind, item_id, label_id) DO UPDATE SET exclusive = excluded.exclusive`,
		int(kind), string(id), string(labelID), boolToInt(exclusive))
	if err != nil {
		return fmt.Errorf("adding label %s to %s %s: %w", labelID, kind, id, err)
	}
	return nil
}

func (t *sqliteTx) exclusive(id mailbox.LabelID) (bool, error) {
	if id.IsSystem() {
		return id.IsSystemLocation(), nil
	}
	l, err := t.Label(id)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return l.Exclusive(), nil
}

func (t *sqliteTx) Label(id mailbox.LabelID) (mailbox.Label, error) {
	var l mailbox.Label
	err := t.tx.GetContext(t.ctx, &l,
		`SELECT id, name, type, color, sort_order FROM labels WHERE id = ?`, string(id))
	if errors.Is(err, sql.ErrNoRows) {
		return mailbox.Label{}, ErrNotFound
	}
	if err != nil {
		return mailbox.Label{}, fmt.Errorf("loading label %s: %w", id, err)
	}
	return l, nil
}

func (t *sqliteTx) UpsertLabel(l mailbox.Label) error {
	_, err := t.tx.ExecContext(t.ctx, `
		INSERT INTO labels (id, name, type, color, sort_order) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name, type = excluded.type,
			color = excluded.color, sort_order = excluded.sort_order`,
		string(l.ID), l.Name, int(l.Type), l.Color, l.Order)
	if err != nil {
		return fmt.Errorf("upserting label %s: %w", l.ID, err)
	}
	t.change(l.ID, 0).Label = true
	return nil
}

// DeleteLabel forgets a user label and its assignments. System labels are kept.
func (t *sqliteTx) DeleteLabel(id mailbox.LabelID) error {
	if id.IsSystem() {
		return nil
	}
	var members []struct {
		Kind int    `db:"kind"`
		ID   string `db:"item_id"`
	}
	if err := t.tx.SelectContext(t.ctx, &members,
		`SELECT kind, item_id FROM item_labels WHERE label_id = ?`, string(id)); err != nil {
		return fmt.Errorf("listing members of label %s: %w", id, err)
	}
	for _, m := range members {
		if err := t.RemoveLabel(mailbox.ItemKind(m.Kind), mailbox.ItemID(m.ID), id); err != nil {
			return err
		}
	}
	for _, q := range []string{
		`DELETE FROM labels WHERE id = ?`,
		`DELETE FROM counters WHERE label_id = ?`,
	} {
		if _, err := t.tx.ExecContext(t.ctx, q, string(id)); err != nil {
			return fmt.Errorf("deleting label %s: %w", id, err)
		}
	}
	t.change(id, 0).Label = true
	return nil
}

// SetCounter stores an authoritative snapshot.
func (t *sqliteTx) SetCounter(c mailbox.Counter) error {
	_, err := t.tx.ExecContext(t.ctx, `
		INSERT INTO counters (label_id, kind, total, unread, state, updated_at) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(label_id, kind) DO UPDATE SET
			total = excluded.total, unread = excluded.unread,
			state = excluded.state, updated_at = excluded.updated_at`,
		string(c.LabelID), int(c.Kind), c.Total, c.Unread, int(mailbox.CounterFresh), t.now().Unix())
	if err != nil {
		return fmt.Errorf("storing counter %s: %w", c.LabelID, err)
	}
	t.change(c.LabelID, c.Kind).Counter = true
	return nil
}

// AdjustCounter applies a provisional delta, clamping at zero.
func (t *sqliteTx) AdjustCounter(d mailbox.CounterDelta) error {
	if d.IsZero() {
		return nil
	}
	_, err := t.tx.ExecContext(t.ctx, `
		INSERT INTO counters (label_id, kind, total, unread, state, updated_at)
		VALUES (?, ?, MAX(?, 0), MAX(?, 0), ?, ?)
		ON CONFLICT(label_id, kind) DO UPDATE SET
			total = MAX(counters.total + ?, 0),
			unread = MAX(counters.unread + ?, 0),
			state = excluded.state,
			updated_at = excluded.updated_at`,
		string(d.LabelID), int(d.Kind), d.Total, d.Unread, int(mailbox.CounterStale), t.now().Unix(),
		d.Total, d.Unread)
	if err != nil {
		return fmt.Errorf("adjusting counter %s: %w", d.LabelID, err)
	}
	t.change(d.LabelID, d.Kind).Counter = true
	return nil
}
