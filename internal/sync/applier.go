package sync

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/rs/zerolog"

	"github.com/Martian-dev/mailbox-sync/internal/mailbox"
	"github.com/Martian-dev/mailbox-sync/internal/metrics"
	"github.com/Martian-dev/mailbox-sync/internal/remote"
	"github.com/Martian-dev/mailbox-sync/internal/store"
)

// SettingsSink receives account and settings payloads untouched.
type SettingsSink interface {
	Passthrough(ctx context.Context, userID, kind string, payload json.RawMessage)
}

// Applier turns event batches into store mutations.
type Applier struct {
	UserID   string
	Store    store.LocalStore
	Settings SettingsSink
	Log      zerolog.Logger
	Metrics  *metrics.Metrics
}

type itemEvent struct {
	kind   mailbox.ItemKind
	id     mailbox.ItemID
	action remote.EventAction
	patch  *mailbox.Patch
}

// Apply writes batch to the store in one transaction and returns how many
// sub-items were applied. Malformed sub-items are skipped and logged.
// Applying the same batch again leaves the store unchanged.
func (a *Applier) Apply(ctx context.Context, batch *remote.EventBatch) (int, error) {
	var applied, skipped int

	items := make([]itemEvent, 0, len(batch.Messages)+len(batch.Conversations))
	for _, e := range batch.Messages {
		items = append(items, itemEvent{mailbox.KindMessage, e.ID, e.Action, e.Message})
	}
	for _, e := range batch.Conversations {
		items = append(items, itemEvent{mailbox.KindConversation, e.ID, e.Action, e.Conversation})
	}

	err := a.Store.Update(ctx, func(tx store.Tx) error {
		// Labels first so new folders are known when items reference them.
		for _, e := range batch.Labels {
			ok, err := a.applyLabel(tx, e)
			if err != nil {
				return err
			}
			if ok {
				applied++
			} else {
				skipped++
			}
		}
		for _, e := range items {
			ok, err := a.applyItem(tx, e)
			if err != nil {
				return err
			}
			if ok {
				applied++
			} else {
				skipped++
			}
		}
		for _, counts := range []struct {
			kind     mailbox.ItemKind
			payloads []remote.CountPayload
		}{
			{mailbox.KindMessage, batch.MessageCounts},
			{mailbox.KindConversation, batch.ConversationCounts},
		} {
			for _, c := range counts.payloads {
				if c.LabelID == "" || c.Total < 0 || c.Unread < 0 {
					a.skip("counter", string(c.LabelID), "invalid counter snapshot")
					skipped++
					continue
				}
				if err := tx.SetCounter(mailbox.Counter{LabelID: c.LabelID, Kind: counts.kind, Total: c.Total, Unread: c.Unread}); err != nil {
					return err
				}
				applied++
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	a.passthrough(ctx, "user", batch.User)
	a.passthrough(ctx, "mail_settings", batch.MailSettings)
	a.passthrough(ctx, "user_settings", batch.UserSettings)

	a.Metrics.Applied("applied", applied)
	a.Metrics.Applied("skipped", skipped)
	return applied, nil
}

func (a *Applier) applyLabel(tx store.Tx, e remote.LabelEvent) (bool, error) {
	if e.ID == "" {
		a.skip("label", "", "missing id")
		return false, nil
	}
	switch e.Action {
	case remote.EventDelete:
		return true, tx.DeleteLabel(e.ID)
	case remote.EventCreate, remote.EventUpdate, remote.EventUpdateFlags:
		if e.Label == nil {
			a.skip("label", string(e.ID), "missing payload")
			return false, nil
		}
		l := e.Label.Label()
		l.ID = e.ID
		return true, tx.UpsertLabel(l)
	}
	a.skip("label", string(e.ID), "unknown action")
	return false, nil
}

func (a *Applier) applyItem(tx store.Tx, e itemEvent) (bool, error) {
	if e.id == "" {
		a.skip(e.kind.String(), "", "missing id")
		return false, nil
	}
	switch e.action {
	case remote.EventDelete:
		return true, tx.Delete(e.kind, e.id)
	case remote.EventCreate, remote.EventUpdate, remote.EventUpdateFlags:
	default:
		a.skip(e.kind.String(), string(e.id), "unknown action")
		return false, nil
	}
	if e.patch == nil {
		a.skip(e.kind.String(), string(e.id), "missing payload")
		return false, nil
	}

	base, err := tx.Get(e.kind, e.id)
	switch {
	case errors.Is(err, store.ErrNotFound):
		// A partial update for an item never cached has nothing to merge
		// into and nowhere to be shown.
		if e.action != remote.EventCreate && e.patch.LabelIDs == nil {
			a.Log.Debug().Str("kind", e.kind.String()).Str("item_id", string(e.id)).Msg("update for uncached item ignored")
			return true, nil
		}
		base, _ = mailbox.NewItem(e.kind, e.id)
	case err != nil:
		return false, err
	case e.action == remote.EventCreate:
		// Full payloads replace the local copy.
		base, _ = mailbox.NewItem(e.kind, e.id)
	}

	return true, tx.Upsert(e.patch.Merge(base))
}

func (a *Applier) skip(what, id, reason string) {
	a.Log.Warn().Str("user_id", a.UserID).Str("type", what).Str("id", id).Str("reason", reason).Msg("skipping malformed event item")
}

func (a *Applier) passthrough(ctx context.Context, kind string, payload json.RawMessage) {
	if len(payload) == 0 || a.Settings == nil {
		return
	}
	a.Settings.Passthrough(ctx, a.UserID, kind, payload)
}
