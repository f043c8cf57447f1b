package mutation

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/Martian-dev/mailbox-sync/internal/eventstore/sqlite"
	"github.com/Martian-dev/mailbox-sync/internal/mailbox"
	"github.com/Martian-dev/mailbox-sync/internal/metrics"
	"github.com/Martian-dev/mailbox-sync/internal/notify"
	"github.com/Martian-dev/mailbox-sync/internal/remote"
	"github.com/Martian-dev/mailbox-sync/internal/retry"
	"github.com/Martian-dev/mailbox-sync/internal/store"
)

// Queue is the outbox as seen by the dispatcher.
type Queue interface {
	DequeueOutbox(ctx context.Context, limit int) ([]sqlite.OutboxEntry, error)
	MarkPublished(ctx context.Context, id int64) error
	MarkOutboxRetry(ctx context.Context, id int64, backoff time.Duration, errMsg string) error
	MarkFailed(ctx context.Context, id int64, errMsg string) error
	CountPending(ctx context.Context, bulkOnly bool) (int, error)
}

// TokenSink receives undo tokens returned by the server. parts is how many
// requests of the action carry tokens; they belong to one undo.
type TokenSink interface {
	TokensArrived(ctx context.Context, kind mailbox.UndoKind, actionID string, parts int, tokens []string) (notify.Banner, bool)
}

// Refetcher asks for fresh events for labels.
type Refetcher interface {
	Refetch(ctx context.Context, labels []mailbox.LabelID)
}

// Reverter restores local state after a request failed for good.
type Reverter interface {
	Revert(ctx context.Context, action mailbox.PendingAction) error
}

type DispatcherDeps struct {
	UserID    string
	Queue     Queue
	API       remote.MutationAPI
	Store     store.LocalStore
	Tokens    TokenSink
	Refetcher Refetcher
	Reverter  Reverter
	Presenter notify.Presenter
	Backoff   retry.Backoff
	// Interval is the idle poll period of the outbox.
	Interval time.Duration
	Log      zerolog.Logger
	Metrics  *metrics.Metrics
}

// Dispatcher delivers queued mutation requests to the server.
type Dispatcher struct {
	deps DispatcherDeps
	log  zerolog.Logger
	kick chan struct{}
}

func NewDispatcher(deps DispatcherDeps) *Dispatcher {
	if deps.Interval <= 0 {
		deps.Interval = 500 * time.Millisecond
	}
	if deps.Presenter == nil {
		deps.Presenter = notify.Log{Logger: deps.Log}
	}
	return &Dispatcher{
		deps: deps,
		log:  deps.Log.With().Str("component", "dispatcher").Str("user_id", deps.UserID).Logger(),
		kick: make(chan struct{}, 1),
	}
}

// Attach sets the collaborators that are built after the dispatcher.
func (d *Dispatcher) Attach(tokens TokenSink, refetcher Refetcher) {
	d.deps.Tokens = tokens
	d.deps.Refetcher = refetcher
}

// Kick wakes the dispatch loop.
func (d *Dispatcher) Kick() {
	select {
	case d.kick <- struct{}{}:
	default:
	}
}

// Idle reports whether no bulk request is waiting for delivery. Event
// polling is held back while one is.
func (d *Dispatcher) Idle(ctx context.Context) bool {
	n, err := d.deps.Queue.CountPending(ctx, true)
	if err != nil {
		d.log.Warn().Err(err).Msg("counting pending bulk requests")
		return true
	}
	return n == 0
}

// Run continuously dispatches requests from the outbox until ctx is done.
func (d *Dispatcher) Run(ctx context.Context) error {
	t := time.NewTicker(d.deps.Interval)
	defer t.Stop()
	for {
		if _, err := d.Flush(ctx); err != nil && ctx.Err() == nil {
			d.log.Error().Err(err).Msg("dispatching outbox")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-d.kick:
		case <-t.C:
		}
	}
}

// Flush delivers every due request once and returns how many were handled.
// When the last bulk request leaves the outbox fresh events are requested,
// since polls were held back while it was queued.
func (d *Dispatcher) Flush(ctx context.Context) (int, error) {
	entries, err := d.deps.Queue.DequeueOutbox(ctx, 100)
	if err != nil {
		return 0, err
	}
	bulk := false
	for _, e := range entries {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		d.deliver(ctx, e)
		bulk = bulk || e.Bulk
	}
	if bulk && d.deps.Refetcher != nil && d.Idle(ctx) {
		d.deps.Refetcher.Refetch(ctx, nil)
	}
	return len(entries), nil
}

func (d *Dispatcher) deliver(ctx context.Context, e sqlite.OutboxEntry) {
	var env envelope
	if err := json.Unmarshal(e.Payload, &env); err != nil {
		d.log.Error().Err(err).Int64("outbox_id", e.ID).Msg("undecodable outbox entry")
		_ = d.deps.Queue.MarkFailed(ctx, e.ID, err.Error())
		return
	}
	action := string(env.Request.Action)

	resp, err := d.deps.API.Mutate(ctx, env.Request)
	if err == nil && !resp.Success() {
		code := 0
		if resp != nil {
			code = resp.Code
		}
		err = &remote.Error{Kind: remote.KindClient, Code: code, Message: "request rejected"}
	}
	if err != nil {
		d.failed(ctx, e, env, err)
		return
	}

	if err := d.deps.Queue.MarkPublished(ctx, e.ID); err != nil {
		d.log.Error().Err(err).Int64("outbox_id", e.ID).Msg("marking request delivered")
	}
	d.deps.Metrics.Mutation(action, "delivered")

	if env.Request.Action == remote.MutationDelete {
		d.deleteLocal(ctx, env.Request)
	}
	if env.UndoKind != "" && d.deps.Tokens != nil {
		d.deps.Tokens.TokensArrived(ctx, env.UndoKind, e.ActionID, env.UndoParts, resp.UndoTokens)
	}
	if env.Request.Fetch && d.deps.Refetcher != nil {
		var labels []mailbox.LabelID
		if env.Request.LabelID != "" {
			labels = []mailbox.LabelID{env.Request.LabelID}
		}
		d.deps.Refetcher.Refetch(ctx, labels)
	}
}

func (d *Dispatcher) failed(ctx context.Context, e sqlite.OutboxEntry, env envelope, err error) {
	action := string(env.Request.Action)
	attempt := e.Retries + 1
	if d.deps.Backoff.ShouldRetry(attempt, e.Idempotent, err) {
		delay := d.deps.Backoff.Delay(attempt)
		d.log.Warn().Err(err).Int64("outbox_id", e.ID).Int("attempt", attempt).Dur("backoff", delay).Msg("request failed, retrying")
		if merr := d.deps.Queue.MarkOutboxRetry(ctx, e.ID, delay, err.Error()); merr != nil {
			d.log.Error().Err(merr).Int64("outbox_id", e.ID).Msg("marking request for retry")
		}
		d.deps.Metrics.Retry()
		d.deps.Metrics.Mutation(action, "retry")
		return
	}

	d.log.Error().Err(err).Int64("outbox_id", e.ID).Str("action", action).Msg("request failed")
	if merr := d.deps.Queue.MarkFailed(ctx, e.ID, err.Error()); merr != nil {
		d.log.Error().Err(merr).Int64("outbox_id", e.ID).Msg("marking request failed")
	}
	d.deps.Metrics.Mutation(action, "failed")

	if env.Revert != nil && d.deps.Reverter != nil {
		if rerr := d.deps.Reverter.Revert(ctx, mailbox.PendingAction{
			ID:       e.ActionID,
			ItemKind: env.Revert.ItemKind,
			Changes:  env.Revert.Changes,
			Deltas:   env.Revert.Deltas,
		}); rerr != nil {
			d.log.Error().Err(rerr).Str("action_id", e.ActionID).Msg("reverting failed request")
		}
	}

	b := notify.BannerFor(remote.Classify(err))
	b.UserID = d.deps.UserID
	d.deps.Presenter.ShowBanner(ctx, b)
}

// deleteLocal drops items the server deleted for good.
func (d *Dispatcher) deleteLocal(ctx context.Context, req remote.MutationRequest) {
	err := d.deps.Store.Update(ctx, func(tx store.Tx) error {
		for _, id := range req.IDs {
			if err := tx.Delete(req.Kind, id); err != nil {
				return fmt.Errorf("delete %s: %w", id, err)
			}
		}
		return nil
	})
	if err != nil {
		d.log.Error().Err(err).Msg("removing deleted items")
	}
}
