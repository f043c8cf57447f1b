// Package undo pairs optimistic actions with the undo tokens the server
// returns for them and replays those tokens when the user asks.
package undo

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/Martian-dev/mailbox-sync/internal/mailbox"
	"github.com/Martian-dev/mailbox-sync/internal/metrics"
	"github.com/Martian-dev/mailbox-sync/internal/notify"
	"github.com/Martian-dev/mailbox-sync/internal/remote"
)

var (
	// ErrBannerNotFound is returned for unknown, dismissed or expired banners.
	ErrBannerNotFound = errors.New("undo: banner not found")
	// ErrUndoFailed means at least one token batch was rejected. Local
	// state is left as it was.
	ErrUndoFailed = errors.New("undo: action could not be reverted")
)

const (
	DefaultWindow    = 4 * time.Second
	DefaultBannerTTL = 10 * time.Second
	DefaultBatchSize = 50
)

// FailedMessage is shown when an undo request does not go through.
const FailedMessage = "The action could not be reverted."

// Reverter restores the local state an action changed.
type Reverter interface {
	Revert(ctx context.Context, action mailbox.PendingAction) error
}

// Refetcher asks for fresh events after a successful undo.
type Refetcher interface {
	Refetch(ctx context.Context, labels []mailbox.LabelID)
}

// Options configure a Registry. Zero durations take the defaults.
type Options struct {
	UserID    string
	Window    time.Duration
	BannerTTL time.Duration
	BatchSize int
	Now       func() time.Time

	API       remote.UndoAPI
	Reverter  Reverter
	Refetcher Refetcher
	Presenter notify.Presenter
	Log       zerolog.Logger
	Metrics   *metrics.Metrics
}

type displayed struct {
	action  mailbox.PendingAction
	tokens  []string
	shownAt time.Time
}

// partial gathers the tokens of an action sent as several requests.
// outcome is set once the action can no longer be undone.
type partial struct {
	action  mailbox.PendingAction
	tokens  []string
	left    int
	outcome string
}

// Registry holds at most one pending action per undo kind and the undo
// banners currently on screen. All state is guarded by one mutex; server
// calls run outside it.
type Registry struct {
	opts Options
	log  zerolog.Logger

	mu         sync.Mutex
	pending    map[mailbox.UndoKind]mailbox.PendingAction
	collecting map[string]*partial
	displayed  map[string]*displayed
}

func New(opts Options) *Registry {
	if opts.Window <= 0 {
		opts.Window = DefaultWindow
	}
	if opts.BannerTTL <= 0 {
		opts.BannerTTL = DefaultBannerTTL
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Presenter == nil {
		opts.Presenter = notify.Log{Logger: opts.Log}
	}
	return &Registry{
		opts:      opts,
		log:       opts.Log.With().Str("component", "undo").Str("user_id", opts.UserID).Logger(),
		pending:    make(map[mailbox.UndoKind]mailbox.PendingAction),
		collecting: make(map[string]*partial),
		displayed:  make(map[string]*displayed),
	}
}

// Register records an action applied locally. A pending action of the
// same undo kind is evicted: the last registration wins.
func (r *Registry) Register(action mailbox.PendingAction) {
	if action.RegisteredAt.IsZero() {
		action.RegisteredAt = r.opts.Now()
	}

	r.mu.Lock()
	prev, evicted := r.pending[action.UndoKind]
	r.pending[action.UndoKind] = action
	n := len(r.pending)
	r.mu.Unlock()

	if evicted {
		r.log.Debug().Str("undo_kind", string(action.UndoKind)).Str("evicted", prev.ID).Str("action_id", action.ID).Msg("pending action replaced")
		r.opts.Metrics.Undo("evicted")
	}
	r.opts.Metrics.SetPending(n)
}

// TokenArrived consumes the pending action of kind. Inside the window an
// undo banner is shown and returned; after it the tokens are dropped and
// the action stays committed.
func (r *Registry) TokenArrived(ctx context.Context, kind mailbox.UndoKind, tokens []string) (notify.Banner, bool) {
	return r.TokensArrived(ctx, kind, "", 1, tokens)
}

// TokensArrived is TokenArrived for an action whose items were sent in
// parts requests. The banner is shown once every part answered inside the
// window, carrying all their tokens. If any part comes late or without a
// token the whole action stays committed.
func (r *Registry) TokensArrived(ctx context.Context, kind mailbox.UndoKind, actionID string, parts int, tokens []string) (notify.Banner, bool) {
	now := r.opts.Now()

	r.mu.Lock()
	p := r.collect(kind, actionID, parts, tokens, now)
	var b notify.Banner
	if p != nil && p.left == 0 && p.outcome == "" {
		b = notify.Banner{
			ID:       uuid.NewString(),
			Kind:     notify.BannerUndo,
			Message:  p.action.Title,
			Labels:   p.action.AffectedLabels(),
			UserID:   r.opts.UserID,
			Category: string(kind),
		}
		r.displayed[b.ID] = &displayed{action: p.action, tokens: p.tokens, shownAt: now}
	}
	n := len(r.pending)
	r.mu.Unlock()

	r.opts.Metrics.SetPending(n)
	switch {
	case p == nil:
		r.log.Debug().Str("undo_kind", string(kind)).Msg("undo token without pending action")
		r.opts.Metrics.Undo("unmatched")
	case p.left > 0:
		r.log.Debug().Str("action_id", p.action.ID).Int("left", p.left).Msg("waiting for remaining undo tokens")
	case p.outcome != "":
		r.log.Debug().Str("undo_kind", string(kind)).Str("action_id", p.action.ID).Str("outcome", p.outcome).Msg("undo tokens dropped")
		r.opts.Metrics.Undo(p.outcome)
	default:
		r.opts.Metrics.Undo("displayed")
		r.opts.Presenter.ShowBanner(ctx, b)
		return b, true
	}
	return notify.Banner{}, false
}

// collect records one answer for an action. It returns nil when no pending
// action matches. Must be called with r.mu held.
func (r *Registry) collect(kind mailbox.UndoKind, actionID string, parts int, tokens []string, now time.Time) *partial {
	p, ok := r.collecting[actionID]
	if parts <= 1 || !ok {
		action, found := r.pending[kind]
		if !found {
			return nil
		}
		delete(r.pending, kind)
		p = &partial{action: action, left: max(parts, 1)}
		if p.left > 1 {
			r.collecting[actionID] = p
		}
	}

	p.left--
	switch {
	case p.outcome != "":
	case len(tokens) == 0:
		p.outcome = "no_token"
	case now.Sub(p.action.RegisteredAt) >= r.opts.Window:
		p.outcome = "expired"
	default:
		p.tokens = append(p.tokens, tokens...)
	}
	if p.left == 0 {
		delete(r.collecting, actionID)
	}
	return p
}

// Undo replays the tokens of a displayed banner. The banner is consumed
// whatever the outcome. If any batch fails nothing is reverted locally;
// otherwise the local change is reverted and fresh events are requested
// for every affected label.
func (r *Registry) Undo(ctx context.Context, bannerID string) error {
	r.mu.Lock()
	d, ok := r.displayed[bannerID]
	if ok {
		delete(r.displayed, bannerID)
	}
	r.mu.Unlock()

	if !ok || r.opts.Now().Sub(d.shownAt) >= r.opts.BannerTTL {
		return fmt.Errorf("%w: %s", ErrBannerNotFound, bannerID)
	}

	if err := r.replay(ctx, d.tokens); err != nil {
		r.log.Warn().Err(err).Str("action_id", d.action.ID).Msg("undo failed")
		r.opts.Metrics.Undo("failed")
		r.opts.Presenter.ShowBanner(ctx, notify.Banner{
			Kind:     notify.BannerError,
			Message:  FailedMessage,
			UserID:   r.opts.UserID,
			Category: "undo",
		})
		return fmt.Errorf("%w: %w", ErrUndoFailed, err)
	}

	labels := d.action.AffectedLabels()
	var revertErr error
	if r.opts.Reverter != nil {
		if revertErr = r.opts.Reverter.Revert(ctx, d.action); revertErr != nil {
			// The server side is undone; the refetch below repairs the cache.
			r.log.Error().Err(revertErr).Str("action_id", d.action.ID).Msg("local revert failed")
		}
	}
	if r.opts.Refetcher != nil {
		r.opts.Refetcher.Refetch(ctx, labels)
	}

	r.opts.Metrics.Undo("reverted")
	r.log.Info().Str("action_id", d.action.ID).Str("undo_kind", string(d.action.UndoKind)).Int("items", len(d.action.ItemIDs)).Msg("action reverted")
	return revertErr
}

func (r *Registry) replay(ctx context.Context, tokens []string) error {
	g, gctx := errgroup.WithContext(ctx)
	for start := 0; start < len(tokens); start += r.opts.BatchSize {
		batch := tokens[start:min(start+r.opts.BatchSize, len(tokens))]
		g.Go(func() error {
			results, err := r.opts.API.Undo(gctx, batch)
			if err != nil {
				return err
			}
			if len(results) < len(batch) {
				return fmt.Errorf("server answered %d of %d tokens", len(results), len(batch))
			}
			for _, res := range results {
				if !res.Success() {
					return fmt.Errorf("token rejected with code %d: %s", res.Code, res.Error)
				}
			}
			return nil
		})
	}
	return g.Wait()
}

// Dismiss removes a displayed banner without undoing it.
func (r *Registry) Dismiss(bannerID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.displayed[bannerID]
	delete(r.displayed, bannerID)
	return ok
}

// Sweep drops pending actions whose window elapsed and banners past their
// lifetime. It returns how many entries were removed.
func (r *Registry) Sweep() int {
	now := r.opts.Now()

	r.mu.Lock()
	removed := 0
	for kind, a := range r.pending {
		if now.Sub(a.RegisteredAt) >= r.opts.Window {
			delete(r.pending, kind)
			removed++
		}
	}
	// A part that failed for good never answers.
	for id, p := range r.collecting {
		if now.Sub(p.action.RegisteredAt) >= r.opts.BannerTTL {
			delete(r.collecting, id)
			removed++
		}
	}
	for id, d := range r.displayed {
		if now.Sub(d.shownAt) >= r.opts.BannerTTL {
			delete(r.displayed, id)
			removed++
		}
	}
	n := len(r.pending)
	r.mu.Unlock()

	r.opts.Metrics.SetPending(n)
	return removed
}

// Run sweeps periodically until ctx is done.
func (r *Registry) Run(ctx context.Context) error {
	t := time.NewTicker(r.opts.Window)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			if n := r.Sweep(); n > 0 {
				r.log.Debug().Int("removed", n).Msg("undo sweep")
			}
		}
	}
}

// Pending returns the pending actions, oldest first.
func (r *Registry) Pending() []mailbox.PendingAction {
	r.mu.Lock()
	out := make([]mailbox.PendingAction, 0, len(r.pending))
	for _, a := range r.pending {
		out = append(out, a)
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].RegisteredAt.Before(out[j].RegisteredAt) })
	return out
}

// Displayed reports whether bannerID can still be undone.
func (r *Registry) Displayed(bannerID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.displayed[bannerID]
	return ok && r.opts.Now().Sub(d.shownAt) < r.opts.BannerTTL
}
