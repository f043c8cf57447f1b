// Package mutation applies user actions to the local store optimistically
// and delivers the matching server requests through the outbox.
package mutation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/Martian-dev/mailbox-sync/internal/eventstore/sqlite"
	"github.com/Martian-dev/mailbox-sync/internal/mailbox"
	"github.com/Martian-dev/mailbox-sync/internal/metrics"
	"github.com/Martian-dev/mailbox-sync/internal/patterns"
	"github.com/Martian-dev/mailbox-sync/internal/remote"
	"github.com/Martian-dev/mailbox-sync/internal/store"
)

var (
	ErrInvalidAction      = errors.New("mutation: unknown action")
	ErrNoItems            = errors.New("mutation: no items")
	ErrMixedItems         = errors.New("mutation: messages and conversations cannot be mixed")
	ErrNoLabels           = errors.New("mutation: no labels to add or remove")
	ErrProtectedLabel     = errors.New("mutation: label cannot be changed by user actions")
	ErrInvalidDestination = errors.New("mutation: destination is not a folder")
	ErrUnknownLabel       = errors.New("mutation: unknown label")
)

// maxIDsPerRequest bounds the item IDs sent in one server request.
const maxIDsPerRequest = 150

// ItemRef names one item of a request.
type ItemRef struct {
	Kind mailbox.ItemKind `json:"kind"`
	ID   mailbox.ItemID   `json:"id"`
}

// Request is one user action.
type Request struct {
	Kind  mailbox.ActionKind `json:"action"`
	Items []ItemRef          `json:"items"`
	// Destination is the target folder of moveTo.
	Destination mailbox.LabelID `json:"destination,omitempty"`
	// Add and Remove are the labels changed by labelAs.
	Add    []mailbox.LabelID `json:"add,omitempty"`
	Remove []mailbox.LabelID `json:"remove,omitempty"`
	// Archive also moves the items to archive on labelAs.
	Archive bool `json:"archive,omitempty"`
	// Source is the label view the action was taken from.
	Source mailbox.LabelID `json:"source,omitempty"`
	// Swipe marks a single swipe gesture, as opposed to a multi-select.
	Swipe bool `json:"swipe,omitempty"`
}

// Result reports what Apply did.
type Result struct {
	Applied []mailbox.ItemID `json:"applied"`
	Skipped []mailbox.ItemID `json:"skipped,omitempty"`
	// Action is set when the action was registered for undo.
	Action   *mailbox.PendingAction `json:"action,omitempty"`
	Requests int                    `json:"requests"`
}

// Outbox queues server requests for the dispatcher.
type Outbox interface {
	EnqueueMutation(ctx context.Context, e sqlite.OutboxEntry) (int64, error)
}

// Registrar records undo eligible actions.
type Registrar interface {
	Register(action mailbox.PendingAction)
}

// Waker is told when new requests were queued.
type Waker interface {
	Kick()
}

// revertData restores the local effect of one queued request.
type revertData struct {
	ItemKind mailbox.ItemKind       `json:"item_kind"`
	Changes  []mailbox.ItemChange   `json:"changes"`
	Deltas   []mailbox.CounterDelta `json:"deltas,omitempty"`
}

// envelope is the outbox payload.
type envelope struct {
	Request  remote.MutationRequest `json:"request"`
	UndoKind mailbox.UndoKind       `json:"undo_kind,omitempty"`
	// UndoParts is how many requests of the action return undo tokens.
	UndoParts int         `json:"undo_parts,omitempty"`
	Revert    *revertData `json:"revert,omitempty"`
}

type EngineDeps struct {
	UserID    string
	Store     store.LocalStore
	Outbox    Outbox
	Registrar Registrar
	Waker     Waker
	// Protected matches user label names that actions must not touch.
	Protected *patterns.Matcher
	Now       func() time.Time
	Log       zerolog.Logger
	Metrics   *metrics.Metrics
}

// Engine performs label and location transitions.
type Engine struct {
	deps EngineDeps
	log  zerolog.Logger
}

func NewEngine(deps EngineDeps) *Engine {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &Engine{
		deps: deps,
		log:  deps.Log.With().Str("component", "mutation").Str("user_id", deps.UserID).Logger(),
	}
}

// Attach sets the collaborators that are built after the engine.
func (e *Engine) Attach(r Registrar, w Waker) {
	e.deps.Registrar = r
	e.deps.Waker = w
}

// plan is a validated request.
type plan struct {
	req      Request
	kind     mailbox.ItemKind
	ids      []mailbox.ItemID
	dest     mailbox.LabelID
	destName string
	add      []mailbox.LabelID
	remove   []mailbox.LabelID
	// undoParts is set once the action is registered for undo.
	undoParts int
}

func (p *plan) moves() bool {
	return p.dest != ""
}

// undoEligible reports whether the action registers a pending action.
func (p *plan) undoEligible() bool {
	switch p.req.Kind {
	case mailbox.ActionTrash, mailbox.ActionArchive, mailbox.ActionSpam, mailbox.ActionMoveTo:
		return true
	case mailbox.ActionLabelAs:
		return p.req.Archive
	}
	return false
}

// applied is the local effect on one item. move is the location part of
// change, the only part an undo token reverses on the server.
type applied struct {
	change     mailbox.ItemChange
	deltas     []mailbox.CounterDelta
	move       mailbox.ItemChange
	moveDeltas []mailbox.CounterDelta
}

// Apply validates req, mutates the local store synchronously and queues
// the server requests. Items the action would not change are skipped; when
// every item is skipped nothing is sent and no error is returned.
func (e *Engine) Apply(ctx context.Context, req Request) (Result, error) {
	if !req.Kind.Valid() {
		return Result{}, fmt.Errorf("%w: %q", ErrInvalidAction, req.Kind)
	}
	kind, ids, err := splitItems(req.Items)
	if err != nil {
		return Result{}, err
	}
	p := &plan{req: req, kind: kind, ids: ids}

	if req.Swipe && !mailbox.SwipeAllowedIn(req.Source, req.Kind) {
		e.deps.Metrics.Mutation(string(req.Kind), "rejected")
		return Result{Skipped: ids}, nil
	}

	var (
		res  Result
		done []applied
	)
	err = e.deps.Store.Update(ctx, func(tx store.Tx) error {
		if err := e.resolve(tx, p); err != nil {
			return err
		}
		var all []mailbox.CounterDelta
		for _, id := range ids {
			it, err := tx.Get(kind, id)
			if errors.Is(err, store.ErrNotFound) {
				res.Skipped = append(res.Skipped, id)
				continue
			}
			if err != nil {
				return err
			}
			if req.Swipe && !mailbox.SwipeAllowedOn(it, req.Kind) {
				res.Skipped = append(res.Skipped, id)
				continue
			}
			a, ok, err := e.applyOne(tx, p, it)
			if err != nil {
				return err
			}
			if !ok {
				res.Skipped = append(res.Skipped, id)
				continue
			}
			res.Applied = append(res.Applied, id)
			done = append(done, a)
			all = append(all, a.deltas...)
		}
		for _, d := range mergeDeltas(all) {
			if err := tx.AdjustCounter(d); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		e.deps.Metrics.Mutation(string(req.Kind), "error")
		return Result{}, err
	}

	if len(done) == 0 {
		e.log.Debug().Str("action", string(req.Kind)).Int("skipped", len(res.Skipped)).Msg("action changes nothing")
		e.deps.Metrics.Mutation(string(req.Kind), "noop")
		return res, nil
	}

	actionID := uuid.NewString()
	var pending *mailbox.PendingAction
	if p.undoEligible() {
		pending = &mailbox.PendingAction{
			ID:           actionID,
			Kind:         req.Kind,
			UndoKind:     mailbox.UndoKindFor(p.dest),
			ItemKind:     kind,
			Source:       p.source(done),
			Destination:  p.dest,
			Title:        "Moved to " + p.destName,
			RegisteredAt: e.deps.Now(),
		}
		for _, a := range done {
			if len(a.move.Added) == 0 {
				continue
			}
			pending.ItemIDs = append(pending.ItemIDs, a.move.ItemID)
			pending.Changes = append(pending.Changes, a.move)
			pending.Deltas = append(pending.Deltas, a.moveDeltas...)
		}
		pending.Deltas = mergeDeltas(pending.Deltas)
		if len(pending.Changes) == 0 {
			pending = nil
		}
	}
	if pending != nil {
		p.undoParts = (len(done) + maxIDsPerRequest - 1) / maxIDsPerRequest
	}

	n, err := e.enqueue(ctx, p, actionID, done)
	if err != nil {
		e.log.Error().Err(err).Str("action", string(req.Kind)).Msg("queueing requests failed, reverting")
		if rerr := e.revert(ctx, kind, changesOf(done), mergeDeltas(deltasOf(done))); rerr != nil {
			e.log.Error().Err(rerr).Msg("revert after queue failure")
		}
		e.deps.Metrics.Mutation(string(req.Kind), "error")
		return Result{}, err
	}
	res.Requests = n
	if pending != nil {
		// Registered only once queued, so a failed action never evicts
		// another one. The token needs a server round trip to come back.
		if e.deps.Registrar != nil {
			e.deps.Registrar.Register(*pending)
		}
		res.Action = pending
	}
	if e.deps.Waker != nil {
		e.deps.Waker.Kick()
	}

	e.deps.Metrics.Mutation(string(req.Kind), "applied")
	e.log.Info().
		Str("action", string(req.Kind)).
		Str("action_id", actionID).
		Int("applied", len(res.Applied)).
		Int("skipped", len(res.Skipped)).
		Int("requests", n).
		Msg("action applied")
	return res, nil
}

// source is the view the action came from, or the first item's previous
// location.
func (p *plan) source(done []applied) mailbox.LabelID {
	if p.req.Source != "" {
		return p.req.Source
	}
	for _, a := range done {
		for _, l := range a.change.Removed {
			if l.IsSystemLocation() {
				return l
			}
		}
	}
	return ""
}

func splitItems(items []ItemRef) (mailbox.ItemKind, []mailbox.ItemID, error) {
	if len(items) == 0 {
		return 0, nil, ErrNoItems
	}
	kind := items[0].Kind
	ids := make([]mailbox.ItemID, 0, len(items))
	for _, it := range items {
		if it.Kind != kind {
			return 0, nil, ErrMixedItems
		}
		if it.ID == "" {
			return 0, nil, ErrNoItems
		}
		if !slices.Contains(ids, it.ID) {
			ids = append(ids, it.ID)
		}
	}
	if kind != mailbox.KindMessage && kind != mailbox.KindConversation {
		return 0, nil, fmt.Errorf("mutation: unknown item kind %d", kind)
	}
	return kind, ids, nil
}

// resolve checks the labels named by the request.
func (e *Engine) resolve(tx store.Tx, p *plan) error {
	switch p.req.Kind {
	case mailbox.ActionTrash, mailbox.ActionArchive, mailbox.ActionSpam:
		p.dest, _ = p.req.Kind.Destination()
		p.destName = p.dest.SystemName()
	case mailbox.ActionMoveTo:
		if p.req.Destination == "" {
			return fmt.Errorf("%w: missing destination", ErrInvalidDestination)
		}
		name, err := e.folder(tx, p.req.Destination)
		if err != nil {
			return err
		}
		p.dest, p.destName = p.req.Destination, name
	case mailbox.ActionLabelAs:
		if len(p.req.Add) == 0 && len(p.req.Remove) == 0 && !p.req.Archive {
			return ErrNoLabels
		}
		for _, l := range slices.Concat(p.req.Add, p.req.Remove) {
			if err := e.userLabel(tx, l); err != nil {
				return err
			}
		}
		p.add, p.remove = p.req.Add, p.req.Remove
		if p.req.Archive {
			p.dest, p.destName = mailbox.LabelArchive, mailbox.LabelArchive.SystemName()
		}
	}
	return nil
}

// folder validates a moveTo destination and returns its display name.
func (e *Engine) folder(tx store.Tx, id mailbox.LabelID) (string, error) {
	if id.IsSystem() {
		if !id.IsMoveDestination() {
			return "", fmt.Errorf("%w: %s", ErrProtectedLabel, id)
		}
		return id.SystemName(), nil
	}
	l, err := tx.Label(id)
	if errors.Is(err, store.ErrNotFound) {
		return "", fmt.Errorf("%w: %s", ErrUnknownLabel, id)
	}
	if err != nil {
		return "", err
	}
	if !l.Exclusive() {
		return "", fmt.Errorf("%w: %s", ErrInvalidDestination, l.Name)
	}
	if e.deps.Protected.Match(l.Name) {
		return "", fmt.Errorf("%w: %s", ErrProtectedLabel, l.Name)
	}
	return l.Name, nil
}

// userLabel validates a label added or removed by labelAs.
func (e *Engine) userLabel(tx store.Tx, id mailbox.LabelID) error {
	if id.IsSystem() {
		return fmt.Errorf("%w: %s", ErrProtectedLabel, id)
	}
	l, err := tx.Label(id)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrUnknownLabel, id)
	}
	if err != nil {
		return err
	}
	if l.Exclusive() {
		return fmt.Errorf("%w: %s is a folder", ErrInvalidDestination, l.Name)
	}
	if e.deps.Protected.Match(l.Name) {
		return fmt.Errorf("%w: %s", ErrProtectedLabel, l.Name)
	}
	return nil
}

// applyOne mutates one item. ok is false when the action would not change it.
func (e *Engine) applyOne(tx store.Tx, p *plan, it mailbox.Item) (applied, bool, error) {
	kind, id := it.Kind(), it.ItemID()
	unread := it.IsUnread()
	a := applied{change: mailbox.ItemChange{ItemID: id, UnreadBefore: unread, UnreadAfter: unread}}

	add := func(l mailbox.LabelID, exclusive bool) error {
		a.change.Added = append(a.change.Added, l)
		a.deltas = append(a.deltas, delta(l, kind, 1, unread))
		return tx.AddLabel(kind, id, l, exclusive)
	}
	remove := func(l mailbox.LabelID) error {
		a.change.Removed = append(a.change.Removed, l)
		a.deltas = append(a.deltas, delta(l, kind, -1, unread))
		return tx.RemoveLabel(kind, id, l)
	}

	switch p.req.Kind {
	case mailbox.ActionDelete:
		// Permanent deletion is not optimistic; the item goes when the
		// server acknowledges it.
		loc, _, err := location(tx, it)
		if err != nil {
			return a, false, err
		}
		switch loc {
		case mailbox.LabelTrash, mailbox.LabelSpam, mailbox.LabelDrafts:
			return a, true, nil
		}
		return a, false, nil

	case mailbox.ActionStar, mailbox.ActionUnstar:
		starred := mailbox.HasLabel(it, mailbox.LabelStarred)
		if starred == (p.req.Kind == mailbox.ActionStar) {
			return a, false, nil
		}
		if starred {
			return a, true, remove(mailbox.LabelStarred)
		}
		return a, true, add(mailbox.LabelStarred, false)

	case mailbox.ActionRead, mailbox.ActionUnread:
		want := p.req.Kind == mailbox.ActionUnread
		if unread == want {
			return a, false, nil
		}
		a.change.UnreadAfter = want
		step := 1
		if !want {
			step = -1
		}
		for _, l := range it.LabelIDs() {
			a.deltas = append(a.deltas, mailbox.CounterDelta{LabelID: l, Kind: kind, Unread: step})
		}
		return a, true, tx.SetUnread(kind, id, want)
	}

	for _, l := range p.add {
		if !mailbox.HasLabel(it, l) {
			if err := add(l, false); err != nil {
				return a, false, err
			}
		}
	}
	for _, l := range p.remove {
		if mailbox.HasLabel(it, l) {
			if err := remove(l); err != nil {
				return a, false, err
			}
		}
	}
	if p.moves() {
		loc, hasLoc, err := location(tx, it)
		if err != nil {
			return a, false, err
		}
		if !hasLoc || loc != p.dest {
			a.move = mailbox.ItemChange{ItemID: id, UnreadBefore: unread, UnreadAfter: unread}
			if hasLoc {
				d := delta(loc, kind, -1, unread)
				a.change.Removed = append(a.change.Removed, loc)
				a.deltas = append(a.deltas, d)
				a.move.Removed = []mailbox.LabelID{loc}
				a.moveDeltas = append(a.moveDeltas, d)
			}
			// The exclusive add drops the previous location in the same tx.
			if err := add(p.dest, true); err != nil {
				return a, false, err
			}
			a.move.Added = []mailbox.LabelID{p.dest}
			a.moveDeltas = append(a.moveDeltas, delta(p.dest, kind, 1, unread))
		}
	}
	return a, len(a.change.Added) > 0 || len(a.change.Removed) > 0, nil
}

func delta(l mailbox.LabelID, kind mailbox.ItemKind, n int, unread bool) mailbox.CounterDelta {
	d := mailbox.CounterDelta{LabelID: l, Kind: kind, Total: n}
	if unread {
		d.Unread = n
	}
	return d
}

// mergeDeltas sums deltas per label, dropping the ones that cancel out.
func mergeDeltas(in []mailbox.CounterDelta) []mailbox.CounterDelta {
	var out []mailbox.CounterDelta
	idx := map[mailbox.LabelID]int{}
	for _, d := range in {
		i, ok := idx[d.LabelID]
		if !ok {
			idx[d.LabelID] = len(out)
			out = append(out, d)
			continue
		}
		out[i].Total += d.Total
		out[i].Unread += d.Unread
	}
	return slices.DeleteFunc(out, func(d mailbox.CounterDelta) bool { return d.IsZero() })
}

func changesOf(done []applied) []mailbox.ItemChange {
	out := make([]mailbox.ItemChange, 0, len(done))
	for _, a := range done {
		out = append(out, a.change)
	}
	return out
}

func deltasOf(done []applied) []mailbox.CounterDelta {
	var out []mailbox.CounterDelta
	for _, a := range done {
		out = append(out, a.deltas...)
	}
	return out
}

// requests builds the server calls for the items in one chunk.
func (p *plan) requests(ids []mailbox.ItemID) []envelope {
	req := func(action remote.MutationAction, label mailbox.LabelID, fetch bool) envelope {
		return envelope{Request: remote.MutationRequest{Action: action, Kind: p.kind, LabelID: label, IDs: ids, Fetch: fetch}}
	}
	switch p.req.Kind {
	case mailbox.ActionStar:
		return []envelope{req(remote.MutationLabel, mailbox.LabelStarred, false)}
	case mailbox.ActionUnstar:
		return []envelope{req(remote.MutationUnlabel, mailbox.LabelStarred, false)}
	case mailbox.ActionRead:
		return []envelope{req(remote.MutationRead, "", false)}
	case mailbox.ActionUnread:
		return []envelope{req(remote.MutationUnread, "", false)}
	case mailbox.ActionDelete:
		return []envelope{req(remote.MutationDelete, "", true)}
	}

	var out []envelope
	for _, l := range p.add {
		out = append(out, req(remote.MutationLabel, l, true))
	}
	for _, l := range p.remove {
		out = append(out, req(remote.MutationUnlabel, l, true))
	}
	if p.moves() {
		env := req(remote.MutationLabel, p.dest, false)
		if p.undoParts > 0 {
			env.UndoKind = mailbox.UndoKindFor(p.dest)
			env.UndoParts = p.undoParts
		}
		out = append(out, env)
	}
	return out
}

func (e *Engine) enqueue(ctx context.Context, p *plan, actionID string, done []applied) (int, error) {
	bulk := !p.req.Swipe && len(done) > 1
	n := 0
	for chunk := range slices.Chunk(done, maxIDsPerRequest) {
		ids := make([]mailbox.ItemID, 0, len(chunk))
		for _, a := range chunk {
			ids = append(ids, a.change.ItemID)
		}
		for i, env := range p.requests(ids) {
			if i == 0 && p.req.Kind != mailbox.ActionDelete {
				// One request per chunk carries the revert data.
				env.Revert = &revertData{ItemKind: p.kind, Changes: changesOf(chunk), Deltas: mergeDeltas(deltasOf(chunk))}
			}
			payload, err := json.Marshal(env)
			if err != nil {
				return n, fmt.Errorf("encode request: %w", err)
			}
			if _, err := e.deps.Outbox.EnqueueMutation(ctx, sqlite.OutboxEntry{
				UserID:     e.deps.UserID,
				ActionID:   actionID,
				Action:     string(env.Request.Action),
				Payload:    payload,
				MsgID:      uuid.NewString(),
				Bulk:       bulk,
				Idempotent: env.Request.Action.Idempotent(),
			}); err != nil {
				return n, fmt.Errorf("queue %s request: %w", env.Request.Action, err)
			}
			n++
		}
	}
	return n, nil
}

// Revert restores the local state recorded in action.
func (e *Engine) Revert(ctx context.Context, action mailbox.PendingAction) error {
	if err := e.revert(ctx, action.ItemKind, action.Changes, action.Deltas); err != nil {
		return fmt.Errorf("revert %s: %w", action.ID, err)
	}
	e.log.Debug().Str("action_id", action.ID).Int("items", len(action.Changes)).Msg("local change reverted")
	return nil
}

func (e *Engine) revert(ctx context.Context, kind mailbox.ItemKind, changes []mailbox.ItemChange, deltas []mailbox.CounterDelta) error {
	return e.deps.Store.Update(ctx, func(tx store.Tx) error {
		for _, c := range changes {
			if _, err := tx.Get(kind, c.ItemID); errors.Is(err, store.ErrNotFound) {
				continue
			} else if err != nil {
				return err
			}
			for _, l := range c.Added {
				if err := tx.RemoveLabel(kind, c.ItemID, l); err != nil {
					return err
				}
			}
			for _, l := range c.Removed {
				exclusive, err := isExclusive(tx, l)
				if err != nil {
					return err
				}
				if err := tx.AddLabel(kind, c.ItemID, l, exclusive); err != nil {
					return err
				}
			}
			if c.UnreadBefore != c.UnreadAfter {
				if err := tx.SetUnread(kind, c.ItemID, c.UnreadBefore); err != nil {
					return err
				}
			}
		}
		for _, d := range deltas {
			if err := tx.AdjustCounter(d.Inverse()); err != nil {
				return err
			}
		}
		return nil
	})
}

// location returns the exclusive folder of it, system or user defined.
func location(tx store.Tx, it mailbox.Item) (mailbox.LabelID, bool, error) {
	for _, l := range it.LabelIDs() {
		exclusive, err := isExclusive(tx, l)
		if err != nil {
			return "", false, err
		}
		if exclusive {
			return l, true, nil
		}
	}
	return "", false, nil
}

func isExclusive(tx store.Tx, id mailbox.LabelID) (bool, error) {
	if id.IsSystem() {
		return id.IsSystemLocation(), nil
	}
	l, err := tx.Label(id)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return l.Exclusive(), nil
}
