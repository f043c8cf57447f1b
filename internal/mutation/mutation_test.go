package mutation_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Martian-dev/mailbox-sync/internal/eventstore/sqlite"
	"github.com/Martian-dev/mailbox-sync/internal/mailbox"
	"github.com/Martian-dev/mailbox-sync/internal/mutation"
	"github.com/Martian-dev/mailbox-sync/internal/notify"
	"github.com/Martian-dev/mailbox-sync/internal/patterns"
	"github.com/Martian-dev/mailbox-sync/internal/remote"
	"github.com/Martian-dev/mailbox-sync/internal/retry"
	"github.com/Martian-dev/mailbox-sync/internal/store"
	"github.com/Martian-dev/mailbox-sync/internal/store/storetest"
	"github.com/Martian-dev/mailbox-sync/internal/undo"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fakeServer struct {
	mu      sync.Mutex
	reqs    []remote.MutationRequest
	respond func(remote.MutationRequest) (*remote.MutationResponse, error)
	undone  [][]string
}

func (f *fakeServer) Mutate(_ context.Context, req remote.MutationRequest) (*remote.MutationResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqs = append(f.reqs, req)
	if f.respond != nil {
		return f.respond(req)
	}
	return &remote.MutationResponse{Code: remote.CodeSuccess}, nil
}

func (f *fakeServer) Undo(_ context.Context, tokens []string) ([]remote.UndoResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.undone = append(f.undone, tokens)
	out := make([]remote.UndoResult, len(tokens))
	for i, tok := range tokens {
		out[i] = remote.UndoResult{Token: tok, Code: remote.CodeSuccess}
	}
	return out, nil
}

func (f *fakeServer) requests() []remote.MutationRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]remote.MutationRequest(nil), f.reqs...)
}

type refetches struct {
	mu     sync.Mutex
	labels [][]mailbox.LabelID
}

func (r *refetches) Refetch(_ context.Context, labels []mailbox.LabelID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.labels = append(r.labels, labels)
}

type env struct {
	st      *store.SQLiteStore
	outbox  *sqlite.Store
	engine  *mutation.Engine
	disp    *mutation.Dispatcher
	reg     *undo.Registry
	server  *fakeServer
	refetch *refetches
	banners *notify.Recorder
	clock   *clock
}

func newEnv(t *testing.T) *env {
	t.Helper()
	outbox, err := sqlite.OpenUserDB("", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { outbox.Close() })

	protected, err := patterns.NewMatcher([]string{`^Secret`})
	require.NoError(t, err)

	e := &env{
		st:      storetest.New(t),
		outbox:  outbox,
		server:  &fakeServer{},
		refetch: &refetches{},
		banners: &notify.Recorder{},
		clock:   &clock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)},
	}
	e.engine = mutation.NewEngine(mutation.EngineDeps{
		UserID:    "u1",
		Store:     e.st,
		Outbox:    outbox,
		Protected: protected,
		Now:       e.clock.Now,
		Log:       zerolog.Nop(),
	})
	e.reg = undo.New(undo.Options{
		UserID:    "u1",
		Now:       e.clock.Now,
		API:       e.server,
		Reverter:  e.engine,
		Refetcher: e.refetch,
		Presenter: e.banners,
		Log:       zerolog.Nop(),
	})
	e.disp = mutation.NewDispatcher(mutation.DispatcherDeps{
		UserID:    "u1",
		Queue:     outbox,
		API:       e.server,
		Store:     e.st,
		Tokens:    e.reg,
		Refetcher: e.refetch,
		Reverter:  e.engine,
		Presenter: e.banners,
		Backoff:   retry.Backoff{Base: time.Minute, Max: time.Hour, MaxAttempts: 8},
		Log:       zerolog.Nop(),
	})
	e.engine.Attach(e.reg, e.disp)

	ctx := context.Background()
	require.NoError(t, e.st.Update(ctx, func(tx store.Tx) error {
		for _, l := range []mailbox.Label{
			{ID: "f1", Name: "Projects", Type: mailbox.LabelTypeFolder},
			{ID: "work", Name: "Work", Type: mailbox.LabelTypeLabel},
			{ID: "sec", Name: "Secret stuff", Type: mailbox.LabelTypeLabel},
		} {
			if err := tx.UpsertLabel(l); err != nil {
				return err
			}
		}
		return nil
	}))
	return e
}

func (e *env) seed(t *testing.T, items ...mailbox.Item) {
	t.Helper()
	for _, it := range items {
		require.NoError(t, e.st.Upsert(context.Background(), it))
	}
}

func (e *env) setCounter(t *testing.T, l mailbox.LabelID, total, unread int) {
	t.Helper()
	require.NoError(t, e.st.Update(context.Background(), func(tx store.Tx) error {
		return tx.SetCounter(mailbox.Counter{LabelID: l, Kind: mailbox.KindMessage, Total: total, Unread: unread})
	}))
}

func (e *env) counter(t *testing.T, l mailbox.LabelID) (int, int) {
	t.Helper()
	c, err := e.st.Counter(context.Background(), l, mailbox.KindMessage)
	require.NoError(t, err)
	return c.Total, c.Unread
}

func (e *env) labels(t *testing.T, id mailbox.ItemID) []mailbox.LabelID {
	t.Helper()
	it, err := e.st.Get(context.Background(), mailbox.KindMessage, id)
	require.NoError(t, err)
	return it.LabelIDs()
}

func (e *env) pending(t *testing.T) int {
	t.Helper()
	n, err := e.outbox.CountPending(context.Background(), false)
	require.NoError(t, err)
	return n
}

func (e *env) queued(t *testing.T) []json.RawMessage {
	t.Helper()
	entries, err := e.outbox.DequeueOutbox(context.Background(), 100)
	require.NoError(t, err)
	var out []json.RawMessage
	for _, en := range entries {
		out = append(out, en.Payload)
	}
	return out
}

func msgs(ids ...mailbox.ItemID) []mutation.ItemRef {
	out := make([]mutation.ItemRef, 0, len(ids))
	for _, id := range ids {
		out = append(out, mutation.ItemRef{Kind: mailbox.KindMessage, ID: id})
	}
	return out
}

func inInbox(id mailbox.ItemID, unread bool) *mailbox.Message {
	return &mailbox.Message{ID: id, Unread: unread, Labels: []mailbox.LabelID{mailbox.LabelInbox, mailbox.LabelAllMail}}
}

func TestArchiveThenUndo(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.seed(t, inInbox("M1", true))
	e.setCounter(t, mailbox.LabelInbox, 1, 1)

	res, err := e.engine.Apply(ctx, mutation.Request{Kind: mailbox.ActionArchive, Items: msgs("M1"), Source: mailbox.LabelInbox})
	require.NoError(t, err)

	// Visible under archive before any network call.
	assert.Equal(t, []mailbox.LabelID{mailbox.LabelAllMail, mailbox.LabelArchive}, e.labels(t, "M1"))
	assert.Empty(t, e.server.requests())
	total, unread := e.counter(t, mailbox.LabelInbox)
	assert.Equal(t, [2]int{0, 0}, [2]int{total, unread})
	total, unread = e.counter(t, mailbox.LabelArchive)
	assert.Equal(t, [2]int{1, 1}, [2]int{total, unread})
	require.NotNil(t, res.Action)
	assert.Equal(t, mailbox.UndoArchive, res.Action.UndoKind)
	assert.Len(t, e.reg.Pending(), 1)

	e.server.respond = func(remote.MutationRequest) (*remote.MutationResponse, error) {
		return &remote.MutationResponse{Code: remote.CodeSuccess, UndoTokens: []string{"tok-1"}}, nil
	}
	e.clock.Advance(2 * time.Second)
	n, err := e.disp.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	banners := e.banners.Banners()
	require.Len(t, banners, 1)
	assert.Equal(t, "Moved to Archive", banners[0].Message)
	assert.Equal(t, notify.BannerUndo, banners[0].Kind)

	require.NoError(t, e.reg.Undo(ctx, banners[0].ID))

	assert.Equal(t, [][]string{{"tok-1"}}, e.server.undone)
	assert.Equal(t, []mailbox.LabelID{mailbox.LabelInbox, mailbox.LabelAllMail}, e.labels(t, "M1"))
	total, unread = e.counter(t, mailbox.LabelInbox)
	assert.Equal(t, [2]int{1, 1}, [2]int{total, unread})
	total, _ = e.counter(t, mailbox.LabelArchive)
	assert.Zero(t, total)
	assert.Equal(t, [][]mailbox.LabelID{{mailbox.LabelInbox, mailbox.LabelArchive}}, e.refetch.labels)
}

func TestTokenAfterWindowShowsNoBanner(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.seed(t, inInbox("M1", false))
	e.server.respond = func(remote.MutationRequest) (*remote.MutationResponse, error) {
		return &remote.MutationResponse{Code: remote.CodeSuccess, UndoTokens: []string{"tok"}}, nil
	}

	_, err := e.engine.Apply(ctx, mutation.Request{Kind: mailbox.ActionTrash, Items: msgs("M1")})
	require.NoError(t, err)
	e.clock.Advance(5 * time.Second)
	_, err = e.disp.Flush(ctx)
	require.NoError(t, err)

	assert.Empty(t, e.banners.Banners())
	assert.Empty(t, e.reg.Pending())
	assert.Equal(t, []mailbox.LabelID{mailbox.LabelTrash, mailbox.LabelAllMail}, e.labels(t, "M1"))
}

func TestTrashingTrashedItemIsNoop(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.seed(t, &mailbox.Message{ID: "M1", Labels: []mailbox.LabelID{mailbox.LabelTrash}})
	e.setCounter(t, mailbox.LabelTrash, 1, 0)

	res, err := e.engine.Apply(ctx, mutation.Request{Kind: mailbox.ActionTrash, Items: msgs("M1")})
	require.NoError(t, err)

	assert.Empty(t, res.Applied)
	assert.Equal(t, []mailbox.ItemID{"M1"}, res.Skipped)
	assert.Nil(t, res.Action)
	assert.Zero(t, e.pending(t), "no request is queued")
	total, _ := e.counter(t, mailbox.LabelTrash)
	assert.Equal(t, 1, total)
	c, err := e.st.Counter(ctx, mailbox.LabelTrash, mailbox.KindMessage)
	require.NoError(t, err)
	assert.Equal(t, mailbox.CounterFresh, c.State)
	assert.Empty(t, e.reg.Pending())
}

func TestMoveSequenceKeepsOneFolder(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.seed(t, &mailbox.Message{ID: "M1", Labels: []mailbox.LabelID{mailbox.LabelInbox, mailbox.LabelAllMail, "work"}})

	for _, dest := range []mailbox.LabelID{
		mailbox.LabelTrash, mailbox.LabelArchive, "f1", mailbox.LabelSpam, "f1", mailbox.LabelInbox,
	} {
		_, err := e.engine.Apply(ctx, mutation.Request{Kind: mailbox.ActionMoveTo, Items: msgs("M1"), Destination: dest})
		require.NoError(t, err)

		labels := e.labels(t, "M1")
		var folders []mailbox.LabelID
		for _, l := range labels {
			if l.IsSystemLocation() || l == "f1" {
				folders = append(folders, l)
			}
		}
		assert.Equal(t, []mailbox.LabelID{dest}, folders, "after move to %s", dest)
		assert.Contains(t, labels, mailbox.LabelID("work"), "plain labels survive moves")
	}
}

func TestMoveToCustomFolderUsesCustomUndoKind(t *testing.T) {
	e := newEnv(t)
	e.seed(t, inInbox("M1", false))

	res, err := e.engine.Apply(context.Background(), mutation.Request{Kind: mailbox.ActionMoveTo, Items: msgs("M1"), Destination: "f1"})
	require.NoError(t, err)
	require.NotNil(t, res.Action)
	assert.Equal(t, mailbox.UndoKind("custom:f1"), res.Action.UndoKind)
	assert.Equal(t, "Moved to Projects", res.Action.Title)
}

func TestStarAndReadAreNotUndoable(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.seed(t, inInbox("M1", true))
	e.setCounter(t, mailbox.LabelInbox, 1, 1)

	res, err := e.engine.Apply(ctx, mutation.Request{Kind: mailbox.ActionStar, Items: msgs("M1")})
	require.NoError(t, err)
	assert.Nil(t, res.Action)
	assert.Contains(t, e.labels(t, "M1"), mailbox.LabelStarred)

	res, err = e.engine.Apply(ctx, mutation.Request{Kind: mailbox.ActionRead, Items: msgs("M1")})
	require.NoError(t, err)
	assert.Nil(t, res.Action)
	assert.Empty(t, e.reg.Pending())

	it, err := e.st.Get(ctx, mailbox.KindMessage, "M1")
	require.NoError(t, err)
	assert.False(t, it.IsUnread())
	total, unread := e.counter(t, mailbox.LabelInbox)
	assert.Equal(t, [2]int{1, 0}, [2]int{total, unread})

	// Already read: nothing to do.
	res, err = e.engine.Apply(ctx, mutation.Request{Kind: mailbox.ActionRead, Items: msgs("M1")})
	require.NoError(t, err)
	assert.Empty(t, res.Applied)
	assert.Equal(t, 2, e.pending(t))
}

func TestLabelAsWithArchive(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.seed(t, inInbox("M1", false))

	res, err := e.engine.Apply(ctx, mutation.Request{
		Kind: mailbox.ActionLabelAs, Items: msgs("M1"), Add: []mailbox.LabelID{"work"}, Archive: true,
	})
	require.NoError(t, err)
	require.NotNil(t, res.Action)
	assert.Equal(t, mailbox.UndoArchive, res.Action.UndoKind)
	assert.Equal(t, 2, res.Requests)
	assert.Equal(t, []mailbox.LabelID{mailbox.LabelAllMail, mailbox.LabelArchive, "work"}, e.labels(t, "M1"))

	var envs []struct {
		Request  remote.MutationRequest `json:"request"`
		UndoKind mailbox.UndoKind       `json:"undo_kind"`
	}
	for _, raw := range e.queued(t) {
		var v struct {
			Request  remote.MutationRequest `json:"request"`
			UndoKind mailbox.UndoKind       `json:"undo_kind"`
		}
		require.NoError(t, json.Unmarshal(raw, &v))
		envs = append(envs, v)
	}
	require.Len(t, envs, 2)
	assert.Equal(t, mailbox.LabelID("work"), envs[0].Request.LabelID)
	assert.True(t, envs[0].Request.Fetch)
	assert.Empty(t, envs[0].UndoKind)
	assert.Equal(t, mailbox.LabelArchive, envs[1].Request.LabelID)
	assert.Equal(t, mailbox.UndoArchive, envs[1].UndoKind)

	e.server.respond = func(req remote.MutationRequest) (*remote.MutationResponse, error) {
		resp := &remote.MutationResponse{Code: remote.CodeSuccess}
		if req.LabelID == mailbox.LabelArchive {
			resp.UndoTokens = []string{"tok-archive"}
		}
		return resp, nil
	}
	_, err = e.disp.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, [][]mailbox.LabelID{{"work"}}, e.refetch.labels)

	banners := e.banners.Banners()
	require.Len(t, banners, 1)
	require.NoError(t, e.reg.Undo(ctx, banners[0].ID))

	// The token only moves the item back; the label stays as on the server.
	assert.Equal(t, [][]string{{"tok-archive"}}, e.server.undone)
	assert.ElementsMatch(t, []mailbox.LabelID{mailbox.LabelInbox, mailbox.LabelAllMail, "work"}, e.labels(t, "M1"))
}

func TestLabelAsWithoutArchiveIsNotUndoable(t *testing.T) {
	e := newEnv(t)
	e.seed(t, inInbox("M1", false))

	res, err := e.engine.Apply(context.Background(), mutation.Request{Kind: mailbox.ActionLabelAs, Items: msgs("M1"), Add: []mailbox.LabelID{"work"}})
	require.NoError(t, err)
	assert.Nil(t, res.Action)
	assert.Equal(t, 1, res.Requests)
}

func TestRejectedRequests(t *testing.T) {
	tests := []struct {
		name string
		req  mutation.Request
		err  error
	}{
		{"unknown action", mutation.Request{Kind: "explode", Items: msgs("M1")}, mutation.ErrInvalidAction},
		{"no items", mutation.Request{Kind: mailbox.ActionTrash}, mutation.ErrNoItems},
		{"mixed items", mutation.Request{Kind: mailbox.ActionTrash, Items: []mutation.ItemRef{
			{Kind: mailbox.KindMessage, ID: "M1"}, {Kind: mailbox.KindConversation, ID: "C1"},
		}}, mutation.ErrMixedItems},
		{"move to all mail", mutation.Request{Kind: mailbox.ActionMoveTo, Items: msgs("M1"), Destination: mailbox.LabelAllMail}, mutation.ErrProtectedLabel},
		{"move to sent", mutation.Request{Kind: mailbox.ActionMoveTo, Items: msgs("M1"), Destination: mailbox.LabelSent}, mutation.ErrProtectedLabel},
		{"move to plain label", mutation.Request{Kind: mailbox.ActionMoveTo, Items: msgs("M1"), Destination: "work"}, mutation.ErrInvalidDestination},
		{"move to unknown", mutation.Request{Kind: mailbox.ActionMoveTo, Items: msgs("M1"), Destination: "nope"}, mutation.ErrUnknownLabel},
		{"label as system", mutation.Request{Kind: mailbox.ActionLabelAs, Items: msgs("M1"), Remove: []mailbox.LabelID{mailbox.LabelAllMail}}, mutation.ErrProtectedLabel},
		{"label as folder", mutation.Request{Kind: mailbox.ActionLabelAs, Items: msgs("M1"), Add: []mailbox.LabelID{"f1"}}, mutation.ErrInvalidDestination},
		{"label as protected name", mutation.Request{Kind: mailbox.ActionLabelAs, Items: msgs("M1"), Add: []mailbox.LabelID{"sec"}}, mutation.ErrProtectedLabel},
		{"label as nothing", mutation.Request{Kind: mailbox.ActionLabelAs, Items: msgs("M1")}, mutation.ErrNoLabels},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEnv(t)
			e.seed(t, inInbox("M1", true))

			_, err := e.engine.Apply(context.Background(), tt.req)
			assert.ErrorIs(t, err, tt.err)
			assert.Equal(t, []mailbox.LabelID{mailbox.LabelInbox, mailbox.LabelAllMail}, e.labels(t, "M1"))
			assert.Zero(t, e.pending(t))
		})
	}
}

func TestSwipeRules(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.seed(t,
		&mailbox.Message{ID: "A1", Labels: []mailbox.LabelID{mailbox.LabelArchive}},
		inInbox("M1", false),
	)

	res, err := e.engine.Apply(ctx, mutation.Request{Kind: mailbox.ActionArchive, Items: msgs("A1"), Source: mailbox.LabelArchive, Swipe: true})
	require.NoError(t, err)
	assert.Empty(t, res.Applied)

	res, err = e.engine.Apply(ctx, mutation.Request{Kind: mailbox.ActionRead, Items: msgs("M1"), Source: mailbox.LabelInbox, Swipe: true})
	require.NoError(t, err)
	assert.Empty(t, res.Applied)

	res, err = e.engine.Apply(ctx, mutation.Request{Kind: mailbox.ActionUnread, Items: msgs("M1"), Source: mailbox.LabelInbox, Swipe: true})
	require.NoError(t, err)
	assert.Equal(t, []mailbox.ItemID{"M1"}, res.Applied)
	assert.Equal(t, 1, e.pending(t))
}

func TestBulkRequestHoldsPolling(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.seed(t, inInbox("M1", false), inInbox("M2", false))

	assert.True(t, e.disp.Idle(ctx))
	_, err := e.engine.Apply(ctx, mutation.Request{Kind: mailbox.ActionTrash, Items: msgs("M1", "M2")})
	require.NoError(t, err)
	assert.False(t, e.disp.Idle(ctx))

	_, err = e.disp.Flush(ctx)
	require.NoError(t, err)
	assert.True(t, e.disp.Idle(ctx))

	reqs := e.server.requests()
	require.Len(t, reqs, 1)
	assert.ElementsMatch(t, []mailbox.ItemID{"M1", "M2"}, reqs[0].IDs)
	assert.Equal(t, [][]mailbox.LabelID{nil}, e.refetch.labels, "held back polls resume once the bulk request is out")
}

func TestBulkRetryKeepsPollingHeld(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.seed(t, inInbox("M1", false), inInbox("M2", false))
	e.server.respond = func(remote.MutationRequest) (*remote.MutationResponse, error) {
		return nil, remote.FromResponse(503, 0, "unavailable")
	}

	_, err := e.engine.Apply(ctx, mutation.Request{Kind: mailbox.ActionArchive, Items: msgs("M1", "M2")})
	require.NoError(t, err)
	_, err = e.disp.Flush(ctx)
	require.NoError(t, err)

	assert.False(t, e.disp.Idle(ctx))
	assert.Empty(t, e.refetch.labels)
}

func TestLargeArchiveUndoesEveryRequest(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	var ids []mailbox.ItemID
	for i := 0; i < 200; i++ {
		id := mailbox.ItemID(fmt.Sprintf("M%03d", i))
		ids = append(ids, id)
		e.seed(t, inInbox(id, false))
	}
	e.server.respond = func(req remote.MutationRequest) (*remote.MutationResponse, error) {
		return &remote.MutationResponse{Code: remote.CodeSuccess, UndoTokens: []string{"tok-" + string(req.IDs[0])}}, nil
	}

	res, err := e.engine.Apply(ctx, mutation.Request{Kind: mailbox.ActionArchive, Items: msgs(ids...), Source: mailbox.LabelInbox})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Requests)

	_, err = e.disp.Flush(ctx)
	require.NoError(t, err)
	require.Len(t, e.server.requests(), 2)

	banners := e.banners.Banners()
	require.Len(t, banners, 1, "one banner for the whole action")
	require.NoError(t, e.reg.Undo(ctx, banners[0].ID))

	var sent []string
	for _, batch := range e.server.undone {
		sent = append(sent, batch...)
	}
	assert.ElementsMatch(t, []string{"tok-M000", "tok-M150"}, sent)
	assert.Equal(t, []mailbox.LabelID{mailbox.LabelInbox, mailbox.LabelAllMail}, e.labels(t, "M000"))
	assert.Equal(t, []mailbox.LabelID{mailbox.LabelInbox, mailbox.LabelAllMail}, e.labels(t, "M199"))
}

func TestLargeArchiveWithoutEveryTokenIsNotUndoable(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	var ids []mailbox.ItemID
	for i := 0; i < 200; i++ {
		id := mailbox.ItemID(fmt.Sprintf("M%03d", i))
		ids = append(ids, id)
		e.seed(t, inInbox(id, false))
	}
	e.server.respond = func(req remote.MutationRequest) (*remote.MutationResponse, error) {
		if req.IDs[0] == "M150" {
			return &remote.MutationResponse{Code: remote.CodeSuccess}, nil
		}
		return &remote.MutationResponse{Code: remote.CodeSuccess, UndoTokens: []string{"tok"}}, nil
	}

	_, err := e.engine.Apply(ctx, mutation.Request{Kind: mailbox.ActionArchive, Items: msgs(ids...)})
	require.NoError(t, err)
	_, err = e.disp.Flush(ctx)
	require.NoError(t, err)

	assert.Empty(t, e.banners.Banners())
	assert.Contains(t, e.labels(t, "M000"), mailbox.LabelArchive)
}

type failingOutbox struct{}

func (failingOutbox) EnqueueMutation(context.Context, sqlite.OutboxEntry) (int64, error) {
	return 0, errors.New("disk full")
}

func TestQueueFailureKeepsEarlierPendingAction(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.seed(t, inInbox("M1", false), inInbox("M2", false))

	first, err := e.engine.Apply(ctx, mutation.Request{Kind: mailbox.ActionArchive, Items: msgs("M1")})
	require.NoError(t, err)

	broken := mutation.NewEngine(mutation.EngineDeps{
		UserID:    "u1",
		Store:     e.st,
		Outbox:    failingOutbox{},
		Registrar: e.reg,
		Now:       e.clock.Now,
		Log:       zerolog.Nop(),
	})
	_, err = broken.Apply(ctx, mutation.Request{Kind: mailbox.ActionArchive, Items: msgs("M2")})
	require.Error(t, err)
	assert.Equal(t, []mailbox.LabelID{mailbox.LabelInbox, mailbox.LabelAllMail}, e.labels(t, "M2"))

	pending := e.reg.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, first.Action.ID, pending[0].ID)
}

func TestTransientFailureIsRetried(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.seed(t, inInbox("M1", false))
	e.server.respond = func(remote.MutationRequest) (*remote.MutationResponse, error) {
		return nil, remote.FromResponse(503, 0, "unavailable")
	}

	_, err := e.engine.Apply(ctx, mutation.Request{Kind: mailbox.ActionArchive, Items: msgs("M1")})
	require.NoError(t, err)
	_, err = e.disp.Flush(ctx)
	require.NoError(t, err)

	assert.Equal(t, 1, e.pending(t), "still queued")
	assert.Empty(t, e.queued(t), "not due before the backoff delay")
	assert.Empty(t, e.banners.Banners())
	assert.Contains(t, e.labels(t, "M1"), mailbox.LabelArchive)
}

func TestPermanentFailureRevertsLocalChange(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.seed(t, inInbox("M1", true))
	e.setCounter(t, mailbox.LabelInbox, 1, 1)
	e.server.respond = func(remote.MutationRequest) (*remote.MutationResponse, error) {
		return &remote.MutationResponse{Code: 2001}, nil
	}

	_, err := e.engine.Apply(ctx, mutation.Request{Kind: mailbox.ActionSpam, Items: msgs("M1")})
	require.NoError(t, err)
	_, err = e.disp.Flush(ctx)
	require.NoError(t, err)

	assert.Zero(t, e.pending(t))
	assert.Equal(t, []mailbox.LabelID{mailbox.LabelInbox, mailbox.LabelAllMail}, e.labels(t, "M1"))
	total, unread := e.counter(t, mailbox.LabelInbox)
	assert.Equal(t, [2]int{1, 1}, [2]int{total, unread})

	banners := e.banners.Banners()
	require.Len(t, banners, 1)
	assert.Equal(t, notify.BannerError, banners[0].Kind)
}

func TestPermanentDeleteOnAck(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.seed(t,
		&mailbox.Message{ID: "T1", Labels: []mailbox.LabelID{mailbox.LabelTrash}},
		inInbox("M1", false),
	)

	res, err := e.engine.Apply(ctx, mutation.Request{Kind: mailbox.ActionDelete, Items: msgs("T1", "M1")})
	require.NoError(t, err)
	assert.Equal(t, []mailbox.ItemID{"T1"}, res.Applied)
	assert.Equal(t, []mailbox.ItemID{"M1"}, res.Skipped, "only trash, spam and drafts can be deleted")
	assert.Nil(t, res.Action)

	_, err = e.st.Get(ctx, mailbox.KindMessage, "T1")
	require.NoError(t, err, "not removed before the server acknowledges")

	_, err = e.disp.Flush(ctx)
	require.NoError(t, err)
	_, err = e.st.Get(ctx, mailbox.KindMessage, "T1")
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.Len(t, e.refetch.labels, 1)
}

func TestDeleteIsNeverRetried(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.seed(t, &mailbox.Message{ID: "T1", Labels: []mailbox.LabelID{mailbox.LabelTrash}})
	e.server.respond = func(remote.MutationRequest) (*remote.MutationResponse, error) {
		return nil, remote.FromResponse(504, 0, "timeout")
	}

	_, err := e.engine.Apply(ctx, mutation.Request{Kind: mailbox.ActionDelete, Items: msgs("T1")})
	require.NoError(t, err)
	_, err = e.disp.Flush(ctx)
	require.NoError(t, err)

	assert.Zero(t, e.pending(t))
	_, err = e.st.Get(ctx, mailbox.KindMessage, "T1")
	assert.NoError(t, err)
	require.Len(t, e.banners.Banners(), 1)
	assert.Equal(t, "timeout", e.banners.Banners()[0].Category)
}

func TestEventForOptimisticMoveIsAbsorbed(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.seed(t, inInbox("M1", false))

	_, err := e.engine.Apply(ctx, mutation.Request{Kind: mailbox.ActionArchive, Items: msgs("M1")})
	require.NoError(t, err)
	before, err := e.st.Get(ctx, mailbox.KindMessage, "M1")
	require.NoError(t, err)

	var changes []store.Change
	e.st.ObserveAll(func(c store.Change) { changes = append(changes, c) })
	require.NoError(t, e.st.Update(ctx, func(tx store.Tx) error {
		cur, err := tx.Get(mailbox.KindMessage, "M1")
		if err != nil {
			return err
		}
		return tx.Upsert(mailbox.Patch{
			LabelIDsAdded:   []mailbox.LabelID{mailbox.LabelArchive},
			LabelIDsRemoved: []mailbox.LabelID{mailbox.LabelInbox},
		}.Merge(cur))
	}))

	after, err := e.st.Get(ctx, mailbox.KindMessage, "M1")
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.Empty(t, changes)
}
