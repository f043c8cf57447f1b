package sync

import (
	"context"
	"encoding/json"
	gosync "sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	evstore "github.com/Martian-dev/mailbox-sync/internal/eventstore/sqlite"
	"github.com/Martian-dev/mailbox-sync/internal/mailbox"
	"github.com/Martian-dev/mailbox-sync/internal/notify"
	"github.com/Martian-dev/mailbox-sync/internal/remote"
	"github.com/Martian-dev/mailbox-sync/internal/store"
	"github.com/Martian-dev/mailbox-sync/internal/store/storetest"
)

type fakeEvents struct {
	mu      gosync.Mutex
	latest  string
	batches []*remote.EventBatch
	errs    []error
	labels  []remote.LabelPayload
	pages   map[mailbox.LabelID]*remote.MailboxPage

	sinceCalls   []string
	latestCalls  int
	mailboxCalls []mailbox.LabelID

	entered chan struct{}
	release chan struct{}
}

func (f *fakeEvents) LatestCursor(context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.latestCalls++
	return f.latest, nil
}

func (f *fakeEvents) EventsSince(ctx context.Context, cursor string) (*remote.EventBatch, error) {
	if f.entered != nil {
		f.entered <- struct{}{}
	}
	if f.release != nil {
		<-f.release
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sinceCalls = append(f.sinceCalls, cursor)
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	if len(f.batches) == 0 {
		return &remote.EventBatch{EventID: cursor}, nil
	}
	b := f.batches[0]
	f.batches = f.batches[1:]
	return b, nil
}

func (f *fakeEvents) FetchLabels(context.Context) ([]remote.LabelPayload, error) {
	return f.labels, nil
}

func (f *fakeEvents) FetchMailbox(_ context.Context, id mailbox.LabelID, _ mailbox.ItemKind, _ int) (*remote.MailboxPage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mailboxCalls = append(f.mailboxCalls, id)
	if p, ok := f.pages[id]; ok {
		return p, nil
	}
	return &remote.MailboxPage{}, nil
}

func (f *fakeEvents) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sinceCalls)
}

type fakeSettings struct {
	got map[string]json.RawMessage
}

func (f *fakeSettings) Passthrough(_ context.Context, _ string, kind string, payload json.RawMessage) {
	if f.got == nil {
		f.got = map[string]json.RawMessage{}
	}
	f.got[kind] = payload
}

type gateFunc func() bool

func (g gateFunc) Idle(context.Context) bool { return g() }

type harness struct {
	sched     *Scheduler
	api       *fakeEvents
	store     *store.SQLiteStore
	cursors   *evstore.Store
	banners   *notify.Recorder
	sleeps    []time.Duration
	afterMu   gosync.Mutex
	afters    []time.Duration
	afterChan chan time.Time
}

func newHarness(t *testing.T, api *fakeEvents) *harness {
	t.Helper()
	st := storetest.New(t)
	cursors, err := evstore.OpenUserDB("", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { cursors.Close() })

	h := &harness{api: api, store: st, cursors: cursors, banners: &notify.Recorder{}, afterChan: make(chan time.Time, 1)}
	cfg := DefaultSchedulerConfig()
	cfg.PollInterval = time.Hour
	cfg.ViewMode = mailbox.KindMessage
	h.sched = NewScheduler(SchedulerDeps{
		UserID:    "u1",
		API:       api,
		Cursor:    NewEventCursor(cursors, "u1"),
		Store:     st,
		Applier:   &Applier{UserID: "u1", Store: st, Log: zerolog.Nop()},
		Presenter: h.banners,
		Log:       zerolog.Nop(),
	}, cfg)
	h.sched.Sleep = func(_ context.Context, d time.Duration) error {
		h.sleeps = append(h.sleeps, d)
		return nil
	}
	h.sched.After = func(d time.Duration) <-chan time.Time {
		h.afterMu.Lock()
		defer h.afterMu.Unlock()
		h.afters = append(h.afters, d)
		return h.afterChan
	}
	return h
}

func (h *harness) afterCalls() []time.Duration {
	h.afterMu.Lock()
	defer h.afterMu.Unlock()
	return append([]time.Duration(nil), h.afters...)
}

func (h *harness) setCursor(t *testing.T, cursor string) {
	t.Helper()
	require.NoError(t, h.cursors.SaveCursor(context.Background(), "u1", cursor, evstore.StatusHooked))
}

func (h *harness) cursor(t *testing.T) string {
	t.Helper()
	c, err := h.cursors.LoadCursor(context.Background(), "u1")
	require.NoError(t, err)
	return c
}

func ptr[T any](v T) *T { return &v }

// peekCursor is safe to call from Eventually conditions.
func (h *harness) peekCursor() string {
	c, _ := h.cursors.LoadCursor(context.Background(), "u1")
	return c
}
