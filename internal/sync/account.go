package sync

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	gosync "sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	evstore "github.com/Martian-dev/mailbox-sync/internal/eventstore/sqlite"
	"github.com/Martian-dev/mailbox-sync/internal/mailbox"
	"github.com/Martian-dev/mailbox-sync/internal/metrics"
	"github.com/Martian-dev/mailbox-sync/internal/mutation"
	"github.com/Martian-dev/mailbox-sync/internal/notify"
	"github.com/Martian-dev/mailbox-sync/internal/patterns"
	"github.com/Martian-dev/mailbox-sync/internal/remote"
	"github.com/Martian-dev/mailbox-sync/internal/retry"
	"github.com/Martian-dev/mailbox-sync/internal/store"
	"github.com/Martian-dev/mailbox-sync/internal/undo"
)

// ChangeSink receives every committed store change of an account.
type ChangeSink interface {
	PublishChange(ctx context.Context, userID string, c store.Change)
}

// AccountOptions configure the sync machinery of one user.
type AccountOptions struct {
	UserID string
	// DataDir holds the per-user databases. Empty keeps them in memory.
	DataDir string
	Driver  string

	Server    remote.Server
	Presenter notify.Presenter
	Settings  SettingsSink
	Changes   ChangeSink
	Protected *patterns.Matcher

	Sync       SchedulerConfig
	UndoWindow time.Duration
	BannerTTL  time.Duration
	// Now is the clock of the mutation engine and the undo registry.
	Now func() time.Time

	Log     zerolog.Logger
	Metrics *metrics.Metrics
}

// Account owns the store, scheduler, mutation engine and undo registry of
// one user.
type Account struct {
	UserID     string
	Store      *store.SQLiteStore
	Cursors    *evstore.Store
	Scheduler  *Scheduler
	Engine     *mutation.Engine
	Dispatcher *mutation.Dispatcher
	Undo       *undo.Registry

	log       zerolog.Logger
	unobserve func()
	closeOnce gosync.Once
	closeErr  error
}

// pollRefetcher turns refetch requests into scheduler polls.
type pollRefetcher struct {
	sched  *Scheduler
	reason PollReason
	log    zerolog.Logger
}

func (p pollRefetcher) Refetch(_ context.Context, labels []mailbox.LabelID) {
	if !p.sched.Poll(p.reason) {
		p.log.Debug().Str("reason", string(p.reason)).Interface("labels", labels).Msg("refetch coalesced")
	}
}

// OpenAccount opens the databases of opts.UserID and wires its components.
func OpenAccount(opts AccountOptions) (*Account, error) {
	if opts.UserID == "" {
		return nil, errors.New("account: missing user id")
	}
	if opts.Server == nil {
		return nil, errors.New("account: missing server")
	}
	if opts.Presenter == nil {
		opts.Presenter = notify.Log{Logger: opts.Log}
	}
	if opts.Sync.PollInterval <= 0 {
		opts.Sync = DefaultSchedulerConfig()
	}
	if opts.Sync.Backoff.Base <= 0 {
		opts.Sync.Backoff = retry.Default()
	}
	log := opts.Log.With().Str("user_id", opts.UserID).Logger()

	mailPath, syncPath := ":memory:", ":memory:"
	if opts.DataDir != "" {
		dir := filepath.Join(opts.DataDir, opts.UserID)
		mailPath = filepath.Join(dir, "mailbox.db")
		syncPath = filepath.Join(dir, "sync.db")
	}

	st, err := store.NewSQLiteStore(opts.Driver, mailPath)
	if err != nil {
		return nil, fmt.Errorf("opening mailbox store: %w", err)
	}
	cursors, err := evstore.OpenUserDB(opts.Driver, syncPath)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("opening sync store: %w", err)
	}

	a := &Account{
		UserID:  opts.UserID,
		Store:   st,
		Cursors: cursors,
		log:     log,
	}

	a.Engine = mutation.NewEngine(mutation.EngineDeps{
		UserID:    opts.UserID,
		Store:     st,
		Outbox:    cursors,
		Protected: opts.Protected,
		Now:       opts.Now,
		Log:       opts.Log,
		Metrics:   opts.Metrics,
	})

	a.Dispatcher = mutation.NewDispatcher(mutation.DispatcherDeps{
		UserID:    opts.UserID,
		Queue:     cursors,
		API:       opts.Server,
		Store:     st,
		Reverter:  a.Engine,
		Presenter: opts.Presenter,
		Backoff:   opts.Sync.Backoff,
		Log:       opts.Log,
		Metrics:   opts.Metrics,
	})

	a.Scheduler = NewScheduler(SchedulerDeps{
		UserID: opts.UserID,
		API:    opts.Server,
		Cursor: NewEventCursor(cursors, opts.UserID),
		Store:  st,
		Applier: &Applier{
			UserID:   opts.UserID,
			Store:    st,
			Settings: opts.Settings,
			Log:      opts.Log,
			Metrics:  opts.Metrics,
		},
		Gate:      a.Dispatcher,
		Presenter: opts.Presenter,
		Log:       opts.Log,
		Metrics:   opts.Metrics,
	}, opts.Sync)

	a.Undo = undo.New(undo.Options{
		UserID:    opts.UserID,
		Window:    opts.UndoWindow,
		BannerTTL: opts.BannerTTL,
		Now:       opts.Now,
		API:       opts.Server,
		Reverter:  a.Engine,
		Refetcher: pollRefetcher{sched: a.Scheduler, reason: ReasonUndo, log: log},
		Presenter: opts.Presenter,
		Log:       opts.Log,
		Metrics:   opts.Metrics,
	})

	a.Engine.Attach(a.Undo, a.Dispatcher)
	a.Dispatcher.Attach(a.Undo, pollRefetcher{sched: a.Scheduler, reason: ReasonMutation, log: log})

	if opts.Changes != nil {
		sink, userID := opts.Changes, opts.UserID
		a.unobserve = st.ObserveAll(func(c store.Change) {
			sink.PublishChange(context.Background(), userID, c)
		})
	}
	return a, nil
}

// Run drives polling, request delivery and undo expiry until ctx is done.
// The databases are closed when it returns.
func (a *Account) Run(ctx context.Context) error {
	defer a.Close()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := a.Scheduler.Start(gctx); err != nil {
			return err
		}
		<-a.Scheduler.Done()
		return gctx.Err()
	})
	g.Go(func() error { return a.Dispatcher.Run(gctx) })
	g.Go(func() error { return a.Undo.Run(gctx) })

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Close releases the databases. It is safe to call more than once.
func (a *Account) Close() error {
	a.closeOnce.Do(func() {
		if a.unobserve != nil {
			a.unobserve()
		}
		a.closeErr = errors.Join(a.Store.Close(), a.Cursors.Close())
		a.log.Debug().Err(a.closeErr).Msg("account closed")
	})
	return a.closeErr
}
