package sync

import (
	"context"
	"errors"
	"fmt"
	gosync "sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/Martian-dev/mailbox-sync/internal/mailbox"
	"github.com/Martian-dev/mailbox-sync/internal/metrics"
	"github.com/Martian-dev/mailbox-sync/internal/notify"
	"github.com/Martian-dev/mailbox-sync/internal/remote"
	"github.com/Martian-dev/mailbox-sync/internal/retry"
	"github.com/Martian-dev/mailbox-sync/internal/store"
)

// ErrSyncInFlight is returned when a poll is requested while another one
// is running. The request is dropped, not queued.
var ErrSyncInFlight = errors.New("sync: poll already in flight")

// PollReason says why a poll was requested. It only feeds logs and metrics.
type PollReason string

const (
	ReasonStart     PollReason = "start"
	ReasonTick      PollReason = "tick"
	ReasonManual    PollReason = "manual"
	ReasonResume    PollReason = "resume"
	ReasonReconnect PollReason = "reconnect"
	ReasonRetry     PollReason = "retry"
	ReasonMutation  PollReason = "mutation"
	ReasonUndo      PollReason = "undo"
)

// Connectivity is the device network state reported by the host.
type Connectivity int

const (
	Connected Connectivity = iota
	Disconnected
)

func (c Connectivity) String() string {
	if c == Disconnected {
		return "disconnected"
	}
	return "connected"
}

// Gate reports whether local work that must not race with polling is pending.
type Gate interface {
	Idle(ctx context.Context) bool
}

// SchedulerConfig tunes polling.
type SchedulerConfig struct {
	PollInterval        time.Duration
	SettleDelay         time.Duration
	MaxImmediateRetries int
	DelayedRetry        time.Duration
	PrimeLabels         []mailbox.LabelID
	PrimeLimit          int
	ViewMode            mailbox.ItemKind
	Backoff             retry.Backoff
}

// DefaultSchedulerConfig returns the production timings.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		PollInterval:        30 * time.Second,
		SettleDelay:         5 * time.Second,
		MaxImmediateRetries: 10,
		DelayedRetry:        time.Second,
		PrimeLabels:         []mailbox.LabelID{mailbox.LabelInbox},
		PrimeLimit:          50,
		ViewMode:            mailbox.KindConversation,
		Backoff:             retry.Default(),
	}
}

// Outcome summarizes one completed poll.
type Outcome struct {
	Pages   int
	Applied int
	Reset   bool
	Skipped bool
}

// Scheduler drives event polling for one user.
type Scheduler struct {
	userID    string
	api       remote.EventsAPI
	cursor    *EventCursor
	store     store.LocalStore
	applier   *Applier
	gate      Gate
	presenter notify.Presenter
	cfg       SchedulerConfig
	log       zerolog.Logger
	metrics   *metrics.Metrics

	// Sleep and After are replaced in tests.
	Sleep func(ctx context.Context, d time.Duration) error
	After func(d time.Duration) <-chan time.Time

	inFlight atomic.Bool

	mu       gosync.Mutex
	running  bool
	paused   bool
	online   bool
	conn     Connectivity
	failures int
	done     chan struct{}

	trigger      chan PollReason
	connectivity chan Connectivity
}

// SchedulerDeps are the collaborators of a Scheduler.
type SchedulerDeps struct {
	UserID    string
	API       remote.EventsAPI
	Cursor    *EventCursor
	Store     store.LocalStore
	Applier   *Applier
	Gate      Gate
	Presenter notify.Presenter
	Log       zerolog.Logger
	Metrics   *metrics.Metrics
}

func NewScheduler(deps SchedulerDeps, cfg SchedulerConfig) *Scheduler {
	if deps.Presenter == nil {
		deps.Presenter = notify.Log{Logger: deps.Log}
	}
	return &Scheduler{
		userID:       deps.UserID,
		api:          deps.API,
		cursor:       deps.Cursor,
		store:        deps.Store,
		applier:      deps.Applier,
		gate:         deps.Gate,
		presenter:    deps.Presenter,
		cfg:          cfg,
		log:          deps.Log.With().Str("user_id", deps.UserID).Logger(),
		metrics:      deps.Metrics,
		Sleep:        sleepCtx,
		After:        time.After,
		online:       true,
		trigger:      make(chan PollReason, 1),
		connectivity: make(chan Connectivity, 16),
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Start launches the polling loop. It polls once immediately, then on every
// tick, trigger and reconnect until ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("scheduler for %s already running", s.userID)
	}
	s.running = true
	s.done = make(chan struct{})
	done := s.done
	s.mu.Unlock()

	go func() {
		defer close(done)
		s.run(ctx)
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()
	return nil
}

// Done is closed when the loop started by Start exits.
func (s *Scheduler) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

// Pause stops new polls from being scheduled. A poll already running
// completes normally.
func (s *Scheduler) Pause() {
	s.mu.Lock()
	s.paused = true
	s.mu.Unlock()
	s.log.Debug().Msg("polling paused")
}

// Resume re-enables polling and polls right away.
func (s *Scheduler) Resume() {
	s.mu.Lock()
	s.paused = false
	s.mu.Unlock()
	s.log.Debug().Msg("polling resumed")
	s.Poll(ReasonResume)
}

// Poll asks the loop for a poll. It is ignored while paused, offline or
// while a poll is already in flight.
func (s *Scheduler) Poll(reason PollReason) bool {
	if !s.canPoll() || s.inFlight.Load() {
		s.metrics.Poll("coalesced")
		return false
	}
	select {
	case s.trigger <- reason:
		return true
	default:
		s.metrics.Poll("coalesced")
		return false
	}
}

// SetConnectivity reports a connectivity transition. Going offline takes
// effect at once; coming back from disconnected resumes polling only after
// the settle delay.
func (s *Scheduler) SetConnectivity(c Connectivity) {
	s.mu.Lock()
	prev := s.conn
	s.conn = c
	if c == Disconnected {
		s.online = false
	}
	s.mu.Unlock()

	if prev == c {
		return
	}
	s.log.Info().Str("from", prev.String()).Str("to", c.String()).Msg("connectivity changed")
	select {
	case s.connectivity <- c:
	default:
		s.log.Warn().Msg("connectivity queue full")
	}
}

func (s *Scheduler) canPoll() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.paused && s.online
}

func (s *Scheduler) isPaused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused
}

func (s *Scheduler) run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	var settle, retryC <-chan time.Time
	poll := func(reason PollReason) {
		if !s.canPoll() {
			return
		}
		_, err := s.Sync(ctx, reason)
		switch {
		case err == nil:
			retryC = nil
		case errors.Is(err, ErrSyncInFlight), ctx.Err() != nil:
		default:
			s.mu.Lock()
			s.failures++
			n := s.failures
			s.mu.Unlock()
			if remote.Classify(err).Transient() {
				retryC = s.After(s.cfg.Backoff.Delay(n))
			}
		}
	}

	s.log.Info().Msg("sync start")
	poll(ReasonStart)
	for {
		select {
		case <-ctx.Done():
			s.log.Info().Msg("sync stop")
			return
		case <-ticker.C:
			poll(ReasonTick)
		case reason := <-s.trigger:
			poll(reason)
		case <-retryC:
			retryC = nil
			poll(ReasonRetry)
		case c := <-s.connectivity:
			if c == Disconnected {
				settle = nil
				continue
			}
			s.mu.Lock()
			offline := !s.online
			s.mu.Unlock()
			if offline && settle == nil {
				settle = s.After(s.cfg.SettleDelay)
			}
		case <-settle:
			settle = nil
			s.mu.Lock()
			ok := s.conn != Disconnected
			if ok {
				s.online = true
			}
			s.mu.Unlock()
			if ok {
				poll(ReasonReconnect)
			}
		}
	}
}

// Sync performs one poll synchronously: a full reset when there is no
// usable cursor or the server asks for one, otherwise events since the
// cursor, following continuation pages. Only one Sync runs at a time;
// concurrent calls return ErrSyncInFlight.
func (s *Scheduler) Sync(ctx context.Context, reason PollReason) (Outcome, error) {
	if !s.inFlight.CompareAndSwap(false, true) {
		return Outcome{}, ErrSyncInFlight
	}
	defer s.inFlight.Store(false)

	start := time.Now()
	defer func() { s.metrics.ObservePoll(time.Since(start).Seconds()) }()

	if s.gate != nil && !s.gate.Idle(ctx) {
		s.log.Debug().Str("reason", string(reason)).Msg("poll deferred, local bulk action in flight")
		s.metrics.Poll("deferred")
		return Outcome{Skipped: true}, nil
	}

	cursor, err := s.cursor.Load(ctx)
	if err != nil {
		return Outcome{}, s.fail(ctx, fmt.Errorf("load cursor: %w", err))
	}
	if cursor == "" {
		return s.fullReset(ctx, "cold_start")
	}

	var out Outcome
	immediate := 0
	for {
		batch, err := s.api.EventsSince(ctx, cursor)
		if err != nil {
			if remote.IsInvalidCursor(err) {
				return s.fullReset(ctx, "invalid_cursor")
			}
			return out, s.fail(ctx, fmt.Errorf("fetch events since %s: %w", cursor, err))
		}
		out.Pages++

		if batch.RequiresRefresh() {
			s.log.Info().Int("refresh", batch.Refresh).Msg("server requested refresh")
			return s.fullReset(ctx, "refresh")
		}

		n, err := s.applier.Apply(ctx, batch)
		if err != nil {
			return out, s.fail(ctx, fmt.Errorf("apply events: %w", err))
		}
		out.Applied += n

		if batch.EventID != "" && batch.EventID != cursor {
			cursor = batch.EventID
			if err := s.cursor.Advance(ctx, cursor); err != nil {
				return out, s.fail(ctx, fmt.Errorf("save cursor: %w", err))
			}
		}

		if !batch.HasMore() || s.isPaused() {
			break
		}
		if immediate >= s.cfg.MaxImmediateRetries {
			if err := s.Sleep(ctx, s.cfg.DelayedRetry); err != nil {
				return out, err
			}
		}
		immediate++
	}

	s.succeeded()
	s.metrics.Poll("ok")
	s.log.Debug().Str("reason", string(reason)).Int("pages", out.Pages).Int("applied", out.Applied).Str("cursor", cursor).Msg("poll complete")
	return out, nil
}

// fullReset wipes unpinned local data, takes the current cursor and primes
// the cache from a bulk fetch. The cursor is stored last so an interrupted
// reset is retried from scratch.
func (s *Scheduler) fullReset(ctx context.Context, reason string) (Outcome, error) {
	s.log.Info().Str("reason", reason).Msg("full reset")
	s.metrics.Reset(reason)

	if err := s.cursor.Invalidate(ctx); err != nil {
		return Outcome{}, s.fail(ctx, fmt.Errorf("invalidate cursor: %w", err))
	}
	_ = s.cursor.MarkSyncing(ctx)
	if err := s.store.Reset(ctx); err != nil {
		return Outcome{}, s.fail(ctx, fmt.Errorf("reset store: %w", err))
	}

	latest, err := s.api.LatestCursor(ctx)
	if err != nil {
		return Outcome{}, s.fail(ctx, fmt.Errorf("fetch latest cursor: %w", err))
	}

	labels, err := s.api.FetchLabels(ctx)
	if err != nil {
		return Outcome{}, s.fail(ctx, fmt.Errorf("fetch labels: %w", err))
	}

	pages := make([]*remote.MailboxPage, 0, len(s.cfg.PrimeLabels))
	for _, id := range s.cfg.PrimeLabels {
		page, err := s.api.FetchMailbox(ctx, id, s.cfg.ViewMode, s.cfg.PrimeLimit)
		if err != nil {
			return Outcome{}, s.fail(ctx, fmt.Errorf("fetch mailbox %s: %w", id, err))
		}
		pages = append(pages, page)
	}

	applied := 0
	err = s.store.Update(ctx, func(tx store.Tx) error {
		for _, l := range labels {
			if err := tx.UpsertLabel(l.Label()); err != nil {
				return err
			}
		}
		for _, page := range pages {
			for _, m := range page.Messages {
				if err := tx.Upsert(m); err != nil {
					return err
				}
				applied++
			}
			for _, c := range page.Conversations {
				if err := tx.Upsert(c); err != nil {
					return err
				}
				applied++
			}
			for _, c := range page.Counts {
				if err := tx.SetCounter(mailbox.Counter{LabelID: c.LabelID, Kind: s.cfg.ViewMode, Total: c.Total, Unread: c.Unread}); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return Outcome{}, s.fail(ctx, fmt.Errorf("prime store: %w", err))
	}

	if err := s.cursor.Advance(ctx, latest); err != nil {
		return Outcome{}, s.fail(ctx, fmt.Errorf("save cursor: %w", err))
	}

	s.succeeded()
	s.metrics.Poll("reset")
	return Outcome{Reset: true, Applied: applied}, nil
}

func (s *Scheduler) succeeded() {
	s.mu.Lock()
	s.failures = 0
	s.mu.Unlock()
}

// fail records err and shows the banner for its class. It never stops the loop.
func (s *Scheduler) fail(ctx context.Context, err error) error {
	kind := remote.Classify(err)
	s.log.Warn().Err(err).Str("class", kind.String()).Msg("poll failed")
	s.metrics.Poll("error_" + kind.String())
	if ctx.Err() == nil {
		_ = s.cursor.MarkError(ctx, err)
		b := notify.BannerFor(kind)
		b.UserID = s.userID
		s.presenter.ShowBanner(ctx, b)
	}
	return err
}
