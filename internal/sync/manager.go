package sync

import (
	"context"
	"errors"
	"fmt"
	"sort"
	gosync "sync"

	"github.com/rs/zerolog"
)

// ErrNotRunning is returned when no account is registered for a user.
var ErrNotRunning = errors.New("sync: account not running")

// Runner is the per-user sync machinery driven by a Manager.
type Runner interface {
	// Run blocks until ctx is cancelled or the account fails for good.
	Run(ctx context.Context) error
}

// AccountConfig identifies the account to start.
type AccountConfig struct {
	UserID string
	// UserJWT is exchanged for server credentials.
	UserJWT string
}

// AccountFactory builds the runner of one user.
type AccountFactory[A Runner] func(ctx context.Context, cfg AccountConfig) (A, error)

type running[A Runner] struct {
	account A
	cancel  context.CancelFunc
	done    chan struct{}
}

// Manager manages multi-user sync workers
type Manager[A Runner] struct {
	factory AccountFactory[A]
	log     zerolog.Logger

	mu       gosync.RWMutex
	accounts map[string]*running[A]
}

func NewManager[A Runner](factory AccountFactory[A], log zerolog.Logger) *Manager[A] {
	return &Manager[A]{
		factory:  factory,
		log:      log,
		accounts: make(map[string]*running[A]),
	}
}

// Start builds and runs the account of cfg.UserID in the background.
func (m *Manager[A]) Start(ctx context.Context, cfg AccountConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.accounts[cfg.UserID]; exists {
		return fmt.Errorf("sync already running for %s", cfg.UserID)
	}

	account, err := m.factory(ctx, cfg)
	if err != nil {
		return fmt.Errorf("create account: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	r := &running[A]{account: account, cancel: cancel, done: make(chan struct{})}
	m.accounts[cfg.UserID] = r

	go func() {
		defer close(r.done)
		m.log.Info().Str("user_id", cfg.UserID).Msg("account start")
		if err := account.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			m.log.Error().Err(err).Str("user_id", cfg.UserID).Msg("account stopped with error")
		}

		m.mu.Lock()
		if m.accounts[cfg.UserID] == r {
			delete(m.accounts, cfg.UserID)
		}
		m.mu.Unlock()
		m.log.Info().Str("user_id", cfg.UserID).Msg("account stop")
	}()

	return nil
}

// Stop cancels the account of userID and waits for it to exit.
func (m *Manager[A]) Stop(userID string) error {
	m.mu.Lock()
	r, exists := m.accounts[userID]
	if exists {
		delete(m.accounts, userID)
	}
	m.mu.Unlock()

	if !exists {
		return fmt.Errorf("%w: %s", ErrNotRunning, userID)
	}
	r.cancel()
	<-r.done
	return nil
}

// Account returns the running account of userID.
func (m *Manager[A]) Account(userID string) (A, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.accounts[userID]
	if !ok {
		var zero A
		return zero, false
	}
	return r.account, true
}

// IsRunning checks if sync is running for a user
func (m *Manager[A]) IsRunning(userID string) bool {
	_, ok := m.Account(userID)
	return ok
}

// StopAll stops all running accounts and waits for them to exit.
func (m *Manager[A]) StopAll() {
	m.mu.Lock()
	all := m.accounts
	m.accounts = make(map[string]*running[A])
	m.mu.Unlock()

	for userID, r := range all {
		m.log.Info().Str("user_id", userID).Msg("stopping account")
		r.cancel()
	}
	for _, r := range all {
		<-r.done
	}
}

// Running returns the users with a running account, sorted.
func (m *Manager[A]) Running() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	users := make([]string, 0, len(m.accounts))
	for userID := range m.accounts {
		users = append(users, userID)
	}
	sort.Strings(users)
	return users
}
