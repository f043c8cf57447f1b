package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/Martian-dev/mailbox-sync/internal/api"
	"github.com/Martian-dev/mailbox-sync/internal/auth"
	"github.com/Martian-dev/mailbox-sync/internal/config"
	"github.com/Martian-dev/mailbox-sync/internal/logging"
	"github.com/Martian-dev/mailbox-sync/internal/mailbox"
	"github.com/Martian-dev/mailbox-sync/internal/metrics"
	natsjs "github.com/Martian-dev/mailbox-sync/internal/nats"
	"github.com/Martian-dev/mailbox-sync/internal/notify"
	"github.com/Martian-dev/mailbox-sync/internal/patterns"
	"github.com/Martian-dev/mailbox-sync/internal/providers/mailapi"
	"github.com/Martian-dev/mailbox-sync/internal/retry"
	"github.com/Martian-dev/mailbox-sync/internal/sync"
)

func main() {
	configPath := pflag.StringP("config", "c", config.DefaultPath(), "path to the YAML config file")
	pflag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	log := logging.New(cfg.Log.Level, cfg.Log.Format, os.Stderr)

	if err := run(cfg, log); err != nil {
		log.Fatal().Err(err).Msg("mailsync stopped")
	}
}

func run(cfg *config.Config, log zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	protected, err := patterns.NewMatcher(cfg.Labels.ProtectedPatterns)
	if err != nil {
		return fmt.Errorf("labels.protected_patterns: %w", err)
	}

	verifier, err := newVerifier(ctx, cfg.Auth, log)
	if err != nil {
		return err
	}

	var pub *natsjs.Publisher
	if cfg.NATS.URL != "" {
		pub, err = natsjs.NewPublisher(cfg.NATS.URL, log)
		if err != nil {
			return err
		}
		defer pub.Close()
		if err := pub.EnsureStream(ctx); err != nil {
			return err
		}
		log.Info().Str("url", cfg.NATS.URL).Msg("publishing to NATS")
	}

	tokens := auth.NewTokenClient(cfg.Auth.TokenURL)
	schedCfg, err := schedulerConfig(cfg)
	if err != nil {
		return err
	}

	factory := func(ctx context.Context, ac sync.AccountConfig) (*sync.Account, error) {
		server := mailapi.New(ctx, tokens.TokenSource(ctx, ac.UserJWT), mailapi.Options{
			BaseURL: cfg.Server.BaseURL,
			Timeout: cfg.Server.Timeout,
			RPS:     cfg.Server.RPS,
			Burst:   cfg.Server.Burst,
		}, log)

		opts := sync.AccountOptions{
			UserID:     ac.UserID,
			DataDir:    cfg.DataDir,
			Driver:     cfg.Store.Driver,
			Server:     server,
			Protected:  protected,
			Sync:       schedCfg,
			UndoWindow: cfg.Undo.Window,
			BannerTTL:  cfg.Undo.BannerTTL,
			Log:        log,
			Metrics:    m,
		}
		if pub != nil {
			opts.Presenter = notify.Multi{notify.Log{Logger: log}, pub}
			opts.Settings = pub
			opts.Changes = pub
		}
		return sync.OpenAccount(opts)
	}

	manager := sync.NewManager[*sync.Account](factory, log)
	defer manager.StopAll()

	if cfg.UserID != "" {
		if err := manager.Start(ctx, sync.AccountConfig{UserID: cfg.UserID, UserJWT: cfg.Auth.UserJWT}); err != nil {
			return err
		}
	}

	srv := &http.Server{
		Addr:              cfg.API.Listen,
		Handler:           api.New(manager, verifier, reg, log).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", cfg.API.Listen).Msg("API listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func newVerifier(ctx context.Context, cfg config.AuthConfig, log zerolog.Logger) (*auth.JWTVerifier, error) {
	switch {
	case cfg.JWKSURL != "":
		return auth.NewJWKSVerifier(ctx, cfg.JWKSURL, log)
	case cfg.HMACSecret != "":
		return auth.NewHMACVerifier([]byte(cfg.HMACSecret))
	}
	return nil, errors.New("config: auth.jwks_url or auth.hmac_secret is required")
}

func schedulerConfig(cfg *config.Config) (sync.SchedulerConfig, error) {
	kind, ok := mailbox.ParseItemKind(cfg.Sync.ViewMode)
	if !ok {
		return sync.SchedulerConfig{}, fmt.Errorf("config: unknown sync.view_mode %q", cfg.Sync.ViewMode)
	}
	prime := make([]mailbox.LabelID, 0, len(cfg.Sync.PrimeLabels))
	for _, id := range cfg.Sync.PrimeLabels {
		prime = append(prime, mailbox.LabelID(id))
	}
	return sync.SchedulerConfig{
		PollInterval:        cfg.Sync.PollInterval,
		SettleDelay:         cfg.Sync.SettleDelay,
		MaxImmediateRetries: cfg.Sync.MaxImmediateRetries,
		DelayedRetry:        cfg.Sync.DelayedRetry,
		PrimeLabels:         prime,
		PrimeLimit:          cfg.Sync.PrimeLimit,
		ViewMode:            kind,
		Backoff: retry.Backoff{
			Base:        cfg.Retry.Base,
			Max:         cfg.Retry.Max,
			MaxAttempts: cfg.Retry.MaxAttempts,
		},
	}, nil
}
