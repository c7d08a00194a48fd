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

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/shehryarbajwa/webgrab/internal/actor"
	"github.com/shehryarbajwa/webgrab/internal/ai"
	"github.com/shehryarbajwa/webgrab/internal/api"
	"github.com/shehryarbajwa/webgrab/internal/artifact"
	"github.com/shehryarbajwa/webgrab/internal/auth"
	"github.com/shehryarbajwa/webgrab/internal/background"
	"github.com/shehryarbajwa/webgrab/internal/browser"
	"github.com/shehryarbajwa/webgrab/internal/cache"
	"github.com/shehryarbajwa/webgrab/internal/config"
	"github.com/shehryarbajwa/webgrab/internal/credits"
	"github.com/shehryarbajwa/webgrab/internal/executor"
	"github.com/shehryarbajwa/webgrab/internal/logging"
	"github.com/shehryarbajwa/webgrab/internal/metering"
	"github.com/shehryarbajwa/webgrab/internal/ratelimit"
	"github.com/shehryarbajwa/webgrab/internal/search"
	"github.com/shehryarbajwa/webgrab/internal/storage"
	"github.com/shehryarbajwa/webgrab/internal/workspace"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "webgrab",
		Short:         "Metered web capture and extraction API",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context())
		},
	}
	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run the HTTP API (default)",
			RunE: func(cmd *cobra.Command, args []string) error {
				return serve(cmd.Context())
			},
		},
		newCreditsCmd(),
		newArtifactsCmd(),
		newTokenCmd(),
	)
	return root
}

func loadConfig() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return nil, nil, fmt.Errorf("init logger: %w", err)
	}
	return cfg, logger, nil
}

func serve(ctx context.Context) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	defer logger.Sync()

	logger.Info("starting webgrab",
		zap.String("addr", cfg.Addr),
		zap.String("browser_mode", cfg.BrowserMode),
		zap.String("data_dir", cfg.DataDir))

	db, err := storage.Open(cfg.DatabasePath())
	if err != nil {
		return err
	}
	defer db.Close()
	ledger := credits.NewSQLiteLedger(db)

	objects, err := artifact.NewFileStore(cfg.ObjectsDir())
	if err != nil {
		return err
	}
	artifacts := artifact.NewStore(db, objects, cfg.PublicURL+"/v1/files", logger)

	workspaces, err := workspace.NewManager(cfg.UsersDir())
	if err != nil {
		return err
	}

	launcher, cleanup, err := newLauncher(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	extractor, err := newExtractor(ctx, cfg, logger)
	if err != nil {
		return err
	}

	backends := []search.Backend{search.NewDuckDuckGo(cfg.DuckDuckGoURL)}
	if cfg.SearXNGURL != "" {
		backends = append(backends, search.NewSearXNG(cfg.SearXNGURL))
	}
	searcher := search.NewAggregator(logger, backends...)

	exec := executor.New(executor.Options{
		NavTimeout:  cfg.NavTimeout,
		NavAttempts: cfg.NavAttempts,
	}, extractor, searcher, logger)

	runner := background.NewRunner(logger, 30*time.Second)

	registry := actor.NewRegistry(actor.Deps{
		Launcher:   launcher,
		// A remote endpoint may hand every actor the same Chrome.
		Driver:     browser.RodDriver{Isolate: cfg.BrowserMode == config.BrowserRemote},
		Executor:   exec,
		Artifacts:  artifacts,
		Workspaces: workspaces,
		Runner:     runner,
		Logger:     logger,
	}, actor.Options{
		MailboxSize:   cfg.MailboxSize,
		HealthTimeout: cfg.HealthTimeout,
		OpTimeout:     cfg.OpTimeout,
		ArtifactGrace: cfg.ArtifactGrace,
		IdleTimeout:   cfg.ActorIdle,
	})

	store, closeStore, err := newCacheStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	svc := metering.New(registry, cache.New(store, logger), ledger, cfg.Pricing, runner, logger)

	plans := make(map[string]ratelimit.Limit, len(cfg.Pricing.Plans))
	for name, p := range cfg.Pricing.Plans {
		plans[name] = ratelimit.Limit{RequestsPerHour: p.RequestsPerHour, Burst: p.Burst}
	}
	limiter := ratelimit.NewLimiter(ratelimit.Limit{RequestsPerHour: cfg.RatePerHour, Burst: cfg.RateBurst}, plans)

	handler := api.NewHandler(svc, ledger, artifacts, registry, workspaces, logger)
	router := handler.SetupRoutes(auth.New(cfg.JWTSecret, cfg.APIKeys), limiter)

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 15 * time.Second,
		// Operations can run up to OpTimeout plus queueing.
		WriteTimeout: cfg.OpTimeout + 30*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("addr", cfg.Addr), zap.String("public_url", cfg.PublicURL))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	case <-sigCtx.Done():
	}

	logger.Info("shutting down", zap.Duration("grace", cfg.ShutdownPeriod))
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownPeriod)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http server forced to shut down", zap.Error(err))
	}
	if err := registry.Close(shutdownCtx); err != nil {
		logger.Warn("actors did not stop in time", zap.Error(err))
	}
	if err := runner.Drain(shutdownCtx); err != nil {
		logger.Warn("background tasks abandoned", zap.Error(err))
	}

	logger.Info("server stopped cleanly")
	return nil
}

// newLauncher builds the browser launcher for cfg.BrowserMode, capped at
// cfg.MaxBrowsers live instances.
func newLauncher(ctx context.Context, cfg *config.Config, logger *zap.Logger) (browser.Launcher, func(), error) {
	var (
		l       browser.Launcher
		cleanup = func() {}
	)
	switch cfg.BrowserMode {
	case config.BrowserDocker:
		d, err := browser.NewDockerLauncher(cfg.BrowserImage, logger)
		if err != nil {
			return nil, nil, err
		}
		pullCtx, cancel := context.WithTimeout(ctx, 5*time.Minute)
		defer cancel()
		logger.Info("ensuring browser image", zap.String("image", cfg.BrowserImage))
		if err := d.EnsureImage(pullCtx); err != nil {
			d.Close()
			return nil, nil, err
		}
		l = d
		cleanup = func() {
			if err := d.Close(); err != nil {
				logger.Warn("failed to close docker client", zap.Error(err))
			}
		}
	case config.BrowserRemote:
		l = &browser.RemoteLauncher{URL: cfg.BrowserWS}
	case config.BrowserLocal:
		l = &browser.LocalLauncher{Bin: cfg.BrowserBin, Headless: true}
	default:
		return nil, nil, fmt.Errorf("unknown browser mode %q", cfg.BrowserMode)
	}
	return browser.Limit(l, int64(cfg.MaxBrowsers)), cleanup, nil
}

func newExtractor(ctx context.Context, cfg *config.Config, logger *zap.Logger) (ai.Extractor, error) {
	if cfg.GeminiAPIKey == "" {
		logger.Warn("WEBGRAB_GEMINI_API_KEY not set, json extraction disabled")
		return ai.Disabled{}, nil
	}
	g, err := ai.NewGemini(ctx, cfg.GeminiAPIKey, cfg.GeminiModel)
	if err != nil {
		return nil, err
	}
	logger.Info("ai extraction enabled", zap.String("model", cfg.GeminiModel))
	return g, nil
}

func newCacheStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (cache.Store, func(), error) {
	if cfg.RedisURL == "" {
		logger.Info("using in-memory result cache")
		ms := cache.NewMemoryStore(time.Minute)
		return ms, func() { ms.Close() }, nil
	}
	rs, err := cache.NewRedisStore(ctx, cfg.RedisURL, "webgrab")
	if err != nil {
		return nil, nil, err
	}
	logger.Info("using redis result cache")
	return rs, func() { rs.Close() }, nil
}
