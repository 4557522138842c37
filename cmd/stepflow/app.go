package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/rendis/stepflow/internal/backends"
	"github.com/rendis/stepflow/internal/config"
	"github.com/rendis/stepflow/internal/credentials"
	"github.com/rendis/stepflow/internal/engine"
	"github.com/rendis/stepflow/internal/logging"
	"github.com/rendis/stepflow/internal/scheduler"
	"github.com/rendis/stepflow/internal/secrets"
	"github.com/rendis/stepflow/internal/store"
)

// app is the fully wired runtime shared by every subcommand.
type app struct {
	cfg         *config.Config
	logger      *slog.Logger
	store       *store.LibSQLStore
	credentials *credentials.Store // nil when no vault passphrase is configured
	runner      *engine.Runner
	pool        *engine.WorkerPool
	scheduler   *scheduler.Scheduler
}

// newApp opens the store, runs migrations and wires the engine.
func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	source, err := dsn(cfg.DBPath)
	if err != nil {
		return nil, err
	}
	s, err := store.NewLibSQLStore(source)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if err := s.Migrate(ctx); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("migrate store: %w", err)
	}

	a := &app{cfg: cfg, logger: logger, store: s}

	// Only an interface holding a real store may reach the runner; a typed
	// nil would look configured.
	var checker engine.CredentialChecker
	if cfg.VaultPassphrase != "" {
		vault, err := secrets.NewAESVault(s, secrets.VaultConfig{
			Passphrase: cfg.VaultPassphrase,
			Salt:       []byte(cfg.VaultSalt),
		})
		if err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("open vault: %w", err)
		}
		a.credentials = credentials.NewStore(vault)
		checker = a.credentials
	} else {
		logger.Warn("no vault passphrase configured; steps that need provider credentials will fail")
	}

	bcfg := cfg.Backends()
	bcfg.Logger = logger
	client := backends.NewHTTPClient(bcfg)

	a.runner, err = engine.NewRunner(engine.RunnerConfig{
		Store:       s,
		Credentials: checker,
		Generator:   client,
		Searcher:    client,
		Images:      client,
		StepTimeout: cfg.StepTimeout,
		Logger:      logger,
	})
	if err != nil {
		_ = s.Close()
		return nil, err
	}

	a.pool = engine.NewWorkerPool(cfg.PoolSize, logger)
	a.scheduler, err = scheduler.New(scheduler.Config{
		Store:        s,
		Runner:       a.runner,
		Pool:         a.pool,
		PollInterval: cfg.PollInterval,
		Logger:       logger,
	})
	if err != nil {
		_ = s.Close()
		return nil, err
	}
	return a, nil
}

// Close stops the scheduler, drains the pool and closes the store.
func (a *app) Close() error {
	_ = a.scheduler.Stop()
	a.pool.Shutdown()
	return a.store.Close()
}

// dsn turns a plain file path into a libsql DSN, creating its directory.
// Paths that already carry a scheme are passed through.
func dsn(path string) (string, error) {
	for _, scheme := range []string{"file:", "libsql:", "http:", "https:"} {
		if strings.HasPrefix(path, scheme) {
			return path, nil
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return "", fmt.Errorf("create data dir: %w", err)
	}
	return "file:" + path, nil
}

func newLogger(cfg *config.Config) *slog.Logger {
	return logging.New(os.Stderr, cfg.LogFormat, cfg.LogLevel)
}
