package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/pipetick/pipetick/internal/catalogue"
	"github.com/pipetick/pipetick/internal/dispatch"
	"github.com/pipetick/pipetick/internal/executor"
	"github.com/pipetick/pipetick/internal/logging"
	"github.com/pipetick/pipetick/internal/propagate"
	"github.com/pipetick/pipetick/internal/scheduler"
	"github.com/pipetick/pipetick/internal/store"
	"github.com/pipetick/pipetick/internal/validation"
	"github.com/pipetick/pipetick/internal/variables"
	"github.com/pipetick/pipetick/pkg/schema"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "pipetick:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := loadConfig()
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("pipetick starting", "version", version, "commit", commit)

	if cfg.CatalogueURL == "" {
		return fmt.Errorf("catalogue URL not configured (PIPETICK_CATALOGUE_URL)")
	}
	if cfg.DispatchEndpoint == "" {
		return fmt.Errorf("dispatch endpoint not configured (PIPETICK_DISPATCH_ENDPOINT)")
	}
	if err := os.MkdirAll(pipetickDir(), 0o755); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(strings.TrimPrefix(cfg.DBPath, "file:")), 0o755); err != nil {
		return fmt.Errorf("create db directory: %w", err)
	}

	s, err := store.NewLibSQLStore(cfg.DBPath)
	if err != nil {
		return err
	}
	defer s.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := s.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate run store: %w", err)
	}

	cat, err := catalogue.NewClient(catalogue.Config{
		BaseURL: cfg.CatalogueURL,
		Token:   cfg.CatalogueToken,
	})
	if err != nil {
		return err
	}

	publisher, err := dispatch.NewHTTPPublisher(dispatch.Config{
		Endpoint: cfg.DispatchEndpoint,
		Token:    cfg.DispatchToken,
	})
	if err != nil {
		return err
	}

	engines, err := variables.NewEngines()
	if err != nil {
		return fmt.Errorf("build expression engines: %w", err)
	}

	exec := executor.New(executor.Config{
		Store:          s,
		Publisher:      publisher,
		Resolver:       variables.NewResolver(engines),
		Clusters:       cat,
		DefaultCluster: defaultCluster(cfg),
		AppConfigs:     schema.AppConfigs{Locale: cfg.Locale, Persist: cfg.Persist},
		StoreTimeout:   5 * time.Second,
		Logger:         logger,
	})

	validator, err := validation.NewScheduleValidator()
	if err != nil {
		return fmt.Errorf("compile schedule schema: %w", err)
	}

	driver, err := scheduler.New(scheduler.Config{
		Catalogue:    cat,
		Store:        s,
		Executor:     exec,
		Preparer:     validator,
		Recoverer:    propagate.New(s, logger),
		LookbackDays: cfg.LookbackDays,
		Logger:       logger,
	})
	if err != nil {
		return err
	}

	if err := driver.Start(ctx); err != nil {
		return err
	}

	<-ctx.Done()
	logger.Info("shutdown signal received, draining current tick")
	return driver.Stop()
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	inner := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	return slog.New(logging.NewCorrelationHandler(inner))
}

func defaultCluster(cfg Config) *schema.Cluster {
	if cfg.DefaultCluster.ID == "" {
		return nil
	}
	c := cfg.DefaultCluster
	return &c
}
