// Package scheduler contains the periodic driver: the outer loop that wakes
// every wall-clock minute, snapshots the catalogue and the run store, and
// feeds reconciliation commands to the executor.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/pipetick/pipetick/internal/executor"
	"github.com/pipetick/pipetick/internal/reconcile"
	"github.com/pipetick/pipetick/internal/store"
	"github.com/pipetick/pipetick/pkg/schema"
)

// CatalogueSource provides pipeline definitions. Satisfied by the catalogue
// client.
type CatalogueSource interface {
	Pipelines(ctx context.Context, after time.Time) ([]schema.Pipeline, error)
}

// PipelinePreparer validates a pipeline for scheduling and fills in parsed
// schedule specs. Satisfied by the schedule validator.
type PipelinePreparer interface {
	PreparePipeline(p *schema.Pipeline) error
}

// Recoverer re-propagates job statuses that settled while the scheduler was
// down. Satisfied by the status propagator.
type Recoverer interface {
	Recover(ctx context.Context) error
}

const (
	defaultLookbackDays = 7
	defaultStoreTimeout = 5 * time.Second

	// everyMinute aligns ticks to wall-clock minute boundaries.
	everyMinute = "* * * * *"
)

// Config wires the driver's collaborators.
type Config struct {
	Catalogue CatalogueSource
	Store     store.Store
	Executor  *executor.Executor
	Preparer  PipelinePreparer
	Recoverer Recoverer

	// LookbackDays is how far back the catalogue fetch reaches. Zero means
	// the default of 7 days.
	LookbackDays int

	// StoreTimeout bounds each run-store read in the tick.
	StoreTimeout time.Duration

	Logger *slog.Logger
}

// Driver runs one reconciliation tick per wall-clock minute. A single driver
// instance must be the only scheduler writing to the store.
type Driver struct {
	catalogue    CatalogueSource
	store        store.Store
	executor     *executor.Executor
	preparer     PipelinePreparer
	recoverer    Recoverer
	lookbackDays int
	storeTimeout time.Duration
	schedule     cron.Schedule
	logger       *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a Driver.
func New(cfg Config) (*Driver, error) {
	sched, err := cron.ParseStandard(everyMinute)
	if err != nil {
		return nil, fmt.Errorf("parse tick schedule: %w", err)
	}
	if cfg.LookbackDays <= 0 {
		cfg.LookbackDays = defaultLookbackDays
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = defaultStoreTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Driver{
		catalogue:    cfg.Catalogue,
		store:        cfg.Store,
		executor:     cfg.Executor,
		preparer:     cfg.Preparer,
		recoverer:    cfg.Recoverer,
		lookbackDays: cfg.LookbackDays,
		storeTimeout: cfg.StoreTimeout,
		schedule:     sched,
		logger:       logger,
	}, nil
}

// Start launches the tick loop. It first runs a recovery pass for job
// statuses that settled while the scheduler was down, then an immediate tick,
// then waits for minute boundaries.
func (d *Driver) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.done != nil {
		d.mu.Unlock()
		return fmt.Errorf("driver already started")
	}
	loopCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.done = make(chan struct{})
	d.mu.Unlock()

	go d.loop(loopCtx)
	d.logger.Info("scheduler started", "lookback_days", d.lookbackDays)
	return nil
}

// Stop interrupts the inter-tick sleep and waits for the in-flight tick to
// drain.
func (d *Driver) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.cancel == nil {
		return nil
	}
	d.cancel()
	<-d.done
	d.cancel = nil
	d.done = nil

	d.logger.Info("scheduler stopped")
	return nil
}

func (d *Driver) loop(ctx context.Context) {
	defer close(d.done)

	if d.recoverer != nil {
		if err := d.recoverer.Recover(ctx); err != nil {
			d.logger.Error("recovery pass failed", "error", err)
		}
	}
	d.Tick(ctx)

	for {
		next := d.schedule.Next(time.Now())
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			d.Tick(ctx)
		}
	}
}

// Tick runs one reconciliation pass. Failures are isolated: an error in one
// sub-step or pipeline is logged and the rest of the tick continues.
func (d *Driver) Tick(ctx context.Context) {
	now := time.Now().UTC()

	pipelines, err := d.fetchPipelines(ctx, now)
	if err != nil {
		d.logger.Error("catalogue fetch failed", "error", err)
		return
	}
	if len(pipelines) == 0 {
		return
	}

	runs, err := d.fetchLatestRuns(ctx, pipelineIDs(pipelines))
	if err != nil {
		d.logger.Error("latest runs fetch failed", "error", err)
		return
	}

	snap := &reconcile.Snapshot{Pipelines: pipelines, LatestRuns: runs}
	cmds := reconcile.Reconcile(snap, now)
	if len(cmds) > 0 {
		d.logger.Debug("reconciled", "commands", len(cmds), "pipelines", len(pipelines))
		_ = d.executor.ApplyAll(ctx, cmds, now)
	}

	// Runs may have been created or closed above; dispatch decisions need the
	// fresh state.
	runs, err = d.fetchLatestRuns(ctx, pipelineIDs(pipelines))
	if err != nil {
		d.logger.Error("latest runs re-fetch failed", "error", err)
		return
	}
	for _, r := range runs {
		p, ok := pipelines[r.PipelineID]
		if !ok {
			continue
		}
		triggers := reconcile.Dispatch(p, r, now)
		if len(triggers) > 0 {
			_ = d.executor.ApplyAll(ctx, triggers, now)
		}
	}
}

// fetchPipelines pulls the catalogue slice and drops pipelines that fail
// scheduling validation. A malformed pipeline is skipped with a warning, not
// a tick failure.
func (d *Driver) fetchPipelines(ctx context.Context, now time.Time) (map[string]*schema.Pipeline, error) {
	after := now.AddDate(0, 0, -d.lookbackDays)
	fetched, err := d.catalogue.Pipelines(ctx, after)
	if err != nil {
		return nil, err
	}

	pipelines := make(map[string]*schema.Pipeline, len(fetched))
	for i := range fetched {
		p := &fetched[i]
		if !p.Enabled {
			continue
		}
		if err := d.preparer.PreparePipeline(p); err != nil {
			d.logger.Warn("pipeline dropped from scheduling",
				"pipeline_id", p.ID,
				"error", err)
			continue
		}
		pipelines[p.ID] = p
	}
	return pipelines, nil
}

func (d *Driver) fetchLatestRuns(ctx context.Context, ids []string) ([]*store.PipelineRun, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, d.storeTimeout)
	defer cancel()
	return d.store.LatestRuns(fetchCtx, ids)
}

func pipelineIDs(pipelines map[string]*schema.Pipeline) []string {
	ids := make([]string, 0, len(pipelines))
	for id := range pipelines {
		ids = append(ids, id)
	}
	return ids
}
