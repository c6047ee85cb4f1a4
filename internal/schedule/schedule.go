// Copyright (c) 2024 Netskope, Inc. All rights reserved.

// Package schedule runs every unpaused export once per interval.
package schedule

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/netSkope/batch-export/internal/backfill"
	"github.com/netSkope/batch-export/internal/export"
	"github.com/netSkope/batch-export/internal/store"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// Config for the recurring scheduler.
type Config struct {
	// MaxParallelRuns bounds the runs executing at the same time.
	MaxParallelRuns int `yaml:"max_parallel_runs"`
	// SyncInterval is how often the export list is reloaded.
	SyncInterval time.Duration `yaml:"sync_interval"`
}

func DefaultConfig() Config {
	return Config{MaxParallelRuns: 8, SyncInterval: time.Minute}
}

// DestinationFunc builds the destination of an export.
type DestinationFunc func(ctx context.Context, def *export.Definition) (export.Destination, error)

type entry struct {
	id       cron.EntryID
	spec     string
	interval string
	timezone string
}

// Scheduler keeps one cron entry per active export.
type Scheduler struct {
	cron    *cron.Cron
	store   store.RunStore
	runner  backfill.Runner
	newDest DestinationFunc
	cfg     Config
	logger  *zap.Logger
	pool    *semaphore.Weighted
	now     func() time.Time

	mu      sync.Mutex
	entries map[string]entry
	// next is the start of the first interval not yet run, per export.
	next map[string]time.Time
}

func New(st store.RunStore, runner backfill.Runner, newDest DestinationFunc, cfg Config, logger *zap.Logger) *Scheduler {
	if cfg.MaxParallelRuns <= 0 {
		cfg.MaxParallelRuns = DefaultConfig().MaxParallelRuns
	}
	if cfg.SyncInterval <= 0 {
		cfg.SyncInterval = DefaultConfig().SyncInterval
	}
	cl := cronLogger{logger.Sugar()}
	return &Scheduler{
		cron:    cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl))),
		store:   st,
		runner:  runner,
		newDest: newDest,
		cfg:     cfg,
		logger:  logger,
		pool:    semaphore.NewWeighted(int64(cfg.MaxParallelRuns)),
		now:     time.Now,
		entries: map[string]entry{},
		next:    map[string]time.Time{},
	}
}

// CronSpec returns the cron expression that fires at the end of every
// interval of def, in the export's timezone.
func CronSpec(def *export.Definition) (string, error) {
	step, err := def.IntervalDuration()
	if err != nil {
		return "", err
	}
	if _, err := def.Location(); err != nil {
		return "", fmt.Errorf("invalid timezone %q: %w", def.Timezone, err)
	}

	var spec string
	switch {
	case step == export.Week:
		spec = "0 0 * * 0"
	case step == export.Day:
		spec = "0 0 * * *"
	case step == export.Hour:
		spec = "0 * * * *"
	case step < export.Hour && time.Hour%step == 0:
		spec = fmt.Sprintf("*/%d * * * *", int(step/time.Minute))
	default:
		spec = "@every " + step.String()
	}
	if def.Timezone != "" {
		spec = "CRON_TZ=" + def.Timezone + " " + spec
	}
	if _, err := cron.ParseStandard(spec); err != nil {
		return "", fmt.Errorf("invalid schedule %q: %w", spec, err)
	}
	return spec, nil
}

// Sync adds entries for newly active exports and removes entries of exports
// that were paused or deleted.
func (s *Scheduler) Sync(ctx context.Context) error {
	defs, err := s.store.ListActiveExports(ctx)
	if err != nil {
		return fmt.Errorf("failed to list exports: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	active := make(map[string]bool, len(defs))
	for _, def := range defs {
		active[def.ID] = true
		if e, ok := s.entries[def.ID]; ok && e.interval == def.Interval && e.timezone == def.Timezone {
			continue
		}
		spec, err := CronSpec(def)
		if err != nil {
			s.logger.Error("Skipping export with invalid schedule", zap.String("export_id", def.ID), zap.Error(err))
			continue
		}
		if e, ok := s.entries[def.ID]; ok {
			s.cron.Remove(e.id)
			// intervals of the old schedule do not line up with the new one
			delete(s.next, def.ID)
		}
		id, err := s.cron.AddJob(spec, s.job(ctx, def.ID))
		if err != nil {
			return fmt.Errorf("failed to schedule export %s: %w", def.ID, err)
		}
		s.entries[def.ID] = entry{id: id, spec: spec, interval: def.Interval, timezone: def.Timezone}
		s.logger.Info("Scheduled export", zap.String("export_id", def.ID), zap.String("spec", spec))
	}

	for id, e := range s.entries {
		if !active[id] {
			s.cron.Remove(e.id)
			delete(s.entries, id)
			delete(s.next, id)
			s.logger.Info("Unscheduled export", zap.String("export_id", id))
		}
	}
	return nil
}

// job runs the due intervals of an export. A fire that lands while the
// previous one is still running waits for it instead of being dropped.
func (s *Scheduler) job(ctx context.Context, exportID string) cron.Job {
	return cron.NewChain(cron.DelayIfStillRunning(cronLogger{s.logger.Sugar()})).Then(cron.FuncJob(func() {
		if _, err := s.RunDue(ctx, exportID); err != nil {
			s.logger.Error("Scheduled run failed", zap.String("export_id", exportID), zap.Error(err))
		}
	}))
}

// Scheduled returns the cron spec of every scheduled export.
func (s *Scheduler) Scheduled() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.entries))
	for id, e := range s.entries {
		out[id] = e.spec
	}
	return out
}

// RunDue executes every complete interval of the export that has not run
// yet, oldest first, and returns the last run. The first call for an export
// runs only the most recent interval. Each run waits for a free slot in the
// worker pool. Exports paused since the last sync are skipped and return a
// nil run, as does a call with nothing due.
func (s *Scheduler) RunDue(ctx context.Context, exportID string) (*export.Run, error) {
	def, err := s.store.GetExport(ctx, exportID)
	if err != nil {
		return nil, err
	}
	if def.Paused {
		s.mu.Lock()
		delete(s.next, exportID)
		s.mu.Unlock()
		s.logger.Info("Export is paused, skipping run", zap.String("export_id", exportID))
		return nil, nil
	}
	step, err := def.IntervalDuration()
	if err != nil {
		return nil, err
	}
	loc, err := def.Location()
	if err != nil {
		return nil, err
	}
	start, end := export.IntervalBounds(s.now(), step, loc)

	s.mu.Lock()
	next, ok := s.next[exportID]
	s.mu.Unlock()
	if ok && next.Before(start) {
		s.logger.Info("Catching up missed intervals",
			zap.String("export_id", exportID),
			zap.Time("from", next.UTC()),
			zap.Time("to", start.UTC()))
		start = next.In(loc)
	}

	var last *export.Run
	for from, to := range backfill.Range(start, &end, step) {
		s.mu.Lock()
		done := s.next[exportID]
		s.mu.Unlock()
		if !to.After(done) {
			continue
		}
		run, err := s.runInterval(ctx, def, from, to)
		if err != nil {
			return last, err
		}
		last = run
		s.mu.Lock()
		if to.After(s.next[exportID]) {
			s.next[exportID] = to
		}
		s.mu.Unlock()
	}
	return last, nil
}

func (s *Scheduler) runInterval(ctx context.Context, def *export.Definition, start, end time.Time) (*export.Run, error) {
	if err := s.pool.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer s.pool.Release(1)

	dest, err := s.newDest(ctx, def)
	if err != nil {
		return nil, fmt.Errorf("failed to create destination: %w", err)
	}
	return s.runner.ExecuteRun(ctx, def, dest, export.Inputs{
		TeamID:            def.TeamID,
		Model:             def.Model,
		DataIntervalStart: start.UTC(),
		DataIntervalEnd:   end.UTC(),
		IncludeEvents:     def.IncludeEvents,
		ExcludeEvents:     def.ExcludeEvents,
	})
}

// Run schedules all active exports and blocks until ctx is done. Running
// jobs are waited for before it returns.
func (s *Scheduler) Run(ctx context.Context) error {
	if err := s.Sync(ctx); err != nil {
		return err
	}
	tick := time.NewTicker(s.cfg.SyncInterval)
	defer tick.Stop()

	s.cron.Start()
	s.logger.Info("Scheduler started", zap.Int("exports", len(s.Scheduled())), zap.Int("max_parallel_runs", s.cfg.MaxParallelRuns))
	for {
		select {
		case <-ctx.Done():
			<-s.cron.Stop().Done()
			s.logger.Info("Scheduler stopped")
			return nil
		case <-tick.C:
			if err := s.Sync(ctx); err != nil {
				s.logger.Warn("Failed to sync schedule", zap.Error(err))
			}
		}
	}
}

type cronLogger struct {
	s *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.s.Errorw(msg, append(keysAndValues, "error", err)...)
}
