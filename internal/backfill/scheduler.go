// Copyright (c) 2024 Netskope, Inc. All rights reserved.

package backfill

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/netSkope/batch-export/internal/export"
	"github.com/netSkope/batch-export/internal/runtime"
	"github.com/netSkope/batch-export/internal/store"
	"go.uber.org/zap"
)

// Runner executes one export run. *execution.Executor implements it.
type Runner interface {
	ExecuteRun(ctx context.Context, def *export.Definition, dest export.Destination, inputs export.Inputs) (*export.Run, error)
}

// Config tunes the scheduler.
type Config struct {
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	HeartbeatTimeout  time.Duration `yaml:"heartbeat_timeout"`
	RetryInitial      time.Duration `yaml:"retry_initial"`
	RetryMax          time.Duration `yaml:"retry_max"`
	MaxAttempts       int           `yaml:"max_attempts"`
}

func DefaultConfig() Config {
	return Config{
		HeartbeatInterval: 10 * time.Second,
		HeartbeatTimeout:  5 * time.Minute,
		RetryInitial:      10 * time.Second,
		RetryMax:          time.Minute,
		MaxAttempts:       3,
	}
}

// Details is the heartbeat of a backfill: the end of the last period whose
// run completed.
type Details struct {
	LastBatchDataIntervalEnd *time.Time `json:"last_batch_data_interval_end"`
}

// RunNotCompletedError stops a backfill at the first period that did not
// complete.
type RunNotCompletedError struct {
	Run *export.Run
}

func (e *RunNotCompletedError) Error() string {
	return fmt.Sprintf("run %s for [%s, %s) finished as %s",
		e.Run.ID, e.Run.DataIntervalStart.Format(time.RFC3339), e.Run.DataIntervalEnd.Format(time.RFC3339), e.Run.Status)
}

var errBackfillCancelled = errors.New("backfill cancelled")

// Scheduler runs backfills period by period.
type Scheduler struct {
	store   store.RunStore
	runtime *runtime.Runtime
	runner  Runner
	cfg     Config
	logger  *zap.Logger
	// now is replaced in tests.
	now func() time.Time
}

func NewScheduler(st store.RunStore, rt *runtime.Runtime, runner Runner, cfg Config, logger *zap.Logger) *Scheduler {
	def := DefaultConfig()
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = def.HeartbeatInterval
	}
	if cfg.RetryInitial <= 0 {
		cfg.RetryInitial = def.RetryInitial
	}
	if cfg.RetryMax <= 0 {
		cfg.RetryMax = def.RetryMax
	}
	return &Scheduler{store: st, runtime: rt, runner: runner, cfg: cfg, logger: logger, now: time.Now}
}

// Start records a new backfill of def over [start, end) and runs it. An
// unbounded backfill pauses the export until it has caught up.
func (s *Scheduler) Start(ctx context.Context, def *export.Definition, dest export.Destination, start time.Time, end *time.Time) (*export.Backfill, error) {
	if end != nil && !end.After(start) {
		return nil, fmt.Errorf("backfill end %s must be after start %s", end.Format(time.RFC3339), start.Format(time.RFC3339))
	}
	bf, err := s.store.CreateBackfill(ctx, def.ID, def.TeamID, start, end)
	if err != nil {
		return nil, fmt.Errorf("failed to create backfill: %w", err)
	}
	if end == nil {
		if err := s.store.PauseExport(ctx, def.ID); err != nil {
			return bf, fmt.Errorf("failed to pause export: %w", err)
		}
	}
	status, err := s.Run(ctx, bf, def, dest)
	bf.Status = status
	return bf, err
}

// Run executes every period of bf in order, waiting for each run before the
// next. Completed periods are heartbeated, so a restarted attempt continues
// after the last one. The backfill stops at the first run that does not
// complete. The final status is stored on the backfill and returned.
func (s *Scheduler) Run(ctx context.Context, bf *export.Backfill, def *export.Definition, dest export.Destination) (export.BackfillStatus, error) {
	logger := s.logger.With(zap.String("backfill_id", bf.ID), zap.String("export_id", def.ID))

	step, err := def.IntervalDuration()
	if err != nil {
		return s.finish(ctx, bf, export.BackfillFailed, logger), export.NewNonRetryable("InvalidInterval", err)
	}
	loc, err := def.Location()
	if err != nil {
		return s.finish(ctx, bf, export.BackfillFailed, logger), export.NewNonRetryable("InvalidTimezone", err)
	}

	opts := runtime.ActivityOptions{
		HeartbeatTimeout: s.cfg.HeartbeatTimeout,
		RetryPolicy: runtime.RetryPolicy{
			InitialInterval: s.cfg.RetryInitial,
			MaxInterval:     s.cfg.RetryMax,
			MaximumAttempts: s.cfg.MaxAttempts,
		},
	}
	_, err = s.runtime.ExecuteActivity(ctx, "backfill/"+bf.ID, opts, func(actx context.Context) error {
		return s.runPeriods(actx, bf, def, dest, step, loc, logger)
	})

	var notCompleted *RunNotCompletedError
	switch {
	case err == nil:
		return s.finish(ctx, bf, export.BackfillCompleted, logger), nil
	case export.IsCancelled(err), errors.Is(err, errBackfillCancelled):
		return s.finish(ctx, bf, export.BackfillCancelled, logger), err
	case errors.As(err, &notCompleted) && notCompleted.Run.Status == export.RunCancelled:
		return s.finish(ctx, bf, export.BackfillCancelled, logger), err
	default:
		logger.Error("Backfill failed", zap.Error(err))
		return s.finish(ctx, bf, export.BackfillFailed, logger), err
	}
}

func (s *Scheduler) runPeriods(ctx context.Context, bf *export.Backfill, def *export.Definition, dest export.Destination, step time.Duration, loc *time.Location, logger *zap.Logger) error {
	start := AdjustBound(bf.Start, step, loc)
	var end *time.Time
	if bf.End != nil {
		e := AdjustBound(*bf.End, step, loc)
		end = &e
	}

	var details Details
	ok, err := runtime.HeartbeatDetails(ctx, &details)
	if err != nil {
		return err
	}
	if ok && details.LastBatchDataIntervalEnd != nil && details.LastBatchDataIntervalEnd.After(start) {
		start = details.LastBatchDataIntervalEnd.In(loc)
		logger.Info("Resuming backfill", zap.Time("from", start))
	}

	for from, to := range Range(start, end, step) {
		if end == nil && !to.Before(s.now()) {
			logger.Info("Unbounded backfill caught up, unpausing export", zap.Time("until", from))
			if err := s.store.UnpauseExport(ctx, def.ID); err != nil {
				return fmt.Errorf("failed to unpause export: %w", err)
			}
			return nil
		}
		cur, err := s.store.GetBackfill(ctx, bf.ID)
		switch {
		case err != nil:
			logger.Warn("Failed to check backfill status", zap.Time("at", from), zap.Error(err))
		case cur.Status == export.BackfillCancelled:
			logger.Info("Backfill was cancelled", zap.Time("at", from))
			return export.NewNonRetryable("BackfillCancelled", errBackfillCancelled)
		}

		inputs := export.Inputs{
			BackfillID:        bf.ID,
			TeamID:            def.TeamID,
			Model:             def.Model,
			DataIntervalStart: from.UTC(),
			DataIntervalEnd:   to.UTC(),
			IncludeEvents:     def.IncludeEvents,
			ExcludeEvents:     def.ExcludeEvents,
		}
		var run *export.Run
		err = runtime.WithHeartbeat(ctx, s.cfg.HeartbeatInterval, func(hctx context.Context) error {
			var err error
			run, err = s.runner.ExecuteRun(hctx, def, dest, inputs)
			return err
		})
		if err != nil {
			return fmt.Errorf("failed to run backfill period: %w", err)
		}
		if run.Status != export.RunCompleted {
			return export.NewNonRetryable("RunNotCompleted", &RunNotCompletedError{Run: run})
		}

		last := to.UTC()
		if err := runtime.RecordHeartbeat(ctx, Details{LastBatchDataIntervalEnd: &last}); err != nil {
			return err
		}
		logger.Info("Backfilled period",
			zap.Time("data_interval_start", from),
			zap.Time("data_interval_end", to),
			zap.Int64("records", run.RecordsCompleted))
	}
	return nil
}

// finish stores status unless the backfill was already cancelled elsewhere.
func (s *Scheduler) finish(ctx context.Context, bf *export.Backfill, status export.BackfillStatus, logger *zap.Logger) export.BackfillStatus {
	ctx = context.WithoutCancel(ctx)
	if status == export.BackfillCancelled {
		if err := s.store.CancelBackfill(ctx, bf.ID); err != nil {
			logger.Warn("Failed to cancel backfill", zap.Error(err))
		}
	} else if err := s.store.UpdateBackfill(ctx, bf.ID, status); err != nil {
		logger.Warn("Failed to update backfill", zap.String("status", string(status)), zap.Error(err))
	}
	bf.Status = status
	logger.Info("Backfill finished", zap.String("status", string(status)))
	return status
}
