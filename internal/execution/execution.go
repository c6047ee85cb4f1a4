// Copyright (c) 2024 Netskope, Inc. All rights reserved.

// Package execution runs one destination write per export run and keeps the
// run record, metrics, notifications and auto-pause bookkeeping consistent.
package execution

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/netSkope/batch-export/internal/export"
	"github.com/netSkope/batch-export/internal/metrics"
	"github.com/netSkope/batch-export/internal/notify"
	"github.com/netSkope/batch-export/internal/runtime"
	"github.com/netSkope/batch-export/internal/store"
	"go.uber.org/zap"
)

// internalErrorMessage replaces errors raised by the executor itself so
// internal details do not leak into the run record.
const internalErrorMessage = "An unexpected internal error occurred while running the export. The team has been notified."

// Config tunes how runs are executed.
type Config struct {
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	HeartbeatTimeout  time.Duration `yaml:"heartbeat_timeout"`
	// MinTimeout is the floor for the start-to-close timeout of sub-hour exports.
	MinTimeout       time.Duration `yaml:"min_timeout"`
	RetryInitial     time.Duration `yaml:"retry_initial"`
	RetryMax         time.Duration `yaml:"retry_max"`
	FailureWindow    int           `yaml:"failure_window"`
	FailureThreshold int           `yaml:"failure_threshold"`
	FinalizeAttempts int           `yaml:"finalize_attempts"`
	FinalizeTimeout  time.Duration `yaml:"finalize_timeout"`
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval: 10 * time.Second,
		HeartbeatTimeout:  10 * time.Minute,
		MinTimeout:        10 * time.Minute,
		RetryInitial:      10 * time.Second,
		RetryMax:          2 * time.Minute,
		FailureWindow:     50,
		FailureThreshold:  10,
		FinalizeAttempts:  5,
		FinalizeTimeout:   30 * time.Second,
	}
}

// Validate rejects settings that make the failure check ill-defined.
func (c Config) Validate() error {
	if c.FailureThreshold <= 0 {
		return fmt.Errorf("failure threshold must be positive, got %d", c.FailureThreshold)
	}
	if c.FailureWindow < c.FailureThreshold {
		return fmt.Errorf("failure window (%d) must be at least the failure threshold (%d)", c.FailureWindow, c.FailureThreshold)
	}
	return nil
}

// ActivityOptionsFor derives timeouts and retries from an export interval.
// Daily exports get a single attempt since a failed day is costly to redo.
func ActivityOptionsFor(interval time.Duration, cfg Config) runtime.ActivityOptions {
	opts := runtime.ActivityOptions{
		HeartbeatTimeout: cfg.HeartbeatTimeout,
		RetryPolicy: runtime.RetryPolicy{
			InitialInterval:    cfg.RetryInitial,
			MaxInterval:        cfg.RetryMax,
			BackoffCoefficient: 2.0,
		},
	}
	switch {
	case interval == export.Hour:
		opts.StartToCloseTimeout = time.Hour
	case interval == export.Day:
		opts.StartToCloseTimeout = export.Day
		opts.RetryPolicy.MaximumAttempts = 1
	default:
		opts.StartToCloseTimeout = max(interval, cfg.MinTimeout)
	}
	return opts
}

// Executor drives export runs.
type Executor struct {
	store    store.RunStore
	runtime  *runtime.Runtime
	notifier notify.Notifier
	metrics  *metrics.Metrics
	cfg      Config
	logger   *zap.Logger
}

// New returns an Executor. notifier and m may be nil.
func New(st store.RunStore, rt *runtime.Runtime, notifier notify.Notifier, m *metrics.Metrics, cfg Config, logger *zap.Logger) (*Executor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if notifier == nil {
		notifier = notify.NewLogNotifier(logger)
	}
	if cfg.FinalizeAttempts <= 0 {
		cfg.FinalizeAttempts = 1
	}
	if cfg.FinalizeTimeout <= 0 {
		cfg.FinalizeTimeout = DefaultConfig().FinalizeTimeout
	}
	return &Executor{store: st, runtime: rt, notifier: notifier, metrics: m, cfg: cfg, logger: logger}, nil
}

// ActivityKey identifies the heartbeat details of one export interval, so a
// re-execution of the same interval resumes where the last one stopped.
func ActivityKey(exportID string, start, end time.Time) string {
	return fmt.Sprintf("%s/%s-%s", exportID, start.UTC().Format(time.RFC3339), end.UTC().Format(time.RFC3339))
}

// ExecuteRun creates a run for inputs, writes it with dest and records the
// outcome. The returned run carries the final status. An error is returned
// only when the run could not be created or its final status not stored.
func (e *Executor) ExecuteRun(ctx context.Context, def *export.Definition, dest export.Destination, inputs export.Inputs) (*export.Run, error) {
	logger := e.logger.With(
		zap.String("export_id", def.ID),
		zap.String("destination", dest.Type()),
		zap.Time("data_interval_start", inputs.DataIntervalStart),
		zap.Time("data_interval_end", inputs.DataIntervalEnd))

	run, err := e.store.CreateRun(ctx, def.ID, inputs.BackfillID, inputs.DataIntervalStart, inputs.DataIntervalEnd)
	if err != nil {
		return nil, fmt.Errorf("failed to create run: %w", err)
	}
	logger = logger.With(zap.String("run_id", run.ID))
	if e.metrics != nil {
		e.metrics.RunsStarted.WithLabelValues(dest.Type()).Inc()
	}

	inputs.ExportID = def.ID
	inputs.RunID = run.ID
	inputs.TeamID = def.TeamID

	records, status, msg := e.execute(ctx, def, dest, inputs, logger)

	run.Status = status
	run.RecordsCompleted = records
	run.LatestError = msg
	if err := e.finalize(ctx, run, logger); err != nil {
		return run, err
	}
	if e.metrics != nil {
		e.metrics.RunsFinished.WithLabelValues(dest.Type(), string(status)).Inc()
	}

	if status == export.RunFailed || status == export.RunFailedRetryable {
		e.handleFailure(ctx, def, dest, run, logger)
	}
	return run, nil
}

func (e *Executor) execute(ctx context.Context, def *export.Definition, dest export.Destination, inputs export.Inputs, logger *zap.Logger) (int64, export.RunStatus, string) {
	interval, err := def.IntervalDuration()
	if err != nil {
		logger.Error("Invalid export interval", zap.Error(err))
		return 0, export.RunFailed, internalErrorMessage
	}
	opts := ActivityOptionsFor(interval, e.cfg)
	opts.RetryPolicy.NonRetryableErrorKinds = dest.NonRetryableErrorKinds()

	if err := e.store.UpdateRun(ctx, inputs.RunID, store.RunUpdate{Status: export.RunRunning}); err != nil {
		logger.Warn("Failed to mark run as running", zap.Error(err))
	}

	var records int64
	key := ActivityKey(def.ID, inputs.DataIntervalStart, inputs.DataIntervalEnd)
	attempts, err := e.runtime.ExecuteActivity(ctx, key, opts, func(actx context.Context) error {
		return runtime.WithHeartbeat(actx, e.cfg.HeartbeatInterval, func(hctx context.Context) error {
			n, err := dest.Insert(hctx, inputs)
			records = n
			return err
		})
	})

	switch {
	case err == nil:
		logger.Info("Export run completed", zap.Int64("records", records), zap.Int("attempts", attempts))
		return records, export.RunCompleted, ""
	case export.IsCancelled(err):
		logger.Info("Export run cancelled", zap.Int("attempts", attempts))
		return records, export.RunCancelled, err.Error()
	case export.IsNonRetryable(err, opts.RetryPolicy.NonRetryableErrorKinds):
		logger.Error("Export run failed", zap.Int("attempts", attempts), zap.Error(err))
		return records, export.RunFailed, err.Error()
	default:
		logger.Error("Export run failed after retries", zap.Int("attempts", attempts), zap.Error(err))
		return records, export.RunFailedRetryable, err.Error()
	}
}

// finalize stores the outcome even when ctx is cancelled.
func (e *Executor) finalize(ctx context.Context, run *export.Run, logger *zap.Logger) error {
	fctx := context.WithoutCancel(ctx)
	update := store.RunUpdate{
		Status:           run.Status,
		LatestError:      &run.LatestError,
		RecordsCompleted: &run.RecordsCompleted,
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = 100 * time.Millisecond
	eb.MaxInterval = 5 * time.Second
	b := backoff.WithMaxRetries(eb, uint64(e.cfg.FinalizeAttempts-1))

	op := func() error {
		actx, cancel := context.WithTimeout(fctx, e.cfg.FinalizeTimeout)
		defer cancel()
		err := e.store.UpdateRun(actx, run.ID, update)
		if errors.Is(err, store.ErrNotFound) {
			return backoff.Permanent(err)
		}
		return err
	}
	onRetry := func(err error, wait time.Duration) {
		logger.Warn("Failed to finalize run, retrying", zap.Duration("backoff", wait), zap.Error(err))
	}
	if err := backoff.RetryNotify(op, b, onRetry); err != nil {
		logger.Error("Failed to finalize run", zap.String("status", string(run.Status)), zap.Error(err))
		return fmt.Errorf("failed to finalize run %s: %w", run.ID, err)
	}
	now := time.Now().UTC()
	run.FinishedAt = &now
	return nil
}

// handleFailure notifies, then pauses the export when too many recent runs
// failed. Errors are logged and never returned.
func (e *Executor) handleFailure(ctx context.Context, def *export.Definition, dest export.Destination, run *export.Run, logger *zap.Logger) {
	ctx = context.WithoutCancel(ctx)
	err := e.notifier.NotifyFailure(ctx, notify.Failure{
		ExportID:    def.ID,
		ExportName:  def.Name,
		TeamID:      def.TeamID,
		Destination: dest.Type(),
		Run:         *run,
	})
	if err != nil {
		logger.Warn("Failed to send failure notification", zap.Error(err))
	}

	failures, err := e.store.CountRecentFailures(ctx, def.ID, e.cfg.FailureWindow)
	if err != nil {
		logger.Warn("Failed to count recent failures", zap.Error(err))
		return
	}
	if failures < e.cfg.FailureThreshold {
		return
	}

	logger.Warn("Pausing export after repeated failures",
		zap.Int("failures", failures),
		zap.Int("window", e.cfg.FailureWindow),
		zap.Int("threshold", e.cfg.FailureThreshold))
	if err := e.store.PauseExport(ctx, def.ID); err != nil {
		logger.Warn("Failed to pause export", zap.Error(err))
		return
	}

	backfills, err := e.store.ListRunningBackfills(ctx, def.ID)
	if err != nil {
		logger.Warn("Failed to list running backfills", zap.Error(err))
		return
	}
	for _, b := range backfills {
		if err := e.store.CancelBackfill(ctx, b.ID); err != nil {
			logger.Warn("Failed to cancel backfill", zap.String("backfill_id", b.ID), zap.Error(err))
		}
	}
}
