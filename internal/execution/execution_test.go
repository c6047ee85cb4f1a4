// Copyright (c) 2024 Netskope, Inc. All rights reserved.

package execution

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/netSkope/batch-export/internal/export"
	"github.com/netSkope/batch-export/internal/metrics"
	"github.com/netSkope/batch-export/internal/notify"
	"github.com/netSkope/batch-export/internal/runtime"
	"github.com/netSkope/batch-export/internal/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakeDestination struct {
	mu      sync.Mutex
	calls   int
	insert  func(ctx context.Context, call int) (int64, error)
	nrKinds []string
}

func (f *fakeDestination) Type() string { return "fake" }

func (f *fakeDestination) NonRetryableErrorKinds() []string { return f.nrKinds }

func (f *fakeDestination) Insert(ctx context.Context, _ export.Inputs) (int64, error) {
	f.mu.Lock()
	f.calls++
	call := f.calls
	f.mu.Unlock()
	return f.insert(ctx, call)
}

type recordingNotifier struct {
	mu       sync.Mutex
	failures []notify.Failure
}

func (r *recordingNotifier) NotifyFailure(_ context.Context, f notify.Failure) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures = append(r.failures, f)
	return nil
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.HeartbeatInterval = 0
	cfg.HeartbeatTimeout = 0
	cfg.RetryInitial = time.Millisecond
	cfg.RetryMax = 5 * time.Millisecond
	return cfg
}

type harness struct {
	store    *store.Memory
	notifier *recordingNotifier
	metrics  *metrics.Metrics
	exec     *Executor
	def      *export.Definition
}

func newHarness(t *testing.T, interval string, cfg Config) *harness {
	t.Helper()
	h := &harness{
		store:    store.NewMemory(),
		notifier: &recordingNotifier{},
		metrics:  metrics.New(prometheus.NewRegistry()),
	}
	logger := zaptest.NewLogger(t)
	exec, err := New(h.store, runtime.New(nil, logger), h.notifier, h.metrics, cfg, logger)
	require.NoError(t, err)
	h.exec = exec
	h.def = &export.Definition{TeamID: 1, Name: "test", Model: export.ModelEvents, Interval: interval}
	require.NoError(t, h.store.CreateExport(context.Background(), h.def))
	return h
}

func inputsAt(start time.Time, d time.Duration) export.Inputs {
	return export.Inputs{DataIntervalStart: start, DataIntervalEnd: start.Add(d)}
}

var tenAM = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

func TestActivityOptionsFor(t *testing.T) {
	cfg := DefaultConfig()

	opts := ActivityOptionsFor(time.Hour, cfg)
	assert.Equal(t, time.Hour, opts.StartToCloseTimeout)
	assert.Zero(t, opts.RetryPolicy.MaximumAttempts)

	opts = ActivityOptionsFor(24*time.Hour, cfg)
	assert.Equal(t, 24*time.Hour, opts.StartToCloseTimeout)
	assert.Equal(t, 1, opts.RetryPolicy.MaximumAttempts)

	opts = ActivityOptionsFor(5*time.Minute, cfg)
	assert.Equal(t, 10*time.Minute, opts.StartToCloseTimeout, "sub-hour intervals get the floor")

	opts = ActivityOptionsFor(30*time.Minute, cfg)
	assert.Equal(t, 30*time.Minute, opts.StartToCloseTimeout)
	assert.Equal(t, cfg.HeartbeatTimeout, opts.HeartbeatTimeout)
}

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	cfg.FailureWindow, cfg.FailureThreshold = 5, 10
	assert.Error(t, cfg.Validate())
	_, err := New(store.NewMemory(), runtime.New(nil, zaptest.NewLogger(t)), nil, nil, cfg, zaptest.NewLogger(t))
	assert.Error(t, err)

	cfg.FailureWindow, cfg.FailureThreshold = 10, 0
	assert.Error(t, cfg.Validate())
}

func TestEmptyIntervalCompletes(t *testing.T) {
	h := newHarness(t, "every 5 minutes", testConfig())
	dest := &fakeDestination{insert: func(context.Context, int) (int64, error) { return 0, nil }}

	run, err := h.exec.ExecuteRun(context.Background(), h.def, dest, inputsAt(tenAM, 5*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, export.RunCompleted, run.Status)
	assert.Zero(t, run.RecordsCompleted)

	stored, err := h.store.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, export.RunCompleted, stored.Status)
	assert.NotNil(t, stored.FinishedAt)
	assert.Empty(t, h.notifier.failures)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.RunsFinished.WithLabelValues("fake", "Completed")))
}

func TestPermissionErrorFailsWithoutRetry(t *testing.T) {
	h := newHarness(t, "hour", testConfig())
	dest := &fakeDestination{insert: func(context.Context, int) (int64, error) {
		return 0, export.NewNonRetryable("InsufficientPrivilege", errors.New("permission denied for table events"))
	}}

	run, err := h.exec.ExecuteRun(context.Background(), h.def, dest, inputsAt(tenAM, time.Hour))
	require.NoError(t, err)
	assert.Equal(t, export.RunFailed, run.Status)
	assert.Equal(t, 1, dest.calls)
	assert.Contains(t, run.LatestError, "permission denied")
	require.Len(t, h.notifier.failures, 1)
	assert.Equal(t, run.ID, h.notifier.failures[0].Run.ID)
}

func TestNonRetryableKindFromDestination(t *testing.T) {
	h := newHarness(t, "hour", testConfig())
	dest := &fakeDestination{
		nrKinds: []string{"kinded"},
		insert: func(context.Context, int) (int64, error) {
			return 0, kindedErr{}
		},
	}
	run, err := h.exec.ExecuteRun(context.Background(), h.def, dest, inputsAt(tenAM, time.Hour))
	require.NoError(t, err)
	assert.Equal(t, export.RunFailed, run.Status)
	assert.Equal(t, 1, dest.calls)
}

type kindedErr struct{}

func (kindedErr) Error() string { return "kinded failure" }
func (kindedErr) Kind() string  { return "kinded" }

func TestTransientErrorsAreRetried(t *testing.T) {
	h := newHarness(t, "hour", testConfig())
	dest := &fakeDestination{insert: func(_ context.Context, call int) (int64, error) {
		if call < 3 {
			return 0, errors.New("connection reset")
		}
		return 25, nil
	}}

	run, err := h.exec.ExecuteRun(context.Background(), h.def, dest, inputsAt(tenAM, time.Hour))
	require.NoError(t, err)
	assert.Equal(t, export.RunCompleted, run.Status)
	assert.Equal(t, int64(25), run.RecordsCompleted)
	assert.Equal(t, 3, dest.calls)
}

func TestDailyExportIsNotRetried(t *testing.T) {
	h := newHarness(t, "day", testConfig())
	dest := &fakeDestination{insert: func(context.Context, int) (int64, error) {
		return 0, errors.New("connection reset")
	}}

	run, err := h.exec.ExecuteRun(context.Background(), h.def, dest, inputsAt(tenAM, 24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, export.RunFailedRetryable, run.Status)
	assert.Equal(t, "connection reset", run.LatestError)
	assert.Equal(t, 1, dest.calls)
	assert.Len(t, h.notifier.failures, 1)
}

func TestCancelledRunIsFinalized(t *testing.T) {
	h := newHarness(t, "hour", testConfig())
	ctx, cancel := context.WithCancel(context.Background())
	dest := &fakeDestination{insert: func(ctx context.Context, _ int) (int64, error) {
		cancel()
		<-ctx.Done()
		return 0, ctx.Err()
	}}

	run, err := h.exec.ExecuteRun(ctx, h.def, dest, inputsAt(tenAM, time.Hour))
	require.NoError(t, err)
	assert.Equal(t, export.RunCancelled, run.Status)
	assert.Equal(t, 1, dest.calls)

	stored, err := h.store.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, export.RunCancelled, stored.Status)
	assert.Empty(t, h.notifier.failures)
}

func TestInvalidIntervalFailsWithGenericMessage(t *testing.T) {
	h := newHarness(t, "fortnightly", testConfig())
	dest := &fakeDestination{insert: func(context.Context, int) (int64, error) { return 0, nil }}

	run, err := h.exec.ExecuteRun(context.Background(), h.def, dest, inputsAt(tenAM, time.Hour))
	require.NoError(t, err)
	assert.Equal(t, export.RunFailed, run.Status)
	assert.Equal(t, internalErrorMessage, run.LatestError)
	assert.Zero(t, dest.calls)
}

func seedRuns(t *testing.T, s *store.Memory, exportID string, status export.RunStatus, n int) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < n; i++ {
		run, err := s.CreateRun(ctx, exportID, "", tenAM, tenAM.Add(time.Hour))
		require.NoError(t, err)
		require.NoError(t, s.UpdateRun(ctx, run.ID, store.RunUpdate{Status: status}))
	}
}

func TestAutoPauseAfterRepeatedFailures(t *testing.T) {
	cfg := testConfig()
	cfg.FailureWindow, cfg.FailureThreshold = 50, 10
	h := newHarness(t, "hour", cfg)
	ctx := context.Background()

	// older failures fall outside the window
	seedRuns(t, h.store, h.def.ID, export.RunFailed, 5)
	seedRuns(t, h.store, h.def.ID, export.RunCompleted, 41)
	seedRuns(t, h.store, h.def.ID, export.RunFailed, 8)

	backfill, err := h.store.CreateBackfill(ctx, h.def.ID, h.def.TeamID, tenAM, nil)
	require.NoError(t, err)

	dest := &fakeDestination{insert: func(context.Context, int) (int64, error) {
		return 0, export.Errorf("AccessDenied", "access denied")
	}}

	// 9 failures among the 50 most recent runs
	_, err = h.exec.ExecuteRun(ctx, h.def, dest, inputsAt(tenAM, time.Hour))
	require.NoError(t, err)
	got, err := h.store.GetExport(ctx, h.def.ID)
	require.NoError(t, err)
	assert.False(t, got.Paused)

	// the 10th pauses the export and cancels its backfills
	_, err = h.exec.ExecuteRun(ctx, h.def, dest, inputsAt(tenAM.Add(time.Hour), time.Hour))
	require.NoError(t, err)
	got, err = h.store.GetExport(ctx, h.def.ID)
	require.NoError(t, err)
	assert.True(t, got.Paused)

	bf, err := h.store.GetBackfill(ctx, backfill.ID)
	require.NoError(t, err)
	assert.Equal(t, export.BackfillCancelled, bf.Status)
	assert.Len(t, h.notifier.failures, 2)
}

// flakyStore fails the first terminal updates of a run.
type flakyStore struct {
	*store.Memory
	failures int
}

func (f *flakyStore) UpdateRun(ctx context.Context, id string, update store.RunUpdate) error {
	if update.Status.Terminal() && f.failures > 0 {
		f.failures--
		return errors.New("deadlock found when trying to get lock")
	}
	return f.Memory.UpdateRun(ctx, id, update)
}

func TestFinalizeRetries(t *testing.T) {
	logger := zaptest.NewLogger(t)
	fs := &flakyStore{Memory: store.NewMemory(), failures: 2}
	cfg := testConfig()
	cfg.FinalizeAttempts = 3
	exec, err := New(fs, runtime.New(nil, logger), nil, nil, cfg, logger)
	require.NoError(t, err)

	def := &export.Definition{ID: "e1", Interval: "hour"}
	dest := &fakeDestination{insert: func(context.Context, int) (int64, error) { return 3, nil }}
	run, err := exec.ExecuteRun(context.Background(), def, dest, inputsAt(tenAM, time.Hour))
	require.NoError(t, err)

	stored, err := fs.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, export.RunCompleted, stored.Status)
	assert.Equal(t, int64(3), stored.RecordsCompleted)

	fs.failures = 5
	_, err = exec.ExecuteRun(context.Background(), def, dest, inputsAt(tenAM.Add(time.Hour), time.Hour))
	assert.ErrorContains(t, err, "failed to finalize run")
}

func TestActivityKeyIsStable(t *testing.T) {
	ny, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)
	a := ActivityKey("e1", tenAM, tenAM.Add(time.Hour))
	b := ActivityKey("e1", tenAM.In(ny), tenAM.Add(time.Hour).In(ny))
	assert.Equal(t, a, b)
	assert.Equal(t, "e1/2024-03-01T10:00:00Z-2024-03-01T11:00:00Z", a)
}
