// Copyright (c) 2024 Netskope, Inc. All rights reserved.

// Package runtime runs activities in-process with per-attempt timeouts,
// heartbeat supervision and a retry policy. Heartbeat details are kept in a
// DetailsStore so a restarted attempt, or a restarted process, can resume.
package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/netSkope/batch-export/internal/export"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// RetryPolicy bounds exponential backoff between attempts.
// MaximumAttempts of zero means unlimited.
type RetryPolicy struct {
	InitialInterval        time.Duration
	MaxInterval            time.Duration
	BackoffCoefficient     float64
	MaximumAttempts        int
	NonRetryableErrorKinds []string
}

// DefaultRetryPolicy is used for zero-valued fields of a RetryPolicy.
var DefaultRetryPolicy = RetryPolicy{
	InitialInterval:    10 * time.Second,
	MaxInterval:        2 * time.Minute,
	BackoffCoefficient: 2.0,
}

// ActivityOptions configure one ExecuteActivity call.
type ActivityOptions struct {
	// StartToCloseTimeout bounds a single attempt.
	StartToCloseTimeout time.Duration
	// ScheduleToCloseTimeout bounds all attempts together; zero is unbounded.
	ScheduleToCloseTimeout time.Duration
	// HeartbeatTimeout fails an attempt that stops heartbeating.
	HeartbeatTimeout time.Duration
	RetryPolicy      RetryPolicy
}

// TimeoutError is the retryable failure of an attempt that ran out of time.
type TimeoutError struct {
	Type string
}

func (e *TimeoutError) Error() string { return e.Type + " timeout" }

func (e *TimeoutError) Kind() string { return e.Type + "Timeout" }

var (
	errHeartbeatTimeout    = &TimeoutError{Type: "Heartbeat"}
	errStartToCloseTimeout = &TimeoutError{Type: "StartToClose"}
)

// Runtime executes activities.
type Runtime struct {
	store  DetailsStore
	logger *zap.Logger
}

// New returns a Runtime keeping heartbeat details in store.
func New(store DetailsStore, logger *zap.Logger) *Runtime {
	if store == nil {
		store = NewMemoryStore()
	}
	return &Runtime{store: store, logger: logger}
}

// Info describes the activity attempt running under a context.
type Info struct {
	Key     string
	Attempt int
}

type activity struct {
	info     Info
	store    DetailsStore
	lastBeat atomic.Int64
	logger   *zap.Logger
}

type activityKey struct{}

func fromContext(ctx context.Context) *activity {
	a, _ := ctx.Value(activityKey{}).(*activity)
	return a
}

// GetInfo returns the attempt running under ctx.
func GetInfo(ctx context.Context) (Info, bool) {
	if a := fromContext(ctx); a != nil {
		return a.info, true
	}
	return Info{}, false
}

// ExecuteActivity runs fn until it succeeds, fails permanently or the retry
// policy gives up. It returns the number of attempts made. Cancelling ctx
// stops retrying and returns the cancellation error. Heartbeat details are
// cleared once fn succeeds or fails permanently.
func (r *Runtime) ExecuteActivity(ctx context.Context, key string, opts ActivityOptions, fn func(context.Context) error) (int, error) {
	policy := opts.RetryPolicy
	if policy.InitialInterval <= 0 {
		policy.InitialInterval = DefaultRetryPolicy.InitialInterval
	}
	if policy.MaxInterval <= 0 {
		policy.MaxInterval = DefaultRetryPolicy.MaxInterval
	}
	if policy.BackoffCoefficient < 1 {
		policy.BackoffCoefficient = DefaultRetryPolicy.BackoffCoefficient
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = policy.InitialInterval
	eb.MaxInterval = policy.MaxInterval
	eb.Multiplier = policy.BackoffCoefficient
	eb.RandomizationFactor = 0.1
	eb.MaxElapsedTime = opts.ScheduleToCloseTimeout

	var b backoff.BackOff = eb
	if policy.MaximumAttempts > 0 {
		b = backoff.WithMaxRetries(b, uint64(policy.MaximumAttempts-1))
	}
	b = backoff.WithContext(b, ctx)

	logger := r.logger.With(zap.String("activity", key))
	attempts := 0
	permanent := false

	op := func() error {
		attempts++
		err := r.attempt(ctx, key, attempts, opts, fn, logger)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		if export.IsNonRetryable(err, policy.NonRetryableErrorKinds) {
			permanent = true
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		logger.Warn("Activity attempt failed, retrying",
			zap.Int("attempt", attempts),
			zap.Duration("backoff", wait),
			zap.Error(err))
	}

	err := backoff.RetryNotify(op, b, notify)
	if err != nil && ctx.Err() != nil && !errors.Is(err, ctx.Err()) {
		err = fmt.Errorf("%w: %v", ctx.Err(), err)
	}
	if err == nil || permanent {
		if derr := r.store.Delete(context.WithoutCancel(ctx), key); derr != nil {
			logger.Warn("Failed to clear heartbeat details", zap.Error(derr))
		}
	}
	return attempts, err
}

func (r *Runtime) attempt(ctx context.Context, key string, n int, opts ActivityOptions, fn func(context.Context) error, logger *zap.Logger) error {
	actx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	if opts.StartToCloseTimeout > 0 {
		var cancelTimeout context.CancelFunc
		actx, cancelTimeout = context.WithTimeoutCause(actx, opts.StartToCloseTimeout, errStartToCloseTimeout)
		defer cancelTimeout()
	}

	a := &activity{info: Info{Key: key, Attempt: n}, store: r.store, logger: logger}
	a.lastBeat.Store(time.Now().UnixNano())
	actx = context.WithValue(actx, activityKey{}, a)

	if opts.HeartbeatTimeout > 0 {
		stop := make(chan struct{})
		defer close(stop)
		go r.watchHeartbeat(a, opts.HeartbeatTimeout, cancel, stop)
	}

	err := fn(actx)
	if err == nil {
		return nil
	}
	// attribute context errors caused by our own timers
	if ctx.Err() == nil && actx.Err() != nil {
		var te *TimeoutError
		if cause := context.Cause(actx); errors.As(cause, &te) {
			return fmt.Errorf("%w: %v", cause, err)
		}
	}
	return err
}

func (r *Runtime) watchHeartbeat(a *activity, timeout time.Duration, cancel context.CancelCauseFunc, stop <-chan struct{}) {
	tick := time.NewTicker(max(timeout/4, time.Millisecond))
	defer tick.Stop()
	for {
		select {
		case <-stop:
			return
		case <-tick.C:
			last := time.Unix(0, a.lastBeat.Load())
			if time.Now().Sub(last) > timeout {
				a.logger.Warn("Activity heartbeat timed out",
					zap.Int("attempt", a.info.Attempt),
					zap.Duration("heartbeat_timeout", timeout))
				cancel(errHeartbeatTimeout)
				return
			}
		}
	}
}

// RecordHeartbeat reports liveness and, when details is not nil, persists
// details as the resumption point of the activity. Outside an activity it
// does nothing.
func RecordHeartbeat(ctx context.Context, details any) error {
	a := fromContext(ctx)
	if a == nil {
		return nil
	}
	a.lastBeat.Store(time.Now().UnixNano())
	if details == nil {
		return nil
	}
	data, err := json.Marshal(details)
	if err != nil {
		return fmt.Errorf("failed to encode heartbeat details: %w", err)
	}
	if err := a.store.Save(ctx, a.info.Key, data); err != nil {
		return fmt.Errorf("failed to save heartbeat details: %w", err)
	}
	return nil
}

// HeartbeatDetails decodes the last details recorded for the activity into
// v. It returns false when none were recorded.
func HeartbeatDetails(ctx context.Context, v any) (bool, error) {
	a := fromContext(ctx)
	if a == nil {
		return false, nil
	}
	data, ok, err := a.store.Load(ctx, a.info.Key)
	if err != nil || !ok {
		return false, err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("failed to decode heartbeat details: %w", err)
	}
	return true, nil
}

// IsCancelled reports whether the activity was asked to stop.
func IsCancelled(ctx context.Context) bool {
	return ctx.Err() != nil
}

// WithHeartbeat runs fn while heartbeating every interval. The heartbeat
// stops as soon as fn returns.
func WithHeartbeat(ctx context.Context, every time.Duration, fn func(context.Context) error) error {
	if every <= 0 {
		return fn(ctx)
	}
	g, gctx := errgroup.WithContext(ctx)
	done := make(chan struct{})
	g.Go(func() error {
		defer close(done)
		return fn(gctx)
	})
	g.Go(func() error {
		tick := time.NewTicker(every)
		defer tick.Stop()
		for {
			select {
			case <-done:
				return nil
			case <-gctx.Done():
				return nil
			case <-tick.C:
				if err := RecordHeartbeat(gctx, nil); err != nil {
					return err
				}
			}
		}
	})
	return g.Wait()
}
