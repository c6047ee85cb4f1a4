// Copyright (c) 2024 Netskope, Inc. All rights reserved.

// Package backfill splits a span of time into export intervals and runs them
// one after another.
package backfill

import (
	"fmt"
	"iter"
	"time"

	"github.com/netSkope/batch-export/internal/export"
)

// Period is one half-open interval [Start, End).
type Period struct {
	Start time.Time
	End   time.Time
}

// next advances t by step. Whole-day steps move the wall clock, so periods
// stay aligned to midnight across DST changes.
func next(t time.Time, step time.Duration) time.Time {
	if step >= export.Day && step%export.Day == 0 {
		return t.AddDate(0, 0, int(step/export.Day))
	}
	return t.Add(step)
}

// Range lazily yields consecutive periods of length step from start. A final
// period that would end after end is never yielded. A nil end never stops.
func Range(start time.Time, end *time.Time, step time.Duration) iter.Seq2[time.Time, time.Time] {
	return func(yield func(time.Time, time.Time) bool) {
		if step <= 0 {
			return
		}
		for from := start; ; {
			to := next(from, step)
			if end != nil && to.After(*end) {
				return
			}
			if !yield(from, to) {
				return
			}
			from = to
		}
	}
}

// Periods collects Range over the bounded span [start, end).
func Periods(start, end time.Time, step time.Duration) ([]Period, error) {
	if step <= 0 {
		return nil, fmt.Errorf("step must be positive, got %s", step)
	}
	if end.Before(start) {
		return nil, fmt.Errorf("end %s is before start %s", end, start)
	}
	var out []Period
	for from, to := range Range(start, &end, step) {
		out = append(out, Period{Start: from, End: to})
	}
	return out, nil
}

// AdjustBound reconciles a backfill bound with the schedule's timezone. For
// daily steps the wall clock of t is kept and reinterpreted in loc, so a
// midnight bound stays midnight. Any other step converts t to loc.
func AdjustBound(t time.Time, step time.Duration, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	if step == export.Day {
		return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), loc)
	}
	return t.In(loc)
}
