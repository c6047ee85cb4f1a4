// Copyright (c) 2024 Netskope, Inc. All rights reserved.

// Package store persists export definitions, runs and backfills.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/netSkope/batch-export/internal/export"
)

var ErrNotFound = errors.New("not found")

// RunUpdate changes a run. Nil fields are left as they are.
type RunUpdate struct {
	Status           export.RunStatus
	LatestError      *string
	RecordsCompleted *int64
}

// RunStore is the persistence the execution engine depends on.
type RunStore interface {
	CreateExport(ctx context.Context, def *export.Definition) error
	GetExport(ctx context.Context, id string) (*export.Definition, error)
	ListActiveExports(ctx context.Context) ([]*export.Definition, error)
	PauseExport(ctx context.Context, id string) error
	UnpauseExport(ctx context.Context, id string) error

	CreateRun(ctx context.Context, exportID, backfillID string, start, end time.Time) (*export.Run, error)
	GetRun(ctx context.Context, id string) (*export.Run, error)
	UpdateRun(ctx context.Context, id string, update RunUpdate) error
	// CountRecentFailures counts Failed runs among the export's window most
	// recently created runs.
	CountRecentFailures(ctx context.Context, exportID string, window int) (int, error)

	CreateBackfill(ctx context.Context, exportID string, teamID int64, start time.Time, end *time.Time) (*export.Backfill, error)
	GetBackfill(ctx context.Context, id string) (*export.Backfill, error)
	UpdateBackfill(ctx context.Context, id string, status export.BackfillStatus) error
	ListRunningBackfills(ctx context.Context, exportID string) ([]*export.Backfill, error)
	CancelBackfill(ctx context.Context, id string) error
}

func ptr[T any](v T) *T { return &v }

// ErrorUpdate is a RunUpdate setting only status and latest error.
func ErrorUpdate(status export.RunStatus, msg string) RunUpdate {
	return RunUpdate{Status: status, LatestError: ptr(msg)}
}

// CompletedUpdate is a RunUpdate for a successful run.
func CompletedUpdate(records int64) RunUpdate {
	return RunUpdate{Status: export.RunCompleted, RecordsCompleted: ptr(records)}
}
