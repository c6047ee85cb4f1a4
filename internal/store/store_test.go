// Copyright (c) 2024 Netskope, Inc. All rights reserved.

package store

import (
	"context"
	"testing"
	"time"

	"github.com/netSkope/batch-export/internal/export"
	"github.com/netSkope/batch-export/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newDefinition() *export.Definition {
	return &export.Definition{
		TeamID: 2,
		Name:   "events to s3",
		Model:  export.ModelEvents,
		Destination: export.DestinationConfig{
			Type:   "s3",
			Config: map[string]any{"bucket_name": "exports", "prefix": "team-2/"},
		},
		Interval:      "hour",
		Timezone:      "UTC",
		IncludeEvents: []string{"$pageview"},
	}
}

// testRunStore exercises the RunStore contract shared by every implementation.
func testRunStore(t *testing.T, s RunStore) {
	ctx := context.Background()
	start := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	t.Run("exports", func(t *testing.T) {
		def := newDefinition()
		require.NoError(t, s.CreateExport(ctx, def))
		require.NotEmpty(t, def.ID)

		got, err := s.GetExport(ctx, def.ID)
		require.NoError(t, err)
		assert.Equal(t, def.Name, got.Name)
		assert.Equal(t, "exports", got.Destination.Config["bucket_name"])
		assert.Equal(t, []string{"$pageview"}, got.IncludeEvents)
		assert.Empty(t, got.ExcludeEvents)
		assert.False(t, got.Paused)

		require.NoError(t, s.PauseExport(ctx, def.ID))
		require.NoError(t, s.PauseExport(ctx, def.ID))
		got, err = s.GetExport(ctx, def.ID)
		require.NoError(t, err)
		assert.True(t, got.Paused)

		active, err := s.ListActiveExports(ctx)
		require.NoError(t, err)
		for _, d := range active {
			assert.NotEqual(t, def.ID, d.ID)
		}

		require.NoError(t, s.UnpauseExport(ctx, def.ID))
		active, err = s.ListActiveExports(ctx)
		require.NoError(t, err)
		ids := make([]string, 0, len(active))
		for _, d := range active {
			ids = append(ids, d.ID)
		}
		assert.Contains(t, ids, def.ID)

		_, err = s.GetExport(ctx, "missing")
		assert.ErrorIs(t, err, ErrNotFound)
		assert.ErrorIs(t, s.PauseExport(ctx, "missing"), ErrNotFound)
	})

	t.Run("runs", func(t *testing.T) {
		run, err := s.CreateRun(ctx, "export-runs", "", start, start.Add(time.Hour))
		require.NoError(t, err)
		assert.Equal(t, export.RunStarting, run.Status)

		require.NoError(t, s.UpdateRun(ctx, run.ID, CompletedUpdate(42)))
		got, err := s.GetRun(ctx, run.ID)
		require.NoError(t, err)
		assert.Equal(t, export.RunCompleted, got.Status)
		assert.Equal(t, int64(42), got.RecordsCompleted)
		assert.True(t, got.DataIntervalStart.Equal(start))
		require.NotNil(t, got.FinishedAt)

		require.NoError(t, s.UpdateRun(ctx, run.ID, ErrorUpdate(export.RunFailed, "boom")))
		got, err = s.GetRun(ctx, run.ID)
		require.NoError(t, err)
		assert.Equal(t, "boom", got.LatestError)
		assert.Equal(t, int64(42), got.RecordsCompleted)

		assert.ErrorIs(t, s.UpdateRun(ctx, "missing", CompletedUpdate(1)), ErrNotFound)
	})

	t.Run("recent failures window", func(t *testing.T) {
		const exportID = "export-window"
		statuses := []export.RunStatus{
			export.RunFailed, export.RunFailed, export.RunCompleted,
			export.RunFailedRetryable, export.RunFailed, export.RunCompleted,
		}
		for i, st := range statuses {
			run, err := s.CreateRun(ctx, exportID, "", start.Add(time.Duration(i)*time.Hour), start.Add(time.Duration(i+1)*time.Hour))
			require.NoError(t, err)
			require.NoError(t, s.UpdateRun(ctx, run.ID, RunUpdate{Status: st}))
		}

		n, err := s.CountRecentFailures(ctx, exportID, 6)
		require.NoError(t, err)
		assert.Equal(t, 3, n)

		// most recent two: Failed, Completed
		n, err = s.CountRecentFailures(ctx, exportID, 2)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		n, err = s.CountRecentFailures(ctx, "other", 10)
		require.NoError(t, err)
		assert.Zero(t, n)
	})

	t.Run("backfills", func(t *testing.T) {
		end := start.Add(24 * time.Hour)
		bounded, err := s.CreateBackfill(ctx, "export-bf", 2, start, &end)
		require.NoError(t, err)
		unbounded, err := s.CreateBackfill(ctx, "export-bf", 2, start, nil)
		require.NoError(t, err)

		got, err := s.GetBackfill(ctx, bounded.ID)
		require.NoError(t, err)
		require.NotNil(t, got.End)
		assert.True(t, got.End.Equal(end))

		running, err := s.ListRunningBackfills(ctx, "export-bf")
		require.NoError(t, err)
		assert.Len(t, running, 2)

		require.NoError(t, s.CancelBackfill(ctx, unbounded.ID))
		require.NoError(t, s.UpdateBackfill(ctx, bounded.ID, export.BackfillCompleted))

		running, err = s.ListRunningBackfills(ctx, "export-bf")
		require.NoError(t, err)
		assert.Empty(t, running)

		got, err = s.GetBackfill(ctx, unbounded.ID)
		require.NoError(t, err)
		assert.Equal(t, export.BackfillCancelled, got.Status)
		assert.Nil(t, got.End)
		assert.NotNil(t, got.FinishedAt)
	})
}

func TestMemoryStore(t *testing.T) {
	testRunStore(t, NewMemory())
}

func TestSQLStore(t *testing.T) {
	db, _ := testutil.MariaDB(t, "batch_exports")
	s := NewSQLStore(WrapDB(db, 10, "mp-mariadb"), zaptest.NewLogger(t))
	require.NoError(t, s.Migrate(context.Background()))
	require.NoError(t, s.Migrate(context.Background()), "migrations are idempotent")
	testRunStore(t, s)
}

func TestBuildDSN(t *testing.T) {
	dsn, err := BuildDSN("db:3306", "app", "secret", "aws-aurora", "")
	require.NoError(t, err)
	assert.Equal(t, "app:secret@tcp(db:3306)/batch_exports?parseTime=true", dsn)

	dsn, err = BuildDSN("db:3306", "", "", "", "runs")
	require.NoError(t, err)
	assert.Equal(t, "tcp(db:3306)/runs?parseTime=true", dsn)

	_, err = BuildDSN("", "", "", "", "")
	assert.ErrorIs(t, err, ErrBadHostname)
	_, err = BuildDSN("db", "", "", "postgres", "")
	assert.Error(t, err)
}
