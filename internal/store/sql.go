// Copyright (c) 2024 Netskope, Inc. All rights reserved.

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/netSkope/batch-export/internal/export"
	"go.uber.org/zap"
)

// SQLStore is a RunStore backed by MySQL or MariaDB.
type SQLStore struct {
	client *SQLClient
	logger *zap.Logger
}

func NewSQLStore(client *SQLClient, logger *zap.Logger) *SQLStore {
	return &SQLStore{client: client, logger: logger}
}

func (s *SQLStore) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	ctx, cancel := s.client.context(ctx)
	defer cancel()
	return s.client.GetDB().ExecContext(ctx, query, args...)
}

func (s *SQLStore) execOne(ctx context.Context, what, id, query string, args ...any) error {
	res, err := s.exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update %s %s: %w", what, id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		// MySQL reports zero affected rows for a no-op update, so confirm the row exists
		var one int
		row := s.client.GetDB().QueryRowContext(ctx, "SELECT 1 FROM "+tableFor(what)+" WHERE id = ?", id)
		if err := row.Scan(&one); errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%s %s: %w", what, id, ErrNotFound)
		} else if err != nil {
			return err
		}
	}
	return nil
}

func tableFor(what string) string {
	switch what {
	case "export":
		return "batch_exports"
	case "run":
		return "batch_export_runs"
	default:
		return "batch_export_backfills"
	}
}

func (s *SQLStore) CreateExport(ctx context.Context, def *export.Definition) error {
	if def.ID == "" {
		def.ID = uuid.NewString()
	}
	if def.CreatedAt.IsZero() {
		def.CreatedAt = time.Now().UTC()
	}
	destConfig, err := json.Marshal(def.Destination.Config)
	if err != nil {
		return fmt.Errorf("failed to encode destination config: %w", err)
	}
	include, _ := json.Marshal(nonNil(def.IncludeEvents))
	exclude, _ := json.Marshal(nonNil(def.ExcludeEvents))

	_, err = s.exec(ctx, `INSERT INTO batch_exports
		(id, team_id, name, model, destination_type, destination_config, interval_spec, timezone,
		 include_events, exclude_events, paused, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		def.ID, def.TeamID, def.Name, string(def.Model), def.Destination.Type, string(destConfig),
		def.Interval, def.Timezone, string(include), string(exclude), def.Paused, def.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to insert export %s: %w", def.ID, err)
	}
	return nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

const exportColumns = `id, team_id, name, model, destination_type, destination_config, interval_spec,
	timezone, include_events, exclude_events, paused, created_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanExport(row scanner) (*export.Definition, error) {
	var (
		def                        export.Definition
		model, destConfig          string
		includeEvents, excludeEvts string
	)
	if err := row.Scan(&def.ID, &def.TeamID, &def.Name, &model, &def.Destination.Type, &destConfig,
		&def.Interval, &def.Timezone, &includeEvents, &excludeEvts, &def.Paused, &def.CreatedAt); err != nil {
		return nil, err
	}
	def.Model = export.Model(model)
	if err := json.Unmarshal([]byte(destConfig), &def.Destination.Config); err != nil {
		return nil, fmt.Errorf("failed to decode destination config of export %s: %w", def.ID, err)
	}
	if err := json.Unmarshal([]byte(includeEvents), &def.IncludeEvents); err != nil {
		return nil, fmt.Errorf("failed to decode include_events of export %s: %w", def.ID, err)
	}
	if err := json.Unmarshal([]byte(excludeEvts), &def.ExcludeEvents); err != nil {
		return nil, fmt.Errorf("failed to decode exclude_events of export %s: %w", def.ID, err)
	}
	return &def, nil
}

func (s *SQLStore) GetExport(ctx context.Context, id string) (*export.Definition, error) {
	ctx, cancel := s.client.context(ctx)
	defer cancel()
	row := s.client.GetDB().QueryRowContext(ctx, "SELECT "+exportColumns+" FROM batch_exports WHERE id = ?", id)
	def, err := scanExport(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("export %s: %w", id, ErrNotFound)
	}
	return def, err
}

func (s *SQLStore) ListActiveExports(ctx context.Context) ([]*export.Definition, error) {
	ctx, cancel := s.client.context(ctx)
	defer cancel()
	rows, err := s.client.GetDB().QueryContext(ctx, "SELECT "+exportColumns+" FROM batch_exports WHERE paused = 0 ORDER BY created_at")
	if err != nil {
		return nil, fmt.Errorf("failed to list exports: %w", err)
	}
	defer rows.Close()

	var defs []*export.Definition
	for rows.Next() {
		def, err := scanExport(rows)
		if err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}
	return defs, rows.Err()
}

func (s *SQLStore) PauseExport(ctx context.Context, id string) error {
	return s.execOne(ctx, "export", id, "UPDATE batch_exports SET paused = 1 WHERE id = ?", id)
}

func (s *SQLStore) UnpauseExport(ctx context.Context, id string) error {
	return s.execOne(ctx, "export", id, "UPDATE batch_exports SET paused = 0 WHERE id = ?", id)
}

func (s *SQLStore) CreateRun(ctx context.Context, exportID, backfillID string, start, end time.Time) (*export.Run, error) {
	run := &export.Run{
		ID:                uuid.NewString(),
		ExportID:          exportID,
		BackfillID:        backfillID,
		Status:            export.RunStarting,
		DataIntervalStart: start.UTC(),
		DataIntervalEnd:   end.UTC(),
		CreatedAt:         time.Now().UTC(),
	}
	_, err := s.exec(ctx, `INSERT INTO batch_export_runs
		(id, export_id, backfill_id, status, data_interval_start, data_interval_end, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		run.ID, exportID, sql.NullString{String: backfillID, Valid: backfillID != ""}, string(run.Status),
		run.DataIntervalStart, run.DataIntervalEnd, run.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to insert run for export %s: %w", exportID, err)
	}
	return run, nil
}

func (s *SQLStore) GetRun(ctx context.Context, id string) (*export.Run, error) {
	ctx, cancel := s.client.context(ctx)
	defer cancel()

	var (
		run        export.Run
		status     string
		backfillID sql.NullString
		total      sql.NullInt64
		latestErr  sql.NullString
		finished   sql.NullTime
	)
	err := s.client.GetDB().QueryRowContext(ctx, `SELECT id, export_id, backfill_id, status, records_completed,
		records_total_count, latest_error, data_interval_start, data_interval_end, created_at, finished_at
		FROM batch_export_runs WHERE id = ?`, id).Scan(&run.ID, &run.ExportID, &backfillID, &status,
		&run.RecordsCompleted, &total, &latestErr, &run.DataIntervalStart, &run.DataIntervalEnd,
		&run.CreatedAt, &finished)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run %s: %w", id, err)
	}
	run.Status = export.RunStatus(status)
	run.BackfillID = backfillID.String
	run.LatestError = latestErr.String
	if total.Valid {
		run.RecordsTotalCount = &total.Int64
	}
	if finished.Valid {
		run.FinishedAt = &finished.Time
	}
	return &run, nil
}

func (s *SQLStore) UpdateRun(ctx context.Context, id string, update RunUpdate) error {
	var (
		sets []string
		args []any
	)
	if update.Status != "" {
		sets = append(sets, "status = ?")
		args = append(args, string(update.Status))
		if update.Status.Terminal() {
			sets = append(sets, "finished_at = ?")
			args = append(args, time.Now().UTC())
		}
	}
	if update.LatestError != nil {
		sets = append(sets, "latest_error = ?")
		args = append(args, *update.LatestError)
	}
	if update.RecordsCompleted != nil {
		sets = append(sets, "records_completed = ?")
		args = append(args, *update.RecordsCompleted)
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)
	return s.execOne(ctx, "run", id, "UPDATE batch_export_runs SET "+strings.Join(sets, ", ")+" WHERE id = ?", args...)
}

func (s *SQLStore) CountRecentFailures(ctx context.Context, exportID string, window int) (int, error) {
	ctx, cancel := s.client.context(ctx)
	defer cancel()
	var n int
	err := s.client.GetDB().QueryRowContext(ctx, `SELECT COUNT(*) FROM (
			SELECT status FROM batch_export_runs WHERE export_id = ? ORDER BY seq DESC LIMIT ?
		) recent WHERE recent.status = ?`, exportID, window, string(export.RunFailed)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count recent failures of export %s: %w", exportID, err)
	}
	return n, nil
}

func (s *SQLStore) CreateBackfill(ctx context.Context, exportID string, teamID int64, start time.Time, end *time.Time) (*export.Backfill, error) {
	b := &export.Backfill{
		ID:        uuid.NewString(),
		ExportID:  exportID,
		TeamID:    teamID,
		Start:     start.UTC(),
		Status:    export.BackfillRunning,
		CreatedAt: time.Now().UTC(),
	}
	endAt := sql.NullTime{}
	if end != nil {
		b.End = ptr(end.UTC())
		endAt = sql.NullTime{Time: *b.End, Valid: true}
	}
	_, err := s.exec(ctx, `INSERT INTO batch_export_backfills
		(id, export_id, team_id, start_at, end_at, status, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		b.ID, exportID, teamID, b.Start, endAt, string(b.Status), b.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to insert backfill for export %s: %w", exportID, err)
	}
	return b, nil
}

const backfillColumns = "id, export_id, team_id, start_at, end_at, status, created_at, finished_at"

func scanBackfill(row scanner) (*export.Backfill, error) {
	var (
		b             export.Backfill
		status        string
		end, finished sql.NullTime
	)
	if err := row.Scan(&b.ID, &b.ExportID, &b.TeamID, &b.Start, &end, &status, &b.CreatedAt, &finished); err != nil {
		return nil, err
	}
	b.Status = export.BackfillStatus(status)
	if end.Valid {
		b.End = &end.Time
	}
	if finished.Valid {
		b.FinishedAt = &finished.Time
	}
	return &b, nil
}

func (s *SQLStore) GetBackfill(ctx context.Context, id string) (*export.Backfill, error) {
	ctx, cancel := s.client.context(ctx)
	defer cancel()
	row := s.client.GetDB().QueryRowContext(ctx, "SELECT "+backfillColumns+" FROM batch_export_backfills WHERE id = ?", id)
	b, err := scanBackfill(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("backfill %s: %w", id, ErrNotFound)
	}
	return b, err
}

func (s *SQLStore) UpdateBackfill(ctx context.Context, id string, status export.BackfillStatus) error {
	var finished sql.NullTime
	if status != export.BackfillRunning {
		finished = sql.NullTime{Time: time.Now().UTC(), Valid: true}
	}
	return s.execOne(ctx, "backfill", id,
		"UPDATE batch_export_backfills SET status = ?, finished_at = ? WHERE id = ?", string(status), finished, id)
}

func (s *SQLStore) ListRunningBackfills(ctx context.Context, exportID string) ([]*export.Backfill, error) {
	ctx, cancel := s.client.context(ctx)
	defer cancel()
	rows, err := s.client.GetDB().QueryContext(ctx,
		"SELECT "+backfillColumns+" FROM batch_export_backfills WHERE export_id = ? AND status = ? ORDER BY created_at",
		exportID, string(export.BackfillRunning))
	if err != nil {
		return nil, fmt.Errorf("failed to list backfills of export %s: %w", exportID, err)
	}
	defer rows.Close()

	var out []*export.Backfill
	for rows.Next() {
		b, err := scanBackfill(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *SQLStore) CancelBackfill(ctx context.Context, id string) error {
	s.logger.Info("Cancelling backfill", zap.String("backfill_id", id))
	return s.UpdateBackfill(ctx, id, export.BackfillCancelled)
}

var _ RunStore = (*SQLStore)(nil)
