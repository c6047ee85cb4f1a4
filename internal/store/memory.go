// Copyright (c) 2024 Netskope, Inc. All rights reserved.

package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/netSkope/batch-export/internal/export"
)

// Memory is a RunStore held in process memory.
type Memory struct {
	mu        sync.Mutex
	exports   map[string]*export.Definition
	runs      []*export.Run
	backfills []*export.Backfill
}

func NewMemory() *Memory {
	return &Memory{exports: map[string]*export.Definition{}}
}

func (m *Memory) CreateExport(_ context.Context, def *export.Definition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if def.ID == "" {
		def.ID = uuid.NewString()
	}
	if def.CreatedAt.IsZero() {
		def.CreatedAt = time.Now().UTC()
	}
	cp := *def
	m.exports[def.ID] = &cp
	return nil
}

func (m *Memory) GetExport(_ context.Context, id string) (*export.Definition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	def, ok := m.exports[id]
	if !ok {
		return nil, fmt.Errorf("export %s: %w", id, ErrNotFound)
	}
	cp := *def
	return &cp, nil
}

func (m *Memory) ListActiveExports(context.Context) ([]*export.Definition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*export.Definition
	for _, def := range m.exports {
		if !def.Paused {
			cp := *def
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *Memory) setPaused(id string, paused bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	def, ok := m.exports[id]
	if !ok {
		return fmt.Errorf("export %s: %w", id, ErrNotFound)
	}
	def.Paused = paused
	return nil
}

func (m *Memory) PauseExport(_ context.Context, id string) error { return m.setPaused(id, true) }

func (m *Memory) UnpauseExport(_ context.Context, id string) error { return m.setPaused(id, false) }

func (m *Memory) CreateRun(_ context.Context, exportID, backfillID string, start, end time.Time) (*export.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run := &export.Run{
		ID:                uuid.NewString(),
		ExportID:          exportID,
		BackfillID:        backfillID,
		Status:            export.RunStarting,
		DataIntervalStart: start.UTC(),
		DataIntervalEnd:   end.UTC(),
		CreatedAt:         time.Now().UTC(),
	}
	m.runs = append(m.runs, run)
	cp := *run
	return &cp, nil
}

func (m *Memory) findRun(id string) (*export.Run, error) {
	for _, r := range m.runs {
		if r.ID == id {
			return r, nil
		}
	}
	return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
}

func (m *Memory) GetRun(_ context.Context, id string) (*export.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, err := m.findRun(id)
	if err != nil {
		return nil, err
	}
	cp := *r
	return &cp, nil
}

func (m *Memory) UpdateRun(_ context.Context, id string, update RunUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, err := m.findRun(id)
	if err != nil {
		return err
	}
	if update.Status != "" {
		r.Status = update.Status
		if update.Status.Terminal() {
			now := time.Now().UTC()
			r.FinishedAt = &now
		}
	}
	if update.LatestError != nil {
		r.LatestError = *update.LatestError
	}
	if update.RecordsCompleted != nil {
		r.RecordsCompleted = *update.RecordsCompleted
	}
	return nil
}

// Runs returns every run of an export, oldest first.
func (m *Memory) Runs(exportID string) []export.Run {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []export.Run
	for _, r := range m.runs {
		if r.ExportID == exportID {
			out = append(out, *r)
		}
	}
	return out
}

func (m *Memory) CountRecentFailures(_ context.Context, exportID string, window int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	failed, seen := 0, 0
	for i := len(m.runs) - 1; i >= 0 && seen < window; i-- {
		r := m.runs[i]
		if r.ExportID != exportID {
			continue
		}
		seen++
		if r.Status == export.RunFailed {
			failed++
		}
	}
	return failed, nil
}

func (m *Memory) CreateBackfill(_ context.Context, exportID string, teamID int64, start time.Time, end *time.Time) (*export.Backfill, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b := &export.Backfill{
		ID:        uuid.NewString(),
		ExportID:  exportID,
		TeamID:    teamID,
		Start:     start.UTC(),
		Status:    export.BackfillRunning,
		CreatedAt: time.Now().UTC(),
	}
	if end != nil {
		b.End = ptr(end.UTC())
	}
	m.backfills = append(m.backfills, b)
	cp := *b
	return &cp, nil
}

func (m *Memory) findBackfill(id string) (*export.Backfill, error) {
	for _, b := range m.backfills {
		if b.ID == id {
			return b, nil
		}
	}
	return nil, fmt.Errorf("backfill %s: %w", id, ErrNotFound)
}

func (m *Memory) GetBackfill(_ context.Context, id string) (*export.Backfill, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, err := m.findBackfill(id)
	if err != nil {
		return nil, err
	}
	cp := *b
	return &cp, nil
}

func (m *Memory) UpdateBackfill(_ context.Context, id string, status export.BackfillStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, err := m.findBackfill(id)
	if err != nil {
		return err
	}
	b.Status = status
	if status != export.BackfillRunning {
		now := time.Now().UTC()
		b.FinishedAt = &now
	}
	return nil
}

func (m *Memory) ListRunningBackfills(_ context.Context, exportID string) ([]*export.Backfill, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*export.Backfill
	for _, b := range m.backfills {
		if b.ExportID == exportID && b.Status == export.BackfillRunning {
			cp := *b
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *Memory) CancelBackfill(ctx context.Context, id string) error {
	return m.UpdateBackfill(ctx, id, export.BackfillCancelled)
}

var _ RunStore = (*Memory)(nil)
