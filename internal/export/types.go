// Copyright (c) 2024 Netskope, Inc. All rights reserved.

package export

import (
	"context"
	"time"

	"github.com/apache/arrow/go/v11/arrow"
)

// InsertedAtColumn is the watermark column every source emits. It is used for
// checkpointing and is stripped before records reach a destination.
const InsertedAtColumn = "_inserted_at"

// ControlColumns are columns produced by sources that never reach a destination.
var ControlColumns = []string{InsertedAtColumn}

// Model names the data model an export reads.
type Model string

const (
	ModelEvents  Model = "events"
	ModelPersons Model = "persons"
)

// DestinationConfig is the type tag plus the raw connection settings of a
// destination. Settings are decoded by the destination package for the type.
type DestinationConfig struct {
	Type   string         `json:"type" yaml:"type"`
	Config map[string]any `json:"config" yaml:"config"`
}

// Definition is an export as stored in configuration storage. It does not
// change while a run is executing.
type Definition struct {
	ID            string
	TeamID        int64
	Name          string
	Model         Model
	Destination   DestinationConfig
	Interval      string
	Timezone      string
	IncludeEvents []string
	ExcludeEvents []string
	Paused        bool
	CreatedAt     time.Time
}

// IntervalDuration parses the definition's interval.
func (d *Definition) IntervalDuration() (time.Duration, error) {
	return ParseInterval(d.Interval)
}

// Location returns the schedule timezone, UTC when unset.
func (d *Definition) Location() (*time.Location, error) {
	if d.Timezone == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(d.Timezone)
}

// RunStatus is the state of a single export run.
type RunStatus string

const (
	RunStarting        RunStatus = "Starting"
	RunRunning         RunStatus = "Running"
	RunCompleted       RunStatus = "Completed"
	RunFailed          RunStatus = "Failed"
	RunFailedRetryable RunStatus = "FailedRetryable"
	RunCancelled       RunStatus = "Cancelled"
)

// Terminal reports whether no further transitions are possible.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunCompleted, RunFailed, RunFailedRetryable, RunCancelled:
		return true
	}
	return false
}

// Run is one execution over [DataIntervalStart, DataIntervalEnd).
type Run struct {
	ID                string
	ExportID          string
	BackfillID        string
	Status            RunStatus
	RecordsCompleted  int64
	RecordsTotalCount *int64
	LatestError       string
	DataIntervalStart time.Time
	DataIntervalEnd   time.Time
	CreatedAt         time.Time
	FinishedAt        *time.Time
}

// BackfillStatus mirrors the aggregate progress of a backfill.
type BackfillStatus string

const (
	BackfillRunning   BackfillStatus = "Running"
	BackfillCompleted BackfillStatus = "Completed"
	BackfillCancelled BackfillStatus = "Cancelled"
	BackfillFailed    BackfillStatus = "Failed"
)

// Backfill re-runs a contiguous span of intervals. End is nil for an
// unbounded backfill that catches up to the present.
type Backfill struct {
	ID         string
	ExportID   string
	TeamID     int64
	Start      time.Time
	End        *time.Time
	Status     BackfillStatus
	CreatedAt  time.Time
	FinishedAt *time.Time
}

// Inputs are handed to a destination for one run.
type Inputs struct {
	ExportID          string
	RunID             string
	BackfillID        string
	TeamID            int64
	Model             Model
	DataIntervalStart time.Time
	DataIntervalEnd   time.Time
	IncludeEvents     []string
	ExcludeEvents     []string
	Fields            []string
}

// IsBackfill reports whether the run belongs to a backfill.
func (i Inputs) IsBackfill() bool {
	return i.BackfillID != ""
}

// Query returns the source query covering the inputs' interval.
func (i Inputs) Query() Query {
	return Query{
		TeamID:        i.TeamID,
		Model:         i.Model,
		Start:         i.DataIntervalStart,
		End:           i.DataIntervalEnd,
		IncludeEvents: i.IncludeEvents,
		ExcludeEvents: i.ExcludeEvents,
		Fields:        i.Fields,
	}
}

// Query selects records for one tenant in [Start, End).
type Query struct {
	TeamID        int64
	Model         Model
	Start         time.Time
	End           time.Time
	IncludeEvents []string
	ExcludeEvents []string
	Fields        []string
}

// Source streams query results as record batches. Batches are passed to fn in
// non-decreasing watermark order; fn takes ownership of each record.
// Cancelling ctx must cancel the query on the server.
type Source interface {
	Query(ctx context.Context, q Query, fn func(arrow.Record) error) error
}

// Destination writes the records of one run and returns how many it wrote.
// Permission and configuration problems must be returned as
// *NonRetryableError or as a KindedError named in NonRetryableErrorKinds.
type Destination interface {
	Type() string
	Insert(ctx context.Context, inputs Inputs) (int64, error)
	NonRetryableErrorKinds() []string
}
