// Copyright (c) 2024 Netskope, Inc. All rights reserved.

// Package destination implements the export destinations. Each variant turns
// one run's inputs into writes against an external system and reports how
// many records it wrote.
package destination

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/apache/arrow/go/v11/arrow"
	"github.com/netSkope/batch-export/internal/batch"
	"github.com/netSkope/batch-export/internal/export"
	"github.com/netSkope/batch-export/internal/metrics"
	"github.com/netSkope/batch-export/internal/pipeline"
	"github.com/netSkope/batch-export/internal/runtime"
	"github.com/netSkope/batch-export/internal/s3"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Destination types.
const (
	TypeS3        = "s3"
	TypePostgres  = "postgres"
	TypeMySQL     = "mysql"
	TypeSQLServer = "sqlserver"
	TypeMongoDB   = "mongodb"
	TypeHTTP      = "http"
)

// WriterConfig are the spool settings shared by file-based destinations.
type WriterConfig struct {
	Dir      string `yaml:"dir"`
	MaxBytes int64  `yaml:"max_bytes"`
}

// S3ClientFunc builds an S3 client for a destination's connection settings.
type S3ClientFunc func(ctx context.Context, cfg s3.ClientConfig) (s3.API, error)

// Deps are the collaborators shared by every destination.
type Deps struct {
	Source   export.Source
	Pipeline pipeline.Config
	Writer   WriterConfig
	Metrics  *metrics.Metrics
	Logger   *zap.Logger
	// S3Client defaults to s3.NewClient.
	S3Client S3ClientFunc
}

// New builds the destination named by cfg.Type. Invalid settings are
// returned as non-retryable errors.
func New(ctx context.Context, cfg export.DestinationConfig, deps Deps) (export.Destination, error) {
	if deps.S3Client == nil {
		logger := deps.Logger
		deps.S3Client = func(ctx context.Context, cfg s3.ClientConfig) (s3.API, error) {
			return s3.NewClient(ctx, cfg, logger)
		}
	}
	switch cfg.Type {
	case TypeS3:
		return newS3Destination(cfg.Config, deps)
	case TypePostgres:
		return newPostgresDestination(cfg.Config, deps)
	case TypeMySQL, TypeSQLServer:
		return newSQLDestination(cfg.Type, cfg.Config, deps)
	case TypeMongoDB:
		return newMongoDestination(cfg.Config, deps)
	case TypeHTTP:
		return newHTTPDestination(cfg.Config, deps)
	default:
		return nil, export.Errorf("InvalidDestination", "unknown destination type %q", cfg.Type)
	}
}

// decodeConfig maps raw settings onto v by their yaml tags. Unknown keys are
// rejected.
func decodeConfig(raw map[string]any, v any) error {
	data, err := yaml.Marshal(raw)
	if err != nil {
		return export.NewNonRetryable("InvalidConfig", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(v); err != nil {
		return export.NewNonRetryable("InvalidConfig", fmt.Errorf("invalid destination config: %w", err))
	}
	return nil
}

// Progress is the heartbeat of destinations that commit each flush, so a
// restarted attempt continues from the last committed watermark.
type Progress struct {
	LastInsertedAt   time.Time `json:"last_inserted_at"`
	RecordsCompleted int64     `json:"records_completed"`
}

// resumeQuery returns the query for inputs, moved forward to the last
// committed watermark when a previous attempt left progress behind. Rows
// sharing that watermark are sent again.
func resumeQuery(ctx context.Context, inputs export.Inputs, logger *zap.Logger) (export.Query, Progress, error) {
	q := inputs.Query()
	var p Progress
	ok, err := runtime.HeartbeatDetails(ctx, &p)
	if err != nil {
		return q, Progress{}, err
	}
	if ok && p.LastInsertedAt.After(q.Start) && p.LastInsertedAt.Before(q.End) {
		logger.Info("Resuming export from heartbeat",
			zap.Time("last_inserted_at", p.LastInsertedAt),
			zap.Int64("records_completed", p.RecordsCompleted))
		q.Start = p.LastInsertedAt
		return q, p, nil
	}
	return q, Progress{}, nil
}

// outputFields are the columns a destination receives for inputs.
func outputFields(inputs export.Inputs) ([]arrow.Field, error) {
	schema, err := batch.SchemaFor(inputs.Model)
	if err != nil {
		return nil, export.NewNonRetryable("InvalidQuery", err)
	}
	schema, err = batch.Project(schema, inputs.Fields)
	if err != nil {
		return nil, export.NewNonRetryable("InvalidQuery", err)
	}
	var out []arrow.Field
	for _, f := range schema.Fields() {
		if f.Name != export.InsertedAtColumn {
			out = append(out, f)
		}
	}
	return out, nil
}

// sinkFunc adapts a function to pipeline.Sink.
type sinkFunc func(ctx context.Context, rec arrow.Record, watermark time.Time) error

func (f sinkFunc) WriteRecordBatch(ctx context.Context, rec arrow.Record, watermark time.Time) error {
	return f(ctx, rec, watermark)
}
