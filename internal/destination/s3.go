// Copyright (c) 2024 Netskope, Inc. All rights reserved.

package destination

import (
	"context"
	"fmt"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/netSkope/batch-export/internal/export"
	"github.com/netSkope/batch-export/internal/metrics"
	"github.com/netSkope/batch-export/internal/pipeline"
	"github.com/netSkope/batch-export/internal/runtime"
	"github.com/netSkope/batch-export/internal/s3"
	"github.com/netSkope/batch-export/internal/spool"
	"github.com/netSkope/batch-export/internal/writer"
	"go.uber.org/zap"
)

// S3Config are the settings of an s3 destination.
type S3Config struct {
	s3.ClientConfig `yaml:",inline"`

	Bucket string `yaml:"bucket"`
	// Prefix may use {team_id}, {table}, {year}, {month}, {day}, {hour},
	// {minute}, {data_interval_start} and {data_interval_end}.
	Prefix          string `yaml:"prefix"`
	FileFormat      string `yaml:"file_format"`
	Compression     string `yaml:"compression"`
	CompressionMode string `yaml:"compression_mode"`
	Encryption      string `yaml:"encryption"`
	KMSKeyID        string `yaml:"kms_key_id"`
}

// s3Details is the heartbeat of the s3 destination.
type s3Details struct {
	Progress
	Upload s3.UploadState `json:"upload_state"`
}

type s3Destination struct {
	cfg      S3Config
	opts     writer.Options
	source   export.Source
	pipeline pipeline.Config
	metrics  *metrics.Metrics
	client   S3ClientFunc
	logger   *zap.Logger
}

func newS3Destination(raw map[string]any, deps Deps) (*s3Destination, error) {
	var cfg S3Config
	if err := decodeConfig(raw, &cfg); err != nil {
		return nil, err
	}
	if cfg.Bucket == "" {
		return nil, export.Errorf("InvalidConfig", "s3 destination requires a bucket")
	}
	compression, err := spool.ParseCompression(cfg.Compression)
	if err != nil {
		return nil, export.NewNonRetryable("InvalidConfig", err)
	}
	format := writer.Format(cfg.FileFormat)
	switch format {
	case "":
		format = writer.JSONL
	case writer.JSONL, writer.CSV, writer.Parquet:
	default:
		return nil, export.Errorf("InvalidConfig", "unsupported file format %q", cfg.FileFormat)
	}
	mode := spool.Mode(cfg.CompressionMode)
	switch mode {
	case "", spool.PerPart, spool.Stream:
	default:
		return nil, export.Errorf("InvalidConfig", "unsupported compression mode %q", cfg.CompressionMode)
	}

	return &s3Destination{
		cfg: cfg,
		opts: writer.Options{
			Format:          format,
			Compression:     compression,
			CompressionMode: mode,
			MaxBytes:        deps.Writer.MaxBytes,
			Dir:             deps.Writer.Dir,
			Header:          true,
		},
		source:   deps.Source,
		pipeline: deps.Pipeline,
		metrics:  deps.Metrics,
		client:   deps.S3Client,
		logger:   deps.Logger.With(zap.String("destination", TypeS3), zap.String("bucket", cfg.Bucket)),
	}, nil
}

func (d *s3Destination) Type() string { return TypeS3 }

// NonRetryableErrorKinds is empty: permanent provider codes are already
// returned as non-retryable by the s3 package.
func (d *s3Destination) NonRetryableErrorKinds() []string { return nil }

// ObjectKey is where the records of inputs are written.
func (c S3Config) ObjectKey(inputs export.Inputs, format writer.Format, compression spool.Compression) string {
	start, end := inputs.DataIntervalStart.UTC(), inputs.DataIntervalEnd.UTC()
	table := string(inputs.Model)
	if table == "" {
		table = string(export.ModelEvents)
	}
	prefix := strings.NewReplacer(
		"{team_id}", strconv.FormatInt(inputs.TeamID, 10),
		"{table}", table,
		"{year}", start.Format("2006"),
		"{month}", start.Format("01"),
		"{day}", start.Format("02"),
		"{hour}", start.Format("15"),
		"{minute}", start.Format("04"),
		"{data_interval_start}", start.Format(time.RFC3339),
		"{data_interval_end}", end.Format(time.RFC3339),
	).Replace(c.Prefix)

	name := fmt.Sprintf("%s-%s.%s", start.Format(time.RFC3339), end.Format(time.RFC3339), format)
	switch compression {
	case spool.Gzip:
		name += ".gz"
	case spool.Zstd:
		name += ".zst"
	}
	return path.Join(prefix, name)
}

func contentType(format writer.Format) string {
	switch format {
	case writer.CSV:
		return "text/csv"
	case writer.Parquet:
		return "application/vnd.apache.parquet"
	default:
		return "application/x-ndjson"
	}
}

// Insert streams the interval into a multipart upload, one part per writer
// flush. Each part is followed by a heartbeat carrying the upload state, so
// a retried attempt continues the same upload after the last part. Nothing
// is uploaded for an empty interval.
func (d *s3Destination) Insert(ctx context.Context, inputs export.Inputs) (int64, error) {
	logger := d.logger.With(zap.String("export_id", inputs.ExportID), zap.String("run_id", inputs.RunID))

	client, err := d.client(ctx, d.cfg.ClientConfig)
	if err != nil {
		return 0, fmt.Errorf("failed to create S3 client: %w", err)
	}
	key := d.cfg.ObjectKey(inputs, d.opts.Format, d.opts.Compression)
	upload := s3.NewResumableUpload(client, d.cfg.Bucket, key, s3.UploadOptions{
		ContentType:          contentType(d.opts.Format),
		ServerSideEncryption: d.cfg.Encryption,
		KMSKeyID:             d.cfg.KMSKeyID,
	}, logger)

	q := inputs.Query()
	opts := d.opts
	var done int64

	var prev s3Details
	found, err := runtime.HeartbeatDetails(ctx, &prev)
	if err != nil {
		return 0, err
	}
	if found && prev.Upload.UploadID != "" {
		switch {
		case !opts.Resumable():
			logger.Warn("Upload cannot be resumed with this format and compression, restarting from interval start",
				zap.String("upload_id", prev.Upload.UploadID))
			if err := upload.ContinueFromState(prev.Upload); err == nil {
				_ = upload.Abort(ctx)
			}
		default:
			if err := upload.ContinueFromState(prev.Upload); err != nil {
				logger.Warn("Discarding invalid upload state", zap.Error(err))
				break
			}
			if prev.LastInsertedAt.After(q.Start) {
				q.Start = prev.LastInsertedAt
			}
			done = prev.RecordsCompleted
			opts.Header = false
		}
	}

	flush := func(ctx context.Context, f *spool.File, records, bytes int64, lastWatermark time.Time, isLast bool) error {
		if !upload.InProgress() {
			if _, err := upload.Start(ctx); err != nil {
				return err
			}
		}
		r, err := f.Reader()
		if err != nil {
			return err
		}
		if err := upload.UploadPart(ctx, r, bytes); err != nil {
			return err
		}
		done += records
		d.metrics.Flushed(TypeS3, records, bytes)
		return runtime.RecordHeartbeat(ctx, s3Details{
			Progress: Progress{LastInsertedAt: lastWatermark, RecordsCompleted: done},
			Upload:   upload.State(),
		})
	}

	w, err := writer.New(opts, flush)
	if err != nil {
		return 0, export.NewNonRetryable("InvalidConfig", err)
	}
	if err := w.Open(); err != nil {
		return 0, err
	}

	// the writer is not safe for concurrent use
	cfg := d.pipeline
	cfg.Consumers = 1
	if _, err := pipeline.Run(ctx, d.source, q, cfg, []pipeline.Sink{w}, logger); err != nil {
		_ = w.Abort()
		return done, err
	}
	if err := w.Close(ctx); err != nil {
		return done, err
	}
	if upload.InProgress() {
		if err := upload.Complete(ctx); err != nil {
			return done, err
		}
	}

	logger.Info("Exported interval to S3",
		zap.String("s3_key", key),
		zap.Int64("records", done),
		zap.Int64("bytes", w.BytesTotal()),
		zap.Int("parts", w.Flushes()))
	return done, nil
}
