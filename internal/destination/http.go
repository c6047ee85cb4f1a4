// Copyright (c) 2024 Netskope, Inc. All rights reserved.

package destination

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/netSkope/batch-export/internal/export"
	"github.com/netSkope/batch-export/internal/metrics"
	"github.com/netSkope/batch-export/internal/pipeline"
	"github.com/netSkope/batch-export/internal/runtime"
	"github.com/netSkope/batch-export/internal/spool"
	"github.com/netSkope/batch-export/internal/writer"
	"go.uber.org/zap"
)

const (
	defaultHTTPTimeout  = time.Minute
	defaultHTTPMaxBytes = 5 * 1024 * 1024
)

// HTTPConfig are the settings of an http destination.
type HTTPConfig struct {
	URL         string        `yaml:"url"`
	Token       string        `yaml:"token"`
	Compression string        `yaml:"compression"`
	Timeout     time.Duration `yaml:"timeout"`
	// MaxBytes caps the body of one request.
	MaxBytes int64 `yaml:"max_bytes"`
}

// HTTPStatusError is a non-2xx response.
type HTTPStatusError struct {
	StatusCode int
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.StatusCode, e.Body)
}

func (e *HTTPStatusError) Kind() string { return "HTTPStatus" }

// classifyResponse maps client errors other than 429 to non-retryable
// errors.
func classifyResponse(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	err := &HTTPStatusError{StatusCode: resp.StatusCode, Body: string(body)}
	if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
		return export.NewNonRetryable("HTTPClientError", err)
	}
	return err
}

type httpDestination struct {
	cfg      HTTPConfig
	opts     writer.Options
	client   *http.Client
	source   export.Source
	pipeline pipeline.Config
	metrics  *metrics.Metrics
	logger   *zap.Logger
}

func newHTTPDestination(raw map[string]any, deps Deps) (*httpDestination, error) {
	var cfg HTTPConfig
	if err := decodeConfig(raw, &cfg); err != nil {
		return nil, err
	}
	if cfg.URL == "" {
		return nil, export.Errorf("InvalidConfig", "http destination requires a url")
	}
	compression, err := spool.ParseCompression(cfg.Compression)
	if err != nil {
		return nil, export.NewNonRetryable("InvalidConfig", err)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultHTTPTimeout
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = defaultHTTPMaxBytes
	}
	return &httpDestination{
		cfg: cfg,
		opts: writer.Options{
			Format:      writer.JSONL,
			Compression: compression,
			MaxBytes:    cfg.MaxBytes,
			Dir:         deps.Writer.Dir,
		},
		client:   &http.Client{Timeout: cfg.Timeout},
		source:   deps.Source,
		pipeline: deps.Pipeline,
		metrics:  deps.Metrics,
		logger:   deps.Logger.With(zap.String("destination", TypeHTTP)),
	}, nil
}

func (d *httpDestination) Type() string { return TypeHTTP }

func (d *httpDestination) NonRetryableErrorKinds() []string { return nil }

func (d *httpDestination) post(ctx context.Context, body io.Reader, size int64) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.cfg.URL, body)
	if err != nil {
		return export.NewNonRetryable("InvalidConfig", err)
	}
	req.ContentLength = size
	req.Header.Set("Content-Type", "application/x-ndjson")
	switch d.opts.Compression {
	case spool.Gzip:
		req.Header.Set("Content-Encoding", "gzip")
	case spool.Zstd:
		req.Header.Set("Content-Encoding", "zstd")
	}
	if d.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+d.cfg.Token)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to post batch: %w", err)
	}
	defer resp.Body.Close()
	return classifyResponse(resp)
}

// Insert posts the interval as JSON lines, one request per writer flush,
// and heartbeats progress after each accepted request.
func (d *httpDestination) Insert(ctx context.Context, inputs export.Inputs) (int64, error) {
	logger := d.logger.With(zap.String("export_id", inputs.ExportID), zap.String("run_id", inputs.RunID))

	q, prev, err := resumeQuery(ctx, inputs, logger)
	if err != nil {
		return 0, err
	}
	done := prev.RecordsCompleted

	flush := func(ctx context.Context, f *spool.File, records, bytes int64, lastWatermark time.Time, isLast bool) error {
		r, err := f.Reader()
		if err != nil {
			return err
		}
		if err := d.post(ctx, r, bytes); err != nil {
			return err
		}
		done += records
		d.metrics.Flushed(TypeHTTP, records, bytes)
		return runtime.RecordHeartbeat(ctx, Progress{LastInsertedAt: lastWatermark, RecordsCompleted: done})
	}

	w, err := writer.New(d.opts, flush)
	if err != nil {
		return 0, export.NewNonRetryable("InvalidConfig", err)
	}
	if err := w.Open(); err != nil {
		return 0, err
	}

	cfg := d.pipeline
	cfg.Consumers = 1
	if _, err := pipeline.Run(ctx, d.source, q, cfg, []pipeline.Sink{w}, logger); err != nil {
		_ = w.Abort()
		return done, err
	}
	if err := w.Close(ctx); err != nil {
		return done, err
	}

	logger.Info("Exported interval over HTTP",
		zap.Int64("records", done),
		zap.Int("requests", w.Flushes()))
	return done, nil
}
