// Copyright (c) 2024 Netskope, Inc. All rights reserved.

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/apache/arrow/go/v11/arrow"
	"github.com/netSkope/batch-export/internal/batch"
	"github.com/netSkope/batch-export/internal/export"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultQueueCapacity = 10
	DefaultMaxBatchBytes = 32 * 1024 * 1024
	DefaultMinBatchRows  = 1000
)

// Config bounds the memory used by one pipeline: at most
// QueueCapacity * MaxBatchBytes is held in the queue.
type Config struct {
	QueueCapacity int   `yaml:"queue_capacity"`
	MaxBatchBytes int64 `yaml:"max_batch_bytes"`
	MinBatchRows  int64 `yaml:"min_batch_rows"`
	Consumers     int   `yaml:"consumers"`
}

// DefaultConfig is a single consumer pipeline with the default bounds.
func DefaultConfig() Config {
	return Config{}.withDefaults()
}

func (c Config) withDefaults() Config {
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = DefaultQueueCapacity
	}
	if c.MaxBatchBytes <= 0 {
		c.MaxBatchBytes = DefaultMaxBatchBytes
	}
	if c.MinBatchRows <= 0 {
		c.MinBatchRows = DefaultMinBatchRows
	}
	if c.Consumers <= 0 {
		c.Consumers = 1
	}
	return c
}

// Sink receives batches with control columns already removed. watermark is
// the largest watermark value in the batch.
type Sink interface {
	WriteRecordBatch(ctx context.Context, rec arrow.Record, watermark time.Time) error
}

// Result summarizes a finished pipeline.
type Result struct {
	Batches       int64
	LastWatermark time.Time
}

// Produce runs q against src and pushes the (sliced) batches onto queue. The
// queue is always closed on return: normally on success, with the error on
// failure so consumers never block forever.
func Produce(ctx context.Context, src export.Source, q export.Query, queue *Queue, cfg Config) (err error) {
	cfg = cfg.withDefaults()
	defer func() {
		if err != nil {
			queue.CloseWithError(err)
			return
		}
		queue.Close()
	}()

	err = src.Query(ctx, q, func(rec arrow.Record) error {
		parts := batch.Slice(rec, cfg.MaxBatchBytes, cfg.MinBatchRows)
		for i, part := range parts {
			if err := queue.Put(ctx, part); err != nil {
				for _, rest := range parts[i:] {
					rest.Release()
				}
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to produce record batches: %w", err)
	}
	return nil
}

// Consume drains queue into sink until the end of the stream.
func Consume(ctx context.Context, queue *Queue, sink Sink) (Result, error) {
	var res Result
	for {
		rec, err := queue.Get(ctx)
		if errors.Is(err, io.EOF) {
			return res, nil
		}
		if err != nil {
			return res, err
		}

		wm, ok := batch.MaxTimestamp(rec, export.InsertedAtColumn)
		out := batch.DropColumns(rec, export.ControlColumns)
		err = sink.WriteRecordBatch(ctx, out, wm)
		out.Release()
		if err != nil {
			return res, err
		}
		res.Batches++
		if ok && wm.After(res.LastWatermark) {
			res.LastWatermark = wm
		}
	}
}

// Run streams q from src into sinks with one producer and one consumer per
// sink. Any failure aborts the whole pipeline and batches not yet written are
// discarded.
func Run(ctx context.Context, src export.Source, q export.Query, cfg Config, sinks []Sink, logger *zap.Logger) (Result, error) {
	if len(sinks) == 0 {
		return Result{}, fmt.Errorf("no sinks")
	}
	cfg = cfg.withDefaults()
	queue := NewQueue(cfg.QueueCapacity)
	defer queue.Drain()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return Produce(gctx, src, q, queue, cfg)
	})

	results := make([]Result, len(sinks))
	for i, sink := range sinks {
		g.Go(func() error {
			res, err := Consume(gctx, queue, sink)
			if err != nil {
				queue.CloseWithError(err)
				return fmt.Errorf("consumer %d: %w", i, err)
			}
			results[i] = res
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		logger.Warn("Record batch pipeline aborted",
			zap.Time("start", q.Start),
			zap.Time("end", q.End),
			zap.Error(err))
		return Result{}, err
	}

	var total Result
	for _, r := range results {
		total.Batches += r.Batches
		if r.LastWatermark.After(total.LastWatermark) {
			total.LastWatermark = r.LastWatermark
		}
	}
	logger.Debug("Record batch pipeline finished",
		zap.Int64("batches", total.Batches),
		zap.Time("last_watermark", total.LastWatermark))
	return total, nil
}
