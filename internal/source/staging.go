// Copyright (c) 2024 Netskope, Inc. All rights reserved.

package source

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"slices"
	"time"

	"github.com/apache/arrow/go/v11/arrow"
	"github.com/apache/arrow/go/v11/arrow/ipc"
	"github.com/apache/arrow/go/v11/arrow/memory"
	"github.com/netSkope/batch-export/internal/batch"
	"github.com/netSkope/batch-export/internal/export"
	"go.uber.org/zap"
)

// DefaultPartBytes is the uncompressed size at which a staged part is closed.
const DefaultPartBytes = 64 * 1024 * 1024

// ObjectStore is the subset of the S3 object store staging needs.
type ObjectStore interface {
	List(ctx context.Context, prefix string) ([]string, error)
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Put(ctx context.Context, key string, body io.Reader) error
	DeletePrefix(ctx context.Context, prefix string) (int, error)
}

// StagingPrefix is where the staged files of one export interval live.
func StagingPrefix(exportID string, start, end time.Time) string {
	return fmt.Sprintf("%s/%s-%s/", exportID, start.UTC().Format(time.RFC3339), end.UTC().Format(time.RFC3339))
}

// Stager copies query results to object storage as Arrow IPC streams so
// several destinations can read one source query.
type Stager struct {
	store     ObjectStore
	partBytes int64
	logger    *zap.Logger
}

func NewStager(store ObjectStore, partBytes int64, logger *zap.Logger) *Stager {
	if partBytes <= 0 {
		partBytes = DefaultPartBytes
	}
	return &Stager{store: store, partBytes: partBytes, logger: logger}
}

type stagedPart struct {
	buf   bytes.Buffer
	w     *ipc.Writer
	bytes int64
	rows  int64
}

// Stage removes anything left under prefix by an earlier attempt, then writes
// the results of q as numbered parts. It returns the number of rows staged.
func (s *Stager) Stage(ctx context.Context, src export.Source, q export.Query, prefix string) (int64, error) {
	deleted, err := s.store.DeletePrefix(ctx, prefix)
	if err != nil {
		return 0, fmt.Errorf("failed to clear staging prefix %s: %w", prefix, err)
	}
	if deleted > 0 {
		s.logger.Info("Removed stale staged objects", zap.String("prefix", prefix), zap.Int("objects", deleted))
	}

	var (
		part  *stagedPart
		parts int
		total int64
	)
	flush := func() error {
		if part == nil {
			return nil
		}
		if err := part.w.Close(); err != nil {
			return fmt.Errorf("failed to close staged part: %w", err)
		}
		parts++
		key := fmt.Sprintf("%spart-%05d.arrow", prefix, parts)
		if err := s.store.Put(ctx, key, &part.buf); err != nil {
			return fmt.Errorf("failed to stage %s: %w", key, err)
		}
		s.logger.Debug("Staged part", zap.String("key", key), zap.Int64("rows", part.rows))
		part = nil
		return nil
	}
	defer func() {
		if part != nil {
			_ = part.w.Close()
		}
	}()

	err = src.Query(ctx, q, func(rec arrow.Record) error {
		defer rec.Release()
		if part == nil {
			part = &stagedPart{}
			part.w = ipc.NewWriter(&part.buf, ipc.WithSchema(rec.Schema()), ipc.WithZstd())
		}
		if err := part.w.Write(rec); err != nil {
			return fmt.Errorf("failed to encode staged batch: %w", err)
		}
		part.bytes += batch.EstimateSize(rec)
		part.rows += rec.NumRows()
		total += rec.NumRows()
		if part.bytes >= s.partBytes {
			return flush()
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if err := flush(); err != nil {
		return 0, err
	}

	s.logger.Info("Staged query results",
		zap.String("prefix", prefix),
		zap.Int("parts", parts),
		zap.Int64("rows", total))
	return total, nil
}

// StagedSource reads back the parts written by a Stager.
type StagedSource struct {
	store  ObjectStore
	prefix string
	mem    memory.Allocator
}

func NewStagedSource(store ObjectStore, prefix string, mem memory.Allocator) *StagedSource {
	if mem == nil {
		mem = memory.NewGoAllocator()
	}
	return &StagedSource{store: store, prefix: prefix, mem: mem}
}

// Query lists the prefix and streams every staged batch in part order. The
// query itself was applied when staging.
func (s *StagedSource) Query(ctx context.Context, _ export.Query, fn func(arrow.Record) error) error {
	keys, err := s.store.List(ctx, s.prefix)
	if err != nil {
		return fmt.Errorf("failed to list staged parts: %w", err)
	}
	slices.Sort(keys)
	for _, key := range keys {
		if err := s.readPart(ctx, key, fn); err != nil {
			return err
		}
	}
	return nil
}

func (s *StagedSource) readPart(ctx context.Context, key string, fn func(arrow.Record) error) error {
	body, err := s.store.Get(ctx, key)
	if err != nil {
		return fmt.Errorf("failed to read staged part %s: %w", key, err)
	}
	defer body.Close()

	r, err := ipc.NewReader(body, ipc.WithAllocator(s.mem))
	if err != nil {
		return fmt.Errorf("failed to open staged part %s: %w", key, err)
	}
	defer r.Release()

	for r.Next() {
		if err := ctx.Err(); err != nil {
			return err
		}
		rec := r.Record()
		rec.Retain()
		if err := fn(rec); err != nil {
			return err
		}
	}
	if err := r.Err(); err != nil && err != io.EOF {
		return fmt.Errorf("failed to decode staged part %s: %w", key, err)
	}
	return nil
}
