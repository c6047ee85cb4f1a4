// Copyright (c) 2024 Netskope, Inc. All rights reserved.

// Package writer serializes record batches into a spool file and hands the
// spooled bytes to a destination each time a size threshold is crossed.
package writer

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/apache/arrow/go/v11/arrow"
	"github.com/netSkope/batch-export/internal/spool"
)

// Format is the wire format of spooled bytes.
type Format string

const (
	JSONL   Format = "jsonl"
	CSV     Format = "csv"
	Parquet Format = "parquet"
)

// DefaultMaxBytes is the flush threshold used when none is configured.
const DefaultMaxBytes = 50 * 1024 * 1024

// FlushFunc receives a finished chunk. records and bytes count the chunk
// only; lastWatermark is the watermark of the last batch in it. isLast is set
// on the flush issued by Close.
type FlushFunc func(ctx context.Context, f *spool.File, records, bytes int64, lastWatermark time.Time, isLast bool) error

// Options configure a Writer.
type Options struct {
	Format          Format
	Compression     spool.Compression
	CompressionMode spool.Mode
	// MaxBytes is the chunk size that triggers a flush.
	MaxBytes int64
	// Dir holds the spool file; empty uses the system temp dir.
	Dir string
	// Header writes a CSV header line before the first row.
	Header bool
	// NullString is written for null CSV values. Empty by default, which
	// makes null and "" indistinguishable.
	NullString string
}

type encoder interface {
	encode(w io.Writer, rec arrow.Record) error
	// close writes any trailer. It is only called when at least one batch
	// was encoded.
	close(w io.Writer) error
	resumable() bool
}

// Writer buffers encoded batches and flushes them through a FlushFunc.
type Writer struct {
	opts  Options
	flush FlushFunc
	enc   encoder
	file  *spool.File

	recordsTotal  int64
	bytesFlushed  int64
	flushes       int
	lastWatermark time.Time
}

// New returns a Writer for opts. Call Open before writing.
func New(opts Options, flush FlushFunc) (*Writer, error) {
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = DefaultMaxBytes
	}
	w := &Writer{opts: opts, flush: flush}
	switch opts.Format {
	case JSONL, "":
		w.opts.Format = JSONL
		w.enc = &jsonlEncoder{}
	case CSV:
		w.enc = &csvEncoder{header: opts.Header, null: opts.NullString}
	case Parquet:
		enc, err := newParquetEncoder(opts.Compression)
		if err != nil {
			return nil, err
		}
		w.enc = enc
		// parquet compresses column chunks itself
		w.opts.Compression = spool.None
	default:
		return nil, fmt.Errorf("unsupported format %q", opts.Format)
	}
	return w, nil
}

// Open creates the spool file and resets every counter.
func (w *Writer) Open() error {
	if w.file != nil {
		return fmt.Errorf("writer already open")
	}
	f, err := spool.New(w.opts.Dir, w.opts.Compression, w.opts.CompressionMode)
	if err != nil {
		return err
	}
	w.file = f
	w.recordsTotal = 0
	w.bytesFlushed = 0
	w.flushes = 0
	w.lastWatermark = time.Time{}
	return nil
}

// WriteRecordBatch encodes rec and flushes once the chunk reaches MaxBytes.
func (w *Writer) WriteRecordBatch(ctx context.Context, rec arrow.Record, watermark time.Time) error {
	if w.file == nil {
		return fmt.Errorf("writer not open")
	}
	if rec.NumRows() == 0 {
		return nil
	}
	if err := w.enc.encode(w.file, rec); err != nil {
		return fmt.Errorf("failed to encode %s batch: %w", w.opts.Format, err)
	}
	w.file.AddRecords(rec.NumRows())
	w.recordsTotal += rec.NumRows()
	if watermark.After(w.lastWatermark) {
		w.lastWatermark = watermark
	}

	if w.file.BytesSinceReset() >= w.opts.MaxBytes {
		return w.flushNow(ctx, false)
	}
	return nil
}

// Flush hands the current chunk to the FlushFunc. It does nothing when no
// record was written since the last flush.
func (w *Writer) Flush(ctx context.Context) error {
	if w.file == nil || !w.pending() {
		return nil
	}
	return w.flushNow(ctx, false)
}

func (w *Writer) pending() bool {
	return w.file.RecordsSinceReset() > 0 || w.file.BytesSinceReset() > 0
}

func (w *Writer) flushNow(ctx context.Context, last bool) error {
	if err := w.file.Finish(last); err != nil {
		return err
	}
	records, bytes := w.file.RecordsSinceReset(), w.file.BytesSinceReset()
	if err := w.flush(ctx, w.file, records, bytes, w.lastWatermark, last); err != nil {
		return err
	}
	w.bytesFlushed += bytes
	w.flushes++
	return w.file.Reset()
}

// Close finalizes the encoder, issues the last flush when anything is left
// and removes the spool file. The encoder trailer is written before the
// final chunk is measured.
func (w *Writer) Close(ctx context.Context) error {
	if w.file == nil {
		return nil
	}
	defer w.release()

	if w.recordsTotal > 0 {
		if err := w.enc.close(w.file); err != nil {
			return fmt.Errorf("failed to close %s encoder: %w", w.opts.Format, err)
		}
	}
	if !w.pending() {
		return nil
	}
	return w.flushNow(ctx, true)
}

// Abort discards anything not flushed yet.
func (w *Writer) Abort() error {
	if w.file == nil {
		return nil
	}
	return w.release()
}

func (w *Writer) release() error {
	err := w.file.Close()
	w.file = nil
	return err
}

// RecordsTotal is the number of records written since Open.
func (w *Writer) RecordsTotal() int64 { return w.recordsTotal }

// BytesTotal is the number of bytes flushed since Open.
func (w *Writer) BytesTotal() int64 { return w.bytesFlushed }

// Flushes is the number of chunks flushed since Open.
func (w *Writer) Flushes() int { return w.flushes }

// LastWatermark is the largest watermark written since Open.
func (w *Writer) LastWatermark() time.Time { return w.lastWatermark }

// Resumable reports whether a restarted attempt may keep previously flushed
// chunks and append new ones.
func (w *Writer) Resumable() bool {
	if !w.enc.resumable() {
		return false
	}
	if w.file != nil {
		return w.file.Resumable()
	}
	return w.opts.Resumable()
}

// Resumable reports whether a writer built from o may append to chunks
// flushed by an earlier attempt.
func (o Options) Resumable() bool {
	if o.Format == Parquet {
		return false
	}
	return o.Compression == spool.None || o.CompressionMode != spool.Stream
}

func (w *Writer) Format() Format { return w.opts.Format }
