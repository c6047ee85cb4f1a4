// Copyright (c) 2024 Netskope, Inc. All rights reserved.

// Package spool implements the disk-backed buffer writers fill between two
// flushes.
package spool

import (
	"fmt"
	"io"
	"os"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// Compression is the codec applied to spooled bytes.
type Compression string

const (
	None Compression = ""
	Gzip Compression = "gzip"
	Zstd Compression = "zstd"
)

// ParseCompression validates a configured codec name.
func ParseCompression(s string) (Compression, error) {
	switch Compression(s) {
	case None, "none":
		return None, nil
	case Gzip, Zstd:
		return Compression(s), nil
	}
	return None, fmt.Errorf("unsupported compression %q", s)
}

// Mode decides how compressor state relates to flushed chunks.
type Mode string

const (
	// PerPart finalizes the compressor at every chunk so each chunk is a
	// complete gzip member or zstd frame. Concatenated chunks decode as one
	// stream and an upload can resume after any chunk.
	PerPart Mode = "per_part"
	// Stream keeps a single compressor across chunks. Chunks are not
	// independently decodable, so a restarted upload cannot resume.
	Stream Mode = "stream"
)

type compressor interface {
	io.WriteCloser
	Flush() error
	Reset(w io.Writer)
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

// File is an append-only temporary file. Byte counters measure bytes on disk,
// after compression.
type File struct {
	f           *os.File
	out         *countingWriter
	comp        compressor
	compression Compression
	mode        Mode
	finished    bool

	bytesTotal        int64
	recordsTotal      int64
	recordsSinceReset int64
}

// New creates a spool file in dir (os.TempDir when empty).
func New(dir string, compression Compression, mode Mode) (*File, error) {
	f, err := os.CreateTemp(dir, "batch-export-*.spool")
	if err != nil {
		return nil, fmt.Errorf("failed to create spool file: %w", err)
	}
	if mode == "" {
		mode = PerPart
	}

	sf := &File{f: f, out: &countingWriter{w: f}, compression: compression, mode: mode}
	switch compression {
	case None:
	case Gzip:
		sf.comp = gzip.NewWriter(sf.out)
	case Zstd:
		enc, err := zstd.NewWriter(sf.out)
		if err != nil {
			sf.Close()
			return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
		}
		sf.comp = enc
	default:
		sf.Close()
		return nil, fmt.Errorf("unsupported compression %q", compression)
	}
	return sf, nil
}

// Write appends p. It implements io.Writer.
func (s *File) Write(p []byte) (int, error) {
	if _, err := s.Append(p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Append appends p and returns how many bytes reached the file, which may be
// zero while the compressor buffers.
func (s *File) Append(p []byte) (int64, error) {
	if s.finished {
		return 0, fmt.Errorf("spool file written after finish")
	}
	before := s.out.n
	var err error
	if s.comp != nil {
		_, err = s.comp.Write(p)
	} else {
		_, err = s.out.Write(p)
	}
	written := s.out.n - before
	s.bytesTotal += written
	return written, err
}

// AddRecords accounts n records written since the last Append calls.
func (s *File) AddRecords(n int64) {
	s.recordsTotal += n
	s.recordsSinceReset += n
}

// Finish pushes compressor output to disk before the chunk is read. In
// PerPart mode, or when last is true, the compressed stream is terminated.
// Finish is idempotent until the next Reset.
func (s *File) Finish(last bool) error {
	if s.finished {
		return nil
	}
	if s.comp != nil {
		before := s.out.n
		var err error
		if s.mode == PerPart || last {
			err = s.comp.Close()
		} else {
			err = s.comp.Flush()
		}
		s.bytesTotal += s.out.n - before
		if err != nil {
			return fmt.Errorf("failed to finish %s stream: %w", s.compression, err)
		}
	}
	s.finished = true
	return nil
}

// Reader returns the current chunk from its start. Call Finish first.
func (s *File) Reader() (*io.SectionReader, error) {
	if !s.finished {
		return nil, fmt.Errorf("spool file read before finish")
	}
	return io.NewSectionReader(s.f, 0, s.BytesSinceReset()), nil
}

// Reset truncates the file for the next chunk. Cumulative totals are kept.
func (s *File) Reset() error {
	if err := s.f.Truncate(0); err != nil {
		return fmt.Errorf("failed to truncate spool file: %w", err)
	}
	if _, err := s.f.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("failed to rewind spool file: %w", err)
	}
	s.out.n = 0
	if s.comp != nil && s.mode == PerPart {
		s.comp.Reset(s.out)
	}
	s.recordsSinceReset = 0
	s.finished = false
	return nil
}

// BytesSinceReset is the size of the current chunk.
func (s *File) BytesSinceReset() int64 { return s.out.n }

// RecordsSinceReset is the number of records in the current chunk.
func (s *File) RecordsSinceReset() int64 { return s.recordsSinceReset }

// BytesTotal is the number of bytes written since creation.
func (s *File) BytesTotal() int64 { return s.bytesTotal }

// RecordsTotal is the number of records written since creation.
func (s *File) RecordsTotal() int64 { return s.recordsTotal }

func (s *File) Compression() Compression { return s.compression }

// Resumable reports whether chunks decode independently of one another.
func (s *File) Resumable() bool {
	return s.comp == nil || s.mode == PerPart
}

// Name returns the path of the underlying file.
func (s *File) Name() string { return s.f.Name() }

// Close releases the compressor and removes the file.
func (s *File) Close() error {
	if s.f == nil {
		return nil
	}
	if s.comp != nil {
		// output is discarded with the file
		_ = s.comp.Close()
	}
	name := s.f.Name()
	err := s.f.Close()
	s.f = nil
	if rmErr := os.Remove(name); rmErr != nil && err == nil {
		err = rmErr
	}
	return err
}

// NewReader decodes a stream of concatenated chunks written with c.
func NewReader(r io.Reader, c Compression) (io.ReadCloser, error) {
	switch c {
	case None:
		return io.NopCloser(r), nil
	case Gzip:
		zr, err := gzip.NewReader(r)
		if err != nil {
			return nil, err
		}
		return zr, nil
	case Zstd:
		dec, err := zstd.NewReader(r)
		if err != nil {
			return nil, err
		}
		return dec.IOReadCloser(), nil
	}
	return nil, fmt.Errorf("unsupported compression %q", c)
}
