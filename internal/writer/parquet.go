// Copyright (c) 2024 Netskope, Inc. All rights reserved.

package writer

import (
	"fmt"
	"io"

	"github.com/apache/arrow/go/v11/arrow"
	"github.com/apache/arrow/go/v11/parquet"
	"github.com/apache/arrow/go/v11/parquet/compress"
	"github.com/apache/arrow/go/v11/parquet/pqarrow"
	"github.com/netSkope/batch-export/internal/spool"
)

// parquetEncoder streams row groups into the spool file. The footer is only
// written by close, so flushed chunks are byte ranges of one parquet file and
// cannot be resumed by a new encoder.
type parquetEncoder struct {
	codec compress.Compression
	fw    *pqarrow.FileWriter
}

// writeOnly hides io.Closer from pqarrow, which closes its sink on Close.
type writeOnly struct{ w io.Writer }

func (o writeOnly) Write(p []byte) (int, error) { return o.w.Write(p) }

func newParquetEncoder(c spool.Compression) (*parquetEncoder, error) {
	switch c {
	case spool.None:
		return &parquetEncoder{codec: compress.Codecs.Snappy}, nil
	case spool.Gzip:
		return &parquetEncoder{codec: compress.Codecs.Gzip}, nil
	case spool.Zstd:
		return &parquetEncoder{codec: compress.Codecs.Zstd}, nil
	}
	return nil, fmt.Errorf("unsupported parquet compression %q", c)
}

func (e *parquetEncoder) encode(w io.Writer, rec arrow.Record) error {
	if e.fw == nil {
		props := parquet.NewWriterProperties(parquet.WithCompression(e.codec))
		fw, err := pqarrow.NewFileWriter(rec.Schema(), writeOnly{w}, props, pqarrow.DefaultWriterProps())
		if err != nil {
			return err
		}
		e.fw = fw
	}
	return e.fw.Write(rec)
}

func (e *parquetEncoder) close(io.Writer) error {
	if e.fw == nil {
		return nil
	}
	err := e.fw.Close()
	e.fw = nil
	return err
}

func (e *parquetEncoder) resumable() bool { return false }
