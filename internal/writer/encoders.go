// Copyright (c) 2024 Netskope, Inc. All rights reserved.

package writer

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/apache/arrow/go/v11/arrow"
	"github.com/netSkope/batch-export/internal/batch"
)

// CSVTimeLayout is the timestamp layout of CSV output.
const CSVTimeLayout = "2006-01-02 15:04:05.000000"

// jsonColumns are string columns holding JSON documents; they are embedded
// as objects instead of quoted strings.
var jsonColumns = map[string]bool{"properties": true}

type jsonlEncoder struct {
	buf bytes.Buffer
}

func (e *jsonlEncoder) encode(w io.Writer, rec arrow.Record) error {
	names := batch.ColumnNames(rec)
	e.buf.Reset()
	enc := json.NewEncoder(&e.buf)
	enc.SetEscapeHTML(false)

	for i := 0; i < int(rec.NumRows()); i++ {
		values, err := batch.RowValues(rec, i)
		if err != nil {
			return err
		}
		row := make(map[string]any, len(values))
		for c, v := range values {
			if s, ok := v.(string); ok && jsonColumns[names[c]] && json.Valid([]byte(s)) {
				v = json.RawMessage(s)
			}
			row[names[c]] = v
		}
		if err := enc.Encode(row); err != nil {
			return err
		}
	}
	_, err := w.Write(e.buf.Bytes())
	return err
}

func (e *jsonlEncoder) close(io.Writer) error { return nil }

func (e *jsonlEncoder) resumable() bool { return true }

type csvEncoder struct {
	header  bool
	null    string
	started bool
}

func (e *csvEncoder) encode(w io.Writer, rec arrow.Record) error {
	cw := csv.NewWriter(w)
	if e.header && !e.started {
		if err := cw.Write(batch.ColumnNames(rec)); err != nil {
			return err
		}
	}
	e.started = true

	fields := make([]string, rec.NumCols())
	for i := 0; i < int(rec.NumRows()); i++ {
		values, err := batch.RowValues(rec, i)
		if err != nil {
			return err
		}
		for c, v := range values {
			if v == nil {
				fields[c] = e.null
				continue
			}
			fields[c] = formatCSV(v)
		}
		if err := cw.Write(fields); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func (e *csvEncoder) close(io.Writer) error { return nil }

func (e *csvEncoder) resumable() bool { return true }

func formatCSV(v any) string {
	switch v := v.(type) {
	case nil:
		return ""
	case string:
		return v
	case []byte:
		return string(v)
	case time.Time:
		return v.UTC().Format(CSVTimeLayout)
	case int64:
		return strconv.FormatInt(v, 10)
	case float64:
		return strconv.FormatFloat(v, 'g', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	default:
		return fmt.Sprint(v)
	}
}
