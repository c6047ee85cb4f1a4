// Copyright (c) 2024 Netskope, Inc. All rights reserved.

// Package batch holds helpers over Arrow record batches: size estimation,
// slicing, control column removal and row-wise value access for encoders.
package batch

import (
	"fmt"
	"slices"
	"time"

	"github.com/apache/arrow/go/v11/arrow"
	"github.com/apache/arrow/go/v11/arrow/array"
)

// EstimateSize returns the number of bytes rec's visible rows occupy. Sliced
// records are measured over their own window, not the parent buffers.
func EstimateSize(rec arrow.Record) int64 {
	var total int64
	for _, col := range rec.Columns() {
		total += arraySize(col)
	}
	return total
}

func arraySize(arr arrow.Array) int64 {
	n := int64(arr.Len())
	if n == 0 {
		return 0
	}
	// validity bitmap
	size := (n + 7) / 8
	switch a := arr.(type) {
	case *array.String:
		offs := a.ValueOffsets()
		size += int64(offs[len(offs)-1]-offs[0]) + 4*(n+1)
	case *array.Binary:
		offs := a.ValueOffsets()
		size += int64(offs[len(offs)-1]-offs[0]) + 4*(n+1)
	default:
		if fw, ok := arr.DataType().(arrow.FixedWidthDataType); ok {
			size += n * int64(fw.BitWidth()) / 8
		} else {
			for _, buf := range arr.Data().Buffers() {
				if buf != nil {
					size += int64(buf.Len())
				}
			}
		}
	}
	return size
}

// Slice splits rec into sub-batches of at most maxBytes each, never producing
// a sub-batch smaller than minRows unless rec itself is smaller. Slice takes
// ownership of rec; the caller owns every returned record.
func Slice(rec arrow.Record, maxBytes, minRows int64) []arrow.Record {
	rows := rec.NumRows()
	size := EstimateSize(rec)
	if maxBytes <= 0 || size <= maxBytes || rows <= minRows || rows <= 1 {
		return []arrow.Record{rec}
	}
	defer rec.Release()

	step := rows * maxBytes / size
	if step < minRows {
		step = minRows
	}
	if step < 1 {
		step = 1
	}

	out := make([]arrow.Record, 0, (rows+step-1)/step)
	for i := int64(0); i < rows; i += step {
		j := i + step
		if j > rows {
			j = rows
		}
		out = append(out, rec.NewSlice(i, j))
	}
	return out
}

// DropColumns returns rec without the named columns. It takes ownership of
// rec and returns rec itself when nothing is dropped.
func DropColumns(rec arrow.Record, names []string) arrow.Record {
	schema := rec.Schema()
	fields := make([]arrow.Field, 0, len(schema.Fields()))
	cols := make([]arrow.Array, 0, len(schema.Fields()))
	for i, f := range schema.Fields() {
		if slices.Contains(names, f.Name) {
			continue
		}
		fields = append(fields, f)
		cols = append(cols, rec.Column(i))
	}
	if len(fields) == len(schema.Fields()) {
		return rec
	}

	md := schema.Metadata()
	out := array.NewRecord(arrow.NewSchema(fields, &md), cols, rec.NumRows())
	rec.Release()
	return out
}

// MaxTimestamp returns the largest non-null value of the named timestamp
// column. ok is false when the column is missing or entirely null.
func MaxTimestamp(rec arrow.Record, column string) (latest time.Time, ok bool) {
	idx := rec.Schema().FieldIndices(column)
	if len(idx) == 0 {
		return time.Time{}, false
	}
	arr, isTS := rec.Column(idx[0]).(*array.Timestamp)
	if !isTS {
		return time.Time{}, false
	}
	unit := arr.DataType().(*arrow.TimestampType).Unit
	for i := 0; i < arr.Len(); i++ {
		if arr.IsNull(i) {
			continue
		}
		t := timestampToTime(arr.Value(i), unit)
		if !ok || t.After(latest) {
			latest, ok = t, true
		}
	}
	return latest, ok
}

func timestampToTime(v arrow.Timestamp, unit arrow.TimeUnit) time.Time {
	switch unit {
	case arrow.Second:
		return time.Unix(int64(v), 0).UTC()
	case arrow.Millisecond:
		return time.UnixMilli(int64(v)).UTC()
	case arrow.Microsecond:
		return time.UnixMicro(int64(v)).UTC()
	default:
		return time.Unix(0, int64(v)).UTC()
	}
}

// ValueAt returns the Go value of row i of arr. Nulls are returned as nil,
// timestamps as UTC time.Time.
func ValueAt(arr arrow.Array, i int) (any, error) {
	if arr.IsNull(i) {
		return nil, nil
	}
	switch a := arr.(type) {
	case *array.String:
		return a.Value(i), nil
	case *array.Binary:
		return a.Value(i), nil
	case *array.Int64:
		return a.Value(i), nil
	case *array.Int32:
		return a.Value(i), nil
	case *array.Int16:
		return a.Value(i), nil
	case *array.Int8:
		return a.Value(i), nil
	case *array.Uint64:
		return a.Value(i), nil
	case *array.Uint32:
		return a.Value(i), nil
	case *array.Float64:
		return a.Value(i), nil
	case *array.Float32:
		return a.Value(i), nil
	case *array.Boolean:
		return a.Value(i), nil
	case *array.Timestamp:
		return timestampToTime(a.Value(i), a.DataType().(*arrow.TimestampType).Unit), nil
	default:
		return nil, fmt.Errorf("unsupported arrow type %s", arr.DataType())
	}
}

// RowValues returns the values of row i across every column of rec.
func RowValues(rec arrow.Record, i int) ([]any, error) {
	values := make([]any, rec.NumCols())
	for c, col := range rec.Columns() {
		v, err := ValueAt(col, i)
		if err != nil {
			return nil, fmt.Errorf("column %s: %w", rec.ColumnName(c), err)
		}
		values[c] = v
	}
	return values, nil
}

// ColumnNames returns the field names of rec in order.
func ColumnNames(rec arrow.Record) []string {
	names := make([]string, rec.NumCols())
	for i := range names {
		names[i] = rec.ColumnName(i)
	}
	return names
}
