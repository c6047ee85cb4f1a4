// Copyright (c) 2024 Netskope, Inc. All rights reserved.

package batch

import (
	"fmt"
	"slices"
	"time"

	"github.com/apache/arrow/go/v11/arrow"
	"github.com/apache/arrow/go/v11/arrow/array"
	"github.com/apache/arrow/go/v11/arrow/memory"
	"github.com/netSkope/batch-export/internal/export"
)

var timestampUTC = &arrow.TimestampType{Unit: arrow.Microsecond, TimeZone: "UTC"}

// EventsSchema is the record layout produced for the events model.
var EventsSchema = arrow.NewSchema([]arrow.Field{
	{Name: "uuid", Type: arrow.BinaryTypes.String},
	{Name: "event", Type: arrow.BinaryTypes.String},
	{Name: "properties", Type: arrow.BinaryTypes.String, Nullable: true},
	{Name: "distinct_id", Type: arrow.BinaryTypes.String},
	{Name: "team_id", Type: arrow.PrimitiveTypes.Int64},
	{Name: "timestamp", Type: timestampUTC},
	{Name: export.InsertedAtColumn, Type: timestampUTC},
}, nil)

// PersonsSchema is the record layout produced for the persons model.
var PersonsSchema = arrow.NewSchema([]arrow.Field{
	{Name: "team_id", Type: arrow.PrimitiveTypes.Int64},
	{Name: "distinct_id", Type: arrow.BinaryTypes.String},
	{Name: "person_id", Type: arrow.BinaryTypes.String},
	{Name: "properties", Type: arrow.BinaryTypes.String, Nullable: true},
	{Name: export.InsertedAtColumn, Type: timestampUTC},
}, nil)

// SchemaFor returns the schema of a model.
func SchemaFor(model export.Model) (*arrow.Schema, error) {
	switch model {
	case export.ModelEvents, "":
		return EventsSchema, nil
	case export.ModelPersons:
		return PersonsSchema, nil
	default:
		return nil, fmt.Errorf("unknown model %q", model)
	}
}

// Project narrows schema to the named fields, always keeping the watermark
// column. An empty field list returns schema unchanged.
func Project(schema *arrow.Schema, fields []string) (*arrow.Schema, error) {
	if len(fields) == 0 {
		return schema, nil
	}
	out := make([]arrow.Field, 0, len(fields)+1)
	seen := map[string]bool{}
	for _, name := range append(slices.Clone(fields), export.InsertedAtColumn) {
		if seen[name] {
			continue
		}
		idx := schema.FieldIndices(name)
		if len(idx) == 0 {
			return nil, fmt.Errorf("unknown field %q", name)
		}
		seen[name] = true
		out = append(out, schema.Field(idx[0]))
	}
	return arrow.NewSchema(out, nil), nil
}

// Builder accumulates rows of a fixed schema into a record.
type Builder struct {
	b      *array.RecordBuilder
	schema *arrow.Schema
}

// NewBuilder returns a Builder for schema. A nil allocator uses the Go heap.
func NewBuilder(mem memory.Allocator, schema *arrow.Schema) *Builder {
	if mem == nil {
		mem = memory.NewGoAllocator()
	}
	return &Builder{b: array.NewRecordBuilder(mem, schema), schema: schema}
}

// Append adds one row. values must line up with the schema fields; nil
// appends a null.
func (b *Builder) Append(values ...any) error {
	if len(values) != len(b.schema.Fields()) {
		return fmt.Errorf("got %d values for %d fields", len(values), len(b.schema.Fields()))
	}
	for i, v := range values {
		if err := appendValue(b.b.Field(i), v); err != nil {
			return fmt.Errorf("field %s: %w", b.schema.Field(i).Name, err)
		}
	}
	return nil
}

// NewRecord returns the accumulated rows and resets the builder.
func (b *Builder) NewRecord() arrow.Record {
	return b.b.NewRecord()
}

func (b *Builder) Release() {
	b.b.Release()
}

func appendValue(fb array.Builder, v any) error {
	if v == nil {
		fb.AppendNull()
		return nil
	}
	switch fb := fb.(type) {
	case *array.StringBuilder:
		switch s := v.(type) {
		case string:
			fb.Append(s)
		case []byte:
			fb.Append(string(s))
		default:
			return fmt.Errorf("cannot append %T to string", v)
		}
	case *array.Int64Builder:
		switch n := v.(type) {
		case int64:
			fb.Append(n)
		case int:
			fb.Append(int64(n))
		default:
			return fmt.Errorf("cannot append %T to int64", v)
		}
	case *array.TimestampBuilder:
		t, ok := v.(time.Time)
		if !ok {
			return fmt.Errorf("cannot append %T to timestamp", v)
		}
		fb.Append(arrow.Timestamp(t.UnixMicro()))
	default:
		return fmt.Errorf("unsupported builder %T", fb)
	}
	return nil
}
