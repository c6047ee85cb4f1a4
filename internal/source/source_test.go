// Copyright (c) 2024 Netskope, Inc. All rights reserved.

package source

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/apache/arrow/go/v11/arrow"
	"github.com/apache/arrow/go/v11/arrow/array"
	"github.com/apache/arrow/go/v11/arrow/memory"
	"github.com/netSkope/batch-export/internal/batch"
	"github.com/netSkope/batch-export/internal/export"
	"github.com/netSkope/batch-export/internal/s3"
	"github.com/netSkope/batch-export/internal/s3/s3test"
	"github.com/netSkope/batch-export/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

var tenAM = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

// pagedSource emits n rows in pages of size rows each.
type pagedSource struct {
	n, size int
}

func (p pagedSource) Query(_ context.Context, _ export.Query, fn func(arrow.Record) error) error {
	for from := 0; from < p.n; from += p.size {
		b := batch.NewBuilder(nil, batch.EventsSchema)
		for i := from; i < min(from+p.size, p.n); i++ {
			if err := b.Append(fmt.Sprintf("uuid-%05d", i), "$pageview", nil, "user", int64(1),
				tenAM, tenAM.Add(time.Duration(i)*time.Millisecond)); err != nil {
				b.Release()
				return err
			}
		}
		rec := b.NewRecord()
		b.Release()
		if err := fn(rec); err != nil {
			return err
		}
	}
	return nil
}

func collect(t *testing.T, src export.Source, q export.Query) []string {
	t.Helper()
	var uuids []string
	err := src.Query(context.Background(), q, func(rec arrow.Record) error {
		defer rec.Release()
		col := rec.Column(0).(*array.String)
		for i := 0; i < col.Len(); i++ {
			uuids = append(uuids, col.Value(i))
		}
		return nil
	})
	require.NoError(t, err)
	return uuids
}

func TestStagingRoundTrip(t *testing.T) {
	ctx := context.Background()
	logger := zaptest.NewLogger(t)
	bucket := s3test.NewBucket()
	store := s3.NewObjectStore(bucket, "staging", logger)
	prefix := StagingPrefix("e1", tenAM, tenAM.Add(time.Hour))
	assert.Equal(t, "e1/2024-03-01T10:00:00Z-2024-03-01T11:00:00Z/", prefix)

	// leftovers of an earlier attempt must not be read back
	require.NoError(t, store.Put(ctx, prefix+"part-00009.arrow", strings.NewReader("stale")))

	stager := NewStager(store, 1, logger)
	rows, err := stager.Stage(ctx, pagedSource{n: 25, size: 10}, export.Query{}, prefix)
	require.NoError(t, err)
	assert.Equal(t, int64(25), rows)

	keys, err := store.List(ctx, prefix)
	require.NoError(t, err)
	assert.Equal(t, []string{prefix + "part-00001.arrow", prefix + "part-00002.arrow", prefix + "part-00003.arrow"}, keys)

	uuids := collect(t, NewStagedSource(store, prefix, memory.NewGoAllocator()), export.Query{})
	require.Len(t, uuids, 25)
	assert.Equal(t, "uuid-00000", uuids[0])
	assert.Equal(t, "uuid-00024", uuids[24])
}

func TestStagingEmptyResult(t *testing.T) {
	ctx := context.Background()
	logger := zaptest.NewLogger(t)
	store := s3.NewObjectStore(s3test.NewBucket(), "staging", logger)
	prefix := StagingPrefix("e1", tenAM, tenAM.Add(time.Hour))

	rows, err := NewStager(store, 0, logger).Stage(ctx, pagedSource{}, export.Query{}, prefix)
	require.NoError(t, err)
	assert.Zero(t, rows)
	assert.Empty(t, collect(t, NewStagedSource(store, prefix, nil), export.Query{}))
}

const eventsDDL = "CREATE TABLE events (" +
	"uuid VARCHAR(36) NOT NULL, event VARCHAR(200) NOT NULL, properties TEXT NULL, " +
	"distinct_id VARCHAR(200) NOT NULL, team_id BIGINT NOT NULL, `timestamp` DATETIME(6) NOT NULL, " +
	"_inserted_at DATETIME(6) NOT NULL, PRIMARY KEY (team_id, _inserted_at, uuid))"

func seedEvents(t *testing.T, db *sql.DB) {
	t.Helper()
	_, err := db.Exec(eventsDDL)
	require.NoError(t, err)
	insert := "INSERT INTO events (uuid, event, properties, distinct_id, team_id, `timestamp`, _inserted_at) VALUES (?, ?, ?, ?, ?, ?, ?)"
	for i := 0; i < 7; i++ {
		event := "$pageview"
		if i%3 == 0 {
			event = "$autocapture"
		}
		// pairs of rows share an insertion time so the uuid tie-break is exercised
		insertedAt := tenAM.Add(time.Duration(i/2) * time.Minute)
		var props any = `{"i":` + fmt.Sprint(i) + `}`
		if i == 4 {
			props = nil
		}
		_, err := db.Exec(insert, fmt.Sprintf("uuid-%d", i), event, props, "user", 1, tenAM, insertedAt)
		require.NoError(t, err)
	}
	// other team and out-of-range rows
	_, err = db.Exec(insert, "other-team", "$pageview", nil, "user", 2, tenAM, tenAM)
	require.NoError(t, err)
	_, err = db.Exec(insert, "too-late", "$pageview", nil, "user", 1, tenAM, tenAM.Add(time.Hour))
	require.NoError(t, err)
}

func TestDBSourcePagesThroughInterval(t *testing.T) {
	db, _ := testutil.MariaDB(t, "analytics")
	seedEvents(t, db)

	mem := memory.NewCheckedAllocator(memory.NewGoAllocator())
	defer mem.AssertSize(t, 0)
	src := NewDBSource(db, Config{PageSize: 2}, mem, zaptest.NewLogger(t))

	q := export.Query{TeamID: 1, Model: export.ModelEvents, Start: tenAM, End: tenAM.Add(time.Hour)}
	var (
		uuids   []string
		pages   int
		nulls   int
		lastWM  time.Time
		ordered = true
	)
	err := src.Query(context.Background(), q, func(rec arrow.Record) error {
		defer rec.Release()
		pages++
		assert.LessOrEqual(t, rec.NumRows(), int64(2))
		wm, ok := batch.MaxTimestamp(rec, export.InsertedAtColumn)
		require.True(t, ok)
		if wm.Before(lastWM) {
			ordered = false
		}
		lastWM = wm
		nulls += rec.Column(2).NullN()
		col := rec.Column(0).(*array.String)
		for i := 0; i < col.Len(); i++ {
			uuids = append(uuids, col.Value(i))
		}
		return nil
	})
	require.NoError(t, err)
	assert.True(t, ordered)
	assert.Equal(t, 4, pages)
	assert.Equal(t, 1, nulls)
	assert.Equal(t, []string{"uuid-0", "uuid-1", "uuid-2", "uuid-3", "uuid-4", "uuid-5", "uuid-6"}, uuids)

	q.IncludeEvents = []string{"$pageview"}
	q.Fields = []string{"uuid", "event"}
	uuids = nil
	err = src.Query(context.Background(), q, func(rec arrow.Record) error {
		defer rec.Release()
		assert.Equal(t, []string{"uuid", "event", export.InsertedAtColumn}, batch.ColumnNames(rec))
		col := rec.Column(0).(*array.String)
		for i := 0; i < col.Len(); i++ {
			uuids = append(uuids, col.Value(i))
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"uuid-1", "uuid-2", "uuid-4", "uuid-5"}, uuids)

	q.IncludeEvents = nil
	q.ExcludeEvents = []string{"$pageview"}
	q.Fields = nil
	assert.Len(t, collect(t, src, q), 3)
}

func TestDBSourceRejectsUnknownField(t *testing.T) {
	src := NewDBSource(nil, Config{}, nil, zaptest.NewLogger(t))
	err := src.Query(context.Background(), export.Query{Fields: []string{"nope"}}, func(arrow.Record) error { return nil })
	assert.True(t, export.IsNonRetryable(err, nil))
}
