// Copyright (c) 2024 Netskope, Inc. All rights reserved.

package destination

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/apache/arrow/go/v11/arrow"
	"github.com/netSkope/batch-export/internal/batch"
	"github.com/netSkope/batch-export/internal/export"
	"github.com/netSkope/batch-export/internal/runtime"
	"github.com/netSkope/batch-export/internal/s3"
	"github.com/netSkope/batch-export/internal/s3/s3test"
	"github.com/netSkope/batch-export/internal/spool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

var base = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

// eventsSource serves n events inserted one second apart, pageSize per
// record, honouring the query interval.
type eventsSource struct {
	n        int
	pageSize int

	mu     sync.Mutex
	starts []time.Time
}

func (s *eventsSource) Query(_ context.Context, q export.Query, fn func(arrow.Record) error) error {
	s.mu.Lock()
	s.starts = append(s.starts, q.Start)
	s.mu.Unlock()

	schema, err := batch.Project(batch.EventsSchema, q.Fields)
	if err != nil {
		return err
	}
	var rows [][]any
	for i := 0; i < s.n; i++ {
		insertedAt := base.Add(time.Duration(i) * time.Second)
		if insertedAt.Before(q.Start) || !insertedAt.Before(q.End) {
			continue
		}
		all := map[string]any{
			"uuid":                  fmt.Sprintf("uuid-%03d", i),
			"event":                 "$pageview",
			"properties":            fmt.Sprintf(`{"i":%d}`, i),
			"distinct_id":           "user",
			"team_id":               int64(1),
			"timestamp":             insertedAt,
			export.InsertedAtColumn: insertedAt,
		}
		row := make([]any, 0, len(schema.Fields()))
		for _, f := range schema.Fields() {
			row = append(row, all[f.Name])
		}
		rows = append(rows, row)
	}
	for from := 0; from < len(rows); from += s.pageSize {
		b := batch.NewBuilder(nil, schema)
		for _, row := range rows[from:min(from+s.pageSize, len(rows))] {
			if err := b.Append(row...); err != nil {
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

func inputs(n int) export.Inputs {
	return export.Inputs{
		ExportID:          "e1",
		RunID:             "r1",
		TeamID:            1,
		Model:             export.ModelEvents,
		DataIntervalStart: base,
		DataIntervalEnd:   base.Add(time.Duration(n) * time.Second),
	}
}

func testDeps(t *testing.T, src export.Source, bucket *s3test.Bucket) Deps {
	return Deps{
		Source: src,
		Writer: WriterConfig{Dir: t.TempDir(), MaxBytes: 200},
		Logger: zaptest.NewLogger(t),
		S3Client: func(context.Context, s3.ClientConfig) (s3.API, error) {
			return bucket, nil
		},
	}
}

func s3Config(extra map[string]any) export.DestinationConfig {
	cfg := map[string]any{"bucket": "exports", "prefix": "team-{team_id}/{year}/{month}/{day}"}
	for k, v := range extra {
		cfg[k] = v
	}
	return export.DestinationConfig{Type: TypeS3, Config: cfg}
}

// uuids decodes the JSON lines of data.
func uuids(t *testing.T, r io.Reader) []string {
	t.Helper()
	var out []string
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		var row struct {
			UUID       string         `json:"uuid"`
			Properties map[string]any `json:"properties"`
		}
		require.NoError(t, json.Unmarshal(sc.Bytes(), &row))
		require.NotNil(t, row.Properties)
		out = append(out, row.UUID)
	}
	require.NoError(t, sc.Err())
	return out
}

var fastRetry = runtime.RetryPolicy{InitialInterval: time.Millisecond, MaxInterval: 5 * time.Millisecond, MaximumAttempts: 3}

func TestNewRejectsInvalidConfig(t *testing.T) {
	ctx := context.Background()
	deps := testDeps(t, &eventsSource{}, s3test.NewBucket())

	_, err := New(ctx, export.DestinationConfig{Type: "ftp"}, deps)
	assert.True(t, export.IsNonRetryable(err, nil))
	assert.Equal(t, "InvalidDestination", export.ErrorKind(err))

	_, err = New(ctx, s3Config(map[string]any{"bucket_name": "typo"}), deps)
	assert.True(t, export.IsNonRetryable(err, nil))
	assert.Equal(t, "InvalidConfig", export.ErrorKind(err))

	_, err = New(ctx, s3Config(map[string]any{"compression": "lz4"}), deps)
	assert.Equal(t, "InvalidConfig", export.ErrorKind(err))

	_, err = New(ctx, export.DestinationConfig{Type: TypePostgres, Config: map[string]any{"host": "db"}}, deps)
	assert.Equal(t, "InvalidConfig", export.ErrorKind(err))

	for _, typ := range []string{TypeS3, TypeHTTP, TypeMongoDB, TypeMySQL, TypeSQLServer, TypePostgres} {
		_, err := New(ctx, export.DestinationConfig{Type: typ}, deps)
		assert.True(t, export.IsNonRetryable(err, nil), typ)
	}
}

func TestObjectKey(t *testing.T) {
	cfg := S3Config{Prefix: "team-{team_id}/{table}/{year}-{month}-{day}T{hour}"}
	in := inputs(3600)
	assert.Equal(t, "team-1/events/2024-03-01T10/2024-03-01T10:00:00Z-2024-03-01T11:00:00Z.jsonl.gz",
		cfg.ObjectKey(in, "jsonl", spool.Gzip))
	assert.Equal(t, "2024-03-01T10:00:00Z-2024-03-01T11:00:00Z.parquet",
		S3Config{}.ObjectKey(in, "parquet", spool.None))
}

func TestS3EmptyIntervalUploadsNothing(t *testing.T) {
	bucket := s3test.NewBucket()
	dest, err := New(context.Background(), s3Config(nil), testDeps(t, &eventsSource{}, bucket))
	require.NoError(t, err)

	n, err := dest.Insert(context.Background(), inputs(60))
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Zero(t, bucket.Created)
	assert.Empty(t, bucket.Keys())
}

func TestS3ExportsAllRecords(t *testing.T) {
	bucket := s3test.NewBucket()
	src := &eventsSource{n: 25, pageSize: 5}
	dest, err := New(context.Background(), s3Config(nil), testDeps(t, src, bucket))
	require.NoError(t, err)

	n, err := dest.Insert(context.Background(), inputs(25))
	require.NoError(t, err)
	assert.Equal(t, int64(25), n)
	assert.Equal(t, 1, bucket.Completed)
	assert.Equal(t, 5, bucket.PartsSent)
	assert.Zero(t, bucket.OpenUploads())

	key := "team-1/2024/03/01/2024-03-01T10:00:00Z-2024-03-01T10:00:25Z.jsonl"
	data, ok := bucket.Object(key)
	require.True(t, ok, bucket.Keys())
	got := uuids(t, bytes.NewReader(data))
	require.Len(t, got, 25)
	assert.Equal(t, "uuid-000", got[0])
	assert.Equal(t, "uuid-024", got[24])
	assert.NotContains(t, string(data), export.InsertedAtColumn)
}

func TestS3CompressedPartsDecodeAsOneStream(t *testing.T) {
	bucket := s3test.NewBucket()
	src := &eventsSource{n: 40, pageSize: 10}
	dest, err := New(context.Background(), s3Config(map[string]any{"compression": "zstd"}), testDeps(t, src, bucket))
	require.NoError(t, err)

	n, err := dest.Insert(context.Background(), inputs(40))
	require.NoError(t, err)
	assert.Equal(t, int64(40), n)

	keys := bucket.Keys()
	require.Len(t, keys, 1)
	assert.True(t, strings.HasSuffix(keys[0], ".jsonl.zst"))
	data, _ := bucket.Object(keys[0])
	r, err := spool.NewReader(bytes.NewReader(data), spool.Zstd)
	require.NoError(t, err)
	defer r.Close()
	assert.Len(t, uuids(t, r), 40)
}

func TestS3ResumesUploadAfterFailedPart(t *testing.T) {
	ctx := context.Background()
	bucket := s3test.NewBucket()
	failed := false
	bucket.FailUploadPart = func(_ string, part int32) error {
		if part == 3 && !failed {
			failed = true
			return s3test.APIError("SlowDown")
		}
		return nil
	}
	src := &eventsSource{n: 25, pageSize: 5}
	dest, err := New(ctx, s3Config(nil), testDeps(t, src, bucket))
	require.NoError(t, err)

	rt := runtime.New(runtime.NewMemoryStore(), zaptest.NewLogger(t))
	var n int64
	attempts, err := rt.ExecuteActivity(ctx, "e1/run", runtime.ActivityOptions{RetryPolicy: fastRetry}, func(ctx context.Context) error {
		var err error
		n, err = dest.Insert(ctx, inputs(25))
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, 2, attempts)

	// the second attempt restarts at the watermark of the last uploaded row
	require.Len(t, src.starts, 2)
	assert.Equal(t, base.Add(9*time.Second), src.starts[1])

	assert.Equal(t, 1, bucket.Created)
	assert.Equal(t, 1, bucket.Completed)
	assert.Equal(t, 6, bucket.PartsSent)
	assert.Equal(t, int64(26), n)

	data, ok := bucket.Object("team-1/2024/03/01/2024-03-01T10:00:00Z-2024-03-01T10:00:25Z.jsonl")
	require.True(t, ok)
	got := uuids(t, bytes.NewReader(data))
	require.Len(t, got, 26)
	assert.Equal(t, "uuid-009", got[9])
	assert.Equal(t, "uuid-009", got[10])
	assert.Equal(t, "uuid-024", got[25])
}

func TestS3StreamCompressionRestartsFromIntervalStart(t *testing.T) {
	ctx := context.Background()
	bucket := s3test.NewBucket()
	store := runtime.NewMemoryStore()
	key := "team-1/2024/03/01/2024-03-01T10:00:00Z-2024-03-01T10:00:25Z.jsonl.gz"

	// an earlier attempt left a partial upload behind
	stale := s3.NewResumableUpload(bucket, "exports", key, s3.UploadOptions{}, zaptest.NewLogger(t))
	_, err := stale.Start(ctx)
	require.NoError(t, err)
	require.NoError(t, stale.UploadPart(ctx, strings.NewReader("partial"), 7))
	details, err := json.Marshal(s3Details{
		Progress: Progress{LastInsertedAt: base.Add(5 * time.Second), RecordsCompleted: 5},
		Upload:   stale.State(),
	})
	require.NoError(t, err)
	require.NoError(t, store.Save(ctx, "e1/run", details))

	src := &eventsSource{n: 25, pageSize: 5}
	dest, err := New(ctx, s3Config(map[string]any{"compression": "gzip", "compression_mode": "stream"}), testDeps(t, src, bucket))
	require.NoError(t, err)

	rt := runtime.New(store, zaptest.NewLogger(t))
	var n int64
	_, err = rt.ExecuteActivity(ctx, "e1/run", runtime.ActivityOptions{RetryPolicy: fastRetry}, func(ctx context.Context) error {
		var err error
		n, err = dest.Insert(ctx, inputs(25))
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, int64(25), n)
	assert.Equal(t, []time.Time{base}, src.starts)
	assert.Equal(t, 1, bucket.Aborted)
	assert.Zero(t, bucket.OpenUploads())

	data, ok := bucket.Object(key)
	require.True(t, ok)
	r, err := spool.NewReader(bytes.NewReader(data), spool.Gzip)
	require.NoError(t, err)
	defer r.Close()
	assert.Len(t, uuids(t, r), 25)
}

func TestS3PermissionErrorIsNonRetryable(t *testing.T) {
	bucket := s3test.NewBucket()
	bucket.FailCreate = s3test.APIError("AccessDenied")
	dest, err := New(context.Background(), s3Config(nil), testDeps(t, &eventsSource{n: 3, pageSize: 5}, bucket))
	require.NoError(t, err)

	_, err = dest.Insert(context.Background(), inputs(3))
	require.Error(t, err)
	assert.True(t, export.IsNonRetryable(err, dest.NonRetryableErrorKinds()))
	assert.Equal(t, "AccessDenied", export.ErrorKind(err))
}

func TestResumeQueryIgnoresOutOfRangeProgress(t *testing.T) {
	ctx := context.Background()
	store := runtime.NewMemoryStore()
	rt := runtime.New(store, zaptest.NewLogger(t))
	logger := zaptest.NewLogger(t)

	details, _ := json.Marshal(Progress{LastInsertedAt: base.Add(-time.Hour), RecordsCompleted: 3})
	require.NoError(t, store.Save(ctx, "k", details))
	_, err := rt.ExecuteActivity(ctx, "k", runtime.ActivityOptions{RetryPolicy: fastRetry}, func(ctx context.Context) error {
		q, p, err := resumeQuery(ctx, inputs(60), logger)
		require.NoError(t, err)
		assert.Equal(t, base, q.Start)
		assert.Zero(t, p.RecordsCompleted)
		return nil
	})
	require.NoError(t, err)

	details, _ = json.Marshal(Progress{LastInsertedAt: base.Add(time.Second), RecordsCompleted: 3})
	require.NoError(t, store.Save(ctx, "k", details))
	_, err = rt.ExecuteActivity(ctx, "k", runtime.ActivityOptions{RetryPolicy: fastRetry}, func(ctx context.Context) error {
		q, p, err := resumeQuery(ctx, inputs(60), logger)
		require.NoError(t, err)
		assert.Equal(t, base.Add(time.Second), q.Start)
		assert.Equal(t, int64(3), p.RecordsCompleted)
		return nil
	})
	require.NoError(t, err)
}
