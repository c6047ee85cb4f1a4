// Copyright (c) 2024 Netskope, Inc. All rights reserved.

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/apache/arrow/go/v11/arrow"
	"github.com/netSkope/batch-export/internal/batch"
	"github.com/netSkope/batch-export/internal/export"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

var base = time.Date(2024, 3, 14, 10, 0, 0, 0, time.UTC)

func record(t *testing.T, from, n int) arrow.Record {
	t.Helper()
	b := batch.NewBuilder(nil, batch.EventsSchema)
	defer b.Release()
	for i := from; i < from+n; i++ {
		require.NoError(t, b.Append(
			fmt.Sprintf("uuid-%d", i), "$pageview", nil, "user", int64(1),
			base, base.Add(time.Duration(i)*time.Second),
		))
	}
	return b.NewRecord()
}

type fakeSource struct {
	batches []int
	err     error
	t       *testing.T
}

func (s *fakeSource) Query(ctx context.Context, _ export.Query, fn func(arrow.Record) error) error {
	from := 0
	for _, n := range s.batches {
		if err := fn(record(s.t, from, n)); err != nil {
			return err
		}
		from += n
	}
	return s.err
}

type collectSink struct {
	mu      sync.Mutex
	rows    int64
	columns []string
	err     error
}

func (s *collectSink) WriteRecordBatch(ctx context.Context, rec arrow.Record, _ time.Time) error {
	if s.err != nil {
		return s.err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows += rec.NumRows()
	s.columns = batch.ColumnNames(rec)
	return nil
}

func TestRunDeliversAllRows(t *testing.T) {
	src := &fakeSource{batches: []int{10, 20, 5}, t: t}
	sink := &collectSink{}

	res, err := Run(context.Background(), src, export.Query{}, Config{QueueCapacity: 2}, []Sink{sink}, zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.Equal(t, int64(35), sink.rows)
	assert.Equal(t, int64(3), res.Batches)
	assert.Equal(t, base.Add(34*time.Second), res.LastWatermark)
	assert.NotContains(t, sink.columns, export.InsertedAtColumn)
}

func TestRunEmptySource(t *testing.T) {
	sink := &collectSink{}
	res, err := Run(context.Background(), &fakeSource{t: t}, export.Query{}, Config{}, []Sink{sink}, zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.Zero(t, sink.rows)
	assert.Zero(t, res.Batches)
	assert.True(t, res.LastWatermark.IsZero())
}

func TestRunMultipleConsumers(t *testing.T) {
	src := &fakeSource{batches: []int{3, 3, 3, 3, 3, 3}, t: t}
	a, b := &collectSink{}, &collectSink{}
	_, err := Run(context.Background(), src, export.Query{}, Config{QueueCapacity: 1}, []Sink{a, b}, zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.Equal(t, int64(18), a.rows+b.rows)
}

func TestRunProducerErrorPropagates(t *testing.T) {
	boom := errors.New("query failed")
	src := &fakeSource{batches: []int{5}, err: boom, t: t}
	_, err := Run(context.Background(), src, export.Query{}, Config{}, []Sink{&collectSink{}}, zaptest.NewLogger(t))
	require.ErrorIs(t, err, boom)
}

func TestRunConsumerErrorUnblocksProducer(t *testing.T) {
	boom := errors.New("write failed")
	src := &fakeSource{batches: []int{1, 1, 1, 1, 1, 1, 1, 1}, t: t}
	done := make(chan error, 1)
	go func() {
		_, err := Run(context.Background(), src, export.Query{}, Config{QueueCapacity: 1}, []Sink{&collectSink{err: boom}}, zaptest.NewLogger(t))
		done <- err
	}()

	select {
	case err := <-done:
		require.ErrorIs(t, err, boom)
	case <-time.After(5 * time.Second):
		t.Fatal("pipeline did not abort")
	}
}

func TestQueueBackpressure(t *testing.T) {
	const capacity = 3
	q := NewQueue(capacity)
	ctx := context.Background()

	var put atomic.Int32
	go func() {
		for i := 0; i < capacity+1; i++ {
			if err := q.Put(ctx, record(t, i, 1)); err != nil {
				return
			}
			put.Add(1)
		}
		q.Close()
	}()

	require.Eventually(t, func() bool { return put.Load() == capacity }, time.Second, 5*time.Millisecond)
	require.Never(t, func() bool { return put.Load() > capacity }, 100*time.Millisecond, 10*time.Millisecond)
	assert.Equal(t, capacity, q.Len())
	assert.Greater(t, q.Bytes(), int64(0))

	var got int
	for {
		rec, err := q.Get(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		rec.Release()
		got++
	}
	assert.Equal(t, capacity+1, got)
	assert.Equal(t, int64(0), q.Bytes())
}

func TestQueueCloseWithErrorUnblocksGet(t *testing.T) {
	q := NewQueue(1)
	boom := errors.New("boom")
	errc := make(chan error, 1)
	go func() {
		_, err := q.Get(context.Background())
		errc <- err
	}()
	q.CloseWithError(boom)
	q.CloseWithError(errors.New("second"))
	assert.ErrorIs(t, <-errc, boom)

	rec := record(t, 0, 1)
	defer rec.Release()
	assert.ErrorIs(t, q.Put(context.Background(), rec), boom)
}

func TestQueueGetHonoursContext(t *testing.T) {
	q := NewQueue(1)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := q.Get(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
