// Copyright (c) 2024 Netskope, Inc. All rights reserved.

// Package pipeline streams record batches from a source to one or more
// sinks through a bounded queue.
package pipeline

import (
	"context"
	"io"
	"sync"
	"sync/atomic"

	"github.com/apache/arrow/go/v11/arrow"
	"github.com/netSkope/batch-export/internal/batch"
)

// Queue is a bounded FIFO of record batches. Capacity is counted in items;
// Bytes reports the estimated size of the batches currently queued.
type Queue struct {
	items chan arrow.Record
	done  chan struct{}

	closeOnce sync.Once
	errOnce   sync.Once
	mu        sync.Mutex
	err       error

	bytes atomic.Int64
}

// NewQueue returns a queue holding at most capacity batches.
func NewQueue(capacity int) *Queue {
	if capacity < 1 {
		capacity = 1
	}
	return &Queue{
		items: make(chan arrow.Record, capacity),
		done:  make(chan struct{}),
	}
}

// Put enqueues rec, blocking while the queue is full. The queue takes
// ownership of rec only when Put returns nil.
func (q *Queue) Put(ctx context.Context, rec arrow.Record) error {
	size := batch.EstimateSize(rec)
	select {
	case <-q.done:
		return q.Err()
	default:
	}
	select {
	case q.items <- rec:
		q.bytes.Add(size)
		return nil
	case <-q.done:
		return q.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Get dequeues the next batch, blocking while the queue is empty. It returns
// io.EOF once the producer has closed the queue and every batch was taken,
// or the error the queue was closed with.
func (q *Queue) Get(ctx context.Context) (arrow.Record, error) {
	select {
	case <-q.done:
		return nil, q.Err()
	default:
	}
	select {
	case rec, ok := <-q.items:
		if !ok {
			return nil, io.EOF
		}
		q.bytes.Add(-batch.EstimateSize(rec))
		return rec, nil
	case <-q.done:
		return nil, q.Err()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close marks the end of the stream. Only the producer may call it, and only
// once it stopped calling Put.
func (q *Queue) Close() {
	q.closeOnce.Do(func() { close(q.items) })
}

// CloseWithError aborts the stream. Every blocked and future Put or Get
// returns err. The first error wins.
func (q *Queue) CloseWithError(err error) {
	if err == nil {
		err = io.ErrClosedPipe
	}
	q.errOnce.Do(func() {
		q.mu.Lock()
		q.err = err
		q.mu.Unlock()
		close(q.done)
	})
}

// Err returns the error the queue was aborted with, if any.
func (q *Queue) Err() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.err
}

// Len returns the number of queued batches.
func (q *Queue) Len() int {
	return len(q.items)
}

// Bytes returns the estimated size of the queued batches.
func (q *Queue) Bytes() int64 {
	return q.bytes.Load()
}

// Drain releases every batch still queued. It must only be called once the
// producer and consumers have returned.
func (q *Queue) Drain() {
	for {
		select {
		case rec, ok := <-q.items:
			if !ok {
				return
			}
			q.bytes.Add(-batch.EstimateSize(rec))
			rec.Release()
		default:
			return
		}
	}
}
