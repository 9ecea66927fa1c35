// Package writequeue buffers result writes from concurrent workers and
// flushes them to storage in grouped batches, so the datastore sees a few
// large transactions instead of many small contended ones.
package writequeue

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

type Operation string

const (
	OpInsert Operation = "insert"
	OpUpdate Operation = "update"
	OpUpsert Operation = "upsert"
)

const (
	DefaultMaxBatchSize  = 100
	DefaultFlushInterval = 500 * time.Millisecond
)

// QueuedWrite is one buffered write request. Writes are removed on a
// successful flush and put back at the front of the buffer, in their
// original order, when a flush fails.
type QueuedWrite struct {
	ID        string         `json:"id"`
	Table     string         `json:"table"`
	Operation Operation      `json:"operation"`
	Data      map[string]any `json:"data"`
	Timestamp time.Time      `json:"timestamp"`
}

// Group is the set of writes for one table:operation pair within a batch.
// Groups and the writes inside them preserve submission order.
type Group struct {
	Table     string
	Operation Operation
	Writes    []*QueuedWrite
}

// Sink persists one flushed batch. Implementations should run the whole
// batch in a single transaction and must tolerate redelivery: a failed
// flush is retried wholesale, so writes arrive at least once.
type Sink interface {
	WriteBatch(ctx context.Context, groups []Group) error
}

type Stats struct {
	Pending       int    `json:"pending"`
	TotalEnqueued uint64 `json:"total_enqueued"`
	TotalFlushed  uint64 `json:"total_flushed"`
	FlushCount    uint64 `json:"flush_count"`
	FailedFlushes uint64 `json:"failed_flushes"`
}

type Queue struct {
	mu       sync.Mutex
	pending  []*QueuedWrite
	sink     Sink
	observer Observer

	maxBatchSize  int
	flushInterval time.Duration

	flushing atomic.Bool
	stop     chan struct{}
	done     chan struct{}
	started  bool

	totalEnqueued uint64
	totalFlushed  uint64
	flushCount    uint64
	failedFlushes uint64
}

func NewQueue(sink Sink, observer Observer) *Queue {
	if observer == nil {
		observer = NopObserver{}
	}

	return &Queue{
		sink:          sink,
		observer:      observer,
		maxBatchSize:  DefaultMaxBatchSize,
		flushInterval: DefaultFlushInterval,
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}
}

// SetMaxBatchSize adjusts the size trigger. Call before Start.
func (q *Queue) SetMaxBatchSize(n int) {
	if n > 0 {
		q.maxBatchSize = n
	}
}

// SetFlushInterval adjusts the timer trigger. Call before Start.
func (q *Queue) SetFlushInterval(d time.Duration) {
	if d > 0 {
		q.flushInterval = d
	}
}

// Start launches the background flush timer.
func (q *Queue) Start() {
	q.mu.Lock()
	if q.started {
		q.mu.Unlock()
		return
	}
	q.started = true
	q.mu.Unlock()

	go func() {
		defer close(q.done)

		ticker := time.NewTicker(q.flushInterval)
		defer ticker.Stop()

		for {
			select {
			case <-q.stop:
				return
			case <-ticker.C:
				if err := q.Flush(context.Background()); err != nil {
					log.Printf("writequeue: timed flush failed: %v", err)
				}
			}
		}
	}()
}

// Enqueue buffers a write and returns its id. Reaching the batch-size
// trigger flushes synchronously on the caller's path.
func (q *Queue) Enqueue(table string, op Operation, data map[string]any) string {
	w := &QueuedWrite{
		ID:        uuid.New().String(),
		Table:     table,
		Operation: op,
		Data:      data,
		Timestamp: time.Now(),
	}

	q.mu.Lock()
	q.pending = append(q.pending, w)
	q.totalEnqueued++
	size := len(q.pending)
	q.mu.Unlock()

	if size >= q.maxBatchSize {
		if err := q.Flush(context.Background()); err != nil {
			log.Printf("writequeue: size-triggered flush failed: %v", err)
		}
	}

	return w.ID
}

func (q *Queue) Insert(table string, data map[string]any) string {
	return q.Enqueue(table, OpInsert, data)
}

func (q *Queue) Update(table string, data map[string]any) string {
	return q.Enqueue(table, OpUpdate, data)
}

func (q *Queue) Upsert(table string, data map[string]any) string {
	return q.Enqueue(table, OpUpsert, data)
}

// Flush drains the buffer and hands the batch to the sink. A flush
// already in progress makes this call a no-op, not a wait. On sink
// failure the taken writes are prepended back in order for the next
// attempt and the observer is notified.
func (q *Queue) Flush(ctx context.Context) error {
	if !q.flushing.CompareAndSwap(false, true) {
		return nil
	}
	defer q.flushing.Store(false)

	q.mu.Lock()
	batch := q.pending
	q.pending = nil
	q.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}

	groups := groupWrites(batch)
	start := time.Now()

	if err := q.sink.WriteBatch(ctx, groups); err != nil {
		q.mu.Lock()
		merged := make([]*QueuedWrite, 0, len(batch)+len(q.pending))
		merged = append(merged, batch...)
		merged = append(merged, q.pending...)
		q.pending = merged
		q.failedFlushes++
		q.mu.Unlock()

		q.observer.OnError(err)
		return err
	}

	q.mu.Lock()
	q.totalFlushed += uint64(len(batch))
	q.flushCount++
	q.mu.Unlock()

	q.observer.OnFlushed(BatchInfo{
		Writes:   len(batch),
		Groups:   len(groups),
		Duration: time.Since(start),
	})

	return nil
}

// Stop halts the timer and performs one final synchronous flush.
func (q *Queue) Stop() error {
	q.mu.Lock()
	started := q.started
	q.started = false
	q.mu.Unlock()

	if started {
		close(q.stop)
		<-q.done
	}

	return q.Flush(context.Background())
}

func (q *Queue) PendingCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

func (q *Queue) Flushing() bool {
	return q.flushing.Load()
}

func (q *Queue) GetStats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	return Stats{
		Pending:       len(q.pending),
		TotalEnqueued: q.totalEnqueued,
		TotalFlushed:  q.totalFlushed,
		FlushCount:    q.flushCount,
		FailedFlushes: q.failedFlushes,
	}
}

// Clear drops all buffered writes without flushing them.
func (q *Queue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending = nil
}

// groupWrites splits a batch by table:operation, preserving the order in
// which each pair was first seen and the write order within each group.
func groupWrites(batch []*QueuedWrite) []Group {
	index := make(map[string]int)
	var groups []Group

	for _, w := range batch {
		key := w.Table + ":" + string(w.Operation)
		i, ok := index[key]
		if !ok {
			i = len(groups)
			index[key] = i
			groups = append(groups, Group{Table: w.Table, Operation: w.Operation})
		}
		groups[i].Writes = append(groups[i].Writes, w)
	}

	return groups
}
