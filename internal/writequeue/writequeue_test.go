package writequeue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockSink struct {
	mu      sync.Mutex
	batches [][]Group
	err     error
	block   chan struct{}
}

func (m *mockSink) WriteBatch(_ context.Context, groups []Group) error {
	if m.block != nil {
		<-m.block
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.err != nil {
		return m.err
	}

	m.batches = append(m.batches, groups)
	return nil
}

func (m *mockSink) setError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

func (m *mockSink) batchCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.batches)
}

func setupTestQueue(t *testing.T) (*Queue, *mockSink) {
	t.Helper()

	sink := &mockSink{}
	q := NewQueue(sink, nil)
	return q, sink
}

func TestEnqueue_ReturnsID(t *testing.T) {
	q, _ := setupTestQueue(t)

	id := q.Insert("test_runs", map[string]any{"status": "passed"})

	assert.NotEmpty(t, id)
	assert.Equal(t, 1, q.PendingCount())
}

func TestEnqueue_SizeTriggerFlushes(t *testing.T) {
	q, sink := setupTestQueue(t)
	q.SetMaxBatchSize(100)

	for i := 0; i < 101; i++ {
		q.Insert("test_runs", map[string]any{"n": i})
	}

	assert.Equal(t, 1, sink.batchCount())
	assert.Equal(t, 1, q.PendingCount())
}

func TestFlush_EmptyQueueIsNoop(t *testing.T) {
	q, sink := setupTestQueue(t)

	require.NoError(t, q.Flush(context.Background()))
	assert.Equal(t, 0, sink.batchCount())
}

func TestFlush_GroupsByTableAndOperation(t *testing.T) {
	q, sink := setupTestQueue(t)

	q.Insert("test_runs", map[string]any{"n": 1})
	q.Upsert("test_runs", map[string]any{"n": 2})
	q.Insert("test_runs", map[string]any{"n": 3})
	q.Insert("fingerprints", map[string]any{"n": 4})

	require.NoError(t, q.Flush(context.Background()))

	require.Equal(t, 1, sink.batchCount())
	groups := sink.batches[0]
	require.Len(t, groups, 3)

	assert.Equal(t, "test_runs", groups[0].Table)
	assert.Equal(t, OpInsert, groups[0].Operation)
	assert.Len(t, groups[0].Writes, 2)
	assert.Equal(t, 1, groups[0].Writes[0].Data["n"])
	assert.Equal(t, 3, groups[0].Writes[1].Data["n"])

	assert.Equal(t, OpUpsert, groups[1].Operation)
	assert.Equal(t, "fingerprints", groups[2].Table)
}

func TestFlush_FailureRequeuesInOriginalOrder(t *testing.T) {
	q, sink := setupTestQueue(t)
	sink.setError(errors.New("connection lost"))

	var observedErr error
	q.observer = FuncObserver{Errored: func(err error) { observedErr = err }}

	first := q.Insert("test_runs", map[string]any{"n": 1})
	q.Insert("test_runs", map[string]any{"n": 2})

	err := q.Flush(context.Background())
	require.Error(t, err)
	assert.Error(t, observedErr)
	assert.Equal(t, 2, q.PendingCount())

	// Recovery: the same writes flush on the next attempt, in order.
	sink.setError(nil)
	require.NoError(t, q.Flush(context.Background()))

	require.Equal(t, 1, sink.batchCount())
	assert.Equal(t, first, sink.batches[0][0].Writes[0].ID)
	assert.Equal(t, 0, q.PendingCount())
}

func TestFlush_FailedBatchGoesBackInFrontOfNewerWrites(t *testing.T) {
	q, sink := setupTestQueue(t)
	sink.setError(errors.New("down"))

	q.Insert("test_runs", map[string]any{"n": 1})
	require.Error(t, q.Flush(context.Background()))

	q.Insert("test_runs", map[string]any{"n": 2})

	sink.setError(nil)
	require.NoError(t, q.Flush(context.Background()))

	writes := sink.batches[0][0].Writes
	require.Len(t, writes, 2)
	assert.Equal(t, 1, writes[0].Data["n"])
	assert.Equal(t, 2, writes[1].Data["n"])
}

func TestFlush_ConcurrentFlushIsNoop(t *testing.T) {
	sink := &mockSink{block: make(chan struct{})}
	q := NewQueue(sink, nil)

	q.Insert("test_runs", map[string]any{"n": 1})

	done := make(chan error, 1)
	go func() { done <- q.Flush(context.Background()) }()

	// Wait until the first flush has taken the guard.
	require.Eventually(t, q.Flushing, time.Second, time.Millisecond)

	assert.NoError(t, q.Flush(context.Background()))
	assert.Equal(t, 0, sink.batchCount())

	close(sink.block)
	require.NoError(t, <-done)
	assert.Equal(t, 1, sink.batchCount())
}

func TestTimerFlush(t *testing.T) {
	q, sink := setupTestQueue(t)
	q.SetFlushInterval(20 * time.Millisecond)
	q.Start()
	defer func() { _ = q.Stop() }()

	q.Insert("test_runs", map[string]any{"n": 1})

	assert.Eventually(t, func() bool {
		return sink.batchCount() == 1 && q.PendingCount() == 0
	}, time.Second, 5*time.Millisecond)
}

func TestStop_DrainsPendingWrites(t *testing.T) {
	q, sink := setupTestQueue(t)
	q.Start()

	q.Insert("test_runs", map[string]any{"n": 1})

	require.NoError(t, q.Stop())
	assert.Equal(t, 0, q.PendingCount())
	assert.GreaterOrEqual(t, sink.batchCount(), 1)
}

func TestStop_WithoutStart(t *testing.T) {
	q, _ := setupTestQueue(t)

	q.Insert("test_runs", map[string]any{"n": 1})
	require.NoError(t, q.Stop())
	assert.Equal(t, 0, q.PendingCount())
}

func TestObserver_OnFlushed(t *testing.T) {
	sink := &mockSink{}
	var info BatchInfo
	q := NewQueue(sink, FuncObserver{Flushed: func(i BatchInfo) { info = i }})

	q.Insert("test_runs", map[string]any{"n": 1})
	q.Upsert("fingerprints", map[string]any{"n": 2})

	require.NoError(t, q.Flush(context.Background()))
	assert.Equal(t, 2, info.Writes)
	assert.Equal(t, 2, info.Groups)
}

func TestGetStats(t *testing.T) {
	q, sink := setupTestQueue(t)

	q.Insert("test_runs", map[string]any{"n": 1})
	q.Insert("test_runs", map[string]any{"n": 2})
	require.NoError(t, q.Flush(context.Background()))

	sink.setError(errors.New("down"))
	q.Insert("test_runs", map[string]any{"n": 3})
	require.Error(t, q.Flush(context.Background()))

	stats := q.GetStats()
	assert.Equal(t, uint64(3), stats.TotalEnqueued)
	assert.Equal(t, uint64(2), stats.TotalFlushed)
	assert.Equal(t, uint64(1), stats.FlushCount)
	assert.Equal(t, uint64(1), stats.FailedFlushes)
	assert.Equal(t, 1, stats.Pending)
}

func TestClear(t *testing.T) {
	q, _ := setupTestQueue(t)

	q.Insert("test_runs", map[string]any{"n": 1})
	q.Clear()

	assert.Equal(t, 0, q.PendingCount())
}
