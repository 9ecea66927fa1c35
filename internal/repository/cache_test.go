package repository

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/regentci/regent/internal/testrun"
)

type stubReader struct {
	mu        sync.Mutex
	calls     int
	histories map[string]*testrun.HistoryData
	err       error
}

func (r *stubReader) GetTestHistory(_ context.Context, testID string) (*testrun.HistoryData, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.calls++
	if r.err != nil {
		return nil, r.err
	}

	return r.histories[testID], nil
}

func (r *stubReader) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

func setupCache(t *testing.T, source HistoryReader) (*HistoryCache, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)

	cache, err := NewHistoryCache(mr.Addr(), source, time.Minute)
	require.NoError(t, err)
	t.Cleanup(func() { cache.Close() })

	return cache, mr
}

func TestHistoryCache_ReadThrough(t *testing.T) {
	source := &stubReader{histories: map[string]*testrun.HistoryData{
		"t1": {TestID: "t1", AvgDurationMs: 3000, LastPassRate: 0.8, RunCount: 10},
	}}
	cache, mr := setupCache(t, source)

	h, err := cache.GetTestHistory(context.Background(), "t1")
	require.NoError(t, err)
	require.NotNil(t, h)
	assert.Equal(t, 3000.0, h.AvgDurationMs)
	assert.Equal(t, 1, source.callCount())

	// Populated on the first miss and served from redis afterwards.
	assert.True(t, mr.Exists("regent:history:t1"))

	h, err = cache.GetTestHistory(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, "t1", h.TestID)
	assert.Equal(t, 1, source.callCount())
}

func TestHistoryCache_SetsTTL(t *testing.T) {
	source := &stubReader{histories: map[string]*testrun.HistoryData{
		"t1": {TestID: "t1"},
	}}
	cache, mr := setupCache(t, source)

	_, err := cache.GetTestHistory(context.Background(), "t1")
	require.NoError(t, err)

	assert.Equal(t, time.Minute, mr.TTL("regent:history:t1"))
}

func TestHistoryCache_MissingHistoryNotCached(t *testing.T) {
	source := &stubReader{}
	cache, mr := setupCache(t, source)

	h, err := cache.GetTestHistory(context.Background(), "unseen")
	require.NoError(t, err)
	assert.Nil(t, h)
	assert.False(t, mr.Exists("regent:history:unseen"))

	_, err = cache.GetTestHistory(context.Background(), "unseen")
	require.NoError(t, err)
	assert.Equal(t, 2, source.callCount())
}

func TestHistoryCache_CorruptEntryFallsBack(t *testing.T) {
	source := &stubReader{histories: map[string]*testrun.HistoryData{
		"t1": {TestID: "t1", RunCount: 5},
	}}
	cache, mr := setupCache(t, source)

	require.NoError(t, mr.Set("regent:history:t1", "{not json"))

	h, err := cache.GetTestHistory(context.Background(), "t1")
	require.NoError(t, err)
	require.NotNil(t, h)
	assert.Equal(t, 5, h.RunCount)
	assert.Equal(t, 1, source.callCount())
}

func TestHistoryCache_SourceErrorPropagates(t *testing.T) {
	source := &stubReader{err: errors.New("postgres down")}
	cache, _ := setupCache(t, source)

	h, err := cache.GetTestHistory(context.Background(), "t1")

	assert.Error(t, err)
	assert.Nil(t, h)
}

func TestHistoryCache_Invalidate(t *testing.T) {
	source := &stubReader{histories: map[string]*testrun.HistoryData{
		"t1": {TestID: "t1"},
	}}
	cache, mr := setupCache(t, source)

	_, err := cache.GetTestHistory(context.Background(), "t1")
	require.NoError(t, err)
	require.True(t, mr.Exists("regent:history:t1"))

	require.NoError(t, cache.Invalidate(context.Background(), "t1"))
	assert.False(t, mr.Exists("regent:history:t1"))

	_, err = cache.GetTestHistory(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, 2, source.callCount())
}

func TestHistoryCache_RedisDownFallsBack(t *testing.T) {
	source := &stubReader{histories: map[string]*testrun.HistoryData{
		"t1": {TestID: "t1"},
	}}
	cache, mr := setupCache(t, source)

	mr.Close()

	h, err := cache.GetTestHistory(context.Background(), "t1")
	require.NoError(t, err)
	require.NotNil(t, h)
	assert.Equal(t, "t1", h.TestID)
}

func TestHistoryCache_Fetcher(t *testing.T) {
	source := &stubReader{histories: map[string]*testrun.HistoryData{
		"t1": {TestID: "t1", AvgDurationMs: 1500},
	}}
	cache, _ := setupCache(t, source)

	fetch := cache.Fetcher()

	h := fetch("t1")
	require.NotNil(t, h)
	assert.Equal(t, 1500.0, h.AvgDurationMs)

	assert.Nil(t, fetch("unseen"))
}

func TestNewHistoryCache_ConnectError(t *testing.T) {
	_, err := NewHistoryCache("127.0.0.1:1", &stubReader{}, time.Minute)

	assert.ErrorContains(t, err, "failed to connect to Redis")
}
