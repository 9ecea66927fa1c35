package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/regentci/regent/internal/fingerprint"
	"github.com/regentci/regent/internal/scheduler"
	"github.com/regentci/regent/internal/testrun"
	"github.com/regentci/regent/internal/writequeue"
)

type noopSink struct{}

func (noopSink) WriteBatch(context.Context, []writequeue.Group) error { return nil }

func setupAPI() (*API, *scheduler.Scheduler, *fingerprint.Store) {
	sched := scheduler.NewScheduler(testrun.StrategyBalanced, nil)
	writes := writequeue.NewQueue(noopSink{}, nil)
	prints := fingerprint.NewStore()

	return NewAPI(sched, writes, prints), sched, prints
}

func doRequest(t *testing.T, api *API, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	api.ServeHTTP(rec, req)

	return rec
}

func TestHealth(t *testing.T) {
	api, _, _ := setupAPI()

	rec := doRequest(t, api, http.MethodGet, "/health", "")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestCreateTest(t *testing.T) {
	api, sched, _ := setupAPI()

	rec := doRequest(t, api, http.MethodPost, "/api/tests",
		`{"id":"booking-happy","name":"Booking happy path","category":"booking"}`)

	require.Equal(t, http.StatusCreated, rec.Code)

	var created testrun.QueuedTest
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.Equal(t, "booking-happy", created.ID)
	assert.Equal(t, 2, created.MaxRetries)
	assert.Equal(t, testrun.DefaultPriority, created.Priority)

	assert.Equal(t, 1, sched.Len())
}

func TestCreateTest_Validation(t *testing.T) {
	api, sched, _ := setupAPI()

	t.Run("rejects GET", func(t *testing.T) {
		rec := doRequest(t, api, http.MethodGet, "/api/tests", "")
		assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	})

	t.Run("rejects invalid JSON", func(t *testing.T) {
		rec := doRequest(t, api, http.MethodPost, "/api/tests", "{not json")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("rejects missing name", func(t *testing.T) {
		rec := doRequest(t, api, http.MethodPost, "/api/tests", `{"category":"booking"}`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	assert.Equal(t, 0, sched.Len())
}

func TestCreateTest_ExplicitRetryBudget(t *testing.T) {
	api, _, _ := setupAPI()

	rec := doRequest(t, api, http.MethodPost, "/api/tests",
		`{"name":"No retries","max_retries":0}`)

	require.Equal(t, http.StatusCreated, rec.Code)

	var created testrun.QueuedTest
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.Equal(t, 0, created.MaxRetries)
}

func TestQueueStats(t *testing.T) {
	api, sched, _ := setupAPI()
	sched.Enqueue(testrun.NewQueuedTest("t1", "T1", "booking", 2, nil))
	sched.Enqueue(testrun.NewQueuedTest("t2", "T2", "faq", 2, nil))

	rec := doRequest(t, api, http.MethodGet, "/api/queue/stats", "")

	require.Equal(t, http.StatusOK, rec.Code)

	var stats scheduler.Stats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, 2, stats.Pending)
	assert.Equal(t, testrun.StrategyBalanced, stats.Strategy)
	assert.Equal(t, 1, stats.ByCategory["booking"])
}

func TestQueuePeek(t *testing.T) {
	api, sched, _ := setupAPI()
	for _, id := range []string{"t1", "t2", "t3"} {
		sched.Enqueue(testrun.NewQueuedTest(id, id, "booking", 2, nil))
	}

	rec := doRequest(t, api, http.MethodGet, "/api/queue/peek?n=2", "")

	require.Equal(t, http.StatusOK, rec.Code)

	var tests []*testrun.QueuedTest
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &tests))
	assert.Len(t, tests, 2)

	// Peek must not consume.
	assert.Equal(t, 3, sched.Len())
}

func TestQueuePeek_InvalidN(t *testing.T) {
	api, _, _ := setupAPI()

	rec := doRequest(t, api, http.MethodGet, "/api/queue/peek?n=zero", "")

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestQueueByCategory(t *testing.T) {
	api, sched, _ := setupAPI()
	sched.Enqueue(testrun.NewQueuedTest("t1", "T1", "booking", 2, nil))
	sched.Enqueue(testrun.NewQueuedTest("t2", "T2", "faq", 2, nil))

	rec := doRequest(t, api, http.MethodGet, "/api/queue/category/booking", "")

	require.Equal(t, http.StatusOK, rec.Code)

	var tests []*testrun.QueuedTest
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &tests))
	require.Len(t, tests, 1)
	assert.Equal(t, "t1", tests[0].ID)
}

func TestQueueByCategory_Empty(t *testing.T) {
	api, _, _ := setupAPI()

	rec := doRequest(t, api, http.MethodGet, "/api/queue/category/unknown", "")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())
}

func TestSetStrategy(t *testing.T) {
	api, sched, _ := setupAPI()

	rec := doRequest(t, api, http.MethodPost, "/api/queue/strategy", `{"strategy":"speed"}`)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, testrun.StrategySpeed, sched.Strategy())
}

func TestSetStrategy_Unknown(t *testing.T) {
	api, sched, _ := setupAPI()

	rec := doRequest(t, api, http.MethodPost, "/api/queue/strategy", `{"strategy":"alphabetical"}`)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, testrun.StrategyBalanced, sched.Strategy())
}

func TestWriteStats(t *testing.T) {
	api, _, _ := setupAPI()

	rec := doRequest(t, api, http.MethodGet, "/api/writes/stats", "")

	require.Equal(t, http.StatusOK, rec.Code)

	var stats writequeue.Stats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, 0, stats.Pending)
}

func addFingerprint(prints *fingerprint.Store, testID, errMsg string) fingerprint.AddResult {
	return prints.Add(&testrun.FailureContext{TestID: testID, ErrorMessage: errMsg})
}

func TestFingerprints(t *testing.T) {
	api, _, prints := setupAPI()
	addFingerprint(prints, "t1", "AssertionError: expected CONFIRMED got PENDING")
	addFingerprint(prints, "t2", "AssertionError: expected CONFIRMED got PENDING")
	addFingerprint(prints, "t3", "rate limit exceeded")

	rec := doRequest(t, api, http.MethodGet, "/api/fingerprints?limit=1", "")

	require.Equal(t, http.StatusOK, rec.Code)

	var fps []*fingerprint.Fingerprint
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &fps))
	require.Len(t, fps, 1)
	assert.Equal(t, 2, fps[0].OccurrenceCount)
}

func TestFingerprintStats(t *testing.T) {
	api, _, prints := setupAPI()
	addFingerprint(prints, "t1", "rate limit exceeded")

	rec := doRequest(t, api, http.MethodGet, "/api/fingerprints/stats", "")

	require.Equal(t, http.StatusOK, rec.Code)

	var stats fingerprint.Stats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, 1, stats.Count)
	assert.Equal(t, 1, stats.ByFailureType["rate-limit"])
}

func TestRecentFingerprints(t *testing.T) {
	api, _, prints := setupAPI()
	addFingerprint(prints, "t1", "rate limit exceeded")

	rec := doRequest(t, api, http.MethodGet, "/api/fingerprints/recent?window_ms=60000", "")

	require.Equal(t, http.StatusOK, rec.Code)

	var fps []*fingerprint.Fingerprint
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &fps))
	assert.Len(t, fps, 1)
}

func TestFingerprintByHash(t *testing.T) {
	api, _, prints := setupAPI()
	added := addFingerprint(prints, "t1", "rate limit exceeded")

	rec := doRequest(t, api, http.MethodGet, "/api/fingerprints/"+added.Fingerprint.Hash, "")

	require.Equal(t, http.StatusOK, rec.Code)

	var fp fingerprint.Fingerprint
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &fp))
	assert.Equal(t, added.Fingerprint.ID, fp.ID)
}

func TestFingerprintByHash_NotFound(t *testing.T) {
	api, _, _ := setupAPI()

	rec := doRequest(t, api, http.MethodGet, "/api/fingerprints/deadbeefdeadbeef", "")

	assert.Equal(t, http.StatusNotFound, rec.Code)
}
