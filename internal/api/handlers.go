// Package api exposes read-only JSON views over the live engine for
// operators and the external dashboard: scheduler state, write queue
// stats, and the fingerprint catalog.
package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/regentci/regent/internal/fingerprint"
	"github.com/regentci/regent/internal/httputil"
	"github.com/regentci/regent/internal/metrics"
	"github.com/regentci/regent/internal/scheduler"
	"github.com/regentci/regent/internal/testrun"
	"github.com/regentci/regent/internal/writequeue"
)

type API struct {
	sched  *scheduler.Scheduler
	writes *writequeue.Queue
	prints *fingerprint.Store
	mux    *http.ServeMux
}

func NewAPI(sched *scheduler.Scheduler, writes *writequeue.Queue, prints *fingerprint.Store) *API {
	api := &API{
		sched:  sched,
		writes: writes,
		prints: prints,
		mux:    http.NewServeMux(),
	}

	api.setupRoutes()
	return api
}

func (a *API) setupRoutes() {
	a.mux.HandleFunc("/api/tests", a.handleCreateTest)
	a.mux.HandleFunc("/api/queue/stats", a.handleQueueStats)
	a.mux.HandleFunc("/api/queue/peek", a.handleQueuePeek)
	a.mux.HandleFunc("/api/queue/category/", a.handleQueueByCategory)
	a.mux.HandleFunc("/api/queue/strategy", a.handleSetStrategy)
	a.mux.HandleFunc("/api/writes/stats", a.handleWriteStats)
	a.mux.HandleFunc("/api/fingerprints", a.handleFingerprints)
	a.mux.HandleFunc("/api/fingerprints/stats", a.handleFingerprintStats)
	a.mux.HandleFunc("/api/fingerprints/recent", a.handleRecentFingerprints)
	a.mux.HandleFunc("/api/fingerprints/", a.handleFingerprintByHash)
	a.mux.HandleFunc("/health", a.handleHealth)
}

func (a *API) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.mux.ServeHTTP(w, r)
}

func (a *API) handleHealth(w http.ResponseWriter, _ *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type createTestRequest struct {
	ID         string         `json:"id"`
	Name       string         `json:"name"`
	Category   string         `json:"category"`
	MaxRetries *int           `json:"max_retries"`
	Metadata   map[string]any `json:"metadata"`
}

func (a *API) handleCreateTest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.WriteJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req createTestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteJSONError(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	if req.Name == "" {
		httputil.WriteJSONError(w, "Test name is required", http.StatusBadRequest)
		return
	}

	maxRetries := 2
	if req.MaxRetries != nil && *req.MaxRetries >= 0 {
		maxRetries = *req.MaxRetries
	}

	t := testrun.NewQueuedTest(req.ID, req.Name, req.Category, maxRetries, req.Metadata)
	a.sched.Enqueue(t)
	metrics.RecordTestEnqueued(t.Category)

	httputil.WriteJSON(w, http.StatusCreated, t)
}

func (a *API) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.WriteJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, a.sched.GetStats())
}

func (a *API) handleQueuePeek(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.WriteJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	n := 10
	if raw := r.URL.Query().Get("n"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			httputil.WriteJSONError(w, "Invalid n parameter", http.StatusBadRequest)
			return
		}
		n = parsed
	}

	httputil.WriteJSON(w, http.StatusOK, a.sched.Peek(n))
}

func (a *API) handleQueueByCategory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.WriteJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	category := strings.TrimPrefix(r.URL.Path, "/api/queue/category/")
	if category == "" {
		httputil.WriteJSONError(w, "Category is required", http.StatusBadRequest)
		return
	}

	tests := a.sched.GetByCategory(category)
	if tests == nil {
		tests = []*testrun.QueuedTest{}
	}

	httputil.WriteJSON(w, http.StatusOK, tests)
}

type setStrategyRequest struct {
	Strategy testrun.Strategy `json:"strategy"`
}

func (a *API) handleSetStrategy(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.WriteJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req setStrategyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteJSONError(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	switch req.Strategy {
	case testrun.StrategySpeed, testrun.StrategyReliability, testrun.StrategyBalanced, testrun.StrategyRandom:
	default:
		httputil.WriteJSONError(w, "Unknown strategy", http.StatusBadRequest)
		return
	}

	a.sched.SetStrategy(req.Strategy)
	httputil.WriteJSON(w, http.StatusOK, a.sched.GetStats())
}

func (a *API) handleWriteStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.WriteJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, a.writes.GetStats())
}

func (a *API) handleFingerprints(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.WriteJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			httputil.WriteJSONError(w, "Invalid limit parameter", http.StatusBadRequest)
			return
		}
		limit = parsed
	}

	httputil.WriteJSON(w, http.StatusOK, a.prints.GetMostFrequent(limit))
}

func (a *API) handleFingerprintStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.WriteJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, a.prints.GetStats())
}

func (a *API) handleRecentFingerprints(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.WriteJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	window := time.Hour
	if raw := r.URL.Query().Get("window_ms"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			httputil.WriteJSONError(w, "Invalid window_ms parameter", http.StatusBadRequest)
			return
		}
		window = time.Duration(parsed) * time.Millisecond
	}

	recent := a.prints.GetRecent(window)
	if recent == nil {
		recent = []*fingerprint.Fingerprint{}
	}

	httputil.WriteJSON(w, http.StatusOK, recent)
}

func (a *API) handleFingerprintByHash(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.WriteJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	hash := strings.TrimPrefix(r.URL.Path, "/api/fingerprints/")
	if hash == "" || strings.Contains(hash, "/") {
		httputil.WriteJSONError(w, "Invalid fingerprint hash", http.StatusBadRequest)
		return
	}

	fp, ok := a.prints.Get(hash)
	if !ok {
		httputil.WriteJSONError(w, "Fingerprint not found", http.StatusNotFound)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, fp)
}
