package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/regentci/regent/internal/alert"
	"github.com/regentci/regent/internal/api"
	"github.com/regentci/regent/internal/fingerprint"
	"github.com/regentci/regent/internal/middleware"
	"github.com/regentci/regent/internal/metrics"
	"github.com/regentci/regent/internal/orchestrator"
	"github.com/regentci/regent/internal/repository"
	"github.com/regentci/regent/internal/scheduler"
	"github.com/regentci/regent/internal/testrun"
	"github.com/regentci/regent/internal/writequeue"
)

func main() {
	_ = godotenv.Load()

	postgresDSN := os.Getenv("POSTGRES_DSN")
	if postgresDSN == "" {
		log.Fatal("POSTGRES_DSN is required")
	}

	driverURL := os.Getenv("DRIVER_URL")
	if driverURL == "" {
		log.Fatal("DRIVER_URL is required")
	}

	repo, err := repository.NewPostgresRepository(postgresDSN)
	if err != nil {
		log.Fatal(err)
	}

	defer func() {
		if err := repo.Close(); err != nil {
			log.Printf("failed to close Postgres repository: %v", err)
		}
	}()

	fetcher := repo.Fetcher()

	redisAddr := os.Getenv("REDIS_ADDR")
	if redisAddr == "" {
		redisAddr = "localhost:6379"
	}

	cache, err := repository.NewHistoryCache(redisAddr, repo, 5*time.Minute)
	if err != nil {
		log.Printf("history cache unavailable, reading history from Postgres directly: %v", err)
	} else {
		fetcher = cache.Fetcher()
		defer func() {
			if err := cache.Close(); err != nil {
				log.Printf("failed to close history cache: %v", err)
			}
		}()
	}

	strategy := testrun.Strategy(os.Getenv("STRATEGY"))
	switch strategy {
	case testrun.StrategySpeed, testrun.StrategyReliability, testrun.StrategyBalanced, testrun.StrategyRandom:
	default:
		strategy = testrun.StrategyBalanced
	}

	sched := scheduler.NewScheduler(strategy, fetcher)

	writes := writequeue.NewQueue(repository.NewSQLSink(repo.DB()), metrics.QueueObserver{})
	writes.SetMaxBatchSize(envInt("WRITE_BATCH_SIZE", writequeue.DefaultMaxBatchSize))
	writes.SetFlushInterval(time.Duration(envInt("WRITE_FLUSH_MS", 500)) * time.Millisecond)
	writes.Start()

	prints := fingerprint.NewStore()

	driver := &httpDriver{
		baseURL: driverURL,
		client:  &http.Client{Timeout: 5 * time.Minute},
	}

	orch := orchestrator.NewOrchestrator(sched, writes, prints, driver)
	orch.SetWorkerCount(envInt("WORKERS", orchestrator.DefaultWorkerCount))

	if apiKey := os.Getenv("SENDGRID_API_KEY"); apiKey != "" {
		orch.SetNotifier(alert.NewEmailNotifier(
			apiKey,
			os.Getenv("ALERT_FROM_NAME"),
			os.Getenv("ALERT_FROM_ADDRESS"),
			os.Getenv("ALERT_TO_ADDRESS"),
		))
	}

	if suiteFile := os.Getenv("SUITE_FILE"); suiteFile != "" {
		tests, err := loadSuite(suiteFile)
		if err != nil {
			log.Fatal(err)
		}
		orch.EnqueueMany(tests)
		log.Printf("Enqueued %d tests from %s", len(tests), suiteFile)
	}

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/", api.NewAPI(sched, writes, prints))

	go func() {
		log.Printf("Server starting on :%s", port)
		if err := http.ListenAndServe(":"+port, middleware.MetricsMiddleware(mux)); err != nil {
			log.Fatal(err)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	go startGaugeCollector(ctx, sched, writes)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigChan
		log.Println("Shutting down runner...")
		cancel()
	}()

	if err := orch.Run(ctx); err != nil {
		log.Printf("orchestrator stopped: %v", err)
	}

	if err := writes.Stop(); err != nil {
		log.Printf("final flush failed, %d writes unflushed: %v", writes.PendingCount(), err)
	}
}

func envInt(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}

	v, err := strconv.Atoi(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using %d", name, raw, fallback)
		return fallback
	}

	return v
}

type suiteEntry struct {
	ID         string         `json:"id"`
	Name       string         `json:"name"`
	Category   string         `json:"category"`
	MaxRetries int            `json:"max_retries"`
	Metadata   map[string]any `json:"metadata"`
}

func loadSuite(path string) ([]*testrun.QueuedTest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read suite file: %w", err)
	}

	var entries []suiteEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("failed to parse suite file: %w", err)
	}

	tests := make([]*testrun.QueuedTest, 0, len(entries))
	for _, e := range entries {
		maxRetries := e.MaxRetries
		if maxRetries <= 0 {
			maxRetries = 2
		}
		tests = append(tests, testrun.NewQueuedTest(e.ID, e.Name, e.Category, maxRetries, e.Metadata))
	}

	return tests, nil
}

// httpDriver talks to the external conversation-driver service, which
// exchanges messages with the agent under test and validates responses.
type httpDriver struct {
	baseURL string
	client  *http.Client
}

func (d *httpDriver) Run(ctx context.Context, t *testrun.QueuedTest) (*testrun.RunResult, error) {
	body, err := json.Marshal(t)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.baseURL+"/api/run", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, err
	}

	defer func() {
		if err := resp.Body.Close(); err != nil {
			log.Printf("failed to close driver response body: %v", err)
		}
	}()

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("driver returned status %d for test %s", resp.StatusCode, t.ID)
	}

	var result testrun.RunResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode driver response: %w", err)
	}

	return &result, nil
}
