// Package orchestrator runs the test execution loop: a pool of workers
// pulls from the scheduler, drives each test conversation, classifies
// failures, retries or records them terminally, and pushes every result
// through the write queue.
package orchestrator

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/regentci/regent/internal/classify"
	"github.com/regentci/regent/internal/fingerprint"
	"github.com/regentci/regent/internal/metrics"
	"github.com/regentci/regent/internal/scheduler"
	"github.com/regentci/regent/internal/testrun"
	"github.com/regentci/regent/internal/writequeue"
)

const (
	DefaultWorkerCount  = 4
	DefaultPollInterval = 250 * time.Millisecond
)

// Driver executes one test conversation against the agent under test and
// validates the responses. It is external to this engine; implementations
// must be safe for concurrent use.
type Driver interface {
	Run(ctx context.Context, t *testrun.QueuedTest) (*testrun.RunResult, error)
}

// Notifier observes newly created failure fingerprints.
type Notifier interface {
	NewFingerprint(fp *fingerprint.Fingerprint)
}

type Orchestrator struct {
	sched    *scheduler.Scheduler
	writes   *writequeue.Queue
	prints   *fingerprint.Store
	driver   Driver
	notifier Notifier

	workers      int
	pollInterval time.Duration
}

func NewOrchestrator(sched *scheduler.Scheduler, writes *writequeue.Queue, prints *fingerprint.Store, driver Driver) *Orchestrator {
	return &Orchestrator{
		sched:        sched,
		writes:       writes,
		prints:       prints,
		driver:       driver,
		workers:      DefaultWorkerCount,
		pollInterval: DefaultPollInterval,
	}
}

func (o *Orchestrator) SetWorkerCount(n int) {
	if n > 0 {
		o.workers = n
	}
}

func (o *Orchestrator) SetPollInterval(d time.Duration) {
	if d > 0 {
		o.pollInterval = d
	}
}

func (o *Orchestrator) SetNotifier(n Notifier) {
	o.notifier = n
}

// Enqueue schedules a test and records the enqueue.
func (o *Orchestrator) Enqueue(t *testrun.QueuedTest) {
	o.sched.Enqueue(t)
	metrics.RecordTestEnqueued(t.Category)
}

func (o *Orchestrator) EnqueueMany(tests []*testrun.QueuedTest) {
	for _, t := range tests {
		o.Enqueue(t)
	}
}

// Run starts the worker pool and blocks until ctx is cancelled and every
// worker has drained its current test.
func (o *Orchestrator) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	metrics.UpdateActiveWorkers(o.workers)
	defer metrics.UpdateActiveWorkers(0)

	for i := 0; i < o.workers; i++ {
		workerID := fmt.Sprintf("worker-%d", i+1)
		g.Go(func() error {
			o.workerLoop(ctx, workerID)
			return nil
		})
	}

	return g.Wait()
}

func (o *Orchestrator) workerLoop(ctx context.Context, workerID string) {
	log.Printf("Worker %s started", workerID)

	for {
		select {
		case <-ctx.Done():
			log.Printf("Worker %s stopped", workerID)
			return
		default:
		}

		t := o.sched.Dequeue()
		if t == nil {
			select {
			case <-ctx.Done():
			case <-time.After(o.pollInterval):
			}
			continue
		}

		o.processTest(ctx, workerID, t)
	}
}

func (o *Orchestrator) processTest(ctx context.Context, workerID string, t *testrun.QueuedTest) {
	log.Printf("Worker %s running test %s (attempt %d/%d)", workerID, t.Name, t.RetryCount+1, t.MaxRetries+1)

	start := time.Now()
	res, err := o.driver.Run(ctx, t)
	duration := time.Since(start)

	if err == nil && res != nil && res.Passed {
		o.recordPass(t, res, duration)
		return
	}

	fc := failureContext(t, res, err, duration)
	result := classify.Classify(fc)
	metrics.RecordClassification(string(result.Type))

	if result.ShouldRetry {
		o.recordRetryAttempt(t, result, duration)

		// The backoff runs on this worker's own path so other workers
		// keep executing. Shutdown aborts the sleep.
		select {
		case <-ctx.Done():
			return
		case <-time.After(result.RetryDelay):
		}

		if o.sched.Requeue(t) {
			metrics.RecordTestRetried(t.Category, string(result.Type))
			log.Printf("Test %s failed (%s), requeued for retry %d/%d", t.Name, result.Type, t.RetryCount, t.MaxRetries)
			return
		}
	}

	o.recordTerminalFailure(t, fc, result, duration)
}

func (o *Orchestrator) recordPass(t *testrun.QueuedTest, res *testrun.RunResult, duration time.Duration) {
	metrics.RecordTestCompleted(t.Category, duration)
	log.Printf("Test %s passed in %s", t.Name, duration)

	o.writes.Upsert("test_runs", map[string]any{
		"id":          uuid.New().String(),
		"test_id":     t.ID,
		"status":      string(testrun.StatusPassed),
		"duration_ms": res.DurationMs,
		"retry_count": t.RetryCount,
		"finished_at": time.Now(),
	})
}

func (o *Orchestrator) recordRetryAttempt(t *testrun.QueuedTest, result classify.Result, duration time.Duration) {
	o.writes.Upsert("test_runs", map[string]any{
		"id":           uuid.New().String(),
		"test_id":      t.ID,
		"status":       string(testrun.StatusRetried),
		"failure_type": string(result.Type),
		"duration_ms":  duration.Milliseconds(),
		"retry_count":  t.RetryCount,
		"finished_at":  time.Now(),
	})
}

func (o *Orchestrator) recordTerminalFailure(t *testrun.QueuedTest, fc *testrun.FailureContext, result classify.Result, duration time.Duration) {
	added := o.prints.Add(fc)
	metrics.RecordFingerprint(added.IsNew)
	metrics.RecordTestFailed(t.Category, string(result.Type), duration)

	if added.IsNew {
		log.Printf("Test %s failed terminally (%s), new fingerprint %s", t.Name, result.Type, added.Fingerprint.Hash)
		if o.notifier != nil {
			o.notifier.NewFingerprint(added.Fingerprint)
		}
	} else {
		log.Printf("Test %s failed terminally (%s), matched fingerprint %s", t.Name, result.Type, added.MatchedHash)
	}

	o.writes.Upsert("test_runs", map[string]any{
		"id":            uuid.New().String(),
		"test_id":       t.ID,
		"status":        string(testrun.StatusFailed),
		"failure_type":  string(result.Type),
		"error_message": fc.ErrorMessage,
		"duration_ms":   duration.Milliseconds(),
		"retry_count":   t.RetryCount,
		"finished_at":   time.Now(),
	})

	fp := added.Fingerprint
	o.writes.Upsert("failure_fingerprints", map[string]any{
		"id":               fp.ID,
		"hash":             fp.Hash,
		"failure_type":     fp.Components.FailureType,
		"terminal_state":   fp.Components.TerminalState,
		"occurrence_count": fp.OccurrenceCount,
		"first_seen":       fp.FirstSeen,
		"last_seen":        fp.LastSeen,
	})
}

// failureContext normalizes the driver's outcome into classifier input.
func failureContext(t *testrun.QueuedTest, res *testrun.RunResult, err error, duration time.Duration) *testrun.FailureContext {
	var fc *testrun.FailureContext
	if res != nil && res.Failure != nil {
		fc = res.Failure
	} else {
		fc = &testrun.FailureContext{}
	}

	fc.TestID = t.ID
	fc.TestName = t.Name
	fc.PreviousAttempts = t.RetryCount

	if fc.DurationMs == 0 {
		fc.DurationMs = duration.Milliseconds()
	}
	if err != nil && fc.ErrorMessage == "" {
		fc.ErrorMessage = err.Error()
	}

	return fc
}
