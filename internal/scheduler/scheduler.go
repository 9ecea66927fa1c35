// Package scheduler orders pending tests for execution. The queue is kept
// sorted descending by priority, with equal priorities preserving
// insertion order, so workers always dequeue the current best candidate.
package scheduler

import (
	"sort"
	"sync"

	"github.com/regentci/regent/internal/testrun"
)

// HistoryFetcher supplies per-test statistics from the persistence layer.
// It returns nil when no history exists. It must be safe for concurrent
// use; the scheduler never invokes it while holding its lock.
type HistoryFetcher func(testID string) *testrun.HistoryData

type entry struct {
	test *testrun.QueuedTest
}

type Scheduler struct {
	mu       sync.Mutex
	items    []entry
	strategy testrun.Strategy
	fetch    HistoryFetcher
}

type Stats struct {
	Pending     int              `json:"pending"`
	Strategy    testrun.Strategy `json:"strategy"`
	ByCategory  map[string]int   `json:"by_category"`
	AvgPriority float64          `json:"avg_priority"`
}

func NewScheduler(strategy testrun.Strategy, fetch HistoryFetcher) *Scheduler {
	if fetch == nil {
		fetch = func(string) *testrun.HistoryData { return nil }
	}

	return &Scheduler{
		strategy: strategy,
		fetch:    fetch,
	}
}

// Enqueue scores the test against its history under the current strategy
// and inserts it in sorted position.
func (s *Scheduler) Enqueue(t *testrun.QueuedTest) {
	h := s.fetch(t.ID)
	t.Priority = priorityFor(s.Strategy(), h)
	t.EstimatedDurationMs = estimatedDurationMs(h)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.insertLocked(t)
}

func (s *Scheduler) EnqueueMany(tests []*testrun.QueuedTest) {
	for _, t := range tests {
		s.Enqueue(t)
	}
}

// Dequeue removes and returns the highest-priority test, or nil when the
// queue is empty. An empty queue is not an error; callers should poll.
func (s *Scheduler) Dequeue() *testrun.QueuedTest {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.items) == 0 {
		return nil
	}

	t := s.items[0].test
	s.items = s.items[1:]
	return t
}

// Peek returns up to n tests in dequeue order without removing them.
func (s *Scheduler) Peek(n int) []*testrun.QueuedTest {
	s.mu.Lock()
	defer s.mu.Unlock()

	if n > len(s.items) {
		n = len(s.items)
	}

	out := make([]*testrun.QueuedTest, 0, n)
	for _, e := range s.items[:n] {
		out = append(out, e.test)
	}

	return out
}

// Requeue re-inserts a failed test with halved priority (floor 1). It
// returns false, leaving the queue unchanged, once retries are exhausted.
func (s *Scheduler) Requeue(t *testrun.QueuedTest) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t.RetryCount >= t.MaxRetries {
		return false
	}

	t.RetryCount++
	t.Priority /= 2
	if t.Priority < 1 {
		t.Priority = 1
	}

	s.insertLocked(t)
	return true
}

// SetStrategy switches the scoring strategy and rescores every queued
// test. History is refetched outside the lock so a slow statistics source
// cannot stall concurrent enqueues and dequeues.
func (s *Scheduler) SetStrategy(strategy testrun.Strategy) {
	s.mu.Lock()
	s.strategy = strategy
	ids := make([]string, 0, len(s.items))
	for _, e := range s.items {
		ids = append(ids, e.test.ID)
	}
	s.mu.Unlock()

	histories := make(map[string]*testrun.HistoryData, len(ids))
	for _, id := range ids {
		histories[id] = s.fetch(id)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range s.items {
		e.test.Priority = priorityFor(strategy, histories[e.test.ID])
	}

	sort.SliceStable(s.items, func(i, j int) bool {
		return s.items[i].test.Priority > s.items[j].test.Priority
	})
}

func (s *Scheduler) Strategy() testrun.Strategy {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.strategy
}

func (s *Scheduler) GetByCategory(category string) []*testrun.QueuedTest {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*testrun.QueuedTest
	for _, e := range s.items {
		if e.test.Category == category {
			out = append(out, e.test)
		}
	}

	return out
}

func (s *Scheduler) GetStats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := Stats{
		Pending:    len(s.items),
		Strategy:   s.strategy,
		ByCategory: make(map[string]int),
	}

	total := 0
	for _, e := range s.items {
		stats.ByCategory[e.test.Category]++
		total += e.test.Priority
	}

	if len(s.items) > 0 {
		stats.AvgPriority = float64(total) / float64(len(s.items))
	}

	return stats
}

func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

func (s *Scheduler) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = nil
}

// insertLocked places t after every queued test of equal or higher
// priority, keeping the sort stable across inserts.
func (s *Scheduler) insertLocked(t *testrun.QueuedTest) {
	idx := sort.Search(len(s.items), func(i int) bool {
		return s.items[i].test.Priority < t.Priority
	})

	s.items = append(s.items, entry{})
	copy(s.items[idx+1:], s.items[idx:])
	s.items[idx] = entry{test: t}
}
