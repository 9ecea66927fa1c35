package repository

import (
	"context"
	"sync"

	"github.com/regentci/regent/internal/classify"
	"github.com/regentci/regent/internal/scheduler"
	"github.com/regentci/regent/internal/testrun"
)

// MockHistoryRepository is an in-memory HistoryRepository with call
// recording, used by scheduler and orchestrator tests.
type MockHistoryRepository struct {
	mu                sync.Mutex
	Histories         map[string]*testrun.HistoryData
	RunStatuses       map[string][]testrun.RunStatus
	GetHistoryCalls   []string
	RefreshCalls      []string
	GetHistoryError   error
	RunStatusesError  error
	RefreshScoreError error
}

func NewMockHistoryRepository() *MockHistoryRepository {
	return &MockHistoryRepository{
		Histories:   make(map[string]*testrun.HistoryData),
		RunStatuses: make(map[string][]testrun.RunStatus),
	}
}

func (m *MockHistoryRepository) GetTestHistory(_ context.Context, testID string) (*testrun.HistoryData, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.GetHistoryCalls = append(m.GetHistoryCalls, testID)
	if m.GetHistoryError != nil {
		return nil, m.GetHistoryError
	}

	return m.Histories[testID], nil
}

func (m *MockHistoryRepository) RecentRunStatuses(_ context.Context, testID string, limit int) ([]testrun.RunStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.RunStatusesError != nil {
		return nil, m.RunStatusesError
	}

	statuses := m.RunStatuses[testID]
	if limit < len(statuses) {
		statuses = statuses[:limit]
	}

	return statuses, nil
}

func (m *MockHistoryRepository) RefreshFlakyScore(ctx context.Context, testID string) (float64, error) {
	statuses, err := m.RecentRunStatuses(ctx, testID, 20)
	if err != nil {
		return 0, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.RefreshCalls = append(m.RefreshCalls, testID)
	if m.RefreshScoreError != nil {
		return 0, m.RefreshScoreError
	}

	score := classify.CalculateFlakyScore(statuses)
	if h, ok := m.Histories[testID]; ok {
		h.FlakyScore = score
	}

	return score, nil
}

func (m *MockHistoryRepository) Fetcher() scheduler.HistoryFetcher {
	return func(testID string) *testrun.HistoryData {
		h, _ := m.GetTestHistory(context.Background(), testID)
		return h
	}
}

func (m *MockHistoryRepository) GetHistoryCallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.GetHistoryCalls)
}

func (m *MockHistoryRepository) Close() error {
	return nil
}
