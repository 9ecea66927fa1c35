package repository

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/regentci/regent/internal/testrun"
)

func TestMockHistoryRepository_ImplementsInterface(t *testing.T) {
	var _ HistoryRepository = NewMockHistoryRepository()
}

func TestMockHistoryRepository_RecordsCalls(t *testing.T) {
	mock := NewMockHistoryRepository()
	mock.Histories["t1"] = &testrun.HistoryData{TestID: "t1", RunCount: 3}

	h, err := mock.GetTestHistory(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, 3, h.RunCount)

	h, err = mock.GetTestHistory(context.Background(), "t2")
	require.NoError(t, err)
	assert.Nil(t, h)

	assert.Equal(t, []string{"t1", "t2"}, mock.GetHistoryCalls)
	assert.Equal(t, 2, mock.GetHistoryCallCount())
}

func TestMockHistoryRepository_RefreshUpdatesScore(t *testing.T) {
	mock := NewMockHistoryRepository()
	mock.Histories["t1"] = &testrun.HistoryData{TestID: "t1"}
	mock.RunStatuses["t1"] = []testrun.RunStatus{
		testrun.StatusPassed,
		testrun.StatusFailed,
		testrun.StatusPassed,
	}

	score, err := mock.RefreshFlakyScore(context.Background(), "t1")
	require.NoError(t, err)

	assert.Equal(t, 1.0, score)
	assert.Equal(t, 1.0, mock.Histories["t1"].FlakyScore)
	assert.Equal(t, []string{"t1"}, mock.RefreshCalls)
}

func TestMockHistoryRepository_Fetcher(t *testing.T) {
	mock := NewMockHistoryRepository()
	mock.Histories["t1"] = &testrun.HistoryData{TestID: "t1", AvgDurationMs: 2500}

	fetch := mock.Fetcher()

	h := fetch("t1")
	require.NotNil(t, h)
	assert.Equal(t, 2500.0, h.AvgDurationMs)
	assert.Nil(t, fetch("missing"))
}
