package scheduler

import (
	"math"
	"math/rand"

	"github.com/regentci/regent/internal/testrun"
)

// scorer computes a priority from a test's history. Scorers only run when
// history exists; the no-history default is handled in priorityFor.
type scorer func(h *testrun.HistoryData) int

var strategyScorers = map[testrun.Strategy]scorer{
	testrun.StrategySpeed: func(h *testrun.HistoryData) int {
		// Faster tests score higher, floored so slow tests still run.
		return int(math.Max(10, 1000/math.Max(1, h.AvgDurationMs/1000)))
	},
	testrun.StrategyReliability: func(h *testrun.HistoryData) int {
		return int(math.Round(h.LastPassRate * 1000 * (1 - h.FlakyScore)))
	},
	testrun.StrategyBalanced: func(h *testrun.HistoryData) int {
		score := 1000/math.Max(1, h.AvgDurationMs/1000) +
			h.LastPassRate*500 -
			h.FlakyScore*300
		return int(math.Round(score))
	},
}

// priorityFor scores a test for scheduling order. Tests with no recorded
// history score a flat testrun.DefaultPriority under the formula
// strategies; the random strategy ignores history entirely.
func priorityFor(strategy testrun.Strategy, h *testrun.HistoryData) int {
	if strategy == testrun.StrategyRandom {
		return rand.Intn(1000)
	}

	score, ok := strategyScorers[strategy]
	if !ok || h == nil {
		return testrun.DefaultPriority
	}

	return score(h)
}

func estimatedDurationMs(h *testrun.HistoryData) int64 {
	if h == nil {
		return 0
	}

	return int64(h.AvgDurationMs)
}
