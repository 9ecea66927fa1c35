// Package classify maps failure signals from a test run to a failure type
// and a retry decision. Classification is a pure function: it never
// errors, and under total ambiguity it still returns a decision.
package classify

import (
	"math"
	"strings"
	"time"

	"github.com/regentci/regent/internal/testrun"
)

// Result is the classifier's verdict for one failure. Computed fresh on
// every call and never persisted.
type Result struct {
	Type              FailureType   `json:"type"`
	ShouldRetry       bool          `json:"should_retry"`
	RetryDelay        time.Duration `json:"retry_delay"`
	MaxRetries        int           `json:"max_retries"`
	Confidence        float64       `json:"confidence"`
	Signals           []string      `json:"signals,omitempty"`
	TimeoutMultiplier float64       `json:"timeout_multiplier,omitempty"`
}

const longRunThresholdMs = 60000

// Classify scans the failure's error text against the pattern table, then
// applies weaker heuristics when no pattern scored at least 0.5, and maps
// the winning type to its retry policy.
func Classify(ctx *testrun.FailureContext) Result {
	text := ctx.ErrorMessage + "\n" + ctx.ErrorStack + "\n" + ctx.LastError()

	var (
		bestType   FailureType
		bestWeight float64
		signals    []string
	)

	for _, group := range patternTable {
		for _, p := range group.patterns {
			if !p.re.MatchString(text) {
				continue
			}

			signals = append(signals, p.id)
			if group.weight > bestWeight {
				bestType = group.ftype
				bestWeight = group.weight
			}
		}
	}

	if bestWeight < 0.5 {
		if ctx.DurationMs > longRunThresholdMs && bestWeight < 0.6 {
			bestType = TypeTimeout
			bestWeight = 0.6
			signals = append(signals, "heuristic:long-duration")
		}

		if hasFailedSubCall(ctx) && bestWeight < 0.6 {
			bestType = TypeNetwork
			bestWeight = 0.6
			signals = append(signals, "heuristic:failed-subcall")
		}

		if bestType == "" && repeatedMessageCount(ctx.Transcript) > 2 {
			bestType = TypeFlaky
			bestWeight = 0.5
			signals = append(signals, "heuristic:repeated-messages")
		}
	}

	if bestType == "" {
		bestType = TypeUnknown
		bestWeight = 0.3
	}

	policy := PolicyFor(bestType)

	return Result{
		Type:              bestType,
		ShouldRetry:       policy.Retry && ctx.PreviousAttempts+1 <= policy.MaxRetries,
		RetryDelay:        backoffDelay(policy, ctx.PreviousAttempts),
		MaxRetries:        policy.MaxRetries,
		Confidence:        bestWeight,
		Signals:           signals,
		TimeoutMultiplier: policy.TimeoutMultiplier,
	}
}

// ShouldRetryTest is a convenience wrapper answering only the retry
// question for a failure.
func ShouldRetryTest(ctx *testrun.FailureContext) (bool, time.Duration) {
	r := Classify(ctx)
	return r.ShouldRetry, r.RetryDelay
}

func backoffDelay(policy RetryPolicy, previousAttempts int) time.Duration {
	if !policy.Retry {
		return 0
	}

	return time.Duration(float64(policy.BaseDelay) * math.Pow(policy.Multiplier, float64(previousAttempts)))
}

func hasFailedSubCall(ctx *testrun.FailureContext) bool {
	for _, call := range ctx.APICalls {
		if call.Error != "" {
			return true
		}
		if call.Status != "" && call.Status != "success" && call.Status != "ok" {
			return true
		}
	}

	return false
}

// repeatedMessageCount counts transcript messages whose exact text already
// appeared at an earlier position. More than two such repeats suggests the
// conversation was looping.
func repeatedMessageCount(transcript []testrun.Turn) int {
	firstSeen := make(map[string]int, len(transcript))
	repeats := 0

	for i, turn := range transcript {
		msg := strings.TrimSpace(turn.Content)
		if msg == "" {
			continue
		}

		if first, ok := firstSeen[msg]; ok && first != i {
			repeats++
			continue
		}
		firstSeen[msg] = i
	}

	return repeats
}
