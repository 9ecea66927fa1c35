package classify

import (
	"context"
	"time"

	"github.com/regentci/regent/internal/testrun"
)

// RetryOptions tunes RetryWithClassification. OnRetry is invoked before
// each re-attempt with the attempt number about to run and the
// classification that allowed it.
type RetryOptions struct {
	OnRetry func(attempt int, result Result)
}

// RetryWithClassification runs fn, classifying each failure to decide
// whether and how long to wait before trying again. Once the failure is
// non-retryable or retries are exhausted, the original error is returned
// unchanged. Cancelling ctx aborts the backoff sleep and also surfaces
// the original error.
func RetryWithClassification(ctx context.Context, fn func() error, opts RetryOptions) error {
	for attempt := 0; ; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}

		result := Classify(&testrun.FailureContext{
			ErrorMessage:     err.Error(),
			PreviousAttempts: attempt,
		})

		if !result.ShouldRetry {
			return err
		}

		if opts.OnRetry != nil {
			opts.OnRetry(attempt+1, result)
		}

		select {
		case <-ctx.Done():
			return err
		case <-time.After(result.RetryDelay):
		}
	}
}

// CalculateFlakyScore measures how often a test's outcome flipped across
// consecutive historical runs, from 0 (stable) to 1 (alternating every
// run).
func CalculateFlakyScore(statuses []testrun.RunStatus) float64 {
	if len(statuses) < 2 {
		return 0
	}

	transitions := 0
	for i := 1; i < len(statuses); i++ {
		if statuses[i] != statuses[i-1] {
			transitions++
		}
	}

	return float64(transitions) / float64(len(statuses)-1)
}
