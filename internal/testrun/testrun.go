// Package testrun defines the core domain model shared by the scheduler,
// classifier, fingerprint store and persistence layers: queued tests,
// per-test history, and the failure context produced by a test run.
package testrun

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type (
	RunStatus string
	Strategy  string
)

const (
	StatusPassed  RunStatus = "passed"
	StatusFailed  RunStatus = "failed"
	StatusRetried RunStatus = "retried"
	StatusSkipped RunStatus = "skipped"
)

const (
	StrategySpeed       Strategy = "speed"
	StrategyReliability Strategy = "reliability"
	StrategyBalanced    Strategy = "balanced"
	StrategyRandom      Strategy = "random"
)

// DefaultPriority is assigned when no history exists for a test.
const DefaultPriority = 500

// QueuedTest is a pending test waiting in the scheduler. Priority and
// EstimatedDurationMs are derived from history at enqueue time; only
// Requeue mutates them afterwards.
type QueuedTest struct {
	ID                  string         `json:"id"`
	Name                string         `json:"name"`
	Category            string         `json:"category"`
	Priority            int            `json:"priority"`
	EstimatedDurationMs int64          `json:"estimated_duration_ms"`
	RetryCount          int            `json:"retry_count"`
	MaxRetries          int            `json:"max_retries"`
	Metadata            map[string]any `json:"metadata,omitempty"`
	EnqueuedAt          time.Time      `json:"enqueued_at"`
}

// HistoryData is the read-only per-test statistics record supplied by the
// persistence layer. This package never mutates it.
type HistoryData struct {
	TestID        string    `json:"test_id"`
	AvgDurationMs float64   `json:"avg_duration_ms"`
	LastPassRate  float64   `json:"last_pass_rate"`
	RunCount      int       `json:"run_count"`
	LastStatus    RunStatus `json:"last_status"`
	LastRunAt     time.Time `json:"last_run_at"`
	FlakyScore    float64   `json:"flaky_score"`
	Category      string    `json:"category"`
}

// Turn is one message exchanged during a test conversation.
type Turn struct {
	Role      string     `json:"role"`
	Content   string     `json:"content"`
	Intent    string     `json:"intent,omitempty"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
}

type ToolCall struct {
	Name  string `json:"name"`
	Error string `json:"error,omitempty"`
}

// Goal is a validation target checked by the response validator.
type Goal struct {
	Type      string `json:"type"`
	Satisfied bool   `json:"satisfied"`
}

// APICall records the outcome of a sub-call made while driving the test.
type APICall struct {
	Endpoint string `json:"endpoint"`
	Status   string `json:"status"`
	Error    string `json:"error,omitempty"`
}

// FailureContext carries everything the classifier and fingerprint store
// need about a failed run. It is produced by the execution/validation
// layer, which is external to this engine.
type FailureContext struct {
	TestID           string            `json:"test_id"`
	TestName         string            `json:"test_name,omitempty"`
	ErrorMessage     string            `json:"error_message,omitempty"`
	ErrorStack       string            `json:"error_stack,omitempty"`
	DurationMs       int64             `json:"duration_ms"`
	PreviousAttempts int               `json:"previous_attempts"`
	Transcript       []Turn            `json:"transcript,omitempty"`
	Goals            []Goal            `json:"goals,omitempty"`
	APICalls         []APICall         `json:"api_calls,omitempty"`
	Metadata         map[string]string `json:"metadata,omitempty"`
}

// RunResult is what the conversation driver hands back per execution.
type RunResult struct {
	TestID     string          `json:"test_id"`
	Passed     bool            `json:"passed"`
	DurationMs int64           `json:"duration_ms"`
	Failure    *FailureContext `json:"failure,omitempty"`
}

// NewQueuedTest builds a pending test. id is the stable identity of the
// test case used for history lookups; when empty a fresh one is generated.
func NewQueuedTest(id, name, category string, maxRetries int, metadata map[string]any) *QueuedTest {
	if id == "" {
		id = uuid.New().String()
	}

	return &QueuedTest{
		ID:         id,
		Name:       name,
		Category:   category,
		Priority:   DefaultPriority,
		RetryCount: 0,
		MaxRetries: maxRetries,
		Metadata:   metadata,
		EnqueuedAt: time.Now(),
	}
}

func (t *QueuedTest) ToJSON() (string, error) {
	data, err := json.Marshal(t)
	if err != nil {
		return "", err
	}

	return string(data), nil
}

func QueuedTestFromJSON(data string) (*QueuedTest, error) {
	var t QueuedTest
	if err := json.Unmarshal([]byte(data), &t); err != nil {
		return nil, err
	}

	return &t, nil
}

// LastError returns the most specific error text available for
// classification: the validator's message plus any driver-level error
// stashed in metadata.
func (c *FailureContext) LastError() string {
	if c.Metadata == nil {
		return ""
	}

	return c.Metadata["last_error"]
}
