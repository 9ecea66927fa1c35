// Package fingerprint deduplicates recurring test failures by behavioral
// shape. A failure is reduced to normalized components, hashed, and
// merged with prior occurrences that are exactly or approximately equal,
// so triage sees one fingerprint per root cause instead of one per run.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"regexp"
	"sort"
	"strings"

	"github.com/regentci/regent/internal/testrun"
)

// Components is the normalized shape of one failure. It is derived from
// the failure context and never persisted on its own; the fingerprint
// hash is a pure function of these fields.
type Components struct {
	TerminalState    string   `json:"terminal_state"`
	LastIntents      []string `json:"last_intents,omitempty"`
	MissingGoalTypes []string `json:"missing_goal_types,omitempty"`
	ErrorSignature   string   `json:"error_signature,omitempty"`
	FailureType      string   `json:"failure_type"`
	TurnCount        int      `json:"turn_count"`
	HasToolFailure   bool     `json:"has_tool_failure"`
	HasAPIError      bool     `json:"has_api_error"`
}

const (
	maxSignatureLen = 200
	maxIntents      = 3
	turnBucketSize  = 5
	turnBucketCap   = 20
)

var (
	uuidRe = regexp.MustCompile(`[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}`)
	dateRe = regexp.MustCompile(`\d{4}-\d{2}-\d{2}|\d{1,2}/\d{1,2}/\d{2,4}`)
	timeRe = regexp.MustCompile(`\d{1,2}:\d{2}(:\d{2})?\s?([aApP][mM])?`)
	numRe  = regexp.MustCompile(`\d+`)
	wsRe   = regexp.MustCompile(`\s+`)
)

// Extract derives the fingerprint components for a failure.
func Extract(ctx *testrun.FailureContext) Components {
	return Components{
		TerminalState:    terminalState(ctx.Transcript),
		LastIntents:      lastIntents(ctx.Transcript),
		MissingGoalTypes: missingGoalTypes(ctx.Goals),
		ErrorSignature:   NormalizeError(ctx.ErrorMessage),
		FailureType:      failureType(ctx),
		TurnCount:        turnBucket(len(ctx.Transcript)),
		HasToolFailure:   hasToolFailure(ctx.Transcript),
		HasAPIError:      hasAPIError(ctx.APICalls),
	}
}

// Hash serializes order-normalized components deterministically and
// returns the first 16 hex characters of their SHA-256 digest.
func Hash(c Components) string {
	normalized := c
	normalized.LastIntents = sortedCopy(c.LastIntents)
	normalized.MissingGoalTypes = sortedCopy(c.MissingGoalTypes)

	data, err := json.Marshal(normalized)
	if err != nil {
		// Components hold only strings, ints and bools; Marshal cannot
		// fail on them.
		return ""
	}

	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])[:16]
}

// NormalizeError strips volatile tokens (dates, times, UUIDs, digit runs)
// out of an error message so the same failure produces the same signature
// across runs. Empty input yields an empty signature.
func NormalizeError(message string) string {
	if message == "" {
		return ""
	}

	sig := uuidRe.ReplaceAllString(message, "UUID")
	sig = dateRe.ReplaceAllString(sig, "DATE")
	sig = timeRe.ReplaceAllString(sig, "TIME")
	sig = numRe.ReplaceAllString(sig, "N")
	sig = wsRe.ReplaceAllString(sig, " ")
	sig = strings.ToLower(strings.TrimSpace(sig))

	if len(sig) > maxSignatureLen {
		sig = sig[:maxSignatureLen]
	}

	return sig
}

// terminalState buckets the final transcript turn into a coarse outcome
// category. Substring checks run in priority order, so an apologetic
// question counts as an apology.
func terminalState(transcript []testrun.Turn) string {
	if len(transcript) == 0 {
		return "unknown"
	}

	last := transcript[len(transcript)-1]
	switch last.Role {
	case "user", "caller", "human":
		return "user-message"
	}

	text := strings.ToLower(last.Content)
	switch {
	case strings.Contains(text, "sorry") || strings.Contains(text, "apolog"):
		return "apology"
	case strings.Contains(text, "appointment") || strings.Contains(text, "schedul") || strings.Contains(text, "book"):
		return "scheduling-response"
	case strings.Contains(text, "transfer") || strings.Contains(text, "connect you"):
		return "transfer"
	case strings.Contains(text, "help you") || strings.Contains(text, "assist"):
		return "offer-help"
	case strings.Contains(text, "?"):
		return "question"
	default:
		return "statement"
	}
}

func lastIntents(transcript []testrun.Turn) []string {
	start := len(transcript) - maxIntents
	if start < 0 {
		start = 0
	}

	var intents []string
	for _, turn := range transcript[start:] {
		if turn.Intent != "" {
			intents = append(intents, turn.Intent)
		}
	}

	return intents
}

func missingGoalTypes(goals []testrun.Goal) []string {
	seen := make(map[string]bool)
	var types []string

	for _, g := range goals {
		if g.Satisfied || seen[g.Type] {
			continue
		}
		seen[g.Type] = true
		types = append(types, g.Type)
	}

	return types
}

// failureType picks the dominant failure mode: error text first, then an
// intent loop, then how far through its goals the test got.
func failureType(ctx *testrun.FailureContext) string {
	errText := strings.ToLower(ctx.ErrorMessage)
	switch {
	case strings.Contains(errText, "timeout"):
		return "timeout"
	case strings.Contains(errText, "rate limit"):
		return "rate-limit"
	case strings.Contains(errText, "network"):
		return "network"
	}

	if intents := lastIntents(ctx.Transcript); len(intents) == maxIntents {
		if intents[0] == intents[1] && intents[1] == intents[2] {
			return "intent-loop"
		}
	}

	satisfied := 0
	for _, g := range ctx.Goals {
		if g.Satisfied {
			satisfied++
		}
	}

	switch {
	case satisfied == 0:
		return "no-progress"
	case float64(satisfied)/float64(len(ctx.Goals)) < 0.5:
		return "partial-progress"
	default:
		return "assertion-failure"
	}
}

func turnBucket(turns int) int {
	bucket := (turns / turnBucketSize) * turnBucketSize
	if bucket > turnBucketCap {
		bucket = turnBucketCap
	}

	return bucket
}

func hasToolFailure(transcript []testrun.Turn) bool {
	for _, turn := range transcript {
		for _, call := range turn.ToolCalls {
			if call.Error != "" {
				return true
			}
		}
	}

	return false
}

func hasAPIError(calls []testrun.APICall) bool {
	for _, call := range calls {
		if call.Error != "" || call.Status == "error" {
			return true
		}
	}

	return false
}

func sortedCopy(in []string) []string {
	if len(in) == 0 {
		return nil
	}

	out := make([]string, len(in))
	copy(out, in)
	sort.Strings(out)
	return out
}
