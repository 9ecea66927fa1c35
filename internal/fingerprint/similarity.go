package fingerprint

import "strings"

// Component weights for similarity scoring. Failure type dominates, the
// conversational shape (terminal state, intents, goals) carries most of
// the rest, and the error signature, turn count and boolean flags refine
// the score.
const (
	weightTerminalState = 2.0
	weightFailureType   = 3.0
	weightIntents       = 2.0
	weightGoals         = 2.0
	weightSignature     = 1.0
	weightTurnCount     = 1.0
	weightFlags         = 1.0
)

// Similarity scores how alike two failure shapes are, normalized to
// [0,1]. It is symmetric: Similarity(a,b) == Similarity(b,a).
func Similarity(a, b Components) float64 {
	var score, weight float64

	weight += weightTerminalState
	if a.TerminalState == b.TerminalState {
		score += weightTerminalState
	}

	weight += weightFailureType
	if a.FailureType == b.FailureType {
		score += weightFailureType
	}

	weight += weightIntents
	score += weightIntents * overlapRatio(a.LastIntents, b.LastIntents)

	weight += weightGoals
	score += weightGoals * overlapRatio(a.MissingGoalTypes, b.MissingGoalTypes)

	weight += weightSignature
	if a.ErrorSignature == b.ErrorSignature {
		score += weightSignature
	} else {
		score += weightSignature * jaccard(a.ErrorSignature, b.ErrorSignature)
	}

	weight += weightTurnCount
	diff := float64(a.TurnCount - b.TurnCount)
	if diff < 0 {
		diff = -diff
	}
	if proximity := 1 - diff/20; proximity > 0 {
		score += weightTurnCount * proximity
	}

	weight += weightFlags
	if a.HasToolFailure == b.HasToolFailure {
		score += weightFlags / 2
	}
	if a.HasAPIError == b.HasAPIError {
		score += weightFlags / 2
	}

	return score / weight
}

// overlapRatio is |a∩b| / max(|a|,|b|,1) over the unique elements of each
// list.
func overlapRatio(a, b []string) float64 {
	setA := toSet(a)
	setB := toSet(b)

	max := len(setA)
	if len(setB) > max {
		max = len(setB)
	}
	if max == 0 {
		max = 1
	}

	shared := 0
	for v := range setA {
		if setB[v] {
			shared++
		}
	}

	return float64(shared) / float64(max)
}

// jaccard compares two signatures as whitespace-split token sets.
func jaccard(a, b string) float64 {
	setA := toSet(strings.Fields(a))
	setB := toSet(strings.Fields(b))

	if len(setA) == 0 && len(setB) == 0 {
		return 0
	}

	shared := 0
	for v := range setA {
		if setB[v] {
			shared++
		}
	}

	union := len(setA) + len(setB) - shared
	return float64(shared) / float64(union)
}

func toSet(values []string) map[string]bool {
	set := make(map[string]bool, len(values))
	for _, v := range values {
		set[v] = true
	}

	return set
}
