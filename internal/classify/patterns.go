package classify

import (
	"regexp"
	"time"
)

type FailureType string

const (
	TypeAssertion FailureType = "assertion"
	TypeTimeout   FailureType = "timeout"
	TypeRateLimit FailureType = "rate-limit"
	TypeNetwork   FailureType = "network"
	TypeFlaky     FailureType = "flaky"
	TypeState     FailureType = "state"
	TypeUnknown   FailureType = "unknown"
)

type failurePattern struct {
	id string
	re *regexp.Regexp
}

type patternGroup struct {
	ftype    FailureType
	weight   float64
	patterns []failurePattern
}

// patternTable is scanned in declared order. The highest weight wins and
// equal weights keep the first match found, so fingerprint clustering
// stays stable across releases.
var patternTable = []patternGroup{
	{
		ftype:  TypeRateLimit,
		weight: 1.0,
		patterns: []failurePattern{
			{id: "rate-limit", re: regexp.MustCompile(`(?i)rate.?limit`)},
			{id: "too-many-requests", re: regexp.MustCompile(`(?i)too many requests`)},
			{id: "http-429", re: regexp.MustCompile(`\b429\b`)},
			{id: "quota-exceeded", re: regexp.MustCompile(`(?i)quota exceeded`)},
		},
	},
	{
		ftype:  TypeNetwork,
		weight: 0.95,
		patterns: []failurePattern{
			{id: "econn", re: regexp.MustCompile(`(?i)ECONN(REFUSED|RESET|ABORTED)`)},
			{id: "socket", re: regexp.MustCompile(`(?i)socket hang ?up|EPIPE`)},
			{id: "dns", re: regexp.MustCompile(`(?i)ENOTFOUND|EAI_AGAIN|dns lookup`)},
			{id: "network-error", re: regexp.MustCompile(`(?i)network (error|failure|unreachable)`)},
			{id: "bad-gateway", re: regexp.MustCompile(`\b50[234]\b`)},
		},
	},
	{
		ftype:  TypeTimeout,
		weight: 0.9,
		patterns: []failurePattern{
			{id: "etimedout", re: regexp.MustCompile(`(?i)ETIMEDOUT`)},
			{id: "timeout", re: regexp.MustCompile(`(?i)timed? ?out`)},
			{id: "deadline-exceeded", re: regexp.MustCompile(`(?i)deadline exceeded`)},
		},
	},
	{
		ftype:  TypeAssertion,
		weight: 0.85,
		patterns: []failurePattern{
			{id: "assertion-error", re: regexp.MustCompile(`(?i)assertion ?error`)},
			{id: "expected-got", re: regexp.MustCompile(`(?i)expected .*(but |to )?(got|received|be)`)},
			{id: "assert-failed", re: regexp.MustCompile(`(?i)assert(ion)? failed`)},
		},
	},
	{
		ftype:  TypeState,
		weight: 0.8,
		patterns: []failurePattern{
			{id: "invalid-state", re: regexp.MustCompile(`(?i)invalid state`)},
			{id: "state-mismatch", re: regexp.MustCompile(`(?i)state mismatch`)},
			{id: "conflict", re: regexp.MustCompile(`(?i)\bconflict\b`)},
			{id: "already-exists", re: regexp.MustCompile(`(?i)already exists`)},
			{id: "precondition", re: regexp.MustCompile(`(?i)precondition`)},
		},
	},
	{
		ftype:  TypeFlaky,
		weight: 0.7,
		patterns: []failurePattern{
			{id: "flaky", re: regexp.MustCompile(`(?i)flaky`)},
			{id: "intermittent", re: regexp.MustCompile(`(?i)intermittent`)},
			{id: "nondeterministic", re: regexp.MustCompile(`(?i)non.?deterministic`)},
		},
	},
}

// RetryPolicy is the fixed retry behavior for one failure type. The delay
// before attempt n (0-indexed prior attempts) is BaseDelay·Multiplier^n.
type RetryPolicy struct {
	Retry             bool
	BaseDelay         time.Duration
	MaxRetries        int
	Multiplier        float64
	TimeoutMultiplier float64
}

var retryPolicies = map[FailureType]RetryPolicy{
	TypeAssertion: {Retry: false},
	TypeTimeout:   {Retry: true, BaseDelay: 2 * time.Second, MaxRetries: 2, Multiplier: 1.5, TimeoutMultiplier: 2.0},
	TypeRateLimit: {Retry: true, BaseDelay: 10 * time.Second, MaxRetries: 3, Multiplier: 3.0},
	TypeNetwork:   {Retry: true, BaseDelay: 3 * time.Second, MaxRetries: 3, Multiplier: 2.0},
	TypeFlaky:     {Retry: true, BaseDelay: 1 * time.Second, MaxRetries: 2, Multiplier: 1.5},
	TypeState:     {Retry: true, BaseDelay: 2 * time.Second, MaxRetries: 1, Multiplier: 1.0},
	TypeUnknown:   {Retry: true, BaseDelay: 2 * time.Second, MaxRetries: 1, Multiplier: 2.0},
}

// PolicyFor returns the retry policy for a failure type, falling back to
// the unknown policy for unrecognized types.
func PolicyFor(ftype FailureType) RetryPolicy {
	if p, ok := retryPolicies[ftype]; ok {
		return p
	}

	return retryPolicies[TypeUnknown]
}
