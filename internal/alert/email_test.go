package alert

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/regentci/regent/internal/fingerprint"
)

func sampleFingerprint() *fingerprint.Fingerprint {
	return &fingerprint.Fingerprint{
		ID:   "fp-1",
		Hash: "a1b2c3d4e5f60718",
		Components: fingerprint.Components{
			TerminalState:    "apology",
			MissingGoalTypes: []string{"booking-confirmed"},
			ErrorSignature:   "expected confirmed but got pending",
			FailureType:      "assertion-failure",
			TurnCount:        10,
		},
		FirstSeen:       time.Date(2026, 8, 25, 9, 30, 0, 0, time.UTC),
		OccurrenceCount: 1,
		TestIDs:         []string{"booking-happy", "booking-retry"},
	}
}

func TestBuildSubject(t *testing.T) {
	subject := buildSubject(sampleFingerprint())

	assert.Equal(t, "[regent] new failure fingerprint a1b2c3d4e5f60718 (assertion-failure)", subject)
}

func TestBuildBody(t *testing.T) {
	body := buildBody(sampleFingerprint())

	assert.Contains(t, body, "Hash:           a1b2c3d4e5f60718")
	assert.Contains(t, body, "Failure type:   assertion-failure")
	assert.Contains(t, body, "Terminal state: apology")
	assert.Contains(t, body, "First seen:     2026-08-25 09:30:00")
	assert.Contains(t, body, "Error:          expected confirmed but got pending")
	assert.Contains(t, body, "Missing goals:  booking-confirmed")
	assert.Contains(t, body, "Tests:          booking-happy, booking-retry")
}

func TestBuildBody_OmitsEmptySections(t *testing.T) {
	fp := sampleFingerprint()
	fp.Components.ErrorSignature = ""
	fp.Components.MissingGoalTypes = nil
	fp.TestIDs = nil

	body := buildBody(fp)

	assert.NotContains(t, body, "Error:")
	assert.NotContains(t, body, "Missing goals:")
	assert.NotContains(t, body, "Tests:")
}
