package vulnpatch

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSeverityFromScoreBoundaries(t *testing.T) {
	cases := []struct {
		score float64
		want  Severity
	}{
		{10.0, SeverityCritical},
		{9.0, SeverityCritical},
		{8.999, SeverityHigh},
		{7.0, SeverityHigh},
		{6.999, SeverityMedium},
		{4.0, SeverityMedium},
		{3.999, SeverityLow},
		{0, SeverityLow},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, SeverityFromScore(tc.score), "score %v", tc.score)
	}
}

func TestParseSeverity(t *testing.T) {
	s, ok := ParseSeverity(" CRITICAL ")
	assert.True(t, ok)
	assert.Equal(t, SeverityCritical, s)

	s, ok = ParseSeverity("moderate")
	assert.True(t, ok)
	assert.Equal(t, SeverityMedium, s)

	_, ok = ParseSeverity("Unknown")
	assert.False(t, ok)
	assert.False(t, SeverityUnknown.Valid())
	assert.True(t, SeverityLow.Valid())
}

func TestScanStatusTransitions(t *testing.T) {
	path := []ScanStatus{StatusQueued, StatusParsing, StatusExtracting, StatusAnalyzing, StatusSaving, StatusCompleted}
	for i := 0; i < len(path)-1; i++ {
		assert.True(t, path[i].CanTransition(path[i+1]), "%s -> %s", path[i], path[i+1])
	}

	assert.False(t, StatusQueued.CanTransition(StatusAnalyzing))
	assert.False(t, StatusAnalyzing.CanTransition(StatusParsing))
	assert.True(t, StatusSaving.CanTransition(StatusFailed))
	assert.False(t, StatusCompleted.CanTransition(StatusFailed))
	assert.False(t, StatusFailed.CanTransition(StatusParsing))

	_, err := StatusCompleted.Transition(StatusSaving)
	assert.True(t, errors.Is(err, ErrInvalidTransition))
}

func TestResultSummaryCount(t *testing.T) {
	var r ResultSummary
	for _, s := range []Severity{SeverityCritical, SeverityHigh, SeverityHigh, SeverityMedium, SeverityLow, SeverityUnknown} {
		r.Count(s)
	}
	assert.Equal(t, ResultSummary{TotalVulnerabilities: 6, CriticalCount: 1, HighCount: 2, MediumCount: 1, LowCount: 1}, r)
}

func TestVulnerabilityStatusValid(t *testing.T) {
	assert.True(t, VulnFalsePositive.Valid())
	assert.False(t, VulnerabilityStatus("closed").Valid())
}
