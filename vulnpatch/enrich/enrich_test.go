package enrich

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SiriusScan/vulnpatch-api/vulnpatch"
	"github.com/SiriusScan/vulnpatch-api/vulnpatch/cve"
	"github.com/SiriusScan/vulnpatch-api/vulnpatch/llm"
)

type fakeCVE struct {
	result  cve.Result
	found   bool
	delay   time.Duration
	started chan struct{}
	release chan struct{}
}

func (f *fakeCVE) Lookup(ctx context.Context, _, _, _ string) (cve.Result, bool) {
	if f.started != nil {
		close(f.started)
	}
	if f.release != nil {
		<-f.release
	}
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return cve.Result{}, false
		}
	}
	return f.result, f.found
}

type fakeAnalyzer struct {
	analysis llm.Analysis
	ok       bool
	onCall   func()
	got      llm.Request
}

func (f *fakeAnalyzer) AnalyzeOrFallback(_ context.Context, req llm.Request) (llm.Analysis, bool) {
	f.got = req
	if f.onCall != nil {
		f.onCall()
	}
	if !f.ok {
		return llm.Fallback(req), false
	}
	return f.analysis, true
}

func score(v float64) *float64 { return &v }

func ftpCandidate() vulnpatch.VulnerabilityCandidate {
	return vulnpatch.VulnerabilityCandidate{
		Service:        vulnpatch.ObservedService{Host: "10.0.0.5", Port: 21, Protocol: "tcp", Name: "ftp", Product: "vsftpd", Version: "2.3.4"},
		Basis:          vulnpatch.BasisOutdatedVersion,
		Severity:       vulnpatch.SeverityCritical,
		Description:    "Potentially vulnerable ftp service detected",
		Recommendation: "Update ftp to the latest version",
	}
}

func llmAnalysis() llm.Analysis {
	return llm.Analysis{
		Severity:       vulnpatch.SeverityHigh,
		RiskScore:      8,
		Recommendation: "Upgrade to vsftpd 3.0.5",
		RemediationCommands: []vulnpatch.RemediationCommand{
			{Title: "Upgrade", Command: "apt-get install --only-upgrade vsftpd", OS: "debian", RequiresSudo: true},
		},
	}
}

func TestEnrichCVETimeoutLLMSucceeds(t *testing.T) {
	p := New(&fakeCVE{found: true, result: cve.Result{ID: "late"}, delay: time.Second},
		&fakeAnalyzer{ok: true, analysis: llmAnalysis()},
		WithCVETimeout(20*time.Millisecond))

	got := p.Enrich(context.Background(), ftpCandidate())
	assert.Empty(t, got.ExternalID)
	assert.Nil(t, got.Score)
	assert.Equal(t, vulnpatch.SeverityHigh, got.Severity)
	assert.Equal(t, "Potentially vulnerable ftp service detected", got.Description)
	assert.Equal(t, "Upgrade to vsftpd 3.0.5", got.Recommendation)
	assert.Len(t, got.RemediationCommands, 1)
}

func TestEnrichLLMFailsCVESucceeds(t *testing.T) {
	p := New(&fakeCVE{found: true, result: cve.Result{ID: "CVE-2011-2523", Score: score(9.8), Severity: vulnpatch.SeverityCritical}},
		&fakeAnalyzer{ok: false})

	got := p.Enrich(context.Background(), ftpCandidate())
	assert.Equal(t, "CVE-2011-2523", got.ExternalID)
	require.NotNil(t, got.Score)
	assert.Equal(t, 9.8, *got.Score)
	assert.Equal(t, vulnpatch.SeverityCritical, got.Severity)
	assert.Equal(t, "Update ftp to the latest version and review security configuration", got.Recommendation)
	assert.Empty(t, got.RemediationCommands)
	assert.NotNil(t, got.RemediationCommands)
}

func TestEnrichBothFailKeepsExtractorSeverity(t *testing.T) {
	p := New(&fakeCVE{found: false}, &fakeAnalyzer{ok: false})
	got := p.Enrich(context.Background(), ftpCandidate())
	assert.Equal(t, vulnpatch.SeverityCritical, got.Severity)
	assert.Nil(t, got.Score)
	assert.NotEmpty(t, got.Recommendation)
}

func TestEnrichRunsSubStepsConcurrently(t *testing.T) {
	lookup := &fakeCVE{started: make(chan struct{}), release: make(chan struct{})}
	analyzer := &fakeAnalyzer{ok: true, analysis: llmAnalysis()}
	analyzer.onCall = func() {
		select {
		case <-lookup.started:
			close(lookup.release)
		case <-time.After(2 * time.Second):
			t.Error("analysis did not overlap with lookup")
			close(lookup.release)
		}
	}

	done := make(chan struct{})
	go func() {
		New(lookup, analyzer).Enrich(context.Background(), ftpCandidate())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("enrichment deadlocked")
	}
	assert.Equal(t, 21, analyzer.got.Port)
	assert.Equal(t, llm.VulnerabilityAssessment, analyzer.got.Type)
}

func TestMergeScoreBuckets(t *testing.T) {
	cases := []struct {
		score float64
		want  vulnpatch.Severity
	}{
		{9.0, vulnpatch.SeverityCritical},
		{8.999, vulnpatch.SeverityHigh},
		{7.0, vulnpatch.SeverityHigh},
		{6.999, vulnpatch.SeverityMedium},
		{4.0, vulnpatch.SeverityMedium},
		{3.999, vulnpatch.SeverityLow},
	}
	for _, tc := range cases {
		// A mismatched CVE severity label must still be corrected by the score.
		found := &cve.Result{ID: "CVE-X", Score: score(tc.score), Severity: vulnpatch.SeverityCritical}
		got := Merge(ftpCandidate(), found, llmAnalysis(), true)
		assert.Equal(t, tc.want, got.Severity, "score %v", tc.score)
	}
}

func TestMergeLLMSeverityOnlyWithoutScore(t *testing.T) {
	found := &cve.Result{ID: "CVE-Y"}
	got := Merge(ftpCandidate(), found, llmAnalysis(), true)
	assert.Equal(t, "CVE-Y", got.ExternalID)
	assert.Equal(t, vulnpatch.SeverityHigh, got.Severity)
}

func TestMergeUnknownCandidateTakesFallbackSeverity(t *testing.T) {
	cand := ftpCandidate()
	cand.Basis = vulnpatch.BasisScriptDetection
	cand.Severity = vulnpatch.SeverityUnknown

	got := Merge(cand, nil, llm.Fallback(llm.Request{Service: "ftp"}), false)
	assert.Equal(t, vulnpatch.SeverityMedium, got.Severity)

	got = Merge(cand, nil, llm.Analysis{}, false)
	assert.Equal(t, vulnpatch.SeverityMedium, got.Severity)
	assert.Equal(t, cand.Recommendation, got.Recommendation)
}

func TestEnrichWithoutCollaborators(t *testing.T) {
	got := New(nil, nil).Enrich(context.Background(), ftpCandidate())
	assert.Equal(t, vulnpatch.SeverityCritical, got.Severity)
	assert.Equal(t, "Update ftp to the latest version and review security configuration", got.Recommendation)
}
