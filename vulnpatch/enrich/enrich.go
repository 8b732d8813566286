// Package enrich attaches external identifiers, scores and remediation
// guidance to vulnerability candidates. The CVE lookup and the LLM analysis
// run concurrently and degrade independently; Enrich never fails.
package enrich

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/SiriusScan/vulnpatch-api/vulnpatch"
	"github.com/SiriusScan/vulnpatch-api/vulnpatch/cve"
	"github.com/SiriusScan/vulnpatch-api/vulnpatch/llm"
	"github.com/SiriusScan/vulnpatch-api/vulnpatch/telemetry"
)

const DefaultTimeout = 30 * time.Second

// CVELookup resolves a service to its most relevant CVE.
type CVELookup interface {
	Lookup(ctx context.Context, service, version, product string) (cve.Result, bool)
}

// Analyzer produces an analysis, substituting a fallback on failure.
type Analyzer interface {
	AnalyzeOrFallback(ctx context.Context, req llm.Request) (llm.Analysis, bool)
}

// Pipeline enriches candidates.
type Pipeline struct {
	cves       CVELookup
	analyzer   Analyzer
	cveTimeout time.Duration
	llmTimeout time.Duration
}

type Option func(*Pipeline)

func WithCVETimeout(d time.Duration) Option {
	return func(p *Pipeline) {
		if d > 0 {
			p.cveTimeout = d
		}
	}
}

func WithLLMTimeout(d time.Duration) Option {
	return func(p *Pipeline) {
		if d > 0 {
			p.llmTimeout = d
		}
	}
}

func New(cves CVELookup, analyzer Analyzer, opts ...Option) *Pipeline {
	p := &Pipeline{
		cves:       cves,
		analyzer:   analyzer,
		cveTimeout: DefaultTimeout,
		llmTimeout: DefaultTimeout,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Enrich runs both sub-steps for cand and merges their outputs.
func (p *Pipeline) Enrich(ctx context.Context, cand vulnpatch.VulnerabilityCandidate) vulnpatch.EnrichedFields {
	ctx, span := telemetry.Tracer().Start(ctx, "enrich.candidate")
	defer span.End()
	span.SetAttributes(
		attribute.String("service", cand.Service.Name),
		attribute.Int("port", cand.Service.Port),
		attribute.String("basis", string(cand.Basis)),
	)

	var (
		cveResult cve.Result
		cveFound  bool
		analysis  llm.Analysis
		fromLLM   bool
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if p.cves == nil {
			return nil
		}
		cctx, cancel := context.WithTimeout(gctx, p.cveTimeout)
		defer cancel()
		cveResult, cveFound = p.cves.Lookup(cctx, cand.Service.Name, cand.Service.Version, cand.Service.Product)
		return nil
	})
	g.Go(func() error {
		req := llm.Request{
			Service:     cand.Service.Name,
			Version:     cand.Service.Version,
			Port:        cand.Service.Port,
			Description: cand.Description,
			Type:        llm.VulnerabilityAssessment,
		}
		if p.analyzer == nil {
			analysis = llm.Fallback(req)
			return nil
		}
		lctx, cancel := context.WithTimeout(gctx, p.llmTimeout)
		defer cancel()
		analysis, fromLLM = p.analyzer.AnalyzeOrFallback(lctx, req)
		return nil
	})
	_ = g.Wait()

	var found *cve.Result
	if cveFound {
		found = &cveResult
		span.SetAttributes(attribute.String("cve_id", cveResult.ID))
	}
	return Merge(cand, found, analysis, fromLLM)
}

// Merge combines the candidate with the lookup result and the analysis:
//   - a CVE severity overrides the candidate severity;
//   - the analysis recommendation and commands are applied when present;
//   - the analysis severity applies only without a CVE score, and a fallback
//     analysis only replaces an Unknown severity;
//   - with a score present the severity is always the score's bucket.
func Merge(cand vulnpatch.VulnerabilityCandidate, found *cve.Result, analysis llm.Analysis, fromLLM bool) vulnpatch.EnrichedFields {
	out := vulnpatch.EnrichedFields{
		Severity:            cand.Severity,
		Description:         cand.Description,
		Recommendation:      cand.Recommendation,
		RemediationCommands: []vulnpatch.RemediationCommand{},
	}

	if found != nil {
		out.ExternalID = found.ID
		if found.Score != nil {
			score := *found.Score
			out.Score = &score
		}
		if found.Severity != "" {
			out.Severity = found.Severity
		}
	}

	if analysis.Recommendation != "" {
		out.Recommendation = analysis.Recommendation
	}
	if len(analysis.RemediationCommands) > 0 {
		out.RemediationCommands = append(out.RemediationCommands, analysis.RemediationCommands...)
	}
	if out.Score == nil && analysis.Severity.Valid() {
		if fromLLM || !out.Severity.Valid() {
			out.Severity = analysis.Severity
		}
	}

	if out.Score != nil {
		out.Severity = vulnpatch.SeverityFromScore(*out.Score)
	}
	if !out.Severity.Valid() {
		out.Severity = vulnpatch.SeverityMedium
	}
	return out
}
