// Package llm produces structured vulnerability analyses from a language
// model, validating every response against a JSON schema and caching
// assessments.
package llm

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/SiriusScan/vulnpatch-api/vulnpatch"
	"github.com/SiriusScan/vulnpatch-api/vulnpatch/cache"
	"github.com/SiriusScan/vulnpatch-api/vulnpatch/store"
	"github.com/SiriusScan/vulnpatch-api/vulnpatch/telemetry"
)

// EnrichmentType selects the framing of an analysis.
type EnrichmentType string

const (
	VulnerabilityAssessment EnrichmentType = "vulnerability_assessment"
	BusinessImpact          EnrichmentType = "business_impact"
	PatchRecommendation     EnrichmentType = "patch_recommendation"
)

// ParseEnrichmentType defaults empty input to VulnerabilityAssessment.
func ParseEnrichmentType(s string) (EnrichmentType, error) {
	switch EnrichmentType(s) {
	case "", VulnerabilityAssessment:
		return VulnerabilityAssessment, nil
	case BusinessImpact, PatchRecommendation:
		return EnrichmentType(s), nil
	}
	return "", fmt.Errorf("unknown enrichment type %q", s)
}

// Request describes the finding to analyse.
type Request struct {
	Service     string
	Version     string
	Port        int
	Description string
	CVEID       string
	Type        EnrichmentType
}

// Analysis is the structured judgement for a vulnerability_assessment
// request. Impact and Patch are set for the other enrichment types.
type Analysis struct {
	Severity            vulnpatch.Severity             `json:"severity"`
	RiskScore           float64                        `json:"risk_score"`
	Recommendation      string                         `json:"recommendation"`
	RemediationCommands []vulnpatch.RemediationCommand `json:"remediation_commands"`
	BusinessImpact      string                         `json:"business_impact"`
	TechnicalDetails    string                         `json:"technical_details"`
	PatchPriority       string                         `json:"patch_priority"`
	EstimatedEffort     string                         `json:"estimated_effort"`
	Prerequisites       []string                       `json:"prerequisites"`
	ComplianceImpact    []string                       `json:"compliance_impact"`

	Impact *ImpactAnalysis `json:"impact,omitempty"`
	Patch  *PatchPlan      `json:"patch,omitempty"`
}

// ImpactAnalysis is the business_impact framing.
type ImpactAnalysis struct {
	FinancialImpact        string   `json:"financial_impact"`
	OperationalImpact      string   `json:"operational_impact"`
	ReputationRisk         string   `json:"reputation_risk"`
	RegulatoryImplications []string `json:"regulatory_implications"`
	CustomerImpact         string   `json:"customer_impact"`
	RecoveryCost           string   `json:"recovery_cost"`
}

// PatchPlan is the patch_recommendation framing.
type PatchPlan struct {
	Urgency             string   `json:"urgency"`
	Timeline            string   `json:"timeline"`
	PatchVersion        string   `json:"patch_version"`
	RiskIfNotPatched    string   `json:"risk_if_not_patched"`
	DeploymentStrategy  string   `json:"deployment_strategy"`
	TestingRequirements []string `json:"testing_requirements"`
	RollbackPlan        string   `json:"rollback_plan"`
}

// Service runs analyses through a Provider.
type Service struct {
	provider Provider
	cache    *cache.Cache[Analysis]
	timeout  time.Duration
}

// NewService wraps provider. kv may be nil to disable caching.
// ttl overrides the assessment cache lifetime when positive.
func NewService(provider Provider, kv store.KVStore, timeout time.Duration, ttl ...time.Duration) *Service {
	if provider == nil {
		provider = Noop{}
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	cacheTTL := cache.AnalysisTTL
	if len(ttl) > 0 && ttl[0] > 0 {
		cacheTTL = ttl[0]
	}
	s := &Service{provider: provider, timeout: timeout}
	if kv != nil {
		s.cache = cache.New[Analysis](kv, "llm_analysis", "llm:analysis:", cacheTTL)
	}
	return s
}

// Available reports whether a backend is configured.
func (s *Service) Available() bool { return s.provider.Available() }

// CacheKey hashes the fields an assessment depends on.
func CacheKey(service, version, description string) string {
	sum := md5.Sum([]byte(service + ":" + version + ":" + description))
	return hex.EncodeToString(sum[:])
}

// Analyze asks the provider for an analysis. It returns ErrUnavailable when
// no backend is configured and any provider or validation error as is; use
// AnalyzeOrFallback for the degrading variant.
func (s *Service) Analyze(ctx context.Context, req Request) (*Analysis, error) {
	if req.Type == "" {
		req.Type = VulnerabilityAssessment
	}
	if !s.provider.Available() {
		return nil, ErrUnavailable
	}

	cacheable := req.Type == VulnerabilityAssessment
	key := CacheKey(req.Service, req.Version, req.Description)
	if cacheable {
		if a, ok := s.cache.Get(ctx, key); ok {
			return &a, nil
		}
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	text, err := s.provider.Generate(ctx, buildPrompt(req))
	if err != nil {
		return nil, err
	}

	a, err := parseResponse(req.Type, text)
	if err != nil {
		return nil, err
	}
	if cacheable {
		s.cache.Set(ctx, key, *a)
	}
	return a, nil
}

// AnalyzeOrFallback never fails: any error yields Fallback(req). ok reports
// whether the analysis came from the model.
func (s *Service) AnalyzeOrFallback(ctx context.Context, req Request) (Analysis, bool) {
	a, err := s.Analyze(ctx, req)
	if err != nil {
		outcome := "error"
		if errors.Is(err, ErrUnavailable) {
			outcome = "unavailable"
		} else {
			slog.Warn("LLM analysis failed, using fallback", "service", req.Service, "provider", s.provider.Name(), "error", err)
		}
		telemetry.EnrichmentResults.WithLabelValues("llm", outcome).Inc()
		return Fallback(req), false
	}
	telemetry.EnrichmentResults.WithLabelValues("llm", "ok").Inc()
	return *a, true
}

// Fallback is the deterministic analysis used when the model cannot answer.
func Fallback(req Request) Analysis {
	return Analysis{
		Severity:            vulnpatch.SeverityMedium,
		RiskScore:           5.0,
		Recommendation:      fmt.Sprintf("Update %s to the latest version and review security configuration", req.Service),
		RemediationCommands: []vulnpatch.RemediationCommand{},
		BusinessImpact:      "Potential security vulnerability that could impact system security",
		TechnicalDetails:    req.Description,
		PatchPriority:       "Medium",
		EstimatedEffort:     "2-4 hours",
		Prerequisites:       []string{"System backup", "Maintenance window", "Testing environment"},
	}
}

func buildPrompt(req Request) string {
	cve := req.CVEID
	if cve == "" {
		cve = "none"
	}
	subject := fmt.Sprintf("Service: %s\nVersion: %s\nPort: %d\nCVE: %s\nFinding: %s\n",
		req.Service, req.Version, req.Port, cve, req.Description)

	switch req.Type {
	case BusinessImpact:
		return "Assess the business impact of this vulnerability. Respond with JSON only, matching the business_impact schema.\n" + subject
	case PatchRecommendation:
		return "Recommend a patch plan for this vulnerability. Respond with JSON only, matching the patch_recommendation schema.\n" + subject
	default:
		return "Analyse this vulnerability as a security engineer. Respond with JSON only, matching the vulnerability_assessment schema, " +
			"including concrete remediation_commands.\n" + subject
	}
}
