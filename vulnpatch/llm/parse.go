package llm

import (
	"embed"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"

	"github.com/SiriusScan/vulnpatch-api/vulnpatch"
)

//go:embed schemas/*.json
var schemaFS embed.FS

var (
	schemasOnce sync.Once
	schemas     map[EnrichmentType]*gojsonschema.Schema
	schemasErr  error
)

func loadSchemas() (map[EnrichmentType]*gojsonschema.Schema, error) {
	schemasOnce.Do(func() {
		schemas = make(map[EnrichmentType]*gojsonschema.Schema)
		for _, t := range []EnrichmentType{VulnerabilityAssessment, BusinessImpact, PatchRecommendation} {
			data, err := schemaFS.ReadFile("schemas/" + string(t) + ".json")
			if err != nil {
				schemasErr = fmt.Errorf("read %s schema: %w", t, err)
				return
			}
			s, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(data))
			if err != nil {
				schemasErr = fmt.Errorf("compile %s schema: %w", t, err)
				return
			}
			schemas[t] = s
		}
	})
	return schemas, schemasErr
}

// extractJSON returns the text between the first '{' and the last '}'.
func extractJSON(text string) (string, bool) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start == -1 || end < start {
		return "", false
	}
	return text[start : end+1], true
}

// textAnalysis wraps a free-text reply that carried no usable JSON.
func textAnalysis(text string) *Analysis {
	return &Analysis{
		Severity:            vulnpatch.SeverityMedium,
		RiskScore:           5.0,
		Recommendation:      text,
		RemediationCommands: []vulnpatch.RemediationCommand{},
		TechnicalDetails:    text,
		BusinessImpact:      "Security risk requiring evaluation",
		PatchPriority:       "Medium",
	}
}

// parseResponse decodes a model reply for the given type. Replies without a
// JSON object degrade to a text analysis; JSON that fails schema validation
// is an error.
func parseResponse(t EnrichmentType, text string) (*Analysis, error) {
	raw, ok := extractJSON(text)
	if !ok || !json.Valid([]byte(raw)) {
		return textAnalysis(strings.TrimSpace(text)), nil
	}

	all, err := loadSchemas()
	if err != nil {
		return nil, err
	}
	result, err := all[t].Validate(gojsonschema.NewStringLoader(raw))
	if err != nil {
		return nil, fmt.Errorf("schema validation error: %w", err)
	}
	if !result.Valid() {
		var problems []string
		for _, desc := range result.Errors() {
			problems = append(problems, desc.String())
		}
		return nil, fmt.Errorf("%s response failed validation: %s", t, strings.Join(problems, "; "))
	}

	switch t {
	case BusinessImpact:
		var impact ImpactAnalysis
		if err := json.Unmarshal([]byte(raw), &impact); err != nil {
			return nil, fmt.Errorf("decode %s response: %w", t, err)
		}
		return &Analysis{Impact: &impact, BusinessImpact: impact.OperationalImpact}, nil

	case PatchRecommendation:
		var plan PatchPlan
		if err := json.Unmarshal([]byte(raw), &plan); err != nil {
			return nil, fmt.Errorf("decode %s response: %w", t, err)
		}
		sev, _ := vulnpatch.ParseSeverity(plan.Urgency)
		return &Analysis{Patch: &plan, Severity: sev, PatchPriority: plan.Urgency, EstimatedEffort: plan.Timeline}, nil
	}

	var a Analysis
	if err := json.Unmarshal([]byte(raw), &a); err != nil {
		return nil, fmt.Errorf("decode %s response: %w", t, err)
	}
	a.Severity, _ = vulnpatch.ParseSeverity(string(a.Severity))
	if a.RemediationCommands == nil {
		a.RemediationCommands = []vulnpatch.RemediationCommand{}
	}
	return &a, nil
}
