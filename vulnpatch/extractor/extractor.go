// Package extractor derives vulnerability candidates from observed services
// using a static table of known-vulnerable versions and script detections.
package extractor

import (
	"fmt"
	"strings"

	"github.com/SiriusScan/vulnpatch-api/vulnpatch"
)

// Wildcard marks every version of a service as vulnerable.
const Wildcard = "*"

// Rule lists version substrings considered vulnerable for one service.
type Rule struct {
	Versions []string
	Severity vulnpatch.Severity
}

// DefaultRules is seed data, not a vulnerability feed.
var DefaultRules = map[string]Rule{
	"ssh":        {Versions: []string{"OpenSSH 7.4", "OpenSSH 6.6"}, Severity: vulnpatch.SeverityMedium},
	"http":       {Versions: []string{"Apache 2.2", "nginx 1.10"}, Severity: vulnpatch.SeverityHigh},
	"ftp":        {Versions: []string{"vsftpd 2.3.4"}, Severity: vulnpatch.SeverityCritical},
	"telnet":     {Versions: []string{Wildcard}, Severity: vulnpatch.SeverityHigh},
	"smtp":       {Versions: []string{"Postfix 2.8"}, Severity: vulnpatch.SeverityMedium},
	"mysql":      {Versions: []string{"MySQL 5.5"}, Severity: vulnpatch.SeverityHigh},
	"postgresql": {Versions: []string{"PostgreSQL 9.3"}, Severity: vulnpatch.SeverityMedium},
}

// Extractor applies a rule table to observed services.
type Extractor struct {
	rules map[string]Rule
}

// New returns an Extractor over rules. Keys are matched against lower-cased
// service names.
func New(rules map[string]Rule) *Extractor {
	normalized := make(map[string]Rule, len(rules))
	for name, r := range rules {
		normalized[strings.ToLower(name)] = r
	}
	return &Extractor{rules: normalized}
}

var defaultExtractor = New(DefaultRules)

// Extract runs the default rule table.
func Extract(services []vulnpatch.ObservedService) []vulnpatch.VulnerabilityCandidate {
	return defaultExtractor.Extract(services)
}

// Extract returns candidates in service order, version match first, then one
// candidate per qualifying script. It never fails.
func (e *Extractor) Extract(services []vulnpatch.ObservedService) []vulnpatch.VulnerabilityCandidate {
	out := []vulnpatch.VulnerabilityCandidate{}
	for _, svc := range services {
		out = append(out, e.ForService(svc)...)
	}
	return out
}

// ForService returns the candidates for a single service.
func (e *Extractor) ForService(svc vulnpatch.ObservedService) []vulnpatch.VulnerabilityCandidate {
	var out []vulnpatch.VulnerabilityCandidate
	name := strings.ToLower(svc.Name)

	if rule, ok := e.rules[name]; ok && matches(rule, svc) {
		out = append(out, vulnpatch.VulnerabilityCandidate{
			Service:        svc,
			Basis:          vulnpatch.BasisOutdatedVersion,
			Severity:       rule.Severity,
			Description:    fmt.Sprintf("Potentially vulnerable %s service detected", name),
			Recommendation: fmt.Sprintf("Update %s to the latest version", name),
		})
	}

	for _, script := range svc.Scripts {
		id := strings.ToLower(script.ID)
		if !strings.Contains(id, "vuln") && !strings.Contains(id, "cve") {
			continue
		}
		out = append(out, vulnpatch.VulnerabilityCandidate{
			Service:        svc,
			Basis:          vulnpatch.BasisScriptDetection,
			Severity:       vulnpatch.SeverityUnknown,
			Description:    fmt.Sprintf("Vulnerability detected by script: %s", script.ID),
			Recommendation: "Review script output and apply appropriate patches",
			ScriptID:       script.ID,
			ScriptOutput:   script.Output,
		})
	}
	return out
}

func matches(rule Rule, svc vulnpatch.ObservedService) bool {
	for _, v := range rule.Versions {
		if v == Wildcard {
			return true
		}
	}
	if svc.Version == "" {
		return false
	}
	banner := strings.ToLower(svc.Product + " " + svc.Version)
	for _, v := range rule.Versions {
		if strings.Contains(banner, strings.ToLower(v)) {
			return true
		}
	}
	return false
}
