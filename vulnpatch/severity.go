package vulnpatch

import "strings"

// Severity is a categorical severity label.
type Severity string

const (
	SeverityCritical Severity = "Critical"
	SeverityHigh     Severity = "High"
	SeverityMedium   Severity = "Medium"
	SeverityLow      Severity = "Low"
	SeverityUnknown  Severity = "Unknown"
)

// SeverityFromScore buckets a CVSS base score.
func SeverityFromScore(score float64) Severity {
	switch {
	case score >= 9.0:
		return SeverityCritical
	case score >= 7.0:
		return SeverityHigh
	case score >= 4.0:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// ParseSeverity accepts any casing of the four persisted labels. Unknown
// and unrecognised input yield ok=false.
func ParseSeverity(s string) (Severity, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "critical":
		return SeverityCritical, true
	case "high":
		return SeverityHigh, true
	case "medium", "moderate":
		return SeverityMedium, true
	case "low":
		return SeverityLow, true
	default:
		return SeverityUnknown, false
	}
}

// Valid reports whether s is one of the persisted labels.
func (s Severity) Valid() bool {
	_, ok := ParseSeverity(string(s))
	return ok && s != SeverityUnknown
}

// Rank orders severities, Critical highest.
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 4
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 1
	default:
		return 0
	}
}
