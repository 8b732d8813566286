// Package vulnpatch holds the domain types shared by the ingestion pipeline:
// observed services, vulnerability candidates, enriched findings, severities
// and the scan job lifecycle.
package vulnpatch

import "time"

// ScriptResult is one detection script entry attached to a port.
type ScriptResult struct {
	ID     string `json:"id"`
	Output string `json:"output"`
}

// ObservedService is one open port reported by a scan document.
type ObservedService struct {
	Host      string         `json:"host"`
	Hostname  string         `json:"hostname,omitempty"`
	Port      int            `json:"port"`
	Protocol  string         `json:"protocol"`
	Name      string         `json:"service_name"`
	Product   string         `json:"product"`
	Version   string         `json:"version"`
	ExtraInfo string         `json:"extrainfo,omitempty"`
	Method    string         `json:"method,omitempty"`
	Conf      string         `json:"conf,omitempty"`
	Scripts   []ScriptResult `json:"scripts,omitempty"`
}

// ScanInfo is the scanner metadata found on the document root.
type ScanInfo struct {
	Scanner  string `json:"scanner"`
	Version  string `json:"version"`
	Args     string `json:"args,omitempty"`
	Start    string `json:"start"`
	Finished string `json:"finished,omitempty"`
	Elapsed  string `json:"elapsed,omitempty"`
}

// Address is a host address with its family ("ipv4", "ipv6", "mac").
type Address struct {
	Addr string `json:"addr"`
	Type string `json:"addrtype"`
}

// Hostname is a resolved name for a host.
type Hostname struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// Host is a scanned host summary.
type Host struct {
	Status    string     `json:"status"`
	Addresses []Address  `json:"addresses"`
	Hostnames []Hostname `json:"hostnames"`
	OpenPorts int        `json:"open_ports"`
}

// ParsedScan is the structured result of parsing a scan document.
type ParsedScan struct {
	Info     ScanInfo          `json:"scan_info"`
	Hosts    []Host            `json:"hosts"`
	Services []ObservedService `json:"services"`
}

// DetectionBasis records why a candidate was raised.
type DetectionBasis string

const (
	BasisOutdatedVersion DetectionBasis = "outdated_version"
	BasisScriptDetection DetectionBasis = "script_detection"
)

// VulnerabilityCandidate is a provisional finding produced by the extractor.
type VulnerabilityCandidate struct {
	Service        ObservedService `json:"service"`
	Basis          DetectionBasis  `json:"basis"`
	Severity       Severity        `json:"severity"`
	Description    string          `json:"description"`
	Recommendation string          `json:"recommendation"`
	ScriptID       string          `json:"script_id,omitempty"`
	ScriptOutput   string          `json:"script_output,omitempty"`
}

// RemediationCommand is one actionable step suggested for a finding.
type RemediationCommand struct {
	Title         string `json:"title"`
	Command       string `json:"command"`
	OS            string `json:"os"`
	Description   string `json:"description"`
	RequiresSudo  bool   `json:"requires_sudo"`
	IsDestructive bool   `json:"is_destructive"`
}

// EnrichedFields is the outcome of enriching a single candidate.
type EnrichedFields struct {
	ExternalID          string               `json:"external_id,omitempty"`
	Score               *float64             `json:"score,omitempty"`
	Severity            Severity             `json:"severity"`
	Description         string               `json:"description"`
	Recommendation      string               `json:"recommendation"`
	RemediationCommands []RemediationCommand `json:"remediation_commands"`
}

// HasScore reports whether a numeric score was attached.
func (e EnrichedFields) HasScore() bool { return e.Score != nil }

// ProgressEvent is a staged update for one ingestion job.
type ProgressEvent struct {
	JobID     uint           `json:"job_id"`
	Progress  int            `json:"progress"`
	Stage     ScanStatus     `json:"stage"`
	Message   string         `json:"message"`
	Result    *ResultSummary `json:"result,omitempty"`
	Error     string         `json:"error,omitempty"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Terminal reports whether the event closes the job's stream.
func (e ProgressEvent) Terminal() bool {
	return e.Result != nil || e.Error != ""
}

// ResultSummary is attached to the completion event of a job.
type ResultSummary struct {
	TotalVulnerabilities int `json:"total_vulnerabilities"`
	CriticalCount        int `json:"critical_count"`
	HighCount            int `json:"high_count"`
	MediumCount          int `json:"medium_count"`
	LowCount             int `json:"low_count"`
	ServicesAnalyzed     int `json:"services_analyzed"`
}

// Count adds one finding of the given severity to the summary.
func (r *ResultSummary) Count(s Severity) {
	r.TotalVulnerabilities++
	switch s {
	case SeverityCritical:
		r.CriticalCount++
	case SeverityHigh:
		r.HighCount++
	case SeverityMedium:
		r.MediumCount++
	case SeverityLow:
		r.LowCount++
	}
}
