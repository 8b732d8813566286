package vulnpatch

import (
	"errors"
	"fmt"
)

// ScanStatus is the lifecycle state of a scan job.
type ScanStatus string

const (
	StatusQueued     ScanStatus = "queued"
	StatusParsing    ScanStatus = "parsing"
	StatusExtracting ScanStatus = "extracting"
	StatusAnalyzing  ScanStatus = "analyzing"
	StatusSaving     ScanStatus = "saving"
	StatusCompleted  ScanStatus = "completed"
	StatusFailed     ScanStatus = "failed"
)

var ErrInvalidTransition = errors.New("invalid scan status transition")

var statusOrder = map[ScanStatus]int{
	StatusQueued:     0,
	StatusParsing:    1,
	StatusExtracting: 2,
	StatusAnalyzing:  3,
	StatusSaving:     4,
	StatusCompleted:  5,
}

// IsTerminal reports whether no further transition is allowed.
func (s ScanStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// CanTransition reports whether s may move to next. Forward moves follow the
// pipeline order one step at a time; failed is reachable from any
// non-terminal state.
func (s ScanStatus) CanTransition(next ScanStatus) bool {
	if s.IsTerminal() {
		return false
	}
	if next == StatusFailed {
		return true
	}
	from, ok := statusOrder[s]
	if !ok {
		return false
	}
	to, ok := statusOrder[next]
	return ok && to == from+1
}

// Transition returns next or ErrInvalidTransition.
func (s ScanStatus) Transition(next ScanStatus) (ScanStatus, error) {
	if !s.CanTransition(next) {
		return s, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s, next)
	}
	return next, nil
}

// VulnerabilityStatus is the user workflow state of a finding.
type VulnerabilityStatus string

const (
	VulnOpen          VulnerabilityStatus = "open"
	VulnPatched       VulnerabilityStatus = "patched"
	VulnIgnored       VulnerabilityStatus = "ignored"
	VulnFalsePositive VulnerabilityStatus = "false_positive"
)

// Valid reports whether v is a known workflow state.
func (v VulnerabilityStatus) Valid() bool {
	switch v {
	case VulnOpen, VulnPatched, VulnIgnored, VulnFalsePositive:
		return true
	}
	return false
}
