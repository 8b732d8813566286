package progress

import (
	"time"

	"github.com/SiriusScan/vulnpatch-api/vulnpatch"
)

// MessageType tags every message sent to subscribers.
type MessageType string

const (
	TypeScanProgress     MessageType = "scan_progress"
	TypeScanStatus       MessageType = "scan_status"
	TypeScanComplete     MessageType = "scan_complete"
	TypeScanFailed       MessageType = "scan_failed"
	TypeCriticalAlert    MessageType = "critical_alert"
	TypeAnnouncement     MessageType = "announcement"
	TypeDashboardRefresh MessageType = "dashboard_refresh"
	TypePong             MessageType = "pong"
)

// Message is the envelope written to a subscriber.
type Message struct {
	Type      MessageType `json:"type"`
	Data      any         `json:"data"`
	Timestamp time.Time   `json:"timestamp"`
}

// Alert is a high-priority notice about one critical finding.
type Alert struct {
	Severity       string         `json:"severity"`
	Title          string         `json:"title"`
	JobID          uint           `json:"job_id"`
	Vulnerability  AlertedFinding `json:"vulnerability"`
	ActionRequired bool           `json:"action_required"`
}

// AlertedFinding describes the finding behind an Alert.
type AlertedFinding struct {
	ServiceName string   `json:"service_name"`
	Version     string   `json:"version"`
	Host        string   `json:"host"`
	Port        int      `json:"port"`
	Description string   `json:"description"`
	CVEID       string   `json:"cve_id,omitempty"`
	Score       *float64 `json:"cvss_score,omitempty"`
}

// Announcement is an operator broadcast.
type Announcement struct {
	Title   string `json:"title"`
	Message string `json:"message"`
	Level   string `json:"level"`
}

func messageFor(ev vulnpatch.ProgressEvent) MessageType {
	switch {
	case ev.Result != nil:
		return TypeScanComplete
	case ev.Error != "":
		return TypeScanFailed
	default:
		return TypeScanProgress
	}
}
