package postgres

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"

	"github.com/SiriusScan/vulnpatch-api/vulnpatch"
)

// JSONB stores an arbitrary JSON value in a text or jsonb column.
type JSONB map[string]any

func (j JSONB) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	b, err := json.Marshal(j)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (j *JSONB) Scan(value any) error {
	if value == nil {
		*j = nil
		return nil
	}
	var raw []byte
	switch v := value.(type) {
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return errors.New("unsupported JSONB source type")
	}
	return json.Unmarshal(raw, j)
}

// Commands is the stored list of remediation commands.
type Commands []vulnpatch.RemediationCommand

func (c Commands) Value() (driver.Value, error) {
	if c == nil {
		c = Commands{}
	}
	b, err := json.Marshal(c)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (c *Commands) Scan(value any) error {
	switch v := value.(type) {
	case nil:
		*c = Commands{}
		return nil
	case []byte:
		return json.Unmarshal(v, c)
	case string:
		return json.Unmarshal([]byte(v), c)
	default:
		return errors.New("unsupported remediation commands source type")
	}
}

// ScanJob is one uploaded scan document and its processing state.
type ScanJob struct {
	ID           uint                 `gorm:"primaryKey" json:"id"`
	OwnerID      string               `gorm:"not null;size:255;index" json:"owner_id"`
	Filename     string               `gorm:"not null;size:255" json:"filename"`
	FileSize     int64                `json:"file_size"`
	Status       vulnpatch.ScanStatus `gorm:"not null;size:20;index" json:"status"`
	RawData      string               `gorm:"type:text" json:"-"`
	ParsedData   JSONB                `gorm:"type:text" json:"parsed_data,omitempty"`
	ErrorMessage string               `gorm:"type:text" json:"error_message,omitempty"`
	CreatedAt    time.Time            `gorm:"index" json:"created_at"`
	UpdatedAt    time.Time            `json:"updated_at"`
	ProcessedAt  *time.Time           `json:"processed_at,omitempty"`

	Vulnerabilities []Vulnerability `gorm:"constraint:OnDelete:CASCADE" json:"-"`
}

// Vulnerability is one enriched finding belonging to a scan job.
type Vulnerability struct {
	ID                  uint                          `gorm:"primaryKey" json:"id"`
	ScanJobID           uint                          `gorm:"not null;index" json:"scan_job_id"`
	Host                string                        `gorm:"size:255" json:"host"`
	ServiceName         string                        `gorm:"size:100" json:"service_name"`
	Version             string                        `gorm:"size:255" json:"version"`
	Port                int                           `json:"port"`
	Protocol            string                        `gorm:"size:10" json:"protocol"`
	CVEID               string                        `gorm:"column:cve_id;size:50;index" json:"cve_id,omitempty"`
	CVSSScore           *float64                      `gorm:"column:cvss_score" json:"cvss_score,omitempty"`
	Severity            vulnpatch.Severity            `gorm:"size:20;index" json:"severity"`
	Description         string                        `gorm:"type:text" json:"description"`
	Recommendation      string                        `gorm:"type:text" json:"recommendation"`
	RemediationCommands Commands                      `gorm:"type:text" json:"remediation_commands"`
	Status              vulnpatch.VulnerabilityStatus `gorm:"size:20;default:open" json:"status"`
	CreatedAt           time.Time                     `json:"created_at"`
	UpdatedAt           time.Time                     `json:"updated_at"`
}

// Event is a persisted lifecycle event.
type Event struct {
	ID          uint64    `gorm:"primaryKey;autoIncrement" json:"id"`
	EventID     string    `gorm:"uniqueIndex;not null;size:255" json:"event_id"`
	Timestamp   time.Time `gorm:"not null;index:idx_events_timestamp,sort:desc" json:"timestamp"`
	Service     string    `gorm:"not null;size:100;index:idx_events_service" json:"service"`
	EventType   string    `gorm:"not null;size:50;index:idx_events_type" json:"event_type"`
	Severity    string    `gorm:"not null;size:20;index:idx_events_severity" json:"severity"`
	Title       string    `gorm:"not null;size:255" json:"title"`
	Description string    `gorm:"type:text" json:"description,omitempty"`
	Metadata    JSONB     `gorm:"type:text" json:"metadata,omitempty"`
	OwnerID     string    `gorm:"size:255;index" json:"owner_id,omitempty"`
	EntityType  string    `gorm:"size:50;index:idx_events_entity,priority:1" json:"entity_type,omitempty"`
	EntityID    string    `gorm:"size:255;index:idx_events_entity,priority:2" json:"entity_id,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

func (Event) TableName() string {
	return "events"
}

const (
	EventSeverityInfo     = "info"
	EventSeverityWarning  = "warning"
	EventSeverityError    = "error"
	EventSeverityCritical = "critical"
)

const (
	EventTypeScanQueued           = "scan_queued"
	EventTypeScanStarted          = "scan_started"
	EventTypeScanCompleted        = "scan_completed"
	EventTypeScanFailed           = "scan_failed"
	EventTypeScanDeleted          = "scan_deleted"
	EventTypeVulnerabilitiesFound = "vulnerabilities_found"
	EventTypeVulnerabilityUpdated = "vulnerability_updated"
)

const (
	EntityTypeScan          = "scan"
	EntityTypeVulnerability = "vulnerability"
)

// FromEnriched builds the stored form of an enriched candidate.
func FromEnriched(jobID uint, cand vulnpatch.VulnerabilityCandidate, f vulnpatch.EnrichedFields) Vulnerability {
	return Vulnerability{
		ScanJobID:           jobID,
		Host:                cand.Service.Host,
		ServiceName:         cand.Service.Name,
		Version:             cand.Service.Version,
		Port:                cand.Service.Port,
		Protocol:            cand.Service.Protocol,
		CVEID:               f.ExternalID,
		CVSSScore:           f.Score,
		Severity:            f.Severity,
		Description:         f.Description,
		Recommendation:      f.Recommendation,
		RemediationCommands: Commands(f.RemediationCommands),
		Status:              vulnpatch.VulnOpen,
	}
}
