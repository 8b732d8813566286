// Package snapshot records point-in-time severity counts per owner in the
// key/value store.
package snapshot

import "time"

// MaxSnapshots is how many snapshots are kept per owner.
const MaxSnapshots = 10

// Snapshot is an owner's open-finding state at one point in time.
type Snapshot struct {
	SnapshotID string     `json:"snapshot_id"`
	OwnerID    string     `json:"owner_id"`
	Timestamp  time.Time  `json:"timestamp"`
	Counts     Counts     `json:"counts"`
	ByHost     []HostStat `json:"by_host"`
	Metadata   Metadata   `json:"metadata"`
}

// Counts totals open findings by severity.
type Counts struct {
	Total    int `json:"total"`
	Critical int `json:"critical"`
	High     int `json:"high"`
	Medium   int `json:"medium"`
	Low      int `json:"low"`
}

// HostStat is the per-host breakdown of Counts.
type HostStat struct {
	Host     string `json:"host"`
	Total    int    `json:"total"`
	Critical int    `json:"critical"`
	High     int    `json:"high"`
	Medium   int    `json:"medium"`
	Low      int    `json:"low"`
}

type Metadata struct {
	TotalScans               int   `json:"total_scans"`
	CompletedScans           int   `json:"completed_scans"`
	HostsWithVulnerabilities int   `json:"hosts_with_vulnerabilities"`
	DurationMs               int64 `json:"snapshot_duration_ms"`
}
