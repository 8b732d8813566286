package snapshot

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/SiriusScan/vulnpatch-api/vulnpatch"
	"github.com/SiriusScan/vulnpatch-api/vulnpatch/postgres"
)

const idLayout = "2006-01-02-150405.000"

const severityColumns = `
	COUNT(vulnerabilities.id) as total,
	SUM(CASE WHEN vulnerabilities.severity = 'Critical' THEN 1 ELSE 0 END) as critical,
	SUM(CASE WHEN vulnerabilities.severity = 'High' THEN 1 ELSE 0 END) as high,
	SUM(CASE WHEN vulnerabilities.severity = 'Medium' THEN 1 ELSE 0 END) as medium,
	SUM(CASE WHEN vulnerabilities.severity = 'Low' THEN 1 ELSE 0 END) as low`

// Calculator derives snapshots from stored findings.
type Calculator struct {
	db  *gorm.DB
	now func() time.Time
}

func NewCalculator(db *gorm.DB) *Calculator {
	return &Calculator{db: db, now: time.Now}
}

// Calculate counts owner's open findings across every scan job.
func (c *Calculator) Calculate(ctx context.Context, owner string) (*Snapshot, error) {
	start := c.now()
	now := start.UTC()
	snap := &Snapshot{
		SnapshotID: now.Format(idLayout),
		OwnerID:    owner,
		Timestamp:  now,
		ByHost:     []HostStat{},
	}

	open := func() *gorm.DB {
		return c.db.WithContext(ctx).Table("vulnerabilities").
			Joins("JOIN scan_jobs ON scan_jobs.id = vulnerabilities.scan_job_id").
			Where("scan_jobs.owner_id = ? AND vulnerabilities.status = ?", owner, vulnpatch.VulnOpen)
	}

	if err := open().Select(severityColumns).Scan(&snap.Counts).Error; err != nil {
		return nil, fmt.Errorf("failed to calculate counts: %w", err)
	}

	var hosts []HostStat
	err := open().
		Select("vulnerabilities.host as host," + severityColumns).
		Group("vulnerabilities.host").
		Order("vulnerabilities.host").
		Scan(&hosts).Error
	if err != nil {
		return nil, fmt.Errorf("failed to calculate per-host stats: %w", err)
	}
	if hosts != nil {
		snap.ByHost = hosts
	}

	var total, completed int64
	if err := c.db.WithContext(ctx).Model(&postgres.ScanJob{}).Where("owner_id = ?", owner).Count(&total).Error; err != nil {
		return nil, fmt.Errorf("failed to count scans: %w", err)
	}
	if err := c.db.WithContext(ctx).Model(&postgres.ScanJob{}).
		Where("owner_id = ? AND status = ?", owner, vulnpatch.StatusCompleted).Count(&completed).Error; err != nil {
		return nil, fmt.Errorf("failed to count completed scans: %w", err)
	}
	snap.Metadata = Metadata{
		TotalScans:               int(total),
		CompletedScans:           int(completed),
		HostsWithVulnerabilities: len(snap.ByHost),
		DurationMs:               c.now().Sub(start).Milliseconds(),
	}
	return snap, nil
}
