// Package scan persists scan jobs and their vulnerabilities.
package scan

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"gorm.io/gorm"

	"github.com/SiriusScan/vulnpatch-api/vulnpatch"
	"github.com/SiriusScan/vulnpatch-api/vulnpatch/postgres"
)

var ErrNotFound = errors.New("not found")

const (
	DefaultLimit = 100
	MaxLimit     = 1000
)

// Page bounds a list query.
type Page struct {
	Skip  int
	Limit int
}

func (p Page) normalize() Page {
	if p.Skip < 0 {
		p.Skip = 0
	}
	if p.Limit <= 0 {
		p.Limit = DefaultLimit
	}
	if p.Limit > MaxLimit {
		p.Limit = MaxLimit
	}
	return p
}

// JobWithCount is a scan job plus the number of stored findings.
type JobWithCount struct {
	postgres.ScanJob
	VulnerabilityCount int64 `json:"vulnerability_count"`
}

// Repository reads and writes scan jobs.
type Repository interface {
	Create(ctx context.Context, job *postgres.ScanJob) error
	Get(ctx context.Context, id uint) (*postgres.ScanJob, error)
	GetForOwner(ctx context.Context, owner string, id uint) (*JobWithCount, error)
	List(ctx context.Context, owner string, page Page) ([]postgres.ScanJob, error)
	UpdateStatus(ctx context.Context, id uint, status vulnpatch.ScanStatus) error
	SaveParsed(ctx context.Context, id uint, parsed postgres.JSONB) error
	Fail(ctx context.Context, id uint, message string) error
	Complete(ctx context.Context, id uint, vulns []postgres.Vulnerability) error
	Delete(ctx context.Context, owner string, id uint) error
}

// VulnerabilityRepository reads and updates stored findings.
type VulnerabilityRepository interface {
	ListForJob(ctx context.Context, owner string, jobID uint) ([]postgres.Vulnerability, error)
	Get(ctx context.Context, owner string, id uint) (*postgres.Vulnerability, error)
	UpdateStatus(ctx context.Context, owner string, id uint, status vulnpatch.VulnerabilityStatus) (*postgres.Vulnerability, error)
}

// Store implements both repositories over gorm.
type Store struct {
	db  *gorm.DB
	now func() time.Time
}

func NewStore(db *gorm.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// Vulnerabilities returns the finding view of the store.
func (s *Store) Vulnerabilities() VulnerabilityRepository {
	return vulnStore{s}
}

func (s *Store) Create(ctx context.Context, job *postgres.ScanJob) error {
	if job.Status == "" {
		job.Status = vulnpatch.StatusQueued
	}
	if err := s.db.WithContext(ctx).Create(job).Error; err != nil {
		return fmt.Errorf("failed to create scan job: %w", err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id uint) (*postgres.ScanJob, error) {
	var job postgres.ScanJob
	if err := s.db.WithContext(ctx).First(&job, id).Error; err != nil {
		return nil, notFound(err, jobRef(id))
	}
	return &job, nil
}

// GetForOwner hides jobs of other owners behind ErrNotFound.
func (s *Store) GetForOwner(ctx context.Context, owner string, id uint) (*JobWithCount, error) {
	var job postgres.ScanJob
	err := s.db.WithContext(ctx).Where("id = ? AND owner_id = ?", id, owner).First(&job).Error
	if err != nil {
		return nil, notFound(err, jobRef(id))
	}
	out := &JobWithCount{ScanJob: job}
	if err := s.db.WithContext(ctx).Model(&postgres.Vulnerability{}).
		Where("scan_job_id = ?", id).Count(&out.VulnerabilityCount).Error; err != nil {
		return nil, fmt.Errorf("failed to count vulnerabilities: %w", err)
	}
	return out, nil
}

// List returns owner's jobs, newest first.
func (s *Store) List(ctx context.Context, owner string, page Page) ([]postgres.ScanJob, error) {
	page = page.normalize()
	var jobs []postgres.ScanJob
	err := s.db.WithContext(ctx).
		Where("owner_id = ?", owner).
		Order("created_at DESC, id DESC").
		Offset(page.Skip).
		Limit(page.Limit).
		Find(&jobs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list scan jobs: %w", err)
	}
	return jobs, nil
}

// UpdateStatus moves a job to status if the transition is legal.
func (s *Store) UpdateStatus(ctx context.Context, id uint, status vulnpatch.ScanStatus) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return transition(tx, id, status, nil)
	})
}

func (s *Store) SaveParsed(ctx context.Context, id uint, parsed postgres.JSONB) error {
	res := s.db.WithContext(ctx).Model(&postgres.ScanJob{}).Where("id = ?", id).Update("parsed_data", parsed)
	if res.Error != nil {
		return fmt.Errorf("failed to store parsed data: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("scan job %d: %w", id, ErrNotFound)
	}
	return nil
}

// Fail marks a non-terminal job failed and records message.
func (s *Store) Fail(ctx context.Context, id uint, message string) error {
	now := s.now()
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return transition(tx, id, vulnpatch.StatusFailed, map[string]any{
			"error_message": message,
			"processed_at":  now,
		})
	})
}

// Complete stores vulns and marks the job completed in one transaction.
func (s *Store) Complete(ctx context.Context, id uint, vulns []postgres.Vulnerability) error {
	now := s.now()
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for i := range vulns {
			vulns[i].ScanJobID = id
		}
		if len(vulns) > 0 {
			if err := tx.CreateInBatches(vulns, 100).Error; err != nil {
				return fmt.Errorf("failed to save vulnerabilities: %w", err)
			}
		}
		return transition(tx, id, vulnpatch.StatusCompleted, map[string]any{"processed_at": now})
	})
}

// Delete removes a job of owner and every finding attached to it.
func (s *Store) Delete(ctx context.Context, owner string, id uint) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var job postgres.ScanJob
		if err := tx.Where("id = ? AND owner_id = ?", id, owner).First(&job).Error; err != nil {
			return notFound(err, jobRef(id))
		}
		if err := tx.Where("scan_job_id = ?", id).Delete(&postgres.Vulnerability{}).Error; err != nil {
			return fmt.Errorf("failed to delete vulnerabilities: %w", err)
		}
		if err := tx.Delete(&job).Error; err != nil {
			return fmt.Errorf("failed to delete scan job: %w", err)
		}
		return nil
	})
}

func transition(tx *gorm.DB, id uint, next vulnpatch.ScanStatus, extra map[string]any) error {
	var job postgres.ScanJob
	if err := tx.Select("id", "status").First(&job, id).Error; err != nil {
		return notFound(err, jobRef(id))
	}
	if _, err := job.Status.Transition(next); err != nil {
		return err
	}
	updates := map[string]any{"status": next}
	for k, v := range extra {
		updates[k] = v
	}
	if err := tx.Model(&postgres.ScanJob{}).Where("id = ?", id).Updates(updates).Error; err != nil {
		return fmt.Errorf("failed to update scan job %d: %w", id, err)
	}
	return nil
}

func notFound(err error, what string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return fmt.Errorf("failed to load %s: %w", what, err)
}

func jobRef(id uint) string { return fmt.Sprintf("scan job %d", id) }

func sortBySeverity(v []postgres.Vulnerability) {
	sort.SliceStable(v, func(i, j int) bool {
		return v[i].Severity.Rank() > v[j].Severity.Rank()
	})
}

type vulnStore struct{ s *Store }

// ListForJob returns the findings of one of owner's jobs, most severe first.
func (v vulnStore) ListForJob(ctx context.Context, owner string, jobID uint) ([]postgres.Vulnerability, error) {
	if _, err := v.s.GetForOwner(ctx, owner, jobID); err != nil {
		return nil, err
	}
	var out []postgres.Vulnerability
	if err := v.s.db.WithContext(ctx).Where("scan_job_id = ?", jobID).Order("id").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("failed to list vulnerabilities: %w", err)
	}
	sortBySeverity(out)
	return out, nil
}

func (v vulnStore) Get(ctx context.Context, owner string, id uint) (*postgres.Vulnerability, error) {
	var out postgres.Vulnerability
	err := v.s.db.WithContext(ctx).
		Joins("JOIN scan_jobs ON scan_jobs.id = vulnerabilities.scan_job_id").
		Where("vulnerabilities.id = ? AND scan_jobs.owner_id = ?", id, owner).
		First(&out).Error
	if err != nil {
		return nil, notFound(err, fmt.Sprintf("vulnerability %d", id))
	}
	return &out, nil
}

func (v vulnStore) UpdateStatus(ctx context.Context, owner string, id uint, status vulnpatch.VulnerabilityStatus) (*postgres.Vulnerability, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("invalid vulnerability status %q", status)
	}
	found, err := v.Get(ctx, owner, id)
	if err != nil {
		return nil, err
	}
	if err := v.s.db.WithContext(ctx).Model(found).Update("status", status).Error; err != nil {
		return nil, fmt.Errorf("failed to update vulnerability %d: %w", id, err)
	}
	found.Status = status
	return found, nil
}
