package scan

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SiriusScan/vulnpatch-api/vulnpatch"
	"github.com/SiriusScan/vulnpatch-api/vulnpatch/postgres"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := postgres.Connect(postgres.Config{
		Driver: postgres.DriverSQLite,
		DSN:    fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name()),
	})
	require.NoError(t, err)
	return NewStore(db)
}

func newJob(t *testing.T, s *Store, owner string) *postgres.ScanJob {
	t.Helper()
	job := &postgres.ScanJob{OwnerID: owner, Filename: "scan.xml", FileSize: 42, RawData: "<nmaprun/>"}
	require.NoError(t, s.Create(context.Background(), job))
	return job
}

func walk(t *testing.T, s *Store, id uint, states ...vulnpatch.ScanStatus) {
	t.Helper()
	for _, st := range states {
		require.NoError(t, s.UpdateStatus(context.Background(), id, st))
	}
}

func TestCreateDefaultsToQueued(t *testing.T) {
	s := newTestStore(t)
	job := newJob(t, s, "u1")
	got, err := s.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, vulnpatch.StatusQueued, got.Status)
	assert.Equal(t, "<nmaprun/>", got.RawData)
}

func TestStatusTransitionsAreValidated(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	job := newJob(t, s, "u1")

	err := s.UpdateStatus(ctx, job.ID, vulnpatch.StatusAnalyzing)
	assert.ErrorIs(t, err, vulnpatch.ErrInvalidTransition)

	walk(t, s, job.ID, vulnpatch.StatusParsing)
	require.NoError(t, s.Fail(ctx, job.ID, "Parsing failed: bad xml"))

	got, err := s.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, vulnpatch.StatusFailed, got.Status)
	assert.Equal(t, "Parsing failed: bad xml", got.ErrorMessage)
	assert.NotNil(t, got.ProcessedAt)

	assert.ErrorIs(t, s.Fail(ctx, job.ID, "again"), vulnpatch.ErrInvalidTransition)
	assert.ErrorIs(t, s.UpdateStatus(ctx, 9999, vulnpatch.StatusParsing), ErrNotFound)
}

func TestCompleteSavesFindingsAtomically(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	job := newJob(t, s, "u1")
	walk(t, s, job.ID, vulnpatch.StatusParsing, vulnpatch.StatusExtracting, vulnpatch.StatusAnalyzing)

	vulns := []postgres.Vulnerability{{ServiceName: "ftp", Severity: vulnpatch.SeverityCritical, Status: vulnpatch.VulnOpen}}
	// Not yet in saving: the transition fails and nothing is written.
	assert.ErrorIs(t, s.Complete(ctx, job.ID, vulns), vulnpatch.ErrInvalidTransition)
	got, err := s.GetForOwner(ctx, "u1", job.ID)
	require.NoError(t, err)
	assert.Zero(t, got.VulnerabilityCount)

	walk(t, s, job.ID, vulnpatch.StatusSaving)
	vulns[0].ID = 0
	require.NoError(t, s.Complete(ctx, job.ID, vulns))
	got, err = s.GetForOwner(ctx, "u1", job.ID)
	require.NoError(t, err)
	assert.Equal(t, vulnpatch.StatusCompleted, got.Status)
	assert.Equal(t, int64(1), got.VulnerabilityCount)
}

func TestOwnerIsolation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	job := newJob(t, s, "alice")

	_, err := s.GetForOwner(ctx, "mallory", job.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.Vulnerabilities().ListForJob(ctx, "mallory", job.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, s.Delete(ctx, "mallory", job.ID), ErrNotFound)

	jobs, err := s.List(ctx, "mallory", Page{})
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestListNewestFirstWithPaging(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		job := &postgres.ScanJob{OwnerID: "u1", Filename: fmt.Sprintf("scan-%d.xml", i), CreatedAt: base.Add(time.Duration(i) * time.Hour)}
		require.NoError(t, s.Create(ctx, job))
	}

	jobs, err := s.List(ctx, "u1", Page{})
	require.NoError(t, err)
	require.Len(t, jobs, 3)
	assert.Equal(t, "scan-2.xml", jobs[0].Filename)

	jobs, err = s.List(ctx, "u1", Page{Skip: 1, Limit: 1})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "scan-1.xml", jobs[0].Filename)
}

func completedJob(t *testing.T, s *Store, owner string, vulns ...postgres.Vulnerability) *postgres.ScanJob {
	t.Helper()
	job := newJob(t, s, owner)
	walk(t, s, job.ID, vulnpatch.StatusParsing, vulnpatch.StatusExtracting, vulnpatch.StatusAnalyzing, vulnpatch.StatusSaving)
	require.NoError(t, s.Complete(context.Background(), job.ID, vulns))
	return job
}

func TestDeleteCascades(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	job := completedJob(t, s, "u1",
		postgres.Vulnerability{ServiceName: "ssh", Severity: vulnpatch.SeverityMedium},
		postgres.Vulnerability{ServiceName: "ftp", Severity: vulnpatch.SeverityCritical},
	)

	require.NoError(t, s.Delete(ctx, "u1", job.ID))
	_, err := s.Get(ctx, job.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	var n int64
	require.NoError(t, s.db.Model(&postgres.Vulnerability{}).Where("scan_job_id = ?", job.ID).Count(&n).Error)
	assert.Zero(t, n)
}

func TestVulnerabilityListAndStatus(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	job := completedJob(t, s, "u1",
		postgres.Vulnerability{ServiceName: "ssh", Severity: vulnpatch.SeverityMedium, Status: vulnpatch.VulnOpen},
		postgres.Vulnerability{ServiceName: "ftp", Severity: vulnpatch.SeverityCritical, Status: vulnpatch.VulnOpen},
	)
	repo := s.Vulnerabilities()

	list, err := repo.ListForJob(ctx, "u1", job.ID)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "ftp", list[0].ServiceName)

	updated, err := repo.UpdateStatus(ctx, "u1", list[0].ID, vulnpatch.VulnPatched)
	require.NoError(t, err)
	assert.Equal(t, vulnpatch.VulnPatched, updated.Status)

	got, err := repo.Get(ctx, "u1", list[0].ID)
	require.NoError(t, err)
	assert.Equal(t, vulnpatch.VulnPatched, got.Status)

	_, err = repo.UpdateStatus(ctx, "u1", list[0].ID, "fixed")
	assert.Error(t, err)
	_, err = repo.UpdateStatus(ctx, "u2", list[0].ID, vulnpatch.VulnIgnored)
	assert.ErrorIs(t, err, ErrNotFound)
}
