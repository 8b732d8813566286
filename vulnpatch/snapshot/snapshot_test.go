package snapshot

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SiriusScan/vulnpatch-api/vulnpatch"
	"github.com/SiriusScan/vulnpatch-api/vulnpatch/postgres"
	"github.com/SiriusScan/vulnpatch-api/vulnpatch/store"
)

type fixedCalc struct {
	next time.Time
}

func (c *fixedCalc) Calculate(_ context.Context, owner string) (*Snapshot, error) {
	c.next = c.next.Add(time.Minute)
	return &Snapshot{SnapshotID: c.next.Format(idLayout), OwnerID: owner, Timestamp: c.next, Counts: Counts{Total: 1, High: 1}}, nil
}

func newKV(t *testing.T) store.KVStore {
	kv, err := store.NewMemoryStore(100)
	require.NoError(t, err)
	return kv
}

func TestManagerCreateAndRetrieve(t *testing.T) {
	ctx := context.Background()
	m := NewManager(newKV(t), &fixedCalc{next: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)})

	snap, err := m.Create(ctx, "u1")
	require.NoError(t, err)

	got, err := m.Get(ctx, "u1", snap.SnapshotID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Counts.High)

	_, err = m.Get(ctx, "u2", snap.SnapshotID)
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = m.Latest(ctx, "u2")
	assert.ErrorIs(t, err, ErrNoSnapshots)
}

func TestManagerKeepsMostRecent(t *testing.T) {
	ctx := context.Background()
	m := NewManager(newKV(t), &fixedCalc{next: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)})

	var last *Snapshot
	for i := 0; i < MaxSnapshots+3; i++ {
		var err error
		last, err = m.Create(ctx, "u1")
		require.NoError(t, err)
	}
	_, err := m.Create(ctx, "u2")
	require.NoError(t, err)

	ids, err := m.List(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, ids, MaxSnapshots)
	assert.Equal(t, last.SnapshotID, ids[0])

	latest, err := m.Latest(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, last.SnapshotID, latest.SnapshotID)

	trend, err := m.Trend(ctx, "u1", 3)
	require.NoError(t, err)
	assert.Len(t, trend, 3)

	other, err := m.List(ctx, "u2")
	require.NoError(t, err)
	assert.Len(t, other, 1)
}

func TestCalculatorCountsOpenFindings(t *testing.T) {
	db, err := postgres.Connect(postgres.Config{
		Driver: postgres.DriverSQLite,
		DSN:    fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name()),
	})
	require.NoError(t, err)

	job := postgres.ScanJob{OwnerID: "u1", Filename: "a.xml", Status: vulnpatch.StatusCompleted}
	require.NoError(t, db.Create(&job).Error)
	other := postgres.ScanJob{OwnerID: "u2", Filename: "b.xml", Status: vulnpatch.StatusCompleted}
	require.NoError(t, db.Create(&other).Error)

	vulns := []postgres.Vulnerability{
		{ScanJobID: job.ID, Host: "10.0.0.5", Severity: vulnpatch.SeverityCritical, Status: vulnpatch.VulnOpen},
		{ScanJobID: job.ID, Host: "10.0.0.5", Severity: vulnpatch.SeverityMedium, Status: vulnpatch.VulnOpen},
		{ScanJobID: job.ID, Host: "10.0.0.6", Severity: vulnpatch.SeverityHigh, Status: vulnpatch.VulnOpen},
		{ScanJobID: job.ID, Host: "10.0.0.6", Severity: vulnpatch.SeverityHigh, Status: vulnpatch.VulnPatched},
		{ScanJobID: other.ID, Host: "10.9.9.9", Severity: vulnpatch.SeverityLow, Status: vulnpatch.VulnOpen},
	}
	require.NoError(t, db.Create(&vulns).Error)

	snap, err := NewCalculator(db).Calculate(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, Counts{Total: 3, Critical: 1, High: 1, Medium: 1}, snap.Counts)
	require.Len(t, snap.ByHost, 2)
	assert.Equal(t, "10.0.0.5", snap.ByHost[0].Host)
	assert.Equal(t, 2, snap.ByHost[0].Total)
	assert.Equal(t, 1, snap.Metadata.TotalScans)
	assert.Equal(t, 2, snap.Metadata.HostsWithVulnerabilities)

	empty, err := NewCalculator(db).Calculate(context.Background(), "nobody")
	require.NoError(t, err)
	assert.Zero(t, empty.Counts.Total)
	assert.Empty(t, empty.ByHost)
}
