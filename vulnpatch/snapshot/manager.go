package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/SiriusScan/vulnpatch-api/vulnpatch/store"
)

var ErrNoSnapshots = errors.New("no snapshots available")

// Calculating produces a fresh snapshot for an owner.
type Calculating interface {
	Calculate(ctx context.Context, owner string) (*Snapshot, error)
}

// Manager stores and retrieves snapshots.
type Manager struct {
	kv   store.KVStore
	calc Calculating
}

func NewManager(kv store.KVStore, calc Calculating) *Manager {
	return &Manager{kv: kv, calc: calc}
}

func key(owner, id string) string {
	return fmt.Sprintf("vuln:snapshot:%s:%s", owner, id)
}

// Create calculates, saves and prunes.
func (m *Manager) Create(ctx context.Context, owner string) (*Snapshot, error) {
	snap, err := m.calc.Calculate(ctx, owner)
	if err != nil {
		return nil, err
	}
	if err := m.Save(ctx, snap); err != nil {
		return nil, err
	}
	if err := m.Cleanup(ctx, owner); err != nil {
		slog.Warn("Failed to clean up old snapshots", "owner_id", owner, "error", err)
	}
	return snap, nil
}

func (m *Manager) Save(ctx context.Context, snap *Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	return m.kv.SetValue(ctx, key(snap.OwnerID, snap.SnapshotID), string(data))
}

func (m *Manager) Get(ctx context.Context, owner, id string) (*Snapshot, error) {
	raw, err := m.kv.GetValue(ctx, key(owner, id))
	if err != nil {
		return nil, fmt.Errorf("snapshot %s: %w", id, err)
	}
	var snap Snapshot
	if err := json.Unmarshal([]byte(raw), &snap); err != nil {
		return nil, fmt.Errorf("failed to unmarshal snapshot: %w", err)
	}
	return &snap, nil
}

// List returns owner's snapshot ids, most recent first.
func (m *Manager) List(ctx context.Context, owner string) ([]string, error) {
	prefix := key(owner, "")
	keys, err := m.kv.ListKeys(ctx, prefix+"*")
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(keys))
	for _, k := range keys {
		if id := strings.TrimPrefix(k, prefix); id != k && id != "" {
			ids = append(ids, id)
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(ids)))
	return ids, nil
}

// Trend loads up to limit of the most recent snapshots.
func (m *Manager) Trend(ctx context.Context, owner string, limit int) ([]*Snapshot, error) {
	if limit <= 0 || limit > MaxSnapshots {
		limit = MaxSnapshots
	}
	ids, err := m.List(ctx, owner)
	if err != nil {
		return nil, err
	}
	if len(ids) > limit {
		ids = ids[:limit]
	}
	out := make([]*Snapshot, 0, len(ids))
	for _, id := range ids {
		snap, err := m.Get(ctx, owner, id)
		if err != nil {
			continue
		}
		out = append(out, snap)
	}
	return out, nil
}

func (m *Manager) Latest(ctx context.Context, owner string) (*Snapshot, error) {
	ids, err := m.List(ctx, owner)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, ErrNoSnapshots
	}
	return m.Get(ctx, owner, ids[0])
}

// Cleanup keeps the MaxSnapshots most recent snapshots of owner.
func (m *Manager) Cleanup(ctx context.Context, owner string) error {
	ids, err := m.List(ctx, owner)
	if err != nil {
		return err
	}
	if len(ids) <= MaxSnapshots {
		return nil
	}
	for _, id := range ids[MaxSnapshots:] {
		if err := m.kv.DeleteValue(ctx, key(owner, id)); err != nil {
			slog.Warn("Failed to delete old snapshot", "owner_id", owner, "snapshot_id", id, "error", err)
		}
	}
	return nil
}
