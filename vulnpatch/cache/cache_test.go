package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SiriusScan/vulnpatch-api/vulnpatch/store"
)

type entry struct {
	ID    string  `json:"id"`
	Score float64 `json:"score"`
}

// brokenStore fails every call, as an unreachable valkey would.
type brokenStore struct{ store.KVStore }

var errDown = errors.New("connection refused")

func (brokenStore) GetValue(context.Context, string) (string, error) { return "", errDown }
func (brokenStore) SetValueWithTTL(context.Context, string, string, time.Duration) error {
	return errDown
}

func TestCacheRoundTrip(t *testing.T) {
	ctx := context.Background()
	kv, err := store.NewMemoryStore(16)
	require.NoError(t, err)

	c := New[entry](kv, "cve", "cve:", CVETTL)
	_, ok := c.Get(ctx, "ssh:7.4:OpenSSH")
	assert.False(t, ok)

	c.Set(ctx, "ssh:7.4:OpenSSH", entry{ID: "CVE-1", Score: 7.5})
	got, ok := c.Get(ctx, "ssh:7.4:OpenSSH")
	require.True(t, ok)
	assert.Equal(t, entry{ID: "CVE-1", Score: 7.5}, got)

	ttl, err := kv.GetTTL(ctx, "cve:ssh:7.4:OpenSSH")
	require.NoError(t, err)
	assert.InDelta(t, CVETTL.Seconds(), ttl.Seconds(), 1)
}

func TestCacheDropsCorruptEntry(t *testing.T) {
	ctx := context.Background()
	kv, _ := store.NewMemoryStore(16)
	require.NoError(t, kv.SetValue(ctx, "llm:k", "{not json"))

	c := New[entry](kv, "llm", "llm:", AnalysisTTL)
	_, ok := c.Get(ctx, "k")
	assert.False(t, ok)

	_, err := kv.GetValue(ctx, "llm:k")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestCacheBypassesUnreachableStore(t *testing.T) {
	ctx := context.Background()
	c := New[entry](brokenStore{}, "cve", "cve:", CVETTL)

	assert.NotPanics(t, func() { c.Set(ctx, "k", entry{ID: "x"}) })
	_, ok := c.Get(ctx, "k")
	assert.False(t, ok)
}

func TestNilCache(t *testing.T) {
	var c *Cache[entry]
	_, ok := c.Get(context.Background(), "k")
	assert.False(t, ok)
	c.Set(context.Background(), "k", entry{})
}
