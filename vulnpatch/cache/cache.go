// Package cache provides typed, TTL-bound JSON caches over a KVStore. Store
// failures degrade to a miss or a skipped write; they never reach callers.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/SiriusScan/vulnpatch-api/vulnpatch/store"
	"github.com/SiriusScan/vulnpatch-api/vulnpatch/telemetry"
)

const (
	CVETTL      = 24 * time.Hour
	AnalysisTTL = time.Hour
)

// Cache stores values of T under a key prefix.
type Cache[T any] struct {
	kv     store.KVStore
	name   string
	prefix string
	ttl    time.Duration
}

// New returns a cache named name (used in metrics) writing keys as
// prefix+key with the given freshness window.
func New[T any](kv store.KVStore, name, prefix string, ttl time.Duration) *Cache[T] {
	return &Cache[T]{kv: kv, name: name, prefix: prefix, ttl: ttl}
}

// Get returns the cached value. ok is false on a miss, an unreachable store
// or an undecodable entry.
func (c *Cache[T]) Get(ctx context.Context, key string) (T, bool) {
	var zero T
	if c == nil || c.kv == nil {
		return zero, false
	}

	raw, err := c.kv.GetValue(ctx, c.prefix+key)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			slog.Warn("Cache read failed, bypassing", "cache", c.name, "error", err)
			telemetry.CacheRequests.WithLabelValues(c.name, "error").Inc()
		} else {
			telemetry.CacheRequests.WithLabelValues(c.name, "miss").Inc()
		}
		return zero, false
	}

	var v T
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		slog.Warn("Discarding undecodable cache entry", "cache", c.name, "key", key, "error", err)
		_ = c.kv.DeleteValue(ctx, c.prefix+key)
		telemetry.CacheRequests.WithLabelValues(c.name, "error").Inc()
		return zero, false
	}
	telemetry.CacheRequests.WithLabelValues(c.name, "hit").Inc()
	return v, true
}

// Set stores v for the cache's TTL. Failures are logged and dropped.
func (c *Cache[T]) Set(ctx context.Context, key string, v T) {
	if c == nil || c.kv == nil {
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		slog.Warn("Cache encode failed", "cache", c.name, "error", err)
		return
	}
	if err := c.kv.SetValueWithTTL(ctx, c.prefix+key, string(data), c.ttl); err != nil {
		slog.Warn("Cache write failed, bypassing", "cache", c.name, "error", err)
	}
}
