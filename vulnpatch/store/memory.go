package store

import (
	"context"
	"fmt"
	"path"
	"sort"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

const DefaultMemoryEntries = 10000

type memoryEntry struct {
	value     string
	expiresAt time.Time
}

func (e memoryEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

// MemoryStore is a bounded in-process KVStore. Entries are evicted least
// recently used first; expired entries are dropped when read.
type MemoryStore struct {
	cache *lru.Cache[string, memoryEntry]
	now   func() time.Time
}

// NewMemoryStore returns a store holding at most size entries.
func NewMemoryStore(size int) (*MemoryStore, error) {
	if size <= 0 {
		size = DefaultMemoryEntries
	}
	cache, err := lru.New[string, memoryEntry](size)
	if err != nil {
		return nil, fmt.Errorf("create memory store: %w", err)
	}
	return &MemoryStore{cache: cache, now: time.Now}, nil
}

func (m *MemoryStore) SetValue(_ context.Context, key, value string) error {
	m.cache.Add(key, memoryEntry{value: value})
	return nil
}

func (m *MemoryStore) SetValueWithTTL(_ context.Context, key, value string, ttl time.Duration) error {
	m.cache.Add(key, memoryEntry{value: value, expiresAt: m.now().Add(ttl)})
	return nil
}

func (m *MemoryStore) get(key string) (memoryEntry, bool) {
	e, ok := m.cache.Get(key)
	if !ok {
		return memoryEntry{}, false
	}
	if e.expired(m.now()) {
		m.cache.Remove(key)
		return memoryEntry{}, false
	}
	return e, true
}

func (m *MemoryStore) GetValue(_ context.Context, key string) (string, error) {
	e, ok := m.get(key)
	if !ok {
		return "", ErrNotFound
	}
	return e.value, nil
}

// GetTTL mirrors the TTL command: -2 for a missing key, -1 for no expiry.
func (m *MemoryStore) GetTTL(_ context.Context, key string) (time.Duration, error) {
	e, ok := m.get(key)
	if !ok {
		return -2, nil
	}
	if e.expiresAt.IsZero() {
		return -1, nil
	}
	return e.expiresAt.Sub(m.now()), nil
}

func (m *MemoryStore) ListKeys(_ context.Context, pattern string) ([]string, error) {
	now := m.now()
	var keys []string
	for _, k := range m.cache.Keys() {
		e, ok := m.cache.Peek(k)
		if !ok || e.expired(now) {
			continue
		}
		match, err := path.Match(pattern, k)
		if err != nil {
			return nil, fmt.Errorf("invalid pattern '%s': %w", pattern, err)
		}
		if match {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (m *MemoryStore) DeleteValue(_ context.Context, key string) error {
	m.cache.Remove(key)
	return nil
}

func (m *MemoryStore) Close() error {
	m.cache.Purge()
	return nil
}
