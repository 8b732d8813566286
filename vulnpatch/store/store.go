package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	valkey "github.com/valkey-io/valkey-go"
)

const DefaultValkeyAddr = "localhost:6379"

// ErrNotFound is returned by GetValue when the key is absent or expired.
var ErrNotFound = errors.New("key not found")

// KVStore defines the key/value operations the caches and snapshots rely on.
type KVStore interface {
	// SetValue sets key to value without expiry.
	SetValue(ctx context.Context, key, value string) error
	// SetValueWithTTL sets key to value, expiring after ttl.
	SetValueWithTTL(ctx context.Context, key, value string, ttl time.Duration) error
	// GetValue returns the value for key or ErrNotFound.
	GetValue(ctx context.Context, key string) (string, error)
	// GetTTL returns the remaining lifetime of key; negative when it has none.
	GetTTL(ctx context.Context, key string) (time.Duration, error)
	// ListKeys returns keys matching a glob pattern.
	ListKeys(ctx context.Context, pattern string) ([]string, error)
	// DeleteValue removes key.
	DeleteValue(ctx context.Context, key string) error
	// Close releases the underlying connection.
	Close() error
}

// ValkeyStore implements KVStore with valkey-go.
type ValkeyStore struct {
	client valkey.Client
}

// NewValkeyStore connects to addr, falling back to DefaultValkeyAddr.
func NewValkeyStore(addr string) (*ValkeyStore, error) {
	if addr == "" {
		addr = DefaultValkeyAddr
	}
	client, err := valkey.NewClient(valkey.ClientOption{InitAddress: []string{addr}})
	if err != nil {
		return nil, fmt.Errorf("connect to valkey at %s: %w", addr, err)
	}
	return &ValkeyStore{client: client}, nil
}

func (s *ValkeyStore) SetValue(ctx context.Context, key, value string) error {
	cmd := s.client.B().Set().Key(key).Value(value).Build()
	return s.client.Do(ctx, cmd).Error()
}

func (s *ValkeyStore) SetValueWithTTL(ctx context.Context, key, value string, ttl time.Duration) error {
	cmd := s.client.B().Set().Key(key).Value(value).Ex(ttl).Build()
	return s.client.Do(ctx, cmd).Error()
}

func (s *ValkeyStore) GetValue(ctx context.Context, key string) (string, error) {
	cmd := s.client.B().Get().Key(key).Build()
	resp := s.client.Do(ctx, cmd)
	if err := resp.Error(); err != nil {
		if valkey.IsValkeyNil(err) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("valkey GET for key '%s' failed: %w", key, err)
	}

	value, err := resp.ToString()
	if err != nil {
		return "", fmt.Errorf("convert valkey reply for key '%s': %w", key, err)
	}
	return value, nil
}

func (s *ValkeyStore) GetTTL(ctx context.Context, key string) (time.Duration, error) {
	cmd := s.client.B().Ttl().Key(key).Build()
	resp := s.client.Do(ctx, cmd)
	if err := resp.Error(); err != nil {
		return -1, fmt.Errorf("valkey TTL for key '%s' failed: %w", key, err)
	}

	secs, err := resp.ToInt64()
	if err != nil {
		return -1, fmt.Errorf("convert TTL reply for key '%s': %w", key, err)
	}
	if secs < 0 {
		return time.Duration(secs), nil
	}
	return time.Duration(secs) * time.Second, nil
}

func (s *ValkeyStore) ListKeys(ctx context.Context, pattern string) ([]string, error) {
	cmd := s.client.B().Keys().Pattern(pattern).Build()
	keys, err := s.client.Do(ctx, cmd).AsStrSlice()
	if err != nil {
		return nil, fmt.Errorf("valkey KEYS with pattern '%s' failed: %w", pattern, err)
	}
	return keys, nil
}

func (s *ValkeyStore) DeleteValue(ctx context.Context, key string) error {
	cmd := s.client.B().Del().Key(key).Build()
	if err := s.client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("delete key '%s': %w", key, err)
	}
	return nil
}

func (s *ValkeyStore) Close() error {
	s.client.Close()
	return nil
}

// Open returns the store for backend ("valkey" or "memory").
func Open(backend, addr string) (KVStore, error) {
	switch backend {
	case "memory":
		m, err := NewMemoryStore(DefaultMemoryEntries)
		if err != nil {
			return nil, err
		}
		return m, nil
	case "valkey", "":
		v, err := NewValkeyStore(addr)
		if err != nil {
			return nil, err
		}
		return v, nil
	default:
		return nil, fmt.Errorf("unknown cache backend %q", backend)
	}
}
