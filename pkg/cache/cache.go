// Package cache implements the unified cache abstraction spec §9 calls for:
// "Redis-or-in-process with an explicit eviction policy... do not rely on
// weak references... use explicit TTL." It backs the checkpoint fast-path
// (C8) and general namespaced entries, with hit/miss/error counters.
// Install-key state and HMAC nonce/rate-limit bookkeeping do not go
// through it.
package cache

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache is the behavioural surface both backends implement.
type Cache interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key string, value string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	// Healthy reports whether the backend responded to a liveness probe.
	Healthy(ctx context.Context) bool
}

// Stats are the bounded-cache counters spec §9 requires.
type Stats struct {
	Hits   int64
	Misses int64
	Errors int64
}

// Memory is an in-process TTL cache, used when no Redis is configured (a
// single-master deployment, per spec §1's Non-goal on sharding).
type Memory struct {
	mu    sync.Mutex
	data  map[string]memEntry
	stats Stats
}

type memEntry struct {
	value   string
	expires time.Time
}

// NewMemory creates an empty in-process cache.
func NewMemory() *Memory {
	return &Memory{data: make(map[string]memEntry)}
}

func (m *Memory) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.data[key]
	if !ok || time.Now().After(e.expires) {
		if ok {
			delete(m.data, key)
		}
		m.stats.Misses++
		return "", false, nil
	}
	m.stats.Hits++
	return e.value, true, nil
}

func (m *Memory) Set(_ context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = memEntry{value: value, expires: time.Now().Add(ttl)}
	return nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func (m *Memory) Healthy(context.Context) bool { return true }

// Stats returns a snapshot of the hit/miss/error counters.
func (m *Memory) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}

// Redis is a go-redis-backed Cache, used when multiple masters share state
// via the Redis queue backend (spec §1: "the Redis queue backend merely
// allows multiple masters to share the backlog").
type Redis struct {
	client *redis.Client
	mu     sync.Mutex
	stats  Stats
}

// NewRedis wraps an existing *redis.Client.
func NewRedis(client *redis.Client) *Redis {
	return &Redis{client: client}
}

func (r *Redis) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := r.client.Get(ctx, key).Result()
	r.mu.Lock()
	defer r.mu.Unlock()
	switch {
	case err == redis.Nil:
		r.stats.Misses++
		return "", false, nil
	case err != nil:
		r.stats.Errors++
		return "", false, err
	default:
		r.stats.Hits++
		return val, true, nil
	}
}

func (r *Redis) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := r.client.Set(ctx, key, value, ttl).Err(); err != nil {
		r.mu.Lock()
		r.stats.Errors++
		r.mu.Unlock()
		return err
	}
	return nil
}

func (r *Redis) Delete(ctx context.Context, key string) error {
	return r.client.Del(ctx, key).Err()
}

func (r *Redis) Healthy(ctx context.Context) bool {
	return r.client.Ping(ctx).Err() == nil
}

// Stats returns a snapshot of the hit/miss/error counters.
func (r *Redis) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}
