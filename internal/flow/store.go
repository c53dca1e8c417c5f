package flow

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store holds at most one State per user. Set overwrites.
type Store interface {
	Get(ctx context.Context, userID int64) (State, error)
	Set(ctx context.Context, userID int64, s State) error
	Clear(ctx context.Context, userID int64) error
}

type memEntry struct {
	state   State
	expires time.Time
}

// MemoryStore is a process-local Store. A zero TTL keeps states until
// they are cleared.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[int64]memEntry
	ttl     time.Duration
	now     func() time.Time
}

func NewMemoryStore(ttl time.Duration) *MemoryStore {
	return &MemoryStore{entries: make(map[int64]memEntry), ttl: ttl, now: time.Now}
}

func (m *MemoryStore) Get(_ context.Context, userID int64) (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[userID]
	if !ok {
		return None, nil
	}
	if !e.expires.IsZero() && m.now().After(e.expires) {
		delete(m.entries, userID)
		return None, nil
	}
	return e.state, nil
}

func (m *MemoryStore) Set(_ context.Context, userID int64, s State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s == None {
		delete(m.entries, userID)
		return nil
	}
	e := memEntry{state: s}
	if m.ttl > 0 {
		e.expires = m.now().Add(m.ttl)
	}
	m.entries[userID] = e
	return nil
}

func (m *MemoryStore) Clear(_ context.Context, userID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, userID)
	return nil
}

// Len reports how many users have a live entry (expired ones included
// until next read).
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// RedisStore shares flow state between bot instances.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func NewRedisStore(client *redis.Client, prefix string, ttl time.Duration) *RedisStore {
	if prefix == "" {
		prefix = "omnimap:flow:"
	}
	return &RedisStore{client: client, prefix: prefix, ttl: ttl}
}

func (r *RedisStore) key(userID int64) string {
	return r.prefix + strconv.FormatInt(userID, 10)
}

func (r *RedisStore) Get(ctx context.Context, userID int64) (State, error) {
	v, err := r.client.Get(ctx, r.key(userID)).Result()
	if errors.Is(err, redis.Nil) {
		return None, nil
	}
	if err != nil {
		return None, fmt.Errorf("redis get flow: %w", err)
	}
	return State(v), nil
}

func (r *RedisStore) Set(ctx context.Context, userID int64, s State) error {
	if s == None {
		return r.Clear(ctx, userID)
	}
	if err := r.client.Set(ctx, r.key(userID), string(s), r.ttl).Err(); err != nil {
		return fmt.Errorf("redis set flow: %w", err)
	}
	return nil
}

func (r *RedisStore) Clear(ctx context.Context, userID int64) error {
	if err := r.client.Del(ctx, r.key(userID)).Err(); err != nil {
		return fmt.Errorf("redis clear flow: %w", err)
	}
	return nil
}
