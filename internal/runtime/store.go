// Copyright (c) 2024 Netskope, Inc. All rights reserved.

package runtime

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

// DetailsStore persists heartbeat details by activity key.
type DetailsStore interface {
	Save(ctx context.Context, key string, details []byte) error
	Load(ctx context.Context, key string) ([]byte, bool, error)
	Delete(ctx context.Context, key string) error
}

// MemoryStore keeps details for the life of the process.
type MemoryStore struct {
	mu      sync.Mutex
	details map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{details: map[string][]byte{}}
}

func (m *MemoryStore) Save(_ context.Context, key string, details []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.details[key] = append([]byte(nil), details...)
	return nil
}

func (m *MemoryStore) Load(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.details[key]
	return d, ok, nil
}

func (m *MemoryStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.details, key)
	return nil
}

// RedisStore keeps details in Redis so they survive a process restart.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisStore stores details under "batch-export:<prefix>:<key>". Keys
// expire after ttl; zero keeps them until deleted.
func NewRedisStore(client *redis.Client, prefix string, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, prefix: prefix, ttl: ttl}
}

func (r *RedisStore) getKey(key string) string {
	return fmt.Sprintf("batch-export:%s:%s", r.prefix, key)
}

func (r *RedisStore) Save(ctx context.Context, key string, details []byte) error {
	return r.client.Set(ctx, r.getKey(key), details, r.ttl).Err()
}

func (r *RedisStore) Load(ctx context.Context, key string) ([]byte, bool, error) {
	data, err := r.client.Get(ctx, r.getKey(key)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

func (r *RedisStore) Delete(ctx context.Context, key string) error {
	return r.client.Del(ctx, r.getKey(key)).Err()
}
