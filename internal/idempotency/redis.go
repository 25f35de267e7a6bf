package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore хранит ключи идемпотентности в Redis.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore создаёт хранилище поверх Redis по указанному адресу.
func NewRedisStore(addr, prefix string) *RedisStore {
	return &RedisStore{
		client: redis.NewClient(&redis.Options{Addr: addr}),
		prefix: prefix,
	}
}

// Ping проверяет доступность Redis.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close закрывает соединения с Redis.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) key(key string) string {
	return fmt.Sprintf("%s:idempotency:%s", s.prefix, key)
}

// Reserve реализует Store.
func (s *RedisStore) Reserve(ctx context.Context, key, scope string, ttl time.Duration) (Reservation, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	pending, err := json.Marshal(record{Scope: scope, State: StatePending})
	if err != nil {
		return Reservation{}, fmt.Errorf("encode record: %w", err)
	}

	ok, err := s.client.SetNX(ctx, s.key(key), pending, ttl).Result()
	if err != nil {
		return Reservation{}, fmt.Errorf("reserve key: %w", err)
	}
	if ok {
		return Reservation{State: StateNew}, nil
	}

	raw, err := s.client.Get(ctx, s.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		// Ключ истёк между SetNX и Get.
		return s.Reserve(ctx, key, scope, ttl)
	}
	if err != nil {
		return Reservation{}, fmt.Errorf("get key: %w", err)
	}

	var rec record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return Reservation{}, fmt.Errorf("decode record: %w", err)
	}
	if rec.Scope != scope {
		return Reservation{}, ErrScopeMismatch
	}

	return Reservation{State: rec.State, Result: rec.Result}, nil
}

// Complete реализует Store.
func (s *RedisStore) Complete(ctx context.Context, key, scope, result string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	payload, err := json.Marshal(record{Scope: scope, State: StateCompleted, Result: result})
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}

	if err := s.client.Set(ctx, s.key(key), payload, ttl).Err(); err != nil {
		return fmt.Errorf("complete key: %w", err)
	}
	return nil
}

// Release реализует Store.
func (s *RedisStore) Release(ctx context.Context, key, scope string) error {
	raw, err := s.client.Get(ctx, s.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("get key: %w", err)
	}

	var rec record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return fmt.Errorf("decode record: %w", err)
	}
	if rec.Scope != scope {
		return nil
	}

	if err := s.client.Del(ctx, s.key(key)).Err(); err != nil {
		return fmt.Errorf("release key: %w", err)
	}
	return nil
}
