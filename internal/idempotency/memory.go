package idempotency

import (
	"context"
	"sync"
	"time"
)

// MemoryStore хранит ключи в памяти процесса. Подходит для тестов и запуска без Redis.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]record
	clock   func() time.Time
}

// NewMemoryStore создаёт пустое хранилище в памяти.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]record),
		clock:   time.Now,
	}
}

// Reserve реализует Store.
func (s *MemoryStore) Reserve(_ context.Context, key, scope string, ttl time.Duration) (Reservation, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	now := s.clock()

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[key]
	if !ok || !now.Before(rec.ExpiresAt) {
		s.records[key] = record{Scope: scope, State: StatePending, ExpiresAt: now.Add(ttl)}
		return Reservation{State: StateNew}, nil
	}

	if rec.Scope != scope {
		return Reservation{}, ErrScopeMismatch
	}

	return Reservation{State: rec.State, Result: rec.Result}, nil
}

// Complete реализует Store.
func (s *MemoryStore) Complete(_ context.Context, key, scope, result string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	now := s.clock()

	s.mu.Lock()
	defer s.mu.Unlock()

	if rec, ok := s.records[key]; ok && rec.Scope != scope {
		return ErrScopeMismatch
	}

	s.records[key] = record{Scope: scope, State: StateCompleted, Result: result, ExpiresAt: now.Add(ttl)}
	return nil
}

// Release удаляет резервирование, чтобы операцию можно было повторить с тем же ключом.
func (s *MemoryStore) Release(_ context.Context, key, scope string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec, ok := s.records[key]; ok && rec.Scope == scope {
		delete(s.records, key)
	}
	return nil
}
