// Package idempotency хранит ключи идемпотентности операций выпуска документов.
package idempotency

import (
	"context"
	"errors"
	"time"
)

// DefaultTTL: срок хранения ключа по умолчанию.
const DefaultTTL = 24 * time.Hour

// State описывает состояние резервирования ключа.
type State string

const (
	// StateNew: ключ зарезервирован этим вызовом.
	StateNew State = "new"
	// StatePending: ключ зарезервирован другим вызовом, результат ещё не известен.
	StatePending State = "pending"
	// StateCompleted: операция по ключу завершена, сохранён результат.
	StateCompleted State = "completed"
)

// ErrScopeMismatch возвращается при повторном использовании ключа для другого объекта.
var ErrScopeMismatch = errors.New("idempotency key reserved for another scope")

// Reservation описывает результат резервирования ключа.
type Reservation struct {
	State State
	// Result: сохранённый результат для StateCompleted.
	Result string
}

// Store хранит резервирования ключей идемпотентности.
type Store interface {
	Reserve(ctx context.Context, key, scope string, ttl time.Duration) (Reservation, error)
	Complete(ctx context.Context, key, scope, result string, ttl time.Duration) error
	Release(ctx context.Context, key, scope string) error
}

type record struct {
	Scope     string    `json:"scope"`
	State     State     `json:"state"`
	Result    string    `json:"result,omitempty"`
	ExpiresAt time.Time `json:"-"`
}
