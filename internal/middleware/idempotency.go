package middleware

import (
	"context"
	"net/http"
	"strings"
)

type contextKey string

const idempotencyKey contextKey = "idempotencyKey"

// IdempotencyKeyHeader: заголовок, в котором клиент передаёт ключ идемпотентности.
const IdempotencyKeyHeader = "Idempotency-Key"

const maxIdempotencyKeyLen = 128

// IdempotencyKey проверяет заголовок Idempotency-Key и кладёт ключ в контекст запроса.
// Запрос без заголовка пропускается без изменений.
func IdempotencyKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := strings.TrimSpace(r.Header.Get(IdempotencyKeyHeader))
		if key == "" {
			next.ServeHTTP(w, r)
			return
		}

		if !isValidKey(key) {
			http.Error(w, "invalid Idempotency-Key header", http.StatusBadRequest)
			return
		}

		ctx := context.WithValue(r.Context(), idempotencyKey, key)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetIdempotencyKeyFromContext извлекает ключ идемпотентности из контекста запроса.
func GetIdempotencyKeyFromContext(ctx context.Context) (string, bool) {
	key, ok := ctx.Value(idempotencyKey).(string)
	return key, ok
}

func isValidKey(key string) bool {
	if len(key) > maxIdempotencyKeyLen {
		return false
	}
	for _, c := range key {
		if c <= ' ' || c > '~' {
			return false
		}
	}
	return true
}
