package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestLogger(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	logger := zap.New(core)

	h := Logger(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		_, _ = w.Write([]byte("short"))
	}))

	r := httptest.NewRequest(http.MethodGet, "/api/orders/1", nil)
	h.ServeHTTP(httptest.NewRecorder(), r)

	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("log entries = %d, want 1", len(entries))
	}

	fields := entries[0].ContextMap()
	if fields["status"] != int64(http.StatusTeapot) {
		t.Fatalf("status field = %v", fields["status"])
	}
	if fields["size"] != int64(5) {
		t.Fatalf("size field = %v", fields["size"])
	}
	if fields["method"] != http.MethodGet {
		t.Fatalf("method field = %v", fields["method"])
	}
}
