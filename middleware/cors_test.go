package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestCORSSetsHeadersAndCallsNext(t *testing.T) {
	called := false
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	CORS(next).ServeHTTP(rec, req)

	if !called {
		t.Fatalf("expected the wrapped handler to be called")
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Fatalf("expected a CORS origin header, got %q", rec.Header().Get("Access-Control-Allow-Origin"))
	}
}

func TestCORSShortCircuitsPreflight(t *testing.T) {
	called := false
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	})

	req := httptest.NewRequest(http.MethodOptions, "/health", nil)
	rec := httptest.NewRecorder()
	CORS(next).ServeHTTP(rec, req)

	if called {
		t.Fatalf("expected an OPTIONS preflight to not reach the wrapped handler")
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for preflight, got %d", rec.Code)
	}
}
