package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestCorrelationID(t *testing.T) {
	handler := CorrelationID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := r.Context().Value(CorrelationKey).(string)
		if !ok || id == "" {
			t.Error("correlation id missing from context")
		}
	}))

	req := httptest.NewRequest("GET", "/", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Header().Get("X-Correlation-ID") == "" {
		t.Error("header missing")
	}
}

func TestCorrelationID_PassThrough(t *testing.T) {
	handler := CorrelationID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := GetCorrelationID(r.Context()); got != "client-supplied" {
			t.Errorf("expected client-supplied id, got %q", got)
		}
	}))

	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("X-Correlation-ID", "client-supplied")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Header().Get("X-Correlation-ID") != "client-supplied" {
		t.Error("header not echoed back")
	}
}

func TestRequesterID(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	if RequesterID(req) != "" {
		t.Error("expected empty requester for anonymous request")
	}

	req.Header.Set(UserIDHeader, "user-123")
	if got := RequesterID(req); got != "user-123" {
		t.Errorf("expected user-123, got %q", got)
	}
}
