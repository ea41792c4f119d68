package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/julienschmidt/httprouter"

	"slotboard/pkg/logger"
)

func serve(h *HealthHandler, path string) (*httptest.ResponseRecorder, HealthResponse) {
	router := httprouter.New()
	h.RegisterRoutes(router)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))

	var body HealthResponse
	_ = json.NewDecoder(rec.Body).Decode(&body)
	return rec, body
}

func ok(name string) Check {
	return Check{Name: name, Ping: func(context.Context) error { return nil }}
}

func failing(name string) Check {
	return Check{Name: name, Ping: func(context.Context) error { return errors.New("connection refused") }}
}

func TestHealth(t *testing.T) {
	rec, body := serve(NewHealthHandler(logger.Discard(), failing("database")), "/health")

	if rec.Code != http.StatusOK || body.Status != "ok" {
		t.Fatalf("liveness must not depend on checks, got %d %+v", rec.Code, body)
	}
}

func TestReady(t *testing.T) {
	tests := []struct {
		name       string
		checks     []Check
		wantCode   int
		wantStatus string
		wantChecks map[string]string
	}{
		{"all ok", []Check{ok("database"), ok("redis")}, http.StatusOK, "ready", map[string]string{"database": "ok", "redis": "ok"}},
		{"redis down", []Check{ok("database"), failing("redis")}, http.StatusServiceUnavailable, "unavailable", map[string]string{"database": "ok", "redis": "error"}},
		{"database down", []Check{failing("database")}, http.StatusServiceUnavailable, "unavailable", map[string]string{"database": "error"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, body := serve(NewHealthHandler(logger.Discard(), tt.checks...), "/ready")

			if rec.Code != tt.wantCode {
				t.Errorf("expected %d, got %d", tt.wantCode, rec.Code)
			}
			if body.Status != tt.wantStatus {
				t.Errorf("expected status %q, got %q", tt.wantStatus, body.Status)
			}
			for name, want := range tt.wantChecks {
				if body.Checks[name] != want {
					t.Errorf("check %s: expected %q, got %q", name, want, body.Checks[name])
				}
			}
		})
	}
}
