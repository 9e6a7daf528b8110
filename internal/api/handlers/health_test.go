package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

type fixedChecker struct{ status, msg string }

func (c fixedChecker) CheckReady() (string, string) { return c.status, c.msg }

func TestHealthLive(t *testing.T) {
	h := NewHealthHandler(HealthChecks{})
	rec := httptest.NewRecorder()
	h.HealthLive(rec, httptest.NewRequest(http.MethodGet, "/health/live", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("статус = %d", rec.Code)
	}
	var resp healthLiveResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp.Service != "admin-panel" || resp.Status != "ok" {
		t.Errorf("неожиданный ответ: %+v", resp)
	}
}

func TestHealthReady(t *testing.T) {
	ok := fixedChecker{status: "ok"}
	tests := []struct {
		name       string
		checks     HealthChecks
		wantStatus string
		wantCode   int
	}{
		{"все доступны", HealthChecks{PostgreSQL: ok, Redis: ok, Keycloak: ok}, "ok", http.StatusOK},
		{"redis недоступен", HealthChecks{PostgreSQL: ok, Redis: fixedChecker{"fail", "timeout"}, Keycloak: ok}, "fail", http.StatusServiceUnavailable},
		{"keycloak не инициализирован", HealthChecks{PostgreSQL: ok, Redis: ok}, "fail", http.StatusServiceUnavailable},
		{"admin api недоступен", HealthChecks{PostgreSQL: ok, Redis: ok, Keycloak: ok, KeycloakAdmin: fixedChecker{"fail", "401"}}, "degraded", http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			NewHealthHandler(tt.checks).HealthReady(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))

			if rec.Code != tt.wantCode {
				t.Errorf("статус = %d, ожидался %d", rec.Code, tt.wantCode)
			}
			var resp healthReadyResponse
			if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
				t.Fatal(err)
			}
			if resp.Status != tt.wantStatus {
				t.Errorf("status = %q, ожидался %q", resp.Status, tt.wantStatus)
			}
		})
	}
}
