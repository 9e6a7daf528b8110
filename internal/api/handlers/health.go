// health.go - обработчики health endpoints Admin Panel.
// /health/live - проверка liveness (процесс жив)
// /health/ready - проверка readiness (PostgreSQL, Redis, Keycloak доступны)
// /metrics - Prometheus метрики
package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/afcademia/admin-panel/internal/config"
)

// serviceName - имя сервиса в ответах health endpoints.
const serviceName = "admin-panel"

// ReadinessChecker - интерфейс проверки готовности зависимости.
type ReadinessChecker interface {
	// CheckReady возвращает статус ("ok", "degraded", "fail") и сообщение.
	CheckReady() (status string, message string)
}

// HealthChecks - проверки зависимостей для проверки readiness.
// Обязательные зависимости: nil-проверка даёт "fail".
// KeycloakAdmin необязателен: без него панель работает без управления пользователями.
type HealthChecks struct {
	PostgreSQL    ReadinessChecker
	Redis         ReadinessChecker
	Keycloak      ReadinessChecker
	KeycloakAdmin ReadinessChecker
}

// HealthHandler - обработчик health endpoints.
type HealthHandler struct {
	checks      HealthChecks
	promHandler http.Handler
}

// NewHealthHandler создаёт обработчик health endpoints.
func NewHealthHandler(checks HealthChecks) *HealthHandler {
	return &HealthHandler{
		checks:      checks,
		promHandler: promhttp.Handler(),
	}
}

// healthCheckResult - результат проверки одной зависимости.
type healthCheckResult struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// healthLiveResponse - ответ проверки liveness.
type healthLiveResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
	Version   string `json:"version"`
	Service   string `json:"service"`
}

// healthReadyResponse - ответ проверки readiness.
type healthReadyResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
	Version   string `json:"version"`
	Service   string `json:"service"`
	Checks    struct {
		PostgreSQL    healthCheckResult  `json:"postgresql"`
		Redis         healthCheckResult  `json:"redis"`
		Keycloak      healthCheckResult  `json:"keycloak"`
		KeycloakAdmin *healthCheckResult `json:"keycloak_admin,omitempty"`
	} `json:"checks"`
}

// HealthLive - проверка liveness. Возвращает 200 если процесс жив.
func (h *HealthHandler) HealthLive(w http.ResponseWriter, r *http.Request) {
	resp := healthLiveResponse{
		Status:    "ok",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Version:   config.Version,
		Service:   serviceName,
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(resp)
}

// HealthReady - проверка readiness.
// Возвращает 200 (ok/degraded) или 503 (fail).
// Недоступный Keycloak Admin API даёт не более чем degraded.
func (h *HealthHandler) HealthReady(w http.ResponseWriter, r *http.Request) {
	resp := healthReadyResponse{
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Version:   config.Version,
		Service:   serviceName,
	}

	resp.Checks.PostgreSQL = check(h.checks.PostgreSQL)
	resp.Checks.Redis = check(h.checks.Redis)
	resp.Checks.Keycloak = check(h.checks.Keycloak)
	statuses := []string{resp.Checks.PostgreSQL.Status, resp.Checks.Redis.Status, resp.Checks.Keycloak.Status}

	if h.checks.KeycloakAdmin != nil {
		admin := check(h.checks.KeycloakAdmin)
		resp.Checks.KeycloakAdmin = &admin
		if admin.Status != "ok" {
			statuses = append(statuses, "degraded")
		}
	}

	resp.Status = overallStatus(statuses...)

	w.Header().Set("Content-Type", "application/json")
	if resp.Status == "fail" {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	_ = json.NewEncoder(w).Encode(resp)
}

// GetMetrics - Prometheus метрики.
func (h *HealthHandler) GetMetrics(w http.ResponseWriter, r *http.Request) {
	h.promHandler.ServeHTTP(w, r)
}

func check(c ReadinessChecker) healthCheckResult {
	if c == nil {
		return healthCheckResult{Status: "fail", Message: "не инициализирован"}
	}
	status, msg := c.CheckReady()
	return healthCheckResult{Status: status, Message: msg}
}

// overallStatus определяет итоговый статус из статусов зависимостей.
// Если хотя бы одна зависимость fail - итог fail.
// Если хотя бы одна degraded - итог degraded.
// Иначе - ok.
func overallStatus(statuses ...string) string {
	hasDegraded := false
	for _, s := range statuses {
		if s == "fail" {
			return "fail"
		}
		if s == "degraded" {
			hasDegraded = true
		}
	}
	if hasDegraded {
		return "degraded"
	}
	return "ok"
}
