// handler.go - основной обработчик JSON API Admin Panel.
// Объединяет доменные обработчики и делегирует запросы в сервисный слой.
package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/afcademia/admin-panel/internal/domain/model"
	"github.com/afcademia/admin-panel/internal/gate"
	"github.com/afcademia/admin-panel/internal/service"
	"github.com/afcademia/admin-panel/internal/ui/auth"
)

// ProfileAPI - операции сервиса профилей, доступные через API.
// Реализуется service.ProfileService.
type ProfileAPI interface {
	List(ctx context.Context, role string, limit, offset int) ([]*model.Profile, int, error)
	Get(ctx context.Context, id string) (*model.Profile, error)
	Create(ctx context.Context, in service.CreateProfileInput) (*model.Profile, error)
	ChangeRole(ctx context.Context, actorID, id, role string) (*model.Profile, error)
	Delete(ctx context.Context, actorID, id string, deleteIdentity bool) error
	ForceLogout(ctx context.Context, id string) error
}

// GateResolver возвращает гейт viewer. Реализуется gate.Registry.
// nil, nil - у viewer нет сессии.
type GateResolver interface {
	Lookup(ctx context.Context, viewerID string) (*gate.Gate, error)
}

// APIHandler - основной обработчик API Admin Panel.
type APIHandler struct {
	profiles    ProfileAPI
	gates       GateResolver
	viewers     *auth.ViewerManager
	sessionWait time.Duration
	logger      *slog.Logger
}

// NewAPIHandler создаёт основной обработчик API.
// sessionWait - ожидание восстановления сессии в GET /api/v1/session.
func NewAPIHandler(
	profiles ProfileAPI,
	gates GateResolver,
	viewers *auth.ViewerManager,
	sessionWait time.Duration,
	logger *slog.Logger,
) *APIHandler {
	return &APIHandler{
		profiles:    profiles,
		gates:       gates,
		viewers:     viewers,
		sessionWait: sessionWait,
		logger:      logger.With(slog.String("component", "api_handler")),
	}
}

// --- Вспомогательные функции ---

// writeJSON записывает JSON-ответ с указанным статусом.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// paginationDefaults нормализует параметры пагинации.
// Возвращает корректные limit и offset.
func paginationDefaults(limit, offset int) (int, int) {
	switch {
	case limit < 1:
		limit = 50
	case limit > 200:
		limit = 200
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
