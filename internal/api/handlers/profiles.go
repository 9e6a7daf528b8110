// profiles.go - обработчики /api/v1/profiles endpoints.
// Управление профилями: список, получение, создание, смена роли, удаление,
// принудительный выход. Доступ: admin (проверяется SessionAuth).
package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	apierrors "github.com/afcademia/admin-panel/internal/api/errors"
	"github.com/afcademia/admin-panel/internal/api/middleware"
	"github.com/afcademia/admin-panel/internal/domain/model"
	"github.com/afcademia/admin-panel/internal/service"
)

// profileResponse - представление профиля в API.
type profileResponse struct {
	ID        string `json:"id"`
	FullName  string `json:"full_name"`
	Email     string `json:"email"`
	Role      string `json:"role"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

// profileListResponse - страница профилей.
type profileListResponse struct {
	Items  []profileResponse `json:"items"`
	Total  int               `json:"total"`
	Limit  int               `json:"limit"`
	Offset int               `json:"offset"`
}

// createProfileRequest - тело POST /api/v1/profiles.
type createProfileRequest struct {
	Email     string `json:"email"`
	FullName  string `json:"full_name"`
	Role      string `json:"role"`
	Password  string `json:"password"`
	Temporary bool   `json:"temporary"`
}

// changeRoleRequest - тело PATCH /api/v1/profiles/{id}/role.
type changeRoleRequest struct {
	Role string `json:"role"`
}

// ListProfiles - GET /api/v1/profiles?role=&limit=&offset=.
func (h *APIHandler) ListProfiles(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))
	limit, offset = paginationDefaults(limit, offset)

	profiles, total, err := h.profiles.List(r.Context(), q.Get("role"), limit, offset)
	if err != nil {
		h.writeServiceError(w, err, "Ошибка получения списка профилей")
		return
	}

	items := make([]profileResponse, len(profiles))
	for i, p := range profiles {
		items[i] = mapProfile(p)
	}
	writeJSON(w, http.StatusOK, profileListResponse{
		Items:  items,
		Total:  total,
		Limit:  limit,
		Offset: offset,
	})
}

// GetProfile - GET /api/v1/profiles/{id}.
func (h *APIHandler) GetProfile(w http.ResponseWriter, r *http.Request) {
	p, err := h.profiles.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceError(w, err, "Ошибка получения профиля")
		return
	}
	writeJSON(w, http.StatusOK, mapProfile(p))
}

// CreateProfile - POST /api/v1/profiles.
// Создаёт пользователя в Keycloak и профиль с указанной ролью.
func (h *APIHandler) CreateProfile(w http.ResponseWriter, r *http.Request) {
	var req createProfileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apierrors.ValidationError(w, "Некорректный JSON: "+err.Error())
		return
	}

	p, err := h.profiles.Create(r.Context(), service.CreateProfileInput{
		Email:     req.Email,
		FullName:  req.FullName,
		Role:      req.Role,
		Password:  req.Password,
		Temporary: req.Temporary,
	})
	if err != nil {
		h.writeServiceError(w, err, "Ошибка создания пользователя")
		return
	}

	h.logger.Info("Профиль создан через API",
		slog.String("profile_id", p.ID),
		slog.String("actor", actorID(r)),
	)
	writeJSON(w, http.StatusCreated, mapProfile(p))
}

// ChangeRole - PATCH /api/v1/profiles/{id}/role.
func (h *APIHandler) ChangeRole(w http.ResponseWriter, r *http.Request) {
	var req changeRoleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apierrors.ValidationError(w, "Некорректный JSON: "+err.Error())
		return
	}

	p, err := h.profiles.ChangeRole(r.Context(), actorID(r), chi.URLParam(r, "id"), req.Role)
	if err != nil {
		h.writeServiceError(w, err, "Ошибка смены роли")
		return
	}
	writeJSON(w, http.StatusOK, mapProfile(p))
}

// DeleteProfile - DELETE /api/v1/profiles/{id}?delete_identity=true.
func (h *APIHandler) DeleteProfile(w http.ResponseWriter, r *http.Request) {
	deleteIdentity, _ := strconv.ParseBool(r.URL.Query().Get("delete_identity"))

	if err := h.profiles.Delete(r.Context(), actorID(r), chi.URLParam(r, "id"), deleteIdentity); err != nil {
		h.writeServiceError(w, err, "Ошибка удаления профиля")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ForceLogout - POST /api/v1/profiles/{id}/logout.
func (h *APIHandler) ForceLogout(w http.ResponseWriter, r *http.Request) {
	if err := h.profiles.ForceLogout(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.writeServiceError(w, err, "Ошибка завершения сессий")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// writeServiceError переводит ошибку сервиса в HTTP-ответ.
func (h *APIHandler) writeServiceError(w http.ResponseWriter, err error, msg string) {
	switch {
	case errors.Is(err, service.ErrNotFound):
		apierrors.NotFound(w, "Профиль не найден")
	case errors.Is(err, service.ErrInvalidRole), errors.Is(err, service.ErrValidation):
		apierrors.ValidationError(w, err.Error())
	case errors.Is(err, service.ErrLastAdmin):
		apierrors.LastAdmin(w, err.Error())
	case errors.Is(err, service.ErrSelfModification):
		apierrors.Forbidden(w, err.Error())
	case errors.Is(err, service.ErrConflict):
		apierrors.Conflict(w, "Пользователь с таким email уже существует")
	case errors.Is(err, service.ErrIDPNotConfigured):
		apierrors.NotConfigured(w, err.Error())
	case errors.Is(err, service.ErrIDPUnavailable):
		h.logger.Error(msg, slog.String("error", err.Error()))
		apierrors.IDPUnavailable(w, "Keycloak недоступен")
	default:
		h.logger.Error(msg, slog.String("error", err.Error()))
		apierrors.InternalError(w, msg)
	}
}

// actorID - субъект, выполняющий запрос (из состояния гейта).
func actorID(r *http.Request) string {
	st, _ := middleware.GateStateFromContext(r.Context())
	return st.SubjectID
}

// --- Маппинг domain → API ---

func mapProfile(p *model.Profile) profileResponse {
	return profileResponse{
		ID:        p.ID,
		FullName:  p.FullName,
		Email:     p.Email,
		Role:      p.Role,
		CreatedAt: p.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt: p.UpdatedAt.UTC().Format(time.RFC3339),
	}
}
