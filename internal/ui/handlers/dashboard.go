package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/a-h/templ"
	"github.com/gorilla/csrf"

	"github.com/afcademia/admin-panel/internal/domain/model"
	"github.com/afcademia/admin-panel/internal/domain/rbac"
	uimiddleware "github.com/afcademia/admin-panel/internal/ui/middleware"
	"github.com/afcademia/admin-panel/internal/ui/pages"
)

// usersPageSize - количество пользователей на странице.
const usersPageSize = 20

// ProfileLister - чтение списка профилей для страниц панели.
type ProfileLister interface {
	List(ctx context.Context, role string, limit, offset int) ([]*model.Profile, int, error)
}

// DashboardHandler - обработчики страниц панели: обзор, пользователи, лиды.
// Вызываются только после Guard, поэтому состояние гейта всегда в контексте.
type DashboardHandler struct {
	profiles ProfileLister
	logger   *slog.Logger
}

// NewDashboardHandler создаёт новый DashboardHandler.
func NewDashboardHandler(profiles ProfileLister, logger *slog.Logger) *DashboardHandler {
	return &DashboardHandler{
		profiles: profiles,
		logger:   logger.With(slog.String("component", "ui.dashboard")),
	}
}

// HandleDashboard обрабатывает GET /admin/.
func (h *DashboardHandler) HandleDashboard(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	st, _ := uimiddleware.StateFromContext(ctx)

	data := pages.DashboardData{Layout: h.layout(r)}
	if st.Profile != nil {
		data.FullName = st.Profile.FullName
	}

	var err error
	if _, data.UsersTotal, err = h.profiles.List(ctx, "", 1, 0); err != nil {
		h.logger.Error("Ошибка подсчёта пользователей", slog.String("error", err.Error()))
		http.Error(w, "Ошибка загрузки данных", http.StatusInternalServerError)
		return
	}
	if _, data.AdminsTotal, err = h.profiles.List(ctx, rbac.RoleAdmin, 1, 0); err != nil {
		h.logger.Error("Ошибка подсчёта администраторов", slog.String("error", err.Error()))
		http.Error(w, "Ошибка загрузки данных", http.StatusInternalServerError)
		return
	}

	render(w, r, http.StatusOK, pages.Dashboard(data), h.logger)
}

// HandleUsers обрабатывает GET /admin/users?page=N.
func (h *DashboardHandler) HandleUsers(w http.ResponseWriter, r *http.Request) {
	page, err := strconv.Atoi(r.URL.Query().Get("page"))
	if err != nil || page < 1 {
		page = 1
	}

	profiles, total, err := h.profiles.List(r.Context(), "", usersPageSize, (page-1)*usersPageSize)
	if err != nil {
		h.logger.Error("Ошибка получения списка пользователей",
			slog.String("error", err.Error()),
			slog.Int("page", page),
		)
		http.Error(w, "Ошибка загрузки данных", http.StatusInternalServerError)
		return
	}

	render(w, r, http.StatusOK, pages.Users(pages.UsersData{
		Layout:   h.layout(r),
		Profiles: profiles,
		Total:    total,
		Current:  page,
		PageSize: usersPageSize,
	}), h.logger)
}

// HandleLeads обрабатывает GET /admin/leads.
func (h *DashboardHandler) HandleLeads(w http.ResponseWriter, r *http.Request) {
	render(w, r, http.StatusOK, pages.Leads(pages.LeadsData{Layout: h.layout(r)}), h.logger)
}

func (h *DashboardHandler) layout(r *http.Request) pages.Layout {
	st, _ := uimiddleware.StateFromContext(r.Context())
	return pages.Layout{Email: st.Email, CSRFField: csrf.TemplateField(r)}
}

// render отдаёт HTML-страницу; страницы панели не кэшируются.
func render(w http.ResponseWriter, r *http.Request, status int, page templ.Component, logger *slog.Logger) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if err := page.Render(r.Context(), w); err != nil {
		logger.Error("Ошибка рендеринга страницы",
			slog.String("error", err.Error()),
			slog.String("path", r.URL.Path),
		)
	}
}
