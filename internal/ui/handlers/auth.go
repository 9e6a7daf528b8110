// Пакет handlers - HTTP-обработчики Admin UI.
// auth.go - вход по email/паролю и выход.
package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/a-h/templ"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/csrf"

	"github.com/afcademia/admin-panel/internal/gate"
	"github.com/afcademia/admin-panel/internal/ui/auth"
	"github.com/afcademia/admin-panel/internal/ui/pages"
)

// defaultLanding - страница после входа, если next не задан или недопустим.
const defaultLanding = "/admin/"

// GateRegistry - реестр гейтов по viewer id.
// Get создаёт гейт для входа, Lookup - только при сохранённой сессии.
type GateRegistry interface {
	Get(viewerID string) (*gate.Gate, error)
	Lookup(ctx context.Context, viewerID string) (*gate.Gate, error)
	Remove(viewerID string)
}

// AuthHandler - обработчики входа и выхода.
type AuthHandler struct {
	gates       GateRegistry
	viewers     *auth.ViewerManager
	validator   *validator.Validate
	spinnerWait time.Duration
	logger      *slog.Logger
}

// NewAuthHandler создаёт AuthHandler.
// spinnerWait - ожидание восстановления сессии на странице входа.
func NewAuthHandler(gates GateRegistry, viewers *auth.ViewerManager, spinnerWait time.Duration, logger *slog.Logger) *AuthHandler {
	return &AuthHandler{
		gates:       gates,
		viewers:     viewers,
		validator:   validator.New(),
		spinnerWait: spinnerWait,
		logger:      logger.With(slog.String("component", "ui.auth")),
	}
}

// loginForm - данные формы входа.
type loginForm struct {
	Email    string `validate:"required,email,max=254"`
	Password string `validate:"required,max=1024"`
}

// HandleLoginPage обрабатывает GET /admin/login.
// Администратор с действующей сессией сразу перенаправляется на next.
func (h *AuthHandler) HandleLoginPage(w http.ResponseWriter, r *http.Request) {
	next := safeNext(r.URL.Query().Get("next"))

	if viewerID, ok := h.viewers.Get(r); ok {
		if g, err := h.gates.Lookup(r.Context(), viewerID); err == nil && g != nil {
			if g.DecideWait(r.Context(), gate.RequireAdmin, h.spinnerWait).Decision == gate.DecisionAllow {
				http.Redirect(w, r, next, http.StatusFound)
				return
			}
		}
	}

	h.renderLogin(w, r, http.StatusOK, pages.LoginData{Next: next})
}

// HandleLogin обрабатывает POST /admin/login.
// Перед входом выдаётся новый viewer id: сессия не может достаться
// заранее подброшенному идентификатору.
func (h *AuthHandler) HandleLogin(w http.ResponseWriter, r *http.Request) {
	form := loginForm{
		Email:    strings.TrimSpace(r.PostFormValue("email")),
		Password: r.PostFormValue("password"),
	}
	data := pages.LoginData{
		Email: form.Email,
		Next:  safeNext(r.PostFormValue("next")),
	}

	if err := h.validator.Struct(form); err != nil {
		data.Error = "login.validation"
		data.FieldErrors = fieldErrors(err)
		h.renderLogin(w, r, http.StatusBadRequest, data)
		return
	}

	if oldID, ok := h.viewers.Get(r); ok {
		h.gates.Remove(oldID)
	}
	viewerID := h.viewers.Issue(w)

	g, err := h.gates.Get(viewerID)
	if err != nil {
		h.logger.Error("Гейт недоступен", slog.String("error", err.Error()))
		data.Error = "login.unavailable"
		h.renderLogin(w, r, http.StatusServiceUnavailable, data)
		return
	}

	if err := g.SignIn(r.Context(), form.Email, form.Password); err != nil {
		status, key := loginError(err)
		h.logger.Info("Вход отклонён",
			slog.String("email", form.Email),
			slog.Int("status", status),
			slog.String("error", err.Error()),
		)
		data.Error = key
		h.renderLogin(w, r, status, data)
		return
	}

	st := g.Snapshot()
	h.logger.Info("Администратор вошёл",
		slog.String("subject", st.SubjectID),
		slog.String("email", st.Email),
	)
	http.Redirect(w, r, data.Next, http.StatusSeeOther)
}

// HandleLogout обрабатывает POST /admin/logout.
// Локальная сессия очищается даже при ошибке IdP.
func (h *AuthHandler) HandleLogout(w http.ResponseWriter, r *http.Request) {
	if viewerID, ok := h.viewers.Get(r); ok {
		if g, err := h.gates.Lookup(r.Context(), viewerID); err == nil && g != nil {
			subject := g.Snapshot().SubjectID
			if err := g.SignOut(r.Context()); err != nil {
				h.logger.Warn("Ошибка выхода на стороне IdP", slog.String("error", err.Error()))
			}
			if subject != "" {
				h.logger.Info("Пользователь вышел", slog.String("subject", subject))
			}
		}
		h.gates.Remove(viewerID)
	}

	h.viewers.Clear(w)
	http.Redirect(w, r, gate.DefaultLoginPath, http.StatusSeeOther)
}

// HandleRateLimited отвечает на POST /admin/login сверх лимита попыток.
func (h *AuthHandler) HandleRateLimited(w http.ResponseWriter, r *http.Request) {
	h.logger.Warn("Превышен лимит попыток входа", slog.String("remote_addr", r.RemoteAddr))
	w.Header().Set("Retry-After", "60")
	h.renderLogin(w, r, http.StatusTooManyRequests, pages.LoginData{
		Email: strings.TrimSpace(r.PostFormValue("email")),
		Next:  safeNext(r.PostFormValue("next")),
		Error: "login.rate_limited",
	})
}

func (h *AuthHandler) renderLogin(w http.ResponseWriter, r *http.Request, status int, data pages.LoginData) {
	data.CSRFField = csrf.TemplateField(r)
	h.render(w, r, status, pages.Login(data))
}

func (h *AuthHandler) render(w http.ResponseWriter, r *http.Request, status int, page templ.Component) {
	render(w, r, status, page, h.logger)
}

// loginError переводит ошибку входа в HTTP-статус и ключ сообщения.
func loginError(err error) (int, string) {
	switch {
	case errors.Is(err, gate.ErrInvalidCredentials):
		return http.StatusUnauthorized, "login.invalid_credentials"
	case errors.Is(err, gate.ErrProfileFetchError), errors.Is(err, gate.ErrProfileFetchTimeout):
		return http.StatusServiceUnavailable, "login.unavailable"
	case errors.Is(err, gate.ErrAccessDenied):
		return http.StatusForbidden, "login.access_denied"
	default:
		return http.StatusServiceUnavailable, "login.unavailable"
	}
}

// fieldErrors переводит ошибки валидатора в ключи сообщений по полям формы.
func fieldErrors(err error) map[string]string {
	out := make(map[string]string)
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return out
	}
	for _, fe := range verrs {
		field := strings.ToLower(fe.Field())
		switch {
		case fe.Tag() == "required":
			out[field] = "login." + field + "_required"
		case field == "email":
			out[field] = "login.email_invalid"
		default:
			out[field] = "login.validation"
		}
	}
	return out
}

// safeNext допускает только локальные пути внутри /admin.
func safeNext(next string) string {
	if next == "" || strings.HasPrefix(next, "//") || strings.Contains(next, `\`) {
		return defaultLanding
	}
	u, err := url.Parse(next)
	if err != nil || u.IsAbs() || u.Host != "" {
		return defaultLanding
	}
	if (u.Path != "/admin" && !strings.HasPrefix(u.Path, "/admin/")) || strings.HasPrefix(u.Path, gate.DefaultLoginPath) {
		return defaultLanding
	}
	return u.RequestURI()
}
