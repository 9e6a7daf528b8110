// Пакет middleware - HTTP middleware для Admin UI.
// guard.go - route guard: решение Session Gate превращается в ответ браузеру.
package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/a-h/templ"
	"github.com/gorilla/csrf"

	"github.com/afcademia/admin-panel/internal/gate"
	"github.com/afcademia/admin-panel/internal/ui/auth"
	"github.com/afcademia/admin-panel/internal/ui/pages"
)

// contextKey - тип ключа для контекста (избегаем коллизий).
type contextKey string

const (
	gateContextKey  contextKey = "ui_gate"
	stateContextKey contextKey = "ui_gate_state"
)

// GateResolver возвращает гейт viewer. Реализуется gate.Registry.
// nil, nil - у viewer нет сессии.
type GateResolver interface {
	Lookup(ctx context.Context, viewerID string) (*gate.Gate, error)
}

// GuardOptions - параметры route guard.
type GuardOptions struct {
	// Requirement - требуемый уровень авторизации.
	Requirement gate.Requirement
	// SpinnerWait - сколько ждать завершения восстановления сессии,
	// прежде чем отдать страницу ожидания.
	SpinnerWait time.Duration
}

// Guard создаёт middleware, пропускающий запрос только при DecisionAllow.
// Redirect - 302 на страницу входа с параметром next, Deny - 403,
// ShowSpinner - 200 со страницей ожидания и заголовком Refresh.
func Guard(gates GateResolver, viewers *auth.ViewerManager, opts GuardOptions, logger *slog.Logger) func(http.Handler) http.Handler {
	log := logger.With(slog.String("component", "ui.guard"))

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			viewerID, ok := viewers.Get(r)
			if !ok {
				redirectToLogin(w, r, gate.DefaultLoginPath)
				return
			}

			g, err := gates.Lookup(r.Context(), viewerID)
			if err != nil {
				log.Warn("Гейт недоступен", slog.String("error", err.Error()))
				http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
				return
			}
			if g == nil {
				redirectToLogin(w, r, gate.DefaultLoginPath)
				return
			}

			out := g.DecideWait(r.Context(), opts.Requirement, opts.SpinnerWait)
			st := g.Snapshot()
			layout := pages.Layout{Email: st.Email, CSRFField: csrf.TemplateField(r)}

			switch out.Decision {
			case gate.DecisionAllow:
				ctx := context.WithValue(r.Context(), gateContextKey, g)
				ctx = context.WithValue(ctx, stateContextKey, st)
				next.ServeHTTP(w, r.WithContext(ctx))

			case gate.DecisionRedirect:
				redirectToLogin(w, r, out.RedirectTo)

			case gate.DecisionDeny:
				log.Info("Доступ запрещён",
					slog.String("subject", st.SubjectID),
					slog.String("path", r.URL.Path),
					slog.String("profile_status", string(st.ProfileStatus)),
				)
				renderPage(w, r, http.StatusForbidden, pages.Denied(pages.DeniedData{
					Layout:       layout,
					ProfileError: st.ProfileStatus == gate.ProfileFailed,
				}), log)

			default:
				w.Header().Set("Refresh", "1")
				renderPage(w, r, http.StatusOK, pages.Spinner(pages.SpinnerData{Layout: layout}), log)
			}
		})
	}
}

// GateFromContext возвращает гейт текущего запроса (nil вне Guard).
func GateFromContext(ctx context.Context) *gate.Gate {
	g, _ := ctx.Value(gateContextKey).(*gate.Gate)
	return g
}

// StateFromContext возвращает состояние гейта на момент решения Guard.
func StateFromContext(ctx context.Context) (gate.State, bool) {
	st, ok := ctx.Value(stateContextKey).(gate.State)
	return st, ok
}

// redirectToLogin перенаправляет на страницу входа, сохраняя исходный путь в next.
func redirectToLogin(w http.ResponseWriter, r *http.Request, loginPath string) {
	target := loginPath
	if r.Method == http.MethodGet {
		target += "?next=" + url.QueryEscape(r.URL.RequestURI())
	}
	http.Redirect(w, r, target, http.StatusFound)
}

// renderPage отдаёт страницу с заданным статусом. Ответ не кэшируется.
func renderPage(w http.ResponseWriter, r *http.Request, status int, page templ.Component, log *slog.Logger) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if err := page.Render(r.Context(), w); err != nil {
		log.Error("Ошибка рендеринга страницы", slog.String("error", err.Error()))
	}
}
