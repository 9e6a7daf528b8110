// session.go - авторизация JSON API по сессии viewer (тот же Session Gate,
// что и у Admin UI). Решения гейта отображаются в JSON-ошибки.
package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	apierrors "github.com/afcademia/admin-panel/internal/api/errors"
	"github.com/afcademia/admin-panel/internal/gate"
	"github.com/afcademia/admin-panel/internal/ui/auth"
)

// contextKey - тип для ключей контекста (избегаем коллизий).
type contextKey string

const (
	// ContextKeyGateState - состояние гейта на момент авторизации запроса.
	ContextKeyGateState contextKey = "gate_state"
)

// GateResolver возвращает гейт viewer. Реализуется gate.Registry.
// nil, nil - у viewer нет сессии.
type GateResolver interface {
	Lookup(ctx context.Context, viewerID string) (*gate.Gate, error)
}

// SessionAuth - middleware авторизации API по cookie viewer.
type SessionAuth struct {
	gates   GateResolver
	viewers *auth.ViewerManager
	wait    time.Duration
	logger  *slog.Logger
}

// NewSessionAuth создаёт SessionAuth.
// wait - сколько ждать восстановления сессии, прежде чем ответить 503.
func NewSessionAuth(gates GateResolver, viewers *auth.ViewerManager, wait time.Duration, logger *slog.Logger) *SessionAuth {
	return &SessionAuth{
		gates:   gates,
		viewers: viewers,
		wait:    wait,
		logger:  logger.With(slog.String("component", "api.session_auth")),
	}
}

// Require возвращает middleware, пропускающий запрос при DecisionAllow для req.
// Redirect → 401, Deny → 403, ShowSpinner → 503 с Retry-After.
func (sa *SessionAuth) Require(req gate.Requirement) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			viewerID, ok := sa.viewers.Get(r)
			if !ok {
				apierrors.Unauthorized(w, "Требуется вход в систему")
				return
			}

			g, err := sa.gates.Lookup(r.Context(), viewerID)
			if err != nil {
				sa.logger.Warn("Гейт недоступен", slog.String("error", err.Error()))
				apierrors.WriteError(w, http.StatusServiceUnavailable, apierrors.CodeInternalError, "Сервис останавливается")
				return
			}
			if g == nil {
				apierrors.Unauthorized(w, "Требуется вход в систему")
				return
			}

			out := g.DecideWait(r.Context(), req, sa.wait)
			st := g.Snapshot()

			switch out.Decision {
			case gate.DecisionAllow:
				ctx := context.WithValue(r.Context(), ContextKeyGateState, st)
				next.ServeHTTP(w, r.WithContext(ctx))
			case gate.DecisionRedirect:
				apierrors.Unauthorized(w, "Требуется вход в систему")
			case gate.DecisionDeny:
				sa.logger.Info("Доступ к API запрещён",
					slog.String("subject", st.SubjectID),
					slog.String("path", r.URL.Path),
				)
				apierrors.Forbidden(w, "Требуются права администратора")
			default:
				apierrors.SessionInitializing(w, 1)
			}
		})
	}
}

// GateStateFromContext извлекает состояние гейта из контекста запроса.
func GateStateFromContext(ctx context.Context) (gate.State, bool) {
	st, ok := ctx.Value(ContextKeyGateState).(gate.State)
	return st, ok
}
