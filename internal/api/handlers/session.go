// session.go - GET /api/v1/session: состояние Session Gate текущего viewer.
package handlers

import (
	"net/http"

	apierrors "github.com/afcademia/admin-panel/internal/api/errors"
	"github.com/afcademia/admin-panel/internal/gate"
)

// sessionResponse - состояние сессии и решение для маршрутов администратора.
type sessionResponse struct {
	Initializing  bool             `json:"initializing"`
	HasSession    bool             `json:"has_session"`
	SubjectID     string           `json:"subject_id,omitempty"`
	Email         string           `json:"email,omitempty"`
	ProfileStatus string           `json:"profile_status"`
	Profile       *profileResponse `json:"profile,omitempty"`
	Decision      string           `json:"decision"`
	RedirectTo    string           `json:"redirect_to,omitempty"`
	Policy        string           `json:"policy,omitempty"`
	LastError     string           `json:"last_error,omitempty"`
}

// GetSession - GET /api/v1/session.
// Доступен без авторизации: клиент узнаёт, нужен ли вход.
// Гейт создаётся, только если у viewer есть сохранённая сессия.
func (h *APIHandler) GetSession(w http.ResponseWriter, r *http.Request) {
	viewerID, ok := h.viewers.Get(r)
	if !ok {
		writeJSON(w, http.StatusOK, anonymousSession())
		return
	}

	g, err := h.gates.Lookup(r.Context(), viewerID)
	if err != nil {
		apierrors.WriteError(w, http.StatusServiceUnavailable, apierrors.CodeInternalError, "Сервис останавливается")
		return
	}
	if g == nil {
		writeJSON(w, http.StatusOK, anonymousSession())
		return
	}

	out := g.DecideWait(r.Context(), gate.RequireAdmin, h.sessionWait)
	writeJSON(w, http.StatusOK, mapSession(g.Snapshot(), out, g.Policy()))
}

func anonymousSession() sessionResponse {
	return sessionResponse{
		ProfileStatus: string(gate.ProfileAbsent),
		Decision:      gate.DecisionRedirect.String(),
		RedirectTo:    gate.DefaultLoginPath,
	}
}

func mapSession(st gate.State, out gate.Outcome, policy gate.Policy) sessionResponse {
	resp := sessionResponse{
		Initializing:  st.Initializing,
		HasSession:    st.HasSession,
		SubjectID:     st.SubjectID,
		Email:         st.Email,
		ProfileStatus: string(st.ProfileStatus),
		Decision:      out.Decision.String(),
		RedirectTo:    out.RedirectTo,
		Policy:        string(policy),
	}
	if st.Profile != nil {
		p := mapProfile(st.Profile)
		resp.Profile = &p
	}
	if st.LastError != nil {
		resp.LastError = st.LastError.Error()
	}
	return resp
}
