package middleware

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/afcademia/admin-panel/internal/api/openapi"
	"github.com/afcademia/admin-panel/internal/domain/model"
	"github.com/afcademia/admin-panel/internal/gate"
	"github.com/afcademia/admin-panel/internal/ui/auth"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

// --- SessionAuth ---

type stubProvider struct {
	session *model.Session
	block   chan struct{}
}

func (p *stubProvider) GetSession(ctx context.Context) (*model.Session, error) {
	if p.block != nil {
		select {
		case <-p.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return p.session, nil
}
func (p *stubProvider) OnChange(gate.ChangeCallback) func() { return func() {} }
func (p *stubProvider) SignIn(context.Context, string, string) (*model.Session, error) {
	return nil, gate.ErrInvalidCredentials
}
func (p *stubProvider) SignOut(context.Context) error { return nil }

type stubProfiles map[string]*model.Profile

func (s stubProfiles) GetProfileByID(_ context.Context, id string) (*model.Profile, error) {
	p, ok := s[id]
	if !ok {
		return nil, gate.ErrProfileNotFound
	}
	return p.Clone(), nil
}

type resolver map[string]*gate.Gate

func (r resolver) Lookup(_ context.Context, viewerID string) (*gate.Gate, error) {
	return r[viewerID], nil
}

const viewerID = "9d3e7f1a-2b4c-4d5e-8f6a-7b8c9d0e1f2a"

func sessionFor(id string) *model.Session {
	return &model.Session{SubjectID: id, Email: id + "@example.com", ExpiresAt: time.Now().Add(time.Hour).Unix()}
}

func serveAPI(t *testing.T, p *stubProvider, profiles stubProfiles, init bool, withCookie bool) (*httptest.ResponseRecorder, string) {
	t.Helper()
	g := gate.New(p, profiles, gate.Options{Logger: testLogger(), ProfileTimeout: time.Second})
	t.Cleanup(g.Close)
	if init {
		g.Initialize(context.Background())
	} else {
		go g.Initialize(context.Background())
	}

	sa := NewSessionAuth(resolver{viewerID: g}, auth.NewViewerManager(false, time.Hour), 20*time.Millisecond, testLogger())
	var subject string
	h := sa.Require(gate.RequireAdmin)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		st, _ := GateStateFromContext(r.Context())
		subject = st.SubjectID
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/profiles", nil)
	if withCookie {
		req.AddCookie(&http.Cookie{Name: auth.ViewerCookieName, Value: viewerID})
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec, subject
}

func TestSessionAuth_NoCookie(t *testing.T) {
	rec, _ := serveAPI(t, &stubProvider{}, stubProfiles{}, true, false)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("статус = %d, ожидался 401", rec.Code)
	}
}

func TestSessionAuth_NoSession(t *testing.T) {
	rec, _ := serveAPI(t, &stubProvider{}, stubProfiles{}, true, true)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("статус = %d, ожидался 401", rec.Code)
	}
}

func TestSessionAuth_UnknownViewer(t *testing.T) {
	sa := NewSessionAuth(resolver{}, auth.NewViewerManager(false, time.Hour), 20*time.Millisecond, testLogger())
	called := false
	h := sa.Require(gate.RequireAdmin)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		called = true
	}))
	req := httptest.NewRequest(http.MethodGet, "/api/v1/profiles", nil)
	req.AddCookie(&http.Cookie{Name: auth.ViewerCookieName, Value: viewerID})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("статус = %d, ожидался 401", rec.Code)
	}
	if called {
		t.Error("обработчик вызван для viewer без сессии")
	}
}

func TestSessionAuth_Admin(t *testing.T) {
	rec, subject := serveAPI(t, &stubProvider{session: sessionFor("a")}, stubProfiles{"a": {ID: "a", Role: "admin"}}, true, true)
	if rec.Code != http.StatusOK {
		t.Fatalf("статус = %d, ожидался 200", rec.Code)
	}
	if subject != "a" {
		t.Errorf("субъект в контексте = %q", subject)
	}
}

func TestSessionAuth_UserForbidden(t *testing.T) {
	rec, _ := serveAPI(t, &stubProvider{session: sessionFor("u")}, stubProfiles{"u": {ID: "u", Role: "user"}}, true, true)
	if rec.Code != http.StatusForbidden {
		t.Errorf("статус = %d, ожидался 403", rec.Code)
	}
}

func TestSessionAuth_Initializing(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	rec, _ := serveAPI(t, &stubProvider{session: sessionFor("a"), block: block}, stubProfiles{}, false, true)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("статус = %d, ожидался 503", rec.Code)
	}
	if rec.Header().Get("Retry-After") != "1" {
		t.Errorf("Retry-After = %q", rec.Header().Get("Retry-After"))
	}
	if !strings.Contains(rec.Body.String(), "SESSION_INITIALIZING") {
		t.Errorf("тело = %s", rec.Body.String())
	}
}

// --- RequestValidator ---

func newValidated(t *testing.T) http.Handler {
	t.Helper()
	doc, err := openapi.Load(context.Background())
	if err != nil {
		t.Fatalf("загрузка контракта: %v", err)
	}
	v, err := NewRequestValidator(doc, testLogger())
	if err != nil {
		t.Fatalf("NewRequestValidator: %v", err)
	}
	return v.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
}

func TestRequestValidator(t *testing.T) {
	h := newValidated(t)
	tests := []struct {
		name   string
		method string
		target string
		body   string
		want   int
	}{
		{"корректный список", http.MethodGet, "/api/v1/profiles?limit=10", "", http.StatusTeapot},
		{"limit вне диапазона", http.MethodGet, "/api/v1/profiles?limit=1000", "", http.StatusBadRequest},
		{"неизвестная роль", http.MethodGet, "/api/v1/profiles?role=root", "", http.StatusBadRequest},
		{"роль без тела", http.MethodPatch, "/api/v1/profiles/x/role", "", http.StatusBadRequest},
		{"корректная роль", http.MethodPatch, "/api/v1/profiles/x/role", `{"role":"admin"}`, http.StatusTeapot},
		{"лишнее поле", http.MethodPost, "/api/v1/profiles", `{"email":"a@b.c","full_name":"A","role":"user","password":"12345678","x":1}`, http.StatusBadRequest},
		{"вне контракта", http.MethodGet, "/health/live", "", http.StatusTeapot},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var body io.Reader
			if tt.body != "" {
				body = bytes.NewBufferString(tt.body)
			}
			req := httptest.NewRequest(tt.method, tt.target, body)
			if tt.body != "" {
				req.Header.Set("Content-Type", "application/json")
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Errorf("статус = %d, ожидался %d (тело %s)", rec.Code, tt.want, rec.Body.String())
			}
		})
	}
}

// --- Metrics / logging ---

func TestRoutePattern(t *testing.T) {
	var got string
	r := chi.NewRouter()
	r.Get("/api/v1/profiles/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	h := http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		r.ServeHTTP(w, req)
		got = routePattern(req)
	})

	rec := httptest.NewRecorder()
	MetricsMiddleware()(h).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/profiles/42", nil))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("статус = %d", rec.Code)
	}
	// Снаружи chi router контекста маршрута нет.
	if got != unmatchedRoute {
		t.Errorf("routePattern = %q, ожидался %q", got, unmatchedRoute)
	}
}

func TestRouteLabelInsideRouter(t *testing.T) {
	var got string
	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			next.ServeHTTP(w, req)
			got = routePattern(req)
		})
	})
	r.Get("/api/v1/profiles/{id}", func(w http.ResponseWriter, r *http.Request) {})

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/v1/profiles/42", nil))
	if got != "/api/v1/profiles/{id}" {
		t.Errorf("routePattern = %q", got)
	}
}

func TestRequestLogger_Level(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}))
	h := RequestLogger(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/fail" {
			http.Error(w, "boom", http.StatusInternalServerError)
			return
		}
		_, _ = w.Write([]byte("ok"))
	}))

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/health/live", nil))
	if buf.Len() != 0 {
		t.Errorf("health-запрос залогирован на уровне INFO: %s", buf.String())
	}

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/fail", nil))
	out := buf.String()
	if !strings.Contains(out, "level=ERROR") || !strings.Contains(out, "status=500") {
		t.Errorf("ожидалась запись ERROR со статусом 500: %s", out)
	}
}
