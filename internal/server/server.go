// Пакет server - HTTP-сервер Admin Panel с graceful shutdown.
// Без TLS - HTTP внутри кластера, TLS termination на ingress.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/gorilla/csrf"
	"github.com/unrolled/secure"

	"github.com/afcademia/admin-panel/internal/api/handlers"
	"github.com/afcademia/admin-panel/internal/api/middleware"
	"github.com/afcademia/admin-panel/internal/config"
	"github.com/afcademia/admin-panel/internal/gate"
	"github.com/afcademia/admin-panel/internal/ui/auth"
	uihandlers "github.com/afcademia/admin-panel/internal/ui/handlers"
	"github.com/afcademia/admin-panel/internal/ui/i18n"
	uimiddleware "github.com/afcademia/admin-panel/internal/ui/middleware"
	"github.com/afcademia/admin-panel/internal/ui/static"
)

// csrfCookieName - cookie с токеном CSRF форм Admin UI.
const csrfCookieName = "ap_csrf"

// Deps - зависимости HTTP-сервера, собранные в main.
type Deps struct {
	// Gates - реестр гейтов по viewer id
	Gates *gate.Registry
	// Viewers - cookie идентификатора viewer
	Viewers *auth.ViewerManager
	// Validator - проверка запросов JSON API по OpenAPI-контракту (nil - без проверки)
	Validator *middleware.RequestValidator

	API       *handlers.APIHandler
	Health    *handlers.HealthHandler
	Auth      *uihandlers.AuthHandler
	Dashboard *uihandlers.DashboardHandler

	// CSRFKey - 32-байтовый ключ подписи CSRF-токенов
	CSRFKey []byte
}

// Server - HTTP-сервер Admin Panel.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
	cfg        *config.Config
}

// New создаёт новый HTTP-сервер с настроенными routes и middleware.
func New(cfg *config.Config, logger *slog.Logger, deps Deps) *Server {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           NewRouter(cfg, logger, deps),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	return &Server{
		httpServer: srv,
		logger:     logger,
		cfg:        cfg,
	}
}

// NewRouter собирает chi router: Admin UI (/admin), JSON API (/api/v1),
// статика, health-проверки и метрики.
func NewRouter(cfg *config.Config, logger *slog.Logger, deps Deps) http.Handler {
	router := chi.NewRouter()

	// Глобальные middleware (применяются ко ВСЕМ маршрутам)
	router.Use(chimw.RealIP)
	router.Use(chimw.RequestID)
	router.Use(chimw.Recoverer)
	router.Use(middleware.MetricsMiddleware())
	router.Use(middleware.RequestLogger(logger))
	router.Use(securityHeaders(cfg, logger))

	// Health и metrics проверяются Kubernetes напрямую.
	router.Get("/health/live", deps.Health.HealthLive)
	router.Get("/health/ready", deps.Health.HealthReady)
	router.Get("/metrics", deps.Health.GetMetrics)

	router.Handle(static.Prefix+"*", static.Handler())

	router.Get("/", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/admin/", http.StatusFound)
	})

	mountUI(router, cfg, logger, deps)
	mountAPI(router, cfg, logger, deps)

	return router
}

// mountUI регистрирует HTML-маршруты Admin UI.
// Все формы защищены CSRF-токеном; страницы панели - Session Gate.
func mountUI(router chi.Router, cfg *config.Config, logger *slog.Logger, deps Deps) {
	loginLimiter := httprate.Limit(cfg.LoginRateLimit, cfg.LoginRateWindow,
		httprate.WithKeyFuncs(httprate.KeyByIP),
		httprate.WithLimitHandler(deps.Auth.HandleRateLimited),
	)

	router.Route("/admin", func(r chi.Router) {
		r.Use(i18n.Middleware(cfg.UILang))
		r.Use(csrfProtect(cfg, logger, deps.CSRFKey))

		r.Get("/login", deps.Auth.HandleLoginPage)
		r.With(loginLimiter).Post("/login", deps.Auth.HandleLogin)
		r.Post("/logout", deps.Auth.HandleLogout)
		r.Post("/set-language", uihandlers.HandleSetLanguage)

		r.Group(func(r chi.Router) {
			r.Use(uimiddleware.Guard(deps.Gates, deps.Viewers, uimiddleware.GuardOptions{
				Requirement: gate.RequireAdmin,
				SpinnerWait: cfg.SpinnerWait,
			}, logger))

			r.Get("/", deps.Dashboard.HandleDashboard)
			r.Get("/users", deps.Dashboard.HandleUsers)
			r.Get("/leads", deps.Dashboard.HandleLeads)
		})
	})
}

// mountAPI регистрирует JSON API.
// GET /api/v1/session доступен без авторизации; остальное - только admin.
func mountAPI(router chi.Router, cfg *config.Config, logger *slog.Logger, deps Deps) {
	sessionAuth := middleware.NewSessionAuth(deps.Gates, deps.Viewers, cfg.SpinnerWait, logger)

	router.Route("/api/v1", func(r chi.Router) {
		if deps.Validator != nil {
			r.Use(deps.Validator.Middleware())
		}

		r.Get("/session", deps.API.GetSession)

		r.Group(func(r chi.Router) {
			r.Use(sessionAuth.Require(gate.RequireAdmin))

			r.Get("/profiles", deps.API.ListProfiles)
			r.Post("/profiles", deps.API.CreateProfile)
			r.Get("/profiles/{id}", deps.API.GetProfile)
			r.Delete("/profiles/{id}", deps.API.DeleteProfile)
			r.Patch("/profiles/{id}/role", deps.API.ChangeRole)
			r.Post("/profiles/{id}/logout", deps.API.ForceLogout)
		})
	})
}

// securityHeaders добавляет заголовки безопасности ко всем ответам.
func securityHeaders(cfg *config.Config, logger *slog.Logger) func(http.Handler) http.Handler {
	sm := secure.New(secure.Options{
		FrameDeny:             true,
		ContentTypeNosniff:    true,
		BrowserXssFilter:      true,
		ReferrerPolicy:        "same-origin",
		ContentSecurityPolicy: "default-src 'self'; form-action 'self'; frame-ancestors 'none'",
		STSSeconds:            stsSeconds(cfg.CookieSecure),
		SSLProxyHeaders:       map[string]string{"X-Forwarded-Proto": "https"},
		IsDevelopment:         !cfg.CookieSecure,
	})

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if err := sm.Process(w, r); err != nil {
				logger.Warn("Запрос отклонён secure middleware",
					slog.String("path", r.URL.Path),
					slog.String("error", err.Error()),
				)
				http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func stsSeconds(https bool) int64 {
	if https {
		return 31536000
	}
	return 0
}

// csrfProtect оборачивает gorilla/csrf. Без HTTPS запрос помечается как
// plaintext: иначе csrf требует Referer со схемой https.
func csrfProtect(cfg *config.Config, logger *slog.Logger, key []byte) func(http.Handler) http.Handler {
	protect := csrf.Protect(key,
		csrf.CookieName(csrfCookieName),
		csrf.Path("/admin"),
		csrf.Secure(cfg.CookieSecure),
		csrf.HttpOnly(true),
		csrf.SameSite(csrf.SameSiteLaxMode),
		csrf.ErrorHandler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			logger.Warn("CSRF-проверка не пройдена",
				slog.String("path", r.URL.Path),
				slog.String("reason", csrf.FailureReason(r).Error()),
			)
			http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
		})),
	)

	return func(next http.Handler) http.Handler {
		h := protect(next)
		if cfg.CookieSecure {
			return h
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h.ServeHTTP(w, csrf.PlaintextHTTPRequest(r))
		})
	}
}

// Run запускает сервер и ожидает сигнала завершения (SIGINT, SIGTERM).
// При получении сигнала выполняется graceful shutdown.
func (s *Server) Run() error {
	// Канал для ошибок сервера
	errCh := make(chan error, 1)

	go func() {
		s.logger.Info("HTTP-сервер запущен",
			slog.String("addr", s.httpServer.Addr),
		)

		err := s.httpServer.ListenAndServe()
		if err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	// Ожидание сигнала завершения
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		s.logger.Info("Получен сигнал завершения", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("ошибка HTTP-сервера: %w", err)
		}
	}

	// Graceful shutdown
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()

	s.logger.Info("Выполняется graceful shutdown...")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("ошибка при graceful shutdown: %w", err)
	}

	s.logger.Info("HTTP-сервер остановлен")
	return nil
}
