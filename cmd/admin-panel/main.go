// Точка входа Admin Panel - панель администратора CRM.
// Загружает конфигурацию, применяет миграции, подключается к PostgreSQL и Redis,
// инициализирует OIDC-клиент Keycloak и Session Gate, собирает Admin UI и JSON API,
// запускает topologymetrics, HTTP-сервер и graceful shutdown.
package main

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/jackc/pgx/v5/stdlib"

	"github.com/afcademia/admin-panel/internal/api/handlers"
	"github.com/afcademia/admin-panel/internal/api/middleware"
	"github.com/afcademia/admin-panel/internal/api/openapi"
	"github.com/afcademia/admin-panel/internal/config"
	"github.com/afcademia/admin-panel/internal/database"
	"github.com/afcademia/admin-panel/internal/gate"
	"github.com/afcademia/admin-panel/internal/identity"
	"github.com/afcademia/admin-panel/internal/keycloak"
	"github.com/afcademia/admin-panel/internal/repository"
	"github.com/afcademia/admin-panel/internal/server"
	"github.com/afcademia/admin-panel/internal/service"
	"github.com/afcademia/admin-panel/internal/ui/auth"
	uihandlers "github.com/afcademia/admin-panel/internal/ui/handlers"
	"github.com/afcademia/admin-panel/internal/ui/i18n"
)

// readinessTimeout - таймаут одной проверки зависимости в /health/ready.
const readinessTimeout = 3 * time.Second

//nolint:gocyclo,funlen // линейная сборка приложения
func main() {
	// 1. Загрузка конфигурации из переменных окружения
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Ошибка загрузки конфигурации", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 2. Настройка логирования
	logger := config.SetupLogger(cfg)
	logger.Info("Admin Panel запускается",
		slog.String("version", config.Version),
		slog.Int("port", cfg.Port),
		slog.String("profile_failure_policy", string(cfg.ProfileFailurePolicy)),
	)

	if cfg.SessionSecret == "" {
		logger.Warn("AP_SESSION_SECRET не задан, сессии не сохраняются между рестартами")
	}
	if cfg.ProfileFailurePolicy == gate.PolicyFailOpen {
		logger.Warn("Включена политика fail-open: при ошибке загрузки профиля доступ разрешается")
	}

	// 3. Каталоги переводов Admin UI
	bundle := i18n.Init(logger)
	if err := i18n.LoadCatalogs(bundle); err != nil {
		logger.Error("Ошибка загрузки переводов", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 4. Применение миграций БД
	logger.Info("Применение миграций БД...")
	if err := database.Migrate(cfg, logger); err != nil {
		logger.Error("Ошибка миграций БД", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 5. Подключение к PostgreSQL (pgxpool)
	ctx := context.Background()
	pool, err := database.Connect(ctx, cfg, logger)
	if err != nil {
		logger.Error("Ошибка подключения к PostgreSQL", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer pool.Close()

	// 5.1 Адаптер pgxpool → *sql.DB для topologymetrics (connection pool mode).
	pgDB := stdlib.OpenDBFromPool(pool)
	defer pgDB.Close()

	// 6. Redis - хранилище зашифрованных сессий
	redisClient, err := identity.NewRedisClient(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		logger.Error("Ошибка подключения к Redis", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer redisClient.Close()

	sealer, err := identity.NewSealer(cfg.SessionSecret)
	if err != nil {
		logger.Error("Ошибка создания ключа сессий", slog.String("error", err.Error()))
		os.Exit(1)
	}
	sessionStore := identity.NewRedisSessionStore(redisClient, sealer)

	// 7. HTTP-клиент Keycloak (с кастомным CA, если задан)
	var kcHTTPClient *http.Client
	if cfg.CACertPath != "" {
		kcHTTPClient, err = identity.HTTPClientWithCA(cfg.CACertPath, cfg.OIDCClientTimeout)
		if err != nil {
			logger.Error("Ошибка загрузки CA-сертификата", slog.String("path", cfg.CACertPath), slog.String("error", err.Error()))
			os.Exit(1)
		}
		logger.Info("CA-сертификат загружен", slog.String("path", cfg.CACertPath))
	}

	// 8. OIDC-клиент и проверка JWT
	oidcClient := identity.NewOIDCClient(identity.OIDCConfig{
		KeycloakURL:  cfg.KeycloakURL,
		Realm:        cfg.KeycloakRealm,
		ClientID:     cfg.KeycloakClientID,
		ClientSecret: cfg.KeycloakClientSecret,
		HTTPClient:   kcHTTPClient,
		Timeout:      cfg.OIDCClientTimeout,
	})
	verifier, err := identity.NewVerifier(identity.VerifierConfig{
		JWKSURL:         cfg.JWTJWKSURL,
		CACertPath:      cfg.CACertPath,
		Issuer:          cfg.JWTIssuer,
		ClientTimeout:   cfg.JWKSClientTimeout,
		RefreshInterval: cfg.JWKSRefreshInterval,
		Leeway:          cfg.JWTLeeway,
	}, logger)
	if err != nil {
		logger.Error("Ошибка создания JWT verifier", slog.String("error", err.Error()))
		os.Exit(1)
	}
	identitySvc := identity.NewService(oidcClient, verifier, sessionStore, identity.ServiceOptions{
		SessionTTL:     cfg.SessionTTL,
		RequestTimeout: cfg.OIDCClientTimeout,
	}, logger)
	logger.Info("OIDC-клиент создан",
		slog.String("issuer", oidcClient.Issuer()),
		slog.String("client_id", cfg.KeycloakClientID),
	)

	// 9. Keycloak Admin API (опционально)
	var (
		kcAdmin   *keycloak.Client
		directory service.UserDirectory
	)
	if cfg.KeycloakAdminClientID != "" {
		kcAdmin = keycloak.New(
			cfg.KeycloakURL,
			cfg.KeycloakRealm,
			cfg.KeycloakAdminClientID,
			cfg.KeycloakAdminClientSecret,
			kcHTTPClient,
			logger,
		)
		directory = kcAdmin
		logger.Info("Keycloak Admin API клиент создан", slog.String("client_id", cfg.KeycloakAdminClientID))
	} else {
		logger.Info("Keycloak Admin API не настроен, создание пользователей недоступно")
	}

	// 10. Repository и сервис профилей
	profileRepo := repository.NewProfileRepository(pool)
	profileSvc := service.NewProfileService(
		profileRepo,
		repository.NewTxRunner(pool),
		directory,
		service.ProfileServiceOptions{
			CacheSize: cfg.ProfileCacheSize,
			CacheTTL:  cfg.ProfileCacheTTL,
		},
		logger,
	)

	// 11. Session Gate: реестр гейтов по viewer
	gates := gate.NewRegistry(identitySvc.ProviderFor, profileSvc, gate.RegistryOptions{
		Size:         cfg.GateCacheSize,
		IdleTTL:      cfg.GateIdleTTL,
		SessionCheck: identitySvc.HasStoredSession,
		Gate: gate.Options{
			RestoreTimeout: cfg.SessionRestoreTimeout,
			ProfileTimeout: cfg.ProfileFetchTimeout,
			Policy:         cfg.ProfileFailurePolicy,
			LoginPath:      gate.DefaultLoginPath,
			Logger:         logger,
		},
	})
	profileSvc.SetInvalidator(gates)
	profileSvc.SetSessionRevoker(identitySvc)

	// 12. Readiness checkers (PostgreSQL + Redis + Keycloak)
	kcCheckClient := kcHTTPClient
	if kcCheckClient == nil {
		kcCheckClient = &http.Client{Timeout: readinessTimeout}
	}
	checks := handlers.HealthChecks{
		PostgreSQL: database.NewReadinessChecker(pool),
		Redis:      identity.NewRedisReadinessChecker(redisClient, readinessTimeout),
		Keycloak:   identity.NewKeycloakReadinessChecker(cfg.JWTJWKSURL, kcCheckClient),
	}
	if kcAdmin != nil {
		checks.KeycloakAdmin = kcAdmin
	}

	// 13. OpenAPI-контракт JSON API
	doc, err := openapi.Load(ctx)
	if err != nil {
		logger.Error("Ошибка загрузки OpenAPI-контракта", slog.String("error", err.Error()))
		os.Exit(1)
	}
	validator, err := middleware.NewRequestValidator(doc, logger)
	if err != nil {
		logger.Error("Ошибка создания валидатора запросов", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 14. topologymetrics - мониторинг зависимостей (PostgreSQL + Keycloak)
	dephealthSvc, dephealthErr := service.NewDephealthService(
		"admin-panel",
		cfg.DephealthGroup,
		pgDB,
		cfg.DatabaseURL("postgres"),
		cfg.JWTJWKSURL,
		cfg.DephealthCheckInterval,
		logger,
	)
	if dephealthErr != nil {
		logger.Warn("topologymetrics недоступен, запуск без мониторинга зависимостей",
			slog.String("error", dephealthErr.Error()),
		)
	} else if startErr := dephealthSvc.Start(ctx); startErr != nil {
		logger.Warn("Ошибка запуска topologymetrics", slog.String("error", startErr.Error()))
	} else {
		logger.Info("topologymetrics запущен",
			slog.String("group", cfg.DephealthGroup),
			slog.String("check_interval", cfg.DephealthCheckInterval.String()),
		)
	}

	// 15. HTTP-обработчики Admin UI и JSON API
	viewers := auth.NewViewerManager(cfg.CookieSecure, cfg.SessionTTL)
	deps := server.Deps{
		Gates:     gates,
		Viewers:   viewers,
		Validator: validator,
		API:       handlers.NewAPIHandler(profileSvc, gates, viewers, cfg.SpinnerWait, logger),
		Health:    handlers.NewHealthHandler(checks),
		Auth:      uihandlers.NewAuthHandler(gates, viewers, cfg.SpinnerWait, logger),
		Dashboard: uihandlers.NewDashboardHandler(profileSvc, logger),
		CSRFKey:   csrfKey(cfg.SessionSecret),
	}

	// 16. Создание и запуск HTTP-сервера
	srv := server.New(cfg, logger, deps)
	if err := srv.Run(); err != nil {
		logger.Error("Ошибка сервера", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 17. Graceful shutdown фоновых задач
	logger.Info("Останавливаем фоновые задачи...")

	if dephealthSvc != nil {
		dephealthSvc.Stop()
	}
	gates.Close()

	logger.Info("Admin Panel остановлен")
}

// csrfKey возвращает ключ подписи CSRF-токенов.
// Пустой секрет - случайный ключ: формы, открытые до рестарта, станут недействительны.
func csrfKey(secret string) []byte {
	if secret == "" {
		key := make([]byte, 32)
		_, _ = rand.Read(key)
		return key
	}
	sum := sha256.Sum256([]byte("csrf:" + secret))
	return sum[:]
}
