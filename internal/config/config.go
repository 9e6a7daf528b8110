// Пакет config - загрузка и валидация конфигурации Admin Panel
// из переменных окружения.
package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/afcademia/admin-panel/internal/gate"
	"github.com/afcademia/admin-panel/internal/ui/i18n"
)

// Версия приложения, задаётся при сборке через -ldflags.
var Version = "dev"

// Границы таймаута восстановления сессии.
const (
	MinSessionRestoreTimeout = 5 * time.Second
	MaxSessionRestoreTimeout = 30 * time.Second
)

// Config содержит все параметры конфигурации Admin Panel.
type Config struct {
	// --- Сервер ---

	// Порт HTTP-сервера
	Port int
	// Уровень логирования (debug, info, warn, error)
	LogLevel slog.Level
	// Формат логов (json, text)
	LogFormat string

	// --- PostgreSQL (Profile Store) ---

	DBHost     string
	DBPort     int
	DBName     string
	DBUser     string
	DBPassword string
	// Режим SSL: disable, require, verify-ca, verify-full
	DBSSLMode string

	// --- Redis (хранилище сессий) ---

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// --- Keycloak ---

	// URL Keycloak (например, https://keycloak.example.com)
	KeycloakURL string
	// Имя realm в Keycloak
	KeycloakRealm string
	// Client ID для входа по паролю (Direct Access Grants)
	KeycloakClientID string
	// Client Secret (пустой для public client)
	KeycloakClientSecret string
	// Client ID для Keycloak Admin API (создание пользователей, опционально)
	KeycloakAdminClientID string
	// Client Secret для Keycloak Admin API
	KeycloakAdminClientSecret string
	// Путь к CA-сертификату для TLS-соединений с Keycloak (опционально)
	CACertPath string
	// Таймаут HTTP-запросов к token/logout endpoints
	OIDCClientTimeout time.Duration

	// --- JWT ---

	// Issuer JWT (авто-вычисляется из KeycloakURL, если не задан)
	JWTIssuer string
	// URL JWKS endpoint (авто-вычисляется из KeycloakURL, если не задан)
	JWTJWKSURL string
	// Таймаут HTTP-клиента JWKS
	JWKSClientTimeout time.Duration
	// Интервал обновления JWKS
	JWKSRefreshInterval time.Duration
	// Допустимое отклонение времени при проверке JWT
	JWTLeeway time.Duration

	// --- Сессии ---

	// Ключ шифрования сессий (пустой - случайный, сессии не переживут рестарт)
	SessionSecret string
	// Срок хранения сессии, если IdP не вернул refresh_expires_in
	SessionTTL time.Duration
	// Secure flag для cookie (включать за HTTPS)
	CookieSecure bool

	// --- Session Gate ---

	// Таймаут восстановления сессии (5s-30s)
	SessionRestoreTimeout time.Duration
	// Таймаут загрузки профиля
	ProfileFetchTimeout time.Duration
	// Политика при ошибке загрузки профиля (deny/allow)
	ProfileFailurePolicy gate.Policy
	// Максимальное количество гейтов (viewer) в памяти
	GateCacheSize int
	// Время жизни гейта без обращений
	GateIdleTTL time.Duration
	// Сколько запрос ждёт восстановления сессии, прежде чем отдать spinner (503 в API)
	SpinnerWait time.Duration

	// --- Кэш профилей ---

	ProfileCacheSize int
	ProfileCacheTTL  time.Duration

	// --- Вход ---

	// Количество попыток входа с одного IP за окно
	LoginRateLimit int
	// Окно ограничения попыток входа
	LoginRateWindow time.Duration

	// --- Admin UI ---

	// Язык панели, если ни cookie, ни Accept-Language его не задали
	UILang string

	// --- topologymetrics ---

	// Группа в метриках зависимостей
	DephealthGroup string
	// Интервал проверки зависимостей
	DephealthCheckInterval time.Duration

	// --- Graceful shutdown ---

	ShutdownTimeout time.Duration
}

// Load загружает конфигурацию из переменных окружения, валидирует
// обязательные поля и возвращает Config или ошибку.
//
//nolint:gocyclo,funlen // линейная последовательность разбора переменных
func Load() (*Config, error) {
	cfg := &Config{}
	var err error

	// --- Сервер ---

	cfg.Port, err = getEnvInt("AP_PORT", 8080)
	if err != nil {
		return nil, fmt.Errorf("AP_PORT: %w", err)
	}
	if cfg.Port < 1 || cfg.Port > 65535 {
		return nil, fmt.Errorf("AP_PORT: значение %d вне допустимого диапазона 1-65535", cfg.Port)
	}

	cfg.LogLevel, err = parseLogLevel(getEnvDefault("AP_LOG_LEVEL", "info"))
	if err != nil {
		return nil, fmt.Errorf("AP_LOG_LEVEL: %w", err)
	}

	cfg.LogFormat = getEnvDefault("AP_LOG_FORMAT", "json")
	if cfg.LogFormat != "json" && cfg.LogFormat != "text" {
		return nil, fmt.Errorf("AP_LOG_FORMAT: недопустимое значение %q, допустимые: json, text", cfg.LogFormat)
	}

	// --- PostgreSQL ---

	if cfg.DBHost, err = getEnvRequired("AP_DB_HOST"); err != nil {
		return nil, err
	}
	cfg.DBPort, err = getEnvInt("AP_DB_PORT", 5432)
	if err != nil {
		return nil, fmt.Errorf("AP_DB_PORT: %w", err)
	}
	if cfg.DBName, err = getEnvRequired("AP_DB_NAME"); err != nil {
		return nil, err
	}
	if cfg.DBUser, err = getEnvRequired("AP_DB_USER"); err != nil {
		return nil, err
	}
	if cfg.DBPassword, err = getEnvRequired("AP_DB_PASSWORD"); err != nil {
		return nil, err
	}

	cfg.DBSSLMode = getEnvDefault("AP_DB_SSL_MODE", "disable")
	validSSLModes := map[string]bool{
		"disable": true, "require": true, "verify-ca": true, "verify-full": true,
	}
	if !validSSLModes[cfg.DBSSLMode] {
		return nil, fmt.Errorf("AP_DB_SSL_MODE: недопустимое значение %q, допустимые: disable, require, verify-ca, verify-full", cfg.DBSSLMode)
	}

	// --- Redis ---

	if cfg.RedisAddr, err = getEnvRequired("AP_REDIS_ADDR"); err != nil {
		return nil, err
	}
	cfg.RedisPassword = getEnvDefault("AP_REDIS_PASSWORD", "")
	cfg.RedisDB, err = getEnvInt("AP_REDIS_DB", 0)
	if err != nil {
		return nil, fmt.Errorf("AP_REDIS_DB: %w", err)
	}

	// --- Keycloak ---

	if cfg.KeycloakURL, err = getEnvRequired("AP_KEYCLOAK_URL"); err != nil {
		return nil, err
	}
	cfg.KeycloakURL = strings.TrimRight(cfg.KeycloakURL, "/")
	cfg.KeycloakRealm = getEnvDefault("AP_KEYCLOAK_REALM", "crm")

	if cfg.KeycloakClientID, err = getEnvRequired("AP_KEYCLOAK_CLIENT_ID"); err != nil {
		return nil, err
	}
	cfg.KeycloakClientSecret = getEnvDefault("AP_KEYCLOAK_CLIENT_SECRET", "")
	cfg.KeycloakAdminClientID = getEnvDefault("AP_KEYCLOAK_ADMIN_CLIENT_ID", "")
	cfg.KeycloakAdminClientSecret = getEnvDefault("AP_KEYCLOAK_ADMIN_CLIENT_SECRET", "")
	if cfg.KeycloakAdminClientID != "" && cfg.KeycloakAdminClientSecret == "" {
		return nil, fmt.Errorf("AP_KEYCLOAK_ADMIN_CLIENT_SECRET: обязателен при заданном AP_KEYCLOAK_ADMIN_CLIENT_ID")
	}
	cfg.CACertPath = getEnvDefault("AP_CA_CERT_PATH", "")

	cfg.OIDCClientTimeout, err = getEnvDuration("AP_OIDC_CLIENT_TIMEOUT", 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("AP_OIDC_CLIENT_TIMEOUT: %w", err)
	}

	// --- JWT ---

	cfg.JWTIssuer = getEnvDefault("AP_JWT_ISSUER",
		fmt.Sprintf("%s/realms/%s", cfg.KeycloakURL, cfg.KeycloakRealm))
	cfg.JWTJWKSURL = getEnvDefault("AP_JWT_JWKS_URL",
		fmt.Sprintf("%s/realms/%s/protocol/openid-connect/certs", cfg.KeycloakURL, cfg.KeycloakRealm))

	cfg.JWKSClientTimeout, err = getEnvDuration("AP_JWKS_CLIENT_TIMEOUT", 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("AP_JWKS_CLIENT_TIMEOUT: %w", err)
	}
	cfg.JWKSRefreshInterval, err = getEnvDuration("AP_JWKS_REFRESH_INTERVAL", 15*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("AP_JWKS_REFRESH_INTERVAL: %w", err)
	}
	cfg.JWTLeeway, err = getEnvDuration("AP_JWT_LEEWAY", 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("AP_JWT_LEEWAY: %w", err)
	}

	// --- Сессии ---

	cfg.SessionSecret = getEnvDefault("AP_SESSION_SECRET", "")
	cfg.SessionTTL, err = getEnvDuration("AP_SESSION_TTL", 24*time.Hour)
	if err != nil {
		return nil, fmt.Errorf("AP_SESSION_TTL: %w", err)
	}
	cfg.CookieSecure, err = getEnvBool("AP_COOKIE_SECURE", strings.HasPrefix(cfg.KeycloakURL, "https"))
	if err != nil {
		return nil, fmt.Errorf("AP_COOKIE_SECURE: %w", err)
	}

	// --- Session Gate ---

	cfg.SessionRestoreTimeout, err = getEnvDuration("AP_SESSION_RESTORE_TIMEOUT", gate.DefaultRestoreTimeout)
	if err != nil {
		return nil, fmt.Errorf("AP_SESSION_RESTORE_TIMEOUT: %w", err)
	}
	cfg.SessionRestoreTimeout = clampDuration(cfg.SessionRestoreTimeout, MinSessionRestoreTimeout, MaxSessionRestoreTimeout)

	cfg.ProfileFetchTimeout, err = getEnvDuration("AP_PROFILE_FETCH_TIMEOUT", gate.DefaultProfileTimeout)
	if err != nil {
		return nil, fmt.Errorf("AP_PROFILE_FETCH_TIMEOUT: %w", err)
	}
	if cfg.ProfileFetchTimeout <= 0 {
		return nil, fmt.Errorf("AP_PROFILE_FETCH_TIMEOUT: должен быть больше нуля")
	}

	cfg.ProfileFailurePolicy, err = gate.ParsePolicy(getEnvDefault("AP_PROFILE_FAILURE_POLICY", string(gate.PolicyFailClosed)))
	if err != nil {
		return nil, fmt.Errorf("AP_PROFILE_FAILURE_POLICY: %w", err)
	}

	cfg.GateCacheSize, err = getEnvInt("AP_GATE_CACHE_SIZE", 10000)
	if err != nil {
		return nil, fmt.Errorf("AP_GATE_CACHE_SIZE: %w", err)
	}
	if cfg.GateCacheSize < 1 {
		return nil, fmt.Errorf("AP_GATE_CACHE_SIZE: значение %d должно быть положительным", cfg.GateCacheSize)
	}
	cfg.GateIdleTTL, err = getEnvDuration("AP_GATE_IDLE_TTL", 30*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("AP_GATE_IDLE_TTL: %w", err)
	}
	cfg.SpinnerWait, err = getEnvDuration("AP_SPINNER_WAIT", 2*time.Second)
	if err != nil {
		return nil, fmt.Errorf("AP_SPINNER_WAIT: %w", err)
	}
	if cfg.SpinnerWait < 0 || cfg.SpinnerWait > cfg.SessionRestoreTimeout {
		return nil, fmt.Errorf("AP_SPINNER_WAIT: значение %s вне диапазона 0-%s", cfg.SpinnerWait, cfg.SessionRestoreTimeout)
	}

	// --- Кэш профилей ---

	cfg.ProfileCacheSize, err = getEnvInt("AP_PROFILE_CACHE_SIZE", 1000)
	if err != nil {
		return nil, fmt.Errorf("AP_PROFILE_CACHE_SIZE: %w", err)
	}
	if cfg.ProfileCacheSize < 1 {
		return nil, fmt.Errorf("AP_PROFILE_CACHE_SIZE: значение %d должно быть положительным", cfg.ProfileCacheSize)
	}
	cfg.ProfileCacheTTL, err = getEnvDuration("AP_PROFILE_CACHE_TTL", 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("AP_PROFILE_CACHE_TTL: %w", err)
	}

	// --- Вход ---

	cfg.LoginRateLimit, err = getEnvInt("AP_LOGIN_RATE_LIMIT", 10)
	if err != nil {
		return nil, fmt.Errorf("AP_LOGIN_RATE_LIMIT: %w", err)
	}
	if cfg.LoginRateLimit < 1 {
		return nil, fmt.Errorf("AP_LOGIN_RATE_LIMIT: значение %d должно быть положительным", cfg.LoginRateLimit)
	}
	cfg.LoginRateWindow, err = getEnvDuration("AP_LOGIN_RATE_WINDOW", time.Minute)
	if err != nil {
		return nil, fmt.Errorf("AP_LOGIN_RATE_WINDOW: %w", err)
	}

	// --- Admin UI ---

	cfg.UILang = getEnvDefault("AP_UI_DEFAULT_LANG", i18n.DefaultLang)
	if !i18n.IsSupported(cfg.UILang) {
		return nil, fmt.Errorf("AP_UI_DEFAULT_LANG: недопустимое значение %q, допустимые: ru, en", cfg.UILang)
	}

	// --- topologymetrics ---

	cfg.DephealthGroup = getEnvDefault("AP_DEPHEALTH_GROUP", "crm")
	cfg.DephealthCheckInterval, err = getEnvDuration("AP_DEPHEALTH_CHECK_INTERVAL", 15*time.Second)
	if err != nil {
		return nil, fmt.Errorf("AP_DEPHEALTH_CHECK_INTERVAL: %w", err)
	}

	// --- Graceful shutdown ---

	cfg.ShutdownTimeout, err = getEnvDuration("AP_SHUTDOWN_TIMEOUT", 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("AP_SHUTDOWN_TIMEOUT: %w", err)
	}

	return cfg, nil
}

// DatabaseDSN возвращает строку подключения к PostgreSQL (формат key=value для pgx).
func (c *Config) DatabaseDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		c.DBHost, c.DBPort, c.DBName, c.DBUser, c.DBPassword, c.DBSSLMode,
	)
}

// DatabaseURL возвращает URL подключения к PostgreSQL со схемой scheme
// (postgres - для метрик зависимостей, pgx5 - для golang-migrate).
func (c *Config) DatabaseURL(scheme string) string {
	u := url.URL{
		Scheme:   scheme,
		User:     url.UserPassword(c.DBUser, c.DBPassword),
		Host:     fmt.Sprintf("%s:%d", c.DBHost, c.DBPort),
		Path:     "/" + c.DBName,
		RawQuery: "sslmode=" + url.QueryEscape(c.DBSSLMode),
	}
	return u.String()
}

// SetupLogger настраивает глобальный slog-логгер на основе конфигурации.
func SetupLogger(cfg *Config) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var handler slog.Handler
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// --- Вспомогательные функции ---

// getEnvRequired возвращает значение переменной окружения или ошибку, если она не задана.
func getEnvRequired(key string) (string, error) {
	val := os.Getenv(key)
	if val == "" {
		return "", fmt.Errorf("%s: обязательная переменная окружения не задана", key)
	}
	return val, nil
}

// getEnvDefault возвращает значение переменной окружения или значение по умолчанию.
func getEnvDefault(key, defaultVal string) string {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	return val
}

// getEnvInt возвращает целочисленное значение переменной окружения или значение по умолчанию.
func getEnvInt(key string, defaultVal int) (int, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("некорректное целое число: %q", val)
	}
	return n, nil
}

// getEnvBool возвращает логическое значение переменной окружения или значение по умолчанию.
func getEnvBool(key string, defaultVal bool) (bool, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return false, fmt.Errorf("некорректное логическое значение: %q", val)
	}
	return b, nil
}

// getEnvDuration возвращает time.Duration из переменной окружения или значение по умолчанию.
func getEnvDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return 0, fmt.Errorf("некорректная длительность: %q (используйте формат Go: 30s, 1h, 15m)", val)
	}
	return d, nil
}

// clampDuration ограничивает d диапазоном [lo, hi].
func clampDuration(d, lo, hi time.Duration) time.Duration {
	return min(max(d, lo), hi)
}

// parseLogLevel преобразует строку уровня логирования в slog.Level.
func parseLogLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("недопустимый уровень %q, допустимые: debug, info, warn, error", level)
	}
}
