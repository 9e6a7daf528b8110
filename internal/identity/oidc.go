// Пакет identity - адаптер Identity Provider (Keycloak OIDC) для Session Gate.
// OIDC-клиент (password/refresh grant, logout), проверка JWT через JWKS,
// хранилище сессий в Redis с шифрованием AES-256-GCM.
package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/afcademia/admin-panel/internal/gate"
)

// ErrInvalidGrant - IdP отклонил учётные данные или refresh token (invalid_grant).
var ErrInvalidGrant = errors.New("invalid_grant")

// OIDCClient - клиент для token и logout endpoints Keycloak.
// Confidential client: client_secret передаётся, если задан.
type OIDCClient struct {
	clientID     string
	clientSecret string
	tokenURL     string
	logoutURL    string
	jwksURL      string
	issuer       string
	httpClient   *http.Client
}

// OIDCConfig - конфигурация OIDC-клиента.
type OIDCConfig struct {
	// KeycloakURL - базовый URL Keycloak.
	KeycloakURL string
	// Realm - имя realm в Keycloak.
	Realm string
	// ClientID - OIDC Client ID с включённым Direct Access Grants.
	ClientID string
	// ClientSecret - секрет клиента (пустой для public client).
	ClientSecret string
	// HTTPClient - HTTP-клиент (nil - создаётся новый с Timeout).
	HTTPClient *http.Client
	// Timeout - таймаут HTTP-запросов. Используется при HTTPClient == nil.
	Timeout time.Duration
}

// NewOIDCClient создаёт OIDC-клиент на основе конфигурации.
func NewOIDCClient(cfg OIDCConfig) *OIDCClient {
	realmURL := fmt.Sprintf("%s/realms/%s", strings.TrimRight(cfg.KeycloakURL, "/"), cfg.Realm)
	oidcBase := realmURL + "/protocol/openid-connect"

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	return &OIDCClient{
		clientID:     cfg.ClientID,
		clientSecret: cfg.ClientSecret,
		tokenURL:     oidcBase + "/token",
		logoutURL:    oidcBase + "/logout",
		jwksURL:      oidcBase + "/certs",
		issuer:       realmURL,
		httpClient:   httpClient,
	}
}

// Issuer возвращает issuer realm (для проверки JWT).
func (c *OIDCClient) Issuer() string {
	return c.issuer
}

// JWKSURL возвращает URL JWKS endpoint realm.
func (c *OIDCClient) JWKSURL() string {
	return c.jwksURL
}

// TokenResponse - ответ от token endpoint Keycloak.
type TokenResponse struct {
	AccessToken      string `json:"access_token"`  //nolint:gosec // G117: структура токена OAuth2
	RefreshToken     string `json:"refresh_token"` //nolint:gosec // G117: структура токена OAuth2
	TokenType        string `json:"token_type"`
	ExpiresIn        int    `json:"expires_in"`
	RefreshExpiresIn int    `json:"refresh_expires_in"`
}

// TokenError - ошибка от token endpoint Keycloak.
type TokenError struct {
	Error       string `json:"error"`
	Description string `json:"error_description"`
}

// PasswordGrant обменивает email/пароль на токены (Resource Owner Password Credentials).
func (c *OIDCClient) PasswordGrant(ctx context.Context, username, password string) (*TokenResponse, error) {
	data := url.Values{
		"grant_type": {"password"},
		"username":   {username},
		"password":   {password},
		"scope":      {"openid email profile"},
	}
	return c.doTokenRequest(ctx, data)
}

// RefreshTokens обновляет access token через refresh token.
func (c *OIDCClient) RefreshTokens(ctx context.Context, refreshToken string) (*TokenResponse, error) {
	data := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
	}
	return c.doTokenRequest(ctx, data)
}

// Logout завершает сессию Keycloak по refresh token (backchannel logout).
// Уже завершённая сессия (invalid_grant) ошибкой не считается.
func (c *OIDCClient) Logout(ctx context.Context, refreshToken string) error {
	data := url.Values{"refresh_token": {refreshToken}}
	c.setClientCredentials(data)

	resp, body, err := c.post(ctx, c.logoutURL, data)
	if err != nil {
		return err
	}
	if resp.StatusCode == http.StatusNoContent || resp.StatusCode == http.StatusOK {
		return nil
	}
	err = classifyTokenError(resp.StatusCode, body)
	if errors.Is(err, ErrInvalidGrant) {
		return nil
	}
	return err
}

func (c *OIDCClient) setClientCredentials(data url.Values) {
	data.Set("client_id", c.clientID)
	if c.clientSecret != "" {
		data.Set("client_secret", c.clientSecret)
	}
}

// doTokenRequest выполняет POST-запрос к token endpoint Keycloak.
func (c *OIDCClient) doTokenRequest(ctx context.Context, data url.Values) (*TokenResponse, error) {
	c.setClientCredentials(data)

	resp, body, err := c.post(ctx, c.tokenURL, data)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, classifyTokenError(resp.StatusCode, body)
	}

	var tokenResp TokenResponse
	if err := json.Unmarshal(body, &tokenResp); err != nil {
		return nil, fmt.Errorf("%w: ошибка парсинга token response: %v", gate.ErrProviderUnavailable, err)
	}
	if tokenResp.AccessToken == "" {
		return nil, fmt.Errorf("%w: token response без access_token", gate.ErrProviderUnavailable)
	}

	return &tokenResp, nil
}

func (c *OIDCClient) post(ctx context.Context, endpoint string, data url.Values) (*http.Response, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(data.Encode()))
	if err != nil {
		return nil, nil, fmt.Errorf("ошибка создания запроса: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req) //nolint:gosec // G704: URL из конфигурации OIDC
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", gate.ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: ошибка чтения ответа: %v", gate.ErrProviderUnavailable, err)
	}
	return resp, body, nil
}

// classifyTokenError разделяет отказ в учётных данных и недоступность IdP.
func classifyTokenError(status int, body []byte) error {
	var tokenErr TokenError
	if jsonErr := json.Unmarshal(body, &tokenErr); jsonErr == nil && tokenErr.Error != "" {
		if tokenErr.Error == "invalid_grant" {
			return fmt.Errorf("%w: %s", ErrInvalidGrant, tokenErr.Description)
		}
		if status < http.StatusInternalServerError {
			return fmt.Errorf("token endpoint error: %s: %s", tokenErr.Error, tokenErr.Description)
		}
	}
	return fmt.Errorf("%w: token endpoint вернул статус %d", gate.ErrProviderUnavailable, status)
}
