// Пакет keycloak - HTTP-клиент к Keycloak Admin REST API.
// models.go - модели данных Keycloak.
package keycloak

import "time"

// TokenResponse - ответ на запрос токена через Client Credentials flow.
type TokenResponse struct {
	AccessToken string `json:"access_token"` //nolint:gosec // G117: структура токена OAuth2
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
}

// KeycloakUser - пользователь в Keycloak.
type KeycloakUser struct { //nolint:revive // stuttering допустим - внешний API Keycloak
	ID            string `json:"id"`
	Username      string `json:"username"`
	Email         string `json:"email"`
	FirstName     string `json:"firstName"`
	LastName      string `json:"lastName"`
	Enabled       bool   `json:"enabled"`
	CreatedAt     int64  `json:"createdTimestamp"`
	EmailVerified bool   `json:"emailVerified"`
}

// CreatedAtTime возвращает CreatedAt как time.Time.
// Keycloak хранит timestamp в миллисекундах.
func (u *KeycloakUser) CreatedAtTime() time.Time {
	return time.UnixMilli(u.CreatedAt)
}

// FullName возвращает имя и фамилию через пробел.
func (u *KeycloakUser) FullName() string {
	switch {
	case u.FirstName == "":
		return u.LastName
	case u.LastName == "":
		return u.FirstName
	default:
		return u.FirstName + " " + u.LastName
	}
}

// NewUser - параметры создания пользователя.
type NewUser struct {
	Email     string
	FirstName string
	LastName  string
	// Password - начальный пароль. Пустой - без пароля.
	Password string
	// Temporary - пользователь обязан сменить пароль при первом входе.
	Temporary bool
}

// RealmRepresentation - краткая информация о realm.
type RealmRepresentation struct {
	Realm   string `json:"realm"`
	Enabled bool   `json:"enabled"`
}

// userCreateRequest - запрос на создание пользователя в Keycloak.
// Используется внутренне; поля соответствуют Keycloak Admin REST API.
type userCreateRequest struct {
	Username      string              `json:"username"`
	Email         string              `json:"email"`
	FirstName     string              `json:"firstName,omitempty"`
	LastName      string              `json:"lastName,omitempty"`
	Enabled       bool                `json:"enabled"`
	EmailVerified bool                `json:"emailVerified"`
	Credentials   []credentialRequest `json:"credentials,omitempty"`
	Attributes    map[string][]string `json:"attributes,omitempty"`
}

// credentialRequest - учётные данные пользователя.
type credentialRequest struct {
	Type      string `json:"type"`
	Value     string `json:"value"` //nolint:gosec // G117: пароль передаётся в Keycloak
	Temporary bool   `json:"temporary"`
}
