// Пакет model - доменные модели Admin Panel.
package model

import "time"

// Session - подтверждение аутентификации, выданное Identity Provider.
// Хранится в Redis (persisted storage) и восстанавливается при старте гейта.
type Session struct {
	// SubjectID - идентификатор субъекта (sub из JWT).
	SubjectID string `json:"sub"`
	// Email - email пользователя из JWT.
	Email string `json:"email"`
	// AccessToken - JWT access token от IdP.
	AccessToken string `json:"access_token"`
	// RefreshToken - refresh token для обновления access token.
	RefreshToken string `json:"refresh_token"`
	// ExpiresAt - время истечения access token (Unix timestamp).
	ExpiresAt int64 `json:"expires_at"`
}

// IsExpired проверяет, истёк ли access token.
// Возвращает true если до истечения менее 30 секунд (буфер для refresh).
func (s *Session) IsExpired() bool {
	return time.Now().Unix() >= s.ExpiresAt-30
}

// SameSubject сообщает, принадлежат ли две сессии одному субъекту.
// Две пустые сессии считаются одинаковыми.
func (s *Session) SameSubject(other *Session) bool {
	if s == nil || other == nil {
		return s == nil && other == nil
	}
	return s.SubjectID == other.SubjectID
}
