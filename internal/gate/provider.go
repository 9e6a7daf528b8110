package gate

import (
	"context"

	"github.com/afcademia/admin-panel/internal/domain/model"
)

// EventKind - тип события изменения сессии от Identity Provider.
type EventKind string

const (
	// EventInitialSession - первое событие после подписки (сессия или её отсутствие).
	EventInitialSession EventKind = "INITIAL_SESSION"
	// EventSignedIn - успешный вход.
	EventSignedIn EventKind = "SIGNED_IN"
	// EventSignedOut - выход или инвалидация сессии на стороне IdP.
	EventSignedOut EventKind = "SIGNED_OUT"
	// EventTokenRefreshed - access token обновлён через refresh token.
	EventTokenRefreshed EventKind = "TOKEN_REFRESHED"
	// EventUserUpdated - изменились данные пользователя; обрабатывается как refresh.
	EventUserUpdated EventKind = "USER_UPDATED"
)

// ChangeCallback - обработчик событий сессии.
// session == nil означает отсутствие сессии.
type ChangeCallback func(event EventKind, session *model.Session)

// IdentityProvider - узкий контракт внешнего провайдера аутентификации.
type IdentityProvider interface {
	// GetSession восстанавливает сессию из persisted storage.
	// Возвращает nil, nil если сессии нет.
	GetSession(ctx context.Context) (*model.Session, error)
	// OnChange подписывает callback на события сессии.
	// Возвращает функцию отписки; после её вызова callback больше не вызывается.
	OnChange(cb ChangeCallback) (unsubscribe func())
	// SignIn обменивает email/пароль на сессию.
	SignIn(ctx context.Context, email, password string) (*model.Session, error)
	// SignOut уничтожает сессию на стороне провайдера.
	SignOut(ctx context.Context) error
}

// ProfileStore - узкий контракт хранилища профилей.
type ProfileStore interface {
	// GetProfileByID возвращает профиль субъекта.
	// Ошибки: ErrProfileNotFound, ErrProfileFetchTimeout, ErrProfileFetchError.
	GetProfileByID(ctx context.Context, subjectID string) (*model.Profile, error)
}
