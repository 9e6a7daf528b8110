package gate

import "errors"

// Ошибки гейта. Все они обрабатываются локально: попадают в State.LastError
// и в логи, но не превращаются в необработанный сбой у потребителя.
var (
	// ErrProviderUnavailable - Identity Provider недоступен (сеть, 5xx).
	ErrProviderUnavailable = errors.New("identity provider недоступен")
	// ErrSessionRestoreTimeout - восстановление сессии не уложилось в таймаут.
	ErrSessionRestoreTimeout = errors.New("таймаут восстановления сессии")
	// ErrProfileFetchTimeout - загрузка профиля не уложилась в таймаут.
	ErrProfileFetchTimeout = errors.New("таймаут загрузки профиля")
	// ErrProfileNotFound - профиль для субъекта отсутствует.
	ErrProfileNotFound = errors.New("профиль не найден")
	// ErrProfileFetchError - прочие ошибки хранилища профилей.
	ErrProfileFetchError = errors.New("ошибка загрузки профиля")
	// ErrInvalidCredentials - IdP отклонил email/пароль.
	ErrInvalidCredentials = errors.New("неверный email или пароль")
	// ErrAccessDenied - вход выполнен, но роль не admin.
	ErrAccessDenied = errors.New("доступ запрещён: требуются права администратора")
	// ErrGateClosed - операция над закрытым гейтом.
	ErrGateClosed = errors.New("гейт закрыт")
)
