// errors.go - ошибки бизнес-логики сервисного слоя.
package service

import "errors"

var (
	// ErrNotFound - ресурс не найден.
	ErrNotFound = errors.New("ресурс не найден")
	// ErrConflict - конфликт (дублирующийся ресурс).
	ErrConflict = errors.New("конфликт: ресурс уже существует")
	// ErrInvalidRole - некорректная роль.
	ErrInvalidRole = errors.New("некорректная роль: допустимые значения: admin, user")
	// ErrLastAdmin - операция оставила бы систему без администраторов.
	ErrLastAdmin = errors.New("нельзя понизить или удалить последнего администратора")
	// ErrSelfModification - администратор не может понизить или удалить себя.
	ErrSelfModification = errors.New("нельзя изменить роль или удалить собственный профиль")
	// ErrIDPUnavailable - Identity Provider (Keycloak) недоступен.
	ErrIDPUnavailable = errors.New("Identity Provider недоступен")
	// ErrIDPNotConfigured - Keycloak Admin API не настроен.
	ErrIDPNotConfigured = errors.New("Keycloak Admin API не настроен")
	// ErrValidation - ошибка валидации входных данных.
	ErrValidation = errors.New("ошибка валидации")
)
