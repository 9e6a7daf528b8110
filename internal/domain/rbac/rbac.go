// Пакет rbac - роли Admin Panel и правила их сравнения.
// Роль хранится в profiles.role; доступ к админским разделам
// есть только у роли admin.
package rbac

import "strings"

// Допустимые роли профиля.
const (
	RoleUser  = "user"
	RoleAdmin = "admin"
)

// validRoles - множество допустимых ролей (совпадает с CHECK в таблице profiles).
var validRoles = map[string]struct{}{
	RoleUser:  {},
	RoleAdmin: {},
}

// IsAdmin проверяет, является ли роль административной.
// Неизвестные и пустые роли администраторскими не считаются.
func IsAdmin(role string) bool {
	return role == RoleAdmin
}

// IsValidRole проверяет, является ли строка допустимой ролью.
func IsValidRole(role string) bool {
	_, ok := validRoles[role]
	return ok
}

// NormalizeRole приводит роль к каноническому виду (нижний регистр, без пробелов).
// Возвращает пустую строку для недопустимых значений.
func NormalizeRole(role string) string {
	r := strings.ToLower(strings.TrimSpace(role))
	if !IsValidRole(r) {
		return ""
	}
	return r
}
