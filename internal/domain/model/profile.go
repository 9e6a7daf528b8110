package model

import "time"

// Profile - запись авторизации, привязанная к субъекту сессии.
// Хранится в таблице profiles.
type Profile struct {
	// ID - идентификатор субъекта (совпадает с sub в IdP)
	ID string
	// FullName - отображаемое имя
	FullName string
	// Email - адрес электронной почты
	Email string
	// Role - роль (admin, user)
	Role string
	// CreatedAt - время создания записи
	CreatedAt time.Time
	// UpdatedAt - время последнего обновления
	UpdatedAt time.Time
}

// Clone возвращает копию профиля (nil-safe).
func (p *Profile) Clone() *Profile {
	if p == nil {
		return nil
	}
	c := *p
	return &c
}
