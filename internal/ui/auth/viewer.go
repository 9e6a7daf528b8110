// Пакет auth - идентификация браузера (viewer) в Admin UI.
// Сессия IdP хранится на сервере (Redis) под ключом viewer id;
// в cookie лежит только случайный UUID.
package auth

import (
	"net/http"
	"time"

	"github.com/google/uuid"
)

// ViewerCookieName - имя cookie с идентификатором viewer.
const ViewerCookieName = "ap_viewer"

// ViewerManager выдаёт и читает cookie viewer.
type ViewerManager struct {
	secure bool
	maxAge time.Duration
}

// NewViewerManager создаёт менеджер cookie viewer.
// secure - Secure flag (включать за HTTPS), maxAge - срок жизни cookie.
func NewViewerManager(secure bool, maxAge time.Duration) *ViewerManager {
	return &ViewerManager{secure: secure, maxAge: maxAge}
}

// Get возвращает viewer id из cookie. Некорректные значения игнорируются.
func (vm *ViewerManager) Get(r *http.Request) (string, bool) {
	c, err := r.Cookie(ViewerCookieName)
	if err != nil {
		return "", false
	}
	id, err := uuid.Parse(c.Value)
	if err != nil {
		return "", false
	}
	return id.String(), true
}

// Ensure возвращает viewer id из cookie или выдаёт новый.
func (vm *ViewerManager) Ensure(w http.ResponseWriter, r *http.Request) string {
	if id, ok := vm.Get(r); ok {
		return id
	}
	return vm.Issue(w)
}

// Issue выдаёт новый viewer id. Вызывается перед входом, чтобы
// сессия не могла быть привязана к заранее известному идентификатору.
func (vm *ViewerManager) Issue(w http.ResponseWriter) string {
	id := uuid.NewString()
	http.SetCookie(w, &http.Cookie{
		Name:     ViewerCookieName,
		Value:    id,
		Path:     "/",
		MaxAge:   int(vm.maxAge.Seconds()),
		HttpOnly: true,
		Secure:   vm.secure,
		SameSite: http.SameSiteLaxMode,
	})
	return id
}

// Clear удаляет cookie viewer.
func (vm *ViewerManager) Clear(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     ViewerCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   vm.secure,
		SameSite: http.SameSiteLaxMode,
	})
}
