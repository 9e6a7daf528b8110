package gate

import (
	"fmt"
	"strings"

	"github.com/afcademia/admin-panel/internal/domain/model"
	"github.com/afcademia/admin-panel/internal/domain/rbac"
)

// Decision - решение route guard для текущего состояния гейта.
// Нулевое значение - ShowSpinner: до появления данных ничего не показываем.
type Decision int

const (
	// DecisionShowSpinner - состояние ещё не определено, показываем индикатор загрузки.
	DecisionShowSpinner Decision = iota
	// DecisionRedirect - нет сессии, redirect на страницу входа.
	DecisionRedirect
	// DecisionDeny - сессия есть, но прав недостаточно.
	DecisionDeny
	// DecisionAllow - доступ разрешён.
	DecisionAllow
)

// String возвращает имя решения (используется в логах и метриках).
func (d Decision) String() string {
	switch d {
	case DecisionShowSpinner:
		return "spinner"
	case DecisionRedirect:
		return "redirect"
	case DecisionDeny:
		return "deny"
	case DecisionAllow:
		return "allow"
	default:
		return fmt.Sprintf("decision(%d)", int(d))
	}
}

// Requirement - уровень авторизации, требуемый маршрутом.
type Requirement int

const (
	// RequireAuthenticated - достаточно наличия сессии.
	RequireAuthenticated Requirement = iota
	// RequireAdmin - нужна подтверждённая роль admin.
	RequireAdmin
)

// DefaultLoginPath - страница входа для DecisionRedirect.
const DefaultLoginPath = "/admin/login"

// Outcome - решение вместе с целью redirect (заполнена только для DecisionRedirect).
type Outcome struct {
	Decision   Decision
	RedirectTo string
}

// Policy - политика на случай, когда профиль не удалось загрузить.
type Policy string

const (
	// PolicyFailClosed - отказ в доступе (по умолчанию).
	PolicyFailClosed Policy = "deny"
	// PolicyFailOpen - пропуск пользователя с валидной сессией.
	PolicyFailOpen Policy = "allow"
)

// ParsePolicy разбирает значение политики из конфигурации.
// Принимает deny/fail-closed и allow/fail-open.
func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "deny", "fail-closed", "closed":
		return PolicyFailClosed, nil
	case "allow", "fail-open", "open":
		return PolicyFailOpen, nil
	default:
		return "", fmt.Errorf("недопустимая политика %q, допустимые: deny, allow", s)
	}
}

// ProfileStatus - стадия загрузки профиля.
type ProfileStatus string

const (
	// ProfileAbsent - сессии нет, профиль не нужен.
	ProfileAbsent ProfileStatus = "absent"
	// ProfilePending - загрузка запланирована или выполняется.
	ProfilePending ProfileStatus = "pending"
	// ProfileLoaded - профиль получен.
	ProfileLoaded ProfileStatus = "loaded"
	// ProfileFailed - загрузка завершилась ошибкой или таймаутом.
	ProfileFailed ProfileStatus = "failed"
)

// State - производное состояние гейта. Не хранится, пересчитывается при каждом изменении.
type State struct {
	Initializing  bool
	HasSession    bool
	SubjectID     string
	Email         string
	Profile       *model.Profile
	ProfileStatus ProfileStatus
	LastError     error
}

// Decide - чистая функция состояния: решение для маршрута с требованием req.
func Decide(st State, req Requirement, policy Policy) Decision {
	switch {
	case st.Initializing:
		return DecisionShowSpinner
	case !st.HasSession:
		return DecisionRedirect
	case req != RequireAdmin:
		return DecisionAllow
	}

	switch st.ProfileStatus {
	case ProfilePending:
		return DecisionShowSpinner
	case ProfileLoaded:
		if st.Profile != nil && rbac.IsAdmin(st.Profile.Role) {
			return DecisionAllow
		}
		return DecisionDeny
	default:
		if policy == PolicyFailOpen {
			return DecisionAllow
		}
		return DecisionDeny
	}
}
