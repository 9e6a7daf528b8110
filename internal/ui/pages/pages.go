// Пакет pages - страницы Admin UI.
// Каждая страница - templ.Component поверх встроенного html/template:
// обработчики вызывают pages.X(data).Render(ctx, w).
package pages

import (
	"context"
	"embed"
	"fmt"
	"html/template"
	"io"

	"github.com/a-h/templ"

	"github.com/afcademia/admin-panel/internal/domain/model"
	"github.com/afcademia/admin-panel/internal/ui/i18n"
)

//go:embed templates/*.html
var templateFS embed.FS

// pageNames - шаблоны страниц; каждый комбинируется с layout.html.
var pageNames = []string{"login", "spinner", "denied", "dashboard", "users", "leads"}

var templates = mustParse()

func mustParse() map[string]*template.Template {
	funcs := template.FuncMap{"t": i18n.Translate}
	set := make(map[string]*template.Template, len(pageNames))
	for _, name := range pageNames {
		tmpl, err := template.New(name).Funcs(funcs).ParseFS(templateFS,
			"templates/layout.html",
			"templates/"+name+".html",
		)
		if err != nil {
			panic(fmt.Sprintf("pages: шаблон %s: %v", name, err))
		}
		set[name] = tmpl
	}
	return set
}

// Layout - общие данные каркаса страницы.
type Layout struct {
	// Email - пользователь в шапке; пусто для страниц без сессии.
	Email string
	// CSRFField - скрытое поле CSRF-токена для форм.
	CSRFField template.HTML
}

// view - данные, передаваемые в шаблон.
type view struct {
	Layout
	Lang   string
	Title  string
	Active string
	Page   any
}

// render возвращает компонент, исполняющий шаблон name.
func render(name, title, active string, layout Layout, page any) templ.Component {
	return templ.ComponentFunc(func(ctx context.Context, w io.Writer) error {
		return templates[name].ExecuteTemplate(w, "layout", view{
			Layout: layout,
			Lang:   i18n.LangFromContext(ctx),
			Title:  title,
			Active: active,
			Page:   page,
		})
	})
}

// LoginData - данные страницы входа.
type LoginData struct {
	Layout
	Email string
	Next  string
	// Error - ключ перевода общей ошибки.
	Error string
	// FieldErrors - ключи переводов ошибок по полям формы.
	FieldErrors map[string]string
}

// Login - страница входа.
func Login(data LoginData) templ.Component {
	layout := data.Layout
	// Шапка со ссылками на разделы на странице входа не нужна.
	layout.Email = ""
	return render("login", "login.title", "", layout, data)
}

// SpinnerData - данные страницы ожидания.
type SpinnerData struct {
	Layout
}

// Spinner - индикатор загрузки, пока сессия восстанавливается.
// Повторный запрос страницы выполняет браузер по заголовку Refresh.
func Spinner(data SpinnerData) templ.Component {
	return render("spinner", "spinner.title", "", data.Layout, data)
}

// DeniedData - данные страницы отказа в доступе.
type DeniedData struct {
	Layout
	// ProfileError - отказ из-за ошибки загрузки профиля, а не из-за роли.
	ProfileError bool
}

// Denied - страница «Доступ запрещён».
func Denied(data DeniedData) templ.Component {
	return render("denied", "denied.title", "", data.Layout, data)
}

// DashboardData - данные главной страницы.
type DashboardData struct {
	Layout
	FullName    string
	UsersTotal  int
	AdminsTotal int
}

// Dashboard - главная страница панели.
func Dashboard(data DashboardData) templ.Component {
	return render("dashboard", "dashboard.title", "dashboard", data.Layout, data)
}

// UsersData - данные страницы списка пользователей.
type UsersData struct {
	Layout
	Profiles []*model.Profile
	Total    int
	Current  int
	PageSize int
}

// HasPrev сообщает, есть ли предыдущая страница.
func (d UsersData) HasPrev() bool { return d.Current > 1 }

// HasNext сообщает, есть ли следующая страница.
func (d UsersData) HasNext() bool { return d.Current*d.PageSize < d.Total }

// PrevPage - номер предыдущей страницы.
func (d UsersData) PrevPage() int { return d.Current - 1 }

// NextPage - номер следующей страницы.
func (d UsersData) NextPage() int { return d.Current + 1 }

// Users - страница списка пользователей.
func Users(data UsersData) templ.Component {
	return render("users", "users.title", "users", data.Layout, data)
}

// LeadsData - данные страницы лидов.
type LeadsData struct {
	Layout
}

// Leads - страница лидов.
func Leads(data LeadsData) templ.Component {
	return render("leads", "leads.title", "leads", data.Layout, data)
}
