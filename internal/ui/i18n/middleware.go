package i18n

import (
	"net/http"

	"golang.org/x/text/language"
)

// LangCookieName - cookie с языком, выбранным в панели.
// Префикс ap_ общий с cookie viewer.
const LangCookieName = "ap_lang"

// Middleware кладёт язык запроса в контекст и отдаёт его в Content-Language.
// Порядок выбора: cookie ap_lang, Accept-Language, fallback.
// Неподдерживаемый fallback заменяется на DefaultLang.
func Middleware(fallback string) func(http.Handler) http.Handler {
	if !IsSupported(fallback) {
		fallback = DefaultLang
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			lang := requestLang(r, fallback)
			w.Header().Set("Content-Language", lang)
			w.Header().Add("Vary", "Accept-Language")
			next.ServeHTTP(w, r.WithContext(WithLang(r.Context(), lang)))
		})
	}
}

func requestLang(r *http.Request, fallback string) string {
	if c, err := r.Cookie(LangCookieName); err == nil && IsSupported(c.Value) {
		return c.Value
	}
	if lang, ok := matchAccept(r.Header.Get("Accept-Language")); ok {
		return lang
	}
	return fallback
}

// matchAccept подбирает поддерживаемый язык по Accept-Language.
// ok = false, если ни один язык заголовка не подходит.
func matchAccept(header string) (string, bool) {
	if header == "" {
		return "", false
	}
	tags, _, err := language.ParseAcceptLanguage(header)
	if err != nil || len(tags) == 0 {
		return "", false
	}
	_, idx, conf := matcher.Match(tags...)
	if conf == language.No {
		return "", false
	}
	return SupportedLanguages[idx].String(), true
}

// IsSupported сообщает, есть ли у панели каталог для языка lang.
func IsSupported(lang string) bool {
	for _, tag := range SupportedLanguages {
		if tag.String() == lang {
			return true
		}
	}
	return false
}
