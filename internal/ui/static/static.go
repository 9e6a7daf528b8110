// Пакет static раздаёт встроенные стили Admin UI.
package static

import (
	"embed"
	"net/http"
	"strings"
)

// Prefix - URL-префикс встроенных ресурсов.
const Prefix = "/static/"

// cacheControl - стили меняются только с новым релизом.
const cacheControl = "public, max-age=3600"

//go:embed css
var assets embed.FS

// Handler раздаёт файлы под Prefix. Листинг каталогов закрыт: /static/css/ - 404.
func Handler() http.Handler {
	files := http.FileServerFS(assets)
	return http.StripPrefix(Prefix, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "" || strings.HasSuffix(r.URL.Path, "/") {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Cache-Control", cacheControl)
		files.ServeHTTP(w, r)
	}))
}
