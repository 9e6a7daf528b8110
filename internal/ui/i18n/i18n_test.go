package i18n

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"testing/fstest"
)

func TestLoadCatalogs_Consistent(t *testing.T) {
	b := NewBundle(slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err := LoadCatalogs(b); err != nil {
		t.Fatalf("LoadCatalogs: %v", err)
	}

	for key := range b.catalogs["ru"] {
		if _, ok := b.catalogs["en"][key]; !ok {
			t.Errorf("ключ %q отсутствует в en.json", key)
		}
	}
	for key := range b.catalogs["en"] {
		if _, ok := b.catalogs["ru"][key]; !ok {
			t.Errorf("ключ %q отсутствует в ru.json", key)
		}
	}
}

func TestLoadCatalogs_Errors(t *testing.T) {
	tests := []struct {
		name string
		fsys fstest.MapFS
	}{
		{"нет каталога en", fstest.MapFS{
			"locales/ru.json": {Data: []byte(`{"a": "А"}`)},
		}},
		{"неподдерживаемый язык", fstest.MapFS{
			"locales/ru.json": {Data: []byte(`{"a": "А"}`)},
			"locales/en.json": {Data: []byte(`{"a": "A"}`)},
			"locales/de.json": {Data: []byte(`{"a": "A"}`)},
		}},
		{"битый JSON", fstest.MapFS{
			"locales/ru.json": {Data: []byte(`{"a":`)},
			"locales/en.json": {Data: []byte(`{"a": "A"}`)},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := loadCatalogs(NewBundle(nil), tt.fsys); err == nil {
				t.Error("ожидалась ошибка загрузки")
			}
		})
	}
}

func TestBundle_TranslateFallback(t *testing.T) {
	b := NewBundle(nil)
	if err := b.LoadMessages("ru", []byte(`{"a": "А", "b": "Б"}`)); err != nil {
		t.Fatal(err)
	}
	if err := b.LoadMessages("en", []byte(`{"a": "A"}`)); err != nil {
		t.Fatal(err)
	}

	if got := b.Translate("en", "a"); got != "A" {
		t.Errorf("Translate(en, a) = %q", got)
	}
	if got := b.Translate("en", "b"); got != "Б" {
		t.Errorf("Translate(en, b) = %q, ожидался fallback на ru", got)
	}
	if got := b.Translate("en", "missing"); got != "missing" {
		t.Errorf("Translate(en, missing) = %q, ожидался ключ", got)
	}
}

func TestMatchAccept(t *testing.T) {
	tests := []struct {
		header string
		want   string
		ok     bool
	}{
		{"ru-RU,ru;q=0.9", "ru", true},
		{"en-US,en;q=0.9", "en", true},
		{"de-DE,en;q=0.5", "en", true},
		{"de-DE", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		got, ok := matchAccept(tt.header)
		if got != tt.want || ok != tt.ok {
			t.Errorf("matchAccept(%q) = %q, %v, ожидалось %q, %v", tt.header, got, ok, tt.want, tt.ok)
		}
	}
}

func TestMiddleware_CookieOverridesHeader(t *testing.T) {
	var got string
	h := Middleware("ru")(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		got = LangFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/admin/", nil)
	req.Header.Set("Accept-Language", "ru-RU")
	req.AddCookie(&http.Cookie{Name: LangCookieName, Value: "en"})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if got != "en" {
		t.Errorf("язык = %q, ожидался en из cookie", got)
	}
	if cl := rec.Header().Get("Content-Language"); cl != "en" {
		t.Errorf("Content-Language = %q, ожидался en", cl)
	}

	req = httptest.NewRequest(http.MethodGet, "/admin/", nil)
	req.AddCookie(&http.Cookie{Name: LangCookieName, Value: "xx"})
	h.ServeHTTP(httptest.NewRecorder(), req)
	if got != "ru" {
		t.Errorf("язык = %q, ожидался ru для неподдерживаемого cookie", got)
	}
}

func TestMiddleware_Fallback(t *testing.T) {
	tests := []struct {
		fallback string
		header   string
		want     string
	}{
		{"en", "de-DE", "en"},
		{"en", "", "en"},
		{"en", "ru-RU", "ru"},
		{"xx", "de-DE", DefaultLang},
	}
	for _, tt := range tests {
		var got string
		h := Middleware(tt.fallback)(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
			got = LangFromContext(r.Context())
		}))
		req := httptest.NewRequest(http.MethodGet, "/admin/", nil)
		if tt.header != "" {
			req.Header.Set("Accept-Language", tt.header)
		}
		h.ServeHTTP(httptest.NewRecorder(), req)
		if got != tt.want {
			t.Errorf("fallback=%q, Accept-Language=%q: язык = %q, ожидался %q", tt.fallback, tt.header, got, tt.want)
		}
	}
}
