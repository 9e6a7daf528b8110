package i18n

import (
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"path"
	"strings"
)

// Имя файла каталога - код языка: locales/ru.json, locales/en.json.
//
//go:embed locales/*.json
var locales embed.FS

// LoadCatalogs загружает в bundle встроенные каталоги панели.
func LoadCatalogs(bundle *Bundle) error {
	return loadCatalogs(bundle, locales)
}

// loadCatalogs требует ровно по одному каталогу на поддерживаемый язык.
func loadCatalogs(bundle *Bundle, fsys fs.FS) error {
	files, err := fs.Glob(fsys, "locales/*.json")
	if err != nil {
		return fmt.Errorf("i18n: поиск каталогов: %w", err)
	}

	loaded := make(map[string]bool, len(files))
	for _, file := range files {
		lang := strings.TrimSuffix(path.Base(file), ".json")
		if !IsSupported(lang) {
			return fmt.Errorf("i18n: каталог %s для неподдерживаемого языка", file)
		}
		data, err := fs.ReadFile(fsys, file)
		if err != nil {
			return fmt.Errorf("i18n: чтение %s: %w", file, err)
		}
		if err := bundle.LoadMessages(lang, data); err != nil {
			return err
		}
		loaded[lang] = true
	}

	for _, tag := range SupportedLanguages {
		if !loaded[tag.String()] {
			return fmt.Errorf("i18n: нет каталога для языка %s", tag)
		}
	}

	if bundle.logger != nil {
		bundle.logger.Info("Каталоги переводов панели загружены",
			slog.String("component", "i18n"),
			slog.Int("languages", len(loaded)),
		)
	}
	return nil
}
