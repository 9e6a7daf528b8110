package openapi

import (
	"context"
	"testing"
)

func TestLoad(t *testing.T) {
	doc, err := Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	for _, path := range []string{
		"/api/v1/session",
		"/api/v1/profiles",
		"/api/v1/profiles/{id}",
		"/api/v1/profiles/{id}/role",
		"/api/v1/profiles/{id}/logout",
	} {
		if doc.Paths.Find(path) == nil {
			t.Errorf("путь %s отсутствует в контракте", path)
		}
	}
}
