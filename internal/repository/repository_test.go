package repository

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/afcademia/admin-panel/internal/config"
	"github.com/afcademia/admin-panel/internal/database"
	"github.com/afcademia/admin-panel/internal/domain/model"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// setupTestDB запускает PostgreSQL контейнер, применяет миграции.
// Возвращает pgxpool.Pool и функцию очистки.
func setupTestDB(t *testing.T) *pgxpool.Pool {
	t.Helper()

	if os.Getenv("TEST_INTEGRATION") == "" {
		t.Skip("Пропуск интеграционного теста: TEST_INTEGRATION не установлена")
	}

	ctx := context.Background()

	container, err := postgres.Run(ctx,
		"docker.io/postgres:17-alpine",
		postgres.WithDatabase("crm_test"),
		postgres.WithUsername("crm"),
		postgres.WithPassword("test-password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("Не удалось запустить PostgreSQL контейнер: %v", err)
	}
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("Ошибка остановки контейнера: %v", err)
		}
	})

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("Не удалось получить host контейнера: %v", err)
	}
	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		t.Fatalf("Не удалось получить port контейнера: %v", err)
	}

	// Настраиваем env для config.Load()
	t.Setenv("AP_DB_HOST", host)
	t.Setenv("AP_DB_PORT", port.Port())
	t.Setenv("AP_DB_NAME", "crm_test")
	t.Setenv("AP_DB_USER", "crm")
	t.Setenv("AP_DB_PASSWORD", "test-password")
	t.Setenv("AP_DB_SSL_MODE", "disable")
	t.Setenv("AP_REDIS_ADDR", "localhost:6379")
	t.Setenv("AP_KEYCLOAK_URL", "http://localhost:8080")
	t.Setenv("AP_KEYCLOAK_CLIENT_ID", "test")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("Ошибка загрузки конфигурации: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))

	// Применяем миграции
	if err := database.Migrate(cfg, logger); err != nil {
		t.Fatalf("Ошибка миграций: %v", err)
	}

	// Подключаемся
	pool, err := database.Connect(ctx, cfg, logger)
	if err != nil {
		t.Fatalf("Ошибка подключения: %v", err)
	}
	t.Cleanup(func() { pool.Close() })

	return pool
}

// --- Тесты ProfileRepository ---

func TestProfileCRUD(t *testing.T) {
	pool := setupTestDB(t)
	ctx := context.Background()
	repo := NewProfileRepository(pool)

	id := uuid.New().String()
	p := &model.Profile{
		ID:       id,
		FullName: "Анна Смирнова",
		Email:    "anna@example.com",
		Role:     "admin",
	}

	// Create
	if err := repo.Create(ctx, p); err != nil {
		t.Fatalf("Create() ошибка: %v", err)
	}
	if p.CreatedAt.IsZero() {
		t.Error("CreatedAt не установлен")
	}

	// GetByID
	got, err := repo.GetByID(ctx, id)
	if err != nil {
		t.Fatalf("GetByID() ошибка: %v", err)
	}
	if got.Email != "anna@example.com" || got.Role != "admin" {
		t.Errorf("GetByID() = %+v, хотели email=anna@example.com role=admin", got)
	}

	// GetByEmail без учёта регистра
	got2, err := repo.GetByEmail(ctx, "ANNA@example.com")
	if err != nil {
		t.Fatalf("GetByEmail() ошибка: %v", err)
	}
	if got2.ID != id {
		t.Errorf("ID = %q, хотели %q", got2.ID, id)
	}

	// UpdateRole
	updated, err := repo.UpdateRole(ctx, id, "user")
	if err != nil {
		t.Fatalf("UpdateRole() ошибка: %v", err)
	}
	if updated.Role != "user" {
		t.Errorf("Role = %q, хотели user", updated.Role)
	}
	if !updated.UpdatedAt.After(p.CreatedAt) && !updated.UpdatedAt.Equal(p.CreatedAt) {
		t.Errorf("UpdatedAt = %v раньше CreatedAt = %v", updated.UpdatedAt, p.CreatedAt)
	}

	// Delete
	if err := repo.Delete(ctx, id); err != nil {
		t.Fatalf("Delete() ошибка: %v", err)
	}
	if _, err := repo.GetByID(ctx, id); !errors.Is(err, ErrNotFound) {
		t.Errorf("После Delete ожидали ErrNotFound, получили: %v", err)
	}
	if err := repo.Delete(ctx, id); !errors.Is(err, ErrNotFound) {
		t.Errorf("Повторный Delete: ожидали ErrNotFound, получили: %v", err)
	}
	if _, err := repo.UpdateRole(ctx, id, "admin"); !errors.Is(err, ErrNotFound) {
		t.Errorf("UpdateRole несуществующего: ожидали ErrNotFound, получили: %v", err)
	}
}

func TestProfileCreateConflict(t *testing.T) {
	pool := setupTestDB(t)
	ctx := context.Background()
	repo := NewProfileRepository(pool)

	first := &model.Profile{ID: uuid.New().String(), Email: "dup@example.com", Role: "user"}
	if err := repo.Create(ctx, first); err != nil {
		t.Fatalf("Create() ошибка: %v", err)
	}

	// Тот же email в другом регистре
	second := &model.Profile{ID: uuid.New().String(), Email: "DUP@example.com", Role: "user"}
	if err := repo.Create(ctx, second); !errors.Is(err, ErrConflict) {
		t.Errorf("ожидали ErrConflict, получили: %v", err)
	}
}

func TestProfileUpsertKeepsRole(t *testing.T) {
	pool := setupTestDB(t)
	ctx := context.Background()
	repo := NewProfileRepository(pool)

	id := uuid.New().String()
	if err := repo.Create(ctx, &model.Profile{ID: id, Email: "boss@example.com", Role: "admin"}); err != nil {
		t.Fatalf("Create() ошибка: %v", err)
	}

	p := &model.Profile{ID: id, FullName: "Босс", Email: "boss@example.com", Role: "user"}
	if err := repo.Upsert(ctx, p); err != nil {
		t.Fatalf("Upsert() ошибка: %v", err)
	}
	if p.Role != "admin" {
		t.Errorf("Upsert изменил роль: %q, хотели admin", p.Role)
	}

	got, err := repo.GetByID(ctx, id)
	if err != nil {
		t.Fatalf("GetByID() ошибка: %v", err)
	}
	if got.FullName != "Босс" {
		t.Errorf("FullName = %q, хотели Босс", got.FullName)
	}
}

func TestProfileListAndCount(t *testing.T) {
	pool := setupTestDB(t)
	ctx := context.Background()
	repo := NewProfileRepository(pool)

	for i, role := range []string{"admin", "user", "user"} {
		p := &model.Profile{
			ID:    uuid.New().String(),
			Email: fmt.Sprintf("u%d@example.com", i),
			Role:  role,
		}
		if err := repo.Create(ctx, p); err != nil {
			t.Fatalf("Create() ошибка: %v", err)
		}
	}

	total, err := repo.Count(ctx, "")
	if err != nil {
		t.Fatalf("Count() ошибка: %v", err)
	}
	if total != 3 {
		t.Errorf("Count() = %d, хотели 3", total)
	}

	users, err := repo.Count(ctx, "user")
	if err != nil {
		t.Fatalf("Count(user) ошибка: %v", err)
	}
	if users != 2 {
		t.Errorf("Count(user) = %d, хотели 2", users)
	}

	page, err := repo.List(ctx, "", 2, 0)
	if err != nil {
		t.Fatalf("List() ошибка: %v", err)
	}
	if len(page) != 2 {
		t.Errorf("List(limit=2) вернул %d записей", len(page))
	}

	admins, err := repo.List(ctx, "admin", 10, 0)
	if err != nil {
		t.Fatalf("List(admin) ошибка: %v", err)
	}
	if len(admins) != 1 || admins[0].Role != "admin" {
		t.Errorf("List(admin) = %+v, хотели одного admin", admins)
	}
}

func TestTxRunnerRollback(t *testing.T) {
	pool := setupTestDB(t)
	ctx := context.Background()
	runner := NewTxRunner(pool)

	id := uuid.New().String()
	errBoom := errors.New("boom")
	err := runner.RunInTx(ctx, func(tx pgx.Tx) error {
		repo := NewProfileRepository(tx)
		if err := repo.Create(ctx, &model.Profile{ID: id, Email: "tx@example.com", Role: "user"}); err != nil {
			return err
		}
		return errBoom
	})
	if !errors.Is(err, errBoom) {
		t.Fatalf("RunInTx() = %v, хотели errBoom", err)
	}

	if _, err := NewProfileRepository(pool).GetByID(ctx, id); !errors.Is(err, ErrNotFound) {
		t.Errorf("после отката ожидали ErrNotFound, получили: %v", err)
	}
}

func TestRunProfileTxCountAdmins(t *testing.T) {
	pool := setupTestDB(t)
	ctx := context.Background()
	runner := NewTxRunner(pool)
	repo := NewProfileRepository(pool)

	for i := range 2 {
		p := &model.Profile{ID: uuid.New().String(), Email: fmt.Sprintf("admin%d@example.com", i), Role: "admin"}
		if err := repo.Create(ctx, p); err != nil {
			t.Fatalf("Create() ошибка: %v", err)
		}
	}

	var admins int
	err := runner.RunProfileTx(ctx, func(txRepo ProfileRepository) error {
		var err error
		admins, err = txRepo.CountAdminsForUpdate(ctx)
		return err
	})
	if err != nil {
		t.Fatalf("RunProfileTx() ошибка: %v", err)
	}
	if admins != 2 {
		t.Errorf("CountAdminsForUpdate() = %d, хотели 2", admins)
	}
}
