package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/afcademia/admin-panel/internal/domain/model"
)

// ProfileRepository - интерфейс для таблицы profiles.
type ProfileRepository interface {
	// GetByID возвращает профиль по subject ID. Если не найден - ErrNotFound.
	GetByID(ctx context.Context, id string) (*model.Profile, error)
	// GetByEmail возвращает профиль по email (без учёта регистра).
	GetByEmail(ctx context.Context, email string) (*model.Profile, error)
	// Create создаёт профиль. При дублировании id или email - ErrConflict.
	Create(ctx context.Context, p *model.Profile) error
	// Upsert создаёт или обновляет профиль по id. Роль существующего профиля не меняется.
	Upsert(ctx context.Context, p *model.Profile) error
	// UpdateRole меняет роль и возвращает обновлённый профиль.
	UpdateRole(ctx context.Context, id, role string) (*model.Profile, error)
	// Delete удаляет профиль по id.
	Delete(ctx context.Context, id string) error
	// List возвращает профили с пагинацией. Пустой role - все роли.
	List(ctx context.Context, role string, limit, offset int) ([]*model.Profile, error)
	// Count возвращает количество профилей. Пустой role - все роли.
	Count(ctx context.Context, role string) (int, error)
	// CountAdminsForUpdate блокирует строки администраторов до конца транзакции
	// и возвращает их количество.
	CountAdminsForUpdate(ctx context.Context) (int, error)
}

// profileRepo - реализация ProfileRepository.
type profileRepo struct {
	db DBTX
}

// NewProfileRepository создаёт репозиторий профилей.
func NewProfileRepository(db DBTX) ProfileRepository {
	return &profileRepo{db: db}
}

const profileColumns = `id, full_name, email, role, created_at, updated_at`

func scanProfile(row pgx.Row) (*model.Profile, error) {
	p := &model.Profile{}
	err := row.Scan(&p.ID, &p.FullName, &p.Email, &p.Role, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return p, nil
}

func (r *profileRepo) GetByID(ctx context.Context, id string) (*model.Profile, error) {
	query := fmt.Sprintf(`SELECT %s FROM profiles WHERE id = $1`, profileColumns)

	p, err := scanProfile(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения профиля %s: %w", id, err)
	}
	return p, nil
}

func (r *profileRepo) GetByEmail(ctx context.Context, email string) (*model.Profile, error) {
	query := fmt.Sprintf(`SELECT %s FROM profiles WHERE lower(email) = lower($1)`, profileColumns)

	p, err := scanProfile(r.db.QueryRow(ctx, query, email))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения профиля по email: %w", err)
	}
	return p, nil
}

func (r *profileRepo) Create(ctx context.Context, p *model.Profile) error {
	query := `
		INSERT INTO profiles (id, full_name, email, role)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at, updated_at`

	err := r.db.QueryRow(ctx, query, p.ID, p.FullName, p.Email, p.Role).
		Scan(&p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("ошибка создания профиля: %w", err)
	}
	return nil
}

func (r *profileRepo) Upsert(ctx context.Context, p *model.Profile) error {
	query := `
		INSERT INTO profiles (id, full_name, email, role)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET
			full_name = EXCLUDED.full_name,
			email = EXCLUDED.email,
			updated_at = NOW()
		RETURNING role, created_at, updated_at`

	err := r.db.QueryRow(ctx, query, p.ID, p.FullName, p.Email, p.Role).
		Scan(&p.Role, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("ошибка upsert профиля: %w", err)
	}
	return nil
}

func (r *profileRepo) UpdateRole(ctx context.Context, id, role string) (*model.Profile, error) {
	query := fmt.Sprintf(`
		UPDATE profiles SET role = $2, updated_at = NOW()
		WHERE id = $1
		RETURNING %s`, profileColumns)

	p, err := scanProfile(r.db.QueryRow(ctx, query, id, role))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка обновления роли профиля %s: %w", id, err)
	}
	return p, nil
}

func (r *profileRepo) Delete(ctx context.Context, id string) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM profiles WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("ошибка удаления профиля %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *profileRepo) List(ctx context.Context, role string, limit, offset int) ([]*model.Profile, error) {
	query := fmt.Sprintf(`
		SELECT %s
		FROM profiles
		WHERE ($1::text = '' OR role = $1)
		ORDER BY created_at DESC, id
		LIMIT $2 OFFSET $3`, profileColumns)

	rows, err := r.db.Query(ctx, query, role, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения списка профилей: %w", err)
	}
	defer rows.Close()

	var result []*model.Profile
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, fmt.Errorf("ошибка сканирования профиля: %w", err)
		}
		result = append(result, p)
	}
	return result, rows.Err()
}

func (r *profileRepo) Count(ctx context.Context, role string) (int, error) {
	var count int
	err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM profiles WHERE ($1::text = '' OR role = $1)`, role).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("ошибка подсчёта профилей: %w", err)
	}
	return count, nil
}

func (r *profileRepo) CountAdminsForUpdate(ctx context.Context) (int, error) {
	rows, err := r.db.Query(ctx, `SELECT id FROM profiles WHERE role = 'admin' FOR UPDATE`)
	if err != nil {
		return 0, fmt.Errorf("ошибка блокировки администраторов: %w", err)
	}
	defer rows.Close()

	count := 0
	for rows.Next() {
		count++
	}
	return count, rows.Err()
}
