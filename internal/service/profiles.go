// Пакет service - бизнес-логика Admin Panel.
// profiles.go - сервис профилей: источник авторизационных данных для
// Session Gate и операции администрирования пользователей.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"

	"github.com/afcademia/admin-panel/internal/domain/model"
	"github.com/afcademia/admin-panel/internal/domain/rbac"
	"github.com/afcademia/admin-panel/internal/gate"
	"github.com/afcademia/admin-panel/internal/keycloak"
	"github.com/afcademia/admin-panel/internal/repository"
)

// ProfileTxRunner выполняет fn с репозиторием профилей внутри транзакции.
type ProfileTxRunner interface {
	RunProfileTx(ctx context.Context, fn func(repo repository.ProfileRepository) error) error
}

// UserDirectory - операции Keycloak Admin API, используемые сервисом.
type UserDirectory interface {
	CreateUser(ctx context.Context, u keycloak.NewUser) (string, error)
	DeleteUser(ctx context.Context, id string) error
	LogoutUser(ctx context.Context, id string) error
}

// ProfileInvalidator получает уведомления об изменении профиля субъекта.
// Реализуется реестром гейтов.
type ProfileInvalidator interface {
	InvalidateSubject(subjectID string) int
	EndSubject(ctx context.Context, subjectID string) int
}

// SessionRevoker удаляет сохранённые сессии субъекта.
// Реализуется identity.Service.
type SessionRevoker interface {
	RevokeSubject(ctx context.Context, subjectID string) (int, error)
}

// CreateProfileInput - параметры создания пользователя.
type CreateProfileInput struct {
	Email     string
	FullName  string
	Role      string
	Password  string
	Temporary bool
}

// ProfileServiceOptions - параметры кэша профилей.
type ProfileServiceOptions struct {
	CacheSize int
	CacheTTL  time.Duration
}

// ProfileService - сервис профилей.
// Реализует gate.ProfileStore: чтение идёт через LRU-кэш, конкурентные
// запросы одного профиля объединяются.
type ProfileService struct {
	repo        repository.ProfileRepository
	tx          ProfileTxRunner
	directory   UserDirectory
	invalidator ProfileInvalidator
	sessions    SessionRevoker
	cache       *expirable.LRU[string, *model.Profile]
	loads       singleflight.Group
	logger      *slog.Logger

	// epochs - номер версии профиля субъекта, растёт при каждой инвалидации.
	// Загрузка, начатая в старой версии, в кэш не попадает.
	mu     sync.Mutex
	epochs map[string]uint64
}

// NewProfileService создаёт сервис профилей.
// directory может быть nil - тогда создание пользователей недоступно.
func NewProfileService(
	repo repository.ProfileRepository,
	tx ProfileTxRunner,
	directory UserDirectory,
	opts ProfileServiceOptions,
	logger *slog.Logger,
) *ProfileService {
	if opts.CacheSize <= 0 {
		opts.CacheSize = 1000
	}
	return &ProfileService{
		repo:      repo,
		tx:        tx,
		directory: directory,
		cache:     expirable.NewLRU[string, *model.Profile](opts.CacheSize, nil, opts.CacheTTL),
		epochs:    make(map[string]uint64),
		logger:    logger.With(slog.String("component", "profile_service")),
	}
}

// SetInvalidator задаёт получателя уведомлений об изменении профилей.
// Вызывается при сборке приложения, до обработки запросов.
func (s *ProfileService) SetInvalidator(inv ProfileInvalidator) {
	s.invalidator = inv
}

// SetSessionRevoker задаёт хранилище сессий для ForceLogout.
func (s *ProfileService) SetSessionRevoker(r SessionRevoker) {
	s.sessions = r
}

// GetProfileByID возвращает профиль субъекта для Session Gate.
// Ошибки: gate.ErrProfileNotFound, ошибки контекста, gate.ErrProfileFetchError.
func (s *ProfileService) GetProfileByID(ctx context.Context, subjectID string) (*model.Profile, error) {
	if p, ok := s.cache.Get(subjectID); ok {
		profileCacheTotal.WithLabelValues("hit").Inc()
		return p.Clone(), nil
	}
	profileCacheTotal.WithLabelValues("miss").Inc()

	// Ключ включает версию: после инвалидации запрос не присоединяется
	// к загрузке, начатой до изменения профиля.
	epoch := s.epoch(subjectID)
	key := subjectID + "#" + strconv.FormatUint(epoch, 10)
	ch := s.loads.DoChan(key, func() (any, error) {
		// Запрос не привязан к отменяемому контексту первого вызывающего.
		loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), profileLoadTimeout)
		defer cancel()
		return s.loadProfile(loadCtx, subjectID, epoch)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*model.Profile).Clone(), nil
	}
}

// profileLoadTimeout ограничивает общий запрос singleflight.
const profileLoadTimeout = 30 * time.Second

func (s *ProfileService) loadProfile(ctx context.Context, subjectID string, epoch uint64) (*model.Profile, error) {
	p, err := s.repo.GetByID(ctx, subjectID)
	switch {
	case errors.Is(err, repository.ErrNotFound):
		return nil, gate.ErrProfileNotFound
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return nil, err
	case err != nil:
		return nil, fmt.Errorf("%w: %v", gate.ErrProfileFetchError, err)
	}

	if role := rbac.NormalizeRole(p.Role); role != p.Role {
		if role == "" {
			s.logger.Warn("Профиль с недопустимой ролью, доступ администратора закрыт",
				slog.String("subject", subjectID),
				slog.String("role", p.Role),
			)
		}
		p.Role = role
	}

	s.mu.Lock()
	if s.epochs[subjectID] == epoch {
		s.cache.Add(subjectID, p)
	}
	s.mu.Unlock()
	return p, nil
}

func (s *ProfileService) epoch(subjectID string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.epochs[subjectID]
}

// Get возвращает профиль по id для административного API.
func (s *ProfileService) Get(ctx context.Context, id string) (*model.Profile, error) {
	p, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, mapRepoError(err)
	}
	return p, nil
}

// List возвращает страницу профилей и общее количество.
func (s *ProfileService) List(ctx context.Context, role string, limit, offset int) ([]*model.Profile, int, error) {
	if role != "" {
		if role = rbac.NormalizeRole(role); role == "" {
			return nil, 0, ErrInvalidRole
		}
	}

	profiles, err := s.repo.List(ctx, role, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	total, err := s.repo.Count(ctx, role)
	if err != nil {
		return nil, 0, err
	}
	return profiles, total, nil
}

// ChangeRole меняет роль профиля id от имени администратора actorID.
// Понижение последнего администратора и собственной роли запрещено.
func (s *ProfileService) ChangeRole(ctx context.Context, actorID, id, role string) (*model.Profile, error) {
	role = rbac.NormalizeRole(role)
	if role == "" {
		return nil, ErrInvalidRole
	}
	if actorID == id && !rbac.IsAdmin(role) {
		return nil, ErrSelfModification
	}

	var updated *model.Profile
	err := s.tx.RunProfileTx(ctx, func(repo repository.ProfileRepository) error {
		current, err := repo.GetByID(ctx, id)
		if err != nil {
			return mapRepoError(err)
		}
		if current.Role == role {
			updated = current
			return nil
		}
		if rbac.IsAdmin(current.Role) {
			admins, err := repo.CountAdminsForUpdate(ctx)
			if err != nil {
				return err
			}
			if admins <= 1 {
				return ErrLastAdmin
			}
		}
		updated, err = repo.UpdateRole(ctx, id, role)
		return mapRepoError(err)
	})
	if err != nil {
		return nil, err
	}

	s.invalidate(id)
	s.logger.Info("Роль профиля изменена",
		slog.String("profile_id", id),
		slog.String("role", role),
		slog.String("actor", actorID),
	)
	return updated, nil
}

// Delete удаляет профиль id от имени администратора actorID.
// При deleteIdentity пользователь удаляется и из Keycloak.
func (s *ProfileService) Delete(ctx context.Context, actorID, id string, deleteIdentity bool) error {
	if actorID == id {
		return ErrSelfModification
	}
	if deleteIdentity && s.directory == nil {
		return ErrIDPNotConfigured
	}

	err := s.tx.RunProfileTx(ctx, func(repo repository.ProfileRepository) error {
		current, err := repo.GetByID(ctx, id)
		if err != nil {
			return mapRepoError(err)
		}
		if rbac.IsAdmin(current.Role) {
			admins, err := repo.CountAdminsForUpdate(ctx)
			if err != nil {
				return err
			}
			if admins <= 1 {
				return ErrLastAdmin
			}
		}
		return mapRepoError(repo.Delete(ctx, id))
	})
	if err != nil {
		return err
	}
	s.invalidate(id)

	if deleteIdentity {
		if err := s.directory.DeleteUser(ctx, id); err != nil && !errors.Is(err, keycloak.ErrUserNotFound) {
			return fmt.Errorf("%w: %v", ErrIDPUnavailable, err)
		}
	}

	s.logger.Info("Профиль удалён",
		slog.String("profile_id", id),
		slog.Bool("identity_deleted", deleteIdentity),
		slog.String("actor", actorID),
	)
	return nil
}

// Create создаёт пользователя в Keycloak и его профиль.
// При ошибке записи профиля пользователь Keycloak удаляется.
func (s *ProfileService) Create(ctx context.Context, in CreateProfileInput) (*model.Profile, error) {
	role := rbac.NormalizeRole(in.Role)
	if role == "" {
		return nil, ErrInvalidRole
	}
	if s.directory == nil {
		return nil, ErrIDPNotConfigured
	}

	email := strings.TrimSpace(in.Email)
	if _, err := s.repo.GetByEmail(ctx, email); err == nil {
		return nil, ErrConflict
	} else if !errors.Is(err, repository.ErrNotFound) {
		return nil, err
	}

	first, last, _ := strings.Cut(strings.TrimSpace(in.FullName), " ")
	id, err := s.directory.CreateUser(ctx, keycloak.NewUser{
		Email:     email,
		FirstName: first,
		LastName:  strings.TrimSpace(last),
		Password:  in.Password,
		Temporary: in.Temporary,
	})
	if err != nil {
		if errors.Is(err, keycloak.ErrUserExists) {
			return nil, ErrConflict
		}
		return nil, fmt.Errorf("%w: %v", ErrIDPUnavailable, err)
	}

	p := &model.Profile{
		ID:       id,
		FullName: strings.TrimSpace(in.FullName),
		Email:    email,
		Role:     role,
	}
	if err := s.repo.Create(ctx, p); err != nil {
		if delErr := s.directory.DeleteUser(context.WithoutCancel(ctx), id); delErr != nil {
			s.logger.Error("Не удалось откатить создание пользователя Keycloak",
				slog.String("user_id", id),
				slog.String("error", delErr.Error()),
			)
		}
		return nil, mapRepoError(err)
	}

	s.logger.Info("Пользователь создан",
		slog.String("profile_id", id),
		slog.String("role", role),
	)
	return p, nil
}

// ForceLogout завершает все сессии пользователя: в Keycloak, в хранилище
// сессий и в активных гейтах.
func (s *ProfileService) ForceLogout(ctx context.Context, id string) error {
	if s.directory == nil {
		return ErrIDPNotConfigured
	}
	if err := s.directory.LogoutUser(ctx, id); err != nil {
		if errors.Is(err, keycloak.ErrUserNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("%w: %v", ErrIDPUnavailable, err)
	}

	var revokeErr error
	if s.sessions != nil {
		if _, err := s.sessions.RevokeSubject(ctx, id); err != nil {
			revokeErr = fmt.Errorf("%w: %v", ErrIDPUnavailable, err)
		}
	}
	gates := 0
	if s.invalidator != nil {
		gates = s.invalidator.EndSubject(ctx, id)
	}
	s.invalidate(id)

	if revokeErr != nil {
		s.logger.Error("Не удалось удалить сохранённые сессии пользователя",
			slog.String("profile_id", id),
			slog.String("error", revokeErr.Error()),
		)
		return revokeErr
	}
	s.logger.Info("Сессии пользователя завершены",
		slog.String("profile_id", id),
		slog.Int("gates", gates),
	)
	return nil
}

// invalidate сбрасывает кэш профиля и уведомляет гейты.
// Загрузки, начатые до вызова, в кэш не попадут.
func (s *ProfileService) invalidate(id string) {
	s.mu.Lock()
	s.epochs[id]++
	s.cache.Remove(id)
	s.mu.Unlock()

	if s.invalidator != nil {
		if n := s.invalidator.InvalidateSubject(id); n > 0 {
			s.logger.Debug("Профиль перезапрошен в активных сессиях",
				slog.String("profile_id", id),
				slog.Int("gates", n),
			)
		}
	}
}

// mapRepoError переводит ошибки репозитория в ошибки сервиса.
func mapRepoError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, repository.ErrNotFound):
		return ErrNotFound
	case errors.Is(err, repository.ErrConflict):
		return ErrConflict
	default:
		return err
	}
}
