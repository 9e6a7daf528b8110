package identity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/afcademia/admin-panel/internal/domain/model"
)

// ErrSessionCorrupted - сохранённая сессия не расшифровывается (сменился ключ или данные повреждены).
var ErrSessionCorrupted = errors.New("сохранённая сессия повреждена")

// SessionStore - persisted storage сессий по viewer id.
type SessionStore interface {
	// Load возвращает сохранённую сессию. Возвращает nil, nil если её нет.
	Load(ctx context.Context, viewerID string) (*model.Session, error)
	// Save сохраняет сессию на ttl.
	Save(ctx context.Context, viewerID string, session *model.Session, ttl time.Duration) error
	// Delete удаляет сессию. Отсутствие сессии ошибкой не является.
	Delete(ctx context.Context, viewerID string) error
	// Exists сообщает, есть ли сохранённая сессия viewer.
	Exists(ctx context.Context, viewerID string) (bool, error)
	// DeleteSubject удаляет все сессии субъекта и возвращает их количество.
	DeleteSubject(ctx context.Context, subjectID string) (int, error)
}

const (
	// defaultKeyPrefix - префикс ключей сессий в Redis.
	defaultKeyPrefix = "ap:session:"
	// subjectKeyPrefix - префикс множеств viewer id субъекта.
	subjectKeyPrefix = "ap:subject:"
)

// RedisSessionStore - SessionStore в Redis, значения зашифрованы Sealer.
type RedisSessionStore struct {
	client *redis.Client
	sealer *Sealer
	prefix string
}

// NewRedisSessionStore создаёт хранилище сессий в Redis.
func NewRedisSessionStore(client *redis.Client, sealer *Sealer) *RedisSessionStore {
	return &RedisSessionStore{client: client, sealer: sealer, prefix: defaultKeyPrefix}
}

func (s *RedisSessionStore) key(viewerID string) string {
	return s.prefix + viewerID
}

func (s *RedisSessionStore) subjectKey(subjectID string) string {
	return subjectKeyPrefix + subjectID
}

// Load читает и расшифровывает сессию viewer.
func (s *RedisSessionStore) Load(ctx context.Context, viewerID string) (*model.Session, error) {
	payload, err := s.client.Get(ctx, s.key(viewerID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("чтение сессии из Redis: %w", err)
	}

	session, err := s.sealer.Open(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSessionCorrupted, err)
	}
	return session, nil
}

// Save шифрует и сохраняет сессию viewer.
func (s *RedisSessionStore) Save(ctx context.Context, viewerID string, session *model.Session, ttl time.Duration) error {
	sealed, err := s.sealer.Seal(session)
	if err != nil {
		return err
	}
	// Индекс субъекта живёт не меньше последней сохранённой сессии.
	idx := s.subjectKey(session.SubjectID)
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.key(viewerID), sealed, ttl)
		pipe.SAdd(ctx, idx, viewerID)
		if ttl > 0 {
			pipe.Expire(ctx, idx, ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("запись сессии в Redis: %w", err)
	}
	return nil
}

// Delete удаляет сессию viewer.
func (s *RedisSessionStore) Delete(ctx context.Context, viewerID string) error {
	if err := s.client.Del(ctx, s.key(viewerID)).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("удаление сессии из Redis: %w", err)
	}
	return nil
}

// Exists проверяет наличие сессии viewer без расшифровки.
func (s *RedisSessionStore) Exists(ctx context.Context, viewerID string) (bool, error) {
	n, err := s.client.Exists(ctx, s.key(viewerID)).Result()
	if err != nil {
		return false, fmt.Errorf("проверка сессии в Redis: %w", err)
	}
	return n > 0, nil
}

// DeleteSubject удаляет сессии всех viewer субъекта и его индекс.
func (s *RedisSessionStore) DeleteSubject(ctx context.Context, subjectID string) (int, error) {
	idx := s.subjectKey(subjectID)
	viewers, err := s.client.SMembers(ctx, idx).Result()
	if err != nil {
		return 0, fmt.Errorf("чтение индекса сессий субъекта: %w", err)
	}
	if len(viewers) == 0 {
		return 0, nil
	}

	keys := make([]string, 0, len(viewers))
	for _, v := range viewers {
		keys = append(keys, s.key(v))
	}
	n, err := s.client.Del(ctx, keys...).Result()
	if err != nil {
		return 0, fmt.Errorf("удаление сессий субъекта: %w", err)
	}
	if err := s.client.Del(ctx, idx).Err(); err != nil {
		return int(n), fmt.Errorf("удаление индекса сессий субъекта: %w", err)
	}
	return int(n), nil
}

// NewRedisClient создаёт клиент Redis и проверяет соединение.
func NewRedisClient(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping Redis %s: %w", addr, err)
	}
	return client, nil
}

// RedisReadinessChecker - проверка доступности Redis для /health/ready.
type RedisReadinessChecker struct {
	client  *redis.Client
	timeout time.Duration
}

// NewRedisReadinessChecker создаёт checker доступности Redis.
func NewRedisReadinessChecker(client *redis.Client, timeout time.Duration) *RedisReadinessChecker {
	return &RedisReadinessChecker{client: client, timeout: timeout}
}

// CheckReady выполняет PING.
func (c *RedisReadinessChecker) CheckReady() (status, message string) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	if err := c.client.Ping(ctx).Err(); err != nil {
		return statusFail, fmt.Sprintf("Redis недоступен: %v", err)
	}
	return "ok", "Redis доступен"
}
