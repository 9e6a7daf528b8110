package gate

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// ProviderFactory создаёт Identity Provider для конкретного viewer.
type ProviderFactory func(viewerID string) IdentityProvider

// SessionCheck сообщает, есть ли у viewer сохранённая сессия.
type SessionCheck func(ctx context.Context, viewerID string) (bool, error)

// RegistryOptions - параметры реестра гейтов.
type RegistryOptions struct {
	// Size - максимальное количество одновременно живущих гейтов.
	Size int
	// IdleTTL - время жизни гейта без обращений.
	IdleTTL time.Duration
	// SessionCheck - проверка сохранённой сессии для Lookup (nil - гейт создаётся всегда).
	SessionCheck SessionCheck
	// Gate - параметры, с которыми создаются гейты.
	Gate Options
}

// Registry - реестр гейтов по viewer id (значение cookie браузера).
// Гейт создаётся при первом обращении и закрывается при вытеснении из LRU
// или по истечении IdleTTL.
type Registry struct {
	newProvider ProviderFactory
	hasSession  SessionCheck
	profiles    ProfileStore
	opts        Options
	logger      *slog.Logger

	mu     sync.Mutex
	gates  *expirable.LRU[string, *Gate]
	closed bool
	// closing - гейты, закрываемые после вытеснения.
	closing sync.WaitGroup
}

// NewRegistry создаёт реестр гейтов.
func NewRegistry(newProvider ProviderFactory, profiles ProfileStore, opts RegistryOptions) *Registry {
	if opts.Size <= 0 {
		opts.Size = 10000
	}
	if opts.IdleTTL <= 0 {
		opts.IdleTTL = 30 * time.Minute
	}
	logger := opts.Gate.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := &Registry{
		newProvider: newProvider,
		hasSession:  opts.SessionCheck,
		profiles:    profiles,
		opts:        opts.Gate,
		logger:      logger.With(slog.String("component", "gate_registry")),
	}
	r.gates = expirable.NewLRU[string, *Gate](opts.Size, r.onEvict, opts.IdleTTL)
	return r
}

// onEvict вызывается LRU под его внутренней блокировкой,
// поэтому Close (ожидающий фоновые загрузки) выполняется асинхронно.
func (r *Registry) onEvict(viewerID string, g *Gate) {
	r.closing.Add(1)
	go func() {
		defer r.closing.Done()
		g.Close()
		r.logger.Debug("Гейт закрыт", slog.String("viewer", viewerID))
	}()
}

// Get возвращает гейт viewer, создавая и инициализируя его при первом обращении.
// Инициализация запускается в фоне: до её окончания гейт отвечает ShowSpinner.
// Каждое обращение продлевает IdleTTL.
func (r *Registry) Get(viewerID string) (*Gate, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ErrGateClosed
	}

	if g, ok := r.gates.Get(viewerID); ok {
		// Повторный Add обновляет срок жизни без вызова onEvict.
		r.gates.Add(viewerID, g)
		return g, nil
	}

	g := New(r.newProvider(viewerID), r.profiles, r.opts)
	r.gates.Add(viewerID, g)
	go g.Initialize(context.Background())

	r.logger.Debug("Гейт создан", slog.String("viewer", viewerID))
	return g, nil
}

// Lookup возвращает гейт viewer для запросов, которые только читают его
// состояние. Новый гейт создаётся, только если у viewer есть сохранённая
// сессия или проверить это не удалось. Иначе возвращает nil, nil: сессии нет.
func (r *Registry) Lookup(ctx context.Context, viewerID string) (*Gate, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrGateClosed
	}
	if g, ok := r.gates.Get(viewerID); ok {
		r.gates.Add(viewerID, g)
		r.mu.Unlock()
		return g, nil
	}
	r.mu.Unlock()

	if r.hasSession != nil {
		exists, err := r.hasSession(ctx, viewerID)
		switch {
		case err != nil:
			r.logger.Warn("Не удалось проверить сохранённую сессию",
				slog.String("viewer", viewerID),
				slog.String("error", err.Error()),
			)
		case !exists:
			return nil, nil
		}
	}
	return r.Get(viewerID)
}

// Peek возвращает гейт viewer без создания и без продления срока жизни.
func (r *Registry) Peek(viewerID string) (*Gate, bool) {
	return r.gates.Peek(viewerID)
}

// Remove удаляет и закрывает гейт viewer.
func (r *Registry) Remove(viewerID string) {
	r.gates.Remove(viewerID)
}

// InvalidateSubject перезапрашивает профиль во всех гейтах, где субъект
// subjectID - текущий пользователь. Возвращает количество затронутых гейтов.
func (r *Registry) InvalidateSubject(subjectID string) int {
	n := 0
	for _, g := range r.gates.Values() {
		if g.InvalidateProfile(subjectID) {
			n++
		}
	}
	return n
}

// EndSubject принудительно завершает сессию субъекта subjectID во всех
// гейтах, где он текущий пользователь. Возвращает количество гейтов.
func (r *Registry) EndSubject(ctx context.Context, subjectID string) int {
	n := 0
	for _, g := range r.gates.Values() {
		if g.EndSession(ctx, subjectID) {
			n++
		}
	}
	if n > 0 {
		r.logger.Info("Сессии субъекта завершены",
			slog.String("subject", subjectID),
			slog.Int("gates", n),
		)
	}
	return n
}

// Len возвращает количество живых гейтов.
func (r *Registry) Len() int {
	return r.gates.Len()
}

// Close закрывает все гейты и запрещает создание новых.
func (r *Registry) Close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	r.gates.Purge()
	r.closing.Wait()
}
