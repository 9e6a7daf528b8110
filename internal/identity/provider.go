package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/afcademia/admin-panel/internal/domain/model"
	"github.com/afcademia/admin-panel/internal/gate"
)

const (
	// refreshMargin - насколько раньше истечения access token выполняется refresh.
	refreshMargin = 30 * time.Second
	// minRefreshDelay - нижняя граница задержки фонового refresh.
	minRefreshDelay = time.Second
	// refreshRetryDelay - повтор фонового refresh после ошибки сети.
	refreshRetryDelay = 30 * time.Second
)

// ServiceOptions - параметры провайдеров.
type ServiceOptions struct {
	// SessionTTL - срок хранения сессии, если IdP не вернул refresh_expires_in.
	SessionTTL time.Duration
	// RequestTimeout - таймаут фоновых операций (InitialSession, фоновый refresh).
	RequestTimeout time.Duration
}

// Service - общие зависимости провайдеров всех viewer.
type Service struct {
	oidc     *OIDCClient
	verifier *Verifier
	store    SessionStore
	opts     ServiceOptions
	logger   *slog.Logger
}

// NewService создаёт фабрику провайдеров.
func NewService(oidc *OIDCClient, verifier *Verifier, store SessionStore, opts ServiceOptions, logger *slog.Logger) *Service {
	if opts.SessionTTL <= 0 {
		opts.SessionTTL = 24 * time.Hour
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 10 * time.Second
	}
	return &Service{
		oidc:     oidc,
		verifier: verifier,
		store:    store,
		opts:     opts,
		logger:   logger.With(slog.String("component", "identity")),
	}
}

// ProviderFor возвращает Identity Provider для viewer (gate.ProviderFactory).
func (s *Service) ProviderFor(viewerID string) gate.IdentityProvider {
	return NewProvider(s, viewerID)
}

// HasStoredSession сообщает, есть ли у viewer сохранённая сессия (gate.SessionCheck).
func (s *Service) HasStoredSession(ctx context.Context, viewerID string) (bool, error) {
	return s.store.Exists(ctx, viewerID)
}

// RevokeSubject удаляет все сохранённые сессии субъекта.
// Восстановить их после рестарта или на другом экземпляре нельзя.
func (s *Service) RevokeSubject(ctx context.Context, subjectID string) (int, error) {
	n, err := s.store.DeleteSubject(ctx, subjectID)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", gate.ErrProviderUnavailable, err)
	}
	if n > 0 {
		s.logger.Info("Сохранённые сессии субъекта удалены",
			slog.String("subject", subjectID),
			slog.Int("sessions", n),
		)
	}
	return n, nil
}

// sessionFromTokens проверяет access token и собирает Session.
// Возвращает также срок хранения сессии.
func (s *Service) sessionFromTokens(ctx context.Context, tokens *TokenResponse) (*model.Session, time.Duration, error) {
	claims, err := s.verifier.Verify(ctx, tokens.AccessToken)
	if err != nil {
		return nil, 0, err
	}

	expiresAt := claims.ExpiresAt
	if expiresAt.IsZero() {
		expiresAt = time.Now().Add(time.Duration(tokens.ExpiresIn) * time.Second)
	}

	ttl := s.opts.SessionTTL
	if tokens.RefreshExpiresIn > 0 {
		ttl = time.Duration(tokens.RefreshExpiresIn) * time.Second
	}

	return &model.Session{
		SubjectID:    claims.Subject,
		Email:        claims.Email,
		AccessToken:  tokens.AccessToken,
		RefreshToken: tokens.RefreshToken,
		ExpiresAt:    expiresAt.Unix(),
	}, ttl, nil
}

// Provider - Identity Provider одного viewer.
// Реализует gate.IdentityProvider поверх Keycloak и SessionStore.
type Provider struct {
	svc      *Service
	viewerID string
	logger   *slog.Logger

	// loads объединяет конкурентные GetSession: refresh token одноразовый,
	// параллельный refresh одним токеном приведёт к выходу.
	loads singleflight.Group

	mu          sync.Mutex
	subscribers map[uint64]gate.ChangeCallback
	nextID      uint64
	initialSent bool
	timer       *time.Timer
}

// NewProvider создаёт провайдер для viewer.
func NewProvider(svc *Service, viewerID string) *Provider {
	return &Provider{
		svc:         svc,
		viewerID:    viewerID,
		logger:      svc.logger.With(slog.String("viewer", viewerID)),
		subscribers: make(map[uint64]gate.ChangeCallback),
	}
}

// GetSession восстанавливает сессию из хранилища.
// Истёкший access token обновляется (событие TOKEN_REFRESHED); отклонённый
// refresh token означает отсутствие сессии.
func (p *Provider) GetSession(ctx context.Context) (*model.Session, error) {
	ch := p.loads.DoChan("session", func() (any, error) {
		// Общий запрос не отменяется вместе с первым вызывающим.
		loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.svc.opts.RequestTimeout)
		defer cancel()
		return p.loadSession(loadCtx)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		session, _ := res.Val.(*model.Session)
		return session, nil
	}
}

func (p *Provider) loadSession(ctx context.Context) (*model.Session, error) {
	session, err := p.svc.store.Load(ctx, p.viewerID)
	switch {
	case errors.Is(err, ErrSessionCorrupted):
		p.logger.Warn("Сохранённая сессия не читается, удаляем", slog.String("error", err.Error()))
		if delErr := p.svc.store.Delete(ctx, p.viewerID); delErr != nil {
			p.logger.Warn("Ошибка удаления сессии", slog.String("error", delErr.Error()))
		}
		return nil, nil
	case err != nil:
		return nil, fmt.Errorf("%w: %v", gate.ErrProviderUnavailable, err)
	case session == nil:
		return nil, nil
	case !session.IsExpired():
		p.scheduleRefresh(session)
		return session, nil
	}

	refreshed, err := p.refresh(ctx, session)
	switch {
	case errors.Is(err, ErrInvalidGrant):
		p.logger.Info("Refresh token отклонён, сессия завершена")
		return nil, nil
	case err != nil:
		return nil, err
	}

	p.scheduleRefresh(refreshed)
	p.emit(gate.EventTokenRefreshed, refreshed)
	return refreshed, nil
}

// refresh обновляет токены и сохраняет новую сессию.
// При ErrInvalidGrant сохранённая сессия удаляется.
func (p *Provider) refresh(ctx context.Context, session *model.Session) (*model.Session, error) {
	tokens, err := p.svc.oidc.RefreshTokens(ctx, session.RefreshToken)
	if err != nil {
		if errors.Is(err, ErrInvalidGrant) {
			if delErr := p.svc.store.Delete(ctx, p.viewerID); delErr != nil {
				p.logger.Warn("Ошибка удаления сессии", slog.String("error", delErr.Error()))
			}
		}
		return nil, err
	}

	refreshed, ttl, err := p.svc.sessionFromTokens(ctx, tokens)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", gate.ErrProviderUnavailable, err)
	}
	if err := p.svc.store.Save(ctx, p.viewerID, refreshed, ttl); err != nil {
		return nil, fmt.Errorf("%w: %v", gate.ErrProviderUnavailable, err)
	}
	return refreshed, nil
}

// OnChange подписывает callback на события сессии viewer.
// Первая подписка получает INITIAL_SESSION асинхронно.
func (p *Provider) OnChange(cb gate.ChangeCallback) func() {
	p.mu.Lock()
	id := p.nextID
	p.nextID++
	p.subscribers[id] = cb
	first := !p.initialSent
	p.initialSent = true
	p.mu.Unlock()

	if first {
		go p.emitInitial(id)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			p.mu.Lock()
			defer p.mu.Unlock()
			delete(p.subscribers, id)
			if len(p.subscribers) == 0 {
				p.stopRefreshLocked()
			}
		})
	}
}

func (p *Provider) emitInitial(id uint64) {
	ctx, cancel := context.WithTimeout(context.Background(), p.svc.opts.RequestTimeout)
	defer cancel()

	session, err := p.GetSession(ctx)
	if err != nil {
		p.logger.Warn("Не удалось получить сессию для INITIAL_SESSION", slog.String("error", err.Error()))
		session = nil
	}

	p.mu.Lock()
	cb, ok := p.subscribers[id]
	p.mu.Unlock()
	if ok {
		cb(gate.EventInitialSession, session)
	}
}

// SignIn выполняет вход по email/паролю (password grant).
func (p *Provider) SignIn(ctx context.Context, email, password string) (*model.Session, error) {
	tokens, err := p.svc.oidc.PasswordGrant(ctx, email, password)
	switch {
	case errors.Is(err, ErrInvalidGrant):
		return nil, fmt.Errorf("%w: %v", gate.ErrInvalidCredentials, err)
	case err != nil:
		return nil, err
	}

	session, ttl, err := p.svc.sessionFromTokens(ctx, tokens)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", gate.ErrProviderUnavailable, err)
	}
	if err := p.svc.store.Save(ctx, p.viewerID, session, ttl); err != nil {
		return nil, fmt.Errorf("%w: %v", gate.ErrProviderUnavailable, err)
	}

	p.logger.Info("Вход выполнен",
		slog.String("subject", session.SubjectID),
		slog.String("email", session.Email),
	)
	p.scheduleRefresh(session)
	p.emit(gate.EventSignedIn, session)
	return session, nil
}

// SignOut завершает сессию в Keycloak и удаляет её из хранилища.
// Событие SIGNED_OUT отправляется в любом случае.
func (p *Provider) SignOut(ctx context.Context) error {
	var errs []error

	session, err := p.svc.store.Load(ctx, p.viewerID)
	if err != nil && !errors.Is(err, ErrSessionCorrupted) {
		errs = append(errs, err)
	}
	if session != nil && session.RefreshToken != "" {
		if err := p.svc.oidc.Logout(ctx, session.RefreshToken); err != nil {
			errs = append(errs, err)
		}
	}
	if err := p.svc.store.Delete(ctx, p.viewerID); err != nil {
		errs = append(errs, err)
	}

	p.mu.Lock()
	p.stopRefreshLocked()
	p.mu.Unlock()

	p.emit(gate.EventSignedOut, nil)

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", gate.ErrProviderUnavailable, errors.Join(errs...))
	}
	p.logger.Info("Выход выполнен")
	return nil
}

// scheduleRefresh планирует фоновый refresh незадолго до истечения access token.
// Без подписчиков refresh не планируется.
func (p *Provider) scheduleRefresh(session *model.Session) {
	delay := time.Until(time.Unix(session.ExpiresAt, 0)) - refreshMargin
	p.scheduleRefreshIn(max(delay, minRefreshDelay))
}

func (p *Provider) scheduleRefreshIn(delay time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.subscribers) == 0 {
		return
	}
	p.stopRefreshLocked()
	p.timer = time.AfterFunc(delay, p.backgroundRefresh)
}

func (p *Provider) stopRefreshLocked() {
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
}

func (p *Provider) backgroundRefresh() {
	ctx, cancel := context.WithTimeout(context.Background(), p.svc.opts.RequestTimeout)
	defer cancel()

	session, err := p.svc.store.Load(ctx, p.viewerID)
	switch {
	case err != nil && !errors.Is(err, ErrSessionCorrupted):
		p.logger.Warn("Фоновый refresh: хранилище недоступно", slog.String("error", err.Error()))
		p.scheduleRefreshIn(refreshRetryDelay)
		return
	case session == nil:
		// Сессия удалена (например, выход с другого экземпляра).
		p.emit(gate.EventSignedOut, nil)
		return
	}

	refreshed, err := p.refresh(ctx, session)
	switch {
	case errors.Is(err, ErrInvalidGrant):
		p.logger.Info("Refresh token отклонён, сессия завершена")
		p.emit(gate.EventSignedOut, nil)
	case err != nil:
		p.logger.Warn("Фоновый refresh не удался, повтор позже", slog.String("error", err.Error()))
		p.scheduleRefreshIn(refreshRetryDelay)
	default:
		p.scheduleRefresh(refreshed)
		p.emit(gate.EventTokenRefreshed, refreshed)
	}
}

// emit рассылает событие подписчикам вне блокировки провайдера.
func (p *Provider) emit(event gate.EventKind, session *model.Session) {
	p.mu.Lock()
	callbacks := make([]gate.ChangeCallback, 0, len(p.subscribers))
	for _, cb := range p.subscribers {
		callbacks = append(callbacks, cb)
	}
	p.mu.Unlock()

	for _, cb := range callbacks {
		cb(event, session)
	}
}
