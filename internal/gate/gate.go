// Package gate - Session Gate: единственный источник истины о том, кто
// пользуется админ-панелью и может ли он видеть защищённые маршруты.
//
// Гейт объединяет сессию от Identity Provider и профиль из Profile Store
// в одно состояние и выдаёт по нему решения route guard. Все асинхронные
// операции ограничены таймаутами, результаты устаревших запросов
// отбрасываются по номеру поколения (generation).
package gate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/afcademia/admin-panel/internal/domain/model"
)

const (
	// DefaultRestoreTimeout - таймаут восстановления сессии по умолчанию.
	DefaultRestoreTimeout = 10 * time.Second
	// DefaultProfileTimeout - таймаут загрузки профиля по умолчанию.
	DefaultProfileTimeout = 8 * time.Second
)

// Options - параметры гейта. Нулевые значения заменяются значениями по умолчанию.
type Options struct {
	RestoreTimeout time.Duration
	ProfileTimeout time.Duration
	Policy         Policy
	LoginPath      string
	Logger         *slog.Logger
}

// Gate - Session Gate одного viewer.
// Жизненный цикл: New → Initialize → события провайдера → Close.
type Gate struct {
	provider       IdentityProvider
	profiles       ProfileStore
	policy         Policy
	loginPath      string
	restoreTimeout time.Duration
	profileTimeout time.Duration
	logger         *slog.Logger

	// ctx живёт до Close; genCtx - до смены субъекта или выхода.
	ctx    context.Context
	cancel context.CancelFunc

	mu            sync.RWMutex
	session       *model.Session
	profile       *model.Profile
	profileStatus ProfileStatus
	initializing  bool
	active        bool
	generation    uint64
	genCtx        context.Context
	genCancel     context.CancelFunc
	lastErr       error

	initOnce    sync.Once
	initDone    chan struct{}
	loads       singleflight.Group
	bg          sync.WaitGroup
	unsubscribe func()
}

// New создаёт гейт и подписывает его на события провайдера.
// До завершения Initialize (или первого события) гейт находится в фазе инициализации.
func New(provider IdentityProvider, profiles ProfileStore, opts Options) *Gate {
	if opts.RestoreTimeout <= 0 {
		opts.RestoreTimeout = DefaultRestoreTimeout
	}
	if opts.ProfileTimeout <= 0 {
		opts.ProfileTimeout = DefaultProfileTimeout
	}
	if opts.Policy == "" {
		opts.Policy = PolicyFailClosed
	}
	if opts.LoginPath == "" {
		opts.LoginPath = DefaultLoginPath
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	g := &Gate{
		provider:       provider,
		profiles:       profiles,
		policy:         opts.Policy,
		loginPath:      opts.LoginPath,
		restoreTimeout: opts.RestoreTimeout,
		profileTimeout: opts.ProfileTimeout,
		logger:         opts.Logger.With(slog.String("component", "session_gate")),
		ctx:            ctx,
		cancel:         cancel,
		profileStatus:  ProfileAbsent,
		initializing:   true,
		active:         true,
		initDone:       make(chan struct{}),
	}
	g.genCtx, g.genCancel = context.WithCancel(ctx)
	g.unsubscribe = provider.OnChange(g.OnSessionChanged)
	activeGates.Inc()
	return g
}

// Initialize восстанавливает сессию из провайдера с ограничением по времени.
// Выполняется один раз; повторные вызовы ждут завершения первой инициализации.
// Таймаут или ошибка провайдера трактуются как отсутствие сессии.
func (g *Gate) Initialize(ctx context.Context) {
	g.initOnce.Do(func() { g.restore(ctx) })
	select {
	case <-g.initDone:
	case <-ctx.Done():
	}
}

// Ready возвращает канал, закрываемый по окончании фазы инициализации.
func (g *Gate) Ready() <-chan struct{} {
	return g.initDone
}

func (g *Gate) restore(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, g.restoreTimeout)
	defer cancel()
	stop := context.AfterFunc(g.ctx, cancel)
	defer stop()

	session, err := await(ctx, g.provider.GetSession)

	var result string
	switch {
	case err == nil && session == nil:
		result = "no_session"
	case err == nil:
		result = "restored"
	case errors.Is(err, context.DeadlineExceeded):
		result = "timeout"
		err = ErrSessionRestoreTimeout
	default:
		result = "error"
		err = providerError(err)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.initializing || !g.active {
		// Состояние уже определено событием провайдера: результат восстановления устарел.
		restoreTotal.WithLabelValues("superseded").Inc()
		g.logger.Debug("Результат восстановления сессии отброшен",
			slog.String("result", result),
		)
		g.finishInitLocked()
		return
	}

	restoreTotal.WithLabelValues(result).Inc()
	if err != nil {
		g.lastErr = err
		session = nil
		g.logger.Warn("Не удалось восстановить сессию, продолжаем без сессии",
			slog.String("error", err.Error()),
		)
	} else {
		g.logger.Debug("Сессия восстановлена", slog.String("result", result))
	}

	g.applyIdentityLocked(session)
	g.finishInitLocked()
}

// OnSessionChanged обрабатывает событие провайдера синхронно: обновляет
// идентичность и завершает фазу инициализации. Загрузка профиля
// планируется в отдельной горутине.
func (g *Gate) OnSessionChanged(event EventKind, session *model.Session) {
	if event == EventSignedOut {
		session = nil
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.active {
		return
	}
	if event == EventInitialSession && !g.initializing {
		// INITIAL_SESSION описывает состояние на момент подписки: после
		// окончания инициализации оно устарело.
		g.logger.Debug("Запоздавшее INITIAL_SESSION отброшено",
			slog.Bool("has_session", session != nil),
		)
		return
	}

	g.logger.Debug("Событие сессии",
		slog.String("event", string(event)),
		slog.Bool("has_session", session != nil),
	)
	g.applyIdentityLocked(session)
	g.finishInitLocked()
}

// applyIdentityLocked применяет новую идентичность и при необходимости
// планирует загрузку профиля. Вызывается под g.mu.
func (g *Gate) applyIdentityLocked(session *model.Session) {
	switch {
	case session == nil && g.session == nil:
		// Повторное "нет сессии": состояние не меняется.
	case session == nil:
		g.resetLocked()
	case g.session.SameSubject(session):
		// Тот же субъект (refresh, дубль события): обновляем только токены.
		g.session = session
		if g.profileStatus == ProfileFailed {
			g.profileStatus = ProfilePending
			g.scheduleLoadLocked(session.SubjectID)
		}
	default:
		g.rotateGenerationLocked()
		g.session = session
		g.profile = nil
		g.profileStatus = ProfilePending
		g.lastErr = nil
		g.scheduleLoadLocked(session.SubjectID)
	}
}

func (g *Gate) resetLocked() {
	g.rotateGenerationLocked()
	g.session = nil
	g.profile = nil
	g.profileStatus = ProfileAbsent
}

// rotateGenerationLocked отменяет загрузки текущего поколения и начинает новое.
func (g *Gate) rotateGenerationLocked() {
	g.genCancel()
	g.generation++
	g.genCtx, g.genCancel = context.WithCancel(g.ctx)
}

func (g *Gate) finishInitLocked() {
	if g.initializing {
		g.initializing = false
		close(g.initDone)
	}
}

func (g *Gate) scheduleLoadLocked(subjectID string) {
	if !g.active {
		return
	}
	g.bg.Add(1)
	go func() {
		defer g.bg.Done()
		_ = g.LoadProfile(g.ctx, subjectID)
	}()
}

// LoadProfile загружает профиль субъекта. Конкурентные вызовы для одного
// субъекта и поколения объединяются в один запрос; уже загруженный профиль
// повторно не запрашивается. Результат применяется, только если субъект
// всё ещё текущий. Возвращает ошибку загрузки (она же записана в State).
func (g *Gate) LoadProfile(ctx context.Context, subjectID string) error {
	g.mu.RLock()
	if !g.active {
		g.mu.RUnlock()
		return ErrGateClosed
	}
	if g.session == nil || g.session.SubjectID != subjectID || g.profileStatus == ProfileLoaded {
		g.mu.RUnlock()
		return nil
	}
	gen := g.generation
	genCtx := g.genCtx
	g.mu.RUnlock()

	key := subjectID + "#" + strconv.FormatUint(gen, 10)
	ch := g.loads.DoChan(key, func() (any, error) {
		return nil, g.fetchAndApply(genCtx, subjectID, gen)
	})

	select {
	case <-ctx.Done():
		return ctx.Err()
	case res := <-ch:
		return res.Err
	}
}

func (g *Gate) fetchAndApply(ctx context.Context, subjectID string, gen uint64) error {
	g.mu.Lock()
	if !g.currentLocked(subjectID, gen) || g.profileStatus == ProfileLoaded {
		g.mu.Unlock()
		return nil
	}
	g.profileStatus = ProfilePending
	g.mu.Unlock()

	profile, err := g.fetchProfile(ctx, subjectID)

	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.currentLocked(subjectID, gen) {
		profileLoadsTotal.WithLabelValues("discarded").Inc()
		g.logger.Debug("Результат загрузки профиля устарел и отброшен",
			slog.String("subject", subjectID),
		)
		return nil
	}

	if err != nil {
		g.profile = nil
		g.profileStatus = ProfileFailed
		g.lastErr = err
		g.logger.Warn("Не удалось загрузить профиль",
			slog.String("subject", subjectID),
			slog.String("policy", string(g.policy)),
			slog.String("error", err.Error()),
		)
		return err
	}

	g.profile = profile
	g.profileStatus = ProfileLoaded
	g.logger.Debug("Профиль загружен",
		slog.String("subject", subjectID),
		slog.String("role", profile.Role),
	)
	return nil
}

// InvalidateProfile сбрасывает загруженный профиль субъекта и запрашивает
// его заново. Применяется после изменения роли или удаления профиля.
// Возвращает false, если субъект гейта другой.
func (g *Gate) InvalidateProfile(subjectID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.active || g.session == nil || g.session.SubjectID != subjectID {
		return false
	}
	g.rotateGenerationLocked()
	g.profile = nil
	g.profileStatus = ProfilePending
	g.lastErr = nil
	g.scheduleLoadLocked(subjectID)
	return true
}

func (g *Gate) currentLocked(subjectID string, gen uint64) bool {
	return g.active && g.generation == gen && g.session != nil && g.session.SubjectID == subjectID
}

// fetchProfile запрашивает профиль с таймаутом и приводит ошибки к таксономии гейта.
func (g *Gate) fetchProfile(ctx context.Context, subjectID string) (*model.Profile, error) {
	ctx, cancel := context.WithTimeout(ctx, g.profileTimeout)
	defer cancel()

	start := time.Now()
	profile, err := await(ctx, func(ctx context.Context) (*model.Profile, error) {
		return g.profiles.GetProfileByID(ctx, subjectID)
	})
	profileFetchDuration.Observe(time.Since(start).Seconds())

	switch {
	case err == nil && profile == nil:
		err = ErrProfileNotFound
	case err == nil:
		profileLoadsTotal.WithLabelValues("loaded").Inc()
		return profile.Clone(), nil
	case errors.Is(err, ErrProfileNotFound), errors.Is(err, ErrProfileFetchTimeout):
	case errors.Is(err, context.DeadlineExceeded):
		err = ErrProfileFetchTimeout
	case !errors.Is(err, ErrProfileFetchError):
		err = fmt.Errorf("%w: %v", ErrProfileFetchError, err)
	}

	switch {
	case errors.Is(err, ErrProfileNotFound):
		profileLoadsTotal.WithLabelValues("not_found").Inc()
	case errors.Is(err, ErrProfileFetchTimeout):
		profileLoadsTotal.WithLabelValues("timeout").Inc()
	default:
		profileLoadsTotal.WithLabelValues("error").Inc()
	}
	return nil, err
}

// Decide возвращает решение для маршрута с требованием req по текущему состоянию.
func (g *Gate) Decide(req Requirement) Outcome {
	d := Decide(g.Snapshot(), req, g.policy)
	decisionsTotal.WithLabelValues(d.String()).Inc()

	out := Outcome{Decision: d}
	if d == DecisionRedirect {
		out.RedirectTo = g.loginPath
	}
	return out
}

// settlePollInterval - период опроса состояния в DecideWait.
const settlePollInterval = 20 * time.Millisecond

// DecideWait ждёт выхода гейта из ShowSpinner не дольше wait и возвращает
// решение. Позволяет не показывать индикатор загрузки, если сессия и
// профиль восстанавливаются быстро.
func (g *Gate) DecideWait(ctx context.Context, req Requirement, wait time.Duration) Outcome {
	if wait <= 0 || Decide(g.Snapshot(), req, g.policy) != DecisionShowSpinner {
		return g.Decide(req)
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case <-g.initDone:
	case <-timer.C:
		return g.Decide(req)
	case <-ctx.Done():
		return g.Decide(req)
	}

	ticker := time.NewTicker(settlePollInterval)
	defer ticker.Stop()
	for Decide(g.Snapshot(), req, g.policy) == DecisionShowSpinner {
		select {
		case <-ticker.C:
		case <-timer.C:
			return g.Decide(req)
		case <-ctx.Done():
			return g.Decide(req)
		}
	}
	return g.Decide(req)
}

// SignIn выполняет вход по email/паролю и синхронно проверяет роль admin.
// Не-admin (или ошибка профиля при политике deny) немедленно разлогинивается.
func (g *Gate) SignIn(ctx context.Context, email, password string) error {
	signCtx, cancel := context.WithTimeout(ctx, g.restoreTimeout)
	session, err := await(signCtx, func(ctx context.Context) (*model.Session, error) {
		return g.provider.SignIn(ctx, email, password)
	})
	cancel()

	switch {
	case errors.Is(err, ErrInvalidCredentials):
		return err
	case err != nil:
		return providerError(err)
	case session == nil:
		return fmt.Errorf("%w: провайдер не вернул сессию", ErrProviderUnavailable)
	}

	g.OnSessionChanged(EventSignedIn, session)

	st, loadErr := g.awaitSignInProfile(ctx, session.SubjectID)
	if st.SubjectID != session.SubjectID {
		return fmt.Errorf("%w: сессия сменилась во время входа", ErrAccessDenied)
	}

	switch Decide(st, RequireAdmin, g.policy) {
	case DecisionAllow:
		if loadErr != nil {
			g.logger.Warn("Вход без подтверждённой роли (политика allow)",
				slog.String("subject", session.SubjectID),
				slog.String("error", loadErr.Error()),
			)
		}
		return nil
	case DecisionDeny:
		if err := g.SignOut(ctx); err != nil {
			g.logger.Warn("Ошибка выхода после отказа в доступе", slog.String("error", err.Error()))
		}
		if loadErr != nil {
			return fmt.Errorf("%w: %w", ErrAccessDenied, loadErr)
		}
		return ErrAccessDenied
	default:
		// Роль не подтверждена: вход успешным не считается.
		switch {
		case ctx.Err() != nil:
			return ctx.Err()
		case loadErr != nil && !errors.Is(loadErr, context.DeadlineExceeded):
			return loadErr
		default:
			return fmt.Errorf("%w: роль не подтверждена за %s", ErrProfileFetchTimeout, g.profileTimeout)
		}
	}
}

// awaitSignInProfile загружает профиль только что вошедшего субъекта.
// Загрузка, отброшенная из-за инвалидации профиля, повторяется в пределах
// profileTimeout.
func (g *Gate) awaitSignInProfile(ctx context.Context, subjectID string) (State, error) {
	ctx, cancel := context.WithTimeout(ctx, g.profileTimeout)
	defer cancel()

	for {
		err := g.LoadProfile(ctx, subjectID)
		st := g.Snapshot()
		if err != nil || st.SubjectID != subjectID || ctx.Err() != nil ||
			Decide(st, RequireAdmin, g.policy) != DecisionShowSpinner {
			return st, err
		}
		g.logger.Debug("Загрузка профиля при входе отброшена, повтор",
			slog.String("subject", subjectID),
		)
	}
}

// EndSession принудительно завершает сессию субъекта subjectID в гейте:
// состояние сбрасывается сразу, сохранённая сессия удаляется провайдером.
// Возвращает false, если субъект гейта другой.
func (g *Gate) EndSession(ctx context.Context, subjectID string) bool {
	g.mu.Lock()
	if !g.active || g.session == nil || g.session.SubjectID != subjectID {
		g.mu.Unlock()
		return false
	}
	g.resetLocked()
	g.lastErr = nil
	g.finishInitLocked()
	g.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, g.restoreTimeout)
	defer cancel()

	_, err := await(ctx, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, g.provider.SignOut(ctx)
	})
	if err != nil {
		g.logger.Warn("Ошибка выхода на стороне провайдера при завершении сессии",
			slog.String("subject", subjectID),
			slog.String("error", err.Error()),
		)
	}
	return true
}

// SignOut запрашивает выход у провайдера и безусловно очищает локальное
// состояние. Загрузки профиля, начатые до выхода, отбрасываются.
func (g *Gate) SignOut(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, g.restoreTimeout)
	defer cancel()

	_, err := await(ctx, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, g.provider.SignOut(ctx)
	})

	g.mu.Lock()
	g.resetLocked()
	g.lastErr = nil
	g.finishInitLocked()
	g.mu.Unlock()

	if err != nil {
		err = providerError(err)
		g.logger.Warn("Ошибка выхода на стороне провайдера, локальная сессия очищена",
			slog.String("error", err.Error()),
		)
		return err
	}
	return nil
}

// Close отписывает гейт от провайдера и останавливает фоновые загрузки.
// Результаты, пришедшие после Close, игнорируются. Повторный вызов безопасен.
func (g *Gate) Close() {
	g.mu.Lock()
	if !g.active {
		g.mu.Unlock()
		return
	}
	g.active = false
	g.mu.Unlock()

	if g.unsubscribe != nil {
		g.unsubscribe()
	}
	g.cancel()
	g.bg.Wait()
	activeGates.Dec()
}

// Snapshot возвращает копию текущего состояния.
func (g *Gate) Snapshot() State {
	g.mu.RLock()
	defer g.mu.RUnlock()

	st := State{
		Initializing:  g.initializing,
		HasSession:    g.session != nil,
		Profile:       g.profile.Clone(),
		ProfileStatus: g.profileStatus,
		LastError:     g.lastErr,
	}
	if g.session != nil {
		st.SubjectID = g.session.SubjectID
		st.Email = g.session.Email
	}
	return st
}

// Policy возвращает активную политику отказа профиля.
func (g *Gate) Policy() Policy {
	return g.policy
}

// await выполняет fn в отдельной горутине и ждёт результат не дольше ctx.
// Зависший вызов не блокирует вызывающего: его результат отбрасывается.
func await[T any](ctx context.Context, fn func(context.Context) (T, error)) (T, error) {
	type result struct {
		v   T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := fn(ctx)
		ch <- result{v: v, err: err}
	}()

	select {
	case r := <-ch:
		return r.v, r.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

func providerError(err error) error {
	if errors.Is(err, ErrProviderUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
}
