package identity

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/afcademia/admin-panel/internal/domain/model"
	"github.com/afcademia/admin-panel/internal/gate"
)

// recorder собирает события провайдера.
type recorder struct {
	mu     sync.Mutex
	events []gate.EventKind
	last   *model.Session
}

func (r *recorder) callback(event gate.EventKind, session *model.Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	r.last = session
}

func (r *recorder) has(event gate.EventKind) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.events {
		if e == event {
			return true
		}
	}
	return false
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("не дождались: %s", msg)
}

type providerFixture struct {
	kc    *fakeKeycloak
	store *RedisSessionStore
	svc   *Service
}

func newProviderFixture(t *testing.T) *providerFixture {
	t.Helper()
	kc := newFakeKeycloak(t)
	_, client := newTestRedis(t)
	store := NewRedisSessionStore(client, newTestSealer(t))
	svc := NewService(kc.oidcClient(), kc.verifier(t), store, ServiceOptions{
		SessionTTL:     time.Hour,
		RequestTimeout: 2 * time.Second,
	}, testLogger())
	return &providerFixture{kc: kc, store: store, svc: svc}
}

func TestProvider_SignInSavesSessionAndEmits(t *testing.T) {
	f := newProviderFixture(t)
	p := NewProvider(f.svc, "viewer-1")
	rec := &recorder{}
	unsubscribe := p.OnChange(rec.callback)
	defer unsubscribe()

	session, err := p.SignIn(context.Background(), "admin@example.com", "secret")
	if err != nil {
		t.Fatalf("SignIn: %v", err)
	}
	if session.SubjectID != "sub-admin" || session.Email != "admin@example.com" {
		t.Errorf("session = %+v", session)
	}
	if !rec.has(gate.EventSignedIn) {
		t.Error("SIGNED_IN не отправлен")
	}

	stored, err := f.store.Load(context.Background(), "viewer-1")
	if err != nil || stored == nil || stored.SubjectID != "sub-admin" {
		t.Fatalf("сессия не сохранена: %+v, %v", stored, err)
	}

	restored, err := p.GetSession(context.Background())
	if err != nil || restored == nil || restored.AccessToken != session.AccessToken {
		t.Errorf("GetSession = %+v, %v", restored, err)
	}
}

func TestProvider_SignInInvalidCredentials(t *testing.T) {
	f := newProviderFixture(t)
	p := NewProvider(f.svc, "viewer-1")

	_, err := p.SignIn(context.Background(), "admin@example.com", "wrong")
	if !errors.Is(err, gate.ErrInvalidCredentials) {
		t.Fatalf("SignIn = %v, ожидалось ErrInvalidCredentials", err)
	}

	if s, _ := f.store.Load(context.Background(), "viewer-1"); s != nil {
		t.Error("после неудачного входа сессия не должна сохраняться")
	}
}

func TestProvider_SignInProviderDown(t *testing.T) {
	f := newProviderFixture(t)
	f.kc.setFail(true)
	p := NewProvider(f.svc, "viewer-1")

	if _, err := p.SignIn(context.Background(), "admin@example.com", "secret"); !errors.Is(err, gate.ErrProviderUnavailable) {
		t.Fatalf("SignIn = %v, ожидалось ErrProviderUnavailable", err)
	}
}

func TestProvider_InitialSessionOnFirstSubscription(t *testing.T) {
	f := newProviderFixture(t)

	// Сессия, созданная другим провайдером того же viewer (например, до рестарта).
	if _, err := NewProvider(f.svc, "viewer-1").SignIn(context.Background(), "admin@example.com", "secret"); err != nil {
		t.Fatalf("SignIn: %v", err)
	}

	p := NewProvider(f.svc, "viewer-1")
	first, second := &recorder{}, &recorder{}
	defer p.OnChange(first.callback)()
	defer p.OnChange(second.callback)()

	waitFor(t, func() bool { return first.has(gate.EventInitialSession) }, "INITIAL_SESSION")

	first.mu.Lock()
	last := first.last
	first.mu.Unlock()
	if last == nil || last.SubjectID != "sub-admin" {
		t.Errorf("INITIAL_SESSION с сессией %+v", last)
	}

	time.Sleep(50 * time.Millisecond)
	if second.has(gate.EventInitialSession) {
		t.Error("INITIAL_SESSION отправлен повторной подписке")
	}
}

func TestProvider_GetSessionRefreshesExpired(t *testing.T) {
	f := newProviderFixture(t)
	p := NewProvider(f.svc, "viewer-1")
	ctx := context.Background()

	session, err := p.SignIn(ctx, "admin@example.com", "secret")
	if err != nil {
		t.Fatalf("SignIn: %v", err)
	}

	expired := *session
	expired.ExpiresAt = time.Now().Add(-time.Minute).Unix()
	if err := f.store.Save(ctx, "viewer-1", &expired, time.Hour); err != nil {
		t.Fatalf("Save: %v", err)
	}

	rec := &recorder{}
	defer p.OnChange(rec.callback)()

	got, err := p.GetSession(ctx)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got == nil || got.IsExpired() || got.RefreshToken == session.RefreshToken {
		t.Fatalf("сессия не обновлена: %+v", got)
	}
	if !rec.has(gate.EventTokenRefreshed) {
		t.Error("TOKEN_REFRESHED не отправлен")
	}
	if n := f.kc.refreshN.Load(); n != 1 {
		t.Errorf("запросов refresh = %d, ожидался 1", n)
	}
}

func TestProvider_ConcurrentGetSessionSingleRefresh(t *testing.T) {
	f := newProviderFixture(t)
	p := NewProvider(f.svc, "viewer-1")
	ctx := context.Background()

	session, _ := p.SignIn(ctx, "admin@example.com", "secret")
	expired := *session
	expired.ExpiresAt = time.Now().Add(-time.Minute).Unix()
	_ = f.store.Save(ctx, "viewer-1", &expired, time.Hour)

	var wg sync.WaitGroup
	for range 5 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if s, err := p.GetSession(ctx); err != nil || s == nil {
				t.Errorf("GetSession = %v, %v", s, err)
			}
		}()
	}
	wg.Wait()

	// Refresh token одноразовый: параллельный refresh закончился бы invalid_grant.
	if n := f.kc.refreshN.Load(); n > 1 {
		t.Errorf("запросов refresh = %d, ожидался 1", n)
	}
}

func TestProvider_GetSessionRevokedRefreshToken(t *testing.T) {
	f := newProviderFixture(t)
	p := NewProvider(f.svc, "viewer-1")
	ctx := context.Background()

	session, _ := p.SignIn(ctx, "admin@example.com", "secret")
	expired := *session
	expired.ExpiresAt = time.Now().Add(-time.Minute).Unix()
	_ = f.store.Save(ctx, "viewer-1", &expired, time.Hour)
	f.kc.revokeAll()

	got, err := p.GetSession(ctx)
	if err != nil || got != nil {
		t.Fatalf("GetSession = %+v, %v; ожидалось nil, nil", got, err)
	}
	if s, _ := f.store.Load(ctx, "viewer-1"); s != nil {
		t.Error("отозванная сессия не удалена из хранилища")
	}
}

func TestProvider_GetSessionStoreDown(t *testing.T) {
	kc := newFakeKeycloak(t)
	mr, client := newTestRedis(t)
	store := NewRedisSessionStore(client, newTestSealer(t))
	svc := NewService(kc.oidcClient(), kc.verifier(t), store, ServiceOptions{}, testLogger())
	mr.Close()

	_, err := NewProvider(svc, "viewer-1").GetSession(context.Background())
	if !errors.Is(err, gate.ErrProviderUnavailable) {
		t.Errorf("GetSession = %v, ожидалось ErrProviderUnavailable", err)
	}
}

func TestProvider_SignOut(t *testing.T) {
	f := newProviderFixture(t)
	p := NewProvider(f.svc, "viewer-1")
	ctx := context.Background()

	if _, err := p.SignIn(ctx, "admin@example.com", "secret"); err != nil {
		t.Fatalf("SignIn: %v", err)
	}

	rec := &recorder{}
	defer p.OnChange(rec.callback)()

	if err := p.SignOut(ctx); err != nil {
		t.Fatalf("SignOut: %v", err)
	}
	if !rec.has(gate.EventSignedOut) {
		t.Error("SIGNED_OUT не отправлен")
	}
	if f.kc.logoutN.Load() != 1 {
		t.Errorf("logout в Keycloak вызван %d раз, ожидался 1", f.kc.logoutN.Load())
	}
	if s, _ := p.GetSession(ctx); s != nil {
		t.Error("сессия осталась после SignOut")
	}
}

func TestProvider_UnsubscribeStopsDelivery(t *testing.T) {
	f := newProviderFixture(t)
	p := NewProvider(f.svc, "viewer-1")

	rec := &recorder{}
	unsubscribe := p.OnChange(rec.callback)
	waitFor(t, func() bool { return rec.has(gate.EventInitialSession) }, "INITIAL_SESSION")

	unsubscribe()
	unsubscribe()
	before := rec.count()

	if _, err := p.SignIn(context.Background(), "admin@example.com", "secret"); err != nil {
		t.Fatalf("SignIn: %v", err)
	}
	if rec.count() != before {
		t.Error("событие доставлено после отписки")
	}
}

func TestProvider_BackgroundRefresh(t *testing.T) {
	f := newProviderFixture(t)
	// Access token истекает через 31 с: refresh планируется через minRefreshDelay.
	f.kc.accessTTL = refreshMargin + time.Second
	p := NewProvider(f.svc, "viewer-1")

	rec := &recorder{}
	defer p.OnChange(rec.callback)()

	if _, err := p.SignIn(context.Background(), "admin@example.com", "secret"); err != nil {
		t.Fatalf("SignIn: %v", err)
	}

	waitFor(t, func() bool { return rec.has(gate.EventTokenRefreshed) }, "фоновый TOKEN_REFRESHED")
}

// Провайдер совместим с гейтом: полный цикл вход → проверка → выход.
func TestProvider_WithGate(t *testing.T) {
	f := newProviderFixture(t)
	profiles := gateProfiles{"sub-admin": {ID: "sub-admin", Role: "admin"}}

	g := gate.New(NewProvider(f.svc, "viewer-1"), profiles, gate.Options{Logger: testLogger()})
	defer g.Close()
	g.Initialize(context.Background())

	if d := g.Decide(gate.RequireAdmin).Decision; d != gate.DecisionRedirect {
		t.Fatalf("до входа ожидался redirect, получено %s", d)
	}
	if err := g.SignIn(context.Background(), "admin@example.com", "secret"); err != nil {
		t.Fatalf("SignIn: %v", err)
	}
	if d := g.Decide(gate.RequireAdmin).Decision; d != gate.DecisionAllow {
		t.Fatalf("после входа ожидался allow, получено %s", d)
	}

	// Новый гейт того же viewer восстанавливает сессию из Redis.
	restored := gate.New(NewProvider(f.svc, "viewer-1"), profiles, gate.Options{Logger: testLogger()})
	defer restored.Close()
	restored.Initialize(context.Background())
	waitFor(t, func() bool {
		return restored.Decide(gate.RequireAdmin).Decision == gate.DecisionAllow
	}, "восстановленная сессия admin")

	if err := g.SignOut(context.Background()); err != nil {
		t.Fatalf("SignOut: %v", err)
	}
	if d := g.Decide(gate.RequireAdmin).Decision; d != gate.DecisionRedirect {
		t.Errorf("после выхода ожидался redirect, получено %s", d)
	}
}

type gateProfiles map[string]*model.Profile

func (p gateProfiles) GetProfileByID(_ context.Context, id string) (*model.Profile, error) {
	if profile, ok := p[id]; ok {
		return profile.Clone(), nil
	}
	return nil, gate.ErrProfileNotFound
}

func TestProvider_GetSessionCancelledCallerDoesNotFailOthers(t *testing.T) {
	f := newProviderFixture(t)
	p := NewProvider(f.svc, "viewer-1")
	ctx := context.Background()

	session, _ := p.SignIn(ctx, "admin@example.com", "secret")
	expired := *session
	expired.ExpiresAt = time.Now().Add(-time.Minute).Unix()
	_ = f.store.Save(ctx, "viewer-1", &expired, time.Hour)

	hold := make(chan struct{})
	f.kc.setHold(hold)

	firstCtx, cancelFirst := context.WithCancel(ctx)
	firstErr := make(chan error, 1)
	go func() {
		_, err := p.GetSession(firstCtx)
		firstErr <- err
	}()
	waitFor(t, func() bool { return f.kc.refreshN.Load() == 1 }, "refresh не начат")

	type result struct {
		session *model.Session
		err     error
	}
	second := make(chan result, 1)
	go func() {
		s, err := p.GetSession(ctx)
		second <- result{s, err}
	}()
	time.Sleep(20 * time.Millisecond)

	cancelFirst()
	if err := <-firstErr; !errors.Is(err, context.Canceled) {
		t.Errorf("отменённый вызов = %v, ожидалось context.Canceled", err)
	}
	close(hold)

	select {
	case res := <-second:
		if res.err != nil || res.session == nil {
			t.Fatalf("отмена первого вызова сорвала общий запрос: %+v, %v", res.session, res.err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("GetSession не завершился")
	}
	if n := f.kc.refreshN.Load(); n != 1 {
		t.Errorf("запросов refresh = %d, ожидался 1", n)
	}
}

func TestService_RevokeSubject(t *testing.T) {
	f := newProviderFixture(t)
	ctx := context.Background()

	for _, v := range []string{"viewer-1", "viewer-2"} {
		if _, err := NewProvider(f.svc, v).SignIn(ctx, "admin@example.com", "secret"); err != nil {
			t.Fatalf("SignIn(%s): %v", v, err)
		}
	}
	if ok, _ := f.svc.HasStoredSession(ctx, "viewer-1"); !ok {
		t.Fatal("HasStoredSession = false после входа")
	}

	n, err := f.svc.RevokeSubject(ctx, "sub-admin")
	if err != nil {
		t.Fatalf("RevokeSubject: %v", err)
	}
	if n != 2 {
		t.Errorf("удалено сессий: %d, ожидалось 2", n)
	}

	// Новый провайдер (рестарт, другой экземпляр) сессию не восстанавливает.
	got, err := NewProvider(f.svc, "viewer-1").GetSession(ctx)
	if err != nil || got != nil {
		t.Errorf("GetSession после RevokeSubject = %+v, %v; ожидалось nil, nil", got, err)
	}
	if ok, _ := f.svc.HasStoredSession(ctx, "viewer-2"); ok {
		t.Error("HasStoredSession = true после RevokeSubject")
	}
}
