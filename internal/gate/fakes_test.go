package gate

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/afcademia/admin-panel/internal/domain/model"
)

// testLogger - логгер для тестов (вывод подавлен).
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeProvider - in-memory Identity Provider.
type fakeProvider struct {
	mu          sync.Mutex
	session     *model.Session
	getErr      error
	getBlock    chan struct{}
	signIn      func(ctx context.Context, email, password string) (*model.Session, error)
	signOutErr  error
	signOuts    atomic.Int32
	subscribers map[int]ChangeCallback
	nextID      int
}

func newFakeProvider(session *model.Session) *fakeProvider {
	return &fakeProvider{session: session, subscribers: make(map[int]ChangeCallback)}
}

func (p *fakeProvider) GetSession(ctx context.Context) (*model.Session, error) {
	p.mu.Lock()
	block := p.getBlock
	p.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.getErr != nil {
		return nil, p.getErr
	}
	return p.session, nil
}

func (p *fakeProvider) OnChange(cb ChangeCallback) func() {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.nextID
	p.nextID++
	p.subscribers[id] = cb
	return func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		delete(p.subscribers, id)
	}
}

func (p *fakeProvider) SignIn(ctx context.Context, email, password string) (*model.Session, error) {
	if p.signIn == nil {
		return nil, ErrInvalidCredentials
	}
	s, err := p.signIn(ctx, email, password)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	p.session = s
	p.mu.Unlock()
	p.emit(EventSignedIn, s)
	return s, nil
}

func (p *fakeProvider) SignOut(_ context.Context) error {
	p.signOuts.Add(1)
	if p.signOutErr != nil {
		return p.signOutErr
	}
	p.mu.Lock()
	p.session = nil
	p.mu.Unlock()
	p.emit(EventSignedOut, nil)
	return nil
}

func (p *fakeProvider) emit(event EventKind, s *model.Session) {
	p.mu.Lock()
	cbs := make([]ChangeCallback, 0, len(p.subscribers))
	for _, cb := range p.subscribers {
		cbs = append(cbs, cb)
	}
	p.mu.Unlock()
	for _, cb := range cbs {
		cb(event, s)
	}
}

func (p *fakeProvider) subscriberCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.subscribers)
}

// fakeStore - in-memory Profile Store с возможностью блокировать запросы.
type fakeStore struct {
	mu       sync.Mutex
	profiles map[string]*model.Profile
	err      error
	block    chan struct{}
	calls    map[string]int
}

func newFakeStore(profiles ...*model.Profile) *fakeStore {
	s := &fakeStore{profiles: make(map[string]*model.Profile), calls: make(map[string]int)}
	for _, p := range profiles {
		s.profiles[p.ID] = p
	}
	return s
}

func (s *fakeStore) GetProfileByID(ctx context.Context, subjectID string) (*model.Profile, error) {
	s.mu.Lock()
	s.calls[subjectID]++
	block := s.block
	s.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	p, ok := s.profiles[subjectID]
	if !ok {
		return nil, ErrProfileNotFound
	}
	return p.Clone(), nil
}

func (s *fakeStore) callCount(subjectID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[subjectID]
}

func (s *fakeStore) put(p *model.Profile) {
	s.mu.Lock()
	s.profiles[p.ID] = p
	s.mu.Unlock()
}

func (s *fakeStore) setBlock(ch chan struct{}) {
	s.mu.Lock()
	s.block = ch
	s.mu.Unlock()
}

func adminProfile(id string) *model.Profile {
	return &model.Profile{ID: id, FullName: "Админ", Email: id + "@example.com", Role: "admin"}
}

func userProfile(id string) *model.Profile {
	return &model.Profile{ID: id, FullName: "Пользователь", Email: id + "@example.com", Role: "user"}
}

func sessionFor(id string) *model.Session {
	return &model.Session{
		SubjectID:    id,
		Email:        id + "@example.com",
		AccessToken:  "access-" + id,
		RefreshToken: "refresh-" + id,
		ExpiresAt:    time.Now().Add(time.Hour).Unix(),
	}
}

// eventually ждёт выполнения условия, иначе проваливает тест.
func eventually(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("условие не выполнено за %s: %s", timeout, msg)
}

func newTestGate(t *testing.T, p *fakeProvider, s *fakeStore, opts Options) *Gate {
	t.Helper()
	if opts.Logger == nil {
		opts.Logger = testLogger()
	}
	g := New(p, s, opts)
	t.Cleanup(g.Close)
	return g
}
