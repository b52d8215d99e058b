package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"postpilot/internal/profile"
	"postpilot/internal/schedule"
	logx "postpilot/pkg/logx"
)

type fakeSession struct {
	mu          sync.Mutex
	activities  []schedule.Activity
	foregrounds int
	closed      bool

	ready chan struct{}
	term  chan struct{}
}

func newFakeSession(readyNow bool) *fakeSession {
	s := &fakeSession{
		ready: make(chan struct{}),
		term:  make(chan struct{}),
	}
	if readyNow {
		close(s.ready)
	}
	return s
}

func (s *fakeSession) Activity(_ context.Context, a schedule.Activity, _ ActivityParams) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.activities = append(s.activities, a)
	return nil
}

func (s *fakeSession) BringToForeground(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.foregrounds++
	return nil
}

func (s *fakeSession) Interrupt(context.Context) error { return nil }

func (s *fakeSession) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.term)
	}
	return nil
}

func (s *fakeSession) Ready() <-chan struct{}      { return s.ready }
func (s *fakeSession) Terminated() <-chan struct{} { return s.term }

type fakeLauncher struct {
	mu       sync.Mutex
	starts   int
	readyNow bool
	sessions []*fakeSession
}

func (l *fakeLauncher) Start(_ context.Context, _ string, _ profile.Profile) (Session, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.starts++
	s := newFakeSession(l.readyNow)
	l.sessions = append(l.sessions, s)
	return s, nil
}

func (l *fakeLauncher) Supports(platform string) bool {
	return platform == "instagram" || platform == "tiktok"
}

func (l *fakeLauncher) startCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.starts
}

func testProfiles(t *testing.T) *profile.Store {
	t.Helper()
	s, err := profile.Parse([]byte("accounts:\n  - name: alice\n    group: crew\n  - name: bob\n    group: crew\n"))
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func startRegistry(t *testing.T, l Launcher) *Registry {
	t.Helper()
	r := NewRegistry(l, testProfiles(t), Config{
		ReadyTimeout: 200 * time.Millisecond,
		Warmup:       time.Millisecond,
	}, logx.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = r.Run(ctx) }()
	return r
}

func TestGetOrCreateReusesLiveSession(t *testing.T) {
	t.Parallel()
	l := &fakeLauncher{readyNow: true}
	r := startRegistry(t, l)
	ctx := context.Background()

	s1, err := r.GetOrCreate(ctx, "Instagram", "Alice")
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	s2, err := r.GetOrCreate(ctx, "instagram", "alice")
	if err != nil {
		t.Fatalf("GetOrCreate (reuse): %v", err)
	}
	if s1 != s2 {
		t.Fatal("expected the same session on reuse")
	}
	if l.startCount() != 1 {
		t.Fatalf("launcher started %d sessions, want 1", l.startCount())
	}
	if fs := s2.(*fakeSession); fs.foregrounds != 1 {
		t.Fatalf("foregrounds = %d, want 1", fs.foregrounds)
	}
}

func TestGetOrCreateUnknownAccount(t *testing.T) {
	t.Parallel()
	r := startRegistry(t, &fakeLauncher{readyNow: true})
	_, err := r.GetOrCreate(context.Background(), "instagram", "mallory")
	if !errors.Is(err, ErrUnknownAccount) {
		t.Fatalf("err = %v, want ErrUnknownAccount", err)
	}
}

func TestGetOrCreateUnsupportedPlatform(t *testing.T) {
	t.Parallel()
	r := startRegistry(t, &fakeLauncher{readyNow: true})
	_, err := r.GetOrCreate(context.Background(), "myspace", "alice")
	if !errors.Is(err, ErrUnsupportedPlatform) {
		t.Fatalf("err = %v, want ErrUnsupportedPlatform", err)
	}
}

func TestReadinessTimeoutIsNotFatal(t *testing.T) {
	t.Parallel()
	// Launcher whose sessions never report ready.
	l := &fakeLauncher{readyNow: false}
	r := NewRegistry(l, testProfiles(t), Config{
		ReadyTimeout: 50 * time.Millisecond,
		Warmup:       time.Millisecond,
	}, logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = r.Run(ctx) }()

	start := time.Now()
	sess, err := r.GetOrCreate(context.Background(), "instagram", "alice")
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	if sess == nil {
		t.Fatal("expected a session despite readiness timeout")
	}
	if time.Since(start) < 50*time.Millisecond {
		t.Fatal("readiness timeout was not applied")
	}
}

func TestConcurrentGetOrCreateStartsOnce(t *testing.T) {
	t.Parallel()
	l := &fakeLauncher{readyNow: true}
	r := startRegistry(t, l)

	const callers = 8
	sessions := make([]Session, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, err := r.GetOrCreate(context.Background(), "instagram", "alice")
			if err != nil {
				t.Errorf("GetOrCreate: %v", err)
				return
			}
			sessions[i] = s
		}(i)
	}
	wg.Wait()

	if l.startCount() != 1 {
		t.Fatalf("launcher started %d sessions, want 1", l.startCount())
	}
	for i := 1; i < callers; i++ {
		if sessions[i] != sessions[0] {
			t.Fatal("concurrent callers got different sessions")
		}
	}
}

func TestExternalTerminationDeregisters(t *testing.T) {
	t.Parallel()
	l := &fakeLauncher{readyNow: true}
	r := startRegistry(t, l)

	var goneMu sync.Mutex
	var gone []Key
	r.SetOnGone(func(k Key) {
		goneMu.Lock()
		gone = append(gone, k)
		goneMu.Unlock()
	})

	sess, err := r.GetOrCreate(context.Background(), "instagram", "alice")
	if err != nil {
		t.Fatal(err)
	}

	// Simulate the operator killing the browser window.
	_ = sess.Close(context.Background())

	key := KeyFor("instagram", "alice")
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if r.Lookup(key) == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if r.Lookup(key) != nil {
		t.Fatal("terminated session still registered")
	}

	goneMu.Lock()
	defer goneMu.Unlock()
	if len(gone) != 1 || gone[0] != key {
		t.Fatalf("onGone calls = %v, want [%v]", gone, key)
	}
}

func TestCloseAbsentSessionIsNoop(t *testing.T) {
	t.Parallel()
	r := startRegistry(t, &fakeLauncher{readyNow: true})
	if err := r.Close(context.Background(), "instagram", "alice"); err != nil {
		t.Fatalf("Close of absent session: %v", err)
	}
}

func TestCloseAllWithGrace(t *testing.T) {
	t.Parallel()
	l := &fakeLauncher{readyNow: true}
	r := startRegistry(t, l)
	ctx := context.Background()

	if _, err := r.GetOrCreate(ctx, "instagram", "alice"); err != nil {
		t.Fatal(err)
	}
	if _, err := r.GetOrCreate(ctx, "tiktok", "bob"); err != nil {
		t.Fatal(err)
	}
	if r.Count() != 2 {
		t.Fatalf("Count = %d, want 2", r.Count())
	}

	r.CloseAll(time.Second)
	if r.Count() != 0 {
		t.Fatalf("Count after CloseAll = %d, want 0", r.Count())
	}
	for _, s := range l.sessions {
		if !s.closed {
			t.Fatal("session not closed by CloseAll")
		}
	}
}
