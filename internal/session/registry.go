package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"postpilot/internal/profile"
	logx "postpilot/pkg/logx"
)

// Config tunes session startup.
//
// ReadyTimeout bounds the wait for the session's readiness signal; hitting it
// is logged, not fatal — the session is handed out anyway and the caller's
// first activity has to tolerate a session that is still settling. Warmup is
// a fixed extra delay applied after the readiness wait either way, because
// the in-page state keeps loading after the session reports ready.
type Config struct {
	ReadyTimeout time.Duration
	Warmup       time.Duration
}

func (c Config) withDefaults() Config {
	if c.ReadyTimeout <= 0 {
		c.ReadyTimeout = 5 * time.Second
	}
	if c.Warmup < 0 {
		c.Warmup = 0
	} else if c.Warmup == 0 {
		c.Warmup = 5 * time.Second
	}
	return c
}

// Registry owns all live sessions, at most one per key.
//
// Creation and explicit teardown are marshaled through a single executor
// goroutine (the command queue consumed in Run), so lifecycle operations
// never race each other no matter how many dispatch goroutines ask for
// sessions concurrently. Reuse of an already-live session is a fast path
// that only touches the map lock.
type Registry struct {
	launcher Launcher
	profiles *profile.Store
	cfg      Config
	log      logx.Logger

	// onGone, when set, is called after a session leaves the registry for any
	// reason. The dispatch loop uses it to clear the key's busy flag.
	onGone func(Key)

	mu   sync.Mutex
	live map[Key]Session

	cmds   chan func()
	runCtx context.Context
	wg     sync.WaitGroup
}

func NewRegistry(launcher Launcher, profiles *profile.Store, cfg Config, log logx.Logger) *Registry {
	return &Registry{
		launcher: launcher,
		profiles: profiles,
		cfg:      cfg.withDefaults(),
		log:      log,
		live:     make(map[Key]Session),
		cmds:     make(chan func(), 16),
	}
}

// SetOnGone installs the session-removed callback. Must be called before Run.
func (r *Registry) SetOnGone(fn func(Key)) { r.onGone = fn }

// Run consumes the lifecycle command queue until ctx is done.
func (r *Registry) Run(ctx context.Context) error {
	r.mu.Lock()
	r.runCtx = ctx
	r.mu.Unlock()

	for {
		select {
		case <-ctx.Done():
			return nil
		case cmd := <-r.cmds:
			cmd()
		}
	}
}

// GetOrCreate returns the live session for (platform, account), creating one
// if needed.
//
// An existing session is brought to the foreground best-effort; a failed wake
// does not invalidate it. Creation requires a known profile and a supported
// platform, waits for readiness (bounded), then applies the warm-up delay.
func (r *Registry) GetOrCreate(ctx context.Context, platform, account string) (Session, error) {
	key := KeyFor(platform, account)

	if sess := r.Lookup(key); sess != nil {
		if err := sess.BringToForeground(ctx); err != nil {
			r.log.Debug("session wake failed; reusing anyway",
				logx.String("platform", key.Platform),
				logx.String("account", key.Account),
				logx.Err(err),
			)
		}
		return sess, nil
	}

	if !r.launcher.Supports(platform) {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedPlatform, platform)
	}
	prof, ok := r.profiles.Lookup(account)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAccount, account)
	}

	type reply struct {
		sess Session
		err  error
	}
	ch := make(chan reply, 1)
	cmd := func() {
		s, err := r.create(key, platform, prof)
		ch <- reply{sess: s, err: err}
	}

	select {
	case r.cmds <- cmd:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case rep := <-ch:
		return rep.sess, rep.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// create runs on the lifecycle executor.
func (r *Registry) create(key Key, platform string, prof profile.Profile) (Session, error) {
	// A queued request may have been satisfied by the time it runs.
	if sess := r.Lookup(key); sess != nil {
		return sess, nil
	}

	ctx := r.lifecycleCtx()
	sess, err := r.launcher.Start(ctx, platform, prof)
	if err != nil {
		return nil, fmt.Errorf("start session %s/%s: %w", key.Platform, key.Account, err)
	}

	select {
	case <-sess.Ready():
	case <-time.After(r.cfg.ReadyTimeout):
		r.log.Warn("session readiness timeout; handing it out anyway",
			logx.String("platform", key.Platform),
			logx.String("account", key.Account),
			logx.Duration("timeout", r.cfg.ReadyTimeout),
		)
	case <-ctx.Done():
		_ = sess.Close(context.Background())
		return nil, ctx.Err()
	}

	// Fixed warm-up regardless of whether readiness arrived in time.
	select {
	case <-time.After(r.cfg.Warmup):
	case <-ctx.Done():
		_ = sess.Close(context.Background())
		return nil, ctx.Err()
	}

	r.register(key, sess)
	r.log.Info("session started",
		logx.String("platform", key.Platform),
		logx.String("account", key.Account),
	)
	return sess, nil
}

func (r *Registry) register(key Key, sess Session) {
	r.mu.Lock()
	r.live[key] = sess
	ctx := r.runCtx
	r.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}

	// Termination watcher: external teardown (operator closed the window,
	// crashed browser) must deregister the key and release its busy flag.
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		select {
		case <-sess.Terminated():
			if r.remove(key, sess) {
				r.log.Info("session terminated externally",
					logx.String("platform", key.Platform),
					logx.String("account", key.Account),
				)
			}
		case <-ctx.Done():
		}
	}()
}

// remove deregisters the session and fires onGone. Returns false when the key
// was already gone (or rebound to a newer session).
func (r *Registry) remove(key Key, sess Session) bool {
	r.mu.Lock()
	cur, ok := r.live[key]
	if !ok || cur != sess {
		r.mu.Unlock()
		return false
	}
	delete(r.live, key)
	r.mu.Unlock()

	if r.onGone != nil {
		r.onGone(key)
	}
	return true
}

func (r *Registry) lifecycleCtx() context.Context {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.runCtx != nil {
		return r.runCtx
	}
	return context.Background()
}

// Supports reports whether the launcher can start sessions for platform.
func (r *Registry) Supports(platform string) bool {
	return r.launcher.Supports(platform)
}

// Lookup returns the live session for key, or nil.
func (r *Registry) Lookup(key Key) Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.live[key]
}

// Count reports the number of live sessions.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.live)
}

// Close tears down the session for (platform, account). Absence is a no-op.
func (r *Registry) Close(ctx context.Context, platform, account string) error {
	key := KeyFor(platform, account)

	type reply struct{ err error }
	ch := make(chan reply, 1)
	cmd := func() {
		sess := r.Lookup(key)
		if sess == nil {
			r.log.Info("close requested but no live session",
				logx.String("platform", key.Platform),
				logx.String("account", key.Account),
			)
			ch <- reply{}
			return
		}
		err := sess.Close(ctx)
		r.remove(key, sess)
		ch <- reply{err: err}
	}

	select {
	case r.cmds <- cmd:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case rep := <-ch:
		return rep.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// CloseAll issues a close to every live session and waits up to grace for the
// lot. Sessions that do not acknowledge in time are force-removed regardless.
//
// Called during engine shutdown, after the dispatch loop has stopped, so it
// does not go through the (already stopped) lifecycle executor.
func (r *Registry) CloseAll(grace time.Duration) {
	r.mu.Lock()
	snapshot := make(map[Key]Session, len(r.live))
	for k, s := range r.live {
		snapshot[k] = s
	}
	r.mu.Unlock()

	if len(snapshot) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()

	var wg sync.WaitGroup
	for key, sess := range snapshot {
		wg.Add(1)
		go func(key Key, sess Session) {
			defer wg.Done()
			if err := sess.Close(ctx); err != nil {
				r.log.Warn("session did not close in time; force-removing",
					logx.String("platform", key.Platform),
					logx.String("account", key.Account),
					logx.Err(err),
				)
			}
			r.remove(key, sess)
		}(key, sess)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(grace + time.Second):
	}

	// Anything still lingering gets dropped from the registry.
	r.mu.Lock()
	lingering := make([]Key, 0, len(r.live))
	for k := range r.live {
		lingering = append(lingering, k)
		delete(r.live, k)
	}
	r.mu.Unlock()
	if r.onGone != nil {
		for _, k := range lingering {
			r.onGone(k)
		}
	}
}
