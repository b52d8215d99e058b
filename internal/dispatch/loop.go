package dispatch

import (
	"context"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"postpilot/internal/eventbus"
	"postpilot/internal/profile"
	"postpilot/internal/schedule"
	"postpilot/internal/session"
	logx "postpilot/pkg/logx"
)

// Config tunes the dispatch loop.
//
// Window is the trailing catch-up window: a job whose due time passed while
// the engine was briefly down still fires, as long as it is no older than the
// window. PlatformRatePerMin paces dispatches per platform (0 or absent means
// unpaced) so a dense schedule does not burst actions at the target site.
type Config struct {
	Tick               time.Duration
	Window             time.Duration
	RetryBackoff       time.Duration
	PlatformRatePerMin map[string]int
}

func (c Config) withDefaults() Config {
	if c.Tick <= 0 {
		c.Tick = 2 * time.Second
	}
	if c.Window <= 0 {
		c.Window = 2 * time.Minute
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 5 * time.Second
	}
	return c
}

// Loop scans the job store every tick and dispatches due jobs at most once.
//
// The at-most-once guarantee hinges on ordering: a job selected for dispatch
// is marked executed *before* its activity starts, and a job skipped because
// its key is busy is *not* marked, so it stays a candidate for later ticks.
type Loop struct {
	store    *schedule.Store
	registry *session.Registry
	profiles *profile.Store
	flags    *Flags
	bus      eventbus.Bus
	cfg      Config
	log      logx.Logger

	limMu    sync.Mutex
	limiters map[string]*rate.Limiter

	wg sync.WaitGroup
}

func NewLoop(
	store *schedule.Store,
	registry *session.Registry,
	profiles *profile.Store,
	flags *Flags,
	bus eventbus.Bus,
	cfg Config,
	log logx.Logger,
) *Loop {
	cfg = cfg.withDefaults()
	rates := make(map[string]int, len(cfg.PlatformRatePerMin))
	for platform, n := range cfg.PlatformRatePerMin {
		rates[strings.ToLower(strings.TrimSpace(platform))] = n
	}
	cfg.PlatformRatePerMin = rates

	return &Loop{
		store:    store,
		registry: registry,
		profiles: profiles,
		flags:    flags,
		bus:      bus,
		cfg:      cfg,
		log:      log,
		limiters: make(map[string]*rate.Limiter),
	}
}

// Run ticks until ctx is done, then waits for in-flight activities.
func (l *Loop) Run(ctx context.Context) error {
	ticker := time.NewTicker(l.cfg.Tick)
	defer ticker.Stop()

	l.log.Info("dispatch loop started",
		logx.Duration("tick", l.cfg.Tick),
		logx.Duration("window", l.cfg.Window),
	)

	for {
		select {
		case <-ctx.Done():
			l.wg.Wait()
			l.log.Info("dispatch loop stopped")
			return nil
		case <-ticker.C:
			l.safeTick(ctx, time.Now())
		}
	}
}

// safeTick shields the loop from a panicking tick: the loop must survive
// anything a single dispatch round throws at it, at the cost of a short pause.
func (l *Loop) safeTick(ctx context.Context, now time.Time) {
	defer func() {
		if r := recover(); r != nil {
			l.log.Error("dispatch tick panicked; continuing after backoff",
				logx.Any("panic", r),
				logx.String("stack", string(debug.Stack())),
				logx.Duration("backoff", l.cfg.RetryBackoff),
			)
			select {
			case <-time.After(l.cfg.RetryBackoff):
			case <-ctx.Done():
			}
		}
	}()
	l.tick(ctx, now)
}

func (l *Loop) tick(ctx context.Context, now time.Time) {
	due := l.store.DueUnexecuted(now, l.cfg.Window)
	for _, j := range due {
		key := session.KeyFor(j.Platform, j.Account)

		// Control activities must always be deliverable: no busy check, and
		// they never occupy the key themselves.
		if j.Activity.Control() {
			l.store.MarkExecuted(j.Key())
			l.spawn(func() { l.runControl(ctx, j, key) })
			continue
		}

		// Permanently undispatchable jobs are consumed, not retried forever.
		if !l.registry.Supports(j.Platform) {
			l.store.MarkExecuted(j.Key())
			l.failJob(j, "unsupported platform")
			continue
		}
		if _, ok := l.profiles.Lookup(j.Account); !ok {
			l.store.MarkExecuted(j.Key())
			l.failJob(j, "no profile for account")
			continue
		}

		if !l.flags.TryAcquire(key) {
			// Key busy: leave the job unexecuted; it stays due next tick.
			l.log.Debug("key busy; deferring job",
				logx.String("platform", key.Platform),
				logx.String("account", key.Account),
				logx.String("activity", string(j.Activity)),
			)
			continue
		}

		l.store.MarkExecuted(j.Key())
		l.spawn(func() {
			defer l.flags.Release(key)
			l.runActivity(ctx, j, key)
		})
	}
}

func (l *Loop) spawn(fn func()) {
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				l.log.Error("dispatched activity panicked",
					logx.Any("panic", r),
					logx.String("stack", string(debug.Stack())),
				)
			}
		}()
		fn()
	}()
}

func (l *Loop) runActivity(ctx context.Context, j schedule.Job, key session.Key) {
	if lim := l.limiter(j.Platform); lim != nil {
		if err := lim.Wait(ctx); err != nil {
			return
		}
	}

	l.bus.Publish(eventbus.Event{Type: eventbus.TypeJobDispatched, Data: jobEvent(j, nil)})
	l.log.Info("dispatching job",
		logx.String("platform", key.Platform),
		logx.String("account", key.Account),
		logx.String("activity", string(j.Activity)),
		logx.Time("scheduled_at", j.ScheduledAt),
	)

	sess, err := l.registry.GetOrCreate(ctx, j.Platform, j.Account)
	if err != nil {
		l.log.Error("session unavailable for job",
			logx.String("platform", key.Platform),
			logx.String("account", key.Account),
			logx.Err(err),
		)
		l.bus.Publish(eventbus.Event{Type: eventbus.TypeJobFailed, Data: jobEvent(j, err)})
		return
	}
	l.bus.Publish(eventbus.Event{Type: eventbus.TypeSessionOpen, Data: jobEvent(j, nil)})

	err = sess.Activity(ctx, j.Activity, session.ActivityParams{
		MediaPath:   j.MediaPath,
		Description: j.Description,
	})
	if err != nil {
		l.log.Error("activity failed",
			logx.String("platform", key.Platform),
			logx.String("account", key.Account),
			logx.String("activity", string(j.Activity)),
			logx.Err(err),
		)
		l.bus.Publish(eventbus.Event{Type: eventbus.TypeJobFailed, Data: jobEvent(j, err)})
		return
	}

	l.log.Info("activity completed",
		logx.String("platform", key.Platform),
		logx.String("account", key.Account),
		logx.String("activity", string(j.Activity)),
	)
	l.bus.Publish(eventbus.Event{Type: eventbus.TypeJobCompleted, Data: jobEvent(j, nil)})
}

func (l *Loop) runControl(ctx context.Context, j schedule.Job, key session.Key) {
	switch j.Activity {
	case schedule.ActivityStop:
		sess := l.registry.Lookup(key)
		if sess == nil {
			l.log.Info("stop requested but no live session",
				logx.String("platform", key.Platform),
				logx.String("account", key.Account),
			)
			return
		}
		if err := sess.Interrupt(ctx); err != nil {
			l.log.Warn("interrupt failed",
				logx.String("platform", key.Platform),
				logx.String("account", key.Account),
				logx.Err(err),
			)
		}
	case schedule.ActivityClose:
		if err := l.registry.Close(ctx, j.Platform, j.Account); err != nil {
			l.log.Warn("session close failed",
				logx.String("platform", key.Platform),
				logx.String("account", key.Account),
				logx.Err(err),
			)
			return
		}
		l.bus.Publish(eventbus.Event{Type: eventbus.TypeSessionClosed, Data: jobEvent(j, nil)})
	}
}

func (l *Loop) failJob(j schedule.Job, reason string) {
	l.log.Error("job permanently undispatchable",
		logx.String("platform", j.Platform),
		logx.String("account", j.Account),
		logx.String("activity", string(j.Activity)),
		logx.String("reason", reason),
	)
	l.bus.Publish(eventbus.Event{Type: eventbus.TypeJobFailed, Data: eventbus.JobEvent{
		Platform: j.Platform,
		Account:  j.Account,
		Activity: string(j.Activity),
		Err:      reason,
	}})
}

// limiter returns the pacing limiter for a platform, creating it on first
// use; nil means the platform is unpaced.
func (l *Loop) limiter(platform string) *rate.Limiter {
	p := strings.ToLower(strings.TrimSpace(platform))
	l.limMu.Lock()
	defer l.limMu.Unlock()
	if lim, ok := l.limiters[p]; ok {
		return lim
	}
	perMin := l.cfg.PlatformRatePerMin[p]
	var lim *rate.Limiter
	if perMin > 0 {
		lim = rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMin)), 1)
	}
	l.limiters[p] = lim
	return lim
}

func jobEvent(j schedule.Job, err error) eventbus.JobEvent {
	e := eventbus.JobEvent{
		Platform:  j.Platform,
		Account:   j.Account,
		Activity:  string(j.Activity),
		MediaPath: j.MediaPath,
	}
	if err != nil {
		e.Err = err.Error()
	}
	return e
}
