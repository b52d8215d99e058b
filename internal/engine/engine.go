// Package engine assembles the components into one runnable unit: job store,
// change watcher, session registry, dispatch loop, notifier and maintenance,
// with an ordered shutdown.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"postpilot/internal/config"
	"postpilot/internal/dispatch"
	"postpilot/internal/eventbus"
	"postpilot/internal/groups"
	"postpilot/internal/maintenance"
	"postpilot/internal/notifier"
	"postpilot/internal/profile"
	"postpilot/internal/schedule"
	"postpilot/internal/session"
	logx "postpilot/pkg/logx"
)

type Engine struct {
	cfg *config.Config
	log logx.Logger

	logsvc   *logx.Service
	store    *schedule.Store
	watcher  *schedule.Watcher
	registry *session.Registry
	flags    *dispatch.Flags
	loop     *dispatch.Loop
	bus      eventbus.Bus
	notify   *notifier.Service
	dedup    *groups.DedupStore
	maint    *maintenance.Service

	closeGrace time.Duration
	sup        *Supervisor
}

// New loads the config and wires every component. Nothing runs until Start.
func New(cfgPath string) (*Engine, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}

	logsvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})

	e := &Engine{cfg: cfg, log: log, logsvc: logsvc}
	if err := e.wire(); err != nil {
		_ = logsvc.Close()
		return nil, err
	}
	return e, nil
}

func (e *Engine) wire() error {
	cfg := e.cfg

	profiles, err := profile.Load(cfg.Profiles.Path)
	if err != nil {
		return fmt.Errorf("load profiles: %w", err)
	}
	e.log.Info("profiles loaded",
		logx.String("path", cfg.Profiles.Path),
		logx.Int("accounts", profiles.Len()),
	)

	e.bus = eventbus.New()
	e.store = schedule.NewStore(e.log.With(logx.String("component", "store")))
	e.flags = dispatch.NewFlags()

	created, err := schedule.EnsureTable(cfg.Schedule.Path)
	if err != nil {
		return fmt.Errorf("ensure table: %w", err)
	}
	if created {
		e.log.Warn("job table was missing; wrote a template",
			logx.String("path", cfg.Schedule.Path),
		)
	}
	e.reloadTable()

	settle, err := config.ParseDurationOrDefault("schedule.watch_settle", cfg.Schedule.WatchSettle, 500*time.Millisecond)
	if err != nil {
		return err
	}
	debounce, err := config.ParseDurationOrDefault("schedule.watch_debounce", cfg.Schedule.WatchDebounce, 2*time.Second)
	if err != nil {
		return err
	}
	e.watcher = schedule.NewWatcher(cfg.Schedule.Path,
		schedule.WatcherConfig{Settle: settle, Debounce: debounce},
		func() {
			e.reloadTable()
			e.bus.Publish(eventbus.Event{Type: eventbus.TypeTableReloaded})
		},
		e.log.With(logx.String("component", "watcher")),
	)

	readyTimeout, err := config.ParseDurationOrDefault("session.ready_timeout", cfg.Session.ReadyTimeout, 5*time.Second)
	if err != nil {
		return err
	}
	warmup, err := config.ParseDurationOrDefault("session.warmup", cfg.Session.Warmup, 5*time.Second)
	if err != nil {
		return err
	}
	e.closeGrace, err = config.ParseDurationOrDefault("session.close_grace", cfg.Session.CloseGrace, 10*time.Second)
	if err != nil {
		return err
	}

	platforms := make(map[string]session.PlatformCommand, len(cfg.Platforms))
	for name, pc := range cfg.Platforms {
		platforms[name] = session.PlatformCommand{Argv: pc.Command, WorkDir: pc.WorkDir}
	}
	launcher := session.NewExecLauncher(platforms, e.log.With(logx.String("component", "launcher")))

	e.registry = session.NewRegistry(launcher, profiles,
		session.Config{ReadyTimeout: readyTimeout, Warmup: warmup},
		e.log.With(logx.String("component", "registry")),
	)
	// A session dying for any reason must free its key for future dispatches.
	e.registry.SetOnGone(func(k session.Key) { e.flags.Release(k) })

	tick, err := config.ParseDurationOrDefault("dispatch.tick", cfg.Dispatch.Tick, 2*time.Second)
	if err != nil {
		return err
	}
	window, err := config.ParseDurationOrDefault("dispatch.catchup_window", cfg.Dispatch.CatchupWindow, 2*time.Minute)
	if err != nil {
		return err
	}
	backoff, err := config.ParseDurationOrDefault("dispatch.retry_backoff", cfg.Dispatch.RetryBackoff, 5*time.Second)
	if err != nil {
		return err
	}
	e.loop = dispatch.NewLoop(e.store, e.registry, profiles, e.flags, e.bus,
		dispatch.Config{
			Tick:               tick,
			Window:             window,
			RetryBackoff:       backoff,
			PlatformRatePerMin: cfg.Dispatch.RatePerMinute,
		},
		e.log.With(logx.String("component", "dispatch")),
	)

	if cfg.Notifier != nil {
		e.notify, err = notifier.New(notifier.Config{
			Enabled:    cfg.Notifier.Enabled,
			Token:      cfg.Notifier.Token,
			ChatID:     cfg.Notifier.ChatID,
			QueueSize:  cfg.Notifier.QueueSize,
			RatePerSec: cfg.Notifier.RatePerSec,
		}, e.bus, e.log.With(logx.String("component", "notifier")))
		if err != nil {
			return err
		}
	}

	if cfg.Dedup != nil {
		busy, err := config.ParseDurationOrDefault("dedup.busy_timeout", cfg.Dedup.BusyTimeout, 5*time.Second)
		if err != nil {
			return err
		}
		e.dedup, err = groups.OpenDedup(groups.DedupConfig{
			Path:        cfg.Dedup.Path,
			BusyTimeout: busy,
		}, e.log.With(logx.String("component", "dedup")))
		if err != nil {
			return fmt.Errorf("open dedup store: %w", err)
		}
	}

	if cfg.Maintenance != nil && cfg.Maintenance.Enabled {
		retention := 30 * 24 * time.Hour
		if cfg.Dedup != nil {
			retention, err = config.ParseDurationOrDefault("dedup.retention", cfg.Dedup.Retention, retention)
			if err != nil {
				return err
			}
		}
		var notifyFn func(string)
		if e.notify != nil {
			notifyFn = e.notify.Notify
		}
		e.maint = maintenance.New(maintenance.Config{
			Enabled:    true,
			DigestSpec: cfg.Maintenance.DigestSpec,
			PruneSpec:  cfg.Maintenance.PruneSpec,
			Retention:  retention,
		}, e.store, e.registry, e.dedup, notifyFn, e.log.With(logx.String("component", "maintenance")))
	}

	return nil
}

// reloadTable reads the job table from disk into the store. A header-level
// error keeps the previous in-memory table authoritative.
func (e *Engine) reloadTable() {
	jobs, lineErrs, err := schedule.LoadFile(e.cfg.Schedule.Path)
	if err != nil {
		var headerErr *schedule.HeaderError
		if errors.As(err, &headerErr) {
			e.log.Error("job table header invalid; keeping previous table",
				logx.String("path", e.cfg.Schedule.Path),
				logx.Err(err),
			)
			return
		}
		e.log.Error("job table unreadable; keeping previous table",
			logx.String("path", e.cfg.Schedule.Path),
			logx.Err(err),
		)
		return
	}
	for _, le := range lineErrs {
		e.log.Warn("job table row skipped",
			logx.Int("line", le.Line),
			logx.String("reason", le.Msg),
		)
	}
	e.store.Reload(jobs)
	e.log.Info("job table loaded",
		logx.Int("jobs", len(jobs)),
		logx.Int("skipped", len(lineErrs)),
	)
}

// Start launches the background goroutines. It returns immediately; use Wait
// to block until the engine stops or fails.
func (e *Engine) Start(ctx context.Context) error {
	e.sup = NewSupervisor(ctx,
		WithLogger(e.log.With(logx.String("component", "supervisor"))),
		WithCancelOnError(true),
	)

	e.sup.Go("session.registry", e.registry.Run)
	e.sup.Go("dispatch.loop", e.loop.Run)
	e.sup.Go("schedule.watcher", e.watcher.Run)
	if e.notify != nil {
		e.sup.Go("notifier", e.notify.Run)
	}
	if e.maint != nil {
		if err := e.maint.Start(); err != nil {
			return err
		}
	}

	e.log.Info("engine started")
	return nil
}

// Wait blocks until every supervised goroutine has exited.
func (e *Engine) Wait(ctx context.Context) error {
	return e.sup.Wait(ctx)
}

// Stop shuts the engine down: dispatch and watcher first, then maintenance,
// then every live session with a bounded grace, then the dedup store.
func (e *Engine) Stop(ctx context.Context) error {
	var firstErr error
	if e.sup != nil {
		if err := e.sup.Stop(ctx); err != nil && !errors.Is(err, context.Canceled) {
			firstErr = err
		}
	}
	if e.maint != nil {
		e.maint.Stop()
	}
	e.registry.CloseAll(e.closeGrace)
	if e.dedup != nil {
		if err := e.dedup.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	e.log.Info("engine stopped")
	_ = e.logsvc.Close()
	return firstErr
}

// Dedup exposes the shared dedup store for group-coordinated callers; nil
// when not configured.
func (e *Engine) Dedup() *groups.DedupStore { return e.dedup }
