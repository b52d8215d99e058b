package schedule

import (
	"context"
	"math/rand"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	logx "postpilot/pkg/logx"
)

// WatcherConfig tunes the reload coalescing.
//
// Settle is how long to wait after the last change signal before reloading,
// letting the writing editor finish. Debounce suppresses further signals for a
// while after a reload has been triggered, so one save burst means one reload.
type WatcherConfig struct {
	Settle   time.Duration
	Debounce time.Duration
}

func (c WatcherConfig) withDefaults() WatcherConfig {
	if c.Settle <= 0 {
		c.Settle = 500 * time.Millisecond
	}
	if c.Debounce <= 0 {
		c.Debounce = 2 * time.Second
	}
	return c
}

// Watcher observes the schedule table file and invokes onReload after edits.
//
// Watch failures are non-fatal: the engine keeps running on the last loaded
// table and the watcher keeps retrying with a jittered backoff. This mirrors
// how editors on some platforms break inotify state by replace-on-save.
type Watcher struct {
	path     string
	cfg      WatcherConfig
	onReload func()
	log      logx.Logger

	mu        sync.Mutex
	timer     *time.Timer
	lastFired time.Time
}

func NewWatcher(path string, cfg WatcherConfig, onReload func(), log logx.Logger) *Watcher {
	return &Watcher{
		path:     path,
		cfg:      cfg.withDefaults(),
		onReload: onReload,
		log:      log,
	}
}

// signal records one raw file-change event and schedules (or ignores) a reload.
func (w *Watcher) signal() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if time.Since(w.lastFired) < w.cfg.Debounce {
		return
	}
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.cfg.Settle, w.fire)
}

func (w *Watcher) fire() {
	w.mu.Lock()
	w.lastFired = time.Now()
	w.mu.Unlock()

	w.log.Debug("schedule table changed; reloading", logx.String("path", w.path))
	w.onReload()
}

// Run blocks until ctx is done. The watcher is recreated with backoff whenever
// it cannot be established or stops delivering events.
func (w *Watcher) Run(ctx context.Context) error {
	dir := filepath.Dir(w.path)
	file := filepath.Base(w.path)

	const (
		backoffBase = 250 * time.Millisecond
		backoffMax  = 5 * time.Second
	)
	backoff := backoffBase
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))

	wait := func() bool {
		d := backoff + time.Duration(rng.Int63n(int64(backoff/2)+1))
		if backoff < backoffMax {
			backoff *= 2
			if backoff > backoffMax {
				backoff = backoffMax
			}
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(d):
			return true
		}
	}

	for {
		if ctx.Err() != nil {
			return nil
		}

		fw, err := fsnotify.NewWatcher()
		if err != nil {
			w.log.Warn("table watch init failed", logx.Err(err), logx.String("dir", dir))
			if !wait() {
				return nil
			}
			continue
		}
		if err := fw.Add(dir); err != nil {
			_ = fw.Close()
			w.log.Warn("table watch add failed", logx.Err(err), logx.String("dir", dir))
			if !wait() {
				return nil
			}
			continue
		}

		backoff = backoffBase
		w.log.Debug("table watcher started", logx.String("dir", dir), logx.String("file", file))

		broken := false
		for !broken {
			select {
			case <-ctx.Done():
				_ = fw.Close()
				w.stopTimer()
				return nil
			case ev, ok := <-fw.Events:
				if !ok {
					broken = true
					break
				}
				if !strings.EqualFold(filepath.Base(ev.Name), file) {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove|fsnotify.Chmod) != 0 {
					w.signal()
				}
			case err, ok := <-fw.Errors:
				if !ok {
					broken = true
					break
				}
				if err == nil {
					continue
				}
				// Overflow means missed events; force one reload and carry on.
				if strings.Contains(strings.ToLower(err.Error()), "overflow") {
					w.log.Warn("table watch overflow; forcing reload", logx.Err(err))
					w.signal()
					continue
				}
				w.log.Warn("table watch error", logx.Err(err), logx.String("dir", dir))
				if strings.Contains(strings.ToLower(err.Error()), "closed") {
					broken = true
				}
			}
		}

		_ = fw.Close()
		if ctx.Err() != nil {
			w.stopTimer()
			return nil
		}
		w.log.Warn("table watcher stopped; restarting", logx.String("dir", dir))
		if !wait() {
			w.stopTimer()
			return nil
		}
	}
}

func (w *Watcher) stopTimer() {
	w.mu.Lock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.mu.Unlock()
}
