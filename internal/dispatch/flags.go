// Package dispatch runs the periodic loop that turns due jobs into activity
// executions on worker sessions.
package dispatch

import (
	"sync"

	"postpilot/internal/session"
)

// Flags tracks which (platform, account) keys currently have an activity
// running. It is mutated from the loop goroutine and from every dispatched
// activity's completion, so access is serialized behind a mutex — per-key
// mutual exclusion is only as good as the map holding it.
type Flags struct {
	mu   sync.Mutex
	busy map[session.Key]bool
}

func NewFlags() *Flags {
	return &Flags{busy: make(map[session.Key]bool)}
}

// TryAcquire marks the key busy, failing when it already is.
func (f *Flags) TryAcquire(k session.Key) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.busy[k] {
		return false
	}
	f.busy[k] = true
	return true
}

// Release clears the key's busy flag. Safe to call for idle keys.
func (f *Flags) Release(k session.Key) {
	f.mu.Lock()
	delete(f.busy, k)
	f.mu.Unlock()
}

// Busy reports whether the key currently has a running activity.
func (f *Flags) Busy(k session.Key) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.busy[k]
}
