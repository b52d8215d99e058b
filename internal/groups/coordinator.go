// Package groups provides the cross-account coordination primitives for
// accounts that cooperate in a named group: a per-group mutex and the shared
// seen-content store those mutexes protect.
package groups

import (
	"strings"
	"sync"
)

// Coordinator hands out one mutex per distinct group name (or per account
// name for accounts without a group). Locks are created lazily on first
// request and live for the process lifetime.
//
// Callers hold the lock around the whole read-check-append cycle against the
// shared dedup store, so two group members can never act on the same content
// item concurrently.
type Coordinator struct {
	locks sync.Map // lower(name) -> *sync.Mutex
}

func NewCoordinator() *Coordinator {
	return &Coordinator{}
}

// LockFor returns the mutex for the given group-or-account name. Every caller
// passing the same name (any casing) gets the same mutex.
func (c *Coordinator) LockFor(name string) *sync.Mutex {
	key := strings.ToLower(strings.TrimSpace(name))
	if v, ok := c.locks.Load(key); ok {
		return v.(*sync.Mutex)
	}
	v, _ := c.locks.LoadOrStore(key, &sync.Mutex{})
	return v.(*sync.Mutex)
}
