package schedule

import (
	"sort"
	"sync"
	"time"

	logx "postpilot/pkg/logx"
)

// Store holds the in-memory job set between reloads.
//
// Discipline: single writer (Reload/MarkExecuted serialize on the write lock),
// concurrent readers. A reader always sees either the previous set or the
// fully swapped one, never a half-replaced slice.
type Store struct {
	mu   sync.RWMutex
	jobs []Job
	log  logx.Logger
}

func NewStore(log logx.Logger) *Store {
	return &Store{log: log}
}

// Reload atomically replaces the job set.
//
// Executed=true is carried forward from any prior job with a matching identity
// key, so re-saving the table does not re-trigger jobs that already ran. The
// flag only ever moves false→true within a process lifetime.
func (s *Store) Reload(newJobs []Job) {
	s.mu.Lock()
	defer s.mu.Unlock()

	executed := make(map[Key]struct{}, len(s.jobs))
	for _, j := range s.jobs {
		if j.Executed {
			executed[j.Key()] = struct{}{}
		}
	}

	jobs := make([]Job, len(newJobs))
	copy(jobs, newJobs)
	carried := 0
	for i := range jobs {
		if _, ok := executed[jobs[i].Key()]; ok {
			jobs[i].Executed = true
			carried++
		}
	}
	s.jobs = jobs

	s.log.Debug("job table reloaded",
		logx.Int("jobs", len(jobs)),
		logx.Int("executed_carried", carried),
	)
}

// DueUnexecuted returns unexecuted jobs with scheduledAt in (now-window, now],
// sorted by scheduledAt ascending.
//
// The trailing window re-arms jobs whose due time passed while the process was
// briefly unavailable without resurrecting arbitrarily old rows.
func (s *Store) DueUnexecuted(now time.Time, window time.Duration) []Job {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cutoff := now.Add(-window)
	var due []Job
	for _, j := range s.jobs {
		if j.Executed {
			continue
		}
		if j.ScheduledAt.After(now) || !j.ScheduledAt.After(cutoff) {
			continue
		}
		due = append(due, j)
	}
	sort.Slice(due, func(i, k int) bool {
		return due[i].ScheduledAt.Before(due[k].ScheduledAt)
	})
	return due
}

// MarkExecuted flips the executed flag for the job with the given key.
// Unknown keys are ignored (the row may have been edited away mid-dispatch).
func (s *Store) MarkExecuted(k Key) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.jobs {
		if s.jobs[i].Key() == k {
			s.jobs[i].Executed = true
			return
		}
	}
	s.log.Debug("mark-executed for unknown job key",
		logx.String("account", k.Account),
		logx.String("platform", k.Platform),
	)
}

// Snapshot returns a copy of the current job set.
func (s *Store) Snapshot() []Job {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Job, len(s.jobs))
	copy(out, s.jobs)
	return out
}

// Counts reports executed vs pending jobs, for status digests.
func (s *Store) Counts() (executed, pending int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, j := range s.jobs {
		if j.Executed {
			executed++
		} else {
			pending++
		}
	}
	return executed, pending
}
