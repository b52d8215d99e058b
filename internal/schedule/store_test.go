package schedule

import (
	"sync"
	"testing"
	"time"

	logx "postpilot/pkg/logx"
)

func job(at time.Time, platform, account string, activity Activity) Job {
	return Job{ScheduledAt: at, Platform: platform, Account: account, Activity: activity}
}

func TestReloadPreservesExecuted(t *testing.T) {
	t.Parallel()
	s := NewStore(logx.Nop())
	at := time.Date(2026, 3, 1, 8, 0, 0, 0, time.Local)

	a := job(at, "instagram", "alice", ActivityPublish)
	b := job(at.Add(time.Hour), "instagram", "bob", ActivityScroll)
	s.Reload([]Job{a, b})
	s.MarkExecuted(a.Key())

	// Reload the same rows (as a fresh parse would produce them).
	s.Reload([]Job{a, b})

	snap := s.Snapshot()
	if !snap[0].Executed {
		t.Fatal("executed flag not carried forward for identical row")
	}
	if snap[1].Executed {
		t.Fatal("executed flag leaked onto a different row")
	}
}

func TestReloadDropsStateForChangedRows(t *testing.T) {
	t.Parallel()
	s := NewStore(logx.Nop())
	at := time.Date(2026, 3, 1, 8, 0, 0, 0, time.Local)

	a := job(at, "instagram", "alice", ActivityPublish)
	s.Reload([]Job{a})
	s.MarkExecuted(a.Key())

	// Same row moved by one minute: a different job, eligible again.
	moved := job(at.Add(time.Minute), "instagram", "alice", ActivityPublish)
	s.Reload([]Job{moved})
	if s.Snapshot()[0].Executed {
		t.Fatal("moved row must not inherit executed state")
	}
}

func TestDueUnexecutedWindow(t *testing.T) {
	t.Parallel()
	s := NewStore(logx.Nop())
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.Local)
	window := 2 * time.Minute

	tests := []struct {
		name string
		at   time.Time
		due  bool
	}{
		{name: "due now", at: now, due: true},
		{name: "one minute ago", at: now.Add(-time.Minute), due: true},
		{name: "exactly window old", at: now.Add(-window), due: false},
		{name: "ancient", at: now.Add(-time.Hour), due: false},
		{name: "future", at: now.Add(time.Minute), due: false},
	}

	var jobs []Job
	for _, tt := range tests {
		jobs = append(jobs, job(tt.at, "instagram", tt.name, ActivityPublish))
	}
	s.Reload(jobs)

	due := s.DueUnexecuted(now, window)
	got := make(map[string]bool, len(due))
	for _, j := range due {
		got[j.Account] = true
	}
	for _, tt := range tests {
		if got[tt.name] != tt.due {
			t.Errorf("%s: due = %v, want %v", tt.name, got[tt.name], tt.due)
		}
	}
}

func TestDueUnexecutedSortedAscending(t *testing.T) {
	t.Parallel()
	s := NewStore(logx.Nop())
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.Local)

	s.Reload([]Job{
		job(now, "x", "late", ActivityPublish),
		job(now.Add(-90*time.Second), "x", "early", ActivityPublish),
		job(now.Add(-30*time.Second), "x", "mid", ActivityPublish),
	})

	due := s.DueUnexecuted(now, 2*time.Minute)
	if len(due) != 3 {
		t.Fatalf("got %d due jobs, want 3", len(due))
	}
	if due[0].Account != "early" || due[1].Account != "mid" || due[2].Account != "late" {
		t.Fatalf("wrong order: %s %s %s", due[0].Account, due[1].Account, due[2].Account)
	}
}

func TestMarkExecutedExcludesFromDue(t *testing.T) {
	t.Parallel()
	s := NewStore(logx.Nop())
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.Local)
	j := job(now, "instagram", "alice", ActivityPublish)
	s.Reload([]Job{j})

	s.MarkExecuted(j.Key())
	if due := s.DueUnexecuted(now, 2*time.Minute); len(due) != 0 {
		t.Fatalf("executed job still due: %v", due)
	}
}

func TestConcurrentReadersAndReload(t *testing.T) {
	t.Parallel()
	s := NewStore(logx.Nop())
	now := time.Now()
	base := []Job{
		job(now, "instagram", "alice", ActivityPublish),
		job(now, "instagram", "bob", ActivityScroll),
	}
	s.Reload(base)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for n := 0; n < 200; n++ {
				// Readers must always see 0 or 2 jobs, never a partial set.
				if got := len(s.Snapshot()); got != 2 {
					t.Errorf("snapshot saw %d jobs", got)
					return
				}
				_ = s.DueUnexecuted(now, 2*time.Minute)
			}
		}()
	}
	for n := 0; n < 200; n++ {
		s.Reload(base)
	}
	wg.Wait()
}
