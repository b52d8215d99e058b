// Package schedule owns the declarative job table: parsing it, holding it in
// memory, and watching it for edits.
//
// The table is a human-edited delimited text file (comma or semicolon); a Job
// is one row of it. Execution state lives only in memory and survives reloads
// by identity-key matching, not on disk.
package schedule

import (
	"strings"
	"time"
)

// Activity is the action a job asks a worker session to perform.
type Activity string

const (
	ActivityPublish  Activity = "publish"
	ActivityScroll   Activity = "scroll"
	ActivityTarget   Activity = "target"
	ActivityDM       Activity = "dm"
	ActivityDownload Activity = "download"
	ActivityStop     Activity = "stop"
	ActivityClose    Activity = "close"
)

// ParseActivity maps a table cell to an Activity, case-insensitively.
func ParseActivity(s string) (Activity, bool) {
	switch Activity(strings.ToLower(strings.TrimSpace(s))) {
	case ActivityPublish:
		return ActivityPublish, true
	case ActivityScroll:
		return ActivityScroll, true
	case ActivityTarget:
		return ActivityTarget, true
	case ActivityDM:
		return ActivityDM, true
	case ActivityDownload:
		return ActivityDownload, true
	case ActivityStop:
		return ActivityStop, true
	case ActivityClose:
		return ActivityClose, true
	}
	return "", false
}

// Control reports whether the activity is control-plane (stop/close).
// Control activities must always be deliverable: the dispatch loop lets them
// bypass the per-key busy flag and they never set it themselves.
func (a Activity) Control() bool {
	return a == ActivityStop || a == ActivityClose
}

// Job is one row of the schedule table.
//
// Account holds either an account name or a group name; which one it is gets
// decided at resolution time against the profile store.
type Job struct {
	ScheduledAt time.Time
	Platform    string
	Account     string
	Activity    Activity
	MediaPath   string
	Description string
	Executed    bool
}

// Key identifies a job across reloads. Two rows with equal keys are the same
// job, and the executed flag is carried forward between them.
//
// Time is compared at minute precision (the table's own precision); the string
// parts are folded to lower case so cosmetic edits don't reset execution state.
type Key struct {
	Unix     int64
	Platform string
	Account  string
	Activity Activity
}

func (j Job) Key() Key {
	return Key{
		Unix:     j.ScheduledAt.Truncate(time.Minute).Unix(),
		Platform: strings.ToLower(strings.TrimSpace(j.Platform)),
		Account:  strings.ToLower(strings.TrimSpace(j.Account)),
		Activity: j.Activity,
	}
}
