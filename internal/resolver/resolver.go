// Package resolver answers the pull-side query "what should this account do
// right now": a worker session asks for its best concrete job for the day,
// independent of the push-style dispatch loop.
package resolver

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"postpilot/internal/profile"
	"postpilot/internal/schedule"
	logx "postpilot/pkg/logx"
)

// Match is the resolved outcome for one (account, platform, activity, day)
// query. GroupResolved marks that the row named the account's group rather
// than the account itself; Target carries whichever identifier the row used.
type Match struct {
	MediaPath     string
	Description   string
	Activity      schedule.Activity
	GroupResolved bool
	Target        string
	ScheduledAt   time.Time
}

// Resolver reads the job table fresh on every query. It shares no in-memory
// state with the dispatch loop and never marks anything executed, so repeated
// calls with the same inputs are safe.
type Resolver struct {
	tablePath string
	profiles  *profile.Store
	log       logx.Logger
}

func New(tablePath string, profiles *profile.Store, log logx.Logger) *Resolver {
	return &Resolver{tablePath: tablePath, profiles: profiles, log: log}
}

// rankSlot matches a "<word> <integer>" placeholder inside a media path, the
// segment that gets rewritten per group member ("account 1" and the like).
var rankSlot = regexp.MustCompile(`(\pL[\pL\pN_-]*) (\d+)`)

// Resolve returns the best job for the given account on now's calendar day,
// or ok=false when no row qualifies.
//
// Rows qualify on day + platform + activity equality (case-insensitive), then
// either name the account directly or name a group it belongs to. Direct rows
// need their media file on disk; group rows get the path's rank placeholder
// rewritten to the account's 1-based rank within the alphabetically sorted
// group, falling back to the unmodified path when the rewritten file is
// absent. Among qualifying rows the latest past-due wins, else the earliest
// upcoming one.
func (r *Resolver) Resolve(now time.Time, account, platform string, activity schedule.Activity) (Match, bool, error) {
	jobs, lineErrs, err := schedule.LoadFile(r.tablePath)
	if err != nil {
		return Match{}, false, fmt.Errorf("resolve: %w", err)
	}
	for _, le := range lineErrs {
		r.log.Debug("skipping malformed row during resolve",
			logx.Int("line", le.Line),
			logx.String("reason", le.Msg),
		)
	}

	var candidates []Match
	for _, j := range jobs {
		if !sameDay(j.ScheduledAt, now) {
			continue
		}
		if !strings.EqualFold(strings.TrimSpace(j.Platform), strings.TrimSpace(platform)) {
			continue
		}
		if j.Activity != activity {
			continue
		}

		if m, ok := r.matchRow(j, account); ok {
			candidates = append(candidates, m)
		}
	}

	best, ok := pick(candidates, now)
	return best, ok, nil
}

func (r *Resolver) matchRow(j schedule.Job, account string) (Match, bool) {
	rowTarget := strings.TrimSpace(j.Account)

	if strings.EqualFold(rowTarget, strings.TrimSpace(account)) {
		if j.MediaPath == "" || !fileExists(j.MediaPath) {
			return Match{}, false
		}
		return Match{
			MediaPath:   j.MediaPath,
			Description: j.Description,
			Activity:    j.Activity,
			Target:      rowTarget,
			ScheduledAt: j.ScheduledAt,
		}, true
	}

	group, ok := r.profiles.GroupOf(account)
	if !ok || !strings.EqualFold(rowTarget, group) {
		return Match{}, false
	}
	rank, ok := r.profiles.Rank(account)
	if !ok {
		return Match{}, false
	}

	path, ok := templatePath(j.MediaPath, rank)
	if !ok {
		return Match{}, false
	}
	return Match{
		MediaPath:     path,
		Description:   j.Description,
		Activity:      j.Activity,
		GroupResolved: true,
		Target:        rowTarget,
		ScheduledAt:   j.ScheduledAt,
	}, true
}

// templatePath rewrites the first "<word> <integer>" slot in base to the
// member's rank and returns whichever of the rewritten or original paths
// exists, preferring the rewritten one.
func templatePath(base string, rank int) (string, bool) {
	if base == "" {
		return "", false
	}
	if loc := rankSlot.FindStringSubmatchIndex(base); loc != nil {
		ranked := base[:loc[4]] + strconv.Itoa(rank) + base[loc[5]:]
		if fileExists(ranked) {
			return ranked, true
		}
	}
	if fileExists(base) {
		return base, true
	}
	return "", false
}

// pick applies the tie-break: latest past-due candidate first, else the
// earliest future one.
func pick(candidates []Match, now time.Time) (Match, bool) {
	var (
		bestPast, bestFuture Match
		havePast, haveFuture bool
	)
	for _, c := range candidates {
		if !c.ScheduledAt.After(now) {
			if !havePast || c.ScheduledAt.After(bestPast.ScheduledAt) {
				bestPast, havePast = c, true
			}
		} else {
			if !haveFuture || c.ScheduledAt.Before(bestFuture.ScheduledAt) {
				bestFuture, haveFuture = c, true
			}
		}
	}
	if havePast {
		return bestPast, true
	}
	if haveFuture {
		return bestFuture, true
	}
	return Match{}, false
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
