// Package session tracks live worker sessions: the expensive, stateful
// browser-automation contexts bound to one (platform, account) pair.
//
// The engine never looks inside a session. It only starts one, hands it
// activities, brings it to the foreground, and closes it. The actual in-page
// automation lives behind the Launcher/Session interfaces.
package session

import (
	"context"
	"errors"
	"strings"

	"postpilot/internal/profile"
	"postpilot/internal/schedule"
)

var (
	// ErrUnknownAccount is returned when no profile exists for the requested
	// account. Sessions are never fabricated for unknown accounts.
	ErrUnknownAccount = errors.New("no profile for account")

	// ErrUnsupportedPlatform is returned when the launcher cannot drive the
	// requested platform.
	ErrUnsupportedPlatform = errors.New("unsupported platform")
)

// Key identifies a session. At most one live session exists per key.
type Key struct {
	Platform string
	Account  string
}

// KeyFor folds platform and account to lower case so the same pair always
// maps to the same session.
func KeyFor(platform, account string) Key {
	return Key{
		Platform: strings.ToLower(strings.TrimSpace(platform)),
		Account:  strings.ToLower(strings.TrimSpace(account)),
	}
}

// ActivityParams carries the per-job inputs of an activity.
type ActivityParams struct {
	MediaPath   string
	Description string
}

// Session is a live worker session.
//
// Ready is closed once, after startup, when the session can accept
// activities. Terminated is closed when the session dies for any reason
// (explicit close or external termination, e.g. the operator closing the
// browser window).
type Session interface {
	Activity(ctx context.Context, activity schedule.Activity, p ActivityParams) error
	BringToForeground(ctx context.Context) error
	Interrupt(ctx context.Context) error
	Close(ctx context.Context) error
	Ready() <-chan struct{}
	Terminated() <-chan struct{}
}

// Launcher creates sessions. Implemented by the browser-automation layer.
type Launcher interface {
	Start(ctx context.Context, platform string, p profile.Profile) (Session, error)
	Supports(platform string) bool
}
