// Package config loads the engine configuration file (JSON or YAML) with a
// strict decoder, so a typoed key fails loudly at startup instead of silently
// falling back to a default.
package config

type Config struct {
	Schedule ScheduleConfig `json:"schedule"`
	Profiles ProfilesConfig `json:"profiles"`
	Dispatch DispatchConfig `json:"dispatch"`
	Session  SessionConfig  `json:"session"`
	Logging  LoggingConfig  `json:"logging"`

	// Platforms maps a platform name (lowercase) to its worker command.
	Platforms map[string]PlatformConfig `json:"platforms"`

	Notifier    *NotifierConfig    `json:"notifier,omitempty"`
	Dedup       *DedupConfig       `json:"dedup,omitempty"`
	Maintenance *MaintenanceConfig `json:"maintenance,omitempty"`
}

// ScheduleConfig points at the job table and tunes its change watcher.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "2m").
type ScheduleConfig struct {
	Path string `json:"path"`

	// WatchSettle is the quiet period after a file event before reloading,
	// letting the editor finish writing. WatchDebounce suppresses further
	// reloads for a while after one fires.
	WatchSettle   string `json:"watch_settle,omitempty"`
	WatchDebounce string `json:"watch_debounce,omitempty"`
}

// ProfilesConfig points at the account profile store.
type ProfilesConfig struct {
	Path string `json:"path"`
}

// DispatchConfig tunes the dispatch loop.
//
// RatePerMinute caps dispatches per platform (key: platform name, lowercase);
// 0 or absent means unpaced.
type DispatchConfig struct {
	Tick          string         `json:"tick,omitempty"`
	CatchupWindow string         `json:"catchup_window,omitempty"`
	RetryBackoff  string         `json:"retry_backoff,omitempty"`
	RatePerMinute map[string]int `json:"rate_per_minute,omitempty"`
}

// PlatformConfig tells the session launcher how to start a worker for one
// platform. Command is the argv; the worker gets the target account through
// POSTPILOT_* environment variables and speaks the line-oriented stdio
// protocol.
type PlatformConfig struct {
	Command []string `json:"command"`
	WorkDir string   `json:"workdir,omitempty"`
}

// SessionConfig tunes worker session startup and shutdown.
type SessionConfig struct {
	ReadyTimeout string `json:"ready_timeout,omitempty"`
	Warmup       string `json:"warmup,omitempty"`
	CloseGrace   string `json:"close_grace,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// NotifierConfig controls the optional Telegram operator channel. Omitting
// the section, or an empty token, disables it.
type NotifierConfig struct {
	Enabled    bool   `json:"enabled"`
	Token      string `json:"token"`
	ChatID     int64  `json:"chat_id"`
	QueueSize  int    `json:"queue_size,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}

// DedupConfig controls the shared per-group dedup store (sqlite).
type DedupConfig struct {
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string
	Retention   string `json:"retention,omitempty"`    // Go duration string
}

// MaintenanceConfig controls the cron-driven housekeeping jobs.
//
// DigestSpec and PruneSpec are standard cron expressions.
type MaintenanceConfig struct {
	Enabled    bool   `json:"enabled"`
	DigestSpec string `json:"digest_spec,omitempty"`
	PruneSpec  string `json:"prune_spec,omitempty"`
}
