package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
)

// Load reads, strictly decodes, and validates the config file at path.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg, err := Parse(path, b)
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes config bytes. The path is only used to pick the format by
// extension.
func Parse(path string, b []byte) (*Config, error) {
	jb, err := coerceToJSONBytes(path, b)
	if err != nil {
		return nil, err
	}

	var cfg Config
	dec := json.NewDecoder(bytes.NewReader(jb))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return nil, err
	}
	// reject trailing tokens (e.g. concatenated JSON)
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		if err == nil {
			return nil, errors.New("trailing data after config document")
		}
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks cross-field requirements and all duration strings.
func (c *Config) Validate() error {
	if c.Schedule.Path == "" {
		return errors.New("schedule.path is required")
	}
	if c.Profiles.Path == "" {
		return errors.New("profiles.path is required")
	}

	durations := []struct{ path, raw string }{
		{"schedule.watch_settle", c.Schedule.WatchSettle},
		{"schedule.watch_debounce", c.Schedule.WatchDebounce},
		{"dispatch.tick", c.Dispatch.Tick},
		{"dispatch.catchup_window", c.Dispatch.CatchupWindow},
		{"dispatch.retry_backoff", c.Dispatch.RetryBackoff},
		{"session.ready_timeout", c.Session.ReadyTimeout},
		{"session.warmup", c.Session.Warmup},
		{"session.close_grace", c.Session.CloseGrace},
	}
	if c.Dedup != nil {
		durations = append(durations,
			struct{ path, raw string }{"dedup.busy_timeout", c.Dedup.BusyTimeout},
			struct{ path, raw string }{"dedup.retention", c.Dedup.Retention},
		)
	}
	for _, d := range durations {
		if _, err := ParseDurationField(d.path, d.raw); err != nil {
			return err
		}
	}

	for platform, n := range c.Dispatch.RatePerMinute {
		if n < 0 {
			return fmt.Errorf("dispatch.rate_per_minute[%s]: must be >= 0", platform)
		}
	}

	for platform, pc := range c.Platforms {
		if len(pc.Command) == 0 {
			return fmt.Errorf("platforms[%s]: command is required", platform)
		}
	}

	if c.Notifier != nil && c.Notifier.Enabled && c.Notifier.Token == "" {
		return errors.New("notifier.token is required when notifier.enabled")
	}
	if c.Dedup != nil && c.Dedup.Path == "" {
		return errors.New("dedup.path is required when the dedup section is present")
	}
	return nil
}
