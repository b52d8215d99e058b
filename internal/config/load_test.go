package config

import (
	"strings"
	"testing"
)

const sampleYAML = `
schedule:
  path: /var/lib/postpilot/schedule.csv
  watch_settle: 500ms
  watch_debounce: 2s
profiles:
  path: /var/lib/postpilot/accounts.yaml
dispatch:
  tick: 2s
  catchup_window: 2m
  rate_per_minute:
    instagram: 6
session:
  ready_timeout: 5s
  warmup: 5s
  close_grace: 10s
logging:
  level: info
  console: true
  file:
    enabled: false
    path: ""
platforms:
  instagram:
    command: ["/usr/local/bin/ig-worker"]
dedup:
  path: /var/lib/postpilot/dedup.db
  retention: 720h
`

func TestParseYAMLConfig(t *testing.T) {
	t.Parallel()
	cfg, err := Parse("config.yaml", []byte(sampleYAML))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Schedule.Path != "/var/lib/postpilot/schedule.csv" {
		t.Fatalf("schedule.path = %q", cfg.Schedule.Path)
	}
	if cfg.Dispatch.RatePerMinute["instagram"] != 6 {
		t.Fatalf("rate_per_minute = %v", cfg.Dispatch.RatePerMinute)
	}
	if cfg.Dedup == nil || cfg.Dedup.Retention != "720h" {
		t.Fatalf("dedup = %+v", cfg.Dedup)
	}
}

func TestParseRejectsBadInput(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		mutate  func(string) string
		wantErr string
	}{
		{
			name:    "unknown key",
			mutate:  func(s string) string { return s + "\nsurprise: true\n" },
			wantErr: "unknown field",
		},
		{
			name:    "bad duration",
			mutate:  func(s string) string { return strings.Replace(s, "tick: 2s", "tick: soon", 1) },
			wantErr: "invalid duration",
		},
		{
			name:    "missing schedule path",
			mutate:  func(s string) string { return strings.Replace(s, "path: /var/lib/postpilot/schedule.csv", `path: ""`, 1) },
			wantErr: "schedule.path",
		},
		{
			name: "platform without command",
			mutate: func(s string) string {
				return strings.Replace(s, `command: ["/usr/local/bin/ig-worker"]`, "command: []", 1)
			},
			wantErr: "command is required",
		},
		{
			name: "enabled notifier without token",
			mutate: func(s string) string {
				return s + "\nnotifier:\n  enabled: true\n  token: \"\"\n  chat_id: 1\n"
			},
			wantErr: "notifier.token",
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := Parse("config.yaml", []byte(tt.mutate(sampleYAML)))
			if err == nil {
				t.Fatal("expected an error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("err = %v, want substring %q", err, tt.wantErr)
			}
		})
	}
}

func TestParseDurationOrDefault(t *testing.T) {
	t.Parallel()
	d, err := ParseDurationOrDefault("x", "", 42)
	if err != nil || d != 42 {
		t.Fatalf("empty: d=%v err=%v", d, err)
	}
	d, err = ParseDurationOrDefault("x", "3s", 42)
	if err != nil || d.Seconds() != 3 {
		t.Fatalf("3s: d=%v err=%v", d, err)
	}
	if _, err = ParseDurationOrDefault("x", "-1s", 42); err == nil {
		t.Fatal("negative duration accepted")
	}
}
