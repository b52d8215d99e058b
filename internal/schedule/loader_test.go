package schedule

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestDetectSeparator(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		header string
		want   byte
	}{
		{name: "semicolons", header: "Date;Platform;Account;Activity;Media Path", want: ';'},
		{name: "commas", header: "Date,Platform,Account,Activity,Media", want: ','},
		{name: "tie prefers comma", header: "Date,Platform;Account", want: ','},
		{name: "quoted separators ignored", header: `Date;"a,b,c,d";Account`, want: ';'},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			if got := detectSeparator(tt.header); got != tt.want {
				t.Fatalf("detectSeparator(%q) = %q, want %q", tt.header, got, tt.want)
			}
		})
	}
}

func TestSplitFieldsQuoting(t *testing.T) {
	t.Parallel()
	got := splitFields(`a;"b;c";"say ""hi""";d`, ';')
	want := []string{"a", "b;c", `say "hi"`, "d"}
	if len(got) != len(want) {
		t.Fatalf("got %d fields %v, want %d", len(got), got, len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("field %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestLoadSemicolonTableWithCommaInDescription(t *testing.T) {
	t.Parallel()
	data := strings.Join([]string{
		"Date;Platform;Account;Activity;Media Path;Description",
		"2026-03-01 08:30;instagram;alice;publish;/media/a.mp4;morning clip, the good one",
	}, "\n")

	jobs, rowErrs, err := Load([]byte(data))
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if len(rowErrs) != 0 {
		t.Fatalf("unexpected row errors: %v", rowErrs)
	}
	if len(jobs) != 1 {
		t.Fatalf("got %d jobs, want 1", len(jobs))
	}
	j := jobs[0]
	if j.Description != "morning clip, the good one" {
		t.Fatalf("Description = %q", j.Description)
	}
	want := time.Date(2026, 3, 1, 8, 30, 0, 0, time.Local)
	if !j.ScheduledAt.Equal(want) {
		t.Fatalf("ScheduledAt = %v, want %v", j.ScheduledAt, want)
	}
}

func TestLoadHeaderAliases(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		header string
	}{
		{name: "english", header: "Date,Platform,Account,Activity,MediaPath"},
		{name: "french", header: "Date,Plateform,Compte,Activité,Path"},
		{name: "account-group", header: "date,platform,Account-Group,ACTIVITY,Media"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			data := tt.header + "\n2026-01-15,tiktok,bob,scroll,\n"
			jobs, rowErrs, err := Load([]byte(data))
			if err != nil {
				t.Fatalf("Load error: %v", err)
			}
			if len(rowErrs) != 0 {
				t.Fatalf("row errors: %v", rowErrs)
			}
			if len(jobs) != 1 || jobs[0].Account != "bob" {
				t.Fatalf("unexpected jobs: %+v", jobs)
			}
			// date-only rows land at local midnight
			if jobs[0].ScheduledAt.Hour() != 0 || jobs[0].ScheduledAt.Minute() != 0 {
				t.Fatalf("ScheduledAt = %v, want midnight", jobs[0].ScheduledAt)
			}
		})
	}
}

func TestLoadMalformedRowsAreSkippedNotFatal(t *testing.T) {
	t.Parallel()
	rows := []string{
		"Date,Platform,Account,Activity,Media",
		"2026-03-01 08:00,instagram,alice,publish,/m/1.mp4",
		"not-a-date,instagram,alice,publish,/m/2.mp4", // bad date
		"2026-03-01 09:00,instagram,bob,scroll,",
		"2026-03-01 10:00,instagram,carol,frobnicate,/m/3.mp4", // bad activity
		"2026-03-01 11:00,tiktok,dave,dm,",
		"2026-03-01 12:00,tiktok", // too few columns
		"2026-03-01 13:00,tiktok,erin,download,/m/4.mp4",
		"2026-03-01 14:00,tiktok,frank,target,/m/5.mp4",
		"2026-03-01 15:00,tiktok,grace,stop,",
		"2026-03-01 16:00,tiktok,heidi,close,",
	}
	jobs, rowErrs, err := Load([]byte(strings.Join(rows, "\n")))
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if len(jobs) != 8 {
		t.Fatalf("got %d jobs, want 8", len(jobs))
	}
	if len(rowErrs) != 3 {
		t.Fatalf("got %d row errors, want 3: %v", len(rowErrs), rowErrs)
	}
	if rowErrs[0].Line != 3 || rowErrs[1].Line != 5 || rowErrs[2].Line != 7 {
		t.Fatalf("unexpected error lines: %v", rowErrs)
	}
}

func TestLoadMissingRequiredColumn(t *testing.T) {
	t.Parallel()
	data := "Date,Platform,Activity,Media\n2026-03-01,x,publish,/m/1.mp4\n"
	_, _, err := Load([]byte(data))
	var he *HeaderError
	if !errors.As(err, &he) {
		t.Fatalf("expected HeaderError, got %v", err)
	}
	if len(he.Missing) != 1 || he.Missing[0] != "account" {
		t.Fatalf("Missing = %v, want [account]", he.Missing)
	}
}

func TestJobKeyFoldsCase(t *testing.T) {
	t.Parallel()
	at := time.Date(2026, 3, 1, 8, 0, 30, 0, time.Local) // seconds get truncated
	a := Job{ScheduledAt: at, Platform: "Instagram", Account: "Alice", Activity: ActivityPublish}
	b := Job{ScheduledAt: at.Truncate(time.Minute), Platform: "instagram", Account: "alice", Activity: ActivityPublish}
	if a.Key() != b.Key() {
		t.Fatalf("keys differ: %+v vs %+v", a.Key(), b.Key())
	}
}
