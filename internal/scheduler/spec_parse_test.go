package scheduler

import (
	"testing"
	"time"
)

func TestParseScheduleVariants(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		raw   string
		kind  SpecKind
		every time.Duration
	}{
		{name: "cron", raw: "*/5 * * * *", kind: SpecCron},
		{name: "prefixed cron", raw: "cron:0 0 * * *", kind: SpecCron},
		{name: "descriptor", raw: "@hourly", kind: SpecCron},
		{name: "duration", raw: "10m", kind: SpecInterval, every: 10 * time.Minute},
		{name: "compound duration", raw: "2h30m", kind: SpecInterval, every: 150 * time.Minute},
		{name: "prefixed interval", raw: "interval:45s", kind: SpecInterval, every: 45 * time.Second},
		{name: "every prefix", raw: "every:90s", kind: SpecInterval, every: 90 * time.Second},
		{name: "hhmm", raw: "01:30", kind: SpecInterval, every: 90 * time.Minute},
		{name: "hhmm padded", raw: " 00:50 ", kind: SpecInterval, every: 50 * time.Minute},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseSchedule(tt.raw)
			if err != nil {
				t.Fatalf("ParseSchedule(%q) error: %v", tt.raw, err)
			}
			if got.Kind != tt.kind {
				t.Fatalf("Kind = %v, want %v", got.Kind, tt.kind)
			}
			if tt.kind == SpecInterval && got.Every != tt.every {
				t.Fatalf("Every = %v, want %v", got.Every, tt.every)
			}
		})
	}
}

func TestParseScheduleInvalid(t *testing.T) {
	t.Parallel()
	for _, raw := range []string{"", "not-a-schedule", "0m", "-5m", "cron:", "interval:", "00:00", "12:75"} {
		if _, err := ParseSchedule(raw); err == nil {
			t.Fatalf("ParseSchedule(%q): expected error", raw)
		}
	}
}

func TestParseHHMM(t *testing.T) {
	t.Parallel()
	d, err := parseHHMM("23:15")
	if err != nil {
		t.Fatalf("parseHHMM error: %v", err)
	}
	if want := 23*time.Hour + 15*time.Minute; d != want {
		t.Fatalf("duration = %v, want %v", d, want)
	}

	// HH:MM is an interval, not clock time: hours past 23 are legal.
	if d, err = parseHHMM("48:00"); err != nil || d != 48*time.Hour {
		t.Fatalf("parseHHMM(48:00) = %v, %v, want 48h", d, err)
	}

	if _, err := parseHHMM("10:99"); err == nil {
		t.Fatal("expected error for invalid minutes")
	}
}
