package poller

import (
	"testing"
	"time"
)

func TestParseSchedule(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in    string
		kind  SpecKind
		every time.Duration
		cron  string
		src   string
	}{
		{in: "15m", kind: SpecInterval, every: 15 * time.Minute, src: "duration"},
		{in: "every:60s", kind: SpecInterval, every: time.Minute, src: "duration"},
		{in: "interval:00:15", kind: SpecInterval, every: 15 * time.Minute, src: "hhmm"},
		{in: "02:30", kind: SpecInterval, every: 2*time.Hour + 30*time.Minute, src: "hhmm"},
		{in: "@every 15m", kind: SpecCron, cron: "@every 15m", src: "cron"},
		{in: "*/5 * * * *", kind: SpecCron, cron: "*/5 * * * *", src: "cron"},
		{in: "cron:@hourly", kind: SpecCron, cron: "@hourly", src: "cron"},
	}
	for _, tt := range tests {
		got, err := ParseSchedule(tt.in)
		if err != nil {
			t.Fatalf("ParseSchedule(%q): %v", tt.in, err)
		}
		if got.Kind != tt.kind || got.Every != tt.every || got.Cron != tt.cron || got.Source != tt.src {
			t.Fatalf("ParseSchedule(%q) = %+v", tt.in, got)
		}
		if _, err := got.Schedule(); err != nil {
			t.Fatalf("Schedule(%q): %v", tt.in, err)
		}
		// String round-trips.
		again, err := ParseSchedule(got.String())
		if err != nil || again.Kind != got.Kind || again.Every != got.Every || again.Cron != got.Cron {
			t.Fatalf("round trip %q -> %q: %+v %v", tt.in, got.String(), again, err)
		}
	}
}

func TestParseScheduleErrors(t *testing.T) {
	t.Parallel()
	for _, in := range []string{"", "cron:", "every:", "0s", "-5m", "01:75", "soon", "cron:not a cron", "* * *"} {
		if _, err := ParseSchedule(in); err == nil {
			t.Fatalf("ParseSchedule(%q): expected error", in)
		}
	}
}

func TestStartupSpreadFirstRun(t *testing.T) {
	t.Parallel()
	spec, _ := ParseSchedule("every:10s")
	base, _ := spec.Schedule()
	now := time.Date(2025, 5, 20, 18, 0, 0, 0, time.UTC)
	s := withStartupSpread(base, spec.Every, now, "bg")

	first := s.Next(now)
	if first.Before(now.Add(10*time.Second)) || !first.Before(now.Add(20*time.Second)) {
		t.Fatalf("first run %v outside [10s, 20s)", first.Sub(now))
	}
	// cron.Every rounds down to the second.
	if gap := s.Next(first).Sub(first); gap <= 9*time.Second || gap > 10*time.Second {
		t.Fatalf("second run after %v, want ~10s", gap)
	}
}
