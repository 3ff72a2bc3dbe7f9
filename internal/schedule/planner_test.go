package schedule

import (
	"testing"
	"time"

	"postbot/internal/post"
)

func fixedPlanner(t *testing.T, now string, zone string) *Planner {
	t.Helper()
	loc, err := time.LoadLocation(zone)
	if err != nil {
		t.Fatalf("load zone %s: %v", zone, err)
	}
	at, err := time.ParseInLocation("2006-01-02 15:04", now, loc)
	if err != nil {
		t.Fatalf("parse now: %v", err)
	}
	return &Planner{Location: loc, Clock: func() time.Time { return at }}
}

func TestParseVariants(t *testing.T) {
	t.Parallel()
	p := fixedPlanner(t, "2026-06-10 12:00", "Europe/Berlin")

	tests := []struct {
		name string
		raw  string
		want string // in planner zone
	}{
		{name: "relative minutes", raw: "in 20m", want: "2026-06-10 12:20"},
		{name: "relative compound", raw: "in 2h30m", want: "2026-06-10 14:30"},
		{name: "relative with space", raw: "in 1h 15m", want: "2026-06-10 13:15"},
		{name: "clock later today", raw: "15:04", want: "2026-06-10 15:04"},
		{name: "clock already past rolls over", raw: "09:00", want: "2026-06-11 09:00"},
		{name: "today prefix", raw: "today 18:30", want: "2026-06-10 18:30"},
		{name: "tomorrow", raw: "tomorrow 09:00", want: "2026-06-11 09:00"},
		{name: "day month", raw: "24.12 18:00", want: "2026-12-24 18:00"},
		{name: "day month passed rolls to next year", raw: "01.01 00:30", want: "2027-01-01 00:30"},
		{name: "full date", raw: "24.12.2026 18:00", want: "2026-12-24 18:00"},
		{name: "iso date", raw: "2026-12-24 18:00", want: "2026-12-24 18:00"},
		{name: "case and spacing", raw: "  Tomorrow 09:00 ", want: "2026-06-11 09:00"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := p.Parse(tt.raw)
			if err != nil {
				t.Fatalf("Parse(%q) error: %v", tt.raw, err)
			}
			want, _ := time.ParseInLocation("2006-01-02 15:04", tt.want, p.Location)
			if !got.Equal(want) {
				t.Fatalf("Parse(%q) = %v, want %v", tt.raw, got, want)
			}
		})
	}
}

func TestParseRejects(t *testing.T) {
	t.Parallel()
	p := fixedPlanner(t, "2026-06-10 12:00", "Europe/Berlin")

	for _, raw := range []string{
		"",
		"yesterday 10:00",
		"banana",
		"25:99",
		"in -5m",
		"in 0s",
		"2026-06-10 12:00", // exactly now
		"2026-06-10 11:00", // past
		"2028-01-01 12:00", // beyond default horizon
	} {
		if _, err := p.Parse(raw); err == nil {
			t.Fatalf("Parse(%q) should fail", raw)
		} else if !post.IsValidation(err) {
			t.Fatalf("Parse(%q) = %v, want ValidationError", raw, err)
		}
	}
}

func TestParseHorizonConfigurable(t *testing.T) {
	t.Parallel()
	p := fixedPlanner(t, "2026-06-10 12:00", "UTC")
	p.MaxHorizon = time.Hour

	if _, err := p.Parse("in 30m"); err != nil {
		t.Fatalf("within horizon: %v", err)
	}
	if _, err := p.Parse("in 2h"); err == nil {
		t.Fatal("beyond horizon should fail")
	}
}

func TestParseResolvesAbsoluteAcrossDST(t *testing.T) {
	t.Parallel()
	// Berlin leaves DST on 2026-10-25 at 03:00 CEST -> 02:00 CET.
	p := fixedPlanner(t, "2026-10-24 12:00", "Europe/Berlin")

	got, err := p.Parse("25.10.2026 12:00")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	// Noon the day after the transition is 25h away in absolute time.
	if d := got.Sub(p.Clock()); d != 25*time.Hour {
		t.Fatalf("expected 25h offset across DST fallback, got %v", d)
	}
	if got.UTC().Hour() != 11 {
		t.Fatalf("expected 11:00 UTC (CET), got %v", got.UTC())
	}
}
