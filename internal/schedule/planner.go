// Package schedule parses operator-entered delivery times.
//
// Input is free-form ("in 20m", "15:04", "tomorrow 09:00", "24.12 18:00");
// output is always an absolute instant resolved in the configured zone, so
// daylight-saving transitions cannot shift a post.
package schedule

import (
	"strings"
	"time"

	"postbot/internal/post"
)

// Now is the special input meaning "publish immediately".
const Now = "now"

type Planner struct {
	Location   *time.Location
	MaxHorizon time.Duration // 0 means default (365 days)

	// Clock returns the current time; tests pin it. Nil means time.Now.
	Clock func() time.Time
}

const defaultHorizon = 365 * 24 * time.Hour

func (p *Planner) now() time.Time {
	if p.Clock != nil {
		return p.Clock()
	}
	return time.Now()
}

func (p *Planner) loc() *time.Location {
	if p.Location != nil {
		return p.Location
	}
	return time.Local
}

// IsNow reports whether raw asks for immediate publication.
func IsNow(raw string) bool {
	return strings.EqualFold(strings.TrimSpace(raw), Now)
}

// Parse resolves raw into an absolute future instant.
//
// Accepted forms:
//
//	in 20m / in 2h30m        relative offset
//	15:04                    today at that time, tomorrow if already past
//	tomorrow 15:04
//	24.12 18:00              nearest such date (this year, else next)
//	24.12.2026 18:00
//	2026-12-24 18:00
//
// Unparseable input, instants at or before now, and instants beyond the
// horizon all return a ValidationError.
func (p *Planner) Parse(raw string) (time.Time, error) {
	s := strings.ToLower(strings.TrimSpace(raw))
	if s == "" {
		return time.Time{}, post.Validationf("empty schedule input")
	}

	now := p.now().In(p.loc())

	at, err := p.resolve(s, now)
	if err != nil {
		return time.Time{}, err
	}
	if !at.After(now) {
		return time.Time{}, post.Validationf("scheduled time must be in the future")
	}
	horizon := p.MaxHorizon
	if horizon <= 0 {
		horizon = defaultHorizon
	}
	if at.Sub(now) > horizon {
		return time.Time{}, post.Validationf("scheduled time is too far ahead (max %s)", horizon)
	}
	return at, nil
}

func (p *Planner) resolve(s string, now time.Time) (time.Time, error) {
	if rest, ok := strings.CutPrefix(s, "in "); ok {
		d, err := time.ParseDuration(strings.ReplaceAll(rest, " ", ""))
		if err != nil || d <= 0 {
			return time.Time{}, post.Validationf("cannot parse offset %q (try: in 20m, in 2h30m)", rest)
		}
		return now.Add(d), nil
	}

	dayOffset := 0
	if rest, ok := strings.CutPrefix(s, "tomorrow "); ok {
		dayOffset = 1
		s = strings.TrimSpace(rest)
	} else if rest, ok := strings.CutPrefix(s, "today "); ok {
		s = strings.TrimSpace(rest)
	}

	// Bare clock time: today (or the requested day), rolling to the next
	// day if the moment already passed.
	if t, err := time.Parse("15:04", s); err == nil {
		at := time.Date(now.Year(), now.Month(), now.Day()+dayOffset,
			t.Hour(), t.Minute(), 0, 0, p.loc())
		if dayOffset == 0 && !at.After(now) {
			at = at.AddDate(0, 0, 1)
		}
		return at, nil
	}
	if dayOffset != 0 {
		return time.Time{}, post.Validationf("cannot parse time %q (try: tomorrow 15:04)", s)
	}

	// Date + clock forms. time.Parse would yield a naive instant in the
	// wrong zone, so split the fields and rebuild via time.Date in loc.
	for _, layout := range []string{"02.01.2006 15:04", "2006-01-02 15:04"} {
		if t, err := time.Parse(layout, s); err == nil {
			return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), 0, 0, p.loc()), nil
		}
	}
	if t, err := time.Parse("02.01 15:04", s); err == nil {
		at := time.Date(now.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), 0, 0, p.loc())
		if !at.After(now) {
			at = at.AddDate(1, 0, 0)
		}
		return at, nil
	}

	return time.Time{}, post.Validationf("cannot parse %q (try: in 20m, 15:04, tomorrow 09:00, 24.12 18:00)", s)
}
