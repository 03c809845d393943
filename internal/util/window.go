package util

import (
	"fmt"
	"time"
)

// Window is a daily time-of-day range in which backups may start.
// A zero Window allows every instant.
type Window struct {
	loc        *time.Location
	start, end int // minutes after midnight, -1 when unset
}

// ParseWindow parses "HH:MM" bounds in the given IANA zone (local when empty).
// Either bound may be empty; an end before the start wraps past midnight.
func ParseWindow(start, end, tz string) (Window, error) {
	w := Window{loc: time.Local, start: -1, end: -1}
	if tz != "" {
		loc, err := time.LoadLocation(tz)
		if err != nil {
			return Window{}, fmt.Errorf("invalid timezone: %w", err)
		}
		w.loc = loc
	}
	var err error
	if w.start, err = parseClock(start); err != nil {
		return Window{}, fmt.Errorf("invalid window start: %w", err)
	}
	if w.end, err = parseClock(end); err != nil {
		return Window{}, fmt.Errorf("invalid window end: %w", err)
	}
	return w, nil
}

// Contains reports whether t falls inside the window.
func (w Window) Contains(t time.Time) bool {
	if w.start < 0 && w.end < 0 {
		return true
	}
	loc := w.loc
	if loc == nil {
		loc = t.Location()
	}
	local := t.In(loc)
	now := local.Hour()*60 + local.Minute()

	switch {
	case w.end < 0:
		return now >= w.start
	case w.start < 0:
		return now <= w.end
	case w.end >= w.start:
		return now >= w.start && now <= w.end
	default:
		return now >= w.start || now <= w.end
	}
}

// InWindow returns true if now is within the configured window.
// Empty window values mean no restriction.
func InWindow(now time.Time, start, end, tz string) (bool, error) {
	w, err := ParseWindow(start, end, tz)
	if err != nil {
		return false, err
	}
	return w.Contains(now), nil
}

func parseClock(v string) (int, error) {
	if v == "" {
		return -1, nil
	}
	parsed, err := time.Parse("15:04", v)
	if err != nil {
		return -1, err
	}
	return parsed.Hour()*60 + parsed.Minute(), nil
}
