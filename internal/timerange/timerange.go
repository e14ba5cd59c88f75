// Package timerange resolves named dashboard presets into concrete date boundaries.
package timerange

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

type Preset string

const (
	Today       Preset = "today"
	Yesterday   Preset = "yesterday"
	ThisWeek    Preset = "thisWeek"
	LastWeek    Preset = "lastWeek"
	ThisMonth   Preset = "thisMonth"
	LastMonth   Preset = "lastMonth"
	ThisQuarter Preset = "thisQuarter"
	LastQuarter Preset = "lastQuarter"
	ThisYear    Preset = "thisYear"
	LastYear    Preset = "lastYear"
	Last7Days   Preset = "last7Days"
	Last30Days  Preset = "last30Days"
	Last90Days  Preset = "last90Days"
	Custom      Preset = "custom"
)

var presets = []Preset{
	Today, Yesterday,
	ThisWeek, LastWeek,
	ThisMonth, LastMonth,
	ThisQuarter, LastQuarter,
	ThisYear, LastYear,
	Last7Days, Last30Days, Last90Days,
}

// Presets lists every preset Resolve understands, custom excluded.
func Presets() []Preset {
	out := make([]Preset, len(presets))
	copy(out, presets)
	return out
}

var (
	ErrUnknownPreset = errors.New("unknown time range preset")
	ErrInvalidRange  = errors.New("invalid time range")
)

type UnknownPresetError struct {
	Preset string
}

func (e *UnknownPresetError) Error() string {
	return fmt.Sprintf("unknown time range preset %q", e.Preset)
}

func (e *UnknownPresetError) Is(target error) bool { return target == ErrUnknownPreset }

type InvalidRangeError struct {
	Start, End time.Time
}

func (e *InvalidRangeError) Error() string {
	return fmt.Sprintf("invalid time range: start %s is after end %s",
		e.Start.Format(time.RFC3339), e.End.Format(time.RFC3339))
}

func (e *InvalidRangeError) Is(target error) bool { return target == ErrInvalidRange }

// Range is an immutable [Start, End] pair. Replace it, never mutate it.
type Range struct {
	Start time.Time
	End   time.Time
	Label string
}

func (r Range) Contains(t time.Time) bool {
	return !t.Before(r.Start) && !t.After(r.End)
}

func (r Range) Duration() time.Duration { return r.End.Sub(r.Start) }

func (r Range) String() string {
	return r.Start.UTC().Format(isoMillis) + "–" + r.End.UTC().Format(isoMillis)
}

const isoMillis = "2006-01-02T15:04:05.000Z"

// ParsePreset maps a wire identifier onto a Preset. Matching ignores case
// and surrounding whitespace.
func ParsePreset(s string) (Preset, error) {
	s = strings.TrimSpace(s)
	if strings.EqualFold(s, string(Custom)) {
		return Custom, nil
	}
	for _, p := range presets {
		if strings.EqualFold(s, string(p)) {
			return p, nil
		}
	}
	return "", &UnknownPresetError{Preset: s}
}

// Resolver binds Resolve to a clock. The zero value uses the wall clock.
type Resolver struct {
	Now func() time.Time
}

func (r Resolver) Resolve(p Preset) (Range, error) {
	now := time.Now
	if r.Now != nil {
		now = r.Now
	}
	return Resolve(p, now())
}

// Resolve computes the range for p relative to now, in now's location.
// Custom is rejected here because it needs explicit bounds; use ResolveCustom.
func Resolve(p Preset, now time.Time) (Range, error) {
	loc := now.Location()
	y, m, d := now.Date()
	midnight := time.Date(y, m, d, 0, 0, 0, 0, loc)

	var start, end time.Time
	switch p {
	case Today:
		start, end = midnight, now
	case Yesterday:
		start = midnight.AddDate(0, 0, -1)
		end = endOfDay(start)
	case ThisWeek:
		start, end = weekStart(midnight), now
	case LastWeek:
		start = weekStart(midnight).AddDate(0, 0, -7)
		end = endOfDay(start.AddDate(0, 0, 6))
	case ThisMonth:
		start, end = time.Date(y, m, 1, 0, 0, 0, 0, loc), now
	case LastMonth:
		// day 1 of the current month minus one month rolls December into the prior year
		start = time.Date(y, m, 1, 0, 0, 0, 0, loc).AddDate(0, -1, 0)
		end = endOfDay(lastDayOfMonth(start))
	case ThisQuarter:
		start, end = quarterStart(y, quarterOf(m), loc), now
	case LastQuarter:
		q := quarterOf(m) - 1
		qy := y
		if q < 0 {
			q = 3
			qy--
		}
		start = quarterStart(qy, q, loc)
		end = endOfDay(lastDayOfMonth(start.AddDate(0, 2, 0)))
	case ThisYear:
		start, end = time.Date(y, time.January, 1, 0, 0, 0, 0, loc), now
	case LastYear:
		start = time.Date(y-1, time.January, 1, 0, 0, 0, 0, loc)
		end = endOfDay(time.Date(y-1, time.December, 31, 0, 0, 0, 0, loc))
	case Last7Days:
		start, end = midnight.AddDate(0, 0, -6), now
	case Last30Days:
		start, end = midnight.AddDate(0, 0, -29), now
	case Last90Days:
		start, end = midnight.AddDate(0, 0, -89), now
	default:
		return Range{}, &UnknownPresetError{Preset: string(p)}
	}
	return Range{Start: start, End: end, Label: string(p)}, nil
}

// ResolveCustom validates caller supplied bounds.
func ResolveCustom(start, end time.Time) (Range, error) {
	if start.After(end) {
		return Range{}, &InvalidRangeError{Start: start, End: end}
	}
	return Range{Start: start, End: end, Label: string(Custom)}, nil
}

// quarter index 0..3
func quarterOf(m time.Month) int {
	return (int(m) - 1) / 3
}

func quarterStart(y, q int, loc *time.Location) time.Time {
	return time.Date(y, time.Month(q*3+1), 1, 0, 0, 0, 0, loc)
}

// weeks start on Sunday
func weekStart(midnight time.Time) time.Time {
	return midnight.AddDate(0, 0, -int(midnight.Weekday()))
}

func lastDayOfMonth(t time.Time) time.Time {
	y, m, _ := t.Date()
	return time.Date(y, m+1, 0, 0, 0, 0, 0, t.Location())
}

func endOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 23, 59, 59, int(999*time.Millisecond), t.Location())
}
