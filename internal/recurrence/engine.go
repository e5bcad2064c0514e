package recurrence

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/teambition/rrule-go"
)

// Interval describes how an alarm instance regenerates its trigger after firing.
type Interval string

const (
	// IntervalNone marks a one-shot instance.
	IntervalNone Interval = "none"
	// IntervalMinutely repeats every minute.
	IntervalMinutely Interval = "minutely"
	// IntervalHourly repeats every hour.
	IntervalHourly Interval = "hourly"
	// IntervalDaily repeats every day at the same wall-clock time.
	IntervalDaily Interval = "daily"
	// IntervalWeekly repeats every week on the same weekday.
	IntervalWeekly Interval = "weekly"
)

// ErrInvalidInterval indicates the repeat interval is not supported.
var ErrInvalidInterval = errors.New("recurrence: invalid interval")

// ErrNoOccurrence indicates the rule produced no occurrence after the reference time.
var ErrNoOccurrence = errors.New("recurrence: no further occurrence")

// ParseInterval normalizes user supplied interval names. An empty value maps to IntervalNone.
func ParseInterval(value string) (Interval, error) {
	switch Interval(strings.ToLower(strings.TrimSpace(value))) {
	case "", IntervalNone:
		return IntervalNone, nil
	case IntervalMinutely:
		return IntervalMinutely, nil
	case IntervalHourly:
		return IntervalHourly, nil
	case IntervalDaily:
		return IntervalDaily, nil
	case IntervalWeekly:
		return IntervalWeekly, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidInterval, value)
	}
}

// Repeats reports whether the interval regenerates a trigger.
func (i Interval) Repeats() bool {
	return i != "" && i != IntervalNone
}

func (i Interval) frequency() (rrule.Frequency, error) {
	switch i {
	case IntervalMinutely:
		return rrule.MINUTELY, nil
	case IntervalHourly:
		return rrule.HOURLY, nil
	case IntervalDaily:
		return rrule.DAILY, nil
	case IntervalWeekly:
		return rrule.WEEKLY, nil
	default:
		return 0, ErrInvalidInterval
	}
}

// Engine combines stored date/time pairs and expands repeat intervals.
type Engine struct {
	location *time.Location
}

// NewEngine constructs an Engine that evaluates wall-clock times in loc.
// If loc is nil, time.Local is used.
func NewEngine(loc *time.Location) *Engine {
	if loc == nil {
		loc = time.Local
	}
	return &Engine{location: loc}
}

// Location returns the zone triggers are evaluated in.
func (e *Engine) Location() *time.Location {
	if e == nil || e.location == nil {
		return time.Local
	}
	return e.location
}

// Combine builds a trigger from the year/month/day of date and the
// hour/minute/second of clock. No other component of either value is used.
func (e *Engine) Combine(date, clock time.Time) time.Time {
	return Combine(date, clock, e.Location())
}

// Combine is the package level form of Engine.Combine.
func Combine(date, clock time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.Local
	}
	y, m, d := date.Date()
	return time.Date(y, m, d, clock.Hour(), clock.Minute(), clock.Second(), 0, loc)
}

// Next returns the first occurrence of the series anchored at start that is
// strictly after the reference time.
func (e *Engine) Next(start time.Time, interval Interval, after time.Time) (time.Time, error) {
	freq, err := interval.frequency()
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %q", err, interval)
	}

	rule, err := rrule.NewRRule(rrule.ROption{
		Freq:    freq,
		Dtstart: start.In(e.Location()),
	})
	if err != nil {
		return time.Time{}, fmt.Errorf("recurrence: build rule: %w", err)
	}

	next := rule.After(after, false)
	if next.IsZero() {
		return time.Time{}, ErrNoOccurrence
	}
	return next.In(e.Location()), nil
}

// Upcoming lists up to limit occurrences strictly after the reference time.
func (e *Engine) Upcoming(start time.Time, interval Interval, after time.Time, limit int) ([]time.Time, error) {
	if limit <= 0 {
		return nil, nil
	}
	if !interval.Repeats() {
		if start.After(after) {
			return []time.Time{start}, nil
		}
		return nil, nil
	}

	occurrences := make([]time.Time, 0, limit)
	cursor := after
	for len(occurrences) < limit {
		next, err := e.Next(start, interval, cursor)
		if err != nil {
			if errors.Is(err, ErrNoOccurrence) {
				break
			}
			return nil, err
		}
		occurrences = append(occurrences, next)
		cursor = next
	}
	return occurrences, nil
}
