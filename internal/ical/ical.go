// Package ical turns iCalendar data into event alarm drafts.
package ical

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	goical "github.com/emersion/go-ical"
	"github.com/teambition/rrule-go"

	"github.com/example/alarm-clock/internal/recurrence"
)

// ErrEmptyCalendar is returned when the input holds no VCALENDAR.
var ErrEmptyCalendar = errors.New("ical: no calendar in input")

// Event groups every VEVENT sharing one UID.
type Event struct {
	UID         string
	Summary     string
	Description string
	Occurrences []Occurrence
}

// Occurrence is one DTSTART of an event and the repeat interval derived from
// its RRULE.
type Occurrence struct {
	Start    time.Time
	Interval recurrence.Interval
}

// Import decodes every calendar in r. Floating times are read in loc.
// Cancelled and all-day events are skipped.
func Import(r io.Reader, loc *time.Location) ([]Event, error) {
	if loc == nil {
		loc = time.Local
	}

	decoder := goical.NewDecoder(r)
	var (
		events    []Event
		byUID     = make(map[string]int)
		calendars int
	)
	for {
		cal, err := decoder.Decode()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("decode calendar: %w", err)
		}
		calendars++

		for _, comp := range cal.Children {
			if comp.Name != goical.CompEvent {
				continue
			}
			if strings.EqualFold(propValue(comp, goical.PropStatus), "CANCELLED") {
				continue
			}
			startProp := comp.Props.Get(goical.PropDateTimeStart)
			if startProp == nil || isDateOnly(startProp) {
				continue
			}
			start, err := parseStart(startProp, loc)
			if err != nil {
				return nil, err
			}

			uid := propValue(comp, goical.PropUID)
			if uid == "" {
				uid = fmt.Sprintf("event-%d", len(events)+1)
			}
			occ := Occurrence{Start: start, Interval: intervalOf(comp)}

			if idx, ok := byUID[uid]; ok {
				events[idx].Occurrences = append(events[idx].Occurrences, occ)
				continue
			}
			byUID[uid] = len(events)
			events = append(events, Event{
				UID:         uid,
				Summary:     propValue(comp, goical.PropSummary),
				Description: propValue(comp, goical.PropDescription),
				Occurrences: []Occurrence{occ},
			})
		}
	}

	if calendars == 0 {
		return nil, ErrEmptyCalendar
	}
	return events, nil
}

func propValue(comp *goical.Component, name string) string {
	if prop := comp.Props.Get(name); prop != nil {
		return strings.TrimSpace(prop.Value)
	}
	return ""
}

func isDateOnly(prop *goical.Prop) bool {
	return strings.EqualFold(prop.Params.Get(goical.ParamValue), "DATE") || len(strings.TrimSpace(prop.Value)) == len("20060102")
}

// parseStart tries the property's own timezone first and then the raw
// basic formats in loc.
func parseStart(prop *goical.Prop, loc *time.Location) (time.Time, error) {
	if t, err := prop.DateTime(loc); err == nil {
		return t.In(loc), nil
	}
	value := strings.TrimSpace(prop.Value)
	for _, layout := range []string{"20060102T150405", "20060102T150405Z", time.RFC3339} {
		if t, err := time.ParseInLocation(layout, value, loc); err == nil {
			return t.In(loc), nil
		}
	}
	return time.Time{}, fmt.Errorf("ical: unable to parse DTSTART %q", value)
}

// intervalOf maps RRULE FREQ onto a repeat interval. Rules that cannot be
// expressed as a plain interval become one-shot occurrences.
func intervalOf(comp *goical.Component) recurrence.Interval {
	prop := comp.Props.Get(goical.PropRecurrenceRule)
	if prop == nil {
		return recurrence.IntervalNone
	}
	opt, err := rrule.StrToROption(prop.Value)
	if err != nil || opt.Interval > 1 {
		return recurrence.IntervalNone
	}
	switch opt.Freq {
	case rrule.MINUTELY:
		return recurrence.IntervalMinutely
	case rrule.HOURLY:
		return recurrence.IntervalHourly
	case rrule.DAILY:
		return recurrence.IntervalDaily
	case rrule.WEEKLY:
		return recurrence.IntervalWeekly
	default:
		return recurrence.IntervalNone
	}
}
