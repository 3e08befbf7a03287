package ics

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"

	appLog "stayledger/internal/log"
	"stayledger/internal/model"
)

// ErrMalformedFeed marks a body that is not a usable VCALENDAR.
var ErrMalformedFeed = errors.New("ics: malformed feed")

// ParsedEvent is a VEVENT reduced to whole days. Start and End are UTC
// midnights of calendar dates in the configured timezone; End is exclusive.
type ParsedEvent struct {
	Source Source

	UID     string
	Summary string

	Start time.Time
	End   time.Time

	RawRRule   string
	ExDates    []time.Time
	Recurrence *time.Time // RECURRENCE-ID date of an overridden instance

	// Cancelled is only set on overrides; it removes that instance from the series.
	Cancelled bool
}

// IsOverride reports whether the event replaces one instance of a series.
func (e ParsedEvent) IsOverride() bool { return e.Recurrence != nil }

// ParseICS parses one feed body. Date-time values are converted into loc
// (floating values are read in loc) before being reduced to dates; an end
// that is not exactly midnight is rounded up to the next day. VEVENTs
// without UID or DTSTART are skipped, as are cancelled ones. A cancelled
// override is kept, flagged Cancelled, so expansion can drop its instance.
func ParseICS(src Source, body []byte, loc *time.Location) ([]ParsedEvent, error) {
	body = bytes.TrimSpace(bytes.TrimPrefix(body, []byte("\xef\xbb\xbf")))
	if len(body) == 0 {
		return nil, fmt.Errorf("%w: empty body", ErrMalformedFeed)
	}
	if !bytes.Contains(bytes.ToUpper(body), []byte("BEGIN:VCALENDAR")) {
		return nil, fmt.Errorf("%w: no VCALENDAR", ErrMalformedFeed)
	}
	if loc == nil {
		loc = time.UTC
	}

	// Some channels emit stray properties between components.
	cal, err := ical.ParseCalendarWithOptions(bytes.NewReader(body),
		ical.WithUnknownPropertyHandler(ical.AcceptUnknownPropertyHandler))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFeed, err)
	}

	events := make([]ParsedEvent, 0)
	for _, ve := range cal.Events() {
		ev, ok, perr := parseVEvent(src, ve, loc)
		if perr != nil {
			appLog.Error("ics vevent skipped", perr, "feed", src.ID, "url", redactURL(src.URL))
			continue
		}
		if ok {
			events = append(events, ev)
		}
	}

	appLog.Debug("ics parse completed", "feed", src.ID, "event_count", len(events))
	return events, nil
}

// parseVEvent returns ok=false for events that are valid but carry no occupancy.
func parseVEvent(src Source, ve *ical.VEvent, loc *time.Location) (ParsedEvent, bool, error) {
	out := ParsedEvent{Source: src}

	uidProp := ve.GetProperty(ical.ComponentPropertyUniqueId)
	if uidProp == nil || strings.TrimSpace(uidProp.Value) == "" {
		return out, false, errors.New("missing UID")
	}
	out.UID = strings.TrimSpace(uidProp.Value)

	if p := ve.GetProperty(ical.ComponentPropertyRecurrenceId); p != nil {
		t, dateOnly, err := parseICSTime(p.Value, firstParam(p, "TZID"), loc)
		if err != nil {
			return out, false, fmt.Errorf("uid %s: RECURRENCE-ID: %w", out.UID, err)
		}
		if strings.EqualFold(firstParam(p, "VALUE"), "DATE") {
			dateOnly = true
		}
		d := toDate(t, dateOnly, loc, false)
		out.Recurrence = &d
	}

	if p := ve.GetProperty(ical.ComponentPropertyStatus); p != nil && strings.EqualFold(strings.TrimSpace(p.Value), "CANCELLED") {
		if out.IsOverride() {
			out.Cancelled = true
			return out, true, nil
		}
		return out, false, nil
	}

	if p := ve.GetProperty(ical.ComponentPropertySummary); p != nil {
		out.Summary = strings.TrimSpace(p.Value)
	}

	startProp := ve.GetProperty(ical.ComponentPropertyDtStart)
	if startProp == nil {
		return out, false, fmt.Errorf("uid %s: missing DTSTART", out.UID)
	}
	start, err := propDate(startProp, loc, false)
	if err != nil {
		return out, false, fmt.Errorf("uid %s: DTSTART: %w", out.UID, err)
	}
	out.Start = start

	// Missing, unparsable or degenerate end: one day.
	out.End = start.AddDate(0, 0, 1)
	if endProp := ve.GetProperty(ical.ComponentPropertyDtEnd); endProp != nil {
		if end, err := propDate(endProp, loc, true); err == nil && end.After(start) {
			out.End = end
		}
	}

	if p := ve.GetProperty(ical.ComponentPropertyRrule); p != nil {
		out.RawRRule = strings.TrimSpace(p.Value)
	}

	for _, p := range ve.GetProperties(ical.ComponentPropertyExdate) {
		tzid := firstParam(p, "TZID")
		for _, part := range strings.Split(p.Value, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			t, dateOnly, err := parseICSTime(part, tzid, loc)
			if err != nil {
				continue
			}
			out.ExDates = append(out.ExDates, toDate(t, dateOnly, loc, false))
		}
	}

	return out, true, nil
}

func propDate(p *ical.IANAProperty, loc *time.Location, roundUp bool) (time.Time, error) {
	t, dateOnly, err := parseICSTime(p.Value, firstParam(p, "TZID"), loc)
	if err != nil {
		return time.Time{}, err
	}
	if strings.EqualFold(firstParam(p, "VALUE"), "DATE") {
		dateOnly = true
	}
	return toDate(t, dateOnly, loc, roundUp), nil
}

// toDate reduces t to a calendar date in loc. With roundUp, any time after
// midnight moves to the following day.
func toDate(t time.Time, dateOnly bool, loc *time.Location, roundUp bool) time.Time {
	if dateOnly {
		return model.Date(t)
	}
	local := t.In(loc)
	d := model.Date(local)
	if roundUp && (local.Hour() != 0 || local.Minute() != 0 || local.Second() != 0 || local.Nanosecond() != 0) {
		d = d.AddDate(0, 0, 1)
	}
	return d
}

func firstParam(p *ical.IANAProperty, name string) string {
	if p == nil || p.ICalParameters == nil {
		return ""
	}
	if vs := p.ICalParameters[name]; len(vs) > 0 {
		return vs[0]
	}
	return ""
}

// parseICSTime parses DATE and DATE-TIME values. Floating date-times are read
// in loc unless a TZID is given. Date-only values are returned at UTC midnight.
func parseICSTime(v, tzid string, loc *time.Location) (time.Time, bool, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return time.Time{}, false, errors.New("empty time value")
	}

	// UTC form, e.g., 20250101T090000Z
	if strings.HasSuffix(v, "Z") && strings.Contains(v, "T") {
		t, err := time.Parse("20060102T150405Z", v)
		return t, false, err
	}

	// Local date-time, e.g., 20250101T090000
	if strings.Contains(v, "T") {
		in := loc
		if tzid != "" {
			l, err := time.LoadLocation(strings.Trim(tzid, `"`))
			if err != nil {
				return time.Time{}, false, fmt.Errorf("unknown TZID %q: %w", tzid, err)
			}
			in = l
		}
		t, err := time.ParseInLocation("20060102T150405", v, in)
		return t, false, err
	}

	// Date-only (all-day), e.g., 20250101
	t, err := time.ParseInLocation("20060102", v, time.UTC)
	return t, true, err
}
