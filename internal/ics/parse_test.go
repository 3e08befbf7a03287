package ics

import (
	"errors"
	"strings"
	"testing"
	"time"

	"stayledger/internal/model"
)

func calendar(lines ...string) []byte {
	all := append([]string{"BEGIN:VCALENDAR", "VERSION:2.0", "PRODID:-//test//feed//EN"}, lines...)
	all = append(all, "END:VCALENDAR")
	return []byte(strings.Join(all, "\r\n") + "\r\n")
}

func vevent(props ...string) []string {
	out := []string{"BEGIN:VEVENT", "DTSTAMP:20250801T000000Z"}
	out = append(out, props...)
	return append(out, "END:VEVENT")
}

func paris(t *testing.T) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation("Europe/Paris")
	if err != nil {
		t.Fatalf("load location: %v", err)
	}
	return loc
}

func TestParseICSDates(t *testing.T) {
	src := Source{ID: "airbnb", URL: "https://example.com/a.ics"}

	tests := []struct {
		name      string
		props     []string
		wantStart string
		wantEnd   string
		wantLabel string
	}{
		{
			name:      "all-day block keeps its dates",
			props:     []string{"UID:a1", "DTSTART;VALUE=DATE:20250901", "DTEND;VALUE=DATE:20250903", "SUMMARY:Airbnb (Not available)"},
			wantStart: "2025-09-01",
			wantEnd:   "2025-09-03",
			wantLabel: "Airbnb (Not available)",
		},
		{
			name:      "utc date-time end after midnight rounds up",
			props:     []string{"UID:a2", "DTSTART:20250910T150000Z", "DTEND:20250912T100000Z"},
			wantStart: "2025-09-10",
			wantEnd:   "2025-09-13",
		},
		{
			name:      "end exactly at local midnight is kept",
			props:     []string{"UID:a3", "DTSTART;TZID=Europe/Paris:20250910T160000", "DTEND;TZID=Europe/Paris:20250912T000000"},
			wantStart: "2025-09-10",
			wantEnd:   "2025-09-12",
		},
		{
			name:      "utc instant before midnight lands on the next local day",
			props:     []string{"UID:a4", "DTSTART:20250910T230000Z", "DTEND:20250911T220000Z"},
			wantStart: "2025-09-11",
			wantEnd:   "2025-09-12",
		},
		{
			name:      "missing end is one day",
			props:     []string{"UID:a5", "DTSTART;VALUE=DATE:20250915"},
			wantStart: "2025-09-15",
			wantEnd:   "2025-09-16",
		},
		{
			name:      "end before start is one day",
			props:     []string{"UID:a6", "DTSTART;VALUE=DATE:20250915", "DTEND;VALUE=DATE:20250914"},
			wantStart: "2025-09-15",
			wantEnd:   "2025-09-16",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			events, err := ParseICS(src, calendar(vevent(tt.props...)...), paris(t))
			if err != nil {
				t.Fatalf("ParseICS() error = %v", err)
			}
			if len(events) != 1 {
				t.Fatalf("ParseICS() returned %d events, want 1", len(events))
			}
			ev := events[0]
			if got := model.FormatDate(ev.Start); got != tt.wantStart {
				t.Errorf("start = %s, want %s", got, tt.wantStart)
			}
			if got := model.FormatDate(ev.End); got != tt.wantEnd {
				t.Errorf("end = %s, want %s", got, tt.wantEnd)
			}
			if ev.Summary != tt.wantLabel {
				t.Errorf("summary = %q, want %q", ev.Summary, tt.wantLabel)
			}
			if ev.Start.Location() != time.UTC {
				t.Errorf("start location = %v, want UTC", ev.Start.Location())
			}
		})
	}
}

func TestParseICSSkipsBadEvents(t *testing.T) {
	body := calendar(append(append(append(
		vevent("DTSTART;VALUE=DATE:20250901", "DTEND;VALUE=DATE:20250902"),
		vevent("UID:no-start", "SUMMARY:broken")...),
		vevent("UID:cancelled", "STATUS:CANCELLED", "DTSTART;VALUE=DATE:20250901")...),
		vevent("UID:good", "DTSTART;VALUE=DATE:20250905", "DTEND;VALUE=DATE:20250906")...)...)

	events, err := ParseICS(Source{ID: "booking"}, body, time.UTC)
	if err != nil {
		t.Fatalf("ParseICS() error = %v", err)
	}
	if len(events) != 1 || events[0].UID != "good" {
		t.Fatalf("ParseICS() = %+v, want only the good event", events)
	}
}

func TestParseICSRejectsUnusableBodies(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{name: "empty", body: ""},
		{name: "whitespace", body: "  \r\n"},
		{name: "html error page", body: "<html><body>Service Unavailable</body></html>"},
		{name: "wrong component", body: "BEGIN:VCARD\r\nEND:VCARD\r\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseICS(Source{ID: "x"}, []byte(tt.body), time.UTC)
			if !errors.Is(err, ErrMalformedFeed) {
				t.Fatalf("ParseICS() error = %v, want ErrMalformedFeed", err)
			}
		})
	}
}

func TestExpandBlocksRecurring(t *testing.T) {
	// Weekly x4 from 09-01: 09-08 is excluded, 09-15 moves, 09-22 is cancelled.
	body := calendar(append(append(
		vevent(
			"UID:weekly",
			"SUMMARY:Owner stay",
			"DTSTART;VALUE=DATE:20250901",
			"DTEND;VALUE=DATE:20250903",
			"RRULE:FREQ=WEEKLY;COUNT=4",
			"EXDATE;VALUE=DATE:20250908",
		),
		vevent(
			"UID:weekly",
			"SUMMARY:Owner stay (moved)",
			"RECURRENCE-ID;VALUE=DATE:20250915",
			"DTSTART;VALUE=DATE:20250916",
			"DTEND;VALUE=DATE:20250919",
		)...),
		vevent(
			"UID:weekly",
			"RECURRENCE-ID;VALUE=DATE:20250922",
			"STATUS:CANCELLED",
		)...)...)

	events, err := ParseICS(Source{ID: "google"}, body, time.UTC)
	if err != nil {
		t.Fatalf("ParseICS() error = %v", err)
	}
	cancelled := 0
	for _, ev := range events {
		if ev.Cancelled {
			cancelled++
			if !ev.IsOverride() || model.FormatDate(*ev.Recurrence) != "2025-09-22" {
				t.Errorf("cancelled event = %+v, want override of 2025-09-22", ev)
			}
		}
	}
	if cancelled != 1 {
		t.Fatalf("ParseICS() kept %d cancelled overrides, want 1", cancelled)
	}

	blocks, err := ExpandBlocks("LIVA", events, ExpandConfig{
		RangeStart: model.MustDate("2025-08-31"),
		RangeEnd:   model.MustDate("2026-08-31"),
	})
	if err != nil {
		t.Fatalf("ExpandBlocks() error = %v", err)
	}

	want := []struct{ start, end, label string }{
		{"2025-09-01", "2025-09-03", "Owner stay"},
		{"2025-09-16", "2025-09-19", "Owner stay (moved)"},
	}
	if len(blocks) != len(want) {
		t.Fatalf("ExpandBlocks() returned %d blocks, want %d: %+v", len(blocks), len(want), blocks)
	}
	for i, w := range want {
		b := blocks[i]
		if model.FormatDate(b.Start) != w.start || model.FormatDate(b.End) != w.end || b.Label != w.label {
			t.Errorf("block %d = %s..%s %q, want %s..%s %q", i,
				model.FormatDate(b.Start), model.FormatDate(b.End), b.Label, w.start, w.end, w.label)
		}
		if b.Property != "LIVA" || b.Source != "google" || b.UID != "weekly" {
			t.Errorf("block %d tagged %s/%s/%s", i, b.Property, b.Source, b.UID)
		}
	}
}

func TestExpandBlocksClipsSeriesToWindow(t *testing.T) {
	events := []ParsedEvent{{
		Source:   Source{ID: "google"},
		UID:      "daily",
		Start:    model.MustDate("2025-01-01"),
		End:      model.MustDate("2025-01-02"),
		RawRRule: "FREQ=DAILY",
	}}

	blocks, err := ExpandBlocks("BLOM", events, ExpandConfig{
		RangeStart: model.MustDate("2025-03-01"),
		RangeEnd:   model.MustDate("2025-03-05"),
	})
	if err != nil {
		t.Fatalf("ExpandBlocks() error = %v", err)
	}
	if len(blocks) != 5 {
		t.Fatalf("ExpandBlocks() returned %d blocks, want 5 (Mar 1..5 inclusive)", len(blocks))
	}
	if got := model.FormatDate(blocks[0].Start); got != "2025-03-01" {
		t.Errorf("first block starts %s, want 2025-03-01", got)
	}
	if blocks[0].Label != "Reserved" {
		t.Errorf("label = %q, want default label", blocks[0].Label)
	}
}

func TestExpandBlocksDropsOrphanCancelledOverride(t *testing.T) {
	rid := model.MustDate("2025-09-08")
	events := []ParsedEvent{{
		Source:     Source{ID: "airbnb"},
		UID:        "gone",
		Recurrence: &rid,
		Cancelled:  true,
	}}

	blocks, err := ExpandBlocks("BLOM", events, ExpandConfig{
		RangeStart: model.MustDate("2025-09-01"),
		RangeEnd:   model.MustDate("2025-10-01"),
	})
	if err != nil {
		t.Fatalf("ExpandBlocks() error = %v", err)
	}
	if len(blocks) != 0 {
		t.Fatalf("ExpandBlocks() = %+v, want no blocks for a cancelled instance", blocks)
	}
}
