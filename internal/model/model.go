package model

import (
	"fmt"
	"time"
)

// DateLayout is the wire and storage format for date-only values.
const DateLayout = "2006-01-02"

// Origin tags where an availability interval came from.
type Origin string

const (
	OriginInternal Origin = "internal"
	OriginExternal Origin = "external"
)

// Property is one of the fixed rental units. Codes are upper-case.
type Property struct {
	Code string
	Name string
}

// Reservation is an authoritative, ledger-owned occupancy record created from
// a confirmed payment event. End is exclusive.
type Reservation struct {
	ID       string
	Property string

	Start time.Time
	End   time.Time

	Email       string
	AmountMinor *int64
	Currency    string

	// EventID is the payment provider event that created this reservation.
	EventID   string
	CreatedAt time.Time
}

// Validate checks the per-record invariants. Overlap is checked by the ledger.
func (r Reservation) Validate() error {
	if r.Property == "" {
		return fmt.Errorf("reservation: property is empty")
	}
	if r.EventID == "" {
		return fmt.Errorf("reservation: event id is empty")
	}
	if !r.Start.Before(r.End) {
		return fmt.Errorf("reservation: start %s is not before end %s", FormatDate(r.Start), FormatDate(r.End))
	}
	return nil
}

// Nights returns the number of nights covered by the reservation.
func (r Reservation) Nights() int {
	return int(r.End.Sub(r.Start).Hours() / 24)
}

// ExternalBlock is an advisory occupancy interval read from a third-party
// calendar feed. It is recomputed on every aggregation.
type ExternalBlock struct {
	Property string `json:"property"`

	Start time.Time `json:"start"`
	End   time.Time `json:"end"`

	// Source is the feed id from configuration (e.g. "airbnb").
	Source string `json:"source"`
	// UID is the raw VEVENT UID; identifier spaces differ between channels.
	UID   string `json:"uid"`
	Label string `json:"label"`
}

// WebhookEvent is the idempotency witness for one provider event id.
type WebhookEvent struct {
	EventID     string
	ProcessedAt time.Time
}

// AvailabilityInterval is a derived, non-persisted occupancy range.
type AvailabilityInterval struct {
	Start   time.Time
	End     time.Time
	Origin  Origin
	Label   string
	Sources []string
}

// Overlaps reports whether the half-open ranges [aStart, aEnd) and
// [bStart, bEnd) intersect.
func Overlaps(aStart, aEnd, bStart, bEnd time.Time) bool {
	return aStart.Before(bEnd) && bStart.Before(aEnd)
}

// Date truncates t to midnight UTC of its calendar day in t's own location.
func Date(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// ParseDate parses a strict YYYY-MM-DD value into midnight UTC.
func ParseDate(s string) (time.Time, error) {
	t, err := time.ParseInLocation(DateLayout, s, time.UTC)
	if err != nil {
		return time.Time{}, err
	}
	return t, nil
}

// MustDate is ParseDate for constants in tests and fixtures.
func MustDate(s string) time.Time {
	t, err := ParseDate(s)
	if err != nil {
		panic(err)
	}
	return t
}

// FormatDate renders a date-only value.
func FormatDate(t time.Time) string {
	return t.Format(DateLayout)
}
