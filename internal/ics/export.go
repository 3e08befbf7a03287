package ics

import (
	"time"

	ical "github.com/arran4/golang-ical"

	"stayledger/internal/model"
)

// ExportOptions are the document-level values of a published calendar.
type ExportOptions struct {
	ProdID    string
	UIDDomain string
}

// Export renders the reservations of one property as a PUBLISH calendar.
//
// UIDs and DTSTAMP are derived from the stored reservation only, so two
// exports of the same ledger state are byte-identical.
func Export(property model.Property, reservations []model.Reservation, opts ExportOptions) string {
	cal := ical.NewCalendar()
	cal.SetMethod(ical.MethodPublish)
	if opts.ProdID != "" {
		cal.SetProductId(opts.ProdID)
	}
	name := property.Name
	if name == "" {
		name = property.Code
	}
	cal.SetXWRCalName(name)
	cal.SetXPublishedTTL("PT15M")

	domain := opts.UIDDomain
	if domain == "" {
		domain = "localhost"
	}

	for _, r := range reservations {
		ev := cal.AddEvent(r.ID + "@" + domain)
		stamp := r.CreatedAt
		if stamp.IsZero() {
			stamp = time.Unix(0, 0)
		}
		ev.SetDtStampTime(stamp)
		ev.SetAllDayStartAt(r.Start)
		ev.SetAllDayEndAt(r.End)
		ev.SetSummary(property.Code + " reserved")
		ev.SetTimeTransparency(ical.TransparencyOpaque)
	}

	return cal.Serialize()
}
