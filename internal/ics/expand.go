package ics

import (
	"errors"
	"sort"
	"time"

	"github.com/teambition/rrule-go"

	appLog "stayledger/internal/log"
	"stayledger/internal/model"
)

const (
	defaultMaxOccurrencesPerEvent = 5000

	// defaultLabel is used for channel events that carry no SUMMARY.
	defaultLabel = "Reserved"
)

// ExpandConfig bounds recurrence expansion. RangeStart and RangeEnd are dates.
type ExpandConfig struct {
	RangeStart time.Time
	RangeEnd   time.Time

	// MaxOccurrencesPerEvent caps one series. Zero means defaultMaxOccurrencesPerEvent.
	MaxOccurrencesPerEvent int
}

// ExpandBlocks turns parsed events into external blocks for property.
//
// Single events pass through whatever their dates. Recurring events are
// expanded only for instances intersecting [RangeStart, RangeEnd], with
// EXDATE removals and RECURRENCE-ID overrides applied. The result is
// ordered by start, then UID.
func ExpandBlocks(property string, events []ParsedEvent, cfg ExpandConfig) ([]model.ExternalBlock, error) {
	if cfg.RangeEnd.Before(cfg.RangeStart) {
		return nil, errors.New("expand: RangeEnd is before RangeStart")
	}
	if cfg.MaxOccurrencesPerEvent <= 0 {
		cfg.MaxOccurrencesPerEvent = defaultMaxOccurrencesPerEvent
	}

	// Group base events and overrides by UID.
	baseByUID := make(map[string][]ParsedEvent)
	overridesByUID := make(map[string]map[string]ParsedEvent)
	for _, ev := range events {
		if !ev.IsOverride() {
			baseByUID[ev.UID] = append(baseByUID[ev.UID], ev)
			continue
		}
		if overridesByUID[ev.UID] == nil {
			overridesByUID[ev.UID] = make(map[string]ParsedEvent)
		}
		overridesByUID[ev.UID][model.FormatDate(*ev.Recurrence)] = ev
	}

	out := make([]model.ExternalBlock, 0, len(events))

	for uid, bases := range baseByUID {
		ov := overridesByUID[uid]
		for _, ev := range bases {
			if ev.RawRRule == "" {
				out = append(out, makeBlock(property, ev, ev.Start, ev.End))
				continue
			}
			blocks, hitCap := expandRecurring(property, ev, ov, cfg)
			if hitCap {
				appLog.Error("expand: truncated occurrences due to cap",
					errors.New("max occurrences reached"),
					"feed", ev.Source.ID,
					"uid", uid,
					"cap", cfg.MaxOccurrencesPerEvent,
				)
			}
			out = append(out, blocks...)
		}
	}

	// Overrides whose series is missing from the feed still occupy their dates.
	for uid, ov := range overridesByUID {
		if _, ok := baseByUID[uid]; ok {
			continue
		}
		for _, ev := range ov {
			if ev.Cancelled {
				continue
			}
			out = append(out, makeBlock(property, ev, ev.Start, ev.End))
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].Start.Equal(out[j].Start) {
			return out[i].Start.Before(out[j].Start)
		}
		if out[i].UID != out[j].UID {
			return out[i].UID < out[j].UID
		}
		return out[i].End.Before(out[j].End)
	})
	return out, nil
}

func expandRecurring(property string, ev ParsedEvent, overrides map[string]ParsedEvent, cfg ExpandConfig) ([]model.ExternalBlock, bool) {
	out := make([]model.ExternalBlock, 0)

	r, err := rrule.StrToRRule(ev.RawRRule)
	if err != nil {
		appLog.Error("expand: failed to parse RRULE", err, "feed", ev.Source.ID, "uid", ev.UID, "rrule", ev.RawRRule)
		// The first instance is still a real block.
		return append(out, makeBlock(property, ev, ev.Start, ev.End)), false
	}
	r.DTStart(ev.Start)

	var set rrule.Set
	set.RRule(r)
	for _, ex := range ev.ExDates {
		set.ExDate(ex)
	}

	nights := int(ev.End.Sub(ev.Start).Hours() / 24)
	if nights < 1 {
		nights = 1
	}

	// An instance starting before RangeStart can still reach into the range.
	from := cfg.RangeStart.AddDate(0, 0, -nights)
	starts := set.Between(from, cfg.RangeEnd, true)

	hitCap := false
	if len(starts) > cfg.MaxOccurrencesPerEvent {
		starts = starts[:cfg.MaxOccurrencesPerEvent]
		hitCap = true
	}

	seen := make(map[string]bool, len(starts))
	for _, s := range starts {
		start := model.Date(s)
		key := model.FormatDate(start)
		if seen[key] {
			continue
		}
		seen[key] = true

		if o, ok := overrides[key]; ok {
			// A cancelled override works like an EXDATE.
			if !o.Cancelled {
				out = append(out, makeBlock(property, o, o.Start, o.End))
			}
			continue
		}
		end := start.AddDate(0, 0, nights)
		if !end.After(cfg.RangeStart) {
			continue
		}
		out = append(out, makeBlock(property, ev, start, end))
	}
	return out, hitCap
}

func makeBlock(property string, ev ParsedEvent, start, end time.Time) model.ExternalBlock {
	label := ev.Summary
	if label == "" {
		label = defaultLabel
	}
	return model.ExternalBlock{
		Property: property,
		Start:    start,
		End:      end,
		Source:   ev.Source.ID,
		UID:      ev.UID,
		Label:    label,
	}
}
