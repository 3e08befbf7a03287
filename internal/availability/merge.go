// Package availability consolidates ledger reservations and channel blocks
// into one occupancy view per property.
package availability

import (
	"sort"
	"strings"
	"time"

	"stayledger/internal/model"
)

const ledgerSource = "ledger"

// Merge combines internal reservations and external blocks. Reservations are
// kept one-for-one; overlapping or touching external blocks are unioned. The
// two origins are never merged with each other. The result does not depend
// on the order of either input.
func Merge(internal []model.Reservation, external []model.ExternalBlock) []model.AvailabilityInterval {
	out := make([]model.AvailabilityInterval, 0, len(internal)+len(external))

	for _, r := range internal {
		out = append(out, model.AvailabilityInterval{
			Start:   r.Start,
			End:     r.End,
			Origin:  model.OriginInternal,
			Label:   reservationLabel(r.ID),
			Sources: []string{ledgerSource},
		})
	}

	out = append(out, unionExternal(external)...)

	sort.SliceStable(out, func(i, j int) bool {
		return less(out[i], out[j])
	})
	return out
}

func reservationLabel(id string) string {
	if len(id) > 8 {
		id = id[:8]
	}
	return "Reservation " + id
}

// unionExternal sorts by start and sweeps, extending the current run while
// the next block starts on or before its end.
func unionExternal(blocks []model.ExternalBlock) []model.AvailabilityInterval {
	if len(blocks) == 0 {
		return nil
	}

	sorted := make([]model.ExternalBlock, 0, len(blocks))
	for _, b := range blocks {
		if b.Start.Before(b.End) {
			sorted = append(sorted, b)
		}
	}
	sort.Slice(sorted, func(i, j int) bool {
		if !sorted[i].Start.Equal(sorted[j].Start) {
			return sorted[i].Start.Before(sorted[j].Start)
		}
		return sorted[i].End.Before(sorted[j].End)
	})

	var (
		out     []model.AvailabilityInterval
		cur     model.AvailabilityInterval
		labels  = map[string]struct{}{}
		sources = map[string]struct{}{}
		open    bool
	)
	flush := func() {
		cur.Label = strings.Join(sortedKeys(labels), ", ")
		cur.Sources = sortedKeys(sources)
		out = append(out, cur)
		labels = map[string]struct{}{}
		sources = map[string]struct{}{}
	}

	for _, b := range sorted {
		if open && !b.Start.After(cur.End) {
			if b.End.After(cur.End) {
				cur.End = b.End
			}
		} else {
			if open {
				flush()
			}
			cur = model.AvailabilityInterval{Start: b.Start, End: b.End, Origin: model.OriginExternal}
			open = true
		}
		if b.Label != "" {
			labels[b.Label] = struct{}{}
		}
		if b.Source != "" {
			sources[b.Source] = struct{}{}
		}
	}
	if open {
		flush()
	}
	return out
}

func sortedKeys(m map[string]struct{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// less orders by start, internal before external, end, then label.
func less(a, b model.AvailabilityInterval) bool {
	if !a.Start.Equal(b.Start) {
		return a.Start.Before(b.Start)
	}
	if a.Origin != b.Origin {
		return a.Origin == model.OriginInternal
	}
	if !a.End.Equal(b.End) {
		return a.End.Before(b.End)
	}
	return a.Label < b.Label
}

// Clip keeps the intervals intersecting [from, to). Zero bounds are unbounded.
func Clip(intervals []model.AvailabilityInterval, from, to time.Time) []model.AvailabilityInterval {
	out := make([]model.AvailabilityInterval, 0, len(intervals))
	for _, iv := range intervals {
		if !to.IsZero() && !iv.Start.Before(to) {
			continue
		}
		if !from.IsZero() && !iv.End.After(from) {
			continue
		}
		out = append(out, iv)
	}
	return out
}
