package notify

import (
	"context"
	"sync"

	appLog "stayledger/internal/log"
)

// DefaultDedupeWindow is how many recent event ids NewIngestor remembers.
const DefaultDedupeWindow = 4096

// Dedupe passes each event id to the wrapped notifier at most once. A
// provider redelivering a committed event while the store is down gets a
// Degraded write, and without this the guest would be confirmed twice.
//
// Only the last size ids are kept, in memory. Across restarts the mailer
// dedupes on the AMQP message id, which is the event id.
type Dedupe struct {
	next Notifier
	size int

	mu    sync.Mutex
	seen  map[string]struct{}
	order []string
}

func NewDedupe(next Notifier, size int) *Dedupe {
	if size <= 0 {
		size = DefaultDedupeWindow
	}
	return &Dedupe{next: next, size: size, seen: make(map[string]struct{}, size)}
}

func (d *Dedupe) Enqueue(ctx context.Context, h Handoff) error {
	if h.EventID == "" {
		return d.next.Enqueue(ctx, h)
	}

	d.mu.Lock()
	if _, ok := d.seen[h.EventID]; ok {
		d.mu.Unlock()
		appLog.Debug("notify: handoff already sent", "event_id", h.EventID, "pending", h.Pending)
		return nil
	}
	d.remember(h.EventID)
	d.mu.Unlock()

	if err := d.next.Enqueue(ctx, h); err != nil {
		// Let a later delivery try again.
		d.mu.Lock()
		delete(d.seen, h.EventID)
		d.mu.Unlock()
		return err
	}
	return nil
}

func (d *Dedupe) remember(id string) {
	d.seen[id] = struct{}{}
	d.order = append(d.order, id)
	for len(d.order) > d.size {
		delete(d.seen, d.order[0])
		d.order = d.order[1:]
	}
}
