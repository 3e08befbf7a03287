package notify

import (
	"context"
	"sync"
	"time"

	appLog "stayledger/internal/log"
	"stayledger/internal/model"
)

// Handoff is everything a confirmation sender needs about a new reservation.
// The ledger write is final before a Handoff is produced.
type Handoff struct {
	ReservationID string    `json:"reservation_id"`
	EventID       string    `json:"event_id"`
	Property      string    `json:"property"`
	PropertyName  string    `json:"property_name"`
	Arrival       string    `json:"arrival"`
	Departure     string    `json:"departure"`
	Nights        int       `json:"nights"`
	GuestEmail    string    `json:"guest_email,omitempty"`
	AmountMinor   *int64    `json:"amount_minor,omitempty"`
	Currency      string    `json:"currency,omitempty"`
	AdminCopy     string    `json:"admin_copy,omitempty"`
	Pending       bool      `json:"pending"`
	CreatedAt     time.Time `json:"created_at"`
}

// NewHandoff builds the record for r. pending marks reservations still in the WAL.
func NewHandoff(r model.Reservation, propertyName, adminEmail string, pending bool) Handoff {
	return Handoff{
		ReservationID: r.ID,
		EventID:       r.EventID,
		Property:      r.Property,
		PropertyName:  propertyName,
		Arrival:       model.FormatDate(r.Start),
		Departure:     model.FormatDate(r.End),
		Nights:        r.Nights(),
		GuestEmail:    r.Email,
		AmountMinor:   r.AmountMinor,
		Currency:      r.Currency,
		AdminCopy:     adminEmail,
		Pending:       pending,
		CreatedAt:     r.CreatedAt,
	}
}

// Notifier consumes handoffs. Implementations must not block for long;
// failures are reported to the caller, which only logs them.
type Notifier interface {
	Enqueue(ctx context.Context, h Handoff) error
}

// LogNotifier writes handoffs to the application log.
type LogNotifier struct{}

func NewLog() *LogNotifier {
	return &LogNotifier{}
}

func (LogNotifier) Enqueue(_ context.Context, h Handoff) error {
	appLog.Info("notify: reservation confirmed",
		"reservation_id", h.ReservationID,
		"property", h.Property,
		"arrival", h.Arrival,
		"departure", h.Departure,
		"guest", h.GuestEmail != "",
		"pending", h.Pending,
	)
	return nil
}

// Recorder keeps handoffs in memory for tests.
type Recorder struct {
	mu       sync.Mutex
	handoffs []Handoff
	Err      error
}

func (r *Recorder) Enqueue(_ context.Context, h Handoff) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return r.Err
	}
	r.handoffs = append(r.handoffs, h)
	return nil
}

// Handoffs returns a copy of everything enqueued so far.
func (r *Recorder) Handoffs() []Handoff {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Handoff, len(r.handoffs))
	copy(out, r.handoffs)
	return out
}
