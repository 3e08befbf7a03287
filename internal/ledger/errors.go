package ledger

import (
	"errors"
	"fmt"

	"stayledger/internal/model"
)

var (
	// ErrUnreachable is returned when the durable store is down and no WAL
	// is configured to absorb the write.
	ErrUnreachable = errors.New("ledger: durable store unreachable")

	// ErrUnknownProperty means the property row does not exist.
	ErrUnknownProperty = errors.New("ledger: unknown property")
)

// Outcome is the result of a ledger write.
type Outcome int

const (
	// Committed: reservation and event witness stored in the primary store.
	Committed Outcome = iota + 1
	// Duplicate: the event id was already recorded; nothing written.
	Duplicate
	// Conflict: the reservation overlaps an existing one; nothing written.
	Conflict
	// Degraded: primary store unreachable; record appended to the WAL.
	Degraded
)

func (o Outcome) String() string {
	switch o {
	case Committed:
		return "committed"
	case Duplicate:
		return "duplicate"
	case Conflict:
		return "conflict"
	case Degraded:
		return "degraded"
	default:
		return "unknown"
	}
}

// ConflictError describes an overlap between a new and an existing reservation.
type ConflictError struct {
	Attempted model.Reservation
	Existing  model.Reservation
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("ledger: reservation [%s, %s) for %s overlaps %s [%s, %s)",
		model.FormatDate(e.Attempted.Start), model.FormatDate(e.Attempted.End), e.Attempted.Property,
		e.Existing.ID, model.FormatDate(e.Existing.Start), model.FormatDate(e.Existing.End))
}

// WriteResult is returned by Ledger.Write.
type WriteResult struct {
	Outcome Outcome
	// Reservation is the stored record for Committed/Degraded, the
	// previously stored record for Duplicate (when found) and the attempted
	// record for Conflict.
	Reservation model.Reservation
	// Conflict is set when Outcome == Conflict.
	Conflict *ConflictError
}
