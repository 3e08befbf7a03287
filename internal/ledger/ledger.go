package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	appLog "stayledger/internal/log"
	"stayledger/internal/model"
)

const pingTimeout = 2 * time.Second

// Ledger is the durable store of reservations and webhook event witnesses,
// with a WAL fallback for when the store is unreachable.
//
// Reads always come from the primary store, so during an outage they lag
// the WAL until Reconcile runs.
type Ledger struct {
	db         *gorm.DB
	wal        *WAL
	properties []model.Property
	now        func() time.Time
	tracer     trace.Tracer

	migrateMu sync.Mutex
	migrated  bool

	// reconcileMu keeps the cron job and on-demand calls from overlapping.
	reconcileMu sync.Mutex
}

// New wires a ledger over an opened store. The schema and the property rows
// are created on first use and retried until they succeed. wal may be nil,
// in which case an unreachable store fails the write with ErrUnreachable.
func New(db *gorm.DB, wal *WAL, properties []model.Property) *Ledger {
	return &Ledger{
		db:         db,
		wal:        wal,
		properties: properties,
		now:        time.Now,
		tracer:     otel.Tracer("stayledger/ledger"),
	}
}

// EnsureMigrated runs Migrate once it first succeeds; failures are retried on
// the next call.
func (l *Ledger) EnsureMigrated(ctx context.Context) error {
	l.migrateMu.Lock()
	defer l.migrateMu.Unlock()
	if l.migrated {
		return nil
	}
	if err := Migrate(l.db.WithContext(ctx), l.properties); err != nil {
		return err
	}
	l.migrated = true
	return nil
}

// WAL exposes the fallback log (nil if not configured).
func (l *Ledger) WAL() *WAL { return l.wal }

// Write records a reservation together with its event witness.
//
// Overlap with an existing reservation of the same property yields Conflict;
// a previously recorded event id yields Duplicate; an unreachable store
// yields Degraded after the record is appended to the WAL.
func (l *Ledger) Write(ctx context.Context, r model.Reservation) (WriteResult, error) {
	ctx, span := l.tracer.Start(ctx, "ledger.Write", trace.WithAttributes(
		attribute.String("property", r.Property),
		attribute.String("event_id", r.EventID),
	))
	defer span.End()

	if err := r.Validate(); err != nil {
		return WriteResult{}, err
	}
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = l.now().UTC()
	}

	// A store without its schema cannot take the write; treat it as down.
	err := l.EnsureMigrated(ctx)
	if err == nil {
		var res WriteResult
		res, err = l.writePrimary(ctx, r)
		if err == nil {
			span.SetAttributes(attribute.String("outcome", res.Outcome.String()))
			return res, nil
		}
		if !l.unreachable(ctx, err) {
			span.RecordError(err)
			return WriteResult{}, err
		}
	} else if errors.Is(err, context.Canceled) {
		return WriteResult{}, err
	}

	if l.wal == nil {
		return WriteResult{}, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}

	appended, werr := l.wal.Append(Entry{
		EventID:     r.EventID,
		Reservation: toRow(r),
		AppendedAt:  l.now().UTC(),
	})
	if werr != nil {
		return WriteResult{}, fmt.Errorf("ledger: store unreachable and wal append failed: %w", errors.Join(err, werr))
	}
	if !appended {
		appLog.Info("ledger: event already pending in wal", "event_id", r.EventID)
		return WriteResult{Outcome: Duplicate}, nil
	}

	appLog.Error("ledger: store unreachable, reservation written to wal", err,
		"event_id", r.EventID,
		"property", r.Property,
		"start", model.FormatDate(r.Start),
		"end", model.FormatDate(r.End),
		"wal", l.wal.Path(),
	)
	span.SetAttributes(attribute.String("outcome", Degraded.String()))
	return WriteResult{Outcome: Degraded, Reservation: r}, nil
}

// writePrimary runs the overlap and idempotency checks and the insert in one
// transaction holding the property row lock.
func (l *Ledger) writePrimary(ctx context.Context, r model.Reservation) (WriteResult, error) {
	var result WriteResult

	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var prop propertyRow
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("code = ?", r.Property).
			Take(&prop).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: %s", ErrUnknownProperty, r.Property)
			}
			return err
		}

		var seen int64
		if err := tx.Model(&webhookEventRow{}).Where("event_id = ?", r.EventID).Count(&seen).Error; err != nil {
			return err
		}
		if seen > 0 {
			result = WriteResult{Outcome: Duplicate}
			var prev reservationRow
			if err := tx.Where("event_id = ?", r.EventID).Take(&prev).Error; err == nil {
				if m, err := prev.model(); err == nil {
					result.Reservation = m
				}
			}
			return nil
		}

		// Half-open overlap: existing.start < new.end AND existing.end > new.start.
		var existing reservationRow
		err = tx.Where("property = ? AND start_date < ? AND end_date > ?",
			r.Property, model.FormatDate(r.End), model.FormatDate(r.Start)).
			Order("start_date ASC").
			Take(&existing).Error
		if err == nil {
			ex, merr := existing.model()
			if merr != nil {
				return merr
			}
			result = WriteResult{
				Outcome:     Conflict,
				Reservation: r,
				Conflict:    &ConflictError{Attempted: r, Existing: ex},
			}
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		if err := tx.Create(&webhookEventRow{EventID: r.EventID, ProcessedAt: l.now().UTC()}).Error; err != nil {
			return err
		}
		row := toRow(r)
		if err := tx.Create(&row).Error; err != nil {
			return err
		}
		result = WriteResult{Outcome: Committed, Reservation: r}
		return nil
	})

	if errors.Is(err, gorm.ErrDuplicatedKey) {
		// A concurrent delivery of the same event won the insert.
		return WriteResult{Outcome: Duplicate}, nil
	}
	if err != nil {
		return WriteResult{}, err
	}
	return result, nil
}

// unreachable decides whether err means the store is down, as opposed to a
// rejected statement on a healthy store.
func (l *Ledger) unreachable(ctx context.Context, err error) bool {
	if errors.Is(err, ErrUnknownProperty) || errors.Is(err, context.Canceled) {
		return false
	}
	sqlDB, derr := l.db.DB()
	if derr != nil {
		return true
	}
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), pingTimeout)
	defer cancel()
	return sqlDB.PingContext(pctx) != nil
}

// Read returns the reservations of a property intersecting [from, to),
// ordered by start. Zero bounds are unbounded.
func (l *Ledger) Read(ctx context.Context, property string, from, to time.Time) ([]model.Reservation, error) {
	if err := l.EnsureMigrated(ctx); err != nil {
		return nil, fmt.Errorf("ledger: read %s: %w", property, err)
	}
	q := l.db.WithContext(ctx).Where("property = ?", property)
	if !to.IsZero() {
		q = q.Where("start_date < ?", model.FormatDate(to))
	}
	if !from.IsZero() {
		q = q.Where("end_date > ?", model.FormatDate(from))
	}

	var rows []reservationRow
	if err := q.Order("start_date ASC").Order("id ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("ledger: read %s: %w", property, err)
	}

	out := make([]model.Reservation, 0, len(rows))
	for _, row := range rows {
		m, err := row.model()
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

// EventRecorded reports whether the event id has a witness in the store.
func (l *Ledger) EventRecorded(ctx context.Context, eventID string) (bool, error) {
	var n int64
	err := l.db.WithContext(ctx).Model(&webhookEventRow{}).Where("event_id = ?", eventID).Count(&n).Error
	return n > 0, err
}
