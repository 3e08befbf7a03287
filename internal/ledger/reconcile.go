package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/robfig/cron/v3"

	appLog "stayledger/internal/log"
)

// ReconcileReport summarises one WAL drain.
type ReconcileReport struct {
	Replayed   int `json:"replayed"`
	Duplicates int `json:"duplicates"`
	Rejected   int `json:"rejected"`
	Kept       int `json:"kept"`
}

// ErrNoWAL is returned by Reconcile and StartReconciler when no WAL is configured.
var ErrNoWAL = errors.New("ledger: no wal configured")

// Reconcile replays the WAL into the primary store with the same overlap and
// idempotency checks as Write. Committed and duplicate entries are removed,
// conflicting entries move to the rejected file, and entries that still
// cannot reach the store are kept for the next run.
func (l *Ledger) Reconcile(ctx context.Context) (ReconcileReport, error) {
	var report ReconcileReport
	if l.wal == nil {
		return report, ErrNoWAL
	}

	l.reconcileMu.Lock()
	defer l.reconcileMu.Unlock()

	storeDown := false
	if err := l.EnsureMigrated(ctx); err != nil {
		appLog.Error("reconcile: store not ready, keeping wal entries", err, "pending", l.wal.Len())
		storeDown = true
	}
	err := l.wal.drain(func(e Entry) (drainAction, string) {
		if storeDown || ctx.Err() != nil {
			report.Kept++
			return keepEntry, ""
		}

		r, err := e.Reservation.model()
		if err != nil {
			report.Rejected++
			return rejectEntry, err.Error()
		}

		res, err := l.writePrimary(ctx, r)
		if err != nil {
			if errors.Is(err, ErrUnknownProperty) {
				report.Rejected++
				appLog.Error("reconcile: rejecting wal entry", err, "event_id", e.EventID)
				return rejectEntry, err.Error()
			}
			if l.unreachable(ctx, err) {
				storeDown = true
			} else {
				appLog.Error("reconcile: replay failed, keeping entry", err, "event_id", e.EventID)
			}
			report.Kept++
			return keepEntry, ""
		}

		switch res.Outcome {
		case Committed:
			report.Replayed++
			return dropEntry, ""
		case Duplicate:
			report.Duplicates++
			return dropEntry, ""
		case Conflict:
			report.Rejected++
			appLog.Error("reconcile: wal entry conflicts with stored reservation", res.Conflict,
				"event_id", e.EventID,
				"property", r.Property,
				"rejected_file", l.wal.RejectedPath(),
			)
			return rejectEntry, res.Conflict.Error()
		default:
			report.Kept++
			return keepEntry, ""
		}
	})
	if err != nil {
		return report, fmt.Errorf("ledger: reconcile: %w", err)
	}

	if report != (ReconcileReport{}) {
		appLog.Info("reconcile completed",
			"replayed", report.Replayed,
			"duplicates", report.Duplicates,
			"rejected", report.Rejected,
			"kept", report.Kept,
		)
	}
	return report, nil
}

// StartReconciler runs Reconcile on a cron schedule until ctx is cancelled.
func (l *Ledger) StartReconciler(ctx context.Context, spec string) (*cron.Cron, error) {
	if l.wal == nil {
		return nil, ErrNoWAL
	}

	c := cron.New()
	_, err := c.AddFunc(spec, func() {
		if _, err := l.Reconcile(ctx); err != nil {
			appLog.Error("scheduled reconcile failed", err)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("ledger: invalid reconcile schedule %q: %w", spec, err)
	}
	c.Start()

	go func() {
		<-ctx.Done()
		<-c.Stop().Done()
	}()

	appLog.Info("wal reconciler scheduled", "schedule", spec, "wal", l.wal.Path())
	return c, nil
}
