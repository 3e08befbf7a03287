// Package webhook turns signed payment provider deliveries into ledger
// reservations, at most once per provider event id.
package webhook

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"stayledger/internal/config"
	"stayledger/internal/ledger"
	appLog "stayledger/internal/log"
	"stayledger/internal/model"
	"stayledger/internal/notify"
)

// ErrConflict wraps *ledger.ConflictError when the requested stay overlaps
// an existing reservation.
var ErrConflict = errors.New("webhook: reservation conflict")

// Status is the acknowledgement given back to the provider.
type Status string

const (
	StatusCommitted Status = "committed"
	StatusDuplicate Status = "duplicate"
	StatusPending   Status = "pending"
	StatusIgnored   Status = "ignored"
)

// Receipt is the result of one accepted delivery.
type Receipt struct {
	Status      Status             `json:"status"`
	EventID     string             `json:"event_id"`
	Reservation *model.Reservation `json:"-"`
}

// Ledger is the write side of the reservation ledger.
type Ledger interface {
	Write(ctx context.Context, r model.Reservation) (ledger.WriteResult, error)
}

// Ingestor is the single ingestion pipeline: verify, decode, write, hand off.
type Ingestor struct {
	secret     string
	tolerance  time.Duration
	decoder    *Decoder
	ledger     Ledger
	notifier   notify.Notifier
	names      map[string]string
	adminEmail string

	now    func() time.Time
	tracer trace.Tracer
}

// NewIngestor wires the pipeline from cfg. notifier may be nil.
func NewIngestor(cfg *config.Config, l Ledger, notifier notify.Notifier) *Ingestor {
	props := make([]model.Property, 0, len(cfg.Properties))
	names := make(map[string]string, len(cfg.Properties))
	for _, p := range cfg.Properties {
		props = append(props, model.Property{Code: p.Code, Name: p.Name})
		names[p.Code] = p.Name
	}
	if notifier == nil {
		notifier = notify.NewLog()
	}
	return &Ingestor{
		secret:     cfg.Webhook.Secret,
		tolerance:  time.Duration(cfg.Webhook.ToleranceSeconds) * time.Second,
		decoder:    NewDecoder(props, cfg.Webhook.MaxNights),
		ledger:     l,
		notifier:   notify.NewDedupe(notifier, notify.DefaultDedupeWindow),
		names:      names,
		adminEmail: cfg.Notify.AdminEmail,
		now:        time.Now,
		tracer:     otel.Tracer("stayledger/webhook"),
	}
}

// Ingest processes one raw delivery.
//
// Errors: ErrInvalidSignature, ErrMalformedEvent, ErrConflict, or a wrapped
// ledger failure. Duplicates and unrelated event types are successes.
func (in *Ingestor) Ingest(ctx context.Context, payload []byte, signature string) (Receipt, error) {
	ctx, span := in.tracer.Start(ctx, "webhook.Ingest")
	defer span.End()

	if err := VerifySignature(payload, signature, in.secret, in.tolerance, in.now()); err != nil {
		appLog.Error("webhook rejected", err)
		return Receipt{}, err
	}

	event, err := in.decoder.Decode(payload)
	if err != nil {
		appLog.Error("webhook rejected", err)
		return Receipt{}, err
	}
	span.SetAttributes(attribute.String("event_id", event.ID), attribute.String("event_type", event.Type))

	if event.Type != CheckoutCompleted {
		appLog.Debug("webhook ignored", "event_id", event.ID, "type", event.Type)
		return Receipt{Status: StatusIgnored, EventID: event.ID}, nil
	}

	r, err := in.decoder.Reservation(event)
	if err != nil {
		appLog.Error("webhook rejected", err, "event_id", event.ID)
		return Receipt{}, err
	}

	res, err := in.ledger.Write(ctx, r)
	if err != nil {
		span.RecordError(err)
		return Receipt{}, fmt.Errorf("webhook: %s: %w", event.ID, err)
	}

	receipt := Receipt{EventID: event.ID}
	switch res.Outcome {
	case ledger.Committed:
		receipt.Status = StatusCommitted
		receipt.Reservation = &res.Reservation
		in.handoff(ctx, res.Reservation, false)
	case ledger.Degraded:
		receipt.Status = StatusPending
		receipt.Reservation = &res.Reservation
		in.handoff(ctx, res.Reservation, true)
	case ledger.Duplicate:
		receipt.Status = StatusDuplicate
		if res.Reservation.ID != "" {
			receipt.Reservation = &res.Reservation
		}
	case ledger.Conflict:
		appLog.Error("webhook reservation conflict", res.Conflict,
			"event_id", event.ID,
			"property", r.Property,
			"start", model.FormatDate(r.Start),
			"end", model.FormatDate(r.End),
		)
		return Receipt{}, fmt.Errorf("%w: %w", ErrConflict, res.Conflict)
	default:
		return Receipt{}, fmt.Errorf("webhook: %s: unexpected ledger outcome %s", event.ID, res.Outcome)
	}

	appLog.Info("webhook processed",
		"event_id", event.ID,
		"status", string(receipt.Status),
		"property", r.Property,
		"start", model.FormatDate(r.Start),
		"end", model.FormatDate(r.End),
	)
	return receipt, nil
}

// handoff never affects the receipt; the reservation is already durable.
func (in *Ingestor) handoff(ctx context.Context, r model.Reservation, pending bool) {
	h := notify.NewHandoff(r, in.names[r.Property], in.adminEmail, pending)
	if err := in.notifier.Enqueue(context.WithoutCancel(ctx), h); err != nil {
		appLog.Error("notification enqueue failed", err, "event_id", r.EventID, "reservation_id", r.ID)
	}
}
