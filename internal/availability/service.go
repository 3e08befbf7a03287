package availability

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"stayledger/internal/model"
)

var (
	ErrUnknownProperty = errors.New("availability: unknown property")
	ErrInvalidRange    = errors.New("availability: invalid range")
)

// ReservationReader is the read side of the ledger.
type ReservationReader interface {
	Read(ctx context.Context, property string, from, to time.Time) ([]model.Reservation, error)
}

// BlockFetcher returns the current external blocks of a property. It must
// not fail; unavailable feeds are simply missing from the result.
type BlockFetcher interface {
	FetchAll(ctx context.Context, property string) []model.ExternalBlock
}

// CheckResult answers whether a stay fits.
type CheckResult struct {
	Free     bool
	Blocking []model.AvailabilityInterval
}

// Service answers availability queries for the configured properties.
type Service struct {
	ledger     ReservationReader
	feeds      BlockFetcher
	properties map[string]model.Property
	tracer     trace.Tracer
}

func NewService(ledger ReservationReader, feeds BlockFetcher, properties []model.Property) *Service {
	props := make(map[string]model.Property, len(properties))
	for _, p := range properties {
		props[p.Code] = p
	}
	return &Service{
		ledger:     ledger,
		feeds:      feeds,
		properties: props,
		tracer:     otel.Tracer("stayledger/availability"),
	}
}

// Property resolves a case-insensitive property code.
func (s *Service) Property(code string) (model.Property, bool) {
	p, ok := s.properties[strings.ToUpper(strings.TrimSpace(code))]
	return p, ok
}

// Properties lists the configured properties ordered by code.
func (s *Service) Properties() []model.Property {
	out := make([]model.Property, 0, len(s.properties))
	for _, p := range s.properties {
		out = append(out, p)
	}
	slices.SortFunc(out, func(a, b model.Property) int { return strings.Compare(a.Code, b.Code) })
	return out
}

// Query returns the merged intervals of property intersecting [from, to).
// Zero bounds are unbounded. Feed failures never fail the query; a ledger
// read failure does.
func (s *Service) Query(ctx context.Context, property string, from, to time.Time) ([]model.AvailabilityInterval, error) {
	p, ok := s.Property(property)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProperty, property)
	}
	if !from.IsZero() && !to.IsZero() && !from.Before(to) {
		return nil, fmt.Errorf("%w: from %s is not before to %s", ErrInvalidRange, model.FormatDate(from), model.FormatDate(to))
	}

	ctx, span := s.tracer.Start(ctx, "availability.Query", trace.WithAttributes(
		attribute.String("property", p.Code),
	))
	defer span.End()

	var (
		internal []model.Reservation
		external []model.ExternalBlock
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		internal, err = s.ledger.Read(gctx, p.Code, from, to)
		return err
	})
	g.Go(func() error {
		external = s.feeds.FetchAll(gctx, p.Code)
		return nil
	})
	if err := g.Wait(); err != nil {
		span.RecordError(err)
		return nil, err
	}

	merged := Clip(Merge(internal, external), from, to)
	span.SetAttributes(attribute.Int("intervals", len(merged)))
	return merged, nil
}

// Check reports whether [start, start+nights) is free on property, along
// with every interval that blocks it.
func (s *Service) Check(ctx context.Context, property string, start time.Time, nights int) (CheckResult, error) {
	if nights < 1 {
		return CheckResult{}, fmt.Errorf("%w: nights must be at least 1", ErrInvalidRange)
	}
	start = model.Date(start)
	end := start.AddDate(0, 0, nights)

	blocking, err := s.Query(ctx, property, start, end)
	if err != nil {
		return CheckResult{}, err
	}
	return CheckResult{Free: len(blocking) == 0, Blocking: blocking}, nil
}
