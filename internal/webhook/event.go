package webhook

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"

	"stayledger/internal/model"
)

// CheckoutCompleted is the only event type that creates a reservation.
const CheckoutCompleted = "checkout.session.completed"

var ErrMalformedEvent = errors.New("webhook: malformed event")

// Event is the provider envelope. Only the fields below are read.
type Event struct {
	ID   string `json:"id" validate:"required"`
	Type string `json:"type" validate:"required"`
	Data struct {
		Object CheckoutSession `json:"object"`
	} `json:"data"`
}

// CheckoutSession is data.object of a completed checkout.
type CheckoutSession struct {
	AmountTotal   *int64   `json:"amount_total" validate:"omitempty,gte=0"`
	Currency      string   `json:"currency" validate:"omitempty,alpha,len=3"`
	CustomerEmail string   `json:"customer_email" validate:"omitempty,email"`
	Metadata      Metadata `json:"metadata" validate:"required"`
}

// Metadata is set by the booking front-end when it creates the session.
type Metadata struct {
	Property  string `json:"property" validate:"required,property"`
	StartDate string `json:"start_date" validate:"required,datetime=2006-01-02"`
	Nights    string `json:"nights" validate:"required,numeric"`
}

// Decoder parses and validates deliveries against the configured properties.
type Decoder struct {
	validate   *validator.Validate
	properties map[string]model.Property
	maxNights  int
}

func NewDecoder(properties []model.Property, maxNights int) *Decoder {
	d := &Decoder{
		validate:   validator.New(validator.WithRequiredStructEnabled()),
		properties: make(map[string]model.Property, len(properties)),
		maxNights:  maxNights,
	}
	for _, p := range properties {
		d.properties[p.Code] = p
	}
	_ = d.validate.RegisterValidation("property", func(fl validator.FieldLevel) bool {
		_, ok := d.lookup(fl.Field().String())
		return ok
	})
	return d
}

func (d *Decoder) lookup(code string) (model.Property, bool) {
	p, ok := d.properties[strings.ToUpper(strings.TrimSpace(code))]
	return p, ok
}

// Decode reads the envelope. The checkout object is validated by Reservation.
func (d *Decoder) Decode(payload []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(payload, &e); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if err := d.validate.StructExcept(e, "Data"); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	return e, nil
}

// Reservation validates a checkout event and builds the reservation it
// requests, covering [start_date, start_date+nights).
func (d *Decoder) Reservation(e Event) (model.Reservation, error) {
	obj := e.Data.Object
	if err := d.validate.Struct(obj); err != nil {
		return model.Reservation{}, fmt.Errorf("%w: %s: %v", ErrMalformedEvent, e.ID, err)
	}

	prop, _ := d.lookup(obj.Metadata.Property)
	start, err := model.ParseDate(obj.Metadata.StartDate)
	if err != nil {
		return model.Reservation{}, fmt.Errorf("%w: %s: start_date: %v", ErrMalformedEvent, e.ID, err)
	}
	nights, err := strconv.Atoi(obj.Metadata.Nights)
	if err != nil || nights < 1 || (d.maxNights > 0 && nights > d.maxNights) {
		return model.Reservation{}, fmt.Errorf("%w: %s: nights %q out of range", ErrMalformedEvent, e.ID, obj.Metadata.Nights)
	}

	return model.Reservation{
		Property:    prop.Code,
		Start:       start,
		End:         start.AddDate(0, 0, nights),
		Email:       strings.TrimSpace(obj.CustomerEmail),
		AmountMinor: obj.AmountTotal,
		Currency:    strings.ToUpper(obj.Currency),
		EventID:     e.ID,
	}, nil
}
