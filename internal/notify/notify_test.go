package notify

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"stayledger/internal/model"
)

func TestNewHandoff(t *testing.T) {
	amount := int64(30000)
	r := model.Reservation{
		ID:          "3f0c2a9e-0000-4000-8000-000000000001",
		Property:    "BLOM",
		Start:       model.MustDate("2025-09-10"),
		End:         model.MustDate("2025-09-12"),
		Email:       "guest@example.com",
		AmountMinor: &amount,
		Currency:    "EUR",
		EventID:     "evt_1",
		CreatedAt:   time.Date(2025, 8, 15, 10, 0, 0, 0, time.UTC),
	}

	h := NewHandoff(r, "BLŌM", "owner@example.com", true)
	if h.Arrival != "2025-09-10" || h.Departure != "2025-09-12" || h.Nights != 2 {
		t.Fatalf("dates = %s..%s (%d nights), want 2025-09-10..2025-09-12 (2)", h.Arrival, h.Departure, h.Nights)
	}
	if h.PropertyName != "BLŌM" || h.AdminCopy != "owner@example.com" || !h.Pending {
		t.Fatalf("handoff = %+v", h)
	}

	raw, err := json.Marshal(h)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if fields["event_id"] != "evt_1" || fields["amount_minor"] != float64(30000) {
		t.Fatalf("json = %s", raw)
	}
}

func TestHandoffOmitsMissingPayment(t *testing.T) {
	h := NewHandoff(model.Reservation{
		ID: "r", Property: "LIVA",
		Start: model.MustDate("2025-09-01"), End: model.MustDate("2025-09-02"),
	}, "LIVA", "", false)

	raw, err := json.Marshal(h)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	for _, k := range []string{"amount_minor", "currency", "guest_email", "admin_copy"} {
		if _, ok := fields[k]; ok {
			t.Errorf("json has %q, want omitted: %s", k, raw)
		}
	}
}

func TestRecorder(t *testing.T) {
	rec := &Recorder{}
	ctx := context.Background()

	if err := rec.Enqueue(ctx, Handoff{ReservationID: "a"}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	got := rec.Handoffs()
	got[0].ReservationID = "mutated"
	if rec.Handoffs()[0].ReservationID != "a" {
		t.Fatal("Handoffs returned internal slice")
	}

	rec.Err = errors.New("broker down")
	if err := rec.Enqueue(ctx, Handoff{ReservationID: "b"}); err == nil {
		t.Fatal("Enqueue succeeded with Err set")
	}
	if n := len(rec.Handoffs()); n != 1 {
		t.Fatalf("recorded %d handoffs, want 1", n)
	}
}

func TestLogNotifierNeverFails(t *testing.T) {
	var n Notifier = NewLog()
	if err := n.Enqueue(context.Background(), Handoff{ReservationID: "r"}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
}

type flakyNotifier struct {
	fail  bool
	calls int
}

func (f *flakyNotifier) Enqueue(context.Context, Handoff) error {
	f.calls++
	if f.fail {
		return errors.New("broker down")
	}
	return nil
}

func TestDedupeSendsEachEventOnce(t *testing.T) {
	rec := &Recorder{}
	d := NewDedupe(rec, 2)
	ctx := context.Background()

	for _, h := range []Handoff{
		{EventID: "evt_1"},
		{EventID: "evt_1", Pending: true},
		{EventID: "evt_2"},
		{},
		{},
	} {
		if err := d.Enqueue(ctx, h); err != nil {
			t.Fatalf("Enqueue(%+v) error = %v", h, err)
		}
	}
	got := rec.Handoffs()
	if len(got) != 4 {
		t.Fatalf("handoffs = %+v, want 4", got)
	}
	if got[0].EventID != "evt_1" || got[0].Pending {
		t.Errorf("first handoff = %+v, want the committed evt_1", got[0])
	}

	// evt_3 pushes evt_1 out of a window of two.
	_ = d.Enqueue(ctx, Handoff{EventID: "evt_3"})
	_ = d.Enqueue(ctx, Handoff{EventID: "evt_1"})
	if n := len(rec.Handoffs()); n != 6 {
		t.Errorf("handoffs after eviction = %d, want 6", n)
	}
}

func TestDedupeRetriesFailedEnqueue(t *testing.T) {
	next := &flakyNotifier{fail: true}
	d := NewDedupe(next, 0)
	ctx := context.Background()

	if err := d.Enqueue(ctx, Handoff{EventID: "evt_1"}); err == nil {
		t.Fatal("Enqueue() error = nil, want broker error")
	}
	next.fail = false
	if err := d.Enqueue(ctx, Handoff{EventID: "evt_1"}); err != nil {
		t.Fatal(err)
	}
	if err := d.Enqueue(ctx, Handoff{EventID: "evt_1"}); err != nil {
		t.Fatal(err)
	}
	if next.calls != 2 {
		t.Errorf("calls = %d, want 2", next.calls)
	}
}
