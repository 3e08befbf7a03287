package features

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	ical "github.com/arran4/golang-ical"
	"github.com/cucumber/godog"

	"stayledger/internal/availability"
	"stayledger/internal/config"
	"stayledger/internal/ics"
	"stayledger/internal/ledger"
	"stayledger/internal/model"
	"stayledger/internal/notify"
	"stayledger/internal/webhook"
)

const featureSecret = "whsec_features"

type feed struct {
	property string
	id       string
	server   *httptest.Server
}

type stayTestContext struct {
	t *testing.T

	cfg      *config.Config
	ledger   *ledger.Ledger
	ingestor *webhook.Ingestor
	closeDB  func()

	feeds []feed

	receipt   webhook.Receipt
	err       error
	blocks    []model.ExternalBlock
	intervals []model.AvailabilityInterval
	calendar  string
}

func (c *stayTestContext) reset() {
	c.cleanup()
	*c = stayTestContext{t: c.t}
}

func (c *stayTestContext) cleanup() {
	for _, f := range c.feeds {
		f.server.Close()
	}
	if c.closeDB != nil {
		c.closeDB()
	}
}

func (c *stayTestContext) aLedgerForProperties(a, b string) error {
	cfg := config.DefaultConfig()
	cfg.Properties = []config.PropertyConfig{{Code: a, Name: a}, {Code: b, Name: b}}
	cfg.Database.DSN = filepath.Join(c.t.TempDir(), "ledger.db")
	cfg.Webhook.Secret = featureSecret
	cfg.Feeds.CacheDir = filepath.Join(c.t.TempDir(), "ics-cache")
	cfg.Feeds.TimeoutSeconds = 1
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return err
	}

	db, err := ledger.OpenStore(cfg.Database)
	if err != nil {
		return err
	}
	c.closeDB = func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}
	if err := ledger.Migrate(db, ledger.PropertiesFromConfig(cfg)); err != nil {
		return err
	}

	c.cfg = cfg
	c.ledger = ledger.New(db, nil, ledger.PropertiesFromConfig(cfg))
	c.ingestor = webhook.NewIngestor(cfg, c.ledger, &notify.Recorder{})
	return nil
}

func checkoutPayload(eventID, property, start string, nights int) []byte {
	return []byte(fmt.Sprintf(`{"id":%q,"type":"checkout.session.completed","data":{"object":{
		"amount_total":45000,"currency":"eur","customer_email":"guest@example.com",
		"metadata":{"property":%q,"start_date":%q,"nights":"%d"}}}}`, eventID, property, start, nights))
}

func (c *stayTestContext) theProviderDeliversEvent(eventID, property, start string, nights int) error {
	payload := checkoutPayload(eventID, property, start, nights)
	sig := webhook.Sign(payload, featureSecret, time.Now())
	c.receipt, c.err = c.ingestor.Ingest(context.Background(), payload, sig)
	return nil
}

func (c *stayTestContext) theProviderDeliveredEvent(eventID, property, start string, nights int) error {
	if err := c.theProviderDeliversEvent(eventID, property, start, nights); err != nil {
		return err
	}
	if c.err != nil {
		return fmt.Errorf("setup delivery %s failed: %w", eventID, c.err)
	}
	return nil
}

func (c *stayTestContext) theDeliveryIsAcknowledgedAs(status string) error {
	if c.err != nil {
		return fmt.Errorf("expected %s, got error: %v", status, c.err)
	}
	if string(c.receipt.Status) != status {
		return fmt.Errorf("expected status %q, got %q", status, c.receipt.Status)
	}
	return nil
}

func (c *stayTestContext) theDeliveryIsRejectedAsAConflict() error {
	if !errors.Is(c.err, webhook.ErrConflict) {
		return fmt.Errorf("expected ErrConflict, got %v", c.err)
	}
	var ce *ledger.ConflictError
	if !errors.As(c.err, &ce) {
		return fmt.Errorf("conflict does not carry the existing reservation: %v", c.err)
	}
	return nil
}

func (c *stayTestContext) stored(property string) ([]model.Reservation, error) {
	return c.ledger.Read(context.Background(), property, time.Time{}, time.Time{})
}

func (c *stayTestContext) theLedgerHoldsReservations(property string, n int) error {
	rs, err := c.stored(property)
	if err != nil {
		return err
	}
	if len(rs) != n {
		return fmt.Errorf("expected %d reservations for %s, got %d", n, property, len(rs))
	}
	return nil
}

func (c *stayTestContext) theLedgerHoldsAStay(property, start, end string) error {
	rs, err := c.stored(property)
	if err != nil {
		return err
	}
	for _, r := range rs {
		if model.FormatDate(r.Start) == start && model.FormatDate(r.End) == end {
			return nil
		}
	}
	return fmt.Errorf("no reservation %s..%s for %s in %+v", start, end, property, rs)
}

func (c *stayTestContext) feedBlocks(id, property, start, end string) error {
	body := "BEGIN:VCALENDAR\r\nVERSION:2.0\r\nPRODID:-//channel//EN\r\n" +
		"BEGIN:VEVENT\r\nUID:" + id + "-" + start + "\r\nDTSTAMP:20250801T000000Z\r\n" +
		"DTSTART;VALUE=DATE:" + strings.ReplaceAll(start, "-", "") + "\r\n" +
		"DTEND;VALUE=DATE:" + strings.ReplaceAll(end, "-", "") + "\r\n" +
		"SUMMARY:Reserved\r\nEND:VEVENT\r\nEND:VCALENDAR\r\n"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/calendar")
		_, _ = w.Write([]byte(body))
	}))
	return c.addFeed(property, id, srv)
}

func (c *stayTestContext) feedNeverAnswers(id, property string) error {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(10 * time.Second):
		}
	}))
	return c.addFeed(property, id, srv)
}

func (c *stayTestContext) addFeed(property, id string, srv *httptest.Server) error {
	c.feeds = append(c.feeds, feed{property: property, id: id, server: srv})
	for i := range c.cfg.Properties {
		p := &c.cfg.Properties[i]
		if p.Code == property {
			p.Feeds = append(p.Feeds, config.FeedConfig{ID: id, URL: srv.URL + "/" + id + ".ics"})
			return nil
		}
	}
	return fmt.Errorf("unknown property %s", property)
}

func (c *stayTestContext) aggregator() *ics.Aggregator {
	return ics.NewAggregator(c.cfg, ics.NewFetcher(c.cfg.Feeds.CacheDir, false), nil)
}

func (c *stayTestContext) theFeedsAreFetched(property string) error {
	c.blocks = c.aggregator().FetchAll(context.Background(), property)
	return nil
}

func (c *stayTestContext) externalBlocksAreReturned(n int) error {
	if len(c.blocks) != n {
		return fmt.Errorf("expected %d blocks, got %d: %+v", n, len(c.blocks), c.blocks)
	}
	return nil
}

func (c *stayTestContext) blockRunsFromFeed(i int, start, end, source string) error {
	if i < 1 || i > len(c.blocks) {
		return fmt.Errorf("no block %d in %d blocks", i, len(c.blocks))
	}
	b := c.blocks[i-1]
	if model.FormatDate(b.Start) != start || model.FormatDate(b.End) != end || b.Source != source {
		return fmt.Errorf("block %d = %s..%s from %s, want %s..%s from %s",
			i, model.FormatDate(b.Start), model.FormatDate(b.End), b.Source, start, end, source)
	}
	return nil
}

func (c *stayTestContext) service() *availability.Service {
	return availability.NewService(c.ledger, c.aggregator(), ledger.PropertiesFromConfig(c.cfg))
}

func (c *stayTestContext) availabilityIsQueried(property string) error {
	ivs, err := c.service().Query(context.Background(), property, time.Time{}, time.Time{})
	if err != nil {
		return err
	}
	c.intervals = ivs
	return nil
}

func (c *stayTestContext) availabilityHasIntervals(property string, n int) error {
	if len(c.intervals) != n {
		return fmt.Errorf("expected %d intervals for %s, got %d: %+v", n, property, len(c.intervals), c.intervals)
	}
	return nil
}

func (c *stayTestContext) availabilityIncludes(property, origin, start, end string) error {
	if c.intervals == nil {
		if err := c.availabilityIsQueried(property); err != nil {
			return err
		}
	}
	for _, iv := range c.intervals {
		if string(iv.Origin) == origin && model.FormatDate(iv.Start) == start && model.FormatDate(iv.End) == end {
			return nil
		}
	}
	return fmt.Errorf("no %s interval %s..%s for %s in %+v", origin, start, end, property, c.intervals)
}

func (c *stayTestContext) theCalendarIsExported(property string) error {
	p, ok := c.service().Property(property)
	if !ok {
		return fmt.Errorf("unknown property %s", property)
	}
	rs, err := c.stored(p.Code)
	if err != nil {
		return err
	}
	c.calendar = ics.Export(p, rs, ics.ExportOptions{
		ProdID:    c.cfg.Export.ProdID,
		UIDDomain: c.cfg.Export.UIDDomain,
	})
	return nil
}

func (c *stayTestContext) theCalendarIsValidWithEvents(n int) error {
	cal, err := ical.ParseCalendar(strings.NewReader(c.calendar))
	if err != nil {
		return fmt.Errorf("calendar does not parse: %w\n%s", err, c.calendar)
	}
	if got := len(cal.Events()); got != n {
		return fmt.Errorf("expected %d events, got %d", n, got)
	}
	if !strings.Contains(c.calendar, "END:VCALENDAR") {
		return errors.New("calendar is not terminated")
	}
	return nil
}

func (c *stayTestContext) theCalendarContainsAStay(start, end string) error {
	events, err := ics.ParseICS(ics.Source{ID: "export"}, []byte(c.calendar), c.cfg.Location())
	if err != nil {
		return err
	}
	for _, ev := range events {
		if model.FormatDate(ev.Start) == start && model.FormatDate(ev.End) == end {
			return nil
		}
	}
	return fmt.Errorf("no exported stay %s..%s", start, end)
}

func initializeScenario(t *testing.T) func(*godog.ScenarioContext) {
	return func(ctx *godog.ScenarioContext) {
		tc := &stayTestContext{t: t}

		ctx.Before(func(ctx context.Context, sc *godog.Scenario) (context.Context, error) {
			tc.reset()
			return ctx, nil
		})
		ctx.After(func(ctx context.Context, sc *godog.Scenario, err error) (context.Context, error) {
			tc.cleanup()
			tc.feeds = nil
			tc.closeDB = nil
			return ctx, nil
		})

		// Given steps
		ctx.Step(`^a ledger for properties "([^"]*)" and "([^"]*)"$`, tc.aLedgerForProperties)
		ctx.Step(`^the provider delivered event "([^"]*)" for "([^"]*)" starting "([^"]*)" for (\d+) nights$`, tc.theProviderDeliveredEvent)
		ctx.Step(`^feed "([^"]*)" for "([^"]*)" blocks "([^"]*)" to "([^"]*)"$`, tc.feedBlocks)
		ctx.Step(`^feed "([^"]*)" for "([^"]*)" never answers$`, tc.feedNeverAnswers)

		// When steps
		ctx.Step(`^the provider delivers event "([^"]*)" for "([^"]*)" starting "([^"]*)" for (\d+) nights$`, tc.theProviderDeliversEvent)
		ctx.Step(`^the feeds for "([^"]*)" are fetched$`, tc.theFeedsAreFetched)
		ctx.Step(`^availability for "([^"]*)" is queried$`, tc.availabilityIsQueried)
		ctx.Step(`^the calendar for "([^"]*)" is exported$`, tc.theCalendarIsExported)

		// Then steps
		ctx.Step(`^the delivery is acknowledged as "([^"]*)"$`, tc.theDeliveryIsAcknowledgedAs)
		ctx.Step(`^the delivery is rejected as a conflict$`, tc.theDeliveryIsRejectedAsAConflict)
		ctx.Step(`^the ledger for "([^"]*)" holds (\d+) reservations?$`, tc.theLedgerHoldsReservations)
		ctx.Step(`^the ledger for "([^"]*)" holds a stay from "([^"]*)" to "([^"]*)"$`, tc.theLedgerHoldsAStay)
		ctx.Step(`^availability for "([^"]*)" includes an? (internal|external) interval from "([^"]*)" to "([^"]*)"$`, tc.availabilityIncludes)
		ctx.Step(`^availability for "([^"]*)" has (\d+) intervals?$`, tc.availabilityHasIntervals)
		ctx.Step(`^(\d+) external blocks? (?:is|are) returned$`, tc.externalBlocksAreReturned)
		ctx.Step(`^block (\d+) runs from "([^"]*)" to "([^"]*)" from feed "([^"]*)"$`, tc.blockRunsFromFeed)
		ctx.Step(`^the calendar is a valid document with (\d+) events?$`, tc.theCalendarIsValidWithEvents)
		ctx.Step(`^the calendar contains a stay from "([^"]*)" to "([^"]*)"$`, tc.theCalendarContainsAStay)
	}
}

func TestFeatures(t *testing.T) {
	suite := godog.TestSuite{
		ScenarioInitializer: initializeScenario(t),
		Options: &godog.Options{
			Format:   "pretty",
			Paths:    []string{"../../features/availability.feature"},
			TestingT: t,
		},
	}

	if suite.Run() != 0 {
		t.Fatal("non-zero status returned, failed to run feature tests")
	}
}
