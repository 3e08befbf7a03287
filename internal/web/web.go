package web

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"stayledger/internal/availability"
	"stayledger/internal/config"
	"stayledger/internal/ics"
	"stayledger/internal/ledger"
	appLog "stayledger/internal/log"
	"stayledger/internal/model"
	"stayledger/internal/webhook"
)

// maxWebhookBytes bounds a single provider delivery.
const maxWebhookBytes = 256 << 10

// exportCacheTTL keeps a rendered calendar for channel pollers that hit
// /ical every few minutes. Committed webhooks invalidate it.
const exportCacheTTL = 30 * time.Second

// Ingestor handles raw webhook deliveries.
type Ingestor interface {
	Ingest(ctx context.Context, payload []byte, signature string) (webhook.Receipt, error)
}

// Ledger is what the HTTP layer needs from the reservation ledger.
type Ledger interface {
	Read(ctx context.Context, property string, from, to time.Time) ([]model.Reservation, error)
	Reconcile(ctx context.Context) (ledger.ReconcileReport, error)
}

// Availability answers merged occupancy queries.
type Availability interface {
	Properties() []model.Property
	Property(code string) (model.Property, bool)
	Query(ctx context.Context, property string, from, to time.Time) ([]model.AvailabilityInterval, error)
	Check(ctx context.Context, property string, start time.Time, nights int) (availability.CheckResult, error)
}

// Server exposes the webhook endpoint, availability API and calendar export.
type Server struct {
	cfg          *config.Config
	ingestor     Ingestor
	ledger       Ledger
	availability Availability
	engine       *gin.Engine

	exportMu    sync.RWMutex
	exportCache map[string]exportEntry
}

type exportEntry struct {
	body      string
	updatedAt time.Time
}

// NewServer constructs a new Server.
func NewServer(cfg *config.Config, in Ingestor, l Ledger, av Availability) *Server {
	s := &Server{
		cfg:          cfg,
		ingestor:     in,
		ledger:       l,
		availability: av,
		engine:       gin.New(),
		exportCache:  make(map[string]exportEntry),
	}
	s.engine.Use(gin.Recovery(), requestLogger())
	s.registerRoutes()
	return s
}

// Handler returns the underlying http.Handler for this server.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run serves on cfg.Listen until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		appLog.Info("starting HTTP server", "listen", "http://"+s.cfg.Listen)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	appLog.Info("shutting down HTTP server")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}

// basicAuthEnabled reports whether HTTP Basic Auth is configured.
func (s *Server) basicAuthEnabled() bool {
	if s.cfg == nil || s.cfg.BasicAuth == nil {
		return false
	}
	// Empty username or password counts as disabled.
	return s.cfg.BasicAuth.Username != "" && s.cfg.BasicAuth.Password != ""
}

func (s *Server) registerRoutes() {
	r := s.engine

	r.GET("/health", s.handleHealth)
	r.POST("/webhook", s.handleWebhook)
	r.GET("/api/availability", s.handleAllAvailability)
	r.GET("/api/availability/:property", s.handleAvailability)
	r.GET("/api/availability/:property/check", s.handleCheck)
	r.GET("/ical/:file", s.handleExport)

	admin := r.Group("/api")
	if s.basicAuthEnabled() {
		admin.Use(gin.BasicAuthForRealm(gin.Accounts{
			s.cfg.BasicAuth.Username: s.cfg.BasicAuth.Password,
		}, "stayledger"))
		appLog.Info("HTTP basic auth enabled for admin endpoints")
	}
	admin.POST("/reconcile", s.handleReconcile)
}

func (s *Server) handleHealth(c *gin.Context) {
	c.String(http.StatusOK, "OK")
}

// webhookResponse is the acknowledgement body for POST /webhook.
type webhookResponse struct {
	Received bool   `json:"received"`
	Status   string `json:"status,omitempty"`
	Error    string `json:"error,omitempty"`
}

// handleWebhook verifies the raw body as received; it must not be re-encoded.
func (s *Server) handleWebhook(c *gin.Context) {
	payload, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxWebhookBytes))
	if err != nil {
		writeError(c, http.StatusRequestEntityTooLarge, "payload too large")
		return
	}

	receipt, err := s.ingestor.Ingest(c.Request.Context(), payload, c.GetHeader(webhook.SignatureHeader))
	switch {
	case err == nil:
	case errors.Is(err, webhook.ErrInvalidSignature):
		c.JSON(http.StatusBadRequest, webhookResponse{Error: "invalid signature"})
		return
	case errors.Is(err, webhook.ErrMalformedEvent):
		c.JSON(http.StatusBadRequest, webhookResponse{Error: "malformed event"})
		return
	case errors.Is(err, webhook.ErrConflict):
		c.JSON(http.StatusConflict, webhookResponse{Received: true, Status: "conflict", Error: "dates no longer available"})
		return
	default:
		appLog.Error("webhook processing failed", err)
		c.JSON(http.StatusInternalServerError, webhookResponse{Error: "internal error"})
		return
	}

	status := http.StatusOK
	switch receipt.Status {
	case webhook.StatusPending:
		status = http.StatusAccepted
		s.invalidateExport(receipt)
	case webhook.StatusCommitted:
		s.invalidateExport(receipt)
	}
	c.JSON(status, webhookResponse{Received: true, Status: string(receipt.Status)})
}

func (s *Server) invalidateExport(r webhook.Receipt) {
	if r.Reservation == nil {
		return
	}
	s.exportMu.Lock()
	delete(s.exportCache, r.Reservation.Property)
	s.exportMu.Unlock()
}

// intervalDTO is the JSON view of an availability interval.
type intervalDTO struct {
	Start   string   `json:"start"`
	End     string   `json:"end"`
	Origin  string   `json:"origin"`
	Label   string   `json:"label"`
	Sources []string `json:"sources"`
}

type availabilityResponse struct {
	Property  string        `json:"property"`
	From      string        `json:"from,omitempty"`
	To        string        `json:"to,omitempty"`
	Intervals []intervalDTO `json:"intervals"`
}

type allAvailabilityResponse struct {
	From       string                 `json:"from,omitempty"`
	To         string                 `json:"to,omitempty"`
	Properties []availabilityResponse `json:"properties"`
}

type checkResponse struct {
	Property string        `json:"property"`
	Start    string        `json:"start"`
	End      string        `json:"end"`
	Nights   int           `json:"nights"`
	Free     bool          `json:"free"`
	Blocking []intervalDTO `json:"blocking"`
}

func toDTOs(ivs []model.AvailabilityInterval) []intervalDTO {
	out := make([]intervalDTO, 0, len(ivs))
	for _, iv := range ivs {
		sources := iv.Sources
		if sources == nil {
			sources = []string{}
		}
		out = append(out, intervalDTO{
			Start:   model.FormatDate(iv.Start),
			End:     model.FormatDate(iv.End),
			Origin:  string(iv.Origin),
			Label:   iv.Label,
			Sources: sources,
		})
	}
	return out
}

// handleAvailability returns merged intervals for one property.
//
// GET /api/availability/:property?from=YYYY-MM-DD&to=YYYY-MM-DD
//   - from, to: optional half-open window; omitted bounds are open
func (s *Server) handleAvailability(c *gin.Context) {
	p, ok := s.availability.Property(c.Param("property"))
	if !ok {
		writeError(c, http.StatusNotFound, "unknown property")
		return
	}

	from, err := parseDateParam(c.Query("from"))
	if err != nil {
		writeError(c, http.StatusBadRequest, "from: expected YYYY-MM-DD")
		return
	}
	to, err := parseDateParam(c.Query("to"))
	if err != nil {
		writeError(c, http.StatusBadRequest, "to: expected YYYY-MM-DD")
		return
	}

	ivs, err := s.availability.Query(c.Request.Context(), p.Code, from, to)
	if err != nil {
		s.writeQueryError(c, err)
		return
	}

	resp := availabilityResponse{Property: p.Code, Intervals: toDTOs(ivs)}
	if !from.IsZero() {
		resp.From = model.FormatDate(from)
	}
	if !to.IsZero() {
		resp.To = model.FormatDate(to)
	}
	c.JSON(http.StatusOK, resp)
}

// handleAllAvailability returns merged intervals for every property, ordered
// by code.
//
// GET /api/availability?from=YYYY-MM-DD&to=YYYY-MM-DD
func (s *Server) handleAllAvailability(c *gin.Context) {
	from, err := parseDateParam(c.Query("from"))
	if err != nil {
		writeError(c, http.StatusBadRequest, "from: expected YYYY-MM-DD")
		return
	}
	to, err := parseDateParam(c.Query("to"))
	if err != nil {
		writeError(c, http.StatusBadRequest, "to: expected YYYY-MM-DD")
		return
	}

	resp := allAvailabilityResponse{Properties: []availabilityResponse{}}
	if !from.IsZero() {
		resp.From = model.FormatDate(from)
	}
	if !to.IsZero() {
		resp.To = model.FormatDate(to)
	}
	for _, p := range s.availability.Properties() {
		ivs, err := s.availability.Query(c.Request.Context(), p.Code, from, to)
		if err != nil {
			s.writeQueryError(c, err)
			return
		}
		resp.Properties = append(resp.Properties, availabilityResponse{
			Property:  p.Code,
			From:      resp.From,
			To:        resp.To,
			Intervals: toDTOs(ivs),
		})
	}
	c.JSON(http.StatusOK, resp)
}

// handleCheck answers whether a stay fits before checkout starts.
//
// GET /api/availability/:property/check?start=YYYY-MM-DD&nights=N
func (s *Server) handleCheck(c *gin.Context) {
	p, ok := s.availability.Property(c.Param("property"))
	if !ok {
		writeError(c, http.StatusNotFound, "unknown property")
		return
	}

	start, err := model.ParseDate(c.Query("start"))
	if err != nil {
		writeError(c, http.StatusBadRequest, "start: expected YYYY-MM-DD")
		return
	}
	nights := 1
	if v := c.Query("nights"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > s.cfg.Webhook.MaxNights {
			writeError(c, http.StatusBadRequest, fmt.Sprintf("nights: expected 1..%d", s.cfg.Webhook.MaxNights))
			return
		}
		nights = n
	}

	res, err := s.availability.Check(c.Request.Context(), p.Code, start, nights)
	if err != nil {
		s.writeQueryError(c, err)
		return
	}

	c.JSON(http.StatusOK, checkResponse{
		Property: p.Code,
		Start:    model.FormatDate(start),
		End:      model.FormatDate(start.AddDate(0, 0, nights)),
		Nights:   nights,
		Free:     res.Free,
		Blocking: toDTOs(res.Blocking),
	})
}

func (s *Server) writeQueryError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, availability.ErrUnknownProperty):
		writeError(c, http.StatusNotFound, "unknown property")
	case errors.Is(err, availability.ErrInvalidRange):
		writeError(c, http.StatusBadRequest, err.Error())
	default:
		appLog.Error("availability query failed", err, "path", c.Request.URL.Path)
		writeError(c, http.StatusInternalServerError, "availability unavailable")
	}
}

// handleExport publishes the ledger of one property as an ICS calendar.
//
// GET /ical/:code.ics (code is case-insensitive)
func (s *Server) handleExport(c *gin.Context) {
	file := c.Param("file")
	if !strings.HasSuffix(strings.ToLower(file), ".ics") {
		writeError(c, http.StatusNotFound, "not found")
		return
	}
	p, ok := s.availability.Property(file[:len(file)-len(".ics")])
	if !ok {
		writeError(c, http.StatusNotFound, "unknown property")
		return
	}

	s.exportMu.RLock()
	entry, cached := s.exportCache[p.Code]
	s.exportMu.RUnlock()

	body := entry.body
	if !cached || time.Since(entry.updatedAt) >= exportCacheTTL {
		reservations, err := s.ledger.Read(c.Request.Context(), p.Code, time.Time{}, time.Time{})
		if err != nil {
			appLog.Error("ical export: ledger read failed", err, "property", p.Code)
			writeError(c, http.StatusInternalServerError, "calendar unavailable")
			return
		}
		body = ics.Export(p, reservations, ics.ExportOptions{
			ProdID:    s.cfg.Export.ProdID,
			UIDDomain: s.cfg.Export.UIDDomain,
		})

		s.exportMu.Lock()
		s.exportCache[p.Code] = exportEntry{body: body, updatedAt: time.Now()}
		s.exportMu.Unlock()
	}

	c.Header("Content-Disposition", "attachment; filename="+strings.ToLower(p.Code)+".ics")
	c.Header("Cache-Control", "no-cache")
	c.Data(http.StatusOK, "text/calendar; charset=utf-8", []byte(body))
}

// handleReconcile drains the WAL on demand.
func (s *Server) handleReconcile(c *gin.Context) {
	report, err := s.ledger.Reconcile(c.Request.Context())
	if err != nil {
		if errors.Is(err, ledger.ErrNoWAL) {
			writeError(c, http.StatusConflict, "no wal configured")
			return
		}
		appLog.Error("manual reconcile failed", err)
		writeError(c, http.StatusInternalServerError, "reconcile failed")
		return
	}
	if report.Replayed > 0 {
		s.exportMu.Lock()
		clear(s.exportCache)
		s.exportMu.Unlock()
	}
	c.JSON(http.StatusOK, report)
}

func parseDateParam(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	return model.ParseDate(v)
}

func writeError(c *gin.Context, status int, msg string) {
	c.JSON(status, gin.H{"error": msg})
}

// requestLogger logs one line per request through the application logger.
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		kv := []any{
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
		}
		if c.Writer.Status() >= http.StatusInternalServerError {
			appLog.Error("http request", errors.New(http.StatusText(c.Writer.Status())), kv...)
			return
		}
		appLog.Debug("http request", kv...)
	}
}
