package ics

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"stayledger/internal/cache"
	"stayledger/internal/config"
	appLog "stayledger/internal/log"
	"stayledger/internal/model"
)

// ErrFeedUnavailable wraps every per-feed failure: transport, timeout,
// non-2xx, empty or malformed body. It never escapes FetchAll.
var ErrFeedUnavailable = errors.New("ics: feed unavailable")

// Aggregator collects the external blocks of a property from all its feeds.
type Aggregator struct {
	feeds   map[string][]Source
	fetcher *Fetcher
	blocks  cache.BlockCache

	loc         *time.Location
	timeout     time.Duration
	concurrency int
	cacheTTL    time.Duration
	backfill    int
	horizon     int

	now    func() time.Time
	tracer trace.Tracer
}

// NewAggregator builds the per-property feed table from cfg. blocks may be nil.
func NewAggregator(cfg *config.Config, fetcher *Fetcher, blocks cache.BlockCache) *Aggregator {
	if blocks == nil {
		blocks = cache.Nop{}
	}
	feeds := make(map[string][]Source, len(cfg.Properties))
	for _, p := range cfg.Properties {
		srcs := make([]Source, 0, len(p.Feeds))
		for _, f := range p.Feeds {
			srcs = append(srcs, Source{ID: f.ID, URL: f.URL})
		}
		feeds[p.Code] = srcs
	}

	return &Aggregator{
		feeds:       feeds,
		fetcher:     fetcher,
		blocks:      blocks,
		loc:         cfg.Location(),
		timeout:     time.Duration(cfg.Feeds.TimeoutSeconds) * time.Second,
		concurrency: cfg.Feeds.Concurrency,
		cacheTTL:    time.Duration(cfg.Feeds.CacheTTLSeconds) * time.Second,
		backfill:    cfg.Feeds.BackfillDays,
		horizon:     cfg.Feeds.HorizonDays,
		now:         time.Now,
		tracer:      otel.Tracer("stayledger/ics"),
	}
}

// Sources returns the configured feeds of property, in configuration order.
func (a *Aggregator) Sources(property string) []Source {
	return a.feeds[property]
}

// FetchAll fetches every feed of property in parallel and returns the
// concatenated blocks in configuration order. A failing feed is logged and
// left out; FetchAll itself never fails.
func (a *Aggregator) FetchAll(ctx context.Context, property string) []model.ExternalBlock {
	srcs := a.feeds[property]
	if len(srcs) == 0 {
		return nil
	}

	ctx, span := a.tracer.Start(ctx, "ics.FetchAll", trace.WithAttributes(
		attribute.String("property", property),
		attribute.Int("feeds", len(srcs)),
	))
	defer span.End()

	results := make([][]model.ExternalBlock, len(srcs))

	var g errgroup.Group
	if a.concurrency > 0 {
		g.SetLimit(a.concurrency)
	}
	for i, src := range srcs {
		i, src := i, src
		g.Go(func() error {
			blocks, err := a.fetchFeed(ctx, property, src)
			if err != nil {
				appLog.Error("feed unavailable", err,
					"property", property,
					"feed", src.ID,
					"url", redactURL(src.URL),
				)
				return nil
			}
			results[i] = blocks
			return nil
		})
	}
	_ = g.Wait()

	out := make([]model.ExternalBlock, 0)
	failed := 0
	for i := range results {
		if results[i] == nil {
			failed++
		}
		out = append(out, results[i]...)
	}
	span.SetAttributes(attribute.Int("blocks", len(out)), attribute.Int("failed_feeds", failed))
	if failed > 0 {
		span.SetStatus(codes.Error, fmt.Sprintf("%d feed(s) unavailable", failed))
	}
	return out
}

// fetchFeed returns a non-nil slice on success.
func (a *Aggregator) fetchFeed(ctx context.Context, property string, src Source) ([]model.ExternalBlock, error) {
	key := cache.Key(property, src.ID)
	if blocks, ok := a.blocks.Get(ctx, key); ok {
		if blocks == nil {
			blocks = []model.ExternalBlock{}
		}
		return blocks, nil
	}

	fctx, cancel := a.withTimeout(ctx)
	defer cancel()

	res, err := a.fetcher.FetchOne(fctx, src)
	if err != nil {
		if fctx.Err() != nil && ctx.Err() == nil {
			return nil, fmt.Errorf("%w: %s: timed out after %s", ErrFeedUnavailable, src.ID, a.timeout)
		}
		return nil, err
	}

	events, err := ParseICS(src, res.Body, a.loc)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrFeedUnavailable, src.ID, err)
	}

	today := model.Date(a.now().In(a.loc))
	blocks, err := ExpandBlocks(property, events, ExpandConfig{
		RangeStart: today.AddDate(0, 0, -a.backfill),
		RangeEnd:   today.AddDate(0, 0, a.horizon),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrFeedUnavailable, src.ID, err)
	}

	a.blocks.Set(ctx, key, blocks, a.cacheTTL)
	return blocks, nil
}

func (a *Aggregator) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if a.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, a.timeout)
}
