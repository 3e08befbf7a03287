package main

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"stayledger/internal/availability"
	"stayledger/internal/cache"
	"stayledger/internal/config"
	"stayledger/internal/ics"
	"stayledger/internal/ledger"
	appLog "stayledger/internal/log"
	"stayledger/internal/model"
	"stayledger/internal/notify"
	"stayledger/internal/webhook"
)

// app holds the wired components shared by the subcommands.
type app struct {
	cfg          *config.Config
	db           *gorm.DB
	ledger       *ledger.Ledger
	aggregator   *ics.Aggregator
	availability *availability.Service
	ingestor     *webhook.Ingestor

	closers []func() error
}

func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	appLog.SetLevel(appLog.ParseLevel(cfg.LogLevel))
	return cfg, nil
}

// newApp opens the store and wires every component. withNotifier controls
// whether the AMQP connection is dialled; only serve needs it.
func newApp(ctx context.Context, cfg *config.Config, withNotifier bool) (*app, error) {
	a := &app{cfg: cfg}

	db, err := ledger.OpenStore(cfg.Database)
	if err != nil {
		return nil, err
	}
	a.db = db
	a.closers = append(a.closers, func() error {
		sqlDB, err := db.DB()
		if err != nil {
			return err
		}
		return sqlDB.Close()
	})

	props := ledger.PropertiesFromConfig(cfg)

	var wal *ledger.WAL
	if cfg.Ledger.WALPath != "" {
		wal, err = ledger.OpenWAL(cfg.Ledger.WALPath)
		if err != nil {
			a.Close()
			return nil, err
		}
	}
	a.ledger = ledger.New(db, wal, props)
	if err := a.ledger.EnsureMigrated(ctx); err != nil {
		// Writes go to the WAL until a later Write or Reconcile migrates.
		appLog.Error("ledger migration failed, will retry", err, "driver", cfg.Database.Driver)
	}

	var blocks cache.BlockCache = cache.NewMemory()
	if cfg.Cache.RedisAddr != "" {
		rc := cache.NewRedis(cfg.Cache.RedisAddr, cfg.Cache.RedisPassword, cfg.Cache.RedisDB)
		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		err := rc.Ping(pingCtx)
		cancel()
		if err != nil {
			appLog.Error("redis unavailable, using in-memory block cache", err, "addr", cfg.Cache.RedisAddr)
			_ = rc.Close()
		} else {
			blocks = rc
			a.closers = append(a.closers, rc.Close)
		}
	}

	fetcher := ics.NewFetcher(cfg.Feeds.CacheDir, cfg.Feeds.ServeStale)
	a.aggregator = ics.NewAggregator(cfg, fetcher, blocks)
	a.availability = availability.NewService(a.ledger, a.aggregator, props)

	var notifier notify.Notifier = notify.NewLog()
	if withNotifier && cfg.Notify.AMQPURL != "" {
		n, err := notify.NewAMQP(cfg.Notify.AMQPURL, cfg.Notify.Exchange, cfg.Notify.RoutingKey)
		if err != nil {
			appLog.Error("amqp notifier unavailable, logging handoffs only", err)
		} else {
			notifier = n
			a.closers = append(a.closers, n.Close)
		}
	}
	a.ingestor = webhook.NewIngestor(cfg, a.ledger, notifier)

	return a, nil
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			appLog.Error("close failed", err)
		}
	}
	a.closers = nil
}

func exportCalendar(cfg *config.Config, p model.Property, rs []model.Reservation) string {
	return ics.Export(p, rs, ics.ExportOptions{
		ProdID:    cfg.Export.ProdID,
		UIDDomain: cfg.Export.UIDDomain,
	})
}
