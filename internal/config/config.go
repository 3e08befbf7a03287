package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// FeedConfig describes a single external calendar feed for a property.
type FeedConfig struct {
	// ID tags blocks from this feed (e.g. "airbnb", "booking", "google").
	ID string `yaml:"id" json:"id"`
	// URL is the ICS export endpoint of the channel.
	URL string `yaml:"url" json:"url"`
}

// PropertyConfig is one rental unit and its channel feeds.
type PropertyConfig struct {
	Code  string       `yaml:"code" json:"code"`
	Name  string       `yaml:"name" json:"name"`
	Feeds []FeedConfig `yaml:"feeds" json:"feeds"`
}

// DatabaseConfig selects the durable store.
type DatabaseConfig struct {
	// Driver is "postgres" or "sqlite".
	Driver string `yaml:"driver" json:"driver"`
	DSN    string `yaml:"dsn" json:"dsn"`
}

// LedgerConfig controls the write-ahead fallback and its reconciler.
type LedgerConfig struct {
	// WALPath must be unique per process.
	WALPath string `yaml:"wal_path" json:"wal_path"`
	// ReconcileCron is a cron schedule for draining the WAL. Empty disables it.
	ReconcileCron string `yaml:"reconcile" json:"reconcile"`
}

// WebhookConfig holds the payment provider shared secret and input limits.
type WebhookConfig struct {
	Secret           string `yaml:"secret" json:"-"`
	ToleranceSeconds int    `yaml:"tolerance_seconds" json:"tolerance_seconds"`
	MaxNights        int    `yaml:"max_nights" json:"max_nights"`
}

// FeedsConfig tunes the external feed aggregator.
type FeedsConfig struct {
	TimeoutSeconds  int    `yaml:"timeout_seconds" json:"timeout_seconds"`
	Concurrency     int    `yaml:"concurrency" json:"concurrency"`
	CacheDir        string `yaml:"cache_dir" json:"cache_dir"`
	CacheTTLSeconds int    `yaml:"cache_ttl_seconds" json:"cache_ttl_seconds"`
	// ServeStale reuses the last good body when a feed errors.
	ServeStale   bool `yaml:"serve_stale" json:"serve_stale"`
	BackfillDays int  `yaml:"backfill_days" json:"backfill_days"`
	HorizonDays  int  `yaml:"horizon_days" json:"horizon_days"`
}

// ExportConfig controls the published calendar documents.
type ExportConfig struct {
	ProdID    string `yaml:"prod_id" json:"prod_id"`
	UIDDomain string `yaml:"uid_domain" json:"uid_domain"`
}

// NotifyConfig selects where confirmation handoffs go. Empty AMQPURL logs only.
type NotifyConfig struct {
	AMQPURL    string `yaml:"amqp_url" json:"-"`
	Exchange   string `yaml:"exchange" json:"exchange"`
	RoutingKey string `yaml:"routing_key" json:"routing_key"`
	AdminEmail string `yaml:"admin_email" json:"admin_email"`
}

// CacheConfig selects the block cache backend. Empty RedisAddr keeps it in memory.
type CacheConfig struct {
	RedisAddr     string `yaml:"redis_addr" json:"redis_addr"`
	RedisPassword string `yaml:"redis_password" json:"-"`
	RedisDB       int    `yaml:"redis_db" json:"redis_db"`
}

// TracingConfig enables OTLP trace export when Endpoint is set.
type TracingConfig struct {
	Endpoint    string `yaml:"otlp_endpoint" json:"otlp_endpoint"`
	ServiceName string `yaml:"service_name" json:"service_name"`
}

// BasicAuthConfig protects admin endpoints.
type BasicAuthConfig struct {
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"-"`
}

// Config is the top-level application configuration. It is built once at
// startup and passed into every component constructor.
type Config struct {
	Listen   string `yaml:"listen" json:"listen"`
	Timezone string `yaml:"timezone" json:"timezone"`
	LogLevel string `yaml:"log_level" json:"log_level"`

	Properties []PropertyConfig `yaml:"properties" json:"properties"`

	Database DatabaseConfig `yaml:"database" json:"database"`
	Ledger   LedgerConfig   `yaml:"ledger" json:"ledger"`
	Webhook  WebhookConfig  `yaml:"webhook" json:"webhook"`
	Feeds    FeedsConfig    `yaml:"feeds" json:"feeds"`
	Export   ExportConfig   `yaml:"export" json:"export"`
	Notify   NotifyConfig   `yaml:"notify" json:"notify"`
	Cache    CacheConfig    `yaml:"cache" json:"cache"`
	Tracing  TracingConfig  `yaml:"tracing" json:"tracing"`

	// BasicAuth, if non-nil, protects /api/reconcile.
	BasicAuth *BasicAuthConfig `yaml:"basic_auth,omitempty" json:"basic_auth,omitempty"`
}

// envOverrides are deployment values that may come from the environment
// instead of the YAML file.
type envOverrides struct {
	Listen        string `envconfig:"LISTEN"`
	DatabaseDSN   string `envconfig:"DATABASE_DSN"`
	DatabaseURL   string `envconfig:"DATABASE_URL"`
	WebhookSecret string `envconfig:"WEBHOOK_SECRET"`
	WALPath       string `envconfig:"WAL_PATH"`
	AMQPURL       string `envconfig:"AMQP_URL"`
	RedisAddr     string `envconfig:"REDIS_ADDR"`
	OTLPEndpoint  string `envconfig:"OTLP_ENDPOINT"`
	LogLevel      string `envconfig:"LOG_LEVEL"`
}

// EnvPrefix is the envconfig prefix, e.g. STAYLEDGER_WEBHOOK_SECRET.
const EnvPrefix = "STAYLEDGER"

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	return &Config{
		Listen:   "127.0.0.1:8080",
		Timezone: "Europe/Paris",
		LogLevel: "info",
		Properties: []PropertyConfig{
			{Code: "BLOM", Name: "BLŌM", Feeds: []FeedConfig{}},
			{Code: "LIVA", Name: "LIVA", Feeds: []FeedConfig{}},
		},
		Database: DatabaseConfig{
			Driver: "sqlite",
			DSN:    "/var/lib/stayledger/ledger.db",
		},
		Ledger: LedgerConfig{
			WALPath:       "/var/lib/stayledger/ledger.wal",
			ReconcileCron: "*/5 * * * *",
		},
		Webhook: WebhookConfig{
			ToleranceSeconds: 300,
			MaxNights:        60,
		},
		Feeds: FeedsConfig{
			TimeoutSeconds:  10,
			Concurrency:     4,
			CacheDir:        "/var/lib/stayledger/ics-cache",
			CacheTTLSeconds: 120,
			BackfillDays:    1,
			HorizonDays:     365,
		},
		Export: ExportConfig{
			ProdID:    "-//stayledger//reservations//EN",
			UIDDomain: "stayledger.local",
		},
		Notify: NotifyConfig{
			Exchange:   "reservations",
			RoutingKey: "reservation.confirmed",
		},
		Tracing: TracingConfig{
			ServiceName: "stayledger",
		},
	}
}

// Normalize fills in missing/zero values with sensible defaults so that
// partially-filled configs still behave correctly.
func (c *Config) Normalize() {
	def := DefaultConfig()

	if c.Listen == "" {
		c.Listen = def.Listen
	}
	if c.Timezone == "" {
		c.Timezone = def.Timezone
	}
	if c.LogLevel == "" {
		c.LogLevel = def.LogLevel
	}
	if c.Properties == nil {
		c.Properties = []PropertyConfig{}
	}
	for i := range c.Properties {
		p := &c.Properties[i]
		p.Code = strings.ToUpper(strings.TrimSpace(p.Code))
		if p.Name == "" {
			p.Name = p.Code
		}
		if p.Feeds == nil {
			p.Feeds = []FeedConfig{}
		}
		for j := range p.Feeds {
			if p.Feeds[j].ID == "" {
				p.Feeds[j].ID = fmt.Sprintf("feed-%d", j+1)
			}
		}
	}

	if c.Database.Driver == "" {
		c.Database.Driver = def.Database.Driver
	}
	if c.Database.DSN == "" && c.Database.Driver == "sqlite" {
		c.Database.DSN = def.Database.DSN
	}
	if c.Ledger.WALPath == "" {
		c.Ledger.WALPath = def.Ledger.WALPath
	}

	if c.Webhook.ToleranceSeconds < 0 {
		c.Webhook.ToleranceSeconds = 0
	}
	if c.Webhook.MaxNights <= 0 {
		c.Webhook.MaxNights = def.Webhook.MaxNights
	}

	if c.Feeds.TimeoutSeconds <= 0 {
		c.Feeds.TimeoutSeconds = def.Feeds.TimeoutSeconds
	}
	if c.Feeds.Concurrency <= 0 {
		c.Feeds.Concurrency = def.Feeds.Concurrency
	}
	if c.Feeds.CacheDir == "" {
		c.Feeds.CacheDir = def.Feeds.CacheDir
	}
	if c.Feeds.CacheTTLSeconds < 0 {
		c.Feeds.CacheTTLSeconds = 0
	}
	if c.Feeds.BackfillDays < 0 {
		c.Feeds.BackfillDays = 0
	}
	if c.Feeds.HorizonDays <= 0 {
		c.Feeds.HorizonDays = def.Feeds.HorizonDays
	}

	if c.Export.ProdID == "" {
		c.Export.ProdID = def.Export.ProdID
	}
	if c.Export.UIDDomain == "" {
		c.Export.UIDDomain = def.Export.UIDDomain
	}
	if c.Notify.Exchange == "" {
		c.Notify.Exchange = def.Notify.Exchange
	}
	if c.Notify.RoutingKey == "" {
		c.Notify.RoutingKey = def.Notify.RoutingKey
	}
	if c.Tracing.ServiceName == "" {
		c.Tracing.ServiceName = def.Tracing.ServiceName
	}
}

// Validate rejects configurations the services cannot start with.
func (c *Config) Validate() error {
	seen := make(map[string]bool, len(c.Properties))
	for _, p := range c.Properties {
		if p.Code == "" {
			return errors.New("config: property with empty code")
		}
		if seen[p.Code] {
			return fmt.Errorf("config: duplicate property code %q", p.Code)
		}
		seen[p.Code] = true
		for _, f := range p.Feeds {
			if f.URL == "" {
				return fmt.Errorf("config: property %s feed %s has empty url", p.Code, f.ID)
			}
		}
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return fmt.Errorf("config: timezone %q: %w", c.Timezone, err)
	}
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("config: unsupported database driver %q", c.Database.Driver)
	}
	if c.Database.DSN == "" {
		return errors.New("config: database dsn is empty")
	}
	return nil
}

// Property returns the configuration for a property code (case-insensitive).
func (c *Config) Property(code string) (PropertyConfig, bool) {
	code = strings.ToUpper(strings.TrimSpace(code))
	for _, p := range c.Properties {
		if p.Code == code {
			return p, true
		}
	}
	return PropertyConfig{}, false
}

// Location resolves Timezone, falling back to UTC when it is unknown.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// ApplyEnv overlays STAYLEDGER_* environment variables onto c.
func (c *Config) ApplyEnv() error {
	var env envOverrides
	if err := envconfig.Process(EnvPrefix, &env); err != nil {
		return err
	}
	if env.Listen != "" {
		c.Listen = env.Listen
	}
	// DATABASE_URL mirrors the hosting platform convention; DATABASE_DSN wins.
	if env.DatabaseURL != "" {
		c.Database.DSN = env.DatabaseURL
		c.Database.Driver = "postgres"
	}
	if env.DatabaseDSN != "" {
		c.Database.DSN = env.DatabaseDSN
	}
	if env.WebhookSecret != "" {
		c.Webhook.Secret = env.WebhookSecret
	}
	if env.WALPath != "" {
		c.Ledger.WALPath = env.WALPath
	}
	if env.AMQPURL != "" {
		c.Notify.AMQPURL = env.AMQPURL
	}
	if env.RedisAddr != "" {
		c.Cache.RedisAddr = env.RedisAddr
	}
	if env.OTLPEndpoint != "" {
		c.Tracing.Endpoint = env.OTLPEndpoint
	}
	if env.LogLevel != "" {
		c.LogLevel = env.LogLevel
	}
	return nil
}

// Load loads configuration from the given YAML path.
//
// Behavior:
//   - If the file does not exist:
//   - create parent directory if needed
//   - write a default config with 0600 perms
//   - return the default config
//   - If the file exists:
//   - read YAML and unmarshal into Config
//   - normalize defaults
//
// Environment overrides are applied in both cases and never written back.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			// First run: create default config file.
			cfg := DefaultConfig()
			if err := Save(path, cfg); err != nil {
				// Even if save fails, return cfg with error so caller can decide.
				return cfg, err
			}
			return cfg, cfg.ApplyEnv()
		}
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	cfg.Normalize()
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Save writes the given configuration to the specified path.
//
// Implementation details:
//   - Ensures parent directory exists (0700).
//   - Marshals cfg to YAML.
//   - Writes atomically via a temp file + rename.
//   - Ensures final file permissions are 0600.
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}

	cfg.Normalize()

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return WriteFileAtomic(path, data, 0o600)
}

// WriteFileAtomic writes data to a temp file in the target directory, syncs
// it and renames it over path.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+"-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	// Ensure we clean up temp file on error.
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
