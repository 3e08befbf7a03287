package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadCreatesDefaultsOnFirstRun(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Listen != "127.0.0.1:8080" {
		t.Errorf("Listen = %q, want default", cfg.Listen)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("config file not written: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("config perm = %o, want 600", perm)
	}
}

func TestLoadNormalizesPartialFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	yml := `
properties:
  - code: blom
    feeds:
      - url: https://example.com/a.ics
      - id: booking
        url: https://example.com/b.ics
database:
  driver: sqlite
  dsn: /tmp/x.db
`
	if err := os.WriteFile(path, []byte(yml), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}

	p, ok := cfg.Property("Blom")
	if !ok {
		t.Fatal("property BLOM not found")
	}
	if p.Name != "BLOM" {
		t.Errorf("Name = %q, want code fallback", p.Name)
	}
	if p.Feeds[0].ID != "feed-1" || p.Feeds[1].ID != "booking" {
		t.Errorf("feed ids = %q, %q", p.Feeds[0].ID, p.Feeds[1].ID)
	}
	if cfg.Feeds.TimeoutSeconds != 10 || cfg.Webhook.MaxNights != 60 {
		t.Errorf("defaults not applied: timeout=%d max_nights=%d", cfg.Feeds.TimeoutSeconds, cfg.Webhook.MaxNights)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "defaults are valid", mutate: func(*Config) {}},
		{
			name:    "duplicate property code",
			mutate:  func(c *Config) { c.Properties = append(c.Properties, PropertyConfig{Code: "BLOM"}) },
			wantErr: true,
		},
		{
			name: "feed without url",
			mutate: func(c *Config) {
				c.Properties[0].Feeds = []FeedConfig{{ID: "airbnb"}}
			},
			wantErr: true,
		},
		{
			name:    "unknown timezone",
			mutate:  func(c *Config) { c.Timezone = "Mars/Olympus" },
			wantErr: true,
		},
		{
			name:    "unknown driver",
			mutate:  func(c *Config) { c.Database.Driver = "mysql" },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestApplyEnvOverridesSecrets(t *testing.T) {
	t.Setenv("STAYLEDGER_WEBHOOK_SECRET", "whsec_test")
	t.Setenv("STAYLEDGER_DATABASE_URL", "postgres://u:p@db/ledger")
	t.Setenv("STAYLEDGER_LISTEN", ":9000")

	cfg := DefaultConfig()
	if err := cfg.ApplyEnv(); err != nil {
		t.Fatalf("ApplyEnv() error = %v", err)
	}
	if cfg.Webhook.Secret != "whsec_test" {
		t.Errorf("Secret = %q", cfg.Webhook.Secret)
	}
	if cfg.Database.Driver != "postgres" || cfg.Database.DSN != "postgres://u:p@db/ledger" {
		t.Errorf("database = %+v", cfg.Database)
	}
	if cfg.Listen != ":9000" {
		t.Errorf("Listen = %q", cfg.Listen)
	}
}
