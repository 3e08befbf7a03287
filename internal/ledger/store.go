package ledger

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"stayledger/internal/config"
	"stayledger/internal/model"
)

// propertyRow exists so writers can take a row lock scoped to one property.
type propertyRow struct {
	Code string `gorm:"primaryKey;size:16"`
	Name string `gorm:"size:128"`
}

func (propertyRow) TableName() string { return "properties" }

// reservationRow is both the table shape and the WAL record shape.
type reservationRow struct {
	ID          string    `gorm:"primaryKey;size:36" json:"id"`
	Property    string    `gorm:"size:16;not null;index:idx_reservations_property_start,priority:1" json:"property"`
	StartDate   string    `gorm:"size:10;not null;index:idx_reservations_property_start,priority:2" json:"start_date"`
	EndDate     string    `gorm:"size:10;not null" json:"end_date"`
	Email       string    `gorm:"size:254" json:"email,omitempty"`
	AmountMinor *int64    `json:"amount_minor,omitempty"`
	Currency    string    `gorm:"size:3" json:"currency,omitempty"`
	EventID     string    `gorm:"size:191;not null;uniqueIndex" json:"event_id"`
	CreatedAt   time.Time `json:"created_at"`
}

func (reservationRow) TableName() string { return "reservations" }

// webhookEventRow is the idempotency witness; the primary key is the guard.
type webhookEventRow struct {
	EventID     string    `gorm:"primaryKey;size:191"`
	ProcessedAt time.Time `gorm:"not null"`
}

func (webhookEventRow) TableName() string { return "webhook_events" }

func toRow(r model.Reservation) reservationRow {
	return reservationRow{
		ID:          r.ID,
		Property:    r.Property,
		StartDate:   model.FormatDate(r.Start),
		EndDate:     model.FormatDate(r.End),
		Email:       r.Email,
		AmountMinor: r.AmountMinor,
		Currency:    r.Currency,
		EventID:     r.EventID,
		CreatedAt:   r.CreatedAt.UTC(),
	}
}

func (row reservationRow) model() (model.Reservation, error) {
	start, err := model.ParseDate(row.StartDate)
	if err != nil {
		return model.Reservation{}, fmt.Errorf("reservation %s: start_date: %w", row.ID, err)
	}
	end, err := model.ParseDate(row.EndDate)
	if err != nil {
		return model.Reservation{}, fmt.Errorf("reservation %s: end_date: %w", row.ID, err)
	}
	return model.Reservation{
		ID:          row.ID,
		Property:    row.Property,
		Start:       start,
		End:         end,
		Email:       row.Email,
		AmountMinor: row.AmountMinor,
		Currency:    row.Currency,
		EventID:     row.EventID,
		CreatedAt:   row.CreatedAt.UTC(),
	}, nil
}

// OpenStore opens the durable store described by cfg with gorm error
// translation enabled, so unique violations surface as gorm.ErrDuplicatedKey.
func OpenStore(cfg config.DatabaseConfig) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch cfg.Driver {
	case "postgres":
		dialector = postgres.Open(cfg.DSN)
	case "sqlite":
		dsn := cfg.DSN
		if dsn != ":memory:" && !strings.HasPrefix(dsn, "file:") {
			if err := os.MkdirAll(filepath.Dir(dsn), 0o700); err != nil {
				return nil, err
			}
		}
		if dsn != ":memory:" && !strings.Contains(dsn, "?") {
			dsn += "?_busy_timeout=5000"
		}
		dialector = sqlite.Open(dsn)
	default:
		return nil, fmt.Errorf("ledger: unsupported driver %q", cfg.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, err
	}

	if cfg.Driver == "sqlite" {
		// SQLite has no row locks; a single connection serialises writers.
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
	}
	return db, nil
}

// Migrate creates the ledger tables and upserts the fixed property set.
func Migrate(db *gorm.DB, properties []model.Property) error {
	if err := db.AutoMigrate(&propertyRow{}, &reservationRow{}, &webhookEventRow{}); err != nil {
		return fmt.Errorf("ledger: migrate: %w", err)
	}
	if len(properties) == 0 {
		return nil
	}

	rows := make([]propertyRow, 0, len(properties))
	for _, p := range properties {
		if p.Code == "" {
			return errors.New("ledger: property with empty code")
		}
		rows = append(rows, propertyRow{Code: p.Code, Name: p.Name})
	}
	return db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "code"}},
		DoUpdates: clause.AssignmentColumns([]string{"name"}),
	}).Create(&rows).Error
}

// PropertiesFromConfig maps configured properties to reference data.
func PropertiesFromConfig(cfg *config.Config) []model.Property {
	out := make([]model.Property, 0, len(cfg.Properties))
	for _, p := range cfg.Properties {
		out = append(out, model.Property{Code: p.Code, Name: p.Name})
	}
	return out
}
