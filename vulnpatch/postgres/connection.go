// Package postgres opens the relational store and defines its models.
package postgres

import (
	"fmt"
	"log/slog"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/plugin/opentelemetry/tracing"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"

	DefaultDSN = "host=localhost user=postgres password=password dbname=vulnpatch port=5432 sslmode=disable"
)

// Config selects the database driver and connection string.
type Config struct {
	Driver  string
	DSN     string
	Tracing bool
	Debug   bool
}

// Connect opens the database and migrates every model.
func Connect(cfg Config) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch cfg.Driver {
	case "", DriverPostgres:
		dsn := cfg.DSN
		if dsn == "" {
			dsn = DefaultDSN
		}
		dialector = postgres.Open(dsn)
	case DriverSQLite:
		dsn := cfg.DSN
		if dsn == "" {
			dsn = "file::memory:?cache=shared"
		}
		dialector = sqlite.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}

	gcfg := &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)}
	if cfg.Debug {
		gcfg.Logger = logger.Default.LogMode(logger.Info)
	}

	db, err := gorm.Open(dialector, gcfg)
	if err != nil {
		return nil, fmt.Errorf("error connecting to database: %w", err)
	}

	if cfg.Tracing {
		if err := db.Use(tracing.NewPlugin()); err != nil {
			return nil, fmt.Errorf("failed to register tracing plugin: %w", err)
		}
	}

	if err := Migrate(db); err != nil {
		return nil, err
	}

	slog.Info("Connected to database", "driver", dialector.Name())
	return db, nil
}

// Migrate creates or updates the tables for every model.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(&ScanJob{}, &Vulnerability{}, &Event{}); err != nil {
		return fmt.Errorf("error migrating database schema: %w", err)
	}
	return nil
}
