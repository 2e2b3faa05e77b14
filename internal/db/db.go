package db

import (
	"fmt"
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"guestkey/config"
	"guestkey/internal/log"
	"guestkey/internal/model"
)

// Init opens the database named by cfg.DSN and runs migrations.
func Init(cfg *config.DatabaseConfig) (*gorm.DB, error) {
	l := log.WithComponent("db")

	level := logger.Warn
	if cfg.Debug {
		level = logger.Info
	}

	db, err := gorm.Open(Dialector(cfg.DSN), &gorm.Config{
		Logger: logger.Default.LogMode(level),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql.DB: %w", err)
	}

	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	if cfg.ConnMaxLifetimeMinutes > 0 {
		sqlDB.SetConnMaxLifetime(time.Duration(cfg.ConnMaxLifetimeMinutes) * time.Minute)
	}

	l.Info().Msg("running database migrations")
	if err := Migrate(db); err != nil {
		return nil, err
	}

	l.Info().Str("driver", db.Dialector.Name()).Msg("database initialization complete")
	return db, nil
}

// Migrate creates or updates every table the store needs.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&model.Reservation{},
		&model.ActionLog{},
		&model.PushSubscription{},
	); err != nil {
		return fmt.Errorf("automigrate failed: %w", err)
	}
	return nil
}

// Dialector picks the gorm driver for a DSN. postgres:// and postgresql://
// URLs use postgres, everything else is a sqlite path.
func Dialector(dsn string) gorm.Dialector {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return postgres.Open(dsn)
	}
	return sqlite.Open(dsn)
}
