// Package db provides database connectivity and operations
package db

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/meetmemo/pipeline/internal/db/models"
	log "github.com/meetmemo/pipeline/internal/logger"
)

// SQLitePrefix selects the embedded sqlite driver, used for single-node setups and tests
const SQLitePrefix = "sqlite://"

// Options represents database connection configuration options
type Options struct {
	// Endpoint is a postgres DSN or sqlite://<path>
	Endpoint string
	LogLevel logger.LogLevel
	// SkipAutoMigrate leaves the schema to the SQL migrations
	SkipAutoMigrate bool
}

// New opens the job store database
func New(opts Options) (*gorm.DB, error) {
	if opts.Endpoint == "" {
		return nil, errors.New("database endpoint is required")
	}
	if opts.LogLevel == 0 {
		opts.LogLevel = logger.Warn
	}

	config := &gorm.Config{
		Logger: logger.Default.LogMode(opts.LogLevel),
	}

	var dialector gorm.Dialector
	if path, ok := strings.CutPrefix(opts.Endpoint, SQLitePrefix); ok {
		dialector = sqlite.Open(path)
	} else {
		dialector = postgres.Open(opts.Endpoint)
	}

	db, err := gorm.Open(dialector, config)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dialector.Name() == "sqlite" {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		// sqlite allows a single writer
		sqlDB.SetMaxOpenConns(1)
	}

	if !opts.SkipAutoMigrate {
		if err := migrate(db); err != nil {
			return nil, fmt.Errorf("failed to migrate database: %w", err)
		}
	}
	log.Debugf("connected to %s job store", dialector.Name())
	return db, nil
}

// Ping checks that the database answers
func Ping(ctx context.Context, db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close releases the underlying connection pool
func Close(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&models.Job{},
		&models.QueueMessage{},
	)
}
