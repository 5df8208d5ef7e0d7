// Command migrate applies the SQL migrations of the job store.
//
//	go run ./cmd/migrate              # run all pending migrations
//	go run ./cmd/migrate -down        # roll back all migrations
//	go run ./cmd/migrate -steps 1     # run one migration
//	go run ./cmd/migrate -steps -1    # roll back one migration
//	go run ./cmd/migrate -force 1     # force version 1
package main

import (
	"flag"
	"time"

	"github.com/joho/godotenv"

	"github.com/meetmemo/pipeline/config"
	"github.com/meetmemo/pipeline/internal/db/migrations"
	log "github.com/meetmemo/pipeline/internal/logger"
)

// envMigrateURL holds the postgres:// URL used by the migrator
const envMigrateURL = "MEETMEMO_MIGRATE_URL"

func main() {
	log.InitializeAndConfigure()
	if err := godotenv.Load(); err != nil {
		log.Debugf("no .env file loaded: %v", err)
	}

	defaults := migrations.DefaultConfig()
	var (
		dbURL     = flag.String("db", config.GetEnv(envMigrateURL, ""), "Database URL")
		migPath   = flag.String("path", defaults.MigrationsPath, "Path to migration files")
		down      = flag.Bool("down", false, "Roll back migrations")
		steps     = flag.Int("steps", 0, "Number of migrations to apply (up or down)")
		force     = flag.Int("force", -1, "Force a specific version")
		retries   = flag.Int("retries", defaults.RetryAttempts, "Number of connection retries")
		retryWait = flag.Duration("retry-wait", defaults.RetryDelay, "Wait time between retries")
	)
	flag.Parse()

	if *dbURL == "" {
		log.Fatalf("database URL is required, pass -db or set %s", envMigrateURL)
	}

	service, err := migrations.NewMigrationService(migrations.Config{
		MigrationsPath: *migPath,
		DatabaseURL:    *dbURL,
		RetryAttempts:  *retries,
		RetryDelay:     *retryWait,
	})
	if err != nil {
		log.Fatalf("failed to create migration service: %v", err)
	}
	defer func() { _ = service.Close() }()

	switch {
	case *force >= 0:
		if err := service.Force(*force); err != nil {
			log.Fatalf("failed to force version %d: %v", *force, err)
		}
		log.Infof("forced version to %d", *force)
	case *steps != 0:
		if err := service.Steps(*steps); err != nil {
			log.Fatalf("failed to apply %d steps: %v", *steps, err)
		}
		log.Infof("applied %d steps", *steps)
	case *down:
		if err := service.Down(); err != nil {
			log.Fatalf("migration rollback failed: %v", err)
		}
	default:
		if err := service.Up(); err != nil {
			log.Fatalf("migration failed: %v", err)
		}
	}

	version, dirty, err := service.Version()
	if err != nil {
		log.Warnf("could not get final version: %v", err)
		return
	}
	log.Infof("current migration version: %d (dirty: %v) at %s", version, dirty, time.Now().Format(time.RFC3339))
}
