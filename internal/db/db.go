package db

import (
	"fmt"
	"log"
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"mwd-monitor-backend/config"
	"mwd-monitor-backend/internal/model"
)

// Backend names the storage engine behind the retention store.
type Backend string

const (
	BackendSQLite   Backend = "sqlite"
	BackendPostgres Backend = "postgres"
)

// SelectBackend picks the backend for cfg. A DSN always wins.
func SelectBackend(cfg *config.DatabaseConfig) Backend {
	if strings.TrimSpace(cfg.DSN) != "" {
		return BackendPostgres
	}
	return BackendSQLite
}

// Init opens the configured backend and runs migrations.
func Init(cfg *config.DatabaseConfig) (*gorm.DB, Backend, error) {
	backend := SelectBackend(cfg)

	var dialector gorm.Dialector
	switch backend {
	case BackendPostgres:
		dialector = postgres.Open(cfg.DSN)
	default:
		dialector = sqlite.Open(sqliteDSN(cfg.Path))
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, backend, fmt.Errorf("failed to connect to %s database: %w", backend, err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, backend, fmt.Errorf("failed to get sql.DB: %w", err)
	}

	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(time.Duration(cfg.ConnMaxLifetimeMinutes) * time.Minute)

	if err := Migrate(db); err != nil {
		return nil, backend, err
	}

	if backend == BackendPostgres {
		if err := applyPostgresDDL(db); err != nil {
			log.Printf("Warning: failed to apply PostgreSQL DDL: %v. Continuing without it.", err)
		}
	}

	log.Printf("Database initialization complete (%s backend).", backend)
	return db, backend, nil
}

// Migrate creates or updates every table the service owns.
func Migrate(db *gorm.DB) error {
	log.Println("Running database migrations...")
	if err := db.AutoMigrate(
		&model.Snapshot{},
		&model.DirectionalEntry{},
		&model.PushSubscription{},
	); err != nil {
		return fmt.Errorf("automigrate failed: %w", err)
	}
	return nil
}

// sqliteDSN enables WAL and a busy timeout so the serial writer, the
// collector and history readers can share the file.
func sqliteDSN(path string) string {
	if strings.Contains(path, "?") {
		return path
	}
	return path + "?_journal_mode=WAL&_busy_timeout=10000"
}

func applyPostgresDDL(db *gorm.DB) error {
	ddls := []string{
		// Append-only by ts, so a BRIN index stays tiny.
		"CREATE INDEX IF NOT EXISTS idx_ingest_snapshots_ts_brin ON ingest_snapshots USING BRIN (ts);",
		"CREATE INDEX IF NOT EXISTS idx_incazm_log_ts_desc ON incazm_log (ts DESC);",
	}

	for _, ddl := range ddls {
		if err := db.Exec(ddl).Error; err != nil {
			return fmt.Errorf("DDL failed on %q: %w", ddl, err)
		}
	}
	return nil
}
