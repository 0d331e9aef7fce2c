package database

import (
	"fmt"
	"log/slog"
	"time"

	"bookmarket/pkg/config"
	"bookmarket/pkg/models"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const (
	connectAttempts = 10
	connectDelay    = 5 * time.Second
)

// PostgresDSN builds the connection string the services use.
func PostgresDSN(host, port, user, password, dbname string) string {
	return fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=disable TimeZone=UTC",
		host, user, password, dbname, port)
}

// OpenPostgres connects with retries, sizes the pool and migrates the
// documents table.
func OpenPostgres(dsn string, log *slog.Logger) (*gorm.DB, error) {
	var (
		db  *gorm.DB
		err error
	)
	for i := 0; i < connectAttempts; i++ {
		db, err = gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Warn)})
		if err == nil {
			break
		}
		log.Warn("database connection attempt failed", "attempt", i+1, "max_attempts", connectAttempts, "error", err)
		if i < connectAttempts-1 {
			time.Sleep(connectDelay)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("get database instance: %w", err)
	}
	sqlDB.SetMaxOpenConns(25)
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetConnMaxLifetime(5 * time.Minute)
	if err := sqlDB.Ping(); err != nil {
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	if err := migrate(db); err != nil {
		return nil, err
	}
	log.Info("database connected", "driver", "postgres")
	return db, nil
}

// OpenSQLite opens a local database. SQLite allows a single writer, and an
// in-memory database exists per connection, so the pool is capped at one.
func OpenSQLite(dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("open sqlite %q: %w", dsn, err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("get database instance: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)

	if err := migrate(db); err != nil {
		return nil, err
	}
	return db, nil
}

// Open connects to the relational backend selected by cfg.StoreBackend.
func Open(cfg config.Config, log *slog.Logger) (*gorm.DB, error) {
	switch cfg.StoreBackend {
	case config.BackendPostgres:
		return OpenPostgres(PostgresDSN(cfg.DB.Host, cfg.DB.Port, cfg.DB.User, cfg.DB.Password, cfg.DB.Name), log)
	case config.BackendSQLite:
		return OpenSQLite(cfg.SQLiteDSN)
	}
	return nil, fmt.Errorf("store backend %q is not a database", cfg.StoreBackend)
}

func migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(&models.Document{}); err != nil {
		return fmt.Errorf("database migration failed: %w", err)
	}
	return nil
}
