// Package database wires up the GORM connection used by the State Store.
package database

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/glebarez/sqlite" // pure-Go sqlite driver (modernc.org/sqlite), no cgo
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/sandboxrun/execd/internal/config"
	"github.com/sandboxrun/execd/internal/model"
)

// DB wraps the GORM connection with the driver it was opened against.
type DB struct {
	*gorm.DB
	Driver string
}

// New opens a database connection using the driver selected from the
// configured DSN (postgres:// vs a sqlite file path).
func New(cfg *config.Config) (*DB, error) {
	var db *gorm.DB
	var err error

	slowLogger := logger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		logger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  true,
		},
	)

	gormConfig := &gorm.Config{Logger: slowLogger}

	driver := cfg.DatabaseDriver
	dsn := cfg.CleanDSN()

	switch driver {
	case "postgres":
		db, err = gorm.Open(postgres.Open(dsn), gormConfig)
	case "sqlite":
		sqliteDSN := strings.TrimPrefix(dsn, "file:")

		if sqliteDSN != ":memory:" {
			if dir := filepath.Dir(sqliteDSN); dir != "." {
				if err := os.MkdirAll(dir, 0755); err != nil {
					return nil, fmt.Errorf("failed to create database directory %s: %w", dir, err)
				}
			}
		}

		db, err = gorm.Open(sqlite.Open(sqliteDSN), gormConfig)
		if err == nil {
			// WAL allows concurrent readers alongside a writer, which matters
			// once several dispatcher workers poll the jobs table at once.
			db.Exec("PRAGMA journal_mode=WAL")
			db.Exec("PRAGMA busy_timeout = 5000")
			db.Exec("PRAGMA foreign_keys = ON")
		}
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", driver)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}

	if driver == "sqlite" {
		sqlDB.SetMaxOpenConns(4)
		sqlDB.SetMaxIdleConns(4)
	} else {
		sqlDB.SetMaxOpenConns(25)
		sqlDB.SetMaxIdleConns(5)
	}

	return &DB{DB: db, Driver: driver}, nil
}

// Migrate applies AutoMigrate for every model.
func (db *DB) Migrate() error {
	log.Println("running GORM AutoMigrate")
	return db.AutoMigrate(model.AllModels()...)
}

// IsPostgres reports whether the connection is backed by PostgreSQL.
func (db *DB) IsPostgres() bool { return db.Driver == "postgres" }

// IsSQLite reports whether the connection is backed by SQLite.
func (db *DB) IsSQLite() bool { return db.Driver == "sqlite" }

// Close releases the underlying connection pool.
func (db *DB) Close() error {
	sqlDB, err := db.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
