// Package database persists RTSP session history and clock
// synchronization events with gorm on sqlite or postgres.
package database

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hashicorp/go-hclog"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/mantonx/syncstream/internal/config"
)

// Open connects to the configured database and migrates the schema
func Open(cfg config.DatabaseConfig, logger hclog.Logger) (*gorm.DB, error) {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	gormCfg := &gorm.Config{Logger: newGormLogger(logger, cfg.LogQueries)}

	var (
		db  *gorm.DB
		err error
	)
	switch cfg.Type {
	case "postgres":
		db, err = connectPostgres(cfg, gormCfg)
	case "sqlite", "":
		db, err = connectSQLite(cfg, gormCfg)
	default:
		return nil, fmt.Errorf("unsupported database type: %s", cfg.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if sqlDB, err := db.DB(); err == nil {
		if cfg.MaxOpenConns > 0 {
			sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
		}
		if cfg.MaxIdleConns > 0 {
			sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
		}
		if cfg.ConnMaxLifetime > 0 {
			sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
		}
	}

	if err := Migrate(db); err != nil {
		return nil, err
	}
	logger.Info("database initialized", "type", cfg.Type)
	return db, nil
}

// Migrate creates or updates the tables
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(Models()...); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}
	return nil
}

func connectPostgres(cfg config.DatabaseConfig, gormCfg *gorm.Config) (*gorm.DB, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("postgres needs database.url")
	}
	return gorm.Open(postgres.Open(cfg.URL), gormCfg)
}

func connectSQLite(cfg config.DatabaseConfig, gormCfg *gorm.Config) (*gorm.DB, error) {
	path := cfg.Path
	if path == "" {
		path = "./syncstream.db"
	}
	if path != ":memory:" && !strings.HasPrefix(path, "file:") {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, err
		}
	}
	return gorm.Open(sqlite.Open(path), gormCfg)
}

// newGormLogger routes gorm output through hclog
func newGormLogger(logger hclog.Logger, logQueries bool) gormlogger.Interface {
	level := gormlogger.Warn
	if logQueries {
		level = gormlogger.Info
	}
	w := logger.Named("gorm").StandardLogger(&hclog.StandardLoggerOptions{InferLevels: true})
	return gormlogger.New(w, gormlogger.Config{
		SlowThreshold:             200 * time.Millisecond,
		LogLevel:                  level,
		IgnoreRecordNotFoundError: true,
	})
}
