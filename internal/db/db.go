package db

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	sqlite3 "gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Config selects a driver and DSN. For the sqlite drivers DSN is a file path.
type Config struct {
	Driver   string `json:"driver"` // sqlite | sqlite3 | postgres | mysql
	DSN      string `json:"dsn"`
	DebugSQL bool   `json:"debug_sql"`
}

type Handle struct {
	DB   *gorm.DB
	Path string
}

func Open(cfg Config) (*Handle, error) {
	dialector, err := dialectorFor(cfg)
	if err != nil {
		return nil, err
	}
	level := logger.Silent
	if cfg.DebugSQL {
		level = logger.Info
	}
	gdb, err := gorm.Open(dialector, &gorm.Config{
		Logger:                                   logger.Default.LogMode(level),
		DisableForeignKeyConstraintWhenMigrating: false,
	})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", cfg.Driver, err)
	}
	if isSQLite(cfg.Driver) {
		// one writer at a time; chunk workers queue on the pool instead of hitting SQLITE_BUSY.
		// Never query through the pool while holding a transaction on it.
		if sqlDB, err := gdb.DB(); err == nil {
			sqlDB.SetMaxOpenConns(1)
		}
		_ = gdb.Exec("PRAGMA busy_timeout = 5000").Error
		_ = gdb.Exec("PRAGMA foreign_keys = ON").Error
	}
	return &Handle{DB: gdb, Path: cfg.DSN}, nil
}

// OpenAt opens the default pure-Go sqlite database inside dir.
func OpenAt(dir string) (*Handle, error) {
	return Open(Config{Driver: "sqlite", DSN: filepath.Join(dir, "partsync.db")})
}

func dialectorFor(cfg Config) (gorm.Dialector, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "sqlite":
		if err := ensureDir(cfg.DSN); err != nil {
			return nil, err
		}
		return sqlite.Open(cfg.DSN), nil
	case "sqlite3":
		if err := ensureDir(cfg.DSN); err != nil {
			return nil, err
		}
		return sqlite3.Open(cfg.DSN), nil
	case "postgres":
		return postgres.Open(cfg.DSN), nil
	case "mysql":
		return mysql.Open(cfg.DSN), nil
	default:
		return nil, fmt.Errorf("unknown database driver %q", cfg.Driver)
	}
}

func isSQLite(driver string) bool {
	d := strings.ToLower(strings.TrimSpace(driver))
	return d == "" || d == "sqlite" || d == "sqlite3"
}

func ensureDir(dsn string) error {
	if dsn == "" || strings.HasPrefix(dsn, "file:") || strings.Contains(dsn, ":memory:") {
		return nil
	}
	return os.MkdirAll(filepath.Dir(dsn), 0o755)
}

// Close releases the underlying connection pool.
func (h *Handle) Close() error {
	sqlDB, err := h.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
