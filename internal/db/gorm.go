package db

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	sqliteDriver "github.com/glebarez/sqlite"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const (
	DefaultSQLiteDSN    = "handoff.db"
	defaultMaxOpenConns = 10
	slowQueryThreshold  = 200 * time.Millisecond
)

// Options selects the database behind the durable session store.
type Options struct {
	Driver string
	DSN    string
	// Logger receives gorm's query warnings. Nil keeps gorm's default writer.
	Logger   logrus.FieldLogger
	LogLevel logger.LogLevel
	// MaxOpenConns caps the postgres pool. sqlite always uses one connection.
	MaxOpenConns int
}

// Open connects to sqlite (the default) or postgres. A sqlite file DSN gets
// its parent directory created.
func Open(opts Options) (*gorm.DB, error) {
	driver := strings.ToLower(strings.TrimSpace(opts.Driver))
	if driver == "" {
		driver = "sqlite"
	}
	dsn := strings.TrimSpace(opts.DSN)
	if dsn == "" {
		if driver != "sqlite" {
			return nil, fmt.Errorf("dsn is required for driver %q", driver)
		}
		dsn = DefaultSQLiteDSN
	}
	if opts.LogLevel == 0 {
		opts.LogLevel = logger.Warn
	}
	cfg := &gorm.Config{Logger: gormLogger(opts.Logger, opts.LogLevel)}

	var dialector gorm.Dialector
	switch driver {
	case "sqlite":
		if dir := sqliteDir(dsn); dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create sqlite db dir: %w", err)
			}
		}
		dialector = sqliteDriver.Open(dsn)
	case "postgres":
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported driver %q", driver)
	}

	gormDB, err := gorm.Open(dialector, cfg)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	sqlDB, err := gormDB.DB()
	if err != nil {
		return nil, fmt.Errorf("get sql db: %w", err)
	}
	if driver == "sqlite" {
		// sqlite has a single writer; a larger pool only yields SQLITE_BUSY
		sqlDB.SetMaxOpenConns(1)
	} else {
		maxOpen := opts.MaxOpenConns
		if maxOpen <= 0 {
			maxOpen = defaultMaxOpenConns
		}
		sqlDB.SetMaxOpenConns(maxOpen)
		sqlDB.SetMaxIdleConns(maxOpen)
	}
	return gormDB, nil
}

func gormLogger(log logrus.FieldLogger, level logger.LogLevel) logger.Interface {
	if log == nil {
		return logger.Default.LogMode(level)
	}
	return logger.New(log.WithField("component", "gorm"), logger.Config{
		SlowThreshold:             slowQueryThreshold,
		LogLevel:                  level,
		IgnoreRecordNotFoundError: true,
	})
}

// sqliteDir returns the directory holding a sqlite database file, or "" for
// in-memory databases and files in the working directory.
func sqliteDir(dsn string) string {
	raw := strings.TrimSpace(dsn)
	lower := strings.ToLower(raw)
	if raw == "" || lower == ":memory:" || strings.HasPrefix(lower, "file::memory:") {
		return ""
	}

	path := raw
	if strings.HasPrefix(lower, "file:") {
		parsed, err := url.Parse(raw)
		if err == nil {
			if strings.EqualFold(parsed.Query().Get("mode"), "memory") {
				return ""
			}
			switch {
			case parsed.Path != "":
				path = parsed.Path
			case parsed.Opaque != "":
				path = parsed.Opaque
			}
		} else {
			path = strings.TrimPrefix(raw, "file:")
		}
	}
	if i := strings.Index(path, "?"); i >= 0 {
		path = path[:i]
	}
	if strings.HasPrefix(strings.ToLower(path), ":memory:") {
		return ""
	}
	dir := filepath.Dir(path)
	if dir == "." {
		return ""
	}
	return dir
}
