package db

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm/logger"
)

func TestOpenSQLiteSingleWriter(t *testing.T) {
	path := filepath.Join(t.TempDir(), "handoff.db")
	db, err := Open(Options{Driver: "sqlite", DSN: path, LogLevel: logger.Silent})
	if err != nil {
		t.Fatalf("open gorm sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	defer func() { _ = sqlDB.Close() }()

	if got := sqlDB.Stats().MaxOpenConnections; got != 1 {
		t.Fatalf("expected sqlite pool capped at 1, got %d", got)
	}
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	if _, err := Open(Options{Driver: "mysql", DSN: "x"}); err == nil {
		t.Fatalf("expected unsupported driver error")
	}
}

func TestOpenPostgresRequiresDSN(t *testing.T) {
	if _, err := Open(Options{Driver: "postgres", DSN: "  "}); err == nil {
		t.Fatalf("expected missing dsn error")
	}
}

func TestOpenSQLiteCreatesParentDirectory(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "nested", "state", "handoff.db")

	db, err := Open(Options{Driver: "sqlite", DSN: dbPath, LogLevel: logger.Silent})
	if err != nil {
		t.Fatalf("open gorm sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	t.Cleanup(func() {
		_ = sqlDB.Close()
	})

	if _, err := os.Stat(filepath.Dir(dbPath)); err != nil {
		t.Fatalf("expected parent dir to be created: %v", err)
	}
}

func TestSQLiteDir(t *testing.T) {
	cases := []struct {
		dsn string
		dir string
	}{
		{dsn: ":memory:"},
		{dsn: "file::memory:?cache=shared"},
		{dsn: "file:/var/lib/handoff.db?mode=memory"},
		{dsn: "handoff.db"},
		{dsn: "data/handoff.db?_pragma=busy_timeout(5000)", dir: "data"},
		{dsn: "file:/var/lib/handoff.db", dir: "/var/lib"},
		{dsn: "file:state/handoff.db?cache=shared", dir: "state"},
	}
	for _, tc := range cases {
		if got := sqliteDir(tc.dsn); got != tc.dir {
			t.Fatalf("sqliteDir(%q) = %q want %q", tc.dsn, got, tc.dir)
		}
	}
}

func TestOpenRoutesGormLogsThroughLogrus(t *testing.T) {
	var buf bytes.Buffer
	log := logrus.New()
	log.SetOutput(&buf)

	db, err := Open(Options{
		Driver:   "sqlite",
		DSN:      filepath.Join(t.TempDir(), "handoff.db"),
		Logger:   log,
		LogLevel: logger.Error,
	})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	t.Cleanup(func() { _ = sqlDB.Close() })

	_ = db.Exec("SELECT * FROM missing_table").Error
	if !strings.Contains(buf.String(), "component=gorm") {
		t.Fatalf("expected gorm error logged through logrus, got %q", buf.String())
	}
}
