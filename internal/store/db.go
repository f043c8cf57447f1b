package store

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"
)

// Supported database/sql driver names.
const (
	DriverModernc = "sqlite"
	DriverCgo     = "sqlite3"
)

// OpenDB opens a SQLite database with WAL and a busy timeout. path may be
// ":memory:", in which case the pool is pinned to a single connection so
// every query sees the same database.
func OpenDB(driver, path string) (*sqlx.DB, error) {
	if driver == "" {
		driver = DriverModernc
	}
	memory := path == ":memory:" || strings.Contains(path, "mode=memory")
	if !memory {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sqlx.Open(driver, dsn(driver, path, memory))
	if err != nil {
		return nil, fmt.Errorf("opening %s database: %w", driver, err)
	}

	if memory {
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(time.Hour)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connecting to database: %w", err)
	}
	return db, nil
}

func dsn(driver, path string, memory bool) string {
	if memory && !strings.Contains(path, "?") {
		return path
	}
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	switch driver {
	case DriverCgo:
		return path + sep + "_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000"
	default:
		return path + sep + "_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)"
	}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
