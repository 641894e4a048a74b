package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// DB wraps the SQL pool together with the driver it was opened on. All
// statements in this package use $N placeholders, which both drivers accept,
// so the driver field only gates postgres-specific behavior (advisory locks,
// SKIP LOCKED).
type DB struct {
	SQL    *sql.DB
	Driver string
}

// Open connects to Postgres when databaseURL is set, otherwise falls back to
// an embedded SQLite file ("lite mode") so the service runs with no external
// infrastructure. An explicit file: URL also selects SQLite.
func Open(ctx context.Context, databaseURL string) (*DB, error) {
	if databaseURL == "" {
		slog.Info("DATABASE_URL not set, using lite mode", "driver", DriverSQLite)
		return openSQLite(ctx, "file:pbi.db?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	}
	if strings.HasPrefix(databaseURL, "file:") {
		return openSQLite(ctx, databaseURL)
	}

	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("store: open postgres: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxIdleTime(30 * time.Second)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: postgres ping: %w", err)
	}
	return &DB{SQL: db, Driver: DriverPostgres}, nil
}

func openSQLite(ctx context.Context, dsn string) (*DB, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite: %w", err)
	}
	// modernc sqlite serializes writes; a single connection avoids
	// SQLITE_BUSY churn under concurrent handlers.
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: sqlite ping: %w", err)
	}
	return &DB{SQL: db, Driver: DriverSQLite}, nil
}

func (d *DB) Close() error {
	return d.SQL.Close()
}
