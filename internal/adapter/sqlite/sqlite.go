// Package sqlite implements the gateway's persistence ports against an
// embedded, pure-Go SQLite database (modernc.org/sqlite). It replaces the
// teacher's pgx-backed Postgres store: the gateway is deployed as a single
// file-backed process per §6, not against a network database.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"log/slog"
	"time"

	"github.com/pressly/goose/v3"

	_ "modernc.org/sqlite" // database/sql driver registration
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// DB wraps a database/sql handle opened against a single SQLite file (or
// ":memory:") with the pragmas the gateway needs: WAL for concurrent
// readers during a writer transaction, and foreign keys on.
type DB struct {
	conn        *sql.DB
	slowQueryMS int
}

// Options configures Connect.
type Options struct {
	FileName     string
	AutoMigrate  bool
	BusyTimeout  time.Duration
	MaxOpenConns int
	SlowQueryMS  int
}

// Connect opens the database, applies pragmas, and optionally runs pending
// goose migrations. MaxOpenConns should stay at 1 in production: SQLite
// allows exactly one writer, and funneling every query through a single
// database/sql connection serializes writers without any extra locking in
// the adapter itself.
func Connect(ctx context.Context, opts Options) (*DB, error) {
	dsn := opts.FileName
	if dsn != ":memory:" {
		dsn = fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)",
			opts.FileName, opts.BusyTimeout.Milliseconds())
	} else {
		dsn = "file::memory:?_pragma=foreign_keys(1)"
	}

	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}

	maxOpen := opts.MaxOpenConns
	if maxOpen < 1 {
		maxOpen = 1
	}
	conn.SetMaxOpenConns(maxOpen)

	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sqlite ping: %w", err)
	}

	db := &DB{conn: conn, slowQueryMS: opts.SlowQueryMS}

	if opts.AutoMigrate {
		if err := db.migrate(); err != nil {
			conn.Close()
			return nil, err
		}
	}

	slog.Info("sqlite connected", "file", opts.FileName, "auto_migrate", opts.AutoMigrate)
	return db, nil
}

func (db *DB) migrate() error {
	goose.SetBaseFS(migrationsFS)
	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("goose dialect: %w", err)
	}
	if err := goose.Up(db.conn, "migrations"); err != nil {
		return fmt.Errorf("goose up: %w", err)
	}
	return nil
}

// Close releases the underlying connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

// logSlow warns when a query exceeds the configured slow-query threshold.
func (db *DB) logSlow(op string, start time.Time) {
	if db.slowQueryMS <= 0 {
		return
	}
	if elapsed := time.Since(start); elapsed.Milliseconds() >= int64(db.slowQueryMS) {
		slog.Warn("slow query", "op", op, "elapsed_ms", elapsed.Milliseconds())
	}
}
