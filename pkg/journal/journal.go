// Package journal persists command lifecycle events to a SQLite database
// on the ramdisk. Operators pull the file off a wedged machine to see
// exactly which commands ran and how they ended; the journal is never
// read on the hot path.
package journal

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// SQLite driver
	_ "modernc.org/sqlite"

	"github.com/openrack/metalagent/pkg/command"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Journal is a SQLite-backed command event log.
type Journal struct {
	db   *sql.DB
	path string
}

// Open opens (or creates) the journal database at path and runs
// migrations.
func Open(ctx context.Context, path string) (*Journal, error) {
	if path == "" {
		return nil, fmt.Errorf("journal path is required")
	}

	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal database: %w", err)
	}

	// One writer is plenty: events arrive one at a time from the executor.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping journal database: %w", err)
	}

	j := &Journal{db: db, path: path}
	if err := j.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return j, nil
}

func (j *Journal) migrate() error {
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite3.WithInstance(j.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// Close closes the journal database.
func (j *Journal) Close() error {
	if j.db != nil {
		return j.db.Close()
	}
	return nil
}

// Append writes one lifecycle event. Implements command.Journal.
func (j *Journal) Append(ctx context.Context, e command.Event) error {
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO command_events (command_id, name, status, error_code, detail, occurred_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		e.CommandID, e.Name, string(e.Status), e.ErrorCode, e.Detail,
		e.Time.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to append command event: %w", err)
	}
	return nil
}

// Events returns every recorded event for a command in insertion order.
func (j *Journal) Events(ctx context.Context, commandID string) ([]command.Event, error) {
	rows, err := j.db.QueryContext(ctx,
		`SELECT command_id, name, status, error_code, detail, occurred_at
		 FROM command_events WHERE command_id = ? ORDER BY id`,
		commandID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query command events: %w", err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

// Recent returns the latest events across all commands, newest first,
// capped at limit.
func (j *Journal) Recent(ctx context.Context, limit int) ([]command.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := j.db.QueryContext(ctx,
		`SELECT command_id, name, status, error_code, detail, occurred_at
		 FROM command_events ORDER BY id DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent events: %w", err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]command.Event, error) {
	var events []command.Event
	for rows.Next() {
		var e command.Event
		var status, occurredAt string
		if err := rows.Scan(&e.CommandID, &e.Name, &status, &e.ErrorCode, &e.Detail, &occurredAt); err != nil {
			return nil, fmt.Errorf("failed to scan command event: %w", err)
		}
		e.Status = command.Status(status)
		t, err := time.Parse(time.RFC3339Nano, occurredAt)
		if err != nil {
			return nil, fmt.Errorf("failed to parse event timestamp: %w", err)
		}
		e.Time = t
		events = append(events, e)
	}
	return events, rows.Err()
}
