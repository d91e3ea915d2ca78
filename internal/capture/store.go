// Package capture records the chunks read from serial ports into a sqlite
// database so a session can be inspected after the fact.
package capture

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"

	"github.com/banshee-data/serialbridge/internal/events"
	"github.com/banshee-data/serialbridge/internal/monitoring"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// DefaultRecentLimit caps Recent when no limit is given.
const DefaultRecentLimit = 100

// Store is a sqlite-backed events.Sink.
type Store struct {
	db   *sql.DB
	path string
}

// Record is one stored chunk.
type Record struct {
	ID         int64     `json:"id"`
	Port       string    `json:"port"`
	RunID      string    `json:"run_id"`
	Size       int       `json:"size"`
	Data       []byte    `json:"data"`
	ReceivedAt time.Time `json:"received_at"`
}

// Open opens (creating if needed) the capture database at path and brings
// its schema up to date.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open capture db: %w", err)
	}
	for _, pragma := range []string{"PRAGMA busy_timeout = 5000", "PRAGMA journal_mode = WAL"} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("configure capture db: %w", err)
		}
	}
	if err := migrateUp(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db, path: path}, nil
}

func migrateUp(db *sql.DB) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to load migrations: %w", err)
	}
	driver, err := sqlite.WithInstance(db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create sqlite driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}
	// m is not closed: that would close db.
	m.Log = migrateLogger{}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration up failed: %w", err)
	}
	return nil
}

type migrateLogger struct{}

func (migrateLogger) Printf(format string, v ...interface{}) {
	log := monitoring.Logger()
	log.Debug().Str("component", "migrate").Msgf(format, v...)
}

func (migrateLogger) Verbose() bool { return false }

// Emit stores one chunk.
func (s *Store) Emit(ev events.Event) error {
	at := ev.At
	if at.IsZero() {
		at = time.Now()
	}
	_, err := s.db.Exec(
		`INSERT INTO chunks (port, run_id, size, data, received_at) VALUES (?, ?, ?, ?, ?)`,
		ev.Port, ev.RunID, ev.Chunk.Size, ev.Chunk.Data, at.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("store chunk for %s: %w", ev.Port, err)
	}
	return nil
}

// Recent returns up to limit chunks, newest first. An empty port matches
// every port.
func (s *Store) Recent(ctx context.Context, port string, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = DefaultRecentLimit
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, port, run_id, size, data, received_at
		FROM chunks
		WHERE ? = '' OR port = ?
		ORDER BY id DESC
		LIMIT ?`, port, port, limit)
	if err != nil {
		return nil, fmt.Errorf("query chunks: %w", err)
	}
	defer rows.Close()

	out := []Record{}
	for rows.Next() {
		var (
			r  Record
			ns int64
		)
		if err := rows.Scan(&r.ID, &r.Port, &r.RunID, &r.Size, &r.Data, &ns); err != nil {
			return nil, fmt.Errorf("scan chunk: %w", err)
		}
		r.ReceivedAt = time.Unix(0, ns).UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}

// Count returns how many chunks are stored for port, or for all ports when
// port is empty.
func (s *Store) Count(ctx context.Context, port string) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM chunks WHERE ? = '' OR port = ?`, port, port).Scan(&n)
	return n, err
}

func (s *Store) Close() error {
	return s.db.Close()
}
