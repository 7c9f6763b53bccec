package registry

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

const (
	// dirPermissions is the permission mode for the database directory.
	dirPermissions = 0750

	// busyTimeoutMS bounds how long a writer waits for the database lock.
	busyTimeoutMS = 5000

	// connectionTimeout is the timeout for verifying database connectivity.
	connectionTimeout = 5 * time.Second
)

const schema = `
CREATE TABLE IF NOT EXISTS registry (
	key     TEXT NOT NULL,
	alias   TEXT NOT NULL,
	address TEXT NOT NULL,
	PRIMARY KEY (key, alias)
)`

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// SQLite is a Registry stored as a hash (key → alias → address) in a SQLite
// database file, so discovery and polling can run in separate processes.
//
// Reconcile runs inside a single transaction; with WAL journaling, readers in
// other connections or processes keep seeing the committed state until it
// commits.
type SQLite struct {
	db  *sql.DB
	key string
}

// OpenSQLite opens (creating if needed) the database at path and returns a
// registry for the hash stored under key.
func OpenSQLite(path, key string) (*SQLite, error) {
	if err := os.MkdirAll(filepath.Dir(path), dirPermissions); err != nil {
		return nil, fmt.Errorf("creating registry directory: %w", err)
	}

	connStr := fmt.Sprintf("file:%s?_busy_timeout=%d&_journal_mode=WAL&_synchronous=NORMAL",
		path, busyTimeoutMS)
	db, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("opening registry database: %w", err)
	}
	db.SetMaxOpenConns(1) // SQLite only supports one writer

	ctx, cancel := context.WithTimeout(context.Background(), connectionTimeout)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close() //nolint:errcheck
		return nil, fmt.Errorf("verifying registry database: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close() //nolint:errcheck
		return nil, fmt.Errorf("creating registry schema: %w", err)
	}
	return &SQLite{db: db, key: key}, nil
}

// Close closes the database.
func (s *SQLite) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("closing registry database: %w", err)
	}
	return nil
}

// HashSet sets field to value in the hash stored at key.
func (s *SQLite) HashSet(ctx context.Context, key, field, value string) error {
	return hashSet(ctx, s.db, key, field, value)
}

// HashGetAll returns every field/value pair of the hash stored at key.
func (s *SQLite) HashGetAll(ctx context.Context, key string) (map[string]string, error) {
	return hashGetAll(ctx, s.db, key)
}

// HashDelete removes fields from the hash stored at key.
func (s *SQLite) HashDelete(ctx context.Context, key string, fields ...string) error {
	return hashDelete(ctx, s.db, key, fields...)
}

// Snapshot implements Registry.
func (s *SQLite) Snapshot(ctx context.Context) ([]Device, error) {
	m, err := s.HashGetAll(ctx, s.key)
	if err != nil {
		return nil, err
	}
	out := make([]Device, 0, len(m))
	for alias, addr := range m {
		out = append(out, Device{Alias: alias, Address: addr})
	}
	sortDevices(out)
	return out, nil
}

// Reconcile implements Registry. Either every upsert and delete commits or
// none does.
func (s *SQLite) Reconcile(ctx context.Context, discovered []Device) ([]Device, error) {
	next := index(discovered)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning reconcile: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after Commit

	prev, err := hashGetAll(ctx, tx, s.key)
	if err != nil {
		return nil, err
	}

	for alias, addr := range next {
		if prev[alias] == addr {
			continue
		}
		if err := hashSet(ctx, tx, s.key, alias, addr); err != nil {
			return nil, err
		}
	}

	var evicted []Device
	var gone []string
	for alias, addr := range prev {
		if _, ok := next[alias]; !ok {
			evicted = append(evicted, Device{Alias: alias, Address: addr})
			gone = append(gone, alias)
		}
	}
	if err := hashDelete(ctx, tx, s.key, gone...); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing reconcile: %w", err)
	}
	sortDevices(evicted)
	return evicted, nil
}

func hashSet(ctx context.Context, q querier, key, field, value string) error {
	_, err := q.ExecContext(ctx,
		`INSERT INTO registry (key, alias, address) VALUES (?, ?, ?)
		 ON CONFLICT (key, alias) DO UPDATE SET address = excluded.address`,
		key, field, value)
	if err != nil {
		return fmt.Errorf("setting %s/%s: %w", key, field, err)
	}
	return nil
}

func hashGetAll(ctx context.Context, q querier, key string) (map[string]string, error) {
	rows, err := q.QueryContext(ctx, `SELECT alias, address FROM registry WHERE key = ?`, key)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", key, err)
	}
	defer rows.Close() //nolint:errcheck

	m := map[string]string{}
	for rows.Next() {
		var alias, addr string
		if err := rows.Scan(&alias, &addr); err != nil {
			return nil, fmt.Errorf("scanning %s: %w", key, err)
		}
		m[alias] = addr
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading %s: %w", key, err)
	}
	return m, nil
}

func hashDelete(ctx context.Context, q querier, key string, fields ...string) error {
	for _, f := range fields {
		if _, err := q.ExecContext(ctx, `DELETE FROM registry WHERE key = ? AND alias = ?`, key, f); err != nil {
			return fmt.Errorf("deleting %s/%s: %w", key, f, err)
		}
	}
	return nil
}
