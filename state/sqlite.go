package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

const (
	keyInstallationID  = "installation_id"
	keyEverReady       = "ever_ready"
	keyLastHostVersion = "last_host_version"
	keyFirstReadyAt    = "first_ready_at"

	openTimeout = 5 * time.Second
)

const schema = `
CREATE TABLE IF NOT EXISTS installation (
	key        TEXT PRIMARY KEY,
	value      TEXT NOT NULL,
	updated_at TEXT NOT NULL
);`

// SQLiteStore persists the installation record in a SQLite database.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// OpenSQLite opens (or creates) the state database at path.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, errors.New("state: database path is required")
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("state: create directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("state: open sqlite store: %w", err)
	}
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), openTimeout)
	defer cancel()

	if _, err := db.ExecContext(ctx, `PRAGMA busy_timeout = 5000`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("state: apply pragmas: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("state: apply schema: %w", err)
	}

	s := &SQLiteStore{db: db, path: path}
	if _, err := s.get(ctx, keyInstallationID); errors.Is(err, ErrNotFound) {
		if err := s.set(ctx, keyInstallationID, uuid.NewString()); err != nil {
			_ = db.Close()
			return nil, err
		}
	} else if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Path returns the database path.
func (s *SQLiteStore) Path() string { return s.path }

// Load implements Store.
func (s *SQLiteStore) Load(ctx context.Context) (Installation, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM installation`)
	if err != nil {
		return Installation{}, fmt.Errorf("state: load: %w", err)
	}
	defer rows.Close()

	var inst Installation
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return Installation{}, fmt.Errorf("state: scan: %w", err)
		}
		switch key {
		case keyInstallationID:
			inst.ID = value
		case keyEverReady:
			inst.EverReady, _ = strconv.ParseBool(value)
		case keyLastHostVersion:
			inst.LastHostVersion = value
		case keyFirstReadyAt:
			if ts, err := time.Parse(time.RFC3339Nano, value); err == nil {
				inst.FirstReadyAt = &ts
			}
		}
	}
	if err := rows.Err(); err != nil {
		return Installation{}, fmt.Errorf("state: load: %w", err)
	}
	return inst, nil
}

// MarkReady implements Store.
func (s *SQLiteStore) MarkReady(ctx context.Context, hostVersion string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("state: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC().Format(time.RFC3339Nano)
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO installation (key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO NOTHING`, keyFirstReadyAt, now, now); err != nil {
		return fmt.Errorf("state: mark ready: %w", err)
	}
	for key, value := range map[string]string{
		keyEverReady:       "true",
		keyLastHostVersion: hostVersion,
	} {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO installation (key, value, updated_at) VALUES (?, ?, ?)
			 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
			key, value, now); err != nil {
			return fmt.Errorf("state: mark ready: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("state: commit: %w", err)
	}
	return nil
}

// Close implements Store.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) get(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM installation WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("state: get %s: %w", key, err)
	}
	return value, nil
}

func (s *SQLiteStore) set(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO installation (key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("state: set %s: %w", key, err)
	}
	return nil
}

var _ Store = (*SQLiteStore)(nil)
