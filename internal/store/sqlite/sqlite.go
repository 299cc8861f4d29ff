package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/vovakirdan/replica-server/internal/store"
)

// Schema creates the blob table.
const Schema = `
CREATE TABLE IF NOT EXISTS blobs (
	path       TEXT PRIMARY KEY,
	data       BLOB NOT NULL,
	updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`

// SQLiteStore implements store.BlobStore for SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// New opens (or creates) the database at dbPath and applies the schema.
func New(dbPath string) (*SQLiteStore, error) {
	return NewWithSetup(dbPath, func(db *sql.DB) error {
		_, err := db.Exec(Schema)
		return err
	})
}

// NewWithSetup creates a new SQLite store and runs a setup function.
// Useful for tests to apply schema without migrations.
func NewWithSetup(dbPath string, setup func(*sql.DB) error) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// SQLite works best with single connection; this also keeps an
	// in-memory database alive across calls.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if setup != nil {
		if err := setup(db); err != nil {
			db.Close()
			return nil, fmt.Errorf("setup: %w", err)
		}
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Load retrieves a blob by path.
func (s *SQLiteStore) Load(ctx context.Context, path string) (*store.Blob, error) {
	clean, err := store.CleanPath(path)
	if err != nil {
		return nil, err
	}
	query := `
		SELECT path, data, updated_at
		FROM blobs
		WHERE path = ?
	`
	var b store.Blob
	err = s.db.QueryRowContext(ctx, query, clean).Scan(&b.Path, &b.Data, &b.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("load %s: %w", clean, store.ErrNotFound)
		}
		return nil, fmt.Errorf("query blob: %w", err)
	}
	return &b, nil
}

// Save upserts a blob.
func (s *SQLiteStore) Save(ctx context.Context, path string, data []byte) error {
	clean, err := store.CleanPath(path)
	if err != nil {
		return err
	}
	if data == nil {
		data = []byte{}
	}
	query := `
		INSERT INTO blobs (path, data, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at
	`
	if _, err := s.db.ExecContext(ctx, query, clean, data, time.Now().UTC()); err != nil {
		return fmt.Errorf("upsert blob: %w", err)
	}
	return nil
}

// Delete removes a blob.
func (s *SQLiteStore) Delete(ctx context.Context, path string) error {
	clean, err := store.CleanPath(path)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM blobs WHERE path = ?`, clean); err != nil {
		return fmt.Errorf("delete blob: %w", err)
	}
	return nil
}

// List returns the paths under prefix.
func (s *SQLiteStore) List(ctx context.Context, prefix string) ([]string, error) {
	query := `
		SELECT path
		FROM blobs
		WHERE substr(path, 1, ?) = ?
		ORDER BY path
	`
	rows, err := s.db.QueryContext(ctx, query, len(prefix), prefix)
	if err != nil {
		return nil, fmt.Errorf("list blobs: %w", err)
	}
	defer rows.Close()

	var paths []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("scan blob path: %w", err)
		}
		paths = append(paths, p)
	}
	return paths, rows.Err()
}
