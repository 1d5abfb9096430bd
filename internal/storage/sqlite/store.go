// Package sqlite persists dead letters in an append-only SQLite table.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"chroniclesink/internal/storage"
)

const (
	defaultListLimit = 100
	maxListLimit     = 1000
)

const schema = `
CREATE TABLE IF NOT EXISTS dead_letters (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	request_id TEXT NOT NULL,
	sink TEXT NOT NULL,
	log_key TEXT NOT NULL,
	event_count INTEGER NOT NULL,
	payload BLOB NOT NULL,
	content_encoding TEXT NOT NULL DEFAULT '',
	reason TEXT NOT NULL,
	status_code INTEGER NOT NULL DEFAULT 0,
	attempts INTEGER NOT NULL DEFAULT 0,
	created_at_utc_ns INTEGER NOT NULL,
	UNIQUE(request_id)
);

CREATE INDEX IF NOT EXISTS idx_dead_letters_created ON dead_letters(created_at_utc_ns, id);

CREATE TRIGGER IF NOT EXISTS trg_dead_letters_no_update
BEFORE UPDATE ON dead_letters
BEGIN
	SELECT RAISE(ABORT, 'dead_letters are append-only: UPDATE forbidden');
END;

CREATE TRIGGER IF NOT EXISTS trg_dead_letters_no_delete
BEFORE DELETE ON dead_letters
BEGIN
	SELECT RAISE(ABORT, 'dead_letters are append-only: DELETE forbidden');
END;
`

var _ storage.DeadLetterStore = (*Store)(nil)

type Store struct {
	db *sql.DB
}

// NewStore opens or creates the database at path.
func NewStore(path string) (*Store, error) {
	if path == "" {
		return nil, errors.New("dead letter path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("mkdir dead letter dir: %w", err)
	}
	db, err := openSQLite(path)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init dead letter schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// Record appends dl. A request is recorded at most once; repeats are
// ignored.
func (s *Store) Record(ctx context.Context, dl storage.DeadLetter) error {
	if dl.RequestID == "" {
		return errors.New("dead letter request id is required")
	}
	createdAt := dl.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	payload := dl.Payload
	if payload == nil {
		payload = []byte{}
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO dead_letters(
	request_id, sink, log_key, event_count, payload, content_encoding,
	reason, status_code, attempts, created_at_utc_ns
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(request_id) DO NOTHING`,
		dl.RequestID, dl.Sink, dl.Key, dl.EventCount, payload, dl.ContentEncoding,
		dl.Reason, dl.StatusCode, dl.Attempts, createdAt.UTC().UnixNano())
	if err != nil {
		return fmt.Errorf("record dead letter %s: %w", dl.RequestID, err)
	}
	return nil
}

// List returns up to limit records, newest first. A non-positive limit
// uses the default.
func (s *Store) List(ctx context.Context, limit int) ([]storage.DeadLetter, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, request_id, sink, log_key, event_count, payload, content_encoding,
	reason, status_code, attempts, created_at_utc_ns
FROM dead_letters
ORDER BY created_at_utc_ns DESC, id DESC
LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []storage.DeadLetter
	for rows.Next() {
		var item storage.DeadLetter
		var createdAt int64
		if err := rows.Scan(
			&item.ID, &item.RequestID, &item.Sink, &item.Key, &item.EventCount, &item.Payload, &item.ContentEncoding,
			&item.Reason, &item.StatusCode, &item.Attempts, &createdAt,
		); err != nil {
			return nil, err
		}
		item.CreatedAt = time.Unix(0, createdAt).UTC()
		out = append(out, item)
	}
	return out, rows.Err()
}

func openSQLite(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	return db, nil
}
