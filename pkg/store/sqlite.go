package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore is the default embedded durable backend. A single kv table
// holds every namespace; writes are synchronous so a returned Set is on disk.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) a SQLite-backed store at path.
// Use ":memory:" for an ephemeral database.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// modernc.org/sqlite serializes access per connection; one writer avoids
	// SQLITE_BUSY under the dispatcher's parallel shards.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewSQLiteStore wraps an existing database handle.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	query := `
    CREATE TABLE IF NOT EXISTS kv (
        ns TEXT NOT NULL,
        k TEXT NOT NULL,
        v BLOB NOT NULL,
        updated_at TEXT NOT NULL,
        PRIMARY KEY (ns, k)
    );`
	_, err := s.db.ExecContext(context.Background(), query)
	if err != nil {
		return fmt.Errorf("migrate kv table: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, ns, key string) (json.RawMessage, error) {
	var v []byte
	err := s.db.QueryRowContext(ctx, `SELECT v FROM kv WHERE ns = ? AND k = ?`, ns, key).Scan(&v)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite get %s/%s: %w", ns, key, err)
	}
	return v, nil
}

func (s *SQLiteStore) Set(ctx context.Context, ns, key string, value json.RawMessage) error {
	query := `
    INSERT INTO kv (ns, k, v, updated_at) VALUES (?, ?, ?, ?)
    ON CONFLICT (ns, k) DO UPDATE SET v = excluded.v, updated_at = excluded.updated_at`
	_, err := s.db.ExecContext(ctx, query, ns, key, []byte(value), time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("sqlite set %s/%s: %w", ns, key, err)
	}
	return nil
}

func (s *SQLiteStore) Delete(ctx context.Context, ns, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE ns = ? AND k = ?`, ns, key)
	if err != nil {
		return fmt.Errorf("sqlite delete %s/%s: %w", ns, key, err)
	}
	return nil
}

func (s *SQLiteStore) GetGroup(ctx context.Context, ns string) ([]json.RawMessage, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT v FROM kv WHERE ns = ? ORDER BY k`, ns)
	if err != nil {
		return nil, fmt.Errorf("sqlite group %s: %w", ns, err)
	}
	defer func() { _ = rows.Close() }()

	var out []json.RawMessage
	for rows.Next() {
		var v []byte
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Keys(ctx context.Context, ns, prefix string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT k FROM kv WHERE ns = ? AND k LIKE ? || '%' ORDER BY k`, ns, prefix)
	if err != nil {
		return nil, fmt.Errorf("sqlite keys %s: %w", ns, err)
	}
	defer func() { _ = rows.Close() }()

	var out []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
