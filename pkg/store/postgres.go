package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// PostgresStore is the shared-database backend for multi-node deployments.
type PostgresStore struct {
	db *sql.DB
}

// OpenPostgres connects to the given DSN and runs migrations.
func OpenPostgres(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	s := &PostgresStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewPostgresStore wraps an existing database handle without migrating,
// for callers that manage schema externally (and for sqlmock tests).
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) migrate() error {
	query := `
    CREATE TABLE IF NOT EXISTS kv (
        ns TEXT NOT NULL,
        k TEXT NOT NULL,
        v JSONB NOT NULL,
        updated_at TIMESTAMPTZ NOT NULL,
        PRIMARY KEY (ns, k)
    );`
	_, err := s.db.ExecContext(context.Background(), query)
	if err != nil {
		return fmt.Errorf("migrate kv table: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, ns, key string) (json.RawMessage, error) {
	var v []byte
	err := s.db.QueryRowContext(ctx, `SELECT v FROM kv WHERE ns = $1 AND k = $2`, ns, key).Scan(&v)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("postgres get %s/%s: %w", ns, key, err)
	}
	return v, nil
}

func (s *PostgresStore) Set(ctx context.Context, ns, key string, value json.RawMessage) error {
	query := `
    INSERT INTO kv (ns, k, v, updated_at) VALUES ($1, $2, $3, $4)
    ON CONFLICT (ns, k) DO UPDATE SET v = EXCLUDED.v, updated_at = EXCLUDED.updated_at`
	_, err := s.db.ExecContext(ctx, query, ns, key, []byte(value), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("postgres set %s/%s: %w", ns, key, err)
	}
	return nil
}

func (s *PostgresStore) Delete(ctx context.Context, ns, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE ns = $1 AND k = $2`, ns, key)
	if err != nil {
		return fmt.Errorf("postgres delete %s/%s: %w", ns, key, err)
	}
	return nil
}

func (s *PostgresStore) GetGroup(ctx context.Context, ns string) ([]json.RawMessage, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT v FROM kv WHERE ns = $1 ORDER BY k`, ns)
	if err != nil {
		return nil, fmt.Errorf("postgres group %s: %w", ns, err)
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

func (s *PostgresStore) Keys(ctx context.Context, ns, prefix string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT k FROM kv WHERE ns = $1 AND k LIKE $2 || '%' ORDER BY k`, ns, prefix)
	if err != nil {
		return nil, fmt.Errorf("postgres keys %s: %w", ns, err)
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
func (s *PostgresStore) Close() error {
	return s.db.Close()
}
