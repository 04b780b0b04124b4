package records

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// SQLitePartition keeps objects as blobs in a single SQLite table. It is
// the on-disk stand-in for a bucket when no object store is reachable.
type SQLitePartition struct {
	name string
	db   *sql.DB
}

func NewSQLitePartition(ctx context.Context, name, dbPath string) (*SQLitePartition, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("create partition directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite partition %s: %w", name, err)
	}
	if dbPath == ":memory:" {
		// Each pooled connection would otherwise get its own empty database.
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite partition %s: %w", name, err)
	}
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS objects (
		key TEXT PRIMARY KEY,
		body BLOB NOT NULL,
		updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("init sqlite partition %s: %w", name, err)
	}
	return &SQLitePartition{name: name, db: db}, nil
}

func (p *SQLitePartition) Name() string { return p.name }

func (p *SQLitePartition) Put(ctx context.Context, key string, body []byte) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO objects (key, body, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)
		 ON CONFLICT(key) DO UPDATE SET body = excluded.body, updated_at = excluded.updated_at`,
		key, body,
	)
	if err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

func (p *SQLitePartition) Get(ctx context.Context, key string) ([]byte, error) {
	var body []byte
	err := p.db.QueryRowContext(ctx, `SELECT body FROM objects WHERE key = ?`, key).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	return body, nil
}

func (p *SQLitePartition) List(ctx context.Context, prefix string) ([]string, error) {
	// Range scan instead of LIKE so '%' and '_' in scopes are literal.
	rows, err := p.db.QueryContext(ctx,
		`SELECT key FROM objects WHERE key >= ? AND key < ? ORDER BY key`,
		prefix, prefix+"\U0010FFFF",
	)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", prefix, err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("scan key: %w", err)
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate keys: %w", err)
	}
	return keys, nil
}

func (p *SQLitePartition) Close() error {
	return p.db.Close()
}
