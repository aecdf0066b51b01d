package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

const cacheSchema = `
CREATE TABLE IF NOT EXISTS cache_entries (
	key        TEXT PRIMARY KEY,
	data       BLOB NOT NULL,
	size       INTEGER NOT NULL,
	created_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
);`

// SQLiteCache keeps cache entries in a single SQLite database, which is
// convenient when the cache directory is shared between runners.
type SQLiteCache struct {
	db *sql.DB
}

// OpenSQLiteCache creates or opens the cache database at path.
func OpenSQLiteCache(path string) (*SQLiteCache, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open cache database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect cache database: %w", err)
	}

	// SQLite has a single writer; concurrent jobs queue on one connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, stmt := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		cacheSchema,
	} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("initialise cache database: %w", err)
		}
	}
	return &SQLiteCache{db: db}, nil
}

// Close closes the database.
func (c *SQLiteCache) Close() error {
	return c.db.Close()
}

// Has reports whether an entry exists for key.
func (c *SQLiteCache) Has(ctx context.Context, key string) (bool, error) {
	var one int
	err := c.db.QueryRowContext(ctx, `SELECT 1 FROM cache_entries WHERE key = ?`, key).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, unavailable("query", err)
	}
	return true, nil
}

// Fetch returns the entry stored under key.
func (c *SQLiteCache) Fetch(ctx context.Context, key string) ([]byte, bool, error) {
	var data []byte
	err := c.db.QueryRowContext(ctx, `SELECT data FROM cache_entries WHERE key = ?`, key).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, unavailable("query", err)
	}
	return data, true, nil
}

// Store inserts the entry. The first write for a key wins; later writes
// are ignored.
func (c *SQLiteCache) Store(ctx context.Context, key string, data []byte) error {
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO cache_entries (key, data, size) VALUES (?, ?, ?)
		ON CONFLICT(key) DO NOTHING`, key, data, len(data))
	if err != nil {
		return unavailable("insert", err)
	}
	return nil
}
