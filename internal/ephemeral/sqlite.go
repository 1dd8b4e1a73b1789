package ephemeral

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// sqliteBackend keeps keys in a single table so records survive a process
// restart and can be shared by several processes on one host.
type sqliteBackend struct {
	db *sql.DB
}

// NewSQLiteStore opens (and migrates) a SQLite-backed ephemeral store.
func NewSQLiteStore(dsn string, ttl time.Duration) (*Store, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open ephemeral database: %w", err)
	}
	// For in-memory SQLite, multiple connections create separate databases.
	if dsn == ":memory:" || strings.Contains(dsn, "mode=memory") {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	}

	b := &sqliteBackend{db: db}
	if err := b.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate ephemeral database: %w", err)
	}
	return newStore(b, ttl), nil
}

func (b *sqliteBackend) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS ephemeral_kv (
			key TEXT PRIMARY KEY,
			value BLOB NOT NULL,
			ttl_ms INTEGER NOT NULL,
			expires_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_ephemeral_kv_expires ON ephemeral_kv(expires_at)`,
	}
	for _, m := range migrations {
		if _, err := b.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

func (b *sqliteBackend) set(ctx context.Context, key string, value []byte, ttl time.Duration, now time.Time) error {
	_, err := b.db.ExecContext(ctx,
		`INSERT INTO ephemeral_kv (key, value, ttl_ms, expires_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, ttl_ms = excluded.ttl_ms, expires_at = excluded.expires_at`,
		key, value, ttl.Milliseconds(), now.Add(ttl).UnixMilli())
	return err
}

func (b *sqliteBackend) get(ctx context.Context, key string, now time.Time) ([]byte, error) {
	var value []byte
	err := b.db.QueryRowContext(ctx,
		`SELECT value FROM ephemeral_kv WHERE key = ? AND expires_at > ?`,
		key, now.UnixMilli()).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if value == nil {
		value = []byte{}
	}
	return value, nil
}

func (b *sqliteBackend) touch(ctx context.Context, key string, now time.Time) error {
	ms := now.UnixMilli()
	_, err := b.db.ExecContext(ctx,
		`UPDATE ephemeral_kv SET expires_at = ? + ttl_ms WHERE key = ? AND expires_at > ?`,
		ms, key, ms)
	return err
}

func (b *sqliteBackend) del(ctx context.Context, key string) error {
	_, err := b.db.ExecContext(ctx, `DELETE FROM ephemeral_kv WHERE key = ?`, key)
	return err
}

func (b *sqliteBackend) delIf(ctx context.Context, key string, value []byte, now time.Time) (bool, error) {
	res, err := b.db.ExecContext(ctx,
		`DELETE FROM ephemeral_kv WHERE key = ? AND value = ? AND expires_at > ?`,
		key, value, now.UnixMilli())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (b *sqliteBackend) scan(ctx context.Context, prefix string, now time.Time) (map[string][]byte, error) {
	rows, err := b.db.QueryContext(ctx,
		`SELECT key, value FROM ephemeral_kv WHERE substr(key, 1, ?) = ? AND expires_at > ?`,
		len(prefix), prefix, now.UnixMilli())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string][]byte)
	for rows.Next() {
		var key string
		var value []byte
		if err := rows.Scan(&key, &value); err != nil {
			return nil, err
		}
		out[key] = value
	}
	return out, rows.Err()
}

func (b *sqliteBackend) cleanup(ctx context.Context, now time.Time) (int, error) {
	res, err := b.db.ExecContext(ctx, `DELETE FROM ephemeral_kv WHERE expires_at <= ?`, now.UnixMilli())
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

func (b *sqliteBackend) close() error {
	return b.db.Close()
}
