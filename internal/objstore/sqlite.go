package objstore

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	_ "modernc.org/sqlite"

	logx "postpilot/pkg/logx"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS objects (
	key        TEXT PRIMARY KEY,
	data       BLOB NOT NULL,
	version    INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
`

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(ctx context.Context, cfg Config, log logx.Logger) (Versioned, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("storage.path is required for sqlite driver")
	}
	p := cfg.Path
	if p != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			return nil, Unavailable(err, "create sqlite dir")
		}
	}

	db, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, Unavailable(err, "open sqlite")
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.ExecContext(ctx, fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.ExecContext(ctx, "PRAGMA journal_mode = WAL")
	_, _ = db.ExecContext(ctx, "PRAGMA synchronous = NORMAL")

	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, Unavailable(err, "migrate sqlite")
	}
	return &sqliteStore{db: db, log: log}, nil
}

func (s *sqliteStore) Put(ctx context.Context, key string, data []byte) error {
	if err := validKey(key); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO objects(key, data, version, updated_at) VALUES(?, ?, 1, ?)
		 ON CONFLICT(key) DO UPDATE SET data = excluded.data, version = objects.version + 1, updated_at = excluded.updated_at`,
		key, data, time.Now().UnixMilli(),
	)
	return Unavailable(err, "sqlite put")
}

func (s *sqliteStore) PutIfVersion(ctx context.Context, key string, data []byte, version string) (string, error) {
	if err := validKey(key); err != nil {
		return "", err
	}
	now := time.Now().UnixMilli()
	if version == "" {
		res, err := s.db.ExecContext(ctx,
			`INSERT INTO objects(key, data, version, updated_at) VALUES(?, ?, 1, ?)
			 ON CONFLICT(key) DO NOTHING`,
			key, data, now,
		)
		if err != nil {
			return "", Unavailable(err, "sqlite insert")
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return "", ErrVersionConflict
		}
		return "1", nil
	}

	want, err := strconv.ParseInt(version, 10, 64)
	if err != nil {
		return "", ErrVersionConflict
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE objects SET data = ?, version = version + 1, updated_at = ? WHERE key = ? AND version = ?`,
		data, now, key, want,
	)
	if err != nil {
		return "", Unavailable(err, "sqlite update")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return "", ErrVersionConflict
	}
	return strconv.FormatInt(want+1, 10), nil
}

func (s *sqliteStore) Get(ctx context.Context, key string) (Object, error) {
	var (
		data    []byte
		version int64
		ms      int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT data, version, updated_at FROM objects WHERE key = ?`, key,
	).Scan(&data, &version, &ms)
	if errors.Is(err, sql.ErrNoRows) {
		return Object{}, ErrNotFound
	}
	if err != nil {
		return Object{}, Unavailable(err, "sqlite get")
	}
	return Object{Key: key, Data: data, Version: strconv.FormatInt(version, 10), Updated: time.UnixMilli(ms).UTC()}, nil
}

func (s *sqliteStore) List(ctx context.Context, prefix string, limit int) ([]string, error) {
	q := `SELECT key FROM objects WHERE substr(key, 1, ?) = ? ORDER BY key`
	args := []any{len(prefix), prefix}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, Unavailable(err, "sqlite list")
	}
	defer rows.Close()

	keys := make([]string, 0, 16)
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, Unavailable(err, "sqlite scan")
		}
		keys = append(keys, k)
	}
	return keys, Unavailable(rows.Err(), "sqlite rows")
}

func (s *sqliteStore) Delete(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM objects WHERE key = ?`, key)
	return Unavailable(err, "sqlite delete")
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
