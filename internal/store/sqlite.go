package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/KSDGitMe/LiMOS-sub001/pkg/models"
	"github.com/rs/zerolog/log"

	_ "modernc.org/sqlite"
)

// SQLiteBackend implements Backend on a single SQLite table.
type SQLiteBackend struct {
	db   *sql.DB
	path string
	opts options
}

// NewSQLiteBackend opens (or creates) the database at path and ensures the schema.
func NewSQLiteBackend(path string, opts ...Option) (*SQLiteBackend, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// One connection keeps read-touch-write sequences atomic.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}

	s := &SQLiteBackend{db: db, path: path, opts: buildOptions(opts)}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}

	log.Info().Str("path", path).Msg("SQLite memory backend initialized")
	return s, nil
}

func (s *SQLiteBackend) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS memory_entries (
			key          TEXT PRIMARY KEY,
			value        TEXT NOT NULL,
			created_at   TEXT NOT NULL,
			accessed_at  TEXT NOT NULL,
			access_count INTEGER NOT NULL DEFAULT 0,
			ttl_seconds  REAL,
			tags         TEXT NOT NULL DEFAULT '[]',
			metadata     TEXT NOT NULL DEFAULT '{}'
		);
	`)
	return err
}

const sqliteSelect = `SELECT key, value, created_at, accessed_at, access_count, ttl_seconds, tags, metadata
	FROM memory_entries WHERE key = ?`

func (s *SQLiteBackend) Get(ctx context.Context, key string) (*models.MemoryEntry, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	e, err := scanSQLiteEntry(tx.QueryRowContext(ctx, sqliteSelect, key))
	if err != nil || e == nil {
		return nil, err
	}

	now := s.opts.now()
	if e.IsExpired(now) {
		if _, err := tx.ExecContext(ctx, `DELETE FROM memory_entries WHERE key = ?`, key); err != nil {
			return nil, fmt.Errorf("delete expired %s: %w", key, err)
		}
		return nil, tx.Commit()
	}

	e.Touch(now)
	if _, err := tx.ExecContext(ctx,
		`UPDATE memory_entries SET accessed_at = ?, access_count = ? WHERE key = ?`,
		formatTime(e.AccessedAt), e.AccessCount, key,
	); err != nil {
		return nil, fmt.Errorf("touch %s: %w", key, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return e, nil
}

func (s *SQLiteBackend) Set(ctx context.Context, entry *models.MemoryEntry) error {
	tags, metadata, err := encodeTagsMetadata(entry)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO memory_entries (key, value, created_at, accessed_at, access_count, ttl_seconds, tags, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			created_at = excluded.created_at,
			accessed_at = excluded.accessed_at,
			access_count = excluded.access_count,
			ttl_seconds = excluded.ttl_seconds,
			tags = excluded.tags,
			metadata = excluded.metadata`,
		entry.Key, string(valueOrNull(entry.Value)), formatTime(entry.CreatedAt), formatTime(entry.AccessedAt),
		entry.AccessCount, ttlOrNull(entry.TTLSeconds), string(tags), string(metadata),
	)
	if err != nil {
		return fmt.Errorf("upsert %s: %w", entry.Key, err)
	}
	return nil
}

func (s *SQLiteBackend) Delete(ctx context.Context, key string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM memory_entries WHERE key = ?`, key)
	if err != nil {
		return false, fmt.Errorf("delete %s: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *SQLiteBackend) Keys(ctx context.Context, pattern string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key FROM memory_entries`)
	if err != nil {
		return nil, fmt.Errorf("list keys: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return filterKeys(keys, pattern), nil
}

func (s *SQLiteBackend) Clear(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM memory_entries`)
	return err
}

func (s *SQLiteBackend) Size(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM memory_entries`).Scan(&n)
	return n, err
}

func (s *SQLiteBackend) Peek(ctx context.Context, key string) (*models.MemoryEntry, error) {
	return scanSQLiteEntry(s.db.QueryRowContext(ctx, sqliteSelect, key))
}

func (s *SQLiteBackend) Close() error {
	return s.db.Close()
}

func scanSQLiteEntry(row *sql.Row) (*models.MemoryEntry, error) {
	var (
		e                     models.MemoryEntry
		value, tags, metadata string
		createdAt, accessedAt string
		ttl                   sql.NullFloat64
	)
	err := row.Scan(&e.Key, &value, &createdAt, &accessedAt, &e.AccessCount, &ttl, &tags, &metadata)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan memory entry: %w", err)
	}

	e.Value = json.RawMessage(value)
	if e.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if e.AccessedAt, err = time.Parse(time.RFC3339Nano, accessedAt); err != nil {
		return nil, fmt.Errorf("parse accessed_at: %w", err)
	}
	if ttl.Valid {
		v := ttl.Float64
		e.TTLSeconds = &v
	}
	if err := decodeTagsMetadata(&e, []byte(tags), []byte(metadata)); err != nil {
		return nil, err
	}
	return &e, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func ttlOrNull(ttl *float64) sql.NullFloat64 {
	if ttl == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *ttl, Valid: true}
}

func valueOrNull(v json.RawMessage) json.RawMessage {
	if len(v) == 0 {
		return json.RawMessage("null")
	}
	return v
}

func encodeTagsMetadata(e *models.MemoryEntry) (tags, metadata []byte, err error) {
	t := e.Tags
	if t == nil {
		t = []string{}
	}
	if tags, err = json.Marshal(t); err != nil {
		return nil, nil, fmt.Errorf("encode tags: %w", err)
	}
	m := e.Metadata
	if m == nil {
		m = map[string]any{}
	}
	if metadata, err = json.Marshal(m); err != nil {
		return nil, nil, fmt.Errorf("encode metadata: %w", err)
	}
	return tags, metadata, nil
}

func decodeTagsMetadata(e *models.MemoryEntry, tags, metadata []byte) error {
	if err := json.Unmarshal(tags, &e.Tags); err != nil {
		return fmt.Errorf("decode tags: %w", err)
	}
	if err := json.Unmarshal(metadata, &e.Metadata); err != nil {
		return fmt.Errorf("decode metadata: %w", err)
	}
	return nil
}
