package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/KSDGitMe/LiMOS-sub001/pkg/models"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

// PostgresBackend implements Backend on a PostgreSQL table. Users provide
// their own database; the table is created on first use.
type PostgresBackend struct {
	pool *pgxpool.Pool
	opts options
}

// NewPostgresBackend connects, pings and migrates.
func NewPostgresBackend(ctx context.Context, connURL string, opts ...Option) (*PostgresBackend, error) {
	pool, err := pgxpool.New(ctx, connURL)
	if err != nil {
		return nil, fmt.Errorf("postgres connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}

	p := &PostgresBackend{pool: pool, opts: buildOptions(opts)}
	if err := p.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres migrate: %w", err)
	}

	log.Info().Msg("Postgres memory backend initialized")
	return p, nil
}

func (p *PostgresBackend) migrate(ctx context.Context) error {
	_, err := p.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS limos_memory_entries (
			key          TEXT PRIMARY KEY,
			value        JSONB NOT NULL,
			created_at   TIMESTAMPTZ NOT NULL,
			accessed_at  TIMESTAMPTZ NOT NULL,
			access_count INTEGER NOT NULL DEFAULT 0,
			ttl_seconds  DOUBLE PRECISION,
			tags         JSONB NOT NULL DEFAULT '[]',
			metadata     JSONB NOT NULL DEFAULT '{}'
		);
	`)
	return err
}

const pgSelect = `SELECT key, value, created_at, accessed_at, access_count, ttl_seconds, tags, metadata
	FROM limos_memory_entries WHERE key = $1`

func (p *PostgresBackend) Get(ctx context.Context, key string) (*models.MemoryEntry, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	e, err := scanPgEntry(tx.QueryRow(ctx, pgSelect+" FOR UPDATE", key))
	if err != nil || e == nil {
		return nil, err
	}

	now := p.opts.now()
	if e.IsExpired(now) {
		if _, err := tx.Exec(ctx, `DELETE FROM limos_memory_entries WHERE key = $1`, key); err != nil {
			return nil, fmt.Errorf("delete expired %s: %w", key, err)
		}
		return nil, tx.Commit(ctx)
	}

	e.Touch(now)
	if _, err := tx.Exec(ctx,
		`UPDATE limos_memory_entries SET accessed_at = $1, access_count = $2 WHERE key = $3`,
		e.AccessedAt, e.AccessCount, key,
	); err != nil {
		return nil, fmt.Errorf("touch %s: %w", key, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return e, nil
}

func (p *PostgresBackend) Set(ctx context.Context, entry *models.MemoryEntry) error {
	tags, metadata, err := encodeTagsMetadata(entry)
	if err != nil {
		return err
	}
	_, err = p.pool.Exec(ctx, `
		INSERT INTO limos_memory_entries (key, value, created_at, accessed_at, access_count, ttl_seconds, tags, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (key) DO UPDATE SET
			value = EXCLUDED.value,
			created_at = EXCLUDED.created_at,
			accessed_at = EXCLUDED.accessed_at,
			access_count = EXCLUDED.access_count,
			ttl_seconds = EXCLUDED.ttl_seconds,
			tags = EXCLUDED.tags,
			metadata = EXCLUDED.metadata`,
		entry.Key, string(valueOrNull(entry.Value)), entry.CreatedAt, entry.AccessedAt,
		entry.AccessCount, entry.TTLSeconds, string(tags), string(metadata),
	)
	if err != nil {
		return fmt.Errorf("upsert %s: %w", entry.Key, err)
	}
	return nil
}

func (p *PostgresBackend) Delete(ctx context.Context, key string) (bool, error) {
	tag, err := p.pool.Exec(ctx, `DELETE FROM limos_memory_entries WHERE key = $1`, key)
	if err != nil {
		return false, fmt.Errorf("delete %s: %w", key, err)
	}
	return tag.RowsAffected() > 0, nil
}

func (p *PostgresBackend) Keys(ctx context.Context, pattern string) ([]string, error) {
	rows, err := p.pool.Query(ctx, `SELECT key FROM limos_memory_entries`)
	if err != nil {
		return nil, fmt.Errorf("list keys: %w", err)
	}
	keys, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("collect keys: %w", err)
	}
	return filterKeys(keys, pattern), nil
}

func (p *PostgresBackend) Clear(ctx context.Context) error {
	_, err := p.pool.Exec(ctx, `DELETE FROM limos_memory_entries`)
	return err
}

func (p *PostgresBackend) Size(ctx context.Context) (int, error) {
	var n int
	err := p.pool.QueryRow(ctx, `SELECT COUNT(*) FROM limos_memory_entries`).Scan(&n)
	return n, err
}

func (p *PostgresBackend) Peek(ctx context.Context, key string) (*models.MemoryEntry, error) {
	return scanPgEntry(p.pool.QueryRow(ctx, pgSelect, key))
}

func (p *PostgresBackend) Close() error {
	p.pool.Close()
	return nil
}

func scanPgEntry(row pgx.Row) (*models.MemoryEntry, error) {
	var (
		e                     models.MemoryEntry
		value, tags, metadata []byte
	)
	err := row.Scan(&e.Key, &value, &e.CreatedAt, &e.AccessedAt, &e.AccessCount, &e.TTLSeconds, &tags, &metadata)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan memory entry: %w", err)
	}
	e.Value = json.RawMessage(value)
	if err := decodeTagsMetadata(&e, tags, metadata); err != nil {
		return nil, err
	}
	return &e, nil
}
