package store

import (
	"context"
	"path/filepath"
	"strings"

	"github.com/KSDGitMe/LiMOS-sub001/internal/config"
)

// Backend names accepted by Open.
const (
	KindMemory   = "memory"
	KindFile     = "file"
	KindSQLite   = "sqlite"
	KindPostgres = "postgres"
)

// Open builds the backend selected by cfg.Backend.
func Open(ctx context.Context, cfg config.MemoryConfig, opts ...Option) (Backend, error) {
	switch strings.ToLower(cfg.Backend) {
	case "", KindMemory:
		return NewMemoryBackend(opts...), nil
	case KindFile:
		return NewFileBackend(cfg.Dir, opts...)
	case KindSQLite:
		path := cfg.SQLitePath
		if path == "" {
			path = filepath.Join(cfg.Dir, "memory.db")
		}
		return NewSQLiteBackend(path, opts...)
	case KindPostgres:
		return NewPostgresBackend(ctx, cfg.PostgresURL, opts...)
	default:
		return nil, &ErrUnknownBackend{Name: cfg.Backend}
	}
}
