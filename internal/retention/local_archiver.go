package retention

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/KSDGitMe/LiMOS-sub001/pkg/models"
)

// Archiver stores expired memory entries before the janitor purges them.
type Archiver interface {
	Kind() string
	// ArchiveEntries returns a location describing where the batch went.
	ArchiveEntries(ctx context.Context, entries []*models.MemoryEntry) (string, error)
}

// LocalFileArchiver writes each batch as one JSONL file:
//
//	{basePath}/memory/2026-02-20T15-04-05.000000000Z.jsonl[.gz]
type LocalFileArchiver struct {
	basePath string
	compress bool
	now      func() time.Time
	create   func(name string) (io.WriteCloser, error)
}

// NewLocalFileArchiver creates a file-based archiver. If basePath is empty,
// it defaults to "~/.limos/archive".
func NewLocalFileArchiver(basePath string, compress bool) *LocalFileArchiver {
	if basePath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			basePath = filepath.Join(os.TempDir(), "limos", "archive")
		} else {
			basePath = filepath.Join(home, ".limos", "archive")
		}
	}
	return &LocalFileArchiver{basePath: basePath, compress: compress, now: time.Now, create: createFile}
}

func createFile(name string) (io.WriteCloser, error) { return os.Create(name) }

// SetCreateFunc overrides how archive files are opened for writing.
func (a *LocalFileArchiver) SetCreateFunc(fn func(name string) (io.WriteCloser, error)) {
	a.create = fn
}

func (a *LocalFileArchiver) Kind() string { return "local" }

func (a *LocalFileArchiver) ArchiveEntries(_ context.Context, entries []*models.MemoryEntry) (string, error) {
	dir := filepath.Join(a.basePath, "memory")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create archive dir: %w", err)
	}

	filename := a.now().UTC().Format("2006-01-02T15-04-05.000000000Z") + ".jsonl"
	if a.compress {
		filename += ".gz"
	}
	fpath := filepath.Join(dir, filename)

	f, err := a.create(fpath)
	if err != nil {
		return "", fmt.Errorf("create archive file: %w", err)
	}
	if err := writeBatch(f, entries, a.compress); err != nil {
		if rerr := os.Remove(fpath); rerr != nil && !errors.Is(rerr, fs.ErrNotExist) {
			log.Warn().Err(rerr).Str("path", fpath).Msg("Failed to remove partial archive")
		}
		return "", err
	}

	log.Debug().Str("path", fpath).Int("count", len(entries)).Msg("Archived memory entries to local file")
	return fpath, nil
}

// writeBatch encodes entries into f and closes it. A failed gzip or file
// close fails the batch.
func writeBatch(f io.WriteCloser, entries []*models.MemoryEntry, compress bool) error {
	var (
		w  io.Writer = f
		gw *gzip.Writer
	)
	if compress {
		gw = gzip.NewWriter(f)
		w = gw
	}

	enc := json.NewEncoder(w)
	for _, e := range entries {
		if err := enc.Encode(e); err != nil {
			f.Close()
			return fmt.Errorf("encode entry %s: %w", e.Key, err)
		}
	}
	if gw != nil {
		if err := gw.Close(); err != nil {
			f.Close()
			return fmt.Errorf("flush archive: %w", err)
		}
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close archive file: %w", err)
	}
	return nil
}
