package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/KSDGitMe/LiMOS-sub001/pkg/models"
	"github.com/rs/zerolog/log"
)

const entryFileExt = ".json"

// FileBackend implements Backend with one JSON file per key under a directory.
//
// File names are the key with path separators replaced by underscores, so
// "a/b" and "a_b" share a file; callers must tolerate that collision. Every
// successful Get rewrites the file to persist the touch. Files that fail to
// parse are treated as corrupt, removed, and reported as misses.
type FileBackend struct {
	dir  string
	mu   sync.Mutex // serializes read-modify-write of files
	opts options
}

// NewFileBackend creates dir if needed and returns a backend rooted there.
func NewFileBackend(dir string, opts ...Option) (*FileBackend, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create memory dir %s: %w", dir, err)
	}
	log.Info().Str("dir", dir).Msg("File memory backend initialized")
	return &FileBackend{dir: dir, opts: buildOptions(opts)}, nil
}

// Dir returns the backing directory.
func (f *FileBackend) Dir() string { return f.dir }

// FileName maps a key to its file name inside the directory.
func FileName(key string) string {
	r := strings.NewReplacer("/", "_", `\`, "_")
	return r.Replace(key) + entryFileExt
}

func (f *FileBackend) path(key string) string {
	return filepath.Join(f.dir, FileName(key))
}

func (f *FileBackend) Get(_ context.Context, key string) (*models.MemoryEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	path := f.path(key)
	e, err := f.readFile(path)
	if err != nil || e == nil {
		return nil, err
	}

	now := f.opts.now()
	if e.IsExpired(now) {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("remove expired %s: %w", path, err)
		}
		log.Debug().Str("key", key).Msg("Memory entry expired on read")
		return nil, nil
	}

	e.Touch(now)
	if err := f.writeFile(path, e); err != nil {
		return nil, err
	}
	return e, nil
}

func (f *FileBackend) Set(_ context.Context, entry *models.MemoryEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.writeFile(f.path(entry.Key), entry)
}

func (f *FileBackend) Delete(_ context.Context, key string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	err := os.Remove(f.path(key))
	switch {
	case err == nil:
		return true, nil
	case os.IsNotExist(err):
		return false, nil
	default:
		return false, fmt.Errorf("delete %s: %w", key, err)
	}
}

// Keys reports the keys stored inside the files, not the file names.
func (f *FileBackend) Keys(_ context.Context, pattern string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	paths, err := f.entryPaths()
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(paths))
	for _, p := range paths {
		e, err := f.readFile(p)
		if err != nil {
			return nil, err
		}
		if e != nil {
			keys = append(keys, e.Key)
		}
	}
	return filterKeys(keys, pattern), nil
}

func (f *FileBackend) Clear(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	paths, err := f.entryPaths()
	if err != nil {
		return err
	}
	for _, p := range paths {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("clear %s: %w", p, err)
		}
	}
	return nil
}

func (f *FileBackend) Size(_ context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	paths, err := f.entryPaths()
	return len(paths), err
}

func (f *FileBackend) Peek(_ context.Context, key string) (*models.MemoryEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.readFile(f.path(key))
}

func (f *FileBackend) Close() error { return nil }

func (f *FileBackend) entryPaths() ([]string, error) {
	paths, err := filepath.Glob(filepath.Join(f.dir, "*"+entryFileExt))
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", f.dir, err)
	}
	return paths, nil
}

// readFile returns nil, nil for missing and corrupt files. Corrupt files are removed.
func (f *FileBackend) readFile(path string) (*models.MemoryEntry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	var e models.MemoryEntry
	if err := json.Unmarshal(data, &e); err != nil {
		log.Warn().Err(err).Str("path", path).Msg("Corrupt memory file, removing")
		if rmErr := os.Remove(path); rmErr != nil && !os.IsNotExist(rmErr) {
			log.Error().Err(rmErr).Str("path", path).Msg("Failed to remove corrupt memory file")
		}
		return nil, nil
	}
	return &e, nil
}

// writeFile writes to a temp file then renames it over the target.
func (f *FileBackend) writeFile(path string, e *models.MemoryEntry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", e.Key, err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename %s: %w", tmp, err)
	}
	return nil
}
