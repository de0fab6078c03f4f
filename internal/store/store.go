// Package store provides the storage contract for agent memory entries and
// its implementations: a process-local map, a one-file-per-key JSON
// directory, SQLite and PostgreSQL.
//
// Every backend enforces TTL lazily: Get on an expired entry deletes it and
// reports a miss. Active sweeping is the caller's job (see memory.AgentMemory).
package store

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/KSDGitMe/LiMOS-sub001/pkg/models"
	"github.com/tidwall/match"
)

// Backend is the storage contract all memory backends satisfy.
// Implementations must be safe for concurrent use.
type Backend interface {
	// Get returns the live entry for key and records the access, or nil if the
	// key is absent or expired. Expired entries are deleted as a side effect.
	Get(ctx context.Context, key string) (*models.MemoryEntry, error)

	// Set upserts the full entry keyed by entry.Key.
	Set(ctx context.Context, entry *models.MemoryEntry) error

	// Delete removes key and reports whether it existed.
	Delete(ctx context.Context, key string) (bool, error)

	// Keys lists stored keys matching a shell-style glob; "" matches all.
	Keys(ctx context.Context, pattern string) ([]string, error)

	// Clear removes every entry.
	Clear(ctx context.Context) error

	// Size returns the number of stored entries, expired ones included.
	Size(ctx context.Context) (int, error)

	// Peek returns the stored entry without touching it or enforcing TTL.
	Peek(ctx context.Context, key string) (*models.MemoryEntry, error)

	// Close releases resources held by the backend.
	Close() error
}

// Clock returns the current time. Backends accept one for deterministic tests.
type Clock func() time.Time

// Option configures any backend.
type Option func(*options)

type options struct {
	now Clock
}

// WithClock overrides the time source used for touch and TTL checks.
func WithClock(now Clock) Option {
	return func(o *options) { o.now = now }
}

func buildOptions(opts []Option) options {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// matchKey applies the Keys glob. "*" and "?" match any character, path
// separators included.
func matchKey(key, pattern string) bool {
	if pattern == "" || pattern == "*" {
		return true
	}
	return match.Match(key, pattern)
}

func filterKeys(keys []string, pattern string) []string {
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if matchKey(k, pattern) {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

// ── Errors ──────────────────────────────────────────────────

// ErrNotFound is returned when a requested entity does not exist.
type ErrNotFound struct {
	Entity string
	Key    string
}

func (e *ErrNotFound) Error() string {
	return e.Entity + " not found: " + e.Key
}

// ErrUnknownBackend is returned by Open for an unsupported backend name.
type ErrUnknownBackend struct {
	Name string
}

func (e *ErrUnknownBackend) Error() string {
	return fmt.Sprintf("unknown memory backend %q (want memory, file, sqlite or postgres)", e.Name)
}
