// Package memory implements AgentMemory, the per-agent namespaced view over a
// shared store.Backend.
//
// Two expiry paths exist and stay separate: reads go through Backend.Get,
// which drops an expired entry when it is touched; CleanupExpired is the
// explicit O(n) sweep.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/KSDGitMe/LiMOS-sub001/internal/store"
	"github.com/KSDGitMe/LiMOS-sub001/pkg/models"
	"github.com/rs/zerolog/log"
)

// NamespaceRoot is the key prefix shared by every agent namespace.
const NamespaceRoot = "agent:"

// Prefix returns the namespace prefix for one agent.
func Prefix(agentID string) string {
	return NamespaceRoot + agentID + ":"
}

// AgentMemory scopes every key to "agent:<agent_id>:" so many agents can share
// one backend. It adds no locking of its own; each call is as atomic as the
// backend operation beneath it.
type AgentMemory struct {
	agentID string
	prefix  string
	backend store.Backend
	now     store.Clock
}

// Option configures an AgentMemory.
type Option func(*AgentMemory)

// WithClock sets the time source for new entries and expiry checks. It should
// match the backend's clock.
func WithClock(now store.Clock) Option {
	return func(m *AgentMemory) { m.now = now }
}

// New returns the namespace of agentID on backend. IDs rejected by
// models.ValidateAgentID would overlap other namespaces and are refused.
func New(agentID string, backend store.Backend, opts ...Option) (*AgentMemory, error) {
	if err := models.ValidateAgentID(agentID); err != nil {
		return nil, err
	}
	m := &AgentMemory{
		agentID: agentID,
		prefix:  Prefix(agentID),
		backend: backend,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

func (m *AgentMemory) AgentID() string        { return m.agentID }
func (m *AgentMemory) Backend() store.Backend { return m.backend }

func (m *AgentMemory) fullKey(key string) string { return m.prefix + key }

// ── Set options ──────────────────────────────────────────────

type setOptions struct {
	ttl      time.Duration
	tags     []string
	metadata map[string]any
}

// SetOption configures one Set call.
type SetOption func(*setOptions)

// WithTTL expires the entry d after it is written. Zero means never.
func WithTTL(d time.Duration) SetOption {
	return func(o *setOptions) { o.ttl = d }
}

func WithTags(tags ...string) SetOption {
	return func(o *setOptions) { o.tags = append(o.tags, tags...) }
}

func WithMetadata(md map[string]any) SetOption {
	return func(o *setOptions) { o.metadata = md }
}

// ── Operations ───────────────────────────────────────────────

// Set JSON-encodes value and stores it under key, replacing any previous entry.
func (m *AgentMemory) Set(ctx context.Context, key string, value any, opts ...SetOption) error {
	var o setOptions
	for _, opt := range opts {
		opt(&o)
	}

	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode memory value %s: %w", key, err)
	}

	e := models.NewMemoryEntry(m.fullKey(key), raw, m.now())
	e.SetTTL(o.ttl)
	if len(o.tags) > 0 {
		e.Tags = dedupe(o.tags)
	}
	if o.metadata != nil {
		e.Metadata = maps.Clone(o.metadata)
	}

	if err := m.backend.Set(ctx, e); err != nil {
		return fmt.Errorf("set memory %s: %w", key, err)
	}
	log.Debug().Str("agent_id", m.agentID).Str("key", key).Msg("Memory set")
	return nil
}

// Get decodes the live value for key into dst. It reports false when the key
// is absent or expired, leaving dst untouched. dst may be nil to only test presence.
func (m *AgentMemory) Get(ctx context.Context, key string, dst any) (bool, error) {
	raw, ok, err := m.GetRaw(ctx, key)
	if err != nil || !ok {
		return false, err
	}
	if dst != nil {
		if err := json.Unmarshal(raw, dst); err != nil {
			return true, fmt.Errorf("decode memory value %s: %w", key, err)
		}
	}
	return true, nil
}

// GetRaw returns the stored JSON for key.
func (m *AgentMemory) GetRaw(ctx context.Context, key string) (json.RawMessage, bool, error) {
	e, err := m.backend.Get(ctx, m.fullKey(key))
	if err != nil {
		return nil, false, fmt.Errorf("get memory %s: %w", key, err)
	}
	if e == nil {
		return nil, false, nil
	}
	return e.Value, true, nil
}

func (m *AgentMemory) Delete(ctx context.Context, key string) (bool, error) {
	ok, err := m.backend.Delete(ctx, m.fullKey(key))
	if err != nil {
		return false, fmt.Errorf("delete memory %s: %w", key, err)
	}
	return ok, nil
}

// Exists is a Get that discards the value, so it also counts as an access.
func (m *AgentMemory) Exists(ctx context.Context, key string) (bool, error) {
	_, ok, err := m.GetRaw(ctx, key)
	return ok, err
}

// Keys lists unprefixed keys in the namespace matching pattern ("" for all).
// Expired entries not yet swept are included.
func (m *AgentMemory) Keys(ctx context.Context, pattern string) ([]string, error) {
	if pattern == "" {
		pattern = "*"
	}
	full, err := m.backend.Keys(ctx, m.prefix+pattern)
	if err != nil {
		return nil, fmt.Errorf("list memory keys: %w", err)
	}
	keys := make([]string, 0, len(full))
	for _, k := range full {
		if rest, ok := strings.CutPrefix(k, m.prefix); ok {
			keys = append(keys, rest)
		}
	}
	return keys, nil
}

// FindByTags returns every live entry carrying at least one of tags.
// Registry tag filters use AND; this one is OR.
func (m *AgentMemory) FindByTags(ctx context.Context, tags ...string) (map[string]json.RawMessage, error) {
	keys, err := m.Keys(ctx, "")
	if err != nil {
		return nil, err
	}
	out := make(map[string]json.RawMessage)
	for _, k := range keys {
		e, err := m.backend.Get(ctx, m.fullKey(k))
		if err != nil {
			return nil, fmt.Errorf("get memory %s: %w", k, err)
		}
		if e != nil && e.HasAnyTag(tags) {
			out[k] = e.Value
		}
	}
	return out, nil
}

// UpdateTTL replaces the TTL of a live entry. Expiry is still measured from
// the entry's creation time. A non-positive d removes the TTL.
func (m *AgentMemory) UpdateTTL(ctx context.Context, key string, d time.Duration) (bool, error) {
	e, err := m.backend.Get(ctx, m.fullKey(key))
	if err != nil {
		return false, fmt.Errorf("get memory %s: %w", key, err)
	}
	if e == nil {
		return false, nil
	}
	e.SetTTL(d)
	if err := m.backend.Set(ctx, e); err != nil {
		return false, fmt.Errorf("update ttl %s: %w", key, err)
	}
	return true, nil
}

// GetInfo describes the stored entry without touching it. Expired entries
// that have not been swept are reported with IsExpired set.
func (m *AgentMemory) GetInfo(ctx context.Context, key string) (*models.MemoryInfo, error) {
	e, err := m.backend.Peek(ctx, m.fullKey(key))
	if err != nil {
		return nil, fmt.Errorf("peek memory %s: %w", key, err)
	}
	if e == nil {
		return nil, nil
	}

	info := &models.MemoryInfo{
		Key:         key,
		CreatedAt:   e.CreatedAt,
		AccessedAt:  e.AccessedAt,
		AccessCount: e.AccessCount,
		TTLSeconds:  e.TTLSeconds,
		IsExpired:   e.IsExpired(m.now()),
		Tags:        e.Tags,
		Metadata:    e.Metadata,
		SizeBytes:   len(e.Value),
	}
	if exp, ok := e.ExpiresAt(); ok {
		info.ExpiresAt = &exp
	}
	return info, nil
}

// Clear deletes every key in this namespace and nothing else.
func (m *AgentMemory) Clear(ctx context.Context) error {
	keys, err := m.Keys(ctx, "")
	if err != nil {
		return err
	}
	for _, k := range keys {
		if _, err := m.Delete(ctx, k); err != nil {
			return err
		}
	}
	log.Debug().Str("agent_id", m.agentID).Int("removed", len(keys)).Msg("Memory cleared")
	return nil
}

// CleanupExpired deletes expired entries in this namespace and returns how
// many were removed.
func (m *AgentMemory) CleanupExpired(ctx context.Context) (int, error) {
	return sweep(ctx, m.backend, m.prefix+"*", m.now())
}

// Stats aggregates the namespace without touching any entry.
func (m *AgentMemory) Stats(ctx context.Context) (*models.MemoryStats, error) {
	keys, err := m.Keys(ctx, "")
	if err != nil {
		return nil, err
	}

	now := m.now()
	stats := &models.MemoryStats{AgentID: m.agentID, TagCounts: map[string]int{}}
	totalAccess := 0
	for _, k := range keys {
		e, err := m.backend.Peek(ctx, m.fullKey(k))
		if err != nil {
			return nil, fmt.Errorf("peek memory %s: %w", k, err)
		}
		if e == nil {
			continue
		}

		if stats.TotalEntries == 0 || e.AccessCount < stats.MinAccessCount {
			stats.MinAccessCount = e.AccessCount
		}
		stats.MaxAccessCount = max(stats.MaxAccessCount, e.AccessCount)
		stats.TotalEntries++
		totalAccess += e.AccessCount
		stats.TotalValueBytes += len(e.Value)

		if e.IsExpired(now) {
			stats.ExpiredEntries++
		} else {
			stats.ActiveEntries++
		}
		for _, t := range e.Tags {
			stats.TagCounts[t]++
		}
	}
	if stats.TotalEntries > 0 {
		stats.AvgAccessCount = float64(totalAccess) / float64(stats.TotalEntries)
	}
	return stats, nil
}

// SweepExpired deletes expired entries across every agent namespace on backend.
func SweepExpired(ctx context.Context, backend store.Backend, now time.Time) (int, error) {
	return sweep(ctx, backend, NamespaceRoot+"*", now)
}

func sweep(ctx context.Context, backend store.Backend, pattern string, now time.Time) (int, error) {
	keys, err := backend.Keys(ctx, pattern)
	if err != nil {
		return 0, fmt.Errorf("list memory keys: %w", err)
	}
	removed := 0
	for _, k := range keys {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		e, err := backend.Peek(ctx, k)
		if err != nil {
			return removed, fmt.Errorf("peek memory %s: %w", k, err)
		}
		if e == nil || !e.IsExpired(now) {
			continue
		}
		ok, err := backend.Delete(ctx, k)
		if err != nil {
			return removed, fmt.Errorf("delete memory %s: %w", k, err)
		}
		if ok {
			removed++
		}
	}
	if removed > 0 {
		log.Debug().Str("pattern", pattern).Int("removed", removed).Msg("Expired memory swept")
	}
	return removed, nil
}

func dedupe(tags []string) []string {
	out := slices.Clone(tags)
	slices.Sort(out)
	return slices.Compact(out)
}
