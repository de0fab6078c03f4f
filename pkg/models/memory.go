package models

import (
	"encoding/json"
	"maps"
	"slices"
	"time"
)

// ── Memory entry ─────────────────────────────────────────────

// MemoryEntry is one stored value. Its JSON form is also the on-disk format of
// the file backend, so field names must stay stable.
type MemoryEntry struct {
	Key         string          `json:"key"`
	Value       json.RawMessage `json:"value"`
	CreatedAt   time.Time       `json:"created_at"`
	AccessedAt  time.Time       `json:"accessed_at"`
	AccessCount int             `json:"access_count"`
	TTLSeconds  *float64        `json:"ttl_seconds"`
	Tags        []string        `json:"tags"`
	Metadata    map[string]any  `json:"metadata"`
}

// NewMemoryEntry stamps created/accessed time with now.
func NewMemoryEntry(key string, value json.RawMessage, now time.Time) *MemoryEntry {
	return &MemoryEntry{
		Key:        key,
		Value:      value,
		CreatedAt:  now,
		AccessedAt: now,
		Tags:       []string{},
		Metadata:   map[string]any{},
	}
}

// SetTTL sets the time-to-live; a non-positive d removes it.
func (e *MemoryEntry) SetTTL(d time.Duration) {
	if d <= 0 {
		e.TTLSeconds = nil
		return
	}
	secs := d.Seconds()
	e.TTLSeconds = &secs
}

// TTL returns the time-to-live and whether one is set.
func (e *MemoryEntry) TTL() (time.Duration, bool) {
	if e.TTLSeconds == nil {
		return 0, false
	}
	return time.Duration(*e.TTLSeconds * float64(time.Second)), true
}

// ExpiresAt is measured from CreatedAt; reads never extend it.
func (e *MemoryEntry) ExpiresAt() (time.Time, bool) {
	ttl, ok := e.TTL()
	if !ok {
		return time.Time{}, false
	}
	return e.CreatedAt.Add(ttl), true
}

// IsExpired reports whether now is past CreatedAt + TTL.
func (e *MemoryEntry) IsExpired(now time.Time) bool {
	exp, ok := e.ExpiresAt()
	return ok && now.After(exp)
}

// Touch records a successful read.
func (e *MemoryEntry) Touch(now time.Time) {
	e.AccessedAt = now
	e.AccessCount++
}

// HasAnyTag reports whether the entry carries at least one of tags.
func (e *MemoryEntry) HasAnyTag(tags []string) bool {
	for _, t := range tags {
		if slices.Contains(e.Tags, t) {
			return true
		}
	}
	return false
}

// Clone returns a deep copy so backends never share mutable state with callers.
func (e *MemoryEntry) Clone() *MemoryEntry {
	if e == nil {
		return nil
	}
	out := *e
	out.Value = slices.Clone(e.Value)
	out.Tags = slices.Clone(e.Tags)
	out.Metadata = maps.Clone(e.Metadata)
	if e.TTLSeconds != nil {
		ttl := *e.TTLSeconds
		out.TTLSeconds = &ttl
	}
	return &out
}

// ── Memory introspection ─────────────────────────────────────

// MemoryInfo is the full metadata of one key, without its value.
type MemoryInfo struct {
	Key         string         `json:"key"`
	CreatedAt   time.Time      `json:"created_at"`
	AccessedAt  time.Time      `json:"accessed_at"`
	AccessCount int            `json:"access_count"`
	TTLSeconds  *float64       `json:"ttl_seconds"`
	ExpiresAt   *time.Time     `json:"expires_at,omitempty"`
	IsExpired   bool           `json:"is_expired"`
	Tags        []string       `json:"tags"`
	Metadata    map[string]any `json:"metadata"`
	SizeBytes   int            `json:"size_bytes"`
}

// MemoryStats aggregates one agent namespace.
type MemoryStats struct {
	AgentID         string         `json:"agent_id"`
	TotalEntries    int            `json:"total_entries"`
	ActiveEntries   int            `json:"active_entries"`
	ExpiredEntries  int            `json:"expired_entries"`
	TagCounts       map[string]int `json:"tag_counts"`
	MinAccessCount  int            `json:"min_access_count"`
	MaxAccessCount  int            `json:"max_access_count"`
	AvgAccessCount  float64        `json:"avg_access_count"`
	TotalValueBytes int            `json:"total_value_bytes"`
}
