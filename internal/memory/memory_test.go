package memory_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/KSDGitMe/LiMOS-sub001/internal/memory"
	"github.com/KSDGitMe/LiMOS-sub001/internal/store"
	"github.com/KSDGitMe/LiMOS-sub001/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newMemory(t *testing.T, agentID string) (*memory.AgentMemory, store.Backend, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	backend := store.NewMemoryBackend(store.WithClock(clock.Now))
	return mustMemory(t, agentID, backend, memory.WithClock(clock.Now)), backend, clock
}

func mustMemory(t *testing.T, agentID string, backend store.Backend, opts ...memory.Option) *memory.AgentMemory {
	t.Helper()
	m, err := memory.New(agentID, backend, opts...)
	require.NoError(t, err)
	return m
}

type note struct {
	Title string   `json:"title"`
	Lines []string `json:"lines"`
}

func TestSetGet_RoundTrip(t *testing.T) {
	m, _, _ := newMemory(t, "a1")
	ctx := context.Background()

	in := note{Title: "groceries", Lines: []string{"milk", "eggs"}}
	require.NoError(t, m.Set(ctx, "list", in))

	var out note
	ok, err := m.Get(ctx, "list", &out)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, in, out)
}

func TestGet_MissingLeavesDst(t *testing.T) {
	m, _, _ := newMemory(t, "a1")
	dst := "default"
	ok, err := m.Get(context.Background(), "nope", &dst)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, "default", dst)
}

func TestGet_CountsAccesses(t *testing.T) {
	m, _, _ := newMemory(t, "a1")
	ctx := context.Background()
	require.NoError(t, m.Set(ctx, "k", 42))

	for range 3 {
		ok, err := m.Get(ctx, "k", nil)
		require.NoError(t, err)
		require.True(t, ok)
	}
	info, err := m.GetInfo(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, 3, info.AccessCount)
}

func TestNamespaceIsolation(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	backend := store.NewMemoryBackend(store.WithClock(clock.Now))
	a := mustMemory(t, "a", backend, memory.WithClock(clock.Now))
	b := mustMemory(t, "b", backend, memory.WithClock(clock.Now))
	ctx := context.Background()

	require.NoError(t, a.Set(ctx, "shared", "from-a"))
	require.NoError(t, b.Set(ctx, "shared", "from-b"))

	var got string
	_, err := a.Get(ctx, "shared", &got)
	require.NoError(t, err)
	assert.Equal(t, "from-a", got)

	require.NoError(t, a.Clear(ctx))
	ok, err := b.Exists(ctx, "shared")
	require.NoError(t, err)
	assert.True(t, ok, "clearing one namespace must not touch another")

	keys, err := backend.Keys(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"agent:b:shared"}, keys)
}

func TestNew_RejectsOverlappingIDs(t *testing.T) {
	backend := store.NewMemoryBackend()
	for _, id := range []string{"", "a:b", "a*", "a?", `a\`} {
		m, err := memory.New(id, backend)
		assert.Error(t, err, "id %q", id)
		assert.Nil(t, m)
		var cfgErr *models.InvalidConfigError
		assert.ErrorAs(t, err, &cfgErr)
	}
}

func TestNamespaceIsolation_SharedIDPrefix(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	backend := store.NewMemoryBackend(store.WithClock(clock.Now))
	short := mustMemory(t, "a", backend, memory.WithClock(clock.Now))
	long := mustMemory(t, "a-b", backend, memory.WithClock(clock.Now))
	ctx := context.Background()

	require.NoError(t, long.Set(ctx, "x", 1, memory.WithTags("t"), memory.WithTTL(time.Second)))
	require.NoError(t, short.Set(ctx, "y", 2, memory.WithTags("t")))
	clock.Advance(time.Minute)

	removed, err := short.CleanupExpired(ctx)
	require.NoError(t, err)
	assert.Zero(t, removed)

	found, err := short.FindByTags(ctx, "t")
	require.NoError(t, err)
	assert.Len(t, found, 1)

	require.NoError(t, short.Clear(ctx))
	size, err := backend.Size(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, size, "entries of agent a-b survive clearing agent a")
}

func TestTTLLaw(t *testing.T) {
	m, _, clock := newMemory(t, "a1")
	ctx := context.Background()
	require.NoError(t, m.Set(ctx, "k", "v", memory.WithTTL(10*time.Second)))

	clock.Advance(10*time.Second - time.Millisecond)
	ok, err := m.Exists(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)

	clock.Advance(2 * time.Millisecond)
	ok, err = m.Exists(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestExpiryScenario_RealClock(t *testing.T) {
	m := mustMemory(t, "fuel", store.NewMemoryBackend())
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, "k", "v", memory.WithTTL(100*time.Millisecond)))
	ok, err := m.Exists(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)

	time.Sleep(150 * time.Millisecond)
	ok, err = m.Exists(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)

	deleted, err := m.Delete(ctx, "k")
	require.NoError(t, err)
	assert.False(t, deleted)
}

func TestKeys_Unprefixed(t *testing.T) {
	m, _, _ := newMemory(t, "a1")
	ctx := context.Background()
	for _, k := range []string{"task:2", "task:1", "note"} {
		require.NoError(t, m.Set(ctx, k, k))
	}

	all, err := m.Keys(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"note", "task:1", "task:2"}, all)

	tasks, err := m.Keys(ctx, "task:*")
	require.NoError(t, err)
	assert.Equal(t, []string{"task:1", "task:2"}, tasks)
}

func TestFindByTags_OR(t *testing.T) {
	m, _, _ := newMemory(t, "a1")
	ctx := context.Background()
	require.NoError(t, m.Set(ctx, "both", 1, memory.WithTags("x", "y")))
	require.NoError(t, m.Set(ctx, "onlyx", 2, memory.WithTags("x")))
	require.NoError(t, m.Set(ctx, "onlyy", 3, memory.WithTags("y")))
	require.NoError(t, m.Set(ctx, "none", 4))

	got, err := m.FindByTags(ctx, "x")
	require.NoError(t, err)
	assert.Equal(t, map[string]json.RawMessage{
		"both":  json.RawMessage("1"),
		"onlyx": json.RawMessage("2"),
	}, got)

	got, err = m.FindByTags(ctx, "x", "y")
	require.NoError(t, err)
	assert.Len(t, got, 3)
}

func TestFindByTags_SkipsExpired(t *testing.T) {
	m, _, clock := newMemory(t, "a1")
	ctx := context.Background()
	require.NoError(t, m.Set(ctx, "old", 1, memory.WithTags("x"), memory.WithTTL(time.Second)))
	require.NoError(t, m.Set(ctx, "new", 2, memory.WithTags("x")))
	clock.Advance(2 * time.Second)

	got, err := m.FindByTags(ctx, "x")
	require.NoError(t, err)
	assert.Equal(t, map[string]json.RawMessage{"new": json.RawMessage("2")}, got)
}

func TestUpdateTTL(t *testing.T) {
	m, _, clock := newMemory(t, "a1")
	ctx := context.Background()
	require.NoError(t, m.Set(ctx, "k", "v"))

	ok, err := m.UpdateTTL(ctx, "k", 5*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)

	// Measured from creation, so advancing past it expires the entry.
	clock.Advance(6 * time.Second)
	exists, err := m.Exists(ctx, "k")
	require.NoError(t, err)
	assert.False(t, exists)

	ok, err = m.UpdateTTL(ctx, "missing", time.Second)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestGetInfo(t *testing.T) {
	m, _, clock := newMemory(t, "a1")
	ctx := context.Background()
	require.NoError(t, m.Set(ctx, "k", "hello",
		memory.WithTTL(time.Minute),
		memory.WithTags("b", "a", "b"),
		memory.WithMetadata(map[string]any{"origin": "test"}),
	))

	info, err := m.GetInfo(ctx, "k")
	require.NoError(t, err)
	require.NotNil(t, info)
	assert.Equal(t, "k", info.Key)
	assert.Equal(t, []string{"a", "b"}, info.Tags)
	assert.Equal(t, "test", info.Metadata["origin"])
	assert.Equal(t, len(`"hello"`), info.SizeBytes)
	require.NotNil(t, info.ExpiresAt)
	assert.True(t, info.ExpiresAt.Equal(clock.Now().Add(time.Minute)))
	assert.False(t, info.IsExpired)

	clock.Advance(2 * time.Minute)
	info, err = m.GetInfo(ctx, "k")
	require.NoError(t, err)
	require.NotNil(t, info, "info peeks, so unswept entries are still visible")
	assert.True(t, info.IsExpired)

	info, err = m.GetInfo(ctx, "missing")
	require.NoError(t, err)
	assert.Nil(t, info)
}

func TestCleanupExpired(t *testing.T) {
	m, backend, clock := newMemory(t, "a1")
	other := mustMemory(t, "a2", backend, memory.WithClock(clock.Now))
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, "short1", 1, memory.WithTTL(time.Second)))
	require.NoError(t, m.Set(ctx, "short2", 2, memory.WithTTL(time.Second)))
	require.NoError(t, m.Set(ctx, "long", 3, memory.WithTTL(time.Hour)))
	require.NoError(t, m.Set(ctx, "forever", 4))
	require.NoError(t, other.Set(ctx, "short", 5, memory.WithTTL(time.Second)))
	clock.Advance(2 * time.Second)

	removed, err := m.CleanupExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	keys, err := m.Keys(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"forever", "long"}, keys)

	// Other namespaces are left for their own sweep.
	size, err := backend.Size(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, size)
}

func TestSweepExpired_AllNamespaces(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	backend := store.NewMemoryBackend(store.WithClock(clock.Now))
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		m := mustMemory(t, id, backend, memory.WithClock(clock.Now))
		require.NoError(t, m.Set(ctx, "tmp", id, memory.WithTTL(time.Second)))
		require.NoError(t, m.Set(ctx, "keep", id))
	}
	clock.Advance(time.Minute)

	removed, err := memory.SweepExpired(ctx, backend, clock.Now())
	require.NoError(t, err)
	assert.Equal(t, 3, removed)

	size, err := backend.Size(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, size)
}

func TestStats(t *testing.T) {
	m, _, clock := newMemory(t, "a1")
	ctx := context.Background()

	empty, err := m.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, empty.TotalEntries)
	assert.Equal(t, 0, empty.MinAccessCount)
	assert.Equal(t, 0, empty.MaxAccessCount)
	assert.Zero(t, empty.AvgAccessCount)

	require.NoError(t, m.Set(ctx, "a", 1, memory.WithTags("x")))
	require.NoError(t, m.Set(ctx, "b", 2, memory.WithTags("x", "y")))
	require.NoError(t, m.Set(ctx, "c", 3, memory.WithTTL(time.Second)))
	for range 3 {
		_, err := m.Get(ctx, "a", nil)
		require.NoError(t, err)
	}
	_, err = m.Get(ctx, "b", nil)
	require.NoError(t, err)
	clock.Advance(2 * time.Second)

	stats, err := m.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, "a1", stats.AgentID)
	assert.Equal(t, 3, stats.TotalEntries)
	assert.Equal(t, 2, stats.ActiveEntries)
	assert.Equal(t, 1, stats.ExpiredEntries)
	assert.Equal(t, map[string]int{"x": 2, "y": 1}, stats.TagCounts)
	assert.Equal(t, 0, stats.MinAccessCount)
	assert.Equal(t, 3, stats.MaxAccessCount)
	assert.InDelta(t, 4.0/3.0, stats.AvgAccessCount, 1e-9)
}

func TestSet_UnencodableValue(t *testing.T) {
	m, _, _ := newMemory(t, "a1")
	err := m.Set(context.Background(), "bad", make(chan int))
	require.Error(t, err)
}
