package registry_test

import (
	"context"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KSDGitMe/LiMOS-sub001/internal/agent"
	"github.com/KSDGitMe/LiMOS-sub001/internal/llm"
	"github.com/KSDGitMe/LiMOS-sub001/internal/registry"
	"github.com/KSDGitMe/LiMOS-sub001/pkg/models"
)

type stubClient struct{}

func (stubClient) Complete(context.Context, llm.Request) (*llm.Response, error) {
	return &llm.Response{}, nil
}

type noopHooks struct{}

func (noopHooks) InitializeAgent(context.Context) error { return nil }

func (noopHooks) ExecuteTask(context.Context, models.Payload, map[string]any) (models.Payload, error) {
	return models.Payload{}, nil
}

func noopFactory(cfg models.AgentConfig, opts ...agent.Option) (*agent.BaseAgent, error) {
	return agent.New(cfg, noopHooks{}, append([]agent.Option{agent.WithClient(stubClient{})}, opts...)...)
}

func newAgent(t *testing.T, name string, caps ...models.Capability) *agent.BaseAgent {
	t.Helper()
	a, err := noopFactory(models.NewAgentConfig(name, models.WithCapabilities(caps...)))
	require.NoError(t, err)
	return a
}

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

// ── Registration ─────────────────────────────────────────────

func TestRegisterAndGet(t *testing.T) {
	r := registry.New()
	a := newAgent(t, "alpha")

	reg, err := r.RegisterAgent(a, []string{"finance", "core", "finance"}, map[string]any{"owner": "ops"})
	require.NoError(t, err)
	assert.Equal(t, a.ID(), reg.AgentID)
	assert.Equal(t, "alpha", reg.Name)
	assert.Equal(t, "noopHooks", reg.AgentClass)
	assert.Equal(t, models.AgentStatusIdle, reg.Status)
	assert.Equal(t, []string{"core", "finance"}, reg.Tags)

	assert.Same(t, a, r.GetAgent(a.ID()))
	got, ok := r.GetRegistration(a.ID())
	require.True(t, ok)
	assert.Equal(t, "ops", got.Metadata["owner"])

	assert.Nil(t, r.GetAgent("missing"))
	runtime.KeepAlive(a)
}

func TestRegister_DuplicateKeepsFirst(t *testing.T) {
	r := registry.New()
	a := newAgent(t, "alpha")

	_, err := r.RegisterAgent(a, []string{"first"}, nil)
	require.NoError(t, err)

	_, err = r.RegisterAgent(a, []string{"second"}, nil)
	var dup *registry.ErrAlreadyRegistered
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, a.ID(), dup.ID)

	reg, ok := r.GetRegistration(a.ID())
	require.True(t, ok)
	assert.Equal(t, []string{"first"}, reg.Tags)
	assert.Empty(t, r.FindAgentsByTag("second"))
	runtime.KeepAlive(a)
}

func TestUnregister(t *testing.T) {
	r := registry.New()
	a := newAgent(t, "alpha")
	_, err := r.RegisterAgent(a, []string{"x"}, nil)
	require.NoError(t, err)

	assert.True(t, r.UnregisterAgent(a.ID()))
	assert.False(t, r.UnregisterAgent(a.ID()))
	assert.Nil(t, r.GetAgent(a.ID()))
	assert.Empty(t, r.FindAgentsByTag("x"))
	assert.Zero(t, r.Stats().ByTag["x"])
	runtime.KeepAlive(a)
}

func TestLiveness_CollectedAgentIsReaped(t *testing.T) {
	r := registry.New()
	id := func() string {
		a := newAgent(t, "ephemeral")
		_, err := r.RegisterAgent(a, []string{"tmp"}, nil)
		require.NoError(t, err)
		return a.ID()
	}()

	require.Eventually(t, func() bool {
		runtime.GC()
		return r.GetAgent(id) == nil
	}, 5*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		runtime.GC()
		_, ok := r.GetRegistration(id)
		return !ok
	}, 5*time.Second, 10*time.Millisecond)
	assert.Empty(t, r.FindAgentsByTag("tmp"))
}

// ── Factories ────────────────────────────────────────────────

func TestCreateAgent(t *testing.T) {
	r := registry.New()
	r.RegisterFactory("noop", noopFactory)

	a, err := r.CreateAgent("noop", models.NewAgentConfig("made"), true)
	require.NoError(t, err)
	assert.Equal(t, "noop", a.Class())
	assert.Same(t, a, r.GetAgent(a.ID()))

	b, err := r.CreateAgent("noop", models.NewAgentConfig("unregistered"), false)
	require.NoError(t, err)
	_, ok := r.GetRegistration(b.ID())
	assert.False(t, ok)

	_, err = r.CreateAgent("ghost", models.NewAgentConfig("x"), true)
	var unknown *registry.ErrUnknownClass
	require.ErrorAs(t, err, &unknown)
	assert.Equal(t, "ghost", unknown.Name)

	_, err = r.CreateAgent("noop", models.NewAgentConfig(""), true)
	var cfgErr *agent.ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, 1, r.Stats().TotalAgents)
	runtime.KeepAlive(a)
	runtime.KeepAlive(b)
}

func TestRegisterFactory_Overwrites(t *testing.T) {
	r := registry.New()
	calls := 0
	r.RegisterFactory("noop", func(cfg models.AgentConfig, opts ...agent.Option) (*agent.BaseAgent, error) {
		calls = -1
		return noopFactory(cfg, opts...)
	})
	r.RegisterFactory("noop", func(cfg models.AgentConfig, opts ...agent.Option) (*agent.BaseAgent, error) {
		calls++
		return noopFactory(cfg, opts...)
	})
	_, err := r.CreateAgent("noop", models.NewAgentConfig("x"), false)
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, []string{"noop"}, r.Classes())
}

// ── Queries ──────────────────────────────────────────────────

func TestListAgents_Filters(t *testing.T) {
	r := registry.New()
	fin := newAgent(t, "fin", models.CapabilityAccounting, models.CapabilityDataAnalysis)
	fleet := newAgent(t, "fleet", models.CapabilityFleetManagement)
	both := newAgent(t, "both", models.CapabilityAccounting)

	_, err := r.RegisterAgent(fin, []string{"finance", "prod"}, nil)
	require.NoError(t, err)
	_, err = r.RegisterAgent(fleet, []string{"fleet", "prod"}, nil)
	require.NoError(t, err)
	_, err = r.RegisterAgent(both, []string{"finance"}, nil)
	require.NoError(t, err)

	ids := func(regs []models.AgentRegistration) []string {
		var out []string
		for _, reg := range regs {
			out = append(out, reg.Name)
		}
		return out
	}

	assert.ElementsMatch(t, []string{"fin", "fleet", "both"}, ids(r.ListAgents(registry.Filter{})))
	assert.ElementsMatch(t, []string{"fin", "fleet"}, ids(r.ListAgents(registry.Filter{Tags: []string{"prod"}})))
	// AND semantics: every requested tag must be present.
	assert.Equal(t, []string{"fin"}, ids(r.ListAgents(registry.Filter{Tags: []string{"finance", "prod"}})))
	assert.ElementsMatch(t, []string{"fin", "both"},
		ids(r.ListAgents(registry.Filter{Capabilities: []models.Capability{models.CapabilityAccounting}})))
	assert.Equal(t, []string{"fin"}, ids(r.ListAgents(registry.Filter{
		Capabilities: []models.Capability{models.CapabilityAccounting, models.CapabilityDataAnalysis},
	})))

	require.NoError(t, fleet.Cleanup(context.Background()))
	assert.Equal(t, []string{"fleet"}, ids(r.ListAgents(registry.Filter{Status: models.AgentStatusStopped})))
	assert.Empty(t, r.ListAgents(registry.Filter{Status: models.AgentStatusStopped, Tags: []string{"finance"}}))

	assert.ElementsMatch(t, []string{fin.ID(), fleet.ID()}, r.FindAgentsByTag("prod"))
	assert.ElementsMatch(t, []string{fin.ID(), both.ID()}, r.FindAgentsByTag("finance"))
	assert.Empty(t, r.FindAgentsByTag("nope"))

	runtime.KeepAlive(fin)
	runtime.KeepAlive(fleet)
	runtime.KeepAlive(both)
}

func TestStatusFollowsAgent(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)}
	r := registry.New(registry.WithClock(clock.Now))
	a := newAgent(t, "alpha")
	_, err := r.RegisterAgent(a, nil, nil)
	require.NoError(t, err)

	clock.Advance(time.Minute)
	_, err = a.Execute(context.Background(), models.Payload{}, nil)
	require.NoError(t, err)

	reg, _ := r.GetRegistration(a.ID())
	assert.Equal(t, models.AgentStatusIdle, reg.Status)
	assert.True(t, reg.LastActivity.Equal(clock.Now()))

	require.NoError(t, a.Cleanup(context.Background()))
	reg, _ = r.GetRegistration(a.ID())
	assert.Equal(t, models.AgentStatusStopped, reg.Status)
	runtime.KeepAlive(a)
}

func TestStatusObserver(t *testing.T) {
	type transition struct{ from, to models.AgentStatus }
	var (
		mu   sync.Mutex
		seen []transition
	)
	r := registry.New(registry.WithStatusObserver(func(_ string, from, to models.AgentStatus) {
		mu.Lock()
		seen = append(seen, transition{from, to})
		mu.Unlock()
	}))
	a := newAgent(t, "alpha")
	_, err := r.RegisterAgent(a, nil, nil)
	require.NoError(t, err)

	require.NoError(t, a.Initialize(context.Background()))
	require.True(t, r.UnregisterAgent(a.ID()))
	require.NoError(t, a.Cleanup(context.Background()))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []transition{
		{models.AgentStatusIdle, models.AgentStatusInitializing},
		{models.AgentStatusInitializing, models.AgentStatusIdle},
	}, seen, "transitions after unregistering are not observed")
	runtime.KeepAlive(a)
}

func TestStatusObserver_ReregisterNotifiesOnce(t *testing.T) {
	var (
		mu   sync.Mutex
		seen []models.AgentStatus
	)
	r := registry.New(registry.WithStatusObserver(func(_ string, _, to models.AgentStatus) {
		mu.Lock()
		seen = append(seen, to)
		mu.Unlock()
	}))
	a := newAgent(t, "alpha")

	for range 3 {
		_, err := r.RegisterAgent(a, nil, nil)
		require.NoError(t, err)
		require.True(t, r.UnregisterAgent(a.ID()))
	}
	_, err := r.RegisterAgent(a, nil, nil)
	require.NoError(t, err)

	require.NoError(t, a.Cleanup(context.Background()))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []models.AgentStatus{models.AgentStatusStopped}, seen)
	runtime.KeepAlive(a)
}

func TestCleanupStaleAgents_DetachesListener(t *testing.T) {
	clock := &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	var calls int
	r := registry.New(registry.WithClock(clock.Now), registry.WithStatusObserver(func(string, models.AgentStatus, models.AgentStatus) {
		calls++
	}))
	a := newAgent(t, "alpha")
	_, err := r.RegisterAgent(a, nil, nil)
	require.NoError(t, err)
	require.NoError(t, a.Cleanup(context.Background()))
	require.Equal(t, 1, calls)

	clock.Advance(2 * time.Hour)
	require.Equal(t, 1, r.CleanupStaleAgents(time.Hour))

	_, err = r.RegisterAgent(a, nil, nil)
	require.NoError(t, err)
	require.NoError(t, a.Initialize(context.Background()))
	assert.Equal(t, 3, calls, "one call per transition after re-registering")
	runtime.KeepAlive(a)
}

func TestUpdateStatusAndTouch(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)}
	r := registry.New(registry.WithClock(clock.Now))
	a := newAgent(t, "alpha")
	_, err := r.RegisterAgent(a, nil, nil)
	require.NoError(t, err)

	clock.Advance(time.Hour)
	assert.True(t, r.UpdateStatus(a.ID(), models.AgentStatusWaiting))
	reg, _ := r.GetRegistration(a.ID())
	assert.Equal(t, models.AgentStatusWaiting, reg.Status)
	assert.True(t, reg.LastActivity.Equal(clock.Now()))

	clock.Advance(time.Hour)
	assert.True(t, r.Touch(a.ID()))
	reg, _ = r.GetRegistration(a.ID())
	assert.True(t, reg.LastActivity.Equal(clock.Now()))
	assert.Equal(t, models.AgentStatusWaiting, reg.Status)

	assert.False(t, r.UpdateStatus("missing", models.AgentStatusIdle))
	assert.False(t, r.Touch("missing"))
	runtime.KeepAlive(a)
}

func TestCleanupStaleAgents(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)}
	r := registry.New(registry.WithClock(clock.Now))
	ctx := context.Background()

	idleOld := newAgent(t, "idle-old")
	stoppedOld := newAgent(t, "stopped-old")
	stoppedFresh := newAgent(t, "stopped-fresh")
	for _, a := range []*agent.BaseAgent{idleOld, stoppedOld, stoppedFresh} {
		_, err := r.RegisterAgent(a, nil, nil)
		require.NoError(t, err)
	}
	require.NoError(t, stoppedOld.Cleanup(ctx))

	clock.Advance(48 * time.Hour)
	require.NoError(t, stoppedFresh.Cleanup(ctx))

	removed := r.CleanupStaleAgents(24 * time.Hour)
	assert.Equal(t, 1, removed)

	_, ok := r.GetRegistration(stoppedOld.ID())
	assert.False(t, ok, "old and stopped is stale")
	_, ok = r.GetRegistration(idleOld.ID())
	assert.True(t, ok, "old but reachable and idle is kept")
	_, ok = r.GetRegistration(stoppedFresh.ID())
	assert.True(t, ok, "recent activity is kept")

	runtime.KeepAlive(idleOld)
	runtime.KeepAlive(stoppedOld)
	runtime.KeepAlive(stoppedFresh)
}

func TestStats(t *testing.T) {
	r := registry.New()
	r.RegisterFactory("noop", noopFactory)
	a := newAgent(t, "a", models.CapabilityJournaling)
	b := newAgent(t, "b", models.CapabilityJournaling, models.CapabilityWebSearch)
	_, err := r.RegisterAgent(a, []string{"x"}, nil)
	require.NoError(t, err)
	_, err = r.RegisterAgent(b, []string{"x", "y"}, nil)
	require.NoError(t, err)
	require.NoError(t, b.Cleanup(context.Background()))

	s := r.Stats()
	assert.Equal(t, 2, s.TotalAgents)
	assert.Equal(t, 2, s.LiveAgents)
	assert.Equal(t, []string{"noop"}, s.RegisteredClasses)
	assert.Equal(t, map[models.AgentStatus]int{models.AgentStatusIdle: 1, models.AgentStatusStopped: 1}, s.ByStatus)
	assert.Equal(t, map[models.Capability]int{models.CapabilityJournaling: 2, models.CapabilityWebSearch: 1}, s.ByCapability)
	assert.Equal(t, map[string]int{"x": 2, "y": 1}, s.ByTag)
	runtime.KeepAlive(a)
	runtime.KeepAlive(b)
}

func TestConcurrentRegistration(t *testing.T) {
	r := registry.New()
	agents := make([]*agent.BaseAgent, 50)
	for i := range agents {
		agents[i] = newAgent(t, "worker")
	}

	var wg sync.WaitGroup
	for _, a := range agents {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := r.RegisterAgent(a, []string{"pool"}, nil)
			assert.NoError(t, err)
			r.Touch(a.ID())
		}()
	}
	wg.Wait()

	assert.Len(t, r.FindAgentsByTag("pool"), len(agents))
	runtime.KeepAlive(agents)
}
