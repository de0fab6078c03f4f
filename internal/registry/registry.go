// Package registry keeps the process directory of live agents.
//
// The registry never keeps an agent alive: it holds a weak pointer plus a
// registration snapshot. Owners should call UnregisterAgent when they are
// done with an agent; a runtime cleanup also reaps the registration some time
// after the agent has been garbage collected, but that path is best-effort.
package registry

import (
	"fmt"
	"maps"
	"runtime"
	"slices"
	"sort"
	"sync"
	"time"
	"weak"

	"github.com/rs/zerolog/log"

	"github.com/KSDGitMe/LiMOS-sub001/internal/agent"
	"github.com/KSDGitMe/LiMOS-sub001/pkg/models"
)

// Factory constructs an agent of one class.
type Factory func(cfg models.AgentConfig, opts ...agent.Option) (*agent.BaseAgent, error)

type entry struct {
	reg      models.AgentRegistration
	ref      weak.Pointer[agent.BaseAgent]
	cleanup  runtime.Cleanup
	listener agent.ListenerID
}

// Registry is safe for concurrent use. Mutations are serialized by one lock;
// lookups take it shared.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
	entries   map[string]*entry
	tagIndex  map[string]map[string]struct{}
	observers []agent.StatusListener
	now       func() time.Time
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock overrides the time source for registration and activity stamps.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// WithStatusObserver receives every status transition of registered agents,
// after the registration has been updated. Observers run on the goroutine
// that changed the status and must not block.
func WithStatusObserver(l agent.StatusListener) Option {
	return func(r *Registry) { r.observers = append(r.observers, l) }
}

func New(opts ...Option) *Registry {
	r := &Registry{
		factories: make(map[string]Factory),
		entries:   make(map[string]*entry),
		tagIndex:  make(map[string]map[string]struct{}),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ── Errors ──────────────────────────────────────────────────

// ErrAlreadyRegistered is returned when an agent ID is registered twice.
type ErrAlreadyRegistered struct {
	ID string
}

func (e *ErrAlreadyRegistered) Error() string {
	return fmt.Sprintf("agent %s is already registered", e.ID)
}

// ErrUnknownClass is returned by CreateAgent for a class with no factory.
type ErrUnknownClass struct {
	Name string
}

func (e *ErrUnknownClass) Error() string {
	return fmt.Sprintf("unknown agent class %q", e.Name)
}

// ── Factories ────────────────────────────────────────────────

// RegisterFactory maps a class name to a constructor, replacing any previous one.
func (r *Registry) RegisterFactory(name string, f Factory) {
	r.mu.Lock()
	r.factories[name] = f
	r.mu.Unlock()
	log.Debug().Str("class", name).Msg("Agent class registered")
}

// Classes lists registered class names, sorted.
func (r *Registry) Classes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Sorted(maps.Keys(r.factories))
}

// CreateAgent builds an agent of class and, when autoRegister is set,
// registers it without tags.
func (r *Registry) CreateAgent(class string, cfg models.AgentConfig, autoRegister bool, opts ...agent.Option) (*agent.BaseAgent, error) {
	r.mu.RLock()
	f, ok := r.factories[class]
	r.mu.RUnlock()
	if !ok {
		return nil, &ErrUnknownClass{Name: class}
	}

	a, err := f(cfg, append([]agent.Option{agent.WithClass(class)}, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("create %s agent: %w", class, err)
	}
	if autoRegister {
		if _, err := r.RegisterAgent(a, nil, nil); err != nil {
			return nil, err
		}
	}
	return a, nil
}

// ── Registration ─────────────────────────────────────────────

// RegisterAgent records a and indexes it under tags. It fails if the agent ID
// is already present, leaving the existing registration untouched.
func (r *Registry) RegisterAgent(a *agent.BaseAgent, tags []string, metadata map[string]any) (models.AgentRegistration, error) {
	id := a.ID()
	now := r.now()
	reg := models.AgentRegistration{
		AgentID:      id,
		Name:         a.Name(),
		AgentClass:   a.Class(),
		Config:       a.Config(),
		Status:       a.Status(),
		RegisteredAt: now,
		LastActivity: now,
		Tags:         dedupe(tags),
		Metadata:     maps.Clone(metadata),
	}
	if reg.Metadata == nil {
		reg.Metadata = map[string]any{}
	}

	r.mu.Lock()
	if _, exists := r.entries[id]; exists {
		r.mu.Unlock()
		return models.AgentRegistration{}, &ErrAlreadyRegistered{ID: id}
	}
	e := &entry{reg: reg, ref: weak.Make(a)}
	e.cleanup = runtime.AddCleanup(a, r.reap, id)
	e.listener = a.AddStatusListener(r.onStatus)
	r.entries[id] = e
	for _, t := range reg.Tags {
		if r.tagIndex[t] == nil {
			r.tagIndex[t] = make(map[string]struct{})
		}
		r.tagIndex[t][id] = struct{}{}
	}
	r.mu.Unlock()

	log.Info().Str("agent_id", id).Str("name", reg.Name).Str("class", reg.AgentClass).
		Strs("tags", reg.Tags).Msg("Agent registered")
	return cloneRegistration(reg), nil
}

// UnregisterAgent removes the registration. It reports whether one existed.
func (r *Registry) UnregisterAgent(id string) bool {
	r.mu.Lock()
	e, ok := r.entries[id]
	if ok {
		r.detachLocked(id, e)
	}
	r.mu.Unlock()

	if ok {
		log.Info().Str("agent_id", id).Msg("Agent unregistered")
	}
	return ok
}

// detachLocked drops the registration and unhooks its status listener from
// the agent, if the agent is still reachable.
func (r *Registry) detachLocked(id string, e *entry) {
	e.cleanup.Stop()
	if a := e.ref.Value(); a != nil {
		a.RemoveStatusListener(e.listener)
	}
	r.removeLocked(id, e)
}

func (r *Registry) removeLocked(id string, e *entry) {
	delete(r.entries, id)
	for _, t := range e.reg.Tags {
		delete(r.tagIndex[t], id)
		if len(r.tagIndex[t]) == 0 {
			delete(r.tagIndex, t)
		}
	}
}

// reap runs on a runtime goroutine after the agent has been collected.
func (r *Registry) reap(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok || e.ref.Value() != nil {
		return
	}
	r.removeLocked(id, e)
	log.Debug().Str("agent_id", id).Msg("Collected agent reaped from registry")
}

func (r *Registry) onStatus(id string, from, to models.AgentStatus) {
	if !r.UpdateStatus(id, to) {
		return
	}
	for _, obs := range r.observers {
		obs(id, from, to)
	}
}

// UpdateStatus records status and activity for id.
func (r *Registry) UpdateStatus(id string, status models.AgentStatus) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return false
	}
	e.reg.Status = status
	e.reg.LastActivity = r.now()
	return true
}

// Touch records activity for id without changing its status.
func (r *Registry) Touch(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return false
	}
	e.reg.LastActivity = r.now()
	return true
}

// ── Lookup ───────────────────────────────────────────────────

// GetAgent returns the agent if it is still alive. A registration may outlive
// its agent briefly; GetAgent reports nil in that window.
func (r *Registry) GetAgent(id string) *agent.BaseAgent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	if !ok {
		return nil
	}
	return e.ref.Value()
}

func (r *Registry) GetRegistration(id string) (models.AgentRegistration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	if !ok {
		return models.AgentRegistration{}, false
	}
	return cloneRegistration(e.reg), true
}

// Filter narrows ListAgents. Zero fields do not constrain. Tags and
// Capabilities must all be present on a registration to match.
type Filter struct {
	Status       models.AgentStatus
	Tags         []string
	Capabilities []models.Capability
}

func (f Filter) matches(reg *models.AgentRegistration) bool {
	if f.Status != "" && reg.Status != f.Status {
		return false
	}
	return reg.HasAllTags(f.Tags) && reg.HasAllCapabilities(f.Capabilities)
}

// ListAgents returns matching registrations ordered by registration time.
func (r *Registry) ListAgents(f Filter) []models.AgentRegistration {
	r.mu.RLock()
	out := make([]models.AgentRegistration, 0, len(r.entries))
	for _, e := range r.entries {
		if f.matches(&e.reg) {
			out = append(out, cloneRegistration(e.reg))
		}
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].RegisteredAt.Equal(out[j].RegisteredAt) {
			return out[i].RegisteredAt.Before(out[j].RegisteredAt)
		}
		return out[i].AgentID < out[j].AgentID
	})
	return out
}

// FindAgentsByTag returns the IDs indexed under tag, sorted.
func (r *Registry) FindAgentsByTag(tag string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Sorted(maps.Keys(r.tagIndex[tag]))
}

// ── Maintenance ──────────────────────────────────────────────

// CleanupStaleAgents removes registrations idle for longer than maxAge whose
// agent is gone or stopped. Reachable agents in any other status are kept.
func (r *Registry) CleanupStaleAgents(maxAge time.Duration) int {
	cutoff := r.now().Add(-maxAge)

	r.mu.Lock()
	var removed []string
	for id, e := range r.entries {
		if !e.reg.LastActivity.Before(cutoff) {
			continue
		}
		if a := e.ref.Value(); a != nil && a.Status() != models.AgentStatusStopped {
			continue
		}
		r.detachLocked(id, e)
		removed = append(removed, id)
	}
	r.mu.Unlock()

	if len(removed) > 0 {
		log.Info().Int("removed", len(removed)).Dur("max_age", maxAge).Msg("Stale agents cleaned up")
	}
	return len(removed)
}

// Stats aggregates the registry contents.
func (r *Registry) Stats() models.RegistryStats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s := models.RegistryStats{
		TotalAgents:       len(r.entries),
		RegisteredClasses: slices.Sorted(maps.Keys(r.factories)),
		ByStatus:          map[models.AgentStatus]int{},
		ByCapability:      map[models.Capability]int{},
		ByTag:             map[string]int{},
	}
	for _, e := range r.entries {
		if e.ref.Value() != nil {
			s.LiveAgents++
		}
		s.ByStatus[e.reg.Status]++
		for _, c := range e.reg.Config.Capabilities {
			s.ByCapability[c]++
		}
	}
	for t, ids := range r.tagIndex {
		s.ByTag[t] = len(ids)
	}
	return s
}

func cloneRegistration(reg models.AgentRegistration) models.AgentRegistration {
	out := reg
	out.Config = reg.Config.Clone()
	out.Tags = slices.Clone(reg.Tags)
	out.Metadata = maps.Clone(reg.Metadata)
	return out
}

func dedupe(tags []string) []string {
	out := slices.Clone(tags)
	slices.Sort(out)
	out = slices.Compact(out)
	if out == nil {
		out = []string{}
	}
	return out
}
