// Package agent implements BaseAgent, the lifecycle state machine shared by
// every LiMOS agent.
//
//	idle -> initializing -> idle | error
//	idle -> running -> idle | error
//	any  -> stopped (cleanup)
//
// Concrete agents supply behaviour through Hooks. BaseAgent wraps every hook
// failure, panic included, into one of InitError, ExecutionError,
// TimeoutError or CleanupError.
//
// Execute must not be called concurrently on one instance. Internal state is
// mutex-guarded so such misuse cannot corrupt memory, but the current context
// and history association are only meaningful for serial calls.
package agent

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/KSDGitMe/LiMOS-sub001/internal/llm"
	"github.com/KSDGitMe/LiMOS-sub001/pkg/models"
)

var tracer = otel.Tracer("limos-agent")

// Hooks is the behaviour a concrete agent provides.
type Hooks interface {
	// InitializeAgent runs once per successful Initialize.
	InitializeAgent(ctx context.Context) error
	// ExecuteTask performs one unit of work. ctx carries the configured
	// timeout; hooks that ignore it keep running after Execute has returned.
	ExecuteTask(ctx context.Context, input models.Payload, params map[string]any) (models.Payload, error)
}

// Cleaner is implemented by hooks that release resources on Cleanup.
type Cleaner interface {
	CleanupAgent(ctx context.Context) error
}

// ClientAware is implemented by hooks that want the LLM client once it exists.
type ClientAware interface {
	SetClient(c llm.Client)
}

// ClientFactory creates the LLM client during Initialize when none was given.
type ClientFactory func() (llm.Client, error)

// StatusListener observes status transitions. It is called without any agent
// lock held.
type StatusListener func(agentID string, from, to models.AgentStatus)

// Option configures a BaseAgent.
type Option func(*BaseAgent)

func WithClient(c llm.Client) Option {
	return func(a *BaseAgent) { a.client = c }
}

func WithClientFactory(f ClientFactory) Option {
	return func(a *BaseAgent) { a.clientFactory = f }
}

// WithClass names the agent class reported in status and registrations.
func WithClass(name string) Option {
	return func(a *BaseAgent) { a.class = name }
}

// BaseAgent runs Hooks under the lifecycle state machine.
type BaseAgent struct {
	cfg           models.AgentConfig
	hooks         Hooks
	class         string
	clientFactory ClientFactory

	mu          sync.Mutex
	status      models.AgentStatus
	initialized bool
	client      llm.Client
	metrics     models.AgentMetrics
	current     *models.AgentContext
	history     []*models.AgentContext
	scratch     map[string]any
	listeners   []listener
	nextID      ListenerID
}

// ListenerID identifies a registered StatusListener.
type ListenerID uint64

type listener struct {
	id ListenerID
	fn StatusListener
}

// New validates cfg and returns an idle, uninitialized agent.
func New(cfg models.AgentConfig, hooks Hooks, opts ...Option) (*BaseAgent, error) {
	if hooks == nil {
		return nil, errors.New("agent hooks must not be nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	now := time.Now()
	a := &BaseAgent{
		cfg:           cfg.Clone(),
		hooks:         hooks,
		class:         className(hooks),
		clientFactory: llm.FromEnv,
		status:        models.AgentStatusIdle,
		metrics:       models.AgentMetrics{CreatedAt: now, UpdatedAt: now},
		scratch:       make(map[string]any),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

func className(hooks Hooks) string {
	name := fmt.Sprintf("%T", hooks)
	name = strings.TrimPrefix(name, "*")
	if i := strings.LastIndex(name, "."); i >= 0 {
		name = name[i+1:]
	}
	return name
}

// ── Accessors ────────────────────────────────────────────────

func (a *BaseAgent) ID() string    { return a.cfg.AgentID }
func (a *BaseAgent) Name() string  { return a.cfg.Name }
func (a *BaseAgent) Class() string { return a.class }

// Config returns a copy of the agent's configuration.
func (a *BaseAgent) Config() models.AgentConfig { return a.cfg.Clone() }

func (a *BaseAgent) Status() models.AgentStatus {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.status
}

func (a *BaseAgent) Initialized() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.initialized
}

// Client returns the LLM client, nil before the first Initialize.
func (a *BaseAgent) Client() llm.Client {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.client
}

func (a *BaseAgent) Metrics() models.AgentMetrics {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.metrics
}

// AddStatusListener registers l for every later status transition. The
// returned ID detaches it again via RemoveStatusListener.
func (a *BaseAgent) AddStatusListener(l StatusListener) ListenerID {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nextID++
	a.listeners = append(a.listeners, listener{id: a.nextID, fn: l})
	return a.nextID
}

// RemoveStatusListener detaches the listener registered under id. Unknown
// IDs are ignored.
func (a *BaseAgent) RemoveStatusListener(id ListenerID) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.listeners = slices.DeleteFunc(a.listeners, func(l listener) bool { return l.id == id })
}

func (a *BaseAgent) setStatus(to models.AgentStatus) {
	a.mu.Lock()
	from := a.status
	a.status = to
	listeners := slices.Clone(a.listeners)
	a.mu.Unlock()

	if from == to {
		return
	}
	log.Debug().Str("agent_id", a.cfg.AgentID).Str("from", string(from)).Str("to", string(to)).
		Msg("Agent status changed")
	for _, l := range listeners {
		l.fn(a.cfg.AgentID, from, to)
	}
}

// ── Lifecycle ────────────────────────────────────────────────

// Initialize prepares the agent. It is a no-op once initialized. On failure
// the agent is left in status error and uninitialized, so callers may retry.
func (a *BaseAgent) Initialize(ctx context.Context) error {
	if a.Initialized() {
		return nil
	}

	ctx, span := a.startSpan(ctx, "agent.initialize")
	defer span.End()

	a.setStatus(models.AgentStatusInitializing)

	if err := a.ensureClient(); err != nil {
		return a.failInit(span, err)
	}
	if err := callHook("initialize", func() error { return a.hooks.InitializeAgent(ctx) }); err != nil {
		return a.failInit(span, err)
	}

	a.mu.Lock()
	a.initialized = true
	a.mu.Unlock()
	a.setStatus(models.AgentStatusIdle)

	log.Info().Str("agent_id", a.cfg.AgentID).Str("name", a.cfg.Name).Msg("Agent initialized")
	return nil
}

func (a *BaseAgent) ensureClient() error {
	a.mu.Lock()
	client := a.client
	a.mu.Unlock()

	if client == nil {
		if a.clientFactory == nil {
			return errors.New("no LLM client or client factory configured")
		}
		c, err := a.clientFactory()
		if err != nil {
			return fmt.Errorf("create LLM client: %w", err)
		}
		a.mu.Lock()
		a.client = c
		a.mu.Unlock()
		client = c
	}
	if ca, ok := a.hooks.(ClientAware); ok {
		ca.SetClient(client)
	}
	return nil
}

func (a *BaseAgent) failInit(span trace.Span, cause error) error {
	err := &InitError{Agent: a.cfg.Name, Err: cause}
	a.setStatus(models.AgentStatusError)
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	log.Error().Err(cause).Str("agent_id", a.cfg.AgentID).Str("name", a.cfg.Name).Msg("Agent initialization failed")
	return err
}

// Execute runs one task under the configured timeout, initializing first if
// needed. Every outcome is recorded in metrics and history.
func (a *BaseAgent) Execute(ctx context.Context, input models.Payload, params map[string]any) (models.Payload, error) {
	if err := a.Initialize(ctx); err != nil {
		return nil, err
	}

	ctx, span := a.startSpan(ctx, "agent.execute")
	defer span.End()

	metadata := maps.Clone(params)
	if metadata == nil {
		metadata = map[string]any{}
	}
	actx := &models.AgentContext{
		SessionID: uuid.NewString(),
		InputData: input.Clone(),
		Metadata:  metadata,
		StartTime: time.Now(),
	}
	span.SetAttributes(attribute.String("agent.session_id", actx.SessionID))

	a.mu.Lock()
	a.current = actx
	a.mu.Unlock()
	a.setStatus(models.AgentStatusRunning)

	runCtx, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
	defer cancel()
	out, err := a.runTask(runCtx, input.Clone(), maps.Clone(params))

	end := time.Now()
	if err != nil {
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			err = &TimeoutError{Agent: a.cfg.Name, Timeout: a.cfg.Timeout}
		} else {
			err = &ExecutionError{Agent: a.cfg.Name, Err: err}
		}
	}

	a.mu.Lock()
	actx.EndTime = &end
	if err != nil {
		actx.ErrorMessage = err.Error()
		a.metrics.RecordFailure(end)
	} else {
		actx.OutputData = out
		a.metrics.RecordSuccess(end.Sub(actx.StartTime), end)
	}
	a.history = append(a.history, actx)
	a.mu.Unlock()

	if err != nil {
		a.setStatus(models.AgentStatusError)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		log.Warn().Err(err).Str("agent_id", a.cfg.AgentID).Str("session_id", actx.SessionID).Msg("Agent execution failed")
		return nil, err
	}

	a.setStatus(models.AgentStatusIdle)
	log.Debug().Str("agent_id", a.cfg.AgentID).Str("session_id", actx.SessionID).
		Dur("duration", end.Sub(actx.StartTime)).Msg("Agent execution completed")
	return out, nil
}

// runTask returns as soon as either the hook finishes or ctx is done. The
// hook goroutine is abandoned, not stopped, in the latter case.
func (a *BaseAgent) runTask(ctx context.Context, input models.Payload, params map[string]any) (models.Payload, error) {
	type result struct {
		out models.Payload
		err error
	}
	done := make(chan result, 1)
	go func() {
		var r result
		r.err = callHook("execute", func() error {
			var err error
			r.out, err = a.hooks.ExecuteTask(ctx, input, params)
			return err
		})
		done <- r
	}()

	select {
	case r := <-done:
		return r.out, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Cleanup runs the optional cleanup hook and stops the agent. A failing hook
// leaves the agent in status error instead.
func (a *BaseAgent) Cleanup(ctx context.Context) error {
	ctx, span := a.startSpan(ctx, "agent.cleanup")
	defer span.End()

	if c, ok := a.hooks.(Cleaner); ok {
		if err := callHook("cleanup", func() error { return c.CleanupAgent(ctx) }); err != nil {
			cerr := &CleanupError{Agent: a.cfg.Name, Err: err}
			a.setStatus(models.AgentStatusError)
			span.RecordError(cerr)
			span.SetStatus(codes.Error, cerr.Error())
			log.Error().Err(err).Str("agent_id", a.cfg.AgentID).Msg("Agent cleanup failed")
			return cerr
		}
	}

	a.mu.Lock()
	a.initialized = false
	a.mu.Unlock()
	a.setStatus(models.AgentStatusStopped)

	log.Info().Str("agent_id", a.cfg.AgentID).Str("name", a.cfg.Name).Msg("Agent stopped")
	return nil
}

func callHook(phase string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Phase: phase, Value: r}
		}
	}()
	return fn()
}

func (a *BaseAgent) startSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(
			attribute.String("agent.id", a.cfg.AgentID),
			attribute.String("agent.name", a.cfg.Name),
			attribute.String("agent.class", a.class),
		),
	)
}

// ── Scratchpad ───────────────────────────────────────────────

// SetMemory stores value in the in-process scratchpad. The scratchpad has no
// TTL and is unrelated to memory.AgentMemory.
func (a *BaseAgent) SetMemory(key string, value any) {
	a.mu.Lock()
	a.scratch[key] = value
	a.mu.Unlock()
}

func (a *BaseAgent) GetMemory(key string) (any, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	v, ok := a.scratch[key]
	return v, ok
}

func (a *BaseAgent) ClearMemory() {
	a.mu.Lock()
	clear(a.scratch)
	a.mu.Unlock()
}

// Memory returns a copy of the scratchpad.
func (a *BaseAgent) Memory() map[string]any {
	a.mu.Lock()
	defer a.mu.Unlock()
	return maps.Clone(a.scratch)
}

// ── Introspection ────────────────────────────────────────────

// ContextHistory returns recorded executions newest first. limit <= 0
// returns all of them.
func (a *BaseAgent) ContextHistory(limit int) []models.AgentContext {
	a.mu.Lock()
	defer a.mu.Unlock()

	n := len(a.history)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]models.AgentContext, 0, n)
	for i := len(a.history) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, a.history[i].Clone())
	}
	return out
}

// StatusInfo returns a point-in-time snapshot for introspection.
func (a *BaseAgent) StatusInfo() models.AgentStatusInfo {
	a.mu.Lock()
	defer a.mu.Unlock()

	info := models.AgentStatusInfo{
		AgentID:       a.cfg.AgentID,
		Name:          a.cfg.Name,
		Class:         a.class,
		Status:        a.status,
		Initialized:   a.initialized,
		Config:        a.cfg.Clone(),
		Metrics:       a.metrics,
		MemoryKeys:    slices.Sorted(maps.Keys(a.scratch)),
		HistoryLength: len(a.history),
	}
	if a.current != nil {
		cur := a.current.Clone()
		info.CurrentContext = &cur
	}
	return info
}
