// Package server composes the agent runtime: memory backend, registry,
// retention janitor, status notifier and the introspection HTTP handler.
// The Runtime it returns owns these components; nothing in the process keeps
// them in package-level singletons.
//
// Usage:
//
//	rt, err := server.New(ctx, cfg)
//	defer rt.Shutdown(ctx)
//	diary, err := rt.NewAgent(journal.Class, "diary", []string{"personal"})
//	http.ListenAndServe(":8090", rt.Handler)
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/KSDGitMe/LiMOS-sub001/internal/agent"
	"github.com/KSDGitMe/LiMOS-sub001/internal/agents/journal"
	"github.com/KSDGitMe/LiMOS-sub001/internal/api"
	"github.com/KSDGitMe/LiMOS-sub001/internal/api/handlers"
	"github.com/KSDGitMe/LiMOS-sub001/internal/config"
	"github.com/KSDGitMe/LiMOS-sub001/internal/llm"
	"github.com/KSDGitMe/LiMOS-sub001/internal/notify"
	"github.com/KSDGitMe/LiMOS-sub001/internal/registry"
	"github.com/KSDGitMe/LiMOS-sub001/internal/retention"
	"github.com/KSDGitMe/LiMOS-sub001/internal/store"
	"github.com/KSDGitMe/LiMOS-sub001/internal/telemetry"
	"github.com/KSDGitMe/LiMOS-sub001/pkg/models"

	"github.com/rs/zerolog/log"
)

// Runtime holds the initialized agent process.
type Runtime struct {
	Config   *config.Config
	Backend  store.Backend
	Registry *registry.Registry
	Janitor  *retention.Janitor
	// Notifier is nil when no webhooks are configured.
	Notifier *notify.Notifier

	// Handler is the HTTP handler with all routes and middleware.
	Handler http.Handler

	shutdownTelemetry telemetry.ShutdownFunc
}

// New initializes every component from cfg and registers the built-in agent classes.
func New(ctx context.Context, cfg *config.Config) (*Runtime, error) {
	shutdown, err := telemetry.Init(ctx, cfg.Telemetry, cfg.Version)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	backend, err := store.Open(ctx, cfg.Memory)
	if err != nil {
		_ = shutdown(ctx)
		return nil, fmt.Errorf("open memory backend: %w", err)
	}
	log.Info().Str("backend", cfg.Memory.Backend).Msg("Memory backend ready")

	notifier := notify.New(cfg.Notify)
	var regOpts []registry.Option
	if notifier != nil {
		regOpts = append(regOpts, registry.WithStatusObserver(notifier.Observe))
	}
	reg := registry.New(regOpts...)
	reg.RegisterFactory(journal.Class, journal.Factory(backend))
	log.Info().Strs("classes", reg.Classes()).Msg("Agent registry initialized")

	janitor := retention.NewJanitor(backend, reg, cfg.Retention)

	return &Runtime{
		Config:            cfg,
		Backend:           backend,
		Registry:          reg,
		Janitor:           janitor,
		Notifier:          notifier,
		Handler:           api.NewRouter(cfg, handlers.New(reg, backend)),
		shutdownTelemetry: shutdown,
	}, nil
}

// AgentConfig builds an agent config carrying the process-wide timeout and
// turn defaults; opts override them.
func (rt *Runtime) AgentConfig(name string, opts ...models.ConfigOption) models.AgentConfig {
	defaults := []models.ConfigOption{
		models.WithTimeout(rt.Config.Agent.Timeout),
		models.WithMaxTurns(rt.Config.Agent.MaxTurns),
	}
	return models.NewAgentConfig(name, append(defaults, opts...)...)
}

// NewAgent creates an agent of class, wires the configured LLM client and
// registers it under tags. The registry does not keep the agent alive; the
// caller must hold the returned pointer for as long as the agent is in use.
func (rt *Runtime) NewAgent(class, name string, tags []string, opts ...models.ConfigOption) (*agent.BaseAgent, error) {
	llmCfg := rt.Config.LLM
	a, err := rt.Registry.CreateAgent(class, rt.AgentConfig(name, opts...), false,
		agent.WithClientFactory(func() (llm.Client, error) { return llm.New(llmCfg), nil }))
	if err != nil {
		return nil, err
	}
	if _, err := rt.Registry.RegisterAgent(a, tags, nil); err != nil {
		return nil, err
	}
	return a, nil
}

// Shutdown closes the backend and flushes telemetry.
func (rt *Runtime) Shutdown(ctx context.Context) error {
	var errs []error
	if err := rt.Backend.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close backend: %w", err))
	}
	if rt.shutdownTelemetry != nil {
		if err := rt.shutdownTelemetry(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown telemetry: %w", err))
		}
	}
	return errors.Join(errs...)
}
