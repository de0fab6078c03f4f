// Package llm provides the language-model client handle that agents receive
// during initialization. The agent core only creates it; concrete agents
// decide whether to call it.
package llm

import (
	"context"

	"github.com/KSDGitMe/LiMOS-sub001/internal/config"
)

// Client completes a single prompt.
type Client interface {
	Complete(ctx context.Context, req Request) (*Response, error)
}

// Request is one single-turn completion request.
type Request struct {
	System    string
	Prompt    string
	Model     string // overrides the client default when set
	MaxTokens int    // overrides the client default when > 0
}

type Response struct {
	Text         string
	Model        string
	StopReason   string
	InputTokens  int
	OutputTokens int
}

// New returns the default client: Anthropic Messages behind a rate limiter
// and a circuit breaker. It performs no network I/O.
func New(cfg config.LLMConfig) Client {
	return NewGuarded(NewAnthropic(cfg), cfg)
}

// FromEnv builds the default client from the process configuration.
func FromEnv() (Client, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	return New(cfg.LLM), nil
}
