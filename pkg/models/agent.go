// Package models holds the plain data types shared by the LiMOS agent core:
// agent configuration and status, execution records, memory entries and
// registry snapshots. Types here carry no behaviour beyond validation and
// small bookkeeping helpers.
package models

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ── Defaults ─────────────────────────────────────────────────

const (
	DefaultMaxTurns = 10
	DefaultTimeout  = 300 * time.Second
)

// ── Capabilities & permissions ───────────────────────────────

// Capability tags what an agent is able to do. Used for registry lookup.
type Capability string

const (
	CapabilityTextProcessing     Capability = "text_processing"
	CapabilityDataAnalysis       Capability = "data_analysis"
	CapabilityFileOperations     Capability = "file_operations"
	CapabilityWebSearch          Capability = "web_search"
	CapabilityCodeGeneration     Capability = "code_generation"
	CapabilityAPIIntegration     Capability = "api_integration"
	CapabilityDatabaseOperations Capability = "database_operations"
	CapabilityReceiptProcessing  Capability = "receipt_processing"
	CapabilityAccounting         Capability = "accounting"
	CapabilityFleetManagement    Capability = "fleet_management"
	CapabilityJournaling         Capability = "journaling"
)

type PermissionMode string

const (
	PermissionDefault           PermissionMode = "default"
	PermissionAcceptEdits       PermissionMode = "accept_edits"
	PermissionBypassPermissions PermissionMode = "bypass_permissions"
	PermissionPlan              PermissionMode = "plan"
)

// ── Agent status ─────────────────────────────────────────────

// AgentStatus is the state of one agent's lifecycle state machine.
type AgentStatus string

const (
	AgentStatusIdle         AgentStatus = "idle"
	AgentStatusInitializing AgentStatus = "initializing"
	AgentStatusRunning      AgentStatus = "running"
	AgentStatusWaiting      AgentStatus = "waiting"
	AgentStatusError        AgentStatus = "error"
	AgentStatusStopped      AgentStatus = "stopped"
)

// IsTerminal reports whether the instance can no longer be used.
func (s AgentStatus) IsTerminal() bool {
	return s == AgentStatusStopped
}

// ParseAgentStatus converts a string into a known status.
func ParseAgentStatus(s string) (AgentStatus, error) {
	switch st := AgentStatus(strings.ToLower(strings.TrimSpace(s))); st {
	case AgentStatusIdle, AgentStatusInitializing, AgentStatusRunning,
		AgentStatusWaiting, AgentStatusError, AgentStatusStopped:
		return st, nil
	}
	return "", fmt.Errorf("unknown agent status %q", s)
}

// ── Agent config ─────────────────────────────────────────────

// AgentConfig is the identity and policy of one agent. It is owned by a
// single BaseAgent and never mutated after construction.
type AgentConfig struct {
	AgentID        string            `json:"agent_id"`
	Name           string            `json:"name"`
	Capabilities   []Capability      `json:"capabilities"`
	MaxTurns       int               `json:"max_turns"`
	Timeout        time.Duration     `json:"-"`
	PermissionMode PermissionMode    `json:"permission_mode"`
	Tools          []string          `json:"tools"`
	Environment    map[string]string `json:"environment"`
}

// ConfigOption customises a config built by NewAgentConfig.
type ConfigOption func(*AgentConfig)

func WithCapabilities(caps ...Capability) ConfigOption {
	return func(c *AgentConfig) { c.Capabilities = append(c.Capabilities, caps...) }
}

func WithMaxTurns(n int) ConfigOption {
	return func(c *AgentConfig) { c.MaxTurns = n }
}

func WithTimeout(d time.Duration) ConfigOption {
	return func(c *AgentConfig) { c.Timeout = d }
}

func WithPermissionMode(m PermissionMode) ConfigOption {
	return func(c *AgentConfig) { c.PermissionMode = m }
}

func WithTools(tools ...string) ConfigOption {
	return func(c *AgentConfig) { c.Tools = append(c.Tools, tools...) }
}

func WithEnvironment(env map[string]string) ConfigOption {
	return func(c *AgentConfig) {
		if c.Environment == nil {
			c.Environment = make(map[string]string, len(env))
		}
		maps.Copy(c.Environment, env)
	}
}

// WithAgentID pins the identifier instead of generating one.
func WithAgentID(id string) ConfigOption {
	return func(c *AgentConfig) { c.AgentID = id }
}

// NewAgentConfig builds a config with a freshly generated agent ID and
// defaults for every field the options leave unset. It does not validate;
// agent construction does.
func NewAgentConfig(name string, opts ...ConfigOption) AgentConfig {
	cfg := AgentConfig{
		AgentID:        uuid.NewString(),
		Name:           name,
		MaxTurns:       DefaultMaxTurns,
		Timeout:        DefaultTimeout,
		PermissionMode: PermissionDefault,
		Environment:    map[string]string{},
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// agentIDReserved are the characters an agent ID may not contain: the memory
// namespace separator and the key glob metacharacters.
const agentIDReserved = `:*?\`

// ValidateAgentID rejects IDs that cannot be used as a memory namespace.
func ValidateAgentID(id string) error {
	switch {
	case strings.TrimSpace(id) == "":
		return &InvalidConfigError{Field: "agent_id", Reason: "must not be empty"}
	case strings.ContainsAny(id, agentIDReserved):
		return &InvalidConfigError{Field: "agent_id", Reason: fmt.Sprintf("%q must not contain any of %q", id, agentIDReserved)}
	}
	return nil
}

// Validate rejects structurally invalid configs.
func (c AgentConfig) Validate() error {
	if err := ValidateAgentID(c.AgentID); err != nil {
		return err
	}
	switch {
	case strings.TrimSpace(c.Name) == "":
		return &InvalidConfigError{Field: "name", Reason: "must not be empty"}
	case c.MaxTurns <= 0:
		return &InvalidConfigError{Field: "max_turns", Reason: fmt.Sprintf("must be positive, got %d", c.MaxTurns)}
	case c.Timeout <= 0:
		return &InvalidConfigError{Field: "timeout_seconds", Reason: fmt.Sprintf("must be positive, got %s", c.Timeout)}
	}
	return nil
}

// HasCapability reports whether cap is among the config's capabilities.
func (c AgentConfig) HasCapability(cap Capability) bool {
	return slices.Contains(c.Capabilities, cap)
}

// Clone returns a deep copy.
func (c AgentConfig) Clone() AgentConfig {
	out := c
	out.Capabilities = slices.Clone(c.Capabilities)
	out.Tools = slices.Clone(c.Tools)
	out.Environment = maps.Clone(c.Environment)
	return out
}

type agentConfigJSON struct {
	agentConfigAlias
	TimeoutSeconds float64 `json:"timeout_seconds"`
}

type agentConfigAlias AgentConfig

// MarshalJSON writes Timeout as fractional seconds under "timeout_seconds".
func (c AgentConfig) MarshalJSON() ([]byte, error) {
	return json.Marshal(agentConfigJSON{
		agentConfigAlias: agentConfigAlias(c),
		TimeoutSeconds:   c.Timeout.Seconds(),
	})
}

func (c *AgentConfig) UnmarshalJSON(data []byte) error {
	var raw agentConfigJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*c = AgentConfig(raw.agentConfigAlias)
	c.Timeout = time.Duration(raw.TimeoutSeconds * float64(time.Second))
	return nil
}

// InvalidConfigError describes the first invalid field of an AgentConfig.
type InvalidConfigError struct {
	Field  string
	Reason string
}

func (e *InvalidConfigError) Error() string {
	return "invalid agent config: " + e.Field + " " + e.Reason
}

// ── Metrics ──────────────────────────────────────────────────

// AgentMetrics are running counters owned by one agent.
// AverageExecutionTime is in seconds and only covers successful runs.
type AgentMetrics struct {
	TotalExecutions      int        `json:"total_executions"`
	SuccessfulExecutions int        `json:"successful_executions"`
	FailedExecutions     int        `json:"failed_executions"`
	AverageExecutionTime float64    `json:"average_execution_time"`
	LastExecution        *time.Time `json:"last_execution,omitempty"`
	CreatedAt            time.Time  `json:"created_at"`
	UpdatedAt            time.Time  `json:"updated_at"`
}

// RecordSuccess folds d into the incremental mean of successful runs.
func (m *AgentMetrics) RecordSuccess(d time.Duration, at time.Time) {
	m.TotalExecutions++
	m.SuccessfulExecutions++
	n := float64(m.SuccessfulExecutions)
	m.AverageExecutionTime += (d.Seconds() - m.AverageExecutionTime) / n
	m.LastExecution = &at
	m.UpdatedAt = at
}

// RecordFailure counts a failed or timed-out run; the mean is untouched.
func (m *AgentMetrics) RecordFailure(at time.Time) {
	m.TotalExecutions++
	m.FailedExecutions++
	m.LastExecution = &at
	m.UpdatedAt = at
}

// ── Execution context ────────────────────────────────────────

// Payload is the structured input or output of one execution.
type Payload map[string]any

// Clone returns a shallow copy of the top-level map.
func (p Payload) Clone() Payload {
	if p == nil {
		return Payload{}
	}
	return maps.Clone(p)
}

// AgentContext records one execution.
type AgentContext struct {
	SessionID    string         `json:"session_id"`
	InputData    Payload        `json:"input_data"`
	OutputData   Payload        `json:"output_data,omitempty"`
	Metadata     map[string]any `json:"metadata"`
	StartTime    time.Time      `json:"start_time"`
	EndTime      *time.Time     `json:"end_time,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
}

// Duration is zero until the execution has ended.
func (c *AgentContext) Duration() time.Duration {
	if c.EndTime == nil {
		return 0
	}
	return c.EndTime.Sub(c.StartTime)
}

// Clone returns a copy that shares no maps or pointers with c. Map values are
// copied shallowly, as in Payload.Clone.
func (c *AgentContext) Clone() AgentContext {
	out := *c
	out.InputData = maps.Clone(c.InputData)
	out.OutputData = maps.Clone(c.OutputData)
	out.Metadata = maps.Clone(c.Metadata)
	if c.EndTime != nil {
		end := *c.EndTime
		out.EndTime = &end
	}
	return out
}

// Failed reports whether the execution ended with an error.
func (c *AgentContext) Failed() bool {
	return c.ErrorMessage != ""
}

// ── Status snapshot ──────────────────────────────────────────

// AgentStatusInfo is an introspection snapshot of one agent.
type AgentStatusInfo struct {
	AgentID        string        `json:"agent_id"`
	Name           string        `json:"name"`
	Class          string        `json:"class"`
	Status         AgentStatus   `json:"status"`
	Initialized    bool          `json:"initialized"`
	Config         AgentConfig   `json:"config"`
	Metrics        AgentMetrics  `json:"metrics"`
	CurrentContext *AgentContext `json:"current_context,omitempty"`
	MemoryKeys     []string      `json:"memory_keys"`
	HistoryLength  int           `json:"history_length"`
}
