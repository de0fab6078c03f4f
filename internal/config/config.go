// Package config loads the runtime configuration of the LiMOS agent process.
//
// Precedence, lowest to highest: built-in defaults, the YAML file named by
// LIMOS_CONFIG (if any), environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the agent process.
type Config struct {
	Port      int             `yaml:"port"`
	Version   string          `yaml:"version"`
	Log       LogConfig       `yaml:"log"`
	Memory    MemoryConfig    `yaml:"memory"`
	Retention RetentionConfig `yaml:"retention"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	LLM       LLMConfig       `yaml:"llm"`
	Agent     AgentDefaults   `yaml:"agent"`
	API       APIConfig       `yaml:"api"`
	Notify    NotifyConfig    `yaml:"notify"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // console | json
}

type MemoryConfig struct {
	Backend     string `yaml:"backend"` // memory | file | sqlite | postgres
	Dir         string `yaml:"dir"`
	SQLitePath  string `yaml:"sqlite_path"`
	PostgresURL string `yaml:"postgres_url"`
}

type RetentionConfig struct {
	// Cron specs understood by robfig/cron, e.g. "@every 5m".
	SweepSchedule string        `yaml:"sweep_schedule"`
	StaleSchedule string        `yaml:"stale_schedule"`
	StaleAfter    time.Duration `yaml:"stale_after"`
	// ArchiveDir, when set, receives expired entries as JSONL before they are purged.
	ArchiveDir      string `yaml:"archive_dir"`
	ArchiveCompress bool   `yaml:"archive_compress"`
}

// TelemetryConfig controls OTLP trace export. SampleRatio applies to root
// spans only; sampled parents are always followed.
type TelemetryConfig struct {
	Enabled      bool    `yaml:"enabled"`
	OTLPEndpoint string  `yaml:"otlp_endpoint"`
	Insecure     bool    `yaml:"insecure"`
	ServiceName  string  `yaml:"service_name"`
	SampleRatio  float64 `yaml:"sample_ratio"`
}

type LLMConfig struct {
	APIKey            string        `yaml:"api_key"`
	BaseURL           string        `yaml:"base_url"`
	Model             string        `yaml:"model"`
	MaxTokens         int           `yaml:"max_tokens"`
	RequestsPerMinute int           `yaml:"requests_per_minute"`
	Burst             int           `yaml:"burst"`
	BreakerFailures   int           `yaml:"breaker_failures"`
	BreakerTimeout    time.Duration `yaml:"breaker_timeout"`
}

type APIConfig struct {
	// Keys guards /api/v1 when non-empty.
	Keys []string `yaml:"keys"`
}

type NotifyConfig struct {
	Webhooks []WebhookConfig `yaml:"webhooks"`
	Timeout  time.Duration   `yaml:"timeout"`

	// QueueSize bounds pending events; transitions beyond it are dropped.
	QueueSize int `yaml:"queue_size"`
}

type WebhookConfig struct {
	Name   string   `yaml:"name"`
	URL    string   `yaml:"url"`
	Secret string   `yaml:"secret"`
	Events []string `yaml:"events"` // empty or "*" means all event types
}

type AgentDefaults struct {
	Timeout  time.Duration `yaml:"timeout"`
	MaxTurns int           `yaml:"max_turns"`
}

// Defaults returns the configuration used when nothing is overridden.
func Defaults() *Config {
	dataDir := ".limos"
	if home, err := os.UserHomeDir(); err == nil {
		dataDir = home + "/.limos"
	}
	return &Config{
		Port:    8090,
		Version: "0.1.0",
		Log:     LogConfig{Level: "info", Format: "console"},
		Memory: MemoryConfig{
			Backend: "memory",
			Dir:     dataDir + "/memory",
		},
		Retention: RetentionConfig{
			SweepSchedule: "@every 5m",
			StaleSchedule: "@every 1h",
			StaleAfter:    24 * time.Hour,
		},
		Telemetry: TelemetryConfig{
			Enabled:      false,
			OTLPEndpoint: "localhost:4317",
			Insecure:     true,
			ServiceName:  "limos-agents",
			SampleRatio:  1,
		},
		LLM: LLMConfig{
			Model:             "claude-sonnet-4-5",
			MaxTokens:         1024,
			RequestsPerMinute: 50,
			Burst:             5,
			BreakerFailures:   5,
			BreakerTimeout:    30 * time.Second,
		},
		Agent: AgentDefaults{
			Timeout:  300 * time.Second,
			MaxTurns: 10,
		},
		Notify: NotifyConfig{
			Timeout:   15 * time.Second,
			QueueSize: 256,
		},
	}
}

// Load builds the configuration from defaults, the optional YAML file and the environment.
func Load() (*Config, error) {
	cfg := Defaults()
	if path := os.Getenv("LIMOS_CONFIG"); path != "" {
		if err := cfg.mergeFile(path); err != nil {
			return nil, err
		}
	}
	cfg.applyEnv()
	return cfg, nil
}

// LoadFile is Load with an explicit YAML path ("" skips the file).
func LoadFile(path string) (*Config, error) {
	cfg := Defaults()
	if path != "" {
		if err := cfg.mergeFile(path); err != nil {
			return nil, err
		}
	}
	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) mergeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.Port = envInt("LIMOS_PORT", c.Port)
	c.Version = envStr("LIMOS_VERSION", c.Version)

	c.Log.Level = envStr("LIMOS_LOG_LEVEL", c.Log.Level)
	c.Log.Format = envStr("LIMOS_LOG_FORMAT", c.Log.Format)

	c.Memory.Backend = envStr("LIMOS_MEMORY_BACKEND", c.Memory.Backend)
	c.Memory.Dir = envStr("LIMOS_MEMORY_DIR", c.Memory.Dir)
	c.Memory.SQLitePath = envStr("LIMOS_MEMORY_SQLITE_PATH", c.Memory.SQLitePath)
	c.Memory.PostgresURL = envStr("LIMOS_MEMORY_POSTGRES_URL", c.Memory.PostgresURL)

	c.Retention.SweepSchedule = envStr("LIMOS_SWEEP_SCHEDULE", c.Retention.SweepSchedule)
	c.Retention.StaleSchedule = envStr("LIMOS_STALE_SCHEDULE", c.Retention.StaleSchedule)
	c.Retention.StaleAfter = envDuration("LIMOS_STALE_AFTER", c.Retention.StaleAfter)
	c.Retention.ArchiveDir = envStr("LIMOS_ARCHIVE_DIR", c.Retention.ArchiveDir)
	c.Retention.ArchiveCompress = envBool("LIMOS_ARCHIVE_COMPRESS", c.Retention.ArchiveCompress)

	c.Telemetry.Enabled = envBool("OTEL_ENABLED", c.Telemetry.Enabled)
	c.Telemetry.OTLPEndpoint = envStr("OTEL_EXPORTER_OTLP_ENDPOINT", c.Telemetry.OTLPEndpoint)
	c.Telemetry.ServiceName = envStr("OTEL_SERVICE_NAME", c.Telemetry.ServiceName)
	c.Telemetry.Insecure = envBool("OTEL_EXPORTER_OTLP_INSECURE", c.Telemetry.Insecure)
	c.Telemetry.SampleRatio = envFloat("OTEL_TRACES_SAMPLER_ARG", c.Telemetry.SampleRatio)

	c.LLM.APIKey = envStr("ANTHROPIC_API_KEY", c.LLM.APIKey)
	c.LLM.BaseURL = envStr("ANTHROPIC_BASE_URL", c.LLM.BaseURL)
	c.LLM.Model = envStr("LIMOS_LLM_MODEL", c.LLM.Model)
	c.LLM.MaxTokens = envInt("LIMOS_LLM_MAX_TOKENS", c.LLM.MaxTokens)
	c.LLM.RequestsPerMinute = envInt("LIMOS_LLM_RPM", c.LLM.RequestsPerMinute)
	c.LLM.Burst = envInt("LIMOS_LLM_BURST", c.LLM.Burst)
	c.LLM.BreakerFailures = envInt("LIMOS_LLM_BREAKER_FAILURES", c.LLM.BreakerFailures)
	c.LLM.BreakerTimeout = envDuration("LIMOS_LLM_BREAKER_TIMEOUT", c.LLM.BreakerTimeout)

	c.Agent.Timeout = envDuration("LIMOS_AGENT_TIMEOUT", c.Agent.Timeout)
	c.Agent.MaxTurns = envInt("LIMOS_AGENT_MAX_TURNS", c.Agent.MaxTurns)

	c.API.Keys = envList("LIMOS_API_KEYS", c.API.Keys)

	c.Notify.Timeout = envDuration("LIMOS_NOTIFY_TIMEOUT", c.Notify.Timeout)
	// A single webhook can be configured from the environment; it is added to
	// any webhooks listed in the config file.
	if url := os.Getenv("LIMOS_NOTIFY_WEBHOOK_URL"); url != "" {
		c.Notify.Webhooks = append(c.Notify.Webhooks, WebhookConfig{
			Name:   "env",
			URL:    url,
			Secret: os.Getenv("LIMOS_NOTIFY_WEBHOOK_SECRET"),
			Events: envList("LIMOS_NOTIFY_EVENTS", nil),
		})
	}
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// envList splits a comma-separated variable, dropping blanks.
func envList(key string, fallback []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
