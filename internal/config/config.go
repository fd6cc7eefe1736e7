// Package config provides application configuration.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration.
type Config struct {
	Port        string
	DatabaseURL string
	LogLevel    string

	Workspace WorkspaceConfig
	Sandbox   SandboxConfig
	Stream    StreamConfig
	Timeout   TimeoutConfig
	Agent     AgentConfig
	Auth      AuthConfig

	AllowedOrigins     []string
	RateLimitPerMinute int
}

// WorkspaceConfig controls where session workspaces live on disk.
type WorkspaceConfig struct {
	BasePath string
	// HostPath maps BasePath to the path the Docker daemon sees when this
	// server itself runs in a container. Empty means BasePath is used as is.
	HostPath string
	// Retain keeps workspace directories on disk after a session ends.
	Retain bool
}

// SandboxConfig controls per-session sandbox containers.
type SandboxConfig struct {
	Enabled         bool
	Image           string
	MountPath       string
	ContainerPrefix string
	MemoryLimit     string
	CPULimit        float64
	PidsLimit       int64
	Network         string
	Runtime         string // "" = default (runc), "runsc" = gVisor
}

// StreamConfig controls the event pipeline.
type StreamConfig struct {
	BatchSize       int
	BatchInterval   time.Duration
	PollInterval    time.Duration
	QueueCapacity   int
	EventMaxChars   int
	ThoughtMaxChars int
}

// TimeoutConfig groups the lifecycle timeouts.
type TimeoutConfig struct {
	Run            time.Duration
	Handshake      time.Duration
	SessionIdleTTL time.Duration
	ReaperInterval time.Duration
	Teardown       time.Duration
}

// AgentConfig selects and configures the agent runner.
type AgentConfig struct {
	RunnerAddr      string
	MockStepDelay   time.Duration
	DefaultProvider string
	LLMAPIKey       string
	AnthropicAPIKey string
	GoogleAPIKey    string
}

// AuthConfig holds credentials used to authenticate callers.
type AuthConfig struct {
	JWTSecret               string
	InternalAPIKey          string
	AllowUnverifiedInternal bool
}

// NewViper returns a viper instance bound to the process environment with all
// defaults registered.
func NewViper() *viper.Viper {
	v := viper.New()
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	setDefaults(v)
	return v
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("PORT", "8000")
	v.SetDefault("DATABASE_URL", "./data/lucid.db")
	v.SetDefault("LOG_LEVEL", "info")

	v.SetDefault("WORKSPACE_BASE_PATH", "./storage")
	v.SetDefault("HOST_WORKSPACE_PATH", "")
	v.SetDefault("WORKSPACE_RETAIN", false)

	v.SetDefault("SANDBOX_ENABLED", true)
	v.SetDefault("SANDBOX_IMAGE", "nikolaik/python-nodejs:python3.11-nodejs20")
	v.SetDefault("WORKSPACE_MOUNT_PATH", "/workspace")
	v.SetDefault("SANDBOX_CONTAINER_PREFIX", "lucid-sandbox-")
	v.SetDefault("SANDBOX_MEMORY_LIMIT", "2g")
	v.SetDefault("SANDBOX_CPU_LIMIT", 1.0)
	v.SetDefault("SANDBOX_PIDS_LIMIT", 512)
	v.SetDefault("DOCKER_NETWORK", "")
	v.SetDefault("CONTAINER_RUNTIME", "")

	v.SetDefault("DB_BATCH_SIZE", 20)
	v.SetDefault("DB_BATCH_INTERVAL", 2*time.Second)
	v.SetDefault("QUEUE_POLL_INTERVAL", time.Second)
	v.SetDefault("EVENT_BUFFER_MAX_SIZE", 1000)
	v.SetDefault("WS_EVENT_MAX_CHARS", 2000)
	v.SetDefault("THOUGHT_MAX_CHARS", 1000)

	v.SetDefault("CONVERSATION_TIMEOUT", 30*time.Minute)
	v.SetDefault("WS_INIT_TIMEOUT", 30*time.Second)
	v.SetDefault("SESSION_IDLE_TTL", 60*time.Minute)
	v.SetDefault("REAPER_INTERVAL", time.Minute)
	v.SetDefault("TEARDOWN_TIMEOUT", 30*time.Second)

	v.SetDefault("AGENT_RUNNER_ADDR", "")
	v.SetDefault("MOCK_STEP_DELAY", 1500*time.Millisecond)
	v.SetDefault("DEFAULT_MODEL_PROVIDER", "anthropic")
	v.SetDefault("LLM_API_KEY", "")
	v.SetDefault("ANTHROPIC_API_KEY", "")
	v.SetDefault("GOOGLE_API_KEY", "")

	v.SetDefault("SUPABASE_JWT_SECRET", "")
	v.SetDefault("JWT_SECRET", "")
	v.SetDefault("INTERNAL_API_KEY", "")
	v.SetDefault("ALLOW_UNVERIFIED_INTERNAL", false)

	v.SetDefault("ALLOWED_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_PER_MINUTE", 30)
}

// Load reads configuration from v. Pass NewViper() for environment-only
// configuration.
func Load(v *viper.Viper) (*Config, error) {
	jwtSecret := v.GetString("SUPABASE_JWT_SECRET")
	if jwtSecret == "" {
		jwtSecret = v.GetString("JWT_SECRET")
	}

	cfg := &Config{
		Port:        v.GetString("PORT"),
		DatabaseURL: v.GetString("DATABASE_URL"),
		LogLevel:    v.GetString("LOG_LEVEL"),
		Workspace: WorkspaceConfig{
			BasePath: v.GetString("WORKSPACE_BASE_PATH"),
			HostPath: v.GetString("HOST_WORKSPACE_PATH"),
			Retain:   v.GetBool("WORKSPACE_RETAIN"),
		},
		Sandbox: SandboxConfig{
			Enabled:         v.GetBool("SANDBOX_ENABLED"),
			Image:           v.GetString("SANDBOX_IMAGE"),
			MountPath:       v.GetString("WORKSPACE_MOUNT_PATH"),
			ContainerPrefix: v.GetString("SANDBOX_CONTAINER_PREFIX"),
			MemoryLimit:     v.GetString("SANDBOX_MEMORY_LIMIT"),
			CPULimit:        v.GetFloat64("SANDBOX_CPU_LIMIT"),
			PidsLimit:       v.GetInt64("SANDBOX_PIDS_LIMIT"),
			Network:         v.GetString("DOCKER_NETWORK"),
			Runtime:         v.GetString("CONTAINER_RUNTIME"),
		},
		Stream: StreamConfig{
			BatchSize:       v.GetInt("DB_BATCH_SIZE"),
			BatchInterval:   v.GetDuration("DB_BATCH_INTERVAL"),
			PollInterval:    v.GetDuration("QUEUE_POLL_INTERVAL"),
			QueueCapacity:   v.GetInt("EVENT_BUFFER_MAX_SIZE"),
			EventMaxChars:   v.GetInt("WS_EVENT_MAX_CHARS"),
			ThoughtMaxChars: v.GetInt("THOUGHT_MAX_CHARS"),
		},
		Timeout: TimeoutConfig{
			Run:            v.GetDuration("CONVERSATION_TIMEOUT"),
			Handshake:      v.GetDuration("WS_INIT_TIMEOUT"),
			SessionIdleTTL: v.GetDuration("SESSION_IDLE_TTL"),
			ReaperInterval: v.GetDuration("REAPER_INTERVAL"),
			Teardown:       v.GetDuration("TEARDOWN_TIMEOUT"),
		},
		Agent: AgentConfig{
			RunnerAddr:      v.GetString("AGENT_RUNNER_ADDR"),
			MockStepDelay:   v.GetDuration("MOCK_STEP_DELAY"),
			DefaultProvider: strings.ToLower(v.GetString("DEFAULT_MODEL_PROVIDER")),
			LLMAPIKey:       v.GetString("LLM_API_KEY"),
			AnthropicAPIKey: v.GetString("ANTHROPIC_API_KEY"),
			GoogleAPIKey:    v.GetString("GOOGLE_API_KEY"),
		},
		Auth: AuthConfig{
			JWTSecret:               jwtSecret,
			InternalAPIKey:          v.GetString("INTERNAL_API_KEY"),
			AllowUnverifiedInternal: v.GetBool("ALLOW_UNVERIFIED_INTERNAL"),
		},
		AllowedOrigins:     splitList(v.GetString("ALLOWED_ORIGINS")),
		RateLimitPerMinute: v.GetInt("RATE_LIMIT_PER_MINUTE"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL cannot be empty")
	}
	if c.Workspace.BasePath == "" {
		return fmt.Errorf("WORKSPACE_BASE_PATH cannot be empty")
	}
	if c.Sandbox.Enabled && c.Sandbox.Image == "" {
		return fmt.Errorf("SANDBOX_IMAGE cannot be empty when sandboxes are enabled")
	}
	if !strings.HasPrefix(c.Sandbox.MountPath, "/") {
		return fmt.Errorf("WORKSPACE_MOUNT_PATH must be absolute")
	}
	if c.Stream.BatchSize <= 0 {
		return fmt.Errorf("DB_BATCH_SIZE must be > 0")
	}
	if c.Stream.BatchInterval <= 0 || c.Stream.PollInterval <= 0 {
		return fmt.Errorf("DB_BATCH_INTERVAL and QUEUE_POLL_INTERVAL must be > 0")
	}
	if c.Stream.QueueCapacity <= 0 {
		return fmt.Errorf("EVENT_BUFFER_MAX_SIZE must be > 0")
	}
	if c.Stream.EventMaxChars <= 0 || c.Stream.ThoughtMaxChars <= 0 {
		return fmt.Errorf("WS_EVENT_MAX_CHARS and THOUGHT_MAX_CHARS must be > 0")
	}
	if c.Timeout.Run <= 0 || c.Timeout.Handshake <= 0 {
		return fmt.Errorf("CONVERSATION_TIMEOUT and WS_INIT_TIMEOUT must be > 0")
	}
	if c.RateLimitPerMinute <= 0 {
		return fmt.Errorf("RATE_LIMIT_PER_MINUTE must be > 0")
	}
	return nil
}

// MockMode reports whether sessions run against the scripted mock runner.
func (c *Config) MockMode() bool {
	return c.Agent.RunnerAddr == ""
}

// SlogLevel maps LogLevel onto a slog level, defaulting to info.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(strings.TrimSpace(c.LogLevel)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// IsContainer returns true if running inside a Docker container.
func IsContainer() bool {
	if os.Getenv("CONTAINER") == "true" {
		return true
	}
	if _, err := os.Stat("/.dockerenv"); err == nil {
		return true
	}
	return false
}
