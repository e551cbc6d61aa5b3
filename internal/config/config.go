// Package config holds server and workspace configuration.
//
// Two layers exist on disk: user-level settings.json (inherited by every
// workspace) and workspace-level config.json. config.json overrides
// settings.json field-by-field; a zero value in config.json leaves the
// inherited setting in place.
package config

import "time"

// Config is the process-level server configuration.
type Config struct {
	Server    ServerConfig              `json:"server"`
	Providers map[string]ProviderConfig `json:"providers"`
	Agent     AgentConfig               `json:"agent"`
	Limiter   LimiterConfig             `json:"limiter"`
	Breaker   BreakerConfig             `json:"breaker"`
	Queue     QueueConfig               `json:"queue"`
	Scheduler SchedulerConfig           `json:"scheduler"`
	Persist   PersistConfig             `json:"persistence"`
	Home      string                    `json:"home"` // dawei home dir, default ~/.dawei
}

// ServerConfig configures the WebSocket gateway.
type ServerConfig struct {
	Host           string   `json:"host"`
	Port           int      `json:"port"`
	AllowedOrigins []string `json:"allowed_origins,omitempty"`
}

// ProviderConfig configures one LLM provider endpoint.
type ProviderConfig struct {
	APIKey       string `json:"api_key,omitempty"`
	APIBase      string `json:"api_base,omitempty"`
	DefaultModel string `json:"default_model,omitempty"`
	HTTPProxy    string `json:"http_proxy,omitempty"`
	HTTPSProxy   string `json:"https_proxy,omitempty"`
	Enabled      bool   `json:"enabled"`
}

// AgentConfig holds per-turn execution limits.
type AgentConfig struct {
	DefaultProvider         string  `json:"default_provider"`
	DefaultModel            string  `json:"default_model"`
	DefaultMode             string  `json:"default_mode"`
	MaxSteps                int     `json:"max_steps"`
	ConsecutiveMistakeLimit int     `json:"consecutive_mistake_limit"`
	MaxTokens               int     `json:"max_tokens"`
	Temperature             float64 `json:"temperature"`
}

// LimiterConfig configures the adaptive rate limiter.
type LimiterConfig struct {
	Strategy           string  `json:"strategy"` // "sliding_window", "token_bucket", "fixed_window"
	InitialRate        float64 `json:"initial_rate"`
	MinRate            float64 `json:"min_rate"`
	MaxRate            float64 `json:"max_rate"`
	BurstCapacity      float64 `json:"burst_capacity"`
	ScaleUpThreshold   int     `json:"scale_up_threshold"`
	ScaleUpFactor      float64 `json:"scale_up_factor"`
	ScaleDownThreshold int     `json:"scale_down_threshold"`
	ScaleDownFactor    float64 `json:"scale_down_factor"`
}

// BreakerConfig configures per-provider circuit breakers.
type BreakerConfig struct {
	FailureThreshold int           `json:"failure_threshold"`
	SuccessThreshold int           `json:"success_threshold"`
	Timeout          time.Duration `json:"timeout"`
	MaxRetries       int           `json:"max_retries"`
	BaseDelay        time.Duration `json:"base_delay"`
	MaxDelay         time.Duration `json:"max_delay"`
	JitterFactor     float64       `json:"jitter_factor"`
}

// QueueConfig configures the priority request queue.
type QueueConfig struct {
	MaxQueueSize  int `json:"max_queue_size"`
	MaxConcurrent int `json:"max_concurrent"`
}

// SchedulerConfig configures per-workspace scheduler engines.
type SchedulerConfig struct {
	CheckInterval  time.Duration `json:"check_interval"`
	Workers        int           `json:"workers"`
	DefaultTimeout time.Duration `json:"default_timeout"`
}

// PersistConfig configures the persistence manager.
type PersistConfig struct {
	AutoSaveInterval time.Duration `json:"auto_save_interval"`
	MaxRetryAttempts int           `json:"max_retry_attempts"`
	RetryBaseDelay   time.Duration `json:"retry_base_delay"`
	RetryMaxDelay    time.Duration `json:"retry_max_delay"`
}

// WorkspaceSettings is the merged view of settings.json + config.json for
// one workspace. Only fields the core consumes are modeled; unknown fields
// round-trip untouched through Extra.
type WorkspaceSettings struct {
	AgentMode    string         `json:"agent_mode,omitempty"`
	LLMProvider  string         `json:"llm_provider,omitempty"`
	LLMModel     string         `json:"llm_model,omitempty"`
	AllowedTools []string       `json:"allowed_tools,omitempty"`
	HTTPLogging  bool           `json:"http_logging,omitempty"`
	Extra        map[string]any `json:"-"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 18710,
		},
		Providers: map[string]ProviderConfig{},
		Agent: AgentConfig{
			DefaultProvider:         "openai",
			DefaultMode:             "orchestrator",
			MaxSteps:                25,
			ConsecutiveMistakeLimit: 3,
			MaxTokens:               8192,
			Temperature:             0.7,
		},
		Limiter: LimiterConfig{
			Strategy:           "sliding_window",
			InitialRate:        10,
			MinRate:            0.5,
			MaxRate:            50,
			BurstCapacity:      20,
			ScaleUpThreshold:   10,
			ScaleUpFactor:      1.2,
			ScaleDownThreshold: 3,
			ScaleDownFactor:    0.5,
		},
		Breaker: BreakerConfig{
			FailureThreshold: 5,
			SuccessThreshold: 2,
			Timeout:          30 * time.Second,
			MaxRetries:       3,
			BaseDelay:        time.Second,
			MaxDelay:         30 * time.Second,
			JitterFactor:     0.2,
		},
		Queue: QueueConfig{
			MaxQueueSize:  200,
			MaxConcurrent: 8,
		},
		Scheduler: SchedulerConfig{
			CheckInterval:  time.Second,
			Workers:        3,
			DefaultTimeout: time.Hour,
		},
		Persist: PersistConfig{
			AutoSaveInterval: 30 * time.Second,
			MaxRetryAttempts: 3,
			RetryBaseDelay:   100 * time.Millisecond,
			RetryMaxDelay:    5 * time.Second,
		},
		Home: "~/.dawei",
	}
}
