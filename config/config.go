// Package config loads engine configuration from YAML with environment
// overrides. Validation is fail-fast: a worker never starts on a config it
// cannot fully honor.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dataelem/linsight/llm"
	"github.com/dataelem/linsight/types"
)

// Config is the root configuration document.
type Config struct {
	Log       LogConfig       `yaml:"log"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	LLM       LLMConfig       `yaml:"llm"`
	Engine    EngineConfig    `yaml:"engine"`
	Worker    WorkerConfig    `yaml:"worker"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json or console
}

type DatabaseConfig struct {
	Dialect string `yaml:"dialect"` // mysql, postgres or sqlite
	DSN     string `yaml:"dsn"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type LLMConfig struct {
	Default   string                   `yaml:"default"` // provider name used when unset
	Providers []llm.OpenAICompatConfig `yaml:"providers"`
}

// EngineConfig tunes planning and execution.
type EngineConfig struct {
	Model              string        `yaml:"model"`
	ExecuteMode        string        `yaml:"execute_mode"` // function_call or react
	MaxSteps           int           `yaml:"max_steps"`
	TaskMaxSteps       int           `yaml:"task_max_steps"`
	ToolBuffer         int           `yaml:"tool_buffer"`
	RetryNum           int           `yaml:"retry_num"`
	RetrySleep         time.Duration `yaml:"retry_sleep"`
	DefaultTemperature float32       `yaml:"default_temperature"`
	RetryTemperature   float32       `yaml:"retry_temperature"`
	FileContentLength  int           `yaml:"file_content_length"`
	MaxFileContentNum  int           `yaml:"max_file_content_num"`
	TimeoutMinutes     int           `yaml:"timeout_minutes"`
	GuideWord          string        `yaml:"guide_word"`
	GuideQuestions     []string      `yaml:"guide_questions"`
}

// WorkerConfig tunes the scheduler pool.
type WorkerConfig struct {
	MaxConcurrency int           `yaml:"max_concurrency"` // per-process session slots
	HeartbeatTTL   time.Duration `yaml:"heartbeat_ttl"`
	PopTimeout     time.Duration `yaml:"pop_timeout"`
	MetricsAddr    string        `yaml:"metrics_addr"` // empty disables the endpoint
}

type TelemetryConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Endpoint    string `yaml:"endpoint"` // OTLP gRPC
	ServiceName string `yaml:"service_name"`
}

// Default returns the baseline configuration.
func Default() *Config {
	return &Config{
		Log:      LogConfig{Level: "info", Format: "json"},
		Database: DatabaseConfig{Dialect: "sqlite", DSN: "linsight.db"},
		Redis:    RedisConfig{Addr: "127.0.0.1:6379"},
		Engine: EngineConfig{
			ExecuteMode:        string(types.ExecuteModeFunctionCall),
			MaxSteps:           200,
			TaskMaxSteps:       10,
			ToolBuffer:         100000,
			RetryNum:           3,
			RetrySleep:         5 * time.Second,
			DefaultTemperature: 0,
			RetryTemperature:   1,
			FileContentLength:  5000,
			MaxFileContentNum:  3,
			TimeoutMinutes:     720,
		},
		Worker: WorkerConfig{
			MaxConcurrency: 32,
			HeartbeatTTL:   30 * time.Second,
			PopTimeout:     5 * time.Second,
		},
		Telemetry: TelemetryConfig{ServiceName: "linsight"},
	}
}

// Load reads the YAML file over the defaults, then applies env overrides.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv 环境变量覆盖, 用于容器部署。
func (c *Config) applyEnv() {
	if v := os.Getenv("LINSIGHT_DB_DSN"); v != "" {
		c.Database.DSN = v
	}
	if v := os.Getenv("LINSIGHT_DB_DIALECT"); v != "" {
		c.Database.Dialect = v
	}
	if v := os.Getenv("LINSIGHT_REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv("LINSIGHT_REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}
	if v := os.Getenv("LINSIGHT_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("LINSIGHT_MAX_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Worker.MaxConcurrency = n
		}
	}
}

// Validate rejects configurations the engine cannot honor.
func (c *Config) Validate() error {
	switch c.Database.Dialect {
	case "mysql", "postgres", "sqlite":
	default:
		return fmt.Errorf("config: unsupported database dialect %q", c.Database.Dialect)
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("config: database dsn is required")
	}
	if c.Redis.Addr == "" {
		return fmt.Errorf("config: redis addr is required")
	}
	switch c.Engine.ExecuteMode {
	case string(types.ExecuteModeFunctionCall), string(types.ExecuteModeReAct):
	default:
		return fmt.Errorf("config: unknown execute_mode %q", c.Engine.ExecuteMode)
	}
	if c.Engine.MaxSteps <= 0 || c.Engine.TaskMaxSteps <= 0 {
		return fmt.Errorf("config: step budgets must be positive")
	}
	if c.Engine.TaskMaxSteps > c.Engine.MaxSteps {
		return fmt.Errorf("config: task_max_steps %d exceeds max_steps %d", c.Engine.TaskMaxSteps, c.Engine.MaxSteps)
	}
	if c.Engine.ToolBuffer <= 0 {
		return fmt.Errorf("config: tool_buffer must be positive")
	}
	if c.Worker.MaxConcurrency <= 0 {
		return fmt.Errorf("config: max_concurrency must be positive")
	}
	if c.Worker.HeartbeatTTL <= 0 {
		return fmt.Errorf("config: heartbeat_ttl must be positive")
	}
	seen := map[string]bool{}
	for _, p := range c.LLM.Providers {
		if p.ProviderName == "" {
			return fmt.Errorf("config: provider with empty name")
		}
		if seen[p.ProviderName] {
			return fmt.Errorf("config: duplicate provider %q", p.ProviderName)
		}
		seen[p.ProviderName] = true
		if p.BaseURL == "" {
			return fmt.Errorf("config: provider %s: base_url is required", p.ProviderName)
		}
	}
	if c.LLM.Default != "" && !seen[c.LLM.Default] {
		return fmt.Errorf("config: default provider %q is not configured", c.LLM.Default)
	}
	if c.Telemetry.Enabled && c.Telemetry.Endpoint == "" {
		return fmt.Errorf("config: telemetry enabled without an endpoint")
	}
	return nil
}

// SessionTTL is the broker key lifetime: the session timeout plus one hour of
// slack for consumers still draining events.
func (c *Config) SessionTTL() time.Duration {
	return time.Duration(c.Engine.TimeoutMinutes)*time.Minute + time.Hour
}
