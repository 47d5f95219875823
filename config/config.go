// Package config loads engine configuration from an optional YAML
// file with environment variable overrides on top.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/alignedwithwhat/engine/pkg/limiter"
)

// Duration accepts either a Go duration string ("90s") or an integer
// number of seconds in YAML.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value.Tag == "!!int" {
		var secs int64
		if err := value.Decode(&secs); err != nil {
			return fmt.Errorf("invalid duration value: %w", err)
		}
		*d = Duration(time.Duration(secs) * time.Second)
		return nil
	}
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("invalid duration value: %w", err)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// ModelConfig describes one dispatchable subject or judge model.
type ModelConfig struct {
	ID     string  `yaml:"id"`
	MaxRPM float64 `yaml:"max_rpm,omitempty"`
}

// ProviderConfig configures the upstream OpenAI-compatible endpoint.
type ProviderConfig struct {
	BaseURL        string               `yaml:"base_url"`
	APIKeyEnv      string               `yaml:"api_key_env"`
	RequestTimeout Duration             `yaml:"request_timeout"`
	DefaultRPM     float64              `yaml:"default_rpm"`
	Retry          *limiter.RetryConfig `yaml:"retry,omitempty"`
}

// SchedulerConfig tunes the run scheduler.
type SchedulerConfig struct {
	Workers         int      `yaml:"workers"`
	DispatchTimeout Duration `yaml:"dispatch_timeout"`
	MaxInFlight     int64    `yaml:"max_in_flight"`
}

// JudgeConfig tunes the judge engine.
type JudgeConfig struct {
	Workers      int      `yaml:"workers"`
	EvalTimeout  Duration `yaml:"eval_timeout"`
	ParseRetries int      `yaml:"parse_retries"`
}

// LoggingConfig configures the structured logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// TracingConfig configures the OpenTelemetry exporter.
type TracingConfig struct {
	Enabled        bool   `yaml:"enabled"`
	JaegerEndpoint string `yaml:"jaeger_endpoint"`
	Environment    string `yaml:"environment"`
}

// Config is the full engine configuration.
type Config struct {
	HTTPPort     string          `yaml:"http_port"`
	DBPath       string          `yaml:"db_path"` // empty runs on the in-memory store
	CacheSize    int             `yaml:"cache_size"`
	ScenarioPack string          `yaml:"scenario_pack"`
	Provider     ProviderConfig  `yaml:"provider"`
	Scheduler    SchedulerConfig `yaml:"scheduler"`
	Judge        JudgeConfig     `yaml:"judge"`
	Logging      LoggingConfig   `yaml:"logging"`
	Tracing      TracingConfig   `yaml:"tracing"`
	Models       []ModelConfig   `yaml:"models"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		HTTPPort:  "8080",
		CacheSize: 256,
		Provider: ProviderConfig{
			BaseURL:        "https://openrouter.ai/api/v1",
			APIKeyEnv:      "OPENROUTER_API_KEY",
			RequestTimeout: Duration(120 * time.Second),
			DefaultRPM:     60,
		},
		Scheduler: SchedulerConfig{
			Workers:         4,
			DispatchTimeout: Duration(120 * time.Second),
			MaxInFlight:     32,
		},
		Judge: JudgeConfig{
			Workers:      2,
			EvalTimeout:  Duration(180 * time.Second),
			ParseRetries: 2,
		},
		Logging: LoggingConfig{Level: "info", Format: "json"},
		Tracing: TracingConfig{
			JaegerEndpoint: "http://localhost:14268/api/traces",
			Environment:    "development",
		},
	}
}

// Load reads the config file at path (or $ENGINE_CONFIG, or neither)
// and applies environment overrides on top of it.
func Load(path string) (*Config, error) {
	cfg := Default()

	if envPath := os.Getenv("ENGINE_CONFIG"); envPath != "" {
		path = envPath
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, fmt.Errorf("config file %s does not exist", path)
			}
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	applyEnv(cfg)
	return cfg, nil
}

// LoadBytes parses configuration from raw YAML, without env overrides.
func LoadBytes(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	cfg.HTTPPort = getEnv("ENGINE_HTTP_PORT", cfg.HTTPPort)
	cfg.DBPath = getEnv("ENGINE_DB_PATH", cfg.DBPath)
	cfg.ScenarioPack = getEnv("ENGINE_SCENARIO_PACK", cfg.ScenarioPack)
	cfg.Provider.BaseURL = getEnv("ENGINE_PROVIDER_BASE_URL", cfg.Provider.BaseURL)
	cfg.Scheduler.Workers = getEnvInt("ENGINE_SCHEDULER_WORKERS", cfg.Scheduler.Workers)
	cfg.Judge.Workers = getEnvInt("ENGINE_JUDGE_WORKERS", cfg.Judge.Workers)
	cfg.Logging.Level = getEnv("LOG_LEVEL", cfg.Logging.Level)
	cfg.Tracing.JaegerEndpoint = getEnv("JAEGER_ENDPOINT", cfg.Tracing.JaegerEndpoint)
}

// APIKey resolves the provider API key from the configured variable.
// Empty means no credentials, which selects the mock gateway.
func (c *Config) APIKey() string {
	if c.Provider.APIKeyEnv == "" {
		return ""
	}
	return os.Getenv(c.Provider.APIKeyEnv)
}

// ModelIDs returns the catalog of dispatchable model identifiers.
func (c *Config) ModelIDs() []string {
	ids := make([]string, 0, len(c.Models))
	for _, m := range c.Models {
		ids = append(ids, m.ID)
	}
	return ids
}

// ModelRPM returns the per-model rate limit overrides.
func (c *Config) ModelRPM() map[string]float64 {
	out := make(map[string]float64)
	for _, m := range c.Models {
		if m.MaxRPM > 0 {
			out[m.ID] = m.MaxRPM
		}
	}
	return out
}

// getEnv gets an environment variable with a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt gets an integer environment variable with a default value
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}
