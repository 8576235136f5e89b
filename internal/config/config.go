// Package config provides environment-aware configuration management
// for the runtime process: listen address, storage paths, LLM provider
// bootstrap, resource budgets, and the kill-switch key source.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	slruntime "github.com/ciris-run/agent-runtime/infrastructure/runtime"
)

// Environment represents the deployment environment.
type Environment string

const (
	Development Environment = "development"
	Testing     Environment = "testing"
	Production  Environment = "production"
)

// Config holds every environment-derived setting the runtime reads at
// boot. Fields are populated by envdecode from `env:` tags; Load also
// applies an optional YAML override file on top.
type Config struct {
	Env Environment

	// HTTP transport
	ListenAddr string `env:"LISTEN_ADDR,default=:8080"`

	// Storage
	SQLitePath string `env:"SQLITE_PATH,default=./data/runtime.db"`

	// Wise Authority
	WAKeyDir          string `env:"WA_KEY_DIR,default=./data/wa_keys"`
	GatewaySecretPath string `env:"GATEWAY_SECRET_PATH,default=./data/gateway_secret"`
	KillSwitchKeyFile string `env:"KILL_SWITCH_KEY_FILE,default="`

	// Resource budgets (resource monitor thresholds)
	MemoryWarnMB     int     `env:"RESOURCE_MEMORY_WARN_MB,default=256"`
	MemoryCriticalMB int     `env:"RESOURCE_MEMORY_CRITICAL_MB,default=512"`
	CPUWarnPercent   float64 `env:"RESOURCE_CPU_WARN_PERCENT,default=80"`
	CPUCriticalPct   float64 `env:"RESOURCE_CPU_CRITICAL_PERCENT,default=95"`
	DiskWarnMB       int     `env:"RESOURCE_DISK_WARN_MB,default=1024"`
	DiskCriticalMB   int     `env:"RESOURCE_DISK_CRITICAL_MB,default=256"`
	SampleInterval   time.Duration `env:"RESOURCE_SAMPLE_INTERVAL,default=10s"`

	// LLM provider bootstrap
	OpenAIAPIKey   string `env:"OPENAI_API_KEY,default="`
	OpenAIAPIKey2  string `env:"OPENAI_API_KEY_2,default="`
	OpenAIBaseURL  string `env:"OPENAI_BASE_URL,default="`
	OpenAIBaseURL2 string `env:"OPENAI_BASE_URL_2,default="`
	MockLLM        bool   `env:"MOCK_LLM,default=false"`

	// Security
	JWTExpiry         time.Duration `env:"JWT_EXPIRY,default=15m"`
	RateLimitEnabled  bool          `env:"RATE_LIMIT_ENABLED,default=true"`
	RateLimitRequests int           `env:"RATE_LIMIT_REQUESTS,default=100"`
	RateLimitWindow   time.Duration `env:"RATE_LIMIT_WINDOW,default=1m"`
	CORSOrigins       string        `env:"CORS_ALLOWED_ORIGINS,default=*"`

	// Logging / observability
	LogLevel        string `env:"LOG_LEVEL,default=info"`
	LogFormat       string `env:"LOG_FORMAT,default=json"`
	MetricsEnabled  bool   `env:"METRICS_ENABLED,default=false"`
	MetricsPort     int    `env:"METRICS_PORT,default=9090"`
	TracingEnabled  bool   `env:"TRACING_ENABLED,default=false"`
	TracingEndpoint string `env:"TRACING_ENDPOINT,default="`

	// Features
	EnableDebugEndpoints bool `env:"ENABLE_DEBUG_ENDPOINTS,default=false"`
	TestMode             bool `env:"TEST_MODE,default=false"`
}

// Load derives the environment from AGENT_RUNTIME_ENV, applies an
// optional `config/<env>.env` file, decodes every env-tagged field via
// envdecode, and layers an optional `config/<env>.yaml` override on
// top of the result.
func Load() (*Config, error) {
	envStr := os.Getenv("AGENT_RUNTIME_ENV")
	if envStr == "" {
		envStr = string(slruntime.Development)
	}
	parsedEnv, ok := slruntime.ParseEnvironment(envStr)
	if !ok {
		return nil, fmt.Errorf("invalid AGENT_RUNTIME_ENV: %s (must be development, testing, or production)", envStr)
	}
	env := Environment(parsedEnv)

	envFile := fmt.Sprintf("config/%s.env", env)
	if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
		fmt.Printf("warning: could not load %s: %v\n", envFile, err)
	}

	cfg := &Config{Env: env}
	if err := envdecode.Decode(cfg); err != nil {
		return nil, fmt.Errorf("decoding environment configuration: %w", err)
	}

	yamlFile := fmt.Sprintf("config/%s.yaml", env)
	if data, err := os.ReadFile(yamlFile); err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", yamlFile, err)
		}
	}

	return cfg, nil
}

func (c *Config) IsDevelopment() bool { return c.Env == Development }
func (c *Config) IsTesting() bool     { return c.Env == Testing }
func (c *Config) IsProduction() bool  { return c.Env == Production }

// CORSOriginList splits the comma-separated CORSOrigins field.
func (c *Config) CORSOriginList() []string {
	return strings.Split(c.CORSOrigins, ",")
}

// Validate rejects configurations that are unsafe to run in production.
func (c *Config) Validate() error {
	if c.IsProduction() {
		if c.EnableDebugEndpoints {
			return fmt.Errorf("ENABLE_DEBUG_ENDPOINTS must be false in production")
		}
		if c.TestMode {
			return fmt.Errorf("TEST_MODE must be false in production")
		}
		if !c.RateLimitEnabled {
			return fmt.Errorf("RATE_LIMIT_ENABLED must be true in production")
		}
		if c.MockLLM {
			return fmt.Errorf("MOCK_LLM must be false in production")
		}
		if c.OpenAIAPIKey == "" {
			return fmt.Errorf("OPENAI_API_KEY is required in production")
		}
	}
	if c.MemoryCriticalMB <= c.MemoryWarnMB {
		return fmt.Errorf("RESOURCE_MEMORY_CRITICAL_MB must exceed RESOURCE_MEMORY_WARN_MB")
	}
	if c.DiskCriticalMB >= c.DiskWarnMB {
		return fmt.Errorf("RESOURCE_DISK_CRITICAL_MB must be below RESOURCE_DISK_WARN_MB")
	}
	return nil
}
