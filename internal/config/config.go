// Package config loads the settings of the build pipeline and the guard
// service: an optional YAML file named by POLICY_GUARD_CONFIG, then
// environment overrides, then validation.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// FileEnv names the YAML config file.
const FileEnv = "POLICY_GUARD_CONFIG"

type Config struct {
	LogLevel string         `yaml:"log_level" validate:"oneof=debug info warn error"`
	LLM      LLMConfig      `yaml:"llm"`
	Build    BuildConfig    `yaml:"build"`
	Server   ServerConfig   `yaml:"server"`
	Registry RegistryConfig `yaml:"registry"`
}

type LLMConfig struct {
	Provider  string `yaml:"provider" validate:"oneof=openai anthropic"`
	Model     string `yaml:"model" validate:"required"`
	BaseURL   string `yaml:"base_url" validate:"omitempty,url"`
	MaxTokens int64  `yaml:"max_tokens" validate:"gte=0"`
	// APIKey is only read from OPENAI_API_KEY or ANTHROPIC_API_KEY.
	APIKey      string        `yaml:"-"`
	MaxRetries  int           `yaml:"max_retries" validate:"gte=0"`
	CallTimeout time.Duration `yaml:"call_timeout" validate:"gte=0"`
}

type BuildConfig struct {
	PolicyPath    string `yaml:"policy_path"`
	CatalogPath   string `yaml:"catalog_path"`
	CatalogFormat string `yaml:"catalog_format" validate:"omitempty,oneof=openapi mcp yaml"`
	// Tools to guard; empty guards every catalog tool.
	Tools   []string `yaml:"tools"`
	WorkDir string   `yaml:"work_dir" validate:"required"`

	Steps                []string `yaml:"steps"`
	AddIterations        int      `yaml:"add_iterations" validate:"gte=0"`
	ExampleNumber        *int     `yaml:"example_number" validate:"omitempty,gte=0"`
	RelevanceSamples     int      `yaml:"relevance_samples" validate:"gte=1"`
	FeasibilitySamples   int      `yaml:"feasibility_samples" validate:"gte=1"`
	RelevanceThreshold   float64  `yaml:"relevance_threshold" validate:"gte=0,lte=1"`
	FeasibilityThreshold float64  `yaml:"feasibility_threshold" validate:"gte=0,lte=1"`

	OutputPath          string        `yaml:"output_path" validate:"required"`
	Module              string        `yaml:"module" validate:"required"`
	GoVersion           string        `yaml:"go_version"`
	RuntimeVersion      string        `yaml:"runtime_version"`
	RuntimeDir          string        `yaml:"runtime_dir"`
	MaxToolImprovements int           `yaml:"max_tool_improvements" validate:"gte=1"`
	MaxTestGenTrials    int           `yaml:"max_test_gen_trials" validate:"gte=1"`
	GoBin               string        `yaml:"go_bin"`
	GoTimeout           time.Duration `yaml:"go_timeout" validate:"gte=0"`
	// Debug keeps every intermediate candidate under WorkDir/debug.
	Debug bool `yaml:"debug"`

	// PublishProject, when set, stores the final specs in the spec registry
	// under this project.
	PublishProject string `yaml:"publish_project"`
}

type ServerConfig struct {
	GRPCPort    string        `yaml:"grpc_port" validate:"required,numeric"`
	HTTPPort    string        `yaml:"http_port" validate:"omitempty,numeric"`
	ManifestDir string        `yaml:"manifest_dir"`
	Watch       bool          `yaml:"watch"`
	EvalTimeout time.Duration `yaml:"eval_timeout" validate:"gt=0"`
	// ToolsAddr is the gRPC ToolService guards call read-only tools through.
	ToolsAddr string `yaml:"tools_addr"`
	// ClickHouseDSN is only read from CLICKHOUSE_DSN.
	ClickHouseDSN string `yaml:"-"`
	// AuthMode selects the authenticator; postgres needs POSTGRES_DSN.
	AuthMode     string        `yaml:"auth_mode" validate:"oneof=static postgres"`
	ShadowMode   bool          `yaml:"shadow_mode"`
	AuthCacheTTL time.Duration `yaml:"auth_cache_ttl" validate:"gte=0"`
	AuthFailOpen bool          `yaml:"auth_fail_open"`
}

// RegistryConfig locates the spec registry: Postgres when PostgresDSN is
// set, otherwise SQLite at SQLitePath, otherwise none.
type RegistryConfig struct {
	// PostgresDSN is only read from POSTGRES_DSN.
	PostgresDSN string        `yaml:"-"`
	SQLitePath  string        `yaml:"sqlite_path"`
	CacheTTL    time.Duration `yaml:"cache_ttl" validate:"gte=0"`
}

// Enabled reports whether a spec registry is configured.
func (r RegistryConfig) Enabled() bool {
	return r.PostgresDSN != "" || r.SQLitePath != ""
}

func Default() *Config {
	return &Config{
		LogLevel: "info",
		LLM: LLMConfig{
			Provider:    "openai",
			Model:       "gpt-4o",
			MaxTokens:   8192,
			MaxRetries:  5,
			CallTimeout: 5 * time.Minute,
		},
		Build: BuildConfig{
			WorkDir:              "work",
			AddIterations:        3,
			RelevanceSamples:     5,
			FeasibilitySamples:   3,
			RelevanceThreshold:   0.5,
			FeasibilityThreshold: 0.5,
			OutputPath:           "guards",
			Module:               "policyguards",
			GoVersion:            "1.25",
			MaxToolImprovements:  5,
			MaxTestGenTrials:     3,
			GoTimeout:            5 * time.Minute,
		},
		Server: ServerConfig{
			GRPCPort:     "50054",
			HTTPPort:     "8084",
			ManifestDir:  ".",
			Watch:        true,
			EvalTimeout:  2 * time.Second,
			AuthMode:     "static",
			AuthCacheTTL: 30 * time.Second,
			AuthFailOpen: true,
		},
		Registry: RegistryConfig{
			CacheTTL: 60 * time.Second,
		},
	}
}

// Load builds the config from defaults, the YAML file and the environment.
func Load() (*Config, error) {
	cfg := Default()
	if path := os.Getenv(FileEnv); path != "" {
		if err := cfg.LoadFile(path); err != nil {
			return nil, err
		}
	}
	cfg.ApplyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile overlays the YAML file at path. Unknown keys are errors.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("LoadFile: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("LoadFile %s: %w", path, err)
	}
	return nil
}

var validate = validator.New()

// Validate checks field constraints and cross-field requirements.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("Validate: %w", err)
	}
	if c.Server.AuthMode == "postgres" && c.Registry.PostgresDSN == "" {
		return errors.New("Validate: auth_mode postgres requires POSTGRES_DSN")
	}
	return nil
}
