package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// ApplyEnv overrides loaded values with environment variables.
func (c *Config) ApplyEnv() {
	c.LogLevel = envOrDefault("POLICY_GUARD_LOG_LEVEL", c.LogLevel)

	c.LLM.Provider = envOrDefault("POLICY_GUARD_LLM_PROVIDER", c.LLM.Provider)
	c.LLM.Model = envOrDefault("POLICY_GUARD_LLM_MODEL", c.LLM.Model)
	c.LLM.BaseURL = envOrDefault("POLICY_GUARD_LLM_BASE_URL", c.LLM.BaseURL)
	c.LLM.MaxTokens = int64(envOrDefaultInt("POLICY_GUARD_LLM_MAX_TOKENS", int(c.LLM.MaxTokens)))
	c.LLM.MaxRetries = envOrDefaultInt("POLICY_GUARD_LLM_MAX_RETRIES", c.LLM.MaxRetries)
	c.LLM.CallTimeout = envOrDefaultDuration("POLICY_GUARD_LLM_CALL_TIMEOUT", c.LLM.CallTimeout)
	switch c.LLM.Provider {
	case "anthropic":
		c.LLM.APIKey = os.Getenv("ANTHROPIC_API_KEY")
	default:
		c.LLM.APIKey = os.Getenv("OPENAI_API_KEY")
	}

	b := &c.Build
	b.PolicyPath = envOrDefault("POLICY_GUARD_POLICY", b.PolicyPath)
	b.CatalogPath = envOrDefault("POLICY_GUARD_CATALOG", b.CatalogPath)
	b.CatalogFormat = envOrDefault("POLICY_GUARD_CATALOG_FORMAT", b.CatalogFormat)
	b.Tools = envOrDefaultList("POLICY_GUARD_TOOLS", b.Tools)
	b.WorkDir = envOrDefault("POLICY_GUARD_WORK_DIR", b.WorkDir)
	b.Steps = envOrDefaultList("POLICY_GUARD_STEPS", b.Steps)
	b.AddIterations = envOrDefaultInt("POLICY_GUARD_ADD_ITERATIONS", b.AddIterations)
	if v := os.Getenv("POLICY_GUARD_EXAMPLE_NUMBER"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			b.ExampleNumber = &n
		}
	}
	b.RelevanceSamples = envOrDefaultInt("POLICY_GUARD_RELEVANCE_SAMPLES", b.RelevanceSamples)
	b.FeasibilitySamples = envOrDefaultInt("POLICY_GUARD_FEASIBILITY_SAMPLES", b.FeasibilitySamples)
	b.RelevanceThreshold = envOrDefaultFloat("POLICY_GUARD_RELEVANCE_THRESHOLD", b.RelevanceThreshold)
	b.FeasibilityThreshold = envOrDefaultFloat("POLICY_GUARD_FEASIBILITY_THRESHOLD", b.FeasibilityThreshold)
	b.OutputPath = envOrDefault("POLICY_GUARD_OUTPUT", b.OutputPath)
	b.Module = envOrDefault("POLICY_GUARD_MODULE", b.Module)
	b.RuntimeVersion = envOrDefault("POLICY_GUARD_RUNTIME_VERSION", b.RuntimeVersion)
	b.RuntimeDir = envOrDefault("POLICY_GUARD_RUNTIME_DIR", b.RuntimeDir)
	b.MaxToolImprovements = envOrDefaultInt("POLICY_GUARD_MAX_TOOL_IMPROVEMENTS", b.MaxToolImprovements)
	b.MaxTestGenTrials = envOrDefaultInt("POLICY_GUARD_MAX_TEST_GEN_TRIALS", b.MaxTestGenTrials)
	b.GoBin = envOrDefault("POLICY_GUARD_GO_BIN", b.GoBin)
	b.Debug = envOrDefaultBool("POLICY_GUARD_DEBUG", b.Debug)
	b.PublishProject = envOrDefault("POLICY_GUARD_PUBLISH_PROJECT", b.PublishProject)

	s := &c.Server
	s.GRPCPort = envOrDefault("POLICY_GUARD_PORT", s.GRPCPort)
	s.HTTPPort = envOrDefault("POLICY_GUARD_HTTP_PORT", s.HTTPPort)
	s.ManifestDir = envOrDefault("POLICY_GUARD_MANIFEST_DIR", s.ManifestDir)
	s.Watch = envOrDefaultBool("POLICY_GUARD_WATCH", s.Watch)
	if ms := envOrDefaultInt("POLICY_GUARD_EVAL_TIMEOUT_MS", 0); ms > 0 {
		s.EvalTimeout = time.Duration(ms) * time.Millisecond
	}
	s.ToolsAddr = envOrDefault("POLICY_GUARD_TOOLS_ADDR", s.ToolsAddr)
	s.ClickHouseDSN = os.Getenv("CLICKHOUSE_DSN")
	s.AuthMode = envOrDefault("POLICY_GUARD_AUTH_MODE", s.AuthMode)
	s.ShadowMode = envOrDefaultBool("POLICY_GUARD_SHADOW_MODE", s.ShadowMode)
	if sec := envOrDefaultInt("POLICY_GUARD_AUTH_CACHE_TTL_S", 0); sec > 0 {
		s.AuthCacheTTL = time.Duration(sec) * time.Second
	}
	s.AuthFailOpen = envOrDefaultBool("POLICY_GUARD_AUTH_FAIL_OPEN", s.AuthFailOpen)

	r := &c.Registry
	r.PostgresDSN = os.Getenv("POSTGRES_DSN")
	r.SQLitePath = envOrDefault("POLICY_GUARD_SPEC_DB", r.SQLitePath)
	if sec := envOrDefaultInt("POLICY_GUARD_SPEC_CACHE_TTL_S", 0); sec > 0 {
		r.CacheTTL = time.Duration(sec) * time.Second
	}
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envOrDefaultInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultVal
}

func envOrDefaultFloat(key string, defaultVal float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func envOrDefaultBool(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultVal
}

func envOrDefaultDuration(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}

// envOrDefaultList reads a comma-separated list.
func envOrDefaultList(key string, defaultVal []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
