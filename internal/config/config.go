// Package config resolves the immutable runtime configuration from the
// environment, an optional config.yaml overlay under the gateway home dir,
// and built-in defaults. Environment always wins over the file; anything
// absent or invalid falls back to its default.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	DefaultServerURL     = "ws://127.0.0.1:8081"
	DefaultAuthToken     = "dev-token"
	DefaultMaxConcurrent = 2
	DefaultLogLevel      = "info"

	DefaultTokenBudget = 1200
	DefaultTopK        = 6

	// Clamp bounds for memory settings.
	MinTokenBudget = 200
	MaxTokenBudget = 6000
	MinTopK        = 1
	MaxTopK        = 50
)

// MemoryConfig holds the startup defaults for the memory subsystem. The
// memory manager owns the live (mutable) copy.
type MemoryConfig struct {
	Enabled             *bool `yaml:"enabled"`
	GatewayStoreEnabled *bool `yaml:"gateway_store_enabled"`
	RustStoreEnabled    *bool `yaml:"rust_store_enabled"`
	AutoWrite           *bool `yaml:"auto_write"`
	PromptInjection     *bool `yaml:"prompt_injection"`
	TokenBudget         int   `yaml:"token_budget"`
	RetrievalTopK       int   `yaml:"retrieval_top_k"`
	LLMExtractEnabled   *bool `yaml:"llm_extract_enabled"`
}

// Config is the resolved runtime configuration. Immutable after Load.
type Config struct {
	HomeDir string `yaml:"-"`

	ServerURL string `yaml:"server_url"`
	AuthToken string `yaml:"auth_token"`
	HostID    string `yaml:"host_id"`
	HostName  string `yaml:"host_name"`

	MaxConcurrent int    `yaml:"max_concurrent"`
	CWD           string `yaml:"cwd"`
	LogLevel      string `yaml:"log_level"`

	// AllowedProjectRoots restricts task working directories. Empty disables
	// the check: every working directory is accepted.
	AllowedProjectRoots []string `yaml:"allowed_project_roots"`

	// OpencodePort forces a fixed port for child runners. 0 lets the child
	// pick an ephemeral port.
	OpencodePort int `yaml:"opencode_port"`

	OtelEnable bool `yaml:"otel_enable"`

	Memory MemoryConfig `yaml:"memory"`
}

// HomeDir resolves the gateway data directory: $GATEWAY_HOME or ~/.go-gateway.
func HomeDir() (string, error) {
	if override := os.Getenv("GATEWAY_HOME"); override != "" {
		return override, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("config: resolve home dir: %w", err)
	}
	return filepath.Join(home, ".go-gateway"), nil
}

// Load resolves the full configuration. The config.yaml overlay under
// homeDir is optional; a missing file is not an error.
func Load(homeDir string) (*Config, error) {
	cfg := &Config{HomeDir: homeDir}

	path := filepath.Join(homeDir, "config.yaml")
	if data, err := os.ReadFile(path); err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	applyEnv(cfg)
	applyDefaults(cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("GATEWAY_SERVER_URL"); v != "" {
		cfg.ServerURL = v
	}
	if v := os.Getenv("GATEWAY_AUTH_TOKEN"); v != "" {
		cfg.AuthToken = v
	}
	if v := os.Getenv("GATEWAY_HOST_ID"); v != "" {
		cfg.HostID = v
	}
	if v := os.Getenv("GATEWAY_HOST_NAME"); v != "" {
		cfg.HostName = v
	}
	if v := os.Getenv("GATEWAY_MAX_CONCURRENT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.MaxConcurrent = n
		}
	}
	if v := os.Getenv("GATEWAY_CWD"); v != "" {
		cfg.CWD = v
	}
	if v := os.Getenv("GATEWAY_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("GATEWAY_ALLOWED_PROJECT_ROOTS"); v != "" {
		cfg.AllowedProjectRoots = splitRoots(v)
	}
	if v := os.Getenv("OPENCODE_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			cfg.OpencodePort = n
		}
	}
	if v := os.Getenv("GATEWAY_OTEL_ENABLE"); v != "" {
		cfg.OtelEnable = parseBool(v, cfg.OtelEnable)
	}

	m := &cfg.Memory
	envBool("MEMORY_ENABLE", &m.Enabled)
	envBool("MEMORY_GATEWAY_STORE_ENABLE", &m.GatewayStoreEnabled)
	envBool("MEMORY_RUST_STORE_ENABLE", &m.RustStoreEnabled)
	envBool("MEMORY_AUTO_WRITE_ENABLE", &m.AutoWrite)
	envBool("MEMORY_PROMPT_INJECTION_ENABLE", &m.PromptInjection)
	envBool("MEMORY_LLM_EXTRACT_ENABLE", &m.LLMExtractEnabled)
	if v := os.Getenv("MEMORY_INJECTION_TOKEN_BUDGET"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			m.TokenBudget = n
		}
	}
	if v := os.Getenv("MEMORY_RETRIEVAL_TOP_K"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			m.RetrievalTopK = n
		}
	}
}

func applyDefaults(cfg *Config) {
	if cfg.ServerURL == "" {
		cfg.ServerURL = DefaultServerURL
	}
	if cfg.AuthToken == "" {
		cfg.AuthToken = DefaultAuthToken
	}
	if cfg.HostName == "" {
		if hn, err := os.Hostname(); err == nil && hn != "" {
			cfg.HostName = hn
		} else {
			cfg.HostName = "unknown-host"
		}
	}
	if cfg.HostID == "" {
		cfg.HostID = "host-" + SanitizeName(cfg.HostName)
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = DefaultMaxConcurrent
	}
	if cfg.CWD == "" {
		if wd, err := os.Getwd(); err == nil {
			cfg.CWD = wd
		} else {
			cfg.CWD = "/"
		}
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = DefaultLogLevel
	}

	m := &cfg.Memory
	boolDefault(&m.Enabled, true)
	boolDefault(&m.GatewayStoreEnabled, true)
	boolDefault(&m.RustStoreEnabled, false)
	boolDefault(&m.AutoWrite, true)
	boolDefault(&m.PromptInjection, true)
	boolDefault(&m.LLMExtractEnabled, false)
	m.TokenBudget = ClampTokenBudget(m.TokenBudget)
	m.RetrievalTopK = ClampTopK(m.RetrievalTopK)
}

// SanitizeName lowercases and replaces anything outside [a-z0-9-] so the
// result is safe inside a host id.
func SanitizeName(name string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(strings.TrimSpace(name)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	out := strings.Trim(b.String(), "-")
	if out == "" {
		return "unknown"
	}
	return out
}

// ClampTokenBudget bounds a token budget to [200, 6000]. Zero or negative
// values fall back to the default.
func ClampTokenBudget(n int) int {
	if n <= 0 {
		return DefaultTokenBudget
	}
	if n < MinTokenBudget {
		return MinTokenBudget
	}
	if n > MaxTokenBudget {
		return MaxTokenBudget
	}
	return n
}

// ClampTopK bounds retrieval topK to [1, 50]. Zero or negative values fall
// back to the default.
func ClampTopK(n int) int {
	if n <= 0 {
		return DefaultTopK
	}
	if n > MaxTopK {
		return MaxTopK
	}
	return n
}

func splitRoots(raw string) []string {
	parts := strings.Split(raw, ",")
	roots := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			roots = append(roots, trimmed)
		}
	}
	return roots
}

func envBool(key string, dst **bool) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	b := parseBool(v, false)
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on", "0", "false", "no", "off":
		*dst = &b
	}
}

func boolDefault(dst **bool, fallback bool) {
	if *dst == nil {
		v := fallback
		*dst = &v
	}
}

func parseBool(raw string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}
