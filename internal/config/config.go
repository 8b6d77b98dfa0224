// Package config holds process-level configuration for a memory node.
//
// Values come from viper, which merges flags, AGENT_MEMORY_* environment
// variables, an optional memory.config.yaml and the defaults below. The
// resolved Config is passed explicitly to every component that needs it;
// nothing reads viper after Load returns.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

// ErrConfigInvalid marks a value that was rejected and replaced. It is never
// fatal: the corrected Config is safe to use.
var ErrConfigInvalid = errors.New("invalid configuration value")

// Viper keys. Each maps to an env var with the AGENT_MEMORY_ prefix
// (e.g. "node_id" -> AGENT_MEMORY_NODE_ID).
const (
	KeyNodeID              = "node_id"
	KeyDataDir             = "data_dir"
	KeyDB                  = "db"
	KeyEnforceCheck        = "enforce_check"
	KeyConflictTimeoutSecs = "conflict_timeout_secs"
	KeyAIMaxRetries        = "ai_max_retries"
	KeyAIRetryBackoffMS    = "ai_retry_backoff_ms"
	KeyAIProvider          = "ai_provider"
	KeyAIModel             = "ai_model"
	KeyAIBaseURL           = "ai_base_url"
	KeyAIStrategy          = "ai_strategy"
	KeyConcurrentWindow    = "concurrent_window_secs"
	KeyBreakerFailures     = "breaker_failures"
)

const (
	EnvPrefix                  = "AGENT_MEMORY"
	DefaultConflictTimeoutSecs = 30
	DefaultAIMaxRetries        = 2
	DefaultAIRetryBackoffMS    = 500
	DefaultAIStrategy          = "smart_merge"
	DefaultConcurrentWindow    = 5
	DefaultBreakerFailures     = 5
)

// Config is the resolved configuration of one node.
type Config struct {
	NodeID  string
	DataDir string
	DBPath  string // empty means derived from the workspace scope

	// EnforceCheck is always true after Validate. There is no way to turn
	// the conflict check off.
	EnforceCheck bool

	ConflictTimeoutSecs int
	AIMaxRetries        int
	AIRetryBackoff      time.Duration
	AIProvider          string // none | ollama | openai
	AIModel             string
	AIBaseURL           string
	AIStrategy          string
	BreakerFailures     int

	// ConcurrentWindow flags conflicts whose writes landed close together.
	ConcurrentWindow time.Duration
}

// Default returns a validated configuration with built-in defaults.
func Default() Config {
	return Config{
		NodeID:              defaultNodeID(),
		DataDir:             defaultDataDir(),
		EnforceCheck:        true,
		ConflictTimeoutSecs: DefaultConflictTimeoutSecs,
		AIMaxRetries:        DefaultAIMaxRetries,
		AIRetryBackoff:      DefaultAIRetryBackoffMS * time.Millisecond,
		AIProvider:          "none",
		AIStrategy:          DefaultAIStrategy,
		BreakerFailures:     DefaultBreakerFailures,
		ConcurrentWindow:    DefaultConcurrentWindow * time.Second,
	}
}

// SetDefaults registers defaults and env binding on v.
func SetDefaults(v *viper.Viper) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	v.SetDefault(KeyEnforceCheck, true)
	v.SetDefault(KeyConflictTimeoutSecs, DefaultConflictTimeoutSecs)
	v.SetDefault(KeyAIMaxRetries, DefaultAIMaxRetries)
	v.SetDefault(KeyAIRetryBackoffMS, DefaultAIRetryBackoffMS)
	v.SetDefault(KeyAIProvider, "none")
	v.SetDefault(KeyAIStrategy, DefaultAIStrategy)
	v.SetDefault(KeyConcurrentWindow, DefaultConcurrentWindow)
	v.SetDefault(KeyBreakerFailures, DefaultBreakerFailures)
}

// Load reads configuration from v and returns a validated Config.
// Corrections are logged by Validate and do not fail the load.
func Load(v *viper.Viper) (*Config, error) {
	SetDefaults(v)

	cfg := &Config{
		NodeID:              v.GetString(KeyNodeID),
		DataDir:             v.GetString(KeyDataDir),
		DBPath:              v.GetString(KeyDB),
		EnforceCheck:        v.GetBool(KeyEnforceCheck),
		ConflictTimeoutSecs: v.GetInt(KeyConflictTimeoutSecs),
		AIMaxRetries:        v.GetInt(KeyAIMaxRetries),
		AIRetryBackoff:      time.Duration(v.GetInt(KeyAIRetryBackoffMS)) * time.Millisecond,
		AIProvider:          v.GetString(KeyAIProvider),
		AIModel:             v.GetString(KeyAIModel),
		AIBaseURL:           v.GetString(KeyAIBaseURL),
		AIStrategy:          v.GetString(KeyAIStrategy),
		BreakerFailures:     v.GetInt(KeyBreakerFailures),
		ConcurrentWindow:    time.Duration(v.GetInt(KeyConcurrentWindow)) * time.Second,
	}
	if cfg.NodeID == "" {
		cfg.NodeID = defaultNodeID()
	}
	if cfg.DataDir == "" {
		cfg.DataDir = defaultDataDir()
	}

	if err := cfg.Validate(); err != nil && !errors.Is(err, ErrConfigInvalid) {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate replaces values that must not take effect and logs a warning for
// each. The returned error wraps ErrConfigInvalid when anything was changed.
func (c *Config) Validate() error {
	var errs []error
	fix := func(key string, bad, good any) {
		log.Warn().
			Str("key", key).
			Interface("value", bad).
			Interface("corrected", good).
			Msg("configuration value overridden")
		errs = append(errs, fmt.Errorf("%w: %s=%v", ErrConfigInvalid, key, bad))
	}

	if !c.EnforceCheck {
		fix(KeyEnforceCheck, false, true)
		c.EnforceCheck = true
	}
	if c.ConflictTimeoutSecs <= 0 {
		fix(KeyConflictTimeoutSecs, c.ConflictTimeoutSecs, DefaultConflictTimeoutSecs)
		c.ConflictTimeoutSecs = DefaultConflictTimeoutSecs
	}
	if c.AIMaxRetries <= 0 {
		fix(KeyAIMaxRetries, c.AIMaxRetries, DefaultAIMaxRetries)
		c.AIMaxRetries = DefaultAIMaxRetries
	}
	if c.AIRetryBackoff < 0 {
		fix(KeyAIRetryBackoffMS, c.AIRetryBackoff, DefaultAIRetryBackoffMS*time.Millisecond)
		c.AIRetryBackoff = DefaultAIRetryBackoffMS * time.Millisecond
	}
	if c.BreakerFailures <= 0 {
		fix(KeyBreakerFailures, c.BreakerFailures, DefaultBreakerFailures)
		c.BreakerFailures = DefaultBreakerFailures
	}
	if c.ConcurrentWindow < 0 {
		fix(KeyConcurrentWindow, c.ConcurrentWindow, 0)
		c.ConcurrentWindow = 0
	}
	switch strings.ToLower(c.AIProvider) {
	case "", "none":
		c.AIProvider = "none"
	case "ollama", "openai":
		c.AIProvider = strings.ToLower(c.AIProvider)
	default:
		fix(KeyAIProvider, c.AIProvider, "none")
		c.AIProvider = "none"
	}
	if c.NodeID == "" {
		return errors.New("node_id must not be empty")
	}

	return errors.Join(errs...)
}

// ConflictTimeout is the per-attempt bound on the AI merge provider call.
func (c Config) ConflictTimeout() time.Duration {
	return time.Duration(c.ConflictTimeoutSecs) * time.Second
}

// ScopeFilePath returns the workspace scope file under dir.
func ScopeFilePath(dir string) string {
	return filepath.Join(dir, ".agent-memory", "scope.yaml")
}

// ScopeDBPath returns the database path for a workspace scope.
func (c Config) ScopeDBPath(scopeID string) string {
	return filepath.Join(c.DataDir, scopeID, "memory.db")
}

func defaultNodeID() string {
	if h, err := os.Hostname(); err == nil && h != "" {
		return h
	}
	return "local"
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".agent-memory"
	}
	return filepath.Join(home, ".agent-memory")
}
