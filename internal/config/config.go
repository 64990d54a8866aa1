// Package config loads the usersweep YAML configuration: named
// environments with their API endpoints and rate-limit settings, plus the
// checkpoint directory.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kettleops/usersweep/internal/engine/ratelimit"
)

// Environment variable overrides.
const (
	// EnvCheckpointDir overrides the checkpoint directory.
	EnvCheckpointDir = "USERSWEEP_CHECKPOINT_DIR"
	// EnvConfigPath overrides the config file location.
	EnvConfigPath = "USERSWEEP_CONFIG"
)

// Common configuration errors.
var (
	ErrUnknownEnvironment = errors.New("unknown environment")
	ErrMissingBaseURL     = errors.New("environment has no base_url")
	ErrMissingToken       = errors.New("API token is not set")
)

// RateLimitSettings overrides the limiter's pacing intervals, in
// milliseconds. Zero values keep the defaults.
type RateLimitSettings struct {
	MinIntervalMS      int `yaml:"min_interval_ms"`
	DefaultIntervalMS  int `yaml:"default_interval_ms"`
	CautiousIntervalMS int `yaml:"cautious_interval_ms"`
}

// Environment is one named target of bulk operations.
type Environment struct {
	BaseURL string `yaml:"base_url"`
	// TokenEnv names the environment variable holding the API token.
	// Tokens never live in the config file.
	TokenEnv     string             `yaml:"token_env"`
	Conservative bool               `yaml:"conservative"`
	RateLimit    *RateLimitSettings `yaml:"rate_limit,omitempty"`
}

// Config is the top-level usersweep configuration.
type Config struct {
	DefaultEnvironment string                 `yaml:"default_environment"`
	CheckpointDir      string                 `yaml:"checkpoint_dir"`
	Environments       map[string]Environment `yaml:"environments"`
}

// DefaultPath returns the conventional config file location.
func DefaultPath() string {
	if env := os.Getenv(EnvConfigPath); env != "" {
		return env
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "usersweep.yaml"
	}
	return filepath.Join(home, ".usersweep", "config.yaml")
}

// Load reads the configuration from path, falling back to DefaultPath
// when path is empty. A missing file yields an empty config with
// defaults, not an error; operators can run with flags alone.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultPath()
	}

	cfg := &Config{}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyDefaults()
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	cfg.applyDefaults()
	return cfg, nil
}

// applyDefaults fills unset fields and applies env-var overrides.
func (c *Config) applyDefaults() {
	if c.DefaultEnvironment == "" {
		c.DefaultEnvironment = "dev"
	}
	if dir := os.Getenv(EnvCheckpointDir); dir != "" {
		c.CheckpointDir = dir
	}
	if c.CheckpointDir == "" {
		home, err := os.UserHomeDir()
		if err == nil {
			c.CheckpointDir = filepath.Join(home, ".usersweep", "checkpoints")
		} else {
			c.CheckpointDir = ".checkpoints"
		}
	}
}

// Environment resolves a named environment, falling back to the default
// when name is empty.
func (c *Config) Environment(name string) (string, Environment, error) {
	if name == "" {
		name = c.DefaultEnvironment
	}
	env, ok := c.Environments[name]
	if !ok {
		return name, Environment{}, fmt.Errorf("%w: %q", ErrUnknownEnvironment, name)
	}
	if env.BaseURL == "" {
		return name, Environment{}, fmt.Errorf("%w: %q", ErrMissingBaseURL, name)
	}
	return name, env, nil
}

// Token reads the environment's API token from its configured variable.
func (e Environment) Token() (string, error) {
	name := e.TokenEnv
	if name == "" {
		name = "USERSWEEP_TOKEN"
	}
	token := os.Getenv(name)
	if token == "" {
		return "", fmt.Errorf("%w: set %s", ErrMissingToken, name)
	}
	return token, nil
}

// LimiterOptions builds the rate limiter options for this environment.
func (e Environment) LimiterOptions() []ratelimit.Option {
	var opts []ratelimit.Option
	if e.Conservative {
		opts = append(opts, ratelimit.Conservative())
	}
	if rl := e.RateLimit; rl != nil && rl.MinIntervalMS > 0 && rl.DefaultIntervalMS > 0 && rl.CautiousIntervalMS > 0 {
		opts = append(opts, ratelimit.WithIntervals(
			time.Duration(rl.MinIntervalMS)*time.Millisecond,
			time.Duration(rl.DefaultIntervalMS)*time.Millisecond,
			time.Duration(rl.CautiousIntervalMS)*time.Millisecond,
		))
	}
	return opts
}
