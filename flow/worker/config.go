// Package worker runs the orchestrator worker process: it claims run
// jobs from the durable queue, executes them through the flow runner,
// heartbeats its claims, bridges persisted cancellation requests into
// in-flight runs, and prunes expired data.
package worker

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config controls one worker process. YAML fields load from a config
// file; environment variables override both the file and the defaults.
type Config struct {
	// WorkerID identifies this process in job locks and the workers
	// table. Empty gets a generated id.
	WorkerID string `yaml:"worker_id"`

	// Concurrency is the number of runs executed simultaneously.
	Concurrency int `yaml:"concurrency"`

	// PollInterval is the queue poll cadence.
	PollInterval time.Duration `yaml:"poll_interval"`

	// LockDuration is how long a claimed job stays locked without a
	// heartbeat before another worker may steal it.
	LockDuration time.Duration `yaml:"lock_duration"`

	// HeartbeatInterval is the cadence for lock renewal, worker
	// liveness, and the cancellation poll.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`

	// LeaseTTL is the resource lease lifetime handed to the runner.
	LeaseTTL time.Duration `yaml:"lease_ttl"`

	// RetentionDays is how long terminal runs are kept before pruning.
	RetentionDays int `yaml:"retention_days"`

	// RetentionInterval is how often the cleaner sweeps.
	RetentionInterval time.Duration `yaml:"retention_interval"`

	// AgentToolFallbackURL receives dispatches no registered agent can
	// serve. Empty disables the fallback.
	AgentToolFallbackURL string `yaml:"agent_tool_fallback_url"`

	// StrictEnvelope rejects agent responses without the status
	// envelope instead of treating the body as a legacy result.
	StrictEnvelope bool `yaml:"strict_envelope"`
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Concurrency:       4,
		PollInterval:      time.Second,
		LockDuration:      2 * time.Minute,
		HeartbeatInterval: 15 * time.Second,
		LeaseTTL:          5 * time.Minute,
		RetentionDays:     30,
		RetentionInterval: time.Hour,
	}
}

// LoadConfig reads a YAML config file over the defaults, then applies
// environment overrides. A missing path loads defaults plus env.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path) // #nosec G304 -- operator-supplied path
		if err != nil {
			return cfg, fmt.Errorf("failed to read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	return cfg.validate()
}

func (c *Config) applyEnv() {
	if v := os.Getenv("WORKER_ID"); v != "" {
		c.WorkerID = v
	}
	if n, ok := envInt("WORKER_CONCURRENCY"); ok {
		c.Concurrency = n
	}
	if n, ok := envInt("POLL_INTERVAL_MS"); ok {
		c.PollInterval = time.Duration(n) * time.Millisecond
	}
	if n, ok := envInt("LOCK_DURATION_SECONDS"); ok {
		c.LockDuration = time.Duration(n) * time.Second
	}
	if n, ok := envInt("HEARTBEAT_INTERVAL_SECONDS"); ok {
		c.HeartbeatInterval = time.Duration(n) * time.Second
	}
	if n, ok := envInt("LEASE_TTL_SECONDS"); ok {
		c.LeaseTTL = time.Duration(n) * time.Second
	}
	if n, ok := envInt("RETENTION_DAYS"); ok {
		c.RetentionDays = n
	}
	if v := os.Getenv("AGENT_TOOL_FALLBACK_URL"); v != "" {
		c.AgentToolFallbackURL = v
	}
	if v := os.Getenv("STRICT_ENVELOPE"); v != "" {
		c.StrictEnvelope = v == "1" || v == "true" || v == "yes"
	}
}

func envInt(name string) (int, bool) {
	v := os.Getenv(name)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

func (c Config) validate() (Config, error) {
	if c.Concurrency <= 0 {
		return c, fmt.Errorf("concurrency must be positive, got %d", c.Concurrency)
	}
	if c.PollInterval <= 0 {
		return c, fmt.Errorf("poll_interval must be positive, got %s", c.PollInterval)
	}
	if c.HeartbeatInterval <= 0 || c.HeartbeatInterval >= c.LockDuration {
		return c, fmt.Errorf("heartbeat_interval (%s) must be positive and shorter than lock_duration (%s)",
			c.HeartbeatInterval, c.LockDuration)
	}
	if c.RetentionDays <= 0 {
		return c, fmt.Errorf("retention_days must be positive, got %d", c.RetentionDays)
	}
	return c, nil
}
