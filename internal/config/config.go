// Package config handles workflowd configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// searchPathsFunc is overridable in tests to avoid finding real config
// files on developer/deploy machines.
var searchPathsFunc = DefaultSearchPaths

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/workflowd/config.yaml, /config/config.yaml,
// /etc/workflowd/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "workflowd", "config.yaml"))
	}

	paths = append(paths, "/config/config.yaml") // Container convention
	paths = append(paths, "/etc/workflowd/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches searchPathsFunc() and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	paths := searchPathsFunc()
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", paths)
}

// Config holds all workflowd configuration.
type Config struct {
	Listen    ListenConfig    `yaml:"listen"`
	Webhook   WebhookConfig   `yaml:"webhook"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Broadcast BroadcastConfig `yaml:"broadcast"`
	DataDir   string          `yaml:"data_dir"`
	LogLevel  string          `yaml:"log_level"`
}

// ListenConfig defines the HTTP/AG-UI server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// WebhookConfig defines the message-queue webhook ingress settings.
type WebhookConfig struct {
	// MailboxWarnThreshold is the number of queued, undelivered messages
	// for a single correlation key above which a QueueOverflow warning
	// event is published (§4.7). Default 1000.
	MailboxWarnThreshold int `yaml:"mailbox_warn_threshold"`
}

// SchedulerConfig defines execution-scheduler tunables.
type SchedulerConfig struct {
	// DeadlockThreshold is how long a join may sit with fewer than the
	// expected number of arrived branches before a gateway.deadlock
	// advisory event is published (§4.9). Default 30s.
	DeadlockThreshold time.Duration `yaml:"deadlock_threshold"`
	// DeadlockSweepInterval is how often the background deadlock
	// detector re-checks open joins. Default 5s.
	DeadlockSweepInterval time.Duration `yaml:"deadlock_sweep_interval"`
}

// BroadcastConfig defines event-broadcaster tunables.
type BroadcastConfig struct {
	// SubscriberBufferSize bounds each subscriber's event channel.
	// Once full, the broadcaster drops the oldest queued event for that
	// subscriber and emits a warning event (§4.5). Default 256.
	SubscriberBufferSize int `yaml:"subscriber_buffer_size"`
}

// Load reads configuration from a YAML file, expands environment
// variables, applies defaults for any unset fields, and validates
// the result. After Load returns successfully, all fields are usable
// without additional nil/empty checks.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables (e.g., ${DATA_DIR}). Convenience for
	// container deployments; putting values directly in the file is the
	// recommended approach.
	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// applyDefaults fills in zero-value fields with sensible defaults.
// Called automatically by Load. After this, callers can read any field
// without checking for empty strings or zero values.
func (c *Config) applyDefaults() {
	if c.Listen.Port == 0 {
		c.Listen.Port = 8080
	}
	if c.DataDir == "" {
		c.DataDir = "./data"
	}
	if c.Webhook.MailboxWarnThreshold == 0 {
		c.Webhook.MailboxWarnThreshold = 1000
	}
	if c.Scheduler.DeadlockThreshold == 0 {
		c.Scheduler.DeadlockThreshold = 30 * time.Second
	}
	if c.Scheduler.DeadlockSweepInterval == 0 {
		c.Scheduler.DeadlockSweepInterval = 5 * time.Second
	}
	if c.Broadcast.SubscriberBufferSize == 0 {
		c.Broadcast.SubscriberBufferSize = 256
	}
}

// Validate checks that the configuration is internally consistent.
// It runs after applyDefaults, so it can assume defaults are populated.
// Returns an error describing the first problem found, or nil.
func (c *Config) Validate() error {
	if c.Listen.Port < 1 || c.Listen.Port > 65535 {
		return fmt.Errorf("listen.port %d out of range (1-65535)", c.Listen.Port)
	}
	if c.LogLevel != "" {
		if _, err := ParseLogLevel(c.LogLevel); err != nil {
			return err
		}
	}
	if c.Scheduler.DeadlockThreshold < 0 {
		return fmt.Errorf("scheduler.deadlock_threshold must be >= 0")
	}
	if c.Webhook.MailboxWarnThreshold < 0 {
		return fmt.Errorf("webhook.mailbox_warn_threshold must be >= 0")
	}
	return nil
}

// Default returns a default configuration suitable for local
// development. All defaults are already applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}
