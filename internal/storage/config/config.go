package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/xtxerr/memtier/config"
)

// MemoryDSN selects an in-process, non-persistent primary database.
const MemoryDSN = ":memory:"

// Config represents the complete memtier configuration.
type Config struct {
	// DataDir is the root that every relative path resolves against.
	DataDir string `yaml:"data_dir"`

	// Paths locates the on-disk tiers and provisioning targets.
	Paths PathsConfig `yaml:"paths"`

	// Primary configures the primary tier database.
	Primary PrimaryConfig `yaml:"primary"`

	// Contexts maps routing labels to primary-tier partition ids.
	Contexts map[string]string `yaml:"contexts"`

	// Agents lists the agents provisioned with a memory bank.
	Agents []string `yaml:"agents"`

	// Memory configures resilience, workers and caching.
	Memory MemoryConfig `yaml:"memory"`

	// Server configures the long-running "run" mode.
	Server ServerConfig `yaml:"server"`

	// Logging configures the global logger.
	Logging LoggingConfig `yaml:"logging"`
}

// PathsConfig locates directories. Relative paths are joined to DataDir.
type PathsConfig struct {
	Cache     string `yaml:"cache"`
	State     string `yaml:"state"`
	Agents    string `yaml:"agents"`
	Configs   string `yaml:"configs"`
	CaseFiles string `yaml:"case_files"`
}

// PrimaryConfig configures the primary tier.
type PrimaryConfig struct {
	// Enabled turns the primary tier on. When off, every write lands on a
	// fallback tier and the store reports degraded.
	Enabled bool `yaml:"enabled"`

	// DSN is the DuckDB database path. Empty means {state}/memory.duckdb;
	// ":memory:" keeps the database in process.
	DSN string `yaml:"dsn"`
}

// MemoryConfig configures the resilient store.
type MemoryConfig struct {
	MaxRetries                int  `yaml:"max_retries"`
	BaseDelayMs               int  `yaml:"base_delay_ms"`
	SyncIntervalSeconds       int  `yaml:"sync_interval_seconds"`
	HealthIntervalSeconds     int  `yaml:"health_interval_seconds"`
	CheckpointIntervalSeconds int  `yaml:"checkpoint_interval_seconds"`
	CacheTTLSeconds           int  `yaml:"cache_ttl_seconds"`
	MaxQueueSize              int  `yaml:"max_queue_size"`
	IntegrityCheckEnabled     bool `yaml:"integrity_check_enabled"`
	OperationTimeoutSeconds   int  `yaml:"operation_timeout_seconds"`
	QueryDefaultLimit         int  `yaml:"query_default_limit"`
}

// ServerConfig configures the HTTP API and status output of "run".
type ServerConfig struct {
	// Listen is the HTTP API address. Empty disables the API.
	Listen string `yaml:"listen"`

	// StatusIntervalSeconds is how often "run" prints a status line.
	StatusIntervalSeconds int `yaml:"status_interval_seconds"`
}

// LoggingConfig configures the global logger.
type LoggingConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// Load loads configuration from a YAML file over the defaults.
// JSON files load as well.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// DefaultConfig returns a configuration with the documented defaults.
func DefaultConfig() *Config {
	return &Config{
		DataDir: config.DefaultDataDir,
		Paths: PathsConfig{
			Cache:     config.DefaultCachePath,
			State:     config.DefaultStatePath,
			Agents:    config.DefaultAgentsPath,
			Configs:   config.DefaultConfigsPath,
			CaseFiles: config.DefaultCaseFilesPath,
		},
		Primary: PrimaryConfig{
			Enabled: true,
		},
		Contexts: map[string]string{
			"global":        config.DefaultGlobalContextID,
			"case_specific": config.DefaultCaseContextID,
		},
		Agents: append([]string(nil), config.DefaultAgents...),
		Memory: MemoryConfig{
			MaxRetries:                config.DefaultMaxRetries,
			BaseDelayMs:               int(config.DefaultBaseDelay / time.Millisecond),
			SyncIntervalSeconds:       config.DefaultSyncIntervalSec,
			HealthIntervalSeconds:     config.DefaultHealthIntervalSec,
			CheckpointIntervalSeconds: config.DefaultCheckpointIntervalSec,
			CacheTTLSeconds:           config.DefaultCacheTTLSec,
			MaxQueueSize:              config.DefaultMaxQueueSize,
			IntegrityCheckEnabled:     config.DefaultIntegrityCheck,
			OperationTimeoutSeconds:   config.DefaultOperationTimeoutSec,
			QueryDefaultLimit:         config.DefaultQueryLimit,
		},
		Server: ServerConfig{
			StatusIntervalSeconds: config.DefaultStatusIntervalSec,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// =============================================================================
// Durations
// =============================================================================

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }

// BaseDelay is the retry backoff unit.
func (m MemoryConfig) BaseDelay() time.Duration {
	return time.Duration(m.BaseDelayMs) * time.Millisecond
}

// SyncInterval is the promotion worker period.
func (m MemoryConfig) SyncInterval() time.Duration { return seconds(m.SyncIntervalSeconds) }

// HealthInterval is the health worker period.
func (m MemoryConfig) HealthInterval() time.Duration { return seconds(m.HealthIntervalSeconds) }

// CheckpointInterval is the emergency checkpoint period.
func (m MemoryConfig) CheckpointInterval() time.Duration {
	return seconds(m.CheckpointIntervalSeconds)
}

// CacheTTL is the cache entry lifetime; zero disables expiry.
func (m MemoryConfig) CacheTTL() time.Duration { return seconds(m.CacheTTLSeconds) }

// OperationTimeout bounds store and retrieve; zero means none.
func (m MemoryConfig) OperationTimeout() time.Duration {
	return seconds(m.OperationTimeoutSeconds)
}

// StatusInterval is how often "run" prints its status line.
func (s ServerConfig) StatusInterval() time.Duration { return seconds(s.StatusIntervalSeconds) }

// =============================================================================
// Paths
// =============================================================================

func (c *Config) resolve(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.DataDir, p)
}

// CacheDir returns the secondary tier directory.
func (c *Config) CacheDir() string { return c.resolve(c.Paths.Cache) }

// StateDir returns the directory holding database, journal and checkpoint.
func (c *Config) StateDir() string { return c.resolve(c.Paths.State) }

// AgentsDir returns the root of the agent memory banks.
func (c *Config) AgentsDir() string { return c.resolve(c.Paths.Agents) }

// ConfigsDir returns the directory setup writes the integration file to.
func (c *Config) ConfigsDir() string { return c.resolve(c.Paths.Configs) }

// CaseFilesDir returns the case material directory.
func (c *Config) CaseFilesDir() string { return c.resolve(c.Paths.CaseFiles) }

// AgentMemoryDir returns the memory directory of one agent.
func (c *Config) AgentMemoryDir(agent string) string {
	return filepath.Join(c.AgentsDir(), agent, "memory")
}

// PrimaryDSN returns the DuckDB DSN. An empty string opens an in-memory
// database.
func (c *Config) PrimaryDSN() string {
	switch c.Primary.DSN {
	case "":
		return filepath.Join(c.StateDir(), "memory.duckdb")
	case MemoryDSN:
		return ""
	default:
		return c.resolve(c.Primary.DSN)
	}
}

// JournalPath is where pending promotions are persisted across restarts.
func (c *Config) JournalPath() string { return filepath.Join(c.StateDir(), "sync-queue.pb") }

// CheckpointPath is where the emergency tier is checkpointed.
func (c *Config) CheckpointPath() string {
	return filepath.Join(c.StateDir(), "volatile.parquet")
}

// IntegrationPath is the file written by setup.
func (c *Config) IntegrationPath() string {
	return filepath.Join(c.ConfigsDir(), config.IntegrationFileName)
}

// ContextID maps a routing label to its partition id. Unknown labels map
// to the global partition.
func (c *Config) ContextID(label string) string {
	if id, ok := c.Contexts[label]; ok && id != "" {
		return id
	}
	if id, ok := c.Contexts[config.DefaultContext]; ok && id != "" {
		return id
	}
	return config.DefaultGlobalContextID
}
