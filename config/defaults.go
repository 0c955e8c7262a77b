// Package config provides configuration defaults for memtier.
//
// This package defines all configurable constants with documented defaults.
// Users can override these values via memtier.yaml.
package config

import "time"

// =============================================================================
// Layout Defaults
// =============================================================================

const (
	// DefaultConfigFile is looked up in the working directory when neither
	// --config nor MEMTIER_CONFIG is given.
	DefaultConfigFile = "memtier.yaml"

	// ConfigEnvVar names the environment variable holding a config path.
	ConfigEnvVar = "MEMTIER_CONFIG"

	// DefaultDataDir is the root that relative paths resolve against.
	// Override via config: data_dir
	DefaultDataDir = "."

	// DefaultCachePath holds the secondary tier's record envelopes.
	// Override via config: paths.cache
	DefaultCachePath = "omni-kernel/core/state/cache"

	// DefaultStatePath holds the primary database, the sync journal and the
	// volatile checkpoint.
	// Override via config: paths.state
	DefaultStatePath = "omni-kernel/core/state"

	// DefaultAgentsPath is the root of the per-agent memory banks.
	// Override via config: paths.agents
	DefaultAgentsPath = "agents"

	// DefaultConfigsPath receives the integration file written by setup.
	// Override via config: paths.configs
	DefaultConfigsPath = "omni-kernel/configs"

	// DefaultCaseFilesPath is provisioned by setup for case material.
	// Override via config: paths.case_files
	DefaultCaseFilesPath = "case-files"

	// IntegrationFileName is written under the configs path by setup.
	IntegrationFileName = "memory-integration.yaml"

	// IntegrationVersion is stamped into the integration file.
	IntegrationVersion = "1.0.0"
)

// =============================================================================
// Context Defaults
// =============================================================================

const (
	// DefaultContext is the routing label used when a caller gives none.
	DefaultContext = "global"

	// DefaultGlobalContextID partitions the primary tier for "global".
	// Override via config: contexts.global
	DefaultGlobalContextID = "LFVBLPUL3N8N8K2FLYGCSCKMSMSRHSG9"

	// DefaultCaseContextID partitions the primary tier for "case_specific".
	// Override via config: contexts.case_specific
	DefaultCaseContextID = "yD4IKCdlI0VCXlfD4xLT1x5D0dEU9Hd1"
)

// DefaultAgents lists the agents that get a memory bank on setup.
// Override via config: agents
var DefaultAgents = []string{
	"forensic-analyst",
	"legal-automation",
	"device-repair",
	"malware-detection",
	"data-recovery",
	"chain-of-custody",
	"adversarial-analysis",
	"documentation",
	"integration-orchestrator",
}

// =============================================================================
// Resilience Defaults
// =============================================================================

const (
	// DefaultMaxRetries is the number of attempts against the primary tier
	// before the fallback chain is entered.
	// Override via config: memory.max_retries
	DefaultMaxRetries = 3

	// DefaultBaseDelay is the backoff unit. Attempt n waits BaseDelay * 2^n.
	// Override via config: memory.base_delay_ms
	DefaultBaseDelay = time.Second

	// DefaultOperationTimeoutSec bounds a single store or retrieve.
	// Zero means callers' contexts are the only deadline.
	// Override via config: memory.operation_timeout_seconds
	DefaultOperationTimeoutSec = 0

	// DefaultIntegrityCheck enables hash verification on every read.
	// Override via config: memory.integrity_check_enabled
	DefaultIntegrityCheck = true
)

// =============================================================================
// Worker Defaults
// =============================================================================

const (
	// DefaultSyncIntervalSec is how often pending promotions are replayed
	// into the primary tier.
	// Override via config: memory.sync_interval_seconds
	DefaultSyncIntervalSec = 300

	// DefaultHealthIntervalSec is how often every tier is re-probed.
	// Override via config: memory.health_interval_seconds
	DefaultHealthIntervalSec = 60

	// DefaultCheckpointIntervalSec is how often the emergency tier is written
	// to its Parquet checkpoint.
	// Override via config: memory.checkpoint_interval_seconds
	DefaultCheckpointIntervalSec = 60

	// DefaultMaxQueueSize bounds pending promotions. New entries are
	// rejected once the queue is full.
	// Range: 1-1000000
	// Override via config: memory.max_queue_size
	DefaultMaxQueueSize = 1000
)

// =============================================================================
// Cache & Query Defaults
// =============================================================================

const (
	// DefaultCacheTTLSec is how long a cached record is served without
	// going back to the tiers. Zero disables expiry.
	// Override via config: memory.cache_ttl_seconds
	DefaultCacheTTLSec = 3600

	// DefaultQueryLimit applies when a query asks for zero or fewer results.
	// Override via config: memory.query_default_limit
	DefaultQueryLimit = 50
)

// =============================================================================
// Server Defaults
// =============================================================================

const (
	// DefaultListenAddress is used by "run --listen" without an address.
	// An empty server.listen keeps the HTTP API off.
	DefaultListenAddress = "127.0.0.1:9170"

	// DefaultStatusIntervalSec is how often "run" prints the status line.
	// Override via config: server.status_interval_seconds
	DefaultStatusIntervalSec = 10

	// DefaultShutdownTimeoutSec bounds the HTTP server drain on shutdown.
	DefaultShutdownTimeoutSec = 10
)
