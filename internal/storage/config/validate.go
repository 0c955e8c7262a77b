package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/xtxerr/memtier/internal/errors"
	"github.com/xtxerr/memtier/internal/logging"
)

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	verrs := errors.NewValidationErrors()

	if c.DataDir == "" {
		verrs.AddMissing("data_dir")
	}

	if err := c.Paths.Validate(); err != nil {
		verrs.Add(fmt.Errorf("paths: %w", err))
	}

	if c.Contexts[globalLabel] == "" {
		verrs.AddMissing("contexts.global")
	}

	seen := make(map[string]bool, len(c.Agents))
	for _, a := range c.Agents {
		switch {
		case a == "" || strings.ContainsAny(a, `/\:`) || a == "." || a == "..":
			verrs.AddField("agents", fmt.Sprintf("%q is not a usable directory name", a))
		case seen[a]:
			verrs.AddField("agents", fmt.Sprintf("duplicate agent %q", a))
		}
		seen[a] = true
	}

	if err := c.Memory.Validate(); err != nil {
		verrs.Add(fmt.Errorf("memory: %w", err))
	}

	if err := c.Server.Validate(); err != nil {
		verrs.Add(fmt.Errorf("server: %w", err))
	}

	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		verrs.AddField("logging.level", err.Error())
	}

	return verrs.Err()
}

const globalLabel = "global"

// Validate checks that every path is set.
func (p *PathsConfig) Validate() error {
	var errs []error
	for name, v := range map[string]string{
		"cache":      p.Cache,
		"state":      p.State,
		"agents":     p.Agents,
		"configs":    p.Configs,
		"case_files": p.CaseFiles,
	} {
		if v == "" {
			errs = append(errs, errors.NewMissingField(name))
		}
	}
	return errors.Join(errs...)
}

// Validate checks the memory configuration.
func (m *MemoryConfig) Validate() error {
	var errs []error

	if m.MaxRetries < 1 {
		errs = append(errs, errors.NewValidation("max_retries", "must be at least 1"))
	}
	if m.BaseDelayMs < 0 {
		errs = append(errs, errors.NewValidation("base_delay_ms", "must not be negative"))
	}
	if m.SyncIntervalSeconds <= 0 {
		errs = append(errs, errors.NewValidation("sync_interval_seconds", "must be positive"))
	}
	if m.HealthIntervalSeconds <= 0 {
		errs = append(errs, errors.NewValidation("health_interval_seconds", "must be positive"))
	}
	if m.CheckpointIntervalSeconds <= 0 {
		errs = append(errs, errors.NewValidation("checkpoint_interval_seconds", "must be positive"))
	}
	if m.CacheTTLSeconds < 0 {
		errs = append(errs, errors.NewValidation("cache_ttl_seconds", "must not be negative"))
	}
	if m.MaxQueueSize < 1 || m.MaxQueueSize > 1_000_000 {
		errs = append(errs, errors.NewValidation("max_queue_size", "must be between 1 and 1000000"))
	}
	if m.OperationTimeoutSeconds < 0 {
		errs = append(errs, errors.NewValidation("operation_timeout_seconds", "must not be negative"))
	}
	if m.QueryDefaultLimit < 1 {
		errs = append(errs, errors.NewValidation("query_default_limit", "must be positive"))
	}

	return errors.Join(errs...)
}

// Validate checks the server configuration.
func (s *ServerConfig) Validate() error {
	if s.StatusIntervalSeconds <= 0 {
		return errors.NewValidation("status_interval_seconds", "must be positive")
	}
	return nil
}

// EnsureDirectories creates the tier directories and one memory directory
// per configured agent.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		c.CacheDir(),
		c.StateDir(),
		c.AgentsDir(),
		c.ConfigsDir(),
		c.CaseFilesDir(),
	}
	for _, a := range c.Agents {
		dirs = append(dirs, c.AgentMemoryDir(a))
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}

	return nil
}
