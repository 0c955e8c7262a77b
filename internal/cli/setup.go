package cli

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/xtxerr/memtier/config"
	scfg "github.com/xtxerr/memtier/internal/storage/config"
)

// SetupOptions holds flags for the setup command.
type SetupOptions struct {
	*RootOptions
	Force bool
}

// IntegrationFile is the document setup writes for the agents that
// consume the store.
type IntegrationFile struct {
	Version      string            `yaml:"version" json:"version"`
	Contexts     map[string]string `yaml:"contexts" json:"contexts"`
	Agents       []string          `yaml:"agents" json:"agents"`
	MemoryConfig scfg.MemoryConfig `yaml:"memory_config" json:"memory_config"`
	Deployed     string            `yaml:"deployed" json:"deployed"`
}

// SetupResult reports what setup did.
type SetupResult struct {
	IntegrationPath string   `json:"integration_path"`
	Written         bool     `json:"written"`
	AgentDirs       []string `json:"agent_dirs"`
}

// NewSetupCommand creates the setup command.
func NewSetupCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SetupOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "setup",
		Short: "Provision directories and the integration file",
		Long: `Create the tier directories, one memory directory per configured agent,
and the memory integration file. Running setup again is safe: existing
directories are kept and the integration file is only rewritten with --force.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig(cmd)
			if err != nil {
				return err
			}
			res, err := Setup(cfg, opts.Force, time.Now())
			if err != nil {
				return WrapExitError(ExitCommandError, "setup failed", err)
			}
			return opts.formatter(cmd).Emit(res, func(w io.Writer) { renderSetup(w, res) })
		},
	}

	cmd.Flags().BoolVar(&opts.Force, "force", false, "rewrite the integration file if it exists")
	return cmd
}

// Setup creates the directory layout and writes the integration file.
func Setup(cfg *scfg.Config, force bool, now time.Time) (SetupResult, error) {
	res := SetupResult{IntegrationPath: cfg.IntegrationPath()}

	if err := cfg.EnsureDirectories(); err != nil {
		return res, err
	}
	for _, a := range cfg.Agents {
		res.AgentDirs = append(res.AgentDirs, cfg.AgentMemoryDir(a))
	}

	if _, err := os.Stat(res.IntegrationPath); err == nil && !force {
		return res, nil
	}

	doc := IntegrationFile{
		Version:      config.IntegrationVersion,
		Contexts:     cfg.Contexts,
		Agents:       cfg.Agents,
		MemoryConfig: cfg.Memory,
		Deployed:     now.UTC().Format(time.RFC3339),
	}
	data, err := yaml.Marshal(doc)
	if err != nil {
		return res, fmt.Errorf("encode integration file: %w", err)
	}
	if err := writeFileAtomic(res.IntegrationPath, data); err != nil {
		return res, err
	}
	res.Written = true
	return res, nil
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".setup-*")
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", path, err)
	}
	if err := os.Chmod(tmp.Name(), 0644); err != nil {
		return fmt.Errorf("chmod %s: %w", path, err)
	}
	return os.Rename(tmp.Name(), path)
}

func renderSetup(w io.Writer, res SetupResult) {
	if res.Written {
		fmt.Fprintf(w, "✓ Created config: %s\n\n", res.IntegrationPath)
	} else {
		fmt.Fprintf(w, "• Kept config: %s\n\n", res.IntegrationPath)
	}
	for _, dir := range res.AgentDirs {
		fmt.Fprintf(w, "✓ Agent memory: %s\n", filepath.Base(filepath.Dir(dir)))
	}
	fmt.Fprintf(w, "\n✓ Setup complete!\n")
}
