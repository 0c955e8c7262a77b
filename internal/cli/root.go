// Package cli implements the memtier command line.
package cli

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"github.com/spf13/cobra"

	"github.com/xtxerr/memtier/config"
	"github.com/xtxerr/memtier/internal/logging"
	scfg "github.com/xtxerr/memtier/internal/storage/config"
)

// Version is set at build time via ldflags.
var Version = "dev"

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigPath string
	Verbose    bool
	Format     string // "json" | "text"
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:     "memtier",
		Short:   "Resilient multi-tier memory store",
		Long:    "memtier stores agent memory across four tiers and keeps serving when tiers fail.",
		Version: Version,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return NewExitError(ExitCommandError,
					fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats))
			}
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "",
		"config file (default $"+config.ConfigEnvVar+" or ./"+config.DefaultConfigFile+")")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")

	cmd.AddCommand(NewSetupCommand(opts))
	cmd.AddCommand(NewRunCommand(opts))
	cmd.AddCommand(NewTestCommand(opts))
	cmd.AddCommand(NewHealthCommand(opts))
	cmd.AddCommand(NewShellCommand(opts))

	return cmd
}

// Execute runs the root command and returns the process exit code.
func Execute(args []string, stdout, stderr io.Writer) int {
	cmd := NewRootCommand()
	cmd.SetArgs(args)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)

	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return GetExitCode(err)
	}
	return ExitSuccess
}

// configPath resolves the config file: --config, then the environment,
// then the working directory. An empty result means defaults.
func (o *RootOptions) configPath() string {
	if o.ConfigPath != "" {
		return o.ConfigPath
	}
	if p := os.Getenv(config.ConfigEnvVar); p != "" {
		return p
	}
	if _, err := os.Stat(config.DefaultConfigFile); err == nil {
		return config.DefaultConfigFile
	}
	return ""
}

// loadConfig loads the configuration and initializes logging to stderr.
func (o *RootOptions) loadConfig(cmd *cobra.Command) (*scfg.Config, error) {
	path := o.configPath()

	cfg := scfg.DefaultConfig()
	if path != "" {
		loaded, err := scfg.Load(path)
		if err != nil {
			return nil, WrapExitError(ExitCommandError, "load config", err)
		}
		cfg = loaded
	}

	level, _ := logging.ParseLevel(cfg.Logging.Level)
	if o.Verbose {
		level = slog.LevelDebug
	}
	logging.InitWriter(cmd.ErrOrStderr(), level, cfg.Logging.JSON || o.Format == "json")

	if path == "" {
		logging.Component("cli").Debug("no config file, using defaults")
	} else {
		logging.Component("cli").Debug("config loaded", "path", path)
	}
	return cfg, nil
}

func (o *RootOptions) formatter(cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    o.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   o.Verbose,
	}
}
