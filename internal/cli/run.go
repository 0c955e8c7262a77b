package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/xtxerr/memtier/config"
	"github.com/xtxerr/memtier/internal/agentmem"
	"github.com/xtxerr/memtier/internal/logging"
	"github.com/xtxerr/memtier/internal/server"
	"github.com/xtxerr/memtier/internal/storage"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	Listen string
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the background workers and serve until interrupted",
		Long: `Open every tier, start the sync, health and checkpoint workers and print
a status line periodically. With --listen the HTTP API is served as well.
SIGINT or SIGTERM stops the workers, saves pending promotions and writes
the emergency checkpoint.

Example:
  memtier run
  memtier run --listen 127.0.0.1:9170`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSystem(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Listen, "listen", "", "serve the HTTP API on this address")
	cmd.Flags().Lookup("listen").NoOptDefVal = config.DefaultListenAddress
	return cmd
}

func runSystem(opts *RunOptions, cmd *cobra.Command) error {
	cfg, err := opts.loadConfig(cmd)
	if err != nil {
		return err
	}
	log := logging.Component("cli")
	out := cmd.OutOrStdout()
	f := opts.formatter(cmd)

	svc, err := storage.Open(cfg)
	if err != nil {
		return WrapExitError(ExitCommandError, "open memory system", err)
	}
	defer func() {
		if err := svc.Close(); err != nil {
			log.Error("close memory system", "error", err)
		}
	}()

	if err := svc.Start(); err != nil {
		return WrapExitError(ExitCommandError, "start memory system", err)
	}

	for _, id := range cfg.Agents {
		if _, err := agentmem.New(id, svc); err != nil {
			return WrapExitError(ExitCommandError, "agent "+id, err)
		}
		if !f.JSON() {
			fmt.Fprintf(out, "✓ Agent ready: %s\n", id)
		}
	}

	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case sig := <-sigChan:
			log.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	listen := opts.Listen
	if listen == "" {
		listen = cfg.Server.Listen
	}
	serveErr := make(chan error, 1)
	var api *server.Server
	if listen != "" {
		apiCfg := server.DefaultConfig()
		apiCfg.Listen = listen
		api = server.New(apiCfg, svc)
		go func() { serveErr <- api.Run() }()
	}

	if !f.JSON() {
		fmt.Fprintf(out, "\n✓ System running! Press Ctrl+C to stop.\n\n")
	}

	tty := isTerminal(out)
	ticker := time.NewTicker(cfg.Server.StatusInterval())
	defer ticker.Stop()

	var runErr error
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case err := <-serveErr:
			if err != nil {
				runErr = WrapExitError(ExitCommandError, "http api", err)
			}
			break loop
		case <-ticker.C:
			printStatus(out, f, svc.Metrics(), tty)
		}
	}

	if api != nil {
		if err := api.Shutdown(context.Background()); err != nil {
			log.Error("http api shutdown", "error", err)
		}
	}
	if err := svc.Stop(); err != nil {
		log.Error("stop memory system", "error", err)
	}
	if !f.JSON() {
		if tty {
			fmt.Fprintln(out)
		}
		fmt.Fprintf(out, "\n✓ Shutdown complete.\n")
	}
	return runErr
}

func printStatus(w io.Writer, f *OutputFormatter, m storage.Metrics, tty bool) {
	switch {
	case f.JSON():
		line, err := json.Marshal(m)
		if err == nil {
			fmt.Fprintln(w, string(line))
		}
	case tty:
		fmt.Fprintf(w, "\r%s", StatusLine(m))
	default:
		fmt.Fprintln(w, StatusLine(m))
	}
}

// isTerminal reports whether w is a terminal.
func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}
