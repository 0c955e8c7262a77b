package cli

import (
	"context"
	"io"

	"github.com/spf13/cobra"

	"github.com/xtxerr/memtier/internal/storage"
	"github.com/xtxerr/memtier/internal/storage/health"
)

// HealthResult is the JSON form of the health command.
type HealthResult struct {
	Report  health.Report   `json:"health"`
	Metrics storage.Metrics `json:"metrics"`
}

// NewHealthCommand creates the health command.
func NewHealthCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Probe every tier once and print the report",
		Long: `Open every tier, probe it once and print per-tier liveness, the overall
status and storage sizes. No background workers are started. A degraded
status is reported, not treated as a failure.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := rootOpts.loadConfig(cmd)
			if err != nil {
				return err
			}
			svc, err := storage.Open(cfg)
			if err != nil {
				return WrapExitError(ExitCommandError, "open memory system", err)
			}
			defer svc.Close()

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			res := HealthResult{Report: svc.Health(ctx), Metrics: svc.Metrics()}
			return rootOpts.formatter(cmd).Emit(res, func(w io.Writer) {
				RenderHealth(w, res.Report, res.Metrics)
			})
		},
	}
}
