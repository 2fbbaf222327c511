package cli

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"tidewater/internal/engine"
)

func NewRunCommand(_ *RootOptions) *cobra.Command {
	cfg := engine.Config{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a pipeline until a source finishes or the process is signalled",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runEngine(ctx, cfg)
		},
	}
	cmd.Flags().StringVarP(&cfg.PipelinePath, "pipeline", "p", "pipeline.yml", "pipeline file")
	cmd.Flags().StringVar(&cfg.ControlAddr, "control", ":7070", "control service address (empty disables)")
	cmd.Flags().StringVar(&cfg.MetricsAddr, "metrics", ":9100", "metrics address (empty disables)")
	return cmd
}

func runEngine(ctx context.Context, cfg engine.Config) error {
	e, err := engine.Bootstrap(ctx, cfg)
	if err != nil {
		return err
	}
	return e.Run(ctx)
}
