package cli

import (
	"fmt"
	"slices"

	"github.com/spf13/cobra"

	"tidewater/internal/logging"
)

type RootOptions struct {
	LogLevel string
	LogJSON  bool
	Format   string // "text" | "json"
}

var ValidFormats = []string{"text", "json"}

func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "tidewater",
		Short: "tidewater - pull/push connector runtime with contraflow acks",
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			logging.InitFromEnv()
			if cmd.Flags().Changed("log-level") || cmd.Flags().Changed("log-json") {
				logging.Configure(logging.Options{Level: opts.LogLevel, JSON: opts.LogJSON, Out: cmd.ErrOrStderr()})
			}
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", "info", "debug|info|warn|error (overrides TIDEWATER_LOG_LEVEL)")
	cmd.PersistentFlags().BoolVar(&opts.LogJSON, "log-json", false, "JSON log output (overrides TIDEWATER_LOG_JSON)")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")

	cmd.AddCommand(NewRunCommand(opts))
	cmd.AddCommand(NewValidateCommand(opts))
	cmd.AddCommand(NewKindsCommand(opts))
	cmd.AddCommand(NewStatusCommand(opts))
	cmd.AddCommand(NewStopCommand(opts))
	return cmd
}
