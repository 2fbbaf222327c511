package cli

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"tidewater/internal/transport"
	"tidewater/source"
)

const defaultControlAddr = "localhost:7070"

func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show per-connector counters of a running instance",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withClient(cmd.Context(), addr, func(ctx context.Context, cl *transport.Client) error {
				st, err := cl.Status(ctx)
				if err != nil {
					return err
				}
				return write(cmd.OutOrStdout(), rootOpts.Format, st, func(w io.Writer) {
					printStatus(w, st)
				})
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", defaultControlAddr, "control service address")
	return cmd
}

func NewStopCommand(_ *RootOptions) *cobra.Command {
	var (
		addr   string
		forced bool
	)
	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Ask a running instance to shut down",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			mode := source.ShutdownGraceful
			if forced {
				mode = source.ShutdownForced
			}
			return withClient(cmd.Context(), addr, func(ctx context.Context, cl *transport.Client) error {
				if err := cl.Stop(ctx, mode); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s stop requested\n", mode)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", defaultControlAddr, "control service address")
	cmd.Flags().BoolVar(&forced, "forced", false, "skip draining")
	return cmd
}

func withClient(ctx context.Context, addr string, fn func(context.Context, *transport.Client) error) error {
	cl, err := transport.Dial(addr)
	if err != nil {
		return err
	}
	defer cl.Close()
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return fn(ctx, cl)
}

func printStatus(w io.Writer, st map[string]any) {
	if srcs, ok := st["sources"].([]any); ok {
		for _, s := range srcs {
			m, _ := s.(map[string]any)
			fmt.Fprintf(w, "source %-12v pulls=%v in_flight=%v acks=%v fails=%v breaker=%v\n",
				m["alias"], m["pulls"], m["in_flight"], m["acks"], m["fails"], m["breaker"])
		}
	}
	if snks, ok := st["sinks"].([]any); ok {
		for _, s := range snks {
			m, _ := s.(map[string]any)
			fmt.Fprintf(w, "sink   %-12v events=%v acks=%v fails=%v errors=%v\n",
				m["alias"], m["events"], m["acks"], m["fails"], m["errors"])
		}
	}
}
