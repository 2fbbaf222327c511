package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"tidewater/internal/config"
	"tidewater/internal/pipeline"
	"tidewater/sink"
	"tidewater/source"
)

type ValidationResult struct {
	Valid   bool   `json:"valid"`
	Sources int    `json:"sources,omitempty"`
	Sinks   int    `json:"sinks,omitempty"`
	Error   string `json:"error,omitempty"`
}

func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate <pipeline.yml>",
		Short: "Load a pipeline and build every connector without running it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			res := validate(cmd.Context(), args[0])
			if err := write(cmd.OutOrStdout(), rootOpts.Format, res, func(w io.Writer) {
				if res.Valid {
					fmt.Fprintf(w, "ok: %d source(s), %d sink(s)\n", res.Sources, res.Sinks)
				} else {
					fmt.Fprintf(w, "invalid: %s\n", res.Error)
				}
			}); err != nil {
				return err
			}
			if !res.Valid {
				return fmt.Errorf("pipeline %s is invalid", args[0])
			}
			return nil
		},
	}
}

func validate(ctx context.Context, path string) ValidationResult {
	cfg, err := config.LoadPipeline(path)
	if err != nil {
		return ValidationResult{Error: err.Error()}
	}
	r, err := pipeline.Compile(cfg, nil)
	if err != nil {
		return ValidationResult{Error: err.Error()}
	}
	_ = r.Stop(context.WithoutCancel(ctx), source.ShutdownForced)
	return ValidationResult{Valid: true, Sources: len(cfg.Sources), Sinks: len(cfg.Sinks)}
}

func NewKindsCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "kinds",
		Short: "List the registered connector kinds",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			kinds := map[string][]string{"sources": source.Kinds(), "sinks": sink.Kinds()}
			return write(cmd.OutOrStdout(), rootOpts.Format, kinds, func(w io.Writer) {
				fmt.Fprintf(w, "sources: %v\nsinks:   %v\n", kinds["sources"], kinds["sinks"])
			})
		},
	}
}

// write renders v as indented JSON or hands off to text.
func write(w io.Writer, format string, v any, text func(io.Writer)) error {
	if format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	text(w)
	return nil
}
